package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/markbyerley622-cpu/chancecoin/chainwatcher"
	"github.com/markbyerley622-cpu/chancecoin/flipgame"
	"github.com/markbyerley622-cpu/chancecoin/server/historydb"
	"github.com/markbyerley622-cpu/chancecoin/wire"
)

const (
	defaultHistorySize = 50
	defaultLobbySize   = 100
	historyFile        = "recent-winners.json"

	pendingSweepInterval = time.Minute
)

type Config struct {
	DataDir  string
	HTTPPort string

	// BSC node connectivity. Empty RPCURL enables local matchmaking instead
	// of mirroring the contract.
	RPCURL       string
	ContractAddr string
	PollInterval time.Duration

	// Local matchmaking economics.
	FeePercent    int64
	AllowedStakes []decimal.Decimal

	HistorySize int
	LobbySize   int

	// PendingTTL evicts created matches whose settlement never arrives.
	// Zero keeps them until restart.
	PendingTTL time.Duration

	LogBackend *slog.Backend
	DebugLevel slog.Level
}

func (c *Config) logger(tag string) slog.Logger {
	l := c.LogBackend.Logger(tag)
	l.SetLevel(c.DebugLevel)
	return l
}

// Server owns all relay state. Every mutation of the pending-match map, the
// lobby feed, the history and the client set happens on the single loop
// goroutine fed by the events channel, so no two mutations ever race.
type Server struct {
	log slog.Logger
	cfg Config

	sessions   *flipgame.PlayerSessions
	matchmaker *flipgame.Matchmaker // nil when a ledger is configured

	eth     *ethclient.Client
	watcher *chainwatcher.Watcher // nil in local mode

	history *matchHistory
	pending map[string]*pendingMatch
	lobby   []*wire.LobbyEntry
	clients map[*client]struct{}

	events     chan event
	quit       chan struct{}
	httpServer *http.Server
}

// pendingMatch buffers a creation event until its settlement arrives. Sides
// come from announced intents, not from the creation event itself.
type pendingMatch struct {
	matchID        string
	p1, p2         flipgame.Addr
	p1Side, p2Side string
	stake          decimal.Decimal
	createdAt      time.Time
}

// Coordinator loop inputs.
type event interface{}

type clientConnected struct{ c *client }
type clientClosed struct{ c *client }
type clientMessage struct {
	c   *client
	env *wire.Envelope
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.LogBackend == nil {
		return nil, fmt.Errorf("log backend is nil")
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = defaultHistorySize
	}
	if cfg.LobbySize <= 0 {
		cfg.LobbySize = defaultLobbySize
	}

	s := &Server{
		log:      cfg.logger("SRV"),
		cfg:      cfg,
		sessions: flipgame.NewPlayerSessions(),
		pending:  make(map[string]*pendingMatch),
		clients:  make(map[*client]struct{}),
		events:   make(chan event, 256),
		quit:     make(chan struct{}),
	}

	store, err := historydb.NewFileStore(filepath.Join(cfg.DataDir, historyFile))
	if err != nil {
		return nil, fmt.Errorf("failed to open history store: %w", err)
	}
	s.history = newMatchHistory(cfg.logger("HIST"), store, cfg.HistorySize)
	s.history.load(ctx)

	if cfg.RPCURL != "" {
		if err := s.initLedger(ctx); err != nil {
			// Degraded mode: sessions, lobby, chat and history keep working.
			s.log.Warnf("ledger unavailable, continuing without contract events: %v", err)
		}
	} else {
		mm, err := flipgame.NewMatchmaker(cfg.FeePercent, cfg.AllowedStakes, cfg.logger("GAME"))
		if err != nil {
			return nil, err
		}
		s.matchmaker = mm
		s.log.Infof("no RPC URL configured; local matchmaking enabled (fee %d%%)", cfg.FeePercent)
	}

	if cfg.HTTPPort != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.handleWS)
		mux.HandleFunc("/matches", s.handleRecentMatches)
		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.HTTPPort),
			Handler: mux,
		}
		go func() {
			s.log.Infof("Starting HTTP server on port %s", cfg.HTTPPort)
			if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.log.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	return s, nil
}

func (s *Server) initLedger(ctx context.Context) error {
	client, err := ethclient.DialContext(ctx, s.cfg.RPCURL)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.RPCURL, err)
	}

	// Probe the node the way the browser clients do. The watcher tolerates a
	// dead node on every tick, so a failed probe only downgrades the log line.
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if chainID, err := client.ChainID(probeCtx); err != nil {
		s.log.Warnf("node %s not reachable yet: %v", s.cfg.RPCURL, err)
	} else {
		s.log.Infof("Connected to chain %s via %s", chainID, s.cfg.RPCURL)
	}

	s.eth = client
	s.watcher = chainwatcher.New(
		s.cfg.logger("CW"),
		client,
		common.HexToAddress(s.cfg.ContractAddr),
		s.cfg.PollInterval,
	)
	s.log.Infof("Listening to contract %s", s.cfg.ContractAddr)
	return nil
}

// Run drives the watcher and the coordinator loop until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	if s.watcher != nil {
		g.Go(func() error {
			s.watcher.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return s.loop(gctx)
	})
	return g.Wait()
}

func (s *Server) loop(ctx context.Context) error {
	var ledgerEvents <-chan chainwatcher.Event
	if s.watcher != nil {
		ledgerEvents = s.watcher.Events()
	}
	var sweepC <-chan time.Time
	if s.cfg.PendingTTL > 0 {
		t := time.NewTicker(pendingSweepInterval)
		defer t.Stop()
		sweepC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.Shutdown(sctx); err != nil {
				s.log.Errorf("Error during server shutdown: %v", err)
			}
			return nil

		case e := <-s.events:
			s.handleEvent(ctx, e)

		case ev := <-ledgerEvents:
			s.handleLedgerEvent(ctx, ev)

		case <-sweepC:
			s.sweepPending()
		}
	}
}

func (s *Server) handleEvent(ctx context.Context, e event) {
	switch e := e.(type) {
	case clientConnected:
		s.handleClientConnected(e.c)
	case clientClosed:
		s.handleClientClosed(e.c)
	case clientMessage:
		s.handleClientMessage(ctx, e.c, e.env)
	}
}

// enqueue hands an event to the coordinator loop, giving up on shutdown.
func (s *Server) enqueue(e event) {
	select {
	case s.events <- e:
	case <-s.quit:
	}
}

// sweepPending evicts created matches whose settlement never arrived within
// the TTL. Without a TTL they would leak until restart.
func (s *Server) sweepPending() {
	for id, pm := range s.pending {
		if time.Since(pm.createdAt) > s.cfg.PendingTTL {
			delete(s.pending, id)
			s.log.Warnf("match %s never settled after %s; evicting pending entry", id, s.cfg.PendingTTL)
		}
	}
}

// handleRecentMatches serves the current bounded history, most recent first.
func (s *Server) handleRecentMatches(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.history.snapshot()); err != nil {
		s.log.Errorf("failed to write /matches response: %v", err)
	}
}

// Shutdown stops the watcher, drains the HTTP server, closes every client
// connection and the history store.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.quit)

	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.httpServer != nil {
		s.log.Info("Shutting down HTTP server...")
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Errorf("Error shutting down HTTP server: %v", err)
		}
	}

	s.log.Info("Closing client connections...")
	for c := range s.clients {
		c.close()
	}
	s.clients = make(map[*client]struct{})

	if s.eth != nil {
		s.eth.Close()
	}

	if err := s.history.close(); err != nil {
		s.log.Errorf("Error closing history store: %v", err)
	}

	s.log.Info("Server shut down completed.")
	return nil
}
