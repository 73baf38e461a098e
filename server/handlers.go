package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/markbyerley622-cpu/chancecoin/flipgame"
	"github.com/markbyerley622-cpu/chancecoin/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64

	maxChatLen = 500
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The relay serves public game pages; origin checks belong to the proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// client is one live websocket connection. Outbound messages are queued on a
// buffered channel drained by writePump, so a slow reader never stalls the
// coordinator loop.
type client struct {
	id   string
	srv  *Server
	conn *websocket.Conn
	out  chan []byte
	done chan struct{}
	once sync.Once
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("websocket upgrade failed: %v", err)
		return
	}
	c := &client{
		id:   uuid.NewString(),
		srv:  s,
		conn: conn,
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	s.enqueue(clientConnected{c})
	go c.writePump()
	go c.readPump()
}

// Notify implements flipgame.Notifier. Delivery is fire-and-forget: a full
// buffer or a closed connection drops the message and reports it.
func (c *client) Notify(msgType string, payload any) error {
	env, err := wire.NewEnvelope(msgType, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", msgType, err)
	}
	select {
	case c.out <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("connection %s closed", c.id)
	default:
		return fmt.Errorf("send buffer full on %s, dropping %s", c.id, msgType)
	}
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.done)
		if c.conn != nil {
			c.conn.Close()
		}
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.srv.enqueue(clientClosed{c})
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.srv.log.Debugf("client %s read error: %v", c.id, err)
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.srv.log.Warnf("client %s sent malformed frame: %v", c.id, err)
			continue
		}
		c.srv.enqueue(clientMessage{c: c, env: &env})
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case data := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// --- coordinator-side client handling (loop goroutine only) ---

func (s *Server) handleClientConnected(c *client) {
	s.clients[c] = struct{}{}
	s.log.Debugf("client %s connected (%d online)", c.id, len(s.clients))

	// Initial sync: current lobby plus a replay of the recent matches.
	if err := c.Notify(wire.TypeLobbyUpdate, wire.LobbyUpdate{Entries: s.lobby}); err != nil {
		s.log.Debugf("lobby sync to %s failed: %v", c.id, err)
	}
	for _, rec := range s.history.snapshot() {
		if err := c.Notify(wire.TypeRecentMatch, rec); err != nil {
			s.log.Debugf("history replay to %s failed: %v", c.id, err)
			break
		}
	}
}

func (s *Server) handleClientClosed(c *client) {
	if _, ok := s.clients[c]; !ok {
		return
	}
	delete(s.clients, c)

	released := s.sessions.ReleaseConn(c)
	for _, addr := range released {
		s.log.Debugf("released session for %s on disconnect", addr)
	}
	if s.matchmaker != nil {
		if n := s.matchmaker.RemoveConn(c); n > 0 {
			s.log.Debugf("cleared %d queued entries for client %s", n, c.id)
		}
	}
	s.log.Debugf("client %s disconnected (%d online)", c.id, len(s.clients))
}

func (s *Server) handleClientMessage(ctx context.Context, c *client, env *wire.Envelope) {
	switch env.Type {
	case wire.TypePlayerJoined:
		var pj wire.PlayerJoined
		if err := json.Unmarshal(env.Data, &pj); err != nil {
			s.log.Warnf("client %s sent bad playerJoined: %v", c.id, err)
			return
		}
		s.handlePlayerJoined(ctx, c, &pj)

	case wire.TypeChatMessage:
		var cm wire.ChatMessage
		if err := json.Unmarshal(env.Data, &cm); err != nil {
			s.log.Warnf("client %s sent bad chatMessage: %v", c.id, err)
			return
		}
		cm.Addr = flipgame.NewAddr(cm.Addr).String()
		cm.Text = strings.TrimSpace(cm.Text)
		if cm.Text == "" {
			return
		}
		if len(cm.Text) > maxChatLen {
			cm.Text = cm.Text[:maxChatLen]
		}
		s.broadcast(wire.TypeChatMessage, cm)

	default:
		s.log.Debugf("client %s sent unknown message type %q", c.id, env.Type)
	}
}

func (s *Server) handlePlayerJoined(ctx context.Context, c *client, pj *wire.PlayerJoined) {
	addr := flipgame.NewAddr(pj.Addr)
	if addr == "" {
		s.log.Warnf("client %s joined without an address", c.id)
		return
	}

	p := &flipgame.Player{
		Addr:     addr,
		Side:     pj.Side,
		Stake:    pj.Stake,
		Conn:     c,
		JoinedAt: time.Now(),
	}
	s.sessions.Register(p)
	s.log.Infof("player registered: %s, stake: %s, side: %s", addr, pj.Stake, pj.Side)

	s.pushLobby(&wire.LobbyEntry{
		Addr:  addr.String(),
		Side:  p.Side.String(),
		Stake: p.Stake.String(),
		Ts:    nowMillis(),
	})

	// In ledger mode the contract does the matchmaking; we only track the
	// player. Without a ledger the local matchmaker takes over.
	if s.matchmaker == nil {
		return
	}
	out, err := s.matchmaker.Join(p)
	if err != nil {
		s.log.Warnf("join rejected for %s: %v", addr, err)
		return
	}
	if out != nil {
		s.settleLocal(ctx, out)
	}
}

func nowMillis() int64 { return time.Now().UnixMilli() }
