package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"github.com/markbyerley622-cpu/chancecoin/server"
)

const (
	defaultProviderURL  = "https://bsc-dataseed1.binance.org/"
	defaultContractAddr = "0x5BecFfDd41ab85Bf5687e0B4e6DE1175A7fD9EB8"
)

func runRelay(ctx context.Context, cmd *cli.Command) error {
	level, ok := slog.LevelFromString(cmd.String("debuglevel"))
	if !ok {
		return fmt.Errorf("unknown debug level %q", cmd.String("debuglevel"))
	}

	stakes, err := parseStakes(cmd.String("stakes"))
	if err != nil {
		return err
	}

	rpcURL := cmd.String("rpc-url")
	if cmd.Bool("local") {
		rpcURL = ""
	}

	cfg := server.Config{
		DataDir:       cmd.String("data-dir"),
		HTTPPort:      cmd.String("port"),
		RPCURL:        rpcURL,
		ContractAddr:  cmd.String("contract"),
		PollInterval:  cmd.Duration("poll-interval"),
		FeePercent:    int64(cmd.Int("fee-percent")),
		AllowedStakes: stakes,
		HistorySize:   int(cmd.Int("history-size")),
		LobbySize:     int(cmd.Int("lobby-size")),
		PendingTTL:    cmd.Duration("pending-ttl"),
		LogBackend:    slog.NewBackend(os.Stdout),
		DebugLevel:    level,
	}

	srv, err := server.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return srv.Run(ctx)
}

func parseStakes(raw string) ([]decimal.Decimal, error) {
	var stakes []decimal.Decimal
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := decimal.NewFromString(part)
		if err != nil {
			return nil, fmt.Errorf("invalid stake %q: %w", part, err)
		}
		stakes = append(stakes, d)
	}
	return stakes, nil
}

func main() {
	cmd := &cli.Command{
		Name:  "chancerelay",
		Usage: "real-time relay for the Chance coin flip contract",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Value:   "3000",
				Sources: cli.EnvVars("CHANCE_PORT"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Value:   "./data",
				Sources: cli.EnvVars("CHANCE_DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "rpc-url",
				Value:   defaultProviderURL,
				Sources: cli.EnvVars("CHANCE_RPC_URL"),
			},
			&cli.StringFlag{
				Name:    "contract",
				Value:   defaultContractAddr,
				Sources: cli.EnvVars("CHANCE_CONTRACT"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Value:   5 * time.Second,
				Sources: cli.EnvVars("CHANCE_POLL_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "local",
				Usage:   "skip the ledger and pair players in-process",
				Sources: cli.EnvVars("CHANCE_LOCAL"),
			},
			&cli.IntFlag{
				Name:    "fee-percent",
				Value:   5,
				Sources: cli.EnvVars("CHANCE_FEE_PERCENT"),
			},
			&cli.StringFlag{
				Name:    "stakes",
				Usage:   "allowed stake denominations for local matchmaking",
				Value:   "0.01,0.05,0.1,0.5,1",
				Sources: cli.EnvVars("CHANCE_STAKES"),
			},
			&cli.IntFlag{
				Name:    "history-size",
				Value:   50,
				Sources: cli.EnvVars("CHANCE_HISTORY_SIZE"),
			},
			&cli.IntFlag{
				Name:    "lobby-size",
				Value:   100,
				Sources: cli.EnvVars("CHANCE_LOBBY_SIZE"),
			},
			&cli.DurationFlag{
				Name:    "pending-ttl",
				Usage:   "evict unsettled matches after this long, 0 keeps them forever",
				Value:   2 * time.Hour,
				Sources: cli.EnvVars("CHANCE_PENDING_TTL"),
			},
			&cli.StringFlag{
				Name:    "debuglevel",
				Value:   "info",
				Sources: cli.EnvVars("CHANCE_DEBUG_LEVEL"),
			},
		},
		Action: runRelay,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
