// Package chainwatcher mirrors the Chance contract's events from a BSC node.
// It polls for new logs and hands normalized events, in log order, to a single
// consumer channel. The relay never writes to the chain.
package chainwatcher

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

const chanceABIJSON = `[
  {"type":"event","name":"MatchCreated","inputs":[
    {"name":"matchId","type":"uint256","indexed":true},
    {"name":"p1","type":"address","indexed":false},
    {"name":"p2","type":"address","indexed":false},
    {"name":"stake","type":"uint256","indexed":false}]},
  {"type":"event","name":"MatchSettled","inputs":[
    {"name":"matchId","type":"uint256","indexed":true},
    {"name":"winner","type":"address","indexed":false},
    {"name":"amount","type":"uint256","indexed":false}]},
  {"type":"event","name":"PlayerQueued","inputs":[
    {"name":"player","type":"address","indexed":true},
    {"name":"stake","type":"uint256","indexed":false},
    {"name":"side","type":"uint8","indexed":false}]}
]`

var chanceABI = mustParseABI(chanceABIJSON)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic(err)
	}
	return parsed
}

// Event is one normalized contract event. Concrete types: MatchCreated,
// MatchSettled, PlayerQueued.
type Event interface {
	event()
}

// MatchCreated pairs two players at a stake. Stake is in BNB, not wei.
type MatchCreated struct {
	MatchID string
	P1, P2  common.Address
	Stake   decimal.Decimal
}

// MatchSettled declares the winner and payout of a previously created match.
type MatchSettled struct {
	MatchID string
	Winner  common.Address
	Amount  decimal.Decimal
}

// PlayerQueued is a player waiting on-chain for an opponent.
type PlayerQueued struct {
	Player common.Address
	Stake  decimal.Decimal
	Side   uint8
}

func (MatchCreated) event() {}
func (MatchSettled) event() {}
func (PlayerQueued) event() {}

// Watcher polls the node for Chance contract logs past the last scanned block
// and pushes normalized events to Events(). Channel order follows log order,
// so a match's creation is seen before its settlement.
type Watcher struct {
	log      slog.Logger
	client   *ethclient.Client
	contract common.Address
	interval time.Duration

	mu          sync.RWMutex
	tip         uint64
	lastScanned int64 // -1 until the first successful tick

	events chan Event
	quit   chan struct{}
}

func New(log slog.Logger, client *ethclient.Client, contract common.Address, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Watcher{
		log:         log,
		client:      client,
		contract:    contract,
		interval:    interval,
		lastScanned: -1,
		events:      make(chan Event, 128),
		quit:        make(chan struct{}),
	}
}

// Events is the single consumer channel. The watcher blocks on it rather than
// dropping, so event order is preserved end to end.
func (w *Watcher) Events() <-chan Event { return w.events }

func (w *Watcher) Stop() { close(w.quit) }

func (w *Watcher) Run(ctx context.Context) {
	w.log.Infof("watcher: started, contract=%s interval=%s", w.contract.Hex(), w.interval)
	t := time.NewTicker(w.interval)
	defer t.Stop()
	defer w.log.Infof("watcher: stopped")
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-t.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context) {
	tip, err := w.client.BlockNumber(ctx)
	if err != nil {
		w.log.Debugf("watcher: BlockNumber failed: %v", err)
		return
	}
	w.mu.Lock()
	w.tip = tip
	last := w.lastScanned
	w.mu.Unlock()

	// First run or reorg/unknown cursor: scan only the current tip.
	from := last + 1
	if last == -1 || from < 0 || from > int64(tip) {
		from = int64(tip)
	}

	query := ethereum.FilterQuery{
		FromBlock: big.NewInt(from),
		ToBlock:   new(big.Int).SetUint64(tip),
		Addresses: []common.Address{w.contract},
		Topics: [][]common.Hash{{
			chanceABI.Events["MatchCreated"].ID,
			chanceABI.Events["MatchSettled"].ID,
			chanceABI.Events["PlayerQueued"].ID,
		}},
	}
	logs, err := w.client.FilterLogs(ctx, query)
	if err != nil {
		w.log.Debugf("watcher: FilterLogs %d..%d failed: %v", from, tip, err)
		return
	}

	for i := range logs {
		ev, err := parseLog(&logs[i])
		if err != nil {
			w.log.Warnf("watcher: skipping log %s#%d: %v", logs[i].TxHash.Hex(), logs[i].Index, err)
			continue
		}
		select {
		case w.events <- ev:
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		}
	}

	w.mu.Lock()
	w.lastScanned = int64(tip)
	w.mu.Unlock()
	if len(logs) > 0 {
		w.log.Debugf("watcher: scanned %d..%d, %d logs", from, tip, len(logs))
	}
}

// Tip returns the last observed chain height.
func (w *Watcher) Tip() uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.tip
}

func parseLog(lg *types.Log) (Event, error) {
	if len(lg.Topics) < 2 {
		return nil, fmt.Errorf("missing indexed topic")
	}
	switch lg.Topics[0] {
	case chanceABI.Events["MatchCreated"].ID:
		vals, err := chanceABI.Unpack("MatchCreated", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack MatchCreated: %w", err)
		}
		return MatchCreated{
			MatchID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
			P1:      vals[0].(common.Address),
			P2:      vals[1].(common.Address),
			Stake:   fromWei(vals[2].(*big.Int)),
		}, nil

	case chanceABI.Events["MatchSettled"].ID:
		vals, err := chanceABI.Unpack("MatchSettled", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack MatchSettled: %w", err)
		}
		return MatchSettled{
			MatchID: new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(),
			Winner:  vals[0].(common.Address),
			Amount:  fromWei(vals[1].(*big.Int)),
		}, nil

	case chanceABI.Events["PlayerQueued"].ID:
		vals, err := chanceABI.Unpack("PlayerQueued", lg.Data)
		if err != nil {
			return nil, fmt.Errorf("unpack PlayerQueued: %w", err)
		}
		return PlayerQueued{
			Player: common.BytesToAddress(lg.Topics[1].Bytes()),
			Stake:  fromWei(vals[0].(*big.Int)),
			Side:   vals[1].(uint8),
		}, nil
	}
	return nil, fmt.Errorf("unknown topic %s", lg.Topics[0].Hex())
}

// fromWei converts an on-chain wei amount to BNB.
func fromWei(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -18)
}
