package flipgame

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// Outcome is a locally decided match: both players, the coin result and the
// payout owed to the winner.
type Outcome struct {
	P1     *Player // the earlier waiter
	P2     *Player // the joiner that completed the match
	Winner *Player
	Stake  decimal.Decimal
	Payout decimal.Decimal
}

func (o *Outcome) Loser() *Player {
	if o.Winner == o.P1 {
		return o.P2
	}
	return o.P1
}

// Matchmaker pairs opposite-side joins at the same stake when no ledger is
// configured. Waiters queue FIFO per (stake, side) slot, so a second joiner on
// an occupied side lines up behind the first instead of orphaning them.
type Matchmaker struct {
	sync.Mutex

	feePercent    decimal.Decimal
	allowedStakes map[string]struct{} // empty means any stake
	queues        map[string]map[Side][]*Player
	log           slog.Logger
}

func NewMatchmaker(feePercent int64, allowedStakes []decimal.Decimal, log slog.Logger) (*Matchmaker, error) {
	if feePercent < 0 || feePercent >= 100 {
		return nil, fmt.Errorf("invalid fee percent %d", feePercent)
	}
	allowed := make(map[string]struct{}, len(allowedStakes))
	for _, s := range allowedStakes {
		allowed[s.String()] = struct{}{}
	}
	return &Matchmaker{
		feePercent:    decimal.NewFromInt(feePercent),
		allowedStakes: allowed,
		queues:        make(map[string]map[Side][]*Player),
		log:           log,
	}, nil
}

// Payout is what the winner takes home: the full pot minus the house fee.
func Payout(stake, feePercent decimal.Decimal) decimal.Decimal {
	pot := stake.Mul(two)
	fee := pot.Mul(feePercent).Div(decimal.NewFromInt(100))
	return pot.Sub(fee)
}

// Join enqueues p, or forms a match immediately when a player on the opposite
// side is already waiting at the same stake. Self-matches are never formed; a
// player joining against their own queued address lines up instead.
func (m *Matchmaker) Join(p *Player) (*Outcome, error) {
	if !p.Stake.IsPositive() {
		return nil, fmt.Errorf("stake must be positive, got %s", p.Stake)
	}
	key := p.Stake.String()
	if len(m.allowedStakes) > 0 {
		if _, ok := m.allowedStakes[key]; !ok {
			return nil, fmt.Errorf("stake %s not in the allowed denominations", key)
		}
	}

	m.Lock()
	defer m.Unlock()

	slots := m.queues[key]
	if slots == nil {
		slots = make(map[Side][]*Player)
		m.queues[key] = slots
	}

	opp := m.dequeueLocked(slots, p.Side.Opposite(), p.Addr)
	if opp == nil {
		slots[p.Side] = append(slots[p.Side], p)
		m.log.Debugf("matchmaker: %s waiting on %s at stake %s (%d in slot)",
			p.Addr, p.Side, key, len(slots[p.Side]))
		return nil, nil
	}

	winner := opp
	headsWins, err := fairCoin()
	if err != nil {
		// Re-queue the opponent so the pairing is not lost.
		slots[opp.Side] = append([]*Player{opp}, slots[opp.Side]...)
		return nil, fmt.Errorf("coin flip failed: %w", err)
	}
	if (p.Side == SideHeads) == headsWins {
		winner = p
	}

	out := &Outcome{
		P1:     opp,
		P2:     p,
		Winner: winner,
		Stake:  p.Stake,
		Payout: Payout(p.Stake, m.feePercent),
	}
	m.log.Infof("matchmaker: matched %s (%s) vs %s (%s) at stake %s, winner %s",
		opp.Addr, opp.Side, p.Addr, p.Side, key, winner.Addr)
	return out, nil
}

// dequeueLocked pops the first waiter on side whose address differs from
// joiner. Callers hold m.Mutex.
func (m *Matchmaker) dequeueLocked(slots map[Side][]*Player, side Side, joiner Addr) *Player {
	q := slots[side]
	for i, w := range q {
		if w.Addr == joiner {
			continue
		}
		slots[side] = append(q[:i:i], q[i+1:]...)
		return w
	}
	return nil
}

// RemoveConn clears every queued waiter holding conn, across all stakes and
// sides. Returns how many entries were dropped.
func (m *Matchmaker) RemoveConn(conn Notifier) int {
	m.Lock()
	defer m.Unlock()
	removed := 0
	for key, slots := range m.queues {
		for side, q := range slots {
			kept := q[:0]
			for _, w := range q {
				if w.Conn == conn {
					removed++
					continue
				}
				kept = append(kept, w)
			}
			if len(kept) == 0 {
				delete(slots, side)
			} else {
				slots[side] = kept
			}
		}
		if len(slots) == 0 {
			delete(m.queues, key)
		}
	}
	return removed
}

// Waiting reports how many players are queued at (stake, side).
func (m *Matchmaker) Waiting(stake decimal.Decimal, side Side) int {
	m.Lock()
	defer m.Unlock()
	return len(m.queues[stake.String()][side])
}

// fairCoin flips an unbiased coin, independent of either player's input.
func fairCoin() (bool, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(2))
	if err != nil {
		return false, err
	}
	return n.Int64() == 0, nil
}
