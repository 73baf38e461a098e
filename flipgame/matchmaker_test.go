package flipgame

import (
	"testing"

	"github.com/decred/slog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func newTestMatchmaker(t *testing.T, feePercent int64, allowed ...string) *Matchmaker {
	t.Helper()
	var stakes []decimal.Decimal
	for _, s := range allowed {
		stakes = append(stakes, decimal.RequireFromString(s))
	}
	mm, err := NewMatchmaker(feePercent, stakes, slog.Disabled)
	assert.NoError(t, err)
	return mm
}

func testPlayer(addr string, side Side, stake string) *Player {
	return &Player{
		Addr:  NewAddr(addr),
		Side:  side,
		Stake: decimal.RequireFromString(stake),
		Conn:  &fakeConn{},
	}
}

func TestNewMatchmaker_FeeValidation(t *testing.T) {
	_, err := NewMatchmaker(-1, nil, slog.Disabled)
	assert.Error(t, err)
	_, err = NewMatchmaker(100, nil, slog.Disabled)
	assert.Error(t, err)
	_, err = NewMatchmaker(0, nil, slog.Disabled)
	assert.NoError(t, err)
}

func TestPayout(t *testing.T) {
	tests := []struct {
		name  string
		stake string
		fee   int64
		want  string
	}{
		{"one bnb five percent", "1", 5, "1.9"},
		{"tenth bnb five percent", "0.1", 5, "0.19"},
		{"no fee", "0.5", 0, "1"},
		{"small stake", "0.01", 5, "0.019"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Payout(decimal.RequireFromString(tt.stake), decimal.NewFromInt(tt.fee))
			assert.True(t, got.Equal(decimal.RequireFromString(tt.want)),
				"payout %s != %s", got, tt.want)
		})
	}
}

func TestMatchmaker_PairsOppositeSides(t *testing.T) {
	tests := []struct {
		name        string
		first, then Side
	}{
		{"heads then tails", SideHeads, SideTails},
		{"tails then heads", SideTails, SideHeads},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mm := newTestMatchmaker(t, 5)
			a := testPlayer("0xaaaa", tt.first, "0.1")
			b := testPlayer("0xbbbb", tt.then, "0.1")

			out, err := mm.Join(a)
			assert.NoError(t, err)
			assert.Nil(t, out)
			assert.Equal(t, 1, mm.Waiting(a.Stake, tt.first))

			out, err = mm.Join(b)
			assert.NoError(t, err)
			if assert.NotNil(t, out) {
				assert.Equal(t, a, out.P1)
				assert.Equal(t, b, out.P2)
				assert.Contains(t, []*Player{a, b}, out.Winner)
				assert.True(t, out.Payout.Equal(decimal.RequireFromString("0.19")))
			}
			assert.Equal(t, 0, mm.Waiting(a.Stake, tt.first))
			assert.Equal(t, 0, mm.Waiting(a.Stake, tt.then))
		})
	}
}

func TestMatchmaker_SameSideQueuesFIFO(t *testing.T) {
	mm := newTestMatchmaker(t, 5)
	first := testPlayer("0xaaaa", SideHeads, "0.1")
	second := testPlayer("0xbbbb", SideHeads, "0.1")
	joiner := testPlayer("0xcccc", SideTails, "0.1")

	out, err := mm.Join(first)
	assert.NoError(t, err)
	assert.Nil(t, out)
	out, err = mm.Join(second)
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 2, mm.Waiting(first.Stake, SideHeads))

	out, err = mm.Join(joiner)
	assert.NoError(t, err)
	if assert.NotNil(t, out) {
		assert.Equal(t, first, out.P1, "the earlier waiter matches first")
	}
	assert.Equal(t, 1, mm.Waiting(first.Stake, SideHeads))
}

func TestMatchmaker_DifferentStakesNeverPair(t *testing.T) {
	mm := newTestMatchmaker(t, 5)
	a := testPlayer("0xaaaa", SideHeads, "0.1")
	b := testPlayer("0xbbbb", SideTails, "0.5")

	out, err := mm.Join(a)
	assert.NoError(t, err)
	assert.Nil(t, out)
	out, err = mm.Join(b)
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, mm.Waiting(a.Stake, SideHeads))
	assert.Equal(t, 1, mm.Waiting(b.Stake, SideTails))
}

func TestMatchmaker_NoSelfMatch(t *testing.T) {
	mm := newTestMatchmaker(t, 5)
	a1 := testPlayer("0xaaaa", SideHeads, "0.1")
	a2 := testPlayer("0xAAAA", SideTails, "0.1")
	b := testPlayer("0xbbbb", SideHeads, "0.1")

	out, err := mm.Join(a1)
	assert.NoError(t, err)
	assert.Nil(t, out)

	// The same address on the opposite side queues instead of flipping
	// against itself.
	out, err = mm.Join(a2)
	assert.NoError(t, err)
	assert.Nil(t, out)
	assert.Equal(t, 1, mm.Waiting(a1.Stake, SideTails))

	// A different heads player does pair with the queued tails entry.
	out, err = mm.Join(b)
	assert.NoError(t, err)
	if assert.NotNil(t, out) {
		assert.Equal(t, a2, out.P1)
		assert.Equal(t, b, out.P2)
	}
}

func TestMatchmaker_StakeValidation(t *testing.T) {
	mm := newTestMatchmaker(t, 5, "0.1", "1")

	_, err := mm.Join(testPlayer("0xaaaa", SideHeads, "0"))
	assert.Error(t, err)
	_, err = mm.Join(testPlayer("0xaaaa", SideHeads, "-1"))
	assert.Error(t, err)
	_, err = mm.Join(testPlayer("0xaaaa", SideHeads, "0.25"))
	assert.Error(t, err)

	out, err := mm.Join(testPlayer("0xaaaa", SideHeads, "0.1"))
	assert.NoError(t, err)
	assert.Nil(t, out)
}

func TestMatchmaker_RemoveConn(t *testing.T) {
	mm := newTestMatchmaker(t, 5)
	conn := &fakeConn{}
	a := testPlayer("0xaaaa", SideHeads, "0.1")
	a.Conn = conn
	b := testPlayer("0xbbbb", SideTails, "0.5")
	b.Conn = conn
	c := testPlayer("0xcccc", SideHeads, "0.1")

	for _, p := range []*Player{a, b, c} {
		out, err := mm.Join(p)
		assert.NoError(t, err)
		assert.Nil(t, out)
	}

	assert.Equal(t, 2, mm.RemoveConn(conn))
	assert.Equal(t, 0, mm.Waiting(b.Stake, SideTails))
	assert.Equal(t, 1, mm.Waiting(c.Stake, SideHeads))
	assert.Equal(t, 0, mm.RemoveConn(conn))
}

func TestMatchmaker_WinnerDistribution(t *testing.T) {
	// Not a statistical test: just verify both outcomes are reachable and the
	// winner is always one of the two participants.
	mm := newTestMatchmaker(t, 5)
	seen := make(map[Addr]int)
	for i := 0; i < 64; i++ {
		a := testPlayer("0xaaaa", SideHeads, "0.1")
		b := testPlayer("0xbbbb", SideTails, "0.1")
		_, err := mm.Join(a)
		assert.NoError(t, err)
		out, err := mm.Join(b)
		assert.NoError(t, err)
		if !assert.NotNil(t, out) {
			continue
		}
		assert.Contains(t, []*Player{a, b}, out.Winner)
		seen[out.Winner.Addr]++
		if len(seen) == 2 {
			break
		}
	}
	assert.Len(t, seen, 2, "both players should win eventually")
}
