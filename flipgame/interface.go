package flipgame

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Addr is a wallet address normalized for keying: lowercased and trimmed.
// Always build one through NewAddr; never key a map on a raw string.
type Addr string

func NewAddr(s string) Addr {
	return Addr(strings.ToLower(strings.TrimSpace(s)))
}

func (a Addr) String() string { return string(a) }

// Side is the coin face a player picked. The contract encodes heads as 0 and
// tails as 1, and the browser clients send the same numbers.
type Side uint8

const (
	SideHeads Side = 0
	SideTails Side = 1
)

func (s Side) String() string {
	if s == SideTails {
		return "tails"
	}
	return "heads"
}

func (s Side) Opposite() Side {
	if s == SideHeads {
		return SideTails
	}
	return SideHeads
}

func ParseSide(v string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "0", "heads":
		return SideHeads, nil
	case "1", "tails":
		return SideTails, nil
	}
	return SideHeads, fmt.Errorf("invalid side %q", v)
}

func (s Side) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts both the contract's numeric encoding and the string
// form so clients can send either.
func (s *Side) UnmarshalJSON(b []byte) error {
	var n uint8
	if err := json.Unmarshal(b, &n); err == nil {
		if n > 1 {
			return fmt.Errorf("invalid side %d", n)
		}
		*s = Side(n)
		return nil
	}
	var str string
	if err := json.Unmarshal(b, &str); err != nil {
		return fmt.Errorf("invalid side %s", string(b))
	}
	v, err := ParseSide(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Notifier is a live connection a result can be pushed to. Sends are
// fire-and-forget; a failed send is the caller's problem to log, never to
// retry.
type Notifier interface {
	Notify(msgType string, payload any) error
}

// Player is one announced intent to play: who, which side, how much, and the
// connection to reach them on.
type Player struct {
	Addr     Addr
	Side     Side
	Stake    decimal.Decimal
	Conn     Notifier
	JoinedAt time.Time
}

// PlayerSessions maps an address to its current live session. At most one
// session per address; a reconnect overwrites the previous one.
type PlayerSessions struct {
	sync.RWMutex
	Sessions map[Addr]*Player
}

func NewPlayerSessions() *PlayerSessions {
	return &PlayerSessions{Sessions: make(map[Addr]*Player)}
}
