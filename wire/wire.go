// Package wire defines the JSON messages exchanged with browser clients over
// the websocket transport, mirroring the event names the original socket.io
// clients speak.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/markbyerley622-cpu/chancecoin/flipgame"
	"github.com/shopspring/decimal"
)

// Inbound message types.
const (
	TypePlayerJoined = "playerJoined"
	TypeChatMessage  = "chatMessage"
)

// Outbound message types.
const (
	TypeMatchResult = "matchResult"
	TypeLobbyUpdate = "lobbyUpdate"
	TypeRecentMatch = "recentMatch"
)

// Envelope frames every message on the socket.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

func NewEnvelope(msgType string, payload any) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return &Envelope{Type: msgType, Data: data}, nil
}

// PlayerJoined announces a player's intent: wallet address, chosen side and
// stake. Sent right after the client submits the joinGame transaction.
type PlayerJoined struct {
	Addr  string          `json:"addr"`
	Stake decimal.Decimal `json:"stake"`
	Side  flipgame.Side   `json:"side"`
}

// ChatMessage is relayed verbatim to every connected client.
type ChatMessage struct {
	Addr string `json:"addr"`
	Text string `json:"text"`
}

// MatchResult is pushed only to the two participants of a settled match,
// never broadcast.
type MatchResult struct {
	Winner   string `json:"winner"`
	Opponent string `json:"opponent"`
	Amount   string `json:"amount"`
}

// LobbyEntry is a non-authoritative echo of a created match or a queued
// intent. Either MatchID+P1+P2 or Addr+Side is set.
type LobbyEntry struct {
	MatchID string `json:"matchId,omitempty"`
	P1      string `json:"p1,omitempty"`
	P2      string `json:"p2,omitempty"`
	Addr    string `json:"addr,omitempty"`
	Side    string `json:"side,omitempty"`
	Stake   string `json:"stake"`
	Ts      int64  `json:"ts"`
}

// LobbyUpdate carries the full bounded lobby feed, most recent first.
type LobbyUpdate struct {
	Entries []*LobbyEntry `json:"entries"`
}
