package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markbyerley622-cpu/chancecoin/flipgame"
	"github.com/markbyerley622-cpu/chancecoin/server/historydb"
	"github.com/markbyerley622-cpu/chancecoin/wire"
)

func inbound(t *testing.T, msgType string, payload any) *wire.Envelope {
	t.Helper()
	env, err := wire.NewEnvelope(msgType, payload)
	require.NoError(t, err)
	return env
}

func TestClientConnected_InitialSync(t *testing.T) {
	s := newTestServer(t)
	s.lobby = []*wire.LobbyEntry{{MatchID: "7", Stake: "0.1", Ts: nowMillis()}}
	s.history.append(context.Background(), &historydb.MatchRecord{Winner: hexA, Amount: "0.19"})
	s.history.append(context.Background(), &historydb.MatchRecord{Winner: hexB, Amount: "1.9"})

	c := newTestClient()
	s.handleClientConnected(c)

	envs := drainEnvelopes(t, c)
	assert.Equal(t, 1, countType(envs, wire.TypeLobbyUpdate))
	assert.Equal(t, 2, countType(envs, wire.TypeRecentMatch))
	assert.Equal(t, wire.TypeLobbyUpdate, envs[0].Type, "lobby comes before the replay")

	var lu wire.LobbyUpdate
	assert.NoError(t, json.Unmarshal(envs[0].Data, &lu))
	if assert.Len(t, lu.Entries, 1) {
		assert.Equal(t, "7", lu.Entries[0].MatchID)
	}
}

func TestClientClosed_Cleanup(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := newTestClient()
	s.handleClientConnected(c)

	s.handlePlayerJoined(ctx, c, &wire.PlayerJoined{Addr: hexA, Stake: stakeTenth, Side: flipgame.SideHeads})
	assert.NotNil(t, s.sessions.Resolve(flipgame.NewAddr(hexA)))
	assert.Equal(t, 1, s.matchmaker.Waiting(stakeTenth, flipgame.SideHeads))

	s.handleClientClosed(c)
	assert.Empty(t, s.clients)
	assert.Nil(t, s.sessions.Resolve(flipgame.NewAddr(hexA)))
	assert.Zero(t, s.matchmaker.Waiting(stakeTenth, flipgame.SideHeads))

	// A duplicate close event is ignored.
	s.handleClientClosed(c)
	assert.Empty(t, s.clients)
}

func TestClientClosed_KeepsOtherSessions(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c1 := newTestClient()
	c2 := newTestClient()
	s.handleClientConnected(c1)
	s.handleClientConnected(c2)

	s.handlePlayerJoined(ctx, c1, &wire.PlayerJoined{Addr: hexA, Stake: stakeTenth, Side: flipgame.SideHeads})
	s.handlePlayerJoined(ctx, c2, &wire.PlayerJoined{Addr: hexC, Stake: stakeTenth, Side: flipgame.SideHeads})

	s.handleClientClosed(c1)
	assert.Nil(t, s.sessions.Resolve(flipgame.NewAddr(hexA)))
	assert.NotNil(t, s.sessions.Resolve(flipgame.NewAddr(hexC)))
	assert.Equal(t, 1, s.matchmaker.Waiting(stakeTenth, flipgame.SideHeads))
}

func TestPlayerJoined_MissingAddrRejected(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := newTestClient()
	s.handleClientConnected(c)
	drainEnvelopes(t, c)

	s.handleClientMessage(ctx, c, inbound(t, wire.TypePlayerJoined,
		wire.PlayerJoined{Addr: "   ", Stake: stakeTenth, Side: flipgame.SideHeads}))

	assert.Zero(t, s.sessions.Len())
	assert.Empty(t, s.lobby)
	assert.Empty(t, drainEnvelopes(t, c))
}

func TestPlayerJoined_NormalizesAddr(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := newTestClient()
	s.handleClientConnected(c)

	upper := strings.ToUpper(hexA[2:])
	s.handleClientMessage(ctx, c, inbound(t, wire.TypePlayerJoined,
		wire.PlayerJoined{Addr: "0x" + upper, Stake: stakeTenth, Side: flipgame.SideTails}))

	assert.NotNil(t, s.sessions.Resolve(flipgame.NewAddr(hexA)))
	if assert.Len(t, s.lobby, 1) {
		assert.Equal(t, hexA, s.lobby[0].Addr)
		assert.Equal(t, "tails", s.lobby[0].Side)
	}
}

func TestChatMessage_Relay(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	sender := newTestClient()
	observer := newTestClient()
	s.handleClientConnected(sender)
	s.handleClientConnected(observer)
	drainEnvelopes(t, sender)
	drainEnvelopes(t, observer)

	s.handleClientMessage(ctx, sender, inbound(t, wire.TypeChatMessage,
		wire.ChatMessage{Addr: "0xAAAA", Text: "  gg  "}))

	for _, c := range []*client{sender, observer} {
		envs := drainEnvelopes(t, c)
		if assert.Equal(t, 1, countType(envs, wire.TypeChatMessage), "chat reaches every client") {
			var cm wire.ChatMessage
			assert.NoError(t, json.Unmarshal(envs[0].Data, &cm))
			assert.Equal(t, "0xaaaa", cm.Addr)
			assert.Equal(t, "gg", cm.Text)
		}
	}
}

func TestChatMessage_EmptyAndOversized(t *testing.T) {
	ctx := context.Background()
	s := newTestServer(t)
	c := newTestClient()
	s.handleClientConnected(c)
	drainEnvelopes(t, c)

	s.handleClientMessage(ctx, c, inbound(t, wire.TypeChatMessage,
		wire.ChatMessage{Addr: hexA, Text: "   "}))
	assert.Empty(t, drainEnvelopes(t, c), "blank chat is dropped")

	s.handleClientMessage(ctx, c, inbound(t, wire.TypeChatMessage,
		wire.ChatMessage{Addr: hexA, Text: strings.Repeat("x", maxChatLen+100)}))
	envs := drainEnvelopes(t, c)
	if assert.Equal(t, 1, countType(envs, wire.TypeChatMessage)) {
		var cm wire.ChatMessage
		assert.NoError(t, json.Unmarshal(envs[0].Data, &cm))
		assert.Len(t, cm.Text, maxChatLen)
	}
}

func TestClientMessage_UnknownTypeIgnored(t *testing.T) {
	s := newTestServer(t)
	c := newTestClient()
	s.handleClientConnected(c)
	drainEnvelopes(t, c)

	s.handleClientMessage(context.Background(), c, &wire.Envelope{Type: "selfDestruct"})
	assert.Empty(t, drainEnvelopes(t, c))
}

func TestClientNotify_BackpressureDrops(t *testing.T) {
	c := &client{id: "small", out: make(chan []byte, 1), done: make(chan struct{})}

	assert.NoError(t, c.Notify(wire.TypeChatMessage, wire.ChatMessage{Text: "one"}))
	assert.Error(t, c.Notify(wire.TypeChatMessage, wire.ChatMessage{Text: "two"}),
		"a full buffer drops instead of blocking")
}

func TestClientNotify_AfterClose(t *testing.T) {
	c := &client{id: "closed", out: make(chan []byte, 1), done: make(chan struct{})}
	assert.NoError(t, c.Notify(wire.TypeChatMessage, wire.ChatMessage{Text: "one"}))
	c.close()
	c.close() // idempotent

	assert.Error(t, c.Notify(wire.TypeChatMessage, wire.ChatMessage{Text: "two"}))
}
