package server

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/markbyerley622-cpu/chancecoin/chainwatcher"
	"github.com/markbyerley622-cpu/chancecoin/flipgame"
	"github.com/markbyerley622-cpu/chancecoin/server/historydb"
	"github.com/markbyerley622-cpu/chancecoin/wire"
)

func (s *Server) handleLedgerEvent(ctx context.Context, ev chainwatcher.Event) {
	switch ev := ev.(type) {
	case chainwatcher.MatchCreated:
		s.handleMatchCreated(ev)
	case chainwatcher.MatchSettled:
		s.handleMatchSettled(ctx, ev)
	case chainwatcher.PlayerQueued:
		s.handlePlayerQueued(ev)
	}
}

func (s *Server) handleMatchCreated(ev chainwatcher.MatchCreated) {
	pm := &pendingMatch{
		matchID:   ev.MatchID,
		p1:        flipgame.NewAddr(ev.P1.Hex()),
		p2:        flipgame.NewAddr(ev.P2.Hex()),
		stake:     ev.Stake,
		createdAt: time.Now(),
	}
	// The creation event carries no sides; copy them from announced intents
	// while both players are still around.
	if sess := s.sessions.Resolve(pm.p1); sess != nil {
		pm.p1Side = sess.Side.String()
	}
	if sess := s.sessions.Resolve(pm.p2); sess != nil {
		pm.p2Side = sess.Side.String()
	}
	s.pending[ev.MatchID] = pm

	s.log.Infof("MatchCreated: match #%s, %s vs %s, stake: %s BNB", ev.MatchID, pm.p1, pm.p2, ev.Stake)

	s.pushLobby(&wire.LobbyEntry{
		MatchID: ev.MatchID,
		P1:      pm.p1.String(),
		P2:      pm.p2.String(),
		Stake:   ev.Stake.String(),
		Ts:      nowMillis(),
	})
}

// handleMatchSettled is the reconciliation point: consume the pending match
// exactly once, push each participant their private result, and record the
// match whether or not anyone was reachable.
func (s *Server) handleMatchSettled(ctx context.Context, ev chainwatcher.MatchSettled) {
	winner := flipgame.NewAddr(ev.Winner.Hex())
	s.log.Infof("MatchSettled: match #%s, winner: %s, amount: %s BNB", ev.MatchID, winner, ev.Amount)

	pm := s.pending[ev.MatchID]
	delete(s.pending, ev.MatchID)

	rec := &historydb.MatchRecord{
		MatchID: ev.MatchID,
		P1:      historydb.Unknown,
		P2:      historydb.Unknown,
		Winner:  winner.String(),
		Amount:  ev.Amount.String(),
		Stake:   historydb.Unknown,
		Ts:      nowMillis(),
	}
	if pm == nil {
		s.log.Warnf("no pending match for #%s; recording with placeholders", ev.MatchID)
	} else {
		rec.P1 = pm.p1.String()
		rec.P2 = pm.p2.String()
		rec.P1Side = pm.p1Side
		rec.P2Side = pm.p2Side
		rec.Stake = pm.stake.String()

		used := s.deliverResult(pm.p1, pm.p2, winner, ev.Amount, nil)
		s.deliverResult(pm.p2, pm.p1, winner, ev.Amount, used)
	}

	// Delivery failures never block history: the public record is how an
	// absent participant eventually learns the outcome.
	s.history.append(ctx, rec)
	s.broadcast(wire.TypeRecentMatch, rec)
}

// deliverResult pushes a private result to one participant. skip is a
// connection that already received this match's result, so a shared
// connection is never pushed twice. Returns the connection used, if any.
func (s *Server) deliverResult(to, opponent, winner flipgame.Addr, amount decimal.Decimal, skip flipgame.Notifier) flipgame.Notifier {
	sess := s.sessions.Resolve(to)
	if sess == nil || sess.Conn == nil {
		s.log.Warnf("participant %s not connected; result not delivered", to)
		return nil
	}
	if skip != nil && sess.Conn == skip {
		s.log.Debugf("participant %s shares a connection that already got the result", to)
		return nil
	}
	res := wire.MatchResult{
		Winner:   winner.String(),
		Opponent: orUnknown(opponent.String()),
		Amount:   amount.String(),
	}
	if err := sess.Conn.Notify(wire.TypeMatchResult, res); err != nil {
		s.log.Warnf("result push to %s failed: %v", to, err)
	} else {
		s.log.Debugf("sent result to %s", to)
	}
	return sess.Conn
}

func (s *Server) handlePlayerQueued(ev chainwatcher.PlayerQueued) {
	addr := flipgame.NewAddr(ev.Player.Hex())
	s.log.Infof("PlayerQueued: %s, stake: %s BNB, side: %s", addr, ev.Stake, flipgame.Side(ev.Side))

	s.pushLobby(&wire.LobbyEntry{
		Addr:  addr.String(),
		Side:  flipgame.Side(ev.Side).String(),
		Stake: ev.Stake.String(),
		Ts:    nowMillis(),
	})
}

// settleLocal drives a locally decided match through the same delivery and
// history contracts as a ledger settlement. Local matches have no ledger id.
func (s *Server) settleLocal(ctx context.Context, out *flipgame.Outcome) {
	winner := out.Winner
	loser := out.Loser()

	used := s.pushLocalResult(winner, loser.Addr, winner.Addr, out.Payout, nil)
	s.pushLocalResult(loser, winner.Addr, winner.Addr, out.Payout, used)

	rec := &historydb.MatchRecord{
		P1:     out.P1.Addr.String(),
		P2:     out.P2.Addr.String(),
		P1Side: out.P1.Side.String(),
		P2Side: out.P2.Side.String(),
		Winner: winner.Addr.String(),
		Amount: out.Payout.String(),
		Stake:  out.Stake.String(),
		Ts:     nowMillis(),
	}
	s.history.append(ctx, rec)
	s.broadcast(wire.TypeRecentMatch, rec)
}

func (s *Server) pushLocalResult(p *flipgame.Player, opponent, winner flipgame.Addr, amount decimal.Decimal, skip flipgame.Notifier) flipgame.Notifier {
	if p.Conn == nil {
		s.log.Warnf("participant %s has no connection; result not delivered", p.Addr)
		return nil
	}
	if skip != nil && p.Conn == skip {
		return nil
	}
	res := wire.MatchResult{
		Winner:   winner.String(),
		Opponent: opponent.String(),
		Amount:   amount.String(),
	}
	if err := p.Conn.Notify(wire.TypeMatchResult, res); err != nil {
		s.log.Warnf("result push to %s failed: %v", p.Addr, err)
	}
	return p.Conn
}

// pushLobby inserts at the head, evicts past capacity and broadcasts the
// whole feed. The lobby is informational only and never persisted.
func (s *Server) pushLobby(entry *wire.LobbyEntry) {
	s.lobby = append([]*wire.LobbyEntry{entry}, s.lobby...)
	if len(s.lobby) > s.cfg.LobbySize {
		s.lobby = s.lobby[:s.cfg.LobbySize]
	}
	s.broadcast(wire.TypeLobbyUpdate, wire.LobbyUpdate{Entries: s.lobby})
}

func (s *Server) broadcast(msgType string, payload any) {
	for c := range s.clients {
		if err := c.Notify(msgType, payload); err != nil {
			s.log.Debugf("broadcast %s to %s failed: %v", msgType, c.id, err)
		}
	}
}

func orUnknown(s string) string {
	if s == "" {
		return historydb.Unknown
	}
	return s
}
