package flipgame

// Register stores the player's session, replacing any existing entry for the
// same address. Last writer wins.
func (ps *PlayerSessions) Register(p *Player) {
	ps.Lock()
	defer ps.Unlock()
	ps.Sessions[p.Addr] = p
}

// Resolve returns the current session for addr, or nil. A nil result is a
// normal outcome meaning the counterparty is not reachable right now.
func (ps *PlayerSessions) Resolve(addr Addr) *Player {
	ps.RLock()
	defer ps.RUnlock()
	return ps.Sessions[addr]
}

// Release removes the entry for addr only if it still holds conn. A stale
// release after a quick reconnect under a new connection is a no-op.
func (ps *PlayerSessions) Release(addr Addr, conn Notifier) bool {
	ps.Lock()
	defer ps.Unlock()
	p := ps.Sessions[addr]
	if p == nil || p.Conn != conn {
		return false
	}
	delete(ps.Sessions, addr)
	return true
}

// ReleaseConn removes every session still referencing conn and returns the
// released addresses. Called on every transport disconnect; the O(n) scan is
// fine at the scale of a few hundred live sessions.
func (ps *PlayerSessions) ReleaseConn(conn Notifier) []Addr {
	ps.Lock()
	defer ps.Unlock()
	var released []Addr
	for addr, p := range ps.Sessions {
		if p.Conn == conn {
			delete(ps.Sessions, addr)
			released = append(released, addr)
		}
	}
	return released
}

// Len returns the number of live sessions.
func (ps *PlayerSessions) Len() int {
	ps.RLock()
	defer ps.RUnlock()
	return len(ps.Sessions)
}
