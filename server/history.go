package server

import (
	"context"
	"sync"

	"github.com/decred/slog"

	"github.com/markbyerley622-cpu/chancecoin/server/historydb"
)

// matchHistory is the bounded, most-recent-first record of settled matches.
// The in-memory list is authoritative for the running process; the store is
// best-effort durability for restart recovery.
type matchHistory struct {
	mu       sync.RWMutex
	log      slog.Logger
	store    historydb.Store
	capacity int
	records  []*historydb.MatchRecord
}

func newMatchHistory(log slog.Logger, store historydb.Store, capacity int) *matchHistory {
	return &matchHistory{
		log:      log,
		store:    store,
		capacity: capacity,
	}
}

// load reads the persisted history. Malformed or unreadable content starts an
// empty history rather than failing startup.
func (h *matchHistory) load(ctx context.Context) {
	records, err := h.store.Load(ctx)
	if err != nil {
		h.log.Warnf("could not load history, starting empty: %v", err)
		return
	}
	if len(records) > h.capacity {
		records = records[:h.capacity]
	}
	h.mu.Lock()
	h.records = records
	h.mu.Unlock()
	if len(records) > 0 {
		h.log.Infof("Loaded %d recent matches from store", len(records))
	}
}

// append inserts at the head, evicts past capacity and persists the full
// list. A persistence failure is logged and does not roll back the insert.
func (h *matchHistory) append(ctx context.Context, rec *historydb.MatchRecord) {
	h.mu.Lock()
	h.records = append([]*historydb.MatchRecord{rec}, h.records...)
	if len(h.records) > h.capacity {
		h.records = h.records[:h.capacity]
	}
	snapshot := append([]*historydb.MatchRecord(nil), h.records...)
	h.mu.Unlock()

	if err := h.store.Save(ctx, snapshot); err != nil {
		h.log.Errorf("Error saving matches: %v", err)
	}
}

func (h *matchHistory) snapshot() []*historydb.MatchRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]*historydb.MatchRecord(nil), h.records...)
}

func (h *matchHistory) len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.records)
}

func (h *matchHistory) close() error {
	return h.store.Close()
}
