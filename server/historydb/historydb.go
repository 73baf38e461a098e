// Package historydb persists the bounded recent-match list. The whole list is
// rewritten on every save; the fixed cap keeps it small enough that an
// incremental log is not worth the complexity.
package historydb

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Unknown fills participant fields when a settlement arrives with no matching
// pending match.
const Unknown = "Unknown"

// MatchRecord is one settled match, most recent first in storage.
type MatchRecord struct {
	MatchID string `json:"matchId,omitempty"`
	P1      string `json:"p1"`
	P2      string `json:"p2"`
	P1Side  string `json:"p1Side,omitempty"`
	P2Side  string `json:"p2Side,omitempty"`
	Winner  string `json:"winner"`
	Amount  string `json:"amount"`
	Stake   string `json:"stake"`
	Ts      int64  `json:"ts"`
}

// Store is the durable backing for the match history.
type Store interface {
	Save(ctx context.Context, records []*MatchRecord) error
	Load(ctx context.Context) ([]*MatchRecord, error)
	Close() error
}

// FileStore writes the list as a single JSON document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

func (f *FileStore) Save(_ context.Context, records []*MatchRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	if err := os.WriteFile(f.path, data, 0o600); err != nil {
		return fmt.Errorf("write history: %w", err)
	}
	return nil
}

// Load reads the persisted list. A missing file is not an error and yields an
// empty history.
func (f *FileStore) Load(_ context.Context) ([]*MatchRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read history: %w", err)
	}
	var records []*MatchRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return records, nil
}

func (f *FileStore) Close() error { return nil }
