// Package guest enforces the bounded free-view allowance for unauthenticated
// viewers. The gate only ever guards zero-cost content; paid content goes
// through the credit unlock flow regardless of authentication.
package guest

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"sync"

	"github.com/reelgate/reelgate/internal/plans"
)

// CounterStore persists the free-watch counter across page loads on a single
// client. Implementations must treat missing or corrupt state as zero.
type CounterStore interface {
	Load() (int, error)
	Increment() error
	Reset() error
}

// Gate tracks how many free watches an unauthenticated viewer has used.
type Gate struct {
	store CounterStore
	limit int
}

// NewGate wires a gate to a counter store. limit <= 0 falls back to the
// guest plan's free-watch limit.
func NewGate(store CounterStore, limit int) *Gate {
	if limit <= 0 {
		limit = plans.Guest.FreeWatchLimit
	}
	return &Gate{store: store, limit: limit}
}

// CanWatchFree reports whether playback may be granted without payment.
// Authenticated viewers and any non-zero-cost content bypass the gate
// entirely. The gate cannot fail: a store error reads as count zero, since
// it only ever protects free content.
func (g *Gate) CanWatchFree(authenticated bool, unitCost int64) bool {
	if authenticated || unitCost != 0 {
		return true
	}
	return g.count() < g.limit
}

// RecordFreeWatch increments the persisted counter. Callers invoke it exactly
// once per granted free watch.
func (g *Gate) RecordFreeWatch() {
	if err := g.store.Increment(); err != nil {
		slog.Warn("guest: failed to persist free-watch counter", "error", err)
	}
}

// Remaining returns how many free watches are left, never below zero.
func (g *Gate) Remaining() int {
	left := g.limit - g.count()
	if left < 0 {
		return 0
	}
	return left
}

// Limit returns the configured allowance.
func (g *Gate) Limit() int {
	return g.limit
}

func (g *Gate) count() int {
	n, err := g.store.Load()
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// MemStore is an in-memory counter store, used in tests and for clients that
// do not persist guest state.
type MemStore struct {
	mu    sync.Mutex
	count int
}

func (s *MemStore) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count, nil
}

func (s *MemStore) Increment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count++
	return nil
}

func (s *MemStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = 0
	return nil
}

type fileCounter struct {
	Count int `json:"count"`
}

// FileStore persists the counter as a small JSON file, the client-side analog
// of browser local storage. A missing or corrupt file reads as zero.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(), nil
}

func (s *FileStore) Increment() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(s.load() + 1)
}

func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) load() int {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0
	}
	var c fileCounter
	if err := json.Unmarshal(data, &c); err != nil || c.Count < 0 {
		return 0
	}
	return c.Count
}

func (s *FileStore) write(count int) error {
	data, err := json.Marshal(fileCounter{Count: count})
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
