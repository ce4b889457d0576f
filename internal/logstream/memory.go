package logstream

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a Store kept entirely in memory. Used by tests and by
// single-process development setups without a database.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string][]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: map[string][]Entry{}}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) Append(ctx context.Context, e Entry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.Seq = int64(len(s.scopes[e.Scope]) + 1)
	s.scopes[e.Scope] = append(s.scopes[e.Scope], e)
	return e.Seq, nil
}

func (s *MemoryStore) ListSince(ctx context.Context, scope string, after int64) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.scopes[scope]
	out := make([]Entry, 0)
	for _, e := range all {
		if e.Seq > after {
			out = append(out, e)
		}
	}
	return out, nil
}
