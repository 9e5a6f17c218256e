package evidence

import (
	"context"
	"sort"
	"sync"
)

// Store persists entries. Implementations must be safe for concurrent use
// and must never hand out or retain caller-owned pointers.
type Store interface {
	// Append inserts a new entry. It returns ErrIndexConflict when the id or
	// chain index is already taken.
	Append(ctx context.Context, e *Entry) error
	// Get returns ErrNotFound for unknown ids.
	Get(ctx context.Context, id string) (*Entry, error)
	// Update replaces an entry only if its stored grade equals from. It
	// returns ErrGradeConflict otherwise.
	Update(ctx context.Context, e *Entry, from Grade) error
	// List returns all entries ordered by chain index.
	List(ctx context.Context) ([]*Entry, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]*Entry
	byIndex map[uint64]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]*Entry),
		byIndex: make(map[uint64]string),
	}
}

func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[e.ID]; ok {
		return ErrIndexConflict
	}
	if _, ok := s.byIndex[e.ChainIndex]; ok {
		return ErrIndexConflict
	}
	s.byID[e.ID] = e.Clone()
	s.byIndex[e.ChainIndex] = e.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, e *Entry, from Grade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[e.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Grade != from {
		return ErrGradeConflict
	}
	s.byID[e.ID] = e.Clone()
	return nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Entry, 0, len(s.byID))
	for _, e := range s.byID {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainIndex < out[j].ChainIndex })
	return out, nil
}
