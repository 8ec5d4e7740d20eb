package store

import (
	"context"
	"sort"
	"sync"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// MemoryEscrowStore is an in-memory implementation of ports.EscrowStore.
// Records are deep-copied on the way in and out.
type MemoryEscrowStore struct {
	escrows map[string]*core.Escrow
	mu      sync.RWMutex
}

// NewMemoryEscrowStore creates a new in-memory escrow store
func NewMemoryEscrowStore() ports.EscrowStore {
	return &MemoryEscrowStore{
		escrows: make(map[string]*core.Escrow),
	}
}

func (s *MemoryEscrowStore) Create(ctx context.Context, escrow *core.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.escrows[escrow.ID]; exists {
		return core.ErrAlreadyExists
	}
	escrow.Version = 1
	s.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (s *MemoryEscrowStore) Get(ctx context.Context, id string) (*core.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	escrow, ok := s.escrows[id]
	if !ok {
		return nil, core.ErrNotFound
	}
	return escrow.Clone(), nil
}

func (s *MemoryEscrowStore) CompareAndSwap(ctx context.Context, escrow *core.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.escrows[escrow.ID]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != escrow.Version {
		return core.ErrVersionConflict
	}
	escrow.Version++
	s.escrows[escrow.ID] = escrow.Clone()
	return nil
}

func (s *MemoryEscrowStore) ListByParticipant(ctx context.Context, address string) ([]*core.Escrow, error) {
	return s.list(func(e *core.Escrow) bool { return e.HasParticipant(address) }), nil
}

func (s *MemoryEscrowStore) ListByState(ctx context.Context, state core.EscrowState) ([]*core.Escrow, error) {
	return s.list(func(e *core.Escrow) bool { return e.State == state }), nil
}

func (s *MemoryEscrowStore) list(match func(*core.Escrow) bool) []*core.Escrow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*core.Escrow, 0)
	for _, e := range s.escrows {
		if match(e) {
			out = append(out, e.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}
