package store

import (
	"context"
	"sync"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// MemoryIdentityStore is an in-memory implementation of ports.IdentityStore
type MemoryIdentityStore struct {
	identities map[string]*core.Identity
	mu         sync.RWMutex
}

// NewMemoryIdentityStore creates a new in-memory identity store
func NewMemoryIdentityStore() ports.IdentityStore {
	return &MemoryIdentityStore{
		identities: make(map[string]*core.Identity),
	}
}

func (s *MemoryIdentityStore) Create(ctx context.Context, identity *core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.identities[identity.PublicKey]; exists {
		return core.ErrAlreadyExists
	}
	identity.Version = 1
	s.identities[identity.PublicKey] = identity.Clone()
	return nil
}

func (s *MemoryIdentityStore) Get(ctx context.Context, publicKey string) (*core.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	identity, ok := s.identities[publicKey]
	if !ok {
		return nil, core.ErrNotFound
	}
	return identity.Clone(), nil
}

func (s *MemoryIdentityStore) CompareAndSwap(ctx context.Context, identity *core.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.identities[identity.PublicKey]
	if !ok {
		return core.ErrNotFound
	}
	if cur.Version != identity.Version {
		return core.ErrVersionConflict
	}
	identity.Version++
	s.identities[identity.PublicKey] = identity.Clone()
	return nil
}
