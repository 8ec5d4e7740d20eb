package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
)

// MemoryChallengeStore is an in-memory implementation of ports.ChallengeStore
type MemoryChallengeStore struct {
	challenges map[string]*core.Challenge
	mu         sync.RWMutex
}

// NewMemoryChallengeStore creates a new in-memory challenge store
func NewMemoryChallengeStore() ports.ChallengeStore {
	return &MemoryChallengeStore{
		challenges: make(map[string]*core.Challenge),
	}
}

// Put stores the challenge and schedules its eviction
func (s *MemoryChallengeStore) Put(ctx context.Context, challenge *core.Challenge) error {
	key := core.ChallengeKey(challenge.PublicKey, challenge.AgentID)
	stored := *challenge

	s.mu.Lock()
	s.challenges[key] = &stored
	s.mu.Unlock()

	time.AfterFunc(time.Until(stored.ExpiresAt)+time.Second, func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		// Only evict if the challenge was not superseded meanwhile
		if cur, ok := s.challenges[key]; ok && cur.Value == stored.Value {
			delete(s.challenges, key)
		}
	})

	return nil
}

// Get returns a copy of the live challenge for the pair
func (s *MemoryChallengeStore) Get(ctx context.Context, publicKey, agentID string) (*core.Challenge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.challenges[core.ChallengeKey(publicKey, agentID)]
	if !ok {
		return nil, core.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

// Consume marks the challenge used under the write lock
func (s *MemoryChallengeStore) Consume(ctx context.Context, publicKey, agentID, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[core.ChallengeKey(publicKey, agentID)]
	switch {
	case !ok:
		return core.ErrNonceNotFound
	case c.Value != value:
		return core.ErrNonceMismatch
	case c.Used:
		return core.ErrNonceAlreadyUsed
	}
	c.Used = true
	return nil
}

// Delete removes the challenge for the pair
func (s *MemoryChallengeStore) Delete(ctx context.Context, publicKey, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.challenges, core.ChallengeKey(publicKey, agentID))
	return nil
}

// Sweep evicts every challenge expired before now
func (s *MemoryChallengeStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key, c := range s.challenges {
		if c.Expired(now) {
			delete(s.challenges, key)
			n++
		}
	}
	return n, nil
}
