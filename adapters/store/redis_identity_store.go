package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
	"github.com/redis/go-redis/v9"
)

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

type identityDocument struct {
	core.Identity
	Version int64 `json:"version"`
}

// RedisIdentityStore is a Redis implementation of ports.IdentityStore.
// Identities never expire.
type RedisIdentityStore struct {
	client *redis.Client
	prefix string
}

// NewRedisIdentityStore creates a new Redis identity store
func NewRedisIdentityStore(client *redis.Client) ports.IdentityStore {
	return &RedisIdentityStore{
		client: client,
		prefix: "escrowd:identity:",
	}
}

func (s *RedisIdentityStore) Create(ctx context.Context, identity *core.Identity) error {
	payload, err := json.Marshal(identityDocument{Identity: *identity, Version: 1})
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.prefix+identity.PublicKey, payload, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	if !ok {
		return core.ErrAlreadyExists
	}

	identity.Version = 1
	return nil
}

func (s *RedisIdentityStore) Get(ctx context.Context, publicKey string) (*core.Identity, error) {
	return s.get(ctx, s.client, s.prefix+publicKey)
}

// CompareAndSwap uses WATCH so a concurrent writer aborts the transaction
func (s *RedisIdentityStore) CompareAndSwap(ctx context.Context, identity *core.Identity) error {
	key := s.prefix + identity.PublicKey

	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := s.get(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur.Version != identity.Version {
			return core.ErrVersionConflict
		}

		payload, err := json.Marshal(identityDocument{Identity: *identity, Version: identity.Version + 1})
		if err != nil {
			return fmt.Errorf("failed to marshal identity: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return core.ErrVersionConflict
	}
	if err != nil {
		return err
	}

	identity.Version++
	return nil
}

func (s *RedisIdentityStore) get(ctx context.Context, c getter, key string) (*core.Identity, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	var doc identityDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	identity := doc.Identity
	identity.Version = doc.Version
	return &identity, nil
}
