package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/layer-3/escrowd/core"
	"github.com/layer-3/escrowd/ports"
	"github.com/redis/go-redis/v9"
)

// consumeScript flips the used flag only when the stored value matches and
// the challenge is still unused. Return codes map to the nonce errors.
var consumeScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[1], 'value')
if not v then return 0 end
if v ~= ARGV[1] then return 1 end
if redis.call('HGET', KEYS[1], 'used') == '1' then return 2 end
redis.call('HSET', KEYS[1], 'used', '1')
return 3
`)

// RedisChallengeStore is a Redis implementation of ports.ChallengeStore.
// Each challenge is a hash that Redis expires shortly after the challenge does.
type RedisChallengeStore struct {
	client *redis.Client
	prefix string
	grace  time.Duration
}

// NewRedisChallengeStore creates a new Redis challenge store
func NewRedisChallengeStore(client *redis.Client) ports.ChallengeStore {
	return &RedisChallengeStore{
		client: client,
		prefix: "escrowd:challenge:",
		grace:  time.Minute,
	}
}

func (s *RedisChallengeStore) key(publicKey, agentID string) string {
	return s.prefix + core.ChallengeKey(publicKey, agentID)
}

// Put replaces the hash for the pair in a single transaction
func (s *RedisChallengeStore) Put(ctx context.Context, c *core.Challenge) error {
	key := s.key(c.PublicKey, c.AgentID)

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"value", c.Value,
			"publicKey", c.PublicKey,
			"agentId", c.AgentID,
			"createdAt", c.CreatedAt.UTC().Format(time.RFC3339Nano),
			"expiresAt", c.ExpiresAt.UTC().Format(time.RFC3339Nano),
			"used", boolFlag(c.Used),
		)
		pipe.PExpireAt(ctx, key, c.ExpiresAt.Add(s.grace))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store challenge: %w", err)
	}

	return nil
}

func (s *RedisChallengeStore) Get(ctx context.Context, publicKey, agentID string) (*core.Challenge, error) {
	fields, err := s.client.HGetAll(ctx, s.key(publicKey, agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load challenge: %w", err)
	}
	if len(fields) == 0 {
		return nil, core.ErrNotFound
	}

	return decodeChallenge(fields)
}

// Consume runs the compare-and-set script so concurrent verifications race on Redis
func (s *RedisChallengeStore) Consume(ctx context.Context, publicKey, agentID, value string) error {
	res, err := consumeScript.Run(ctx, s.client, []string{s.key(publicKey, agentID)}, value).Int()
	if err != nil {
		return fmt.Errorf("failed to consume challenge: %w", err)
	}

	switch res {
	case 0:
		return core.ErrNonceNotFound
	case 1:
		return core.ErrNonceMismatch
	case 2:
		return core.ErrNonceAlreadyUsed
	}
	return nil
}

func (s *RedisChallengeStore) Delete(ctx context.Context, publicKey, agentID string) error {
	if err := s.client.Del(ctx, s.key(publicKey, agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete challenge: %w", err)
	}
	return nil
}

// Sweep removes challenges past expiry that Redis has not expired yet
func (s *RedisChallengeStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := s.client.HGet(ctx, key, "expiresAt").Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("failed to read challenge expiry: %w", err)
		}
		expiresAt, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil || now.After(expiresAt) {
			if err := s.client.Del(ctx, key).Err(); err != nil {
				return n, fmt.Errorf("failed to delete challenge: %w", err)
			}
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("failed to scan challenges: %w", err)
	}

	return n, nil
}

func decodeChallenge(fields map[string]string) (*core.Challenge, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, fields["createdAt"])
	if err != nil {
		return nil, fmt.Errorf("corrupt challenge createdAt: %w", err)
	}
	expiresAt, err := time.Parse(time.RFC3339Nano, fields["expiresAt"])
	if err != nil {
		return nil, fmt.Errorf("corrupt challenge expiresAt: %w", err)
	}
	used, _ := strconv.ParseBool(fields["used"])

	return &core.Challenge{
		Value:     fields["value"],
		PublicKey: fields["publicKey"],
		AgentID:   fields["agentId"],
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
		Used:      used,
	}, nil
}

func boolFlag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
