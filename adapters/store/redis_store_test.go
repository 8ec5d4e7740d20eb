package store

import (
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisChallengeStore(t *testing.T) {
	challengeStoreContract(t, NewRedisChallengeStore(newRedisClient(t)))
}

func TestRedisIdentityStore(t *testing.T) {
	identityStoreContract(t, NewRedisIdentityStore(newRedisClient(t)))
}
