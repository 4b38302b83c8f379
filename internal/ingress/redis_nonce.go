package ingress

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisNonceStore backs the replay-protection nonce cache with Redis
// SETNX-with-TTL semantics, for multi-instance ingress deployments
// where a process-local map can't see another instance's consumed
// nonces.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
}

func NewRedisNonceStore(addr, prefix string) *RedisNonceStore {
	if prefix == "" {
		prefix = "sasagent:nonce:"
	}
	return &RedisNonceStore{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		prefix: prefix,
	}
}

// Check sets prefix+nonce with NX semantics: the first caller within
// ttl wins, every subsequent caller sees SetNX return false and gets
// ErrReplayedNonce.
func (s *RedisNonceStore) Check(ctx context.Context, nonce string, ttl time.Duration) error {
	ok, err := s.client.SetNX(ctx, s.prefix+nonce, 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("ingress: redis nonce check: %w", err)
	}
	if !ok {
		return ErrReplayedNonce
	}
	return nil
}

func (s *RedisNonceStore) Close() error {
	return s.client.Close()
}

var _ NonceStore = (*RedisNonceStore)(nil)
