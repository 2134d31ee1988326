package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/querypilot/querypilot/pkg/fault"
)

// Store is the external cache tier. Implementations must treat keys as
// opaque strings; the cache bypasses the store on any error.
type Store interface {
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Size reports the number of keys in the store (DBSIZE semantics).
	Size(ctx context.Context) (int64, error)
}

// RedisStore backs the cache with a redis database.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client, prefix: "querypilot:cache:"}
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fault.Wrap(fault.KindCacheUnavailable, "cache", "get", err)
	}
	return val, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, s.prefix+key, value, ttl).Err(); err != nil {
		return fault.Wrap(fault.KindCacheUnavailable, "cache", "set", err)
	}
	return nil
}

func (s *RedisStore) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fault.Wrap(fault.KindCacheUnavailable, "cache", "del", err)
	}
	return nil
}

func (s *RedisStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, s.prefix+key, ttl).Err(); err != nil {
		return fault.Wrap(fault.KindCacheUnavailable, "cache", "expire", err)
	}
	return nil
}

func (s *RedisStore) Size(ctx context.Context) (int64, error) {
	n, err := s.client.DBSize(ctx).Result()
	if err != nil {
		return 0, fault.Wrap(fault.KindCacheUnavailable, "cache", "size", err)
	}
	return n, nil
}
