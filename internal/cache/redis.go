package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces cache keys in a shared Redis.
const DefaultRedisPrefix = "aiproxy:cache:"

// RedisStore keeps entries in Redis so that several proxy instances share one
// cache. Redis expiry is set slightly past the entry TTL; liveness is still
// decided from CreatedAt.
type RedisStore struct {
	rdb    redisKV
	prefix string
}

// redisKV is the part of the Redis client the store uses.
type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// NewRedisStore creates a Redis-backed store. A nil client yields a store
// whose operations fail with ErrUnavailable.
func NewRedisStore(rdb *redis.Client, prefix string) *RedisStore {
	if rdb == nil {
		return newRedisStore(nil, prefix)
	}
	return newRedisStore(rdb, prefix)
}

func newRedisStore(kv redisKV, prefix string) *RedisStore {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{rdb: kv, prefix: prefix}
}

// redisExpiry is how long Redis keeps an entry past its TTL.
const redisExpiry = time.Second

type redisEntry struct {
	Payload     []byte `json:"p"`
	CreatedAtMs int64  `json:"c"`
	TTLMs       int64  `json:"t"`
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	if s.rdb == nil {
		return Entry{}, false, ErrUnavailable
	}
	data, err := s.rdb.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("redis get: %w", err)
	}
	var re redisEntry
	if err := json.Unmarshal(data, &re); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry: %w", err)
	}
	return Entry{
		Payload:   re.Payload,
		CreatedAt: time.UnixMilli(re.CreatedAtMs),
		TTL:       time.Duration(re.TTLMs) * time.Millisecond,
	}, true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, e Entry) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	data, err := json.Marshal(redisEntry{
		Payload:     e.Payload,
		CreatedAtMs: e.CreatedAt.UnixMilli(),
		TTLMs:       e.TTL.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := s.rdb.Set(ctx, s.prefix+key, data, e.TTL+redisExpiry).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if s.rdb == nil {
		return ErrUnavailable
	}
	if err := s.rdb.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
