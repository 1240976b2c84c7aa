// Package cache is the Cache Index (§4.6): a deterministic-operation result
// cache keyed by operation identity and input content, backed by Redis's
// native key TTL so expiry and lazy removal come for free rather than
// needing a sweep. Grounded on the internal/realtime/bus redis
// construction pattern; generalized from pub/sub to a plain key/value store.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/jamesstaub/listenup/internal/domain"
	"github.com/jamesstaub/listenup/internal/platform/logger"
)

// Index is the engine-facing contract over the cache backend.
type Index interface {
	// Lookup returns (entry, true, nil) on a live hit, (nil, false, nil) on a
	// miss or an expired entry (which is lazily removed), and a non-nil error
	// only on a backend failure.
	Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error)
	Put(ctx context.Context, key string, entry *domain.CacheEntry) error
}

type redisIndex struct {
	log *logger.Logger
	rdb *goredis.Client
}

func cacheKeyPrefix(key string) string { return fmt.Sprintf("cache:%s", key) }

// NewRedisIndex dials Redis from REDIS_ADDR, pinging once so a misconfigured
// connection fails at startup instead of on the first lookup.
func NewRedisIndex(log *logger.Logger) (Index, error) {
	if log == nil {
		return nil, fmt.Errorf("logger required")
	}
	addr := strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	if addr == "" {
		return nil, fmt.Errorf("missing REDIS_ADDR")
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        addr,
		DialTimeout: 5 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &redisIndex{log: log.With("component", "CacheIndex"), rdb: rdb}, nil
}

func (idx *redisIndex) Lookup(ctx context.Context, key string) (*domain.CacheEntry, bool, error) {
	raw, err := idx.rdb.Get(ctx, cacheKeyPrefix(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false, fmt.Errorf("unmarshal cache entry: %w", err)
	}
	// Redis's own TTL should have expired the key already; this guards
	// against clock skew between the TTL that was set and Expired's check.
	if entry.Expired(time.Now().UTC()) {
		_ = idx.rdb.Del(ctx, cacheKeyPrefix(key)).Err()
		return nil, false, nil
	}
	return &entry, true, nil
}

func (idx *redisIndex) Put(ctx context.Context, key string, entry *domain.CacheEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}
	ttl := entry.TTL
	if ttl <= 0 {
		ttl = 0 // Redis treats 0 as "no expiry", matching the no-TTL invariant.
	}
	return idx.rdb.Set(ctx, cacheKeyPrefix(key), raw, ttl).Err()
}
