package cachestore

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
)

const redisCachePrefix = "convoease/cache/"

// Values are msgpack encoded by go-redis/cache, so V must be a plain struct (or scalar) with exported fields. A small TinyLFU cache sits in front of redis.
type RedisCacheStore[V any] struct {
	data      *cache.Cache
	namespace string
	ttl       time.Duration
}

// namespace separates caches of different value types sharing one redis database, eg "verdict"
func NewRedisCacheStore[V any](rdb *redis.Client, namespace string, ttl time.Duration) *RedisCacheStore[V] {
	return &RedisCacheStore[V]{
		data: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(10_000, ttl),
		}),
		namespace: namespace,
		ttl:       ttl,
	}
}

func (s *RedisCacheStore[V]) key(k string) string {
	return redisCachePrefix + s.namespace + "/" + k
}

func (s *RedisCacheStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var val V
	err := s.data.Get(ctx, s.key(key), &val)
	if errors.Is(err, cache.ErrCacheMiss) {
		return val, false, nil
	}
	if err != nil {
		return val, false, err
	}
	return val, true, nil
}

func (s *RedisCacheStore[V]) Set(ctx context.Context, key string, val V) error {
	return s.data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   s.key(key),
		Value: val,
		TTL:   s.ttl,
	})
}

func (s *RedisCacheStore[V]) Purge(ctx context.Context, key string) error {
	err := s.data.Delete(ctx, s.key(key))
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
