package cachestore

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Bounded by entry count and TTL. The underlying LRU is safe for concurrent use.
type MemCacheStore[V any] struct {
	lru *expirable.LRU[string, V]
}

func NewMemCacheStore[V any](capacity int, ttl time.Duration) *MemCacheStore[V] {
	return &MemCacheStore[V]{
		lru: expirable.NewLRU[string, V](capacity, nil, ttl),
	}
}

func (s *MemCacheStore[V]) Get(ctx context.Context, key string) (V, bool, error) {
	v, ok := s.lru.Get(key)
	return v, ok, nil
}

func (s *MemCacheStore[V]) Set(ctx context.Context, key string, val V) error {
	s.lru.Add(key, val)
	return nil
}

func (s *MemCacheStore[V]) Purge(ctx context.Context, key string) error {
	s.lru.Remove(key)
	return nil
}
