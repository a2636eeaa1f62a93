// Typed caches of previously computed results, with a fixed TTL.
//
// The judge keeps verdicts here, keyed by a digest of (rules, label, text), so repeated validations of the same content are idempotent and skip the remote call. There is an in-process implementation and a redis one shared across instances.
package cachestore

import (
	"context"
)

// A miss is reported as ok=false with a nil error. Errors are reserved for backend failures.
type CacheStore[V any] interface {
	Get(ctx context.Context, key string) (val V, ok bool, err error)
	Set(ctx context.Context, key string, val V) error
	Purge(ctx context.Context, key string) error
}
