// Package cacher caches the results of expensive lookups, such as contract
// wallet signature checks, behind a GetOrFetch call.
package cacher

import (
	"context"
	"time"
)

// FetchFunc produces the value for a key on a cache miss.
type FetchFunc[T any] func(ctx context.Context) (T, error)

// Cacher stores values by key with a TTL. Concurrent misses for the same
// key share one fetch. Fetch errors are returned and never cached.
type Cacher[T any] interface {
	// GetOrFetch returns the cached value for key, or calls fetchFn and
	// stores its result for ttl.
	GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error)
}
