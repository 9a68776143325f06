package cacher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// RedisCacher stores JSON-encoded values in Redis, shared by every relay
// process pointing at the same server. Redis being unavailable degrades to
// calling fetchFn directly.
type RedisCacher[T any] struct {
	client *redis.Client
	prefix string
	group  singleflight.Group
}

// NewRedisCacher returns a Cacher backed by client. Keys are namespaced
// with prefix.
func NewRedisCacher[T any](client *redis.Client, prefix string) *RedisCacher[T] {
	return &RedisCacher[T]{client: client, prefix: prefix}
}

func (c *RedisCacher[T]) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetchFn FetchFunc[T]) (T, error) {
	var zero T
	fullKey := c.prefix + key

	if val, err := c.client.Get(ctx, fullKey).Result(); err == nil {
		var result T
		if err := json.Unmarshal([]byte(val), &result); err == nil {
			return result, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		return fetchFn(ctx)
	}

	val, err, _ := c.group.Do(fullKey, func() (interface{}, error) {
		fetched, err := fetchFn(ctx)
		if err != nil {
			return zero, err
		}

		if data, err := json.Marshal(fetched); err == nil {
			_ = c.client.Set(ctx, fullKey, data, ttl).Err()
		}

		return fetched, nil
	})
	if err != nil {
		return zero, err
	}

	typed, ok := val.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected type in cache for key %s", key)
	}

	return typed, nil
}
