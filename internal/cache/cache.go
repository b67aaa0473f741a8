// Package cache wraps a short-TTL Redis-like key/value store behind five
// operations (spec §4.1): get, set-with-ttl, atomic hash-increment,
// hash-read-all and expire, plus the NX lock primitive the sync/chain
// checkers use for single-flight probing (spec §5).
//
// Every operation is failure-tolerant from the caller's perspective: a
// cache error is logged and reported through the (_, ok) or bool return
// shape (or swallowed) so a relay can proceed on a cache miss rather than
// fail (spec §4.1 "failures are logged but never raise").
package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis"
	"github.com/rs/zerolog"
)

// Adapter is a thin wrapper over a Redis client.
type Adapter struct {
	client *redis.Client
	logger zerolog.Logger
}

// New dials a Redis instance and verifies connectivity with a PING, the
// same constructor-validates-the-connection shape the teacher uses for
// its blockchain RPC client.
func New(addr string, db int, logger zerolog.Logger) (*Adapter, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	if err := client.Ping().Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to cache: %w", err)
	}

	logger.Info().Str("addr", addr).Int("db", db).Msg("cache adapter initialized")

	return &Adapter{client: client, logger: logger.With().Str("component", "cache").Logger()}, nil
}

// NewFromClient wraps an already-constructed redis.Client, used by tests
// to point the adapter at a miniredis instance.
func NewFromClient(client *redis.Client, logger zerolog.Logger) *Adapter {
	return &Adapter{client: client, logger: logger.With().Str("component", "cache").Logger()}
}

// Get returns the cached value for key. ok is false on miss or error; the
// caller treats both as "proceed as if uncached".
func (a *Adapter) Get(ctx context.Context, key string) (value string, ok bool) {
	v, err := a.client.Get(key).Result()
	if err != nil {
		if err != redis.Nil {
			a.logger.Warn().Err(err).Str("key", key).Msg("cache get failed")
		}
		return "", false
	}
	return v, true
}

// Set stores value under key with the given TTL. Errors are logged and
// swallowed.
func (a *Adapter) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := a.client.Set(key, value, ttl).Err(); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("cache set failed")
	}
}

// SetNX attempts to acquire a lock: it sets key to value with ttl only if
// key does not already exist. Returns true if the lock was acquired by
// this call.
func (a *Adapter) SetNX(ctx context.Context, key, value string, ttl time.Duration) bool {
	acquired, err := a.client.SetNX(key, value, ttl).Result()
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("cache setnx failed")
		return false
	}
	return acquired
}

// HIncrBy atomically increments field within the hash at key by delta and
// returns the new value. ok is false on cache error.
func (a *Adapter) HIncrBy(ctx context.Context, key, field string, delta int64) (newValue int64, ok bool) {
	v, err := a.client.HIncrBy(key, field, delta).Result()
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Str("field", field).Msg("cache hincrby failed")
		return 0, false
	}
	return v, true
}

// HIncrByFloat atomically adds delta to field within the hash at key and
// returns the new value, used for the rolling elapsed-time sum.
func (a *Adapter) HIncrByFloat(ctx context.Context, key, field string, delta float64) (newValue float64, ok bool) {
	v, err := a.client.HIncrByFloat(key, field, delta).Result()
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Str("field", field).Msg("cache hincrbyfloat failed")
		return 0, false
	}
	return v, true
}

// HGetAll returns the full hash at key. ok is false on cache error; an
// empty, present hash returns ok=true with an empty map.
func (a *Adapter) HGetAll(ctx context.Context, key string) (fields map[string]string, ok bool) {
	v, err := a.client.HGetAll(key).Result()
	if err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("cache hgetall failed")
		return nil, false
	}
	return v, true
}

// Expire refreshes the TTL on key. Errors are logged and swallowed.
func (a *Adapter) Expire(ctx context.Context, key string, ttl time.Duration) {
	if err := a.client.Expire(key, ttl).Err(); err != nil {
		a.logger.Warn().Err(err).Str("key", key).Msg("cache expire failed")
	}
}

// Healthy reports whether the cache responded to a PING.
func (a *Adapter) Healthy() bool {
	return a.client.Ping().Err() == nil
}

// Close closes the underlying client.
func (a *Adapter) Close() error {
	return a.client.Close()
}
