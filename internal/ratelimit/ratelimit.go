// Package ratelimit guards the intake endpoints against request floods.
//
// Two Limiter implementations are provided: an in-process token bucket
// (MemoryLimiter) for single-instance deployments, and a Redis sliding
// window (RedisLimiter) when several instances share one budget per key.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// callers build it (e.g. "intake:<account-id>"). An error means the
	// limiter itself failed and callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
