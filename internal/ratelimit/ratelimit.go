// Package ratelimit throttles the state-changing viewer endpoints per client
// address.
//
// MemoryLimiter is the only implementation Hibiki ships; the service runs as
// a single process, so there is nothing to coordinate across instances.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. Returning an error
	// signals a limiter malfunction; callers fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources.
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
