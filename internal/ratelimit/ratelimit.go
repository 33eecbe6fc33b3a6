// Package ratelimit throttles callers of the HTTP gateway.
//
// MemoryLimiter is a per-key token bucket held in process memory. The
// Limiter interface is what the server middleware depends on.
package ratelimit

import "context"

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. The key is opaque;
	// the HTTP middleware uses the client IP.
	// An error means the limiter itself failed. Callers fail open.
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

// New returns a MemoryLimiter for rps and burst, or a NoopLimiter when
// enabled is false or rps is not positive.
func New(enabled bool, rps float64, burst int) Limiter {
	if !enabled || rps <= 0 {
		return NoopLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return NewMemoryLimiter(rps, burst)
}
