// Package ratelimit throttles the expensive edges of the matching API.
//
// The HTTP layer keys requests as "<scope>:<principal>": token exchange by
// client IP, gate and query traffic by authenticated user. The in-memory
// token bucket (MemoryLimiter) is the shipped implementation; the Limiter
// interface leaves room for a shared store when the service runs with more
// than one replica.
package ratelimit

import "context"

// Key scopes used by the HTTP layer.
const (
	// ScopeAuth covers POST /auth/token, keyed by client IP. Each attempt
	// runs an argon2 verification, so this scope stays small.
	ScopeAuth = "auth"
	// ScopeGate covers gate initiation and choice submission, keyed by user.
	ScopeGate = "gate"
	// ScopeQuery covers compatibility and discovery reads, keyed by user.
	ScopeQuery = "query"
)

// Limiter decides whether a request identified by key should be allowed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed. An error signals a
	// limiter malfunction; callers fail open rather than blocking traffic.
	Allow(ctx context.Context, key string) (bool, error)

	// Close releases resources (eviction goroutines, connections).
	Close() error
}

// NoopLimiter permits every request. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
