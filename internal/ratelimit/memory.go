package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Policy is the sustained refill rate and burst capacity applied to one
// key scope.
type Policy struct {
	Rate  float64 // tokens added per second
	Burst float64 // bucket capacity
}

// bucket tracks spent capacity for a single principal within a scope.
type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills the bucket for the elapsed time under p, then attempts to
// spend one token. Caller holds the limiter lock.
func (b *bucket) take(p Policy, now time.Time) bool {
	b.tokens += now.Sub(b.seen).Seconds() * p.Rate
	if b.tokens > p.Burst {
		b.tokens = p.Burst
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// MemoryLimiter implements Limiter with an in-process token bucket per key.
//
// Keys are "<scope>:<principal>" (ScopeAuth by client IP, ScopeGate and
// ScopeQuery by user ID). Each scope may carry its own Policy: token
// exchange and gate choices are materially more expensive than profile and
// compatibility reads, so they get smaller buckets than the shared default.
// A background goroutine drops idle buckets to bound memory.
type MemoryLimiter struct {
	base   Policy
	scopes map[string]Policy

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a limiter whose default policy is rate sustained
// requests per second with the given burst capacity. Scope overrides are
// added with SetScopePolicy. Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		base:    Policy{Rate: rate, Burst: float64(burst)},
		scopes:  map[string]Policy{},
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// SetScopePolicy overrides the policy for every key in the given scope (the
// segment before the first ':'). Burst is clamped to at least 1 so a scope
// cannot be configured into rejecting everything. Call before serving
// traffic; the scope map is not guarded by the lock.
func (m *MemoryLimiter) SetScopePolicy(scope string, rate float64, burst int) {
	if burst < 1 {
		burst = 1
	}
	m.scopes[scope] = Policy{Rate: rate, Burst: float64(burst)}
}

func (m *MemoryLimiter) policyFor(key string) Policy {
	if i := strings.IndexByte(key, ':'); i > 0 {
		if p, ok := m.scopes[key[:i]]; ok {
			return p
		}
	}
	return m.base
}

// Allow spends one token from the bucket for key under its scope's policy.
// Returns false when the bucket is empty.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	p := m.policyFor(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		// First sighting: full bucket, spend the first token now.
		m.buckets[key] = &bucket{tokens: p.Burst - 1, seen: now}
		return true, nil
	}
	return b.take(p, now), nil
}

// Close stops the eviction goroutine. Safe to call more than once.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

// Buckets idle past this are forgotten; a returning principal simply starts
// over with a full bucket.
const idleEviction = 10 * time.Minute

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle(time.Now())
		}
	}
}

func (m *MemoryLimiter) evictIdle(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-idleEviction)
	for key, b := range m.buckets {
		if b.seen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
