// Package ratelimit implements per-client token buckets with lazy,
// interval-floored refill (no background goroutine).
package ratelimit

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	proxy "github.com/lassohq/lasso/internal"
)

// Status is a read-only projection of a single client's bucket.
type Status struct {
	Identity  string    `json:"identity"`
	Remaining float64   `json:"remaining"`
	MaxTokens float64   `json:"max_tokens"`
	ResetAt   time.Time `json:"reset_at"`
}

// Stats is the aggregate view over the limiter.
type Stats struct {
	ActiveClients    int     `json:"active_clients"`
	MaxTokens        float64 `json:"max_tokens"`
	RefillRate       float64 `json:"refill_rate"`
	RefillIntervalMs int64   `json:"refill_interval_ms"`
	Allowed          int64   `json:"allowed"`
	Rejected         int64   `json:"rejected"`
}

// bucket is a token bucket with lazy refill.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// refill credits whole elapsed intervals. The floor ties refill to discrete
// interval boundaries so steady low-traffic refill is deterministic; the
// refill clock only advances when at least one interval has passed.
func (b *bucket) refill(now time.Time, interval time.Duration, rate, max float64) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	intervals := math.Floor(float64(elapsed) / float64(interval))
	add := intervals * rate
	if add > 0 {
		b.tokens = math.Min(max, b.tokens+add)
		b.lastRefill = now
	}
}

// Limiter manages per-identity buckets.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	maxTokens float64
	rate      float64
	interval  time.Duration
	clock     proxy.Clock

	allowed  atomic.Int64
	rejected atomic.Int64
}

// New creates a Limiter. A nil clock uses the system clock.
func New(maxTokens, refillRate float64, refillInterval time.Duration, clock proxy.Clock) *Limiter {
	if clock == nil {
		clock = proxy.SystemClock()
	}
	if refillInterval <= 0 {
		refillInterval = time.Second
	}
	return &Limiter{
		buckets:   make(map[string]*bucket),
		maxTokens: maxTokens,
		rate:      refillRate,
		interval:  refillInterval,
		clock:     clock,
	}
}

// get returns the bucket for identity, creating a full one on first use.
func (l *Limiter) get(identity string, now time.Time) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[identity]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[identity]; ok {
		return b
	}
	b = &bucket{tokens: l.maxTokens, lastRefill: now}
	l.buckets[identity] = b
	return b
}

// TryConsume attempts to take cost tokens from the identity's bucket.
// The refill advance is preserved even when the request is rejected.
func (l *Limiter) TryConsume(identity string, cost float64) bool {
	now := l.clock.Now()
	b := l.get(identity, now)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(now, l.interval, l.rate, l.maxTokens)
	if b.tokens >= cost {
		b.tokens -= cost
		l.allowed.Add(1)
		return true
	}
	l.rejected.Add(1)
	return false
}

// Status returns the identity's bucket projection without mutating state.
// Unknown identities report a full bucket.
func (l *Limiter) Status(identity string) Status {
	now := l.clock.Now()

	l.mu.RLock()
	b, ok := l.buckets[identity]
	l.mu.RUnlock()
	if !ok {
		return Status{Identity: identity, Remaining: l.maxTokens, MaxTokens: l.maxTokens, ResetAt: now}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Identity:  identity,
		Remaining: b.tokens,
		MaxTokens: l.maxTokens,
		ResetAt:   b.lastRefill.Add(l.interval),
	}
}

// Reset deletes the identity's bucket; the next request starts full.
func (l *Limiter) Reset(identity string) {
	l.mu.Lock()
	delete(l.buckets, identity)
	l.mu.Unlock()
}

// Sweep deletes buckets whose refill clock has not advanced since cutoff.
// Invoked by the background sweeper, never from the request path.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := 0
	for id, b := range l.buckets {
		b.mu.Lock()
		stale := b.lastRefill.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, id)
			swept++
		}
	}
	return swept
}

// Stats returns the aggregate limiter view.
func (l *Limiter) Stats() Stats {
	l.mu.RLock()
	active := len(l.buckets)
	l.mu.RUnlock()
	return Stats{
		ActiveClients:    active,
		MaxTokens:        l.maxTokens,
		RefillRate:       l.rate,
		RefillIntervalMs: l.interval.Milliseconds(),
		Allowed:          l.allowed.Load(),
		Rejected:         l.rejected.Load(),
	}
}
