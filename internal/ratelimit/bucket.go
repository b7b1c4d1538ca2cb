// Package ratelimit implements a token bucket with lazy refill.
package ratelimit

import (
	"sync"
	"time"
)

// Config configures a token bucket.
type Config struct {
	// TokensPerInterval is the number of tokens added each interval.
	TokensPerInterval int
	// Interval is the refill period.
	Interval time.Duration
	// MaxTokens caps the bucket. Refills never push the balance above it.
	MaxTokens int
}

// Bucket is a lazily-refilled token bucket. Safe for concurrent use.
type Bucket struct {
	mu sync.Mutex

	tokensPerInterval int
	interval          time.Duration
	maxTokens         int

	tokens     int
	lastRefill time.Time

	now func() time.Time
}

// NewBucket creates a full bucket.
func NewBucket(cfg Config) *Bucket {
	return &Bucket{
		tokensPerInterval: cfg.TokensPerInterval,
		interval:          cfg.Interval,
		maxTokens:         cfg.MaxTokens,
		tokens:            cfg.MaxTokens,
		lastRefill:        time.Now(),
		now:               time.Now,
	}
}

// refill credits whole elapsed intervals. Called with the lock held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill)
	if elapsed < b.interval {
		return
	}

	intervals := int(elapsed / b.interval)
	b.tokens += intervals * b.tokensPerInterval
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = b.lastRefill.Add(time.Duration(intervals) * b.interval)
}

// AcquireToken consumes one token if available and reports whether it did.
func (b *Bucket) AcquireToken() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// RemainingTokens returns the current balance after a lazy refill.
func (b *Bucket) RemainingTokens() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// TimeUntilNextToken returns how long until a token becomes available.
// Zero when a token is already available; otherwise a value in (0, interval].
func (b *Bucket) TimeUntilNextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens > 0 {
		return 0
	}

	sinceRefill := b.now().Sub(b.lastRefill) % b.interval
	wait := b.interval - sinceRefill
	if wait <= 0 || wait > b.interval {
		wait = b.interval
	}
	return wait
}
