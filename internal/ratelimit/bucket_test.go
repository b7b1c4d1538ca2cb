package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests advance time deterministically.
type fakeClock struct {
	current time.Time
}

func (c *fakeClock) now() time.Time {
	return c.current
}

func (c *fakeClock) advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func newTestBucket(cfg Config) (*Bucket, *fakeClock) {
	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	b := NewBucket(cfg)
	b.now = clock.now
	b.lastRefill = clock.current
	return b, clock
}

func TestAcquireToken(t *testing.T) {
	t.Run("starts full", func(t *testing.T) {
		b, _ := newTestBucket(Config{TokensPerInterval: 10, Interval: time.Second, MaxTokens: 20})
		assert.Equal(t, 20, b.RemainingTokens())
	})

	t.Run("all acquisitions fail after exhaustion", func(t *testing.T) {
		b, _ := newTestBucket(Config{TokensPerInterval: 10, Interval: time.Second, MaxTokens: 20})

		for i := 0; i < 20; i++ {
			require.True(t, b.AcquireToken(), "acquisition %d", i)
		}
		assert.False(t, b.AcquireToken())
		assert.Equal(t, 0, b.RemainingTokens())
	})

	t.Run("refills after one interval", func(t *testing.T) {
		b, clock := newTestBucket(Config{TokensPerInterval: 10, Interval: time.Second, MaxTokens: 20})

		for i := 0; i < 20; i++ {
			require.True(t, b.AcquireToken())
		}

		clock.advance(1100 * time.Millisecond)
		assert.True(t, b.AcquireToken())
		remaining := b.RemainingTokens()
		assert.GreaterOrEqual(t, remaining, 9)
		assert.LessOrEqual(t, remaining, 10)
	})

	t.Run("refill is capped at maxTokens", func(t *testing.T) {
		b, clock := newTestBucket(Config{TokensPerInterval: 10, Interval: time.Second, MaxTokens: 20})

		clock.advance(time.Hour)
		assert.Equal(t, 20, b.RemainingTokens())
	})

	t.Run("credits whole intervals only", func(t *testing.T) {
		b, clock := newTestBucket(Config{TokensPerInterval: 5, Interval: time.Second, MaxTokens: 100})
		b.tokens = 0

		clock.advance(2500 * time.Millisecond)
		assert.Equal(t, 10, b.RemainingTokens())
	})
}

func TestTimeUntilNextToken(t *testing.T) {
	t.Run("zero when tokens available", func(t *testing.T) {
		b, _ := newTestBucket(Config{TokensPerInterval: 1, Interval: time.Second, MaxTokens: 1})
		assert.Equal(t, time.Duration(0), b.TimeUntilNextToken())
	})

	t.Run("within interval after exhaustion", func(t *testing.T) {
		b, clock := newTestBucket(Config{TokensPerInterval: 1, Interval: time.Second, MaxTokens: 1})
		require.True(t, b.AcquireToken())

		clock.advance(300 * time.Millisecond)
		wait := b.TimeUntilNextToken()
		assert.Equal(t, 700*time.Millisecond, wait)
	})

	t.Run("clamped into (0, interval]", func(t *testing.T) {
		b, _ := newTestBucket(Config{TokensPerInterval: 1, Interval: time.Second, MaxTokens: 1})
		require.True(t, b.AcquireToken())

		wait := b.TimeUntilNextToken()
		assert.Greater(t, wait, time.Duration(0))
		assert.LessOrEqual(t, wait, time.Second)
	})
}
