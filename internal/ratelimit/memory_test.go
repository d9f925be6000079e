package ratelimit

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(m *MemoryLimiter, key string, n int) int {
	allowed := 0
	for range n {
		if ok, _ := m.Allow(context.Background(), key); ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(m, "10.0.0.1", 5))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	require.Equal(t, 2, allowN(m, "k", 2))
	require.Equal(t, 0, allowN(m, "k", 1))

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(m, "k", 3), "half a second at 2 rps refills one token")
}

func TestMemoryLimiter_TokensCapAtBurst(t *testing.T) {
	m, clock := newTestLimiter(t, 1000, 3)
	_, _ = m.Allow(context.Background(), "k")
	clock.Advance(time.Hour)
	assert.Equal(t, 3, allowN(m, "k", 10))
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(m, "a", 2))
	assert.Equal(t, 1, allowN(m, "b", 2))
	assert.Equal(t, 2, m.Len())
}

func TestMemoryLimiter_ZeroBurstDeniesAll(t *testing.T) {
	m, _ := newTestLimiter(t, 10, 0)
	assert.Equal(t, 0, allowN(m, "k", 3))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 50)
	var total atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			total.Add(int64(allowN(m, "shared", 10)))
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), total.Load())
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	m, clock := newTestLimiter(t, 10, 5)
	_, _ = m.Allow(context.Background(), "old")
	clock.Advance(15 * time.Minute)
	_, _ = m.Allow(context.Background(), "recent")

	m.evictStale()
	assert.Equal(t, 1, m.Len())
	m.mu.Lock()
	_, kept := m.buckets["recent"]
	m.mu.Unlock()
	assert.True(t, kept)
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(10, 5)
	assert.NoError(t, m.Close())
	assert.NoError(t, m.Close())
}

func TestNoopLimiterAlwaysAllows(t *testing.T) {
	var l NoopLimiter
	for range 100 {
		ok, err := l.Allow(context.Background(), "anything")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
