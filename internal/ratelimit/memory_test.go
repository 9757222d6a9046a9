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
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(t *testing.T, rate float64, burst int) (*MemoryLimiter, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	m := NewMemoryLimiter(rate, burst)
	m.now = clock.Now
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m, clock
}

func allowN(t *testing.T, m *MemoryLimiter, key string, n int) int {
	t.Helper()
	allowed := 0
	for range n {
		ok, err := m.Allow(context.Background(), key)
		require.NoError(t, err)
		if ok {
			allowed++
		}
	}
	return allowed
}

func TestMemoryLimiter_BurstThenDeny(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 3)
	assert.Equal(t, 3, allowN(t, m, "runs:10.0.0.1", 5))
}

func TestMemoryLimiter_Refill(t *testing.T) {
	m, clock := newTestLimiter(t, 2, 2)
	assert.Equal(t, 2, allowN(t, m, "k", 3))

	clock.Advance(500 * time.Millisecond)
	assert.Equal(t, 1, allowN(t, m, "k", 2), "half a second at 2 rps refills one token")

	clock.Advance(time.Hour)
	assert.Equal(t, 2, allowN(t, m, "k", 5), "tokens cap at burst")
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	m, _ := newTestLimiter(t, 1, 1)
	assert.Equal(t, 1, allowN(t, m, "a", 2))
	assert.Equal(t, 1, allowN(t, m, "b", 2))
}

func TestPerMinute(t *testing.T) {
	m := PerMinute(30)
	defer func() { _ = m.Close() }()
	clock := &fakeClock{t: time.Now()}
	m.now = clock.Now

	assert.Equal(t, 30, allowN(t, m, "k", 40))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, allowN(t, m, "k", 5))
}

func TestMemoryLimiter_Concurrent(t *testing.T) {
	m, _ := newTestLimiter(t, 0, 50)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if ok, _ := m.Allow(context.Background(), "shared"); ok {
					allowed.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(50), allowed.Load())
}

func TestMemoryLimiter_EvictStale(t *testing.T) {
	m, clock := newTestLimiter(t, 1, 1)
	allowN(t, m, "old", 1)
	clock.Advance(staleThreshold + time.Minute)
	allowN(t, m, "fresh", 1)

	m.evictStale()
	assert.Equal(t, 1, m.Len())
}

func TestMemoryLimiter_CloseIdempotent(t *testing.T) {
	m := NewMemoryLimiter(1, 1)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())
}

func TestNoopLimiter(t *testing.T) {
	var l Limiter = NoopLimiter{}
	for range 100 {
		ok, err := l.Allow(context.Background(), "k")
		require.NoError(t, err)
		require.True(t, ok)
	}
	assert.NoError(t, l.Close())
}
