package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlidingWindowAllowsUpToLimit(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()
	window := time.Hour

	for i := 1; i <= 5; i++ {
		res, err := l.Allow(ctx, "caller:resource", 5, window)
		require.NoError(t, err)
		assert.True(t, res.Allowed, "request %d should be admitted", i)
		assert.Equal(t, i, res.Current)
		assert.Equal(t, 5-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "caller:resource", 5, window)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 5, res.Current)
	assert.Greater(t, res.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, res.RetryAfter, window)
}

func TestSlidingWindowRestoresCapacity(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()
	window := time.Minute

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "k", 3, window)
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "k", 3, window)
	require.NoError(t, err)
	require.False(t, res.Allowed)

	// Reset time is the oldest entry plus the window.
	assert.Equal(t, base.Add(window), res.ResetAt)

	// Once the oldest entry ages out, one slot opens.
	l.now = func() time.Time { return base.Add(window + time.Second) }
	res, err = l.Allow(ctx, "k", 3, window)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowRejectionIsNotRecorded(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := l.Allow(ctx, "k", 2, time.Hour)
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		res, err := l.Allow(ctx, "k", 2, time.Hour)
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		assert.Equal(t, 2, res.Current, "denied requests must not grow the window")
	}
}

func TestSlidingWindowIndependentKeys(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()

	res, err := l.Allow(ctx, "a:x", 1, time.Hour)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = l.Allow(ctx, "a:x", 1, time.Hour)
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = l.Allow(ctx, "b:x", 1, time.Hour)
	require.NoError(t, err)
	assert.True(t, res.Allowed, "another caller has its own window")
}

func TestSlidingWindowInspectDoesNotConsume(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()

	_, err := l.Allow(ctx, "k", 5, time.Hour)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := l.Inspect(ctx, "k", 5, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, res.Current)
		assert.Equal(t, 4, res.Remaining)
	}
}

func TestSlidingWindowSweepEvictsIdleKeys(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 50; i++ {
		_, err := l.Allow(ctx, fmt.Sprintf("caller-%d:res", i), 10, time.Minute)
		require.NoError(t, err)
	}
	assert.Equal(t, 50, l.KeyCount())

	l.now = func() time.Time { return base.Add(2 * time.Minute) }
	l.sweep(time.Minute)
	assert.Equal(t, 0, l.KeyCount())
}

func TestSlidingWindowConcurrentAccess(t *testing.T) {
	l := NewSlidingWindow(0)
	ctx := context.Background()

	const workers = 20
	const limit = 100

	var wg sync.WaitGroup
	allowed := make([]int, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				res, err := l.Allow(ctx, "shared", limit, time.Hour)
				if err == nil && res.Allowed {
					allowed[w]++
				}
			}
		}(w)
	}
	wg.Wait()

	total := 0
	for _, n := range allowed {
		total += n
	}
	assert.Equal(t, limit, total, "exactly the limit should be admitted")
}
