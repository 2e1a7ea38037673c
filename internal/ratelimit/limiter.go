// Package ratelimit provides sliding-window rate limiting keyed by
// caller and resource.
package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"
)

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool
	Current    int
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// Limiter admits or rejects a request against a per-key limit over a
// sliding window.
type Limiter interface {
	// Allow records the request if it fits under limit and reports the
	// window state either way. A rejected request is not recorded.
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error)

	// Inspect reports the window state without recording a request.
	Inspect(ctx context.Context, key string, limit int, window time.Duration) (Result, error)
}

const shardCount = 32

type shard struct {
	mu      sync.Mutex
	windows map[string][]time.Time
}

// SlidingWindow is an in-process sliding-window limiter. Timestamps
// are kept per key and pruned on access; a background sweep drops keys
// that have gone quiet so idle callers do not pin memory.
type SlidingWindow struct {
	shards [shardCount]*shard
	now    func() time.Time

	sweepEvery time.Duration
	stop       chan struct{}
	done       chan struct{}
	started    atomic.Bool
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewSlidingWindow creates an in-process limiter. sweepEvery controls
// how often idle keys are reclaimed; zero disables the sweep.
func NewSlidingWindow(sweepEvery time.Duration) *SlidingWindow {
	l := &SlidingWindow{
		now:        time.Now,
		sweepEvery: sweepEvery,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{windows: make(map[string][]time.Time)}
	}
	return l
}

func (l *SlidingWindow) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

// prune drops timestamps older than the window start. Returns the
// surviving slice.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func (l *SlidingWindow) Allow(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.windows[key], now.Add(-window))

	res := Result{
		Current: len(ts),
		Limit:   limit,
		ResetAt: now.Add(window),
	}
	if len(ts) > 0 {
		res.ResetAt = ts[0].Add(window)
	}

	if len(ts) >= limit {
		if len(ts) == 0 {
			delete(s.windows, key)
		} else {
			s.windows[key] = ts
		}
		res.RetryAfter = res.ResetAt.Sub(now)
		if res.RetryAfter < 0 {
			res.RetryAfter = 0
		}
		return res, nil
	}

	ts = append(ts, now)
	s.windows[key] = ts
	res.Allowed = true
	res.Current = len(ts)
	res.Remaining = limit - len(ts)
	if len(ts) == 1 {
		res.ResetAt = now.Add(window)
	}
	return res, nil
}

func (l *SlidingWindow) Inspect(ctx context.Context, key string, limit int, window time.Duration) (Result, error) {
	now := l.now()
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := prune(s.windows[key], now.Add(-window))
	if len(ts) == 0 {
		delete(s.windows, key)
	} else {
		s.windows[key] = ts
	}

	res := Result{
		Allowed:   len(ts) < limit,
		Current:   len(ts),
		Limit:     limit,
		Remaining: max(0, limit-len(ts)),
		ResetAt:   now.Add(window),
	}
	if len(ts) > 0 {
		res.ResetAt = ts[0].Add(window)
		if !res.Allowed {
			res.RetryAfter = max(0, res.ResetAt.Sub(now))
		}
	}
	return res, nil
}

// Start launches the background sweep. Safe to call once.
func (l *SlidingWindow) Start(maxWindow time.Duration) {
	if l.sweepEvery <= 0 {
		return
	}
	l.startOnce.Do(func() {
		l.started.Store(true)
		go l.sweepLoop(maxWindow)
	})
}

// Stop halts the background sweep and waits for it to exit.
func (l *SlidingWindow) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	if l.started.Load() {
		<-l.done
	}
}

func (l *SlidingWindow) sweepLoop(maxWindow time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(l.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.sweep(maxWindow)
		}
	}
}

func (l *SlidingWindow) sweep(maxWindow time.Duration) {
	cutoff := l.now().Add(-maxWindow)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, ts := range s.windows {
			ts = prune(ts, cutoff)
			if len(ts) == 0 {
				delete(s.windows, key)
			} else {
				s.windows[key] = ts
			}
		}
		s.mu.Unlock()
	}
}

// KeyCount reports the number of tracked keys, for tests and metrics.
func (l *SlidingWindow) KeyCount() int {
	n := 0
	for _, s := range l.shards {
		s.mu.Lock()
		n += len(s.windows)
		s.mu.Unlock()
	}
	return n
}
