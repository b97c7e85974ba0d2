// Package ratelimit holds the request counters the API consults per client.
// State lives behind the Limiter interface: Redis when replicas must share it,
// an in-process window otherwise.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter decides whether the request identified by key may proceed.
// It reports the remaining allowance alongside the decision.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

var (
	_ Limiter = (*TokenBucket)(nil)
	_ Limiter = (*MemoryWindow)(nil)
)

// MemoryWindow is a fixed-window counter guarded by a mutex.
type MemoryWindow struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	buckets map[string]*windowCount
}

type windowCount struct {
	start time.Time
	count int
}

// NewMemoryWindow allows limit requests per key in each window.
func NewMemoryWindow(limit int, window time.Duration) *MemoryWindow {
	return newMemoryWindow(limit, window, time.Now)
}

func newMemoryWindow(limit int, window time.Duration, now func() time.Time) *MemoryWindow {
	if window <= 0 {
		window = time.Minute
	}
	return &MemoryWindow{
		limit:   limit,
		window:  window,
		now:     now,
		buckets: make(map[string]*windowCount),
	}
}

func (w *MemoryWindow) Allow(_ context.Context, key string) (bool, float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	b, ok := w.buckets[key]
	if !ok || now.Sub(b.start) >= w.window {
		b = &windowCount{start: now}
		w.buckets[key] = b
		w.sweep(now)
	}
	if b.count >= w.limit {
		return false, 0, nil
	}
	b.count++
	return true, float64(w.limit - b.count), nil
}

// sweep drops expired windows so idle clients do not accumulate. Callers hold mu.
func (w *MemoryWindow) sweep(now time.Time) {
	for k, b := range w.buckets {
		if now.Sub(b.start) >= w.window {
			delete(w.buckets, k)
		}
	}
}
