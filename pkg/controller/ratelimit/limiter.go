// Package ratelimit implements the Rate Limiter: a fixed-window counter per
// scope key, safe for concurrent use from many policy-evaluation goroutines
// at once.
package ratelimit

import (
	"sync"
	"time"

	workloadv1alpha1 "github.com/mlplatform/workload-controller/pkg/apis/workload/v1alpha1"
)

// window is the mutable per-key counter state, guarded by its own mutex so
// that keys never contend with each other.
type window struct {
	mu    sync.Mutex
	count int
	start time.Time
}

// Limiter is a fixed-window rate limiter keyed by an arbitrary scope string
// (the Policy Engine uses "<rule>" or "<rule>:<scope id>"). Each key gets its own
// window that resets once WindowSize has elapsed since the window opened.
type Limiter struct {
	windows sync.Map // string -> *window
}

// New builds an empty Limiter.
func New() *Limiter {
	return &Limiter{}
}

// Allow increments the counter for key, opening a fresh window if the
// current one has expired, and reports whether the increment kept the
// counter at or below limit.
func (l *Limiter) Allow(key string, limit int, windowSize time.Duration) bool {
	now := time.Now()
	v, _ := l.windows.LoadOrStore(key, &window{start: now})
	w := v.(*window)

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= windowSize {
		w.start = now
		w.count = 0
	}
	w.count++
	return w.count <= limit
}

// Snapshot returns the current RateWindow for key, or the zero value with
// Count 0 if the key has never been seen.
func (l *Limiter) Snapshot(key string, limit int, windowSize time.Duration) workloadv1alpha1.RateWindow {
	v, ok := l.windows.Load(key)
	if !ok {
		return workloadv1alpha1.RateWindow{Key: key, Limit: limit, WindowSize: windowSize}
	}
	w := v.(*window)
	w.mu.Lock()
	defer w.mu.Unlock()
	return workloadv1alpha1.RateWindow{
		Key:         key,
		Count:       w.count,
		Limit:       limit,
		WindowStart: w.start,
		WindowSize:  windowSize,
	}
}

// Reset clears the counter for key, as if it had never been observed.
func (l *Limiter) Reset(key string) {
	l.windows.Delete(key)
}

// Sweep opportunistically evicts windows that have been idle for longer than
// maxAge, bounding memory growth from scope keys that stop appearing (a
// deleted workload, a rotated policy). It is safe to call from a periodic
// background goroutine; it never blocks callers of Allow.
func (l *Limiter) Sweep(maxAge time.Duration) int {
	now := time.Now()
	evicted := 0
	l.windows.Range(func(key, value any) bool {
		w := value.(*window)
		w.mu.Lock()
		idle := now.Sub(w.start) >= maxAge
		w.mu.Unlock()
		if idle {
			l.windows.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}
