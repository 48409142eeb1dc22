// Package guard implements the request-admission controls that sit in front
// of every paid capability: a per-identity fixed-window rate limiter and an
// SSRF target validator for server-side fetches. Both are self-contained,
// synchronous, and never produce process-fatal errors — rejection is a
// normal outcome, not a fault.
package guard

import (
	"math"
	"sync"
	"time"
)

// Rate-limiter defaults, applied when the configured values are zero.
const (
	DefaultWindow       = 60 * time.Second
	DefaultMaxPerWindow = 10
)

// Decision is the outcome of a single admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration // meaningful only when Allowed == false; whole seconds
}

// clientWindow is the per-identity fixed-window state.
// count never drops below 1 while the entry exists, and windowStart only
// moves forward across resets.
type clientWindow struct {
	count       int64
	windowStart time.Time
}

// Limiter is a fixed-window per-identity rate limiter with a background
// sweep that evicts identities idle for longer than two windows. State is
// process-local only; windows are short-lived, so nothing survives restart.
//
// The window is a hard reset, not a sliding one: a burst straddling a
// window boundary can briefly see up to 2x the configured maximum. Rejected
// requests still consume budget — an abuser hammering past the limit keeps
// pushing their own reset further into rejection territory.
type Limiter struct {
	window time.Duration
	max    int64
	clock  func() time.Time // swapped in tests

	mu      sync.Mutex
	windows map[string]*clientWindow

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewLimiter creates a limiter. Zero or negative window/max fall back to the
// defaults. The sweep goroutine is not started until Start is called.
func NewLimiter(window time.Duration, maxPerWindow int64) *Limiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxPerWindow <= 0 {
		maxPerWindow = DefaultMaxPerWindow
	}
	return &Limiter{
		window:  window,
		max:     maxPerWindow,
		clock:   time.Now,
		windows: make(map[string]*clientWindow),
		done:    make(chan struct{}),
	}
}

// Admit decides whether a request from identity should be processed at time
// now. The read-check-increment sequence runs under the limiter mutex so two
// concurrent requests from the same identity can never both observe the
// pre-increment count.
func (l *Limiter) Admit(identity string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[identity]
	if !ok {
		l.windows[identity] = &clientWindow{count: 1, windowStart: now}
		return Decision{Allowed: true}
	}

	if now.Sub(w.windowStart) > l.window {
		w.count = 1
		w.windowStart = now
		return Decision{Allowed: true}
	}

	w.count++
	if w.count > l.max {
		return Decision{Allowed: false, RetryAfter: l.retryAfter(w, now)}
	}

	return Decision{Allowed: true}
}

// retryAfter returns the time until the identity's window resets, rounded up
// to whole seconds and clamped to [0, window].
func (l *Limiter) retryAfter(w *clientWindow, now time.Time) time.Duration {
	remaining := w.windowStart.Add(l.window).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := math.Ceil(remaining.Seconds())
	return time.Duration(secs) * time.Second
}

// Start launches the background sweep goroutine. The sweep runs every window
// length and evicts identities idle for longer than twice the window, which
// bounds memory under churn of many distinct identities (e.g. spoofed
// forwarded-for headers).
func (l *Limiter) Start() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.window)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				l.sweep(l.clock())
			case <-l.done:
				return
			}
		}
	}()
}

// sweep removes stale entries. It takes the same mutex as Admit so a delete
// never races a concurrent read-modify-write for the same identity.
func (l *Limiter) sweep(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for id, w := range l.windows {
		if now.Sub(w.windowStart) > 2*l.window {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}

// Close stops the sweep goroutine and waits for it to exit. Safe to call
// multiple times. Admit remains usable after Close; only the eviction stops.
func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.done) })
	l.wg.Wait()
}

// Len returns the number of tracked identities. Used by tests and the
// limiter gauge.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
