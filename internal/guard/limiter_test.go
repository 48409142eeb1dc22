package guard

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestLimiterDefaults(t *testing.T) {
	l := NewLimiter(0, 0)
	assert.Equal(t, DefaultWindow, l.window)
	assert.Equal(t, int64(DefaultMaxPerWindow), l.max)
}

func TestLimiterAdmitWithinBudget(t *testing.T) {
	l := NewLimiter(time.Minute, 10)
	now := time.Now()

	for i := 0; i < 10; i++ {
		d := l.Admit("client-1", now.Add(time.Duration(i)*time.Second))
		assert.True(t, d.Allowed, "request %d should be allowed", i)
	}
}

func TestLimiterRejectsOverBudget(t *testing.T) {
	l := NewLimiter(time.Minute, 10)
	now := time.Now()

	for i := 0; i < 10; i++ {
		require.True(t, l.Admit("client-1", now).Allowed)
	}

	d := l.Admit("client-1", now.Add(30*time.Second))
	assert.False(t, d.Allowed)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, d.RetryAfter, time.Minute)
	// 30s of the window remain; ceil to whole seconds.
	assert.Equal(t, 30*time.Second, d.RetryAfter)
}

func TestLimiterRejectionConsumesBudget(t *testing.T) {
	// Rejected requests still increment the stored count, so a client
	// hammering past the limit never sees its count decay inside a window.
	l := NewLimiter(time.Minute, 2)
	now := time.Now()

	require.True(t, l.Admit("c", now).Allowed)
	require.True(t, l.Admit("c", now).Allowed)
	require.False(t, l.Admit("c", now).Allowed)

	l.mu.Lock()
	count := l.windows["c"].count
	l.mu.Unlock()
	assert.Equal(t, int64(3), count)
}

func TestLimiterWindowReset(t *testing.T) {
	l := NewLimiter(time.Minute, 2)
	start := time.Now()

	require.True(t, l.Admit("c", start).Allowed)
	require.True(t, l.Admit("c", start).Allowed)
	require.False(t, l.Admit("c", start.Add(time.Second)).Allowed)

	// Strictly past the window boundary: hard reset, allowed again.
	later := start.Add(time.Minute + time.Millisecond)
	d := l.Admit("c", later)
	assert.True(t, d.Allowed)

	l.mu.Lock()
	w := l.windows["c"]
	count, ws := w.count, w.windowStart
	l.mu.Unlock()
	assert.Equal(t, int64(1), count)
	assert.Equal(t, later, ws)
}

func TestLimiterResetIdempotent(t *testing.T) {
	// Resetting twice in immediate succession yields the same count=1 state
	// with windowStart advanced to the most recent reset.
	l := NewLimiter(time.Minute, 5)
	start := time.Now()

	require.True(t, l.Admit("c", start).Allowed)

	first := start.Add(2 * time.Minute)
	second := first.Add(2 * time.Minute)
	require.True(t, l.Admit("c", first).Allowed)
	require.True(t, l.Admit("c", second).Allowed)

	l.mu.Lock()
	w := l.windows["c"]
	l.mu.Unlock()
	assert.Equal(t, int64(1), w.count)
	assert.Equal(t, second, w.windowStart)
}

func TestLimiterDistinctIdentitiesIndependent(t *testing.T) {
	l := NewLimiter(time.Minute, 1)
	now := time.Now()

	assert.True(t, l.Admit("a", now).Allowed)
	assert.False(t, l.Admit("a", now).Allowed)
	assert.True(t, l.Admit("b", now).Allowed)
}

func TestLimiterSweep(t *testing.T) {
	l := NewLimiter(time.Minute, 10)
	start := time.Now()

	l.Admit("stale", start)
	l.Admit("fresh", start.Add(90*time.Second))
	require.Equal(t, 2, l.Len())

	// "stale" has been idle for 2*window+1s, "fresh" for 31s.
	removed := l.sweep(start.Add(121 * time.Second))
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, l.Len())

	// A swept identity is first-seen again.
	d := l.Admit("stale", start.Add(121*time.Second))
	assert.True(t, d.Allowed)
}

func TestLimiterSweepLifecycle(t *testing.T) {
	l := NewLimiter(10*time.Millisecond, 5)
	l.clock = time.Now
	l.Start()
	l.Admit("c", time.Now().Add(-time.Hour))

	assert.Eventually(t, func() bool { return l.Len() == 0 },
		time.Second, 5*time.Millisecond)

	l.Close()
	l.Close() // idempotent
}

func TestLimiterConcurrentAdmission(t *testing.T) {
	// max+k simultaneous requests for one identity admit exactly max.
	const max, extra = 10, 7
	l := NewLimiter(time.Minute, max)
	now := time.Now()

	var wg sync.WaitGroup
	results := make([]Decision, max+extra)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = l.Admit("shared", now)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, d := range results {
		if d.Allowed {
			allowed++
		}
	}
	assert.Equal(t, max, allowed)
}

func TestLimiterProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		window := time.Duration(rapid.Int64Range(1, 3600).Draw(t, "windowSecs")) * time.Second
		max := rapid.Int64Range(1, 100).Draw(t, "max")
		calls := rapid.IntRange(1, 300).Draw(t, "calls")

		l := NewLimiter(window, max)
		now := time.Unix(1700000000, 0)

		allowed := 0
		for i := 0; i < calls; i++ {
			// All calls inside a single window.
			at := now.Add(time.Duration(i) * window / time.Duration(calls+1))
			d := l.Admit("id", at)
			if d.Allowed {
				allowed++
			} else {
				if d.RetryAfter < 0 || d.RetryAfter > window+time.Second {
					t.Fatalf("retry after %v outside [0, window]", d.RetryAfter)
				}
			}
		}

		want := int(max)
		if calls < want {
			want = calls
		}
		if allowed != want {
			t.Fatalf("admitted %d of %d calls, want %d", allowed, calls, want)
		}
	})
}

func BenchmarkLimiterAdmit(b *testing.B) {
	l := NewLimiter(time.Minute, int64(b.N)+1)
	now := time.Now()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Admit(fmt.Sprintf("client-%d", i%128), now)
	}
}
