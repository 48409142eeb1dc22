package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStatusLifecycle(t *testing.T) {
	assert.True(t, StatusPending.CanTransition(StatusRunning))
	assert.True(t, StatusPending.CanTransition(StatusAwaitingPayment))
	assert.True(t, StatusAwaitingPayment.CanTransition(StatusRunning))
	assert.True(t, StatusRunning.CanTransition(StatusAwaitingInput))
	assert.True(t, StatusAwaitingInput.CanTransition(StatusRunning))
	assert.True(t, StatusRunning.CanTransition(StatusCompleted))
	assert.True(t, StatusRunning.CanTransition(StatusFailed))

	assert.False(t, StatusCompleted.CanTransition(StatusRunning))
	assert.False(t, StatusFailed.CanTransition(StatusRunning))
	assert.False(t, StatusPending.CanTransition(StatusCompleted))

	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.False(t, StatusRunning.Terminal())
}

func TestNewJobAndID(t *testing.T) {
	now := time.Now()
	j := NewJob(CapabilitySearch, "203.0.113.7", json.RawMessage(`{"query":"go"}`), now)
	assert.True(t, ValidID(j.ID))
	assert.Equal(t, StatusPending, j.Status)
	assert.Equal(t, now, j.CreatedAt)

	j2 := NewJob(CapabilitySearch, "203.0.113.7", nil, now)
	assert.NotEqual(t, j.ID, j2.ID)

	assert.False(t, ValidID("not-a-ulid"))
	assert.False(t, ValidID(""))
}

func TestCapabilityValid(t *testing.T) {
	assert.True(t, CapabilitySearch.Valid())
	assert.True(t, CapabilityScrape.Valid())
	assert.True(t, CapabilityTask.Valid())
	assert.False(t, Capability("ssh").Valid())
}

func TestMemoryStoreCRUD(t *testing.T) {
	s := NewMemoryStore(time.Hour, time.Hour)
	defer s.Close()
	ctx := context.Background()

	j := NewJob(CapabilityScrape, "id-1", nil, time.Now())
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, StatusPending, got.Status)

	// Mutating the returned copy must not affect the stored job.
	got.Status = StatusFailed
	again, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, again.Status)

	_, err = s.Get(ctx, NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := s.Update(ctx, j.ID, Transition(StatusRunning, time.Now))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)

	_, err = s.Update(ctx, j.ID, Transition(StatusPending, time.Now))
	assert.ErrorIs(t, err, ErrInvalidTransition)

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err = s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.Delete(ctx, j.ID))
}

func TestMemoryStoreFailedUpdateNotPersisted(t *testing.T) {
	s := NewMemoryStore(time.Hour, time.Hour)
	defer s.Close()
	ctx := context.Background()

	j := NewJob(CapabilityTask, "", nil, time.Now())
	require.NoError(t, s.Create(ctx, j))

	boom := errors.New("boom")
	_, err := s.Update(ctx, j.ID, func(job *Job) error {
		job.Status = StatusFailed
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
}

func TestMemoryStoreExpiry(t *testing.T) {
	s := NewMemoryStore(time.Minute, time.Minute)
	defer s.Close()
	ctx := context.Background()

	now := time.Now()
	s.clock = func() time.Time { return now }

	j := NewJob(CapabilitySearch, "", nil, now)
	require.NoError(t, s.Create(ctx, j))

	now = now.Add(30 * time.Second)
	_, err := s.Get(ctx, j.ID)
	require.NoError(t, err)

	now = now.Add(31 * time.Second)
	_, err = s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Update(ctx, j.ID, Transition(StatusRunning, s.clock))
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 1, s.Len())
	removed := s.sweep(now)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 0, s.Len())
}

func TestMemoryStoreSweepLifecycle(t *testing.T) {
	s := NewMemoryStore(time.Hour, 10*time.Millisecond)
	s.Start()
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, time.Hour, testLogger()), mr
}

func TestRedisStoreCRUD(t *testing.T) {
	s, _ := newRedisStore(t)
	ctx := context.Background()

	j := NewJob(CapabilitySearch, "id-9", json.RawMessage(`{"query":"x"}`), time.Now().UTC())
	require.NoError(t, s.Create(ctx, j))

	got, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, j.ID, got.ID)
	assert.Equal(t, j.Capability, got.Capability)
	assert.JSONEq(t, `{"query":"x"}`, string(got.Input))

	_, err = s.Get(ctx, NewID())
	assert.ErrorIs(t, err, ErrNotFound)

	updated, err := s.Update(ctx, j.ID, Transition(StatusRunning, time.Now))
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, updated.Status)

	reread, err := s.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, reread.Status)

	require.NoError(t, s.Delete(ctx, j.ID))
	_, err = s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	j := NewJob(CapabilityScrape, "", nil, time.Now())
	require.NoError(t, s.Create(ctx, j))

	mr.FastForward(2 * time.Hour)
	_, err := s.Get(ctx, j.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStoreCorruptRecord(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set(keyPrefix+"bad", "{not json"))
	_, err := s.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStorePing(t *testing.T) {
	s, mr := newRedisStore(t)
	require.NoError(t, s.Ping(context.Background()))
	mr.Close()
	assert.Error(t, s.Ping(context.Background()))
}

func TestExecutorRunsJob(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()
	ctx := context.Background()

	e := NewExecutor(store, 2, testLogger())
	e.Register(CapabilitySearch, func(_ context.Context, job *Job) (json.RawMessage, error) {
		return json.RawMessage(`{"hits":1}`), nil
	})

	var finished atomic.Int64
	e.OnFinish = func(*Job) { finished.Add(1) }

	e.Start(ctx)
	defer e.Close()

	j := NewJob(CapabilitySearch, "", nil, time.Now())
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, e.Submit(j.ID))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, j.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"hits":1}`, string(got.Result))
	assert.Equal(t, int64(1), finished.Load())
}

func TestExecutorHandlerError(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()
	ctx := context.Background()

	e := NewExecutor(store, 1, testLogger())
	e.Register(CapabilityScrape, func(_ context.Context, job *Job) (json.RawMessage, error) {
		return nil, errors.New("target unreachable")
	})
	e.Start(ctx)
	defer e.Close()

	j := NewJob(CapabilityScrape, "", nil, time.Now())
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, e.Submit(j.ID))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, j.ID)
		return err == nil && got.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	got, err := store.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, "target unreachable", got.Error)
}

func TestExecutorAwaitInputThenResume(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()
	ctx := context.Background()

	e := NewExecutor(store, 1, testLogger())
	e.Register(CapabilityTask, func(_ context.Context, job *Job) (json.RawMessage, error) {
		if len(job.Result) == 0 {
			return nil, ErrAwaitInput
		}
		return job.Result, nil
	})
	e.Start(ctx)
	defer e.Close()

	j := NewJob(CapabilityTask, "", nil, time.Now())
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, e.Submit(j.ID))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, j.ID)
		return err == nil && got.Status == StatusAwaitingInput
	}, 2*time.Second, 10*time.Millisecond)

	_, err := store.Update(ctx, j.ID, func(job *Job) error {
		job.Result = json.RawMessage(`{"answer":"yes"}`)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, e.Resume(j.ID))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, j.ID)
		return err == nil && got.Status == StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorUnknownCapability(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()
	ctx := context.Background()

	e := NewExecutor(store, 1, testLogger())
	e.Start(ctx)
	defer e.Close()

	j := NewJob(CapabilityTask, "", nil, time.Now())
	require.NoError(t, store.Create(ctx, j))
	require.NoError(t, e.Submit(j.ID))

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, j.ID)
		return err == nil && got.Status == StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
}

func TestExecutorBoundedConcurrency(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()
	ctx := context.Background()

	const limit = 3
	var running, peak atomic.Int64
	release := make(chan struct{})

	e := NewExecutor(store, limit, testLogger())
	e.Register(CapabilitySearch, func(_ context.Context, job *Job) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return json.RawMessage(`{}`), nil
	})
	e.Start(ctx)
	defer e.Close()

	ids := make([]string, 0, 2*limit)
	for i := 0; i < 2*limit; i++ {
		j := NewJob(CapabilitySearch, "", nil, time.Now())
		require.NoError(t, store.Create(ctx, j))
		require.NoError(t, e.Submit(j.ID))
		ids = append(ids, j.ID)
	}

	require.Eventually(t, func() bool {
		return running.Load() == limit
	}, 2*time.Second, 10*time.Millisecond)
	close(release)

	require.Eventually(t, func() bool {
		for _, id := range ids {
			got, err := store.Get(ctx, id)
			if err != nil || got.Status != StatusCompleted {
				return false
			}
		}
		return true
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(limit), peak.Load())
}

func TestExecutorQueueFull(t *testing.T) {
	store := NewMemoryStore(time.Hour, time.Hour)
	defer store.Close()

	// Not started: nothing drains the queue.
	e := NewExecutor(store, 1, testLogger())
	var err error
	for i := 0; i < 10; i++ {
		if err = e.Submit(NewID()); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}
