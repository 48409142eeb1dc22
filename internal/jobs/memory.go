package jobs

import (
	"context"
	"sync"
	"time"
)

// Default retention for the in-memory store.
const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = time.Minute
)

type memoryEntry struct {
	job       *Job
	expiresAt time.Time
}

// MemoryStore keeps jobs in a map with periodic expiry. It is the default
// backend for single-instance deployments; state does not survive restarts.
type MemoryStore struct {
	ttl           time.Duration
	sweepInterval time.Duration
	clock         func() time.Time

	mu   sync.RWMutex
	jobs map[string]*memoryEntry

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryStore creates an in-memory job store. ttl bounds how long a job
// stays queryable after its last update; sweepInterval is how often expired
// jobs are evicted. Zero values use the defaults.
func NewMemoryStore(ttl, sweepInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	return &MemoryStore{
		ttl:           ttl,
		sweepInterval: sweepInterval,
		clock:         time.Now,
		jobs:          make(map[string]*memoryEntry),
		done:          make(chan struct{}),
	}
}

// Start launches the background sweep goroutine. Stop with Close.
func (s *MemoryStore) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				s.sweep(now)
			case <-s.done:
				return
			}
		}
	}()
}

// sweep removes expired entries. Returns the number removed.
func (s *MemoryStore) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.jobs {
		if now.After(e.expiresAt) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) Create(_ context.Context, job *Job) error {
	c := *job
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = &memoryEntry{job: &c, expiresAt: s.clock().Add(s.ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok || s.clock().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	c := *e.job
	return &c, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Job) error) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok || s.clock().After(e.expiresAt) {
		return nil, ErrNotFound
	}
	c := *e.job
	if err := fn(&c); err != nil {
		return nil, err
	}
	e.job = &c
	e.expiresAt = s.clock().Add(s.ttl)
	out := c
	return &out, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// Len returns the number of tracked jobs, expired or not. Used by tests
// and the tracked-jobs gauge.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// Close stops the sweep goroutine. Safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	return nil
}
