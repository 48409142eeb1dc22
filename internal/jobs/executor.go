package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultMaxConcurrent caps simultaneously running jobs.
const DefaultMaxConcurrent = 8

// ErrAwaitInput is returned by a capability handler to park the job until
// a human supplies input via POST /provide_input.
var ErrAwaitInput = errors.New("awaiting input")

// ErrQueueFull is returned by Submit when the executor backlog is full.
var ErrQueueFull = errors.New("job queue full")

// HandlerFunc executes one job's capability and returns its result document.
type HandlerFunc func(ctx context.Context, job *Job) (json.RawMessage, error)

// Executor pulls submitted jobs off a queue and runs them with bounded
// concurrency. One executor instance owns all job execution for the process.
type Executor struct {
	store         Store
	logger        *slog.Logger
	clock         func() time.Time
	maxConcurrent int

	mu       sync.RWMutex
	handlers map[Capability]HandlerFunc

	queue    chan string
	cancel   context.CancelFunc
	stopOnce sync.Once
	done     chan struct{}

	// OnFinish is invoked after a job reaches a terminal status or parks
	// awaiting input. Wired to metrics and the usage event emitter.
	OnFinish func(job *Job)
}

// NewExecutor creates an executor draining jobs into at most maxConcurrent
// parallel runs. Zero maxConcurrent uses DefaultMaxConcurrent.
func NewExecutor(store Store, maxConcurrent int, logger *slog.Logger) *Executor {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:         store,
		logger:        logger,
		clock:         time.Now,
		maxConcurrent: maxConcurrent,
		handlers:      make(map[Capability]HandlerFunc),
		queue:         make(chan string, 4*maxConcurrent),
		done:          make(chan struct{}),
	}
}

// Register installs the handler for a capability. Must be called before Start.
func (e *Executor) Register(c Capability, fn HandlerFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[c] = fn
}

func (e *Executor) handler(c Capability) (HandlerFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.handlers[c]
	return fn, ok
}

// Start launches the dispatch loop. The errgroup's limit provides
// backpressure: when maxConcurrent jobs are running, dispatch blocks and
// further submissions pile up in the queue channel.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	go func() {
		defer close(e.done)
		g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
		g.SetLimit(e.maxConcurrent)
		for {
			select {
			case id := <-e.queue:
				g.Go(func() error {
					e.run(gctx, id)
					return nil
				})
			case <-ctx.Done():
				_ = g.Wait()
				return
			}
		}
	}()
}

// Submit queues a job for execution. Non-blocking; returns ErrQueueFull
// when the backlog is saturated.
func (e *Executor) Submit(id string) error {
	select {
	case e.queue <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// run drives one job through running and into a terminal or parked status.
func (e *Executor) run(ctx context.Context, id string) {
	job, err := e.store.Update(ctx, id, Transition(StatusRunning, e.clock))
	if err != nil {
		e.logger.Warn("executor: job not runnable", "id", id, "error", err)
		return
	}

	fn, ok := e.handler(job.Capability)
	if !ok {
		e.fail(ctx, id, fmt.Sprintf("no handler for capability %q", job.Capability))
		return
	}

	result, err := fn(ctx, job)
	switch {
	case errors.Is(err, ErrAwaitInput):
		e.finish(ctx, id, func(j *Job) error {
			j.Status = StatusAwaitingInput
			j.UpdatedAt = e.clock()
			return nil
		})
	case err != nil:
		e.fail(ctx, id, err.Error())
	default:
		e.finish(ctx, id, func(j *Job) error {
			j.Status = StatusCompleted
			j.Result = result
			j.UpdatedAt = e.clock()
			return nil
		})
	}
}

func (e *Executor) fail(ctx context.Context, id, msg string) {
	e.finish(ctx, id, func(j *Job) error {
		j.Status = StatusFailed
		j.Error = msg
		j.UpdatedAt = e.clock()
		return nil
	})
}

func (e *Executor) finish(ctx context.Context, id string, fn func(*Job) error) {
	job, err := e.store.Update(ctx, id, fn)
	if err != nil {
		e.logger.Error("executor: finalize failed", "id", id, "error", err)
		return
	}
	e.logger.Info("job finished",
		"id", job.ID,
		"capability", job.Capability,
		"status", job.Status,
	)
	if e.OnFinish != nil {
		e.OnFinish(job)
	}
}

// Resume re-queues a parked job after input arrives. The caller is expected
// to have moved the job back to running-eligible state beforehand.
func (e *Executor) Resume(id string) error {
	return e.Submit(id)
}

// Close stops the dispatch loop and waits for in-flight jobs to finish.
func (e *Executor) Close() error {
	e.stopOnce.Do(func() {
		if e.cancel != nil {
			e.cancel()
		}
	})
	if e.cancel != nil {
		<-e.done
	}
	return nil
}
