package agents

import (
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// Task queue errors callers branch on.
var (
	ErrTaskQueueFull  = errors.New("task queue full")
	ErrNoQueuedTasks  = errors.New("no queued tasks")
	ErrTaskNotClaimed = errors.New("task not claimed")
	ErrWrongWorker    = errors.New("task claimed by another worker")
)

// Task queue defaults.
const (
	DefaultQueueSize = 256
	DefaultClaimTTL  = 10 * time.Minute
)

// Task is one human-in-the-loop work item. A task is created from a job
// with the task capability, sits queued until a worker claims it, and
// completes when the worker posts a result.
type Task struct {
	ID        string          `json:"id"` // same as the owning job id
	Prompt    json.RawMessage `json:"prompt,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	ClaimedBy string          `json:"claimed_by,omitempty"`
	ClaimedAt time.Time       `json:"claimed_at,omitempty"`
}

// TaskQueue is a bounded in-memory FIFO of human tasks with claim and
// complete semantics. Claims expire after claimTTL and the task returns to
// the front of the queue.
type TaskQueue struct {
	size     int
	claimTTL time.Duration
	clock    func() time.Time

	mu      sync.Mutex
	pending []*Task
	claimed map[string]*Task

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup

	// OnExpired is invoked when a claim times out and the task is requeued.
	OnExpired func(task *Task)
}

// NewTaskQueue creates a queue holding at most size tasks. Zero values use
// the defaults.
func NewTaskQueue(size int, claimTTL time.Duration) *TaskQueue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &TaskQueue{
		size:     size,
		claimTTL: claimTTL,
		clock:    time.Now,
		claimed:  make(map[string]*Task),
		done:     make(chan struct{}),
	}
}

// Start launches the claim-expiry goroutine. Stop with Close.
func (q *TaskQueue) Start() {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.claimTTL / 2)
		defer ticker.Stop()
		for {
			select {
			case now := <-ticker.C:
				q.requeueExpired(now)
			case <-q.done:
				return
			}
		}
	}()
}

// requeueExpired returns timed-out claims to the front of the queue so the
// oldest work is retried first. Returns the number requeued.
func (q *TaskQueue) requeueExpired(now time.Time) int {
	q.mu.Lock()
	var expired []*Task
	for id, t := range q.claimed {
		if now.Sub(t.ClaimedAt) > q.claimTTL {
			delete(q.claimed, id)
			t.ClaimedBy = ""
			t.ClaimedAt = time.Time{}
			expired = append(expired, t)
		}
	}
	q.pending = append(expired, q.pending...)
	q.mu.Unlock()

	if q.OnExpired != nil {
		for _, t := range expired {
			q.OnExpired(t)
		}
	}
	return len(expired)
}

// Enqueue adds a task for the given job. Returns ErrTaskQueueFull when the
// queue is at capacity (counting claimed-but-incomplete tasks).
func (q *TaskQueue) Enqueue(jobID string, prompt json.RawMessage) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending)+len(q.claimed) >= q.size {
		return nil, ErrTaskQueueFull
	}
	t := &Task{ID: jobID, Prompt: prompt, CreatedAt: q.clock()}
	q.pending = append(q.pending, t)
	c := *t
	return &c, nil
}

// List returns a snapshot of queued (unclaimed) tasks in FIFO order.
func (q *TaskQueue) List() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Task, 0, len(q.pending))
	for _, t := range q.pending {
		c := *t
		out = append(out, &c)
	}
	return out
}

// Claim assigns the oldest queued task to the worker.
func (q *TaskQueue) Claim(worker string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) == 0 {
		return nil, ErrNoQueuedTasks
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	t.ClaimedBy = worker
	t.ClaimedAt = q.clock()
	q.claimed[t.ID] = t
	c := *t
	return &c, nil
}

// Complete finishes a claimed task and removes it from the queue. Only the
// claiming worker may complete it.
func (q *TaskQueue) Complete(taskID, worker string) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.claimed[taskID]
	if !ok {
		return nil, ErrTaskNotClaimed
	}
	if t.ClaimedBy != worker {
		return nil, ErrWrongWorker
	}
	delete(q.claimed, taskID)
	c := *t
	return &c, nil
}

// Remove drops a task in any state, e.g. when its job was answered through
// the provide_input endpoint instead of a worker.
func (q *TaskQueue) Remove(taskID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.claimed, taskID)
	for i, t := range q.pending {
		if t.ID == taskID {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}

// Depth returns queued and claimed counts. Wired to gauges.
func (q *TaskQueue) Depth() (queued, claimed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.claimed)
}

// Close stops the expiry goroutine. Safe to call more than once.
func (q *TaskQueue) Close() error {
	q.stopOnce.Do(func() { close(q.done) })
	q.wg.Wait()
	return nil
}
