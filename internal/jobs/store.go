package jobs

import (
	"context"
	"time"
)

// Store persists jobs. Implementations must be safe for concurrent use.
type Store interface {
	// Create stores a new job. The job keeps its TTL from the store config.
	Create(ctx context.Context, job *Job) error

	// Get returns the job by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*Job, error)

	// Update applies fn to the stored job under the store's own
	// synchronization and persists the result. fn runs at most once.
	// Returns ErrNotFound when the job does not exist and propagates
	// any error fn returns without persisting.
	Update(ctx context.Context, id string, fn func(*Job) error) (*Job, error)

	// Delete removes the job. Deleting a missing job is not an error.
	Delete(ctx context.Context, id string) error

	// Close releases store resources.
	Close() error
}

// Transition moves a job to the next status, enforcing the lifecycle.
// Meant to be used as the fn argument to Store.Update.
func Transition(next Status, now func() time.Time) func(*Job) error {
	return func(j *Job) error {
		if !j.Status.CanTransition(next) {
			return ErrInvalidTransition
		}
		j.Status = next
		j.UpdatedAt = now()
		return nil
	}
}
