// Package jobs holds the job records behind the marketplace endpoints and
// the stores that persist them. A job is created by POST /start_job, moves
// through a fixed status lifecycle, and stays queryable via GET /status for
// a configurable TTL after it finishes.
package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusPending         Status = "pending"
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusRunning         Status = "running"
	StatusAwaitingInput   Status = "awaiting_input"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAwaitingPayment, StatusRunning,
		StatusAwaitingInput, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Terminal reports whether the job can no longer change state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// transitions lists the allowed next states per status.
var transitions = map[Status][]Status{
	StatusPending:         {StatusAwaitingPayment, StatusRunning, StatusFailed},
	StatusAwaitingPayment: {StatusRunning, StatusFailed},
	StatusRunning:         {StatusAwaitingInput, StatusCompleted, StatusFailed},
	StatusAwaitingInput:   {StatusRunning, StatusCompleted, StatusFailed},
}

// CanTransition reports whether a job may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Capability names a paid agent capability a job can invoke.
type Capability string

const (
	CapabilitySearch Capability = "search"
	CapabilityScrape Capability = "scrape"
	CapabilityTask   Capability = "task"
)

// Valid reports whether c is a known capability.
func (c Capability) Valid() bool {
	switch c {
	case CapabilitySearch, CapabilityScrape, CapabilityTask:
		return true
	}
	return false
}

// Job is a single unit of work submitted through the marketplace API.
type Job struct {
	ID         string          `json:"id"`
	Capability Capability      `json:"capability"`
	Status     Status          `json:"status"`
	Identity   string          `json:"identity,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	PaymentRef string          `json:"payment_ref,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// NewJob creates a pending job with a fresh ULID.
func NewJob(capability Capability, identity string, input json.RawMessage, now time.Time) *Job {
	return &Job{
		ID:         NewID(),
		Capability: capability,
		Status:     StatusPending,
		Identity:   identity,
		Input:      input,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// NewID returns a lexicographically sortable unique job id.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether id parses as a ULID. Used to reject garbage
// job_id query parameters before hitting the store.
func ValidID(id string) bool {
	_, err := ulid.ParseStrict(id)
	return err == nil
}

// Store errors callers branch on.
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
