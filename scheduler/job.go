package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrUnknownKind is returned when no handler is registered for a kind.
	ErrUnknownKind = errors.New("unknown job kind")

	// ErrJobNotFound is returned by stores for a missing id.
	ErrJobNotFound = errors.New("job not found")
)

// Job is a deferred unit of work.
type Job struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	NotBefore time.Time       `json:"notBefore"`
	Status    Status          `json:"status"`
	Error     string          `json:"error,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Handler executes a job. A returned error marks the job failed; jobs are
// never retried.
type Handler func(ctx context.Context, job *Job) error

// Enqueuer is the one contract the rest of the module depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, delay time.Duration) (string, error)
}

// JobStore persists jobs so pending work survives a restart.
type JobStore interface {
	Add(ctx context.Context, job *Job) error

	// MarkRunning moves a job from pending to running. It returns false when
	// the job was not pending, which is how double execution is prevented.
	MarkRunning(ctx context.Context, id string) (bool, error)

	// Finish records a terminal status.
	Finish(ctx context.Context, id string, status Status, errMsg string) error

	// Cancel moves a pending job to cancelled.
	Cancel(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*Job, error)

	// Pending returns all pending jobs ordered by NotBefore.
	Pending(ctx context.Context) ([]*Job, error)

	// Due returns pending jobs whose NotBefore is at or before now.
	Due(ctx context.Context, now time.Time) ([]*Job, error)

	// Abandon fails jobs left running by a previous process.
	Abandon(ctx context.Context, reason string) (int, error)
}
