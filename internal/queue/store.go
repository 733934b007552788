// Package queue defines the job model and the storage contract shared by the
// durable Postgres backend and the ephemeral in-process fallback.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for named, priority-ordered job queues.
//
// Claim must be atomic: a job is handed to exactly one caller even when many
// worker processes poll the same queue.
type Store interface {
	Enqueue(ctx context.Context, queueName, jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error)
	GetJob(ctx context.Context, queueName, id string) (*Job, error)
	GetState(ctx context.Context, job *Job) (State, error)
	// Remove deletes a queued job. Active jobs fail with ErrJobActive,
	// finished jobs with ErrInvalidState.
	Remove(ctx context.Context, job *Job) error
	Stats(ctx context.Context, queueName string) (*Stats, error)
	List(ctx context.Context, queueName string, filter ListFilter) ([]*Job, error)
	// Clean deletes jobs in state that finished before now-olderThan.
	Clean(ctx context.Context, queueName string, olderThan time.Duration, state State) (int64, error)
	// Trim keeps only the newest keep jobs in state.
	Trim(ctx context.Context, queueName string, state State, keep int) (int64, error)

	// Claim moves the most urgent runnable job to active and counts the attempt.
	Claim(ctx context.Context, queueName, workerID string) (*Job, error)
	Complete(ctx context.Context, job *Job, result json.RawMessage) error
	// Fail records errMsg. A non-nil retryAt requeues the job for that time,
	// otherwise the job becomes terminally failed.
	Fail(ctx context.Context, job *Job, errMsg string, retryAt *time.Time) error
	Heartbeat(ctx context.Context, job *Job) error
	// RequeueStale returns active jobs without a heartbeat for threshold to
	// the queue.
	RequeueStale(ctx context.Context, queueName string, threshold time.Duration) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// Notifier is implemented by stores that can signal new work in-process.
type Notifier interface {
	Notify(queueName string) <-chan struct{}
}

// NewJob builds a queued job from enqueue arguments.
func NewJob(queueName, jobType string, payload json.RawMessage, opts EnqueueOptions, now time.Time) *Job {
	opts = opts.Normalize()
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	return &Job{
		ID:          id,
		QueueName:   queueName,
		JobType:     jobType,
		Payload:     payload,
		UserID:      opts.UserID,
		Priority:    opts.Priority,
		State:       StateQueued,
		MaxAttempts: opts.MaxAttempts,
		EnqueuedAt:  now,
		RunAt:       now.Add(opts.Delay),
	}
}
