package queue

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	StateQueued    State = "queued"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"

	// StateDelayed is derived: a queued job whose run time is in the future
	// (enqueued with a delay or waiting out a retry backoff).
	StateDelayed State = "delayed"
	// StateNotFound is returned by GetState for jobs that no longer exist.
	StateNotFound State = "not_found"
)

// Priority orders queued jobs. Lower values are served sooner.
const (
	PriorityHigh   = 1
	PriorityNormal = 5
	PriorityLow    = 10
)

const (
	// MaxAttemptsCeiling caps how many times a single job may run.
	MaxAttemptsCeiling = 3
	// DefaultMaxAttempts is used when EnqueueOptions.MaxAttempts is zero.
	DefaultMaxAttempts = 3
)

// Job is a unit of deferred work owned by a Store.
type Job struct {
	ID           string          `json:"id" db:"id"`
	Seq          int64           `json:"-" db:"seq"`
	QueueName    string          `json:"queue" db:"queue_name"`
	JobType      string          `json:"job_type" db:"job_type"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	UserID       string          `json:"user_id,omitempty" db:"user_id"`
	Priority     int             `json:"priority" db:"priority"`
	State        State           `json:"state" db:"state"`
	AttemptsMade int             `json:"attempts_made" db:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts" db:"max_attempts"`
	Result       json.RawMessage `json:"result,omitempty" db:"result"`
	LastError    string          `json:"last_error,omitempty" db:"last_error"`
	WorkerID     string          `json:"worker_id,omitempty" db:"worker_id"`
	EnqueuedAt   time.Time       `json:"enqueued_at" db:"enqueued_at"`
	RunAt        time.Time       `json:"run_at" db:"run_at"`
	ProcessedOn  *time.Time      `json:"processed_on,omitempty" db:"processed_on"`
	FinishedOn   *time.Time      `json:"finished_on,omitempty" db:"finished_on"`
	HeartbeatAt  *time.Time      `json:"heartbeat_at,omitempty" db:"heartbeat_at"`
}

// EffectiveState folds the run time into the stored state, reporting
// queued jobs that are not yet runnable as delayed.
func (j *Job) EffectiveState(now time.Time) State {
	if j.State == StateQueued && j.RunAt.After(now) {
		return StateDelayed
	}
	return j.State
}

// CanRetry reports whether another attempt is allowed after a failure.
func (j *Job) CanRetry() bool {
	return j.AttemptsMade < j.MaxAttempts
}

// EnqueueOptions tunes a single Enqueue call.
type EnqueueOptions struct {
	// JobID becomes the store-level id; a random UUID is used when empty.
	JobID string
	// Priority zero means PriorityNormal.
	Priority    int
	Delay       time.Duration
	MaxAttempts int
	// UserID is indexed for listing; it is not interpreted by the store.
	UserID string
}

// Normalize fills defaults and clamps attempts into [1, MaxAttemptsCeiling].
func (o EnqueueOptions) Normalize() EnqueueOptions {
	if o.Priority <= 0 {
		o.Priority = PriorityNormal
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.MaxAttempts > MaxAttemptsCeiling {
		o.MaxAttempts = MaxAttemptsCeiling
	}
	if o.Delay < 0 {
		o.Delay = 0
	}
	return o
}

// Stats holds per-state job counts for one queue.
type Stats struct {
	Queue     string `json:"queue"`
	Queued    int64  `json:"queued"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// ListFilter selects jobs for operator listings.
type ListFilter struct {
	State    State
	UserID   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset position: jobs strictly older than (EnqueuedAt, ID).
type Cursor struct {
	EnqueuedAt time.Time
	ID         string
}
