// Package postgres is the durable queue.Store. Claims use
// SELECT ... FOR UPDATE SKIP LOCKED so any number of worker processes can
// poll the same queue without handing a job out twice.
package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/shared/postgresql"
)

//go:embed schema.sql
var schema string

var _ queue.Store = (*Store)(nil)

const jobColumns = `seq, id, queue_name, job_type, payload, user_id, priority, state,
	attempts_made, max_attempts, result, last_error, worker_id,
	enqueued_at, run_at, processed_on, finished_on, heartbeat_at`

// effectiveState mirrors queue.Job.EffectiveState in SQL.
const effectiveState = `CASE WHEN state = 'queued' AND run_at > NOW() THEN 'delayed' ELSE state END`

// Store persists jobs in the ai_jobs table.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// New returns a Store on db. The caller owns db.
func New(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Migrate creates the jobs table and its indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate job schema: %w", mapErr(err))
	}
	return nil
}

// jobRow scans JSONB columns as plain byte slices, which database/sql copies
// out of the driver buffer.
type jobRow struct {
	Seq          int64      `db:"seq"`
	ID           string     `db:"id"`
	QueueName    string     `db:"queue_name"`
	JobType      string     `db:"job_type"`
	Payload      []byte     `db:"payload"`
	UserID       string     `db:"user_id"`
	Priority     int        `db:"priority"`
	State        string     `db:"state"`
	AttemptsMade int        `db:"attempts_made"`
	MaxAttempts  int        `db:"max_attempts"`
	Result       []byte     `db:"result"`
	LastError    string     `db:"last_error"`
	WorkerID     string     `db:"worker_id"`
	EnqueuedAt   time.Time  `db:"enqueued_at"`
	RunAt        time.Time  `db:"run_at"`
	ProcessedOn  *time.Time `db:"processed_on"`
	FinishedOn   *time.Time `db:"finished_on"`
	HeartbeatAt  *time.Time `db:"heartbeat_at"`
}

func (r *jobRow) toJob() *queue.Job {
	return &queue.Job{
		ID:           r.ID,
		Seq:          r.Seq,
		QueueName:    r.QueueName,
		JobType:      r.JobType,
		Payload:      json.RawMessage(r.Payload),
		UserID:       r.UserID,
		Priority:     r.Priority,
		State:        queue.State(r.State),
		AttemptsMade: r.AttemptsMade,
		MaxAttempts:  r.MaxAttempts,
		Result:       json.RawMessage(r.Result),
		LastError:    r.LastError,
		WorkerID:     r.WorkerID,
		EnqueuedAt:   r.EnqueuedAt,
		RunAt:        r.RunAt,
		ProcessedOn:  r.ProcessedOn,
		FinishedOn:   r.FinishedOn,
		HeartbeatAt:  r.HeartbeatAt,
	}
}

// mapErr folds connection-class failures into queue.ErrStoreUnavailable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if postgresql.IsConnectionError(err) {
		return fmt.Errorf("%w: %v", queue.ErrStoreUnavailable, err)
	}
	return err
}

func jsonOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// Enqueue inserts a queued job; a taken id fails with queue.ErrJobExists.
func (s *Store) Enqueue(ctx context.Context, queueName, jobType string, payload json.RawMessage, opts queue.EnqueueOptions) (*queue.Job, error) {
	job := queue.NewJob(queueName, jobType, payload, opts, time.Now().UTC())
	if len(job.Payload) == 0 {
		job.Payload = json.RawMessage(`{}`)
	}

	query := `
		INSERT INTO ai_jobs (id, queue_name, job_type, payload, user_id, priority, state, max_attempts, enqueued_at, run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (queue_name, id) DO NOTHING
		RETURNING seq
	`

	err := s.db.QueryRowxContext(ctx, query,
		job.ID, job.QueueName, job.JobType, []byte(job.Payload), job.UserID,
		job.Priority, job.State, job.MaxAttempts, job.EnqueuedAt, job.RunAt,
	).Scan(&job.Seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobExists
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", mapErr(err))
	}

	s.logger.Debug("Job enqueued",
		slog.String("queue", queueName),
		slog.String("job_id", job.ID),
		slog.Int("priority", job.Priority),
	)

	return job, nil
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, queueName, id string) (*queue.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM ai_jobs WHERE queue_name = $1 AND id = $2`, queueName, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", mapErr(err))
	}
	return row.toJob(), nil
}

// GetState reports the job's effective state, or queue.StateNotFound.
func (s *Store) GetState(ctx context.Context, job *queue.Job) (queue.State, error) {
	var state string
	err := s.db.GetContext(ctx, &state,
		`SELECT `+effectiveState+` FROM ai_jobs WHERE queue_name = $1 AND id = $2`,
		job.QueueName, job.ID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return queue.StateNotFound, nil
		}
		return "", fmt.Errorf("failed to get job state: %w", mapErr(err))
	}
	return queue.State(state), nil
}

// Remove deletes a queued job, delayed ones included.
func (s *Store) Remove(ctx context.Context, job *queue.Job) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_jobs WHERE queue_name = $1 AND id = $2 AND state = $3`,
		job.QueueName, job.ID, queue.StateQueued,
	)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", mapErr(err))
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	state, err := s.storedState(ctx, job)
	if err != nil {
		return err
	}
	if state == queue.StateActive {
		return queue.ErrJobActive
	}
	return queue.ErrInvalidState
}

// Stats counts jobs per effective state.
func (s *Store) Stats(ctx context.Context, queueName string) (*queue.Stats, error) {
	var rows []struct {
		State string `db:"st"`
		Count int64  `db:"n"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+effectiveState+` AS st, COUNT(*) AS n FROM ai_jobs WHERE queue_name = $1 GROUP BY st`,
		queueName,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", mapErr(err))
	}

	st := &queue.Stats{Queue: queueName}
	for _, r := range rows {
		switch queue.State(r.State) {
		case queue.StateQueued:
			st.Queued = r.Count
		case queue.StateDelayed:
			st.Delayed = r.Count
		case queue.StateActive:
			st.Active = r.Count
		case queue.StateCompleted:
			st.Completed = r.Count
		case queue.StateFailed:
			st.Failed = r.Count
		}
	}
	return st, nil
}

// List returns up to PageSize+1 jobs newest first so the caller can tell
// whether another page exists.
func (s *Store) List(ctx context.Context, queueName string, filter queue.ListFilter) ([]*queue.Job, error) {
	var (
		conds = []string{"queue_name = $1"}
		args  = []any{queueName}
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	switch filter.State {
	case "":
	case queue.StateDelayed:
		conds = append(conds, "state = 'queued' AND run_at > NOW()")
	default:
		conds = append(conds, "state = "+arg(filter.State))
	}
	if filter.UserID != "" {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if c := filter.Cursor; c != nil {
		conds = append(conds, fmt.Sprintf("(enqueued_at, id) < (%s, %s)", arg(c.EnqueuedAt), arg(c.ID)))
	}

	query := `SELECT ` + jobColumns + ` FROM ai_jobs WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY enqueued_at DESC, id DESC`
	if filter.PageSize > 0 {
		query += " LIMIT " + arg(filter.PageSize+1)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", mapErr(err))
	}

	jobs := make([]*queue.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toJob())
	}
	return jobs, nil
}

// Clean deletes jobs in state that finished before now-olderThan.
func (s *Store) Clean(ctx context.Context, queueName string, olderThan time.Duration, state queue.State) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_jobs
		 WHERE queue_name = $1 AND state = $2 AND COALESCE(finished_on, enqueued_at) < $3`,
		queueName, state, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", mapErr(err))
	}
	return res.RowsAffected()
}

// Trim keeps the newest keep jobs in state.
func (s *Store) Trim(ctx context.Context, queueName string, state queue.State, keep int) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM ai_jobs
		 WHERE queue_name = $1 AND state = $2
		   AND seq NOT IN (
		     SELECT seq FROM ai_jobs
		     WHERE queue_name = $1 AND state = $2
		     ORDER BY seq DESC
		     LIMIT $3
		   )`,
		queueName, state, keep,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to trim jobs: %w", mapErr(err))
	}
	return res.RowsAffected()
}

// Claim activates the runnable job with the lowest priority value, oldest
// first on ties, and counts the attempt.
func (s *Store) Claim(ctx context.Context, queueName, workerID string) (*queue.Job, error) {
	query := `
		UPDATE ai_jobs
		SET state = 'active',
		    attempts_made = attempts_made + 1,
		    worker_id = $2,
		    processed_on = NOW(),
		    heartbeat_at = NOW(),
		    finished_on = NULL
		WHERE (queue_name, id) = (
			SELECT queue_name, id FROM ai_jobs
			WHERE queue_name = $1 AND state = 'queued' AND run_at <= NOW()
			ORDER BY priority ASC, seq ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING ` + jobColumns

	var row jobRow
	if err := s.db.GetContext(ctx, &row, query, queueName, workerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, queue.ErrNoJob
		}
		return nil, fmt.Errorf("failed to claim job: %w", mapErr(err))
	}

	s.logger.Debug("Job claimed",
		slog.String("queue", queueName),
		slog.String("job_id", row.ID),
		slog.String("worker_id", workerID),
		slog.Int("attempt", row.AttemptsMade),
	)

	return row.toJob(), nil
}

// Complete marks an active job held by job.WorkerID completed.
func (s *Store) Complete(ctx context.Context, job *queue.Job, result json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_jobs
		 SET state = 'completed', result = $4, last_error = '', finished_on = NOW(), heartbeat_at = NULL
		 WHERE queue_name = $1 AND id = $2 AND state = 'active' AND worker_id = $3`,
		job.QueueName, job.ID, job.WorkerID, jsonOrNull(result),
	)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", mapErr(err))
	}
	return s.checkTransition(ctx, job, res)
}

// Fail requeues the job at retryAt, or fails it terminally when retryAt is nil.
func (s *Store) Fail(ctx context.Context, job *queue.Job, errMsg string, retryAt *time.Time) error {
	var (
		res sql.Result
		err error
	)
	if retryAt != nil {
		res, err = s.db.ExecContext(ctx,
			`UPDATE ai_jobs
			 SET state = 'queued', run_at = $4, last_error = $5, worker_id = '', heartbeat_at = NULL
			 WHERE queue_name = $1 AND id = $2 AND state = 'active' AND worker_id = $3`,
			job.QueueName, job.ID, job.WorkerID, *retryAt, errMsg,
		)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE ai_jobs
			 SET state = 'failed', last_error = $4, worker_id = '', heartbeat_at = NULL, finished_on = NOW()
			 WHERE queue_name = $1 AND id = $2 AND state = 'active' AND worker_id = $3`,
			job.QueueName, job.ID, job.WorkerID, errMsg,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to fail job: %w", mapErr(err))
	}
	return s.checkTransition(ctx, job, res)
}

// Heartbeat refreshes heartbeat_at for an active job.
func (s *Store) Heartbeat(ctx context.Context, job *queue.Job) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_jobs SET heartbeat_at = NOW()
		 WHERE queue_name = $1 AND id = $2 AND state = 'active' AND worker_id = $3`,
		job.QueueName, job.ID, job.WorkerID,
	)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", mapErr(err))
	}
	return s.checkTransition(ctx, job, res)
}

// RequeueStale returns active jobs without a heartbeat for threshold to the
// queue. Their attempt stays counted, so jobs on their last attempt fail.
func (s *Store) RequeueStale(ctx context.Context, queueName string, threshold time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ai_jobs
		 SET state = CASE WHEN attempts_made >= max_attempts THEN 'failed' ELSE 'queued' END,
		     last_error = CASE WHEN attempts_made >= max_attempts THEN $3 ELSE last_error END,
		     finished_on = CASE WHEN attempts_made >= max_attempts THEN NOW() ELSE finished_on END,
		     run_at = NOW(), worker_id = '', heartbeat_at = NULL
		 WHERE queue_name = $1 AND state = 'active' AND heartbeat_at < $2`,
		queueName, time.Now().Add(-threshold), queue.WorkerLostError,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", mapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Recovered stale jobs",
			slog.String("queue", queueName),
			slog.Int64("count", n),
		)
	}
	return n, nil
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.db.PingContext(ctx))
}

// Close does nothing; the pool belongs to the postgresql.Client.
func (s *Store) Close() error { return nil }

func (s *Store) storedState(ctx context.Context, job *queue.Job) (queue.State, error) {
	var state string
	err := s.db.GetContext(ctx, &state,
		`SELECT state FROM ai_jobs WHERE queue_name = $1 AND id = $2`,
		job.QueueName, job.ID,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", queue.ErrJobNotFound
		}
		return "", fmt.Errorf("failed to get job state: %w", mapErr(err))
	}
	return queue.State(state), nil
}

// checkTransition explains a guarded UPDATE that matched no row.
func (s *Store) checkTransition(ctx context.Context, job *queue.Job, res sql.Result) error {
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := s.storedState(ctx, job); err != nil {
		return err
	}
	return queue.ErrInvalidState
}
