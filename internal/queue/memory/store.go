// Package memory is the ephemeral, in-process queue.Store used when the
// durable backend is unreachable. Jobs live only as long as the process and
// are invisible to other processes.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

var (
	_ queue.Store    = (*Store)(nil)
	_ queue.Notifier = (*Store)(nil)
)

// Store is a mutex-guarded map of jobs. Every returned job is a copy, so
// callers can never mutate stored state without going through the Store.
type Store struct {
	mu     sync.RWMutex
	jobs   map[string]*queue.Job // key: queue + "/" + id
	seq    int64
	notify map[string]chan struct{}
	now    func() time.Time
}

// Option configures the Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:   make(map[string]*queue.Job),
		notify: make(map[string]chan struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func key(queueName, id string) string { return queueName + "/" + id }

func clone(j *queue.Job) *queue.Job {
	cp := *j
	return &cp
}

// Notify returns a channel that receives a value whenever a job becomes
// runnable in queueName. Signals coalesce; the channel never closes.
func (s *Store) Notify(queueName string) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifyChanLocked(queueName)
}

func (s *Store) notifyChanLocked(queueName string) chan struct{} {
	ch, ok := s.notify[queueName]
	if !ok {
		ch = make(chan struct{}, 1)
		s.notify[queueName] = ch
	}
	return ch
}

func (s *Store) signalLocked(queueName string) {
	select {
	case s.notifyChanLocked(queueName) <- struct{}{}:
	default:
	}
}

// Enqueue stores a new queued job.
func (s *Store) Enqueue(_ context.Context, queueName, jobType string, payload json.RawMessage, opts queue.EnqueueOptions) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j := queue.NewJob(queueName, jobType, append(json.RawMessage(nil), payload...), opts, s.now())
	k := key(queueName, j.ID)
	if _, exists := s.jobs[k]; exists {
		return nil, queue.ErrJobExists
	}
	s.seq++
	j.Seq = s.seq
	s.jobs[k] = j
	s.signalLocked(queueName)

	return clone(j), nil
}

// GetJob returns a copy of the job.
func (s *Store) GetJob(_ context.Context, queueName, id string) (*queue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[key(queueName, id)]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	return clone(j), nil
}

// GetState returns the current state of job, or StateNotFound.
func (s *Store) GetState(_ context.Context, job *queue.Job) (queue.State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	j, ok := s.jobs[key(job.QueueName, job.ID)]
	if !ok {
		return queue.StateNotFound, nil
	}
	return j.EffectiveState(s.now()), nil
}

// Remove deletes a queued job.
func (s *Store) Remove(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(job.QueueName, job.ID)
	j, ok := s.jobs[k]
	if !ok {
		return queue.ErrJobNotFound
	}
	switch j.State {
	case queue.StateQueued:
		delete(s.jobs, k)
		return nil
	case queue.StateActive:
		return queue.ErrJobActive
	default:
		return queue.ErrInvalidState
	}
}

// Stats counts jobs per state.
func (s *Store) Stats(_ context.Context, queueName string) (*queue.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	st := &queue.Stats{Queue: queueName}
	for _, j := range s.jobs {
		if j.QueueName != queueName {
			continue
		}
		switch j.EffectiveState(now) {
		case queue.StateQueued:
			st.Queued++
		case queue.StateDelayed:
			st.Delayed++
		case queue.StateActive:
			st.Active++
		case queue.StateCompleted:
			st.Completed++
		case queue.StateFailed:
			st.Failed++
		}
	}
	return st, nil
}

// List returns jobs newest first, paged by filter.Cursor.
func (s *Store) List(_ context.Context, queueName string, filter queue.ListFilter) ([]*queue.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	out := make([]*queue.Job, 0)
	for _, j := range s.jobs {
		if j.QueueName != queueName {
			continue
		}
		if filter.State != "" && j.EffectiveState(now) != filter.State && j.State != filter.State {
			continue
		}
		if filter.UserID != "" && j.UserID != filter.UserID {
			continue
		}
		if c := filter.Cursor; c != nil {
			if j.EnqueuedAt.After(c.EnqueuedAt) || (j.EnqueuedAt.Equal(c.EnqueuedAt) && j.ID >= c.ID) {
				continue
			}
		}
		out = append(out, clone(j))
	}

	sort.Slice(out, func(a, b int) bool {
		if !out[a].EnqueuedAt.Equal(out[b].EnqueuedAt) {
			return out[a].EnqueuedAt.After(out[b].EnqueuedAt)
		}
		return out[a].ID > out[b].ID
	})

	if filter.PageSize > 0 && len(out) > filter.PageSize+1 {
		out = out[:filter.PageSize+1]
	}
	return out, nil
}

// Clean deletes finished jobs in state older than olderThan.
func (s *Store) Clean(_ context.Context, queueName string, olderThan time.Duration, state queue.State) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-olderThan)
	var n int64
	for k, j := range s.jobs {
		if j.QueueName != queueName || j.State != state {
			continue
		}
		ref := j.EnqueuedAt
		if j.FinishedOn != nil {
			ref = *j.FinishedOn
		}
		if ref.Before(cutoff) {
			delete(s.jobs, k)
			n++
		}
	}
	return n, nil
}

// Trim keeps the newest keep jobs in state.
func (s *Store) Trim(_ context.Context, queueName string, state queue.State, keep int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	matching := make([]*queue.Job, 0)
	for _, j := range s.jobs {
		if j.QueueName == queueName && j.State == state {
			matching = append(matching, j)
		}
	}
	if len(matching) <= keep {
		return 0, nil
	}

	sort.Slice(matching, func(a, b int) bool { return matching[a].Seq > matching[b].Seq })
	var n int64
	for _, j := range matching[keep:] {
		delete(s.jobs, key(j.QueueName, j.ID))
		n++
	}
	return n, nil
}

// Claim activates the runnable job with the lowest priority value, oldest
// first on ties.
func (s *Store) Claim(_ context.Context, queueName, workerID string) (*queue.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var best *queue.Job
	for _, j := range s.jobs {
		if j.QueueName != queueName || j.State != queue.StateQueued || j.RunAt.After(now) {
			continue
		}
		if best == nil || j.Priority < best.Priority || (j.Priority == best.Priority && j.Seq < best.Seq) {
			best = j
		}
	}
	if best == nil {
		return nil, queue.ErrNoJob
	}

	best.State = queue.StateActive
	best.AttemptsMade++
	best.WorkerID = workerID
	started := now
	best.ProcessedOn = &started
	best.HeartbeatAt = &started
	best.FinishedOn = nil

	return clone(best), nil
}

// Complete marks an active job completed and stores result.
func (s *Store) Complete(_ context.Context, job *queue.Job, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(job)
	if err != nil {
		return err
	}
	now := s.now()
	j.State = queue.StateCompleted
	j.Result = append(json.RawMessage(nil), result...)
	j.FinishedOn = &now
	j.LastError = ""
	return nil
}

// Fail requeues the job at retryAt, or fails it terminally when retryAt is nil.
func (s *Store) Fail(_ context.Context, job *queue.Job, errMsg string, retryAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(job)
	if err != nil {
		return err
	}
	j.LastError = errMsg
	j.WorkerID = ""
	j.HeartbeatAt = nil
	if retryAt != nil {
		j.State = queue.StateQueued
		j.RunAt = *retryAt
		s.signalLocked(j.QueueName)
		return nil
	}
	now := s.now()
	j.State = queue.StateFailed
	j.FinishedOn = &now
	return nil
}

// Heartbeat refreshes the liveness timestamp of an active job.
func (s *Store) Heartbeat(_ context.Context, job *queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, err := s.activeLocked(job)
	if err != nil {
		return err
	}
	now := s.now()
	j.HeartbeatAt = &now
	return nil
}

// RequeueStale returns silent active jobs to the queue. Jobs that used up
// their attempts fail instead.
func (s *Store) RequeueStale(_ context.Context, queueName string, threshold time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-threshold)
	var (
		n        int64
		requeued bool
	)
	for _, j := range s.jobs {
		if j.QueueName != queueName || j.State != queue.StateActive {
			continue
		}
		if j.HeartbeatAt == nil || !j.HeartbeatAt.Before(cutoff) {
			continue
		}
		j.WorkerID = ""
		j.HeartbeatAt = nil
		n++
		if j.AttemptsMade >= j.MaxAttempts {
			finished := now
			j.State = queue.StateFailed
			j.LastError = queue.WorkerLostError
			j.FinishedOn = &finished
			continue
		}
		j.State = queue.StateQueued
		j.RunAt = now
		requeued = true
	}
	if requeued {
		s.signalLocked(queueName)
	}
	return n, nil
}

// activeLocked returns the stored job when it is active and held by the
// same worker as job. Must be called with mu held.
func (s *Store) activeLocked(job *queue.Job) (*queue.Job, error) {
	j, ok := s.jobs[key(job.QueueName, job.ID)]
	if !ok {
		return nil, queue.ErrJobNotFound
	}
	if j.State != queue.StateActive || j.WorkerID != job.WorkerID {
		return nil, queue.ErrInvalidState
	}
	return j, nil
}

// Ping always succeeds.
func (s *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op; jobs vanish with the process.
func (s *Store) Close() error { return nil }
