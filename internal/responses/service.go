// Package responses is the entry point for response requests: enqueue,
// status polling and cancellation keyed by the caller's request id, plus
// the synchronous path.
package responses

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/responder"
)

// Request statuses.
const (
	StatusNotFound  = "not_found"
	StatusQueued    = "queued"
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Waker announces new work to worker processes.
type Waker interface {
	Notify(ctx context.Context, queueName, jobID string) error
}

// Queued acknowledges an accepted request.
type Queued struct {
	JobID     string `json:"jobId"`
	RequestID string `json:"requestId"`
	Status    string `json:"status"`
}

// Status is the derived state of a request.
type Status struct {
	RequestID    string     `json:"requestId"`
	Status       string     `json:"status"`
	AttemptsMade *int       `json:"attemptsMade,omitempty"`
	ProcessedOn  *time.Time `json:"processedOn,omitempty"`
	FinishedOn   *time.Time `json:"finishedOn,omitempty"`
}

// QueueOptions tunes QueueResponse.
type QueueOptions struct {
	// Priority zero means queue.PriorityNormal.
	Priority  int
	RequestID string
}

// Option configures a Service.
type Option func(*Service)

// WithWaker publishes a wake-up after every enqueue.
func WithWaker(w Waker) Option {
	return func(s *Service) { s.waker = w }
}

// WithResponder enables Generate.
func WithResponder(r *responder.Responder) Option {
	return func(s *Service) { s.responder = r }
}

// WithMaxAttempts sets the attempts every queued job gets.
func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// Service implements the request operations over a queue.Store.
type Service struct {
	store       queue.Store
	queueName   string
	waker       Waker
	responder   *responder.Responder
	maxAttempts int
	logger      *slog.Logger
}

// NewService returns a Service enqueueing into queueName.
func NewService(store queue.Store, queueName string, opts ...Option) *Service {
	s := &Service{
		store:     store,
		queueName: queueName,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "responses"))
	return s
}

// QueueName returns the queue requests are enqueued into.
func (s *Service) QueueName() string { return s.queueName }

// QueueResponse enqueues a response job. The request id, generated when
// absent, doubles as the job id.
func (s *Service) QueueResponse(ctx context.Context, data responder.Payload, opts QueueOptions) (*Queued, error) {
	if opts.RequestID == "" {
		opts.RequestID = uuid.NewString()
	}
	if opts.Priority <= 0 {
		opts.Priority = queue.PriorityNormal
	}
	data.RequestID = opts.RequestID

	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	job, err := s.store.Enqueue(ctx, s.queueName, responder.JobType, payload, queue.EnqueueOptions{
		JobID:       opts.RequestID,
		Priority:    opts.Priority,
		MaxAttempts: s.maxAttempts,
		UserID:      data.UserID,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Response queued",
		slog.String("request_id", job.ID),
		slog.String("conversation_id", data.ConversationID),
		slog.Int("priority", job.Priority),
	)

	if s.waker != nil {
		if err := s.waker.Notify(ctx, s.queueName, job.ID); err != nil {
			s.logger.Warn("Failed to publish wake-up, workers will poll",
				slog.String("request_id", job.ID),
				slog.Any("error", err),
			)
		}
	}

	return &Queued{JobID: job.ID, RequestID: job.ID, Status: StatusQueued}, nil
}

// GetStatus maps the job state of requestID to a request status.
func (s *Service) GetStatus(ctx context.Context, requestID string) (*Status, error) {
	job, err := s.store.GetJob(ctx, s.queueName, requestID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return &Status{RequestID: requestID, Status: StatusNotFound}, nil
	}
	if err != nil {
		return nil, err
	}

	attempts := job.AttemptsMade
	return &Status{
		RequestID:    requestID,
		Status:       statusOf(job.State),
		AttemptsMade: &attempts,
		ProcessedOn:  job.ProcessedOn,
		FinishedOn:   job.FinishedOn,
	}, nil
}

func statusOf(state queue.State) string {
	switch state {
	case queue.StateQueued, queue.StateDelayed:
		return StatusQueued
	case queue.StateActive:
		return StatusActive
	case queue.StateCompleted:
		return StatusCompleted
	case queue.StateFailed:
		return StatusFailed
	default:
		return StatusNotFound
	}
}

// Cancel removes a request that no worker has picked up yet.
func (s *Service) Cancel(ctx context.Context, requestID string) error {
	job, err := s.store.GetJob(ctx, s.queueName, requestID)
	if errors.Is(err, queue.ErrJobNotFound) {
		return &NotFoundError{RequestID: requestID}
	}
	if err != nil {
		return err
	}

	err = s.store.Remove(ctx, job)
	switch {
	case err == nil:
		s.logger.Info("Response cancelled", slog.String("request_id", requestID))
		return nil
	case errors.Is(err, queue.ErrJobNotFound):
		return &NotFoundError{RequestID: requestID}
	case errors.Is(err, queue.ErrJobActive):
		return &AlreadyProcessingError{RequestID: requestID, State: StatusActive}
	case errors.Is(err, queue.ErrInvalidState):
		state, stateErr := s.store.GetState(ctx, job)
		if stateErr != nil {
			state = job.State
		}
		return &AlreadyProcessingError{RequestID: requestID, State: statusOf(state)}
	default:
		return err
	}
}

// Generate produces and saves a reply while the caller waits. The request
// id, when given, makes client retries idempotent.
func (s *Service) Generate(ctx context.Context, data responder.Payload) (*responder.Reply, error) {
	if s.responder == nil {
		return nil, errors.New("synchronous generation is not configured")
	}
	if err := data.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	start := time.Now()
	reply, err := s.responder.Respond(ctx, data, data.RequestID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Synchronous response generated",
		slog.String("conversation_id", data.ConversationID),
		slog.String("message_id", reply.Message.ID),
		slog.Duration("took", time.Since(start)),
	)
	return reply, nil
}
