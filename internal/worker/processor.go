package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// recordTimeout bounds the store write that closes out an attempt. It is
// detached from the job context so cancelled jobs are still recorded.
const recordTimeout = 10 * time.Second

// process runs one claimed job and records the outcome.
func (p *Pool) process(job *queue.Job) {
	defer p.wg.Done()
	defer func() { <-p.slots }()
	defer p.inFlight.Add(-1)

	log := p.logger.With(
		slog.String("job_id", job.ID),
		slog.String("job_type", job.JobType),
		slog.Int("attempt", job.AttemptsMade),
		slog.Int("max_attempts", job.MaxAttempts),
	)
	log.Info("Processing job")
	p.observer.JobStarted(job)

	ctx, cancel := p.jobContext()
	heartbeatDone := make(chan struct{})
	go p.heartbeat(ctx, cancel, job, heartbeatDone, log)

	start := time.Now()
	result, err := p.execute(ctx, job)
	took := time.Since(start)

	close(heartbeatDone)
	cancel()

	recordCtx, cancelRecord := context.WithTimeout(context.Background(), recordTimeout)
	defer cancelRecord()

	if err == nil {
		if cerr := p.store.Complete(recordCtx, job, result); cerr != nil {
			// The stale reaper will hand the job out again; the handler must
			// tolerate re-delivery.
			log.Error("Failed to mark job completed", slog.Any("error", cerr))
		}
		log.Info("Job completed", slog.Duration("took", took))
		p.observer.JobCompleted(job, took)
		return
	}

	willRetry := job.CanRetry() && !IsPermanent(err)
	var retryAt *time.Time
	if willRetry {
		at := time.Now().Add(p.backoff.Delay(job.AttemptsMade))
		retryAt = &at
	}

	if ferr := p.store.Fail(recordCtx, job, err.Error(), retryAt); ferr != nil {
		log.Error("Failed to record job failure", slog.Any("error", ferr))
	}

	if willRetry {
		log.Warn("Job failed, will retry",
			slog.Any("error", err),
			slog.Time("retry_at", *retryAt),
		)
	} else {
		log.Error("Job failed permanently", slog.Any("error", err))
	}
	p.observer.JobFailed(job, err, willRetry)
}

func (p *Pool) jobContext() (context.Context, context.CancelFunc) {
	if p.jobTimeout > 0 {
		return context.WithTimeout(p.runCtx, p.jobTimeout)
	}
	return context.WithCancel(p.runCtx)
}

// execute calls the handler, turning a panic into an error.
func (p *Pool) execute(ctx context.Context, job *queue.Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Handler panicked",
				slog.String("job_id", job.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handler.Handle(ctx, job)
}

// heartbeat refreshes the job's liveness until done is closed. If the store
// says the job is no longer ours it cancels the handler.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, job *queue.Job, done <-chan struct{}, log *slog.Logger) {
	if p.heartbeatInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := p.store.Heartbeat(ctx, job)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrInvalidState), errors.Is(err, queue.ErrJobNotFound):
				log.Warn("Job was taken away from this worker, cancelling", slog.Any("error", err))
				cancel()
				return
			default:
				log.Warn("Failed to update job heartbeat", slog.Any("error", err))
			}
		}
	}
}
