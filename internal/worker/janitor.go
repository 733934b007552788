package worker

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// RetentionPolicy bounds how long finished jobs stay visible.
type RetentionPolicy struct {
	CompletedAge  time.Duration
	CompletedKeep int
	FailedAge     time.Duration
}

// DefaultRetention keeps completed jobs briefly and failed jobs for a week.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{
		CompletedAge:  time.Hour,
		CompletedKeep: 100,
		FailedAge:     7 * 24 * time.Hour,
	}
}

// DepthRecorder receives sampled queue depths.
type DepthRecorder interface {
	RecordQueueStats(stats *queue.Stats)
}

// Janitor sweeps finished jobs and samples queue depth.
type Janitor struct {
	store    queue.Store
	queues   []string
	policy   RetentionPolicy
	interval time.Duration
	depth    DepthRecorder
	logger   *slog.Logger
}

// NewJanitor returns a Janitor for queues. depth may be nil.
func NewJanitor(store queue.Store, queues []string, policy RetentionPolicy, interval time.Duration, depth DepthRecorder, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Janitor{
		store:    store,
		queues:   queues,
		policy:   policy,
		interval: interval,
		depth:    depth,
		logger:   logger.With(slog.String("component", "janitor")),
	}
}

// Run sweeps every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.Sweep(ctx)
		}
	}
}

// Sweep applies the retention policy once and samples depth.
func (j *Janitor) Sweep(ctx context.Context) {
	for _, q := range j.queues {
		var removed int64

		if j.policy.CompletedAge > 0 {
			n, err := j.store.Clean(ctx, q, j.policy.CompletedAge, queue.StateCompleted)
			j.logErr(err, q, "clean completed")
			removed += n
		}
		if j.policy.CompletedKeep > 0 {
			n, err := j.store.Trim(ctx, q, queue.StateCompleted, j.policy.CompletedKeep)
			j.logErr(err, q, "trim completed")
			removed += n
		}
		if j.policy.FailedAge > 0 {
			n, err := j.store.Clean(ctx, q, j.policy.FailedAge, queue.StateFailed)
			j.logErr(err, q, "clean failed")
			removed += n
		}

		if removed > 0 {
			j.logger.Info("Swept finished jobs",
				slog.String("queue", q),
				slog.Int64("removed", removed),
			)
		}

		if j.depth != nil {
			stats, err := j.store.Stats(ctx, q)
			if err != nil {
				j.logErr(err, q, "stats")
				continue
			}
			j.depth.RecordQueueStats(stats)
		}
	}
}

func (j *Janitor) logErr(err error, queueName, op string) {
	if err == nil {
		return
	}
	j.logger.Warn("Janitor operation failed",
		slog.String("queue", queueName),
		slog.String("op", op),
		slog.Any("error", err),
	)
}
