// Package worker runs queued jobs through a handler with bounded
// concurrency, a token-bucket start rate, heartbeats and retry with backoff.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// Handler processes one job. The returned value is kept as the job result.
type Handler interface {
	Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, job *queue.Job) (json.RawMessage, error)

func (f HandlerFunc) Handle(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
	return f(ctx, job)
}

// Option configures a Pool.
type Option func(*Pool)

// WithConcurrency bounds the number of jobs in flight.
func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithRateLimit throttles job starts to perSecond with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(p *Pool) {
		if perSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithBackoff sets the retry delay policy.
func WithBackoff(b queue.Backoff) Option {
	return func(p *Pool) { p.backoff = b }
}

// WithPollInterval sets how often an idle pool polls the store.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.pollInterval = d
		}
	}
}

// WithJobTimeout bounds every handler invocation.
func WithJobTimeout(d time.Duration) Option {
	return func(p *Pool) { p.jobTimeout = d }
}

// WithHeartbeat sets the heartbeat interval for active jobs and the silence
// after which another job's claim is considered abandoned.
func WithHeartbeat(interval, staleThreshold time.Duration) Option {
	return func(p *Pool) {
		p.heartbeatInterval = interval
		p.staleThreshold = staleThreshold
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithObserver registers a lifecycle observer.
func WithObserver(o Observer) Option {
	return func(p *Pool) { p.observer = o }
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(id string) Option {
	return func(p *Pool) { p.id = id }
}

// Pool claims jobs from one queue and runs them concurrently.
type Pool struct {
	store     queue.Store
	queueName string
	handler   Handler
	logger    *slog.Logger
	observer  Observer
	id        string

	concurrency       int
	limiter           *rate.Limiter
	backoff           queue.Backoff
	pollInterval      time.Duration
	jobTimeout        time.Duration
	heartbeatInterval time.Duration
	staleThreshold    time.Duration

	wake  chan struct{}
	slots chan struct{}
	wg    sync.WaitGroup

	// loopCtx stops claiming; runCtx cancels in-flight handlers.
	loopCtx    context.Context
	stopLoop   context.CancelFunc
	runCtx     context.Context
	cancelRun  context.CancelFunc
	loopDone   chan struct{}
	startOnce  sync.Once
	closeOnce  sync.Once
	started    atomic.Bool
	closed     atomic.Bool
	inFlight   atomic.Int64
	storeDown  atomic.Bool
	closeError error
}

// New builds a Pool for queueName. It does nothing until Start.
func New(store queue.Store, queueName string, handler Handler, opts ...Option) *Pool {
	p := &Pool{
		store:        store,
		queueName:    queueName,
		handler:      handler,
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		observer:     nopObserver{},
		concurrency:  1,
		limiter:      rate.NewLimiter(rate.Inf, 0),
		backoff:      queue.DefaultBackoff(),
		pollInterval: 2 * time.Second,
		wake:         make(chan struct{}, 1),
		loopDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.id == "" {
		p.id = defaultWorkerID()
	}
	p.logger = p.logger.With(
		slog.String("component", "worker"),
		slog.String("queue", queueName),
		slog.String("worker_id", p.id),
	)
	p.slots = make(chan struct{}, p.concurrency)
	return p
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}

// ID returns the id this pool claims jobs under.
func (p *Pool) ID() string { return p.id }

// InFlight returns the number of jobs currently being handled.
func (p *Pool) InFlight() int { return int(p.inFlight.Load()) }

// Start begins claiming jobs. Cancelling ctx stops claiming like Close but
// does not wait.
func (p *Pool) Start(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	p.startOnce.Do(func() {
		p.loopCtx, p.stopLoop = context.WithCancel(ctx)
		p.runCtx, p.cancelRun = context.WithCancel(context.WithoutCancel(ctx))
		p.started.Store(true)

		p.logger.Info("Starting worker pool",
			slog.Int("concurrency", p.concurrency),
			slog.Float64("rate_limit", float64(p.limiter.Limit())),
			slog.Duration("job_timeout", p.jobTimeout),
		)

		go p.loop()
		if p.staleThreshold > 0 {
			go p.reapStale()
		}
	})
	return nil
}

// Wake makes an idle pool check the store now instead of at the next poll.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Close stops claiming and waits for in-flight jobs. When ctx expires first
// the remaining handlers are cancelled, their jobs go through the normal
// failure path, and Close returns once they have been recorded.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		if !p.started.Load() {
			return
		}

		p.logger.Info("Stopping worker pool", slog.Int64("in_flight", p.inFlight.Load()))
		p.stopLoop()
		<-p.loopDone

		drained := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			p.logger.Warn("Drain deadline reached, cancelling in-flight jobs",
				slog.Int64("in_flight", p.inFlight.Load()),
			)
			p.cancelRun()
			<-drained
			p.closeError = fmt.Errorf("worker: drain interrupted: %w", ctx.Err())
		}
		p.cancelRun()

		p.logger.Info("Worker pool stopped")
	})
	return p.closeError
}
