package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/queue/memory"
)

const testQueue = "gen"

type outcome struct {
	jobID     string
	err       error
	willRetry bool
}

// recorder collects lifecycle events and signals terminal outcomes on done.
type recorder struct {
	mu       sync.Mutex
	started  []string
	failures []outcome
	done     chan string
}

func newRecorder() *recorder {
	return &recorder{done: make(chan string, 1024)}
}

func (r *recorder) JobStarted(job *queue.Job) {
	r.mu.Lock()
	r.started = append(r.started, job.ID)
	r.mu.Unlock()
}

func (r *recorder) JobCompleted(job *queue.Job, _ time.Duration) {
	r.done <- job.ID
}

func (r *recorder) JobFailed(job *queue.Job, err error, willRetry bool) {
	r.mu.Lock()
	r.failures = append(r.failures, outcome{jobID: job.ID, err: err, willRetry: willRetry})
	r.mu.Unlock()
	if !willRetry {
		r.done <- job.ID
	}
}

func (r *recorder) startedOrder() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

func (r *recorder) wait(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	timeout := time.After(5 * time.Second)
	for len(ids) < n {
		select {
		case id := <-r.done:
			ids = append(ids, id)
		case <-timeout:
			t.Fatalf("timed out waiting for %d jobs, got %d", n, len(ids))
		}
	}
	return ids
}

func fastOptions(obs Observer) []Option {
	return []Option{
		WithObserver(obs),
		WithPollInterval(5 * time.Millisecond),
		WithBackoff(queue.Backoff{Initial: time.Millisecond, Max: 5 * time.Millisecond}),
	}
}

func startPool(t *testing.T, p *Pool) {
	t.Helper()
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = p.Close(ctx)
	})
}

func enqueue(t *testing.T, s queue.Store, id string, opts queue.EnqueueOptions) {
	t.Helper()
	opts.JobID = id
	_, err := s.Enqueue(context.Background(), testQueue, "generate-response", json.RawMessage(`{}`), opts)
	require.NoError(t, err)
}

func TestPool_RetriesThenCompletes(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	var calls atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("generation timed out")
		}
		return json.RawMessage(`{"ok":true}`), nil
	})

	p := New(store, testQueue, handler, fastOptions(rec)...)
	enqueue(t, store, "job-1", queue.EnqueueOptions{})
	startPool(t, p)

	rec.wait(t, 1)

	job, err := store.GetJob(context.Background(), testQueue, "job-1")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)
	assert.Equal(t, 2, job.AttemptsMade)
	assert.JSONEq(t, `{"ok":true}`, string(job.Result))
	assert.EqualValues(t, 2, calls.Load())
}

func TestPool_ExhaustsAttempts(t *testing.T) {
	tests := []struct {
		name        string
		maxAttempts int
		wantCalls   int
	}{
		{name: "default three attempts", maxAttempts: 0, wantCalls: 3},
		{name: "two attempts", maxAttempts: 2, wantCalls: 2},
		{name: "clamped to ceiling", maxAttempts: 10, wantCalls: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := memory.New()
			rec := newRecorder()

			var calls atomic.Int32
			handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
				calls.Add(1)
				return nil, errors.New("upstream unavailable")
			})

			p := New(store, testQueue, handler, fastOptions(rec)...)
			enqueue(t, store, "job-1", queue.EnqueueOptions{MaxAttempts: tt.maxAttempts})
			startPool(t, p)

			rec.wait(t, 1)

			job, err := store.GetJob(context.Background(), testQueue, "job-1")
			require.NoError(t, err)
			assert.Equal(t, queue.StateFailed, job.State)
			assert.Equal(t, tt.wantCalls, job.AttemptsMade)
			assert.LessOrEqual(t, job.AttemptsMade, job.MaxAttempts)
			assert.EqualValues(t, tt.wantCalls, calls.Load())
			assert.Equal(t, "upstream unavailable", job.LastError)

			rec.mu.Lock()
			defer rec.mu.Unlock()
			require.Len(t, rec.failures, tt.wantCalls)
			for i, f := range rec.failures {
				assert.Equal(t, i < tt.wantCalls-1, f.willRetry)
			}
		})
	}
}

func TestPool_PermanentErrorSkipsRetry(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return nil, Permanent(errors.New("payload missing conversationId"))
	})

	p := New(store, testQueue, handler, fastOptions(rec)...)
	enqueue(t, store, "bad", queue.EnqueueOptions{})
	startPool(t, p)

	rec.wait(t, 1)

	job, err := store.GetJob(context.Background(), testQueue, "bad")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestPool_PanicIsAFailure(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		panic("boom")
	})

	p := New(store, testQueue, handler, fastOptions(rec)...)
	enqueue(t, store, "p", queue.EnqueueOptions{MaxAttempts: 1})
	startPool(t, p)

	rec.wait(t, 1)

	job, err := store.GetJob(context.Background(), testQueue, "p")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, job.State)
	assert.Contains(t, job.LastError, "boom")
}

func TestPool_PriorityOrder(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return nil, nil
	})

	enqueue(t, store, "A", queue.EnqueueOptions{Priority: 5})
	enqueue(t, store, "B", queue.EnqueueOptions{Priority: 1})

	p := New(store, testQueue, handler, append(fastOptions(rec), WithConcurrency(1))...)
	startPool(t, p)

	assert.Equal(t, []string{"B", "A"}, rec.wait(t, 2))
	assert.Equal(t, []string{"B", "A"}, rec.startedOrder())
}

func TestPool_ConcurrencyBound(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	var (
		current atomic.Int32
		peak    atomic.Int32
	)
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		current.Add(-1)
		return nil, nil
	})

	for _, id := range []string{"1", "2", "3", "4", "5", "6"} {
		enqueue(t, store, id, queue.EnqueueOptions{})
	}

	p := New(store, testQueue, handler, append(fastOptions(rec), WithConcurrency(2))...)
	startPool(t, p)

	rec.wait(t, 6)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_RateLimitSpacesStarts(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		return nil, nil
	})

	for _, id := range []string{"1", "2", "3"} {
		enqueue(t, store, id, queue.EnqueueOptions{})
	}

	p := New(store, testQueue, handler, append(fastOptions(rec), WithConcurrency(3), WithRateLimit(20, 1))...)
	start := time.Now()
	startPool(t, p)

	rec.wait(t, 3)
	// One token up front, then one every 50ms.
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestPool_ExactlyOnceAcrossWorkers(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	var (
		mu    sync.Mutex
		calls = make(map[string]int)
	)
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		mu.Lock()
		calls[job.ID]++
		mu.Unlock()
		return nil, nil
	})

	const jobs = 100
	for i := 0; i < jobs; i++ {
		_, err := store.Enqueue(context.Background(), testQueue, "generate-response", nil, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		p := New(store, testQueue, handler, append(fastOptions(rec), WithConcurrency(3))...)
		startPool(t, p)
	}

	rec.wait(t, jobs)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, calls, jobs)
	for id, n := range calls {
		assert.Equal(t, 1, n, "job %s handled %d times", id, n)
	}
}

func TestPool_CloseDrainsInFlight(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		close(entered)
		<-release
		return json.RawMessage(`"done"`), nil
	})

	p := New(store, testQueue, handler, fastOptions(rec)...)
	enqueue(t, store, "slow", queue.EnqueueOptions{})
	require.NoError(t, p.Start(context.Background()))
	<-entered

	closed := make(chan error, 1)
	go func() { closed <- p.Close(context.Background()) }()

	select {
	case <-closed:
		t.Fatal("Close returned before in-flight job finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-closed)

	job, err := store.GetJob(context.Background(), testQueue, "slow")
	require.NoError(t, err)
	assert.Equal(t, queue.StateCompleted, job.State)
}

func TestPool_CloseDeadlineCancelsHandlers(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	entered := make(chan struct{})
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		close(entered)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	opts := append(fastOptions(rec), WithBackoff(queue.Backoff{Initial: time.Hour, Max: time.Hour}))
	p := New(store, testQueue, handler, opts...)
	enqueue(t, store, "stuck", queue.EnqueueOptions{})
	require.NoError(t, p.Start(context.Background()))
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Close(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	job, err := store.GetJob(context.Background(), testQueue, "stuck")
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, job.State)
	assert.Equal(t, 1, job.AttemptsMade)
}

func TestPool_JobTimeout(t *testing.T) {
	store := memory.New()
	rec := newRecorder()

	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	p := New(store, testQueue, handler, append(fastOptions(rec), WithJobTimeout(10*time.Millisecond))...)
	enqueue(t, store, "t", queue.EnqueueOptions{MaxAttempts: 1})
	startPool(t, p)

	rec.wait(t, 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.failures, 1)
	assert.ErrorIs(t, rec.failures[0].err, context.DeadlineExceeded)
}

func TestPool_StaleJobOnLastAttemptIsNotRerun(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	enqueue(t, store, "orphan", queue.EnqueueOptions{MaxAttempts: 1})
	_, err := store.Claim(ctx, testQueue, "crashed-worker")
	require.NoError(t, err)

	var runs atomic.Int32
	handler := HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		runs.Add(1)
		return nil, nil
	})

	p := New(store, testQueue, handler, append(fastOptions(newRecorder()),
		WithHeartbeat(10*time.Millisecond, 50*time.Millisecond))...)
	startPool(t, p)

	require.Eventually(t, func() bool {
		state, err := store.GetState(ctx, &queue.Job{QueueName: testQueue, ID: "orphan"})
		return err == nil && state == queue.StateFailed
	}, 5*time.Second, 10*time.Millisecond)

	job, err := store.GetJob(ctx, testQueue, "orphan")
	require.NoError(t, err)
	assert.Equal(t, queue.WorkerLostError, job.LastError)
	assert.LessOrEqual(t, job.AttemptsMade, job.MaxAttempts)
	assert.Zero(t, runs.Load())
}

func TestPool_StartAfterClose(t *testing.T) {
	p := New(memory.New(), testQueue, HandlerFunc(func(context.Context, *queue.Job) (json.RawMessage, error) {
		return nil, nil
	}))
	require.NoError(t, p.Close(context.Background()))
	assert.ErrorIs(t, p.Start(context.Background()), ErrPoolClosed)
}
