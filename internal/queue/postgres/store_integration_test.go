//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/queue"
)

// Run with: TEST_DATABASE_URL=postgres://... go test -tags integration ./internal/queue/postgres/
func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, s.Migrate(context.Background()))

	queueName := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Exec(`DELETE FROM ai_jobs WHERE queue_name = $1`, queueName)
	})
	return s, queueName
}

func TestStore_ClaimOrder(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, q, "generate-response", json.RawMessage(`{"a":1}`), queue.EnqueueOptions{JobID: "A", Priority: 5})
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, q, "generate-response", json.RawMessage(`{"b":1}`), queue.EnqueueOptions{JobID: "B", Priority: 1})
	require.NoError(t, err)

	first, err := s.Claim(ctx, q, "w1")
	require.NoError(t, err)
	assert.Equal(t, "B", first.ID)
	assert.Equal(t, 1, first.AttemptsMade)
	assert.JSONEq(t, `{"b":1}`, string(first.Payload))

	second, err := s.Claim(ctx, q, "w1")
	require.NoError(t, err)
	assert.Equal(t, "A", second.ID)

	_, err = s.Claim(ctx, q, "w1")
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func TestStore_DuplicateAndRemove(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{JobID: "dup"})
	require.NoError(t, err)

	_, err = s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{JobID: "dup"})
	assert.ErrorIs(t, err, queue.ErrJobExists)

	claimed, err := s.Claim(ctx, q, "w1")
	require.NoError(t, err)
	assert.ErrorIs(t, s.Remove(ctx, job), queue.ErrJobActive)

	require.NoError(t, s.Complete(ctx, claimed, json.RawMessage(`{"ok":true}`)))
	assert.ErrorIs(t, s.Remove(ctx, job), queue.ErrInvalidState)

	assert.ErrorIs(t, s.Remove(ctx, &queue.Job{QueueName: q, ID: "missing"}), queue.ErrJobNotFound)
}

func TestStore_RetryLifecycle(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	job, err := s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{JobID: "r", MaxAttempts: 2})
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, q, "w1")
	require.NoError(t, err)

	retryAt := time.Now().Add(time.Hour)
	require.NoError(t, s.Fail(ctx, claimed, "boom", &retryAt))

	state, err := s.GetState(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, queue.StateDelayed, state)

	require.NoError(t, s.Remove(ctx, job))
	state, err = s.GetState(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, queue.StateNotFound, state)
}

func TestStore_RequeueStale(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	_, err := s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{JobID: "again", MaxAttempts: 2})
	require.NoError(t, err)
	_, err = s.Claim(ctx, q, "crashed")
	require.NoError(t, err)
	_, err = s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{JobID: "last", MaxAttempts: 1})
	require.NoError(t, err)
	_, err = s.Claim(ctx, q, "crashed")
	require.NoError(t, err)

	_, err = s.db.ExecContext(ctx,
		`UPDATE ai_jobs SET heartbeat_at = NOW() - INTERVAL '10 minutes' WHERE queue_name = $1`, q)
	require.NoError(t, err)

	n, err := s.RequeueStale(ctx, q, time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	again, err := s.GetJob(ctx, q, "again")
	require.NoError(t, err)
	assert.Equal(t, queue.StateQueued, again.State)
	assert.Equal(t, 1, again.AttemptsMade)

	last, err := s.GetJob(ctx, q, "last")
	require.NoError(t, err)
	assert.Equal(t, queue.StateFailed, last.State)
	assert.Equal(t, queue.WorkerLostError, last.LastError)
	assert.Equal(t, 1, last.AttemptsMade)
	assert.NotNil(t, last.FinishedOn)

	reclaimed, err := s.Claim(ctx, q, "w2")
	require.NoError(t, err)
	assert.Equal(t, "again", reclaimed.ID)
	assert.Equal(t, 2, reclaimed.AttemptsMade)

	_, err = s.Claim(ctx, q, "w2")
	assert.ErrorIs(t, err, queue.ErrNoJob)
}

func TestStore_ConcurrentClaims(t *testing.T) {
	s, q := newTestStore(t)
	ctx := context.Background()

	const jobs = 50
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue(ctx, q, "generate-response", nil, queue.EnqueueOptions{})
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 5; w++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for {
				j, err := s.Claim(ctx, q, workerID)
				if err != nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}(uuid.NewString())
	}
	wg.Wait()

	assert.Len(t, seen, jobs)
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s", id)
	}
}
