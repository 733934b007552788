package responses

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	convmemory "github.com/cuongbtq/ai-response-service/internal/conversation/memory"
	"github.com/cuongbtq/ai-response-service/internal/generation"
	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/queue/memory"
	"github.com/cuongbtq/ai-response-service/internal/responder"
	"github.com/cuongbtq/ai-response-service/internal/worker"
)

const testQueue = "gen"

type fakeWaker struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (w *fakeWaker) Notify(_ context.Context, queueName, jobID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.jobs = append(w.jobs, queueName+"/"+jobID)
	return w.err
}

type echoGenerator struct{ calls int }

func (g *echoGenerator) Generate(_ context.Context, req generation.Request) (*generation.Result, error) {
	g.calls++
	return &generation.Result{
		Text:    "echo: " + req.History[len(req.History)-1].Content,
		Persona: generation.Persona{ID: req.PersonaID, Name: "Mentor"},
		Model:   "echo",
	}, nil
}

func request() responder.Payload {
	return responder.Payload{
		ConversationID: "conv-1",
		PersonaID:      "mentor",
		MessageHistory: []generation.Message{{Role: generation.RoleUser, Content: "hi"}},
		UserID:         "user-1",
	}
}

func TestService_QueueResponse(t *testing.T) {
	store := memory.New()
	waker := &fakeWaker{}
	svc := NewService(store, testQueue, WithWaker(waker))
	ctx := context.Background()

	q, err := svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "req-1", Priority: queue.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, &Queued{JobID: "req-1", RequestID: "req-1", Status: StatusQueued}, q)
	assert.Equal(t, []string{"gen/req-1"}, waker.jobs)

	job, err := store.GetJob(ctx, testQueue, "req-1")
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityHigh, job.Priority)
	assert.Equal(t, responder.JobType, job.JobType)
	assert.Equal(t, "user-1", job.UserID)

	var p responder.Payload
	require.NoError(t, json.Unmarshal(job.Payload, &p))
	assert.Equal(t, "req-1", p.RequestID)
	assert.Equal(t, "conv-1", p.ConversationID)
}

func TestService_QueueResponseDefaults(t *testing.T) {
	store := memory.New()
	svc := NewService(store, testQueue, WithWaker(&fakeWaker{err: errors.New("broker down")}))

	q, err := svc.QueueResponse(context.Background(), request(), QueueOptions{})
	require.NoError(t, err, "a failed wake-up must not fail the enqueue")
	assert.NotEmpty(t, q.RequestID)
	assert.Equal(t, q.RequestID, q.JobID)

	job, err := store.GetJob(context.Background(), testQueue, q.RequestID)
	require.NoError(t, err)
	assert.Equal(t, queue.PriorityNormal, job.Priority)
	assert.Equal(t, queue.DefaultMaxAttempts, job.MaxAttempts)
}

func TestService_QueueResponseErrors(t *testing.T) {
	svc := NewService(memory.New(), testQueue)
	ctx := context.Background()

	_, err := svc.QueueResponse(ctx, responder.Payload{UserID: "u"}, QueueOptions{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "dup"})
	require.NoError(t, err)
	_, err = svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "dup"})
	assert.ErrorIs(t, err, queue.ErrJobExists)
}

func TestService_GetStatus(t *testing.T) {
	store := memory.New()
	svc := NewService(store, testQueue)
	ctx := context.Background()

	st, err := svc.GetStatus(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st.Status)
	assert.Nil(t, st.AttemptsMade)

	_, err = svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "req-1"})
	require.NoError(t, err)
	st, err = svc.GetStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st.Status)
	assert.Equal(t, 0, *st.AttemptsMade)

	job, err := store.Claim(ctx, testQueue, "w1")
	require.NoError(t, err)
	st, err = svc.GetStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st.Status)
	assert.Equal(t, 1, *st.AttemptsMade)
	assert.NotNil(t, st.ProcessedOn)

	retryAt := time.Now().Add(time.Hour)
	require.NoError(t, store.Fail(ctx, job, "boom", &retryAt))
	st, err = svc.GetStatus(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, st.Status, "a job waiting out its backoff is still queued")
}

func TestService_Cancel(t *testing.T) {
	store := memory.New()
	svc := NewService(store, testQueue)
	ctx := context.Background()

	err := svc.Cancel(ctx, "missing")
	assert.True(t, IsNotFound(err))

	_, err = svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "queued"})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, "queued"))
	st, err := svc.GetStatus(ctx, "queued")
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, st.Status)

	_, err = svc.QueueResponse(ctx, request(), QueueOptions{RequestID: "done"})
	require.NoError(t, err)
	job, err := store.Claim(ctx, testQueue, "w1")
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, job, nil))

	err = svc.Cancel(ctx, "done")
	require.True(t, IsAlreadyProcessing(err))
	var ap *AlreadyProcessingError
	require.ErrorAs(t, err, &ap)
	assert.Equal(t, StatusCompleted, ap.State)
	assert.Equal(t, ReasonAlreadyProcessing, ap.Code())
}

func TestService_CancelMidHandler(t *testing.T) {
	store := memory.New()
	svc := NewService(store, testQueue)

	entered := make(chan struct{})
	release := make(chan struct{})
	handler := worker.HandlerFunc(func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		close(entered)
		<-release
		return nil, nil
	})

	pool := worker.New(store, testQueue, handler, worker.WithPollInterval(5*time.Millisecond))
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	_, err := svc.QueueResponse(context.Background(), request(), QueueOptions{RequestID: "req-1"})
	require.NoError(t, err)

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}

	err = svc.Cancel(context.Background(), "req-1")
	require.True(t, IsAlreadyProcessing(err))
	assert.Equal(t, ReasonAlreadyProcessing, err.(*AlreadyProcessingError).Code())
	close(release)

	require.Eventually(t, func() bool {
		st, err := svc.GetStatus(context.Background(), "req-1")
		return err == nil && st.Status == StatusCompleted
	}, 5*time.Second, 5*time.Millisecond)
}

func TestService_Generate(t *testing.T) {
	gen := &echoGenerator{}
	messages := convmemory.New()
	svc := NewService(memory.New(), testQueue,
		WithResponder(responder.New(gen, messages, nil, nil, nil)),
	)
	ctx := context.Background()

	data := request()
	data.RequestID = "sync-1"
	reply, err := svc.Generate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply.Message.Content)
	assert.Equal(t, "mentor", reply.Persona.ID)

	again, err := svc.Generate(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, reply.Message.ID, again.Message.ID)
	assert.Equal(t, 1, gen.calls)
	assert.Equal(t, 1, messages.Len())

	_, err = svc.Generate(ctx, responder.Payload{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = NewService(memory.New(), testQueue).Generate(ctx, data)
	assert.Error(t, err)
}
