package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/queue"
	"github.com/cuongbtq/ai-response-service/internal/queue/memory"
)

type fakeAck struct {
	mu    sync.Mutex
	acks  []uint64
	nacks []uint64
}

func (a *fakeAck) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAck) Nack(tag uint64, _ bool, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

func (a *fakeAck) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
}

func (s *fakeSource) Consume(string, string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

type fakePublisher struct {
	mu   sync.Mutex
	keys []string
	body [][]byte
}

func (p *fakePublisher) Publish(_ context.Context, routingKey string, body []byte, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, routingKey)
	p.body = append(p.body, body)
	return nil
}

func noopHandler() Handler {
	return HandlerFunc(func(context.Context, *queue.Job) (json.RawMessage, error) { return nil, nil })
}

func TestWakeNotifier_Notify(t *testing.T) {
	pub := &fakePublisher{}
	n := NewWakeNotifier(pub)

	require.NoError(t, n.Notify(context.Background(), "gen", "req-1"))

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "jobs.gen", pub.keys[0])
	assert.JSONEq(t, `{"queue":"gen","job_id":"req-1"}`, string(pub.body[0]))
}

func TestDispatcher_WakesMatchingPool(t *testing.T) {
	pool := New(memory.New(), "gen", noopHandler())
	other := New(memory.New(), "other", noopHandler())

	src := &fakeSource{deliveries: make(chan amqp.Delivery, 4)}
	ack := &fakeAck{}
	d := NewDispatcher(src, "wake", nil, pool, other)

	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "jobs.gen", Body: []byte(`{"queue":"gen","job_id":"a"}`)}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "jobs.gen", Body: []byte(`not json`)}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, RoutingKey: "garbage", Body: []byte(`not json`)}
	close(src.deliveries)

	require.NoError(t, d.Run(context.Background(), "test"))

	select {
	case <-pool.wake:
	default:
		t.Fatal("expected gen pool to be woken")
	}
	select {
	case <-other.wake:
		t.Fatal("other pool must not be woken")
	default:
	}

	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, []uint64{1, 2}, ack.acks)
	assert.Equal(t, []uint64{3}, ack.nacks)
}

func TestDispatcher_StopsOnContext(t *testing.T) {
	src := &fakeSource{deliveries: make(chan amqp.Delivery)}
	d := NewDispatcher(src, "wake", nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx, "test") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}
