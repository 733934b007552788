package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/ai-response-service/internal/conversation"
	"github.com/cuongbtq/ai-response-service/internal/generation"
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

func (a *fakeAck) snapshot() ([]uint64, []uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]uint64(nil), a.acks...), append([]uint64(nil), a.nacks...)
}

type fakeSource struct {
	deliveries chan amqp.Delivery
}

func (s *fakeSource) Consume(string, string) (<-chan amqp.Delivery, error) {
	return s.deliveries, nil
}

type fakePublisher struct {
	keys []string
	body [][]byte
	err  error
}

func (p *fakePublisher) PublishWithRetry(_ context.Context, routingKey string, body []byte, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.keys = append(p.keys, routingKey)
	p.body = append(p.body, body)
	return nil
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingEmitter) Emit(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingEmitter) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func TestBrokerEmitter_Emit(t *testing.T) {
	pub := &fakePublisher{}
	emitter := NewBrokerEmitter(pub)

	msg := &conversation.Message{ID: "m-1", ConversationID: "conv-1", Type: conversation.TypeAI, Content: "hi"}
	persona := generation.Persona{ID: "mentor", Name: "Mentor"}
	require.NoError(t, emitter.Emit(context.Background(), Complete("user-1", "req-1", "conv-1", msg, persona)))

	require.Len(t, pub.keys, 1)
	assert.Equal(t, "events.user.user-1", pub.keys[0])

	var got Event
	require.NoError(t, json.Unmarshal(pub.body[0], &got))
	assert.Equal(t, TypeComplete, got.Type)
	assert.Equal(t, "req-1", got.RequestID)
	assert.Equal(t, "hi", got.Message.Content)
	assert.Equal(t, "Mentor", got.Persona.Name)
}

func TestBrokerEmitter_Errors(t *testing.T) {
	assert.Error(t, NewBrokerEmitter(&fakePublisher{}).Emit(context.Background(), Event{Type: TypeStarted}))
	assert.Error(t, NewBrokerEmitter(&fakePublisher{}).Emit(context.Background(), Event{Type: "bogus", UserID: "u"}))

	pub := &fakePublisher{err: errors.New("broker down")}
	err := NewBrokerEmitter(pub).Emit(context.Background(), Started("u", "r", "c"))
	assert.ErrorContains(t, err, "broker down")
}

func TestFailed_IsGeneric(t *testing.T) {
	e := Failed("u", "r", "c")
	assert.Equal(t, TypeError, e.Type)
	assert.Equal(t, GenericErrorMessage, e.Error)
}

func TestRelay_DeliversToLocalEmitter(t *testing.T) {
	src := &fakeSource{deliveries: make(chan amqp.Delivery, 4)}
	ack := &fakeAck{}
	local := &recordingEmitter{}

	started, _ := json.Marshal(Started("user-1", "req-1", "conv-1"))
	noUser, _ := json.Marshal(Event{Type: TypeError, RequestID: "req-2", Error: GenericErrorMessage})

	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, RoutingKey: "events.user.user-1", Body: started}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 2, RoutingKey: "events.user.user-2", Body: noUser}
	src.deliveries <- amqp.Delivery{Acknowledger: ack, DeliveryTag: 3, RoutingKey: "events.user.user-3", Body: []byte("not json")}
	close(src.deliveries)

	relay := NewRelay(src, "events.api-1", local, nil)
	require.ErrorIs(t, relay.Run(context.Background(), "api-1"), ErrDeliveriesClosed)

	got := local.snapshot()
	require.Len(t, got, 2)
	assert.Equal(t, "user-1", got[0].UserID)
	assert.Equal(t, TypeStarted, got[0].Type)
	assert.Equal(t, "user-2", got[1].UserID)

	acks, nacks := ack.snapshot()
	assert.Equal(t, []uint64{1, 2}, acks)
	assert.Equal(t, []uint64{3}, nacks)
}

func TestRelay_StopsOnContext(t *testing.T) {
	src := &fakeSource{deliveries: make(chan amqp.Delivery)}
	relay := NewRelay(src, "q", &recordingEmitter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx, "tag") }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}

func TestRelay_FailsWhenDeliveriesClose(t *testing.T) {
	src := &fakeSource{deliveries: make(chan amqp.Delivery)}
	close(src.deliveries)
	relay := NewRelay(src, "q", &recordingEmitter{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := relay.Run(ctx, "tag")
	require.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.NoError(t, ctx.Err())
}
