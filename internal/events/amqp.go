package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrDeliveriesClosed is returned by Relay.Run when the broker closes the
// delivery channel. The client does not reconnect, so callers should exit.
var ErrDeliveriesClosed = errors.New("event delivery channel closed")

// UserRoutingPrefix prefixes the routing key of events addressed to a user.
const UserRoutingPrefix = "events.user."

// UserBindingKey matches every user event.
const UserBindingKey = "events.user.#"

// UserRoutingKey returns the routing key for events addressed to userID.
func UserRoutingKey(userID string) string {
	return UserRoutingPrefix + userID
}

// Publisher sends a message to the broker under a routing key, retrying
// transient failures.
type Publisher interface {
	PublishWithRetry(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// BrokerEmitter publishes events to the broker.
type BrokerEmitter struct {
	publisher Publisher
}

var _ Emitter = (*BrokerEmitter)(nil)

// NewBrokerEmitter returns an Emitter publishing through pub.
func NewBrokerEmitter(pub Publisher) *BrokerEmitter {
	return &BrokerEmitter{publisher: pub}
}

// Emit publishes e under the user's routing key.
func (b *BrokerEmitter) Emit(ctx context.Context, e Event) error {
	if err := e.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.publisher.PublishWithRetry(ctx, UserRoutingKey(e.UserID), body, "application/json"); err != nil {
		return fmt.Errorf("failed to publish %s event: %w", e.Type, err)
	}
	return nil
}

// DeliverySource starts a consumer on a broker queue.
type DeliverySource interface {
	Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error)
}

// Relay consumes broker events and hands them to a local Emitter.
type Relay struct {
	source    DeliverySource
	queueName string
	local     Emitter
	logger    *slog.Logger
}

// NewRelay returns a Relay reading brokerQueue into local.
func NewRelay(source DeliverySource, brokerQueue string, local Emitter, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Relay{
		source:    source,
		queueName: brokerQueue,
		local:     local,
		logger:    logger.With(slog.String("component", "event_relay")),
	}
}

// Run relays until ctx is cancelled or the delivery channel closes.
func (r *Relay) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := r.source.Consume(r.queueName, consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start event consumer: %w", err)
	}

	r.logger.Info("Event relay started", slog.String("broker_queue", r.queueName))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Event relay stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				r.logger.Error("Event delivery channel closed")
				return ErrDeliveriesClosed
			}
			r.relay(ctx, delivery)
		}
	}
}

func (r *Relay) relay(ctx context.Context, delivery amqp.Delivery) {
	var e Event
	if err := json.Unmarshal(delivery.Body, &e); err != nil {
		r.reject(delivery, err)
		return
	}
	if e.UserID == "" {
		e.UserID = strings.TrimPrefix(delivery.RoutingKey, UserRoutingPrefix)
	}
	if err := e.Validate(); err != nil {
		r.reject(delivery, err)
		return
	}

	// Users without a connection on this instance are not an error.
	if err := r.local.Emit(ctx, e); err != nil {
		r.logger.Warn("Failed to deliver event locally",
			slog.String("type", e.Type),
			slog.String("request_id", e.RequestID),
			slog.Any("error", err),
		)
	}

	if err := delivery.Ack(false); err != nil {
		r.logger.Error("Failed to ACK event", slog.Any("error", err))
	}
}

func (r *Relay) reject(delivery amqp.Delivery, cause error) {
	r.logger.Error("Dropping malformed event",
		slog.String("routing_key", delivery.RoutingKey),
		slog.Any("error", cause),
	)
	if err := delivery.Nack(false, false); err != nil {
		r.logger.Error("Failed to NACK event", slog.Any("error", err))
	}
}
