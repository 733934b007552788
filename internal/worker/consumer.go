package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// WakeRoutingPrefix prefixes the routing key of wake-up messages; the queue
// name follows it.
const WakeRoutingPrefix = "jobs."

// WakeRoutingKey returns the routing key wake-ups for queueName travel on.
func WakeRoutingKey(queueName string) string {
	return WakeRoutingPrefix + queueName
}

// WakeMessage tells workers that a job was enqueued. It carries no job data;
// workers always claim from the store in priority order.
type WakeMessage struct {
	Queue string `json:"queue"`
	JobID string `json:"job_id"`
}

// Publisher sends a message to the broker under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte, contentType string) error
}

// WakeNotifier publishes wake-ups after enqueue.
type WakeNotifier struct {
	publisher Publisher
}

// NewWakeNotifier returns a WakeNotifier publishing through pub.
func NewWakeNotifier(pub Publisher) *WakeNotifier {
	return &WakeNotifier{publisher: pub}
}

// Notify publishes a wake-up for jobID in queueName.
func (n *WakeNotifier) Notify(ctx context.Context, queueName, jobID string) error {
	body, err := json.Marshal(WakeMessage{Queue: queueName, JobID: jobID})
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, WakeRoutingKey(queueName), body, "application/json")
}

// DeliverySource starts a consumer on a broker queue.
type DeliverySource interface {
	Consume(queueName, consumerTag string) (<-chan amqp.Delivery, error)
}

// Dispatcher turns broker wake-ups into Pool.Wake calls. Losing wake-ups is
// harmless: pools also poll.
type Dispatcher struct {
	source    DeliverySource
	queueName string
	pools     map[string]*Pool
	logger    *slog.Logger
}

// NewDispatcher consumes brokerQueue and wakes the pool registered for each
// message's job queue.
func NewDispatcher(source DeliverySource, brokerQueue string, logger *slog.Logger, pools ...*Pool) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	byQueue := make(map[string]*Pool, len(pools))
	for _, p := range pools {
		byQueue[p.queueName] = p
	}
	return &Dispatcher{
		source:    source,
		queueName: brokerQueue,
		pools:     byQueue,
		logger:    logger.With(slog.String("component", "dispatcher")),
	}
}

// Run consumes until ctx is cancelled or the delivery channel closes.
func (d *Dispatcher) Run(ctx context.Context, consumerTag string) error {
	deliveries, err := d.source.Consume(d.queueName, consumerTag)
	if err != nil {
		return fmt.Errorf("failed to start wake-up consumer: %w", err)
	}

	d.logger.Info("Wake-up dispatcher started",
		slog.String("broker_queue", d.queueName),
		slog.String("consumer_tag", consumerTag),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Wake-up dispatcher stopped")
			return nil

		case delivery, ok := <-deliveries:
			if !ok {
				d.logger.Warn("Wake-up delivery channel closed, relying on polling")
				return nil
			}
			d.dispatch(delivery)
		}
	}
}

func (d *Dispatcher) dispatch(delivery amqp.Delivery) {
	var msg WakeMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil || msg.Queue == "" {
		queueName := strings.TrimPrefix(delivery.RoutingKey, WakeRoutingPrefix)
		if queueName == "" || queueName == delivery.RoutingKey {
			d.logger.Error("Dropping malformed wake-up",
				slog.String("routing_key", delivery.RoutingKey),
				slog.String("body", string(delivery.Body)),
			)
			if nackErr := delivery.Nack(false, false); nackErr != nil {
				d.logger.Error("Failed to NACK malformed wake-up", slog.Any("error", nackErr))
			}
			return
		}
		msg.Queue = queueName
	}

	if pool, ok := d.pools[msg.Queue]; ok {
		pool.Wake()
		d.logger.Debug("Pool woken",
			slog.String("queue", msg.Queue),
			slog.String("job_id", msg.JobID),
		)
	}

	if ackErr := delivery.Ack(false); ackErr != nil {
		d.logger.Error("Failed to ACK wake-up", slog.Any("error", ackErr))
	}
}
