package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitQueue adapts a RabbitMQ quorum queue. The broker enforces the
// delivery limit and routes exhausted messages to <name>.dead. Unacked
// deliveries are returned when the channel closes or the broker's consumer
// timeout fires, which stands in for the lease.
type RabbitQueue struct {
	mu      sync.Mutex
	channel *amqp.Channel
	name    string
	poll    time.Duration
}

func NewRabbitQueue(conn *amqp.Connection, name string, maxReceives int) (*RabbitQueue, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}

	dead := name + ".dead"
	if _, err := ch.QueueDeclare(dead, true, false, false, false, amqp.Table{
		"x-queue-type": "quorum",
	}); err != nil {
		return nil, fmt.Errorf("declare dead-letter queue: %w", err)
	}

	if _, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
		"x-queue-type":              "quorum",
		"x-delivery-limit":          maxReceives,
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": dead,
	}); err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &RabbitQueue{channel: ch, name: name, poll: 200 * time.Millisecond}, nil
}

func (q *RabbitQueue) Send(ctx context.Context, body []byte) (string, error) {
	if len(body) == 0 {
		return "", ErrEmptyBody
	}
	id := uuid.NewString()

	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.channel.PublishWithContext(ctx,
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    id,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		},
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	return id, nil
}

// Receive polls with basic.get until a message arrives or wait elapses.
// The lease argument is governed by the broker and ignored here.
func (q *RabbitQueue) Receive(ctx context.Context, max int, wait, _ time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		out, err := q.drain(max)
		if err != nil {
			return nil, err
		}
		if len(out) > 0 || !time.Now().Before(deadline) {
			return out, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.poll):
		}
	}
}

func (q *RabbitQueue) drain(max int) ([]Message, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Message, 0, max)
	for len(out) < max {
		d, ok, err := q.channel.Get(q.name, false)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
		}
		if !ok {
			break
		}
		out = append(out, Message{
			ID:           d.MessageId,
			Body:         d.Body,
			Receipt:      strconv.FormatUint(d.DeliveryTag, 10),
			ReceiveCount: deliveryCount(d.Headers) + 1,
		})
	}
	return out, nil
}

func (q *RabbitQueue) Delete(_ context.Context, msg Message) error {
	tag, err := strconv.ParseUint(msg.Receipt, 10, 64)
	if err != nil {
		return fmt.Errorf("parse delivery tag %q: %w", msg.Receipt, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.channel.Ack(tag, false); err != nil {
		return fmt.Errorf("%w: ack: %v", ErrQueueUnavailable, err)
	}
	return nil
}

func (q *RabbitQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.channel.Close()
}

// deliveryCount reads the quorum queue's x-delivery-count header, which counts
// previous deliveries.
func deliveryCount(h amqp.Table) int {
	switch v := h["x-delivery-count"].(type) {
	case int64:
		return int(v)
	case int32:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
