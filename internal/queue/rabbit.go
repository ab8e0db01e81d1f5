package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

const rabbitPollInterval = 200 * time.Millisecond

// RabbitQueue pulls from a durable RabbitMQ queue with manual acks.
// Deliveries left unacknowledged past the visibility timeout are nacked
// back onto the queue on the next Receive.
type RabbitQueue struct {
	conn       *amqp091.Connection
	ch         *amqp091.Channel
	queue      string
	visibility time.Duration

	mu       sync.Mutex
	inflight map[uint64]time.Time
}

func NewRabbitQueue(url, queue string, visibility time.Duration) (*RabbitQueue, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if _, err := ch.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	return &RabbitQueue{
		conn:       conn,
		ch:         ch,
		queue:      queue,
		visibility: visibility,
		inflight:   make(map[uint64]time.Time),
	}, nil
}

func (q *RabbitQueue) Send(ctx context.Context, body []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.ch.PublishWithContext(ctx, "", q.queue, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Body:         body,
	})
}

func (q *RabbitQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]WorkItem, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		items, err := q.get(max)
		if err != nil || len(items) > 0 {
			return items, err
		}
		if !time.Now().Before(deadline) {
			return nil, nil
		}

		timer := time.NewTimer(rabbitPollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (q *RabbitQueue) get(max int) ([]WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for tag, until := range q.inflight {
		if now.After(until) {
			if err := q.ch.Nack(tag, false, true); err != nil {
				return nil, fmt.Errorf("requeue delivery %d: %w", tag, err)
			}
			delete(q.inflight, tag)
		}
	}

	var items []WorkItem
	for len(items) < max {
		d, ok, err := q.ch.Get(q.queue, false)
		if err != nil {
			return items, fmt.Errorf("get: %w", err)
		}
		if !ok {
			break
		}
		q.inflight[d.DeliveryTag] = now.Add(q.visibility)
		items = append(items, WorkItem{
			MessageID:   d.MessageId,
			Handle:      strconv.FormatUint(d.DeliveryTag, 10),
			Body:        d.Body,
			Redelivered: d.Redelivered,
		})
	}
	return items, nil
}

func (q *RabbitQueue) Delete(_ context.Context, handle string) error {
	tag, err := strconv.ParseUint(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.inflight[tag]; !ok {
		return ErrUnknownHandle
	}
	if err := q.ch.Ack(tag, false); err != nil {
		return fmt.Errorf("ack delivery %d: %w", tag, err)
	}
	delete(q.inflight, tag)
	return nil
}

func (q *RabbitQueue) Close() error {
	_ = q.ch.Close()
	return q.conn.Close()
}
