package notify

import (
	"context"
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// RabbitSender publishes events to a fanout exchange with the event type as
// routing key.
type RabbitSender struct {
	conn     *amqp091.Connection
	exchange string
}

func NewRabbitSender(url, exchange string) (*RabbitSender, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.ExchangeDeclare(
		exchange,
		"fanout",
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	return &RabbitSender{conn: conn, exchange: exchange}, nil
}

func (s *RabbitSender) Send(ctx context.Context, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}

	ch, err := s.conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	headers := amqp091.Table{}
	for k, v := range evt.Attributes {
		headers[k] = v
	}

	return ch.PublishWithContext(ctx, s.exchange, evt.EventType, false, false, amqp091.Publishing{
		ContentType: "application/json",
		Type:        evt.EventType,
		Timestamp:   evt.Timestamp,
		Headers:     headers,
		Body:        payload,
	})
}

func (s *RabbitSender) Close() error {
	return s.conn.Close()
}
