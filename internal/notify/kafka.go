package notify

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
)

// KafkaSender writes events to a topic keyed by order id, so every event
// for an order lands on the same partition in order.
type KafkaSender struct {
	writer *kafka.Writer
}

func NewKafkaSender(brokers []string, topic string) *KafkaSender {
	return &KafkaSender{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSender) Send(ctx context.Context, evt Event) error {
	payload, err := evt.Encode()
	if err != nil {
		return err
	}

	headers := headerCarrier{
		{Key: "event_type", Value: []byte(evt.EventType)},
		{Key: "subject", Value: []byte(evt.Subject)},
	}
	otel.GetTextMapPropagator().Inject(ctx, &headers)

	err = s.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(evt.OrderID),
		Value:   payload,
		Headers: headers,
		Time:    evt.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("writing kafka message: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error {
	return s.writer.Close()
}

// headerCarrier lets the trace propagator write into kafka headers.
type headerCarrier []kafka.Header

func (c *headerCarrier) Get(key string) string {
	for _, h := range *c {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (c *headerCarrier) Set(key, value string) {
	for i, h := range *c {
		if h.Key == key {
			(*c)[i].Value = []byte(value)
			return
		}
	}
	*c = append(*c, kafka.Header{Key: key, Value: []byte(value)})
}

func (c *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c))
	for _, h := range *c {
		keys = append(keys, h.Key)
	}
	return keys
}
