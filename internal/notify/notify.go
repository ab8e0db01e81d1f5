// Package notify publishes order status events to subscribers. Delivery is
// best effort: a failed publish is logged and counted, never returned.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/buildtall-systems/orderflow/internal/fsm"
	"github.com/buildtall-systems/orderflow/internal/metrics"
)

// EventOrderCreated is published by intake; every other event type is an
// order status.
const EventOrderCreated = "ORDER_CREATED"

const defaultPublishTimeout = 5 * time.Second

// Notifier publishes a status event for an order. It reports whether the
// event was handed off and never fails the caller.
type Notifier interface {
	Publish(ctx context.Context, orderID, eventType, message string) bool
}

// Sender delivers an encoded event over one transport.
type Sender interface {
	Send(ctx context.Context, evt Event) error
	Close() error
}

// Event is the envelope published for every status change.
type Event struct {
	OrderID    string            `json:"order_id"`
	EventType  string            `json:"event_type"`
	Message    string            `json:"message"`
	Subject    string            `json:"subject"`
	Timestamp  time.Time         `json:"timestamp"`
	Attributes map[string]string `json:"attributes"`
}

func NewEvent(orderID, eventType, message string, at time.Time) Event {
	return Event{
		OrderID:   orderID,
		EventType: eventType,
		Message:   message,
		Subject:   Subject(eventType, orderID),
		Timestamp: at.UTC(),
		Attributes: map[string]string{
			"event_type": eventType,
			"order_id":   orderID,
		},
	}
}

func (e Event) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding event: %w", err)
	}
	return b, nil
}

// Subject returns the human-readable subject line for an event.
func Subject(eventType, orderID string) string {
	short := orderID
	if len(short) > 8 {
		short = short[:8]
	}

	prefix := "Order Update"
	switch eventType {
	case EventOrderCreated:
		prefix = "Order Received"
	case fsm.OrderStateProcessing:
		prefix = "Order Processing"
	case fsm.OrderStatePaymentConfirmed:
		prefix = "Payment Confirmed"
	case fsm.OrderStatePaymentFailed:
		prefix = "Payment Failed"
	case fsm.OrderStateFulfilled:
		prefix = "Order Shipped"
	case fsm.OrderStateCompleted:
		prefix = "Order Completed"
	case fsm.OrderStateCancelled:
		prefix = "Order Cancelled"
	case fsm.OrderStateFailed:
		prefix = "Order Failed"
	}
	return prefix + " - " + short
}

// Message renders the customer-facing text for a status event. detail is
// the failure or cancellation reason where one applies.
func Message(eventType, orderID, detail string) string {
	switch eventType {
	case EventOrderCreated:
		return fmt.Sprintf("Order %s has been received", orderID)
	case fsm.OrderStateProcessing:
		return fmt.Sprintf("Order %s is now being processed", orderID)
	case fsm.OrderStatePaymentConfirmed:
		return fmt.Sprintf("Payment confirmed for order %s", orderID)
	case fsm.OrderStatePaymentFailed:
		return fmt.Sprintf("Payment failed for order %s", orderID)
	case fsm.OrderStateFulfilled:
		return fmt.Sprintf("Order %s has been fulfilled!", orderID)
	case fsm.OrderStateCompleted:
		return fmt.Sprintf("Order %s completed. Thank you!", orderID)
	case fsm.OrderStateCancelled:
		return fmt.Sprintf("Order %s cancelled: %s", orderID, detail)
	case fsm.OrderStateFailed:
		return fmt.Sprintf("Order %s failed: %s", orderID, detail)
	}
	return fmt.Sprintf("Order %s status: %s", orderID, eventType)
}

// Emitter is the Notifier used by the pipeline. It bounds every send with
// a timeout detached from the caller's cancellation.
type Emitter struct {
	sender  Sender
	logger  zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

func NewEmitter(sender Sender, logger zerolog.Logger, m *metrics.Metrics) *Emitter {
	return &Emitter{
		sender:  sender,
		logger:  logger.With().Str("component", "notify").Logger(),
		metrics: m,
		timeout: defaultPublishTimeout,
		now:     time.Now,
	}
}

func (e *Emitter) Publish(ctx context.Context, orderID, eventType, message string) bool {
	evt := NewEvent(orderID, eventType, message, e.now())

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()

	if err := e.sender.Send(sctx, evt); err != nil {
		e.logger.Error().Err(err).
			Str("order_id", orderID).
			Str("event_type", eventType).
			Msg("failed to publish notification")
		e.metrics.NotificationFailed(eventType)
		return false
	}

	e.logger.Debug().
		Str("order_id", orderID).
		Str("event_type", eventType).
		Msg("notification published")
	return true
}

func (e *Emitter) Close() error {
	return e.sender.Close()
}
