// Package orders runs orders through the processing pipeline.
package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/fsm"
	"github.com/buildtall-systems/orderflow/internal/metrics"
	"github.com/buildtall-systems/orderflow/internal/notify"
	"github.com/buildtall-systems/orderflow/internal/payment"
	"github.com/buildtall-systems/orderflow/internal/tracing"
)

// Status log messages.
const (
	MsgCreated          = "Order created and queued for processing"
	MsgProcessing       = "Order processing started"
	MsgRetrying         = "Retrying order after failure"
	MsgPaymentConfirmed = "Payment processed successfully"
	MsgPaymentReused    = "Payment previously confirmed"
	MsgPaymentFailed    = "Payment processing failed"
	MsgFulfilled        = "Order has been fulfilled"
	MsgCompleted        = "Order completed successfully"
	MsgCancelled        = "Order cancelled"
)

var orderSM = fsm.NewOrderStateMachine()

const (
	DefaultFulfillmentLatency = time.Second
	failureWriteTimeout       = 10 * time.Second
)

// Outcome is the result of running one order through the pipeline.
type Outcome string

const (
	// OutcomeCompleted means the order reached COMPLETED.
	OutcomeCompleted Outcome = "completed"
	// OutcomeDeclined means payment was declined and the order is PAYMENT_FAILED.
	OutcomeDeclined Outcome = "payment_declined"
	// OutcomeSkipped means the order was already terminal and nothing was written.
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means processing stopped with an error.
	OutcomeFailed Outcome = "failed"
)

// Store is the persistence the processor needs.
type Store interface {
	GetOrderByID(ctx context.Context, orderID string) (*db.Order, error)
	GetOrderItems(ctx context.Context, orderID string) ([]db.OrderItem, error)
	GetStatusHistory(ctx context.Context, orderID string) ([]db.StatusLogEntry, error)
	ApplyTransition(ctx context.Context, t db.Transition) (*db.StatusLogEntry, error)
}

type Options struct {
	FulfillmentLatency time.Duration
	OrderTimeout       time.Duration
	Logger             zerolog.Logger
	Metrics            *metrics.Metrics
}

// Processor advances orders through PENDING, PROCESSING, PAYMENT_CONFIRMED,
// FULFILLED and COMPLETED, recording every change in the status log and
// publishing a notification after each committed change.
type Processor struct {
	store    Store
	gateway  payment.Gateway
	notifier notify.Notifier
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	tracer   trace.Tracer

	fulfillmentLatency time.Duration
	orderTimeout       time.Duration
	now                func() time.Time
}

func NewProcessor(store Store, gateway payment.Gateway, notifier notify.Notifier, opts Options) *Processor {
	return &Processor{
		store:              store,
		gateway:            gateway,
		notifier:           notifier,
		logger:             opts.Logger.With().Str("component", "processor").Logger(),
		metrics:            opts.Metrics,
		tracer:             tracing.Tracer("github.com/buildtall-systems/orderflow/internal/orders"),
		fulfillmentLatency: opts.FulfillmentLatency,
		orderTimeout:       opts.OrderTimeout,
		now:                time.Now,
	}
}

// UpdateStatus commits order.Status -> newStatus with message and updates
// order in place once the write is durable.
func (p *Processor) UpdateStatus(ctx context.Context, order *db.Order, newStatus, message string) error {
	entry, err := p.store.ApplyTransition(ctx, db.Transition{
		OrderID: order.ID,
		From:    order.Status,
		To:      newStatus,
		Message: message,
		At:      p.now(),
	})
	if err != nil {
		return fmt.Errorf("updating order %s to %s: %w", order.ID, newStatus, err)
	}

	p.logger.Info().
		Str("order_id", order.ID).
		Str("from", order.Status).
		Str("to", newStatus).
		Msg("order status updated")
	p.metrics.Transition(newStatus)

	order.Status = newStatus
	order.UpdatedAt = entry.CreatedAt
	return nil
}

// ProcessPayment charges amount for the order. false means declined.
func (p *Processor) ProcessPayment(ctx context.Context, orderID string, amount decimal.Decimal) (bool, error) {
	ctx, span := p.tracer.Start(ctx, "orders.ProcessPayment", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.amount", amount.StringFixed(2)),
	))
	defer span.End()

	p.logger.Info().Str("order_id", orderID).Str("amount", amount.StringFixed(2)).Msg("processing payment")

	approved, err := p.gateway.Charge(ctx, orderID, amount)
	if err != nil {
		span.RecordError(err)
		return false, fmt.Errorf("charging order %s: %w", orderID, err)
	}
	span.SetAttributes(attribute.Bool("payment.approved", approved))
	return approved, nil
}

// FulfillOrder ships every item of the order.
func (p *Processor) FulfillOrder(ctx context.Context, orderID string) error {
	ctx, span := p.tracer.Start(ctx, "orders.FulfillOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	items, err := p.store.GetOrderItems(ctx, orderID)
	if err != nil {
		return fmt.Errorf("loading items for order %s: %w", orderID, err)
	}

	if p.fulfillmentLatency > 0 {
		timer := time.NewTimer(p.fulfillmentLatency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	for _, it := range items {
		p.logger.Info().
			Str("order_id", orderID).
			Int("quantity", it.Quantity).
			Str("product", it.ProductName).
			Msgf("Fulfilling: %dx %s", it.Quantity, it.ProductName)
	}
	return nil
}

// CancelOrder moves an order to CANCELLED. Orders that are FULFILLED or in
// any terminal status cannot be cancelled.
func (p *Processor) CancelOrder(ctx context.Context, orderID, reason string) (*db.Order, error) {
	order, err := p.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	if !orderSM.CanTransition(order.Status, fsm.OrderEventCancel) {
		return nil, fmt.Errorf("%w: cannot cancel order with status %s", db.ErrInvalidStateTransition, order.Status)
	}

	if reason == "" {
		reason = MsgCancelled
	}
	if err := p.UpdateStatus(ctx, order, fsm.OrderStateCancelled, reason); err != nil {
		return nil, err
	}
	p.notify(ctx, order.ID, fsm.OrderStateCancelled, reason)
	return order, nil
}

// ProcessOrder runs the order through the pipeline, resuming from its last
// durable status. Terminal orders are skipped without writes. When a step
// fails the order is moved to FAILED with the error text and the error is
// returned so the message is retried.
func (p *Processor) ProcessOrder(ctx context.Context, orderID string, amount decimal.Decimal) (Outcome, error) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "orders.ProcessOrder", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if p.orderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.orderTimeout)
		defer cancel()
	}

	outcome, err := p.processOrder(ctx, orderID, amount)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("order.outcome", string(outcome)))
	p.metrics.OrderProcessed(string(outcome), p.now().Sub(start))
	return outcome, err
}

func (p *Processor) processOrder(ctx context.Context, orderID string, amount decimal.Decimal) (Outcome, error) {
	order, err := p.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return OutcomeFailed, fmt.Errorf("loading order %s: %w", orderID, err)
	}

	if fsm.IsTerminal(order.Status) {
		p.logger.Info().Str("order_id", orderID).Str("status", order.Status).Msg("order already finished, skipping")
		return OutcomeSkipped, nil
	}

	if amount.IsZero() {
		amount = order.TotalAmount
	}

	outcome, err := p.advance(ctx, order, amount)
	if err != nil {
		if !errors.Is(err, db.ErrStaleStatus) {
			p.markFailed(ctx, order, err)
		}
		return OutcomeFailed, err
	}
	return outcome, nil
}

func (p *Processor) advance(ctx context.Context, order *db.Order, amount decimal.Decimal) (Outcome, error) {
	var reached map[string]bool

	switch order.Status {
	case fsm.OrderStatePending:
		if err := p.UpdateStatus(ctx, order, fsm.OrderStateProcessing, MsgProcessing); err != nil {
			return OutcomeFailed, err
		}
		p.notify(ctx, order.ID, fsm.OrderStateProcessing, "")

	case fsm.OrderStateFailed:
		history, err := p.store.GetStatusHistory(ctx, order.ID)
		if err != nil {
			return OutcomeFailed, fmt.Errorf("loading history for order %s: %w", order.ID, err)
		}
		reached = make(map[string]bool, len(history))
		for _, e := range history {
			reached[e.Status] = true
		}
		if err := p.UpdateStatus(ctx, order, fsm.OrderStateProcessing, MsgRetrying); err != nil {
			return OutcomeFailed, err
		}
		p.notify(ctx, order.ID, fsm.OrderStateProcessing, "")
	}

	if order.Status == fsm.OrderStateProcessing {
		message := MsgPaymentConfirmed
		if reached[fsm.OrderStatePaymentConfirmed] {
			message = MsgPaymentReused
		} else {
			approved, err := p.ProcessPayment(ctx, order.ID, amount)
			if err != nil {
				return OutcomeFailed, err
			}
			if !approved {
				if err := p.UpdateStatus(ctx, order, fsm.OrderStatePaymentFailed, MsgPaymentFailed); err != nil {
					return OutcomeFailed, err
				}
				p.notify(ctx, order.ID, fsm.OrderStatePaymentFailed, "")
				return OutcomeDeclined, nil
			}
		}
		if err := p.UpdateStatus(ctx, order, fsm.OrderStatePaymentConfirmed, message); err != nil {
			return OutcomeFailed, err
		}
		p.notify(ctx, order.ID, fsm.OrderStatePaymentConfirmed, "")
	}

	if order.Status == fsm.OrderStatePaymentConfirmed {
		if !reached[fsm.OrderStateFulfilled] {
			if err := p.FulfillOrder(ctx, order.ID); err != nil {
				return OutcomeFailed, err
			}
		}
		if err := p.UpdateStatus(ctx, order, fsm.OrderStateFulfilled, MsgFulfilled); err != nil {
			return OutcomeFailed, err
		}
		p.notify(ctx, order.ID, fsm.OrderStateFulfilled, "")
	}

	if order.Status == fsm.OrderStateFulfilled {
		if err := p.UpdateStatus(ctx, order, fsm.OrderStateCompleted, MsgCompleted); err != nil {
			return OutcomeFailed, err
		}
		p.notify(ctx, order.ID, fsm.OrderStateCompleted, "")
	}

	return OutcomeCompleted, nil
}

// markFailed records cause on the order. It runs on a context detached from
// ctx's cancellation so a timed-out order still gets its FAILED entry.
func (p *Processor) markFailed(ctx context.Context, order *db.Order, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), failureWriteTimeout)
	defer cancel()

	message := cause.Error()
	if message == "" {
		message = "unexpected processing error"
	}

	p.logger.Error().Err(cause).Str("order_id", order.ID).Str("status", order.Status).Msg("order processing failed")

	if !orderSM.CanTransition(order.Status, fsm.OrderEventFail) {
		p.logger.Warn().Str("order_id", order.ID).Str("status", order.Status).Msg("order cannot be marked failed from current status")
		return
	}
	if err := p.UpdateStatus(fctx, order, fsm.OrderStateFailed, message); err != nil {
		p.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to record order failure")
		return
	}
	p.notify(fctx, order.ID, fsm.OrderStateFailed, message)
}

func (p *Processor) notify(ctx context.Context, orderID, status, detail string) {
	if !p.notifier.Publish(ctx, orderID, status, notify.Message(status, orderID, detail)) {
		p.logger.Warn().Str("order_id", orderID).Str("event_type", status).Msg("notification not delivered")
	}
}
