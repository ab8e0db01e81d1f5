package orders

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/notify"
	"github.com/buildtall-systems/orderflow/internal/queue"
)

// ErrInvalidOrder indicates a create request failed validation.
var ErrInvalidOrder = errors.New("invalid order")

// ErrEnqueue indicates the order was stored but could not be queued.
var ErrEnqueue = errors.New("order stored but not queued")

const maxNameLength = 255

type CreateOrderRequest struct {
	CustomerEmail string        `json:"customer_email" yaml:"customer_email"`
	CustomerName  string        `json:"customer_name" yaml:"customer_name"`
	Items         []ItemRequest `json:"items" yaml:"items"`
}

type ItemRequest struct {
	ProductName string          `json:"product_name" yaml:"product_name"`
	Quantity    int             `json:"quantity" yaml:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price" yaml:"unit_price"`
}

// Validate checks the request and returns an error wrapping ErrInvalidOrder
// describing the first problem found.
func (r CreateOrderRequest) Validate() error {
	email := strings.TrimSpace(r.CustomerEmail)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return fmt.Errorf("%w: customer_email %q is not a valid address", ErrInvalidOrder, r.CustomerEmail)
	}
	if n := len(strings.TrimSpace(r.CustomerName)); n == 0 || n > maxNameLength {
		return fmt.Errorf("%w: customer_name must be 1-%d characters", ErrInvalidOrder, maxNameLength)
	}
	if len(r.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidOrder)
	}
	for i, it := range r.Items {
		if n := len(strings.TrimSpace(it.ProductName)); n == 0 || n > maxNameLength {
			return fmt.Errorf("%w: items[%d].product_name must be 1-%d characters", ErrInvalidOrder, i, maxNameLength)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: items[%d].quantity must be positive", ErrInvalidOrder, i)
		}
		if !it.UnitPrice.IsPositive() {
			return fmt.Errorf("%w: items[%d].unit_price must be positive", ErrInvalidOrder, i)
		}
	}
	return nil
}

// Lines prices each item at two decimal places and returns the lines with
// the order total.
func (r CreateOrderRequest) Lines() ([]db.OrderItem, decimal.Decimal) {
	items := make([]db.OrderItem, 0, len(r.Items))
	total := decimal.Zero
	for _, it := range r.Items {
		subtotal := it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).Round(2)
		total = total.Add(subtotal)
		items = append(items, db.OrderItem{
			ProductName: strings.TrimSpace(it.ProductName),
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    subtotal,
		})
	}
	return items, total.Round(2)
}

// IntakeStore persists new orders.
type IntakeStore interface {
	CreateOrder(ctx context.Context, in db.NewOrder) (*db.Order, error)
}

// Intake validates, stores and enqueues new orders.
type Intake struct {
	store    IntakeStore
	sender   queue.Sender
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

// NewIntake returns an Intake. notifier may be nil.
func NewIntake(store IntakeStore, sender queue.Sender, notifier notify.Notifier, logger zerolog.Logger) *Intake {
	return &Intake{
		store:    store,
		sender:   sender,
		notifier: notifier,
		logger:   logger.With().Str("component", "intake").Logger(),
		now:      time.Now,
	}
}

// Submit stores the order as PENDING and queues it for processing. When the
// queue send fails the stored order is returned with an ErrEnqueue error.
func (in *Intake) Submit(ctx context.Context, req CreateOrderRequest) (*db.Order, []db.OrderItem, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	items, total := req.Lines()
	created := in.now().UTC()

	order, err := in.store.CreateOrder(ctx, db.NewOrder{
		ID:            uuid.NewString(),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		CustomerName:  strings.TrimSpace(req.CustomerName),
		TotalAmount:   total,
		Items:         items,
		Message:       MsgCreated,
		CreatedAt:     created,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("storing order: %w", err)
	}

	payload := queue.Payload{
		OrderID:       order.ID,
		CustomerEmail: order.CustomerEmail,
		CustomerName:  order.CustomerName,
		TotalAmount:   order.TotalAmount,
		CreatedAt:     &order.CreatedAt,
	}
	for _, it := range items {
		payload.Items = append(payload.Items, queue.PayloadItem{
			ProductName: it.ProductName,
			Quantity:    it.Quantity,
			UnitPrice:   it.UnitPrice,
			Subtotal:    it.Subtotal,
		})
	}

	body, err := queue.EncodePayload(payload)
	if err == nil {
		err = in.sender.Send(ctx, body)
	}
	if err != nil {
		in.logger.Error().Err(err).Str("order_id", order.ID).Msg("failed to queue order")
		return order, items, fmt.Errorf("%w: %v", ErrEnqueue, err)
	}

	in.logger.Info().
		Str("order_id", order.ID).
		Str("total", order.TotalAmount.StringFixed(2)).
		Int("items", len(items)).
		Msg("order queued")

	if in.notifier != nil {
		in.notifier.Publish(ctx, order.ID, notify.EventOrderCreated, notify.Message(notify.EventOrderCreated, order.ID, ""))
	}
	return order, items, nil
}
