// Package queue defines the at-least-once work queue the dispatcher drains
// and the backends that implement it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrMalformedPayload indicates a message body that is not a valid order payload.
var ErrMalformedPayload = errors.New("malformed order payload")

// ErrUnknownHandle indicates a delete for a receipt handle the queue no
// longer recognises, usually because the visibility timeout expired.
var ErrUnknownHandle = errors.New("unknown receipt handle")

// WorkItem is one received message. Handle must be passed to Delete to
// acknowledge it; an item that is not deleted is redelivered later.
type WorkItem struct {
	MessageID   string
	Handle      string
	Body        []byte
	Redelivered bool
}

// Payload decodes the item body.
func (w WorkItem) Payload() (Payload, error) {
	return DecodePayload(w.Body)
}

// Payload is the JSON body of an order message.
type Payload struct {
	OrderID       string          `json:"order_id"`
	CustomerEmail string          `json:"customer_email,omitempty"`
	CustomerName  string          `json:"customer_name,omitempty"`
	TotalAmount   decimal.Decimal `json:"total_amount"`
	Items         []PayloadItem   `json:"items,omitempty"`
	CreatedAt     *time.Time      `json:"created_at,omitempty"`
}

type PayloadItem struct {
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

// DecodePayload parses a message body. Any body without an order_id is
// malformed.
func DecodePayload(body []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.OrderID = strings.TrimSpace(p.OrderID)
	if p.OrderID == "" {
		return Payload{}, fmt.Errorf("%w: missing order_id", ErrMalformedPayload)
	}
	return p, nil
}

func EncodePayload(p Payload) ([]byte, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	return body, nil
}

// Receiver is the consuming side of a queue.
type Receiver interface {
	// Receive long-polls for up to max items, waiting at most wait for the
	// first one. It returns ctx.Err() when ctx is cancelled while waiting.
	Receive(ctx context.Context, max int, wait time.Duration) ([]WorkItem, error)
	Delete(ctx context.Context, handle string) error
}

// Sender is the producing side of a queue.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Queue is a full backend.
type Queue interface {
	Receiver
	Sender
	Close() error
}
