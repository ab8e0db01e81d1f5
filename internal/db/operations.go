package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/buildtall-systems/orderflow/internal/fsm"
)

var orderSM = fsm.NewOrderStateMachine()

// ErrOrderNotFound indicates order does not exist.
var ErrOrderNotFound = errors.New("order not found")

// ErrInvalidStateTransition indicates an invalid order state transition was attempted.
var ErrInvalidStateTransition = errors.New("invalid order state transition")

// ErrStaleStatus indicates the order's stored status no longer matches the
// status the caller read, so another writer got there first.
var ErrStaleStatus = errors.New("order status changed concurrently")

// Order represents a customer order.
type Order struct {
	ID            string
	CustomerEmail string
	CustomerName  string
	TotalAmount   decimal.Decimal
	Status        string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// OrderItem is a single line of an order.
type OrderItem struct {
	ID          string
	OrderID     string
	ProductName string
	Quantity    int
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
}

// StatusLogEntry is one row of an order's append-only status history.
type StatusLogEntry struct {
	ID        string
	OrderID   string
	Status    string
	Message   sql.NullString
	CreatedAt time.Time
}

// Transition describes a guarded status change: the order is moved from
// From to To only if its stored status is still From.
type Transition struct {
	OrderID string
	From    string
	To      string
	Message string
	At      time.Time
}

// NewOrder is the input to CreateOrder.
type NewOrder struct {
	ID            string
	CustomerEmail string
	CustomerName  string
	TotalAmount   decimal.Decimal
	Items         []OrderItem
	Message       string
	CreatedAt     time.Time
}

// ListFilter narrows ListOrders. Zero values mean no filter.
type ListFilter struct {
	Status        string
	CustomerEmail string
	Limit         int
	Offset        int
}

// CreateOrder inserts an order, its items and the initial PENDING log entry
// in a single transaction.
func (db *DB) CreateOrder(ctx context.Context, in NewOrder) (*Order, error) {
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	if in.CreatedAt.IsZero() {
		in.CreatedAt = time.Now()
	}
	at := normalizeTime(in.CreatedAt)

	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, db.rebind(`
			INSERT INTO orders (id, customer_email, customer_name, total_amount, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`), in.ID, in.CustomerEmail, in.CustomerName, in.TotalAmount.StringFixed(2), fsm.OrderStatePending, at, at)
		if err != nil {
			return fmt.Errorf("creating order: %w", err)
		}

		for i := range in.Items {
			item := &in.Items[i]
			if item.ID == "" {
				item.ID = uuid.NewString()
			}
			item.OrderID = in.ID
			_, err := tx.ExecContext(ctx, db.rebind(`
				INSERT INTO order_items (id, order_id, position, product_name, quantity, unit_price, subtotal)
				VALUES (?, ?, ?, ?, ?, ?, ?)
			`), item.ID, in.ID, i, item.ProductName, item.Quantity, item.UnitPrice.StringFixed(2), item.Subtotal.StringFixed(2))
			if err != nil {
				return fmt.Errorf("creating order item: %w", err)
			}
		}

		return insertStatusLog(ctx, db, tx, uuid.NewString(), in.ID, fsm.OrderStatePending, in.Message, at)
	})
	if err != nil {
		return nil, err
	}

	return &Order{
		ID:            in.ID,
		CustomerEmail: in.CustomerEmail,
		CustomerName:  in.CustomerName,
		TotalAmount:   in.TotalAmount,
		Status:        fsm.OrderStatePending,
		CreatedAt:     at,
		UpdatedAt:     at,
	}, nil
}

// GetOrderByID returns an order by ID.
func (db *DB) GetOrderByID(ctx context.Context, orderID string) (*Order, error) {
	var o Order
	err := db.QueryRowContext(ctx, db.rebind(`
		SELECT id, customer_email, customer_name, total_amount, status, created_at, updated_at
		FROM orders WHERE id = ?
	`), orderID).Scan(&o.ID, &o.CustomerEmail, &o.CustomerName, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	return &o, nil
}

// GetOrderItems returns the items of an order.
func (db *DB) GetOrderItems(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, order_id, product_name, quantity, unit_price, subtotal
		FROM order_items WHERE order_id = ? ORDER BY position
	`), orderID)
	if err != nil {
		return nil, fmt.Errorf("querying order items: %w", err)
	}
	defer rows.Close()

	var items []OrderItem
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductName, &it.Quantity, &it.UnitPrice, &it.Subtotal); err != nil {
			return nil, fmt.Errorf("scanning order item: %w", err)
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// GetStatusHistory returns an order's status log, oldest first.
func (db *DB) GetStatusHistory(ctx context.Context, orderID string) ([]StatusLogEntry, error) {
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, order_id, status, message, created_at
		FROM order_status_log WHERE order_id = ? ORDER BY created_at, seq
	`), orderID)
	if err != nil {
		return nil, fmt.Errorf("querying status history: %w", err)
	}
	defer rows.Close()

	var entries []StatusLogEntry
	for rows.Next() {
		var e StatusLogEntry
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Status, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning status log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ListOrders returns orders most recent first along with the total number
// of orders matching the filter.
func (db *DB) ListOrders(ctx context.Context, f ListFilter) ([]Order, int, error) {
	var where []string
	var args []any
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.CustomerEmail != "" {
		where = append(where, "customer_email = ?")
		args = append(args, f.CustomerEmail)
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, db.rebind(`SELECT COUNT(*) FROM orders`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting orders: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.QueryContext(ctx, db.rebind(`
		SELECT id, customer_email, customer_name, total_amount, status, created_at, updated_at
		FROM orders`+clause+` ORDER BY created_at DESC, id LIMIT ? OFFSET ?
	`), append(args, limit, f.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("querying orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.CustomerEmail, &o.CustomerName, &o.TotalAmount, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scanning order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, total, rows.Err()
}

// ApplyTransition moves an order between statuses and appends the matching
// status log entry in one transaction. The update only applies while the
// stored status still equals t.From; otherwise ErrStaleStatus is returned
// and nothing is written. Log timestamps never go backwards for an order.
func (db *DB) ApplyTransition(ctx context.Context, t Transition) (*StatusLogEntry, error) {
	if !orderSM.CanMove(t.From, t.To) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, t.From, t.To)
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = normalizeTime(at)

	var entry *StatusLogEntry
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		var status string
		var updatedAt time.Time
		err := tx.QueryRowContext(ctx, db.rebind(`SELECT status, updated_at FROM orders WHERE id = ?`), t.OrderID).Scan(&status, &updatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("querying order: %w", err)
		}
		if status != t.From {
			return fmt.Errorf("%w: expected %s, found %s", ErrStaleStatus, t.From, status)
		}
		if updatedAt = normalizeTime(updatedAt); at.Before(updatedAt) {
			at = updatedAt
		}

		result, err := tx.ExecContext(ctx, db.rebind(`
			UPDATE orders SET status = ?, updated_at = ? WHERE id = ? AND status = ?
		`), t.To, at, t.OrderID, t.From)
		if err != nil {
			return fmt.Errorf("updating order status: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("checking rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("%w: %s", ErrStaleStatus, t.OrderID)
		}

		id := uuid.NewString()
		if err := insertStatusLog(ctx, db, tx, id, t.OrderID, t.To, t.Message, at); err != nil {
			return err
		}
		entry = &StatusLogEntry{
			ID:        id,
			OrderID:   t.OrderID,
			Status:    t.To,
			Message:   nullString(t.Message),
			CreatedAt: at,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

func insertStatusLog(ctx context.Context, db *DB, tx *sql.Tx, id, orderID, status, message string, at time.Time) error {
	_, err := tx.ExecContext(ctx, db.rebind(`
		INSERT INTO order_status_log (id, order_id, status, message, created_at)
		VALUES (?, ?, ?, ?, ?)
	`), id, orderID, status, nullString(message), at)
	if err != nil {
		return fmt.Errorf("recording status log: %w", err)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// normalizeTime keeps timestamps comparable across SQLite and PostgreSQL,
// which stores microsecond precision.
func normalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
