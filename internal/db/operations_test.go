package db

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/buildtall-systems/orderflow/internal/fsm"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(":memory:")
	if err != nil {
		t.Fatalf("opening test db: %v", err)
	}

	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("migrating test db: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	return db
}

func createTestOrder(t *testing.T, db *DB, id string) *Order {
	t.Helper()

	order, err := db.CreateOrder(context.Background(), NewOrder{
		ID:            id,
		CustomerEmail: "ada@example.com",
		CustomerName:  "Ada",
		TotalAmount:   decimal.RequireFromString("100.00"),
		Items: []OrderItem{
			{ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("25.00"), Subtotal: decimal.RequireFromString("50.00")},
			{ProductName: "Gadget", Quantity: 1, UnitPrice: decimal.RequireFromString("50.00"), Subtotal: decimal.RequireFromString("50.00")},
		},
		Message: "Order created and queued for processing",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestCreateOrder(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	created := createTestOrder(t, db, "O1")
	if created.Status != fsm.OrderStatePending {
		t.Errorf("status = %q, want %q", created.Status, fsm.OrderStatePending)
	}

	order, err := db.GetOrderByID(ctx, "O1")
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if !order.TotalAmount.Equal(decimal.RequireFromString("100")) {
		t.Errorf("total = %s, want 100.00", order.TotalAmount)
	}
	if order.CustomerEmail != "ada@example.com" {
		t.Errorf("email = %q", order.CustomerEmail)
	}

	items, err := db.GetOrderItems(ctx, "O1")
	if err != nil {
		t.Fatalf("GetOrderItems: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if items[0].ProductName != "Widget" || items[0].Quantity != 2 {
		t.Errorf("first item = %+v", items[0])
	}
	if !items[1].Subtotal.Equal(decimal.RequireFromString("50")) {
		t.Errorf("second subtotal = %s", items[1].Subtotal)
	}

	history, err := db.GetStatusHistory(ctx, "O1")
	if err != nil {
		t.Fatalf("GetStatusHistory: %v", err)
	}
	if len(history) != 1 || history[0].Status != fsm.OrderStatePending {
		t.Fatalf("history = %+v, want single PENDING entry", history)
	}
	if history[0].Message.String != "Order created and queued for processing" {
		t.Errorf("message = %q", history[0].Message.String)
	}
}

func TestGetOrderByID_NotFound(t *testing.T) {
	db := setupTestDB(t)

	_, err := db.GetOrderByID(context.Background(), "missing")
	if !errors.Is(err, ErrOrderNotFound) {
		t.Errorf("expected ErrOrderNotFound, got %v", err)
	}
}

func TestApplyTransition(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "O1")

	entry, err := db.ApplyTransition(ctx, Transition{
		OrderID: "O1",
		From:    fsm.OrderStatePending,
		To:      fsm.OrderStateProcessing,
		Message: "Order processing started",
	})
	if err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}
	if entry.ID == "" || entry.Status != fsm.OrderStateProcessing {
		t.Errorf("entry = %+v", entry)
	}

	order, err := db.GetOrderByID(ctx, "O1")
	if err != nil {
		t.Fatalf("GetOrderByID: %v", err)
	}
	if order.Status != fsm.OrderStateProcessing {
		t.Errorf("status = %q, want PROCESSING", order.Status)
	}
	if !order.UpdatedAt.Equal(entry.CreatedAt) {
		t.Errorf("updated_at %v != log created_at %v", order.UpdatedAt, entry.CreatedAt)
	}

	history, _ := db.GetStatusHistory(ctx, "O1")
	if len(history) != 2 {
		t.Fatalf("got %d log entries, want 2", len(history))
	}
	if history[1].Status != order.Status {
		t.Errorf("latest log status %q != order status %q", history[1].Status, order.Status)
	}
}

func TestApplyTransition_Errors(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "O1")

	tests := []struct {
		name    string
		tr      Transition
		wantErr error
	}{
		{
			name:    "illegal transition",
			tr:      Transition{OrderID: "O1", From: fsm.OrderStatePending, To: fsm.OrderStateCompleted},
			wantErr: ErrInvalidStateTransition,
		},
		{
			name:    "stale status",
			tr:      Transition{OrderID: "O1", From: fsm.OrderStateProcessing, To: fsm.OrderStatePaymentConfirmed},
			wantErr: ErrStaleStatus,
		},
		{
			name:    "unknown order",
			tr:      Transition{OrderID: "missing", From: fsm.OrderStatePending, To: fsm.OrderStateProcessing},
			wantErr: ErrOrderNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := db.ApplyTransition(ctx, tt.tr)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got %v, want %v", err, tt.wantErr)
			}
		})
	}

	history, _ := db.GetStatusHistory(ctx, "O1")
	if len(history) != 1 {
		t.Errorf("failed transitions wrote %d extra log entries", len(history)-1)
	}
}

func TestApplyTransition_ConcurrentWritersOneWins(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "O1")

	var wg sync.WaitGroup
	results := make([]error, 10)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = db.ApplyTransition(ctx, Transition{
				OrderID: "O1",
				From:    fsm.OrderStatePending,
				To:      fsm.OrderStateProcessing,
			})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		switch {
		case err == nil:
			wins++
		case !errors.Is(err, ErrStaleStatus):
			t.Errorf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("%d writers succeeded, want 1", wins)
	}

	history, _ := db.GetStatusHistory(ctx, "O1")
	if len(history) != 2 {
		t.Errorf("got %d log entries, want 2", len(history))
	}
}

func TestApplyTransition_TimestampsNeverGoBackwards(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	createTestOrder(t, db, "O1")

	past := time.Now().Add(-time.Hour)
	if _, err := db.ApplyTransition(ctx, Transition{
		OrderID: "O1",
		From:    fsm.OrderStatePending,
		To:      fsm.OrderStateProcessing,
		At:      past,
	}); err != nil {
		t.Fatalf("ApplyTransition: %v", err)
	}

	history, _ := db.GetStatusHistory(ctx, "O1")
	if len(history) != 2 {
		t.Fatalf("got %d entries, want 2", len(history))
	}
	if history[1].CreatedAt.Before(history[0].CreatedAt) {
		t.Errorf("log went backwards: %v before %v", history[1].CreatedAt, history[0].CreatedAt)
	}
}

func TestListOrders(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	base := time.Now().Add(-time.Minute)
	for i, id := range []string{"A", "B", "C"} {
		email := "ada@example.com"
		if id == "C" {
			email = "bob@example.com"
		}
		_, err := db.CreateOrder(ctx, NewOrder{
			ID:            id,
			CustomerEmail: email,
			CustomerName:  "Someone",
			TotalAmount:   decimal.NewFromInt(10),
			CreatedAt:     base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateOrder(%s): %v", id, err)
		}
	}
	if _, err := db.ApplyTransition(ctx, Transition{OrderID: "A", From: fsm.OrderStatePending, To: fsm.OrderStateCancelled}); err != nil {
		t.Fatalf("cancel A: %v", err)
	}

	tests := []struct {
		name      string
		filter    ListFilter
		wantIDs   []string
		wantTotal int
	}{
		{"all newest first", ListFilter{}, []string{"C", "B", "A"}, 3},
		{"by status", ListFilter{Status: fsm.OrderStatePending}, []string{"C", "B"}, 2},
		{"by email", ListFilter{CustomerEmail: "ada@example.com"}, []string{"B", "A"}, 2},
		{"paged", ListFilter{Limit: 1, Offset: 1}, []string{"B"}, 3},
		{"status and email", ListFilter{Status: fsm.OrderStateCancelled, CustomerEmail: "bob@example.com"}, nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orders, total, err := db.ListOrders(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListOrders: %v", err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if len(orders) != len(tt.wantIDs) {
				t.Fatalf("got %d orders, want %d", len(orders), len(tt.wantIDs))
			}
			for i, o := range orders {
				if o.ID != tt.wantIDs[i] {
					t.Errorf("orders[%d] = %s, want %s", i, o.ID, tt.wantIDs[i])
				}
			}
		})
	}
}
