package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryQueue_SendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	for _, body := range []string{"a", "b", "c"} {
		if err := q.Send(ctx, []byte(body)); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	items, err := q.Receive(ctx, 2, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("got %d items, want 2", len(items))
	}
	if string(items[0].Body) != "a" || string(items[1].Body) != "b" {
		t.Errorf("bodies = %q, %q", items[0].Body, items[1].Body)
	}

	// In-flight messages are invisible.
	rest, _ := q.Receive(ctx, 10, 0)
	if len(rest) != 1 || string(rest[0].Body) != "c" {
		t.Fatalf("second receive = %+v, want only c", rest)
	}

	for _, it := range append(items, rest...) {
		if err := q.Delete(ctx, it.Handle); err != nil {
			t.Errorf("Delete: %v", err)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len = %d, want 0", q.Len())
	}
}

func TestMemoryQueue_RedeliversAfterVisibilityTimeout(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)
	now := time.Now()
	q.now = func() time.Time { return now }

	_ = q.Send(ctx, []byte("order"))

	first, _ := q.Receive(ctx, 1, 0)
	if len(first) != 1 || first[0].Redelivered {
		t.Fatalf("first receive = %+v", first)
	}

	now = now.Add(30 * time.Second)
	if again, _ := q.Receive(ctx, 1, 0); len(again) != 0 {
		t.Fatal("message visible before timeout expired")
	}

	now = now.Add(31 * time.Second)
	second, _ := q.Receive(ctx, 1, 0)
	if len(second) != 1 {
		t.Fatal("message not redelivered after timeout")
	}
	if !second[0].Redelivered {
		t.Error("redelivered message not flagged")
	}
	if second[0].MessageID != first[0].MessageID {
		t.Error("redelivery changed message id")
	}

	// The stale handle no longer acknowledges the message.
	if err := q.Delete(ctx, first[0].Handle); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("stale delete = %v, want ErrUnknownHandle", err)
	}
	if err := q.Delete(ctx, second[0].Handle); err != nil {
		t.Errorf("Delete: %v", err)
	}
}

func TestMemoryQueue_LongPollWakesOnSend(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(time.Minute)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = q.Send(ctx, []byte("late"))
	}()

	items, err := q.Receive(ctx, 10, 5*time.Second)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("got %d items, want 1", len(items))
	}
}

func TestMemoryQueue_ReceiveTimesOutEmpty(t *testing.T) {
	q := NewMemoryQueue(time.Minute)

	start := time.Now()
	items, err := q.Receive(context.Background(), 10, 30*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(items) != 0 {
		t.Errorf("got %d items from empty queue", len(items))
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("returned before wait elapsed")
	}
}

func TestMemoryQueue_ReceiveCancelled(t *testing.T) {
	q := NewMemoryQueue(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := q.Receive(ctx, 10, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
