package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/fsm"
	"github.com/buildtall-systems/orderflow/internal/orders"
	"github.com/buildtall-systems/orderflow/internal/payment"
	"github.com/buildtall-systems/orderflow/internal/queue"
)

type stubProcessor struct {
	mu       sync.Mutex
	calls    []string
	results  map[string]error
	outcomes map[string]orders.Outcome

	active    map[string]int
	overlap   atomic.Bool
	release   chan struct{}
	started   chan string
	processed atomic.Int32
}

func newStubProcessor() *stubProcessor {
	return &stubProcessor{
		results:  make(map[string]error),
		outcomes: make(map[string]orders.Outcome),
		active:   make(map[string]int),
	}
}

func (p *stubProcessor) ProcessOrder(_ context.Context, orderID string, _ decimal.Decimal) (orders.Outcome, error) {
	p.mu.Lock()
	p.calls = append(p.calls, orderID)
	p.active[orderID]++
	if p.active[orderID] > 1 {
		p.overlap.Store(true)
	}
	p.mu.Unlock()

	if p.started != nil {
		p.started <- orderID
	}
	if p.release != nil {
		<-p.release
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	p.mu.Lock()
	p.active[orderID]--
	err := p.results[orderID]
	outcome, ok := p.outcomes[orderID]
	p.mu.Unlock()
	p.processed.Add(1)

	if err != nil {
		return orders.OutcomeFailed, err
	}
	if !ok {
		outcome = orders.OutcomeCompleted
	}
	return outcome, nil
}

func send(t *testing.T, q *queue.MemoryQueue, body string) {
	t.Helper()
	if err := q.Send(context.Background(), []byte(body)); err != nil {
		t.Fatalf("Send: %v", err)
	}
}

func orderBody(id string) string {
	return fmt.Sprintf(`{"order_id":%q,"total_amount":100}`, id)
}

func receiveAll(t *testing.T, q *queue.MemoryQueue) []queue.WorkItem {
	t.Helper()
	items, err := q.Receive(context.Background(), 10, 0)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	return items
}

func TestProcessBatch_AckSemantics(t *testing.T) {
	q := queue.NewMemoryQueue(time.Hour)
	p := newStubProcessor()
	p.outcomes["declined"] = orders.OutcomeDeclined
	p.outcomes["done"] = orders.OutcomeSkipped
	p.results["broken"] = errors.New("store unavailable")
	p.results["ghost"] = fmt.Errorf("loading order ghost: %w", db.ErrOrderNotFound)

	for _, body := range []string{
		orderBody("ok"),
		orderBody("declined"),
		orderBody("done"),
		orderBody("broken"),
		orderBody("ghost"),
		`{not json`,
	} {
		send(t, q, body)
	}

	d := New(q, p, Options{Logger: zerolog.Nop(), Concurrency: 4})
	results := d.ProcessBatch(context.Background(), receiveAll(t, q))

	want := []Result{ResultAcked, ResultAcked, ResultAcked, ResultRetry, ResultMalformed, ResultMalformed}
	for i := range want {
		if results[i] != want[i] {
			t.Errorf("results[%d] = %s, want %s", i, results[i], want[i])
		}
	}
	if q.Len() != 3 {
		t.Errorf("queue holds %d messages, want 3 unacknowledged", q.Len())
	}
	if len(p.calls) != 5 {
		t.Errorf("processor called %d times, want 5 (malformed body skipped)", len(p.calls))
	}
}

func TestProcessBatch_SameOrderRunsSequentially(t *testing.T) {
	q := queue.NewMemoryQueue(time.Hour)
	p := newStubProcessor()

	for i := 0; i < 4; i++ {
		send(t, q, orderBody("dup"))
		send(t, q, orderBody(fmt.Sprintf("other-%d", i)))
	}

	d := New(q, p, Options{Logger: zerolog.Nop(), Concurrency: 8})
	results := d.ProcessBatch(context.Background(), receiveAll(t, q))

	if p.overlap.Load() {
		t.Error("two messages for the same order were processed concurrently")
	}
	for i, r := range results {
		if r != ResultAcked {
			t.Errorf("results[%d] = %s", i, r)
		}
	}
	if q.Len() != 0 {
		t.Errorf("queue holds %d messages", q.Len())
	}
}

func TestRun_ShutdownFinishesInFlightBatch(t *testing.T) {
	q := queue.NewMemoryQueue(time.Hour)
	p := newStubProcessor()
	p.release = make(chan struct{})
	p.started = make(chan string, 1)

	send(t, q, orderBody("O1"))

	d := New(q, p, Options{Logger: zerolog.Nop(), WaitTime: 50 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("order never started")
	}
	if got := d.State(); got != fsm.WorkerStateProcessing {
		t.Errorf("state mid-batch = %s, want processing", got)
	}

	cancel()
	select {
	case <-done:
		t.Fatal("Run returned before the in-flight order finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(p.release)
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after batch finished")
	}

	if q.Len() != 0 {
		t.Error("in-flight message was not acknowledged")
	}
	if got := d.State(); got != fsm.WorkerStateStopped {
		t.Errorf("final state = %s, want stopped", got)
	}
}

func TestRun_ShutdownInterruptsPoll(t *testing.T) {
	q := queue.NewMemoryQueue(time.Hour)
	d := New(q, newStubProcessor(), Options{Logger: zerolog.Nop(), WaitTime: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run blocked in poll after cancellation")
	}
	if got := d.State(); got != fsm.WorkerStateStopped {
		t.Errorf("final state = %s, want stopped", got)
	}
}

type flakyReceiver struct {
	calls atomic.Int32
}

func (r *flakyReceiver) Receive(ctx context.Context, _ int, _ time.Duration) ([]queue.WorkItem, error) {
	r.calls.Add(1)
	return nil, errors.New("connection refused")
}

func (r *flakyReceiver) Delete(context.Context, string) error { return nil }

func TestRun_BacksOffOnReceiveError(t *testing.T) {
	r := &flakyReceiver{}
	d := New(r, newStubProcessor(), Options{Logger: zerolog.Nop(), ErrorBackoff: 100 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := d.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if calls := r.calls.Load(); calls < 2 || calls > 4 {
		t.Errorf("receive called %d times in 250ms with 100ms backoff", calls)
	}
}

func TestRun_EndToEnd(t *testing.T) {
	database, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })
	if err := database.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	q := queue.NewMemoryQueue(time.Hour)
	intake := orders.NewIntake(database, q, nil, zerolog.Nop())
	gw := payment.NewSimulator(1.0, 0, 1)
	proc := orders.NewProcessor(database, gw, noopNotifier{}, orders.Options{Logger: zerolog.Nop()})

	var ids []string
	for i := 0; i < 3; i++ {
		order, _, err := intake.Submit(context.Background(), orders.CreateOrderRequest{
			CustomerEmail: "ada@example.com",
			CustomerName:  "Ada",
			Items:         []orders.ItemRequest{{ProductName: "Widget", Quantity: 1, UnitPrice: decimal.NewFromInt(5)}},
		})
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		ids = append(ids, order.ID)
	}

	d := New(q, proc, Options{Logger: zerolog.Nop(), WaitTime: 20 * time.Millisecond, Concurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for q.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	if q.Len() != 0 {
		t.Fatalf("%d messages left on queue", q.Len())
	}
	for _, id := range ids {
		order, err := database.GetOrderByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetOrderByID: %v", err)
		}
		if order.Status != fsm.OrderStateCompleted {
			t.Errorf("order %s status = %s, want COMPLETED", id, order.Status)
		}
	}
}

type noopNotifier struct{}

func (noopNotifier) Publish(context.Context, string, string, string) bool { return true }
