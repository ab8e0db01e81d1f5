package fsm

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/looplab/fsm"
)

func TestOrderStateMachine_ValidTransitions(t *testing.T) {
	tests := []struct {
		name         string
		currentState string
		event        string
		wantState    string
	}{
		{"pending to processing", OrderStatePending, OrderEventProcess, OrderStateProcessing},
		{"processing to payment confirmed", OrderStateProcessing, OrderEventConfirmPayment, OrderStatePaymentConfirmed},
		{"processing to payment failed", OrderStateProcessing, OrderEventDeclinePayment, OrderStatePaymentFailed},
		{"payment confirmed to fulfilled", OrderStatePaymentConfirmed, OrderEventFulfill, OrderStateFulfilled},
		{"fulfilled to completed", OrderStateFulfilled, OrderEventComplete, OrderStateCompleted},
		{"pending to failed", OrderStatePending, OrderEventFail, OrderStateFailed},
		{"processing to failed", OrderStateProcessing, OrderEventFail, OrderStateFailed},
		{"payment confirmed to failed", OrderStatePaymentConfirmed, OrderEventFail, OrderStateFailed},
		{"fulfilled to failed", OrderStateFulfilled, OrderEventFail, OrderStateFailed},
		{"failed retried to processing", OrderStateFailed, OrderEventRetry, OrderStateProcessing},
		{"pending cancelled", OrderStatePending, OrderEventCancel, OrderStateCancelled},
		{"processing cancelled", OrderStateProcessing, OrderEventCancel, OrderStateCancelled},
		{"payment confirmed cancelled", OrderStatePaymentConfirmed, OrderEventCancel, OrderStateCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			osm := NewOrderStateMachine()
			ctx := context.Background()

			newState, err := osm.Transition(ctx, tt.currentState, tt.event)
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if newState != tt.wantState {
				t.Errorf("got state %q, want %q", newState, tt.wantState)
			}
		})
	}
}

func TestOrderStateMachine_InvalidTransitions(t *testing.T) {
	tests := []struct {
		name         string
		currentState string
		event        string
	}{
		{"pending cannot confirm payment", OrderStatePending, OrderEventConfirmPayment},
		{"pending cannot fulfill", OrderStatePending, OrderEventFulfill},
		{"processing cannot complete", OrderStateProcessing, OrderEventComplete},
		{"fulfilled cannot be cancelled", OrderStateFulfilled, OrderEventCancel},
		{"completed cannot be cancelled", OrderStateCompleted, OrderEventCancel},
		{"completed cannot fail", OrderStateCompleted, OrderEventFail},
		{"cancelled cannot be cancelled again", OrderStateCancelled, OrderEventCancel},
		{"cancelled cannot process", OrderStateCancelled, OrderEventProcess},
		{"payment failed cannot retry", OrderStatePaymentFailed, OrderEventRetry},
		{"payment failed cannot fail", OrderStatePaymentFailed, OrderEventFail},
		{"failed cannot be cancelled", OrderStateFailed, OrderEventCancel},
		{"failed cannot fail again", OrderStateFailed, OrderEventFail},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			osm := NewOrderStateMachine()
			ctx := context.Background()

			_, err := osm.Transition(ctx, tt.currentState, tt.event)
			if err == nil {
				t.Errorf("expected error for invalid transition %s + %s", tt.currentState, tt.event)
			}

			var invalidErr fsm.InvalidEventError
			if !errors.As(err, &invalidErr) {
				t.Errorf("expected InvalidEventError, got %T: %v", err, err)
			}
		})
	}
}

func TestOrderStateMachine_CanMove(t *testing.T) {
	osm := NewOrderStateMachine()

	tests := []struct {
		from, to string
		want     bool
	}{
		{OrderStatePending, OrderStateProcessing, true},
		{OrderStateFailed, OrderStateProcessing, true},
		{OrderStateCompleted, OrderStateProcessing, false},
		{OrderStateProcessing, OrderStatePaymentConfirmed, true},
		{OrderStatePending, OrderStateCompleted, false},
		{OrderStateFulfilled, OrderStateCancelled, false},
		{OrderStatePending, OrderStatePending, false},
		{OrderStatePending, "SHIPPED", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"_"+tt.to, func(t *testing.T) {
			if got := osm.CanMove(tt.from, tt.to); got != tt.want {
				t.Errorf("CanMove(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestOrderStateMachine_AvailableEvents(t *testing.T) {
	osm := NewOrderStateMachine()

	tests := []struct {
		currentState string
		wantEvents   []string
	}{
		{OrderStatePending, []string{OrderEventProcess, OrderEventFail, OrderEventCancel}},
		{OrderStateProcessing, []string{OrderEventConfirmPayment, OrderEventDeclinePayment, OrderEventFail, OrderEventCancel}},
		{OrderStateFulfilled, []string{OrderEventComplete, OrderEventFail}},
		{OrderStateFailed, []string{OrderEventRetry}},
		{OrderStateCompleted, []string{}},
		{OrderStatePaymentFailed, []string{}},
		{OrderStateCancelled, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.currentState, func(t *testing.T) {
			got := osm.AvailableEvents(tt.currentState)

			if len(got) != len(tt.wantEvents) {
				t.Errorf("got %d events, want %d (%v)", len(got), len(tt.wantEvents), got)
				return
			}

			gotSet := make(map[string]bool)
			for _, e := range got {
				gotSet[e] = true
			}

			for _, want := range tt.wantEvents {
				if !gotSet[want] {
					t.Errorf("missing expected event %q in %v", want, got)
				}
			}
		})
	}
}

func TestIsTerminal(t *testing.T) {
	for _, s := range OrderStates {
		osm := NewOrderStateMachine()
		terminal := len(osm.AvailableEvents(s)) == 0
		if got := IsTerminal(s); got != terminal {
			t.Errorf("IsTerminal(%s) = %v, want %v", s, got, terminal)
		}
	}
}

func TestOrderStateMachine_ConcurrentAccess(t *testing.T) {
	osm := NewOrderStateMachine()
	ctx := context.Background()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			osm.CanTransition(OrderStatePending, OrderEventProcess)
			osm.CanMove(OrderStateFulfilled, OrderStateCompleted)
			osm.AvailableEvents(OrderStateProcessing)

			_, _ = osm.Transition(ctx, OrderStatePending, OrderEventProcess)
			_, _ = osm.Transition(ctx, OrderStateProcessing, OrderEventConfirmPayment)
		}()
	}

	wg.Wait()
}

func TestOrderStateMachine_UnknownEvent(t *testing.T) {
	osm := NewOrderStateMachine()
	ctx := context.Background()

	_, err := osm.Transition(ctx, OrderStatePending, "unknown_event")
	if err == nil {
		t.Error("expected error for unknown event")
	}

	var unknownErr fsm.UnknownEventError
	if !errors.As(err, &unknownErr) {
		t.Errorf("expected UnknownEventError, got %T: %v", err, err)
	}
}
