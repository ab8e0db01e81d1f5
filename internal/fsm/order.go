package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

var (
	cancellableStates = []string{OrderStatePending, OrderStateProcessing, OrderStatePaymentConfirmed}
	failableStates    = []string{OrderStatePending, OrderStateProcessing, OrderStatePaymentConfirmed, OrderStateFulfilled}
)

type OrderStateMachine struct {
	fsm *fsm.FSM
	mu  sync.Mutex
}

func NewOrderStateMachine() *OrderStateMachine {
	osm := &OrderStateMachine{}
	osm.fsm = fsm.NewFSM(
		OrderStatePending,
		fsm.Events{
			{Name: OrderEventProcess, Src: []string{OrderStatePending}, Dst: OrderStateProcessing},
			{Name: OrderEventConfirmPayment, Src: []string{OrderStateProcessing}, Dst: OrderStatePaymentConfirmed},
			{Name: OrderEventDeclinePayment, Src: []string{OrderStateProcessing}, Dst: OrderStatePaymentFailed},
			{Name: OrderEventFulfill, Src: []string{OrderStatePaymentConfirmed}, Dst: OrderStateFulfilled},
			{Name: OrderEventComplete, Src: []string{OrderStateFulfilled}, Dst: OrderStateCompleted},
			{Name: OrderEventFail, Src: failableStates, Dst: OrderStateFailed},
			{Name: OrderEventRetry, Src: []string{OrderStateFailed}, Dst: OrderStateProcessing},
			{Name: OrderEventCancel, Src: cancellableStates, Dst: OrderStateCancelled},
		},
		fsm.Callbacks{},
	)
	return osm
}

func (osm *OrderStateMachine) CanTransition(currentState, event string) bool {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	return osm.fsm.Can(event)
}

func (osm *OrderStateMachine) Transition(ctx context.Context, currentState, event string) (string, error) {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	if err := osm.fsm.Event(ctx, event); err != nil {
		return "", err
	}
	return osm.fsm.Current(), nil
}

func (osm *OrderStateMachine) AvailableEvents(currentState string) []string {
	osm.mu.Lock()
	defer osm.mu.Unlock()
	osm.fsm.SetState(currentState)
	return osm.fsm.AvailableTransitions()
}

// EventFor returns the event that moves an order from one status to another,
// or "" when no single event connects them.
func EventFor(from, to string) string {
	switch to {
	case OrderStateProcessing:
		switch from {
		case OrderStatePending:
			return OrderEventProcess
		case OrderStateFailed:
			return OrderEventRetry
		}
	case OrderStatePaymentConfirmed:
		return OrderEventConfirmPayment
	case OrderStatePaymentFailed:
		return OrderEventDeclinePayment
	case OrderStateFulfilled:
		return OrderEventFulfill
	case OrderStateCompleted:
		return OrderEventComplete
	case OrderStateFailed:
		return OrderEventFail
	case OrderStateCancelled:
		return OrderEventCancel
	}
	return ""
}

// CanMove reports whether from -> to is a legal status change.
func (osm *OrderStateMachine) CanMove(from, to string) bool {
	event := EventFor(from, to)
	if event == "" {
		return false
	}
	return osm.CanTransition(from, event)
}
