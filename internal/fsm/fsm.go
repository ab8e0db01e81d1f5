package fsm

// Order statuses as persisted in the orders table and status log.
const (
	OrderStatePending          = "PENDING"
	OrderStateProcessing       = "PROCESSING"
	OrderStatePaymentConfirmed = "PAYMENT_CONFIRMED"
	OrderStatePaymentFailed    = "PAYMENT_FAILED"
	OrderStateFulfilled        = "FULFILLED"
	OrderStateCompleted        = "COMPLETED"
	OrderStateFailed           = "FAILED"
	OrderStateCancelled        = "CANCELLED"
)

const (
	OrderEventProcess        = "process"
	OrderEventConfirmPayment = "confirm_payment"
	OrderEventDeclinePayment = "decline_payment"
	OrderEventFulfill        = "fulfill"
	OrderEventComplete       = "complete"
	OrderEventFail           = "fail"
	OrderEventRetry          = "retry"
	OrderEventCancel         = "cancel"
)

const (
	WorkerStateIdle       = "idle"
	WorkerStatePolling    = "polling"
	WorkerStateProcessing = "processing"
	WorkerStateStopped    = "stopped"
)

const (
	WorkerEventPoll          = "poll"
	WorkerEventBatchReceived = "batch_received"
	WorkerEventPollEmpty     = "poll_empty"
	WorkerEventBatchDone     = "batch_done"
	WorkerEventStop          = "stop"
)

// OrderStates lists every status in pipeline order.
var OrderStates = []string{
	OrderStatePending,
	OrderStateProcessing,
	OrderStatePaymentConfirmed,
	OrderStatePaymentFailed,
	OrderStateFulfilled,
	OrderStateCompleted,
	OrderStateFailed,
	OrderStateCancelled,
}

// IsValidState reports whether s is a known order status.
func IsValidState(s string) bool {
	for _, st := range OrderStates {
		if st == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the pipeline has nothing left to do for an
// order in state s. FAILED is not terminal: a redelivered message retries it.
func IsTerminal(s string) bool {
	switch s {
	case OrderStateCompleted, OrderStatePaymentFailed, OrderStateCancelled:
		return true
	}
	return false
}
