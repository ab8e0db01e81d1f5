package fsm

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
)

// WorkerStateMachine tracks the dispatcher loop. A batch in the processing
// state cannot be stopped; shutdown is only accepted between batches.
type WorkerStateMachine struct {
	fsm     *fsm.FSM
	mu      sync.Mutex
	onEnter map[string]func()
	onLeave map[string]func()
}

func NewWorkerStateMachine() *WorkerStateMachine {
	ws := &WorkerStateMachine{
		onEnter: make(map[string]func()),
		onLeave: make(map[string]func()),
	}
	ws.fsm = fsm.NewFSM(
		WorkerStateIdle,
		fsm.Events{
			{Name: WorkerEventPoll, Src: []string{WorkerStateIdle}, Dst: WorkerStatePolling},
			{Name: WorkerEventBatchReceived, Src: []string{WorkerStatePolling}, Dst: WorkerStateProcessing},
			{Name: WorkerEventPollEmpty, Src: []string{WorkerStatePolling}, Dst: WorkerStateIdle},
			{Name: WorkerEventBatchDone, Src: []string{WorkerStateProcessing}, Dst: WorkerStateIdle},
			{Name: WorkerEventStop, Src: []string{WorkerStateIdle, WorkerStatePolling}, Dst: WorkerStateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if fn, ok := ws.onEnter[e.Dst]; ok {
					fn()
				}
			},
			"leave_state": func(_ context.Context, e *fsm.Event) {
				if fn, ok := ws.onLeave[e.Src]; ok {
					fn()
				}
			},
		},
	)
	return ws
}

func (ws *WorkerStateMachine) Current() string {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.fsm.Current()
}

func (ws *WorkerStateMachine) Event(ctx context.Context, event string) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.fsm.Event(ctx, event)
}

func (ws *WorkerStateMachine) Can(event string) bool {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.fsm.Can(event)
}

// OnEnter registers fn to run when the machine enters state. fn runs with
// the machine locked and must not call back into it.
func (ws *WorkerStateMachine) OnEnter(state string, fn func()) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onEnter[state] = fn
}

func (ws *WorkerStateMachine) OnLeave(state string, fn func()) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.onLeave[state] = fn
}

func (ws *WorkerStateMachine) Reset() {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.fsm.SetState(WorkerStateIdle)
}
