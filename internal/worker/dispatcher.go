// Package worker drains the order queue and hands each message to the
// processor, acknowledging only messages whose order reached a final state.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/buildtall-systems/orderflow/internal/db"
	"github.com/buildtall-systems/orderflow/internal/fsm"
	"github.com/buildtall-systems/orderflow/internal/metrics"
	"github.com/buildtall-systems/orderflow/internal/orders"
	"github.com/buildtall-systems/orderflow/internal/queue"
)

// Defaults applied by New when an option is zero.
const (
	DefaultBatchSize    = 10
	DefaultWaitTime     = 20 * time.Second
	DefaultErrorBackoff = 5 * time.Second
	DefaultConcurrency  = 1
)

var workerStates = []string{
	fsm.WorkerStateIdle,
	fsm.WorkerStatePolling,
	fsm.WorkerStateProcessing,
	fsm.WorkerStateStopped,
}

// Processor runs one order through the pipeline.
type Processor interface {
	ProcessOrder(ctx context.Context, orderID string, amount decimal.Decimal) (orders.Outcome, error)
}

type Options struct {
	BatchSize    int
	WaitTime     time.Duration
	ErrorBackoff time.Duration
	// Concurrency bounds how many orders of one batch run at once. Messages
	// for the same order always run one after another.
	Concurrency int
	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
}

// Result is what happened to a single message.
type Result string

const (
	ResultAcked     Result = "acked"
	ResultRetry     Result = "retry"
	ResultMalformed Result = "malformed"
)

type Dispatcher struct {
	queue     queue.Receiver
	processor Processor
	opts      Options
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	state     *fsm.WorkerStateMachine
}

func New(q queue.Receiver, p Processor, opts Options) *Dispatcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.WaitTime <= 0 {
		opts.WaitTime = DefaultWaitTime
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = DefaultErrorBackoff
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	d := &Dispatcher{
		queue:     q,
		processor: p,
		opts:      opts,
		logger:    opts.Logger.With().Str("component", "dispatcher").Logger(),
		metrics:   opts.Metrics,
		state:     fsm.NewWorkerStateMachine(),
	}
	for _, s := range workerStates {
		state := s
		d.state.OnEnter(state, func() {
			d.metrics.WorkerState(state, workerStates)
		})
	}
	d.metrics.WorkerState(fsm.WorkerStateIdle, workerStates)
	return d
}

// State returns the dispatcher's current loop state.
func (d *Dispatcher) State() string {
	return d.state.Current()
}

// Run polls until ctx is cancelled. Cancellation interrupts a poll in
// progress but never a batch: in-flight orders finish on a context that
// ignores ctx's cancellation.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info().
		Int("batch_size", d.opts.BatchSize).
		Dur("wait_time", d.opts.WaitTime).
		Int("concurrency", d.opts.Concurrency).
		Msg("dispatcher started")

	for ctx.Err() == nil {
		d.event(ctx, fsm.WorkerEventPoll)

		items, err := d.queue.Receive(ctx, d.opts.BatchSize, d.opts.WaitTime)
		if err != nil {
			d.event(ctx, fsm.WorkerEventPollEmpty)
			if ctx.Err() != nil {
				break
			}
			d.logger.Error().Err(err).Dur("backoff", d.opts.ErrorBackoff).Msg("receive failed")
			d.metrics.ReceiveError()
			sleep(ctx, d.opts.ErrorBackoff)
			continue
		}
		if len(items) == 0 {
			d.event(ctx, fsm.WorkerEventPollEmpty)
			continue
		}

		d.event(ctx, fsm.WorkerEventBatchReceived)
		d.ProcessBatch(context.WithoutCancel(ctx), items)
		d.event(ctx, fsm.WorkerEventBatchDone)
	}

	d.event(context.WithoutCancel(ctx), fsm.WorkerEventStop)
	d.logger.Info().Msg("dispatcher stopped")
	return nil
}

func (d *Dispatcher) event(ctx context.Context, event string) {
	if err := d.state.Event(context.WithoutCancel(ctx), event); err != nil {
		d.logger.Debug().Err(err).Str("event", event).Msg("worker state unchanged")
	}
}

// ProcessBatch handles every item and returns the result for each, in
// input order. Items for the same order are processed sequentially in the
// order received.
func (d *Dispatcher) ProcessBatch(ctx context.Context, items []queue.WorkItem) []Result {
	d.metrics.MessagesReceived(len(items))
	results := make([]Result, len(items))

	type job struct {
		idx     int
		item    queue.WorkItem
		payload queue.Payload
	}
	var groups [][]job
	byOrder := make(map[string]int)

	for i, item := range items {
		payload, err := item.Payload()
		if err != nil {
			d.logger.Warn().Err(err).Str("message_id", item.MessageID).Msg("dropping malformed message")
			d.metrics.MalformedMessage()
			results[i] = ResultMalformed
			continue
		}
		g, ok := byOrder[payload.OrderID]
		if !ok {
			g = len(groups)
			byOrder[payload.OrderID] = g
			groups = append(groups, nil)
		}
		groups[g] = append(groups[g], job{idx: i, item: item, payload: payload})
	}

	var eg errgroup.Group
	eg.SetLimit(d.opts.Concurrency)
	for _, group := range groups {
		group := group
		eg.Go(func() error {
			for _, j := range group {
				results[j.idx] = d.handle(ctx, j.item, j.payload)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return results
}

func (d *Dispatcher) handle(ctx context.Context, item queue.WorkItem, payload queue.Payload) Result {
	logger := d.logger.With().Str("order_id", payload.OrderID).Str("message_id", item.MessageID).Logger()
	if item.Redelivered {
		logger.Info().Msg("processing redelivered message")
	}

	outcome, err := d.processor.ProcessOrder(ctx, payload.OrderID, payload.TotalAmount)
	if err != nil {
		if errors.Is(err, db.ErrOrderNotFound) {
			logger.Warn().Err(err).Msg("message references unknown order, leaving unacknowledged")
			d.metrics.MalformedMessage()
			return ResultMalformed
		}
		logger.Warn().Err(err).Msg("order processing failed, message will be redelivered")
		return ResultRetry
	}

	if err := d.queue.Delete(ctx, item.Handle); err != nil {
		logger.Error().Err(err).Str("outcome", string(outcome)).Msg("failed to acknowledge message")
		d.metrics.DeleteError()
		return ResultRetry
	}
	d.metrics.MessageDeleted()
	logger.Info().Str("outcome", string(outcome)).Msg("message acknowledged")
	return ResultAcked
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
