package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memMessage struct {
	id             string
	body           []byte
	handle         string
	receives       int
	invisibleUntil time.Time
}

// MemoryQueue is an in-process queue with visibility-timeout redelivery.
type MemoryQueue struct {
	mu         sync.Mutex
	messages   []*memMessage
	visibility time.Duration
	now        func() time.Time
	notify     chan struct{}
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	return &MemoryQueue{
		visibility: visibility,
		now:        time.Now,
		notify:     make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Send(_ context.Context, body []byte) error {
	q.mu.Lock()
	q.messages = append(q.messages, &memMessage{
		id:   uuid.NewString(),
		body: append([]byte(nil), body...),
	})
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]WorkItem, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(wait)

	for {
		items, nextVisible := q.take(max)
		if len(items) > 0 {
			return items, nil
		}

		remaining := deadline.Sub(q.now())
		if remaining <= 0 {
			return nil, nil
		}
		if !nextVisible.IsZero() {
			if until := nextVisible.Sub(q.now()); until < remaining {
				remaining = until
			}
		}

		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// take claims up to max visible messages. It also returns the earliest time
// an in-flight message becomes visible again, or zero.
func (q *MemoryQueue) take(max int) ([]WorkItem, time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var items []WorkItem
	var nextVisible time.Time
	for _, m := range q.messages {
		if m.invisibleUntil.After(now) {
			if nextVisible.IsZero() || m.invisibleUntil.Before(nextVisible) {
				nextVisible = m.invisibleUntil
			}
			continue
		}
		if len(items) == max {
			break
		}
		m.receives++
		m.handle = uuid.NewString()
		m.invisibleUntil = now.Add(q.visibility)
		items = append(items, WorkItem{
			MessageID:   m.id,
			Handle:      m.handle,
			Body:        append([]byte(nil), m.body...),
			Redelivered: m.receives > 1,
		})
	}
	return items, nextVisible
}

func (q *MemoryQueue) Delete(_ context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.handle == handle && handle != "" {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return nil
		}
	}
	return ErrUnknownHandle
}

// Len returns the number of messages not yet deleted, in flight or not.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *MemoryQueue) Close() error { return nil }
