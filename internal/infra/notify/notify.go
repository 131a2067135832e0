// Package notify implements the fire-and-forget notification sink.
// Settlement decisions publish events here and move on; a slow or dead
// sink drops events rather than ever blocking or rolling back a
// settlement.
package notify

import (
	"context"
	"log"
	"sync"

	"github.com/stipend-network/stipend/internal/domain"
)

// Sink delivers one event to its destination (log, queue, email relay).
type Sink func(domain.Notification)

// LogSink writes events to the process log. The default destination.
func LogSink(n domain.Notification) {
	log.Printf("notify: event=%s account=%s reference=%s amount=%d %s",
		n.Event, n.AccountID, n.Reference, n.Amount, n.Detail)
}

// Queue is an async bounded notifier. Notify never blocks: when the
// buffer is full the event is counted and dropped.
type Queue struct {
	ch      chan domain.Notification
	sink    Sink
	wg      sync.WaitGroup
	mu      sync.Mutex
	dropped int64
	closed  bool
}

// NewQueue creates a notifier with the given buffer size and starts its
// delivery worker.
func NewQueue(buffer int, sink Sink) *Queue {
	if buffer <= 0 {
		buffer = 256
	}
	if sink == nil {
		sink = LogSink
	}
	q := &Queue{ch: make(chan domain.Notification, buffer), sink: sink}
	q.wg.Add(1)
	go q.deliver()
	return q
}

// Notify enqueues an event without blocking.
func (q *Queue) Notify(n domain.Notification) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	select {
	case q.ch <- n:
		q.mu.Unlock()
	default:
		q.dropped++
		q.mu.Unlock()
	}
}

// Dropped reports how many events were discarded on a full buffer.
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close drains pending events and stops the worker.
func (q *Queue) Close(ctx context.Context) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	close(q.ch)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (q *Queue) deliver() {
	defer q.wg.Done()
	for n := range q.ch {
		q.sink(n)
	}
}
