package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stipend-network/stipend/internal/domain"
)

func TestQueueDelivers(t *testing.T) {
	var mu sync.Mutex
	var got []domain.Notification
	q := NewQueue(8, func(n domain.Notification) {
		mu.Lock()
		got = append(got, n)
		mu.Unlock()
	})

	q.Notify(domain.Notification{Event: "a"})
	q.Notify(domain.Notification{Event: "b"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Close(ctx)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0].Event != "a" || got[1].Event != "b" {
		t.Fatalf("delivered = %+v", got)
	}
}

func TestQueueDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	q := NewQueue(1, func(domain.Notification) { <-block })

	// First event occupies the worker, second fills the buffer, the
	// rest must drop without blocking.
	for i := 0; i < 5; i++ {
		q.Notify(domain.Notification{Event: "x"})
	}
	if q.Dropped() == 0 {
		t.Fatal("no events dropped on a full buffer")
	}
	close(block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Close(ctx)
}

func TestNotifyAfterCloseIsNoop(t *testing.T) {
	q := NewQueue(1, func(domain.Notification) {})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Close(ctx)
	q.Notify(domain.Notification{Event: "late"}) // must not panic
}
