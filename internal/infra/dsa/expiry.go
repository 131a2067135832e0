package dsa

import (
	"sync"
	"time"
)

// ─── Expiry Index (Min-Heap) ────────────────────────────────────────────────
// Binary min-heap ordered by deadline, used to schedule hold-expiry
// sweeps without polling every row. The durable store stays the source
// of truth; the index is a hint that is rebuilt on startup and tolerates
// stale entries (a popped key whose hold already resolved is a no-op).
//
// Operations:
//   Add:       O(log n)
//   Remove:    O(1) amortized — lazy tombstone, reaped on pop
//   PopDue:    O(log n) per returned key
//   NextAfter: O(1)

// ExpiryIndex is a thread-safe deadline heap with lazy removal.
type ExpiryIndex struct {
	mu        sync.Mutex
	heap      []expiryItem
	tombstone map[string]struct{}
}

type expiryItem struct {
	Key string
	At  time.Time
}

// NewExpiryIndex creates an empty index.
func NewExpiryIndex() *ExpiryIndex {
	return &ExpiryIndex{tombstone: make(map[string]struct{})}
}

// Add schedules key at the given deadline.
func (x *ExpiryIndex) Add(key string, at time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()

	delete(x.tombstone, key)
	x.heap = append(x.heap, expiryItem{Key: key, At: at})
	x.siftUp(len(x.heap) - 1)
}

// Remove marks key as resolved. The entry stays in the heap until it
// surfaces, then gets dropped instead of returned.
func (x *ExpiryIndex) Remove(key string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.tombstone[key] = struct{}{}
}

// PopDue removes and returns every key whose deadline is at or before
// now, earliest first. Tombstoned entries are reaped silently.
func (x *ExpiryIndex) PopDue(now time.Time) []string {
	x.mu.Lock()
	defer x.mu.Unlock()

	var due []string
	for len(x.heap) > 0 && !x.heap[0].At.After(now) {
		item := x.popTop()
		if _, dead := x.tombstone[item.Key]; dead {
			delete(x.tombstone, item.Key)
			continue
		}
		due = append(due, item.Key)
	}
	return due
}

// NextAfter returns the earliest pending deadline, or ok=false when the
// index is empty. Callers use it to size the sleep until the next sweep.
func (x *ExpiryIndex) NextAfter() (time.Time, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	for len(x.heap) > 0 {
		if _, dead := x.tombstone[x.heap[0].Key]; !dead {
			return x.heap[0].At, true
		}
		item := x.popTop()
		delete(x.tombstone, item.Key)
	}
	return time.Time{}, false
}

// Len returns the number of scheduled entries, tombstones included.
func (x *ExpiryIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.heap)
}

func (x *ExpiryIndex) popTop() expiryItem {
	top := x.heap[0]
	last := len(x.heap) - 1
	x.heap[0] = x.heap[last]
	x.heap = x.heap[:last]
	if len(x.heap) > 0 {
		x.siftDown(0)
	}
	return top
}

func (x *ExpiryIndex) less(i, j int) bool {
	return x.heap[i].At.Before(x.heap[j].At)
}

func (x *ExpiryIndex) siftUp(idx int) {
	for idx > 0 {
		parent := (idx - 1) / 2
		if x.less(idx, parent) {
			x.heap[idx], x.heap[parent] = x.heap[parent], x.heap[idx]
			idx = parent
		} else {
			break
		}
	}
}

func (x *ExpiryIndex) siftDown(idx int) {
	n := len(x.heap)
	for {
		smallest := idx
		left := 2*idx + 1
		right := 2*idx + 2

		if left < n && x.less(left, smallest) {
			smallest = left
		}
		if right < n && x.less(right, smallest) {
			smallest = right
		}
		if smallest == idx {
			break
		}
		x.heap[idx], x.heap[smallest] = x.heap[smallest], x.heap[idx]
		idx = smallest
	}
}
