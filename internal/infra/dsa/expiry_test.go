package dsa

import (
	"testing"
	"time"
)

func TestExpiryIndexOrdering(t *testing.T) {
	x := NewExpiryIndex()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	x.Add("c", base.Add(3*time.Minute))
	x.Add("a", base.Add(1*time.Minute))
	x.Add("b", base.Add(2*time.Minute))

	due := x.PopDue(base.Add(2 * time.Minute))
	if len(due) != 2 || due[0] != "a" || due[1] != "b" {
		t.Fatalf("due = %v, want [a b]", due)
	}
	if due := x.PopDue(base.Add(2 * time.Minute)); len(due) != 0 {
		t.Fatalf("second pop returned %v", due)
	}
	next, ok := x.NextAfter()
	if !ok || !next.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("next = %v ok=%v", next, ok)
	}
}

func TestExpiryIndexRemove(t *testing.T) {
	x := NewExpiryIndex()
	base := time.Now()

	x.Add("gone", base.Add(time.Minute))
	x.Add("kept", base.Add(2*time.Minute))
	x.Remove("gone")

	if due := x.PopDue(base.Add(time.Minute)); len(due) != 0 {
		t.Fatalf("tombstoned key surfaced: %v", due)
	}
	next, ok := x.NextAfter()
	if !ok || !next.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("next skipped past tombstone wrong: %v ok=%v", next, ok)
	}
}

func TestExpiryIndexReadd(t *testing.T) {
	x := NewExpiryIndex()
	base := time.Now()

	x.Add("k", base.Add(time.Minute))
	x.Remove("k")
	x.Add("k", base.Add(time.Minute))

	due := x.PopDue(base.Add(time.Minute))
	if len(due) != 1 || due[0] != "k" {
		t.Fatalf("re-added key lost: %v", due)
	}
}

func TestExpiryIndexEmpty(t *testing.T) {
	x := NewExpiryIndex()
	if _, ok := x.NextAfter(); ok {
		t.Fatal("NextAfter on empty index reported ok")
	}
	if due := x.PopDue(time.Now()); due != nil {
		t.Fatalf("PopDue on empty index: %v", due)
	}
}
