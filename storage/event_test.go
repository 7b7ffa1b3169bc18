package storage

import (
	"reflect"
	"testing"
)

func TestRingCursorSeesOnlyEventsSubmittedAtOrAfterCreation(t *testing.T) {
	r := NewRing(reflect.TypeOf(0))
	r.Push(1)

	cur := r.NewCursor()
	if _, ok := cur.Next(); ok {
		t.Fatalf("expected a cursor created after an event to not see it")
	}

	r.Push(2)
	r.Push(3)

	v, ok := cur.Next()
	if !ok || v != 2 {
		t.Fatalf("expected first unseen event to be 2, got %v, %v", v, ok)
	}
	v, ok = cur.Next()
	if !ok || v != 3 {
		t.Fatalf("expected second unseen event to be 3, got %v, %v", v, ok)
	}
	if _, ok := cur.Next(); ok {
		t.Fatalf("expected cursor to be caught up")
	}
}

func TestRingMultipleCursorsAreIndependent(t *testing.T) {
	r := NewRing(reflect.TypeOf(0))
	cur1 := r.NewCursor()
	r.Push("a")
	cur2 := r.NewCursor()
	r.Push("b")

	v1, _ := cur1.Next()
	if v1 != "a" {
		t.Fatalf("expected cur1 to see a, got %v", v1)
	}
	v1, _ = cur1.Next()
	if v1 != "b" {
		t.Fatalf("expected cur1 to see b, got %v", v1)
	}

	v2, _ := cur2.Next()
	if v2 != "b" {
		t.Fatalf("expected cur2 (created after a) to see only b, got %v", v2)
	}
	if _, ok := cur2.Next(); ok {
		t.Fatalf("expected cur2 to be caught up")
	}
}
