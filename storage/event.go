package storage

import (
	"reflect"
	"sync"

	simuniverse "github.com/arkvane/simuniverse"
)

// ring is an append-only event log with independent consumer cursors
// (spec.md §4.2's Event storage kind). Grounded on the teacher's
// CommandBuffer append/drain shape (command_buffer.go) generalized to
// retain history instead of draining it, since multiple cursors must
// each see every event submitted at or after their creation.
type ring struct {
	mu         sync.Mutex
	recordType reflect.Type
	events     []any
}

// NewRing constructs an empty event storage for t.
func NewRing(t reflect.Type) simuniverse.EventStorage {
	return &ring{recordType: t}
}

func (r *ring) RecordType() reflect.Type { return r.recordType }

func (r *ring) Push(value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, value)
}

func (r *ring) NewCursor() simuniverse.EventCursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &ringCursor{ring: r, pos: len(r.events)}
}

type ringCursor struct {
	ring *ring
	pos  int
}

func (c *ringCursor) Next() (any, bool) {
	c.ring.mu.Lock()
	defer c.ring.mu.Unlock()
	if c.pos >= len(c.ring.events) {
		return nil, false
	}
	v := c.ring.events[c.pos]
	c.pos++
	return v, true
}

var (
	_ simuniverse.EventStorage = (*ring)(nil)
	_ simuniverse.EventCursor  = (*ringCursor)(nil)
)
