package simuniverse

import "reflect"

// IndexKind names the four ways a query can select into an indexed
// storage, in the tie-break order spec.md §4.2 mandates when more than
// one applies: hash > ordered value > space > sequence scan.
type IndexKind uint8

const (
	IndexSequence IndexKind = iota
	IndexSpace
	IndexValue
	IndexHash
)

// Operator names the comparison a value-index query performs.
type Operator uint8

const (
	OpEqual Operator = iota
	OpRange
)

// IndexSelector names the (field path, operator) a query resolves to a
// concrete index, or IndexSequence for an unindexed scan.
type IndexSelector struct {
	Kind  IndexKind
	Field FieldPath
	Op    Operator
}

// SingletonStorage is the per-type single-record cell (spec.md §4.2). A
// storage subpackage (e.g. this module's storage.Cell) implements it;
// the root package never constructs one directly so that storage
// backends stay swappable the way the teacher's StorageStrategy does.
type SingletonStorage interface {
	// Get returns the current record pointer. Callers must hold a read
	// or write access (enforced by the Access Arbiter, not by Get itself).
	Get() any
	// Set overwrites the record. Callers must hold a write access.
	Set(value any)
}

// IndexedStorage is the per-type indexed table (spec.md §4.2): a dense
// record sequence with secondary indices created lazily per query.
type IndexedStorage interface {
	RecordType() reflect.Type
	Len() int

	// StageInsert allocates a handle and stages the record for
	// publication at the next step boundary. The record is not visible
	// to queries until Publish runs.
	StageInsert(value any) RecordHandle
	// StageDelete marks a handle for removal at the next step boundary.
	StageDelete(handle RecordHandle)

	// Get resolves a handle to its current record pointer, or false if
	// the handle is stale (already removed, or its generation mismatches).
	Get(handle RecordHandle) (any, bool)
	// Set overwrites the record at handle. Returns false if stale.
	Set(handle RecordHandle, value any) bool

	// Sequence iterates every live record without using an index.
	Sequence(fn func(RecordHandle, any) bool)
	// FetchByValue iterates records matching op against the named field,
	// building a value index on first use if one does not exist.
	FetchByValue(field FieldPath, op Operator, args ...any) ([]RecordHandle, error)
	// FetchByHash iterates records with field == value, building a hash
	// index on first use if one does not exist.
	FetchByHash(field FieldPath, value any) ([]RecordHandle, error)
	// FetchBySpace iterates records whose (min, max) bounding box for the
	// two named field paths overlaps the query box.
	FetchBySpace(minField, maxField FieldPath, queryMin, queryMax []float64) ([]RecordHandle, error)

	// Publish applies all staged inserts and deletes. Only safe to call
	// when the Access Arbiter reports zero outstanding accesses on this
	// storage; the caller (Repository) is responsible for that check.
	Publish()
}

// EventStorage is the append-only event queue with independent consumer
// cursors (spec.md §4.2).
type EventStorage interface {
	RecordType() reflect.Type
	// Push appends an event record, visible to cursors created before
	// this call; a cursor created afterwards starts at the tail and does
	// not see it ("consumer created at time T sees exactly those events
	// submitted at or after T").
	Push(value any)
	// NewCursor creates a consumer cursor positioned at the current tail.
	NewCursor() EventCursor
}

// EventCursor reads events in submit order and never blocks a producer.
type EventCursor interface {
	// Next returns the next unread event, or (nil, false) if caught up.
	Next() (any, bool)
}

// StorageStrategy constructs a concrete storage for one record type,
// mirroring the teacher's pluggable-backend pattern (api.go's
// StorageStrategy) so alternative backends (e.g. a shared/deduplicated
// indexed storage) can be registered without the Repository knowing
// about them.
type StorageStrategy interface {
	Name() string
	NewIndexed(t reflect.Type, layout *RecordLayout) IndexedStorage
}
