package simuniverse

import (
	"fmt"
	"reflect"
)

// Binding is a record type plus an access mode plus an optional index
// selector, declared inside a mutator's state record (spec.md §3). The
// repository instantiates bindings into live queries when a mutator is
// deployed into a world.
type Binding struct {
	Type     reflect.Type
	Mode     AccessMode
	Selector IndexSelector
	// Insert marks a binding as the indexed-insert flavor rather than a
	// read/write-by-selector flavor.
	Insert bool
}

// SingletonBinding describes a binding against a singleton storage.
func SingletonBinding(t reflect.Type, mode AccessMode) Binding {
	return Binding{Type: t, Mode: mode}
}

// SequenceBinding iterates an indexed storage without an index.
func SequenceBinding(t reflect.Type, mode AccessMode) Binding {
	return Binding{Type: t, Mode: mode, Selector: IndexSelector{Kind: IndexSequence}}
}

// InsertBinding declares an indexed-insert binding.
func InsertBinding(t reflect.Type) Binding {
	return Binding{Type: t, Mode: AccessWrite, Insert: true}
}

// ValueBinding declares a value-index read/write binding (equality or
// range, picked by op).
func ValueBinding(t reflect.Type, mode AccessMode, field FieldPath, op Operator) Binding {
	return Binding{Type: t, Mode: mode, Selector: IndexSelector{Kind: IndexValue, Field: field, Op: op}}
}

// HashBinding declares a hash-index equality binding.
func HashBinding(t reflect.Type, mode AccessMode, field FieldPath) Binding {
	return Binding{Type: t, Mode: mode, Selector: IndexSelector{Kind: IndexHash, Field: field, Op: OpEqual}}
}

// SpaceBinding declares a space-index box-query binding. Field encodes
// "min,max" dimension paths joined by a comma, split again by
// splitSpaceField.
func SpaceBinding(t reflect.Type, mode AccessMode, minField, maxField FieldPath) Binding {
	return Binding{Type: t, Mode: mode, Selector: IndexSelector{Kind: IndexSpace, Field: minField + "," + maxField}}
}

// EventBinding declares a binding against an event storage (insert or
// fetch, selected by mode: AccessWrite inserts, AccessRead fetches).
func EventBinding(t reflect.Type, mode AccessMode) Binding {
	return Binding{Type: t, Mode: mode, Selector: IndexSelector{Kind: IndexSequence}}
}

// SingletonToken is a write- or read-scoped capability over a singleton
// record.
type SingletonToken struct {
	engine *QueryEngine
	typ    reflect.Type
	mode   AccessMode
	closed bool
	pre    reflect.Value // snapshot for the event router, write mode only
}

// Resolve returns the live record pointer. Fatal if called after Close.
func (tok *SingletonToken) Resolve() any {
	if tok.closed {
		fatalf("resolve on closed singleton token for %v", tok.typ)
	}
	st, _ := tok.engine.repo.singleton(tok.typ)
	return st.Get()
}

// Close releases the access, running the event router's on-change diff
// if this was a write token (spec.md §4.5).
func (tok *SingletonToken) Close() {
	if tok.closed {
		fatalf("double close on singleton token for %v", tok.typ)
	}
	tok.closed = true
	if tok.mode == AccessWrite {
		st, _ := tok.engine.repo.singleton(tok.typ)
		post := reflect.ValueOf(st.Get())
		tok.engine.repo.router.recordChange(tok.engine.repo, tok.typ, tok.pre, post)
		tok.engine.repo.arbiter.WriteRelease(tok.typ)
	} else {
		tok.engine.repo.arbiter.ReadRelease(tok.typ)
	}
}

// RecordToken is a write- or read-scoped capability over one indexed
// record, or an insert token over a newly staged one.
type RecordToken struct {
	engine  *QueryEngine
	typ     reflect.Type
	mode    AccessMode
	handle  RecordHandle
	isInsert bool
	closed  bool
	pre     reflect.Value
}

// Resolve returns the live record pointer addressed by the token.
func (tok *RecordToken) Resolve() any {
	if tok.closed {
		fatalf("resolve on closed record token for %v", tok.typ)
	}
	storage, _ := tok.engine.repo.indexed(tok.typ)
	v, ok := storage.Get(tok.handle)
	if !ok {
		fatalf("resolve on stale handle %v for %v", tok.handle, tok.typ)
	}
	return v
}

// Handle returns the record handle the token addresses. Valid to call
// even after Close (handles may be retained; raw pointers may not).
func (tok *RecordToken) Handle() RecordHandle { return tok.handle }

// Close releases the access. For an insert token, the record becomes
// visible to new queries only once the storage next publishes (spec.md
// §4.2). For a write token on an existing record, the on-change diff
// runs immediately against the pre-image snapshotted when the token was
// handed out.
func (tok *RecordToken) Close() {
	if tok.closed {
		fatalf("double close on record token for %v", tok.typ)
	}
	tok.closed = true
	storage, _ := tok.engine.repo.indexed(tok.typ)
	if tok.isInsert {
		tok.engine.repo.router.recordAdd(tok.engine.repo, tok.typ, tok.handle)
		tok.engine.repo.arbiter.WriteRelease(tok.typ)
		return
	}
	if tok.mode == AccessWrite {
		v, ok := storage.Get(tok.handle)
		if ok {
			post := reflect.ValueOf(v)
			tok.engine.repo.router.recordChange(tok.engine.repo, tok.typ, tok.pre, post)
		}
		tok.engine.repo.arbiter.WriteRelease(tok.typ)
	} else {
		tok.engine.repo.arbiter.ReadRelease(tok.typ)
	}
}

// Delete stages removal of the record this write token addresses. The
// on-remove event fires (with access to the final state) before Close
// releases the write access, per spec.md §4.5.
func (tok *RecordToken) Delete() {
	if tok.mode != AccessWrite || tok.isInsert {
		fatalf("delete requires a write token on an existing record")
	}
	storage, _ := tok.engine.repo.indexed(tok.typ)
	tok.engine.repo.router.recordRemove(tok.engine.repo, tok.typ, tok.handle)
	storage.StageDelete(tok.handle)
}

// Cursor iterates RecordTokens produced by an indexed fetch.
type Cursor struct {
	engine  *QueryEngine
	typ     reflect.Type
	mode    AccessMode
	handles []RecordHandle
	pos     int
}

// Next returns the next token in the cursor, or nil if exhausted.
func (c *Cursor) Next() *RecordToken {
	if c.pos >= len(c.handles) {
		return nil
	}
	h := c.handles[c.pos]
	c.pos++
	return c.engine.tokenFor(c.typ, c.mode, h)
}

func (qe *QueryEngine) tokenFor(typ reflect.Type, mode AccessMode, h RecordHandle) *RecordToken {
	if mode == AccessWrite {
		qe.repo.arbiter.WriteAcquire(typ)
	} else {
		qe.repo.arbiter.ReadAcquire(typ)
	}
	tok := &RecordToken{engine: qe, typ: typ, mode: mode, handle: h}
	if mode == AccessWrite {
		storage, _ := qe.repo.indexed(typ)
		if v, ok := storage.Get(h); ok {
			tok.pre = snapshotObserved(qe.repo, typ, reflect.ValueOf(v))
		}
	}
	return tok
}

// QueryEngine executes declared bindings against a Repository,
// translating each into one of the nine access flavors named in
// spec.md §4.4.
type QueryEngine struct {
	repo *Repository
}

func newQueryEngine(repo *Repository) *QueryEngine {
	return &QueryEngine{repo: repo}
}

// Execute runs one binding, returning either a *SingletonToken, a
// *RecordToken (insert flavor), a *Cursor, an EventCursor (event read),
// or nil (event insert), depending on the binding's shape. args supplies the query's
// parameters: one value for Op/Eq, two for Op/Range, and (min, max)
// []float64 pairs for space queries.
func (qe *QueryEngine) Execute(b Binding, args ...any) (any, error) {
	layout, ok := qe.repo.layouts.Layout(b.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, b.Type)
	}

	switch layout.Classification {
	case ClassificationSingleton:
		return qe.executeSingleton(b)
	case ClassificationEvent:
		return qe.executeEvent(b, args...)
	default:
		return qe.executeIndexed(b, args...)
	}
}

func (qe *QueryEngine) executeSingleton(b Binding) (*SingletonToken, error) {
	st, ok := qe.repo.singleton(b.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, b.Type)
	}
	if b.Mode == AccessWrite {
		qe.repo.arbiter.WriteAcquire(b.Type)
	} else {
		qe.repo.arbiter.ReadAcquire(b.Type)
	}
	tok := &SingletonToken{engine: qe, typ: b.Type, mode: b.Mode}
	if b.Mode == AccessWrite {
		tok.pre = snapshotObserved(qe.repo, b.Type, reflect.ValueOf(st.Get()))
	}
	return tok, nil
}

func (qe *QueryEngine) executeEvent(b Binding, args ...any) (any, error) {
	ev, ok := qe.repo.event(b.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, b.Type)
	}
	if b.Mode == AccessWrite {
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: event insert takes exactly one value", ErrBadParams)
		}
		ev.Push(args[0])
		return nil, nil
	}
	return ev.NewCursor(), nil
}

func (qe *QueryEngine) executeIndexed(b Binding, args ...any) (any, error) {
	storage, ok := qe.repo.indexed(b.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrUnknownType, b.Type)
	}

	if b.Insert {
		qe.repo.arbiter.WriteAcquire(b.Type)
		h := storage.StageInsert(nil)
		return &RecordToken{engine: qe, typ: b.Type, mode: AccessWrite, handle: h, isInsert: true}, nil
	}

	var handles []RecordHandle
	var err error
	switch b.Selector.Kind {
	case IndexSequence:
		storage.Sequence(func(h RecordHandle, _ any) bool {
			handles = append(handles, h)
			return true
		})
	case IndexValue:
		handles, err = storage.FetchByValue(b.Selector.Field, b.Selector.Op, args...)
	case IndexHash:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: hash query takes exactly one value", ErrBadParams)
		}
		handles, err = storage.FetchByHash(b.Selector.Field, args[0])
	case IndexSpace:
		minField, maxField, ferr := splitSpaceField(b.Selector.Field)
		if ferr != nil {
			return nil, ferr
		}
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: space query takes (min, max []float64)", ErrBadParams)
		}
		qmin, ok1 := args[0].([]float64)
		qmax, ok2 := args[1].([]float64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("%w: space query takes (min, max []float64)", ErrBadParams)
		}
		handles, err = storage.FetchBySpace(minField, maxField, qmin, qmax)
	default:
		return nil, fmt.Errorf("%w: unknown index selector", ErrUnknownBinding)
	}
	if err != nil {
		return nil, err
	}
	return &Cursor{engine: qe, typ: b.Type, mode: b.Mode, handles: handles}, nil
}

func splitSpaceField(f FieldPath) (FieldPath, FieldPath, error) {
	s := string(f)
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			return FieldPath(s[:i]), FieldPath(s[i+1:]), nil
		}
	}
	return "", "", fmt.Errorf("%w: malformed space selector %q", ErrBadParams, f)
}

// snapshotObserved copies the whole record (not only its observed
// fields) into a fresh reflect.Value, used as the pre-image for the Automatic Event
// Router's diff (spec.md §4.5). If record is invalid (nil interface),
// returns the zero Value.
func snapshotObserved(repo *Repository, typ reflect.Type, record reflect.Value) reflect.Value {
	if !record.IsValid() {
		return reflect.Value{}
	}
	elem := record
	if elem.Kind() == reflect.Ptr {
		if elem.IsNil() {
			return reflect.Value{}
		}
		elem = elem.Elem()
	}
	clone := reflect.New(elem.Type()).Elem()
	clone.Set(elem)
	return clone.Addr()
}
