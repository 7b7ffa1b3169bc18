package simuniverse

import (
	"reflect"
	"sync"
)

// EventRouter emits on-add/on-change/on-remove events by diffing
// snapshots against observed-field projections (spec.md §4.5). One
// router is owned per repository.
//
// Ordering: all automatic events generated during one pipeline step are
// serialized at the step boundary (spec.md §4.5). The router itself
// stages every emitted event (emit/emitChange push into r.pending
// rather than the target EventStorage directly); Repository.EndStep
// flushes r.pending into the target storages in the same pass that
// publishes indexed structural changes, so a cursor reading mid-step —
// even one reading events emitted earlier in that same step — never
// observes an event before step N+1, matching spec.md §5.
type EventRouter struct {
	mu      sync.Mutex
	pending []stagedEvent
}

type stagedEvent struct {
	target EventStorage
	value  any
}

func newEventRouter() *EventRouter { return &EventRouter{} }

// stage queues value for target instead of pushing it immediately.
func (r *EventRouter) stage(target EventStorage, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = append(r.pending, stagedEvent{target: target, value: value})
}

// flush pushes every staged event into its target storage and clears
// the queue. Called from Repository.EndStep at the step boundary.
func (r *EventRouter) flush() {
	r.mu.Lock()
	staged := r.pending
	r.pending = nil
	r.mu.Unlock()

	for _, ev := range staged {
		ev.target.Push(ev.value)
	}
}

func (r *EventRouter) recordAdd(repo *Repository, typ reflect.Type, handle RecordHandle) {
	layout, ok := repo.layouts.Layout(typ)
	if !ok {
		return
	}
	storage, ok := repo.indexed(typ)
	if !ok {
		return
	}
	record, ok := storage.Get(handle)
	if !ok {
		return
	}
	post := reflect.ValueOf(record)
	for _, ev := range layout.Events {
		if ev.kind != EventOnAdd {
			continue
		}
		r.emit(repo, ev, reflect.Value{}, post)
	}
}

func (r *EventRouter) recordRemove(repo *Repository, typ reflect.Type, handle RecordHandle) {
	layout, ok := repo.layouts.Layout(typ)
	if !ok {
		return
	}
	storage, ok := repo.indexed(typ)
	if !ok {
		return
	}
	record, ok := storage.Get(handle)
	if !ok {
		return
	}
	pre := reflect.ValueOf(record)
	for _, ev := range layout.Events {
		if ev.kind != EventOnRemove {
			continue
		}
		r.emit(repo, ev, pre, reflect.Value{})
	}
}

// recordChange is invoked at write-token close for both singletons and
// indexed records. It computes the symmetric difference between pre and
// post restricted to the observed-field projection; if anything
// differs, it fires on-change with copy-outs chosen per field: unchanged
// fields copy from pre, changed fields copy from post.
func (r *EventRouter) recordChange(repo *Repository, typ reflect.Type, pre, post reflect.Value) {
	if !pre.IsValid() || !post.IsValid() {
		return
	}
	layout, ok := repo.layouts.Layout(typ)
	if !ok {
		return
	}
	preElem := indirect(pre)
	postElem := indirect(post)
	if !preElem.IsValid() || !postElem.IsValid() {
		return
	}

	changed := false
	for _, path := range layout.ObservedFields {
		if !reflect.DeepEqual(fieldByIndex(preElem, path), fieldByIndex(postElem, path)) {
			changed = true
			break
		}
	}
	if !changed {
		return
	}

	for _, ev := range layout.Events {
		if ev.kind != EventOnChange {
			continue
		}
		r.emitChange(repo, ev, preElem, postElem)
	}
}

func (r *EventRouter) emit(repo *Repository, ev resolvedEvent, pre, post reflect.Value) {
	if ev.triggerType == nil {
		return
	}
	target, ok := repo.eventByType(ev.triggerType)
	if !ok {
		return
	}
	out := reflect.New(ev.triggerType)
	src := post
	if !src.IsValid() {
		src = pre
	}
	srcElem := indirect(src)
	for _, co := range ev.copyOuts {
		if srcElem.IsValid() && co.target != nil {
			setFieldByIndex(out.Elem(), co.target, fieldByIndex(srcElem, co.source))
		}
	}
	r.stage(target, out.Interface())
}

func (r *EventRouter) emitChange(repo *Repository, ev resolvedEvent, preElem, postElem reflect.Value) {
	if ev.triggerType == nil {
		return
	}
	target, ok := repo.eventByType(ev.triggerType)
	if !ok {
		return
	}
	out := reflect.New(ev.triggerType)
	fieldChanged := make(map[int]bool)
	for _, path := range ev.observedFields {
		fieldChanged[pathKey(path)] = !reflect.DeepEqual(fieldByIndex(preElem, path), fieldByIndex(postElem, path))
	}
	for _, co := range ev.copyOuts {
		if co.target == nil {
			continue
		}
		side := preElem
		if fieldChanged[pathKey(co.source)] {
			side = postElem
		}
		setFieldByIndex(out.Elem(), co.target, fieldByIndex(side, co.source))
	}
	r.stage(target, out.Interface())
}

func indirect(v reflect.Value) reflect.Value {
	if !v.IsValid() {
		return v
	}
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return reflect.Value{}
		}
		return v.Elem()
	}
	return v
}

func fieldByIndex(v reflect.Value, path []int) any {
	f := v.FieldByIndex(path)
	if !f.CanInterface() {
		return nil
	}
	return f.Interface()
}

func setFieldByIndex(v reflect.Value, path []int, value any) {
	if value == nil {
		return
	}
	f := v.FieldByIndex(path)
	if f.CanSet() {
		f.Set(reflect.ValueOf(value))
	}
}

func pathKey(path []int) int {
	key := 0
	for _, p := range path {
		key = key*31 + p + 1
	}
	return key
}
