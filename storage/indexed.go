package storage

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	simuniverse "github.com/arkvane/simuniverse"
)

// DenseStrategy builds indexed storage as a generation-tagged dense
// array, ported from the teacher's denseStrategy/denseStore (dense.go):
// the same slot-reuse-via-generation-counter scheme that protected
// EntityID handles there now protects simuniverse.RecordHandle.
type DenseStrategy struct{}

// NewDenseStrategy constructs a dense indexed-storage strategy.
func NewDenseStrategy() simuniverse.StorageStrategy { return DenseStrategy{} }

func (DenseStrategy) Name() string { return "dense" }

func (DenseStrategy) NewIndexed(t reflect.Type, layout *simuniverse.RecordLayout) simuniverse.IndexedStorage {
	return &indexedTable{recordType: t, layout: layout}
}

type denseSlot struct {
	generation    uint32
	value         any
	occupied      bool
	pendingInsert bool
	pendingDelete bool
}

type indexedTable struct {
	mu    sync.Mutex
	recordType reflect.Type
	layout     *simuniverse.RecordLayout

	slots []denseSlot
	free  []uint32
	count int

	valueIdx map[simuniverse.FieldPath]*valueIndex
	hashIdx  map[simuniverse.FieldPath]map[string][]simuniverse.RecordHandle
}

type valueIndex struct {
	entries []valueEntry
}

type valueEntry struct {
	key    any
	handle simuniverse.RecordHandle
}

func (t *indexedTable) RecordType() reflect.Type { return t.recordType }

func (t *indexedTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

func (t *indexedTable) StageInsert(value any) simuniverse.RecordHandle {
	t.mu.Lock()
	defer t.mu.Unlock()

	if value == nil && t.layout != nil {
		value = t.layout.New()
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, denseSlot{})
	}
	slot := &t.slots[idx]
	slot.generation++
	slot.value = value
	slot.occupied = true
	slot.pendingInsert = true
	slot.pendingDelete = false
	t.count++
	return simuniverse.RecordHandleFromParts(idx, slot.generation)
}

func (t *indexedTable) StageDelete(handle simuniverse.RecordHandle) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(handle)
	if slot == nil {
		return
	}
	slot.pendingDelete = true
}

func (t *indexedTable) Get(handle simuniverse.RecordHandle) (any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(handle)
	if slot == nil {
		return nil, false
	}
	return slot.value, true
}

func (t *indexedTable) Set(handle simuniverse.RecordHandle, value any) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	slot := t.slotFor(handle)
	if slot == nil {
		return false
	}
	slot.value = value
	return true
}

// Sequence iterates every published, non-deleted record. Staged inserts
// stay invisible until Publish, matching spec.md §4.2's structural
// change gating.
func (t *indexedTable) Sequence(fn func(simuniverse.RecordHandle, any) bool) {
	t.mu.Lock()
	slots := make([]denseSlot, len(t.slots))
	copy(slots, t.slots)
	t.mu.Unlock()

	for idx, slot := range slots {
		if !slot.occupied || slot.pendingInsert || slot.pendingDelete {
			continue
		}
		h := simuniverse.RecordHandleFromParts(uint32(idx), slot.generation)
		if !fn(h, slot.value) {
			return
		}
	}
}

func (t *indexedTable) slotFor(handle simuniverse.RecordHandle) *denseSlot {
	idx := int(handle.Index())
	if idx < 0 || idx >= len(t.slots) {
		return nil
	}
	slot := &t.slots[idx]
	if !slot.occupied || slot.generation != handle.Generation() {
		return nil
	}
	return slot
}

// FetchByValue builds (or reuses) a sorted value index over field,
// grounded on the teacher's shared.go dedup-by-equality bucketing idea
// generalized to an ordered index supporting both equality and range
// queries (spec.md §4.2's "ordered value" index flavor).
func (t *indexedTable) FetchByValue(field simuniverse.FieldPath, op simuniverse.Operator, args ...any) ([]simuniverse.RecordHandle, error) {
	t.mu.Lock()
	idx := t.ensureValueIndexLocked(field)
	entries := idx.entries
	t.mu.Unlock()

	switch op {
	case simuniverse.OpEqual:
		if len(args) != 1 {
			return nil, fmt.Errorf("%w: value-equal query takes exactly one argument", simuniverse.ErrBadParams)
		}
		var out []simuniverse.RecordHandle
		for _, e := range entries {
			if compareAny(e.key, args[0]) == 0 {
				out = append(out, e.handle)
			}
		}
		return out, nil
	case simuniverse.OpRange:
		if len(args) != 2 {
			return nil, fmt.Errorf("%w: value-range query takes (min, max)", simuniverse.ErrBadParams)
		}
		var out []simuniverse.RecordHandle
		for _, e := range entries {
			if compareAny(e.key, args[0]) >= 0 && compareAny(e.key, args[1]) <= 0 {
				out = append(out, e.handle)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown value operator", simuniverse.ErrBadParams)
	}
}

func (t *indexedTable) ensureValueIndexLocked(field simuniverse.FieldPath) *valueIndex {
	if t.valueIdx == nil {
		t.valueIdx = make(map[simuniverse.FieldPath]*valueIndex)
	}
	if idx, ok := t.valueIdx[field]; ok {
		return idx
	}
	idx := &valueIndex{}
	for slotIdx, slot := range t.slots {
		if !slot.occupied || slot.pendingInsert || slot.pendingDelete {
			continue
		}
		key, ok := fieldValue(slot.value, field)
		if !ok {
			continue
		}
		idx.entries = append(idx.entries, valueEntry{
			key:    key,
			handle: simuniverse.RecordHandleFromParts(uint32(slotIdx), slot.generation),
		})
	}
	sort.Slice(idx.entries, func(i, j int) bool {
		return compareAny(idx.entries[i].key, idx.entries[j].key) < 0
	})
	t.valueIdx[field] = idx
	return idx
}

// FetchByHash builds (or reuses) a hash bucket index over field (spec.md
// §4.2's "hash" index flavor), highest priority in the tie-break order.
func (t *indexedTable) FetchByHash(field simuniverse.FieldPath, value any) ([]simuniverse.RecordHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	idx := t.ensureHashIndexLocked(field)
	return idx[hashKey(value)], nil
}

func (t *indexedTable) ensureHashIndexLocked(field simuniverse.FieldPath) map[string][]simuniverse.RecordHandle {
	if t.hashIdx == nil {
		t.hashIdx = make(map[simuniverse.FieldPath]map[string][]simuniverse.RecordHandle)
	}
	if idx, ok := t.hashIdx[field]; ok {
		return idx
	}
	idx := make(map[string][]simuniverse.RecordHandle)
	for slotIdx, slot := range t.slots {
		if !slot.occupied || slot.pendingInsert || slot.pendingDelete {
			continue
		}
		val, ok := fieldValue(slot.value, field)
		if !ok {
			continue
		}
		key := hashKey(val)
		h := simuniverse.RecordHandleFromParts(uint32(slotIdx), slot.generation)
		idx[key] = append(idx[key], h)
	}
	t.hashIdx[field] = idx
	return idx
}

// FetchBySpace performs a bounding-box overlap scan. No spatial-index
// library appears anywhere in the retrieved example pack, so this is a
// brute-force scan over the dense array rather than a tree structure;
// documented as a stdlib fallback in the design ledger.
func (t *indexedTable) FetchBySpace(minField, maxField simuniverse.FieldPath, queryMin, queryMax []float64) ([]simuniverse.RecordHandle, error) {
	t.mu.Lock()
	slots := make([]denseSlot, len(t.slots))
	copy(slots, t.slots)
	t.mu.Unlock()

	var out []simuniverse.RecordHandle
	for idx, slot := range slots {
		if !slot.occupied || slot.pendingInsert || slot.pendingDelete {
			continue
		}
		min, ok1 := floatSlice(slot.value, minField)
		max, ok2 := floatSlice(slot.value, maxField)
		if !ok1 || !ok2 || !boxesOverlap(min, max, queryMin, queryMax) {
			continue
		}
		out = append(out, simuniverse.RecordHandleFromParts(uint32(idx), slot.generation))
	}
	return out, nil
}

// Publish applies staged inserts/deletes and invalidates secondary
// indices, per spec.md §4.2's step-boundary structural change flush.
func (t *indexedTable) Publish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for idx := range t.slots {
		slot := &t.slots[idx]
		if slot.pendingDelete {
			slot.occupied = false
			slot.value = nil
			slot.pendingInsert = false
			slot.pendingDelete = false
			t.free = append(t.free, uint32(idx))
			t.count--
			continue
		}
		slot.pendingInsert = false
	}
	t.valueIdx = nil
	t.hashIdx = nil
}

func fieldValue(record any, field simuniverse.FieldPath) (any, bool) {
	v := reflect.ValueOf(record)
	if v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return nil, false
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, false
	}
	f := v.FieldByName(string(field))
	if !f.IsValid() || !f.CanInterface() {
		return nil, false
	}
	return f.Interface(), true
}

func floatSlice(record any, field simuniverse.FieldPath) ([]float64, bool) {
	val, ok := fieldValue(record, field)
	if !ok {
		return nil, false
	}
	rv := reflect.ValueOf(val)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		out := make([]float64, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			f, ok := toFloat(rv.Index(i).Interface())
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		f, ok := toFloat(val)
		if !ok {
			return nil, false
		}
		return []float64{f}, true
	}
}

func boxesOverlap(min, max, queryMin, queryMax []float64) bool {
	n := len(min)
	if len(max) != n || len(queryMin) != n || len(queryMax) != n {
		return false
	}
	for i := 0; i < n; i++ {
		if max[i] < queryMin[i] || min[i] > queryMax[i] {
			return false
		}
	}
	return true
}

func toFloat(v any) (float64, bool) {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	default:
		return 0, false
	}
}

func hashKey(v any) string {
	return fmt.Sprintf("%#v", v)
}

func compareAny(a, b any) int {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			switch {
			case fa < fb:
				return -1
			case fa > fb:
				return 1
			default:
				return 0
			}
		}
	}
	sa, sb := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case sa < sb:
		return -1
	case sa > sb:
		return 1
	default:
		return 0
	}
}

var _ simuniverse.IndexedStorage = (*indexedTable)(nil)
