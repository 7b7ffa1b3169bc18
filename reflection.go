package simuniverse

import (
	"fmt"
	"reflect"
)

// FieldMeta mirrors the field-level metadata the reflection registry
// supplies per spec.md §6: observed/ignore flags, dynamic-array element
// type, size-field reference, and visibility-condition (discriminated
// union arm) fields.
type FieldMeta struct {
	Name                      string
	Observed                  bool
	Ignore                    bool
	DynamicArrayElementType   reflect.Type
	SizeField                 string
	VisibilityConditionField  string
	VisibilityConditionValues []int64
	// RenamedFrom names the field's previous name, consulted by the
	// Migration Engine's field-mapping plan (SPEC_FULL.md §4).
	RenamedFrom string
}

// CopyOutPlan maps one field path in the triggering record to one field
// path in the emitted event record.
type CopyOutPlan struct {
	Source FieldPath
	Target FieldPath
}

// EventMeta declares one automatic-event trigger attached to a record
// type: the event record type it emits into, the fields it observes (for
// on-change), and its copy-out plan.
type EventMeta struct {
	Kind           EventKind
	TriggerType    reflect.Type
	ObservedFields []FieldPath // only meaningful for EventOnChange
	CopyOuts       []CopyOutPlan
}

// TypeMeta is the reflection registry's complete description of one
// record type: classification, explicit init/shutdown markers, field
// metadata, and automatic-event declarations.
//
// Name is the type's stable logical identity, independent of Type. Go's
// reflect.Type is fixed at compile time, so a registry "version bump"
// (spec.md §4.8) models a record's Go struct being replaced by a newer
// compiled version under the same logical Name rather than the same
// reflect.Type mutating in place; the Migration Engine correlates the
// pre- and post-version TypeMeta by Name. A registry that never changes
// record shapes can leave Name empty (it then defaults to Type.String(),
// and no two versions of a type will ever correlate).
type TypeMeta struct {
	Name             string
	Type             reflect.Type
	Classification   Classification
	ExplicitInit     bool
	ExplicitShutdown bool
	Fields           []FieldMeta
	Events           []EventMeta
}

// ReflectionRegistry is the external reflection registry consumed by the
// core (spec.md §6). The core never mutates or owns this data; it is a
// read-only metadata source the Record Layout Service walks once per
// type (and again on every migration, per a new Version()).
type ReflectionRegistry interface {
	// Types lists every registered record type's metadata.
	Types() []TypeMeta
	// Lookup returns the metadata for one type, if registered.
	Lookup(t reflect.Type) (TypeMeta, bool)
	// Version changes whenever the registry is rebuilt (e.g. hot-reload
	// of reflection-generating code). The Universe watches this to
	// decide when to run the Migration Engine.
	Version() uint64
}

// Initializer is implemented by record types with an explicit
// constructor, per Design Notes §9's construct_in_place capability.
type Initializer interface{ Init() }

// Shutdowner is implemented by record types with an explicit finalizer,
// the destruct_in_place capability.
type Shutdowner interface{ Shutdown() }

// copyOutPath is a CopyOutPlan with both sides resolved to reflect field
// index chains, computed once at layout time.
type copyOutPath struct {
	source []int
	target []int
}

type resolvedEvent struct {
	kind           EventKind
	triggerType    reflect.Type
	observedFields [][]int
	copyOuts       []copyOutPath
}

// RecordLayout is the Record Layout Service's output for one record
// type: size/alignment (diagnostic only — Go values are GC-managed, but
// the source models storage capacity in these terms and callers may
// want them for instrumentation), the init/shutdown capability set, the
// observed-field projection, and the resolved copy-out plans per event
// kind.
type RecordLayout struct {
	Name             string
	Type             reflect.Type
	Classification   Classification
	Size             uintptr
	Align            uintptr
	ExplicitInit     bool
	ExplicitShutdown bool
	ObservedFields   [][]int
	Events           []resolvedEvent
	fieldIndex       map[string][]int
	fieldRenames     map[string]string // new field name -> RenamedFrom source, for migration
}

// New returns a freshly allocated, initialized record of this layout's
// type (as a pointer), honoring the explicit-init capability.
func (l *RecordLayout) New() any {
	v := reflect.New(l.Type)
	if l.ExplicitInit {
		if initer, ok := v.Interface().(Initializer); ok {
			initer.Init()
		}
	}
	return v.Interface()
}

// Shutdown runs the explicit finalizer on a record of this layout's
// type, if one is declared.
func (l *RecordLayout) Shutdown(record any) {
	if !l.ExplicitShutdown {
		return
	}
	if downer, ok := record.(Shutdowner); ok {
		downer.Shutdown()
	}
}

// LayoutService computes and caches RecordLayouts from a
// ReflectionRegistry. One instance is owned per repository (spec.md
// §4.1); the Migration Engine asks it to recompute when the registry's
// Version changes.
type LayoutService struct {
	registry ReflectionRegistry
	layouts  map[reflect.Type]*RecordLayout
	byName   map[string]*RecordLayout
	version  uint64
}

// NewLayoutService builds layouts for every type currently in registry.
// Returns ErrLayoutInvalid (wrapped) on the first type that cannot be
// built, per spec.md §4.1/§7.
func NewLayoutService(registry ReflectionRegistry) (*LayoutService, error) {
	s := &LayoutService{
		registry: registry,
		layouts:  make(map[reflect.Type]*RecordLayout),
	}
	if err := s.rebuild(); err != nil {
		return nil, err
	}
	return s, nil
}

// Layout returns the computed layout for t, if registered.
func (s *LayoutService) Layout(t reflect.Type) (*RecordLayout, bool) {
	l, ok := s.layouts[t]
	return l, ok
}

// LayoutByName returns the computed layout for a type's logical name, if
// registered. Used by the Migration Engine to correlate a record's
// pre-version and post-version layouts.
func (s *LayoutService) LayoutByName(name string) (*RecordLayout, bool) {
	l, ok := s.byName[name]
	return l, ok
}

// SnapshotByName returns a point-in-time copy of the name-to-layout
// index, used by the Migration Engine to retain the pre-refresh layouts
// after Refresh has swapped in the post-refresh ones.
func (s *LayoutService) SnapshotByName() map[string]*RecordLayout {
	out := make(map[string]*RecordLayout, len(s.byName))
	for k, v := range s.byName {
		out[k] = v
	}
	return out
}

// Version returns the registry version this service's layouts were
// computed from.
func (s *LayoutService) Version() uint64 { return s.version }

// Refresh recomputes layouts if the registry has published a new
// version, returning whether a rebuild happened. Used by the Migration
// Engine's quiesce-then-rebuild protocol (spec.md §4.8).
func (s *LayoutService) Refresh() (bool, error) {
	if s.registry.Version() == s.version {
		return false, nil
	}
	oldLayouts, oldByName := s.layouts, s.byName
	if err := s.rebuild(); err != nil {
		s.layouts, s.byName = oldLayouts, oldByName
		return false, err
	}
	return true, nil
}

func (s *LayoutService) rebuild() error {
	metas := s.registry.Types()
	layouts := make(map[reflect.Type]*RecordLayout, len(metas))
	byName := make(map[string]*RecordLayout, len(metas))
	for _, meta := range metas {
		layout, err := buildLayout(meta)
		if err != nil {
			return err
		}
		layouts[meta.Type] = layout
		byName[layout.Name] = layout
	}
	s.layouts = layouts
	s.byName = byName
	s.version = s.registry.Version()
	return nil
}

func buildLayout(meta TypeMeta) (*RecordLayout, error) {
	if meta.Type == nil || meta.Type.Kind() != reflect.Struct {
		return nil, fmt.Errorf("%w: %v is not a struct type", ErrLayoutInvalid, meta.Type)
	}

	fieldIndex := make(map[string][]int, len(meta.Fields))
	fieldRenames := make(map[string]string)
	for _, fm := range meta.Fields {
		if fm.Ignore {
			continue
		}
		sf, ok := meta.Type.FieldByName(fm.Name)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s not found", ErrLayoutInvalid, meta.Type, fm.Name)
		}
		fieldIndex[fm.Name] = sf.Index
		if fm.RenamedFrom != "" {
			fieldIndex[fm.RenamedFrom] = sf.Index
			fieldRenames[fm.Name] = fm.RenamedFrom
		}

		if fm.DynamicArrayElementType == nil && sf.Type.Kind() == reflect.Slice {
			// A slice field with no declared element type cannot be
			// patch-applied during migration.
			if fm.SizeField == "" {
				return nil, fmt.Errorf("%w: %s.%s is a dynamic array with unknown element type",
					ErrLayoutInvalid, meta.Type, fm.Name)
			}
		}
		if fm.SizeField != "" {
			if _, ok := meta.Type.FieldByName(fm.SizeField); !ok {
				return nil, fmt.Errorf("%w: %s.%s references missing size field %s",
					ErrLayoutInvalid, meta.Type, fm.Name, fm.SizeField)
			}
		}
		if fm.VisibilityConditionField != "" {
			discriminant, ok := meta.Type.FieldByName(fm.VisibilityConditionField)
			if !ok {
				return nil, fmt.Errorf("%w: %s.%s references missing discriminant %s",
					ErrLayoutInvalid, meta.Type, fm.Name, fm.VisibilityConditionField)
			}
			switch discriminant.Type.Kind() {
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			default:
				return nil, fmt.Errorf("%w: %s.%s discriminant %s is not an integer kind",
					ErrLayoutInvalid, meta.Type, fm.Name, fm.VisibilityConditionField)
			}
		}
	}

	observed := make([][]int, 0)
	observedSet := make(map[string]struct{})
	for _, ev := range meta.Events {
		if ev.Kind != EventOnChange {
			continue
		}
		for _, fp := range ev.ObservedFields {
			name := string(fp)
			if _, ok := observedSet[name]; ok {
				continue
			}
			idx, ok := fieldIndex[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s observes missing field %s", ErrLayoutInvalid, meta.Type, name)
			}
			observedSet[name] = struct{}{}
			observed = append(observed, idx)
		}
	}

	events := make([]resolvedEvent, 0, len(meta.Events))
	for _, ev := range meta.Events {
		re := resolvedEvent{kind: ev.Kind, triggerType: ev.TriggerType}
		for _, fp := range ev.ObservedFields {
			idx, ok := fieldIndex[string(fp)]
			if !ok {
				return nil, fmt.Errorf("%w: %s observes missing field %s", ErrLayoutInvalid, meta.Type, fp)
			}
			re.observedFields = append(re.observedFields, idx)
		}
		for _, co := range ev.CopyOuts {
			srcIdx, ok := fieldIndex[string(co.Source)]
			if !ok {
				return nil, fmt.Errorf("%w: %s copy-out source %s missing", ErrLayoutInvalid, meta.Type, co.Source)
			}
			var tgtIdx []int
			if ev.TriggerType != nil {
				sf, ok := ev.TriggerType.FieldByName(string(co.Target))
				if !ok {
					return nil, fmt.Errorf("%w: %s copy-out target %s missing on %v",
						ErrLayoutInvalid, meta.Type, co.Target, ev.TriggerType)
				}
				tgtIdx = sf.Index
			}
			re.copyOuts = append(re.copyOuts, copyOutPath{source: srcIdx, target: tgtIdx})
		}
		events = append(events, re)
	}

	name := meta.Name
	if name == "" {
		name = meta.Type.String()
	}

	return &RecordLayout{
		Name:             name,
		Type:             meta.Type,
		Classification:   meta.Classification,
		Size:             meta.Type.Size(),
		Align:            uintptr(meta.Type.Align()),
		ExplicitInit:     meta.ExplicitInit,
		ExplicitShutdown: meta.ExplicitShutdown,
		ObservedFields:   observed,
		Events:           events,
		fieldIndex:       fieldIndex,
		fieldRenames:     fieldRenames,
	}, nil
}
