package simuniverse

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"
)

func millis(n int64) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// MutatorEdge declares one dependency relationship by mutator name, the
// YAML-facing counterpart of MutatorDescriptor.DependsOn/DependencyOf.
type MutatorEdge struct {
	Mutator string `yaml:"mutator"`
}

// PipelineConfigDocument is the YAML shape of one pipeline definition
// inside a world configuration document.
type PipelineConfigDocument struct {
	Name        string   `yaml:"name"`
	Mutators    []string `yaml:"mutators"`
	ErrorPolicy string   `yaml:"error_policy"`
}

// SchedulerConfigDocument selects and parameterizes a world's scheduler.
type SchedulerConfigDocument struct {
	Kind                string `yaml:"kind"`
	PipelineName        string `yaml:"pipeline_name,omitempty"`
	LogicalPipelineName string `yaml:"logical_pipeline_name,omitempty"`
	VisualPipelineName  string `yaml:"visual_pipeline_name,omitempty"`
	LogicalStepMS       int64  `yaml:"logical_step_ms,omitempty"`
	MaxLogicalAdvanceMS int64  `yaml:"max_logical_advance_ms,omitempty"`
}

// WorldConfigDocument is the declarative description of one world's
// pipelines and scheduler, decoded from YAML (spec.md §6's external
// configuration surface, generalized with yaml.v3 the way the rest of
// the pack's config-bearing services decode their documents).
type WorldConfigDocument struct {
	Name      string                   `yaml:"name"`
	Scheduler SchedulerConfigDocument  `yaml:"scheduler"`
	Pipelines []PipelineConfigDocument `yaml:"pipelines"`
	Children  []WorldConfigDocument    `yaml:"children"`
}

// DecodeWorldConfig parses a world configuration document from r.
func DecodeWorldConfig(r io.Reader) (*WorldConfigDocument, error) {
	var doc WorldConfigDocument
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("simuniverse: decode world config: %w", err)
	}
	return &doc, nil
}

// BuildScheduler constructs the WorldScheduler named by this document's
// scheduler section, applying non-zero overrides onto the built-in
// defaults (spec.md §4.6's Trivial and Pair schedulers).
func (d SchedulerConfigDocument) BuildScheduler() (WorldScheduler, error) {
	switch d.Kind {
	case "", "trivial":
		return NewTrivialScheduler(d.PipelineName), nil
	case "pair":
		s := NewPairScheduler()
		if d.LogicalPipelineName != "" {
			s.LogicalPipelineName = d.LogicalPipelineName
		}
		if d.VisualPipelineName != "" {
			s.VisualPipelineName = d.VisualPipelineName
		}
		if d.LogicalStepMS > 0 {
			s.LogicalStep = millis(d.LogicalStepMS)
		}
		if d.MaxLogicalAdvanceMS > 0 {
			s.MaxLogicalAdvance = millis(d.MaxLogicalAdvanceMS)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown scheduler kind %q", ErrUnknownBinding, d.Kind)
	}
}

// policy translates the document's string error policy to the
// ErrorPolicy enum, defaulting to Abort.
func (d PipelineConfigDocument) policy() ErrorPolicy {
	switch d.ErrorPolicy {
	case "continue":
		return ErrorPolicyContinue
	case "retry":
		return ErrorPolicyRetry
	default:
		return ErrorPolicyAbort
	}
}

// BuildPipeline resolves this document's ordered mutator names against a
// caller-supplied registry (the application wires concrete Mutator
// implementations under their Descriptor().Name), producing a ready
// Pipeline.
func (d PipelineConfigDocument) BuildPipeline(byName map[string]Mutator) (*Pipeline, error) {
	p := &Pipeline{Name: d.Name, ErrorPolicy: d.policy()}
	for _, name := range d.Mutators {
		m, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%w: mutator %q not registered", ErrUnknownBinding, name)
		}
		p.Mutators = append(p.Mutators, m)
	}
	return p, nil
}
