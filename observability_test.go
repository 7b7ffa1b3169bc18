package simuniverse

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPipelineMetricsObservePipelineStep(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := NewPipelineMetrics(reg)

	metrics.ObservePipelineStep(PipelineStepSummary{
		PipelineName:  "update",
		Tick:          42,
		Duration:      5 * time.Millisecond,
		MutatorsTotal: 2,
		MutatorsRan:   2,
	})
	metrics.ObservePipelineStep(PipelineStepSummary{
		PipelineName: "update",
		Error:        errors.New("boom"),
	})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	var sawDuration, sawErrors bool
	for _, fam := range families {
		switch fam.GetName() {
		case "simuniverse_pipeline_layer_duration_seconds":
			sawDuration = true
		case "simuniverse_pipeline_layer_errors_total":
			sawErrors = true
			if got := totalCounter(fam); got != 1 {
				t.Fatalf("expected 1 error sample, got %v", got)
			}
		}
	}
	if !sawDuration {
		t.Fatalf("expected duration histogram to be registered")
	}
	if !sawErrors {
		t.Fatalf("expected errors counter to be registered")
	}
}

func totalCounter(fam *dto.MetricFamily) float64 {
	var total float64
	for _, m := range fam.GetMetric() {
		total += m.GetCounter().GetValue()
	}
	return total
}

type recordingObserver struct {
	summaries []PipelineStepSummary
}

func (r *recordingObserver) PipelineStepCompleted(summary PipelineStepSummary) {
	r.summaries = append(r.summaries, summary)
}

func TestBuildObserverChainComposesAllEnabled(t *testing.T) {
	reg := prometheus.NewRegistry()
	base := &recordingObserver{}

	chain := buildObserverChain(noopLogger{}, base, ObservationSettings{
		EnableStructuredLogging: true,
		StructuredLogger:        noopLogger{},
		EnablePrometheus:        true,
		PrometheusRegisterer:    reg,
	})

	chain.PipelineStepCompleted(PipelineStepSummary{PipelineName: "update", MutatorsRan: 1})

	if len(base.summaries) != 1 {
		t.Fatalf("expected base observer to receive summary, got %d", len(base.summaries))
	}
}

func TestBuildObserverChainNoopWhenNothingEnabled(t *testing.T) {
	chain := buildObserverChain(noopLogger{}, nil, ObservationSettings{})
	if _, ok := chain.(noopObserver); !ok {
		t.Fatalf("expected noopObserver, got %T", chain)
	}
}
