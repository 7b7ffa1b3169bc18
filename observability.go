package simuniverse

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ObservationLogFormat names a structured logging encoding. The logging
// observer stores it but does not read it; the encoding comes from the
// Logger it is given.
type ObservationLogFormat uint8

const (
	ObservationLogFormatJSON ObservationLogFormat = iota
	ObservationLogFormatKeyValue
)

// ObservationSettings toggles built-in observer integrations, ported
// from the teacher's InstrumentationConfig/ObservationSettings split.
type ObservationSettings struct {
	EnableStructuredLogging bool
	LoggingFormat           ObservationLogFormat
	StructuredLogger        Logger
	EnablePrometheus        bool
	PrometheusCollector     PrometheusCollector
	PrometheusRegisterer    prometheus.Registerer
}

type compositeObserver struct {
	observers []SchedulerObserver
}

func (c compositeObserver) PipelineStepCompleted(summary PipelineStepSummary) {
	for _, observer := range c.observers {
		observer.PipelineStepCompleted(summary)
	}
}

type loggingObserver struct {
	logger Logger
	format ObservationLogFormat
}

func newLoggingObserver(logger Logger, format ObservationLogFormat) SchedulerObserver {
	if logger == nil {
		return noopObserver{}
	}
	return loggingObserver{logger: logger, format: format}
}

func (o loggingObserver) PipelineStepCompleted(summary PipelineStepSummary) {
	builder := o.logger.With("pipeline", summary.PipelineName)
	args := []any{
		"layer", summary.Layer,
		"tick", summary.Tick,
		"duration_ms", float64(summary.Duration) / float64(time.Millisecond),
		"mutators_total", summary.MutatorsTotal,
		"mutators_ran", summary.MutatorsRan,
		"mutators_skipped", summary.MutatorsSkipped,
	}
	if summary.Error != nil {
		args = append(args, "error", summary.Error.Error())
		builder.Error("pipeline layer completed", args...)
		return
	}
	builder.Info("pipeline layer completed", args...)
}

// zapLogger adapts *zap.SugaredLogger to the Logger interface, the
// ambient structured logging backend carried from the teacher's
// Logger-as-an-interface shape but backed by a real zap core instead of
// a hand-rolled formatter.
type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a *zap.Logger as a Logger.
func NewZapLogger(z *zap.Logger) Logger {
	if z == nil {
		return noopLogger{}
	}
	return zapLogger{sugar: z.Sugar()}
}

func (l zapLogger) With(key string, value any) Logger {
	return zapLogger{sugar: l.sugar.With(key, value)}
}

func (l zapLogger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

func (l zapLogger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

// prometheusObserver bridges pipeline-step summaries into a real
// client_golang collector instead of the teacher's hand-rolled text
// exposition format.
type prometheusObserver struct {
	collector PrometheusCollector
}

func newPrometheusObserver(collector PrometheusCollector) SchedulerObserver {
	if collector == nil {
		return noopObserver{}
	}
	return prometheusObserver{collector: collector}
}

func (o prometheusObserver) PipelineStepCompleted(summary PipelineStepSummary) {
	o.collector.ObservePipelineStep(summary)
}

// PipelineMetrics is a PrometheusCollector backed by real
// client_golang vectors (HistogramVec/CounterVec), registered against
// the supplied prometheus.Registerer.
type PipelineMetrics struct {
	duration *prometheus.HistogramVec
	ran      *prometheus.CounterVec
	skipped  *prometheus.CounterVec
	errors   *prometheus.CounterVec
}

// NewPipelineMetrics builds and registers a PipelineMetrics collector.
// A nil registerer uses prometheus.DefaultRegisterer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &PipelineMetrics{
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simuniverse",
			Name:      "pipeline_layer_duration_seconds",
			Help:      "Pipeline layer execution duration.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"pipeline"}),
		ran: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simuniverse",
			Name:      "pipeline_mutators_ran_total",
			Help:      "Mutators executed per pipeline layer.",
		}, []string{"pipeline"}),
		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simuniverse",
			Name:      "pipeline_mutators_skipped_total",
			Help:      "Mutators skipped per pipeline layer.",
		}, []string{"pipeline"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simuniverse",
			Name:      "pipeline_layer_errors_total",
			Help:      "Pipeline layer failures.",
		}, []string{"pipeline"}),
	}
	reg.MustRegister(m.duration, m.ran, m.skipped, m.errors)
	return m
}

// ObservePipelineStep implements PrometheusCollector.
func (m *PipelineMetrics) ObservePipelineStep(summary PipelineStepSummary) {
	m.duration.WithLabelValues(summary.PipelineName).Observe(summary.Duration.Seconds())
	m.ran.WithLabelValues(summary.PipelineName).Add(float64(summary.MutatorsRan))
	m.skipped.WithLabelValues(summary.PipelineName).Add(float64(summary.MutatorsSkipped))
	if summary.Error != nil {
		m.errors.WithLabelValues(summary.PipelineName).Inc()
	}
}

// buildObserverChain composes the configured observers into one,
// generalized from the teacher's buildObserverChain.
func buildObserverChain(logger Logger, base SchedulerObserver, obs ObservationSettings) SchedulerObserver {
	var observers []SchedulerObserver
	if base != nil {
		observers = append(observers, base)
	}
	if obs.EnableStructuredLogging {
		structuredLogger := obs.StructuredLogger
		if structuredLogger == nil {
			structuredLogger = logger
		}
		observers = append(observers, newLoggingObserver(structuredLogger, obs.LoggingFormat))
	}
	if obs.EnablePrometheus {
		collector := obs.PrometheusCollector
		if collector == nil {
			collector = NewPipelineMetrics(obs.PrometheusRegisterer)
		}
		observers = append(observers, newPrometheusObserver(collector))
	}
	if len(observers) == 0 {
		return noopObserver{}
	}
	if len(observers) == 1 {
		return observers[0]
	}
	return compositeObserver{observers: observers}
}
