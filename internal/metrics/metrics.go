// Package metrics exposes Prometheus metrics for the staged thinking pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "staged_thinking"

// Recorder records pipeline metrics. A nil *Recorder is valid and records nothing.
type Recorder struct {
	registry *prometheus.Registry

	gateDecisions  *prometheus.CounterVec
	runsTotal      *prometheus.CounterVec
	runDuration    *prometheus.HistogramVec
	stageDuration  *prometheus.HistogramVec
	injections     *prometheus.CounterVec
	injectionDrops prometheus.Counter
	injectedTokens *prometheus.HistogramVec
}

// NewRecorder creates a recorder with its own registry, which also carries
// the Go runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		gateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_decisions_total",
				Help:      "Trigger gate decisions by reason",
			},
			[]string{"reason"},
		),
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Pipeline runs by trigger and outcome status",
			},
			[]string{"trigger", "status"},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of complete pipeline runs in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
			},
			[]string{"trigger"},
		),
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of individual stage calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "outcome"},
		),
		injections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injections_total",
				Help:      "Pipeline outputs injected into upstream requests by extension point",
			},
			[]string{"point"},
		),
		injectionDrops: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "injection_drops_total",
				Help:      "Pending outputs cleared before any extension point consumed them",
			},
		),
		injectedTokens: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "injected_tokens",
				Help:      "Tokens of staged reasoning added to upstream requests",
				Buckets:   prometheus.ExponentialBuckets(64, 2, 8),
			},
			[]string{"point"},
		),
	}
}

// Handler serves the recorder's registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// ObserveGate counts one gate decision.
func (r *Recorder) ObserveGate(reason string) {
	if r == nil {
		return
	}
	r.gateDecisions.WithLabelValues(reason).Inc()
}

// ObserveRun records a finished pipeline run.
func (r *Recorder) ObserveRun(trigger, status string, d time.Duration) {
	if r == nil {
		return
	}
	r.runsTotal.WithLabelValues(trigger, status).Inc()
	r.runDuration.WithLabelValues(trigger).Observe(d.Seconds())
}

// ObserveStage records one stage attempt.
func (r *Recorder) ObserveStage(name string, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	r.stageDuration.WithLabelValues(name, outcome).Observe(elapsed.Seconds())
}

// IncInjection counts an output injected at point.
func (r *Recorder) IncInjection(point string) {
	if r == nil {
		return
	}
	r.injections.WithLabelValues(point).Inc()
}

// IncInjectionDrop counts an output cleared without being consumed.
func (r *Recorder) IncInjectionDrop() {
	if r == nil {
		return
	}
	r.injectionDrops.Inc()
}

// ObserveInjectedTokens records the size of an injection at point.
func (r *Recorder) ObserveInjectedTokens(point string, n int) {
	if r == nil {
		return
	}
	r.injectedTokens.WithLabelValues(point).Observe(float64(n))
}
