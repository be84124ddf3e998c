// Package metrics provides Prometheus-based metrics recording for the
// conversation context manager.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder receives observations from the message store and the context
// assembler. Implementations must be safe for concurrent use.
type Recorder interface {
	ObserveAppend(role string, err error)
	ObserveRead(err error)
	ObserveClear(err error)
	ObserveAssembly(strategy string, pruned int, degraded bool, err error, duration time.Duration)
}

// NopRecorder discards all observations. It is the default for library users
// that do not run a Prometheus endpoint.
type NopRecorder struct{}

func (NopRecorder) ObserveAppend(string, error) {}

func (NopRecorder) ObserveRead(error) {}

func (NopRecorder) ObserveClear(error) {}

func (NopRecorder) ObserveAssembly(string, int, bool, error, time.Duration) {}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	appendsTotal     *prometheus.CounterVec
	readsTotal       *prometheus.CounterVec
	clearsTotal      *prometheus.CounterVec
	assembliesTotal  *prometheus.CounterVec
	degradedTotal    prometheus.Counter
	prunedTotal      prometheus.Counter
	assemblyDuration *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a Prometheus-based metrics recorder,
// registering its collectors with the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return NewPrometheusRecorderWith(prometheus.DefaultRegisterer)
}

// NewPrometheusRecorderWith creates a recorder registering its collectors
// with the given registerer. Use a private registry in tests and embedded
// setups to avoid default-registry collisions.
func NewPrometheusRecorderWith(reg prometheus.Registerer) *PrometheusRecorder {
	factory := promauto.With(reg)
	return &PrometheusRecorder{
		appendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_history_appends_total",
				Help: "Total number of message appends by role and status",
			},
			[]string{"role", "status"},
		),
		readsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_history_reads_total",
				Help: "Total number of history range reads by status",
			},
			[]string{"status"},
		),
		clearsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_history_clears_total",
				Help: "Total number of chat history clears by status",
			},
			[]string{"status"},
		),
		assembliesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chat_context_assemblies_total",
				Help: "Total number of context assemblies by strategy and status",
			},
			[]string{"strategy", "status"},
		),
		degradedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_context_degraded_total",
				Help: "Total number of assembled contexts degraded by budget exhaustion",
			},
		),
		prunedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "chat_context_messages_pruned_total",
				Help: "Total number of history messages pruned during assembly",
			},
		),
		assemblyDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chat_context_assembly_duration_seconds",
				Help:    "Duration of context assembly in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"strategy"},
		),
	}
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// ObserveAppend records a message append outcome.
func (p *PrometheusRecorder) ObserveAppend(role string, err error) {
	p.appendsTotal.WithLabelValues(role, statusLabel(err)).Inc()
}

// ObserveRead records a range read outcome.
func (p *PrometheusRecorder) ObserveRead(err error) {
	p.readsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveClear records a clear outcome.
func (p *PrometheusRecorder) ObserveClear(err error) {
	p.clearsTotal.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveAssembly records a completed context assembly.
func (p *PrometheusRecorder) ObserveAssembly(strategy string, pruned int, degraded bool, err error, duration time.Duration) {
	p.assembliesTotal.WithLabelValues(strategy, statusLabel(err)).Inc()

	if err == nil {
		if degraded {
			p.degradedTotal.Inc()
		}
		if pruned > 0 {
			p.prunedTotal.Add(float64(pruned))
		}
		p.assemblyDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	}
}
