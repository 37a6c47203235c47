// Package metrics exposes detector activity as Prometheus metrics on a
// private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/HerbHall/tvwake/internal/liveness"
)

const namespace = "tvwake"

// Metrics holds the collectors. A nil *Metrics is not valid; use New.
type Metrics struct {
	registry *prometheus.Registry

	probes        *prometheus.CounterVec
	probeDuration prometheus.Histogram
	reachable     prometheus.Gauge
	transitions   *prometheus.CounterVec
	triggers      *prometheus.CounterVec
	wakeHints     prometheus.Counter
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		probes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Reachability probes by result.",
		}, []string{"result"}),
		probeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Time spent in each reachability probe.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_reachable",
			Help:      "1 when the device was reachable at the last state change.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Observed power state changes by new state.",
		}, []string{"to"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_total",
			Help:      "Trigger command executions by result.",
		}, []string{"result"}),
		wakeHints: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wake_hints_total",
			Help:      "Datagrams from the device received on the wake group.",
		}),
	}

	m.registry.MustRegister(
		m.probes,
		m.probeDuration,
		m.reachable,
		m.transitions,
		m.triggers,
		m.wakeHints,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-create label sets so they export as zero.
	for _, r := range []string{"reachable", "unreachable"} {
		m.probes.WithLabelValues(r)
	}
	for _, s := range []string{"on", "off"} {
		m.transitions.WithLabelValues(s)
	}
	for _, r := range []string{"ok", "error"} {
		m.triggers.WithLabelValues(r)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveProbe implements liveness.Recorder.
func (m *Metrics) ObserveProbe(o liveness.Outcome) {
	result := "unreachable"
	if o.Reachable {
		result = "reachable"
	}
	m.probes.WithLabelValues(result).Inc()
	m.probeDuration.Observe(o.Elapsed.Seconds())
}

// ObserveTransition records a change to the given reachability.
func (m *Metrics) ObserveTransition(reachable bool) {
	to := "off"
	if reachable {
		to = "on"
	}
	m.transitions.WithLabelValues(to).Inc()
	m.SetReachable(reachable)
}

// SetReachable sets the reachability gauge without counting a transition,
// used for the startup probe.
func (m *Metrics) SetReachable(reachable bool) {
	if reachable {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}

// ObserveTrigger records one trigger execution.
func (m *Metrics) ObserveTrigger(err error) {
	if err != nil {
		m.triggers.WithLabelValues("error").Inc()
		return
	}
	m.triggers.WithLabelValues("ok").Inc()
}

// ObserveWakeHint records a datagram from the device.
func (m *Metrics) ObserveWakeHint() {
	m.wakeHints.Inc()
}

var _ liveness.Recorder = (*Metrics)(nil)
