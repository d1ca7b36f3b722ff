// Package metrics provides Prometheus collectors for the alert dispatch pipeline.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DispatchMetrics groups the collectors updated by the dispatcher and its collaborators.
// A nil *DispatchMetrics is valid and records nothing.
type DispatchMetrics struct {
	dispatchRuns       *prometheus.CounterVec   // runs by outcome: sent, no_recipients, list_failed, invalid
	deliveries         *prometheus.CounterVec   // per-recipient results by status
	pruned             prometheus.Counter       // recipients removed after permanent failures
	geocodeLookups     *prometheus.CounterVec   // reverse lookups by result: ok, cached, fallback
	triggers           *prometheus.CounterVec   // inbound triggers by source and result
	dispatchDuration   prometheus.Histogram     // wall time of one dispatch run
	gatewaySendLatency *prometheus.HistogramVec // single gateway call by status
}

// NewDispatchMetrics creates the collectors and registers them on registry.
func NewDispatchMetrics(registry *prometheus.Registry) (*DispatchMetrics, error) {
	m := &DispatchMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register dispatch metrics: %w", err)
	}
	return m, nil
}

func (m *DispatchMetrics) initMetrics() {
	m.dispatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trapmos_dispatch_runs_total",
			Help: "Total number of dispatch runs by outcome",
		},
		[]string{"outcome"},
	)
	m.deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trapmos_deliveries_total",
			Help: "Total number of per-recipient delivery results by status",
		},
		[]string{"status"},
	)
	m.pruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "trapmos_recipients_pruned_total",
			Help: "Total number of recipients removed after a permanent delivery failure",
		},
	)
	m.geocodeLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trapmos_geocode_lookups_total",
			Help: "Total number of reverse geocode lookups by result",
		},
		[]string{"result"},
	)
	m.triggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trapmos_detection_triggers_total",
			Help: "Total number of detection triggers by source and result",
		},
		[]string{"source", "result"},
	)
	m.dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trapmos_dispatch_duration_seconds",
			Help:    "Time taken by one dispatch run including geocoding, fan-out and audit",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)
	m.gatewaySendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trapmos_gateway_send_duration_seconds",
			Help:    "Latency of a single push gateway call by delivery status",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"status"},
	)
}

// Describe implements prometheus.Collector.
func (m *DispatchMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.dispatchRuns.Describe(ch)
	m.deliveries.Describe(ch)
	m.pruned.Describe(ch)
	m.geocodeLookups.Describe(ch)
	m.triggers.Describe(ch)
	m.dispatchDuration.Describe(ch)
	m.gatewaySendLatency.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *DispatchMetrics) Collect(ch chan<- prometheus.Metric) {
	m.dispatchRuns.Collect(ch)
	m.deliveries.Collect(ch)
	m.pruned.Collect(ch)
	m.geocodeLookups.Collect(ch)
	m.triggers.Collect(ch)
	m.dispatchDuration.Collect(ch)
	m.gatewaySendLatency.Collect(ch)
}

// RecordDispatch records the outcome and duration of one dispatch run.
func (m *DispatchMetrics) RecordDispatch(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchRuns.WithLabelValues(outcome).Inc()
	m.dispatchDuration.Observe(elapsed.Seconds())
}

// RecordDelivery records one per-recipient result.
func (m *DispatchMetrics) RecordDelivery(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(status).Inc()
	m.gatewaySendLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

// RecordPruned adds n removed recipients.
func (m *DispatchMetrics) RecordPruned(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.Add(float64(n))
}

// RecordGeocode records a reverse lookup result.
func (m *DispatchMetrics) RecordGeocode(result string) {
	if m == nil {
		return
	}
	m.geocodeLookups.WithLabelValues(result).Inc()
}

// RecordTrigger records an inbound detection trigger.
func (m *DispatchMetrics) RecordTrigger(source, result string) {
	if m == nil {
		return
	}
	m.triggers.WithLabelValues(source, result).Inc()
}
