// Package metrics holds the Prometheus collectors exported on /metrics.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "routersync"

// Metrics groups every collector of the service
type Metrics struct {
	DeviceCalls        *prometheus.CounterVec
	DeviceCallDuration *prometheus.HistogramVec
	Transitions        *prometheus.CounterVec
	Allocations        *prometheus.CounterVec
	FreeAddresses      *prometheus.GaugeVec
	PendingRehomes     prometheus.Gauge
	ReconcileRuns      *prometheus.CounterVec
	ReconcileMutations prometheus.Counter
	Findings           *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them when registerer is non-nil
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		DeviceCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "calls_total",
			Help:      "Router gateway calls by operation and outcome.",
		}, []string{"op", "result"}),
		DeviceCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "device",
			Name:      "call_duration_seconds",
			Help:      "Router gateway call latency including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "transitions_total",
			Help:      "Subscription status transitions by target status and outcome.",
		}, []string{"to", "result"}),
		Allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "allocations_total",
			Help:      "Address allocation attempts by outcome.",
		}, []string{"result"}),
		FreeAddresses: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "free_addresses",
			Help:      "Free addresses per pool as of the last allocation or release.",
		}, []string{"pool"}),
		PendingRehomes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "subscription",
			Name:      "pending_rehomes",
			Help:      "Subscriptions whose network state does not yet match billing.",
		}),
		ReconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Reconciliation passes by outcome.",
		}, []string{"result"}),
		ReconcileMutations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "mutations_total",
			Help:      "Local corrections applied by reconciliation.",
		}),
		Findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_raised_total",
			Help:      "New operator findings by kind.",
		}, []string{"kind"}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.DeviceCalls,
			m.DeviceCallDuration,
			m.Transitions,
			m.Allocations,
			m.FreeAddresses,
			m.PendingRehomes,
			m.ReconcileRuns,
			m.ReconcileMutations,
			m.Findings,
		)
	}
	return m
}

// ObserveDeviceCall records one gateway call
func (m *Metrics) ObserveDeviceCall(op, result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DeviceCalls.WithLabelValues(op, result).Inc()
	m.DeviceCallDuration.WithLabelValues(op).Observe(elapsed.Seconds())
}

// Transition records a status transition outcome
func (m *Metrics) Transition(to, result string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(to, result).Inc()
}

// Allocation records an allocation outcome and the pool's remaining capacity
func (m *Metrics) Allocation(poolID, result string, free uint64) {
	if m == nil {
		return
	}
	m.Allocations.WithLabelValues(result).Inc()
	m.FreeAddresses.WithLabelValues(poolID).Set(float64(free))
}

// SetFree updates the free-address gauge of a pool
func (m *Metrics) SetFree(poolID string, free uint64) {
	if m == nil {
		return
	}
	m.FreeAddresses.WithLabelValues(poolID).Set(float64(free))
}

// SetPending sets the pending re-homing gauge
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.PendingRehomes.Set(float64(n))
}

// Reconciled records a reconciliation pass
func (m *Metrics) Reconciled(result string, mutations int) {
	if m == nil {
		return
	}
	m.ReconcileRuns.WithLabelValues(result).Inc()
	m.ReconcileMutations.Add(float64(mutations))
}

// FindingRaised counts a newly opened finding
func (m *Metrics) FindingRaised(kind string) {
	if m == nil {
		return
	}
	m.Findings.WithLabelValues(kind).Inc()
}
