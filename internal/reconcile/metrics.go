package reconcile

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the sync engine's Prometheus collectors.
type Metrics struct {
	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	sweeps         *prometheus.CounterVec
	sweepLatency   prometheus.Histogram
	inventoryRows  *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	queueRejected  prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxsync_sync_attempts_total",
				Help: "Authority sync attempts by sync type and outcome",
			},
			[]string{"sync_type", "outcome"},
		),
		attemptLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rxsync_sync_attempt_duration_seconds",
				Help:    "Duration of authority sync attempts in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"sync_type"},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxsync_sweeps_total",
				Help: "Reconciliation sweeps by result",
			},
			[]string{"status"},
		),
		sweepLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "rxsync_sweep_duration_seconds",
				Help:    "Duration of reconciliation sweeps in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
		),
		inventoryRows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rxsync_inventory_rows_pushed_total",
				Help: "Inventory rows pushed to the authority by outcome",
			},
			[]string{"outcome"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rxsync_dispatch_queue_depth",
				Help: "Transactions waiting in the in-process sync queue",
			},
		),
		queueRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "rxsync_dispatch_rejected_total",
				Help: "Dispatches refused because the sync queue was full",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.attempts,
			m.attemptLatency,
			m.sweeps,
			m.sweepLatency,
			m.inventoryRows,
			m.queueDepth,
			m.queueRejected,
		)
	}
	return m
}

// ObserveSweep records a finished sweep.
func (m *Metrics) ObserveSweep(seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.sweeps.WithLabelValues(status).Inc()
	m.sweepLatency.Observe(seconds)
}
