// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the controller.
type Metrics struct {
	// Executor metrics
	ProceduresTotal   *prometheus.CounterVec
	ProcedureAborts   *prometheus.CounterVec
	ProcedureDuration *prometheus.HistogramVec
	QueueDepth        prometheus.Gauge

	// Lock manager metrics
	LockWaitDuration prometheus.Histogram

	// Failure detector metrics
	ProbesTotal *prometheus.CounterVec
	ServersLost prometheus.Counter
	Failovers   prometheus.Counter

	// Group metrics
	Promotions *prometheus.CounterVec
	Demotions  *prometheus.CounterVec

	// Service health
	Uptime prometheus.Gauge
}

// New creates a Metrics instance registered on the default registerer.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry.
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		ProceduresTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_procedures_total",
				Help: "Total number of procedures executed",
			},
			[]string{"name", "status"},
		),
		ProcedureAborts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_procedure_aborts_total",
				Help: "Total number of aborted procedures",
			},
			[]string{"name"},
		),
		ProcedureDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "warden_procedure_duration_seconds",
				Help:    "Procedure duration in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"name"},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_executor_queue_depth",
				Help: "Current number of procedures waiting for a worker",
			},
		),
		LockWaitDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "warden_lock_wait_duration_seconds",
				Help:    "Time spent waiting for named locks",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
		),
		ProbesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_probes_total",
				Help: "Total number of liveness probes",
			},
			[]string{"group", "result"},
		),
		ServersLost: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_servers_lost_total",
				Help: "Total number of SERVER_LOST events emitted",
			},
		),
		Failovers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "warden_failovers_total",
				Help: "Total number of FAIL_OVER events emitted",
			},
		),
		Promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_promotions_total",
				Help: "Total number of primary promotions",
			},
			[]string{"group"},
		),
		Demotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "warden_demotions_total",
				Help: "Total number of primary demotions",
			},
			[]string{"group"},
		),
		Uptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "warden_uptime_seconds",
				Help: "Controller uptime in seconds",
			},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.ProceduresTotal,
			m.ProcedureAborts,
			m.ProcedureDuration,
			m.QueueDepth,
			m.LockWaitDuration,
			m.ProbesTotal,
			m.ServersLost,
			m.Failovers,
			m.Promotions,
			m.Demotions,
			m.Uptime,
		)
	}

	return m
}

// Nop returns an unregistered Metrics instance for tests and tools that do
// not export metrics.
func Nop() *Metrics {
	return NewWithRegistry(nil)
}
