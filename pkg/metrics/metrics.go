// Package metrics exposes daemon counters on a Prometheus registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the instrumentation used across the daemon.
type Metrics struct {
	Registry *prometheus.Registry

	FixesAccepted prometheus.Counter
	FixesRejected *prometheus.CounterVec

	SyncCycles        prometheus.Counter
	PositionsUploaded prometheus.Counter
	SyncFailures      *prometheus.CounterVec
	UnsyncedBacklog   prometheus.Gauge
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		FixesAccepted: factory.NewCounter(prometheus.CounterOpts{
			Name: "ulogger_fixes_accepted_total",
			Help: "Raw fixes that passed the acceptance filter.",
		}),
		FixesRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ulogger_fixes_rejected_total",
			Help: "Raw fixes rejected by the acceptance filter.",
		}, []string{"reason"}),
		SyncCycles: factory.NewCounter(prometheus.CounterOpts{
			Name: "ulogger_sync_cycles_total",
			Help: "Sync cycles started.",
		}),
		PositionsUploaded: factory.NewCounter(prometheus.CounterOpts{
			Name: "ulogger_positions_uploaded_total",
			Help: "Positions successfully delivered to the server.",
		}),
		SyncFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ulogger_sync_failures_total",
			Help: "Sync cycle failures by classification.",
		}, []string{"class"}),
		UnsyncedBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ulogger_unsynced_positions",
			Help: "Positions buffered locally and not yet delivered.",
		}),
	}
}
