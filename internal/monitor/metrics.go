package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the fleet supervisor.
type Metrics struct {
	Registry *prometheus.Registry

	DeploysTotal      *prometheus.CounterVec
	DeployDuration    prometheus.Histogram
	StopsTotal        *prometheus.CounterVec
	RunningBots       prometheus.Gauge
	DeadCleaned       prometheus.Counter
	SweepDuration     prometheus.Histogram
	SweepActions      *prometheus.CounterVec
	ProvisionDuration prometheus.Histogram
	RequestsInFlight  prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		DeploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "deploys_total",
				Help:      "Total number of bot deploys by outcome.",
			},
			[]string{"outcome"},
		),

		DeployDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "botfleet",
				Name:      "deploy_duration_seconds",
				Help:      "Duration of bot deploys in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
		),

		StopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "stops_total",
				Help:      "Total bot stops by outcome (graceful, escalated, orphan).",
			},
			[]string{"outcome"},
		),

		RunningBots: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "botfleet",
				Name:      "running_bots",
				Help:      "Number of bot processes currently tracked by the supervisor.",
			},
		),

		DeadCleaned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "dead_processes_cleaned_total",
				Help:      "Total dead bot processes removed from the process table.",
			},
		),

		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "botfleet",
				Name:      "reconcile_sweep_duration_seconds",
				Help:      "Duration of reconciliation sweeps in seconds.",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
			},
		),

		SweepActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "botfleet",
				Name:      "reconcile_actions_total",
				Help:      "Corrective actions taken by the reconciliation loop.",
			},
			[]string{"action"},
		),

		ProvisionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "botfleet",
				Name:      "provision_duration_seconds",
				Help:      "Duration of workspace provisioning in seconds.",
				Buckets:   []float64{0.05, 0.25, 1, 5, 15, 60, 180},
			},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "botfleet",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),
	}

	// Register all collectors
	reg.MustRegister(
		m.DeploysTotal,
		m.DeployDuration,
		m.StopsTotal,
		m.RunningBots,
		m.DeadCleaned,
		m.SweepDuration,
		m.SweepActions,
		m.ProvisionDuration,
		m.RequestsInFlight,
	)

	return m
}

// RecordDeploy records metrics for a completed deploy attempt.
func (m *Metrics) RecordDeploy(outcome string, durationSec float64) {
	m.DeploysTotal.WithLabelValues(outcome).Inc()
	m.DeployDuration.Observe(durationSec)
}

// RecordSweep records a completed reconciliation sweep.
func (m *Metrics) RecordSweep(durationSec float64) {
	m.SweepDuration.Observe(durationSec)
}

// RecordAction records one corrective action taken during reconciliation.
func (m *Metrics) RecordAction(action string) {
	m.SweepActions.WithLabelValues(action).Inc()
}
