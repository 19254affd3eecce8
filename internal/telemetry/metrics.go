package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for message handling.
type Metrics struct {
	Runs             *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	Superseded       prometheus.Counter
	Actions          *prometheus.CounterVec
	ProviderDuration *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg. Pass prometheus.NewRegistry()
// in tests to keep them isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Runs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_runs_total",
				Help: "Message handling runs by terminal status",
			},
			[]string{"status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_run_duration_seconds",
				Help:    "Time from run start to run end",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		Superseded: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_superseded_total",
				Help: "Responses discarded because a newer message took over the room",
			},
		),
		Actions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_actions_total",
				Help: "Action executions by action and outcome",
			},
			[]string{"action", "status"},
		),
		ProviderDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "parley_provider_duration_seconds",
				Help:    "Provider call latency",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"provider"},
		),
	}
}
