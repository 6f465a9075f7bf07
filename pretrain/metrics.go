package pretrain

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the trainer's prometheus collectors.
type Metrics struct {
	// Loss is the last value of every loss term.
	Loss *prometheus.GaugeVec
	// Steps counts optimizer updates per objective.
	Steps *prometheus.CounterVec
	// Failures counts steps that returned an error.
	Failures *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Loss: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "trajenc",
			Subsystem: "pretrain",
			Name:      "loss",
			Help:      "Last loss value of each pretraining term.",
		}, []string{"term"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trajenc",
			Subsystem: "pretrain",
			Name:      "steps_total",
			Help:      "Optimizer updates run, by objective.",
		}, []string{"objective"}),
		Failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trajenc",
			Subsystem: "pretrain",
			Name:      "step_failures_total",
			Help:      "Steps that failed to build or run, by objective.",
		}, []string{"objective"}),
	}
	reg.MustRegister(m.Loss, m.Steps, m.Failures)
	return m
}
