package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/synaptica-ai/patient-sync/pkg/common/models"
)

// Move outcomes.
const (
	OutcomeMoved  = "moved"
	OutcomeNoop   = "noop"
	OutcomeFailed = "failed"
)

// Metrics holds the Prometheus collectors of the service. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Moves             *prometheus.CounterVec
	PartitionsCreated prometheus.Counter
	Violations        *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg. A nil reg creates
// unregistered collectors.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Moves: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "patient_sync_moves_total",
			Help: "Number of move requests processed, by outcome.",
		}, []string{"outcome"}),
		PartitionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "patient_sync_partitions_created_total",
			Help: "Number of country partitions registered.",
		}),
		Violations: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "patient_sync_validation_violations",
			Help: "Violations found by the latest validation run, by scope and check.",
		}, []string{"scope", "check"}),
	}
}

func (m *Metrics) ObserveMove(outcome string) {
	if m == nil {
		return
	}
	m.Moves.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementPartitionsCreated() {
	if m == nil {
		return
	}
	m.PartitionsCreated.Inc()
}

func (m *Metrics) ObserveReport(report *models.ViolationReport) {
	if m == nil || report == nil {
		return
	}
	for _, check := range report.Checks {
		m.Violations.WithLabelValues(report.Scope, check.Name).Set(float64(len(check.Violations)))
	}
}

func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
