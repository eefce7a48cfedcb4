package verifier

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/agentcaptcha/internal/domain"
)

// Metrics are the verifier's Prometheus collectors.
type Metrics struct {
	verdicts      *prometheus.CounterVec
	stageResults  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	active        prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpp",
			Name:      "sessions_total",
			Help:      "Finished verification sessions by verdict and reason.",
		}, []string{"verdict", "reason"}),
		stageResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dpp",
			Name:      "stage_results_total",
			Help:      "Stage outcomes by stage and result.",
		}, []string{"stage", "result"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dpp",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each stage.",
			Buckets:   []float64{.001, .005, .01, .05, .1, .2, .5, 1, 2, 5, 10, 20},
		}, []string{"stage"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dpp",
			Name:      "active_sessions",
			Help:      "Verification sessions in progress.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.verdicts, m.stageResults, m.stageDuration, m.active)
	}
	return m
}

func (m *Metrics) observeStage(r domain.StageResult) {
	if m == nil {
		return
	}
	result := "fail"
	switch {
	case r.Skipped:
		result = "skip"
	case r.Passed:
		result = "pass"
	}
	m.stageResults.WithLabelValues(r.Stage.String(), result).Inc()
	m.stageDuration.WithLabelValues(r.Stage.String()).Observe(r.Latency.Seconds())
}

func (m *Metrics) observeVerdict(v domain.Verdict, reason string) {
	if m == nil {
		return
	}
	m.verdicts.WithLabelValues(string(v), reason).Inc()
}

func (m *Metrics) sessionStarted() {
	if m != nil {
		m.active.Inc()
	}
}

func (m *Metrics) sessionEnded() {
	if m != nil {
		m.active.Dec()
	}
}
