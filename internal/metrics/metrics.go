// Package metrics holds the Prometheus collectors of the scoring engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "deepaudit"

// Metrics is the collector set. A nil *Metrics is valid and records nothing,
// so components can take it as an optional dependency.
type Metrics struct {
	Evaluations      *prometheus.CounterVec
	EvaluateDuration prometheus.Histogram
	MLFallbacks      *prometheus.CounterVec
	MLScoreDuration  prometheus.Histogram
	AuditFailures    prometheus.Counter
	LevelTransitions *prometheus.CounterVec
	Feedback         *prometheus.CounterVec
	ConfigUpdates    *prometheus.CounterVec
	ProfilesTracked  prometheus.Gauge
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Evaluated events by action and post-event level.",
		}, []string{"action", "level"}),
		EvaluateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluate_duration_seconds",
			Help:      "End-to-end EvaluateEvent latency.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		MLFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ml_fallbacks_total",
			Help:      "Events scored without the ML model, by reason.",
		}, []string{"reason"}),
		MLScoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ml_score_duration_seconds",
			Help:      "ML scorer call latency including failures.",
			Buckets:   prometheus.DefBuckets,
		}),
		AuditFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_failures_total",
			Help:      "Audit writes that failed on any sink.",
		}),
		LevelTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "level_transitions_total",
			Help:      "Risk level transitions.",
		}, []string{"from", "to"}),
		Feedback: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_total",
			Help:      "Feedback submissions by label and outcome.",
		}, []string{"status", "outcome"}),
		ConfigUpdates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_updates_total",
			Help:      "Risk config update attempts by result.",
		}, []string{"result"}),
		ProfilesTracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profiles_tracked",
			Help:      "Risk profiles held in memory.",
		}),
	}

	collectors := []prometheus.Collector{
		m.Evaluations,
		m.EvaluateDuration,
		m.MLFallbacks,
		m.MLScoreDuration,
		m.AuditFailures,
		m.LevelTransitions,
		m.Feedback,
		m.ConfigUpdates,
		m.ProfilesTracked,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveEvaluation records one decision.
func (m *Metrics) ObserveEvaluation(action, level string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Evaluations.WithLabelValues(action, level).Inc()
	m.EvaluateDuration.Observe(elapsed.Seconds())
}

// ObserveMLScore records a scorer call.
func (m *Metrics) ObserveMLScore(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.MLScoreDuration.Observe(elapsed.Seconds())
}

func (m *Metrics) MLFallback(reason string) {
	if m == nil {
		return
	}
	m.MLFallbacks.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.AuditFailures.Inc()
}

func (m *Metrics) LevelTransition(from, to string) {
	if m == nil {
		return
	}
	m.LevelTransitions.WithLabelValues(from, to).Inc()
}

// ObserveFeedback implements feedback.Recorder.
func (m *Metrics) ObserveFeedback(status, outcome string) {
	if m == nil {
		return
	}
	m.Feedback.WithLabelValues(status, outcome).Inc()
}

// ConfigUpdate records "applied" or "rejected".
func (m *Metrics) ConfigUpdate(result string) {
	if m == nil {
		return
	}
	m.ConfigUpdates.WithLabelValues(result).Inc()
}

func (m *Metrics) SetProfiles(n int) {
	if m == nil {
		return
	}
	m.ProfilesTracked.Set(float64(n))
}
