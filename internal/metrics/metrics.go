// Package metrics exposes the engine's Prometheus collectors: decision
// throughput and latency, learning progress per tier, regime transitions,
// and breaker state. Collectors live on a private registry so tests can
// gather them without touching the process-global one.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds all engine metrics.
type Registry struct {
	reg *prometheus.Registry

	DecisionDuration *prometheus.HistogramVec
	Decisions        *prometheus.CounterVec
	BlockedDecisions *prometheus.CounterVec
	Composite        prometheus.Histogram

	Outcomes      *prometheus.CounterVec
	OutcomeReturn prometheus.Histogram
	LearnDuration prometheus.Histogram

	RegimeSwitches   *prometheus.CounterVec
	RegimeConfidence prometheus.Gauge
	ActiveRegime     *prometheus.GaugeVec

	BreakerTripped   prometheus.Gauge
	BanditUpdates    prometheus.Counter
	PolicyEpisodes   prometheus.Gauge
	PolicyUpdates    prometheus.Counter
	PolicyEntropy    prometheus.Gauge
	SpecialistWeight *prometheus.GaugeVec
	PersistDropped   prometheus.Gauge
}

// NewRegistry constructs and registers every collector.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		DecisionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "adaptengine_decision_duration_seconds",
				Help:    "Time spent inside Decide",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
			[]string{"action"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adaptengine_decisions_total",
				Help: "Decisions returned by action and regime",
			},
			[]string{"action", "regime"},
		),
		BlockedDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adaptengine_decisions_blocked_total",
				Help: "Decisions blocked by governor constraint",
			},
			[]string{"constraint"},
		),
		Composite: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adaptengine_composite_score",
				Help:    "Composite score distribution",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
		),

		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adaptengine_outcomes_total",
				Help: "Realized outcomes absorbed, by result",
			},
			[]string{"result"},
		),
		OutcomeReturn: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adaptengine_outcome_return",
				Help:    "Realized fractional returns",
				Buckets: []float64{-0.20, -0.10, -0.05, -0.02, -0.01, 0, 0.01, 0.02, 0.05, 0.10, 0.20},
			},
		),
		LearnDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "adaptengine_learn_duration_seconds",
				Help:    "Time spent inside LearnFromOutcome",
				Buckets: []float64{0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1},
			},
		),

		RegimeSwitches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "adaptengine_regime_switches_total",
				Help: "Public regime label transitions",
			},
			[]string{"from", "to"},
		),
		RegimeConfidence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adaptengine_regime_confidence",
				Help: "Posterior confidence of the current regime label",
			},
		),
		ActiveRegime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adaptengine_active_regime",
				Help: "One-hot gauge of the current regime label",
			},
			[]string{"regime"},
		),

		BreakerTripped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adaptengine_breaker_tripped",
				Help: "1 while the trading circuit breaker is open",
			},
		),
		BanditUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adaptengine_bandit_updates_total",
				Help: "Posterior updates applied by the weight learner",
			},
		),
		PolicyEpisodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adaptengine_policy_episodes",
				Help: "Completed episodes observed by the control policy",
			},
		),
		PolicyUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "adaptengine_policy_updates_total",
				Help: "Minibatch training passes run by the control policy",
			},
		),
		PolicyEntropy: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adaptengine_policy_entropy",
				Help: "Mean policy entropy at the last training pass",
			},
		),
		SpecialistWeight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "adaptengine_specialist_weight",
				Help: "Meta-learner weight per specialist and regime",
			},
			[]string{"regime", "specialist"},
		),
		PersistDropped: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "adaptengine_persist_dropped_total",
				Help: "Persistence jobs lost to a full queue or dead backend",
			},
		),
	}

	r.reg.MustRegister(
		r.DecisionDuration,
		r.Decisions,
		r.BlockedDecisions,
		r.Composite,
		r.Outcomes,
		r.OutcomeReturn,
		r.LearnDuration,
		r.RegimeSwitches,
		r.RegimeConfidence,
		r.ActiveRegime,
		r.BreakerTripped,
		r.BanditUpdates,
		r.PolicyEpisodes,
		r.PolicyUpdates,
		r.PolicyEntropy,
		r.SpecialistWeight,
		r.PersistDropped,
	)
	return r
}

// ObserveDecision records one Decide call.
func (r *Registry) ObserveDecision(action, regime string, composite float64, elapsed time.Duration) {
	r.DecisionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
	r.Decisions.WithLabelValues(action, regime).Inc()
	r.Composite.Observe(composite)
}

// ObserveOutcome records one absorbed outcome.
func (r *Registry) ObserveOutcome(win bool, ret float64, elapsed time.Duration) {
	result := "loss"
	if win {
		result = "win"
	}
	r.Outcomes.WithLabelValues(result).Inc()
	r.OutcomeReturn.Observe(ret)
	r.LearnDuration.Observe(elapsed.Seconds())
}

// RecordRegimeSwitch notes a public label transition and resets the one-hot
// active-regime gauge.
func (r *Registry) RecordRegimeSwitch(from, to string, labels []string) {
	r.RegimeSwitches.WithLabelValues(from, to).Inc()
	for _, l := range labels {
		v := 0.0
		if l == to {
			v = 1.0
		}
		r.ActiveRegime.WithLabelValues(l).Set(v)
	}
	log.Debug().Str("from", from).Str("to", to).Msg("regime switch recorded")
}

// SetBreaker mirrors the governor's breaker into the gauge.
func (r *Registry) SetBreaker(tripped bool) {
	if tripped {
		r.BreakerTripped.Set(1)
		return
	}
	r.BreakerTripped.Set(0)
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
