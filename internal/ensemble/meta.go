package ensemble

import (
	"fmt"
	"math"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// Config controls the two learning speeds and the evidence thresholds.
type Config struct {
	// FastLR is the EWMA rate for per-outcome specialist performance.
	FastLR float64 `yaml:"fast_lr" json:"fast_lr"`
	// SlowLR scales the multiplicative meta-weight step taken on Rebalance.
	SlowLR float64 `yaml:"slow_lr" json:"slow_lr"`
	// MinSamples is how many outcomes a specialist needs in a regime before
	// it counts as evidenced.
	MinSamples int64 `yaml:"min_samples" json:"min_samples"`
	// MinReady is how many evidenced specialists a regime needs before the
	// learned blend replaces the uniform fallback.
	MinReady int `yaml:"min_ready" json:"min_ready"`
	// MinMetaWeight floors every meta-weight so no specialist goes extinct.
	MinMetaWeight float64 `yaml:"min_meta_weight" json:"min_meta_weight"`
	// DrawdownPenalty weighs adverse excursion in the counterfactual score.
	DrawdownPenalty float64 `yaml:"drawdown_penalty" json:"drawdown_penalty"`
}

// DefaultConfig returns the meta-learner defaults.
func DefaultConfig() Config {
	return Config{
		FastLR:          0.10,
		SlowLR:          0.01,
		MinSamples:      5,
		MinReady:        2,
		MinMetaWeight:   0.02,
		DrawdownPenalty: 0.5,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FastLR <= 0 || c.FastLR > 1 {
		c.FastLR = d.FastLR
	}
	if c.SlowLR <= 0 || c.SlowLR > 1 {
		c.SlowLR = d.SlowLR
	}
	if c.MinSamples <= 0 {
		c.MinSamples = d.MinSamples
	}
	if c.MinReady <= 0 {
		c.MinReady = d.MinReady
	}
	if c.MinMetaWeight <= 0 {
		c.MinMetaWeight = d.MinMetaWeight
	}
	if c.DrawdownPenalty < 0 {
		c.DrawdownPenalty = d.DrawdownPenalty
	}
}

// perf is one specialist's rolling evidence in one regime.
type perf struct {
	EWMA    float64 `json:"ewma"`
	Samples int64   `json:"samples"`
}

// regimeState is the per-regime learning state: one perf per specialist and
// the slow meta-weight vector, both indexed in specialist order.
type regimeState struct {
	Perf    []perf    `json:"perf"`
	MetaW   []float64 `json:"meta_weights"`
	Updates int64     `json:"updates"`
}

// MetaLearner blends the specialists per regime. Safe for concurrent use.
type MetaLearner struct {
	mu     sync.Mutex
	cfg    Config
	specs  []Specialist
	states map[regime.Label]*regimeState
}

// New builds a meta-learner over the default specialists.
func New(cfg Config) *MetaLearner {
	return NewWithSpecialists(cfg, DefaultSpecialists())
}

// NewWithSpecialists builds a meta-learner over a custom profile set.
func NewWithSpecialists(cfg Config, specs []Specialist) *MetaLearner {
	cfg.applyDefaults()
	if len(specs) == 0 {
		specs = DefaultSpecialists()
	}
	return &MetaLearner{
		cfg:    cfg,
		specs:  specs,
		states: make(map[regime.Label]*regimeState),
	}
}

func (m *MetaLearner) stateFor(label regime.Label) *regimeState {
	st, ok := m.states[label]
	if !ok {
		st = &regimeState{
			Perf:  make([]perf, len(m.specs)),
			MetaW: make([]float64, len(m.specs)),
		}
		for i := range st.MetaW {
			st.MetaW[i] = 1.0 / float64(len(m.specs))
		}
		m.states[label] = st
	}
	return st
}

// Blend returns the adjustment for the regime plus the specialist weights
// behind it. Until MinReady specialists have MinSamples outcomes in the
// regime, the uniform blend is served instead of the learned one.
func (m *MetaLearner) Blend(label regime.Label) (Adjustment, map[string]float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateFor(label)
	weights := make(map[string]float64, len(m.specs))

	ready := 0
	for i := range m.specs {
		if st.Perf[i].Samples >= m.cfg.MinSamples {
			ready++
		}
	}
	if ready < m.cfg.MinReady {
		for _, s := range m.specs {
			weights[s.Name] = 1.0 / float64(len(m.specs))
		}
		return uniformAdjustment(m.specs), weights
	}

	adj := Adjustment{Source: "learned"}
	for i, s := range m.specs {
		w := st.MetaW[i]
		weights[s.Name] = w
		adj.SizeMultiplier += w * s.SizeMultiplier
		adj.ThresholdShift += w * s.ThresholdShift
		adj.StopMultiplier += w * s.StopMultiplier
		adj.TargetMultiplier += w * s.TargetMultiplier
	}
	return adj, weights
}

// Observe is the fast loop: every realized outcome updates each specialist's
// counterfactual score in the decision's regime. The counterfactual is the
// outcome re-sized by the specialist's multiplier, so aggressive profiles
// feel both wins and adverse excursions harder.
func (m *MetaLearner) Observe(label regime.Label, out trade.Outcome) {
	if math.IsNaN(out.Return) || math.IsInf(out.Return, 0) {
		log.Warn().Str("regime", string(label)).Msg("ensemble observation dropped, non-finite return")
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	st := m.stateFor(label)
	for i, s := range m.specs {
		score := s.SizeMultiplier*out.Return - m.cfg.DrawdownPenalty*s.SizeMultiplier*math.Abs(out.MaxAdverseExcursion)
		p := &st.Perf[i]
		p.EWMA = (1-m.cfg.FastLR)*p.EWMA + m.cfg.FastLR*score
		p.Samples++
	}
	st.Updates++
}

// Rebalance is the slow loop: every evidenced regime takes one multiplicative
// meta-weight step toward its better-scoring specialists, with a floor so no
// profile goes extinct. Runs on the learning cadence, not per outcome.
func (m *MetaLearner) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for label, st := range m.states {
		ready := 0
		for i := range m.specs {
			if st.Perf[i].Samples >= m.cfg.MinSamples {
				ready++
			}
		}
		if ready < m.cfg.MinReady {
			continue
		}

		sum := 0.0
		for i := range st.MetaW {
			st.MetaW[i] *= math.Exp(m.cfg.SlowLR * st.Perf[i].EWMA / ewmaScale)
			sum += st.MetaW[i]
		}
		if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
			for i := range st.MetaW {
				st.MetaW[i] = 1.0 / float64(len(m.specs))
			}
			continue
		}
		floorAndNormalize(st.MetaW, m.cfg.MinMetaWeight, sum)

		log.Debug().Str("regime", string(label)).Floats64("meta_weights", st.MetaW).
			Msg("ensemble meta-weights rebalanced")
	}
}

// ewmaScale normalizes typical per-trade scores (a few percent) into a
// usable exponent range for the multiplicative step.
const ewmaScale = 0.01

func floorAndNormalize(w []float64, floor, sum float64) {
	for i := range w {
		w[i] /= sum
		if w[i] < floor {
			w[i] = floor
		}
	}
	total := 0.0
	for _, v := range w {
		total += v
	}
	for i := range w {
		w[i] /= total
	}
}

// Specialists returns the profile set, for diagnostics.
func (m *MetaLearner) Specialists() []Specialist {
	out := make([]Specialist, len(m.specs))
	copy(out, m.specs)
	return out
}

// State is the persistable meta-learner state.
type State struct {
	Specialists []Specialist                  `json:"specialists"`
	Regimes     map[regime.Label]*regimeState `json:"regimes"`
}

// SnapshotState captures all per-regime evidence and meta-weights.
func (m *MetaLearner) SnapshotState() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := State{
		Specialists: append([]Specialist(nil), m.specs...),
		Regimes:     make(map[regime.Label]*regimeState, len(m.states)),
	}
	for label, rs := range m.states {
		cp := &regimeState{
			Perf:    append([]perf(nil), rs.Perf...),
			MetaW:   append([]float64(nil), rs.MetaW...),
			Updates: rs.Updates,
		}
		st.Regimes[label] = cp
	}
	return st
}

// RestoreState replaces the learning state. The snapshot must describe the
// same specialist set, otherwise indices would mean different profiles.
func (m *MetaLearner) RestoreState(st State) error {
	if len(st.Specialists) != 0 && len(st.Specialists) != len(m.specs) {
		return fmt.Errorf("restore ensemble state: %d specialists, want %d", len(st.Specialists), len(m.specs))
	}
	for i, s := range st.Specialists {
		if s.Name != m.specs[i].Name {
			return fmt.Errorf("restore ensemble state: specialist %d is %q, want %q", i, s.Name, m.specs[i].Name)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	states := make(map[regime.Label]*regimeState, len(st.Regimes))
	for label, rs := range st.Regimes {
		if !label.Valid() {
			return fmt.Errorf("restore ensemble state: unknown regime %q", label)
		}
		if rs == nil || len(rs.Perf) != len(m.specs) || len(rs.MetaW) != len(m.specs) {
			return fmt.Errorf("restore ensemble state: regime %q has malformed vectors", label)
		}
		cp := &regimeState{
			Perf:    append([]perf(nil), rs.Perf...),
			MetaW:   append([]float64(nil), rs.MetaW...),
			Updates: rs.Updates,
		}
		cp.normalizeWeights(len(m.specs))
		states[label] = cp
	}
	m.states = states
	return nil
}

// normalizeWeights repairs a restored weight vector: non-finite or negative
// entries reset the vector to uniform, a drifted sum is renormalized, and a
// healthy vector is left untouched bit for bit.
func (rs *regimeState) normalizeWeights(n int) {
	sum := 0.0
	for _, w := range rs.MetaW {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			sum = 0
			break
		}
		sum += w
	}
	if sum <= 0 {
		for i := range rs.MetaW {
			rs.MetaW[i] = 1.0 / float64(n)
		}
		return
	}
	if math.Abs(sum-1.0) <= 1e-9 {
		return
	}
	for i := range rs.MetaW {
		rs.MetaW[i] /= sum
	}
}
