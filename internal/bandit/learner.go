package bandit

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
)

// Config controls priors, floors, and credit scaling.
type Config struct {
	// PriorAlpha and PriorBeta seed every arm; equal values start each
	// component at an even-odds posterior.
	PriorAlpha float64 `yaml:"prior_alpha" json:"prior_alpha"`
	PriorBeta  float64 `yaml:"prior_beta" json:"prior_beta"`
	// PosteriorFloor keeps both Beta parameters strictly positive so no arm
	// is ever permanently starved.
	PosteriorFloor float64 `yaml:"posterior_floor" json:"posterior_floor"`
	// WeightFloor is the minimum pre-normalization weight per component.
	WeightFloor float64 `yaml:"weight_floor" json:"weight_floor"`
	// ReturnScale is the absolute return at which outcome magnitude
	// saturates; credits are bounded by it.
	ReturnScale float64 `yaml:"return_scale" json:"return_scale"`
}

// DefaultConfig returns the learner defaults.
func DefaultConfig() Config {
	return Config{
		PriorAlpha:     1.0,
		PriorBeta:      1.0,
		PosteriorFloor: 0.05,
		WeightFloor:    0.01,
		ReturnScale:    0.05,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PriorAlpha <= 0 {
		c.PriorAlpha = d.PriorAlpha
	}
	if c.PriorBeta <= 0 {
		c.PriorBeta = d.PriorBeta
	}
	if c.PosteriorFloor <= 0 {
		c.PosteriorFloor = d.PosteriorFloor
	}
	if c.WeightFloor <= 0 {
		c.WeightFloor = d.WeightFloor
	}
	if c.ReturnScale <= 0 {
		c.ReturnScale = d.ReturnScale
	}
}

// Posterior is one arm's Beta parameters.
type Posterior struct {
	Alpha   float64 `json:"alpha"`
	Beta    float64 `json:"beta"`
	Updates int64   `json:"updates"`
}

// Mean returns the posterior mean alpha/(alpha+beta).
func (p Posterior) Mean() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

type bank struct {
	arms    map[signal.Component]*Posterior
	updates int64
}

// Learner holds one posterior bank per regime and serves Thompson-sampled
// weight vectors. All methods are safe for concurrent use; sampling shares
// one seeded RNG behind the learner mutex so fixed-seed runs replay exactly.
type Learner struct {
	mu    sync.Mutex
	cfg   Config
	rng   *rand.Rand
	banks map[regime.Label]*bank
	total int64
}

// NewLearner builds a learner. A nil rng gets a time-seeded source; tests
// pass a fixed seed for reproducibility.
func NewLearner(cfg Config, rng *rand.Rand) *Learner {
	cfg.applyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Learner{
		cfg:   cfg,
		rng:   rng,
		banks: make(map[regime.Label]*bank),
	}
}

func (l *Learner) bankFor(label regime.Label) *bank {
	b, ok := l.banks[label]
	if !ok {
		b = &bank{arms: make(map[signal.Component]*Posterior, len(signal.Components()))}
		for _, c := range signal.Components() {
			b.arms[c] = &Posterior{Alpha: l.cfg.PriorAlpha, Beta: l.cfg.PriorBeta}
		}
		l.banks[label] = b
	}
	return b
}

// Weights draws one Thompson sample per component from the regime's bank and
// returns the floored, normalized weight vector. An unseen regime serves its
// untouched priors, which come out close to uniform.
func (l *Learner) Weights(label regime.Label) WeightVector {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bankFor(label)
	w := make(WeightVector, len(signal.Components()))
	for _, c := range signal.Components() {
		arm := b.arms[c]
		v := sampleBeta(l.rng, arm.Alpha, arm.Beta)
		if v < l.cfg.WeightFloor {
			v = l.cfg.WeightFloor
		}
		w[c] = v
	}
	w.Normalize()
	return w
}

// MeanWeights returns the deterministic posterior-mean weights, for
// diagnostics and for callers that want exploration-free weights.
func (l *Learner) MeanWeights(label regime.Label) WeightVector {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bankFor(label)
	w := make(WeightVector, len(signal.Components()))
	for _, c := range signal.Components() {
		v := b.arms[c].Mean()
		if v < l.cfg.WeightFloor {
			v = l.cfg.WeightFloor
		}
		w[c] = v
	}
	w.Normalize()
	return w
}

// Update folds one realized outcome into the regime's bank. Each component
// that was fresh at decision time earns credit proportional to how far its
// score sat from neutral and to the bounded outcome magnitude. A component
// that agreed with the outcome (scored above neutral before a win, or below
// neutral before a loss) gets its credit on alpha; a component that was wrong
// gets it on beta. Stale components are left untouched.
func (l *Learner) Update(label regime.Label, scores signal.ScoreSet, ret float64) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		log.Warn().Str("regime", string(label)).Msg("bandit update dropped, non-finite return")
		return
	}
	win := ret > 0
	magnitude := math.Min(1.0, math.Abs(ret)/l.cfg.ReturnScale)

	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bankFor(label)
	for comp, score := range scores {
		if score.Stale {
			continue
		}
		arm, ok := b.arms[comp]
		if !ok {
			log.Warn().Str("component", string(comp)).Msg("bandit update skipped unknown component")
			continue
		}
		distance := 2 * math.Abs(score.Value-signal.NeutralScore)
		credit := distance * magnitude
		if credit == 0 {
			continue
		}
		agreed := (score.Value > signal.NeutralScore) == win
		if agreed {
			arm.Alpha += credit
		} else {
			arm.Beta += credit
		}
		if arm.Alpha < l.cfg.PosteriorFloor {
			arm.Alpha = l.cfg.PosteriorFloor
		}
		if arm.Beta < l.cfg.PosteriorFloor {
			arm.Beta = l.cfg.PosteriorFloor
		}
		arm.Updates++
	}
	b.updates++
	l.total++
}

// Posteriors returns a copy of one regime's bank for diagnostics.
func (l *Learner) Posteriors(label regime.Label) map[signal.Component]Posterior {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.bankFor(label)
	out := make(map[signal.Component]Posterior, len(b.arms))
	for c, arm := range b.arms {
		out[c] = *arm
	}
	return out
}

// TotalUpdates reports how many outcomes have been folded in across regimes.
func (l *Learner) TotalUpdates() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}

// BankState is the persistable form of one regime's arm posteriors.
type BankState struct {
	Arms    map[signal.Component]Posterior `json:"arms"`
	Updates int64                          `json:"updates"`
}

// State is the persistable learner state.
type State struct {
	Banks        map[regime.Label]BankState `json:"banks"`
	TotalUpdates int64                      `json:"total_updates"`
}

// SnapshotState captures all banks.
func (l *Learner) SnapshotState() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	st := State{Banks: make(map[regime.Label]BankState, len(l.banks)), TotalUpdates: l.total}
	for label, b := range l.banks {
		bs := BankState{Arms: make(map[signal.Component]Posterior, len(b.arms)), Updates: b.updates}
		for c, arm := range b.arms {
			bs.Arms[c] = *arm
		}
		st.Banks[label] = bs
	}
	return st
}

// RestoreState replaces the banks with a persisted snapshot. Arms with
// invalid parameters are reset to the prior rather than poisoning sampling.
func (l *Learner) RestoreState(st State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	banks := make(map[regime.Label]*bank, len(st.Banks))
	for label, bs := range st.Banks {
		if !label.Valid() {
			return fmt.Errorf("restore bandit state: unknown regime %q", label)
		}
		b := &bank{arms: make(map[signal.Component]*Posterior, len(signal.Components())), updates: bs.Updates}
		for _, c := range signal.Components() {
			arm, ok := bs.Arms[c]
			if !ok || arm.Alpha <= 0 || arm.Beta <= 0 ||
				math.IsNaN(arm.Alpha) || math.IsNaN(arm.Beta) ||
				math.IsInf(arm.Alpha, 0) || math.IsInf(arm.Beta, 0) {
				log.Warn().Str("regime", string(label)).Str("component", string(c)).
					Msg("bandit arm reset to prior on restore")
				arm = Posterior{Alpha: l.cfg.PriorAlpha, Beta: l.cfg.PriorBeta}
			}
			cp := arm
			b.arms[c] = &cp
		}
		banks[label] = b
	}
	l.banks = banks
	l.total = st.TotalUpdates
	return nil
}
