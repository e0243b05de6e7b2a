package regime

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

// Config controls hard rules, hysteresis, and re-estimation cadence.
type Config struct {
	// HysteresisN is how many consecutive classifications of a new state are
	// required before the public label switches.
	HysteresisN int `yaml:"hysteresis_n" json:"hysteresis_n"`
	// CrisisVolThreshold forces the crisis label immediately when realized
	// vol meets or exceeds it, bypassing both the model and hysteresis.
	CrisisVolThreshold float64 `yaml:"crisis_vol_threshold" json:"crisis_vol_threshold"`
	// PanicBreadthThreshold forces a bear-defensive classification when
	// breadth collapses below it while vol is elevated. The forced
	// classification still goes through hysteresis.
	PanicBreadthThreshold float64 `yaml:"panic_breadth_threshold" json:"panic_breadth_threshold"`
	// WindowSize bounds the rolling observation window fed to Reestimate.
	WindowSize int `yaml:"window_size" json:"window_size"`
	// MinReestimateObs is the minimum window length before Reestimate will
	// touch the model parameters.
	MinReestimateObs int `yaml:"min_reestimate_obs" json:"min_reestimate_obs"`
	// EMIterations caps the Baum-Welch passes per re-estimation.
	EMIterations int `yaml:"em_iterations" json:"em_iterations"`
	// EMSmoothing blends fitted parameters toward the incumbent model,
	// 0 keeps the old model and 1 adopts the fit outright.
	EMSmoothing float64 `yaml:"em_smoothing" json:"em_smoothing"`
}

// DefaultConfig returns the classifier defaults.
func DefaultConfig() Config {
	return Config{
		HysteresisN:           3,
		CrisisVolThreshold:    0.90,
		PanicBreadthThreshold: 0.12,
		WindowSize:            500,
		MinReestimateObs:      50,
		EMIterations:          10,
		EMSmoothing:           0.3,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.HysteresisN <= 0 {
		c.HysteresisN = d.HysteresisN
	}
	if c.CrisisVolThreshold <= 0 {
		c.CrisisVolThreshold = d.CrisisVolThreshold
	}
	if c.PanicBreadthThreshold <= 0 {
		c.PanicBreadthThreshold = d.PanicBreadthThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.MinReestimateObs <= 0 {
		c.MinReestimateObs = d.MinReestimateObs
	}
	if c.EMIterations <= 0 {
		c.EMIterations = d.EMIterations
	}
	if c.EMSmoothing <= 0 || c.EMSmoothing > 1 {
		c.EMSmoothing = d.EMSmoothing
	}
}

// Snapshot is the public classification record returned to callers and
// embedded in decision journals.
type Snapshot struct {
	Label      Label                 `json:"label"`
	Confidence float64               `json:"confidence"`
	Features   signal.MarketFeatures `json:"features"`
	RuleForced bool                  `json:"rule_forced,omitempty"`
	At         time.Time             `json:"at"`
}

// State is the persistable classifier state: model parameters, the public
// label, and the hysteresis counters needed to survive a restart without a
// spurious label flip.
type State struct {
	Model         *Model    `json:"model"`
	Label         Label     `json:"label"`
	Confidence    float64   `json:"confidence"`
	PendingLabel  Label     `json:"pending_label,omitempty"`
	PendingCount  int       `json:"pending_count,omitempty"`
	Observations  int64     `json:"observations"`
	ReestimatedAt time.Time `json:"reestimated_at,omitempty"`
	Reestimations int64     `json:"reestimations"`
}

// Classifier tracks the current regime. Classify is safe for concurrent use;
// Reestimate is expected to run from the slow learning path.
type Classifier struct {
	mu  sync.Mutex
	cfg Config

	model *Model

	current      Snapshot
	pendingLabel Label
	pendingCount int

	window       [][]float64
	observations int64

	reestimatedAt time.Time
	reestimations int64
}

// NewClassifier builds a classifier from cfg, starting in the choppy regime
// with the hand-tuned default model.
func NewClassifier(cfg Config) *Classifier {
	cfg.applyDefaults()
	return &Classifier{
		cfg:   cfg,
		model: DefaultModel(),
		current: Snapshot{
			Label:      Choppy,
			Confidence: 1.0 / NumStates,
			At:         time.Now().UTC(),
		},
	}
}

// Current returns the public label without consuming an observation.
func (c *Classifier) Current() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Classify consumes one feature observation and returns the resulting public
// snapshot. Hard rules run before the statistical model: a realized-vol spike
// switches the public label to crisis immediately, because waiting out
// hysteresis during a tail event defeats the point of the rule. All other
// label changes require HysteresisN consecutive classifications.
func (c *Classifier) Classify(features signal.MarketFeatures) Snapshot {
	features = signal.SanitizeFeatures(features)
	obs := features.Vector()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.pushWindow(obs)
	c.observations++

	if features.RealizedVol >= c.cfg.CrisisVolThreshold {
		if c.current.Label != Crisis {
			log.Warn().
				Str("from", string(c.current.Label)).
				Float64("realized_vol", features.RealizedVol).
				Msg("vol spike rule forced crisis regime")
		}
		c.current = Snapshot{Label: Crisis, Confidence: 1.0, Features: features, RuleForced: true, At: features.Timestamp}
		c.pendingLabel = ""
		c.pendingCount = 0
		return c.current
	}

	candidate, confidence := c.classifyStatistical(obs)
	ruleForced := false
	if features.Breadth <= c.cfg.PanicBreadthThreshold && features.RealizedVol >= 0.5*c.cfg.CrisisVolThreshold {
		candidate = BearDefensive
		confidence = math.Max(confidence, 0.9)
		ruleForced = true
	}

	c.applyHysteresis(candidate, confidence, ruleForced, features)
	return c.current
}

// classifyStatistical scores each state by transition prior from the current
// label times the Gaussian emission likelihood, in log space, and returns the
// argmax with its normalized posterior mass.
func (c *Classifier) classifyStatistical(obs []float64) (Label, float64) {
	fromIdx := c.current.Label.Index()
	if fromIdx < 0 {
		fromIdx = Choppy.Index()
	}

	logPost := make([]float64, NumStates)
	maxLog := math.Inf(-1)
	for i := 0; i < NumStates; i++ {
		prior := c.model.Transitions[fromIdx][i]
		if prior < 1e-9 {
			prior = 1e-9
		}
		logPost[i] = math.Log(prior) + c.model.Emissions[i].logLikelihood(obs)
		if logPost[i] > maxLog {
			maxLog = logPost[i]
		}
	}

	total := 0.0
	best := 0
	for i := 0; i < NumStates; i++ {
		logPost[i] = math.Exp(logPost[i] - maxLog)
		total += logPost[i]
		if logPost[i] > logPost[best] {
			best = i
		}
	}
	confidence := logPost[best] / total
	return LabelAt(best), confidence
}

// applyHysteresis folds one classification into the pending counter and flips
// the public label once the new state has held for HysteresisN observations.
func (c *Classifier) applyHysteresis(candidate Label, confidence float64, ruleForced bool, features signal.MarketFeatures) {
	if candidate == c.current.Label {
		c.pendingLabel = ""
		c.pendingCount = 0
		c.current.Confidence = confidence
		c.current.Features = features
		c.current.RuleForced = ruleForced
		c.current.At = features.Timestamp
		return
	}

	if candidate == c.pendingLabel {
		c.pendingCount++
	} else {
		c.pendingLabel = candidate
		c.pendingCount = 1
	}

	if c.pendingCount < c.cfg.HysteresisN {
		// Not enough agreement yet; the public label holds.
		c.current.Features = features
		c.current.At = features.Timestamp
		return
	}

	log.Info().
		Str("from", string(c.current.Label)).
		Str("to", string(candidate)).
		Float64("confidence", confidence).
		Int("consecutive", c.pendingCount).
		Msg("regime label switched")

	c.current = Snapshot{Label: candidate, Confidence: confidence, Features: features, RuleForced: ruleForced, At: features.Timestamp}
	c.pendingLabel = ""
	c.pendingCount = 0
}

func (c *Classifier) pushWindow(obs []float64) {
	c.window = append(c.window, obs)
	if len(c.window) > c.cfg.WindowSize {
		c.window = c.window[len(c.window)-c.cfg.WindowSize:]
	}
}

// WindowLen reports how many observations are buffered for re-estimation.
func (c *Classifier) WindowLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.window)
}

// Reestimate refits emission and transition parameters on the rolling window
// with Baum-Welch and swaps the model in atomically. With fewer than
// MinReestimateObs observations it leaves the model untouched.
func (c *Classifier) Reestimate() error {
	c.mu.Lock()
	if len(c.window) < c.cfg.MinReestimateObs {
		n := len(c.window)
		c.mu.Unlock()
		log.Debug().Int("observations", n).Int("min", c.cfg.MinReestimateObs).
			Msg("regime re-estimation skipped, window too short")
		return nil
	}
	obs := make([][]float64, len(c.window))
	copy(obs, c.window)
	base := c.model.Clone()
	c.mu.Unlock()

	fitted, err := reestimate(base, obs, c.cfg.EMIterations, c.cfg.EMSmoothing)
	if err != nil {
		return fmt.Errorf("regime re-estimation: %w", err)
	}
	if err := fitted.Validate(); err != nil {
		return fmt.Errorf("re-estimated model rejected: %w", err)
	}

	c.mu.Lock()
	c.model = fitted
	c.reestimatedAt = time.Now().UTC()
	c.reestimations++
	n := c.reestimations
	c.mu.Unlock()

	log.Info().Int("observations", len(obs)).Int64("reestimations", n).
		Msg("regime model re-estimated")
	return nil
}

// Model returns a copy of the live parameters, for diagnostics.
func (c *Classifier) Model() *Model {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model.Clone()
}

// SnapshotState captures the persistable state.
func (c *Classifier) SnapshotState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Model:         c.model.Clone(),
		Label:         c.current.Label,
		Confidence:    c.current.Confidence,
		PendingLabel:  c.pendingLabel,
		PendingCount:  c.pendingCount,
		Observations:  c.observations,
		ReestimatedAt: c.reestimatedAt,
		Reestimations: c.reestimations,
	}
}

// RestoreState replaces the classifier state with a previously persisted one.
// Invalid models are rejected so a corrupt snapshot cannot poison the live
// classifier.
func (c *Classifier) RestoreState(st State) error {
	if st.Model == nil {
		return fmt.Errorf("restore regime state: nil model")
	}
	if err := st.Model.Validate(); err != nil {
		return fmt.Errorf("restore regime state: %w", err)
	}
	label := st.Label
	if !label.Valid() {
		label = Choppy
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.model = st.Model.Clone()
	c.current = Snapshot{Label: label, Confidence: st.Confidence, At: time.Now().UTC()}
	c.pendingLabel = st.PendingLabel
	c.pendingCount = st.PendingCount
	c.observations = st.Observations
	c.reestimatedAt = st.ReestimatedAt
	c.reestimations = st.Reestimations
	return nil
}
