package control

import (
	"math"

	"github.com/kestrelquant/adaptengine/internal/bandit"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// ObsDim is the fixed observation width: 6 effective scores, 6 weights,
// 5 regime one-hots, 4 market features, 3 portfolio fields.
const ObsDim = 24

// ActionDim is the policy output width: size, stop, target, holding period.
const ActionDim = 4

// Observation is the full decision context handed to the policy.
type Observation struct {
	Scores    signal.ScoreSet
	Weights   bandit.WeightVector
	Composite float64
	Regime    regime.Label
	Features  signal.MarketFeatures
	Portfolio signal.PortfolioState
}

// vector flattens the observation in fixed order.
func (o Observation) vector() []float64 {
	v := make([]float64, 0, ObsDim)
	for _, c := range signal.Components() {
		v = append(v, o.Scores[c].Effective())
	}
	for _, c := range signal.Components() {
		v = append(v, o.Weights[c])
	}
	oneHot := make([]float64, regime.NumStates)
	if idx := o.Regime.Index(); idx >= 0 {
		oneHot[idx] = 1
	}
	v = append(v, oneHot...)
	v = append(v, o.Features.Vector()...)
	v = append(v, o.Portfolio.Exposure, o.Portfolio.Cash, clamp(o.Portfolio.RecentPnL, -1, 1))
	return v
}

// Policy proposes position parameters for a candidate entry and learns from
// completed outcomes. Implementations are safe for concurrent use.
type Policy interface {
	// Propose returns the policy's entry proposal for the observation and
	// registers the decision under id for later credit.
	Propose(id string, obs Observation) trade.Proposal
	// Complete attaches the realized outcome to a previously proposed
	// decision. Unknown ids are ignored.
	Complete(id string, out trade.Outcome)
	// Train runs one learning pass if enough completed experience is
	// buffered, reporting what it did.
	Train() (TrainReport, error)
	// Ready reports whether the policy has learned from enough episodes to
	// leave its conservative warmup.
	Ready() bool
}

// TrainReport summarizes one Train call.
type TrainReport struct {
	Trained      bool    `json:"trained"`
	Episodes     int     `json:"episodes"`
	PolicyLoss   float64 `json:"policy_loss"`
	ValueLoss    float64 `json:"value_loss"`
	Entropy      float64 `json:"entropy"`
	MeanReward   float64 `json:"mean_reward"`
	TotalUpdates int64   `json:"total_updates"`
}

// ActionConfig bounds the squashed action outputs.
type ActionConfig struct {
	// MaxSize caps the fully-warmed position size fraction.
	MaxSize float64 `yaml:"max_size" json:"max_size"`
	// WarmupMaxSize caps size while the policy is still cold; the cap ramps
	// linearly to MaxSize over MinEpisodes completed episodes.
	WarmupMaxSize float64 `yaml:"warmup_max_size" json:"warmup_max_size"`
	MinStop       float64 `yaml:"min_stop" json:"min_stop"`
	MaxStop       float64 `yaml:"max_stop" json:"max_stop"`
	MinTarget     float64 `yaml:"min_target" json:"min_target"`
	MaxTarget     float64 `yaml:"max_target" json:"max_target"`
	MinHoldHours  float64 `yaml:"min_hold_hours" json:"min_hold_hours"`
	MaxHoldHours  float64 `yaml:"max_hold_hours" json:"max_hold_hours"`
}

// RewardConfig shapes the scalar reward from a realized outcome.
type RewardConfig struct {
	ReturnWeight      float64 `yaml:"return_weight" json:"return_weight"`
	DrawdownPenalty   float64 `yaml:"drawdown_penalty" json:"drawdown_penalty"`
	VariancePenalty   float64 `yaml:"variance_penalty" json:"variance_penalty"`
	HoldingCostPerDay float64 `yaml:"holding_cost_per_day" json:"holding_cost_per_day"`
}

// reward maps an outcome to the shaped training reward: realized return
// less penalties for adverse excursion, outcome variance, and time in trade.
func (rc RewardConfig) reward(out trade.Outcome) float64 {
	r := rc.ReturnWeight * out.Return
	r -= rc.DrawdownPenalty * math.Abs(out.MaxAdverseExcursion)
	r -= rc.VariancePenalty * out.Return * out.Return
	r -= rc.HoldingCostPerDay * out.HoldingHours / 24.0
	return r
}

// Config carries every PPO hyperparameter. Zero values take defaults.
type Config struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Hidden       int     `yaml:"hidden" json:"hidden"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	ClipEpsilon  float64 `yaml:"clip_epsilon" json:"clip_epsilon"`
	Gamma        float64 `yaml:"gamma" json:"gamma"`
	Lambda       float64 `yaml:"lambda" json:"lambda"`
	Epochs       int     `yaml:"epochs" json:"epochs"`
	MiniBatch    int     `yaml:"mini_batch" json:"mini_batch"`
	BufferSize   int     `yaml:"buffer_size" json:"buffer_size"`
	// TrainThreshold is the completed-episode count that arms Train.
	TrainThreshold int `yaml:"train_threshold" json:"train_threshold"`
	// MinEpisodes is the warmup length for the size ramp and Ready.
	MinEpisodes  int     `yaml:"min_episodes" json:"min_episodes"`
	EntropyCoef  float64 `yaml:"entropy_coef" json:"entropy_coef"`
	ValueCoef    float64 `yaml:"value_coef" json:"value_coef"`
	MaxGradNorm  float64 `yaml:"max_grad_norm" json:"max_grad_norm"`
	InitLogStd   float64 `yaml:"init_log_std" json:"init_log_std"`
	PendingCap   int     `yaml:"pending_cap" json:"pending_cap"`

	Action ActionConfig `yaml:"action" json:"action"`
	Reward RewardConfig `yaml:"reward" json:"reward"`
}

// DefaultConfig returns the control-tier defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Hidden:         16,
		LearningRate:   0.003,
		Momentum:       0.9,
		ClipEpsilon:    0.2,
		Gamma:          0.9,
		Lambda:         0.95,
		Epochs:         4,
		MiniBatch:      32,
		BufferSize:     512,
		TrainThreshold: 64,
		MinEpisodes:    20,
		EntropyCoef:    0.01,
		ValueCoef:      0.5,
		MaxGradNorm:    5.0,
		InitLogStd:     -0.5,
		PendingCap:     2048,
		Action: ActionConfig{
			MaxSize:       0.12,
			WarmupMaxSize: 0.02,
			MinStop:       0.005,
			MaxStop:       0.08,
			MinTarget:     0.01,
			MaxTarget:     0.15,
			MinHoldHours:  4,
			MaxHoldHours:  120,
		},
		Reward: RewardConfig{
			ReturnWeight:      1.0,
			DrawdownPenalty:   0.5,
			VariancePenalty:   0.25,
			HoldingCostPerDay: 0.01,
		},
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Hidden <= 0 {
		c.Hidden = d.Hidden
	}
	if c.LearningRate <= 0 {
		c.LearningRate = d.LearningRate
	}
	if c.Momentum <= 0 || c.Momentum >= 1 {
		c.Momentum = d.Momentum
	}
	if c.ClipEpsilon <= 0 || c.ClipEpsilon >= 1 {
		c.ClipEpsilon = d.ClipEpsilon
	}
	if c.Gamma <= 0 || c.Gamma > 1 {
		c.Gamma = d.Gamma
	}
	if c.Lambda <= 0 || c.Lambda > 1 {
		c.Lambda = d.Lambda
	}
	if c.Epochs <= 0 {
		c.Epochs = d.Epochs
	}
	if c.MiniBatch <= 0 {
		c.MiniBatch = d.MiniBatch
	}
	if c.BufferSize < c.MiniBatch {
		c.BufferSize = d.BufferSize
	}
	if c.TrainThreshold < c.MiniBatch {
		c.TrainThreshold = d.TrainThreshold
	}
	if c.MinEpisodes <= 0 {
		c.MinEpisodes = d.MinEpisodes
	}
	if c.EntropyCoef < 0 {
		c.EntropyCoef = d.EntropyCoef
	}
	if c.ValueCoef <= 0 {
		c.ValueCoef = d.ValueCoef
	}
	if c.MaxGradNorm <= 0 {
		c.MaxGradNorm = d.MaxGradNorm
	}
	if c.InitLogStd == 0 {
		c.InitLogStd = d.InitLogStd
	}
	if c.PendingCap <= 0 {
		c.PendingCap = d.PendingCap
	}
	if c.Action.MaxSize <= 0 {
		c.Action = d.Action
	}
	if c.Reward.ReturnWeight == 0 {
		c.Reward = d.Reward
	}
}

// squash maps the raw Gaussian action into a bounded entry proposal. sizeCap
// is the warmup-adjusted ceiling.
func (ac ActionConfig) squash(raw []float64, sizeCap float64) trade.Proposal {
	return trade.Proposal{
		Action:         trade.ActionEnter,
		Size:           sigmoid(raw[0]) * sizeCap,
		StopDistance:   ac.MinStop + (ac.MaxStop-ac.MinStop)*sigmoid(raw[1]),
		TargetDistance: ac.MinTarget + (ac.MaxTarget-ac.MinTarget)*sigmoid(raw[2]),
		HoldHours:      ac.MinHoldHours + (ac.MaxHoldHours-ac.MinHoldHours)*sigmoid(raw[3]),
	}
}

// conservative is the deterministic fallback used when the policy cannot be
// trusted: smallest sizing band, tight stop, short hold.
func (ac ActionConfig) conservative() trade.Proposal {
	return trade.Proposal{
		Action:         trade.ActionEnter,
		Size:           ac.WarmupMaxSize / 2,
		StopDistance:   ac.MinStop + (ac.MaxStop-ac.MinStop)*0.25,
		TargetDistance: ac.MinTarget + (ac.MaxTarget-ac.MinTarget)*0.25,
		HoldHours:      ac.MinHoldHours,
	}
}

func sigmoid(x float64) float64 {
	return 1.0 / (1.0 + math.Exp(-x))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Static is the fixed policy used when the control tier is disabled by
// configuration. It always returns the conservative proposal and learns
// nothing.
type Static struct {
	action ActionConfig
}

// NewStatic builds the disabled-tier policy.
func NewStatic(action ActionConfig) *Static {
	if action.MaxSize <= 0 {
		action = DefaultConfig().Action
	}
	return &Static{action: action}
}

func (s *Static) Propose(string, Observation) trade.Proposal { return s.action.conservative() }
func (s *Static) Complete(string, trade.Outcome)             {}
func (s *Static) Train() (TrainReport, error)                { return TrainReport{}, nil }
func (s *Static) Ready() bool                                { return false }
