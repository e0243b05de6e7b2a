package control

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/trade"
)

const halfLog2Pi = 0.9189385332046727 // 0.5*ln(2*pi)

// transition is one decision awaiting or carrying its outcome.
type transition struct {
	obs     []float64
	action  []float64
	logProb float64
	value   float64
	reward  float64
	at      time.Time
}

// PPO is the on-policy control tier: a Gaussian policy over the four action
// dims with a learned value baseline, trained with the clipped surrogate
// objective. During warmup the size cap ramps from WarmupMaxSize to MaxSize
// so a cold policy cannot size aggressively.
type PPO struct {
	mu  sync.Mutex
	cfg Config
	rng *rand.Rand

	actor  *mlp
	critic *mlp
	logStd []float64

	pending      map[string]*transition
	pendingOrder []string
	buffer       []*transition

	episodes int64
	updates  int64
}

// NewPPO builds the policy with freshly initialized networks. A nil rng gets
// a time-based seed; tests pass a fixed one.
func NewPPO(cfg Config, rng *rand.Rand) *PPO {
	cfg.applyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	p := &PPO{
		cfg:     cfg,
		rng:     rng,
		actor:   newMLP([]int{ObsDim, cfg.Hidden, ActionDim}, rng),
		critic:  newMLP([]int{ObsDim, cfg.Hidden, 1}, rng),
		logStd:  make([]float64, ActionDim),
		pending: make(map[string]*transition),
	}
	for i := range p.logStd {
		p.logStd[i] = cfg.InitLogStd
	}
	return p
}

// Ready reports whether warmup has completed.
func (p *PPO) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.episodes >= int64(p.cfg.MinEpisodes)
}

// sizeCap ramps the position ceiling linearly over the warmup episodes.
func (p *PPO) sizeCap() float64 {
	frac := float64(p.episodes) / float64(p.cfg.MinEpisodes)
	if frac > 1 {
		frac = 1
	}
	a := p.cfg.Action
	return a.WarmupMaxSize + (a.MaxSize-a.WarmupMaxSize)*frac
}

// Propose samples an action for the observation and registers it under id.
// A policy that has gone non-finite falls back to the conservative proposal
// and records nothing, so broken weights cannot feed the buffer.
func (p *PPO) Propose(id string, obs Observation) trade.Proposal {
	vec := obs.vector()

	p.mu.Lock()
	defer p.mu.Unlock()

	mean, _ := p.actor.forward(vec)
	val, _ := p.critic.forward(vec)
	if !finiteSlice(mean) || math.IsNaN(val[0]) || math.IsInf(val[0], 0) {
		log.Error().Str("decision_id", id).Msg("policy produced non-finite output, using conservative proposal")
		return p.cfg.Action.conservative()
	}

	action := make([]float64, ActionDim)
	for i := range action {
		action[i] = mean[i] + math.Exp(p.logStd[i])*p.rng.NormFloat64()
	}

	p.remember(id, &transition{
		obs:     vec,
		action:  action,
		logProb: gaussianLogProb(action, mean, p.logStd),
		value:   val[0],
		at:      time.Now().UTC(),
	})
	return p.cfg.Action.squash(action, p.sizeCap())
}

// remember stores a pending transition, evicting the oldest once the cap is
// hit so decisions that never resolve cannot leak.
func (p *PPO) remember(id string, tr *transition) {
	if _, exists := p.pending[id]; !exists {
		p.pendingOrder = append(p.pendingOrder, id)
	}
	p.pending[id] = tr
	for len(p.pendingOrder) > p.cfg.PendingCap {
		oldest := p.pendingOrder[0]
		p.pendingOrder = p.pendingOrder[1:]
		delete(p.pending, oldest)
	}
}

// Complete resolves a pending decision with its realized outcome. Unknown or
// already-evicted ids are dropped silently.
func (p *PPO) Complete(id string, out trade.Outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tr, ok := p.pending[id]
	if !ok {
		return
	}
	delete(p.pending, id)
	for i, pid := range p.pendingOrder {
		if pid == id {
			p.pendingOrder = append(p.pendingOrder[:i], p.pendingOrder[i+1:]...)
			break
		}
	}

	reward := p.cfg.Reward.reward(out)
	if math.IsNaN(reward) || math.IsInf(reward, 0) {
		log.Warn().Str("decision_id", id).Msg("dropping episode with non-finite reward")
		return
	}
	tr.reward = reward
	p.buffer = append(p.buffer, tr)
	if len(p.buffer) > p.cfg.BufferSize {
		p.buffer = p.buffer[len(p.buffer)-p.cfg.BufferSize:]
	}
	p.episodes++
}

// Train runs one PPO update over the buffered episodes once TrainThreshold
// is reached, then drains the buffer; the surrogate is only valid on-policy.
// If the update drives any parameter non-finite the previous parameters are
// kept and an error is returned.
func (p *PPO) Train() (TrainReport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	report := TrainReport{Episodes: len(p.buffer), TotalUpdates: p.updates}
	if len(p.buffer) < p.cfg.TrainThreshold {
		return report, nil
	}

	backupActor := p.actor.clone()
	backupCritic := p.critic.clone()
	backupLogStd := append([]float64(nil), p.logStd...)

	advantages, returns := p.estimateAdvantages()
	normalizeInPlace(advantages)

	idx := make([]int, len(p.buffer))
	for i := range idx {
		idx[i] = i
	}

	var policyLossSum, valueLossSum, entropySum float64
	var samples int
	for epoch := 0; epoch < p.cfg.Epochs; epoch++ {
		p.rng.Shuffle(len(idx), func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })
		for start := 0; start < len(idx); start += p.cfg.MiniBatch {
			end := start + p.cfg.MiniBatch
			if end > len(idx) {
				end = len(idx)
			}
			logStdGrad := make([]float64, ActionDim)
			for _, i := range idx[start:end] {
				tr := p.buffer[i]
				pl, vl, ent := p.accumulateSample(tr, advantages[i], returns[i], logStdGrad)
				policyLossSum += pl
				valueLossSum += vl
				entropySum += ent
				samples++
			}
			n := float64(end - start)
			p.actor.step(p.cfg.LearningRate, p.cfg.Momentum, p.cfg.MaxGradNorm)
			p.critic.step(p.cfg.LearningRate, p.cfg.Momentum, p.cfg.MaxGradNorm)
			for i := range p.logStd {
				p.logStd[i] -= p.cfg.LearningRate * logStdGrad[i] / n
				p.logStd[i] = clamp(p.logStd[i], -3.0, 1.0)
			}
		}
	}

	if !p.actor.finite() || !p.critic.finite() || !finiteSlice(p.logStd) {
		p.actor = backupActor
		p.critic = backupCritic
		p.logStd = backupLogStd
		p.buffer = nil
		return report, fmt.Errorf("ppo update produced non-finite parameters, update rejected")
	}

	meanReward := 0.0
	for _, tr := range p.buffer {
		meanReward += tr.reward
	}
	meanReward /= float64(len(p.buffer))

	p.updates++
	report.Trained = true
	report.TotalUpdates = p.updates
	report.MeanReward = meanReward
	if samples > 0 {
		report.PolicyLoss = policyLossSum / float64(samples)
		report.ValueLoss = valueLossSum / float64(samples)
		report.Entropy = entropySum / float64(samples)
	}
	p.buffer = nil

	log.Info().
		Int("episodes", report.Episodes).
		Float64("policy_loss", report.PolicyLoss).
		Float64("value_loss", report.ValueLoss).
		Float64("mean_reward", report.MeanReward).
		Int64("updates", p.updates).
		Msg("control policy trained")
	return report, nil
}

// estimateAdvantages runs generalized advantage estimation over the buffer
// in arrival order, treating the decision stream as one trajectory and
// bootstrapping the tail with its own value estimate only.
func (p *PPO) estimateAdvantages() (adv, returns []float64) {
	n := len(p.buffer)
	adv = make([]float64, n)
	returns = make([]float64, n)

	next := 0.0 // A_{t+1}
	nextValue := 0.0
	for t := n - 1; t >= 0; t-- {
		tr := p.buffer[t]
		delta := tr.reward - tr.value
		if t < n-1 {
			delta += p.cfg.Gamma * nextValue
		}
		adv[t] = delta + p.cfg.Gamma*p.cfg.Lambda*next
		next = adv[t]
		nextValue = tr.value
		returns[t] = adv[t] + tr.value
	}
	return adv, returns
}

// accumulateSample adds one sample's gradients to both networks and the
// logStd gradient, returning the loss terms for reporting.
func (p *PPO) accumulateSample(tr *transition, advantage, ret float64, logStdGrad []float64) (policyLoss, valueLoss, entropy float64) {
	mean, actorActs := p.actor.forward(tr.obs)
	newLogProb := gaussianLogProb(tr.action, mean, p.logStd)
	ratio := math.Exp(newLogProb - tr.logProb)

	surr1 := ratio * advantage
	clipped := clamp(ratio, 1-p.cfg.ClipEpsilon, 1+p.cfg.ClipEpsilon)
	surr2 := clipped * advantage
	policyLoss = -math.Min(surr1, surr2)

	// Gradient flows only while the unclipped branch is active.
	var dLdLogProb float64
	if surr1 <= surr2 {
		dLdLogProb = -advantage * ratio
	}

	gradMean := make([]float64, ActionDim)
	for i := 0; i < ActionDim; i++ {
		sigma := math.Exp(p.logStd[i])
		z := (tr.action[i] - mean[i]) / (sigma * sigma)
		gradMean[i] = dLdLogProb * z
		dLogProbDLogStd := (tr.action[i]-mean[i])*(tr.action[i]-mean[i])/(sigma*sigma) - 1
		logStdGrad[i] += dLdLogProb*dLogProbDLogStd - p.cfg.EntropyCoef
		entropy += p.logStd[i] + 0.5 + halfLog2Pi
	}
	p.actor.backward(actorActs, gradMean)

	val, criticActs := p.critic.forward(tr.obs)
	diff := val[0] - ret
	valueLoss = 0.5 * diff * diff
	p.critic.backward(criticActs, []float64{p.cfg.ValueCoef * diff})

	return policyLoss, valueLoss, entropy
}

// Diagnostics reports the tier's learning state.
type Diagnostics struct {
	Episodes int64     `json:"episodes"`
	Updates  int64     `json:"updates"`
	Buffered int       `json:"buffered"`
	Pending  int       `json:"pending"`
	Ready    bool      `json:"ready"`
	LogStd   []float64 `json:"log_std"`
	SizeCap  float64   `json:"size_cap"`
}

// Diag returns a copy of the current diagnostics.
func (p *PPO) Diag() Diagnostics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Diagnostics{
		Episodes: p.episodes,
		Updates:  p.updates,
		Buffered: len(p.buffer),
		Pending:  len(p.pending),
		Ready:    p.episodes >= int64(p.cfg.MinEpisodes),
		LogStd:   append([]float64(nil), p.logStd...),
		SizeCap:  p.sizeCap(),
	}
}

// State is the persistable policy state. The experience buffer and pending
// decisions are deliberately not persisted: the surrogate objective is only
// valid for experience gathered under the saved parameters' successor, and a
// restart invalidates in-flight decisions anyway.
type State struct {
	Actor    *mlp      `json:"actor"`
	Critic   *mlp      `json:"critic"`
	LogStd   []float64 `json:"log_std"`
	Episodes int64     `json:"episodes"`
	Updates  int64     `json:"updates"`
}

// SnapshotState captures the learned parameters.
func (p *PPO) SnapshotState() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return State{
		Actor:    p.actor.clone(),
		Critic:   p.critic.clone(),
		LogStd:   append([]float64(nil), p.logStd...),
		Episodes: p.episodes,
		Updates:  p.updates,
	}
}

// RestoreState replaces the learned parameters after validating shapes and
// finiteness; a corrupt snapshot leaves the current parameters in place.
func (p *PPO) RestoreState(st State) error {
	if st.Actor == nil || st.Critic == nil {
		return fmt.Errorf("restore control state: missing networks")
	}
	if err := st.Actor.validate(); err != nil {
		return fmt.Errorf("restore control state: actor: %w", err)
	}
	if err := st.Critic.validate(); err != nil {
		return fmt.Errorf("restore control state: critic: %w", err)
	}
	if len(st.Actor.Sizes) != 3 || st.Actor.Sizes[0] != ObsDim || st.Actor.Sizes[2] != ActionDim {
		return fmt.Errorf("restore control state: actor shape %v incompatible", st.Actor.Sizes)
	}
	if len(st.Critic.Sizes) != 3 || st.Critic.Sizes[0] != ObsDim || st.Critic.Sizes[2] != 1 {
		return fmt.Errorf("restore control state: critic shape %v incompatible", st.Critic.Sizes)
	}
	if len(st.LogStd) != ActionDim || !finiteSlice(st.LogStd) {
		return fmt.Errorf("restore control state: bad logStd")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.actor = st.Actor.clone()
	p.critic = st.Critic.clone()
	p.logStd = append([]float64(nil), st.LogStd...)
	p.episodes = st.Episodes
	p.updates = st.Updates
	p.buffer = nil
	p.pending = make(map[string]*transition)
	p.pendingOrder = nil
	return nil
}

func gaussianLogProb(action, mean, logStd []float64) float64 {
	lp := 0.0
	for i := range action {
		sigma := math.Exp(logStd[i])
		z := (action[i] - mean[i]) / sigma
		lp += -0.5*z*z - logStd[i] - halfLog2Pi
	}
	return lp
}

func finiteSlice(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}

func normalizeInPlace(v []float64) {
	if len(v) < 2 {
		return
	}
	mean := 0.0
	for _, x := range v {
		mean += x
	}
	mean /= float64(len(v))
	variance := 0.0
	for _, x := range v {
		d := x - mean
		variance += d * d
	}
	variance /= float64(len(v))
	std := math.Sqrt(variance)
	if std < 1e-8 {
		std = 1e-8
	}
	for i := range v {
		v[i] = (v[i] - mean) / std
	}
}
