// Package engine is the decision orchestrator. Decide composes the learning
// tiers into one immutable Decision; LearnFromOutcome routes a realized
// outcome back through every tier under a single-writer lock. Decide paths
// take a read lock only, so a batch scan can issue many concurrent calls
// without observing a half-updated learner.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/bandit"
	"github.com/kestrelquant/adaptengine/internal/control"
	"github.com/kestrelquant/adaptengine/internal/ensemble"
	"github.com/kestrelquant/adaptengine/internal/governor"
	"github.com/kestrelquant/adaptengine/internal/metrics"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/store"
	"github.com/kestrelquant/adaptengine/internal/stream"
	"github.com/kestrelquant/adaptengine/internal/trace"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

var (
	// ErrUnknownDecision is returned when an outcome references a decision
	// the journal never saw (or already evicted).
	ErrUnknownDecision = errors.New("engine: unknown decision id")
	// ErrDuplicateOutcome guards at-most-once learning per decision.
	ErrDuplicateOutcome = errors.New("engine: outcome already learned")
	// ErrNotEntered rejects outcomes for decisions that never opened a
	// position.
	ErrNotEntered = errors.New("engine: decision was not an entry")
	// ErrInvalidOutcome rejects outcomes whose numbers cannot be learned
	// from.
	ErrInvalidOutcome = errors.New("engine: outcome rejected")
)

// Config assembles the engine and its tiers. The Control tier is gated by
// Control.Enabled; EnsembleEnabled gates the specialist blend. Seed zero
// means time-seeded exploration; any other value makes runs reproducible.
type Config struct {
	EntryThreshold  float64 `yaml:"entry_threshold" json:"entry_threshold"`
	HoldThreshold   float64 `yaml:"hold_threshold" json:"hold_threshold"`
	EnsembleEnabled bool    `yaml:"ensemble_enabled" json:"ensemble_enabled"`
	JournalSize     int     `yaml:"journal_size" json:"journal_size"`
	Seed            int64   `yaml:"seed" json:"seed"`

	Bandit   bandit.Config   `yaml:"bandit" json:"bandit"`
	Regime   regime.Config   `yaml:"regime" json:"regime"`
	Control  control.Config  `yaml:"control" json:"control"`
	Ensemble ensemble.Config `yaml:"ensemble" json:"ensemble"`
	Governor governor.Config `yaml:"governor" json:"governor"`
}

// DefaultConfig returns the full default engine configuration.
func DefaultConfig() Config {
	return Config{
		EntryThreshold:  0.62,
		HoldThreshold:   0.50,
		EnsembleEnabled: true,
		JournalSize:     4096,
		Bandit:          bandit.DefaultConfig(),
		Regime:          regime.DefaultConfig(),
		Control:         control.DefaultConfig(),
		Ensemble:        ensemble.DefaultConfig(),
		Governor:        governor.DefaultConfig(),
	}
}

func (c *Config) applyDefaults() {
	if c.EntryThreshold <= 0 || c.EntryThreshold > 1 {
		c.EntryThreshold = 0.62
	}
	if c.HoldThreshold <= 0 || c.HoldThreshold >= c.EntryThreshold {
		c.HoldThreshold = 0.50
	}
	if c.JournalSize <= 0 {
		c.JournalSize = 4096
	}
}

// Option configures optional engine collaborators.
type Option func(*Engine)

// WithSink routes journal records and state snapshots to a persistence sink.
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithBus replaces the default event bus.
func WithBus(b *stream.Bus) Option {
	return func(e *Engine) {
		if b != nil {
			e.bus = b
		}
	}
}

// WithMetrics replaces the default metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(e *Engine) {
		if m != nil {
			e.met = m
		}
	}
}

// Engine owns the four learning tiers, the governor, and the decision
// journal. mu is the snapshot-read / single-writer gate: Decide holds it
// shared, LearnFromOutcome and the maintenance passes hold it exclusively.
type Engine struct {
	cfg Config
	mu  sync.RWMutex

	weights    *bandit.Learner
	classifier *regime.Classifier
	policy     control.Policy
	meta       *ensemble.MetaLearner
	guard      *governor.Governor

	journal *journal
	sink    Sink
	bus     *stream.Bus
	met     *metrics.Registry

	obsMu       sync.Mutex
	lastRegime  regime.Label
	breakerOpen bool

	learned int64
	dirty   bool
}

// New assembles an engine from config.
func New(cfg Config, opts ...Option) *Engine {
	cfg.applyDefaults()

	var banditRng, controlRng *rand.Rand
	if cfg.Seed != 0 {
		banditRng = rand.New(rand.NewSource(cfg.Seed))
		controlRng = rand.New(rand.NewSource(cfg.Seed + 1))
	}

	e := &Engine{
		cfg:        cfg,
		weights:    bandit.NewLearner(cfg.Bandit, banditRng),
		classifier: regime.NewClassifier(cfg.Regime),
		guard:      governor.New(cfg.Governor),
		journal:    newJournal(cfg.JournalSize),
		sink:       noopSink{},
		bus:        stream.New(64),
		met:        metrics.NewRegistry(),
	}
	if cfg.Control.Enabled {
		e.policy = control.NewPPO(cfg.Control, controlRng)
	} else {
		e.policy = control.NewStatic(cfg.Control.Action)
	}
	if cfg.EnsembleEnabled {
		e.meta = ensemble.New(cfg.Ensemble)
	}
	e.lastRegime = e.classifier.Current().Label

	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Bus exposes the event bus for output ports.
func (e *Engine) Bus() *stream.Bus {
	return e.bus
}

// Metrics exposes the collector registry for the HTTP surface.
func (e *Engine) Metrics() *metrics.Registry {
	return e.met
}

// Decide turns one candidate opportunity into an immutable Decision. It
// never returns an error: malformed inputs degrade to neutral values and
// the governor bounds whatever the tiers propose.
func (e *Engine) Decide(ctx context.Context, req DecideRequest) Decision {
	start := time.Now()
	_, span := trace.StartSpan(ctx, "engine.decide")
	defer span.End()

	scores := signal.Sanitize(req.Scores)
	features := signal.SanitizeFeatures(req.Features)
	portfolio := signal.SanitizePortfolio(req.Portfolio)

	id := uuid.NewString()

	e.mu.RLock()
	snap := e.classifier.Classify(features)
	weights := e.weights.Weights(snap.Label)
	composite := compositeScore(weights, scores)

	adj := ensemble.Adjustment{SizeMultiplier: 1, StopMultiplier: 1, TargetMultiplier: 1, Source: "disabled"}
	if e.meta != nil {
		adj, _ = e.meta.Blend(snap.Label)
	}
	threshold := clampUnit(e.cfg.EntryThreshold + adj.ThresholdShift)

	var proposal trade.Proposal
	coldStart := false
	switch {
	case composite >= threshold:
		obs := control.Observation{
			Scores:    scores,
			Weights:   weights,
			Composite: composite,
			Regime:    snap.Label,
			Features:  features,
			Portfolio: portfolio,
		}
		proposal = e.policy.Propose(id, obs)
		coldStart = !e.policy.Ready()
		proposal = adj.Apply(proposal)
	case composite >= e.cfg.HoldThreshold:
		proposal = trade.Proposal{Action: trade.ActionHold}
	default:
		proposal = trade.Proposal{Action: trade.ActionSkip}
	}

	verdict := e.guard.Apply(proposal, portfolio, snap.Label)

	d := Decision{
		ID:             id,
		At:             time.Now().UTC(),
		Symbol:         req.Symbol,
		Action:         verdict.Proposal.Action,
		Size:           verdict.Proposal.Size,
		StopDistance:   verdict.Proposal.StopDistance,
		TargetDistance: verdict.Proposal.TargetDistance,
		HoldHours:      verdict.Proposal.HoldHours,
		Composite:      composite,
		Confidence:     snap.Confidence,
		Threshold:      threshold,
		Regime:         snap,
		Weights:        weights,
		Scores:         scores,
		Adjustment:     adj,
		Constraints:    verdict.Constraints,
		Blocked:        verdict.Blocked,
		ColdStart:      coldStart,
	}
	e.journal.add(d)
	e.mu.RUnlock()

	e.noteRegime(snap)
	e.noteBreaker()

	e.met.ObserveDecision(string(d.Action), string(snap.Label), composite, time.Since(start))
	for _, c := range d.Constraints {
		if c.Blocking {
			e.met.BlockedDecisions.WithLabelValues(c.Name).Inc()
		}
	}

	if payload, err := json.Marshal(d); err == nil {
		e.sink.EnqueueDecision(store.DecisionRecord{
			ID:      d.ID,
			At:      d.At,
			Symbol:  d.Symbol,
			Regime:  string(snap.Label),
			Action:  string(d.Action),
			Payload: payload,
		})
	}
	e.bus.Publish(stream.Event{Type: stream.TypeDecision, At: d.At, Payload: d})

	log.Debug().
		Str("decision", d.ID).
		Str("symbol", d.Symbol).
		Str("action", string(d.Action)).
		Str("regime", string(snap.Label)).
		Float64("composite", composite).
		Float64("size", d.Size).
		Bool("blocked", d.Blocked).
		Msg("decision issued")
	return d
}

// LearnFromOutcome feeds one realized outcome back through every tier. The
// decision-time scores, weights, and regime are taken from the journal, not
// from current state, so credit lands where it was earned. Each decision
// learns at most once.
func (e *Engine) LearnFromOutcome(ctx context.Context, decisionID string, out trade.Outcome) error {
	start := time.Now()
	_, span := trace.StartSpan(ctx, "engine.learn")
	defer span.End()

	if decisionID == "" {
		decisionID = out.DecisionID
	}
	out.DecisionID = decisionID
	if math.IsNaN(out.Return) || math.IsInf(out.Return, 0) {
		log.Warn().Str("decision", decisionID).Msg("dropping outcome with non-finite return")
		return fmt.Errorf("%w: non-finite return", ErrInvalidOutcome)
	}
	if out.ClosedAt.IsZero() {
		out.ClosedAt = time.Now().UTC()
	}

	e.mu.Lock()
	entry, ok := e.journal.lookup(decisionID)
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownDecision, decisionID)
	}
	if entry.learned {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateOutcome, decisionID)
	}
	d := entry.decision
	if d.Action != trade.ActionEnter {
		e.mu.Unlock()
		log.Warn().Str("decision", decisionID).Str("action", string(d.Action)).
			Msg("outcome reported for a decision that opened nothing")
		return fmt.Errorf("%w: %s", ErrNotEntered, decisionID)
	}

	before := e.weights.TotalUpdates()
	e.weights.Update(d.Regime.Label, d.Scores, out.Return)
	e.policy.Complete(d.ID, out)
	if e.meta != nil {
		e.meta.Observe(d.Regime.Label, out)
	}
	e.guard.RecordOutcome(out)
	entry.learned = true
	e.learned++
	e.dirty = true
	banditDelta := e.weights.TotalUpdates() - before
	e.mu.Unlock()

	e.noteBreaker()
	e.met.ObserveOutcome(out.Win(), out.Return, time.Since(start))
	e.met.BanditUpdates.Add(float64(banditDelta))
	if diag, ok := e.policyDiag(); ok {
		e.met.PolicyEpisodes.Set(float64(diag.Episodes))
	}

	if payload, err := json.Marshal(out); err == nil {
		e.sink.EnqueueOutcome(store.OutcomeRecord{
			DecisionID: decisionID,
			ClosedAt:   out.ClosedAt,
			Return:     out.Return,
			Payload:    payload,
		})
	}

	log.Debug().
		Str("decision", decisionID).
		Float64("return", out.Return).
		Bool("win", out.Win()).
		Msg("outcome absorbed")
	return nil
}

// TrainPolicy runs one control-tier training pass if enough experience is
// buffered. Called on the slow cadence, never per outcome.
func (e *Engine) TrainPolicy() (control.TrainReport, error) {
	e.mu.Lock()
	report, err := e.policy.Train()
	if err == nil && report.Trained {
		e.dirty = true
	}
	e.mu.Unlock()
	if err != nil {
		return report, fmt.Errorf("train policy: %w", err)
	}
	if report.Trained {
		e.met.PolicyUpdates.Inc()
		e.met.PolicyEntropy.Set(report.Entropy)
		e.bus.Publish(stream.Event{Type: stream.TypeTrain, Payload: report})
	}
	return report, nil
}

// RebalanceEnsemble runs the slow meta-weight step and refreshes the
// specialist gauges.
func (e *Engine) RebalanceEnsemble() {
	if e.meta == nil {
		return
	}
	e.mu.Lock()
	e.meta.Rebalance()
	e.dirty = true
	e.mu.Unlock()

	for _, label := range regime.AllLabels() {
		_, w := e.meta.Blend(label)
		for name, v := range w {
			e.met.SpecialistWeight.WithLabelValues(string(label), name).Set(v)
		}
	}
}

// ReestimateRegime refits the classifier from its rolling window.
func (e *Engine) ReestimateRegime() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.classifier.Reestimate(); err != nil {
		return fmt.Errorf("reestimate regime: %w", err)
	}
	e.dirty = true
	return nil
}

// RecentDecisions returns up to n journaled decisions, newest first.
func (e *Engine) RecentDecisions(n int) []Decision {
	return e.journal.recent(n)
}

// Diagnostics is the reporting snapshot served over HTTP and cached.
type Diagnostics struct {
	At            time.Time                            `json:"at"`
	Regime        regime.Snapshot                      `json:"regime"`
	RegimeWindow  int                                  `json:"regime_window"`
	Weights       map[regime.Label]bandit.WeightVector `json:"weights"`
	BanditUpdates int64                                `json:"bandit_updates"`
	Breaker       governor.BreakerStatus               `json:"breaker"`
	PolicyEnabled bool                                 `json:"policy_enabled"`
	Policy        control.Diagnostics                  `json:"policy"`
	Ensemble      map[regime.Label]map[string]float64  `json:"ensemble,omitempty"`
	JournalSize   int                                  `json:"journal_size"`
	Outcomes      int64                                `json:"outcomes"`
}

// Diagnostics reports current learning state. Weights are posterior means,
// not Thompson draws, so repeated calls are stable.
func (e *Engine) Diagnostics() Diagnostics {
	e.mu.RLock()
	defer e.mu.RUnlock()

	diag := Diagnostics{
		At:            time.Now().UTC(),
		Regime:        e.classifier.Current(),
		RegimeWindow:  e.classifier.WindowLen(),
		Weights:       make(map[regime.Label]bandit.WeightVector, regime.NumStates),
		BanditUpdates: e.weights.TotalUpdates(),
		Breaker:       e.guard.BreakerStatus(),
		PolicyEnabled: e.cfg.Control.Enabled,
		JournalSize:   e.journal.size(),
		Outcomes:      e.learned,
	}
	for _, label := range regime.AllLabels() {
		diag.Weights[label] = e.weights.MeanWeights(label)
	}
	if pd, ok := e.policyDiag(); ok {
		diag.Policy = pd
	}
	if e.meta != nil {
		diag.Ensemble = make(map[regime.Label]map[string]float64, regime.NumStates)
		for _, label := range regime.AllLabels() {
			_, w := e.meta.Blend(label)
			diag.Ensemble[label] = w
		}
	}
	return diag
}

// Close flushes state synchronously. The sink itself is owned by the caller.
func (e *Engine) Close(ctx context.Context) error {
	return e.FlushState(ctx)
}

func (e *Engine) policyDiag() (control.Diagnostics, bool) {
	type diagnoser interface {
		Diag() control.Diagnostics
	}
	if p, ok := e.policy.(diagnoser); ok {
		return p.Diag(), true
	}
	return control.Diagnostics{}, false
}

// noteRegime publishes a regime-change event when the public label flips.
func (e *Engine) noteRegime(snap regime.Snapshot) {
	e.obsMu.Lock()
	prev := e.lastRegime
	changed := snap.Label != prev
	if changed {
		e.lastRegime = snap.Label
	}
	e.obsMu.Unlock()
	if !changed {
		return
	}

	labels := make([]string, 0, regime.NumStates)
	for _, l := range regime.AllLabels() {
		labels = append(labels, string(l))
	}
	e.met.RecordRegimeSwitch(string(prev), string(snap.Label), labels)
	e.met.RegimeConfidence.Set(snap.Confidence)
	e.bus.Publish(stream.Event{Type: stream.TypeRegimeChange, Payload: snap})
}

// noteBreaker mirrors breaker state into the gauge and publishes on edges.
func (e *Engine) noteBreaker() {
	status := e.guard.BreakerStatus()

	e.obsMu.Lock()
	changed := status.Open != e.breakerOpen
	e.breakerOpen = status.Open
	e.obsMu.Unlock()

	e.met.SetBreaker(status.Open)
	if changed {
		e.bus.Publish(stream.Event{Type: stream.TypeBreaker, Payload: status})
	}
}

// compositeScore is the weighted sum of effective component scores. With a
// valid weight vector and scores in [0,1] the result stays in [0,1].
// compositeScore folds effective scores through the weight vector in the
// canonical component order, so equal inputs always sum to the same bits.
func compositeScore(w bandit.WeightVector, s signal.ScoreSet) float64 {
	var sum float64
	for _, c := range signal.Components() {
		sum += w[c] * s[c].Effective()
	}
	return sum
}

func clampUnit(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
