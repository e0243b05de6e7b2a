package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/governor"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/stream"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// testConfig returns a deterministic engine config with the control tier
// replaced by the static fallback, so Decide outputs are reproducible.
func testConfig(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	cfg.Control.Enabled = false
	cfg.EnsembleEnabled = false
	return cfg
}

func neutralFeatures() signal.MarketFeatures {
	return signal.MarketFeatures{
		Breadth:       0.5,
		RealizedVol:   0.25,
		TrendStrength: 0.0,
		Dispersion:    0.3,
		Timestamp:     time.Now().UTC(),
	}
}

func bullishScores() map[signal.Component]float64 {
	return map[signal.Component]float64{
		signal.ComponentTheme:             0.9,
		signal.ComponentTechnical:         0.85,
		signal.ComponentModelConfidence:   0.8,
		signal.ComponentSentiment:         0.82,
		signal.ComponentEarnings:          0.78,
		signal.ComponentInstitutionalFlow: 0.88,
	}
}

func TestDecideAllNeutralScores(t *testing.T) {
	cfg := testConfig(1)
	// Keep the neutral composite clear of the hold boundary; at exactly 0.50
	// the comparison would sit on float rounding.
	cfg.HoldThreshold = 0.45
	e := New(cfg)

	d := e.Decide(context.Background(), DecideRequest{
		Symbol:   "BTC-USD",
		Scores:   nil,
		Features: neutralFeatures(),
	})

	assert.NotEmpty(t, d.ID)
	assert.InDelta(t, 0.5, d.Composite, 1e-9)
	assert.Equal(t, trade.ActionHold, d.Action)
	assert.NoError(t, d.Weights.Validate())
	assert.Len(t, d.Scores, len(signal.Components()))
}

func TestDecideStrongScoresEnter(t *testing.T) {
	e := New(testConfig(2))

	d := e.Decide(context.Background(), DecideRequest{
		Symbol:   "ETH-USD",
		Scores:   bullishScores(),
		Features: neutralFeatures(),
	})

	require.Equal(t, trade.ActionEnter, d.Action)
	assert.Greater(t, d.Composite, d.Threshold)
	assert.Greater(t, d.Size, 0.0)
	assert.Greater(t, d.StopDistance, 0.0)
	assert.Greater(t, d.TargetDistance, 0.0)
	assert.Greater(t, d.HoldHours, 0.0)
	assert.False(t, d.Blocked)
	assert.NoError(t, trade.Proposal{
		Action:         d.Action,
		Size:           d.Size,
		StopDistance:   d.StopDistance,
		TargetDistance: d.TargetDistance,
		HoldHours:      d.HoldHours,
	}.Validate())
}

func TestDecideWeakScoresSkip(t *testing.T) {
	e := New(testConfig(3))

	d := e.Decide(context.Background(), DecideRequest{
		Symbol: "SOL-USD",
		Scores: map[signal.Component]float64{
			signal.ComponentTheme:             0.1,
			signal.ComponentTechnical:         0.15,
			signal.ComponentModelConfidence:   0.2,
			signal.ComponentSentiment:         0.1,
			signal.ComponentEarnings:          0.2,
			signal.ComponentInstitutionalFlow: 0.15,
		},
		Features: neutralFeatures(),
	})

	assert.Equal(t, trade.ActionSkip, d.Action)
	assert.Zero(t, d.Size)
}

func TestDecideCrisisRegimeBlocksEntry(t *testing.T) {
	e := New(testConfig(4))

	crisis := neutralFeatures()
	crisis.RealizedVol = 0.95

	d := e.Decide(context.Background(), DecideRequest{
		Symbol:   "BTC-USD",
		Scores:   bullishScores(),
		Features: crisis,
	})

	require.Equal(t, regime.Crisis, d.Regime.Label)
	assert.Equal(t, trade.ActionSkip, d.Action)
	assert.True(t, d.Blocked)

	names := make([]string, 0, len(d.Constraints))
	for _, c := range d.Constraints {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "crisis-regime")
}

func TestLearnUnknownDecision(t *testing.T) {
	e := New(testConfig(5))

	err := e.LearnFromOutcome(context.Background(), "never-issued", trade.Outcome{Return: 0.01})
	assert.ErrorIs(t, err, ErrUnknownDecision)
}

func TestLearnDuplicateOutcome(t *testing.T) {
	e := New(testConfig(6))

	d := e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
	require.Equal(t, trade.ActionEnter, d.Action)

	out := trade.Outcome{Return: 0.02, HoldingHours: 10}
	require.NoError(t, e.LearnFromOutcome(context.Background(), d.ID, out))

	err := e.LearnFromOutcome(context.Background(), d.ID, out)
	assert.ErrorIs(t, err, ErrDuplicateOutcome)
}

func TestLearnOutcomeForSkippedDecision(t *testing.T) {
	e := New(testConfig(7))

	d := e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Features: neutralFeatures()})
	require.NotEqual(t, trade.ActionEnter, d.Action)

	err := e.LearnFromOutcome(context.Background(), d.ID, trade.Outcome{Return: 0.01})
	assert.ErrorIs(t, err, ErrNotEntered)
}

func TestLearnNonFiniteReturnRejected(t *testing.T) {
	e := New(testConfig(8))

	d := e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
	require.Equal(t, trade.ActionEnter, d.Action)

	err := e.LearnFromOutcome(context.Background(), d.ID, trade.Outcome{Return: nan64()})
	assert.ErrorIs(t, err, ErrInvalidOutcome)

	require.NoError(t, e.LearnFromOutcome(context.Background(), d.ID, trade.Outcome{Return: 0.01}))
}

func TestLearnUpdatesAllTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 9
	cfg.EntryThreshold = 0.05
	cfg.HoldThreshold = 0.01
	e := New(cfg)

	// The fresh policy sometimes proposes below the governor's minimum
	// size; retry until a decision actually enters.
	var d Decision
	for i := 0; i < 20; i++ {
		d = e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
		if d.Action == trade.ActionEnter {
			break
		}
	}
	require.Equal(t, trade.ActionEnter, d.Action)

	before := e.Diagnostics()
	require.NoError(t, e.LearnFromOutcome(context.Background(), d.ID, trade.Outcome{
		Return: 0.04, HoldingHours: 12, MaxAdverseExcursion: 0.01,
	}))
	after := e.Diagnostics()

	assert.Greater(t, after.BanditUpdates, before.BanditUpdates)
	assert.Equal(t, before.Outcomes+1, after.Outcomes)
	assert.Equal(t, int64(1), after.Policy.Episodes)
	assert.Equal(t, 1, after.Breaker.Outcomes)
}

func TestDiagnosticsShape(t *testing.T) {
	e := New(testConfig(10))

	diag := e.Diagnostics()
	assert.False(t, diag.At.IsZero())
	assert.Equal(t, regime.Choppy, diag.Regime.Label)
	require.Len(t, diag.Weights, regime.NumStates)
	for _, w := range diag.Weights {
		assert.NoError(t, w.Validate())
	}
	assert.False(t, diag.Breaker.Open)
	assert.False(t, diag.PolicyEnabled)
	assert.Nil(t, diag.Ensemble)
}

func TestDiagnosticsWithAllTiers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 11
	e := New(cfg)

	diag := e.Diagnostics()
	assert.True(t, diag.PolicyEnabled)
	assert.False(t, diag.Policy.Ready)
	require.Len(t, diag.Ensemble, regime.NumStates)
	for _, weights := range diag.Ensemble {
		sum := 0.0
		for _, v := range weights {
			sum += v
		}
		assert.InDelta(t, 1.0, sum, 1e-9)
	}
}

func TestRecentDecisionsNewestFirst(t *testing.T) {
	e := New(testConfig(12))

	var last Decision
	for i := 0; i < 5; i++ {
		last = e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Features: neutralFeatures()})
	}

	recent := e.RecentDecisions(3)
	require.Len(t, recent, 3)
	assert.Equal(t, last.ID, recent[0].ID)
}

func TestJournalEvictionDropsOldest(t *testing.T) {
	cfg := testConfig(13)
	cfg.JournalSize = 3
	e := New(cfg)

	first := e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Features: neutralFeatures()})
	for i := 0; i < 3; i++ {
		e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Features: neutralFeatures()})
	}

	err := e.LearnFromOutcome(context.Background(), first.ID, trade.Outcome{Return: 0.01})
	assert.ErrorIs(t, err, ErrUnknownDecision)
	assert.Len(t, e.RecentDecisions(0), 3)
}

func TestRegimeChangeEventPublished(t *testing.T) {
	e := New(testConfig(14))
	events, cancel := e.Bus().Subscribe()
	defer cancel()

	crisis := neutralFeatures()
	crisis.RealizedVol = 0.95
	e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Features: crisis})

	deadline := time.After(time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == stream.TypeRegimeChange {
				snap, ok := evt.Payload.(regime.Snapshot)
				require.True(t, ok)
				assert.Equal(t, regime.Crisis, snap.Label)
				return
			}
		case <-deadline:
			t.Fatal("regime change event never published")
		}
	}
}

func TestBreakerTripForcesSkipUntilRecovery(t *testing.T) {
	cfg := testConfig(15)
	cfg.EntryThreshold = 0.05
	cfg.HoldThreshold = 0.01
	cfg.Governor.Breaker = governor.BreakerConfig{
		Window:          10,
		MinOutcomes:     5,
		TripSharpe:      -0.5,
		TripDrawdown:    0.10,
		RecoverSharpe:   0.0,
		RecoverDrawdown: 0.05,
	}
	e := New(cfg)
	ctx := context.Background()

	// Open positions while the breaker is closed; their outcomes arrive later.
	ids := make([]string, 0, 30)
	for i := 0; i < 30; i++ {
		d := e.Decide(ctx, DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
		require.Equal(t, trade.ActionEnter, d.Action)
		ids = append(ids, d.ID)
	}

	next := 0
	for i := 0; i < 8; i++ {
		require.NoError(t, e.LearnFromOutcome(ctx, ids[next], trade.Outcome{Return: -0.03, HoldingHours: 6}))
		next++
	}
	require.True(t, e.Diagnostics().Breaker.Open, "losing streak must trip the breaker")

	blocked := e.Decide(ctx, DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
	assert.Equal(t, trade.ActionSkip, blocked.Action)
	assert.True(t, blocked.Blocked)

	for i := 0; i < 14; i++ {
		require.NoError(t, e.LearnFromOutcome(ctx, ids[next], trade.Outcome{Return: 0.03, HoldingHours: 6}))
		next++
	}
	require.False(t, e.Diagnostics().Breaker.Open, "winning streak must recover the breaker")

	reopened := e.Decide(ctx, DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
	assert.Equal(t, trade.ActionEnter, reopened.Action)
}

func TestColdStartFlagOnFreshPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Seed = 16
	cfg.EnsembleEnabled = false
	e := New(cfg)

	for i := 0; i < 20; i++ {
		d := e.Decide(context.Background(), DecideRequest{Symbol: "BTC-USD", Scores: bullishScores(), Features: neutralFeatures()})
		if d.Action == trade.ActionEnter {
			assert.True(t, d.ColdStart)
			assert.LessOrEqual(t, d.Size, cfg.Control.Action.WarmupMaxSize+1e-12)
			return
		}
	}
	t.Fatal("no entry produced during warmup")
}
