package ensemble

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

func TestUniformFallbackBeforeEvidence(t *testing.T) {
	m := New(DefaultConfig())

	adj, weights := m.Blend(regime.BullMomentum)

	assert.Equal(t, "uniform", adj.Source)
	for _, w := range weights {
		assert.InDelta(t, 1.0/3.0, w, 1e-9)
	}
	assert.InDelta(t, 1.0, adj.SizeMultiplier, 1e-9, "default profiles average to a neutral size multiplier")
}

func TestLearnedBlendAfterEvidence(t *testing.T) {
	m := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		m.Observe(regime.BullMomentum, trade.Outcome{Return: 0.02, MaxAdverseExcursion: 0.01})
	}

	adj, weights := m.Blend(regime.BullMomentum)
	assert.Equal(t, "learned", adj.Source)
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// Other regimes still lack evidence.
	other, _ := m.Blend(regime.Crisis)
	assert.Equal(t, "uniform", other.Source)
}

func TestBestSpecialistGainsWeightPerRegime(t *testing.T) {
	m := New(DefaultConfig())

	// Steady winners favor the aggressive profile in bull.
	for i := 0; i < 20; i++ {
		m.Observe(regime.BullMomentum, trade.Outcome{Return: 0.03, MaxAdverseExcursion: 0.01})
	}
	// Painful losses favor the conservative profile in bear.
	for i := 0; i < 20; i++ {
		m.Observe(regime.BearDefensive, trade.Outcome{Return: -0.04, MaxAdverseExcursion: 0.05})
	}
	for i := 0; i < 10; i++ {
		m.Rebalance()
	}

	_, bull := m.Blend(regime.BullMomentum)
	assert.Greater(t, bull["aggressive"], bull["conservative"],
		"winning streaks should shift weight toward the aggressive profile")

	_, bear := m.Blend(regime.BearDefensive)
	assert.Greater(t, bear["conservative"], bear["aggressive"],
		"losing streaks should shift weight toward the conservative profile")
}

func TestMetaWeightsStayADistribution(t *testing.T) {
	cfg := DefaultConfig()
	m := New(cfg)

	for i := 0; i < 200; i++ {
		m.Observe(regime.Choppy, trade.Outcome{Return: 0.05, MaxAdverseExcursion: 0})
		if i%5 == 0 {
			m.Rebalance()
		}
	}

	_, weights := m.Blend(regime.Choppy)
	sum := 0.0
	for _, w := range weights {
		sum += w
		assert.GreaterOrEqual(t, w, cfg.MinMetaWeight/2, "floor keeps every specialist alive")
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}

func TestObserveDropsNonFiniteReturns(t *testing.T) {
	m := New(DefaultConfig())

	m.Observe(regime.Choppy, trade.Outcome{Return: math.NaN()})

	adj, _ := m.Blend(regime.Choppy)
	assert.Equal(t, "uniform", adj.Source)
}

func TestRegimeIsolation(t *testing.T) {
	m := New(DefaultConfig())

	for i := 0; i < 20; i++ {
		m.Observe(regime.BullMomentum, trade.Outcome{Return: 0.03})
	}
	m.Rebalance()

	st := m.SnapshotState()
	require.Contains(t, st.Regimes, regime.BullMomentum)
	assert.NotContains(t, st.Regimes, regime.BearDefensive,
		"regimes without outcomes must hold no state")
}

func TestAdjustmentApply(t *testing.T) {
	adj := Adjustment{SizeMultiplier: 0.5, StopMultiplier: 2, TargetMultiplier: 0.5}

	entry := trade.Proposal{Action: trade.ActionEnter, Size: 0.10, StopDistance: 0.02, TargetDistance: 0.06, HoldHours: 24}
	scaled := adj.Apply(entry)
	assert.InDelta(t, 0.05, scaled.Size, 1e-9)
	assert.InDelta(t, 0.04, scaled.StopDistance, 1e-9)
	assert.InDelta(t, 0.03, scaled.TargetDistance, 1e-9)
	assert.Equal(t, entry.HoldHours, scaled.HoldHours)

	hold := trade.Proposal{Action: trade.ActionHold}
	assert.Equal(t, hold, adj.Apply(hold))

	big := Adjustment{SizeMultiplier: 100, StopMultiplier: 1, TargetMultiplier: 1}
	assert.Equal(t, 1.0, big.Apply(entry).Size, "scaled size clamps to keep the proposal valid")
}

func TestStateRoundTrip(t *testing.T) {
	m := New(DefaultConfig())
	for i := 0; i < 15; i++ {
		m.Observe(regime.ThemeDriven, trade.Outcome{Return: 0.02, MaxAdverseExcursion: 0.005})
	}
	m.Rebalance()
	st := m.SnapshotState()

	restored := New(DefaultConfig())
	require.NoError(t, restored.RestoreState(st))

	wantAdj, wantW := m.Blend(regime.ThemeDriven)
	gotAdj, gotW := restored.Blend(regime.ThemeDriven)
	assert.Equal(t, wantAdj, gotAdj)
	assert.Equal(t, wantW, gotW)
}

func TestRestoreStateRejectsMismatches(t *testing.T) {
	m := New(DefaultConfig())

	tests := []struct {
		name  string
		state State
	}{
		{
			name:  "specialist count mismatch",
			state: State{Specialists: []Specialist{{Name: "only-one"}}},
		},
		{
			name: "specialist name mismatch",
			state: State{Specialists: []Specialist{
				{Name: "weird"}, {Name: "balanced"}, {Name: "aggressive"},
			}},
		},
		{
			name: "unknown regime",
			state: State{Regimes: map[regime.Label]*regimeState{
				"sideways": {Perf: make([]perf, 3), MetaW: []float64{0.3, 0.3, 0.4}},
			}},
		},
		{
			name: "malformed vectors",
			state: State{Regimes: map[regime.Label]*regimeState{
				regime.Choppy: {Perf: make([]perf, 1), MetaW: []float64{1}},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, m.RestoreState(tt.state))
		})
	}
}

func TestRestoreRepairsBadWeights(t *testing.T) {
	m := New(DefaultConfig())
	st := State{Regimes: map[regime.Label]*regimeState{
		regime.Choppy: {
			Perf:  []perf{{EWMA: 0.01, Samples: 10}, {EWMA: 0.02, Samples: 10}, {EWMA: 0.03, Samples: 10}},
			MetaW: []float64{math.NaN(), 0.5, 0.5},
		},
	}}

	require.NoError(t, m.RestoreState(st))

	_, weights := m.Blend(regime.Choppy)
	sum := 0.0
	for _, w := range weights {
		sum += w
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
