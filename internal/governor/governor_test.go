package governor

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

func entry(size float64) trade.Proposal {
	return trade.Proposal{Action: trade.ActionEnter, Size: size, StopDistance: 0.02, TargetDistance: 0.05, HoldHours: 24}
}

func flatBook() signal.PortfolioState {
	return signal.PortfolioState{Exposure: 0, Cash: 1, Equity: 100000}
}

func TestNonEntriesPassThrough(t *testing.T) {
	g := New(DefaultConfig())

	for _, action := range []trade.Action{trade.ActionHold, trade.ActionSkip} {
		v := g.Apply(trade.Proposal{Action: action}, flatBook(), regime.Crisis)
		assert.Equal(t, action, v.Proposal.Action)
		assert.False(t, v.Blocked)
		assert.Empty(t, v.Constraints)
	}
}

func TestCrisisBlocksNewEntries(t *testing.T) {
	g := New(DefaultConfig())

	v := g.Apply(entry(0.05), flatBook(), regime.Crisis)

	assert.True(t, v.Blocked)
	assert.Equal(t, trade.ActionSkip, v.Proposal.Action)
	require.Len(t, v.Constraints, 1)
	assert.Equal(t, "crisis-regime", v.Constraints[0].Name)
	assert.True(t, v.Constraints[0].Blocking)
}

func TestDailyLossLimitBlocksNewEntries(t *testing.T) {
	g := New(DefaultConfig())
	book := flatBook()
	book.DailyPnL = -0.035

	v := g.Apply(entry(0.05), book, regime.BullMomentum)

	assert.True(t, v.Blocked)
	require.Len(t, v.Constraints, 1)
	assert.Equal(t, "daily-loss-limit", v.Constraints[0].Name)
}

func TestSizeCaps(t *testing.T) {
	tests := []struct {
		name     string
		size     float64
		exposure float64
		wantSize float64
		wantRule string
	}{
		{name: "within limits untouched", size: 0.05, exposure: 0.2, wantSize: 0.05},
		{name: "position cap applies", size: 0.25, exposure: 0.0, wantSize: 0.10, wantRule: "max-position-size"},
		{name: "exposure headroom cuts", size: 0.08, exposure: 0.55, wantSize: 0.05, wantRule: "max-exposure"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := New(DefaultConfig())
			book := flatBook()
			book.Exposure = tt.exposure

			v := g.Apply(entry(tt.size), book, regime.BullMomentum)

			require.False(t, v.Blocked)
			assert.InDelta(t, tt.wantSize, v.Proposal.Size, 1e-9)
			if tt.wantRule != "" {
				require.NotEmpty(t, v.Constraints)
				assert.Equal(t, tt.wantRule, v.Constraints[0].Name)
			} else {
				assert.Empty(t, v.Constraints)
			}
		})
	}
}

func TestDustEntriesBecomeSkips(t *testing.T) {
	g := New(DefaultConfig())
	book := flatBook()
	book.Exposure = 0.599 // headroom 0.001 < min position size

	v := g.Apply(entry(0.05), book, regime.BullMomentum)

	assert.True(t, v.Blocked)
	assert.Equal(t, trade.ActionSkip, v.Proposal.Action)
	last := v.Constraints[len(v.Constraints)-1]
	assert.Equal(t, "min-position-size", last.Name)
}

func TestGovernorNeverIncreasesSize(t *testing.T) {
	g := New(DefaultConfig())
	rng := rand.New(rand.NewSource(31))

	for i := 0; i < 200; i++ {
		size := rng.Float64() * 0.5
		book := flatBook()
		book.Exposure = rng.Float64() * 0.8
		book.DailyPnL = (rng.Float64() - 0.5) * 0.1
		label := regime.AllLabels()[rng.Intn(regime.NumStates)]

		v := g.Apply(entry(size), book, label)

		assert.LessOrEqual(t, v.Proposal.Size, size,
			"governed size must never exceed the proposed size")
	}
}

func TestBreakerTripsAndBlocksUntilRecovery(t *testing.T) {
	g := New(DefaultConfig())

	// A losing run deep enough to breach both the Sharpe and drawdown bands.
	for i := 0; i < 12; i++ {
		g.RecordOutcome(trade.Outcome{Return: -0.02})
	}
	require.True(t, g.BreakerStatus().Open, "losing run must trip the breaker")
	assert.Contains(t, g.BreakerStatus().Reason, "sharpe")

	v := g.Apply(entry(0.05), flatBook(), regime.BullMomentum)
	assert.True(t, v.Blocked)
	require.Len(t, v.Constraints, 1)
	assert.Equal(t, "circuit-breaker", v.Constraints[0].Name)

	// Mildly mixed results sit between the trip and recover bands; the
	// breaker must stay open.
	for i := 0; i < 20; i++ {
		ret := 0.02
		if i%2 == 0 {
			ret = -0.021
		}
		g.RecordOutcome(trade.Outcome{Return: ret})
	}
	assert.True(t, g.BreakerStatus().Open, "recovery band is stricter than the trip band")

	// A clean winning window satisfies both recovery criteria.
	for i := 0; i < 20; i++ {
		g.RecordOutcome(trade.Outcome{Return: 0.02})
	}
	assert.False(t, g.BreakerStatus().Open)

	v = g.Apply(entry(0.05), flatBook(), regime.BullMomentum)
	assert.False(t, v.Blocked)
}

func TestBreakerNeedsMinimumOutcomes(t *testing.T) {
	g := New(DefaultConfig())

	for i := 0; i < 5; i++ {
		g.RecordOutcome(trade.Outcome{Return: -0.05})
	}

	assert.False(t, g.BreakerStatus().Open, "breaker must not trip on a near-empty window")
}

func TestTrippedBreakerSurvivesRestart(t *testing.T) {
	g := New(DefaultConfig())
	for i := 0; i < 12; i++ {
		g.RecordOutcome(trade.Outcome{Return: -0.02})
	}
	require.True(t, g.BreakerStatus().Open)

	st := g.SnapshotState()
	fresh := New(DefaultConfig())
	require.NoError(t, fresh.RestoreState(st))

	assert.True(t, fresh.BreakerStatus().Open)
	assert.NotEmpty(t, fresh.BreakerStatus().Reason)
	v := fresh.Apply(entry(0.05), flatBook(), regime.BullMomentum)
	assert.True(t, v.Blocked)
}

func TestRestoreRejectsCorruptWindow(t *testing.T) {
	g := New(DefaultConfig())
	st := State{Breaker: BreakerState{Returns: []float64{0.01, nan()}}}

	assert.Error(t, g.RestoreState(st))
}

func nan() float64 {
	var z float64
	return z / z
}

func TestRollingStats(t *testing.T) {
	assert.Equal(t, 0.0, rollingSharpe([]float64{0.01}))
	assert.InDelta(t, 0.0, rollingSharpe([]float64{0.01, -0.01}), 1e-9)
	assert.Equal(t, 10.0, rollingSharpe([]float64{0.02, 0.02, 0.02}))

	assert.Equal(t, 0.0, rollingDrawdown([]float64{0.01, 0.02}))
	assert.InDelta(t, 0.03, rollingDrawdown([]float64{0.02, -0.01, -0.02, 0.05}), 1e-9)
}
