package regime

import (
	"encoding/json"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

func bullFeatures() signal.MarketFeatures {
	return signal.MarketFeatures{Breadth: 0.72, RealizedVol: 0.20, TrendStrength: 0.55, Dispersion: 0.30}
}

func bearFeatures() signal.MarketFeatures {
	return signal.MarketFeatures{Breadth: 0.28, RealizedVol: 0.46, TrendStrength: -0.48, Dispersion: 0.42}
}

func choppyFeatures() signal.MarketFeatures {
	return signal.MarketFeatures{Breadth: 0.50, RealizedVol: 0.27, TrendStrength: 0.01, Dispersion: 0.32}
}

func TestClassifierStartsChoppy(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	assert.Equal(t, Choppy, c.Current().Label)
}

func TestVolSpikeForcesCrisisImmediately(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	snap := c.Classify(signal.MarketFeatures{Breadth: 0.4, RealizedVol: 0.95, TrendStrength: -0.2, Dispersion: 0.5})

	assert.Equal(t, Crisis, snap.Label)
	assert.True(t, snap.RuleForced)
	assert.Equal(t, 1.0, snap.Confidence)
	assert.Equal(t, Crisis, c.Current().Label)
}

func TestSingleObservationNeverFlipsLabel(t *testing.T) {
	c := NewClassifier(DefaultConfig())

	snap := c.Classify(bullFeatures())

	assert.Equal(t, Choppy, snap.Label, "one observation must not flip the public label")
}

func TestHysteresisFlipsAfterConsecutiveAgreement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HysteresisN = 3
	c := NewClassifier(cfg)

	assert.Equal(t, Choppy, c.Classify(bullFeatures()).Label)
	assert.Equal(t, Choppy, c.Classify(bullFeatures()).Label)
	snap := c.Classify(bullFeatures())

	assert.Equal(t, BullMomentum, snap.Label)
	assert.Greater(t, snap.Confidence, 0.5)
}

func TestHysteresisResetsOnDisagreement(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HysteresisN = 3
	c := NewClassifier(cfg)

	c.Classify(bullFeatures())
	c.Classify(bullFeatures())
	c.Classify(choppyFeatures()) // breaks the streak
	snap := c.Classify(bullFeatures())

	assert.Equal(t, Choppy, snap.Label, "interrupted streak must restart the count")
}

func TestPanicBreadthForcesBearThroughHysteresis(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HysteresisN = 2
	c := NewClassifier(cfg)

	panicObs := signal.MarketFeatures{Breadth: 0.08, RealizedVol: 0.55, TrendStrength: -0.3, Dispersion: 0.5}
	first := c.Classify(panicObs)
	second := c.Classify(panicObs)

	assert.Equal(t, Choppy, first.Label)
	assert.Equal(t, BearDefensive, second.Label)
	assert.True(t, second.RuleForced)
}

func TestClassifierTracksRegimeProfiles(t *testing.T) {
	tests := []struct {
		name     string
		features signal.MarketFeatures
		want     Label
	}{
		{name: "bull profile", features: bullFeatures(), want: BullMomentum},
		{name: "bear profile", features: bearFeatures(), want: BearDefensive},
		{name: "theme profile", features: signal.MarketFeatures{Breadth: 0.58, RealizedVol: 0.32, TrendStrength: 0.30, Dispersion: 0.72}, want: ThemeDriven},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(DefaultConfig())
			var snap Snapshot
			for i := 0; i < 6; i++ {
				snap = c.Classify(tt.features)
			}
			assert.Equal(t, tt.want, snap.Label)
			assert.GreaterOrEqual(t, snap.Confidence, 0.0)
			assert.LessOrEqual(t, snap.Confidence, 1.0)
		})
	}
}

func TestReestimateSkipsShortWindow(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	for i := 0; i < 10; i++ {
		c.Classify(choppyFeatures())
	}

	before := c.Model()
	require.NoError(t, c.Reestimate())
	after := c.Model()

	assert.Equal(t, before, after, "short window must leave the model untouched")
}

func TestReestimateKeepsModelValid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinReestimateObs = 50
	c := NewClassifier(cfg)

	rng := rand.New(rand.NewSource(7))
	jitter := func(f signal.MarketFeatures) signal.MarketFeatures {
		f.Breadth += 0.05 * rng.NormFloat64()
		f.RealizedVol += 0.03 * rng.NormFloat64()
		f.TrendStrength += 0.05 * rng.NormFloat64()
		f.Dispersion += 0.04 * rng.NormFloat64()
		return f
	}
	for i := 0; i < 40; i++ {
		c.Classify(jitter(bullFeatures()))
	}
	for i := 0; i < 40; i++ {
		c.Classify(jitter(choppyFeatures()))
	}

	before := c.Model()
	require.NoError(t, c.Reestimate())
	after := c.Model()

	require.NoError(t, after.Validate())
	assert.NotEqual(t, before, after, "re-estimation on a full window should move parameters")

	st := c.SnapshotState()
	assert.Equal(t, int64(1), st.Reestimations)
}

func TestStateRoundTrip(t *testing.T) {
	c := NewClassifier(DefaultConfig())
	for i := 0; i < 5; i++ {
		c.Classify(bullFeatures())
	}
	st := c.SnapshotState()

	raw, err := json.Marshal(st)
	require.NoError(t, err)
	var decoded State
	require.NoError(t, json.Unmarshal(raw, &decoded))

	restored := NewClassifier(DefaultConfig())
	require.NoError(t, restored.RestoreState(decoded))

	assert.Equal(t, st.Label, restored.Current().Label)
	assert.Equal(t, st.Model, restored.Model())
}

func TestRestoreStateRejectsBadModel(t *testing.T) {
	tests := []struct {
		name  string
		state State
	}{
		{name: "nil model", state: State{Label: Choppy}},
		{
			name: "negative variance",
			state: func() State {
				m := DefaultModel()
				m.Emissions[0].Variances[1] = -1
				return State{Model: m, Label: Choppy}
			}(),
		},
		{
			name: "non stochastic transitions",
			state: func() State {
				m := DefaultModel()
				m.Transitions[2][2] += 0.5
				return State{Model: m, Label: Choppy}
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClassifier(DefaultConfig())
			assert.Error(t, c.RestoreState(tt.state))
			assert.Equal(t, Choppy, c.Current().Label)
		})
	}
}

func TestLabelIndexRoundTrip(t *testing.T) {
	for i, label := range AllLabels() {
		assert.Equal(t, i, label.Index())
		assert.Equal(t, label, LabelAt(i))
		assert.True(t, label.Valid())
	}
	assert.False(t, Label("sideways").Valid())
	assert.Equal(t, Choppy, LabelAt(99))
}
