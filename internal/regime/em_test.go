package regime

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func syntheticWindow(n int, seed int64) [][]float64 {
	rng := rand.New(rand.NewSource(seed))
	obs := make([][]float64, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			obs = append(obs, []float64{0.7 + 0.04*rng.NormFloat64(), 0.2 + 0.02*rng.NormFloat64(), 0.5 + 0.05*rng.NormFloat64(), 0.3 + 0.03*rng.NormFloat64()})
		} else {
			obs = append(obs, []float64{0.5 + 0.04*rng.NormFloat64(), 0.28 + 0.02*rng.NormFloat64(), 0.0 + 0.05*rng.NormFloat64(), 0.32 + 0.03*rng.NormFloat64()})
		}
	}
	return obs
}

func TestEMStepImprovesLikelihood(t *testing.T) {
	obs := syntheticWindow(120, 3)
	m := DefaultModel()

	next, ll1 := emStep(m, obs)
	_, ll2 := emStep(next, obs)

	assert.GreaterOrEqual(t, ll2, ll1, "one EM step must not decrease the data likelihood")
}

func TestReestimateRejectsBadWindow(t *testing.T) {
	tests := []struct {
		name string
		obs  [][]float64
	}{
		{name: "too short", obs: [][]float64{{0.5, 0.3, 0.0, 0.3}}},
		{name: "wrong dim", obs: [][]float64{{0.5, 0.3}, {0.5, 0.3}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reestimate(DefaultModel(), tt.obs, 5, 0.3)
			assert.Error(t, err)
		})
	}
}

func TestReestimateProducesValidModel(t *testing.T) {
	obs := syntheticWindow(200, 11)

	fitted, err := reestimate(DefaultModel(), obs, 10, 0.3)
	require.NoError(t, err)
	require.NoError(t, fitted.Validate())
}

func TestBlendEndpoints(t *testing.T) {
	base := DefaultModel()
	fitted := DefaultModel()
	fitted.Emissions[0].Means[0] = 0.9
	fitted.Transitions[0] = []float64{0.5, 0.2, 0.1, 0.1, 0.1}

	atBase := blend(base, fitted, 0)
	assert.Equal(t, base, atBase)

	atFit := blend(base, fitted, 1)
	assert.InDelta(t, 0.9, atFit.Emissions[0].Means[0], 1e-9)
	assert.InDelta(t, 0.5, atFit.Transitions[0][0], 1e-9)

	half := blend(base, fitted, 0.5)
	assert.InDelta(t, (base.Emissions[0].Means[0]+0.9)/2, half.Emissions[0].Means[0], 1e-9)
	require.NoError(t, half.Validate())
}
