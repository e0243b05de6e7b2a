package bandit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

func TestUniformIsValid(t *testing.T) {
	w := Uniform()
	require.NoError(t, w.Validate())
	for _, c := range signal.Components() {
		assert.InDelta(t, 1.0/float64(len(signal.Components())), w[c], 1e-12)
	}
}

func TestValidateRejectsBadVectors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(WeightVector)
	}{
		{name: "missing component", mutate: func(w WeightVector) { delete(w, signal.ComponentSentiment) }},
		{name: "negative weight", mutate: func(w WeightVector) { w[signal.ComponentTheme] = -0.1 }},
		{name: "nan weight", mutate: func(w WeightVector) { w[signal.ComponentTechnical] = math.NaN() }},
		{name: "sum above one", mutate: func(w WeightVector) { w[signal.ComponentEarnings] += 0.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := Uniform()
			tt.mutate(w)
			assert.Error(t, w.Validate())
		})
	}
}

func TestNormalizeHandlesDegenerateInput(t *testing.T) {
	w := Uniform()
	for c := range w {
		w[c] = 0
	}
	w[signal.ComponentTheme] = math.NaN()

	w.Normalize()

	require.NoError(t, w.Validate())
}

func TestNormalizeClipsNegatives(t *testing.T) {
	w := Uniform()
	w[signal.ComponentSentiment] = -2.0
	w[signal.ComponentTheme] = 3.0

	w.Normalize()

	require.NoError(t, w.Validate())
	assert.Equal(t, 0.0, w[signal.ComponentSentiment])
}

func TestBlendStaysOnSimplex(t *testing.T) {
	learned := Uniform()
	learned[signal.ComponentTheme] = 0.5
	learned.Normalize()

	out := learned.Blend(Uniform(), 0.25)
	require.NoError(t, out.Validate())

	allIn := learned.Blend(Uniform(), 1.0)
	for _, c := range signal.Components() {
		assert.InDelta(t, Uniform()[c], allIn[c], 1e-9)
	}
}
