package control

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMLPForwardShapes(t *testing.T) {
	m := newMLP([]int{4, 8, 2}, rand.New(rand.NewSource(1)))

	out, acts := m.forward([]float64{0.1, 0.2, 0.3, 0.4})

	assert.Len(t, out, 2)
	require.Len(t, acts, 3)
	assert.Len(t, acts[0], 4)
	assert.Len(t, acts[1], 8)
	assert.Len(t, acts[2], 2)
}

func TestMLPForwardIsDeterministic(t *testing.T) {
	m := newMLP([]int{3, 5, 1}, rand.New(rand.NewSource(2)))
	in := []float64{0.5, -0.2, 0.9}

	a, _ := m.forward(in)
	b, _ := m.forward(in)

	assert.Equal(t, a, b)
}

func TestMLPLearnsToyRegression(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	m := newMLP([]int{2, 8, 1}, rng)

	target := func(x []float64) float64 { return 0.5*x[0] - 0.3*x[1] }
	loss := func() float64 {
		sum := 0.0
		for i := 0; i < 50; i++ {
			x := []float64{float64(i%10) / 10, float64(i%7) / 7}
			out, _ := m.forward(x)
			d := out[0] - target(x)
			sum += d * d
		}
		return sum / 50
	}

	before := loss()
	for epoch := 0; epoch < 200; epoch++ {
		for i := 0; i < 50; i++ {
			x := []float64{float64(i%10) / 10, float64(i%7) / 7}
			out, acts := m.forward(x)
			m.backward(acts, []float64{out[0] - target(x)})
		}
		m.step(0.05, 0.9, 5.0)
	}
	after := loss()

	assert.Less(t, after, before/4, "training should cut the regression loss substantially")
	assert.True(t, m.finite())
}

func TestMLPCloneIsIndependent(t *testing.T) {
	m := newMLP([]int{2, 3, 1}, rand.New(rand.NewSource(4)))
	c := m.clone()

	m.Weights[0][0][0] += 1.0

	assert.NotEqual(t, m.Weights[0][0][0], c.Weights[0][0][0])
	require.NoError(t, c.validate())
}

func TestMLPValidateRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*mlp)
	}{
		{name: "missing layer", mutate: func(m *mlp) { m.Weights = m.Weights[:1] }},
		{name: "row count mismatch", mutate: func(m *mlp) { m.Weights[1] = m.Weights[1][:1] }},
		{name: "col count mismatch", mutate: func(m *mlp) { m.Weights[0][0] = m.Weights[0][0][:1] }},
		{name: "non-finite weight", mutate: func(m *mlp) { m.Weights[0][0][0] = nan() }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMLP([]int{3, 4, 2}, rand.New(rand.NewSource(5)))
			tt.mutate(m)
			assert.Error(t, m.validate())
		})
	}
}

func nan() float64 {
	var z float64
	return z / z
}
