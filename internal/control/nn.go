// Package control is the reinforcement-learned sizing tier: a small Gaussian
// policy trained on-policy with a clipped surrogate objective against a
// learned state-value baseline. The networks are plain float64 MLPs; nothing
// in the dependency tree ships a neural library and the models here are far
// below the size where one would pay for itself.
package control

import (
	"fmt"
	"math"
	"math/rand"
)

// mlp is a fully connected network with tanh hidden layers and a linear
// output layer. Gradients accumulate across a minibatch and are applied with
// momentum SGD in step.
type mlp struct {
	Sizes   []int         `json:"sizes"`
	Weights [][][]float64 `json:"weights"` // [layer][out][in]
	Biases  [][]float64   `json:"biases"`  // [layer][out]

	gradW [][][]float64
	gradB [][]float64
	velW  [][][]float64
	velB  [][]float64
	batch int
}

// newMLP initializes a network with Xavier-scaled weights.
func newMLP(sizes []int, rng *rand.Rand) *mlp {
	m := &mlp{Sizes: append([]int(nil), sizes...)}
	m.Weights = make([][][]float64, len(sizes)-1)
	m.Biases = make([][]float64, len(sizes)-1)
	for l := 0; l < len(sizes)-1; l++ {
		in, out := sizes[l], sizes[l+1]
		scale := math.Sqrt(2.0 / float64(in+out))
		m.Weights[l] = make([][]float64, out)
		m.Biases[l] = make([]float64, out)
		for o := 0; o < out; o++ {
			m.Weights[l][o] = make([]float64, in)
			for i := 0; i < in; i++ {
				m.Weights[l][o][i] = rng.NormFloat64() * scale
			}
		}
	}
	m.resetBuffers()
	return m
}

func (m *mlp) resetBuffers() {
	m.gradW = zerosLike(m.Weights)
	m.gradB = zerosLike2(m.Biases)
	m.velW = zerosLike(m.Weights)
	m.velB = zerosLike2(m.Biases)
	m.batch = 0
}

func zerosLike(w [][][]float64) [][][]float64 {
	out := make([][][]float64, len(w))
	for l := range w {
		out[l] = make([][]float64, len(w[l]))
		for o := range w[l] {
			out[l][o] = make([]float64, len(w[l][o]))
		}
	}
	return out
}

func zerosLike2(b [][]float64) [][]float64 {
	out := make([][]float64, len(b))
	for l := range b {
		out[l] = make([]float64, len(b[l]))
	}
	return out
}

// forward runs the network and returns the output plus every layer's
// activations (input first) for backprop.
func (m *mlp) forward(x []float64) ([]float64, [][]float64) {
	acts := make([][]float64, 0, len(m.Sizes))
	acts = append(acts, append([]float64(nil), x...))
	cur := x
	last := len(m.Weights) - 1
	for l := range m.Weights {
		next := make([]float64, len(m.Weights[l]))
		for o := range m.Weights[l] {
			sum := m.Biases[l][o]
			row := m.Weights[l][o]
			for i, v := range cur {
				sum += row[i] * v
			}
			if l != last {
				sum = math.Tanh(sum)
			}
			next[o] = sum
		}
		acts = append(acts, next)
		cur = next
	}
	return cur, acts
}

// backward accumulates gradients for one sample given dLoss/dOutput.
func (m *mlp) backward(acts [][]float64, gradOut []float64) {
	delta := append([]float64(nil), gradOut...)
	for l := len(m.Weights) - 1; l >= 0; l-- {
		prev := acts[l]
		if l != len(m.Weights)-1 {
			// Hidden layers are tanh; fold in the derivative.
			layerOut := acts[l+1]
			for o := range delta {
				delta[o] *= 1 - layerOut[o]*layerOut[o]
			}
		}
		for o := range m.Weights[l] {
			m.gradB[l][o] += delta[o]
			row := m.gradW[l][o]
			for i, v := range prev {
				row[i] += delta[o] * v
			}
		}
		if l == 0 {
			break
		}
		next := make([]float64, len(prev))
		for i := range prev {
			sum := 0.0
			for o := range m.Weights[l] {
				sum += m.Weights[l][o][i] * delta[o]
			}
			next[i] = sum
		}
		delta = next
	}
	m.batch++
}

// step applies the accumulated gradients averaged over the batch, with
// momentum and global-norm clipping, then clears them.
func (m *mlp) step(lr, momentum, maxNorm float64) {
	if m.batch == 0 {
		return
	}
	inv := 1.0 / float64(m.batch)

	norm := 0.0
	for l := range m.gradW {
		for o := range m.gradW[l] {
			for i := range m.gradW[l][o] {
				g := m.gradW[l][o][i] * inv
				norm += g * g
			}
			g := m.gradB[l][o] * inv
			norm += g * g
		}
	}
	norm = math.Sqrt(norm)
	clip := 1.0
	if maxNorm > 0 && norm > maxNorm {
		clip = maxNorm / norm
	}

	for l := range m.Weights {
		for o := range m.Weights[l] {
			for i := range m.Weights[l][o] {
				g := m.gradW[l][o][i] * inv * clip
				m.velW[l][o][i] = momentum*m.velW[l][o][i] - lr*g
				m.Weights[l][o][i] += m.velW[l][o][i]
				m.gradW[l][o][i] = 0
			}
			g := m.gradB[l][o] * inv * clip
			m.velB[l][o] = momentum*m.velB[l][o] - lr*g
			m.Biases[l][o] += m.velB[l][o]
			m.gradB[l][o] = 0
		}
	}
	m.batch = 0
}

// clone deep-copies the parameters with fresh zeroed gradient buffers.
func (m *mlp) clone() *mlp {
	c := &mlp{
		Sizes:   append([]int(nil), m.Sizes...),
		Weights: make([][][]float64, len(m.Weights)),
		Biases:  make([][]float64, len(m.Biases)),
	}
	for l := range m.Weights {
		c.Weights[l] = make([][]float64, len(m.Weights[l]))
		for o := range m.Weights[l] {
			c.Weights[l][o] = append([]float64(nil), m.Weights[l][o]...)
		}
		c.Biases[l] = append([]float64(nil), m.Biases[l]...)
	}
	c.resetBuffers()
	return c
}

// finite reports whether every parameter is a finite number.
func (m *mlp) finite() bool {
	for l := range m.Weights {
		for o := range m.Weights[l] {
			for _, w := range m.Weights[l][o] {
				if math.IsNaN(w) || math.IsInf(w, 0) {
					return false
				}
			}
			if math.IsNaN(m.Biases[l][o]) || math.IsInf(m.Biases[l][o], 0) {
				return false
			}
		}
	}
	return true
}

// validate checks a deserialized network's shape against its declared sizes.
func (m *mlp) validate() error {
	if len(m.Sizes) < 2 {
		return fmt.Errorf("mlp needs at least 2 layer sizes, got %d", len(m.Sizes))
	}
	if len(m.Weights) != len(m.Sizes)-1 || len(m.Biases) != len(m.Sizes)-1 {
		return fmt.Errorf("mlp has %d weight layers for %d sizes", len(m.Weights), len(m.Sizes))
	}
	for l := 0; l < len(m.Sizes)-1; l++ {
		in, out := m.Sizes[l], m.Sizes[l+1]
		if len(m.Weights[l]) != out || len(m.Biases[l]) != out {
			return fmt.Errorf("mlp layer %d has %d rows, want %d", l, len(m.Weights[l]), out)
		}
		for o := range m.Weights[l] {
			if len(m.Weights[l][o]) != in {
				return fmt.Errorf("mlp layer %d row %d has %d cols, want %d", l, o, len(m.Weights[l][o]), in)
			}
		}
	}
	if !m.finite() {
		return fmt.Errorf("mlp contains non-finite parameters")
	}
	return nil
}
