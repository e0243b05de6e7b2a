// Package bandit learns per-regime signal-component weights with a Bayesian
// multi-armed bandit. Each (regime, component) arm keeps a Beta posterior
// over "trusting this component pays off"; decision-time weights come from
// Thompson sampling over the arms of the active regime's bank.
package bandit

import (
	"fmt"
	"math"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

// WeightVector maps every signal component to its blend weight. A valid
// vector is non-negative and sums to 1.
type WeightVector map[signal.Component]float64

const weightSumTolerance = 1e-6

// Uniform returns the equal-weight vector over the component vocabulary.
func Uniform() WeightVector {
	comps := signal.Components()
	w := make(WeightVector, len(comps))
	for _, c := range comps {
		w[c] = 1.0 / float64(len(comps))
	}
	return w
}

// Validate checks the simplex invariant: full vocabulary coverage, no
// negative or non-finite entries, and a unit sum.
func (w WeightVector) Validate() error {
	if len(w) != len(signal.Components()) {
		return fmt.Errorf("weight vector has %d entries, want %d", len(w), len(signal.Components()))
	}
	sum := 0.0
	for _, c := range signal.Components() {
		v, ok := w[c]
		if !ok {
			return fmt.Errorf("weight vector missing component %q", c)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("weight for %q is not finite", c)
		}
		if v < 0 {
			return fmt.Errorf("weight for %q is negative: %f", c, v)
		}
		sum += v
	}
	if math.Abs(sum-1.0) > weightSumTolerance {
		return fmt.Errorf("weights sum to %.8f, want 1.0", sum)
	}
	return nil
}

// Normalize scales the vector in place to sum to 1, clipping negatives to
// zero first. A degenerate all-zero vector becomes uniform.
func (w WeightVector) Normalize() {
	sum := 0.0
	for c, v := range w {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			w[c] = 0
			v = 0
		}
		sum += v
	}
	if sum <= 0 {
		for c := range w {
			w[c] = 1.0 / float64(len(w))
		}
		return
	}
	for c := range w {
		w[c] /= sum
	}
}

// Clone returns an independent copy.
func (w WeightVector) Clone() WeightVector {
	out := make(WeightVector, len(w))
	for c, v := range w {
		out[c] = v
	}
	return out
}

// Blend returns (1-t)*w + t*other, normalized. Used when mixing learned
// weights with a fallback baseline.
func (w WeightVector) Blend(other WeightVector, t float64) WeightVector {
	if t < 0 {
		t = 0
	}
	if t > 1 {
		t = 1
	}
	out := make(WeightVector, len(w))
	for _, c := range signal.Components() {
		out[c] = (1-t)*w[c] + t*other[c]
	}
	out.Normalize()
	return out
}
