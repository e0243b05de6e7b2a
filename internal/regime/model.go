package regime

import (
	"fmt"
	"math"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

// Emission holds the diagonal-Gaussian emission parameters for one hidden
// state, indexed in signal.MarketFeatures vector order (breadth, realized
// vol, trend strength, dispersion).
type Emission struct {
	Means     []float64 `json:"means"`
	Variances []float64 `json:"variances"`
}

// Model is the full classifier parameter set: one emission per hidden state
// in AllLabels order, plus a row-stochastic transition matrix used as the
// prior over the next state given the current one.
type Model struct {
	Emissions   []Emission  `json:"emissions"`
	Transitions [][]float64 `json:"transitions"`
}

const minVariance = 1e-4

// DefaultModel returns the hand-tuned prior parameters the classifier starts
// from before any re-estimation has run. Means describe the typical feature
// profile of each regime; transitions are sticky with a slow crisis exit.
func DefaultModel() *Model {
	return &Model{
		Emissions: []Emission{
			// bull-momentum: broad participation, calm vol, strong trend
			{Means: []float64{0.70, 0.20, 0.55, 0.30}, Variances: []float64{0.03, 0.02, 0.06, 0.03}},
			// bear-defensive: weak breadth, elevated vol, down trend
			{Means: []float64{0.30, 0.45, -0.45, 0.40}, Variances: []float64{0.03, 0.04, 0.08, 0.04}},
			// choppy: everything near neutral, no trend
			{Means: []float64{0.50, 0.28, 0.00, 0.32}, Variances: []float64{0.04, 0.03, 0.05, 0.03}},
			// crisis: vol spike, broad selling, violent trend
			{Means: []float64{0.18, 0.95, -0.65, 0.75}, Variances: []float64{0.04, 0.10, 0.12, 0.06}},
			// theme-driven: narrow leadership shows up as high dispersion
			{Means: []float64{0.58, 0.32, 0.30, 0.72}, Variances: []float64{0.04, 0.03, 0.07, 0.04}},
		},
		Transitions: [][]float64{
			{0.86, 0.04, 0.05, 0.01, 0.04},
			{0.05, 0.84, 0.05, 0.03, 0.03},
			{0.07, 0.06, 0.80, 0.02, 0.05},
			{0.02, 0.10, 0.05, 0.80, 0.03},
			{0.06, 0.04, 0.06, 0.02, 0.82},
		},
	}
}

// Validate checks structural soundness: one emission per state with full
// feature dimension, positive variances, and row-stochastic transitions.
func (m *Model) Validate() error {
	if len(m.Emissions) != NumStates {
		return fmt.Errorf("model has %d emissions, want %d", len(m.Emissions), NumStates)
	}
	for i, e := range m.Emissions {
		if len(e.Means) != signal.FeatureDim || len(e.Variances) != signal.FeatureDim {
			return fmt.Errorf("emission %d: dims %d/%d, want %d", i, len(e.Means), len(e.Variances), signal.FeatureDim)
		}
		for j, v := range e.Variances {
			if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				return fmt.Errorf("emission %d: variance[%d]=%v not positive", i, j, v)
			}
		}
	}
	if len(m.Transitions) != NumStates {
		return fmt.Errorf("transition matrix has %d rows, want %d", len(m.Transitions), NumStates)
	}
	for i, row := range m.Transitions {
		if len(row) != NumStates {
			return fmt.Errorf("transition row %d has %d cols, want %d", i, len(row), NumStates)
		}
		sum := 0.0
		for _, p := range row {
			if p < 0 || math.IsNaN(p) {
				return fmt.Errorf("transition row %d contains invalid probability %v", i, p)
			}
			sum += p
		}
		if math.Abs(sum-1.0) > 1e-6 {
			return fmt.Errorf("transition row %d sums to %.6f, want 1.0", i, sum)
		}
	}
	return nil
}

// Clone returns a deep copy so re-estimation can build a candidate model
// without mutating the one concurrent readers hold.
func (m *Model) Clone() *Model {
	c := &Model{
		Emissions:   make([]Emission, len(m.Emissions)),
		Transitions: make([][]float64, len(m.Transitions)),
	}
	for i, e := range m.Emissions {
		c.Emissions[i] = Emission{
			Means:     append([]float64(nil), e.Means...),
			Variances: append([]float64(nil), e.Variances...),
		}
	}
	for i, row := range m.Transitions {
		c.Transitions[i] = append([]float64(nil), row...)
	}
	return c
}

// logLikelihood returns the diagonal-Gaussian log density of obs under the
// state's emission parameters.
func (e Emission) logLikelihood(obs []float64) float64 {
	ll := 0.0
	for j, x := range obs {
		v := e.Variances[j]
		if v < minVariance {
			v = minVariance
		}
		d := x - e.Means[j]
		ll += -0.5*math.Log(2*math.Pi*v) - d*d/(2*v)
	}
	return ll
}

// likelihood is the linear-space density, floored to keep posteriors and EM
// responsibilities away from exact zero.
func (e Emission) likelihood(obs []float64) float64 {
	p := math.Exp(e.logLikelihood(obs))
	if p < 1e-300 {
		p = 1e-300
	}
	return p
}
