package regime

import (
	"fmt"
	"math"

	"github.com/kestrelquant/adaptengine/internal/signal"
)

// reestimate runs scaled Baum-Welch on the observation window, starting from
// base, and returns base blended toward the fit by smoothing. Blending keeps
// single re-estimations from swinging the parameters wildly and anchors each
// hidden state near its hand-tuned semantic profile.
func reestimate(base *Model, obs [][]float64, iters int, smoothing float64) (*Model, error) {
	if len(obs) < 2 {
		return nil, fmt.Errorf("need at least 2 observations, got %d", len(obs))
	}
	for t, o := range obs {
		if len(o) != signal.FeatureDim {
			return nil, fmt.Errorf("observation %d has dim %d, want %d", t, len(o), signal.FeatureDim)
		}
	}

	fitted := base.Clone()
	prevLL := math.Inf(-1)
	for it := 0; it < iters; it++ {
		next, ll := emStep(fitted, obs)
		fitted = next
		if !math.IsInf(prevLL, -1) && ll-prevLL < 1e-4 {
			break
		}
		prevLL = ll
	}

	return blend(base, fitted, smoothing), nil
}

// emStep performs one expectation-maximization pass and returns the updated
// model with the data log-likelihood under the incoming parameters.
func emStep(m *Model, obs [][]float64) (*Model, float64) {
	T := len(obs)
	N := NumStates

	// Emission densities, floored away from zero.
	b := make([][]float64, T)
	for t := 0; t < T; t++ {
		b[t] = make([]float64, N)
		for i := 0; i < N; i++ {
			b[t][i] = m.Emissions[i].likelihood(obs[t])
		}
	}

	// Scaled forward pass, uniform initial distribution.
	alpha := make([][]float64, T)
	scale := make([]float64, T)
	alpha[0] = make([]float64, N)
	sum := 0.0
	for i := 0; i < N; i++ {
		alpha[0][i] = b[0][i] / float64(N)
		sum += alpha[0][i]
	}
	scale[0] = 1.0 / sum
	for i := 0; i < N; i++ {
		alpha[0][i] *= scale[0]
	}
	for t := 1; t < T; t++ {
		alpha[t] = make([]float64, N)
		sum = 0.0
		for i := 0; i < N; i++ {
			acc := 0.0
			for j := 0; j < N; j++ {
				acc += alpha[t-1][j] * m.Transitions[j][i]
			}
			alpha[t][i] = acc * b[t][i]
			sum += alpha[t][i]
		}
		if sum <= 0 {
			sum = 1e-300
		}
		scale[t] = 1.0 / sum
		for i := 0; i < N; i++ {
			alpha[t][i] *= scale[t]
		}
	}

	// Scaled backward pass.
	beta := make([][]float64, T)
	beta[T-1] = make([]float64, N)
	for i := 0; i < N; i++ {
		beta[T-1][i] = scale[T-1]
	}
	for t := T - 2; t >= 0; t-- {
		beta[t] = make([]float64, N)
		for i := 0; i < N; i++ {
			acc := 0.0
			for j := 0; j < N; j++ {
				acc += m.Transitions[i][j] * b[t+1][j] * beta[t+1][j]
			}
			beta[t][i] = acc * scale[t]
		}
	}

	// State responsibilities.
	gamma := make([][]float64, T)
	for t := 0; t < T; t++ {
		gamma[t] = make([]float64, N)
		for i := 0; i < N; i++ {
			gamma[t][i] = alpha[t][i] * beta[t][i] / scale[t]
		}
	}

	next := m.Clone()

	// Transition update from expected transition counts.
	for i := 0; i < N; i++ {
		denom := 0.0
		for t := 0; t < T-1; t++ {
			denom += gamma[t][i]
		}
		if denom <= 1e-12 {
			continue
		}
		rowSum := 0.0
		for j := 0; j < N; j++ {
			num := 0.0
			for t := 0; t < T-1; t++ {
				num += alpha[t][i] * m.Transitions[i][j] * b[t+1][j] * beta[t+1][j]
			}
			next.Transitions[i][j] = num / denom
			rowSum += next.Transitions[i][j]
		}
		if rowSum > 0 {
			for j := 0; j < N; j++ {
				next.Transitions[i][j] /= rowSum
			}
		}
	}

	// Emission update, responsibility-weighted means and variances.
	for i := 0; i < N; i++ {
		weight := 0.0
		for t := 0; t < T; t++ {
			weight += gamma[t][i]
		}
		if weight <= 1e-12 {
			// State claimed no observations; leave its parameters alone.
			continue
		}
		for d := 0; d < signal.FeatureDim; d++ {
			mean := 0.0
			for t := 0; t < T; t++ {
				mean += gamma[t][i] * obs[t][d]
			}
			mean /= weight
			variance := 0.0
			for t := 0; t < T; t++ {
				diff := obs[t][d] - mean
				variance += gamma[t][i] * diff * diff
			}
			variance /= weight
			if variance < minVariance {
				variance = minVariance
			}
			next.Emissions[i].Means[d] = mean
			next.Emissions[i].Variances[d] = variance
		}
	}

	ll := 0.0
	for t := 0; t < T; t++ {
		ll -= math.Log(scale[t])
	}
	return next, ll
}

// blend interpolates base toward fitted: eta 0 returns base, 1 returns
// fitted. Transition rows are renormalized only when they have actually
// drifted off unit sum, so blending at the endpoints is exact.
func blend(base, fitted *Model, eta float64) *Model {
	out := base.Clone()
	for i := 0; i < NumStates; i++ {
		for d := 0; d < signal.FeatureDim; d++ {
			out.Emissions[i].Means[d] += eta * (fitted.Emissions[i].Means[d] - base.Emissions[i].Means[d])
			v := base.Emissions[i].Variances[d] + eta*(fitted.Emissions[i].Variances[d]-base.Emissions[i].Variances[d])
			if v < minVariance {
				v = minVariance
			}
			out.Emissions[i].Variances[d] = v
		}
		rowSum := 0.0
		for j := 0; j < NumStates; j++ {
			p := base.Transitions[i][j] + eta*(fitted.Transitions[i][j]-base.Transitions[i][j])
			if p < 0 {
				p = 0
			}
			out.Transitions[i][j] = p
			rowSum += p
		}
		if rowSum <= 0 {
			copy(out.Transitions[i], base.Transitions[i])
			continue
		}
		if math.Abs(rowSum-1.0) <= 1e-9 {
			continue
		}
		for j := 0; j < NumStates; j++ {
			out.Transitions[i][j] /= rowSum
		}
	}
	return out
}
