package bandit

import (
	"math"
	"math/rand"
)

// sampleBeta draws from Beta(alpha, beta) via two Gamma variates. Parameters
// are floored to keep the sampler defined even if a caller hands in values
// below the posterior floor.
func sampleBeta(rng *rand.Rand, alpha, beta float64) float64 {
	const minShape = 1e-3
	if alpha < minShape {
		alpha = minShape
	}
	if beta < minShape {
		beta = minShape
	}
	x := sampleGamma(rng, alpha)
	y := sampleGamma(rng, beta)
	if x+y == 0 {
		return 0.5
	}
	return x / (x + y)
}

// sampleGamma draws from Gamma(shape, 1) with the Marsaglia-Tsang squeeze
// method. Shapes below 1 use the standard boost Gamma(a) = Gamma(a+1)*U^(1/a).
func sampleGamma(rng *rand.Rand, shape float64) float64 {
	if shape < 1 {
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		return sampleGamma(rng, shape+1) * math.Pow(u, 1/shape)
	}

	d := shape - 1.0/3.0
	c := 1.0 / (3.0 * math.Sqrt(d))
	for {
		x := rng.NormFloat64()
		v := 1.0 + c*x
		if v <= 0 {
			continue
		}
		v = v * v * v
		u := rng.Float64()
		if u < 1.0-0.0331*x*x*x*x {
			return d * v
		}
		if math.Log(u) < 0.5*x*x+d*(1.0-v+math.Log(v)) {
			return d * v
		}
	}
}
