package signal

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFeaturesClampsAndSubstitutes(t *testing.T) {
	tests := []struct {
		name string
		in   MarketFeatures
		want MarketFeatures
	}{
		{
			name: "clean vector untouched",
			in:   MarketFeatures{Breadth: 0.6, RealizedVol: 0.3, TrendStrength: -0.2, Dispersion: 0.4},
			want: MarketFeatures{Breadth: 0.6, RealizedVol: 0.3, TrendStrength: -0.2, Dispersion: 0.4},
		},
		{
			name: "nan breadth goes neutral",
			in:   MarketFeatures{Breadth: math.NaN(), RealizedVol: 0.3, TrendStrength: 0, Dispersion: 0.3},
			want: MarketFeatures{Breadth: 0.5, RealizedVol: 0.3, TrendStrength: 0, Dispersion: 0.3, Degraded: true},
		},
		{
			name: "out of range values clamp",
			in:   MarketFeatures{Breadth: 1.4, RealizedVol: 5, TrendStrength: -2, Dispersion: -0.1},
			want: MarketFeatures{Breadth: 1, RealizedVol: 2, TrendStrength: -1, Dispersion: 0, Degraded: true},
		},
		{
			name: "infinite vol goes neutral",
			in:   MarketFeatures{Breadth: 0.5, RealizedVol: math.Inf(1), TrendStrength: 0, Dispersion: 0.3},
			want: MarketFeatures{Breadth: 0.5, RealizedVol: 0.25, TrendStrength: 0, Dispersion: 0.3, Degraded: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeFeatures(tt.in)
			assert.Equal(t, tt.want.Breadth, got.Breadth)
			assert.Equal(t, tt.want.RealizedVol, got.RealizedVol)
			assert.Equal(t, tt.want.TrendStrength, got.TrendStrength)
			assert.Equal(t, tt.want.Dispersion, got.Dispersion)
			assert.Equal(t, tt.want.Degraded, got.Degraded)
			assert.False(t, got.Timestamp.IsZero(), "sanitize must stamp the vector")
		})
	}
}

func TestVectorOrderMatchesFeatureDim(t *testing.T) {
	f := MarketFeatures{Breadth: 0.1, RealizedVol: 0.2, TrendStrength: 0.3, Dispersion: 0.4}
	v := f.Vector()

	assert.Len(t, v, FeatureDim)
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4}, v)
}

func TestSanitizePortfolioZeroesNonFinite(t *testing.T) {
	p := SanitizePortfolio(PortfolioState{
		Exposure:  math.NaN(),
		Cash:      math.Inf(-1),
		RecentPnL: 0.02,
		DailyPnL:  -0.01,
		Equity:    100000,
	})

	assert.Equal(t, 0.0, p.Exposure)
	assert.Equal(t, 0.0, p.Cash)
	assert.Equal(t, 0.02, p.RecentPnL)
	assert.Equal(t, -0.01, p.DailyPnL)
	assert.Equal(t, 100000.0, p.Equity)
}
