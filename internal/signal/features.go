package signal

import (
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// MarketFeatures is the fixed feature vector the regime classifier and the
// control policy consume. All features are pre-normalized by the upstream
// scanning pipeline:
//
//	Breadth        [0,1]  share of universe advancing
//	RealizedVol    [0,~1] normalized realized volatility, 1.0 ≈ tail event
//	TrendStrength  [-1,1] signed trend persistence
//	Dispersion     [0,1]  cross-sectional return dispersion
type MarketFeatures struct {
	Breadth       float64   `json:"breadth"`
	RealizedVol   float64   `json:"realized_vol"`
	TrendStrength float64   `json:"trend_strength"`
	Dispersion    float64   `json:"dispersion"`
	Timestamp     time.Time `json:"timestamp"`

	// Degraded marks vectors where one or more features were substituted.
	Degraded bool `json:"degraded,omitempty"`
}

// Neutral per-feature substitutes for malformed inputs.
const (
	neutralBreadth    = 0.5
	neutralVol        = 0.25
	neutralTrend      = 0.0
	neutralDispersion = 0.3
)

// SanitizeFeatures replaces non-finite feature values with neutral defaults
// and clamps ranges. Like score sanitization it degrades rather than fails.
func SanitizeFeatures(f MarketFeatures) MarketFeatures {
	fix := func(name string, v float64, lo, hi, neutral float64) (float64, bool) {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			log.Warn().Str("feature", name).Msg("non-finite market feature, substituting neutral")
			return neutral, true
		}
		if v < lo {
			return lo, true
		}
		if v > hi {
			return hi, true
		}
		return v, false
	}

	var degraded bool
	var d bool
	f.Breadth, d = fix("breadth", f.Breadth, 0, 1, neutralBreadth)
	degraded = degraded || d
	f.RealizedVol, d = fix("realized_vol", f.RealizedVol, 0, 2, neutralVol)
	degraded = degraded || d
	f.TrendStrength, d = fix("trend_strength", f.TrendStrength, -1, 1, neutralTrend)
	degraded = degraded || d
	f.Dispersion, d = fix("dispersion", f.Dispersion, 0, 1, neutralDispersion)
	degraded = degraded || d

	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	f.Degraded = f.Degraded || degraded
	return f
}

// Vector returns the features as a fixed-order slice for model input.
func (f MarketFeatures) Vector() []float64 {
	return []float64{f.Breadth, f.RealizedVol, f.TrendStrength, f.Dispersion}
}

// FeatureDim is the length of the vector returned by Vector.
const FeatureDim = 4

// PortfolioState is the account snapshot handed in by the external portfolio
// tracker alongside each decision request.
type PortfolioState struct {
	Exposure  float64 `json:"exposure"`   // open position value / equity, [0,1]
	Cash      float64 `json:"cash"`       // free cash / equity, [0,1]
	RecentPnL float64 `json:"recent_pnl"` // trailing-window return
	DailyPnL  float64 `json:"daily_pnl"`  // today's return
	Equity    float64 `json:"equity"`     // account equity in quote units
}

// SanitizePortfolio clamps non-finite fields to zero. A missing portfolio
// snapshot is equivalent to a flat account.
func SanitizePortfolio(p PortfolioState) PortfolioState {
	clean := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0
		}
		return v
	}
	p.Exposure = clean(p.Exposure)
	p.Cash = clean(p.Cash)
	p.RecentPnL = clean(p.RecentPnL)
	p.DailyPnL = clean(p.DailyPnL)
	p.Equity = clean(p.Equity)
	return p
}
