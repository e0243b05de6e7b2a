package governor

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
)

// BreakerConfig sets the trip and recovery bands. Recovery thresholds are
// stricter than trip thresholds so the breaker cannot flap on the boundary.
type BreakerConfig struct {
	// Window is how many recent outcomes the rolling stats cover.
	Window int `yaml:"window" json:"window"`
	// MinOutcomes is the fill level below which the breaker never trips.
	MinOutcomes int `yaml:"min_outcomes" json:"min_outcomes"`
	// TripSharpe trips when the rolling per-trade Sharpe falls below it.
	TripSharpe float64 `yaml:"trip_sharpe" json:"trip_sharpe"`
	// TripDrawdown trips when the rolling drawdown exceeds it.
	TripDrawdown float64 `yaml:"trip_drawdown" json:"trip_drawdown"`
	// RecoverSharpe and RecoverDrawdown must BOTH be satisfied to close an
	// open breaker.
	RecoverSharpe   float64 `yaml:"recover_sharpe" json:"recover_sharpe"`
	RecoverDrawdown float64 `yaml:"recover_drawdown" json:"recover_drawdown"`
}

// DefaultBreakerConfig returns the breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Window:          20,
		MinOutcomes:     10,
		TripSharpe:      -0.5,
		TripDrawdown:    0.15,
		RecoverSharpe:   0.0,
		RecoverDrawdown: 0.10,
	}
}

func (c *BreakerConfig) applyDefaults() {
	d := DefaultBreakerConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MinOutcomes <= 0 {
		c.MinOutcomes = d.MinOutcomes
	}
	if c.TripSharpe == 0 {
		c.TripSharpe = d.TripSharpe
	}
	if c.TripDrawdown <= 0 {
		c.TripDrawdown = d.TripDrawdown
	}
	if c.RecoverDrawdown <= 0 {
		c.RecoverDrawdown = d.RecoverDrawdown
	}
	if c.RecoverSharpe < c.TripSharpe {
		c.RecoverSharpe = d.RecoverSharpe
	}
}

// BreakerStatus is the diagnostic view of the breaker. Reason names the
// condition that caused the most recent trip.
type BreakerStatus struct {
	Open      bool      `json:"open"`
	Sharpe    float64   `json:"sharpe"`
	Drawdown  float64   `json:"drawdown"`
	Outcomes  int       `json:"outcomes"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Trips     int64     `json:"trips"`
}

// BreakerState is the persistable breaker state.
type BreakerState struct {
	Returns   []float64 `json:"returns"`
	Open      bool      `json:"open"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Trips     int64     `json:"trips"`
}

// breaker tracks a rolling window of realized returns and trips on a bad
// run. Callers hold the governor mutex; the breaker itself is not locked.
type breaker struct {
	cfg        BreakerConfig
	returns    []float64
	isOpen     bool
	trippedAt  time.Time
	tripReason string
	trips      int64
}

func newBreaker(cfg BreakerConfig) *breaker {
	return &breaker{cfg: cfg}
}

func (b *breaker) open() bool { return b.isOpen }

// record folds one realized return in and re-evaluates the trip and recover
// bands.
func (b *breaker) record(ret float64) {
	if math.IsNaN(ret) || math.IsInf(ret, 0) {
		return
	}
	b.returns = append(b.returns, ret)
	if len(b.returns) > b.cfg.Window {
		b.returns = b.returns[len(b.returns)-b.cfg.Window:]
	}
	if len(b.returns) < b.cfg.MinOutcomes {
		return
	}

	sharpe := rollingSharpe(b.returns)
	drawdown := rollingDrawdown(b.returns)

	if !b.isOpen {
		if sharpe < b.cfg.TripSharpe || drawdown > b.cfg.TripDrawdown {
			reason := fmt.Sprintf("sharpe %.2f below %.2f", sharpe, b.cfg.TripSharpe)
			if sharpe >= b.cfg.TripSharpe {
				reason = fmt.Sprintf("drawdown %.2f above %.2f", drawdown, b.cfg.TripDrawdown)
			}
			b.isOpen = true
			b.trippedAt = time.Now().UTC()
			b.tripReason = reason
			b.trips++
			log.Warn().
				Float64("sharpe", sharpe).
				Float64("drawdown", drawdown).
				Int("outcomes", len(b.returns)).
				Msg("circuit breaker tripped")
		}
		return
	}

	if sharpe >= b.cfg.RecoverSharpe && drawdown <= b.cfg.RecoverDrawdown {
		b.isOpen = false
		log.Info().
			Float64("sharpe", sharpe).
			Float64("drawdown", drawdown).
			Msg("circuit breaker recovered")
	}
}

func (b *breaker) status() BreakerStatus {
	return BreakerStatus{
		Open:      b.isOpen,
		Sharpe:    rollingSharpe(b.returns),
		Drawdown:  rollingDrawdown(b.returns),
		Outcomes:  len(b.returns),
		TrippedAt: b.trippedAt,
		Reason:    b.tripReason,
		Trips:     b.trips,
	}
}

func (b *breaker) snapshot() BreakerState {
	return BreakerState{
		Returns:   append([]float64(nil), b.returns...),
		Open:      b.isOpen,
		TrippedAt: b.trippedAt,
		Reason:    b.tripReason,
		Trips:     b.trips,
	}
}

func (b *breaker) restore(st BreakerState) error {
	for _, r := range st.Returns {
		if math.IsNaN(r) || math.IsInf(r, 0) {
			return fmt.Errorf("restore breaker: non-finite return in window")
		}
	}
	b.returns = append([]float64(nil), st.Returns...)
	if len(b.returns) > b.cfg.Window {
		b.returns = b.returns[len(b.returns)-b.cfg.Window:]
	}
	b.isOpen = st.Open
	b.trippedAt = st.TrippedAt
	b.tripReason = st.Reason
	b.trips = st.Trips
	return nil
}

// rollingSharpe is the per-trade mean over sample standard deviation, with
// no annualization. Degenerate windows report 0.
func rollingSharpe(returns []float64) float64 {
	if len(returns) < 2 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		d := r - mean
		variance += d * d
	}
	variance /= float64(len(returns) - 1)
	if variance < 1e-12 {
		if mean > 0 {
			return 10
		}
		if mean < 0 {
			return -10
		}
		return 0
	}
	return mean / math.Sqrt(variance)
}

// rollingDrawdown is the deepest peak-to-trough drop of the cumulative
// return path across the window.
func rollingDrawdown(returns []float64) float64 {
	peak := 0.0
	cum := 0.0
	maxDD := 0.0
	for _, r := range returns {
		cum += r
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}
