// Package governor enforces deterministic safety limits on top of whatever
// the learned tiers propose. It only ever shrinks or blocks: no code path in
// this package increases a position size. Rules are ordered hard blocks
// first, then caps, so a blocked proposal never reports misleading cap
// constraints.
package governor

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// Config holds the hard limits. Zero values fall back to defaults.
type Config struct {
	// MaxPositionSize caps a single entry as a fraction of equity.
	MaxPositionSize float64 `yaml:"max_position_size" json:"max_position_size"`
	// MaxExposure caps total exposure after the entry would fill.
	MaxExposure float64 `yaml:"max_exposure" json:"max_exposure"`
	// MinPositionSize converts dust entries into skips.
	MinPositionSize float64 `yaml:"min_position_size" json:"min_position_size"`
	// DailyLossLimit blocks new entries once the day's PnL is at or below
	// its negative (0.03 blocks at -3%).
	DailyLossLimit float64 `yaml:"daily_loss_limit" json:"daily_loss_limit"`

	Breaker BreakerConfig `yaml:"breaker" json:"breaker"`
}

// DefaultConfig returns the governor defaults.
func DefaultConfig() Config {
	return Config{
		MaxPositionSize: 0.10,
		MaxExposure:     0.60,
		MinPositionSize: 0.005,
		DailyLossLimit:  0.03,
		Breaker:         DefaultBreakerConfig(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxPositionSize <= 0 {
		c.MaxPositionSize = d.MaxPositionSize
	}
	if c.MaxExposure <= 0 {
		c.MaxExposure = d.MaxExposure
	}
	if c.MinPositionSize <= 0 {
		c.MinPositionSize = d.MinPositionSize
	}
	if c.DailyLossLimit <= 0 {
		c.DailyLossLimit = d.DailyLossLimit
	}
	c.Breaker.applyDefaults()
}

// Constraint records one rule that touched a proposal.
type Constraint struct {
	Name     string `json:"name"`
	Detail   string `json:"detail"`
	Blocking bool   `json:"blocking"`
}

// Verdict is the governed proposal plus everything that was applied to it.
type Verdict struct {
	Proposal    trade.Proposal `json:"proposal"`
	Constraints []Constraint   `json:"constraints,omitempty"`
	Blocked     bool           `json:"blocked"`
}

// Governor applies the limits. Safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	cfg     Config
	breaker *breaker
}

// New builds a governor from cfg.
func New(cfg Config) *Governor {
	cfg.applyDefaults()
	return &Governor{cfg: cfg, breaker: newBreaker(cfg.Breaker)}
}

// Apply runs the limit chain over a proposal. Hold and skip proposals pass
// through untouched; only entries are subject to blocks and caps.
func (g *Governor) Apply(p trade.Proposal, portfolio signal.PortfolioState, label regime.Label) Verdict {
	if p.Action != trade.ActionEnter {
		return Verdict{Proposal: p}
	}
	portfolio = signal.SanitizePortfolio(portfolio)

	g.mu.Lock()
	defer g.mu.Unlock()

	v := Verdict{Proposal: p}

	if block := g.hardBlock(portfolio, label); block != nil {
		v.Constraints = append(v.Constraints, *block)
		v.Proposal = skipped(p)
		v.Blocked = true
		log.Warn().Str("rule", block.Name).Str("detail", block.Detail).Msg("entry blocked")
		return v
	}

	if p.Size > g.cfg.MaxPositionSize {
		v.Constraints = append(v.Constraints, Constraint{
			Name:   "max-position-size",
			Detail: fmt.Sprintf("size %.4f capped to %.4f", p.Size, g.cfg.MaxPositionSize),
		})
		v.Proposal.Size = g.cfg.MaxPositionSize
	}

	headroom := g.cfg.MaxExposure - portfolio.Exposure
	if headroom < 0 {
		headroom = 0
	}
	if v.Proposal.Size > headroom {
		v.Constraints = append(v.Constraints, Constraint{
			Name:   "max-exposure",
			Detail: fmt.Sprintf("size %.4f cut to exposure headroom %.4f", v.Proposal.Size, headroom),
		})
		v.Proposal.Size = headroom
	}

	if v.Proposal.Size < g.cfg.MinPositionSize {
		v.Constraints = append(v.Constraints, Constraint{
			Name:     "min-position-size",
			Detail:   fmt.Sprintf("size %.4f below minimum %.4f", v.Proposal.Size, g.cfg.MinPositionSize),
			Blocking: true,
		})
		v.Proposal = skipped(p)
		v.Blocked = true
	}

	return v
}

// hardBlock returns the first rule that forbids any new entry.
func (g *Governor) hardBlock(portfolio signal.PortfolioState, label regime.Label) *Constraint {
	if g.breaker.open() {
		s := g.breaker.status()
		return &Constraint{
			Name:     "circuit-breaker",
			Detail:   fmt.Sprintf("open since %s (sharpe %.2f, drawdown %.2f)", s.TrippedAt.Format("2006-01-02T15:04:05Z07:00"), s.Sharpe, s.Drawdown),
			Blocking: true,
		}
	}
	if label == regime.Crisis {
		return &Constraint{
			Name:     "crisis-regime",
			Detail:   "no new entries during crisis",
			Blocking: true,
		}
	}
	if portfolio.DailyPnL <= -g.cfg.DailyLossLimit {
		return &Constraint{
			Name:     "daily-loss-limit",
			Detail:   fmt.Sprintf("daily pnl %.4f at or below -%.4f", portfolio.DailyPnL, g.cfg.DailyLossLimit),
			Blocking: true,
		}
	}
	return nil
}

func skipped(p trade.Proposal) trade.Proposal {
	return trade.Proposal{Action: trade.ActionSkip, HoldHours: p.HoldHours}
}

// RecordOutcome feeds a realized outcome into the rolling breaker window.
func (g *Governor) RecordOutcome(o trade.Outcome) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.breaker.record(o.Return)
}

// BreakerStatus reports the breaker for diagnostics.
func (g *Governor) BreakerStatus() BreakerStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breaker.status()
}

// State is the persistable governor state: the breaker window and trip flag.
type State struct {
	Breaker BreakerState `json:"breaker"`
}

// SnapshotState captures the breaker for persistence.
func (g *Governor) SnapshotState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return State{Breaker: g.breaker.snapshot()}
}

// RestoreState replaces the breaker window; a tripped breaker survives
// restart so a crash cannot be used to dodge it.
func (g *Governor) RestoreState(st State) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.breaker.restore(st.Breaker)
}
