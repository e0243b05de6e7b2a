// Package trade holds the action vocabulary shared by every decision tier:
// what the engine may do with an opportunity, the numeric proposal attached
// to an entry, and the realized outcome fed back for learning.
package trade

import (
	"fmt"
	"time"
)

// Action is the tri-state decision on a candidate opportunity.
type Action string

const (
	ActionEnter Action = "enter"
	ActionHold  Action = "hold"
	ActionSkip  Action = "skip"
)

// Valid reports whether a is one of the three known actions.
func (a Action) Valid() bool {
	return a == ActionEnter || a == ActionHold || a == ActionSkip
}

// Proposal carries the continuous control outputs attached to a decision:
// how much to risk and where to place the exits. Distances are fractions of
// entry price (0.03 = 3%).
type Proposal struct {
	Action         Action  `json:"action"`
	Size           float64 `json:"size"`            // position fraction of equity
	StopDistance   float64 `json:"stop_distance"`   // stop-loss distance
	TargetDistance float64 `json:"target_distance"` // profit-target distance
	HoldHours      float64 `json:"hold_hours"`      // target holding duration
}

// Validate checks the numeric fields are sane for an entering proposal.
func (p Proposal) Validate() error {
	if !p.Action.Valid() {
		return fmt.Errorf("invalid action %q", p.Action)
	}
	if p.Action != ActionEnter {
		return nil
	}
	if p.Size < 0 || p.Size > 1 {
		return fmt.Errorf("size %.4f outside [0,1]", p.Size)
	}
	if p.StopDistance <= 0 {
		return fmt.Errorf("stop distance %.4f must be positive", p.StopDistance)
	}
	if p.TargetDistance <= 0 {
		return fmt.Errorf("target distance %.4f must be positive", p.TargetDistance)
	}
	if p.HoldHours <= 0 {
		return fmt.Errorf("hold hours %.2f must be positive", p.HoldHours)
	}
	return nil
}

// Outcome is the realized result of a closed position, reported by the
// external execution tracker and keyed back to the originating decision.
type Outcome struct {
	DecisionID   string    `json:"decision_id"`
	Return       float64   `json:"return"`        // realized fractional return
	HoldingHours float64   `json:"holding_hours"` // actual holding duration
	// MaxAdverseExcursion is the worst unrealized drawdown seen while the
	// position was open, as a positive fraction. Zero when the tracker
	// cannot supply it.
	MaxAdverseExcursion float64   `json:"max_adverse_excursion"`
	ClosedAt            time.Time `json:"closed_at"`
}

// Win reports whether the outcome counts as a winning trade.
func (o Outcome) Win() bool {
	return o.Return > 0
}
