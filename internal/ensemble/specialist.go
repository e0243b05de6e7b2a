// Package ensemble blends a small set of specialist risk profiles into one
// adjustment applied on top of the control policy's proposal. A fast loop
// tracks how each specialist's counterfactual sizing would have fared per
// regime; a slow loop shifts the per-regime meta-weights toward the
// specialists that keep winning there.
package ensemble

import (
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// Specialist is one fixed risk profile. Multipliers scale the policy
// proposal; ThresholdShift moves the engine's entry gate.
type Specialist struct {
	Name             string  `json:"name"`
	SizeMultiplier   float64 `json:"size_multiplier"`
	ThresholdShift   float64 `json:"threshold_shift"`
	StopMultiplier   float64 `json:"stop_multiplier"`
	TargetMultiplier float64 `json:"target_multiplier"`
}

// DefaultSpecialists returns the three stock profiles. Order is stable; the
// meta-weight vectors index into it.
func DefaultSpecialists() []Specialist {
	return []Specialist{
		{Name: "conservative", SizeMultiplier: 0.6, ThresholdShift: 0.05, StopMultiplier: 0.8, TargetMultiplier: 0.8},
		{Name: "balanced", SizeMultiplier: 1.0, ThresholdShift: 0.0, StopMultiplier: 1.0, TargetMultiplier: 1.0},
		{Name: "aggressive", SizeMultiplier: 1.4, ThresholdShift: -0.03, StopMultiplier: 1.2, TargetMultiplier: 1.2},
	}
}

// Adjustment is the blended profile the engine applies to a proposal.
type Adjustment struct {
	SizeMultiplier   float64 `json:"size_multiplier"`
	ThresholdShift   float64 `json:"threshold_shift"`
	StopMultiplier   float64 `json:"stop_multiplier"`
	TargetMultiplier float64 `json:"target_multiplier"`
	// Source is "learned" when enough specialists have evidence in the
	// regime, otherwise "uniform".
	Source string `json:"source"`
}

// Apply scales an entry proposal by the adjustment. Non-entries pass through
// untouched, and the scaled size is clamped so the proposal stays valid.
func (a Adjustment) Apply(p trade.Proposal) trade.Proposal {
	if p.Action != trade.ActionEnter {
		return p
	}
	p.Size = clamp01(p.Size * a.SizeMultiplier)
	p.StopDistance *= a.StopMultiplier
	p.TargetDistance *= a.TargetMultiplier
	return p
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// uniformAdjustment is the equal-weight blend of the given specialists.
func uniformAdjustment(specs []Specialist) Adjustment {
	adj := Adjustment{Source: "uniform"}
	if len(specs) == 0 {
		return Adjustment{SizeMultiplier: 1, StopMultiplier: 1, TargetMultiplier: 1, Source: "uniform"}
	}
	inv := 1.0 / float64(len(specs))
	for _, s := range specs {
		adj.SizeMultiplier += s.SizeMultiplier * inv
		adj.ThresholdShift += s.ThresholdShift * inv
		adj.StopMultiplier += s.StopMultiplier * inv
		adj.TargetMultiplier += s.TargetMultiplier * inv
	}
	return adj
}
