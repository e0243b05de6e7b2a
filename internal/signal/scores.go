package signal

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

// Component identifies one score-producing input of the decision pipeline.
// The vocabulary is closed: scores arriving under any other name are dropped
// with a warning rather than learned from.
type Component string

const (
	ComponentTheme             Component = "theme"
	ComponentTechnical         Component = "technical"
	ComponentModelConfidence   Component = "model-confidence"
	ComponentSentiment         Component = "sentiment"
	ComponentEarnings          Component = "earnings"
	ComponentInstitutionalFlow Component = "institutional-flow"
)

// NeutralScore is the value substituted for missing or malformed components.
const NeutralScore = 0.5

// staleDamp pulls a stale component's effective value toward neutral so that
// absent inputs cannot swing the composite.
const staleDamp = 0.5

// Components returns the closed component vocabulary in stable order.
func Components() []Component {
	return []Component{
		ComponentTheme,
		ComponentTechnical,
		ComponentModelConfidence,
		ComponentSentiment,
		ComponentEarnings,
		ComponentInstitutionalFlow,
	}
}

// IsKnownComponent reports whether name belongs to the closed vocabulary.
func IsKnownComponent(name Component) bool {
	switch name {
	case ComponentTheme, ComponentTechnical, ComponentModelConfidence,
		ComponentSentiment, ComponentEarnings, ComponentInstitutionalFlow:
		return true
	}
	return false
}

// Score is a single component reading in [0,1]. Stale marks values that were
// substituted or clamped; stale scores contribute at reduced weight and are
// excluded from posterior updates.
type Score struct {
	Value float64 `json:"value"`
	Stale bool    `json:"stale,omitempty"`
}

// Effective returns the value used in composites: stale scores are damped
// toward neutral so a dead feed cannot dominate a decision.
func (s Score) Effective() float64 {
	if !s.Stale {
		return s.Value
	}
	return NeutralScore + (s.Value-NeutralScore)*staleDamp
}

// ScoreSet maps every known component to its current reading. A ScoreSet
// produced by Sanitize always contains exactly the closed vocabulary.
type ScoreSet map[Component]Score

// NeutralScoreSet returns a set with every component at neutral and stale.
func NeutralScoreSet() ScoreSet {
	set := make(ScoreSet, len(Components()))
	for _, c := range Components() {
		set[c] = Score{Value: NeutralScore, Stale: true}
	}
	return set
}

// Sanitize converts raw per-component values into a complete ScoreSet.
// Unknown component names are dropped with a warning. Missing components are
// filled with a neutral, stale score. Out-of-range or non-finite values are
// clamped into [0,1] and marked stale. Sanitize never fails: a defective
// input degrades the set, it does not block a decision.
func Sanitize(raw map[Component]float64) ScoreSet {
	set := NeutralScoreSet()
	for name, value := range raw {
		if !IsKnownComponent(name) {
			log.Warn().Str("component", string(name)).Msg("dropping unknown score component")
			continue
		}
		switch {
		case math.IsNaN(value) || math.IsInf(value, 0):
			log.Warn().Str("component", string(name)).Msg("non-finite score, substituting neutral")
			set[name] = Score{Value: NeutralScore, Stale: true}
		case value < 0:
			set[name] = Score{Value: 0, Stale: true}
		case value > 1:
			set[name] = Score{Value: 1, Stale: true}
		default:
			set[name] = Score{Value: value}
		}
	}
	return set
}

// Clone returns an independent copy of the set.
func (s ScoreSet) Clone() ScoreSet {
	out := make(ScoreSet, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Fresh returns the components carrying a live (non-stale) reading.
func (s ScoreSet) Fresh() []Component {
	var fresh []Component
	for _, c := range Components() {
		if sc, ok := s[c]; ok && !sc.Stale {
			fresh = append(fresh, c)
		}
	}
	return fresh
}

// SortedNames returns the set's component names in stable order, for logging
// and deterministic serialization.
func (s ScoreSet) SortedNames() []string {
	names := make([]string, 0, len(s))
	for c := range s {
		names = append(names, string(c))
	}
	sort.Strings(names)
	return names
}
