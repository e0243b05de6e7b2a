// Package regime classifies the prevailing market regime from a fixed
// market-feature vector. The classifier is a small hidden-state model with
// per-state Gaussian emissions and a transition prior, overridden by
// deterministic hard rules for tail events, and guarded by hysteresis so a
// single noisy observation never flips the public label.
package regime

// Label is one of the closed set of market regimes the engine conditions on.
type Label string

const (
	BullMomentum  Label = "bull-momentum"
	BearDefensive Label = "bear-defensive"
	Choppy        Label = "choppy"
	Crisis        Label = "crisis"
	ThemeDriven   Label = "theme-driven"
)

// AllLabels returns the regime vocabulary in model-state order.
func AllLabels() []Label {
	return []Label{BullMomentum, BearDefensive, Choppy, Crisis, ThemeDriven}
}

// NumStates is the number of hidden states, one per label.
const NumStates = 5

// Valid reports whether l names a known regime.
func (l Label) Valid() bool {
	return l.Index() >= 0
}

// Index maps a label to its hidden-state index, -1 for unknown labels.
func (l Label) Index() int {
	switch l {
	case BullMomentum:
		return 0
	case BearDefensive:
		return 1
	case Choppy:
		return 2
	case Crisis:
		return 3
	case ThemeDriven:
		return 4
	}
	return -1
}

// LabelAt returns the label for a hidden-state index. Out-of-range indices
// fall back to Choppy, the safe default regime.
func LabelAt(i int) Label {
	labels := AllLabels()
	if i < 0 || i >= len(labels) {
		return Choppy
	}
	return labels[i]
}
