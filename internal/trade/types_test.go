package trade

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProposalValidate(t *testing.T) {
	valid := Proposal{Action: ActionEnter, Size: 0.05, StopDistance: 0.02, TargetDistance: 0.04, HoldHours: 8}

	tests := []struct {
		name    string
		mutate  func(*Proposal)
		wantErr bool
	}{
		{"valid entry", func(*Proposal) {}, false},
		{"unknown action", func(p *Proposal) { p.Action = "yolo" }, true},
		{"negative size", func(p *Proposal) { p.Size = -0.01 }, true},
		{"size above one", func(p *Proposal) { p.Size = 1.5 }, true},
		{"zero stop", func(p *Proposal) { p.StopDistance = 0 }, true},
		{"zero target", func(p *Proposal) { p.TargetDistance = 0 }, true},
		{"zero hold", func(p *Proposal) { p.HoldHours = 0 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid
			tt.mutate(&p)
			err := p.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNonEntryProposalsSkipNumericChecks(t *testing.T) {
	// Hold and skip proposals carry zeroed numbers by construction.
	assert.NoError(t, Proposal{Action: ActionHold}.Validate())
	assert.NoError(t, Proposal{Action: ActionSkip}.Validate())
}

func TestOutcomeWin(t *testing.T) {
	assert.True(t, Outcome{Return: 0.012}.Win())
	assert.False(t, Outcome{Return: 0}.Win())
	assert.False(t, Outcome{Return: -0.03}.Win())
}
