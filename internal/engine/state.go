package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/bandit"
	"github.com/kestrelquant/adaptengine/internal/control"
	"github.com/kestrelquant/adaptengine/internal/ensemble"
	"github.com/kestrelquant/adaptengine/internal/governor"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/store"
)

// Persisted state sections. Each tier serializes independently so a corrupt
// section costs that tier's memory, not the whole engine's.
const (
	SectionBandit   = "bandit"
	SectionRegime   = "regime"
	SectionControl  = "control"
	SectionEnsemble = "ensemble"
	SectionGovernor = "governor"
)

// StateSource reads persisted sections; store.Store satisfies it.
type StateSource interface {
	LoadState(ctx context.Context, section string) ([]byte, error)
}

// State is the full engine snapshot, used by tests and the simulator.
// Control and Ensemble are nil when their tiers are disabled.
type State struct {
	Bandit   bandit.State    `json:"bandit"`
	Regime   regime.State    `json:"regime"`
	Control  *control.State  `json:"control,omitempty"`
	Ensemble *ensemble.State `json:"ensemble,omitempty"`
	Governor governor.State  `json:"governor"`
	SavedAt  time.Time       `json:"saved_at"`
}

type persistentPolicy interface {
	SnapshotState() control.State
	RestoreState(control.State) error
}

// SnapshotState captures every tier under the writer lock so the sections
// are mutually consistent.
func (e *Engine) SnapshotState() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() State {
	st := State{
		Bandit:   e.weights.SnapshotState(),
		Regime:   e.classifier.SnapshotState(),
		Governor: e.guard.SnapshotState(),
		SavedAt:  time.Now().UTC(),
	}
	if p, ok := e.policy.(persistentPolicy); ok {
		cs := p.SnapshotState()
		st.Control = &cs
	}
	if e.meta != nil {
		es := e.meta.SnapshotState()
		st.Ensemble = &es
	}
	return st
}

// RestoreState replaces tier state from a snapshot. Each tier validates its
// own section; the first rejection aborts the remainder.
func (e *Engine) RestoreState(st State) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.weights.RestoreState(st.Bandit); err != nil {
		return fmt.Errorf("restore bandit: %w", err)
	}
	if err := e.classifier.RestoreState(st.Regime); err != nil {
		return fmt.Errorf("restore regime: %w", err)
	}
	if st.Control != nil {
		if p, ok := e.policy.(persistentPolicy); ok {
			if err := p.RestoreState(*st.Control); err != nil {
				return fmt.Errorf("restore control: %w", err)
			}
		}
	}
	if st.Ensemble != nil && e.meta != nil {
		if err := e.meta.RestoreState(*st.Ensemble); err != nil {
			return fmt.Errorf("restore ensemble: %w", err)
		}
	}
	if err := e.guard.RestoreState(st.Governor); err != nil {
		return fmt.Errorf("restore governor: %w", err)
	}

	e.obsMu.Lock()
	e.lastRegime = e.classifier.Current().Label
	e.breakerOpen = e.guard.BreakerStatus().Open
	e.obsMu.Unlock()
	return nil
}

// stateSections marshals every tier for the section-per-record layout.
func (e *Engine) stateSections() (map[string][]byte, error) {
	e.mu.Lock()
	st := e.snapshotLocked()
	e.dirty = false
	e.mu.Unlock()

	sections := map[string]interface{}{
		SectionBandit:   st.Bandit,
		SectionRegime:   st.Regime,
		SectionGovernor: st.Governor,
	}
	if st.Control != nil {
		sections[SectionControl] = st.Control
	}
	if st.Ensemble != nil {
		sections[SectionEnsemble] = st.Ensemble
	}

	out := make(map[string][]byte, len(sections))
	for name, v := range sections {
		payload, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal %s state: %w", name, err)
		}
		out[name] = payload
	}
	return out, nil
}

// FlushState writes every section synchronously through the sink. Used on
// shutdown, where losing the write matters.
func (e *Engine) FlushState(ctx context.Context) error {
	sections, err := e.stateSections()
	if err != nil {
		return err
	}
	for name, payload := range sections {
		if err := e.sink.SaveState(ctx, name, payload); err != nil {
			return err
		}
	}
	log.Info().Int("sections", len(sections)).Msg("engine state flushed")
	return nil
}

// FlushStateAsync enqueues every section on the persistence queue. Used on
// the periodic cadence.
func (e *Engine) FlushStateAsync() {
	sections, err := e.stateSections()
	if err != nil {
		log.Error().Err(err).Msg("state snapshot failed, skipping flush")
		return
	}
	for name, payload := range sections {
		e.sink.EnqueueState(name, payload)
	}
}

// Dirty reports whether learning state changed since the last flush.
func (e *Engine) Dirty() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dirty
}

// LoadState restores every persisted section found in src. Missing sections
// are a fresh start, not an error; a corrupt section aborts the load so the
// operator sees it instead of silently learning from scratch.
func (e *Engine) LoadState(ctx context.Context, src StateSource) error {
	restored := 0

	var banditState bandit.State
	found, err := loadSection(ctx, src, SectionBandit, &banditState)
	if err != nil {
		return err
	}
	if found {
		e.mu.Lock()
		err = e.weights.RestoreState(banditState)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore bandit: %w", err)
		}
		restored++
	}

	var regimeState regime.State
	found, err = loadSection(ctx, src, SectionRegime, &regimeState)
	if err != nil {
		return err
	}
	if found {
		e.mu.Lock()
		err = e.classifier.RestoreState(regimeState)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore regime: %w", err)
		}
		restored++
	}

	if p, ok := e.policy.(persistentPolicy); ok {
		var controlState control.State
		found, err = loadSection(ctx, src, SectionControl, &controlState)
		if err != nil {
			return err
		}
		if found {
			e.mu.Lock()
			err = p.RestoreState(controlState)
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("restore control: %w", err)
			}
			restored++
		}
	}

	if e.meta != nil {
		var ensembleState ensemble.State
		found, err = loadSection(ctx, src, SectionEnsemble, &ensembleState)
		if err != nil {
			return err
		}
		if found {
			e.mu.Lock()
			err = e.meta.RestoreState(ensembleState)
			e.mu.Unlock()
			if err != nil {
				return fmt.Errorf("restore ensemble: %w", err)
			}
			restored++
		}
	}

	var governorState governor.State
	found, err = loadSection(ctx, src, SectionGovernor, &governorState)
	if err != nil {
		return err
	}
	if found {
		e.mu.Lock()
		err = e.guard.RestoreState(governorState)
		e.mu.Unlock()
		if err != nil {
			return fmt.Errorf("restore governor: %w", err)
		}
		restored++
	}

	e.obsMu.Lock()
	e.lastRegime = e.classifier.Current().Label
	e.breakerOpen = e.guard.BreakerStatus().Open
	e.obsMu.Unlock()

	log.Info().Int("sections", restored).Msg("engine state loaded")
	return nil
}

func loadSection(ctx context.Context, src StateSource, name string, dst interface{}) (bool, error) {
	payload, err := src.LoadState(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load %s state: %w", name, err)
	}
	if err := json.Unmarshal(payload, dst); err != nil {
		return false, fmt.Errorf("decode %s state: %w", name, err)
	}
	return true, nil
}
