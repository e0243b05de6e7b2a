// Package store persists engine state sections and the decision/outcome
// journal. Three backends share one interface: sqlite for the default
// single-node deployment, postgres for shared installations, and an
// in-memory store for tests and ephemeral runs.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a state section or record does not exist.
var ErrNotFound = errors.New("store: not found")

// DecisionRecord is one journaled decision. Payload carries the full
// decision document as JSON; the indexed columns exist for querying.
type DecisionRecord struct {
	ID      string    `db:"id" json:"id"`
	At      time.Time `db:"at" json:"at"`
	Symbol  string    `db:"symbol" json:"symbol"`
	Regime  string    `db:"regime" json:"regime"`
	Action  string    `db:"action" json:"action"`
	Payload []byte    `db:"payload" json:"payload"`
}

// OutcomeRecord is one realized trade outcome keyed by its decision.
type OutcomeRecord struct {
	DecisionID string    `db:"decision_id" json:"decision_id"`
	ClosedAt   time.Time `db:"closed_at" json:"closed_at"`
	Return     float64   `db:"ret" json:"return"`
	Payload    []byte    `db:"payload" json:"payload"`
}

// Store is the persistence contract shared by all backends.
type Store interface {
	// SaveState upserts one engine state section.
	SaveState(ctx context.Context, section string, payload []byte) error
	// LoadState reads one section, ErrNotFound when absent.
	LoadState(ctx context.Context, section string) ([]byte, error)
	// SaveDecision journals a decision.
	SaveDecision(ctx context.Context, rec DecisionRecord) error
	// SaveOutcome journals an outcome.
	SaveOutcome(ctx context.Context, rec OutcomeRecord) error
	// RecentDecisions returns up to limit decisions, newest first.
	RecentDecisions(ctx context.Context, limit int) ([]DecisionRecord, error)
	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error
	// Close releases the backend.
	Close() error
}
