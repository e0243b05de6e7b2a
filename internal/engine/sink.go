package engine

import (
	"context"

	"github.com/kestrelquant/adaptengine/internal/store"
)

// Sink is the narrow persistence surface the engine writes through. The
// enqueue methods must never block; *store.Persister satisfies this.
type Sink interface {
	EnqueueDecision(rec store.DecisionRecord)
	EnqueueOutcome(rec store.OutcomeRecord)
	EnqueueState(section string, payload []byte)
	SaveState(ctx context.Context, section string, payload []byte) error
}

// noopSink keeps the engine runnable with persistence disabled.
type noopSink struct{}

func (noopSink) EnqueueDecision(store.DecisionRecord) {}
func (noopSink) EnqueueOutcome(store.OutcomeRecord)   {}
func (noopSink) EnqueueState(string, []byte)          {}
func (noopSink) SaveState(context.Context, string, []byte) error {
	return nil
}
