package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

var errClosed = errors.New("store: closed")

// Memory is the in-process store used by tests and by deployments that opt
// out of durability. Decisions are bounded so a long-running ephemeral
// engine cannot grow without limit.
type Memory struct {
	mu        sync.RWMutex
	state     map[string][]byte
	decisions []DecisionRecord
	outcomes  map[string]OutcomeRecord
	maxRows   int
	closed    bool
}

const defaultMemoryRows = 4096

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		state:    make(map[string][]byte),
		outcomes: make(map[string]OutcomeRecord),
		maxRows:  defaultMemoryRows,
	}
}

func (m *Memory) SaveState(_ context.Context, section string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[section] = append([]byte(nil), payload...)
	return nil
}

func (m *Memory) LoadState(_ context.Context, section string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	payload, ok := m.state[section]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), payload...), nil
}

func (m *Memory) SaveDecision(_ context.Context, rec DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decisions = append(m.decisions, rec)
	if len(m.decisions) > m.maxRows {
		m.decisions = m.decisions[len(m.decisions)-m.maxRows:]
	}
	return nil
}

func (m *Memory) SaveOutcome(_ context.Context, rec OutcomeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes[rec.DecisionID] = rec
	return nil
}

func (m *Memory) RecentDecisions(_ context.Context, limit int) ([]DecisionRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]DecisionRecord(nil), m.decisions...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Outcome reads one stored outcome, for tests.
func (m *Memory) Outcome(decisionID string) (OutcomeRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.outcomes[decisionID]
	return rec, ok
}

func (m *Memory) HealthCheck(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
