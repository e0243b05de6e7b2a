package engine

import (
	"sync"
	"time"

	"github.com/kestrelquant/adaptengine/internal/bandit"
	"github.com/kestrelquant/adaptengine/internal/ensemble"
	"github.com/kestrelquant/adaptengine/internal/governor"
	"github.com/kestrelquant/adaptengine/internal/regime"
	"github.com/kestrelquant/adaptengine/internal/signal"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

// DecideRequest is one candidate opportunity from the scan pipeline. Scores
// and features arrive raw; the engine sanitizes before anything reads them.
type DecideRequest struct {
	Symbol    string                       `json:"symbol"`
	Scores    map[signal.Component]float64 `json:"scores"`
	Features  signal.MarketFeatures        `json:"features"`
	Portfolio signal.PortfolioState        `json:"portfolio"`
}

// Decision is the immutable record returned by Decide. Everything the
// learning tiers will need for credit assignment is captured here at
// decision time, not reconstructed later.
type Decision struct {
	ID     string       `json:"id"`
	At     time.Time    `json:"at"`
	Symbol string       `json:"symbol"`
	Action trade.Action `json:"action"`

	Size           float64 `json:"size"`
	StopDistance   float64 `json:"stop_distance"`
	TargetDistance float64 `json:"target_distance"`
	HoldHours      float64 `json:"hold_hours"`

	Composite  float64 `json:"composite"`
	Confidence float64 `json:"confidence"`
	Threshold  float64 `json:"threshold"`

	Regime  regime.Snapshot     `json:"regime"`
	Weights bandit.WeightVector `json:"weights"`
	Scores  signal.ScoreSet     `json:"scores"`

	Adjustment  ensemble.Adjustment   `json:"adjustment"`
	Constraints []governor.Constraint `json:"constraints,omitempty"`
	Blocked     bool                  `json:"blocked"`
	ColdStart   bool                  `json:"cold_start,omitempty"`
}

// journalEntry pairs a decision with its learning status.
type journalEntry struct {
	decision Decision
	learned  bool
}

// journal is the bounded in-memory decision ring. The store keeps full
// history; this exists so LearnFromOutcome and the HTTP surface never need
// a read round-trip on the hot path. It carries its own lock because Decide
// appends under the engine's shared read lock.
type journal struct {
	mu      sync.Mutex
	entries map[string]*journalEntry
	order   []string
	cap     int
}

func newJournal(capacity int) *journal {
	if capacity <= 0 {
		capacity = 4096
	}
	return &journal{
		entries: make(map[string]*journalEntry, capacity),
		cap:     capacity,
	}
}

func (j *journal) add(d Decision) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.order) >= j.cap {
		oldest := j.order[0]
		j.order = j.order[1:]
		delete(j.entries, oldest)
	}
	j.entries[d.ID] = &journalEntry{decision: d}
	j.order = append(j.order, d.ID)
}

func (j *journal) lookup(id string) (*journalEntry, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	e, ok := j.entries[id]
	return e, ok
}

// recent returns up to n decisions, newest first.
func (j *journal) recent(n int) []Decision {
	j.mu.Lock()
	defer j.mu.Unlock()
	if n <= 0 || n > len(j.order) {
		n = len(j.order)
	}
	out := make([]Decision, 0, n)
	for i := len(j.order) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, j.entries[j.order[i]].decision)
	}
	return out
}

func (j *journal) size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.order)
}
