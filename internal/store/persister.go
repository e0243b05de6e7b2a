package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// PersisterConfig tunes the async write-behind queue in front of a Store.
type PersisterConfig struct {
	// QueueSize bounds the in-flight job channel; a full queue drops the
	// oldest job rather than blocking the decision path.
	QueueSize int `yaml:"queue_size" json:"queue_size"`
	// RetryLimit bounds how many failed jobs wait for the breaker to close.
	RetryLimit int `yaml:"retry_limit" json:"retry_limit"`
	// WriteTimeout caps each backend call.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// BreakerTimeout is how long an open breaker waits before probing.
	BreakerTimeout time.Duration `yaml:"breaker_timeout" json:"breaker_timeout"`
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32 `yaml:"consecutive_failures" json:"consecutive_failures"`
}

// DefaultPersisterConfig returns the write-behind defaults.
func DefaultPersisterConfig() PersisterConfig {
	return PersisterConfig{
		QueueSize:           1024,
		RetryLimit:          256,
		WriteTimeout:        5 * time.Second,
		BreakerTimeout:      30 * time.Second,
		ConsecutiveFailures: 5,
	}
}

func (c *PersisterConfig) applyDefaults() {
	d := DefaultPersisterConfig()
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.RetryLimit <= 0 {
		c.RetryLimit = d.RetryLimit
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.BreakerTimeout <= 0 {
		c.BreakerTimeout = d.BreakerTimeout
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = d.ConsecutiveFailures
	}
}

type jobKind int

const (
	jobDecision jobKind = iota
	jobOutcome
	jobState
)

type job struct {
	kind     jobKind
	decision DecisionRecord
	outcome  OutcomeRecord
	section  string
	payload  []byte
}

// Persister is the write-behind layer between the engine and a Store. The
// decision hot path only ever enqueues; one worker goroutine drains the
// queue through a circuit breaker so a dead backend cannot stall decisions.
type Persister struct {
	store Store
	cfg   PersisterConfig
	cb    *gobreaker.CircuitBreaker

	jobs chan job
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	retry   []job
	dropped int64
}

// NewPersister wraps a Store and starts the worker.
func NewPersister(s Store, cfg PersisterConfig) *Persister {
	cfg.applyDefaults()
	p := &Persister{
		store: s,
		cfg:   cfg,
		jobs:  make(chan job, cfg.QueueSize),
		done:  make(chan struct{}),
	}
	p.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "engine-store",
		Timeout: cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("store breaker state changed")
		},
	})
	p.wg.Add(1)
	go p.run()
	return p
}

// EnqueueDecision queues a decision record, dropping the oldest queued job
// if the channel is full.
func (p *Persister) EnqueueDecision(rec DecisionRecord) {
	p.enqueue(job{kind: jobDecision, decision: rec})
}

// EnqueueOutcome queues an outcome record.
func (p *Persister) EnqueueOutcome(rec OutcomeRecord) {
	p.enqueue(job{kind: jobOutcome, outcome: rec})
}

// EnqueueState queues a state-section upsert.
func (p *Persister) EnqueueState(section string, payload []byte) {
	p.enqueue(job{kind: jobState, section: section, payload: append([]byte(nil), payload...)})
}

func (p *Persister) enqueue(j job) {
	for {
		select {
		case p.jobs <- j:
			return
		default:
		}
		select {
		case old := <-p.jobs:
			p.mu.Lock()
			p.dropped++
			n := p.dropped
			p.mu.Unlock()
			log.Warn().Int("kind", int(old.kind)).Int64("dropped_total", n).
				Msg("persist queue full, dropping oldest job")
		default:
		}
	}
}

// SaveState writes a section synchronously through the breaker; used by
// shutdown flushes where losing the write matters.
func (p *Persister) SaveState(ctx context.Context, section string, payload []byte) error {
	_, err := p.cb.Execute(func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()
		return nil, p.store.SaveState(cctx, section, payload)
	})
	if err != nil {
		return fmt.Errorf("save state %s: %w", section, err)
	}
	return nil
}

func (p *Persister) run() {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case j := <-p.jobs:
			p.process(j)
		case <-ticker.C:
			p.drainRetries()
		case <-p.done:
			for {
				select {
				case j := <-p.jobs:
					p.process(j)
				default:
					p.drainRetries()
					return
				}
			}
		}
	}
}

func (p *Persister) process(j job) {
	_, err := p.cb.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
		defer cancel()
		switch j.kind {
		case jobDecision:
			return nil, p.store.SaveDecision(ctx, j.decision)
		case jobOutcome:
			return nil, p.store.SaveOutcome(ctx, j.outcome)
		default:
			return nil, p.store.SaveState(ctx, j.section, j.payload)
		}
	})
	if err == nil {
		return
	}

	p.mu.Lock()
	if len(p.retry) < p.cfg.RetryLimit {
		p.retry = append(p.retry, j)
	} else {
		p.dropped++
	}
	n := p.dropped
	pending := len(p.retry)
	p.mu.Unlock()
	log.Error().Err(err).Int("retry_pending", pending).Int64("dropped_total", n).
		Msg("persist job failed")
}

func (p *Persister) drainRetries() {
	p.mu.Lock()
	pending := p.retry
	p.retry = nil
	p.mu.Unlock()

	for i, j := range pending {
		_, err := p.cb.Execute(func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
			defer cancel()
			switch j.kind {
			case jobDecision:
				return nil, p.store.SaveDecision(ctx, j.decision)
			case jobOutcome:
				return nil, p.store.SaveOutcome(ctx, j.outcome)
			default:
				return nil, p.store.SaveState(ctx, j.section, j.payload)
			}
		})
		if err != nil {
			// Backend still down; requeue the remainder and stop probing.
			p.mu.Lock()
			p.retry = append(pending[i:], p.retry...)
			if len(p.retry) > p.cfg.RetryLimit {
				p.dropped += int64(len(p.retry) - p.cfg.RetryLimit)
				p.retry = p.retry[:p.cfg.RetryLimit]
			}
			p.mu.Unlock()
			return
		}
	}
}

// Dropped reports how many jobs were lost to a full queue or a dead backend.
func (p *Persister) Dropped() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// BreakerState exposes the breaker for diagnostics.
func (p *Persister) BreakerState() string {
	return p.cb.State().String()
}

// Close drains outstanding jobs and stops the worker. The underlying store
// is not closed; the caller owns it.
func (p *Persister) Close() {
	close(p.done)
	p.wg.Wait()
}
