// Package sched drives the engine's periodic maintenance: regime
// re-estimation, policy training, ensemble rebalancing, and state
// flushes. Learning from outcomes is event-driven and never waits on
// this loop.
package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kestrelquant/adaptengine/internal/config"
	"github.com/kestrelquant/adaptengine/internal/control"
	"github.com/kestrelquant/adaptengine/internal/engine"
)

// Job names, also the keys of Status.Jobs.
const (
	JobRegime    = "regime.reestimate"
	JobTrain     = "policy.train"
	JobRebalance = "ensemble.rebalance"
	JobFlush     = "state.flush"
)

// Engine is the slice of engine behavior the scheduler drives.
type Engine interface {
	ReestimateRegime() error
	TrainPolicy() (control.TrainReport, error)
	RebalanceEnsemble()
	FlushState(ctx context.Context) error
	Dirty() bool
	Diagnostics() engine.Diagnostics
}

// JobResult records the last run of one job.
type JobResult struct {
	Name     string        `json:"name"`
	At       time.Time     `json:"at"`
	Duration time.Duration `json:"duration"`
	Skipped  bool          `json:"skipped"`
	Error    string        `json:"error,omitempty"`
}

// Status is the scheduler's reporting snapshot.
type Status struct {
	Running bool                 `json:"running"`
	Uptime  time.Duration        `json:"uptime"`
	Jobs    map[string]JobResult `json:"jobs"`
}

type job struct {
	name     string
	interval time.Duration
	lastRun  time.Time
	run      func(context.Context) (skipped bool, err error)
}

// Scheduler owns the maintenance loop for one engine.
type Scheduler struct {
	cfg config.SchedConfig
	eng Engine

	mu      sync.Mutex
	jobs    []*job
	results map[string]JobResult
	running bool
	started time.Time
}

// New builds a scheduler over the engine. Start must be called to run it.
func New(cfg config.SchedConfig, eng Engine) *Scheduler {
	s := &Scheduler{
		cfg:     cfg,
		eng:     eng,
		results: make(map[string]JobResult),
	}
	s.jobs = []*job{
		{name: JobRegime, interval: cfg.RegimeInterval, run: s.runRegime},
		{name: JobTrain, interval: cfg.TrainInterval, run: s.runTrain},
		{name: JobRebalance, interval: cfg.RebalanceInterval, run: s.runRebalance},
		{name: JobFlush, interval: cfg.FlushInterval, run: s.runFlush},
	}
	return s
}

// Start runs the loop until the context is cancelled. Intervals are
// measured from each job's previous completion, so a slow run delays
// the next one instead of stacking.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.running = true
	s.started = time.Now()
	now := s.started
	for _, j := range s.jobs {
		j.lastRun = now
	}
	s.mu.Unlock()

	log.Info().
		Dur("regime", s.cfg.RegimeInterval).
		Dur("train", s.cfg.TrainInterval).
		Dur("rebalance", s.cfg.RebalanceInterval).
		Dur("flush", s.cfg.FlushInterval).
		Msg("scheduler starting")

	ticker := time.NewTicker(s.tick())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

// tick is a quarter of the shortest job interval, clamped to keep the
// loop cheap at rest and responsive in tests.
func (s *Scheduler) tick() time.Duration {
	min := s.jobs[0].interval
	for _, j := range s.jobs[1:] {
		if j.interval < min {
			min = j.interval
		}
	}
	tick := min / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	if tick > 10*time.Second {
		tick = 10 * time.Second
	}
	return tick
}

func (s *Scheduler) runDue(ctx context.Context) {
	now := time.Now()
	var due []*job
	s.mu.Lock()
	for _, j := range s.jobs {
		if now.Sub(j.lastRun) >= j.interval {
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		s.execute(ctx, j)
	}
}

func (s *Scheduler) execute(ctx context.Context, j *job) {
	start := time.Now()
	skipped, err := j.run(ctx)
	result := JobResult{
		Name:     j.name,
		At:       start,
		Duration: time.Since(start),
		Skipped:  skipped,
	}
	if err != nil {
		result.Error = err.Error()
		log.Error().Err(err).Str("job", j.name).Msg("maintenance job failed")
	}

	s.mu.Lock()
	j.lastRun = time.Now()
	s.results[j.name] = result
	s.mu.Unlock()
}

// RunJob forces one named job immediately, outside its cadence.
func (s *Scheduler) RunJob(ctx context.Context, name string) (JobResult, error) {
	for _, j := range s.jobs {
		if j.name == name {
			s.execute(ctx, j)
			s.mu.Lock()
			result := s.results[name]
			s.mu.Unlock()
			return result, nil
		}
	}
	return JobResult{}, fmt.Errorf("sched: unknown job %q", name)
}

// Status reports the loop state and each job's last result.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running,
		Jobs:    make(map[string]JobResult, len(s.results)),
	}
	if s.running {
		st.Uptime = time.Since(s.started)
	}
	for name, r := range s.results {
		st.Jobs[name] = r
	}
	return st
}

// runRegime re-fits the hidden-state model once enough observations are
// buffered. The classifier also guards its own minimum internally.
func (s *Scheduler) runRegime(context.Context) (bool, error) {
	if s.eng.Diagnostics().RegimeWindow < s.cfg.RegimeMinSamples {
		return true, nil
	}
	return false, s.eng.ReestimateRegime()
}

// runTrain asks the policy to train. The policy self-gates on its
// episode batch, so a run that found too few episodes counts as skipped.
func (s *Scheduler) runTrain(context.Context) (bool, error) {
	report, err := s.eng.TrainPolicy()
	if err != nil {
		return false, err
	}
	if !report.Trained {
		return true, nil
	}
	log.Debug().
		Int("episodes", report.Episodes).
		Float64("policy_loss", report.PolicyLoss).
		Float64("entropy", report.Entropy).
		Msg("policy trained")
	return false, nil
}

func (s *Scheduler) runRebalance(context.Context) (bool, error) {
	s.eng.RebalanceEnsemble()
	return false, nil
}

// runFlush persists learned state only when something changed since the
// last write.
func (s *Scheduler) runFlush(ctx context.Context) (bool, error) {
	if !s.eng.Dirty() {
		return true, nil
	}
	return false, s.eng.FlushState(ctx)
}
