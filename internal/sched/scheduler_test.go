package sched

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/adaptengine/internal/config"
	"github.com/kestrelquant/adaptengine/internal/control"
	"github.com/kestrelquant/adaptengine/internal/engine"
)

type fakeEngine struct {
	regimeWindow int64
	dirty        int32
	trained      int32

	reestimates int64
	trains      int64
	rebalances  int64
	flushes     int64
}

func (f *fakeEngine) ReestimateRegime() error {
	atomic.AddInt64(&f.reestimates, 1)
	return nil
}

func (f *fakeEngine) TrainPolicy() (control.TrainReport, error) {
	atomic.AddInt64(&f.trains, 1)
	return control.TrainReport{Trained: atomic.LoadInt32(&f.trained) == 1, Episodes: 3}, nil
}

func (f *fakeEngine) RebalanceEnsemble() {
	atomic.AddInt64(&f.rebalances, 1)
}

func (f *fakeEngine) FlushState(context.Context) error {
	atomic.AddInt64(&f.flushes, 1)
	return nil
}

func (f *fakeEngine) Dirty() bool {
	return atomic.LoadInt32(&f.dirty) == 1
}

func (f *fakeEngine) Diagnostics() engine.Diagnostics {
	return engine.Diagnostics{RegimeWindow: int(atomic.LoadInt64(&f.regimeWindow))}
}

func fastConfig() config.SchedConfig {
	return config.SchedConfig{
		RegimeInterval:    20 * time.Millisecond,
		RegimeMinSamples:  5,
		TrainInterval:     20 * time.Millisecond,
		RebalanceInterval: 20 * time.Millisecond,
		FlushInterval:     20 * time.Millisecond,
		DiagnosticsTTL:    time.Second,
	}
}

func waitCounter(t *testing.T, counter *int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt64(counter) >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter stuck at %d, want at least %d", atomic.LoadInt64(counter), want)
}

func TestSchedulerRunsAllJobsOnCadence(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 50, dirty: 1, trained: 1}
	s := New(fastConfig(), eng)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	waitCounter(t, &eng.reestimates, 2)
	waitCounter(t, &eng.trains, 2)
	waitCounter(t, &eng.rebalances, 2)
	waitCounter(t, &eng.flushes, 2)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.False(t, s.Status().Running)
}

func TestSchedulerSkipsRegimeBelowMinSamples(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 2, dirty: 0}
	s := New(fastConfig(), eng)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		st := s.Status()
		if r, ok := st.Jobs[JobRegime]; ok && r.Skipped {
			assert.Equal(t, int64(0), atomic.LoadInt64(&eng.reestimates))
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("regime job never reported a skip")
}

func TestSchedulerSkipsFlushWhenClean(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 50}
	s := New(fastConfig(), eng)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = s.Start(ctx) }()
	defer cancel()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if r, ok := s.Status().Jobs[JobFlush]; ok && r.Skipped {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, int64(0), atomic.LoadInt64(&eng.flushes))

	// Once the engine reports unsaved changes the flush goes through.
	atomic.StoreInt32(&eng.dirty, 1)
	waitCounter(t, &eng.flushes, 1)
}

func TestRunJobForcesImmediateExecution(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 50}
	s := New(fastConfig(), eng)

	result, err := s.RunJob(context.Background(), JobRebalance)
	require.NoError(t, err)
	assert.Equal(t, JobRebalance, result.Name)
	assert.False(t, result.Skipped)
	assert.Equal(t, int64(1), atomic.LoadInt64(&eng.rebalances))

	_, err = s.RunJob(context.Background(), "no-such-job")
	assert.Error(t, err)
}

func TestTrainReportedAsSkippedWhenPolicyNotReady(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 50, trained: 0}
	s := New(fastConfig(), eng)

	result, err := s.RunJob(context.Background(), JobTrain)
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, int64(1), atomic.LoadInt64(&eng.trains))
}

func TestStatusTracksLastResults(t *testing.T) {
	eng := &fakeEngine{regimeWindow: 50, dirty: 1}
	s := New(fastConfig(), eng)

	_, err := s.RunJob(context.Background(), JobFlush)
	require.NoError(t, err)

	st := s.Status()
	r, ok := st.Jobs[JobFlush]
	require.True(t, ok)
	assert.Equal(t, JobFlush, r.Name)
	assert.False(t, r.At.IsZero())
	assert.Empty(t, r.Error)
}
