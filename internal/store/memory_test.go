package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStateRoundTrip(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	_, err := m.LoadState(ctx, "engine")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.SaveState(ctx, "engine", []byte(`{"v":1}`)))
	got, err := m.LoadState(ctx, "engine")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":1}`), got)

	require.NoError(t, m.SaveState(ctx, "engine", []byte(`{"v":2}`)))
	got, err = m.LoadState(ctx, "engine")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), got)
}

func TestMemoryStateCopiesPayload(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	payload := []byte("original")
	require.NoError(t, m.SaveState(ctx, "s", payload))
	payload[0] = 'X'

	got, err := m.LoadState(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	got[0] = 'Y'
	again, err := m.LoadState(ctx, "s")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemoryDecisionsNewestFirst(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, m.SaveDecision(ctx, DecisionRecord{
			ID:     string(rune('a' + i)),
			At:     base.Add(time.Duration(i) * time.Minute),
			Symbol: "BTC-USD",
			Regime: "choppy",
			Action: "enter",
		}))
	}

	recent, err := m.RecentDecisions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "e", recent[0].ID)
	assert.Equal(t, "d", recent[1].ID)
	assert.Equal(t, "c", recent[2].ID)
}

func TestMemoryOutcomeLookup(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	require.NoError(t, m.SaveOutcome(ctx, OutcomeRecord{
		DecisionID: "dec-1",
		ClosedAt:   time.Now().UTC(),
		Return:     0.034,
	}))

	out, ok := m.Outcome("dec-1")
	require.True(t, ok)
	assert.InDelta(t, 0.034, out.Return, 1e-12)

	_, ok = m.Outcome("missing")
	assert.False(t, ok)
}

func TestMemoryHealthCheckAfterClose(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.HealthCheck(ctx))
	require.NoError(t, m.Close())
	assert.Error(t, m.HealthCheck(ctx))
}
