package snapshotcache

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGetSet(t *testing.T) {
	c := New()

	_, ok := c.Get("diag")
	assert.False(t, ok)

	c.Set("diag", []byte(`{"regime":"choppy"}`), 0)
	got, ok := c.Get("diag")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"regime":"choppy"}`), got)
}

func TestMemoryTTLExpiry(t *testing.T) {
	c := New()
	c.Set("short", []byte("v"), 10*time.Millisecond)

	_, ok := c.Get("short")
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("short")
	assert.False(t, ok)
}

func TestMemoryCopiesValue(t *testing.T) {
	c := New()
	val := []byte("abc")
	c.Set("k", val, 0)
	val[0] = 'X'

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, byte('a'), got[0])
}

func TestRedisGetHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)

	mock.ExpectGet("state:bandit").SetVal(`{"alpha":2}`)

	got, ok := c.Get("state:bandit")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"alpha":2}`), got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisGetMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)

	mock.ExpectGet("missing").RedisNil()

	_, ok := c.Get("missing")
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisSet(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db)

	mock.ExpectSet("state:regime", []byte("v"), time.Minute).SetVal("OK")

	c.Set("state:regime", []byte("v"), time.Minute)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewAutoDefaultsToMemory(t *testing.T) {
	t.Setenv("REDIS_ADDR", "")
	c := NewAuto()
	c.Set("k", []byte("v"), 0)
	_, ok := c.Get("k")
	assert.True(t, ok)
}
