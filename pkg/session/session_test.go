package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-oauth2/internal/pgtest"
)

func exerciseStore(t *testing.T, mgr Manager) {
	ctx := context.Background()
	a := mgr.Session("session-a")
	b := mgr.Session("session-b")

	_, ok, err := a.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Set(ctx, "oauth2.attempt", "first", time.Minute))
	require.NoError(t, a.Set(ctx, "oauth2.attempt", "second", time.Minute))

	v, ok, err := a.Get(ctx, "oauth2.attempt")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "second", v)

	_, ok, err = b.Get(ctx, "oauth2.attempt")
	require.NoError(t, err)
	assert.False(t, ok, "sessions must not share values")

	require.NoError(t, a.Delete(ctx, "oauth2.attempt"))
	_, ok, err = a.Get(ctx, "oauth2.attempt")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, a.Delete(ctx, "never-set"))
}

func TestInMemoryManager(t *testing.T) {
	exerciseStore(t, NewInMemoryManager())
}

func TestInMemoryExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr := NewInMemoryManager().WithClock(func() time.Time { return now })
	s := mgr.Session("s")

	require.NoError(t, s.Set(ctx, "k", "v", time.Minute))
	now = now.Add(59 * time.Second)
	_, ok, _ := s.Get(ctx, "k")
	assert.True(t, ok)

	now = now.Add(time.Second)
	_, ok, _ = s.Get(ctx, "k")
	assert.False(t, ok)

	assert.Equal(t, 1, mgr.CleanupExpired())
	assert.Equal(t, 0, mgr.CleanupExpired())
}

func TestUnavailable(t *testing.T) {
	ctx := context.Background()
	var s Store = Unavailable{}
	_, _, err := s.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, s.Set(ctx, "k", "v", time.Minute), ErrUnavailable)
	assert.ErrorIs(t, s.Delete(ctx, "k"), ErrUnavailable)
}

func TestPostgresManager(t *testing.T) {
	pool, cleanup := pgtest.Setup(t)
	defer cleanup()

	mgr := NewPostgresManager(pool)
	exerciseStore(t, mgr)

	ctx := context.Background()
	s := mgr.Session("expiring")
	require.NoError(t, s.Set(ctx, "k", "v", -time.Second))
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	removed, err := mgr.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}
