package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, zerolog.Nop())
}

func TestWithLockRunsAndReleases(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	runs := 0
	for i := 0; i < 2; i++ {
		err := l.WithLock(ctx, "sweep", time.Minute, func(context.Context) error {
			runs++
			return nil
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 2, runs)
}

func TestWithLockSkipsWhenHeld(t *testing.T) {
	l := newTestLocker(t)
	ctx := context.Background()

	err := l.WithLock(ctx, "sweep", time.Minute, func(ctx context.Context) error {
		inner := l.WithLock(ctx, "sweep", time.Minute, func(context.Context) error {
			t.Fatal("inner job must not run while the lock is held")
			return nil
		})
		assert.ErrorIs(t, inner, ErrHeld)
		return nil
	})
	require.NoError(t, err)
}
