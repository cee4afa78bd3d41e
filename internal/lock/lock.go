// Package lock serialises work across instances with a Redis-backed mutex.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ErrHeld means another instance holds the lock right now.
var ErrHeld = errors.New("lock held elsewhere")

type Locker struct {
	rs  *redsync.Redsync
	log zerolog.Logger
}

func New(client redis.UniversalClient, log zerolog.Logger) *Locker {
	return &Locker{
		rs:  redsync.New(goredis.NewPool(client)),
		log: log.With().Str("component", "lock").Logger(),
	}
}

// WithLock runs fn while holding name. It makes a single attempt and returns ErrHeld
// when the lock is taken, so periodic jobs simply skip a round.
func (l *Locker) WithLock(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	mutex := l.rs.NewMutex("lock:"+name, redsync.WithExpiry(ttl), redsync.WithTries(1))

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return ErrHeld
		}
		return err
	}

	defer func() {
		if _, err := mutex.UnlockContext(context.WithoutCancel(ctx)); err != nil {
			l.log.Error().Err(err).Str("lock", name).Msg("failed to unlock mutex")
		}
	}()

	return fn(ctx)
}
