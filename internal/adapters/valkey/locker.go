package valkey

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/valkey-io/valkey-go"

	"github.com/samirrijal/safewatch/internal/core/domain"
)

const lockKeyPrefix = "safewatch:lock:user:"

// releaseScript deletes the lock only if it still holds our token.
var releaseScript = valkey.NewLuaScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker implements ports.UserLocker with SET NX PX so that evaluator
// replicas never process the same user at the same time.
type Locker struct {
	client valkey.Client
	ttl    time.Duration
	wait   time.Duration
	log    *slog.Logger
}

// NewLocker creates a Locker. ttl bounds how long a crashed holder blocks the
// user; wait bounds how long Lock polls before giving up.
func NewLocker(client valkey.Client, ttl, wait time.Duration, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Locker{client: client, ttl: ttl, wait: wait, log: logger.With("component", "user_locker")}
}

// Lock blocks until the user's lock is held, ctx ends or the wait expires.
func (l *Locker) Lock(ctx context.Context, userID string) (func(), error) {
	key := lockKeyPrefix + userID
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = l.wait

	acquire := func() error {
		err := l.client.Do(ctx, l.client.B().Set().Key(key).Value(token).Nx().Px(l.ttl).Build()).Error()
		if valkey.IsValkeyNil(err) {
			return fmt.Errorf("user %s locked by another evaluator", userID)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	if err := backoff.Retry(acquire, backoff.WithContext(b, ctx)); err != nil {
		return nil, fmt.Errorf("%w: user lock: %w", domain.ErrStateUnavailable, err)
	}

	return func() {
		// The caller's context may already be done; release must still run.
		rctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := releaseScript.Exec(rctx, l.client, []string{key}, []string{token}).Error(); err != nil {
			l.log.Warn("release user lock", "user_id", userID, "error", err)
		}
	}, nil
}
