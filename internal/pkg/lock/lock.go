package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

// ErrTimeout is returned when a lock could not be acquired within the wait
// bound. Callers decide whether to retry, fail the request, or map it to a
// denial; the engine never swallows it.
var ErrTimeout = errors.New("lock: acquisition timed out")

const (
	DefaultPoll  = 100 * time.Millisecond
	DefaultLease = 5 * time.Second
)

// releaseScript deletes the key only if it still holds our lease id, so an
// expired lease taken over by another worker is never released by us.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker provides per-key mutual exclusion backed by Redis SET NX leases.
type Locker struct {
	rc    *redisc.Client
	poll  time.Duration
	lease time.Duration
}

// New creates a Locker. Non-positive poll/lease fall back to defaults.
func New(rc *redisc.Client, poll, lease time.Duration) *Locker {
	if poll <= 0 {
		poll = DefaultPoll
	}
	if lease <= 0 {
		lease = DefaultLease
	}
	return &Locker{rc: rc, poll: poll, lease: lease}
}

// WithLock acquires the lock for key, runs fn, and releases the lock. The
// wait bound equals the lease duration; if the lock cannot be acquired in
// that time, ErrTimeout is returned and fn never runs. The lease doubles as
// the cancellation horizon: a critical section that outlives it loses the
// lock to store-side expiry.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lease, err := l.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer l.release(key, lease)
	return fn(ctx)
}

func (l *Locker) acquire(ctx context.Context, key string) (string, error) {
	lease := uuid.New().String()
	deadline := time.Now().Add(l.lease)

	for {
		ok, err := l.rc.Raw().SetNX(ctx, key, lease, l.lease).Result()
		if err != nil {
			return "", fmt.Errorf("lock acquire: %w", err)
		}
		if ok {
			return lease, nil
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.poll):
		}
	}
}

func (l *Locker) release(key, lease string) {
	// Release is best-effort: an unreleased key expires with its lease.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = releaseScript.Run(ctx, l.rc.Raw(), []string{key}, lease).Err()
}
