package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T, poll, lease time.Duration) (*Locker, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(redisc.Wrap(rdb), poll, lease), rdb
}

func TestWithLockSerializesCriticalSections(t *testing.T) {
	l, _ := newTestLocker(t, 2*time.Millisecond, 5*time.Second)
	ctx := context.Background()

	// A plain int is only safe if WithLock actually serializes access.
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithLock(ctx, "guard:lock:user:u1", func(ctx context.Context) error {
				v := counter
				time.Sleep(time.Millisecond)
				counter = v + 1
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 20, counter)
}

func TestWithLockTimesOutWhenHeld(t *testing.T) {
	l, rdb := newTestLocker(t, 10*time.Millisecond, 100*time.Millisecond)
	ctx := context.Background()

	// Simulate another worker holding the lease well past our wait bound.
	require.NoError(t, rdb.Set(ctx, "guard:lock:user:u1", "other", time.Minute).Err())

	err := l.WithLock(ctx, "guard:lock:user:u1", func(ctx context.Context) error {
		t.Fatal("critical section must not run")
		return nil
	})
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestReleaseKeepsForeignLease(t *testing.T) {
	l, rdb := newTestLocker(t, 2*time.Millisecond, time.Second)
	ctx := context.Background()

	require.NoError(t, l.WithLock(ctx, "k", func(ctx context.Context) error { return nil }))

	// The key is free again after release.
	n, err := rdb.Exists(ctx, "k").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	// A lease we do not own is never deleted.
	require.NoError(t, rdb.Set(ctx, "k", "foreign", time.Minute).Err())
	l.release("k", "not-mine")
	val, err := rdb.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "foreign", val)
}

func TestWithLockRespectsContextCancel(t *testing.T) {
	l, rdb := newTestLocker(t, 10*time.Millisecond, 10*time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, rdb.Set(ctx, "k", "other", time.Minute).Err())

	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := l.WithLock(ctx, "k", func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
