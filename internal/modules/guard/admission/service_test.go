package admission

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mx-space/guard/internal/pkg/lock"
	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (*Service, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := redisc.Wrap(rdb)
	locks := lock.New(rc, 5*time.Millisecond, 2*time.Second)
	return NewService(rc, locks, zap.NewNop()), rdb
}

func testPolicy() Policy {
	return Policy{
		MaxActive:       2,
		MaxIPsPerDevice: 2,
		Evict:           EvictLRU,
		SessionTTL:      time.Hour,
		HistoryWindow:   time.Hour,
		BanThreshold:    100,
		BanTTL:          time.Hour,
	}
}

// tick guarantees strictly increasing millisecond scores between admissions.
func tick() { time.Sleep(2 * time.Millisecond) }

func TestAdmitTouchIsIdempotent(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()

	ok, err := svc.Admit(ctx, "u1", "1.1.1.1", p)
	require.NoError(t, err)
	require.True(t, ok)

	first, err := rdb.ZScore(ctx, activeKey("u1"), "1.1.1.1").Result()
	require.NoError(t, err)

	tick()
	ok, err = svc.Admit(ctx, "u1", "1.1.1.1", p)
	require.NoError(t, err)
	require.True(t, ok)

	card, err := rdb.ZCard(ctx, activeKey("u1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, card)

	second, err := rdb.ZScore(ctx, activeKey("u1"), "1.1.1.1").Result()
	require.NoError(t, err)
	assert.Greater(t, second, first)
}

func TestAdmitEvictsLRUAtCap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()

	for _, ip := range []string{"a", "b"} {
		ok, err := svc.Admit(ctx, "u1", ip, p)
		require.NoError(t, err)
		require.True(t, ok)
		tick()
	}

	ok, err := svc.Admit(ctx, "u1", "c", p)
	require.NoError(t, err)
	require.True(t, ok)

	// "a" was the least recently seen, so it is gone; "b" and "c" survive.
	active, err := svc.IsActive(ctx, "u1", "a", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)

	active, err = svc.IsActive(ctx, "u1", "b", p.SessionTTL)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = svc.IsActive(ctx, "u1", "c", p.SessionTTL)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestAdmitDenyNewLeavesSetUntouched(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 1
	p.Evict = DenyNew

	ok, err := svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	require.True(t, ok)

	before, err := rdb.ZRange(ctx, activeKey("u1"), 0, -1).Result()
	require.NoError(t, err)

	tick()
	ok, err = svc.Admit(ctx, "u1", "b", p)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := rdb.ZRange(ctx, activeKey("u1"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, before, after)

	// The resident location still gets touched.
	ok, err = svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitCapInvariantUnderConcurrency(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 2

	ips := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"}
	var wg sync.WaitGroup
	for _, ip := range ips {
		wg.Add(1)
		go func(ip string) {
			defer wg.Done()
			_, err := svc.Admit(ctx, "u1", ip, p)
			assert.NoError(t, err)
		}(ip)
	}
	wg.Wait()

	card, err := rdb.ZCard(ctx, activeKey("u1")).Result()
	require.NoError(t, err)
	assert.LessOrEqual(t, card, int64(2))
}

func TestBanEscalationOnIPChurn(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 10
	p.BanThreshold = 3

	for _, ip := range []string{"a", "b", "c"} {
		ok, err := svc.Admit(ctx, "u1", ip, p)
		require.NoError(t, err)
		require.True(t, ok, "ip %s should be admitted below threshold", ip)
		tick()
	}

	// Fourth distinct IP within the window pushes churn past the threshold.
	ok, err := svc.Admit(ctx, "u1", "d", p)
	require.NoError(t, err)
	assert.False(t, ok)

	banned, err := svc.IsBanned(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, banned)

	// Any further admission short-circuits, regardless of the cap.
	ok, err = svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := svc.IsActive(ctx, "u1", "a", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestUnbanWithResidualHistoryRebans(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 10
	p.BanThreshold = 3

	for _, ip := range []string{"a", "b", "c", "d"} {
		_, err := svc.Admit(ctx, "u1", ip, p)
		require.NoError(t, err)
		tick()
	}
	banned, err := svc.IsBanned(ctx, "u1")
	require.NoError(t, err)
	require.True(t, banned)

	// Unban without clearing history: the residual window immediately
	// re-trips the threshold on the next admission.
	require.NoError(t, svc.Unban(ctx, "u1", false))
	ok, err := svc.Admit(ctx, "u1", "e", p)
	require.NoError(t, err)
	assert.False(t, ok)
	banned, err = svc.IsBanned(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, banned)

	// Unban with history cleared: the user is readmitted.
	require.NoError(t, svc.Unban(ctx, "u1", true))
	ok, err = svc.Admit(ctx, "u1", "e", p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitDeviceCascadesEviction(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 1

	ok, err := svc.AdmitDevice(ctx, "u1", "dev1", "1.1.1.1", p)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := rdb.Exists(ctx, deviceIPsKey("u1", "dev1")).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	tick()
	ok, err = svc.AdmitDevice(ctx, "u1", "dev2", "2.2.2.2", p)
	require.NoError(t, err)
	require.True(t, ok)

	// dev1 was evicted and its IP subset deleted with it.
	n, err = rdb.Exists(ctx, deviceIPsKey("u1", "dev1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, n)

	active, err := svc.IsDeviceActive(ctx, "u1", "dev2", "2.2.2.2", p.SessionTTL)
	require.NoError(t, err)
	assert.True(t, active)

	active, err = svc.IsDeviceActive(ctx, "u1", "dev1", "1.1.1.1", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)
}

func TestAdmitDeviceInnerIPCap(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxIPsPerDevice = 1
	p.Evict = DenyNew

	ok, err := svc.AdmitDevice(ctx, "u1", "dev1", "1.1.1.1", p)
	require.NoError(t, err)
	require.True(t, ok)

	tick()
	ok, err = svc.AdmitDevice(ctx, "u1", "dev1", "2.2.2.2", p)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsActiveDeletesStaleEntry(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.SessionTTL = 30 * time.Millisecond

	ok, err := svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	require.True(t, ok)

	active, err := svc.IsActive(ctx, "u1", "a", p.SessionTTL)
	require.NoError(t, err)
	require.True(t, active)

	time.Sleep(50 * time.Millisecond)
	active, err = svc.IsActive(ctx, "u1", "a", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)

	_, err = rdb.ZScore(ctx, activeKey("u1"), "a").Result()
	assert.ErrorIs(t, err, redis.Nil)
}

func TestListActiveSortsByRecency(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 5

	for _, ip := range []string{"a", "b", "c"} {
		_, err := svc.Admit(ctx, "u1", ip, p)
		require.NoError(t, err)
		tick()
	}

	list, err := svc.ListActive(ctx, "u1", "c", p.SessionTTL)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "c", list[0].LocationID)
	assert.True(t, list[0].Current)
	assert.Equal(t, "a", list[2].LocationID)
	assert.False(t, list[2].Current)
}

func TestCleanupExpiredPurgesAndReevaluates(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()
	p := testPolicy()
	p.SessionTTL = 30 * time.Millisecond
	p.BanThreshold = 3

	ok, err := svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, svc.CleanupExpired(ctx, "u1", p))

	card, err := rdb.ZCard(ctx, activeKey("u1")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 0, card)

	// Churn planted directly in the window is picked up by the sweep's
	// re-evaluation even without a new admission.
	now := float64(time.Now().UnixMilli())
	for i, ip := range []string{"w", "x", "y", "z"} {
		require.NoError(t, rdb.ZAdd(ctx, historyKey("u2"), redis.Z{Score: now + float64(i), Member: ip}).Err())
	}
	require.NoError(t, svc.CleanupExpired(ctx, "u2", p))

	banned, err := svc.IsBanned(ctx, "u2")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestSweepVisitsSeenUsers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	p := testPolicy()

	_, err := svc.Admit(ctx, "u1", "a", p)
	require.NoError(t, err)
	_, err = svc.Admit(ctx, "u2", "b", p)
	require.NoError(t, err)

	swept, err := svc.Sweep(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 2, swept)
}

func TestPermanentBanWithNonPositiveTTL(t *testing.T) {
	svc, rdb := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.Ban(ctx, "u1", 0))

	ttl, banned, err := svc.BanTTL(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, banned)
	assert.Equal(t, time.Duration(0), ttl)

	// A permanent flag carries no expiry in the store.
	d, err := rdb.TTL(ctx, banKey("u1")).Result()
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-1), d)
}
