package guard

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mx-space/guard/internal/modules/guard/admission"
	"github.com/mx-space/guard/internal/modules/guard/location"
	"github.com/mx-space/guard/internal/modules/guard/revocation"
	"github.com/mx-space/guard/internal/pkg/lock"
	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	rc := redisc.Wrap(rdb)
	locks := lock.New(rc, 5*time.Millisecond, 2*time.Second)
	return NewEngine(
		admission.NewService(rc, locks, zap.NewNop()),
		revocation.NewService(rc, time.Hour),
		location.NewService(rc, time.Hour),
		zap.NewNop(),
	)
}

func testPolicy() admission.Policy {
	return admission.Policy{
		MaxActive:       5,
		MaxIPsPerDevice: 3,
		Evict:           admission.EvictLRU,
		SessionTTL:      time.Hour,
		HistoryWindow:   time.Hour,
		BanThreshold:    100,
		BanTTL:          time.Hour,
	}
}

func TestKickIPNarrowsBlastRadius(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := testPolicy()

	ok, err := e.AdmitAndLink(ctx, "u1", "", "1.1.1.1", "t1", p)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.AdmitAndLink(ctx, "u1", "", "2.2.2.2", "t2", p)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.KickIP(ctx, "u1", "1.1.1.1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// The kicked IP's token is revoked and its slot freed...
	revoked, err := e.Revocation.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)
	active, err := e.Admission.IsActive(ctx, "u1", "1.1.1.1", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)

	// ...while the user's other session is untouched.
	revoked, err = e.Revocation.IsRevoked(ctx, "t2")
	require.NoError(t, err)
	assert.False(t, revoked)
	active, err = e.Admission.IsActive(ctx, "u1", "2.2.2.2", p.SessionTTL)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestKickDeviceRevokesDeviceTokens(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := testPolicy()

	ok, err := e.AdmitAndLink(ctx, "u1", "dev1", "1.1.1.1", "t1", p)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = e.AdmitAndLink(ctx, "u1", "dev2", "2.2.2.2", "t2", p)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := e.KickDevice(ctx, "u1", "dev1", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	revoked, err := e.Revocation.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.True(t, revoked)

	active, err := e.Admission.IsDeviceActive(ctx, "u1", "dev1", "1.1.1.1", p.SessionTTL)
	require.NoError(t, err)
	assert.False(t, active)
	active, err = e.Admission.IsDeviceActive(ctx, "u1", "dev2", "2.2.2.2", p.SessionTTL)
	require.NoError(t, err)
	assert.True(t, active)
}

func TestKickUserForcesFullyOffline(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := testPolicy()

	for _, s := range []struct{ ip, token string }{
		{"1.1.1.1", "t1"}, {"2.2.2.2", "t2"},
	} {
		ok, err := e.AdmitAndLink(ctx, "u1", "", s.ip, s.token, p)
		require.NoError(t, err)
		require.True(t, ok)
	}

	n, err := e.KickUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, token := range []string{"t1", "t2"} {
		revoked, err := e.Revocation.IsRevoked(ctx, token)
		require.NoError(t, err)
		assert.True(t, revoked, "token %s", token)
	}
	list, err := e.Admission.ListActive(ctx, "u1", "", p.SessionTTL)
	require.NoError(t, err)
	assert.Empty(t, list)

	count, err := e.Revocation.CountBannedUsers(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestReinstateUserUndoesKickAndBan(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := testPolicy()

	ok, err := e.AdmitAndLink(ctx, "u1", "", "1.1.1.1", "t1", p)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.KickUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.NoError(t, e.Admission.Ban(ctx, "u1", 0))

	require.NoError(t, e.ReinstateUser(ctx, "u1", true))

	revoked, err := e.Revocation.IsRevoked(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, revoked)

	banned, err := e.Admission.IsBanned(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, banned)

	ok, err = e.AdmitAndLink(ctx, "u1", "", "1.1.1.1", "t1b", p)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAdmitAndLinkDeniedLeavesNoIndex(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	p := testPolicy()
	p.MaxActive = 1
	p.Evict = admission.DenyNew

	ok, err := e.AdmitAndLink(ctx, "u1", "", "1.1.1.1", "t1", p)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = e.AdmitAndLink(ctx, "u1", "", "2.2.2.2", "t2", p)
	require.NoError(t, err)
	require.False(t, ok)

	tokens, err := e.Location.TokensForIP(ctx, "u1", "2.2.2.2")
	require.NoError(t, err)
	assert.Empty(t, tokens)
}
