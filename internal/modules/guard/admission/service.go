package admission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mx-space/guard/internal/pkg/lock"
	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	userKeyPrefix = "guard:user:"
	lockKeyPrefix = "guard:lock:user:"
	// seenKey tracks every user touched by an admission call, so the
	// background sweep can iterate users instead of scanning the keyspace.
	seenKey = "guard:users:seen" // sorted set: score=last admission, member=user_id
)

func activeKey(userID string) string  { return userKeyPrefix + userID + ":active" }
func historyKey(userID string) string { return userKeyPrefix + userID + ":history" }
func banKey(userID string) string     { return userKeyPrefix + userID + ":ban" }
func lockKey(userID string) string    { return lockKeyPrefix + userID }

func deviceIPsKey(userID, deviceID string) string {
	return userKeyPrefix + userID + ":device:" + deviceID + ":ips"
}

// Service decides, per login/heartbeat, whether a user may hold another
// concurrent session slot, applies the eviction policy at the cap, and
// escalates sliding-window IP churn into a ban flag.
type Service struct {
	rc    *redisc.Client
	locks *lock.Locker
	log   *zap.Logger
}

func NewService(rc *redisc.Client, locks *lock.Locker, log *zap.Logger) *Service {
	return &Service{rc: rc, locks: locks, log: log}
}

// Admit runs IP-scoped admission for (userID, ip) under the per-user lock.
// A false result with nil error is a normal denial (ban active, or cap
// reached under DenyNew); lock.ErrTimeout propagates unchanged.
func (s *Service) Admit(ctx context.Context, userID, ip string, p Policy) (bool, error) {
	p = p.normalized()
	s.markSeen(ctx, userID)

	var admitted bool
	err := s.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		ok, err := s.admitLocked(ctx, userID, activeKey(userID), ip, ip, p.MaxActive, p, false, nil)
		admitted = ok
		return err
	})
	return admitted, err
}

// AdmitDevice runs the nested device-scoped variant: the outer instance caps
// concurrent devices, the inner one caps IPs within the admitted device.
// Evicting a device cascade-deletes its IP subset.
func (s *Service) AdmitDevice(ctx context.Context, userID, deviceID, ip string, p Policy) (bool, error) {
	p = p.normalized()
	s.markSeen(ctx, userID)

	var admitted bool
	err := s.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		onEvict := func(ctx context.Context, evicted string) error {
			return s.rc.Del(ctx, deviceIPsKey(userID, evicted))
		}
		ok, err := s.admitLocked(ctx, userID, activeKey(userID), deviceID, ip, p.MaxActive, p, false, onEvict)
		if err != nil || !ok {
			admitted = false
			return err
		}
		// The churn signal already fired for this call; the inner set only
		// governs the per-device IP cap.
		ok, err = s.admitLocked(ctx, userID, deviceIPsKey(userID, deviceID), ip, ip, p.MaxIPsPerDevice, p, true, nil)
		admitted = ok
		return err
	})
	return admitted, err
}

// admitLocked is one instance of the admission algorithm. Callers must hold
// the per-user lock.
func (s *Service) admitLocked(
	ctx context.Context,
	userID, setKey, member, ip string,
	maxActive int,
	p Policy,
	skipHistory bool,
	onEvict func(ctx context.Context, evicted string) error,
) (bool, error) {
	rdb := s.rc.Raw()
	now := time.Now().UnixMilli()

	banned, err := s.rc.Exists(ctx, banKey(userID))
	if err != nil {
		return false, err
	}
	if banned {
		return false, nil
	}

	// Lazy expiry of stale slots; store-side TTL eviction may lag wall clock.
	staleMax := exclusiveMax(now - p.SessionTTL.Milliseconds())
	if err := rdb.ZRemRangeByScore(ctx, setKey, "-inf", staleMax).Err(); err != nil {
		return false, err
	}

	if !skipHistory {
		banned, err := s.recordHistoryLocked(ctx, userID, ip, now, p)
		if err != nil {
			return false, err
		}
		if banned {
			return false, nil
		}
	}

	// Touch: re-admission updates recency without growing the set.
	_, err = rdb.ZScore(ctx, setKey, member).Result()
	switch {
	case err == nil:
		return true, s.insert(ctx, setKey, member, now, p.SessionTTL)
	case !errors.Is(err, redis.Nil):
		return false, err
	}

	card, err := rdb.ZCard(ctx, setKey).Result()
	if err != nil {
		return false, err
	}
	if card < int64(maxActive) {
		return true, s.insert(ctx, setKey, member, now, p.SessionTTL)
	}

	if p.Evict == DenyNew {
		return false, nil
	}

	// LRU: drop the single lowest-score entry, then admit.
	lowest, err := rdb.ZRangeWithScores(ctx, setKey, 0, 0).Result()
	if err != nil {
		return false, err
	}
	if len(lowest) > 0 {
		evicted := fmt.Sprint(lowest[0].Member)
		if err := rdb.ZRem(ctx, setKey, evicted).Err(); err != nil {
			return false, err
		}
		if onEvict != nil {
			if err := onEvict(ctx, evicted); err != nil {
				return false, err
			}
		}
		s.log.Debug("evicted lru session slot",
			zap.String("user_id", userID),
			zap.String("location", evicted),
		)
	}
	return true, s.insert(ctx, setKey, member, now, p.SessionTTL)
}

// recordHistoryLocked purges the trailing window, records the current IP and
// bans the user when distinct-IP churn exceeds the threshold. This fires on
// every admission call; it is an independent anomaly signal, not a
// consequence of hitting the cap.
func (s *Service) recordHistoryLocked(ctx context.Context, userID, ip string, now int64, p Policy) (banned bool, err error) {
	rdb := s.rc.Raw()
	key := historyKey(userID)

	windowMin := exclusiveMax(now - p.HistoryWindow.Milliseconds())
	if err := rdb.ZRemRangeByScore(ctx, key, "-inf", windowMin).Err(); err != nil {
		return false, err
	}
	if err := rdb.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: ip}).Err(); err != nil {
		return false, err
	}
	if err := rdb.Expire(ctx, key, p.HistoryWindow).Err(); err != nil {
		return false, err
	}

	card, err := rdb.ZCard(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if card <= int64(p.BanThreshold) {
		return false, nil
	}

	s.log.Warn("ip churn exceeded threshold, banning user",
		zap.String("user_id", userID),
		zap.Int64("distinct_ips", card),
		zap.Int("threshold", p.BanThreshold),
	)
	return true, s.banLocked(ctx, userID, p.BanTTL)
}

func (s *Service) insert(ctx context.Context, setKey, member string, now int64, sessionTTL time.Duration) error {
	pipe := s.rc.Raw().TxPipeline()
	pipe.ZAdd(ctx, setKey, redis.Z{Score: float64(now), Member: member})
	pipe.Expire(ctx, setKey, sessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// IsActive reports whether (userID, ip) currently holds a fresh slot. It is
// an advisory, lock-free probe: it may race with a concurrent admission, and
// it opportunistically deletes a stale entry it happens to observe.
func (s *Service) IsActive(ctx context.Context, userID, ip string, sessionTTL time.Duration) (bool, error) {
	return s.probe(ctx, userID, activeKey(userID), ip, sessionTTL)
}

// IsDeviceActive reports whether ip is fresh within an active device.
func (s *Service) IsDeviceActive(ctx context.Context, userID, deviceID, ip string, sessionTTL time.Duration) (bool, error) {
	ok, err := s.probe(ctx, userID, activeKey(userID), deviceID, sessionTTL)
	if err != nil || !ok {
		return false, err
	}
	return s.probe(ctx, userID, deviceIPsKey(userID, deviceID), ip, sessionTTL)
}

func (s *Service) probe(ctx context.Context, userID, setKey, member string, sessionTTL time.Duration) (bool, error) {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	banned, err := s.rc.Exists(ctx, banKey(userID))
	if err != nil || banned {
		return false, err
	}

	score, err := s.rc.Raw().ZScore(ctx, setKey, member).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if int64(score) < time.Now().UnixMilli()-sessionTTL.Milliseconds() {
		_ = s.rc.Raw().ZRem(ctx, setKey, member).Err()
		return false, nil
	}
	return true, nil
}

// RemoveActive drops one location slot. If the location is a device, its IP
// subset goes with it.
func (s *Service) RemoveActive(ctx context.Context, userID, locationID string) error {
	pipe := s.rc.Raw().TxPipeline()
	pipe.ZRem(ctx, activeKey(userID), locationID)
	pipe.Del(ctx, deviceIPsKey(userID, locationID))
	_, err := pipe.Exec(ctx)
	return err
}

// ClearAllActive drops every slot the user holds, device subsets included.
func (s *Service) ClearAllActive(ctx context.Context, userID string) error {
	members, err := s.rc.Raw().ZRange(ctx, activeKey(userID), 0, -1).Result()
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, deviceIPsKey(userID, m))
	}
	keys = append(keys, activeKey(userID))
	return s.rc.Del(ctx, keys...)
}

// ListActive returns the user's fresh slots sorted by recency; the entry
// matching current (if any) is flagged.
func (s *Service) ListActive(ctx context.Context, userID, current string, sessionTTL time.Duration) ([]ActiveLocation, error) {
	if sessionTTL <= 0 {
		sessionTTL = DefaultSessionTTL
	}
	entries, err := s.rc.Raw().ZRevRangeWithScores(ctx, activeKey(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	staleBefore := time.Now().UnixMilli() - sessionTTL.Milliseconds()
	out := make([]ActiveLocation, 0, len(entries))
	for _, e := range entries {
		if int64(e.Score) < staleBefore {
			continue
		}
		id := fmt.Sprint(e.Member)
		out = append(out, ActiveLocation{
			LocationID: id,
			LastSeenAt: time.UnixMilli(int64(e.Score)),
			Current:    current != "" && id == current,
		})
	}
	return out, nil
}

// IsBanned reports whether the user's ban flag is present.
func (s *Service) IsBanned(ctx context.Context, userID string) (bool, error) {
	return s.rc.Exists(ctx, banKey(userID))
}

// Ban sets the ban flag (ttl <= 0 = permanent) and clears the active set.
func (s *Service) Ban(ctx context.Context, userID string, ttl time.Duration) error {
	return s.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		return s.banLocked(ctx, userID, ttl)
	})
}

func (s *Service) banLocked(ctx context.Context, userID string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.rc.Set(ctx, banKey(userID), "1", ttl); err != nil {
		return err
	}
	return s.ClearAllActive(ctx, userID)
}

// Unban clears the ban flag and the active set. History is only cleared when
// the caller asks for it; leaving residual history may legitimately re-ban
// the user on the next admission if the window has not aged out.
func (s *Service) Unban(ctx context.Context, userID string, clearHistory bool) error {
	return s.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		if err := s.rc.Del(ctx, banKey(userID)); err != nil {
			return err
		}
		if err := s.ClearAllActive(ctx, userID); err != nil {
			return err
		}
		if clearHistory {
			return s.rc.Del(ctx, historyKey(userID))
		}
		return nil
	})
}

// BanTTL returns the remaining ban duration: (0, true) for a permanent ban,
// (_, false) when not banned.
func (s *Service) BanTTL(ctx context.Context, userID string) (time.Duration, bool, error) {
	ttl, err := s.rc.Raw().TTL(ctx, banKey(userID)).Result()
	if err != nil {
		return 0, false, err
	}
	switch {
	case ttl == -2: // key absent
		return 0, false, nil
	case ttl == -1: // no expiry
		return 0, true, nil
	default:
		return ttl, true, nil
	}
}

// CleanupExpired is the lock-guarded maintenance sweep for one user: it
// purges stale active and history entries and re-evaluates the ban threshold
// without recording a new IP. Meant for periodic background invocation, not
// the per-request path.
func (s *Service) CleanupExpired(ctx context.Context, userID string, p Policy) error {
	p = p.normalized()
	return s.locks.WithLock(ctx, lockKey(userID), func(ctx context.Context) error {
		banned, err := s.rc.Exists(ctx, banKey(userID))
		if err != nil || banned {
			return err
		}

		rdb := s.rc.Raw()
		now := time.Now().UnixMilli()
		staleMax := exclusiveMax(now - p.SessionTTL.Milliseconds())

		stale, err := rdb.ZRangeByScore(ctx, activeKey(userID), &redis.ZRangeBy{Min: "-inf", Max: staleMax}).Result()
		if err != nil {
			return err
		}
		for _, m := range stale {
			if err := s.RemoveActive(ctx, userID, m); err != nil {
				return err
			}
		}

		windowMin := exclusiveMax(now - p.HistoryWindow.Milliseconds())
		if err := rdb.ZRemRangeByScore(ctx, historyKey(userID), "-inf", windowMin).Err(); err != nil {
			return err
		}
		card, err := rdb.ZCard(ctx, historyKey(userID)).Result()
		if err != nil {
			return err
		}
		if card > int64(p.BanThreshold) {
			return s.banLocked(ctx, userID, p.BanTTL)
		}
		return nil
	})
}

// Sweep runs CleanupExpired for every user seen within the session TTL and
// trims older entries from the seen registry. Lock timeouts on individual
// users are logged and skipped so one hot user cannot stall the sweep.
func (s *Service) Sweep(ctx context.Context, p Policy) (int, error) {
	p = p.normalized()
	rdb := s.rc.Raw()
	cutoff := exclusiveMax(time.Now().UnixMilli() - p.SessionTTL.Milliseconds())
	if err := rdb.ZRemRangeByScore(ctx, seenKey, "-inf", cutoff).Err(); err != nil {
		return 0, err
	}

	users, err := rdb.ZRange(ctx, seenKey, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, userID := range users {
		if err := s.CleanupExpired(ctx, userID, p); err != nil {
			if errors.Is(err, lock.ErrTimeout) {
				s.log.Debug("sweep skipped busy user", zap.String("user_id", userID))
				continue
			}
			return swept, err
		}
		swept++
	}
	return swept, nil
}

func (s *Service) markSeen(ctx context.Context, userID string) {
	err := s.rc.Raw().ZAdd(ctx, seenKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: userID,
	}).Err()
	if err != nil {
		s.log.Debug("seen registry update failed", zap.Error(err))
	}
}

// exclusiveMax renders an exclusive upper bound for ZRANGEBYSCORE-family
// commands, matching "score < cutoff".
func exclusiveMax(cutoff int64) string {
	return fmt.Sprintf("(%d", cutoff)
}
