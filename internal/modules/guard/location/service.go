package location

import (
	"context"
	"time"

	redisc "github.com/mx-space/guard/internal/pkg/redis"
)

const (
	ipKeyPrefix     = "guard:tokens:ip:"
	deviceKeyPrefix = "guard:tokens:device:"
	// knownKeyPrefix indexes every location key a user has, so union and
	// fan-out operations never scan the keyspace.
	knownKeyPrefix = "guard:tokens:keys:"
)

func ipKey(userID, ip string) string           { return ipKeyPrefix + userID + ":" + ip }
func deviceKey(userID, deviceID string) string { return deviceKeyPrefix + userID + ":" + deviceID }
func knownKey(userID string) string            { return knownKeyPrefix + userID }

// DefaultTTL mirrors the session lifetime: an index that outlives every token
// it could point at is dead weight.
const DefaultTTL = 30 * 24 * time.Hour

// Service maintains the reverse indexes from (user, ip) and (user, device)
// to issued tokens. These are plain finder indexes with no foreign keys:
// losing one only widens the revocation an operator has to apply.
type Service struct {
	rc         *redisc.Client
	defaultTTL time.Duration
}

func NewService(rc *redisc.Client, defaultTTL time.Duration) *Service {
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Service{rc: rc, defaultTTL: defaultTTL}
}

// LinkIP records that token was issued to userID at ip.
func (s *Service) LinkIP(ctx context.Context, userID, ip, token string, ttl time.Duration) error {
	return s.link(ctx, userID, ipKey(userID, ip), token, ttl)
}

// LinkDevice records that token was issued to userID on deviceID.
func (s *Service) LinkDevice(ctx context.Context, userID, deviceID, token string, ttl time.Duration) error {
	return s.link(ctx, userID, deviceKey(userID, deviceID), token, ttl)
}

func (s *Service) link(ctx context.Context, userID, key, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	pipe := s.rc.Raw().TxPipeline()
	pipe.SAdd(ctx, key, token)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, knownKey(userID), key)
	pipe.Expire(ctx, knownKey(userID), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// TokensForIP returns the tokens issued at (userID, ip).
func (s *Service) TokensForIP(ctx context.Context, userID, ip string) ([]string, error) {
	return s.rc.Raw().SMembers(ctx, ipKey(userID, ip)).Result()
}

// TokensForDevice returns the tokens issued on (userID, deviceID).
func (s *Service) TokensForDevice(ctx context.Context, userID, deviceID string) ([]string, error) {
	return s.rc.Raw().SMembers(ctx, deviceKey(userID, deviceID)).Result()
}

// AllTokens unions every location-keyed set known for the user. Expired
// location sets read as empty, which is fine for a finder index.
func (s *Service) AllTokens(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.rc.Raw().SMembers(ctx, knownKey(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return []string{}, nil
	}
	return s.rc.Raw().SUnion(ctx, keys...).Result()
}

// UnlinkIP drops the whole token set for (userID, ip).
func (s *Service) UnlinkIP(ctx context.Context, userID, ip string) error {
	return s.unlink(ctx, userID, ipKey(userID, ip))
}

// UnlinkDevice drops the whole token set for (userID, deviceID).
func (s *Service) UnlinkDevice(ctx context.Context, userID, deviceID string) error {
	return s.unlink(ctx, userID, deviceKey(userID, deviceID))
}

func (s *Service) unlink(ctx context.Context, userID, key string) error {
	pipe := s.rc.Raw().TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, knownKey(userID), key)
	_, err := pipe.Exec(ctx)
	return err
}

// UnlinkAll drops every IP- and device-keyed set for the user.
func (s *Service) UnlinkAll(ctx context.Context, userID string) error {
	keys, err := s.rc.Raw().SMembers(ctx, knownKey(userID)).Result()
	if err != nil {
		return err
	}
	keys = append(keys, knownKey(userID))
	return s.rc.Del(ctx, keys...)
}

// UnlinkToken removes one token from every location set it appears in for
// the user.
func (s *Service) UnlinkToken(ctx context.Context, userID, token string) error {
	if token == "" {
		return nil
	}
	keys, err := s.rc.Raw().SMembers(ctx, knownKey(userID)).Result()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	pipe := s.rc.Raw().TxPipeline()
	for _, key := range keys {
		pipe.SRem(ctx, key, token)
	}
	_, err = pipe.Exec(ctx)
	return err
}
