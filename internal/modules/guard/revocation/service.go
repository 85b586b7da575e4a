package revocation

import (
	"context"
	"errors"
	"time"

	redisc "github.com/mx-space/guard/internal/pkg/redis"
	"github.com/redis/go-redis/v9"
)

const (
	tokenKeyPrefix = "guard:blacklist:token:"
	userKeyPrefix  = "guard:blacklist:user:"
	bannedUsersKey = "guard:blacklist:users" // sorted set: score=banned_at, member=user_id
)

// DefaultTTL bounds how long a revoked token stays on the blacklist when the
// caller does not pass one; it should cover the longest token lifetime.
const DefaultTTL = 30 * 24 * time.Hour

func tokenKey(token string) string { return tokenKeyPrefix + token }
func userKey(userID string) string { return userKeyPrefix + userID }

// BannedUser is one page entry of the forced-offline user listing.
type BannedUser struct {
	UserID   string    `json:"user_id"`
	BannedAt time.Time `json:"banned_at"`
}

// Service maintains the blacklist of administratively revoked tokens plus the
// per-user and global banned-user indexes. Every mutation here targets an
// independently keyed record and converges under retry, so no locking is
// used; the blacklist entry is the source of truth and the indexes only help
// find tokens.
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

// Revoke blacklists one token. Idempotent; ttl <= 0 uses the default.
func (s *Service) Revoke(ctx context.Context, token string, ttl time.Duration) error {
	if token == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	return s.rc.Set(ctx, tokenKey(token), "1", ttl)
}

// RevokeMany blacklists each token in turn. Not atomic: a crash mid-way
// leaves a prefix revoked, and a retry converges.
func (s *Service) RevokeMany(ctx context.Context, tokens []string, ttl time.Duration) error {
	for _, t := range tokens {
		if err := s.Revoke(ctx, t, ttl); err != nil {
			return err
		}
	}
	return nil
}

// IsRevoked reports whether the token is on the blacklist. Expired entries
// read as absent via the store's own TTL eviction.
func (s *Service) IsRevoked(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	return s.rc.Exists(ctx, tokenKey(token))
}

// Unrevoke restores a mistakenly revoked token.
func (s *Service) Unrevoke(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.rc.Del(ctx, tokenKey(token))
}

func (s *Service) UnrevokeMany(ctx context.Context, tokens []string) error {
	for _, t := range tokens {
		if err := s.Unrevoke(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

// RevokeUser forces a user fully offline: every supplied token is
// blacklisted and indexed under the user, and the user is recorded in the
// global banned-users listing.
func (s *Service) RevokeUser(ctx context.Context, userID string, tokens []string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	if err := s.RevokeMany(ctx, tokens, ttl); err != nil {
		return err
	}

	pipe := s.rc.Raw().TxPipeline()
	if len(tokens) > 0 {
		members := make([]interface{}, len(tokens))
		for i, t := range tokens {
			members[i] = t
		}
		pipe.SAdd(ctx, userKey(userID), members...)
		pipe.Expire(ctx, userKey(userID), ttl)
	}
	pipe.ZAdd(ctx, bannedUsersKey, redis.Z{
		Score:  float64(time.Now().UnixMilli()),
		Member: userID,
	})
	_, err := pipe.Exec(ctx)
	return err
}

// UnrevokeUser undoes RevokeUser: every indexed token is unrevoked, the index
// dropped, and the user removed from the banned listing.
func (s *Service) UnrevokeUser(ctx context.Context, userID string) error {
	tokens, err := s.rc.Raw().SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return err
	}
	if err := s.UnrevokeMany(ctx, tokens); err != nil {
		return err
	}

	pipe := s.rc.Raw().TxPipeline()
	pipe.Del(ctx, userKey(userID))
	pipe.ZRem(ctx, bannedUsersKey, userID)
	_, err = pipe.Exec(ctx)
	return err
}

// UserTokens returns the tokens currently indexed under a banned user.
func (s *Service) UserTokens(ctx context.Context, userID string) ([]string, error) {
	return s.rc.Raw().SMembers(ctx, userKey(userID)).Result()
}

// ListBannedUsers pages the global banned listing, most recent first.
func (s *Service) ListBannedUsers(ctx context.Context, offset, count int64) ([]BannedUser, error) {
	if count <= 0 {
		return []BannedUser{}, nil
	}
	entries, err := s.rc.Raw().ZRevRangeWithScores(ctx, bannedUsersKey, offset, offset+count-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]BannedUser, 0, len(entries))
	for _, e := range entries {
		id, _ := e.Member.(string)
		out = append(out, BannedUser{
			UserID:   id,
			BannedAt: time.UnixMilli(int64(e.Score)),
		})
	}
	return out, nil
}

// CountBannedUsers returns the size of the global banned listing.
func (s *Service) CountBannedUsers(ctx context.Context) (int64, error) {
	return s.rc.Raw().ZCard(ctx, bannedUsersKey).Result()
}

// BanTime returns when the user was forced offline, or nil if they are not
// in the banned listing.
func (s *Service) BanTime(ctx context.Context, userID string) (*time.Time, error) {
	score, err := s.rc.Raw().ZScore(ctx, bannedUsersKey, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t := time.UnixMilli(int64(score))
	return &t, nil
}
