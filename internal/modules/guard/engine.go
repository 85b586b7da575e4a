package guard

import (
	"context"
	"time"

	"github.com/mx-space/guard/internal/modules/guard/admission"
	"github.com/mx-space/guard/internal/modules/guard/location"
	"github.com/mx-space/guard/internal/modules/guard/revocation"
	"go.uber.org/zap"
)

// Engine bundles the three guard services and implements the composite flows
// that span them: the auth flow calls Admit + Link on login, and the kick
// operations walk index → blacklist → active set so that revoking one device
// never logs out the user's other sessions.
type Engine struct {
	Admission  *admission.Service
	Revocation *revocation.Service
	Location   *location.Service

	log *zap.Logger
}

func NewEngine(adm *admission.Service, rev *revocation.Service, loc *location.Service, log *zap.Logger) *Engine {
	return &Engine{Admission: adm, Revocation: rev, Location: loc, log: log}
}

// AdmitAndLink is the login-path seam: admit the location, and on success
// register the freshly issued token in the reverse index.
func (e *Engine) AdmitAndLink(ctx context.Context, userID, deviceID, ip, token string, p admission.Policy) (bool, error) {
	var (
		admitted bool
		err      error
	)
	if deviceID != "" {
		admitted, err = e.Admission.AdmitDevice(ctx, userID, deviceID, ip, p)
	} else {
		admitted, err = e.Admission.Admit(ctx, userID, ip, p)
	}
	if err != nil || !admitted {
		return false, err
	}

	if token != "" {
		if err := e.Location.LinkIP(ctx, userID, ip, token, p.SessionTTL); err != nil {
			return true, err
		}
		if deviceID != "" {
			if err := e.Location.LinkDevice(ctx, userID, deviceID, token, p.SessionTTL); err != nil {
				return true, err
			}
		}
	}
	return true, nil
}

// KickIP revokes exactly the tokens issued at (userID, ip), unlinks the
// index and frees the slot. Returns how many tokens were revoked.
func (e *Engine) KickIP(ctx context.Context, userID, ip string, ttl time.Duration) (int, error) {
	tokens, err := e.Location.TokensForIP(ctx, userID, ip)
	if err != nil {
		return 0, err
	}
	if err := e.Revocation.RevokeMany(ctx, tokens, ttl); err != nil {
		return 0, err
	}
	if err := e.Location.UnlinkIP(ctx, userID, ip); err != nil {
		return len(tokens), err
	}
	if err := e.Admission.RemoveActive(ctx, userID, ip); err != nil {
		return len(tokens), err
	}
	e.log.Info("kicked ip session",
		zap.String("user_id", userID),
		zap.String("ip", ip),
		zap.Int("tokens", len(tokens)),
	)
	return len(tokens), nil
}

// KickDevice revokes the tokens issued on (userID, deviceID) and evicts the
// device slot, cascading the device's IP subset.
func (e *Engine) KickDevice(ctx context.Context, userID, deviceID string, ttl time.Duration) (int, error) {
	tokens, err := e.Location.TokensForDevice(ctx, userID, deviceID)
	if err != nil {
		return 0, err
	}
	if err := e.Revocation.RevokeMany(ctx, tokens, ttl); err != nil {
		return 0, err
	}
	if err := e.Location.UnlinkDevice(ctx, userID, deviceID); err != nil {
		return len(tokens), err
	}
	if err := e.Admission.RemoveActive(ctx, userID, deviceID); err != nil {
		return len(tokens), err
	}
	e.log.Info("kicked device session",
		zap.String("user_id", userID),
		zap.String("device_id", deviceID),
		zap.Int("tokens", len(tokens)),
	)
	return len(tokens), nil
}

// KickUser forces the user fully offline: every indexed token is revoked and
// recorded under the user, all indexes dropped, all slots cleared.
func (e *Engine) KickUser(ctx context.Context, userID string, ttl time.Duration) (int, error) {
	tokens, err := e.Location.AllTokens(ctx, userID)
	if err != nil {
		return 0, err
	}
	if err := e.Revocation.RevokeUser(ctx, userID, tokens, ttl); err != nil {
		return 0, err
	}
	if err := e.Location.UnlinkAll(ctx, userID); err != nil {
		return len(tokens), err
	}
	if err := e.Admission.ClearAllActive(ctx, userID); err != nil {
		return len(tokens), err
	}
	e.log.Info("kicked user offline",
		zap.String("user_id", userID),
		zap.Int("tokens", len(tokens)),
	)
	return len(tokens), nil
}

// ReinstateUser undoes KickUser and lifts an admission ban. clearHistory
// decides whether the churn window is wiped too; without it an unbanned user
// may re-trip the threshold from residual history.
func (e *Engine) ReinstateUser(ctx context.Context, userID string, clearHistory bool) error {
	if err := e.Revocation.UnrevokeUser(ctx, userID); err != nil {
		return err
	}
	return e.Admission.Unban(ctx, userID, clearHistory)
}
