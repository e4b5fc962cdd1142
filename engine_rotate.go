package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/marketlens/authkit/internal"
	"github.com/marketlens/authkit/internal/rate"
	"github.com/marketlens/authkit/revocation"
	"github.com/marketlens/authkit/session"
	"github.com/redis/go-redis/v9"
)

// Rotate exchanges a refresh token for a new access/refresh pair. The old
// refresh token is retired in the same atomic compare-and-swap that installs
// the new one: of two concurrent calls presenting the same token, exactly
// one wins and the loser is rejected, not retried. The denylist is consulted
// before any session read, so a refresh token retired by sign-out or
// eviction is dead even while its session record lingers.
//
// Rotate may return an error when input validation, dependency calls, or
// security checks fail.
func (e *Engine) Rotate(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}

	pair, userID, sessionID, err := e.rotate(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricRateLimited)
			e.emitAudit(ctx, auditEventRateLimited, false, userID, sessionID, err, nil)
			return nil, ErrRateLimited
		}
		e.metricInc(MetricRotateRejected)
		e.emitAudit(ctx, auditEventRotateRejected, false, userID, sessionID, err, nil)
		return nil, err
	}

	e.metricInc(MetricRotateSuccess)
	e.emitAudit(ctx, auditEventRotateSuccess, true, userID, pair.SessionID, nil, nil)
	return pair, nil
}

func (e *Engine) rotate(ctx context.Context, refreshToken string) (*TokenPair, string, string, error) {
	sessionID, secret, err := internal.DecodeRefreshToken(refreshToken)
	if err != nil {
		return nil, "", "", fmt.Errorf("%w: %v", ErrRefreshInvalid, err)
	}

	providedHash := internal.HashSecret(secret)

	// Denylist first. Sign-out and eviction retire refresh tokens through
	// the denylist, and that retirement must hold even when the session
	// record itself has not been cleaned up yet.
	denied, err := e.registry.IsDenied(ctx, providedHash)
	if err != nil {
		return nil, "", sessionID, err
	}
	if denied {
		return nil, "", sessionID, ErrRefreshReuse
	}

	if err := e.rateLimiter.CheckRefresh(ctx, sessionID); err != nil {
		return nil, "", sessionID, err
	}

	nextSecret, err := internal.NewRefreshSecret(e.random)
	if err != nil {
		return nil, "", sessionID, err
	}
	nextHash := internal.HashSecret(nextSecret)

	sess, err := e.sessionStore.RotateRefreshHash(ctx, sessionID, providedHash, nextHash)
	if err != nil {
		switch {
		case errors.Is(err, redis.Nil):
			return nil, "", sessionID, ErrRefreshInvalid
		case errors.Is(err, session.ErrRefreshHashMismatch):
			// The presented token is not the live one: either it already
			// rotated (stale client, possible theft) or a concurrent call
			// won the swap. Both reject; neither retries.
			e.metricInc(MetricRotateRaceLost)
			return nil, "", sessionID, ErrRefreshReuse
		default:
			return nil, "", sessionID, err
		}
	}

	// The swap succeeded against the session's stored counter; cross-check
	// it against the live one. A bump between session creation and now means
	// this session's tokens were revoked wholesale.
	counter, err := e.registry.Counter(ctx, sess.UserID)
	if err != nil {
		return nil, sess.UserID, sessionID, err
	}
	if counter != sess.RevocationCounter {
		_ = e.sessionStore.Delete(ctx, sessionID)
		_ = e.registry.Deny(ctx, nextHash, revocation.ReasonAdmin, e.refreshDenyTTL())
		return nil, sess.UserID, sessionID, ErrTokenRevoked
	}

	tokenID, err := internal.NewTokenID(e.random)
	if err != nil {
		return nil, sess.UserID, sessionID, err
	}

	role := Role(sess.Role)
	access, err := e.jwtManager.CreateAccess(
		sess.UserID,
		[]string{sess.Role},
		e.scopesFor(role),
		counter,
		sessionID,
		tokenID,
	)
	if err != nil {
		return nil, sess.UserID, sessionID, err
	}

	refresh, err := internal.EncodeRefreshToken(sessionID, nextSecret)
	if err != nil {
		return nil, sess.UserID, sessionID, err
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresIn:  e.config.JWT.AccessTTL,
		RefreshToken:     refresh,
		RefreshExpiresAt: time.Unix(sess.ExpiresAt, 0),
		SessionID:        sessionID,
	}, sess.UserID, sessionID, nil
}
