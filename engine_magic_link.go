package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketlens/authkit/internal"
	"github.com/marketlens/authkit/internal/rate"
	"github.com/marketlens/authkit/onetime"
)

const magicLinkPrefix = "ml:"

// IssueMagicLink creates a single-use sign-in token for email and hands it
// to the configured sender. The plaintext token exists only in the outbound
// mail; the store keeps its hash. Whether the address belongs to a known
// user is not revealed: the link is issued either way, and account lookup
// happens at consumption.
//
// IssueMagicLink may return an error when input validation, dependency
// calls, or security checks fail.
func (e *Engine) IssueMagicLink(ctx context.Context, email string, purpose MagicLinkPurpose) error {
	if e == nil || e.onetimeStore == nil {
		return ErrEngineNotReady
	}
	if !e.config.MagicLink.Enabled {
		return ErrMagicLinkDisabled
	}

	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return ErrOneTimeInvalid
	}
	if purpose == "" {
		purpose = PurposeSignIn
	}

	if err := e.rateLimiter.CheckMagicLink(ctx, email, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricRateLimited)
			e.emitAudit(ctx, auditEventRateLimited, false, "", "", err, func() map[string]string {
				return map[string]string{"email": email}
			})
			return ErrRateLimited
		}
		return err
	}

	token, err := internal.NewOneTimeToken(e.random)
	if err != nil {
		return err
	}

	rec := &onetime.Record{
		Purpose: string(purpose),
		Email:   email,
	}
	if err := e.onetimeStore.Save(ctx, magicLinkPrefix+token, rec, e.config.MagicLink.TTL); err != nil {
		return err
	}

	if err := e.emailSender.SendMagicLink(ctx, email, token, purpose); err != nil {
		// The record stays behind but is unreachable without the plaintext;
		// it ages out on its own TTL.
		return err
	}

	e.metricInc(MetricMagicLinkIssued)
	e.emitAudit(ctx, auditEventMagicLinkIssued, true, "", "", nil, func() map[string]string {
		return map[string]string{"email": email, "purpose": string(purpose)}
	})
	return nil
}

// CompleteMagicLink consumes a magic-link token exactly once and signs the
// owner in, creating the account on first use. Expired, consumed, and
// never-issued tokens are indistinguishable to the caller; the audit trail
// keeps the distinction.
func (e *Engine) CompleteMagicLink(ctx context.Context, token, device string) (*TokenPair, UserRecord, error) {
	if e == nil || e.onetimeStore == nil {
		return nil, UserRecord{}, ErrEngineNotReady
	}
	if !e.config.MagicLink.Enabled {
		return nil, UserRecord{}, ErrMagicLinkDisabled
	}

	rec, err := e.onetimeStore.Consume(ctx, magicLinkPrefix+token)
	if err != nil {
		e.metricInc(MetricMagicLinkRejected)
		e.emitAudit(ctx, auditEventMagicLinkRejected, false, "", "", err, nil)
		if errors.Is(err, onetime.ErrRedisUnavailable) {
			return nil, UserRecord{}, err
		}
		return nil, UserRecord{}, fmt.Errorf("%w: magic link", ErrOneTimeInvalid)
	}

	user, err := e.userForVerifiedEmail(ctx, rec.Email)
	if err != nil {
		e.metricInc(MetricMagicLinkRejected)
		e.emitAudit(ctx, auditEventMagicLinkRejected, false, "", "", err, func() map[string]string {
			return map[string]string{"email": rec.Email}
		})
		return nil, UserRecord{}, err
	}

	pair, err := e.Issue(ctx, user, device)
	if err != nil {
		return nil, UserRecord{}, err
	}

	e.metricInc(MetricMagicLinkConsumed)
	e.emitAudit(ctx, auditEventMagicLinkConsumed, true, user.UserID, pair.SessionID, nil, func() map[string]string {
		return map[string]string{"purpose": rec.Purpose}
	})
	return pair, user, nil
}

// MagicLinkRetryAfter reports how long the caller should wait before the
// next magic-link request for email is accepted. Zero means no wait.
func (e *Engine) MagicLinkRetryAfter(ctx context.Context, email string) (time.Duration, error) {
	if e == nil || e.rateLimiter == nil {
		return 0, ErrEngineNotReady
	}
	return e.rateLimiter.RetryAfter(ctx, strings.ToLower(strings.TrimSpace(email)))
}

// userForVerifiedEmail finds the account owning a verified email, creating
// it on first verification. Tombstoned accounts do not sign in.
func (e *Engine) userForVerifiedEmail(ctx context.Context, email string) (UserRecord, error) {
	user, err := e.userProvider.GetUserByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrUserNotFound) {
			return UserRecord{}, err
		}
		user, err = e.userProvider.CreateUserFromVerification(ctx, email, nil)
		if err != nil {
			return UserRecord{}, err
		}
	}
	if user.Tombstoned {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}
