package authkit

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/marketlens/authkit/internal"
	"github.com/marketlens/authkit/internal/rate"
	"github.com/marketlens/authkit/onetime"
)

const oauthStatePrefix = "os:"

// OAuthBegin is the material handed to the client at the start of an OAuth
// flow. The PKCE verifier never leaves the engine's store; only its S256
// challenge is exposed here.
type OAuthBegin struct {
	State         string
	CodeChallenge string
	RedirectURI   string
	ExpiresAt     time.Time
}

// OAuthState is the consumed state record: the stored PKCE verifier for the
// code exchange plus the server-derived redirect target.
type OAuthState struct {
	Provider    string
	Verifier    string
	RedirectURI string
}

// BeginOAuth starts an OAuth flow against a configured provider: a one-time
// state token bound to the provider tag, a PKCE verifier stored server-side,
// and the provider's fixed redirect URI. Redirect targets come from
// configuration only, never from the request.
//
// BeginOAuth may return an error when input validation, dependency calls, or
// security checks fail.
func (e *Engine) BeginOAuth(ctx context.Context, provider string) (*OAuthBegin, error) {
	if e == nil || e.onetimeStore == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.OAuth.Enabled {
		return nil, ErrOAuthProviderUnknown
	}
	providerCfg, ok := e.config.OAuth.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrOAuthProviderUnknown, provider)
	}

	if err := e.rateLimiter.CheckOAuthBegin(ctx, clientIPFromContext(ctx)); err != nil {
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricRateLimited)
			e.emitAudit(ctx, auditEventRateLimited, false, "", "", err, func() map[string]string {
				return map[string]string{"provider": provider}
			})
			return nil, ErrRateLimited
		}
		return nil, err
	}

	state, err := internal.NewOneTimeToken(e.random)
	if err != nil {
		return nil, err
	}
	verifier, err := internal.NewOneTimeToken(e.random)
	if err != nil {
		return nil, err
	}

	rec := &onetime.Record{
		Provider: provider,
		Verifier: verifier,
		Redirect: providerCfg.RedirectURI,
	}
	if err := e.onetimeStore.Save(ctx, oauthStatePrefix+state, rec, e.config.OAuth.StateTTL); err != nil {
		return nil, err
	}

	challengeSum := sha256.Sum256([]byte(verifier))

	e.metricInc(MetricOAuthBegin)
	e.emitAudit(ctx, auditEventOAuthBegin, true, "", "", nil, func() map[string]string {
		return map[string]string{"provider": provider}
	})

	return &OAuthBegin{
		State:         state,
		CodeChallenge: base64.RawURLEncoding.EncodeToString(challengeSum[:]),
		RedirectURI:   providerCfg.RedirectURI,
		ExpiresAt:     e.now().Add(e.config.OAuth.StateTTL),
	}, nil
}

// ConsumeOAuthState redeems a state token exactly once, conditioned on the
// provider tag from the callback URL matching the one the state was issued
// for. A state issued for one provider presented on another provider's
// callback is rejected without consuming anything else; missing, expired,
// and replayed states all collapse to the same client-visible rejection.
func (e *Engine) ConsumeOAuthState(ctx context.Context, state, provider string) (*OAuthState, error) {
	if e == nil || e.onetimeStore == nil {
		return nil, ErrEngineNotReady
	}
	if !e.config.OAuth.Enabled {
		return nil, ErrOAuthProviderUnknown
	}

	rec, err := e.onetimeStore.ConsumeMatching(ctx, oauthStatePrefix+state, "provider", provider)
	if err != nil {
		e.metricInc(MetricOAuthRejected)
		e.emitAudit(ctx, auditEventOAuthRejected, false, "", "", err, func() map[string]string {
			return map[string]string{"provider": provider}
		})
		if errors.Is(err, onetime.ErrRedisUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: oauth state", ErrOneTimeInvalid)
	}

	return &OAuthState{
		Provider:    rec.Provider,
		Verifier:    rec.Verifier,
		RedirectURI: rec.Redirect,
	}, nil
}

// OAuthLogin signs in the account behind a provider-asserted identity,
// applying the account-linking decision logic for first-time identities.
// The caller performs the code exchange itself; the engine only trusts the
// resulting identity assertion.
func (e *Engine) OAuthLogin(ctx context.Context, ident ProviderIdentity, device string) (*TokenPair, UserRecord, error) {
	if e == nil || e.userProvider == nil {
		return nil, UserRecord{}, ErrEngineNotReady
	}
	providerCfg, ok := e.config.OAuth.Providers[ident.Provider]
	if !ok {
		return nil, UserRecord{}, fmt.Errorf("%w: %s", ErrOAuthProviderUnknown, ident.Provider)
	}

	user, err := e.resolveOAuthUser(ctx, ident, providerCfg)
	if err != nil {
		e.metricInc(MetricOAuthRejected)
		e.emitAudit(ctx, auditEventOAuthRejected, false, "", "", err, func() map[string]string {
			return map[string]string{"provider": ident.Provider}
		})
		return nil, UserRecord{}, err
	}

	pair, err := e.Issue(ctx, user, device)
	if err != nil {
		return nil, UserRecord{}, err
	}

	e.metricInc(MetricOAuthCompleted)
	e.emitAudit(ctx, auditEventOAuthCompleted, true, user.UserID, pair.SessionID, nil, func() map[string]string {
		return map[string]string{"provider": ident.Provider}
	})
	return pair, user, nil
}

// resolveOAuthUser maps a provider identity onto an account: the existing
// link if one exists, an auto-link or explicit-confirmation outcome when an
// account already owns the asserted email, or a fresh account for a
// first-time verified identity.
func (e *Engine) resolveOAuthUser(ctx context.Context, ident ProviderIdentity, providerCfg OAuthProviderConfig) (UserRecord, error) {
	user, err := e.userProvider.GetUserByProviderSubject(ctx, ident.Provider, ident.Subject)
	if err == nil {
		if user.Tombstoned {
			return UserRecord{}, ErrUserNotFound
		}
		return user, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return UserRecord{}, err
	}

	// First time this provider identity shows up. Without a provider-verified
	// email there is nothing safe to link or create against.
	email := strings.ToLower(strings.TrimSpace(ident.Email))
	if providerCfg.OpaqueIdentity || email == "" || !ident.EmailVerified {
		return UserRecord{}, ErrEmailUnverified
	}

	link := ProviderLink{
		Provider:      ident.Provider,
		Subject:       ident.Subject,
		EmailVerified: true,
		LinkedAt:      e.now(),
	}

	existing, err := e.userProvider.GetUserByEmail(ctx, email)
	if err == nil {
		if existing.Tombstoned {
			return UserRecord{}, ErrUserNotFound
		}
		decision := e.decideLink(email, providerCfg)
		e.emitAudit(ctx, auditEventLinkDecision, decision == LinkAuto, existing.UserID, "", nil, func() map[string]string {
			outcome := "auto"
			if decision != LinkAuto {
				outcome = "confirmation-required"
			}
			return map[string]string{"provider": ident.Provider, "outcome": outcome}
		})
		if decision != LinkAuto {
			return UserRecord{}, ErrLinkConfirmationRequired
		}
		if err := e.userProvider.LinkIdentity(ctx, existing.UserID, link); err != nil {
			return UserRecord{}, err
		}
		existing.LinkedProviders = append(existing.LinkedProviders, link)
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return UserRecord{}, err
	}

	return e.userProvider.CreateUserFromVerification(ctx, email, &link)
}

// decideLink decides whether a provider-verified email may auto-link to the
// account that already owns it. Auto-linking is limited to the provider's
// trusted domain; everything else requires the owner's explicit say-so
// through an already-authenticated channel.
func (e *Engine) decideLink(email string, providerCfg OAuthProviderConfig) LinkDecision {
	if providerCfg.TrustedEmailDomain == "" {
		return LinkConfirmationRequired
	}
	at := strings.LastIndexByte(email, '@')
	if at < 0 {
		return LinkConfirmationRequired
	}
	if !strings.EqualFold(email[at+1:], providerCfg.TrustedEmailDomain) {
		return LinkConfirmationRequired
	}
	return LinkAuto
}
