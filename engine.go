package authkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/marketlens/authkit/internal"
	"github.com/marketlens/authkit/internal/rate"
	"github.com/marketlens/authkit/jwt"
	"github.com/marketlens/authkit/onetime"
	"github.com/marketlens/authkit/revocation"
	"github.com/marketlens/authkit/session"
	"github.com/redis/go-redis/v9"
)

// Engine defines a public type used by authkit APIs.
//
// Engine instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Engine struct {
	config       Config
	jwtManager   *jwt.Manager
	sessionStore *session.Store
	registry     *revocation.Registry
	onetimeStore *onetime.Store
	rateLimiter  *rate.Limiter
	audit        *auditDispatcher
	metrics      *Metrics
	userProvider UserProvider
	emailSender  EmailSender
	now          func() time.Time
	random       io.Reader
}

// Close describes the close operation and its observable behavior.
//
// Close does not mutate shared global state and can be used concurrently when
// the receiver and dependencies are concurrently safe.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped describes the auditdropped operation and its observable behavior.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot describes the metricssnapshot operation and its observable behavior.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters: map[MetricID]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Ping reports Redis reachability and round-trip latency.
func (e *Engine) Ping(ctx context.Context) (time.Duration, error) {
	if e == nil || e.sessionStore == nil {
		return 0, ErrEngineNotReady
	}
	return e.sessionStore.Ping(ctx)
}

func (e *Engine) refreshDenyTTL() time.Duration {
	return e.config.Session.RefreshTTL + e.config.Denylist.SafetyBuffer
}

func (e *Engine) accessDenyTTL() time.Duration {
	return e.config.JWT.AccessTTL + e.config.Denylist.SafetyBuffer
}

func (e *Engine) scopesFor(role Role) []string {
	scopes := e.config.ScopesByRole[role]
	out := make([]string, len(scopes))
	copy(out, scopes)
	return out
}

/*
====================================
ISSUANCE
====================================
*/

// Issue mints an access/refresh pair for user on device, creating the
// backing session. When the user is already at their role's session limit
// the oldest live session is evicted in the same atomic write that inserts
// the new one; a concurrent rotation or sign-out of the chosen victim fails
// that write, and Issue retries once against a re-read candidate before
// giving up.
//
// Issue may return an error when input validation, dependency calls, or
// security checks fail.
func (e *Engine) Issue(ctx context.Context, user UserRecord, device string) (*TokenPair, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}
	if user.UserID == "" || user.Tombstoned {
		e.metricInc(MetricIssueFailure)
		return nil, ErrUserNotFound
	}
	if device == "" {
		device = deviceFromContext(ctx)
	}

	limit, err := SessionLimit(user.Role)
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}

	counter, err := e.registry.Counter(ctx, user.UserID)
	if err != nil {
		e.metricInc(MetricIssueFailure)
		return nil, err
	}

	pair, evicted, err := e.issueOnce(ctx, user, device, counter, limit)
	if errors.Is(err, session.ErrEvictionRace) {
		// One retry against a fresh candidate. A second condition failure
		// means the user's session set is churning too fast to reason about;
		// surface it instead of looping.
		e.metricInc(MetricEvictionRaceLost)
		pair, evicted, err = e.issueOnce(ctx, user, device, counter, limit)
	}
	if err != nil {
		if errors.Is(err, session.ErrEvictionRace) {
			err = ErrSessionCreationFailed
		}
		e.metricInc(MetricIssueFailure)
		e.emitAudit(ctx, auditEventIssueFailure, false, user.UserID, "", err, nil)
		return nil, err
	}

	e.metricInc(MetricIssueSuccess)
	e.metricInc(MetricSessionCreated)
	if evicted != "" {
		e.metricInc(MetricSessionEvicted)
		e.emitAudit(ctx, auditEventSessionEvicted, true, user.UserID, evicted, nil, nil)
	}
	e.emitAudit(ctx, auditEventIssueSuccess, true, user.UserID, pair.SessionID, nil, func() map[string]string {
		return map[string]string{"device": device, "role": string(user.Role)}
	})

	return pair, nil
}

// issueOnce performs one attempt of the create-with-eviction write and, on
// success, mints the token pair. Returns the evicted session ID when an
// eviction happened.
func (e *Engine) issueOnce(
	ctx context.Context,
	user UserRecord,
	device string,
	counter uint64,
	limit int,
) (*TokenPair, string, error) {
	sessionID, err := internal.NewSessionID(e.random)
	if err != nil {
		return nil, "", err
	}
	tokenID, err := internal.NewTokenID(e.random)
	if err != nil {
		return nil, "", err
	}
	secret, err := internal.NewRefreshSecret(e.random)
	if err != nil {
		return nil, "", err
	}

	var evict *session.EvictionCandidate
	evictedID := ""
	live, err := e.sessionStore.LiveSessions(ctx, user.UserID)
	if err != nil {
		return nil, "", err
	}
	if len(live) >= limit {
		oldest := live[0]
		evict = &session.EvictionCandidate{
			SessionID:   oldest.SessionID,
			RefreshHash: oldest.RefreshHash,
		}
		evictedID = oldest.SessionID
	}

	now := e.now()
	sess := &session.Session{
		SessionID:         sessionID,
		UserID:            user.UserID,
		Role:              string(user.Role),
		Device:            device,
		RefreshHash:       internal.HashSecret(secret),
		RevocationCounter: counter,
		SchemaVersion:     session.CurrentSchemaVersion,
		CreatedAt:         now.Unix(),
		ExpiresAt:         now.Add(e.config.Session.RefreshTTL).Unix(),
	}

	denyKey := ""
	if evict != nil {
		denyKey = e.registry.DenyKey(evict.RefreshHash)
	}
	err = e.sessionStore.CreateWithEviction(
		ctx,
		sess,
		evict,
		limit,
		e.config.Session.RefreshTTL,
		denyKey,
		string(revocation.ReasonEviction),
		e.refreshDenyTTL(),
	)
	if err != nil {
		return nil, "", err
	}

	access, err := e.jwtManager.CreateAccess(
		user.UserID,
		[]string{string(user.Role)},
		e.scopesFor(user.Role),
		counter,
		sessionID,
		tokenID,
	)
	if err != nil {
		// The session exists but no token was handed out; remove it so the
		// slot is not burned.
		_ = e.sessionStore.Delete(ctx, sessionID)
		return nil, "", err
	}

	refresh, err := internal.EncodeRefreshToken(sessionID, secret)
	if err != nil {
		_ = e.sessionStore.Delete(ctx, sessionID)
		return nil, "", err
	}

	return &TokenPair{
		AccessToken:      access,
		AccessExpiresIn:  e.config.JWT.AccessTTL,
		RefreshToken:     refresh,
		RefreshExpiresAt: time.Unix(sess.ExpiresAt, 0),
		SessionID:        sessionID,
	}, evictedID, nil
}

/*
====================================
VALIDATION
====================================
*/

// Validate runs the full access-token validation pipeline in fixed order:
// signature and time window, claim schema version, revocation counter
// equality, session existence, then the per-token denylist. The first
// failing step rejects; later steps never run, so their cost is never paid
// for garbage input.
//
// Validate may return an error when input validation, dependency calls, or
// security checks fail.
func (e *Engine) Validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	if e == nil || e.jwtManager == nil {
		return nil, ErrEngineNotReady
	}

	start := e.now()
	result, err := e.validate(ctx, accessToken)
	if e.metrics != nil && e.metrics.LatencyEnabled() {
		e.metrics.ObserveValidateLatency(e.now().Sub(start))
	}
	if err != nil {
		e.metricInc(MetricValidateRejected)
		e.emitAudit(ctx, auditEventValidateRejected, false, "", "", err, nil)
		return nil, err
	}
	e.metricInc(MetricValidateSuccess)
	return result, nil
}

func (e *Engine) validate(ctx context.Context, accessToken string) (*AuthResult, error) {
	// Step 1: cryptographic and structural checks.
	claims, err := e.jwtManager.ParseAccess(accessToken)
	if err != nil {
		if errors.Is(err, jwt.ErrExpired) {
			return nil, fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	// Step 2: claim schema version. Unknown versions are rejected, never
	// best-effort interpreted.
	if claims.Ver != jwt.SchemaVersion {
		return nil, fmt.Errorf("%w: version %d", ErrTokenSchemaUnknown, claims.Ver)
	}

	// Step 3: revocation counter equality. Any mismatch rejects; counters
	// only move forward, so a stale token can never become valid again.
	counter, err := e.registry.Counter(ctx, claims.Subject)
	if err != nil {
		return nil, err
	}
	if counter != claims.RC {
		return nil, ErrTokenRevoked
	}

	// Step 4: the backing session must still exist.
	sess, err := e.sessionStore.Get(ctx, claims.SID)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	if sess.UserID != claims.Subject {
		return nil, ErrTokenInvalid
	}

	// Step 5: per-token denylist for tokens blocked before natural expiry.
	denied, err := e.registry.IsDenied(ctx, internal.HashString(claims.ID))
	if err != nil {
		return nil, err
	}
	if denied {
		return nil, ErrTokenRevoked
	}

	roles := make([]Role, 0, len(claims.Roles))
	for _, r := range claims.Roles {
		roles = append(roles, Role(r))
	}

	return &AuthResult{
		UserID:    claims.Subject,
		SessionID: claims.SID,
		TokenID:   claims.ID,
		Roles:     roles,
		Scopes:    claims.Scopes,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// Authorize validates the token and then requires the listed roles. With
// matchAll false any one of required suffices; with matchAll true every one
// must be present.
func (e *Engine) Authorize(ctx context.Context, accessToken string, required []Role, matchAll bool) (*AuthResult, error) {
	result, err := e.Validate(ctx, accessToken)
	if err != nil {
		return nil, err
	}
	if !HasRequiredRoles(required, matchAll, result.Roles) {
		return nil, ErrForbidden
	}
	return result, nil
}

/*
====================================
SIGN-OUT AND REVOCATION
====================================
*/

// SignOut ends the session behind a valid access token. The session record
// is deleted, the token's ID is denylisted for the remainder of its natural
// lifetime, and the session's refresh hash is denylisted so the refresh
// token dies with it. Repeating the call with the same token fails
// validation (the token is now denylisted), which is the idempotent outcome.
func (e *Engine) SignOut(ctx context.Context, accessToken string) error {
	result, err := e.Validate(ctx, accessToken)
	if err != nil {
		return err
	}

	sess, err := e.sessionStore.Get(ctx, result.SessionID)
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	if err := e.sessionStore.Delete(ctx, result.SessionID); err != nil {
		return err
	}
	if err := e.registry.Deny(ctx, internal.HashString(result.TokenID), revocation.ReasonSignOut, e.accessDenyTTL()); err != nil {
		return err
	}
	if sess != nil {
		if err := e.registry.Deny(ctx, sess.RefreshHash, revocation.ReasonSignOut, e.refreshDenyTTL()); err != nil {
			return err
		}
	}

	e.metricInc(MetricSignOut)
	e.emitAudit(ctx, auditEventSignOut, true, result.UserID, result.SessionID, nil, nil)
	return nil
}

// SignOutAll ends every session the user has: all session records are
// deleted, their refresh hashes denylisted, and the revocation counter
// bumped so every outstanding access token fails step three of validation
// immediately.
func (e *Engine) SignOutAll(ctx context.Context, userID string) error {
	if e == nil || e.sessionStore == nil {
		return ErrEngineNotReady
	}
	if userID == "" {
		return ErrUserNotFound
	}

	deleted, err := e.sessionStore.DeleteAllForUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, sess := range deleted {
		if err := e.registry.Deny(ctx, sess.RefreshHash, revocation.ReasonSignOut, e.refreshDenyTTL()); err != nil {
			return err
		}
	}

	if _, err := e.registry.Bump(ctx, userID); err != nil {
		return err
	}

	e.metricInc(MetricSignOut)
	e.metricInc(MetricRevocationBump)
	e.emitAudit(ctx, auditEventSignOutAll, true, userID, "", nil, func() map[string]string {
		return map[string]string{"sessions": fmt.Sprintf("%d", len(deleted))}
	})
	return nil
}

// BumpRevocation advances the user's revocation counter, which rejects all
// outstanding access tokens at once without touching their sessions. New
// issuance and rotation pick up the new value.
func (e *Engine) BumpRevocation(ctx context.Context, userID string) (uint64, error) {
	if e == nil || e.registry == nil {
		return 0, ErrEngineNotReady
	}
	next, err := e.registry.Bump(ctx, userID)
	if err != nil {
		return 0, err
	}
	e.metricInc(MetricRevocationBump)
	e.emitAudit(ctx, auditEventRevocationBump, true, userID, "", nil, nil)
	return next, nil
}

// ListActiveSessions returns the introspection view of a user's live
// sessions, oldest first. Token material never appears in the view.
func (e *Engine) ListActiveSessions(ctx context.Context, userID string) ([]SessionInfo, error) {
	if e == nil || e.sessionStore == nil {
		return nil, ErrEngineNotReady
	}
	live, err := e.sessionStore.LiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]SessionInfo, 0, len(live))
	for _, sess := range live {
		out = append(out, SessionInfo{
			SessionID: sess.SessionID,
			Device:    sess.Device,
			CreatedAt: sess.CreatedAt,
			ExpiresAt: sess.ExpiresAt,
			Role:      Role(sess.Role),
		})
	}
	return out, nil
}
