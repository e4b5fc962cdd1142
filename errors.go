package authkit

import "errors"

var (
	// ErrEngineNotReady is an exported constant or variable used by the authentication engine.
	ErrEngineNotReady = errors.New("engine not initialized")
	// ErrUserNotFound is an exported constant or variable used by the authentication engine.
	ErrUserNotFound = errors.New("user not found")
	// ErrTokenInvalid is an exported constant or variable used by the authentication engine.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is an exported constant or variable used by the authentication engine.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenSchemaUnknown is an exported constant or variable used by the authentication engine.
	ErrTokenSchemaUnknown = errors.New("unknown token schema version")
	// ErrTokenRevoked is an exported constant or variable used by the authentication engine.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrSessionNotFound is an exported constant or variable used by the authentication engine.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionCreationFailed is an exported constant or variable used by the authentication engine.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrRefreshInvalid is an exported constant or variable used by the authentication engine.
	ErrRefreshInvalid = errors.New("invalid refresh token")
	// ErrRefreshReuse is an exported constant or variable used by the authentication engine.
	ErrRefreshReuse = errors.New("refresh token reuse detected")
	// ErrForbidden is an exported constant or variable used by the authentication engine.
	ErrForbidden = errors.New("insufficient role or scope")
	// ErrOneTimeInvalid is an exported constant or variable used by the authentication engine.
	ErrOneTimeInvalid = errors.New("one-time token invalid")
	// ErrMagicLinkDisabled is an exported constant or variable used by the authentication engine.
	ErrMagicLinkDisabled = errors.New("magic link flow disabled")
	// ErrOAuthProviderUnknown is an exported constant or variable used by the authentication engine.
	ErrOAuthProviderUnknown = errors.New("unknown oauth provider")
	// ErrEmailUnverified is an exported constant or variable used by the authentication engine.
	ErrEmailUnverified = errors.New("provider email not verified")
	// ErrLinkConfirmationRequired is an exported constant or variable used by the authentication engine.
	ErrLinkConfirmationRequired = errors.New("account linking requires explicit confirmation")
	// ErrCSRFMismatch is an exported constant or variable used by the authentication engine.
	ErrCSRFMismatch = errors.New("csrf token mismatch")
	// ErrRateLimited is an exported constant or variable used by the authentication engine.
	ErrRateLimited = errors.New("rate limited")
	// ErrRoleUnknown is an exported constant or variable used by the authentication engine.
	ErrRoleUnknown = errors.New("unknown role")
)
