package authkit

import (
	"context"
	"time"
)

// UserRecord is the engine's view of a caller-owned user row. The engine
// never persists users itself; it reads and mutates them through the
// injected [UserProvider].
type UserRecord struct {
	UserID       string
	PrimaryEmail string // empty until a verification flow succeeds
	Role         Role
	Tombstoned   bool

	LinkedProviders []ProviderLink
}

// ProviderLink is the per-provider metadata kept on a user: a one-to-many
// ownership from the user to a small fixed set of records, never a
// back-reference graph.
type ProviderLink struct {
	Provider      string
	Subject       string
	EmailVerified bool
	LinkedAt      time.Time
}

// ProviderIdentity is the identity asserted by an OAuth provider after the
// code exchange (which happens outside this engine).
type ProviderIdentity struct {
	Provider      string
	Subject       string
	Email         string
	EmailVerified bool
}

// LinkDecision is the outcome of the account-linking decision logic. The
// prompt UI that acts on ConfirmationRequired is out of scope.
type LinkDecision uint8

const (
	// LinkAuto is an exported constant or variable used by the authentication engine.
	LinkAuto LinkDecision = iota
	// LinkConfirmationRequired is an exported constant or variable used by the authentication engine.
	LinkConfirmationRequired
)

// TokenPair is the result of issuance and rotation. RefreshToken is the only
// copy of the refresh plaintext that will ever exist; the engine stores its
// one-way hash and nothing else.
type TokenPair struct {
	AccessToken      string
	AccessExpiresIn  time.Duration
	RefreshToken     string
	RefreshExpiresAt time.Time
	SessionID        string
}

// AuthResult is returned by [Engine.Validate] for a token that passed the
// full validation pipeline.
type AuthResult struct {
	UserID    string
	SessionID string
	TokenID   string
	Roles     []Role
	Scopes    []string
	ExpiresAt time.Time
}

// SessionInfo is the safe introspection view for a session. It intentionally
// excludes refresh hashes and token material.
type SessionInfo struct {
	SessionID string
	Device    string
	CreatedAt int64
	ExpiresAt int64
	Role      Role
}

// MagicLinkPurpose distinguishes why a magic link was issued.
type MagicLinkPurpose string

const (
	// PurposeSignIn is an exported constant or variable used by the authentication engine.
	PurposeSignIn MagicLinkPurpose = "sign-in"
	// PurposeEmailChange is an exported constant or variable used by the authentication engine.
	PurposeEmailChange MagicLinkPurpose = "email-change"
)

// UserProvider is the interface callers implement to integrate authkit with
// their user database. Users are created on first successful verification
// (magic link click or OAuth callback with a provider-verified email) or
// explicitly as anonymous placeholders; on account merge the losing record
// is tombstoned, never hard-deleted while references exist.
type UserProvider interface {
	GetUserByID(ctx context.Context, userID string) (UserRecord, error)
	GetUserByEmail(ctx context.Context, email string) (UserRecord, error)
	GetUserByProviderSubject(ctx context.Context, provider, subject string) (UserRecord, error)
	CreateUserFromVerification(ctx context.Context, email string, link *ProviderLink) (UserRecord, error)
	CreateAnonymous(ctx context.Context) (UserRecord, error)
	LinkIdentity(ctx context.Context, userID string, link ProviderLink) error
	TombstoneUser(ctx context.Context, userID string) error
}

// EmailSender is the outbound email capability. Delivery is a black box;
// the engine only hands over the plaintext one-time token.
type EmailSender interface {
	SendMagicLink(ctx context.Context, email, token string, purpose MagicLinkPurpose) error
}

// NoOpEmailSender discards outbound mail. Useful in tests.
type NoOpEmailSender struct{}

// SendMagicLink implements [EmailSender].
func (NoOpEmailSender) SendMagicLink(context.Context, string, string, MagicLinkPurpose) error {
	return nil
}
