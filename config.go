package authkit

import (
	"errors"
	"time"
)

// Config defines a public type used by authkit APIs.
//
// Config instances are intended to be configured during initialization and
// then treated as immutable.
type Config struct {
	JWT       JWTConfig
	Session   SessionConfig
	MagicLink MagicLinkConfig
	OAuth     OAuthConfig
	Denylist  DenylistConfig
	OneTime   OneTimeConfig
	RateLimit RateLimitConfig
	Audit     AuditConfig
	Metrics   MetricsConfig

	// ScopesByRole maps each role onto the scope list stamped into its
	// access tokens.
	ScopesByRole map[Role][]string
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig defines a public type used by authkit APIs.
type JWTConfig struct {
	AccessTTL     time.Duration
	SigningMethod string // "ed25519" (default), "hs256" optional
	Issuer        string
	Audience      string
	Environment   string // qualifies the audience, e.g. "prod"
	ClockSkew     time.Duration
}

/*
====================================
SESSION CONFIG
====================================
*/

// SessionConfig defines a public type used by authkit APIs.
type SessionConfig struct {
	RedisPrefix string
	RefreshTTL  time.Duration
}

/*
====================================
MAGIC LINK CONFIG
====================================
*/

// MagicLinkConfig defines a public type used by authkit APIs.
type MagicLinkConfig struct {
	Enabled bool
	TTL     time.Duration
}

/*
====================================
OAUTH CONFIG
====================================
*/

// OAuthProviderConfig describes one configured identity provider. The
// redirect URI is derived from the provider tag server-side, which makes
// this map an implicit allowlist: redirect targets are never user input.
type OAuthProviderConfig struct {
	RedirectURI string
	// TrustedEmailDomain, when set, is the email domain whose
	// provider-verified identities may auto-link to an existing account.
	TrustedEmailDomain string
	// OpaqueIdentity marks providers that do not assert verified emails;
	// their identities never auto-link.
	OpaqueIdentity bool
}

// OAuthConfig defines a public type used by authkit APIs.
type OAuthConfig struct {
	Enabled   bool
	StateTTL  time.Duration
	Providers map[string]OAuthProviderConfig
}

/*
====================================
DENYLIST CONFIG
====================================
*/

// DenylistConfig defines a public type used by authkit APIs.
type DenylistConfig struct {
	RedisPrefix string
	// SafetyBuffer is added to the blocked token's maximum lifetime when
	// computing a denylist entry TTL.
	SafetyBuffer time.Duration
}

/*
====================================
ONE-TIME STORE CONFIG
====================================
*/

// OneTimeConfig defines a public type used by authkit APIs.
type OneTimeConfig struct {
	RedisPrefix string
}

/*
====================================
RATE LIMIT CONFIG
====================================
*/

// RateLimitConfig defines a public type used by authkit APIs.
type RateLimitConfig struct {
	EnableIPThrottle      bool
	EnableRefreshThrottle bool
	MaxMagicLinkIssues    int
	MagicLinkCooldown     time.Duration
	MaxRefreshAttempts    int
	RefreshCooldown       time.Duration
	MaxOAuthBeginsPerIP   int
	OAuthBeginCooldown    time.Duration
}

/*
====================================
AUDIT / METRICS CONFIG
====================================
*/

// AuditConfig defines a public type used by authkit APIs.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	DropIfFull bool
}

// MetricsConfig defines a public type used by authkit APIs.
type MetricsConfig struct {
	Enabled                bool
	EnableLatencyHistogram bool
}

// DefaultConfig returns the baseline configuration: 15-minute access
// tokens, 7-day refresh tokens, 5-minute OAuth state, 1-hour magic links.
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "ed25519",
			Issuer:        "authkit",
			Audience:      "api",
			Environment:   "dev",
			ClockSkew:     30 * time.Second,
		},
		Session: SessionConfig{
			RedisPrefix: "as",
			RefreshTTL:  7 * 24 * time.Hour,
		},
		MagicLink: MagicLinkConfig{
			Enabled: true,
			TTL:     time.Hour,
		},
		OAuth: OAuthConfig{
			Enabled:  true,
			StateTTL: 5 * time.Minute,
		},
		Denylist: DenylistConfig{
			RedisPrefix:  "arv",
			SafetyBuffer: 5 * time.Minute,
		},
		OneTime: OneTimeConfig{
			RedisPrefix: "aot",
		},
		RateLimit: RateLimitConfig{
			EnableIPThrottle:      true,
			EnableRefreshThrottle: false,
			MaxMagicLinkIssues:    5,
			MagicLinkCooldown:     15 * time.Minute,
			MaxRefreshAttempts:    30,
			RefreshCooldown:       time.Minute,
			MaxOAuthBeginsPerIP:   30,
			OAuthBeginCooldown:    time.Minute,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		ScopesByRole: map[Role][]string{
			RoleAnonymous:    {"quotes:read"},
			RoleVerifiedFree: {"quotes:read", "watchlist:write"},
			RolePaid:         {"quotes:read", "watchlist:write", "stream:subscribe"},
			RoleOperator:     {"quotes:read", "watchlist:write", "stream:subscribe", "admin:write"},
		},
	}
}

func validateConfig(cfg Config) error {
	if cfg.JWT.AccessTTL <= 0 {
		return errors.New("jwt access TTL must be positive")
	}
	if cfg.Session.RefreshTTL <= cfg.JWT.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if cfg.JWT.ClockSkew < 0 || cfg.JWT.ClockSkew > 2*time.Minute {
		return errors.New("clock skew leeway out of range")
	}
	if cfg.MagicLink.Enabled && (cfg.MagicLink.TTL <= 0 || cfg.MagicLink.TTL > time.Hour) {
		return errors.New("magic link TTL must be positive and at most one hour")
	}
	if cfg.OAuth.Enabled && cfg.OAuth.StateTTL <= 0 {
		return errors.New("oauth state TTL must be positive")
	}
	if cfg.Denylist.SafetyBuffer < 0 {
		return errors.New("denylist safety buffer must not be negative")
	}
	for role := range cfg.ScopesByRole {
		if !KnownRole(role) {
			return errors.New("scope map references unknown role")
		}
	}
	return nil
}

func cloneConfig(cfg Config) Config {
	out := cfg

	if cfg.OAuth.Providers != nil {
		out.OAuth.Providers = make(map[string]OAuthProviderConfig, len(cfg.OAuth.Providers))
		for tag, p := range cfg.OAuth.Providers {
			out.OAuth.Providers[tag] = p
		}
	}
	if cfg.ScopesByRole != nil {
		out.ScopesByRole = make(map[Role][]string, len(cfg.ScopesByRole))
		for role, scopes := range cfg.ScopesByRole {
			copied := make([]string, len(scopes))
			copy(copied, scopes)
			out.ScopesByRole[role] = copied
		}
	}

	return out
}
