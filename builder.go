package authkit

import (
	"crypto/rand"
	"errors"
	"io"
	"time"

	"github.com/marketlens/authkit/internal/rate"
	"github.com/marketlens/authkit/jwt"
	"github.com/marketlens/authkit/onetime"
	"github.com/marketlens/authkit/revocation"
	"github.com/marketlens/authkit/session"
	"github.com/redis/go-redis/v9"
)

// Builder defines a public type used by authkit APIs.
//
// Builder instances are intended to be configured during initialization and
// then treated as immutable unless documented otherwise.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	keys         jwt.KeyProvider
	userProvider UserProvider
	emailSender  EmailSender
	auditSink    AuditSink
	now          func() time.Time
	random       io.Reader

	built bool
}

// New describes the new operation and its observable behavior.
//
// New does not mutate shared global state and can be used concurrently when
// the receiver and dependencies are concurrently safe.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig describes the withconfig operation and its observable behavior.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis describes the withredis operation and its observable behavior.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithKeys describes the withkeys operation and its observable behavior.
func (b *Builder) WithKeys(keys jwt.KeyProvider) *Builder {
	b.keys = keys
	return b
}

// WithUserProvider describes the withuserprovider operation and its observable behavior.
func (b *Builder) WithUserProvider(up UserProvider) *Builder {
	b.userProvider = up
	return b
}

// WithEmailSender describes the withemailsender operation and its observable behavior.
func (b *Builder) WithEmailSender(sender EmailSender) *Builder {
	b.emailSender = sender
	return b
}

// WithAuditSink describes the withauditsink operation and its observable behavior.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithClock pins the engine's time source. Intended for tests.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithRandom pins the engine's entropy source. Intended for tests.
func (b *Builder) WithRandom(rnd io.Reader) *Builder {
	b.random = rnd
	return b
}

// WithMetricsEnabled describes the withmetricsenabled operation and its observable behavior.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistogram describes the withlatencyhistogram operation and its observable behavior.
func (b *Builder) WithLatencyHistogram(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistogram = enabled
	return b
}

// Build describes the build operation and its observable behavior.
//
// Build may return an error when input validation, dependency calls, or
// security checks fail.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)

	if b.redis == nil {
		return nil, errors.New("redis client required")
	}
	if b.keys == nil {
		return nil, errors.New("key provider required")
	}
	if b.userProvider == nil {
		return nil, errors.New("user provider required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.OAuth.Enabled {
		for tag, p := range cfg.OAuth.Providers {
			if p.RedirectURI == "" {
				return nil, errors.New("provider " + tag + " has no redirect URI")
			}
		}
	}

	now := b.now
	if now == nil {
		now = time.Now
	}
	random := b.random
	if random == nil {
		random = rand.Reader
	}

	jwtManager, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		Keys:          b.keys,
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Environment:   cfg.JWT.Environment,
		Leeway:        cfg.JWT.ClockSkew,
		Now:           now,
	})
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:       cfg,
		jwtManager:   jwtManager,
		sessionStore: session.NewStore(b.redis, cfg.Session.RedisPrefix, now),
		registry:     revocation.NewRegistry(b.redis, cfg.Denylist.RedisPrefix),
		onetimeStore: onetime.NewStore(b.redis, cfg.OneTime.RedisPrefix, now),
		userProvider: b.userProvider,
		emailSender:  b.emailSender,
		now:          now,
		random:       random,
	}

	if engine.emailSender == nil {
		engine.emailSender = NoOpEmailSender{}
	}

	engine.rateLimiter = rate.New(b.redis, rate.Config{
		EnableIPThrottle:        cfg.RateLimit.EnableIPThrottle,
		EnableRefreshThrottle:   cfg.RateLimit.EnableRefreshThrottle,
		MaxMagicLinkIssues:      cfg.RateLimit.MaxMagicLinkIssues,
		MagicLinkCooldown:       cfg.RateLimit.MagicLinkCooldown,
		MaxRefreshAttempts:      cfg.RateLimit.MaxRefreshAttempts,
		RefreshCooldownDuration: cfg.RateLimit.RefreshCooldown,
		MaxOAuthBeginsPerIP:     cfg.RateLimit.MaxOAuthBeginsPerIP,
		OAuthBeginCooldownPerIP: cfg.RateLimit.OAuthBeginCooldown,
	})

	if cfg.Audit.Enabled && b.auditSink != nil {
		engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	}
	if cfg.Metrics.Enabled {
		engine.metrics = newMetrics(cfg.Metrics)
	}

	b.built = true
	return engine, nil
}
