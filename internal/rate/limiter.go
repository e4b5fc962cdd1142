package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config holds rate limiter tuning parameters.
type Config struct {
	EnableIPThrottle        bool
	EnableRefreshThrottle   bool
	MaxMagicLinkIssues      int
	MagicLinkCooldown       time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
	MaxOAuthBeginsPerIP     int
	OAuthBeginCooldownPerIP time.Duration
}

// Limiter enforces per-email, per-IP, and per-session fixed-window rate
// limits for magic-link issuance, OAuth begin, and refresh operations using
// Redis counters.
type Limiter struct {
	redis  redis.UniversalClient
	config Config
}

// New creates a rate [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient, cfg Config) *Limiter {
	return &Limiter{
		redis:  redisClient,
		config: cfg,
	}
}

// CheckMagicLink enforces the magic-link issuance budget for an email+IP
// pair by incrementing the window counters.
func (l *Limiter) CheckMagicLink(ctx context.Context, email, ip string) error {
	count, err := l.incrementWithTTL(ctx, magicLinkEmailKey(email), l.config.MagicLinkCooldown)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxMagicLinkIssues) {
		return ErrRateLimited
	}

	if l.config.EnableIPThrottle && ip != "" {
		count, err = l.incrementWithTTL(ctx, magicLinkIPKey(ip), l.config.MagicLinkCooldown)
		if err != nil {
			return err
		}
		if count > int64(l.config.MaxMagicLinkIssues) {
			return ErrRateLimited
		}
	}

	return nil
}

// CheckOAuthBegin enforces the per-IP OAuth begin budget.
func (l *Limiter) CheckOAuthBegin(ctx context.Context, ip string) error {
	if !l.config.EnableIPThrottle || ip == "" {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, oauthIPKey(ip), l.config.OAuthBeginCooldownPerIP)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxOAuthBeginsPerIP) {
		return ErrRateLimited
	}

	return nil
}

// CheckRefresh enforces the refresh limit by incrementing the per-session
// counter and applying cooldown TTL.
func (l *Limiter) CheckRefresh(ctx context.Context, sessionID string) error {
	if !l.config.EnableRefreshThrottle {
		return nil
	}

	count, err := l.incrementWithTTL(ctx, refreshKey(sessionID), l.config.RefreshCooldownDuration)
	if err != nil {
		return err
	}
	if count > int64(l.config.MaxRefreshAttempts) {
		return ErrRateLimited
	}

	return nil
}

// RetryAfter reports how long a limited caller should wait before retrying
// the magic-link flow. Missing keys return zero.
func (l *Limiter) RetryAfter(ctx context.Context, email string) (time.Duration, error) {
	ttl, err := l.redis.TTL(ctx, magicLinkEmailKey(email)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}

func magicLinkEmailKey(email string) string {
	return "rlm:e:" + email
}

func magicLinkIPKey(ip string) string {
	return "rlm:i:" + ip
}

func oauthIPKey(ip string) string {
	return "rlo:i:" + ip
}

func refreshKey(sessionID string) string {
	return "rlr:s:" + sessionID
}
