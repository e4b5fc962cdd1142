package revocation

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

// Reason is the audit-only cause recorded on a denylist entry. It is never
// part of a client-visible response.
type Reason string

const (
	// ReasonSignOut is an exported constant or variable used by the authentication engine.
	ReasonSignOut Reason = "sign-out"
	// ReasonEviction is an exported constant or variable used by the authentication engine.
	ReasonEviction Reason = "session-evicted"
	// ReasonAdmin is an exported constant or variable used by the authentication engine.
	ReasonAdmin Reason = "administrative"
)

// Registry tracks per-user monotonic revocation counters and the per-token
// denylist. Counters defeat every token a user ever received; denylist
// entries defeat one specific token identifier before its natural expiry.
type Registry struct {
	redis  redis.UniversalClient
	prefix string
}

// NewRegistry creates a [Registry] backed by the given Redis client.
func NewRegistry(redisClient redis.UniversalClient, prefix string) *Registry {
	if prefix == "" {
		prefix = "arv"
	}
	return &Registry{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (r *Registry) counterKey(userID string) string {
	return r.prefix + ":c:" + userID
}

// DenyKey returns the Redis key for a denylist entry. Exposed so the session
// store can write the entry inside its multi-item eviction script.
func (r *Registry) DenyKey(tokenHash [32]byte) string {
	return r.prefix + ":d:" + hex.EncodeToString(tokenHash[:])
}

// Counter returns the user's current revocation counter. Absent keys read
// as zero, the value every user starts at.
//
//	Performance: 1 Redis GET.
func (r *Registry) Counter(ctx context.Context, userID string) (uint64, error) {
	count, err := r.redis.Get(ctx, r.counterKey(userID)).Uint64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return count, nil
}

// Bump increments the user's revocation counter, invalidating all
// previously issued access tokens for that user on their next validation.
func (r *Registry) Bump(ctx context.Context, userID string) (uint64, error) {
	count, err := r.redis.Incr(ctx, r.counterKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return uint64(count), nil
}

// Deny records a denylist entry for a hashed token identifier. ttl must be
// no shorter than the maximum remaining lifetime of the token type blocked;
// the entry self-expires afterwards.
func (r *Registry) Deny(ctx context.Context, tokenHash [32]byte, reason Reason, ttl time.Duration) error {
	if err := r.redis.Set(ctx, r.DenyKey(tokenHash), string(reason), ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// IsDenied reports whether a hashed token identifier is denylisted.
//
//	Performance: 1 Redis EXISTS.
func (r *Registry) IsDenied(ctx context.Context, tokenHash [32]byte) (bool, error) {
	n, err := r.redis.Exists(ctx, r.DenyKey(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return n > 0, nil
}

// DeniedReason returns the audit reason for a denylisted hash, or "" when
// the hash is not denylisted.
func (r *Registry) DeniedReason(ctx context.Context, tokenHash [32]byte) (Reason, error) {
	val, err := r.redis.Get(ctx, r.DenyKey(tokenHash)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return Reason(val), nil
}
