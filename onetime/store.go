package onetime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
	ErrRedisUnavailable = errors.New("redis unavailable")
	// ErrNotFound marks a consumption attempt for a record that does not
	// exist or was already consumed. Audit-only distinction.
	ErrNotFound = errors.New("one-time record not found")
	// ErrExpired marks a consumption attempt past the record's expiry.
	// Audit-only distinction.
	ErrExpired = errors.New("one-time record expired")
	// ErrMismatch marks a consumption whose field condition failed (e.g.
	// OAuth provider confusion). Audit-only distinction.
	ErrMismatch = errors.New("one-time record condition mismatch")
	// ErrRecordCorrupt is an exported constant or variable used by the authentication engine.
	ErrRecordCorrupt = errors.New("one-time record corrupt")
)

const (
	consumeStatusNotFound int64 = 0
	consumeStatusExpired  int64 = 1
	consumeStatusMismatch int64 = 2
	consumeStatusConsumed int64 = 3
)

const consumeScript = `
local key = KEYS[1]
local now = tonumber(ARGV[1])
local field = ARGV[2]
local want = ARGV[3]

local data = redis.call("GET", key)
if not data then
  return {0}
end
local rec = cjson.decode(data)
if rec.exp <= now then
  redis.call("DEL", key)
  return {1}
end
if field ~= "" and tostring(rec[field]) ~= want then
  return {2}
end
redis.call("DEL", key)
return {3, data}
`

var consumeLua = redis.NewScript(consumeScript)

// Record is a one-time verification record: magic link or OAuth state. The
// purpose-specific fields are a union; unused fields stay empty.
type Record struct {
	SchemaVersion uint8  `json:"v"`
	CreatedAt     int64  `json:"iat"`
	ExpiresAt     int64  `json:"exp"`
	Purpose       string `json:"purpose,omitempty"`
	Email         string `json:"email,omitempty"`
	Provider      string `json:"provider,omitempty"`
	Redirect      string `json:"redirect,omitempty"`
	Verifier      string `json:"verifier,omitempty"`
}

// Store is the generic atomic create/consume-once primitive shared by magic
// links and OAuth state. Records are keyed by the SHA-256 of the plaintext
// token; the plaintext itself is never stored.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a one-time token [Store] backed by the given Redis client.
func NewStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "aot"
	}
	if now == nil {
		now = time.Now
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
		now:    now,
	}
}

func (s *Store) key(token string) string {
	sum := sha256.Sum256([]byte(token))
	return s.prefix + ":" + hex.EncodeToString(sum[:])
}

// Save stores a record under the hash of token. The record self-expires at
// ttl regardless of consumption.
func (s *Store) Save(ctx context.Context, token string, rec *Record, ttl time.Duration) error {
	if rec == nil {
		return ErrRecordCorrupt
	}
	rec.SchemaVersion = 1
	if rec.CreatedAt == 0 {
		rec.CreatedAt = s.now().Unix()
	}
	if rec.ExpiresAt == 0 {
		rec.ExpiresAt = s.now().Add(ttl).Unix()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
	}

	if err := s.redis.Set(ctx, s.key(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Consume atomically deletes-and-returns the record for token. Under N
// concurrent attempts exactly one caller receives the record; every other
// caller gets ErrNotFound. The unconsumed-to-consumed transition happens
// exactly once because the read-check-delete runs as one Lua script.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) Consume(ctx context.Context, token string) (*Record, error) {
	return s.consume(ctx, token, "", "")
}

// ConsumeMatching consumes conditioned additionally on a record field
// equality, e.g. the stored OAuth provider matching the caller-supplied one.
// A mismatch leaves the record in place and returns ErrMismatch.
func (s *Store) ConsumeMatching(ctx context.Context, token, field, want string) (*Record, error) {
	return s.consume(ctx, token, field, want)
}

func (s *Store) consume(ctx context.Context, token, field, want string) (*Record, error) {
	result, err := consumeLua.Run(
		ctx,
		s.redis,
		[]string{s.key(token)},
		s.now().Unix(),
		field,
		want,
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid consume script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid consume script status", ErrRedisUnavailable)
	}

	switch code {
	case consumeStatusNotFound:
		return nil, ErrNotFound
	case consumeStatusExpired:
		return nil, ErrExpired
	case consumeStatusMismatch:
		return nil, ErrMismatch
	case consumeStatusConsumed:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing consumed payload", ErrRedisUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid consumed payload", ErrRedisUnavailable)
		}

		var rec Record
		if err := json.Unmarshal(blob, &rec); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRecordCorrupt, err)
		}
		return &rec, nil
	default:
		return nil, fmt.Errorf("%w: unknown consume script status", ErrRedisUnavailable)
	}
}
