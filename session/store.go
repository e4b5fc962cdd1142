package session

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrRedisUnavailable is an exported constant or variable used by the authentication engine.
var ErrRedisUnavailable = errors.New("redis unavailable")

// ErrEvictionRace is returned when a condition inside the
// create-with-eviction write fails: a concurrent request removed or rotated
// the eviction candidate, or filled the user's last free session slot after
// the caller read the count. This is a normal outcome, not an error path;
// the login flow retries the whole reservation exactly once.
var ErrEvictionRace = errors.New("eviction candidate changed concurrently")

// ErrRefreshHashMismatch is returned when a rotation's compare-and-swap
// condition fails: the presented hash is no longer the one on record.
var ErrRefreshHashMismatch = errors.New("refresh hash mismatch")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusMismatch int64 = 2
	rotateStatusRotated  int64 = 3
)

const (
	createStatusRace      int64 = 0
	createStatusCreated   int64 = 1
	createStatusCollision int64 = 2
)

const createWithEvictionScript = `
local new_key = KEYS[1]
local index_key = KEYS[2]
local evict_key = KEYS[3]
local deny_key = KEYS[4]

local new_sid = ARGV[1]
local blob = ARGV[2]
local ttl_ms = tonumber(ARGV[3])
local score = tonumber(ARGV[4])
local evict_sid = ARGV[5]
local evict_rh = ARGV[6]
local deny_val = ARGV[7]
local deny_ttl_ms = tonumber(ARGV[8])
local limit = tonumber(ARGV[9])
local session_prefix = ARGV[10]

if redis.call("EXISTS", new_key) == 1 then
  return 2
end

local evict_data = nil
if evict_sid ~= "" then
  evict_data = redis.call("GET", evict_key)
  if not evict_data then
    return 0
  end
  local parsed = cjson.decode(evict_data)
  if parsed.rh ~= evict_rh then
    return 0
  end
end

local live = 0
for _, sid in ipairs(redis.call("ZRANGE", index_key, 0, -1)) do
  if sid ~= evict_sid then
    if redis.call("EXISTS", session_prefix .. sid) == 1 then
      live = live + 1
    else
      redis.call("ZREM", index_key, sid)
    end
  end
end
if live >= limit then
  return 0
end

if evict_sid ~= "" then
  redis.call("DEL", evict_key)
  redis.call("ZREM", index_key, evict_sid)
  redis.call("SET", deny_key, deny_val, "PX", deny_ttl_ms)
end

redis.call("SET", new_key, blob, "PX", ttl_ms)
redis.call("ZADD", index_key, score, new_sid)
return 1
`

var createWithEvictionLua = redis.NewScript(createWithEvictionScript)

const rotateRefreshScript = `
local key = KEYS[1]
local sid = ARGV[1]
local provided = ARGV[2]
local next_rh = ARGV[3]
local now = tonumber(ARGV[4])
local index_prefix = ARGV[5]

local data = redis.call("GET", key)
if not data then
  return {0}
end
local parsed = cjson.decode(data)
local index_key = index_prefix .. parsed.uid
if parsed.exp <= now then
  redis.call("DEL", key)
  redis.call("ZREM", index_key, sid)
  return {1}
end
if parsed.rh ~= provided then
  return {2}
end
local ttl = redis.call("PTTL", key)
if ttl <= 0 then
  redis.call("DEL", key)
  redis.call("ZREM", index_key, sid)
  return {1}
end
parsed.rh = next_rh
local updated = cjson.encode(parsed)
redis.call("SET", key, updated, "PX", ttl)
return {3, updated}
`

var rotateRefreshLua = redis.NewScript(rotateRefreshScript)

const deleteSessionScript = `
local existed = redis.call("EXISTS", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
if existed == 1 then
  redis.call("DEL", KEYS[1])
end
return existed
`

var deleteSessionLua = redis.NewScript(deleteSessionScript)

// Store is the Redis-backed session store. All exactly-once coordination —
// create-with-eviction, rotation CAS, delete — is a single Lua script whose
// condition failure is reported as a sentinel error, never retried here.
type Store struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewStore creates a session [Store] backed by the given Redis client.
// prefix sets the Redis key namespace; now is the injected clock.
func NewStore(redisClient redis.UniversalClient, prefix string, now func() time.Time) *Store {
	if prefix == "" {
		prefix = "as"
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

func (s *Store) key(sessionID string) string {
	return s.prefix + ":" + sessionID
}

func (s *Store) userKey(userID string) string {
	return s.prefix + ":u:" + userID
}

// CreateWithEviction performs the single all-or-nothing write reserving a
// session slot: conditionally delete the eviction candidate (guarded by its
// refresh hash), denylist the evicted refresh hash at denyKey, and insert
// the new session. All conditions — the session ID being unused, the
// candidate still carrying the expected hash, and the user's live-session
// count staying under limit after the eviction — are checked inside the
// script before anything is written, so concurrent creates that each read a
// below-limit count cannot overshoot; the losers get ErrEvictionRace.
//
//	Performance: 1 Lua EVALSHA.
//	Security: the multi-item write closes the window between eviction and
//	denylisting entirely rather than narrowing it.
func (s *Store) CreateWithEviction(
	ctx context.Context,
	sess *Session,
	evict *EvictionCandidate,
	limit int,
	ttl time.Duration,
	denyKey, denyValue string,
	denyTTL time.Duration,
) error {
	blob, err := Encode(sess)
	if err != nil {
		return err
	}

	evictSID := ""
	evictRH := ""
	evictKey := s.key(sess.SessionID) // placeholder, unused when no eviction
	if evict != nil {
		evictSID = evict.SessionID
		evictRH = hex.EncodeToString(evict.RefreshHash[:])
		evictKey = s.key(evict.SessionID)
	}
	if denyKey == "" {
		denyKey = s.key(sess.SessionID)
	}

	result, err := createWithEvictionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sess.SessionID), s.userKey(sess.UserID), evictKey, denyKey},
		sess.SessionID,
		blob,
		ttl.Milliseconds(),
		sess.CreatedAt,
		evictSID,
		evictRH,
		denyValue,
		denyTTL.Milliseconds(),
		limit,
		s.key(""),
	).Int64()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	switch result {
	case createStatusCreated:
		return nil
	case createStatusRace:
		return ErrEvictionRace
	case createStatusCollision:
		// A 122-bit ID collided or the caller reused an ID. Either way the
		// reservation did not happen; surface it as a race for the single
		// caller-level retry.
		return ErrEvictionRace
	default:
		return fmt.Errorf("%w: unknown create script status %d", ErrRedisUnavailable, result)
	}
}

// Get retrieves a live session by ID. Expired-but-present sessions are
// removed and reported as redis.Nil.
//
//	Performance: 1 Redis GET on the happy path.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return nil, err
	}
	sess.SessionID = sessionID

	if s.now().Unix() >= sess.ExpiresAt {
		if err := s.deleteSessionAndIndex(ctx, sess.UserID, sessionID); err != nil {
			return nil, err
		}
		return nil, redis.Nil
	}

	return sess, nil
}

// LiveSessions returns the user's live sessions ordered oldest first, and
// prunes index entries whose sessions have expired. The first element is the
// eviction candidate when the user is at the role's limit.
func (s *Store) LiveSessions(ctx context.Context, userID string) ([]*Session, error) {
	userKey := s.userKey(userID)

	ids, err := s.redis.ZRange(ctx, userKey, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []*Session{}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(ids) == 0 {
		return []*Session{}, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, sid := range ids {
		cmds[i] = pipe.Get(ctx, s.key(sid))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	nowUnix := s.now().Unix()
	live := make([]*Session, 0, len(ids))
	var stale []interface{}
	for i, cmd := range cmds {
		data, cmdErr := cmd.Bytes()
		if cmdErr != nil {
			if errors.Is(cmdErr, redis.Nil) {
				stale = append(stale, ids[i])
				continue
			}
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, cmdErr)
		}

		sess, decErr := Decode(data)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = ids[i]
		if nowUnix >= sess.ExpiresAt {
			stale = append(stale, ids[i])
			continue
		}
		live = append(live, sess)
	}

	if len(stale) > 0 {
		if err := s.redis.ZRem(ctx, userKey, stale...).Err(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	sort.Slice(live, func(i, j int) bool { return live[i].CreatedAt < live[j].CreatedAt })
	return live, nil
}

// Delete removes a session and its index entry. Deleting an absent session
// is not an error.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	data, err := s.redis.Get(ctx, s.key(sessionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	sess, err := Decode(data)
	if err != nil {
		return err
	}

	return s.deleteSessionAndIndex(ctx, sess.UserID, sessionID)
}

// DeleteAllForUser removes every session for a user and returns the sessions
// that were deleted so the caller can denylist their refresh hashes.
//
// ATOMICITY NOTE: this operation is NOT fully atomic. A session created
// between the index read and the delete phase will not be captured; it
// expires naturally or is caught by the next call. Sign-out-all semantics
// tolerate this window.
func (s *Store) DeleteAllForUser(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.LiveSessions(ctx, userID)
	if err != nil {
		return nil, err
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, sess := range sessions {
			pipe.Del(ctx, s.key(sess.SessionID))
		}
		pipe.Del(ctx, s.userKey(userID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return sessions, nil
}

// RotateRefreshHash atomically replaces the refresh-token hash via a Lua
// compare-and-swap keyed on the provided hash. A concurrent rotation of the
// same token fails the condition and gets ErrRefreshHashMismatch — rejected,
// not retried.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) RotateRefreshHash(
	ctx context.Context,
	sessionID string,
	providedHash [32]byte,
	nextHash [32]byte,
) (*Session, error) {
	key := s.key(sessionID)
	result, err := rotateRefreshLua.Run(
		ctx,
		s.redis,
		[]string{key},
		sessionID,
		hex.EncodeToString(providedHash[:]),
		hex.EncodeToString(nextHash[:]),
		s.now().Unix(),
		s.userKey(""),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	parts, ok := result.([]interface{})
	if !ok || len(parts) == 0 {
		return nil, fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}
	code, ok := parts[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: invalid rotate script status", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound, rotateStatusExpired:
		return nil, redis.Nil
	case rotateStatusMismatch:
		return nil, ErrRefreshHashMismatch
	case rotateStatusRotated:
		if len(parts) < 2 {
			return nil, fmt.Errorf("%w: missing rotated session payload", ErrRedisUnavailable)
		}
		var blob []byte
		switch v := parts[1].(type) {
		case string:
			blob = []byte(v)
		case []byte:
			blob = v
		default:
			return nil, fmt.Errorf("%w: invalid rotated session payload", ErrRedisUnavailable)
		}

		sess, decErr := Decode(blob)
		if decErr != nil {
			return nil, decErr
		}
		sess.SessionID = sessionID
		return sess, nil
	default:
		return nil, fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := s.now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func (s *Store) deleteSessionAndIndex(ctx context.Context, userID, sessionID string) error {
	_, err := deleteSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.key(sessionID), s.userKey(userID)},
		sessionID,
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
