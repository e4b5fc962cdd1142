package session

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func newTestStore(t *testing.T) (*Store, *fakeClock, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	clock := &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
	return NewStore(client, "as", clock.Now), clock, func() { mr.Close() }
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func testSession(userID string, now time.Time, hashSeed string) *Session {
	return &Session{
		SessionID:     uuid.NewString(),
		UserID:        userID,
		Role:          "paid",
		Device:        "test",
		RefreshHash:   sha256.Sum256([]byte(hashSeed)),
		SchemaVersion: CurrentSchemaVersion,
		CreatedAt:     now.Unix(),
		ExpiresAt:     now.Add(7 * 24 * time.Hour).Unix(),
	}
}

func TestCreateGetRoundTrip(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	sess := testSession("u1", clock.Now(), "secret-a")
	if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("CreateWithEviction failed: %v", err)
	}

	got, err := store.Get(context.Background(), sess.SessionID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.UserID != sess.UserID || got.Role != sess.Role || got.Device != sess.Device {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, sess)
	}
	if got.RefreshHash != sess.RefreshHash {
		t.Fatal("refresh hash corrupted")
	}
	if got.CreatedAt != sess.CreatedAt || got.ExpiresAt != sess.ExpiresAt {
		t.Fatal("timestamps corrupted")
	}
}

func TestGetMissingSession(t *testing.T) {
	store, _, done := newTestStore(t)
	defer done()

	if _, err := store.Get(context.Background(), uuid.NewString()); !errors.Is(err, redis.Nil) {
		t.Fatalf("got %v, want redis.Nil", err)
	}
}

func TestLiveSessionsOldestFirst(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	ids := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		sess := testSession("u1", clock.Now(), fmt.Sprintf("seed-%d", i))
		if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		ids = append(ids, sess.SessionID)
		clock.Advance(time.Second)
	}

	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != 3 {
		t.Fatalf("expected 3 sessions, got %d", len(live))
	}
	for i, sess := range live {
		if sess.SessionID != ids[i] {
			t.Fatalf("position %d: got %q, want %q", i, sess.SessionID, ids[i])
		}
	}
}

func TestCreateWithEvictionReplacesCandidate(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	victim := testSession("u1", clock.Now(), "victim")
	if err := store.CreateWithEviction(context.Background(), victim, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create victim failed: %v", err)
	}

	clock.Advance(time.Second)
	replacement := testSession("u1", clock.Now(), "replacement")
	denyKey := "arv:d:test-deny"
	err := store.CreateWithEviction(
		context.Background(),
		replacement,
		&EvictionCandidate{SessionID: victim.SessionID, RefreshHash: victim.RefreshHash},
		1,
		time.Hour,
		denyKey,
		"session-evicted",
		time.Hour,
	)
	if err != nil {
		t.Fatalf("create with eviction failed: %v", err)
	}

	// The victim is gone, the replacement present, the denylist entry
	// written — all from the one write.
	if _, err := store.Get(context.Background(), victim.SessionID); !errors.Is(err, redis.Nil) {
		t.Fatalf("victim still present: %v", err)
	}
	if _, err := store.Get(context.Background(), replacement.SessionID); err != nil {
		t.Fatalf("replacement missing: %v", err)
	}
	exists, err := store.redis.Exists(context.Background(), denyKey).Result()
	if err != nil || exists != 1 {
		t.Fatalf("denylist entry missing: exists=%d err=%v", exists, err)
	}

	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != 1 || live[0].SessionID != replacement.SessionID {
		t.Fatalf("unexpected live set: %+v", live)
	}
}

func TestCreateWithEvictionRaceOnRotatedCandidate(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	victim := testSession("u1", clock.Now(), "victim")
	if err := store.CreateWithEviction(context.Background(), victim, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create victim failed: %v", err)
	}

	// The candidate rotates between selection and the conditional write.
	staleHash := victim.RefreshHash
	if _, err := store.RotateRefreshHash(context.Background(), victim.SessionID, victim.RefreshHash, sha256.Sum256([]byte("rotated"))); err != nil {
		t.Fatalf("rotate failed: %v", err)
	}

	replacement := testSession("u1", clock.Now(), "replacement")
	err := store.CreateWithEviction(
		context.Background(),
		replacement,
		&EvictionCandidate{SessionID: victim.SessionID, RefreshHash: staleHash},
		1,
		time.Hour,
		"arv:d:test-deny",
		"session-evicted",
		time.Hour,
	)
	if !errors.Is(err, ErrEvictionRace) {
		t.Fatalf("got %v, want ErrEvictionRace", err)
	}

	// Nothing was written: the victim survived and the replacement did not
	// land.
	if _, err := store.Get(context.Background(), victim.SessionID); err != nil {
		t.Fatalf("victim was deleted despite the failed guard: %v", err)
	}
	if _, err := store.Get(context.Background(), replacement.SessionID); !errors.Is(err, redis.Nil) {
		t.Fatalf("replacement landed despite the failed guard: %v", err)
	}
}

func TestCreateWithoutEvictionEnforcesLimit(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	first := testSession("u1", clock.Now(), "first")
	if err := store.CreateWithEviction(context.Background(), first, nil, 1, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create first failed: %v", err)
	}

	// The slot filled between the caller's count read and the write; the
	// script's own count check must reject the unconditioned insert.
	second := testSession("u1", clock.Now(), "second")
	err := store.CreateWithEviction(context.Background(), second, nil, 1, time.Hour, "", "", 0)
	if !errors.Is(err, ErrEvictionRace) {
		t.Fatalf("got %v, want ErrEvictionRace", err)
	}
	if _, err := store.Get(context.Background(), second.SessionID); !errors.Is(err, redis.Nil) {
		t.Fatalf("over-limit session landed: %v", err)
	}

	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != 1 || live[0].SessionID != first.SessionID {
		t.Fatalf("unexpected live set: %+v", live)
	}
}

func TestCreateConcurrentNeverExceedsLimit(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	const limit = 2
	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		sess := testSession("u1", clock.Now(), fmt.Sprintf("seed-%d", i))
		go func() {
			defer wg.Done()
			results <- store.CreateWithEviction(context.Background(), sess, nil, limit, time.Hour, "", "", 0)
		}()
	}
	wg.Wait()
	close(results)

	created := 0
	for err := range results {
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrEvictionRace):
		default:
			t.Fatalf("unexpected create error: %v", err)
		}
	}
	if created != limit {
		t.Fatalf("expected exactly %d creates to win, got %d", limit, created)
	}

	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != limit {
		t.Fatalf("expected %d live sessions, got %d", limit, len(live))
	}
}

func TestCreateCollisionLeavesCandidateIntact(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	existing := testSession("u1", clock.Now(), "existing")
	if err := store.CreateWithEviction(context.Background(), existing, nil, 2, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create existing failed: %v", err)
	}
	clock.Advance(time.Second)
	candidate := testSession("u1", clock.Now(), "candidate")
	if err := store.CreateWithEviction(context.Background(), candidate, nil, 2, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create candidate failed: %v", err)
	}

	// The new session ID collides with an existing key. The write must back
	// out before the eviction, leaving the candidate and its index entry
	// untouched and the denylist unwritten.
	colliding := testSession("u1", clock.Now(), "colliding")
	colliding.SessionID = existing.SessionID
	denyKey := "arv:d:collision-deny"
	err := store.CreateWithEviction(
		context.Background(),
		colliding,
		&EvictionCandidate{SessionID: candidate.SessionID, RefreshHash: candidate.RefreshHash},
		2,
		time.Hour,
		denyKey,
		"session-evicted",
		time.Hour,
	)
	if !errors.Is(err, ErrEvictionRace) {
		t.Fatalf("got %v, want ErrEvictionRace", err)
	}

	if _, err := store.Get(context.Background(), candidate.SessionID); err != nil {
		t.Fatalf("candidate was evicted despite the collision: %v", err)
	}
	exists, err := store.redis.Exists(context.Background(), denyKey).Result()
	if err != nil || exists != 0 {
		t.Fatalf("denylist written despite the collision: exists=%d err=%v", exists, err)
	}
	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("expected 2 live sessions, got %d", len(live))
	}
}

func TestRotateRefreshHashSingleWinner(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	sess := testSession("u1", clock.Now(), "initial")
	if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	const n = 12
	var wg sync.WaitGroup
	wg.Add(n)
	results := make(chan error, n)

	for i := 0; i < n; i++ {
		next := sha256.Sum256([]byte(fmt.Sprintf("next-%d", i)))
		go func() {
			defer wg.Done()
			_, err := store.RotateRefreshHash(context.Background(), sess.SessionID, sess.RefreshHash, next)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	winners := 0
	losers := 0
	for err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrRefreshHashMismatch):
			losers++
		default:
			t.Fatalf("unexpected rotate error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
	if losers != n-1 {
		t.Fatalf("expected %d losers, got %d", n-1, losers)
	}
}

func TestRotateRefreshHashExpiredSession(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	sess := testSession("u1", clock.Now(), "initial")
	sess.ExpiresAt = clock.Now().Add(time.Minute).Unix()
	if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	clock.Advance(2 * time.Minute)
	_, err := store.RotateRefreshHash(context.Background(), sess.SessionID, sess.RefreshHash, sha256.Sum256([]byte("next")))
	if !errors.Is(err, redis.Nil) {
		t.Fatalf("got %v, want redis.Nil", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	sess := testSession("u1", clock.Now(), "secret")
	if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if err := store.Delete(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("first Delete failed: %v", err)
	}
	if err := store.Delete(context.Background(), sess.SessionID); err != nil {
		t.Fatalf("second Delete failed: %v", err)
	}
}

func TestDeleteAllForUser(t *testing.T) {
	store, clock, done := newTestStore(t)
	defer done()

	for i := 0; i < 3; i++ {
		sess := testSession("u1", clock.Now(), fmt.Sprintf("seed-%d", i))
		if err := store.CreateWithEviction(context.Background(), sess, nil, 10, time.Hour, "", "", 0); err != nil {
			t.Fatalf("create %d failed: %v", i, err)
		}
		clock.Advance(time.Second)
	}
	other := testSession("u2", clock.Now(), "other")
	if err := store.CreateWithEviction(context.Background(), other, nil, 10, time.Hour, "", "", 0); err != nil {
		t.Fatalf("create other failed: %v", err)
	}

	deleted, err := store.DeleteAllForUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("DeleteAllForUser failed: %v", err)
	}
	if len(deleted) != 3 {
		t.Fatalf("expected 3 deleted sessions, got %d", len(deleted))
	}

	live, err := store.LiveSessions(context.Background(), "u1")
	if err != nil {
		t.Fatalf("LiveSessions failed: %v", err)
	}
	if len(live) != 0 {
		t.Fatalf("expected 0 sessions for u1, got %d", len(live))
	}
	if _, err := store.Get(context.Background(), other.SessionID); err != nil {
		t.Fatalf("unrelated user's session was deleted: %v", err)
	}
}

func TestDecodeRejectsUnknownSchemaVersion(t *testing.T) {
	if _, err := Decode([]byte(`{"v":9,"uid":"u1","role":"paid","rh":"00","rc":0,"iat":1,"exp":2}`)); !errors.Is(err, ErrSessionCorrupt) {
		t.Fatalf("got %v, want ErrSessionCorrupt", err)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, blob := range []string{"", "not json", `{"v":1}`} {
		if _, err := Decode([]byte(blob)); !errors.Is(err, ErrSessionCorrupt) {
			t.Fatalf("blob %q: got %v, want ErrSessionCorrupt", blob, err)
		}
	}
}
