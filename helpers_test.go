package authkit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/marketlens/authkit/jwt"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run failed: %v", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return mr, client
}

// fakeClock is a mutable time source shared by the engine and the tests so
// session ordering and expiry are deterministic.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
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

func engineTestConfig() Config {
	cfg := defaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.Issuer = "authkit-test"
	cfg.JWT.Environment = "test"
	cfg.MagicLink.Enabled = true
	cfg.OAuth.Providers = map[string]OAuthProviderConfig{
		"acme": {
			RedirectURI:        "https://app.test/auth/oauth/callback/acme",
			TrustedEmailDomain: "example.com",
		},
		"opaque-idp": {
			RedirectURI:    "https://app.test/auth/oauth/callback/opaque-idp",
			OpaqueIdentity: true,
		},
	}
	cfg.RateLimit.MaxMagicLinkIssues = 3
	cfg.RateLimit.MagicLinkCooldown = time.Minute
	cfg.RateLimit.MaxOAuthBeginsPerIP = 100
	return cfg
}

func testStaticKeys() jwt.StaticKeys {
	return jwt.StaticKeys{CurrentID: "t1", CurrentKey: []byte("test-secret-material")}
}

func newAuthTestEngine(t *testing.T, cfg Config, up UserProvider) (*Engine, *fakeClock, *redis.Client, func()) {
	t.Helper()

	mr, rdb := newTestRedis(t)
	clock := newFakeClock()

	engine, err := New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithKeys(testStaticKeys()).
		WithUserProvider(up).
		WithClock(clock.Now).
		Build()
	if err != nil {
		mr.Close()
		t.Fatalf("Build failed: %v", err)
	}

	return engine, clock, rdb, func() {
		engine.Close()
		mr.Close()
	}
}

/*
====================================
MOCK USER PROVIDER
====================================
*/

type mockUserProvider struct {
	mu        sync.Mutex
	users     map[string]UserRecord
	byEmail   map[string]string
	bySubject map[string]string
}

func newMockUserProvider() *mockUserProvider {
	return &mockUserProvider{
		users:     map[string]UserRecord{},
		byEmail:   map[string]string{},
		bySubject: map[string]string{},
	}
}

func (m *mockUserProvider) seed(user UserRecord) UserRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if user.UserID == "" {
		user.UserID = uuid.NewString()
	}
	m.users[user.UserID] = user
	if user.PrimaryEmail != "" {
		m.byEmail[user.PrimaryEmail] = user.UserID
	}
	for _, link := range user.LinkedProviders {
		m.bySubject[link.Provider+"\x00"+link.Subject] = user.UserID
	}
	return user
}

func (m *mockUserProvider) GetUserByID(_ context.Context, userID string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return user, nil
}

func (m *mockUserProvider) GetUserByEmail(_ context.Context, email string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byEmail[email]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *mockUserProvider) GetUserByProviderSubject(_ context.Context, provider, subject string) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.bySubject[provider+"\x00"+subject]
	if !ok {
		return UserRecord{}, ErrUserNotFound
	}
	return m.users[id], nil
}

func (m *mockUserProvider) CreateUserFromVerification(_ context.Context, email string, link *ProviderLink) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := UserRecord{
		UserID:       uuid.NewString(),
		PrimaryEmail: email,
		Role:         RoleVerifiedFree,
	}
	if link != nil {
		user.LinkedProviders = []ProviderLink{*link}
		m.bySubject[link.Provider+"\x00"+link.Subject] = user.UserID
	}
	m.users[user.UserID] = user
	m.byEmail[email] = user.UserID
	return user, nil
}

func (m *mockUserProvider) CreateAnonymous(_ context.Context) (UserRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := UserRecord{UserID: uuid.NewString(), Role: RoleAnonymous}
	m.users[user.UserID] = user
	return user, nil
}

func (m *mockUserProvider) LinkIdentity(_ context.Context, userID string, link ProviderLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.LinkedProviders = append(user.LinkedProviders, link)
	m.users[userID] = user
	m.bySubject[link.Provider+"\x00"+link.Subject] = userID
	return nil
}

func (m *mockUserProvider) TombstoneUser(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user, ok := m.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	user.Tombstoned = true
	m.users[userID] = user
	return nil
}

/*
====================================
RECORDING EMAIL SENDER
====================================
*/

type recordingSender struct {
	mu     sync.Mutex
	tokens []string
	emails []string
}

func (s *recordingSender) SendMagicLink(_ context.Context, email, token string, _ MagicLinkPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	s.emails = append(s.emails, email)
	return nil
}

func (s *recordingSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tokens) == 0 {
		t.Fatal("no magic link was sent")
	}
	return s.tokens[len(s.tokens)-1]
}
