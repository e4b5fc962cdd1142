package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	authkit "github.com/marketlens/authkit"
	"github.com/marketlens/authkit/jwt"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSender struct {
	mu     sync.Mutex
	tokens []string
}

func (s *captureSender) SendMagicLink(_ context.Context, _, token string, _ authkit.MagicLinkPurpose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, token)
	return nil
}

func (s *captureSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.tokens, "no magic link was sent")
	return s.tokens[len(s.tokens)-1]
}

type stubUsers struct {
	mu      sync.Mutex
	users   map[string]authkit.UserRecord
	byEmail map[string]string
}

func newStubUsers() *stubUsers {
	return &stubUsers{users: map[string]authkit.UserRecord{}, byEmail: map[string]string{}}
}

func (s *stubUsers) GetUserByID(_ context.Context, id string) (authkit.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return authkit.UserRecord{}, authkit.ErrUserNotFound
	}
	return u, nil
}

func (s *stubUsers) GetUserByEmail(_ context.Context, email string) (authkit.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byEmail[email]
	if !ok {
		return authkit.UserRecord{}, authkit.ErrUserNotFound
	}
	return s.users[id], nil
}

func (s *stubUsers) GetUserByProviderSubject(context.Context, string, string) (authkit.UserRecord, error) {
	return authkit.UserRecord{}, authkit.ErrUserNotFound
}

func (s *stubUsers) CreateUserFromVerification(_ context.Context, email string, link *authkit.ProviderLink) (authkit.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := authkit.UserRecord{UserID: uuid.NewString(), PrimaryEmail: email, Role: authkit.RoleVerifiedFree}
	if link != nil {
		u.LinkedProviders = []authkit.ProviderLink{*link}
	}
	s.users[u.UserID] = u
	s.byEmail[email] = u.UserID
	return u, nil
}

func (s *stubUsers) CreateAnonymous(context.Context) (authkit.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := authkit.UserRecord{UserID: uuid.NewString(), Role: authkit.RoleAnonymous}
	s.users[u.UserID] = u
	return u, nil
}

func (s *stubUsers) LinkIdentity(_ context.Context, id string, link authkit.ProviderLink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return authkit.ErrUserNotFound
	}
	u.LinkedProviders = append(u.LinkedProviders, link)
	s.users[id] = u
	return nil
}

func (s *stubUsers) TombstoneUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return authkit.ErrUserNotFound
	}
	u.Tombstoned = true
	s.users[id] = u
	return nil
}

func newTestServer(t *testing.T) (*Handler, *captureSender, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	sender := &captureSender{}
	cfg := authkit.DefaultConfig()
	cfg.JWT.SigningMethod = "hs256"
	cfg.JWT.Issuer = "authkit-http-test"
	cfg.JWT.Environment = "test"
	cfg.OAuth.Providers = map[string]authkit.OAuthProviderConfig{
		"acme": {RedirectURI: "https://app.test/auth/oauth/callback/acme", TrustedEmailDomain: "example.com"},
	}

	engine, err := authkit.New().
		WithConfig(cfg).
		WithRedis(rdb).
		WithKeys(jwt.StaticKeys{CurrentID: "t1", CurrentKey: []byte("http-test-secret")}).
		WithUserProvider(newStubUsers()).
		WithEmailSender(sender).
		Build()
	require.NoError(t, err)

	handler := New(engine, Config{
		SecureCookies: false,
		Resolver: func(_ context.Context, provider, code, _ string) (authkit.ProviderIdentity, error) {
			return authkit.ProviderIdentity{
				Provider:      provider,
				Subject:       "sub-" + code,
				Email:         "oauth@example.com",
				EmailVerified: true,
			}, nil
		},
	})

	return handler, sender, func() {
		engine.Close()
		mr.Close()
	}
}

func issueAndVerify(t *testing.T, handler *Handler, sender *captureSender, email string) *httptest.ResponseRecorder {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/auth/magic-link", strings.NewReader(`{"email":"`+email+`"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	verify := httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify/"+sender.last(t), nil)
	verifyRec := httptest.NewRecorder()
	handler.ServeHTTP(verifyRec, verify)
	return verifyRec
}

func TestMagicLinkFlow(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)

	var body tokenEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AccessToken)
	assert.Equal(t, "Bearer", body.TokenType)
	assert.Equal(t, int64(900), body.ExpiresIn)
	assert.Equal(t, "alice@example.com", body.User.Email)

	// The refresh token lives in a cookie, never in the body.
	assert.NotContains(t, rec.Body.String(), "refresh_token")
	cookies := rec.Result().Cookies()
	var refreshCookie *http.Cookie
	for _, c := range cookies {
		if c.Name == refreshCookieName {
			refreshCookie = c
		}
	}
	require.NotNil(t, refreshCookie, "refresh cookie missing")
	assert.True(t, refreshCookie.HttpOnly)
	assert.Equal(t, refreshCookiePath, refreshCookie.Path)
}

func TestMagicLinkTokenInQueryRejected(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodPost, "/auth/magic-link", strings.NewReader(`{"email":"alice@example.com"}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	token := sender.last(t)

	// A token leaked into the query string is rejected outright, and the
	// rejection must not have consumed it.
	leaky := httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify/x?token="+token, nil)
	leakyRec := httptest.NewRecorder()
	handler.ServeHTTP(leakyRec, leaky)
	assert.Equal(t, http.StatusBadRequest, leakyRec.Code)

	verify := httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify/"+token, nil)
	verifyRec := httptest.NewRecorder()
	handler.ServeHTTP(verifyRec, verify)
	assert.Equal(t, http.StatusOK, verifyRec.Code)
}

func TestMagicLinkDoubleConsumeUniformBody(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	token := sender.last(t)

	second := httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify/"+token, nil)
	secondRec := httptest.NewRecorder()
	handler.ServeHTTP(secondRec, second)
	require.Equal(t, http.StatusGone, secondRec.Code)

	// A consumed token and a never-issued token are indistinguishable.
	unknown := httptest.NewRequest(http.MethodGet, "/auth/magic-link/verify/never-issued", nil)
	unknownRec := httptest.NewRecorder()
	handler.ServeHTTP(unknownRec, unknown)
	require.Equal(t, http.StatusGone, unknownRec.Code)
	assert.Equal(t, secondRec.Body.String(), unknownRec.Body.String())
}

func TestRefreshRequiresCSRF(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()

	// Cookie jar without the CSRF header: a cross-site shaped request.
	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	noCSRF := httptest.NewRecorder()
	handler.ServeHTTP(noCSRF, req)
	assert.Equal(t, http.StatusForbidden, noCSRF.Code)

	// Same jar with the echoed CSRF value succeeds.
	var csrf string
	for _, c := range cookies {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}
	require.NotEmpty(t, csrf)

	req = httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	req.Header.Set(csrfHeaderName, csrf)
	withCSRF := httptest.NewRecorder()
	handler.ServeHTTP(withCSRF, req)
	require.Equal(t, http.StatusOK, withCSRF.Code)

	var body tokenEnvelope
	require.NoError(t, json.Unmarshal(withCSRF.Body.Bytes(), &body))
	assert.NotEmpty(t, body.AccessToken)
}

func TestRefreshReplayRejected(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	cookies := rec.Result().Cookies()
	var csrf string
	for _, c := range cookies {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}

	doRefresh := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
		for _, c := range cookies {
			req.AddCookie(c)
		}
		req.Header.Set(csrfHeaderName, csrf)
		out := httptest.NewRecorder()
		handler.ServeHTTP(out, req)
		return out
	}

	first := doRefresh()
	require.Equal(t, http.StatusOK, first.Code)

	// Replaying the old cookie after rotation is a reuse attempt.
	second := doRefresh()
	assert.Equal(t, http.StatusUnauthorized, second.Code)
}

func TestSessionsEndpointRequiresBearer(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	var body tokenEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))

	bare := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	bareRec := httptest.NewRecorder()
	handler.ServeHTTP(bareRec, bare)
	assert.Equal(t, http.StatusUnauthorized, bareRec.Code)

	authed := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	authed.Header.Set("Authorization", "Bearer "+body.AccessToken)
	authedRec := httptest.NewRecorder()
	handler.ServeHTTP(authedRec, authed)
	require.Equal(t, http.StatusOK, authedRec.Code)

	var sessions struct {
		Sessions []struct {
			SessionID string `json:"session_id"`
			Current   bool   `json:"current"`
		} `json:"sessions"`
	}
	require.NoError(t, json.Unmarshal(authedRec.Body.Bytes(), &sessions))
	require.Len(t, sessions.Sessions, 1)
	assert.True(t, sessions.Sessions[0].Current)
}

func TestSignOutFlow(t *testing.T) {
	handler, sender, done := newTestServer(t)
	defer done()

	rec := issueAndVerify(t, handler, sender, "alice@example.com")
	require.Equal(t, http.StatusOK, rec.Code)
	var body tokenEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	cookies := rec.Result().Cookies()
	var csrf string
	for _, c := range cookies {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}

	req := httptest.NewRequest(http.MethodPost, "/auth/signout", nil)
	req.Header.Set("Authorization", "Bearer "+body.AccessToken)
	req.Header.Set(csrfHeaderName, csrf)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	out := httptest.NewRecorder()
	handler.ServeHTTP(out, req)
	require.Equal(t, http.StatusNoContent, out.Code)

	// The token is dead for every guarded route.
	after := httptest.NewRequest(http.MethodGet, "/auth/sessions", nil)
	after.Header.Set("Authorization", "Bearer "+body.AccessToken)
	afterRec := httptest.NewRecorder()
	handler.ServeHTTP(afterRec, after)
	assert.Equal(t, http.StatusUnauthorized, afterRec.Code)
}

func TestOAuthCallbackFlow(t *testing.T) {
	handler, _, done := newTestServer(t)
	defer done()

	begin := httptest.NewRequest(http.MethodGet, "/auth/oauth/acme", nil)
	beginRec := httptest.NewRecorder()
	handler.ServeHTTP(beginRec, begin)
	require.Equal(t, http.StatusOK, beginRec.Code)

	var beginBody oauthBeginEnvelope
	require.NoError(t, json.Unmarshal(beginRec.Body.Bytes(), &beginBody))
	require.NotEmpty(t, beginBody.State)

	callback := httptest.NewRequest(http.MethodGet, "/auth/oauth/callback/acme?state="+beginBody.State+"&code=abc", nil)
	callbackRec := httptest.NewRecorder()
	handler.ServeHTTP(callbackRec, callback)
	require.Equal(t, http.StatusOK, callbackRec.Code)

	var body tokenEnvelope
	require.NoError(t, json.Unmarshal(callbackRec.Body.Bytes(), &body))
	assert.Equal(t, "oauth@example.com", body.User.Email)

	// Replaying the state is rejected.
	replay := httptest.NewRequest(http.MethodGet, "/auth/oauth/callback/acme?state="+beginBody.State+"&code=abc", nil)
	replayRec := httptest.NewRecorder()
	handler.ServeHTTP(replayRec, replay)
	assert.Equal(t, http.StatusGone, replayRec.Code)
}

func TestUnknownProviderRejected(t *testing.T) {
	handler, _, done := newTestServer(t)
	defer done()

	req := httptest.NewRequest(http.MethodGet, "/auth/oauth/unknown-idp", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
