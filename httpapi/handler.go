package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	authkit "github.com/marketlens/authkit"
	"github.com/marketlens/authkit/middleware"
)

// IdentityResolver performs the OAuth code exchange against the provider and
// returns the asserted identity. The exchange itself (HTTP to the provider,
// client secrets, PKCE verifier submission) happens entirely in the
// resolver; the engine only trusts its result.
type IdentityResolver func(ctx context.Context, provider, code, verifier string) (authkit.ProviderIdentity, error)

// Config defines a public type used by httpapi handlers.
type Config struct {
	CookieDomain  string
	SecureCookies bool
	Resolver      IdentityResolver
}

// Handler mounts the authentication routes. Create it with [New] and mount
// it like any http.Handler.
type Handler struct {
	engine        *authkit.Engine
	resolver      IdentityResolver
	cookieDomain  string
	secureCookies bool
	router        chi.Router
}

// New builds the HTTP surface for engine.
func New(engine *authkit.Engine, cfg Config) *Handler {
	h := &Handler{
		engine:        engine,
		resolver:      cfg.Resolver,
		cookieDomain:  cfg.CookieDomain,
		secureCookies: cfg.SecureCookies,
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/magic-link", h.issueMagicLink)
		r.Get("/magic-link/verify/{token}", h.verifyMagicLink)
		r.Get("/oauth/{provider}", h.beginOAuth)
		r.Get("/oauth/callback/{provider}", h.oauthCallback)
		r.Post("/refresh", h.refresh)
		r.Post("/signout", h.signOut)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Guard(engine))
			r.Get("/sessions", h.listSessions)
			r.Post("/signout-all", h.signOutAll)
		})
	})
	r.Get("/healthz", h.health)

	h.router = r
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

/*
====================================
REQUEST / RESPONSE SHAPES
====================================
*/

type magicLinkRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose,omitempty"`
}

type userEnvelope struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role"`
}

type tokenEnvelope struct {
	AccessToken      string       `json:"access_token"`
	TokenType        string       `json:"token_type"`
	ExpiresIn        int64        `json:"expires_in"`
	RefreshExpiresAt time.Time    `json:"refresh_expires_at"`
	User             userEnvelope `json:"user"`
}

type oauthBeginEnvelope struct {
	State         string    `json:"state"`
	CodeChallenge string    `json:"code_challenge"`
	RedirectURI   string    `json:"redirect_uri"`
	ExpiresAt     time.Time `json:"expires_at"`
}

/*
====================================
MAGIC LINK
====================================
*/

func (h *Handler) issueMagicLink(w http.ResponseWriter, r *http.Request) {
	var req magicLinkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := requestContext(r)
	err := h.engine.IssueMagicLink(ctx, req.Email, authkit.MagicLinkPurpose(req.Purpose))
	if err != nil {
		if errors.Is(err, authkit.ErrRateLimited) {
			if wait, werr := h.engine.MagicLinkRetryAfter(ctx, req.Email); werr == nil && wait > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())+1))
			}
		}
		h.writeError(w, err)
		return
	}

	// Accepted regardless of whether the address has an account; saying
	// more would turn this endpoint into an account oracle.
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) verifyMagicLink(w http.ResponseWriter, r *http.Request) {
	// Tokens travel in the path only. A token in the query string has
	// likely leaked through logs or referrers already; reject it before
	// touching the store so the stored record survives for a clean retry.
	if r.URL.Query().Get("token") != "" {
		http.Error(w, "token must not be passed as a query parameter", http.StatusBadRequest)
		return
	}

	token := chi.URLParam(r, "token")
	if token == "" {
		h.writeError(w, authkit.ErrOneTimeInvalid)
		return
	}

	ctx := requestContext(r)
	pair, user, err := h.engine.CompleteMagicLink(ctx, token, r.UserAgent())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeTokenPair(w, pair, user)
}

/*
====================================
OAUTH
====================================
*/

func (h *Handler) beginOAuth(w http.ResponseWriter, r *http.Request) {
	begin, err := h.engine.BeginOAuth(requestContext(r), chi.URLParam(r, "provider"))
	if err != nil {
		h.writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, oauthBeginEnvelope{
		State:         begin.State,
		CodeChallenge: begin.CodeChallenge,
		RedirectURI:   begin.RedirectURI,
		ExpiresAt:     begin.ExpiresAt,
	})
}

func (h *Handler) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if h.resolver == nil {
		h.writeError(w, authkit.ErrEngineNotReady)
		return
	}

	provider := chi.URLParam(r, "provider")
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		h.writeError(w, authkit.ErrOneTimeInvalid)
		return
	}

	ctx := requestContext(r)
	consumed, err := h.engine.ConsumeOAuthState(ctx, state, provider)
	if err != nil {
		h.writeError(w, err)
		return
	}

	ident, err := h.resolver(ctx, provider, code, consumed.Verifier)
	if err != nil {
		h.writeError(w, authkit.ErrOneTimeInvalid)
		return
	}

	pair, user, err := h.engine.OAuthLogin(ctx, ident, r.UserAgent())
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeTokenPair(w, pair, user)
}

/*
====================================
REFRESH AND SIGN-OUT
====================================
*/

func (h *Handler) refresh(w http.ResponseWriter, r *http.Request) {
	// Refresh tokens are accepted from the HttpOnly cookie only, never
	// from a body or header a script could have populated.
	if err := checkCSRF(r); err != nil {
		h.writeError(w, err)
		return
	}

	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || cookie.Value == "" {
		h.writeError(w, authkit.ErrRefreshInvalid)
		return
	}

	ctx := requestContext(r)
	pair, err := h.engine.Rotate(ctx, cookie.Value)
	if err != nil {
		h.clearSessionCookies(w)
		h.writeError(w, err)
		return
	}

	if err := h.setSessionCookies(w, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenEnvelope{
		AccessToken:      pair.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(pair.AccessExpiresIn.Seconds()),
		RefreshExpiresAt: pair.RefreshExpiresAt,
	})
}

func (h *Handler) signOut(w http.ResponseWriter, r *http.Request) {
	if err := checkCSRF(r); err != nil {
		h.writeError(w, err)
		return
	}

	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		h.writeError(w, authkit.ErrTokenInvalid)
		return
	}

	if err := h.engine.SignOut(requestContext(r), token); err != nil {
		h.writeError(w, err)
		return
	}

	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) signOutAll(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		h.writeError(w, authkit.ErrTokenInvalid)
		return
	}

	if err := h.engine.SignOutAll(requestContext(r), res.UserID); err != nil {
		h.writeError(w, err)
		return
	}

	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

/*
====================================
INTROSPECTION AND HEALTH
====================================
*/

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	res, ok := middleware.AuthResultFromContext(r.Context())
	if !ok {
		h.writeError(w, authkit.ErrTokenInvalid)
		return
	}

	sessions, err := h.engine.ListActiveSessions(requestContext(r), res.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	type sessionEnvelope struct {
		SessionID string `json:"session_id"`
		Device    string `json:"device,omitempty"`
		CreatedAt int64  `json:"created_at"`
		ExpiresAt int64  `json:"expires_at"`
		Current   bool   `json:"current"`
	}
	out := make([]sessionEnvelope, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionEnvelope{
			SessionID: s.SessionID,
			Device:    s.Device,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			Current:   s.SessionID == res.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	latency, err := h.engine.Ping(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"latency": latency.String(),
	})
}

/*
====================================
HELPERS
====================================
*/

func (h *Handler) writeTokenPair(w http.ResponseWriter, pair *authkit.TokenPair, user authkit.UserRecord) {
	if err := h.setSessionCookies(w, pair.RefreshToken, pair.RefreshExpiresAt); err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenEnvelope{
		AccessToken:      pair.AccessToken,
		TokenType:        "Bearer",
		ExpiresIn:        int64(pair.AccessExpiresIn.Seconds()),
		RefreshExpiresAt: pair.RefreshExpiresAt,
		User: userEnvelope{
			ID:    user.UserID,
			Email: user.PrimaryEmail,
			Role:  string(user.Role),
		},
	})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	rejection := authkit.Classify(err)
	writeJSON(w, rejection.Status, rejection)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// requestContext decorates the request context with the caller's IP for
// rate limiting and audit.
func requestContext(r *http.Request) context.Context {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return authkit.WithClientIP(r.Context(), ip)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if len(value) <= len(bearer) || value[:len(bearer)] != bearer {
		return "", false
	}
	return value[len(bearer):], true
}
