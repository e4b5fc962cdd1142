package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"time"

	authkit "github.com/marketlens/authkit"
)

const (
	refreshCookieName = "mk_refresh"
	csrfCookieName    = "mk_csrf"
	csrfHeaderName    = "X-CSRF-Token"

	// refreshCookiePath limits where the browser replays the refresh
	// cookie. Application routes never see it.
	refreshCookiePath = "/auth"
)

func (h *Handler) setSessionCookies(w http.ResponseWriter, refreshToken string, expires time.Time) error {
	csrf, err := newCSRFValue()
	if err != nil {
		return err
	}

	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    refreshToken,
		Path:     refreshCookiePath,
		Domain:   h.cookieDomain,
		Expires:  expires,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})

	// Deliberately readable: the double-submit check needs script access.
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    csrf,
		Path:     "/",
		Domain:   h.cookieDomain,
		Expires:  expires,
		HttpOnly: false,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		Domain:   h.cookieDomain,
		MaxAge:   -1,
		Secure:   h.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

// checkCSRF enforces the double-submit pattern: the readable CSRF cookie
// must be echoed back in a header, which a cross-site request cannot do.
func checkCSRF(r *http.Request) error {
	cookie, err := r.Cookie(csrfCookieName)
	if err != nil || cookie.Value == "" {
		return authkit.ErrCSRFMismatch
	}
	header := r.Header.Get(csrfHeaderName)
	if header == "" {
		return authkit.ErrCSRFMismatch
	}
	if subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(header)) != 1 {
		return authkit.ErrCSRFMismatch
	}
	return nil
}

func newCSRFValue() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
