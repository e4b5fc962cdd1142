package middleware

import (
	"context"
	"net/http"
	"strings"

	authkit "github.com/marketlens/authkit"
)

type authResultContextKey struct{}

// AuthResultFromContext returns the validation result injected by [Guard],
// if any.
func AuthResultFromContext(ctx context.Context) (*authkit.AuthResult, bool) {
	res, ok := ctx.Value(authResultContextKey{}).(*authkit.AuthResult)
	return res, ok
}

// Guard returns middleware that runs the full validation pipeline on the
// bearer token of every request. All rejection causes collapse to the same
// response; the distinction lives in the engine's audit trail.
func Guard(engine *authkit.Engine) func(http.Handler) http.Handler {
	return guard(engine, nil, false)
}

// RequireRoles returns middleware that additionally requires role
// membership. With matchAll false any one of required suffices.
func RequireRoles(engine *authkit.Engine, required []authkit.Role, matchAll bool) func(http.Handler) http.Handler {
	return guard(engine, required, matchAll)
}

func guard(engine *authkit.Engine, required []authkit.Role, matchAll bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if engine == nil {
				reject(w, authkit.ErrEngineNotReady)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok {
				reject(w, authkit.ErrTokenInvalid)
				return
			}

			res, err := engine.Validate(r.Context(), token)
			if err != nil {
				reject(w, err)
				return
			}

			if len(required) > 0 && !authkit.HasRequiredRoles(required, matchAll, res.Roles) {
				reject(w, authkit.ErrForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), authResultContextKey{}, res)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func reject(w http.ResponseWriter, err error) {
	rejection := authkit.Classify(err)
	http.Error(w, rejection.Message, rejection.Status)
}

func bearerToken(value string) (string, bool) {
	const bearer = "Bearer "
	if !strings.HasPrefix(value, bearer) {
		return "", false
	}

	token := value[len(bearer):]
	if token == "" {
		return "", false
	}

	return token, true
}
