package authkit

import (
	"errors"
	"net/http"
)

// Rejection is the client-visible form of every engine error: a small closed
// taxonomy of (code, HTTP status, generic message). The internal cause —
// expired vs. used vs. wrong-signature vs. race-lost — is audit-only and is
// never echoed to the caller.
type Rejection struct {
	Code    string `json:"code"`
	Status  int    `json:"-"`
	Message string `json:"message"`
}

var (
	rejectTokenInvalid = Rejection{Code: "token_invalid", Status: http.StatusUnauthorized, Message: "authentication required"}
	rejectTokenExpired = Rejection{Code: "token_expired", Status: http.StatusUnauthorized, Message: "authentication expired"}
	rejectRevoked      = Rejection{Code: "revoked", Status: http.StatusUnauthorized, Message: "authentication no longer valid"}
	rejectForbidden    = Rejection{Code: "forbidden", Status: http.StatusForbidden, Message: "access denied"}
	rejectOneTime      = Rejection{Code: "one_time_invalid", Status: http.StatusGone, Message: "this link is no longer valid"}
	rejectCSRF         = Rejection{Code: "csrf_mismatch", Status: http.StatusForbidden, Message: "request could not be verified"}
	rejectRateLimited  = Rejection{Code: "rate_limited", Status: http.StatusTooManyRequests, Message: "too many requests"}
	rejectNotFound     = Rejection{Code: "not_found", Status: http.StatusNotFound, Message: "not found"}
	rejectInternal     = Rejection{Code: "internal", Status: http.StatusInternalServerError, Message: "internal error"}
)

// Classify maps an engine error onto the closed rejection taxonomy.
// Distinct internal reasons (counter bump vs. eviction vs. rotation race)
// deliberately collapse onto the same client-visible rejection so the
// response is never an enumeration or timing oracle.
func Classify(err error) Rejection {
	switch {
	case errors.Is(err, ErrTokenExpired):
		return rejectTokenExpired
	case errors.Is(err, ErrTokenRevoked),
		errors.Is(err, ErrSessionNotFound),
		errors.Is(err, ErrRefreshReuse):
		return rejectRevoked
	case errors.Is(err, ErrTokenInvalid),
		errors.Is(err, ErrTokenSchemaUnknown),
		errors.Is(err, ErrRefreshInvalid):
		return rejectTokenInvalid
	case errors.Is(err, ErrForbidden),
		errors.Is(err, ErrLinkConfirmationRequired):
		return rejectForbidden
	case errors.Is(err, ErrOneTimeInvalid),
		errors.Is(err, ErrEmailUnverified):
		return rejectOneTime
	case errors.Is(err, ErrCSRFMismatch):
		return rejectCSRF
	case errors.Is(err, ErrRateLimited):
		return rejectRateLimited
	case errors.Is(err, ErrOAuthProviderUnknown),
		errors.Is(err, ErrMagicLinkDisabled):
		return rejectNotFound
	default:
		return rejectInternal
	}
}
