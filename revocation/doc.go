// Package revocation implements the two revocation primitives: the per-user
// monotonic counter embedded into access tokens at issuance, and the
// expiring per-token denylist keyed by a one-way hash of the token
// identifier. Both live in Redis; neither is ever cached in-process.
package revocation
