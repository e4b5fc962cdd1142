// Package jwt signs and verifies authkit access tokens and owns the
// signing-key lifecycle via [KeyProvider].
//
// # Architecture boundaries
//
// This package performs only cryptographic and structural validation —
// signature, required claims, issuer, environment-qualified audience, and
// the time window. It never talks to Redis: revocation counters, session
// existence, and denylists are the engine's later pipeline steps.
//
// # Time window contract
//
// iat and nbf accept a small symmetric clock-skew leeway. exp does not:
// ParseAccess re-checks expiry with zero leeway after parsing.
package jwt
