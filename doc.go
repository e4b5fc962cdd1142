// Package authkit provides the authentication session and token lifecycle
// engine: signed short-lived access tokens, rotating opaque refresh tokens,
// Redis-backed session cardinality control with atomic eviction, revocation
// propagation, and one-time verification flows (magic link, OAuth state/PKCE).
//
// The package is designed for concurrent server workloads: Engine methods are
// safe to call from multiple goroutines after initialization through
// [Builder.Build]. There is no in-process shared mutable state; every
// cross-request coordination point is a conditional or multi-item
// transactional write against Redis, and a failed condition is a normal
// outcome meaning another request won the race.
//
// # Architecture boundaries
//
// authkit is the public surface. It exposes [Engine], [Builder], [Config],
// and value types (TokenPair, AuthResult, Rejection). Store-level
// coordination — session create-with-eviction, refresh-hash CAS, one-time
// consumption — lives in the session, revocation, and onetime sub-packages.
//
// # What this package must NOT do
//
//   - Render UI, send email directly (an [EmailSender] is injected), or
//     configure edge infrastructure.
//   - Retry a failed conditional write transparently; the only permitted
//     retry is the single session-reservation retry inside [Engine.Issue].
//   - Surface internal rejection causes to clients. Causes are audit-only;
//     clients see the closed taxonomy in [Classify].
package authkit
