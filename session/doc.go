// Package session provides Redis-backed session persistence with atomic
// create-with-eviction and refresh-hash rotation.
//
// # Coordination model
//
// Every exactly-once operation is a single Lua script: Redis executes
// scripts atomically, so the multi-item write that deletes an evicted
// session, denylists its refresh hash, and inserts the new session either
// happens entirely or not at all. A failed condition (the eviction
// candidate vanished, the rotation hash no longer matches) is a sentinel
// error the caller treats as "someone else won the race".
//
// # Architecture boundaries
//
// This package owns the [Store] and the [Session] model. It does NOT
// interpret access tokens, evaluate roles, or enforce authentication policy
// — those responsibilities belong to the Engine.
//
// # What this package must NOT do
//
//   - Import authkit or jwt (no upward imports).
//   - Store plaintext secrets in [Session] fields.
//   - Retry a failed conditional write.
package session
