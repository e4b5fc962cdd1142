// Package middleware exposes HTTP middleware adapters enforcing access-token
// validation and role checks on top of authkit.Engine.
//
// # Guards
//
//   - [Guard] — full validation pipeline for every request.
//   - [RequireRoles] — Guard plus explicit role membership.
//
// Each guard reads the Authorization header, calls Engine.Validate, and
// injects the validated result into the request context.
//
// # Architecture boundaries
//
// This package translates HTTP semantics into Engine calls. It does NOT
// implement authentication logic itself — all decisions are delegated to
// the engine.
//
// # What this package must NOT do
//
//   - Parse or create JWTs directly (delegates to Engine).
//   - Access Redis (Engine handles I/O).
//   - Make authorization decisions beyond what Engine.Validate and the
//     explicit role list express.
package middleware
