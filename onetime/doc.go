// Package onetime is the generic atomic "create, consume-once" primitive
// reused by magic-link tokens and OAuth state/PKCE entries. Consumption is a
// single conditional delete-and-return script; the distinction between
// expired, already-used, and never-existed exists only as sentinel errors
// for server-side audit, never in any client-visible outcome.
package onetime
