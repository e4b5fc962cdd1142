// Package rate implements fixed-window Redis rate limiting for magic-link
// issuance, OAuth begin, and refresh rotation. A window counter is a plain
// INCR with a TTL set on the first hit; exceeding the budget is a normal
// outcome surfaced as ErrRateLimited.
package rate
