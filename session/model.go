package session

// CurrentSchemaVersion is the only session blob schema this build writes or
// reads. Unknown versions are rejected on decode.
const CurrentSchemaVersion uint8 = 1

// Session is one logged-in device/browser: a binding between a user and a
// live refresh-token hash, subject to the per-role cardinality limit.
//
// Session instances are intended to be configured during initialization and
// then treated as immutable; the store replaces RefreshHash atomically on
// rotation rather than mutating a shared value.
type Session struct {
	SessionID string
	UserID    string
	Role      string
	Device    string

	// RefreshHash is the one-way hash of the refresh secret. The plaintext
	// secret is never persisted in recoverable form.
	RefreshHash [32]byte

	// RevocationCounter is the user's counter value at creation time, stored
	// redundantly so rotation needs a single read.
	RevocationCounter uint64

	SchemaVersion uint8
	CreatedAt     int64
	ExpiresAt     int64
}

// EvictionCandidate names the session selected for eviction during a
// create-with-eviction write. The stored refresh hash doubles as the
// conditional-delete guard: if the session rotated or vanished since
// selection, the write fails with ErrEvictionRace.
type EvictionCandidate struct {
	SessionID   string
	RefreshHash [32]byte
}
