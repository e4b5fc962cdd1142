package internal

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"

	"github.com/google/uuid"
)

const (
	// RefreshSecretSize is the raw size of the refresh secret in bytes.
	RefreshSecretSize = 32

	refreshTokenRawSize = 16 + RefreshSecretSize
	oneTimeTokenRawSize = 32
)

// NewSessionID draws a random v4 UUID session identifier from rnd.
func NewSessionID(rnd io.Reader) (string, error) {
	u, err := uuid.NewRandomFromReader(rnd)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NewTokenID draws a random v4 UUID access-token identifier (jti) from rnd.
// 122 bits of randomness; collisions are accepted without detection.
func NewTokenID(rnd io.Reader) (string, error) {
	u, err := uuid.NewRandomFromReader(rnd)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// NewRefreshSecret draws the opaque refresh secret from rnd.
func NewRefreshSecret(rnd io.Reader) ([RefreshSecretSize]byte, error) {
	var secret [RefreshSecretSize]byte
	_, err := io.ReadFull(rnd, secret[:])
	return secret, err
}

// HashSecret is the one-way hash stored in place of any secret: refresh
// secrets, denylisted token identifiers, one-time token lookups.
func HashSecret(secret [RefreshSecretSize]byte) [32]byte {
	return sha256.Sum256(secret[:])
}

// HashString hashes an arbitrary token identifier for denylist keying.
func HashString(s string) [32]byte {
	return sha256.Sum256([]byte(s))
}

// EncodeRefreshToken packs the session UUID and the refresh secret into one
// opaque base64url string retained only by the client.
func EncodeRefreshToken(sessionID string, secret [RefreshSecretSize]byte) (string, error) {
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return "", err
	}

	var raw [refreshTokenRawSize]byte
	copy(raw[:16], sid[:])
	copy(raw[16:], secret[:])

	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

// DecodeRefreshToken splits an opaque refresh token into its session ID and
// secret without any store access.
func DecodeRefreshToken(token string) (string, [RefreshSecretSize]byte, error) {
	var secret [RefreshSecretSize]byte

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", secret, err
	}
	if len(raw) != refreshTokenRawSize {
		return "", secret, errors.New("invalid refresh token size")
	}

	var sid uuid.UUID
	copy(sid[:], raw[:16])
	copy(secret[:], raw[16:])

	return sid.String(), secret, nil
}

// NewOneTimeToken draws a high-entropy one-time token (magic link, OAuth
// state) from rnd. The plaintext goes to the caller; stores key records by
// its hash.
func NewOneTimeToken(rnd io.Reader) (string, error) {
	var raw [oneTimeTokenRawSize]byte
	if _, err := io.ReadFull(rnd, raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}
