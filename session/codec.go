package session

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrSessionCorrupt is returned when a stored session blob cannot be decoded.
var ErrSessionCorrupt = errors.New("session blob corrupt")

// wireSession is the stored JSON shape. Lua scripts parse the same fields
// via cjson, so field names here are load-bearing.
type wireSession struct {
	Version uint8  `json:"v"`
	UserID  string `json:"uid"`
	Role    string `json:"role"`
	Device  string `json:"dev,omitempty"`
	RH      string `json:"rh"`
	RC      uint64 `json:"rc"`
	IAT     int64  `json:"iat"`
	EXP     int64  `json:"exp"`
}

// Encode serializes a [Session] into its stored JSON form.
func Encode(sess *Session) ([]byte, error) {
	if sess == nil {
		return nil, ErrSessionCorrupt
	}
	if sess.UserID == "" {
		return nil, fmt.Errorf("%w: missing user id", ErrSessionCorrupt)
	}

	return json.Marshal(wireSession{
		Version: CurrentSchemaVersion,
		UserID:  sess.UserID,
		Role:    sess.Role,
		Device:  sess.Device,
		RH:      hex.EncodeToString(sess.RefreshHash[:]),
		RC:      sess.RevocationCounter,
		IAT:     sess.CreatedAt,
		EXP:     sess.ExpiresAt,
	})
}

// Decode parses a stored blob. The SessionID is not part of the blob; the
// caller sets it from the key it read.
func Decode(data []byte) (*Session, error) {
	var wire wireSession
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionCorrupt, err)
	}
	if wire.Version != CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: unknown schema version %d", ErrSessionCorrupt, wire.Version)
	}

	rh, err := hex.DecodeString(wire.RH)
	if err != nil || len(rh) != 32 {
		return nil, fmt.Errorf("%w: bad refresh hash", ErrSessionCorrupt)
	}

	sess := &Session{
		UserID:            wire.UserID,
		Role:              wire.Role,
		Device:            wire.Device,
		RevocationCounter: wire.RC,
		SchemaVersion:     wire.Version,
		CreatedAt:         wire.IAT,
		ExpiresAt:         wire.EXP,
	}
	copy(sess.RefreshHash[:], rh)
	return sess, nil
}
