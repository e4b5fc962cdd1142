package jwt

import "errors"

// KeyProvider supplies the current signing key and any keys that remain
// acceptable for validation. It is an explicitly constructed, injected value
// with a defined refresh lifecycle — never a process-wide singleton.
type KeyProvider interface {
	// Current returns the key material used to sign new tokens.
	Current() (kid string, key []byte, err error)
	// Verify returns the key material for a key ID presented by a token.
	// During rotation this includes the previous key, validation-only.
	Verify(kid string) ([]byte, bool)
}

// StaticKeys is a [KeyProvider] holding one signing key and, during
// rotation, one previous key accepted for validation only. Swapping in a
// rebuilt StaticKeys value is the rotation step.
type StaticKeys struct {
	CurrentID  string
	CurrentKey []byte

	PreviousID  string
	PreviousKey []byte
}

// Current implements [KeyProvider].
func (k StaticKeys) Current() (string, []byte, error) {
	if len(k.CurrentKey) == 0 {
		return "", nil, errors.New("no current signing key")
	}
	return k.CurrentID, k.CurrentKey, nil
}

// Verify implements [KeyProvider]. New tokens are never signed with the
// previous key; its presence here only keeps in-flight tokens valid.
func (k StaticKeys) Verify(kid string) ([]byte, bool) {
	switch {
	case kid == k.CurrentID && len(k.CurrentKey) > 0:
		return k.CurrentKey, true
	case kid == k.PreviousID && kid != "" && len(k.PreviousKey) > 0:
		return k.PreviousKey, true
	default:
		return nil, false
	}
}
