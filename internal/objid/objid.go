// Package objid implements the content-addressed identifiers backpak uses
// to name every blob, pack, index, and snapshot in a repository.
package objid

import (
	"crypto/sha256"
	"encoding/base32"
	"errors"
	"fmt"
	"strings"
)

// Len is the length in bytes of an ID (SHA-224 digest size).
const Len = 28

// ID is a SHA-224 digest identifying a blob, pack, index, or snapshot.
type ID [Len]byte

// Zero is the all-zero ID, never a valid content address.
var Zero ID

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Sum computes the ID of b.
func Sum(b []byte) ID {
	// crypto/sha256.Sum224 returns the 224-bit (28-byte) truncated variant.
	digest := sha256.Sum224(b)
	var id ID
	copy(id[:], digest[:])
	return id
}

// String returns the canonical lower-case, unpadded base32 text form.
func (id ID) String() string {
	return strings.ToLower(encoding.EncodeToString(id[:]))
}

// IsZero reports whether id is the zero value.
func (id ID) IsZero() bool {
	return id == Zero
}

// ErrMalformed is returned when a string can't be parsed as an ID.
var ErrMalformed = errors.New("objid: malformed id")

// Parse decodes the canonical text form produced by String.
func Parse(s string) (ID, error) {
	raw, err := encoding.DecodeString(strings.ToUpper(s))
	if err != nil {
		return ID{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) != Len {
		return ID{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, Len, len(raw))
	}
	var id ID
	copy(id[:], raw)
	return id, nil
}

// HasPrefix reports whether id's text form starts with prefix.
// prefix is matched case-insensitively against the canonical lower-case form.
func (id ID) HasPrefix(prefix string) bool {
	return strings.HasPrefix(id.String(), strings.ToLower(prefix))
}

// MarshalBinary implements encoding.BinaryMarshaler. fxamacker/cbor encodes
// a BinaryMarshaler as a CBOR byte string, the wire form used for IDs
// embedded in manifests, indexes, and snapshots.
func (id ID) MarshalBinary() ([]byte, error) {
	return id[:], nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (id *ID) UnmarshalBinary(data []byte) error {
	if len(data) != Len {
		return fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformed, Len, len(data))
	}
	copy(id[:], data)
	return nil
}
