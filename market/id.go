// Package market holds the identifiers and error taxonomy shared by the
// marketplace protocol packages (listing, bid, escrow, order, reconcile).
package market

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ID is a 32-byte content-derived identifier. Listing IDs come from the
// content addresser; bid IDs are keccak256 of (listing ID, bidder, nonce).
type ID [32]byte

// Hex returns the lowercase hex encoding of the identifier.
func (id ID) Hex() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether the identifier is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

// ParseID decodes a 64-character hex string into an ID.
func ParseID(value string) (ID, error) {
	var id ID
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return id, Validationf("invalid id %q: %v", value, err)
	}
	if len(raw) != len(id) {
		return id, Validationf("invalid id length %d, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

func (id ID) String() string { return id.Hex() }

// MarshalText implements encoding.TextMarshaler so IDs serialize as hex in
// JSON envelopes and stored records.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

var _ fmt.Stringer = ID{}
