// Package keyid defines the subnet peer key identity and the tagged Role
// variant threaded through authenticated requests. Role is a plain enum
// rather than a dynamic-dispatch interface: role-dependent behavior (prefix
// selection, rate-limit scope) is a pure function over the tag, implemented
// by the packages that own that concern (internal/commitment,
// internal/credential), matching the "no runtime lookup" design note.
package keyid

import (
	"encoding/hex"
	"fmt"
)

// Size is the width of a subnet public key (ed25519 or sr25519, both 32 bytes).
const Size = 32

// KeyId is an opaque, fixed-width on-chain public key.
type KeyId [Size]byte

// String renders the key as lowercase hex, matching the wire representation
// used in commitment strings (e.g. "s3:data:access:{coldkey}:{hotkey}:{ts}").
func (k KeyId) String() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether k is the zero key (never a valid registered hotkey).
func (k KeyId) IsZero() bool {
	return k == KeyId{}
}

// Parse decodes a hex-encoded key id. Accepts an optional "0x" prefix.
func Parse(s string) (KeyId, error) {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
	}
	var k KeyId
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("keyid: invalid hex: %w", err)
	}
	if len(b) != Size {
		return k, fmt.Errorf("keyid: want %d bytes, got %d", Size, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// Role tags a peer's claimed capacity within a single request. It is never
// inferred from data — it is fixed by which endpoint and commitment template
// matched.
type Role uint8

const (
	RoleMiner Role = iota
	RoleValidator
)

func (r Role) String() string {
	switch r {
	case RoleMiner:
		return "miner"
	case RoleValidator:
		return "validator"
	default:
		return "unknown"
	}
}
