// Package ed25519 re-exports the standard library ed25519 primitive under
// the crypto/ naming convention used throughout resibroker, so that callers
// never import crypto/ed25519 directly and the signature scheme stays
// swappable (see internal/sigscheme).
package ed25519

import stded25519 "crypto/ed25519"

const (
	PublicKeySize  = stded25519.PublicKeySize
	PrivateKeySize = stded25519.PrivateKeySize
	SignatureSize  = stded25519.SignatureSize
	SeedSize       = stded25519.SeedSize
)

type (
	PublicKey  = stded25519.PublicKey
	PrivateKey = stded25519.PrivateKey
)

// NewKeyFromSeed derives a full private key from a 32-byte seed.
func NewKeyFromSeed(seed []byte) PrivateKey {
	return stded25519.NewKeyFromSeed(seed)
}

// PublicFromPrivate extracts the public half of priv.
func PublicFromPrivate(priv PrivateKey) PublicKey {
	return priv.Public().(stded25519.PublicKey)
}

// Sign produces a detached signature over msg.
func Sign(priv PrivateKey, msg []byte) []byte {
	return stded25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid ed25519 signature of msg by pub.
// It never mutates or retains pub, msg or sig.
func Verify(pub PublicKey, msg, sig []byte) bool {
	if len(pub) != PublicKeySize {
		return false
	}
	return stded25519.Verify(pub, msg, sig)
}
