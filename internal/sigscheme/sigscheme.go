// Package sigscheme implements C2, the signature verifier. verify is a
// capability (an interface value), not a hardcoded function — the design
// note in spec.md §9 requires the core never assume a curve. Two concrete
// schemes are provided: ed25519 (crypto/ed25519, via the teacher's
// crypto/ed25519 wrapper) and sr25519 (github.com/ChainSafe/go-schnorrkel,
// the scheme Substrate-family chains — which BT_NETWORK targets — actually
// use; no repo in the retrieval pack carries an sr25519 dependency, so this
// one is named here rather than grounded).
//
// Verify is pure and CPU-bound: it performs no I/O and retains none of its
// inputs past the call. Callers are expected to bound it with a deadline
// (SIGNATURE_VERIFICATION_TIMEOUT) themselves; see internal/commitment.
package sigscheme

import (
	schnorrkel "github.com/ChainSafe/go-schnorrkel"

	"github.com/tos-network/resibroker/crypto/ed25519"
)

// Scheme identifies which curve/signature algorithm a Verifier implements.
type Scheme string

const (
	Ed25519 Scheme = "ed25519"
	Sr25519 Scheme = "sr25519"
)

// Verifier is the pluggable signature-verification capability.
type Verifier interface {
	Scheme() Scheme
	// Verify returns true iff sig is a valid signature of msg under pk.
	// It must not retain pk, msg, or sig beyond the call.
	Verify(pk, msg, sig []byte) bool
}

type ed25519Verifier struct{}

func (ed25519Verifier) Scheme() Scheme { return Ed25519 }

func (ed25519Verifier) Verify(pk, msg, sig []byte) bool {
	if len(pk) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pk), msg, sig)
}

type sr25519Verifier struct{}

func (sr25519Verifier) Scheme() Scheme { return Sr25519 }

func (sr25519Verifier) Verify(pk, msg, sig []byte) bool {
	if len(pk) != 32 || len(sig) != 64 {
		return false
	}
	var pub schnorrkel.PublicKey
	var pubArr [32]byte
	copy(pubArr[:], pk)
	if err := pub.Decode(pubArr); err != nil {
		return false
	}
	var sigArr [64]byte
	copy(sigArr[:], sig)
	var signature schnorrkel.Signature
	if err := signature.Decode(sigArr); err != nil {
		return false
	}
	transcript := schnorrkel.NewSigningContext([]byte("substrate"), msg)
	ok, err := pub.Verify(&signature, transcript)
	if err != nil {
		return false
	}
	return ok
}

// New returns the Verifier for the given scheme, or nil if unrecognized.
func New(scheme Scheme) Verifier {
	switch scheme {
	case Ed25519:
		return ed25519Verifier{}
	case Sr25519:
		return sr25519Verifier{}
	default:
		return nil
	}
}
