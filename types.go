// Package ssixcore implements the consensus data model and binary codec
// of the SSIX blockchain state engine.
package ssixcore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash is a 32-byte opaque identifier produced by the crypto oracle's
// hash function.
type Hash [32]byte

// PublicKey is a 32-byte Ed25519-curve point.
type PublicKey [32]byte

// SecretKey is a 32-byte Ed25519-curve scalar.
type SecretKey [32]byte

// KeyImage is the deterministic curve point derived from an output's
// one-time secret key, used to detect double spends without revealing
// which output was spent.
type KeyImage [32]byte

// Signature is a single ring-signature component (one per ring member).
type Signature [64]byte

// BinaryArray is an ordered sequence of bytes, as opposed to a
// fixed-size array.
type BinaryArray []byte

// String renders h as byte-reversed hex, so on-the-wire little-endian
// hashes print the way block explorers and tooling expect them.
func (h Hash) String() string {
	for i := 0; i < 16; i++ {
		h[i], h[31-i] = h[31-i], h[i]
	}
	return hex.EncodeToString(h[:])
}

// MarshalJSON satisfies json.Marshaler via String().
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// HashFromHex parses the reversed-hex form produced by String().
func HashFromHex(s string) (Hash, error) {
	var h Hash
	if len(s) != len(h)*2 {
		return h, fmt.Errorf("ssixcore: hash hex must be %d characters, got %d", len(h)*2, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, err
	}
	for i := 0; i < 16; i++ {
		b[i], b[31-i] = b[31-i], b[i]
	}
	copy(h[:], b)
	return h, nil
}

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }
func (sk SecretKey) String() string { return hex.EncodeToString(sk[:]) }
func (ki KeyImage) String() string  { return hex.EncodeToString(ki[:]) }
func (s Signature) String() string  { return hex.EncodeToString(s[:]) }

func (pk PublicKey) MarshalJSON() ([]byte, error) { return json.Marshal(pk.String()) }
func (ki KeyImage) MarshalJSON() ([]byte, error)  { return json.Marshal(ki.String()) }

var zeroHash Hash

// IsZero reports whether h is the all-zero hash, used to recognize the
// genesis block's prevHash sentinel.
func (h Hash) IsZero() bool { return h == zeroHash }
