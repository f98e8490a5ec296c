// Package address implements the proof/address string encoding:
// base58(varint(prefix) || body || 4-byte-checksum), where the checksum
// is the first 4 bytes of hash(varint(prefix) || body). This is
// CryptoNote's scheme, not Bitcoin's double-SHA256 Base58Check, so only
// btcutil's bare base58 Encode/Decode are reused; base58.CheckEncode
// bakes in the wrong checksum.
package address

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/base58"

	ssixcore "github.com/cybersecuresix/ssixd"
)

// Prefix tags per object kind, distinct numeric tags carried as the
// leading varint of the encoded payload.
type Prefix uint64

const (
	PrefixAddress         Prefix = 0x3ffff
	PrefixTxProof         Prefix = 0x31340
	PrefixReserveProof    Prefix = 0x31341
	PrefixMessageSignature Prefix = 0x31342
)

// HashFunc is the crypto oracle's hash primitive, taken as a parameter so
// this package has no dependency on the oracle's implementation (the same
// pattern ssixcore.HashFunc uses for Transaction/Block hashing).
type HashFunc func([]byte) ssixcore.Hash

// Encode returns the base58 string for prefix and body under the given
// hash function.
func Encode(hash HashFunc, prefix Prefix, body []byte) string {
	payload := encodePrefixAndBody(prefix, body)
	sum := hash(payload)
	payload = append(payload, sum[:4]...)
	return base58.Encode(payload)
}

// Decode reverses Encode, verifying the checksum and the expected
// prefix. It returns the decoded body on success.
func Decode(hash HashFunc, expected Prefix, s string) ([]byte, error) {
	raw := base58.Decode(s)
	if len(raw) < 4 {
		return nil, fmt.Errorf("address: decoded payload too short")
	}
	payload, checksum := raw[:len(raw)-4], raw[len(raw)-4:]
	sum := hash(payload)
	if !bytes.Equal(sum[:4], checksum) {
		return nil, fmt.Errorf("address: checksum mismatch")
	}

	prefix, n, err := decodeVarInt(payload)
	if err != nil {
		return nil, err
	}
	if Prefix(prefix) != expected {
		return nil, fmt.Errorf("address: prefix mismatch: got %#x want %#x", prefix, expected)
	}
	return payload[n:], nil
}

func encodePrefixAndBody(prefix Prefix, body []byte) []byte {
	out := encodeVarInt(uint64(prefix))
	out = append(out, body...)
	return out
}

// encodeVarInt/decodeVarInt mirror the root package's CryptoNote 7-bit-
// group varint, duplicated here (rather than imported) because the
// codec's reader/writer pair operates on io.Reader/io.Writer, not the
// flat byte slices base58 hands back; both obey the same wire format so
// round-tripping through ssixcore.EncodeBinary elsewhere stays
// consistent.
func encodeVarInt(v uint64) []byte {
	var out []byte
	for v >= 0x80 {
		out = append(out, byte(v&0x7f)|0x80)
		v >>= 7
	}
	out = append(out, byte(v))
	return out
}

func decodeVarInt(b []byte) (uint64, int, error) {
	var v uint64
	var shift uint
	for i := 0; i < len(b); i++ {
		if i >= 10 {
			return 0, 0, fmt.Errorf("%w: overlong varint", ssixcore.ErrMalformedBytes)
		}
		c := b[i]
		v |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return v, i + 1, nil
		}
		shift += 7
	}
	return 0, 0, fmt.Errorf("%w: truncated varint", ssixcore.ErrMalformedBytes)
}
