package address

import (
	"bytes"
	"testing"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/ringsig"
)

func hashFn(b []byte) ssixcore.Hash { return ringsig.Hash(b) }

func Test_encodeDecodeRoundTrip(t *testing.T) {
	body := []byte("proof body bytes")
	for _, prefix := range []Prefix{PrefixAddress, PrefixTxProof, PrefixReserveProof, PrefixMessageSignature} {
		s := Encode(hashFn, prefix, body)
		got, err := Decode(hashFn, prefix, s)
		if err != nil {
			t.Fatalf("Decode(%#x): %v", prefix, err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("round trip body: got %q want %q", got, body)
		}
	}
}

func Test_prefixMismatch(t *testing.T) {
	s := Encode(hashFn, PrefixTxProof, []byte("x"))
	if _, err := Decode(hashFn, PrefixReserveProof, s); err == nil {
		t.Errorf("wrong prefix accepted")
	}
}

func Test_checksumRejected(t *testing.T) {
	s := Encode(hashFn, PrefixAddress, []byte("payload"))
	// Corrupt one character (staying inside the base58 alphabet).
	b := []byte(s)
	if b[3] == '2' {
		b[3] = '3'
	} else {
		b[3] = '2'
	}
	if _, err := Decode(hashFn, PrefixAddress, string(b)); err == nil {
		t.Errorf("corrupted string accepted")
	}
}

func Test_tooShortRejected(t *testing.T) {
	if _, err := Decode(hashFn, PrefixAddress, "2g"); err == nil {
		t.Errorf("too-short payload accepted")
	}
}

func Test_varIntAgreesWithCodec(t *testing.T) {
	for _, v := range []uint64{0, 1, 0x7f, 0x80, 0x3fff, 1 << 40} {
		enc := encodeVarInt(v)
		got, n, err := decodeVarInt(enc)
		if err != nil || got != v || n != len(enc) {
			t.Errorf("varint %d: got %d n=%d err=%v", v, got, n, err)
		}
	}
}
