package ssixcore

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

// testHash is a deterministic stand-in for the crypto oracle's hash,
// good enough to tell distinct test objects apart.
func testHash(b []byte) Hash {
	var h Hash
	for lane := 0; lane < 4; lane++ {
		x := uint64(1469598103934665603) + uint64(lane)*0x9E3779B97F4A7C15
		for _, c := range b {
			x ^= uint64(c)
			x *= 1099511628211
		}
		binary.LittleEndian.PutUint64(h[lane*8:], x)
	}
	return h
}

func encodeOrFatal(t *testing.T, v BinWriter) []byte {
	t.Helper()
	b, err := EncodeBinary(v)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func Test_varIntRoundTrip(t *testing.T) {
	values := []uint64{0, 1, 0x7f, 0x80, 0x3fff, 0x4000, 1 << 20, 1<<32 - 1, 1 << 63, 1<<64 - 1}
	for _, v := range values {
		var buf bytes.Buffer
		if err := writeVarInt(v, &buf); err != nil {
			t.Fatalf("writeVarInt(%d): %v", v, err)
		}
		got, err := readVarInt(&buf)
		if err != nil {
			t.Fatalf("readVarInt(%d): %v", v, err)
		}
		if got != v {
			t.Errorf("varint round trip: got %d want %d", got, v)
		}
	}
}

func Test_varIntOverlong(t *testing.T) {
	overlong := bytes.Repeat([]byte{0x80}, 10)
	overlong = append(overlong, 0x01)
	if _, err := readVarInt(bytes.NewReader(overlong)); !errors.Is(err, ErrMalformedBytes) {
		t.Errorf("overlong varint: got %v, want ErrMalformedBytes", err)
	}
}

func Test_varIntTruncated(t *testing.T) {
	if _, err := readVarInt(bytes.NewReader([]byte{0x80})); !errors.Is(err, ErrMalformedBytes) {
		t.Errorf("truncated varint: got %v, want ErrMalformedBytes", err)
	}
}

func Test_offsetBijection(t *testing.T) {
	cases := [][]uint64{
		{},
		{0},
		{5},
		{0, 1, 2, 3},
		{3, 17, 500, 501, 99999},
	}
	for _, abs := range cases {
		var in KeyInput
		in.SetAbsoluteOffsets(abs)
		got := in.AbsoluteOffsets()
		if len(got) != len(abs) {
			t.Fatalf("offsets: got %v want %v", got, abs)
		}
		for i := range abs {
			if got[i] != abs[i] {
				t.Errorf("offsets: got %v want %v", got, abs)
				break
			}
		}
	}
}

func testTransaction() *Transaction {
	var ki KeyImage
	ki[0] = 0xaa
	var pk PublicKey
	pk[0] = 0xbb
	tx := &Transaction{
		TransactionPrefix: TransactionPrefix{
			Version:    1,
			UnlockTime: 70,
			Inputs: InputList{
				{Key: &KeyInput{Amount: 9000, KeyImage: ki, DecoyOffsets: []uint64{4, 1, 7}}},
				{Multisig: &MultisigInput{Amount: 500, SigCount: 2, OutputIndex: 3}},
			},
			Outputs: OutputList{
				{Amount: 8000, Target: OutputTarget{Key: &KeyTarget{Key: pk}}},
				{Amount: 900, Target: OutputTarget{Multisig: &MultisigTarget{Keys: []PublicKey{pk, pk}, Required: 2}}},
			},
			Extra: BinaryArray{0x01, 0x02, 0x03},
		},
	}
	sig := func(b byte) Signature {
		var s Signature
		s[0] = b
		return s
	}
	tx.Signatures = [][]Signature{
		{sig(1), sig(2), sig(3)},
		{sig(4), sig(5)},
	}
	return tx
}

func Test_transactionRoundTrip(t *testing.T) {
	tx := testTransaction()
	enc := encodeOrFatal(t, tx)

	var back Transaction
	if err := DecodeBinary(enc, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(tx, &back) {
		t.Errorf("decode(encode(tx)) != tx:\n got %+v\nwant %+v", &back, tx)
	}

	enc2 := encodeOrFatal(t, &back)
	if !bytes.Equal(enc, enc2) {
		t.Errorf("encode(decode(b)) != b")
	}
}

func Test_transactionTruncated(t *testing.T) {
	enc := encodeOrFatal(t, testTransaction())
	for _, cut := range []int{1, len(enc) / 2, len(enc) - 1} {
		var back Transaction
		if err := DecodeBinary(enc[:cut], &back); !errors.Is(err, ErrMalformedBytes) {
			t.Errorf("truncation at %d: got %v, want ErrMalformedBytes", cut, err)
		}
	}
}

func Test_unknownInputTag(t *testing.T) {
	// version, unlock, one input with tag 0x7f
	raw := []byte{1, 0, 1, 0x7f}
	var back Transaction
	if err := DecodeBinary(raw, &back); !errors.Is(err, ErrMalformedBytes) {
		t.Errorf("unknown tag: got %v, want ErrMalformedBytes", err)
	}
}

func Test_blockRoundTrip(t *testing.T) {
	var prev Hash
	prev[0] = 0x11
	b := &Block{
		BlockHeader: BlockHeader{
			MajorVersion: 1,
			MinorVersion: 0,
			PrevHash:     prev,
			Timestamp:    1464595534,
			Nonce:        0xdeadbeef,
		},
		CoinbaseTx: Transaction{
			TransactionPrefix: TransactionPrefix{
				Version: 1,
				Inputs:  InputList{{Coinbase: &CoinbaseInput{Height: 42}}},
				Outputs: OutputList{{Amount: 100, Target: OutputTarget{Key: &KeyTarget{}}}},
				Extra:   BinaryArray{0xff},
			},
			Signatures: [][]Signature{nil},
		},
		TxHashes: []Hash{testHash([]byte("a")), testHash([]byte("b"))},
	}
	enc := encodeOrFatal(t, b)

	var back Block
	if err := DecodeBinary(enc, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	enc2 := encodeOrFatal(t, &back)
	if !bytes.Equal(enc, enc2) {
		t.Errorf("encode(decode(b)) != b")
	}
	if back.Nonce != b.Nonce || back.Timestamp != b.Timestamp || back.PrevHash != prev {
		t.Errorf("header fields lost in round trip: %+v", back.BlockHeader)
	}
	if len(back.TxHashes) != 2 || back.TxHashes[0] != b.TxHashes[0] {
		t.Errorf("tx hashes lost in round trip")
	}
	if back.CoinbaseTx.Inputs[0].Coinbase == nil || back.CoinbaseTx.Inputs[0].Coinbase.Height != 42 {
		t.Errorf("coinbase input lost in round trip")
	}
}

func Test_rawBlockRoundTrip(t *testing.T) {
	rb := &RawBlock{
		BlockBlob: BinaryArray{1, 2, 3},
		TxBlobs:   []BinaryArray{{4, 5}, {6}},
	}
	enc := encodeOrFatal(t, rb)
	var back RawBlock
	if err := DecodeBinary(enc, &back); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(rb, &back) {
		t.Errorf("raw block round trip: got %+v want %+v", &back, rb)
	}
}

func Test_hashHexRoundTrip(t *testing.T) {
	h := testHash([]byte("x"))
	back, err := HashFromHex(h.String())
	if err != nil {
		t.Fatalf("HashFromHex: %v", err)
	}
	if back != h {
		t.Errorf("hash hex round trip: got %s want %s", back, h)
	}
}

func Test_transactionFee(t *testing.T) {
	tx := testTransaction()
	fee, err := tx.Fee()
	if err != nil {
		t.Fatalf("Fee: %v", err)
	}
	if fee != 9000+500-8000-900 {
		t.Errorf("fee: got %d want %d", fee, 600)
	}

	tx.Outputs[0].Amount = 1<<64 - 1
	tx.Outputs[1].Amount = 2
	if _, err := tx.Fee(); !errors.Is(err, ErrAmountOverflow) {
		t.Errorf("output overflow: got %v, want ErrAmountOverflow", err)
	}
}
