package ssixcore

import (
	"io"
)

// BlockHeader carries the fields that identify a block's position in the
// chain and its proof of work.
type BlockHeader struct {
	MajorVersion uint8
	MinorVersion uint8
	PrevHash     Hash
	Timestamp    uint64
	Nonce        uint32
}

func (h *BlockHeader) BinRead(r io.Reader) error {
	var err error
	if h.MajorVersion, err = readUint8(r); err != nil {
		return err
	}
	if h.MinorVersion, err = readUint8(r); err != nil {
		return err
	}
	if err := h.PrevHash.BinRead(r); err != nil {
		return err
	}
	if h.Timestamp, err = readVarInt(r); err != nil {
		return err
	}
	var nonce [4]byte
	if err := readFixed(r, nonce[:]); err != nil {
		return err
	}
	h.Nonce = uint32(nonce[0]) | uint32(nonce[1])<<8 | uint32(nonce[2])<<16 | uint32(nonce[3])<<24
	return nil
}

func (h *BlockHeader) BinWrite(w io.Writer) error {
	if err := writeUint8(h.MajorVersion, w); err != nil {
		return err
	}
	if err := writeUint8(h.MinorVersion, w); err != nil {
		return err
	}
	if err := h.PrevHash.BinWrite(w); err != nil {
		return err
	}
	if err := writeVarInt(h.Timestamp, w); err != nil {
		return err
	}
	nonce := []byte{
		byte(h.Nonce), byte(h.Nonce >> 8), byte(h.Nonce >> 16), byte(h.Nonce >> 24),
	}
	_, err := w.Write(nonce)
	return err
}

// Block is a header, the coinbase (block-reward) transaction, and the
// hashes of every other transaction the block claims to contain. The
// full bodies of those other transactions travel alongside the block as
// a RawBlock, not inside Block itself: blocks reference bodies kept in
// the tx pool/index rather than inlining them.
type Block struct {
	BlockHeader
	CoinbaseTx   Transaction
	TxHashes     []Hash
}

func (b *Block) BinRead(r io.Reader) error {
	if err := b.BlockHeader.BinRead(r); err != nil {
		return err
	}
	if err := b.CoinbaseTx.BinRead(r); err != nil {
		return err
	}
	var n uint64
	return readList(r, &n, func(r io.Reader) error {
		var h Hash
		if err := h.BinRead(r); err != nil {
			return err
		}
		b.TxHashes = append(b.TxHashes, h)
		return nil
	})
}

func (b *Block) BinWrite(w io.Writer) error {
	if err := b.BlockHeader.BinWrite(w); err != nil {
		return err
	}
	if err := b.CoinbaseTx.BinWrite(w); err != nil {
		return err
	}
	return writeList(w, len(b.TxHashes), func(w io.Writer, i int) error {
		return b.TxHashes[i].BinWrite(w)
	})
}

// Hash returns the block's identifying hash: the hash of its header plus
// coinbase tx and tx-hash list, per invariant 6 (prevHash chaining).
func (b *Block) Hash(oracle HashFunc) (Hash, error) {
	enc, err := EncodeBinary(b)
	if err != nil {
		return Hash{}, err
	}
	return oracle(enc), nil
}

// RawBlock is the wire/storage form of a block: the serialized block
// plus the serialized blobs of every non-coinbase transaction it
// references, in TxHashes order. This is exactly the on-disk
// raw_block/<height> record: {blockBlob, [txBlob...]}.
type RawBlock struct {
	BlockBlob BinaryArray
	TxBlobs   []BinaryArray
}

func (rb *RawBlock) BinRead(r io.Reader) error {
	blob, err := readBinaryArray(r)
	if err != nil {
		return err
	}
	rb.BlockBlob = blob
	var n uint64
	return readList(r, &n, func(r io.Reader) error {
		b, err := readBinaryArray(r)
		if err != nil {
			return err
		}
		rb.TxBlobs = append(rb.TxBlobs, b)
		return nil
	})
}

func (rb *RawBlock) BinWrite(w io.Writer) error {
	if err := writeBinaryArray(rb.BlockBlob, w); err != nil {
		return err
	}
	return writeList(w, len(rb.TxBlobs), func(w io.Writer, i int) error {
		return writeBinaryArray(rb.TxBlobs[i], w)
	})
}

// DecodeRawBlock parses a RawBlock's BlockBlob into a Block and each
// TxBlob into a Transaction, in TxHashes order.
func DecodeRawBlock(rb *RawBlock) (*Block, []*Transaction, error) {
	var b Block
	if err := decodeInto(rb.BlockBlob, &b); err != nil {
		return nil, nil, err
	}
	txs := make([]*Transaction, len(rb.TxBlobs))
	for i, blob := range rb.TxBlobs {
		var tx Transaction
		if err := decodeInto(blob, &tx); err != nil {
			return nil, nil, err
		}
		txs[i] = &tx
	}
	return &b, txs, nil
}

func decodeInto(b []byte, v BinReader) error {
	return v.BinRead(&byteReader{b})
}

// byteReader is a minimal io.Reader over a byte slice, used instead of
// bytes.Reader purely to keep this package's import list to what the
// codec itself needs.
type byteReader struct {
	b []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}
