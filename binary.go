package ssixcore

import (
	"fmt"
	"io"
)

// BinReader is implemented by every consensus object that can decode
// itself from its canonical byte encoding.
type BinReader interface {
	BinRead(io.Reader) error
}

// BinWriter is the encode-side counterpart of BinReader.
type BinWriter interface {
	BinWrite(io.Writer) error
}

// maxVarintGroups bounds a varint to 10 groups of 7 bits, exactly enough
// for a full uint64 (nine groups carry only 63 bits); anything longer is
// malformed.
const maxVarintGroups = 10

// readVarInt decodes a CryptoNote-style varint: 7-bit groups, LSB-first,
// continuation bit (0x80) set on every byte but the last.
func readVarInt(r io.Reader) (uint64, error) {
	var (
		result uint64
		shift  uint
		buf    [1]byte
	)
	for i := 0; i < maxVarintGroups; i++ {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return 0, fmt.Errorf("%w: reading varint: %v", ErrMalformedBytes, err)
		}
		b := buf[0]
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
	}
	return 0, fmt.Errorf("%w: varint exceeds %d groups", ErrMalformedBytes, maxVarintGroups)
}

// writeVarInt is the encode-side counterpart of readVarInt.
func writeVarInt(v uint64, w io.Writer) error {
	var buf [maxVarintGroups]byte
	n := 0
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf[n] = b
		n++
		if v == 0 {
			break
		}
	}
	_, err := w.Write(buf[:n])
	return err
}

// maxSequenceLen bounds a decoded length prefix so a corrupt or hostile
// stream cannot trigger a multi-gigabyte allocation; the caller-supplied
// remaining-bytes estimate isn't available at this layer, so this is a
// generous static ceiling instead.
const maxSequenceLen = 1 << 24

func readBinaryArray(r io.Reader) (BinaryArray, error) {
	n, err := readVarInt(r)
	if err != nil {
		return nil, err
	}
	if n > maxSequenceLen {
		return nil, fmt.Errorf("%w: binary array length %d exceeds limit", ErrMalformedBytes, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: reading binary array: %v", ErrMalformedBytes, err)
	}
	return buf, nil
}

func writeBinaryArray(b BinaryArray, w io.Writer) error {
	if err := writeVarInt(uint64(len(b)), w); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

func readFixed(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: reading fixed field: %v", ErrMalformedBytes, err)
	}
	return nil
}

func (h *Hash) BinRead(r io.Reader) error      { return readFixed(r, h[:]) }
func (h Hash) BinWrite(w io.Writer) error      { _, err := w.Write(h[:]); return err }
func (pk *PublicKey) BinRead(r io.Reader) error { return readFixed(r, pk[:]) }
func (pk PublicKey) BinWrite(w io.Writer) error { _, err := w.Write(pk[:]); return err }
func (sk *SecretKey) BinRead(r io.Reader) error { return readFixed(r, sk[:]) }
func (sk SecretKey) BinWrite(w io.Writer) error { _, err := w.Write(sk[:]); return err }
func (ki *KeyImage) BinRead(r io.Reader) error  { return readFixed(r, ki[:]) }
func (ki KeyImage) BinWrite(w io.Writer) error  { _, err := w.Write(ki[:]); return err }
func (s *Signature) BinRead(r io.Reader) error  { return readFixed(r, s[:]) }
func (s Signature) BinWrite(w io.Writer) error  { _, err := w.Write(s[:]); return err }

// readList decodes a varint length prefix followed by that many
// elements.
func readList(r io.Reader, n *uint64, doRead func(io.Reader) error) error {
	count, err := readVarInt(r)
	if err != nil {
		return err
	}
	if count > maxSequenceLen {
		return fmt.Errorf("%w: list length %d exceeds limit", ErrMalformedBytes, count)
	}
	for i := uint64(0); i < count; i++ {
		if err := doRead(r); err != nil {
			return err
		}
	}
	*n = count
	return nil
}

func writeList(w io.Writer, size int, doWrite func(io.Writer, int) error) error {
	if err := writeVarInt(uint64(size), w); err != nil {
		return err
	}
	for i := 0; i < size; i++ {
		if err := doWrite(w, i); err != nil {
			return err
		}
	}
	return nil
}

func readUint8(r io.Reader) (uint8, error) {
	var b [1]byte
	if err := readFixed(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

func writeUint8(v uint8, w io.Writer) error {
	_, err := w.Write([]byte{v})
	return err
}

// DecodeBinary parses b into v. Codec failures carry ErrMalformedBytes.
func DecodeBinary(b []byte, v BinReader) error {
	return decodeInto(b, v)
}

// EncodeBinary serializes any BinWriter to its canonical byte encoding.
func EncodeBinary(v BinWriter) ([]byte, error) {
	buf := new(countingBuffer)
	if err := v.BinWrite(buf); err != nil {
		return nil, err
	}
	return buf.bytes(), nil
}

// countingBuffer is a tiny growable byte sink, avoiding a bytes.Buffer
// import purely for symmetry with the rest of this file's minimal style.
type countingBuffer struct {
	b []byte
}

func (c *countingBuffer) Write(p []byte) (int, error) {
	c.b = append(c.b, p...)
	return len(p), nil
}

func (c *countingBuffer) bytes() []byte { return c.b }
