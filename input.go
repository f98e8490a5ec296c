package ssixcore

import (
	"fmt"
	"io"
)

// Input variant tags, matching CryptoNote's own on-wire discriminators.
const (
	inputTagCoinbase  = 0xff
	inputTagKey       = 0x02
	inputTagMultisig  = 0x03
)

// Input is a tagged union over the three kinds of transaction input.
// Exactly one of Coinbase, Key, or Multisig is non-nil.
type Input struct {
	Coinbase *CoinbaseInput
	Key      *KeyInput
	Multisig *MultisigInput
}

// CoinbaseInput identifies the block height whose emission this input
// claims. It is only valid as the sole input of a coinbase transaction.
type CoinbaseInput struct {
	Height uint64
}

// KeyInput spends a single stealth output, proven by a ring signature
// over a decoy set. DecoyOffsets are relative: each entry is the delta
// from the previous absolute global index (the first is relative to 0).
// Use AbsoluteOffsets/RelativeOffsets to convert.
type KeyInput struct {
	Amount       uint64
	KeyImage     KeyImage
	DecoyOffsets []uint64
}

// MultisigInput spends a multisig output, requiring SigCount signatures.
type MultisigInput struct {
	Amount         uint64
	SigCount       uint32
	OutputIndex    uint64
}

// AbsoluteOffsets reconstructs absolute global indices from the input's
// relative decoy offsets via prefix sum.
func (k *KeyInput) AbsoluteOffsets() []uint64 {
	return relativeToAbsolute(k.DecoyOffsets)
}

// SetAbsoluteOffsets stores abs as this input's DecoyOffsets, converting
// to the relative encoding used on the wire.
func (k *KeyInput) SetAbsoluteOffsets(abs []uint64) {
	k.DecoyOffsets = absoluteToRelative(abs)
}

func relativeToAbsolute(rel []uint64) []uint64 {
	abs := make([]uint64, len(rel))
	var running uint64
	for i, d := range rel {
		running += d
		abs[i] = running
	}
	return abs
}

func absoluteToRelative(abs []uint64) []uint64 {
	rel := make([]uint64, len(abs))
	var prev uint64
	for i, v := range abs {
		rel[i] = v - prev
		prev = v
	}
	return rel
}

func (in *Input) BinRead(r io.Reader) error {
	tag, err := readUint8(r)
	if err != nil {
		return err
	}
	switch tag {
	case inputTagCoinbase:
		height, err := readVarInt(r)
		if err != nil {
			return err
		}
		in.Coinbase = &CoinbaseInput{Height: height}
	case inputTagKey:
		var ki KeyInput
		if ki.Amount, err = readVarInt(r); err != nil {
			return err
		}
		var n uint64
		if err := readList(r, &n, func(r io.Reader) error {
			off, err := readVarInt(r)
			if err != nil {
				return err
			}
			ki.DecoyOffsets = append(ki.DecoyOffsets, off)
			return nil
		}); err != nil {
			return err
		}
		if err := ki.KeyImage.BinRead(r); err != nil {
			return err
		}
		in.Key = &ki
	case inputTagMultisig:
		var mi MultisigInput
		if mi.Amount, err = readVarInt(r); err != nil {
			return err
		}
		sigCount, err := readVarInt(r)
		if err != nil {
			return err
		}
		mi.SigCount = uint32(sigCount)
		if mi.OutputIndex, err = readVarInt(r); err != nil {
			return err
		}
		in.Multisig = &mi
	default:
		return fmt.Errorf("%w: unknown input tag 0x%02x", ErrMalformedBytes, tag)
	}
	return nil
}

func (in *Input) BinWrite(w io.Writer) error {
	switch {
	case in.Coinbase != nil:
		if err := writeUint8(inputTagCoinbase, w); err != nil {
			return err
		}
		return writeVarInt(in.Coinbase.Height, w)
	case in.Key != nil:
		if err := writeUint8(inputTagKey, w); err != nil {
			return err
		}
		if err := writeVarInt(in.Key.Amount, w); err != nil {
			return err
		}
		if err := writeList(w, len(in.Key.DecoyOffsets), func(w io.Writer, i int) error {
			return writeVarInt(in.Key.DecoyOffsets[i], w)
		}); err != nil {
			return err
		}
		return in.Key.KeyImage.BinWrite(w)
	case in.Multisig != nil:
		if err := writeUint8(inputTagMultisig, w); err != nil {
			return err
		}
		if err := writeVarInt(in.Multisig.Amount, w); err != nil {
			return err
		}
		if err := writeVarInt(uint64(in.Multisig.SigCount), w); err != nil {
			return err
		}
		return writeVarInt(in.Multisig.OutputIndex, w)
	default:
		return fmt.Errorf("%w: empty input union", ErrMalformedBytes)
	}
}

// RingSize reports the decoy-set size for a Key input, or 0 for any
// other variant. The matching signature group in Transaction.Signatures
// must have exactly this many entries.
func (in *Input) RingSize() int {
	if in.Key == nil {
		return 0
	}
	return len(in.Key.DecoyOffsets)
}

type InputList []Input

func (l *InputList) BinRead(r io.Reader) error {
	var n uint64
	return readList(r, &n, func(r io.Reader) error {
		var in Input
		if err := in.BinRead(r); err != nil {
			return err
		}
		*l = append(*l, in)
		return nil
	})
}

func (l InputList) BinWrite(w io.Writer) error {
	return writeList(w, len(l), func(w io.Writer, i int) error {
		return l[i].BinWrite(w)
	})
}
