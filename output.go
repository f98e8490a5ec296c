package ssixcore

import (
	"fmt"
	"io"
)

// Output target tags, matching CryptoNote's own on-wire discriminators.
const (
	targetTagKey      = 0x02
	targetTagMultisig = 0x03
)

// Output is a transaction output: an amount plus a tagged-union target.
// Exactly one of Key or Multisig is non-nil in Target.
type Output struct {
	Amount uint64
	Target OutputTarget
}

// OutputTarget is the tagged union of spending conditions an Output can
// carry.
type OutputTarget struct {
	Key      *KeyTarget
	Multisig *MultisigTarget
}

// KeyTarget is a one-time stealth public key; spendable by whoever can
// derive the matching secret and produce a valid ring signature.
type KeyTarget struct {
	Key PublicKey
}

// MultisigTarget requires Required-of-len(Keys) signatures to spend.
type MultisigTarget struct {
	Keys     []PublicKey
	Required uint32
}

func (o *Output) BinRead(r io.Reader) error {
	amount, err := readVarInt(r)
	if err != nil {
		return err
	}
	o.Amount = amount

	tag, err := readUint8(r)
	if err != nil {
		return err
	}
	switch tag {
	case targetTagKey:
		var kt KeyTarget
		if err := kt.Key.BinRead(r); err != nil {
			return err
		}
		o.Target = OutputTarget{Key: &kt}
	case targetTagMultisig:
		var mt MultisigTarget
		var n uint64
		if err := readList(r, &n, func(r io.Reader) error {
			var pk PublicKey
			if err := pk.BinRead(r); err != nil {
				return err
			}
			mt.Keys = append(mt.Keys, pk)
			return nil
		}); err != nil {
			return err
		}
		required, err := readVarInt(r)
		if err != nil {
			return err
		}
		mt.Required = uint32(required)
		o.Target = OutputTarget{Multisig: &mt}
	default:
		return fmt.Errorf("%w: unknown output target tag 0x%02x", ErrMalformedBytes, tag)
	}
	return nil
}

func (o *Output) BinWrite(w io.Writer) error {
	if err := writeVarInt(o.Amount, w); err != nil {
		return err
	}
	switch {
	case o.Target.Key != nil:
		if err := writeUint8(targetTagKey, w); err != nil {
			return err
		}
		return o.Target.Key.Key.BinWrite(w)
	case o.Target.Multisig != nil:
		if err := writeUint8(targetTagMultisig, w); err != nil {
			return err
		}
		mt := o.Target.Multisig
		if err := writeList(w, len(mt.Keys), func(w io.Writer, i int) error {
			return mt.Keys[i].BinWrite(w)
		}); err != nil {
			return err
		}
		return writeVarInt(uint64(mt.Required), w)
	default:
		return fmt.Errorf("%w: empty output target union", ErrMalformedBytes)
	}
}

type OutputList []Output

func (l *OutputList) BinRead(r io.Reader) error {
	var n uint64
	return readList(r, &n, func(r io.Reader) error {
		var o Output
		if err := o.BinRead(r); err != nil {
			return err
		}
		*l = append(*l, o)
		return nil
	})
}

func (l OutputList) BinWrite(w io.Writer) error {
	return writeList(w, len(l), func(w io.Writer, i int) error {
		return l[i].BinWrite(w)
	})
}
