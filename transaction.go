package ssixcore

import (
	"fmt"
	"io"
)

// TransactionPrefix is the signable portion of a transaction: everything
// except the ring signatures. Its hash is what ring signatures sign over.
type TransactionPrefix struct {
	Version    uint8
	UnlockTime uint64
	Inputs     InputList
	Outputs    OutputList
	Extra      BinaryArray
}

// Transaction is a TransactionPrefix plus one signature group per input.
// Signatures[i] has exactly Inputs[i].RingSize() entries for a Key
// input, and SigCount entries for a Multisig input.
type Transaction struct {
	TransactionPrefix
	Signatures [][]Signature
}

func (p *TransactionPrefix) BinRead(r io.Reader) error {
	version, err := readUint8(r)
	if err != nil {
		return err
	}
	p.Version = version

	if p.UnlockTime, err = readVarInt(r); err != nil {
		return err
	}
	if err := p.Inputs.BinRead(r); err != nil {
		return err
	}
	if err := p.Outputs.BinRead(r); err != nil {
		return err
	}
	extra, err := readBinaryArray(r)
	if err != nil {
		return err
	}
	p.Extra = extra
	return nil
}

func (p *TransactionPrefix) BinWrite(w io.Writer) error {
	if err := writeUint8(p.Version, w); err != nil {
		return err
	}
	if err := writeVarInt(p.UnlockTime, w); err != nil {
		return err
	}
	if err := p.Inputs.BinWrite(w); err != nil {
		return err
	}
	if err := p.Outputs.BinWrite(w); err != nil {
		return err
	}
	return writeBinaryArray(p.Extra, w)
}

// Hash returns the canonical hash of the transaction prefix, the value
// ring signatures are verified against.
func (p *TransactionPrefix) Hash(oracle HashFunc) (Hash, error) {
	b, err := EncodeBinary(p)
	if err != nil {
		return Hash{}, err
	}
	return oracle(b), nil
}

// HashFunc is the crypto oracle's hash primitive, taken as a parameter
// here rather than imported directly so this package stays a pure codec
// with no dependency on the oracle's implementation.
type HashFunc func([]byte) Hash

func (tx *Transaction) BinRead(r io.Reader) error {
	if err := tx.TransactionPrefix.BinRead(r); err != nil {
		return err
	}
	tx.Signatures = make([][]Signature, len(tx.Inputs))
	for i, in := range tx.Inputs {
		n := in.RingSize()
		if in.Multisig != nil {
			n = int(in.Multisig.SigCount)
		}
		if in.Coinbase != nil {
			continue // coinbase inputs carry no signature group
		}
		group := make([]Signature, n)
		for j := range group {
			if err := group[j].BinRead(r); err != nil {
				return err
			}
		}
		tx.Signatures[i] = group
	}
	return nil
}

func (tx *Transaction) BinWrite(w io.Writer) error {
	if err := tx.TransactionPrefix.BinWrite(w); err != nil {
		return err
	}
	for i, in := range tx.Inputs {
		if in.Coinbase != nil {
			continue
		}
		for _, sig := range tx.Signatures[i] {
			if err := sig.BinWrite(w); err != nil {
				return err
			}
		}
	}
	return nil
}

// Hash returns the transaction's identifying hash (over the whole
// encoded transaction, signatures included).
func (tx *Transaction) Hash(oracle HashFunc) (Hash, error) {
	b, err := EncodeBinary(tx)
	if err != nil {
		return Hash{}, err
	}
	return oracle(b), nil
}

// IsCoinbase reports whether tx is a coinbase (block-reward) transaction:
// exactly one input, and it is a CoinbaseInput.
func (tx *Transaction) IsCoinbase() bool {
	return len(tx.Inputs) == 1 && tx.Inputs[0].Coinbase != nil
}

// Fee returns inputAmount - outputAmount for a non-coinbase transaction,
// per invariant 3 (fee = inputs − outputs). Input amounts are read from
// each Key/Multisig input's own Amount field; a coinbase transaction has
// no input amounts.
func (tx *Transaction) Fee() (uint64, error) {
	if tx.IsCoinbase() {
		return 0, fmt.Errorf("ssixcore: coinbase transactions have no fee")
	}
	var inSum, outSum uint64
	for _, in := range tx.Inputs {
		amt, ok := inputAmount(in)
		if !ok {
			return 0, fmt.Errorf("%w: input missing amount", ErrInputInvalid)
		}
		next := inSum + amt
		if next < inSum {
			return 0, ErrAmountOverflow
		}
		inSum = next
	}
	for _, out := range tx.Outputs {
		next := outSum + out.Amount
		if next < outSum {
			return 0, ErrAmountOverflow
		}
		outSum = next
	}
	if inSum < outSum {
		return 0, fmt.Errorf("%w: inputs %d < outputs %d", ErrInputInvalid, inSum, outSum)
	}
	return inSum - outSum, nil
}

func inputAmount(in Input) (uint64, bool) {
	switch {
	case in.Key != nil:
		return in.Key.Amount, true
	case in.Multisig != nil:
		return in.Multisig.Amount, true
	default:
		return 0, false
	}
}

// KeyImages returns the key images spent by tx's Key inputs, in order.
func (tx *Transaction) KeyImages() []KeyImage {
	var out []KeyImage
	for _, in := range tx.Inputs {
		if in.Key != nil {
			out = append(out, in.Key.KeyImage)
		}
	}
	return out
}
