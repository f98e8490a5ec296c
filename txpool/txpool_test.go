package txpool

import (
	"errors"
	"fmt"
	"testing"

	ssixcore "github.com/cybersecuresix/ssixd"
)

func keyImage(b byte) ssixcore.KeyImage {
	var ki ssixcore.KeyImage
	ki[0] = b
	return ki
}

func hashOf(b byte) ssixcore.Hash {
	var h ssixcore.Hash
	h[0] = b
	return h
}

func poolTx(kis ...ssixcore.KeyImage) *ssixcore.Transaction {
	tx := &ssixcore.Transaction{
		TransactionPrefix: ssixcore.TransactionPrefix{Version: 1},
	}
	for _, ki := range kis {
		tx.Inputs = append(tx.Inputs, ssixcore.Input{Key: &ssixcore.KeyInput{Amount: 100, KeyImage: ki, DecoyOffsets: []uint64{0}}})
		tx.Signatures = append(tx.Signatures, make([]ssixcore.Signature, 1))
	}
	return tx
}

func Test_addAndGet(t *testing.T) {
	p := New()
	tx := poolTx(keyImage(1))
	if err := p.AddTx(tx, hashOf(1), 50, 10, nil); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	if p.Size() != 1 || !p.Has(hashOf(1)) {
		t.Errorf("pool state after add: size=%d", p.Size())
	}
	e, ok := p.Get(hashOf(1))
	if !ok || e.Fee != 50 || e.Size != 10 || len(e.KeyImages) != 1 {
		t.Errorf("entry: %+v %v", e, ok)
	}

	if err := p.AddTx(tx, hashOf(1), 50, 10, nil); !errors.Is(err, ssixcore.ErrAlreadyHave) {
		t.Errorf("duplicate add: got %v", err)
	}
}

func Test_poolDoubleSpend(t *testing.T) {
	p := New()
	if err := p.AddTx(poolTx(keyImage(1)), hashOf(1), 50, 10, nil); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	err := p.AddTx(poolTx(keyImage(1)), hashOf(2), 60, 10, nil)
	if !errors.Is(err, ssixcore.ErrPoolDoubleSpend) {
		t.Errorf("conflicting key image: got %v", err)
	}
	if p.Size() != 1 {
		t.Errorf("rejected tx left state behind")
	}
}

func Test_validationFailureNotInserted(t *testing.T) {
	p := New()
	boom := fmt.Errorf("no such input")
	err := p.AddTx(poolTx(keyImage(1)), hashOf(1), 50, 10, func() error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("got %v", err)
	}
	if p.Size() != 0 || p.Has(hashOf(1)) {
		t.Errorf("failed validation inserted the tx")
	}
}

func Test_removeFreesKeyImages(t *testing.T) {
	p := New()
	if err := p.AddTx(poolTx(keyImage(1)), hashOf(1), 50, 10, nil); err != nil {
		t.Fatalf("AddTx: %v", err)
	}
	p.Remove(hashOf(1))
	if p.Size() != 0 {
		t.Errorf("remove left the entry")
	}
	if err := p.AddTx(poolTx(keyImage(1)), hashOf(2), 60, 10, nil); err != nil {
		t.Errorf("key image not freed by remove: %v", err)
	}
}

func Test_takeTxsForBlockOrdering(t *testing.T) {
	p := New()
	// fee-per-byte: tx1 = 5, tx2 = 1, tx3 = 3
	if err := p.AddTx(poolTx(keyImage(1)), hashOf(1), 50, 10, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.AddTx(poolTx(keyImage(2)), hashOf(2), 10, 10, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.AddTx(poolTx(keyImage(3)), hashOf(3), 30, 10, nil); err != nil {
		t.Fatal(err)
	}

	got := p.TakeTxsForBlock(1000, 10)
	if len(got) != 3 {
		t.Fatalf("selected %d txs", len(got))
	}
	if got[0].Hash != hashOf(1) || got[1].Hash != hashOf(3) || got[2].Hash != hashOf(2) {
		t.Errorf("selection order: %v %v %v", got[0].Hash, got[1].Hash, got[2].Hash)
	}

	// Count and size bounds.
	if got := p.TakeTxsForBlock(1000, 2); len(got) != 2 {
		t.Errorf("count bound: selected %d", len(got))
	}
	if got := p.TakeTxsForBlock(15, 10); len(got) != 1 {
		t.Errorf("size bound: selected %d", len(got))
	}
}

func Test_takeTxsNeverReusesKeyImage(t *testing.T) {
	p := New()
	// Two entries sharing a key image cannot coexist in the pool: hashOf(1)
	// spends image 1, hashOf(2) spends image 2, and hashOf(3) spending
	// images 1 and 3 is refused. The taken set must then spend each key
	// image at most once.
	if err := p.AddTx(poolTx(keyImage(1)), hashOf(1), 90, 10, nil); err != nil {
		t.Fatal(err)
	}
	if err := p.AddTx(poolTx(keyImage(2)), hashOf(2), 50, 10, nil); err != nil {
		t.Fatal(err)
	}
	// Simulate an entry that conflicts with hashOf(1) by sharing image 1:
	// the pool-level guard rejects it, which is itself part of the
	// contract under test.
	if err := p.AddTx(poolTx(keyImage(1), keyImage(3)), hashOf(3), 95, 10, nil); !errors.Is(err, ssixcore.ErrPoolDoubleSpend) {
		t.Fatalf("conflicting multi-image tx admitted: %v", err)
	}

	got := p.TakeTxsForBlock(1000, 10)
	seen := make(map[ssixcore.KeyImage]bool)
	for _, e := range got {
		for _, ki := range e.KeyImages {
			if seen[ki] {
				t.Fatalf("selection reused key image %v", ki)
			}
			seen[ki] = true
		}
	}
}

func Test_reOffer(t *testing.T) {
	p := New()
	coinbase := &ssixcore.Transaction{
		TransactionPrefix: ssixcore.TransactionPrefix{
			Version: 1,
			Inputs:  ssixcore.InputList{{Coinbase: &ssixcore.CoinbaseInput{Height: 3}}},
		},
	}
	good := poolTx(keyImage(1))
	bad := poolTx(keyImage(2))

	n := byte(10)
	hashFn := func(tx *ssixcore.Transaction) ssixcore.Hash {
		if tx == good {
			return hashOf(1)
		}
		n++
		return hashOf(n)
	}
	p.ReOffer([]*ssixcore.Transaction{coinbase, good, bad}, hashFn,
		func(*ssixcore.Transaction) uint64 { return 50 },
		func(*ssixcore.Transaction) uint64 { return 10 },
		func(tx *ssixcore.Transaction) error {
			if tx == bad {
				return fmt.Errorf("inputs no longer resolve")
			}
			return nil
		})

	if p.Size() != 1 || !p.Has(hashOf(1)) {
		t.Errorf("re-offer kept %d txs, want only the still-valid one", p.Size())
	}
}
