package cache

import (
	"encoding/binary"
	"errors"
	"path/filepath"
	"testing"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/kvstore"
)

func testHash(b []byte) ssixcore.Hash {
	var h ssixcore.Hash
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

func keyImage(b byte) ssixcore.KeyImage {
	var ki ssixcore.KeyImage
	ki[0] = b
	return ki
}

func pubKey(b byte) ssixcore.PublicKey {
	var pk ssixcore.PublicKey
	pk[0] = b
	return pk
}

// testBlock builds a minimal block: a coinbase paying amount to key, plus
// the given extra transactions.
func testBlock(prev ssixcore.Hash, height, amount uint64, key ssixcore.PublicKey, txs []*ssixcore.Transaction) *ssixcore.Block {
	b := &ssixcore.Block{
		BlockHeader: ssixcore.BlockHeader{
			MajorVersion: 1,
			PrevHash:     prev,
			Timestamp:    1000 + height,
		},
		CoinbaseTx: ssixcore.Transaction{
			TransactionPrefix: ssixcore.TransactionPrefix{
				Version: 1,
				Inputs:  ssixcore.InputList{{Coinbase: &ssixcore.CoinbaseInput{Height: height}}},
				Outputs: ssixcore.OutputList{{Amount: amount, Target: ssixcore.OutputTarget{Key: &ssixcore.KeyTarget{Key: key}}}},
			},
		},
	}
	for _, tx := range txs {
		h, _ := tx.Hash(testHash)
		b.TxHashes = append(b.TxHashes, h)
	}
	return b
}

// push appends a block with 1-per-block difficulty and trivial running
// totals, returning its hash.
func push(t *testing.T, c *Cache, block *ssixcore.Block, txs []*ssixcore.Transaction, height uint64) ssixcore.Hash {
	t.Helper()
	blockHash, err := block.Hash(testHash)
	if err != nil {
		t.Fatalf("block hash: %v", err)
	}
	coinbaseHash, err := block.CoinbaseTx.Hash(testHash)
	if err != nil {
		t.Fatalf("coinbase hash: %v", err)
	}
	if err := c.PushBlock(block, txs, blockHash, coinbaseHash, height+1, (height+1)*100, (height+1)*1000, nil); err != nil {
		t.Fatalf("push block %d: %v", height, err)
	}
	return blockHash
}

func spendTx(amount uint64, ki ssixcore.KeyImage, offsets []uint64, outAmount uint64) *ssixcore.Transaction {
	var rel ssixcore.KeyInput
	rel.Amount = amount
	rel.KeyImage = ki
	rel.SetAbsoluteOffsets(offsets)
	return &ssixcore.Transaction{
		TransactionPrefix: ssixcore.TransactionPrefix{
			Version: 1,
			Inputs:  ssixcore.InputList{{Key: &rel}},
			Outputs: ssixcore.OutputList{{Amount: outAmount, Target: ssixcore.OutputTarget{Key: &ssixcore.KeyTarget{Key: pubKey(0x77)}}}},
		},
		Signatures: [][]ssixcore.Signature{make([]ssixcore.Signature, len(offsets))},
	}
}

func Test_pushAndLookups(t *testing.T) {
	c := NewRoot(nil)

	h0 := push(t, c, testBlock(ssixcore.Hash{}, 0, 100, pubKey(1), nil), nil, 0)
	tx := spendTx(100, keyImage(9), []uint64{0}, 90)
	b1 := testBlock(h0, 1, 100, pubKey(2), []*ssixcore.Transaction{tx})
	h1 := push(t, c, b1, []*ssixcore.Transaction{tx}, 1)

	if c.TipIndex() != 1 {
		t.Errorf("tip index: got %d want 1", c.TipIndex())
	}
	if th, _ := c.TipHash(); th != h1 {
		t.Errorf("tip hash mismatch")
	}
	if !c.HasBlock(h0) || !c.HasBlock(h1) {
		t.Errorf("pushed blocks not found by hash")
	}
	if height, ok := c.HeightOfHash(h0); !ok || height != 0 {
		t.Errorf("HeightOfHash(h0): %d %v", height, ok)
	}
	if !c.HasKeyImage(keyImage(9)) {
		t.Errorf("key image not indexed")
	}
	if c.HasKeyImage(keyImage(10)) {
		t.Errorf("phantom key image")
	}

	// Amount 100: coinbase of block 0, coinbase of block 1, in push order.
	if n := c.NextGlobalIndex(100); n != 2 {
		t.Errorf("NextGlobalIndex(100): got %d want 2", n)
	}
	ref, ok := c.GetOutput(100, 0)
	if !ok || ref.PubKey != pubKey(1) || !ref.Coinbase || ref.BlockIndex != 0 {
		t.Errorf("output (100,0): %+v %v", ref, ok)
	}
	ref, ok = c.GetOutput(100, 1)
	if !ok || ref.PubKey != pubKey(2) || ref.BlockIndex != 1 {
		t.Errorf("output (100,1): %+v %v", ref, ok)
	}
	ref, ok = c.GetOutput(90, 0)
	if !ok || ref.Coinbase || ref.PubKey != pubKey(0x77) {
		t.Errorf("tx output (90,0): %+v %v", ref, ok)
	}

	keys, err := c.ExtractKeyOutputKeys(100, []uint64{0, 1})
	if err != nil || keys[0] != pubKey(1) || keys[1] != pubKey(2) {
		t.Errorf("ExtractKeyOutputKeys: %v %v", keys, err)
	}
	if _, err := c.ExtractKeyOutputKeys(100, []uint64{5}); !errors.Is(err, ssixcore.ErrMissingOutput) {
		t.Errorf("missing output: got %v", err)
	}

	txHash, _ := tx.Hash(testHash)
	te, ok := c.GetTransaction(txHash)
	if !ok || te.BlockIndex != 1 {
		t.Errorf("GetTransaction: %+v %v", te, ok)
	}
}

func Test_childDelegationIsBounded(t *testing.T) {
	root := NewRoot(nil)
	h0 := push(t, root, testBlock(ssixcore.Hash{}, 0, 100, pubKey(1), nil), nil, 0)
	h1 := push(t, root, testBlock(h0, 1, 100, pubKey(2), nil), nil, 1)
	tx := spendTx(100, keyImage(9), []uint64{0}, 90)
	b2 := testBlock(h1, 2, 100, pubKey(3), []*ssixcore.Transaction{tx})
	h2 := push(t, root, b2, []*ssixcore.Transaction{tx}, 2)

	// Child splits off after block 1: block 2's state must be invisible.
	child := NewChild(root, 2)

	if child.TipIndex() != 1 {
		t.Errorf("empty child tip: got %d want 1", child.TipIndex())
	}
	if th, _ := child.TipHash(); th != h1 {
		t.Errorf("empty child tip hash should be the split point's")
	}
	if child.HasBlock(h2) {
		t.Errorf("child sees the parent's post-split block")
	}
	if !child.HasBlock(h0) || !child.HasBlock(h1) {
		t.Errorf("child lost the shared prefix")
	}
	if child.HasKeyImage(keyImage(9)) {
		t.Errorf("child sees a key image spent past the split point")
	}
	if root.NextGlobalIndex(100) != 3 || child.NextGlobalIndex(100) != 2 {
		t.Errorf("global index counts: root %d child %d", root.NextGlobalIndex(100), child.NextGlobalIndex(100))
	}
	if _, ok := child.GetOutput(100, 2); ok {
		t.Errorf("child resolves an output created past the split point")
	}
	if _, ok := child.GetOutput(100, 1); !ok {
		t.Errorf("child lost a shared-prefix output")
	}

	// The child now spends the same key image on its own branch — legal,
	// the competing spend is on the other side of the split.
	altTx := spendTx(100, keyImage(9), []uint64{1}, 90)
	b2alt := testBlock(h1, 2, 100, pubKey(4), []*ssixcore.Transaction{altTx})
	h2alt := push(t, child, b2alt, []*ssixcore.Transaction{altTx}, 2)

	if !child.HasKeyImage(keyImage(9)) {
		t.Errorf("child missing its own spend")
	}
	if child.TipIndex() != 2 {
		t.Errorf("child tip after push: got %d", child.TipIndex())
	}
	if th, _ := child.TipHash(); th != h2alt {
		t.Errorf("child tip hash after push")
	}
	// The branches assigned the same global index to different outputs.
	refRoot, _ := root.GetOutput(100, 2)
	refChild, _ := child.GetOutput(100, 2)
	if refRoot.PubKey != pubKey(3) || refChild.PubKey != pubKey(4) {
		t.Errorf("per-branch output index views: root %v child %v", refRoot.PubKey, refChild.PubKey)
	}
}

func Test_popBlock(t *testing.T) {
	c := NewRoot(nil)
	h0 := push(t, c, testBlock(ssixcore.Hash{}, 0, 100, pubKey(1), nil), nil, 0)
	tx := spendTx(100, keyImage(9), []uint64{0}, 90)
	b1 := testBlock(h0, 1, 100, pubKey(2), []*ssixcore.Transaction{tx})
	h1 := push(t, c, b1, []*ssixcore.Transaction{tx}, 1)

	d, err := c.PopBlock()
	if err != nil {
		t.Fatalf("PopBlock: %v", err)
	}
	if d.Entry.Hash != h1 {
		t.Errorf("detached entry hash mismatch")
	}
	if d.Block == nil || !d.Block.CoinbaseTx.IsCoinbase() {
		t.Errorf("detached block not reconstructed")
	}
	if len(d.Txs) != 1 || len(d.Txs[0].Inputs) != 1 || d.Txs[0].Inputs[0].Key == nil {
		t.Errorf("detached non-coinbase txs: %+v", d.Txs)
	}

	if c.TipIndex() != 0 {
		t.Errorf("tip after pop: got %d want 0", c.TipIndex())
	}
	if c.HasBlock(h1) {
		t.Errorf("popped block still visible")
	}
	if c.HasKeyImage(keyImage(9)) {
		t.Errorf("popped key image still marked spent")
	}
	if c.NextGlobalIndex(100) != 1 {
		t.Errorf("output index not rolled back: %d", c.NextGlobalIndex(100))
	}
	if _, ok := c.GetOutput(90, 0); ok {
		t.Errorf("popped tx output still resolvable")
	}

	// The detached data re-pushes cleanly.
	if err := c.PushBlock(d.Block, d.Txs, d.Entry.Hash, d.Entry.TxHashes[0], d.Entry.CumulativeDifficulty, d.Entry.CumulativeSize, d.Entry.GeneratedCoins, nil); err != nil {
		t.Fatalf("re-push: %v", err)
	}
	if !c.HasBlock(h1) || !c.HasKeyImage(keyImage(9)) {
		t.Errorf("re-push did not restore state")
	}

	// Popping past the local start is refused.
	empty := NewChild(c, 2)
	if _, err := empty.PopBlock(); err == nil {
		t.Errorf("pop on an empty cache should fail")
	}
}

func Test_findCommonAncestor(t *testing.T) {
	root := NewRoot(nil)
	h0 := push(t, root, testBlock(ssixcore.Hash{}, 0, 100, pubKey(1), nil), nil, 0)
	h1 := push(t, root, testBlock(h0, 1, 100, pubKey(2), nil), nil, 1)
	push(t, root, testBlock(h1, 2, 100, pubKey(3), nil), nil, 2)

	child := NewChild(root, 2)
	push(t, child, testBlock(h1, 2, 100, pubKey(4), nil), nil, 2)

	if h, ok := root.FindCommonAncestor(child); !ok || h != 1 {
		t.Errorf("common ancestor: got %d %v want 1", h, ok)
	}
	if h, ok := child.FindCommonAncestor(root); !ok || h != 1 {
		t.Errorf("common ancestor (reversed): got %d %v want 1", h, ok)
	}
}

func Test_persistAndReload(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "db")
	store, _, err := kvstore.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()

	root := NewRoot(store)
	b0 := testBlock(ssixcore.Hash{}, 0, 100, pubKey(1), nil)
	raw0 := rawFor(t, b0, nil)
	h0 := pushRaw(t, root, b0, nil, 0, raw0)
	tx := spendTx(100, keyImage(9), []uint64{0}, 90)
	b1 := testBlock(h0, 1, 100, pubKey(2), []*ssixcore.Transaction{tx})
	raw1 := rawFor(t, b1, []*ssixcore.Transaction{tx})
	h1 := pushRaw(t, root, b1, []*ssixcore.Transaction{tx}, 1, raw1)

	// A fresh root over the same store replays to the same state.
	reloaded := NewRoot(store)
	err = reloaded.LoadFromStore(func(rawBytes []byte) (DecodedBlock, error) {
		var raw ssixcore.RawBlock
		if err := ssixcore.DecodeBinary(rawBytes, &raw); err != nil {
			return DecodedBlock{}, err
		}
		block, txs, err := ssixcore.DecodeRawBlock(&raw)
		if err != nil {
			return DecodedBlock{}, err
		}
		bh, _ := block.Hash(testHash)
		ch, _ := block.CoinbaseTx.Hash(testHash)
		e, _ := root.GetBlockByHash(bh)
		return DecodedBlock{
			Block:                block,
			Txs:                  txs,
			Hash:                 bh,
			CoinbaseHash:         ch,
			CumulativeDifficulty: e.CumulativeDifficulty,
			CumulativeSize:       e.CumulativeSize,
			GeneratedCoins:       e.GeneratedCoins,
		}, nil
	})
	if err != nil {
		t.Fatalf("LoadFromStore: %v", err)
	}

	if reloaded.TipIndex() != 1 {
		t.Errorf("reloaded tip: got %d want 1", reloaded.TipIndex())
	}
	if th, _ := reloaded.TipHash(); th != h1 {
		t.Errorf("reloaded tip hash mismatch")
	}
	if !reloaded.HasKeyImage(keyImage(9)) {
		t.Errorf("reloaded cache lost the key image index")
	}
	e, ok := reloaded.GetBlockByIndex(0)
	if !ok || e.Hash != h0 {
		t.Errorf("reloaded block 0: %+v %v", e, ok)
	}
}

func rawFor(t *testing.T, block *ssixcore.Block, txs []*ssixcore.Transaction) *ssixcore.RawBlock {
	t.Helper()
	blob, err := ssixcore.EncodeBinary(block)
	if err != nil {
		t.Fatalf("encode block: %v", err)
	}
	raw := &ssixcore.RawBlock{BlockBlob: blob}
	for _, tx := range txs {
		b, err := ssixcore.EncodeBinary(tx)
		if err != nil {
			t.Fatalf("encode tx: %v", err)
		}
		raw.TxBlobs = append(raw.TxBlobs, b)
	}
	return raw
}

func pushRaw(t *testing.T, c *Cache, block *ssixcore.Block, txs []*ssixcore.Transaction, height uint64, raw *ssixcore.RawBlock) ssixcore.Hash {
	t.Helper()
	blockHash, _ := block.Hash(testHash)
	coinbaseHash, _ := block.CoinbaseTx.Hash(testHash)
	if err := c.PushBlock(block, txs, blockHash, coinbaseHash, height+1, (height+1)*100, (height+1)*1000, raw); err != nil {
		t.Fatalf("push block %d: %v", height, err)
	}
	return blockHash
}
