// Package cache implements the blockchain cache: one contiguous segment
// of chain state, parent-linked, that is either DB-backed (the root,
// persisted via kvstore) or memory-resident (an alternative-chain diff
// against its parent). Every lookup consults local storage first and
// falls back to the parent on miss, so a non-root cache only ever
// stores the blocks past its own start index. A child created by a
// mid-cache split additionally bounds what it sees of its parent: only
// parent state at or below the split point is visible, so validating a
// block on an alternative branch never observes outputs or key images
// that exist only on the branch it competes with.
package cache

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/kvstore"
)

// hotCacheSize bounds the LRU front layered over output lookups, the
// cache's hottest path during ring-signature input resolution.
const hotCacheSize = 65536

// noLimit marks an unbounded height limit in the parent-delegation path.
const noLimit = ^uint64(0)

// BlockEntry is everything the cache tracks about one accepted block,
// beyond the block bytes themselves.
type BlockEntry struct {
	Hash                 ssixcore.Hash
	Header               ssixcore.BlockHeader
	CumulativeDifficulty uint64
	CumulativeSize       uint64
	Timestamp            uint64
	GeneratedCoins       uint64
	TxHashes             []ssixcore.Hash // coinbase hash first, then the rest
}

// TxEntry records where a transaction landed and the global output
// indices its outputs were assigned.
type TxEntry struct {
	Tx                  *ssixcore.Transaction
	BlockIndex          uint64
	GlobalOutputIndices []uint64
}

// OutputRef is what a (amount, globalIndex) pair resolves to: which
// transaction/output produced it, its one-time public key, and the
// unlock time a spending input must satisfy.
type OutputRef struct {
	TxHash          ssixcore.Hash
	OutputIndexInTx int
	PubKey          ssixcore.PublicKey
	UnlockTime      uint64
	BlockIndex      uint64
	Coinbase        bool
}

// DetachedBlock is the data PopBlock hands back, re-pushable onto
// another branch (the reorg algorithm pops the losing segment and may
// re-attach it as an alternative cache).
type DetachedBlock struct {
	Block     *ssixcore.Block
	Txs       []*ssixcore.Transaction // non-coinbase, in TxHashes order
	Entry     BlockEntry
	TxEntries map[ssixcore.Hash]*TxEntry
}

type outputKey struct {
	amount uint64
	index  uint64
}

// Cache is one contiguous segment of chain. A nil parent marks the root.
type Cache struct {
	parent      *Cache
	store       *kvstore.Store // non-nil only on the root
	startIndex  uint64
	parentLimit uint64 // highest parent height visible from this cache

	mu            sync.RWMutex
	blocks        []BlockEntry
	blockByHash   map[ssixcore.Hash]uint64 // hash -> absolute height, local only
	txs           map[ssixcore.Hash]*TxEntry
	outputs       map[outputKey]OutputRef
	outputHeights map[uint64][]uint64 // amount -> creation height per local output, append order
	outputBase    map[uint64]uint64   // amount -> global index of this cache's first local output
	keyImages     map[ssixcore.KeyImage]uint64

	hot *lru.Cache[outputKey, OutputRef]
}

func newCache(parent *Cache, store *kvstore.Store, startIndex, parentLimit uint64, hotSize int) *Cache {
	hot, _ := lru.New[outputKey, OutputRef](hotSize)
	return &Cache{
		parent:        parent,
		store:         store,
		startIndex:    startIndex,
		parentLimit:   parentLimit,
		blockByHash:   make(map[ssixcore.Hash]uint64),
		txs:           make(map[ssixcore.Hash]*TxEntry),
		outputs:       make(map[outputKey]OutputRef),
		outputHeights: make(map[uint64][]uint64),
		outputBase:    make(map[uint64]uint64),
		keyImages:     make(map[ssixcore.KeyImage]uint64),
		hot:           hot,
	}
}

// NewRoot returns a DB-backed root cache starting at height 0. If store
// already holds persisted blocks (from a prior run), call LoadFromStore
// to populate the in-memory index before using the cache.
func NewRoot(store *kvstore.Store) *Cache {
	return newCache(nil, store, 0, noLimit, hotCacheSize)
}

// NewChild returns a memory-resident alt-cache that is a diff against
// parent, covering heights startIndex and up. Parent state above
// startIndex-1 is invisible: the child's view of the chain is exactly
// the shared prefix plus its own blocks, regardless of how far the
// parent itself extends past the split point.
func NewChild(parent *Cache, startIndex uint64) *Cache {
	limit := uint64(0)
	if startIndex > 0 {
		limit = startIndex - 1
	}
	return newCache(parent, nil, startIndex, limit, hotCacheSize/4)
}

// IsRoot reports whether c has no parent.
func (c *Cache) IsRoot() bool { return c.parent == nil }

// StartIndex is the first height this cache layer stores locally.
func (c *Cache) StartIndex() uint64 { return c.startIndex }

// LocalBlockCount is how many blocks this cache layer itself holds.
func (c *Cache) LocalBlockCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// LocalBlockHashes returns the hashes of this cache layer's own blocks.
func (c *Cache) LocalBlockHashes() []ssixcore.Hash {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ssixcore.Hash, 0, len(c.blocks))
	for _, e := range c.blocks {
		out = append(out, e.Hash)
	}
	return out
}

// tipEntry returns this cache's view of the chain tip: its own last
// local block, or (for a fresh split child with no local blocks yet) the
// parent's entry at the split point.
func (c *Cache) tipEntry() (BlockEntry, bool) {
	c.mu.RLock()
	if len(c.blocks) > 0 {
		e := c.blocks[len(c.blocks)-1]
		c.mu.RUnlock()
		return e, true
	}
	c.mu.RUnlock()
	if c.parent != nil {
		return c.parent.getBlockByIndexBounded(c.parentLimit, c.parentLimit)
	}
	return BlockEntry{}, false
}

// TipIndex returns the height of this cache's view of the tip.
func (c *Cache) TipIndex() uint64 {
	c.mu.RLock()
	if n := len(c.blocks); n > 0 {
		h := c.startIndex + uint64(n) - 1
		c.mu.RUnlock()
		return h
	}
	c.mu.RUnlock()
	if c.parent != nil {
		return c.parentLimit
	}
	return 0
}

// TipCumulativeDifficulty returns the cumulative difficulty at this
// cache's tip (the fork-choice metric).
func (c *Cache) TipCumulativeDifficulty() uint64 {
	e, ok := c.tipEntry()
	if !ok {
		return 0
	}
	return e.CumulativeDifficulty
}

// TipCumulativeSize returns the cumulative block size at this cache's
// tip.
func (c *Cache) TipCumulativeSize() uint64 {
	e, ok := c.tipEntry()
	if !ok {
		return 0
	}
	return e.CumulativeSize
}

// TipGeneratedCoins returns the cumulative coin emission at this cache's
// tip (BlockEntry.GeneratedCoins is a running total, same convention as
// CumulativeDifficulty/CumulativeSize).
func (c *Cache) TipGeneratedCoins() uint64 {
	e, ok := c.tipEntry()
	if !ok {
		return 0
	}
	return e.GeneratedCoins
}

// TipHash returns the hash of this cache's tip block.
func (c *Cache) TipHash() (ssixcore.Hash, bool) {
	e, ok := c.tipEntry()
	if !ok {
		return ssixcore.Hash{}, false
	}
	return e.Hash, true
}

// HasAnyBlock reports whether this cache's visible chain holds a block
// at all, distinguishing a genuinely empty chain (pre-genesis) from a
// root cache whose TipIndex defaults to 0.
func (c *Cache) HasAnyBlock() bool {
	_, ok := c.tipEntry()
	return ok
}

func boundedParentLimit(limit, parentLimit uint64) uint64 {
	if parentLimit < limit {
		return parentLimit
	}
	return limit
}

// HasBlock reports whether hash is known anywhere in this cache's
// visible ancestry.
func (c *Cache) HasBlock(hash ssixcore.Hash) bool {
	_, ok := c.heightOfHashBounded(hash, noLimit)
	return ok
}

// HeightOfHash resolves hash to its absolute height, parent-delegating.
func (c *Cache) HeightOfHash(hash ssixcore.Hash) (uint64, bool) {
	return c.heightOfHashBounded(hash, noLimit)
}

func (c *Cache) heightOfHashBounded(hash ssixcore.Hash, limit uint64) (uint64, bool) {
	c.mu.RLock()
	h, ok := c.blockByHash[hash]
	c.mu.RUnlock()
	if ok && h <= limit {
		return h, true
	}
	if c.parent != nil {
		return c.parent.heightOfHashBounded(hash, boundedParentLimit(limit, c.parentLimit))
	}
	return 0, false
}

// GetBlockByIndex returns the block entry at absolute height h, parent-
// delegating on local miss.
func (c *Cache) GetBlockByIndex(h uint64) (BlockEntry, bool) {
	return c.getBlockByIndexBounded(h, noLimit)
}

func (c *Cache) getBlockByIndexBounded(h, limit uint64) (BlockEntry, bool) {
	if h > limit {
		return BlockEntry{}, false
	}
	c.mu.RLock()
	if h >= c.startIndex && h-c.startIndex < uint64(len(c.blocks)) {
		e := c.blocks[h-c.startIndex]
		c.mu.RUnlock()
		return e, true
	}
	c.mu.RUnlock()
	if c.parent != nil {
		return c.parent.getBlockByIndexBounded(h, boundedParentLimit(limit, c.parentLimit))
	}
	return BlockEntry{}, false
}

// GetBlockByHash resolves hash to its height then returns that entry.
func (c *Cache) GetBlockByHash(hash ssixcore.Hash) (BlockEntry, bool) {
	h, ok := c.heightOfHashBounded(hash, noLimit)
	if !ok {
		return BlockEntry{}, false
	}
	return c.getBlockByIndexBounded(h, noLimit)
}

// GetTransaction returns the tx entry for hash, parent-delegating.
func (c *Cache) GetTransaction(hash ssixcore.Hash) (*TxEntry, bool) {
	return c.getTransactionBounded(hash, noLimit)
}

func (c *Cache) getTransactionBounded(hash ssixcore.Hash, limit uint64) (*TxEntry, bool) {
	c.mu.RLock()
	e, ok := c.txs[hash]
	c.mu.RUnlock()
	if ok && e.BlockIndex <= limit {
		return e, true
	}
	if c.parent != nil {
		return c.parent.getTransactionBounded(hash, boundedParentLimit(limit, c.parentLimit))
	}
	return nil, false
}

// HasKeyImage reports whether ki has already been spent anywhere in this
// cache's visible ancestry.
func (c *Cache) HasKeyImage(ki ssixcore.KeyImage) bool {
	return c.hasKeyImageBounded(ki, noLimit)
}

func (c *Cache) hasKeyImageBounded(ki ssixcore.KeyImage, limit uint64) bool {
	c.mu.RLock()
	h, ok := c.keyImages[ki]
	c.mu.RUnlock()
	if ok && h <= limit {
		return true
	}
	if c.parent != nil {
		return c.parent.hasKeyImageBounded(ki, boundedParentLimit(limit, c.parentLimit))
	}
	return false
}

// NextGlobalIndex returns the next global index that would be assigned
// to a new output of the given amount, i.e. the current count of
// outputs of that amount across this cache's visible ancestry.
func (c *Cache) NextGlobalIndex(amount uint64) uint64 {
	return c.countUpTo(amount, noLimit)
}

// countUpTo counts outputs of amount created at or below limit, across
// the visible ancestry. Per-amount creation heights are append-ordered
// and therefore non-decreasing, so the local share is a binary search.
func (c *Cache) countUpTo(amount, limit uint64) uint64 {
	c.mu.RLock()
	heights := c.outputHeights[amount]
	local := uint64(sort.Search(len(heights), func(i int) bool { return heights[i] > limit }))
	c.mu.RUnlock()
	if c.parent == nil {
		return local
	}
	return c.parent.countUpTo(amount, boundedParentLimit(limit, c.parentLimit)) + local
}

// GetOutput resolves (amount, globalIndex) to its OutputRef, parent-
// delegating on local miss and consulting the hot LRU first.
func (c *Cache) GetOutput(amount, globalIndex uint64) (OutputRef, bool) {
	return c.getOutputBounded(amount, globalIndex, noLimit)
}

func (c *Cache) getOutputBounded(amount, globalIndex, limit uint64) (OutputRef, bool) {
	key := outputKey{amount, globalIndex}
	if v, ok := c.hot.Get(key); ok && v.BlockIndex <= limit {
		return v, true
	}
	c.mu.RLock()
	v, ok := c.outputs[key]
	c.mu.RUnlock()
	if ok {
		if v.BlockIndex > limit {
			return OutputRef{}, false
		}
		c.hot.Add(key, v)
		return v, true
	}
	if c.parent != nil {
		return c.parent.getOutputBounded(amount, globalIndex, boundedParentLimit(limit, c.parentLimit))
	}
	return OutputRef{}, false
}

// ExtractKeyOutputKeys resolves every absolute global index in indices
// for amount to its one-time public key, in order. Any missing output
// fails the whole call with ErrMissingOutput.
func (c *Cache) ExtractKeyOutputKeys(amount uint64, indices []uint64) ([]ssixcore.PublicKey, error) {
	out := make([]ssixcore.PublicKey, len(indices))
	for i, idx := range indices {
		ref, ok := c.GetOutput(amount, idx)
		if !ok {
			return nil, fmt.Errorf("%w: amount %d index %d", ssixcore.ErrMissingOutput, amount, idx)
		}
		out[i] = ref.PubKey
	}
	return out, nil
}

// PushBlock appends block and its non-coinbase transactions to this
// cache, updating every local index. coinbaseHash is the hash of
// block.CoinbaseTx (the caller already has it from hashing during
// validation); cumulativeDifficulty and generatedCoins are supplied by
// the caller (hierarchy), which alone knows the parent block's running
// totals. On the root cache, every mutation is additionally staged into
// a kvstore.Batch and committed atomically with the in-memory update.
// raw, when non-nil, is staged as the raw_block/<height> record in the
// same atomic batch as every derived index — only meaningful (and only
// used) on the root cache.
func (c *Cache) PushBlock(block *ssixcore.Block, txs []*ssixcore.Transaction, blockHash, coinbaseHash ssixcore.Hash, cumulativeDifficulty, cumulativeSize, generatedCoins uint64, raw *ssixcore.RawBlock) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(block.TxHashes) != len(txs) {
		return fmt.Errorf("ssixcore: block references %d tx hashes but %d transactions supplied", len(block.TxHashes), len(txs))
	}

	height := c.startIndex + uint64(len(c.blocks))
	allTxs := append([]*ssixcore.Transaction{&block.CoinbaseTx}, txs...)
	txHashes := append([]ssixcore.Hash{coinbaseHash}, block.TxHashes...)

	var batch *kvstore.Batch
	if c.store != nil {
		batch = c.store.NewBatch()
		if raw != nil {
			if err := PutRawBlock(batch, height, raw); err != nil {
				return fmt.Errorf("ssixcore/cache: stage raw block %d: %w", height, err)
			}
		}
	}

	entry := BlockEntry{
		Hash:                 blockHash,
		Header:               block.BlockHeader,
		CumulativeDifficulty: cumulativeDifficulty,
		CumulativeSize:       cumulativeSize,
		Timestamp:            block.Timestamp,
		GeneratedCoins:       generatedCoins,
		TxHashes:             txHashes,
	}

	for i, tx := range allTxs {
		txHash := txHashes[i]
		indices := make([]uint64, len(tx.Outputs))
		for oi, out := range tx.Outputs {
			idx := c.nextIndexLocked(out.Amount)
			indices[oi] = idx
			ref := OutputRef{
				TxHash:          txHash,
				OutputIndexInTx: oi,
				UnlockTime:      tx.UnlockTime,
				BlockIndex:      height,
				Coinbase:        i == 0,
			}
			if out.Target.Key != nil {
				ref.PubKey = out.Target.Key.Key
			}
			c.outputs[outputKey{out.Amount, idx}] = ref
			c.outputHeights[out.Amount] = append(c.outputHeights[out.Amount], height)
			if batch != nil {
				putOutputRecord(batch, out.Amount, idx, ref)
			}
		}
		c.txs[txHash] = &TxEntry{Tx: tx, BlockIndex: height, GlobalOutputIndices: indices}
		if batch != nil {
			putTxRecord(batch, txHash, height)
		}
		for _, in := range tx.Inputs {
			if in.Key != nil {
				c.keyImages[in.Key.KeyImage] = height
				if batch != nil {
					putKeyImageRecord(batch, in.Key.KeyImage, height)
				}
			}
		}
	}

	c.blocks = append(c.blocks, entry)
	c.blockByHash[blockHash] = height
	if batch != nil {
		putBlockIndexRecord(batch, blockHash, height)
		if err := batch.Commit(); err != nil {
			return fmt.Errorf("ssixcore/cache: commit push of block %d: %w", height, err)
		}
	}
	return nil
}

// nextIndexLocked assigns the next global index for amount. The base —
// how many outputs of this amount the visible parent chain holds — is
// computed once per amount and cached: the parent's segment below the
// split point is frozen for as long as this cache exists.
func (c *Cache) nextIndexLocked(amount uint64) uint64 {
	base, ok := c.outputBase[amount]
	if !ok {
		if c.parent != nil {
			base = c.parent.countUpTo(amount, c.parentLimit)
		}
		c.outputBase[amount] = base
	}
	return base + uint64(len(c.outputHeights[amount]))
}

// PopBlock removes this cache's local tip block and returns its detached
// data for possible re-push onto another branch. It is an error to pop
// past this cache's own start index (the parent is untouched by design:
// popping below a diff cache's start means discarding the whole cache,
// which the hierarchy does by dropping the reference, not by popping).
func (c *Cache) PopBlock() (*DetachedBlock, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.blocks) == 0 {
		return nil, fmt.Errorf("ssixcore/cache: no local block to pop at height %d", c.startIndex)
	}
	height := c.startIndex + uint64(len(c.blocks)) - 1
	entry := c.blocks[len(c.blocks)-1]
	c.blocks = c.blocks[:len(c.blocks)-1]
	delete(c.blockByHash, entry.Hash)

	detached := &DetachedBlock{Entry: entry, TxEntries: make(map[ssixcore.Hash]*TxEntry)}
	var batch *kvstore.Batch
	if c.store != nil {
		batch = c.store.NewBatch()
	}

	for i, txHash := range entry.TxHashes {
		te, ok := c.txs[txHash]
		if !ok {
			continue
		}
		detached.TxEntries[txHash] = te
		if i == 0 {
			detached.Block = &ssixcore.Block{
				BlockHeader: entry.Header,
				CoinbaseTx:  *te.Tx,
				TxHashes:    append([]ssixcore.Hash(nil), entry.TxHashes[1:]...),
			}
		} else {
			detached.Txs = append(detached.Txs, te.Tx)
		}
		delete(c.txs, txHash)
		if batch != nil {
			batch.Delete(txRecordKey(txHash))
		}
		for oi, out := range te.Tx.Outputs {
			idx := te.GlobalOutputIndices[oi]
			delete(c.outputs, outputKey{out.Amount, idx})
			c.hot.Remove(outputKey{out.Amount, idx})
			if heights := c.outputHeights[out.Amount]; len(heights) > 0 {
				c.outputHeights[out.Amount] = heights[:len(heights)-1]
			}
			if batch != nil {
				batch.Delete(outputRecordKey(out.Amount, idx))
			}
		}
		for _, in := range te.Tx.Inputs {
			if in.Key != nil {
				delete(c.keyImages, in.Key.KeyImage)
				if batch != nil {
					batch.Delete(keyImageRecordKey(in.Key.KeyImage))
				}
			}
		}
	}
	if batch != nil {
		batch.Delete(blockIndexRecordKey(entry.Hash))
		batch.Delete(rawBlockKey(height))
		if err := batch.Commit(); err != nil {
			return nil, fmt.Errorf("ssixcore/cache: commit pop of block %d: %w", height, err)
		}
	}
	return detached, nil
}

// FindCommonAncestor walks this cache and other up their parent chains
// to the highest height they agree on, returning that height and true,
// or false if they share no ancestry (should not happen for caches in
// the same hierarchy, which are all rooted at the same genesis).
func (c *Cache) FindCommonAncestor(other *Cache) (uint64, bool) {
	aHashes := c.hashesByHeight()
	bHashes := other.hashesByHeight()
	var best uint64
	found := false
	for h, ah := range aHashes {
		if bh, ok := bHashes[h]; ok && bh == ah {
			if !found || h > best {
				best, found = h, true
			}
		}
	}
	return best, found
}

// hashesByHeight walks the visible ancestry chain and returns every
// known height->hash pair. Used only by FindCommonAncestor, which runs
// on fork-decision paths, not the hot per-block path.
func (c *Cache) hashesByHeight() map[uint64]ssixcore.Hash {
	out := make(map[uint64]ssixcore.Hash)
	cur := c
	limit := noLimit
	for cur != nil {
		cur.mu.RLock()
		for i, e := range cur.blocks {
			h := cur.startIndex + uint64(i)
			if h > limit {
				continue
			}
			if _, exists := out[h]; !exists {
				out[h] = e.Hash
			}
		}
		cur.mu.RUnlock()
		limit = boundedParentLimit(limit, cur.parentLimit)
		cur = cur.parent
	}
	return out
}

// DecodedBlock is what a LoadFromStore caller's decode function must
// produce from one persisted raw_block/<height> record.
type DecodedBlock struct {
	Block                *ssixcore.Block
	Txs                  []*ssixcore.Transaction
	Hash, CoinbaseHash   ssixcore.Hash
	CumulativeDifficulty uint64
	CumulativeSize       uint64
	GeneratedCoins       uint64
}

type loadedRaw struct {
	height uint64
	raw    []byte
}

// LoadFromStore replays every persisted block back into a fresh root
// cache's in-memory indices, the step taken once at daemon startup. The
// on-disk store is the durable copy; the in-memory index is what every
// lookup in this package actually walks.
func (c *Cache) LoadFromStore(decode func(raw []byte) (DecodedBlock, error)) error {
	if c.store == nil {
		return fmt.Errorf("ssixcore/cache: LoadFromStore called on a non-root cache")
	}
	it := c.store.Iterator([]byte(rawBlockPrefix))
	defer it.Release()
	var all []loadedRaw
	for it.Next() {
		h := heightFromRawBlockKey(it.Key())
		raw := append([]byte(nil), it.Value()...)
		all = append(all, loadedRaw{h, raw})
	}
	if err := it.Error(); err != nil {
		return err
	}
	sortLoadedRaw(all)
	for _, l := range all {
		db, err := decode(l.raw)
		if err != nil {
			return fmt.Errorf("ssixcore/cache: decode persisted block %d: %w", l.height, err)
		}
		if err := c.replayBlock(db); err != nil {
			return err
		}
	}
	return nil
}

// replayBlock is PushBlock without re-issuing a kvstore batch — the data
// is already durable, this only rebuilds the in-memory index.
func (c *Cache) replayBlock(db DecodedBlock) error {
	savedStore := c.store
	c.store = nil
	err := c.PushBlock(db.Block, db.Txs, db.Hash, db.CoinbaseHash, db.CumulativeDifficulty, db.CumulativeSize, db.GeneratedCoins, nil)
	c.store = savedStore
	return err
}

func sortLoadedRaw(all []loadedRaw) {
	sort.Slice(all, func(i, j int) bool { return all[i].height < all[j].height })
}

func heightFromRawBlockKey(key []byte) uint64 {
	if len(key) < len(rawBlockPrefix)+8 {
		return 0
	}
	return binary.BigEndian.Uint64(key[len(rawBlockPrefix):])
}
