// Package core implements the node façade: the single entry point the
// P2P and RPC layers talk to, orchestrating the cache hierarchy, the
// crypto oracle, and the transaction pool behind one exclusive-write/
// shared-read token.
package core

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/cache"
	"github.com/cybersecuresix/ssixd/hierarchy"
	"github.com/cybersecuresix/ssixd/ringsig"
	"github.com/cybersecuresix/ssixd/txpool"
)

// Oracle is the crypto-oracle surface the façade needs. Implemented by
// package ringsig; taken as an interface here so core stays testable
// against a fake without linking real curve arithmetic into every test.
type Oracle interface {
	Hash(b []byte) ssixcore.Hash
	CheckKey(pk ssixcore.PublicKey) bool
	VerifyRingSignature(prefixHash ssixcore.Hash, keyImage ssixcore.KeyImage, ring []ssixcore.PublicKey, sigs []ssixcore.Signature) bool
	VerifyProofOfWork(blockHash ssixcore.Hash, difficulty uint64) bool
}

// defaultOracle adapts package ringsig's free functions to the Oracle
// interface.
type defaultOracle struct{}

func (defaultOracle) Hash(b []byte) ssixcore.Hash         { return ringsig.Hash(b) }
func (defaultOracle) CheckKey(pk ssixcore.PublicKey) bool { return ringsig.CheckKey(pk) }
func (defaultOracle) VerifyRingSignature(prefixHash ssixcore.Hash, keyImage ssixcore.KeyImage, ring []ssixcore.PublicKey, sigs []ssixcore.Signature) bool {
	return ringsig.VerifyRingSignature(prefixHash, keyImage, ring, sigs)
}
func (defaultOracle) VerifyProofOfWork(blockHash ssixcore.Hash, difficulty uint64) bool {
	return ringsig.VerifyProofOfWork(blockHash, difficulty)
}

// DefaultOracle returns the real ringsig-backed Oracle.
func DefaultOracle() Oracle { return defaultOracle{} }

// DifficultyFunc projects the PoW difficulty a block at parentHeight+1
// must satisfy, given the parent cache. Supplied by the caller: the
// façade has no opinion on retarget algorithms beyond "the parent cache
// projects a difficulty." A nil DifficultyFunc fixes difficulty at 1.
type DifficultyFunc func(parent *cache.Cache, parentHeight uint64) uint64

// Core is the façade. Exactly one exclusive write token (the mu
// RWMutex) serializes submitBlock/reorg/pool-mutating operations; reads
// take the shared token and observe the last committed state.
type Core struct {
	mu sync.RWMutex

	currency   *ssixcore.Currency
	oracle     Oracle
	hierarchy  *hierarchy.Hierarchy
	pool       *txpool.Pool
	difficulty DifficultyFunc

	sem *semaphore.Weighted // bounds in-flight verification work

	shutdown bool
	subs     map[int]chan PoolChange
	nextSub  int
}

// PoolChange is one notification delivered to a GetPoolChanges
// subscriber.
type PoolChange struct {
	Added   []*ssixcore.Transaction
	Removed []ssixcore.Hash
}

// Config bundles Core's constructor arguments.
type Config struct {
	Currency   *ssixcore.Currency
	Oracle     Oracle // nil uses DefaultOracle()
	Hierarchy  *hierarchy.Hierarchy
	Pool       *txpool.Pool // nil allocates a fresh pool
	Difficulty DifficultyFunc
}

// New assembles the façade from its already-constructed collaborators.
func New(cfg Config) *Core {
	oracle := cfg.Oracle
	if oracle == nil {
		oracle = DefaultOracle()
	}
	pool := cfg.Pool
	if pool == nil {
		pool = txpool.New()
	}
	workers := runtime.NumCPU()
	if workers < 1 {
		workers = 1
	}
	return &Core{
		currency:   cfg.Currency,
		oracle:     oracle,
		hierarchy:  cfg.Hierarchy,
		pool:       pool,
		difficulty: cfg.Difficulty,
		sem:        semaphore.NewWeighted(int64(workers)),
		subs:       make(map[int]chan PoolChange),
	}
}

// GetInfo reports a status snapshot for the (out-of-scope) RPC layer.
type GetInfo struct {
	Height               uint64
	CumulativeDifficulty uint64
	PoolSize             int
}

func (c *Core) GetInfo() GetInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	return GetInfo{
		Height:               canonical.TipIndex(),
		CumulativeDifficulty: canonical.TipCumulativeDifficulty(),
		PoolSize:             c.pool.Size(),
	}
}

// SubmitRaw decodes raw and hands the result to SubmitBlock: the full
// bytes-in acceptance path, returning ErrMalformedBytes on any codec
// failure with the chain untouched.
func (c *Core) SubmitRaw(raw *ssixcore.RawBlock) (hierarchy.SubmitResult, error) {
	block, txs, err := ssixcore.DecodeRawBlock(raw)
	if err != nil {
		return hierarchy.SubmitResult{}, err
	}
	return c.SubmitBlock(block, txs, raw)
}

// SubmitBlock runs the full acceptance pipeline against an already-
// decoded block and its referenced transactions: static checks, then
// the hierarchy's locate-parent/checkpoint-gate/branch-select/validate/
// append/reorg-check sequence, with the validate closure implementing
// the contextual per-input rules.
func (c *Core) SubmitBlock(block *ssixcore.Block, txs []*ssixcore.Transaction, raw *ssixcore.RawBlock) (hierarchy.SubmitResult, error) {
	if c.isShuttingDown() {
		return hierarchy.SubmitResult{}, ssixcore.ErrShutdown
	}

	blockBytes, err := ssixcore.EncodeBinary(block)
	if err != nil {
		return hierarchy.SubmitResult{}, fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
	}
	if err := checkOneCoinbase(block, txs); err != nil {
		return hierarchy.SubmitResult{}, err
	}
	blockHash, err := block.Hash(c.oracle.Hash)
	if err != nil {
		return hierarchy.SubmitResult{}, fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
	}
	coinbaseHash, err := block.CoinbaseTx.Hash(c.oracle.Hash)
	if err != nil {
		return hierarchy.SubmitResult{}, fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
	}

	blockSize := uint64(len(blockBytes))
	for _, tx := range txs {
		b, err := ssixcore.EncodeBinary(tx)
		if err != nil {
			return hierarchy.SubmitResult{}, fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
		}
		if uint64(len(b)) > c.currency.MaxTxSize(0) {
			return hierarchy.SubmitResult{}, ssixcore.ErrTxTooBig
		}
		blockSize += uint64(len(b))
	}
	if blockSize > c.currency.MaxBlockSize(0) {
		return hierarchy.SubmitResult{}, ssixcore.ErrBlockTooBig
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	validate := func(target *cache.Cache, parentHeight uint64) (uint64, uint64, error) {
		isGenesis := block.PrevHash.IsZero() && !target.HasAnyBlock()
		height := parentHeight + 1
		if isGenesis {
			height = 0
		}
		if want := ssixcore.VersionAt(c.currency.UpgradeHeights, height); block.MajorVersion != want {
			return 0, 0, fmt.Errorf("%w: block carries major version %d, height %d requires %d", ssixcore.ErrBadVersion, block.MajorVersion, height, want)
		}
		difficulty := uint64(1)
		if !isGenesis {
			difficulty = c.projectDifficulty(target, parentHeight)
			if difficulty == 0 {
				return 0, 0, ssixcore.ErrBadDifficulty
			}
			if !c.oracle.VerifyProofOfWork(blockHash, difficulty) {
				return 0, 0, ssixcore.ErrBadPoW
			}
		}
		if err := c.validateTxSet(target, height, block.Timestamp, txs); err != nil {
			return 0, 0, err
		}
		reward, err := c.coinbaseReward(target, height, block, txs)
		return reward, difficulty, err
	}

	var detachedTxs []*ssixcore.Transaction
	onDetach := func(txs []*ssixcore.Transaction) {
		detachedTxs = append(detachedTxs, txs...)
	}

	result, err := c.hierarchy.SubmitBlock(block, txs, blockHash, coinbaseHash, blockSize, raw, validate, onDetach)
	if err != nil {
		return hierarchy.SubmitResult{}, err
	}

	var removed []ssixcore.Hash
	for _, tx := range txs {
		hash, err := tx.Hash(c.oracle.Hash)
		if err != nil {
			continue
		}
		if c.pool.Has(hash) {
			c.pool.Remove(hash)
			removed = append(removed, hash)
		}
	}
	if len(detachedTxs) > 0 {
		c.reofferLocked(detachedTxs)
	}
	c.notify(PoolChange{Removed: removed, Added: detachedTxs})

	return result, nil
}

// reofferLocked re-submits detached transactions against the (new)
// canonical tip. Caller holds the write token.
func (c *Core) reofferLocked(txs []*ssixcore.Transaction) {
	canonical := c.hierarchy.Canonical()
	tipEntry, _ := canonical.GetBlockByIndex(canonical.TipIndex())
	c.pool.ReOffer(txs, func(tx *ssixcore.Transaction) ssixcore.Hash {
		h, _ := tx.Hash(c.oracle.Hash)
		return h
	}, func(tx *ssixcore.Transaction) uint64 {
		fee, _ := tx.Fee()
		return fee
	}, func(tx *ssixcore.Transaction) uint64 {
		b, _ := ssixcore.EncodeBinary(tx)
		return uint64(len(b))
	}, func(tx *ssixcore.Transaction) error {
		return c.validateTxSet(canonical, canonical.TipIndex()+1, tipEntry.Timestamp, []*ssixcore.Transaction{tx})
	})
}

// AddTransaction admits tx to the pool after contextual validation
// against the canonical tip.
func (c *Core) AddTransaction(tx *ssixcore.Transaction) error {
	if c.isShuttingDown() {
		return ssixcore.ErrShutdown
	}
	hash, err := tx.Hash(c.oracle.Hash)
	if err != nil {
		return fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
	}
	b, err := ssixcore.EncodeBinary(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
	}
	if uint64(len(b)) > c.currency.MaxTxSize(0) {
		return ssixcore.ErrTxTooBig
	}
	fee, err := tx.Fee()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	canonical := c.hierarchy.Canonical()
	tipEntry, _ := canonical.GetBlockByIndex(canonical.TipIndex())
	validate := func() error {
		return c.validateTxSet(canonical, canonical.TipIndex()+1, tipEntry.Timestamp, []*ssixcore.Transaction{tx})
	}
	if err := c.pool.AddTx(tx, hash, fee, uint64(len(b)), validate); err != nil {
		return err
	}
	c.notify(PoolChange{Added: []*ssixcore.Transaction{tx}})
	return nil
}

// GetBlockTemplate assembles the next block's header and coinbase
// transaction around the transactions TakeTxsForBlock selects, for a
// miner targeting minerAddress (opaque bytes, address decoding is the
// caller's job).
func (c *Core) GetBlockTemplate(minerAddress []byte, extraNonce []byte) (*ssixcore.Block, []*ssixcore.Transaction, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	canonical := c.hierarchy.Canonical()
	parentHeight := canonical.TipIndex()
	tipHash, _ := canonical.TipHash()
	tipEntry, _ := canonical.GetBlockByIndex(parentHeight)
	height := parentHeight + 1

	maxSize := c.currency.MaxBlockSize(height)
	entries := c.pool.TakeTxsForBlock(maxSize/2, 1<<16)
	txs := make([]*ssixcore.Transaction, len(entries))
	var fees uint64
	for i, e := range entries {
		txs[i] = e.Tx
		fees += e.Fee
	}

	reward := c.currency.Emission(height, canonical.TipGeneratedCoins()) + fees

	coinbase := ssixcore.Transaction{
		TransactionPrefix: ssixcore.TransactionPrefix{
			Version: 1,
			Inputs:  ssixcore.InputList{{Coinbase: &ssixcore.CoinbaseInput{Height: height}}},
			Outputs: coinbaseOutputs(minerAddress, reward),
			Extra:   ssixcore.BinaryArray(extraNonce),
		},
	}

	txHashes := make([]ssixcore.Hash, len(txs))
	for i, tx := range txs {
		h, err := tx.Hash(c.oracle.Hash)
		if err != nil {
			return nil, nil, err
		}
		txHashes[i] = h
	}

	block := &ssixcore.Block{
		BlockHeader: ssixcore.BlockHeader{
			MajorVersion: ssixcore.VersionAt(c.currency.UpgradeHeights, height),
			PrevHash:     tipHash,
			Timestamp:    tipEntry.Timestamp + c.currency.DifficultyTarget,
		},
		CoinbaseTx: coinbase,
		TxHashes:   txHashes,
	}
	return block, txs, nil
}

// coinbaseOutputs is a single-output coinbase split: the miner-address
// decoding / multi-output split (for pool payouts etc.) is out of
// scope, the façade only needs a structurally valid coinbase to
// round-trip through SubmitBlock.
func coinbaseOutputs(minerAddress []byte, reward uint64) ssixcore.OutputList {
	var key ssixcore.PublicKey
	copy(key[:], minerAddress)
	return ssixcore.OutputList{{Amount: reward, Target: ssixcore.OutputTarget{Key: &ssixcore.KeyTarget{Key: key}}}}
}

// GetBlocks returns up to count block entries starting at startHeight
// from the canonical chain.
func (c *Core) GetBlocks(startHeight, count uint64) []cache.BlockEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	out := make([]cache.BlockEntry, 0, count)
	for h := startHeight; h < startHeight+count; h++ {
		e, ok := canonical.GetBlockByIndex(h)
		if !ok {
			break
		}
		out = append(out, e)
	}
	return out
}

// BlockFullInfo is one block of a QueryBlocks response: everything a
// syncing peer needs to apply the block.
type BlockFullInfo struct {
	Hash  ssixcore.Hash
	Block *ssixcore.Block
	Txs   []*ssixcore.Transaction
}

// BlockShortInfo is the header-only tier of the sync response, for
// peers that fetch bodies separately.
type BlockShortInfo struct {
	Hash     ssixcore.Hash
	Header   ssixcore.BlockHeader
	TxHashes []ssixcore.Hash
}

// QueryBlocks returns up to count full blocks from startHeight,
// reconstructed from the canonical chain's tx index.
func (c *Core) QueryBlocks(startHeight, count uint64) []BlockFullInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	out := make([]BlockFullInfo, 0, count)
	for h := startHeight; h < startHeight+count; h++ {
		e, ok := canonical.GetBlockByIndex(h)
		if !ok {
			break
		}
		cbEntry, ok := canonical.GetTransaction(e.TxHashes[0])
		if !ok {
			break
		}
		full := BlockFullInfo{
			Hash: e.Hash,
			Block: &ssixcore.Block{
				BlockHeader: e.Header,
				CoinbaseTx:  *cbEntry.Tx,
				TxHashes:    append([]ssixcore.Hash(nil), e.TxHashes[1:]...),
			},
		}
		for _, th := range e.TxHashes[1:] {
			if te, ok := canonical.GetTransaction(th); ok {
				full.Txs = append(full.Txs, te.Tx)
			}
		}
		out = append(out, full)
	}
	return out
}

// QueryBlocksLite is QueryBlocks's header-only tier.
func (c *Core) QueryBlocksLite(startHeight, count uint64) []BlockShortInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	out := make([]BlockShortInfo, 0, count)
	for h := startHeight; h < startHeight+count; h++ {
		e, ok := canonical.GetBlockByIndex(h)
		if !ok {
			break
		}
		out = append(out, BlockShortInfo{Hash: e.Hash, Header: e.Header, TxHashes: e.TxHashes})
	}
	return out
}

// GetTransactionOutputs returns up to count global output refs of amount
// starting at the lowest available index, for wallet scanning.
func (c *Core) GetTransactionOutputs(amount uint64, count uint64) []cache.OutputRef {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	out := make([]cache.OutputRef, 0, count)
	for i := uint64(0); i < count; i++ {
		ref, ok := canonical.GetOutput(amount, i)
		if !ok {
			break
		}
		out = append(out, ref)
	}
	return out
}

// GetRandomOutputs returns the OutputRef at each of indices for amount,
// for ring construction by a wallet (decoy selection itself is the
// caller's job; the façade only resolves indices to refs).
func (c *Core) GetRandomOutputs(amount uint64, indices []uint64) ([]cache.OutputRef, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	out := make([]cache.OutputRef, len(indices))
	for i, idx := range indices {
		ref, ok := canonical.GetOutput(amount, idx)
		if !ok {
			return nil, fmt.Errorf("%w: amount %d index %d", ssixcore.ErrMissingOutput, amount, idx)
		}
		out[i] = ref
	}
	return out, nil
}

// FindCommonAncestor returns the highest height in knownHashes that is
// also on the canonical chain, for p2p sync negotiation.
func (c *Core) FindCommonAncestor(knownHashes []ssixcore.Hash) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	canonical := c.hierarchy.Canonical()
	var best uint64
	found := false
	for _, h := range knownHashes {
		height, ok := canonical.HeightOfHash(h)
		if ok && (!found || height > best) {
			best, found = height, true
		}
	}
	return best, found
}

// GetPoolChanges subscribes to future pool additions/removals, returning
// a channel that receives one PoolChange per mutating call. The caller
// must eventually call the returned unsubscribe function. knownHashes is
// currently unused (reserved for a future diff-against-known-set
// optimization); every change is delivered in full.
func (c *Core) GetPoolChanges(knownHashes []ssixcore.Hash) (<-chan PoolChange, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	ch := make(chan PoolChange, 16)
	c.subs[id] = ch
	unsub := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if existing, ok := c.subs[id]; ok {
			close(existing)
			delete(c.subs, id)
		}
	}
	return ch, unsub
}

func (c *Core) notify(change PoolChange) {
	if len(change.Added) == 0 && len(change.Removed) == 0 {
		return
	}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default: // a slow reader drops notifications, never blocks the writer
		}
	}
}

// Rewind pops canonical blocks down to targetHeight, returning every
// detached transaction to the pool. Only blocks held by the canonical
// tip cache itself are popped (see hierarchy.Rewind). Operator repair
// only, never called on a consensus path.
func (c *Core) Rewind(targetHeight uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	detached, err := c.hierarchy.Rewind(targetHeight)
	if err != nil {
		return fmt.Errorf("ssixcore/core: rewind: %w", err)
	}
	if len(detached) > 0 {
		c.reofferLocked(detached)
		c.notify(PoolChange{Added: detached})
	}
	return nil
}

// Shutdown raises the shutdown flag: in-flight verifications are allowed
// to complete, no new work is scheduled, and queued requests fail with
// ErrShutdown.
func (c *Core) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shutdown = true
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
}

func (c *Core) isShuttingDown() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.shutdown
}

func (c *Core) projectDifficulty(target *cache.Cache, parentHeight uint64) uint64 {
	if c.difficulty == nil {
		return 1
	}
	return c.difficulty(target, parentHeight)
}

func checkOneCoinbase(block *ssixcore.Block, txs []*ssixcore.Transaction) error {
	if !block.CoinbaseTx.IsCoinbase() {
		return fmt.Errorf("%w: block's designated coinbase tx is not a coinbase input", ssixcore.ErrInputInvalid)
	}
	for _, tx := range txs {
		if tx.IsCoinbase() {
			return fmt.Errorf("%w: non-coinbase-slot transaction carries a coinbase input", ssixcore.ErrInputInvalid)
		}
	}
	return nil
}
