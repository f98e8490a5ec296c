// Package hierarchy implements the cache hierarchy and fork manager:
// the tree of caches rooted at genesis, canonical-tip selection by
// greatest cumulative difficulty, and atomic reorganization between
// competing branches.
package hierarchy

import (
	"fmt"
	"sync"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/cache"
	"github.com/cybersecuresix/ssixd/checkpoints"
)

// CacheID indexes the arena of caches. The arena avoids Go reference
// cycles between parent and child caches: cache.Cache itself only ever
// holds a plain *cache.Cache parent pointer, never a back-reference to
// its children; the hierarchy is what tracks those.
type CacheID int

// node is one arena entry: a cache plus the hierarchy's bookkeeping
// about it (its children, when it was first observed — the tie-break
// between equal-difficulty tips — and whether it has been discarded;
// arena slots are never reused, only marked dead).
type node struct {
	c        *cache.Cache
	parent   CacheID
	children []CacheID
	addedAt  uint64 // monotonic sequence number, not wall-clock
	dead     bool
}

// Hierarchy owns every cache in the tree and tracks the canonical tip.
type Hierarchy struct {
	mu sync.RWMutex

	nodes   []node
	byHash  map[ssixcore.Hash]CacheID // which live cache locally holds the block with this hash
	seq     uint64
	genesis CacheID
	tip     CacheID

	checkpoints *checkpoints.Checkpoints
	maxAltDepth uint64 // bound on how deep a memory-resident alt cache may grow
}

// New creates a hierarchy rooted at root, a cache that already contains
// (at minimum) the genesis block, or is empty and about to receive it.
func New(root *cache.Cache, cps *checkpoints.Checkpoints, maxAltDepth uint64) *Hierarchy {
	h := &Hierarchy{
		byHash:      make(map[ssixcore.Hash]CacheID),
		checkpoints: cps,
		maxAltDepth: maxAltDepth,
	}
	id := h.addNode(root, -1)
	h.genesis = id
	h.tip = id
	for _, bh := range root.LocalBlockHashes() {
		h.byHash[bh] = id
	}
	return h
}

func (h *Hierarchy) addNode(c *cache.Cache, parent CacheID) CacheID {
	id := CacheID(len(h.nodes))
	h.nodes = append(h.nodes, node{c: c, parent: parent, addedAt: h.seq})
	h.seq++
	if parent >= 0 {
		h.nodes[parent].children = append(h.nodes[parent].children, id)
	}
	return id
}

// Canonical returns the cache currently selected as canonical.
func (h *Hierarchy) Canonical() *cache.Cache {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.nodes[h.tip].c
}

// FindCacheByBlockHash returns the first live cache, in arena order,
// whose visible chain holds hash. SubmitBlock does not call it; it finds
// a parent through the byHash index (findCacheHolding).
func (h *Hierarchy) FindCacheByBlockHash(hash ssixcore.Hash) (*cache.Cache, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for i := range h.nodes {
		if h.nodes[i].dead {
			continue
		}
		if h.nodes[i].c.HasBlock(hash) {
			return h.nodes[i].c, true
		}
	}
	return nil, false
}

// tipOwner reports which live cache's local tip is hash, vs. hash being
// interior to a longer cache.
func (h *Hierarchy) tipOwner(hash ssixcore.Hash) (CacheID, bool) {
	for i := range h.nodes {
		if h.nodes[i].dead {
			continue
		}
		if th, ok := h.nodes[i].c.TipHash(); ok && th == hash {
			return CacheID(i), true
		}
	}
	return -1, false
}

// SubmitResult is what SubmitBlock returns on success.
type SubmitResult struct {
	CumulativeDifficulty uint64
	BecameCanonical      bool
	ReorgDepth           uint64
}

// SubmitBlock runs the fork manager's acceptance algorithm against an
// already decoded, statically-checked block: locate the parent cache,
// apply the checkpoint gate, pick the branch to extend (in place, on an
// existing alt tip, or via a split), run validate against that target
// cache, append, and check whether a reorg is now due. validate is
// supplied by the caller (core façade) since it needs the crypto oracle
// and currency rules this package deliberately has no dependency on; it
// returns the block's emission (added to the generated-coins running
// total) and the difficulty the block was mined against (added to the
// cumulative-difficulty running total).
func (h *Hierarchy) SubmitBlock(
	block *ssixcore.Block,
	txs []*ssixcore.Transaction,
	blockHash, coinbaseHash ssixcore.Hash,
	blockSize uint64,
	raw *ssixcore.RawBlock,
	validate func(target *cache.Cache, parentHeight uint64) (blockReward, blockDifficulty uint64, err error),
	onDetach func(txs []*ssixcore.Transaction),
) (SubmitResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byHash[blockHash]; exists {
		return SubmitResult{}, ssixcore.ErrAlreadyHave
	}

	var (
		parentID     CacheID
		parentCache  *cache.Cache
		parentEntry  cache.BlockEntry
		newHeight    uint64
		parentHeight uint64
		isGenesis    bool
	)
	switch {
	case block.PrevHash.IsZero() && !h.nodes[h.genesis].c.HasAnyBlock():
		parentID = h.genesis
		parentCache = h.nodes[parentID].c
		newHeight = 0
		isGenesis = true
	default:
		pid, ok := h.findCacheHolding(block.PrevHash)
		if !ok {
			return SubmitResult{}, ssixcore.ErrOrphanBlock
		}
		ph, ok := h.nodes[pid].c.HeightOfHash(block.PrevHash)
		if !ok {
			return SubmitResult{}, ssixcore.ErrOrphanBlock
		}
		pe, ok := h.nodes[pid].c.GetBlockByIndex(ph)
		if !ok {
			return SubmitResult{}, ssixcore.ErrOrphanBlock
		}
		parentID, parentCache, parentEntry, parentHeight, newHeight = pid, h.nodes[pid].c, pe, ph, ph+1
	}

	if h.checkpoints != nil && !isGenesis {
		canonicalTipHeight := h.nodes[h.tip].c.TipIndex()
		extendsCanonicalTip := parentID == h.tip && parentHeight == canonicalTipHeight
		if !extendsCanonicalTip && !h.checkpoints.IsAlternativeBlockAllowed(canonicalTipHeight, newHeight) {
			return SubmitResult{}, ssixcore.ErrAltBlockBehindCheckpoint
		}
		if ok, isCp := h.checkpoints.Check(newHeight, blockHash); isCp && !ok {
			return SubmitResult{}, ssixcore.ErrCheckpointMismatch
		}
	}

	var target *cache.Cache
	var targetID CacheID

	switch {
	case isGenesis:
		target, targetID = parentCache, parentID
	case parentID == h.tip && parentHeight == h.nodes[h.tip].c.TipIndex():
		target, targetID = parentCache, parentID
	default:
		if tipID, isTip := h.tipOwner(block.PrevHash); isTip {
			target, targetID = h.nodes[tipID].c, tipID
		} else {
			child := cache.NewChild(parentCache, newHeight)
			targetID = h.addNode(child, parentID)
			target = child
		}
	}

	blockReward, blockDifficulty, err := validate(target, parentHeight)
	if err != nil {
		if targetID != parentID && h.nodes[targetID].c.LocalBlockCount() == 0 {
			h.dropNode(targetID)
		}
		return SubmitResult{}, err
	}

	var pushRaw *ssixcore.RawBlock
	if target.IsRoot() {
		pushRaw = raw
	}
	if err := target.PushBlock(block, txs, blockHash, coinbaseHash,
		parentEntry.CumulativeDifficulty+blockDifficulty,
		parentEntry.CumulativeSize+blockSize,
		parentEntry.GeneratedCoins+blockReward,
		pushRaw); err != nil {
		return SubmitResult{}, err
	}
	h.byHash[blockHash] = targetID

	result := SubmitResult{CumulativeDifficulty: target.TipCumulativeDifficulty()}

	if targetID == h.tip {
		result.BecameCanonical = true
	} else if target.TipCumulativeDifficulty() > h.nodes[h.tip].c.TipCumulativeDifficulty() {
		depth, err := h.reorganize(targetID, onDetach)
		if err != nil {
			return SubmitResult{}, err
		}
		result.BecameCanonical = true
		result.ReorgDepth = depth
	}

	h.enforceAltDepthBound()
	return result, nil
}

// findCacheHolding returns the id of whichever live cache hash was last
// pushed into, per the byHash index SubmitBlock and reorganize maintain.
func (h *Hierarchy) findCacheHolding(hash ssixcore.Hash) (CacheID, bool) {
	id, ok := h.byHash[hash]
	if !ok || h.nodes[id].dead {
		return -1, false
	}
	return id, true
}

func (h *Hierarchy) isAncestorOf(a, b CacheID) bool {
	cur := b
	for {
		if cur == a {
			return true
		}
		if h.nodes[cur].parent < 0 {
			return false
		}
		cur = h.nodes[cur].parent
	}
}

// dropNode discards a cache: marks its arena slot dead, unlinks it from
// its parent, and scrubs its local blocks from the byHash index. Any
// children it has are discarded with it.
func (h *Hierarchy) dropNode(id CacheID) {
	if h.nodes[id].dead {
		return
	}
	h.nodes[id].dead = true
	for _, bh := range h.nodes[id].c.LocalBlockHashes() {
		if h.byHash[bh] == id {
			delete(h.byHash, bh)
		}
	}
	p := h.nodes[id].parent
	if p >= 0 {
		children := h.nodes[p].children
		for i, c := range children {
			if c == id {
				h.nodes[p].children = append(children[:i], children[i+1:]...)
				break
			}
		}
	}
	for _, child := range append([]CacheID(nil), h.nodes[id].children...) {
		h.dropNode(child)
	}
}

// reorganize makes winnerID the new canonical tip: the former canonical
// branch is popped down to the common ancestor, its transactions are
// handed to onDetach (the façade re-offers them to the pool), and the
// detached segment is re-attached as an alternative cache so it may win
// again later — unless it now falls behind the checkpoint horizon, in
// which case pruneBehindCheckpoints discards it.
func (h *Hierarchy) reorganize(winnerID CacheID, onDetach func([]*ssixcore.Transaction)) (uint64, error) {
	loserID := h.tip
	loser := h.nodes[loserID].c
	winner := h.nodes[winnerID].c

	ancestorHeight, found := loser.FindCommonAncestor(winner)
	if !found {
		return 0, fmt.Errorf("ssixcore/hierarchy: no common ancestor between canonical and winning branch")
	}

	// Pop the losing segment down to the common ancestor, walking up the
	// cache path when the segment spans more than one cache.
	type poppedFrom struct {
		from CacheID
		d    *cache.DetachedBlock
	}
	var poppedTxs []*ssixcore.Transaction
	var popped []poppedFrom
	cur := loserID
	for {
		c := h.nodes[cur].c
		for c.TipIndex() > ancestorHeight && c.LocalBlockCount() > 0 {
			d, err := c.PopBlock()
			if err != nil {
				for i := len(popped) - 1; i >= 0; i-- {
					h.rePush(h.nodes[popped[i].from].c, popped[i].from, popped[i].d)
				}
				return 0, fmt.Errorf("ssixcore/hierarchy: reorg pop failed, rolled back: %w", err)
			}
			delete(h.byHash, d.Entry.Hash)
			popped = append(popped, poppedFrom{cur, d})
			poppedTxs = append(poppedTxs, d.Txs...)
		}
		if c.TipIndex() <= ancestorHeight {
			break
		}
		p := h.nodes[cur].parent
		if p < 0 {
			break
		}
		cur = p
	}

	h.tip = winnerID
	depth := uint64(len(popped))

	// Re-attach the detached segment as an alternative cache rooted where
	// the branches diverge; it may win again later.
	if depth > 0 {
		alt := cache.NewChild(h.nodes[cur].c, ancestorHeight+1)
		altID := h.addNode(alt, cur)
		ok := true
		for i := len(popped) - 1; i >= 0; i-- {
			if err := h.rePush(alt, altID, popped[i].d); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			h.dropNode(altID)
		}
	}

	// Any cache on the losing path emptied by the pops is dead weight.
	for id := loserID; id != cur; id = h.nodes[id].parent {
		if h.nodes[id].c.LocalBlockCount() == 0 {
			h.dropNode(id)
		}
	}

	if onDetach != nil && len(poppedTxs) > 0 {
		onDetach(poppedTxs)
	}

	h.pruneBehindCheckpoints()
	return depth, nil
}

func (h *Hierarchy) rePush(c *cache.Cache, id CacheID, d *cache.DetachedBlock) error {
	err := c.PushBlock(d.Block, d.Txs, d.Entry.Hash, d.Entry.TxHashes[0], d.Entry.CumulativeDifficulty, d.Entry.CumulativeSize, d.Entry.GeneratedCoins, nil)
	if err == nil {
		h.byHash[d.Entry.Hash] = id
	}
	return err
}

// Rewind pops canonical blocks down to targetHeight, scrubbing them
// from the block index, and returns every detached non-coinbase
// transaction. Only the canonical tip cache's own local blocks are
// popped: when that cache starts above targetHeight, popping stops once
// it holds no local blocks, its parent caches are left untouched, and no
// error is returned. Operator repair, not a consensus path: the popped
// blocks are gone, not re-attached as an alternative branch.
func (h *Hierarchy) Rewind(targetHeight uint64) ([]*ssixcore.Transaction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	tip := h.nodes[h.tip].c
	var detached []*ssixcore.Transaction
	for tip.TipIndex() > targetHeight && tip.LocalBlockCount() > 0 {
		d, err := tip.PopBlock()
		if err != nil {
			return detached, err
		}
		delete(h.byHash, d.Entry.Hash)
		detached = append(detached, d.Txs...)
	}
	return detached, nil
}

// pruneBehindCheckpoints discards any non-canonical branch whose start
// index now falls at or below the checkpoint horizon.
func (h *Hierarchy) pruneBehindCheckpoints() {
	if h.checkpoints == nil {
		return
	}
	canonicalHeight := h.nodes[h.tip].c.TipIndex()
	for i := range h.nodes {
		id := CacheID(i)
		if h.nodes[i].dead || id == h.tip || h.isAncestorOf(id, h.tip) {
			continue
		}
		if !h.checkpoints.IsAlternativeBlockAllowed(canonicalHeight, h.nodes[i].c.StartIndex()) {
			h.dropNode(id)
		}
	}
}

// enforceAltDepthBound discards any alt-cache branch whose local depth
// has grown past maxAltDepth: a memory-resident fork that deep is not
// going to win, and keeping it would let a hostile peer grow unbounded
// state.
func (h *Hierarchy) enforceAltDepthBound() {
	if h.maxAltDepth == 0 {
		return
	}
	for i := range h.nodes {
		id := CacheID(i)
		if h.nodes[i].dead || id == h.tip || id == h.genesis || h.isAncestorOf(id, h.tip) {
			continue
		}
		if uint64(h.nodes[i].c.LocalBlockCount()) > h.maxAltDepth {
			h.dropNode(id)
		}
	}
}
