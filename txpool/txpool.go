// Package txpool implements the transaction pool: the hash-indexed set
// of transactions waiting for a block, with a key-image secondary index
// for pool-local double-spend rejection and fee-per-byte-ordered block
// template selection. Every index update for one tx happens while the
// pool's single mutex is held, so a transaction is either fully indexed
// or entirely absent.
package txpool

import (
	"container/heap"
	"fmt"
	"sync"

	ssixcore "github.com/cybersecuresix/ssixd"
)

// Entry is everything the pool tracks about one pending transaction.
type Entry struct {
	Tx         *ssixcore.Transaction
	Hash       ssixcore.Hash
	ReceivedAt uint64 // monotonic sequence number, not wall-clock
	Fee        uint64
	Size       uint64
	KeyImages  []ssixcore.KeyImage
}

func (e *Entry) feePerByte() float64 {
	if e.Size == 0 {
		return 0
	}
	return float64(e.Fee) / float64(e.Size)
}

// Pool is the set of transactions accepted but not yet mined, safe for
// concurrent use.
type Pool struct {
	mu         sync.RWMutex
	entries    map[ssixcore.Hash]*Entry
	byKeyImage map[ssixcore.KeyImage]ssixcore.Hash
	seq        uint64
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{
		entries:    make(map[ssixcore.Hash]*Entry),
		byKeyImage: make(map[ssixcore.KeyImage]ssixcore.Hash),
	}
}

// Size returns the number of pending transactions.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

// Has reports whether hash is already pending.
func (p *Pool) Has(hash ssixcore.Hash) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.entries[hash]
	return ok
}

// Get returns the pending entry for hash, if any.
func (p *Pool) Get(hash ssixcore.Hash) (*Entry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entries[hash]
	return e, ok
}

// AddTx admits a transaction: validate is supplied by the caller (the
// core façade, which alone knows the canonical cache and the crypto
// oracle) and performs the contextual chain-state checks; AddTx itself
// performs the pool-local key-image conflict check and the insertion,
// all under one lock acquisition so the transaction is either fully
// indexed or entirely absent on return.
func (p *Pool) AddTx(tx *ssixcore.Transaction, hash ssixcore.Hash, fee, size uint64, validate func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[hash]; exists {
		return ssixcore.ErrAlreadyHave
	}
	if validate != nil {
		if err := validate(); err != nil {
			return err
		}
	}
	keyImages := tx.KeyImages()
	for _, ki := range keyImages {
		if conflict, ok := p.byKeyImage[ki]; ok && conflict != hash {
			return fmt.Errorf("%w: key image already pending in tx %s", ssixcore.ErrPoolDoubleSpend, conflict)
		}
	}

	entry := &Entry{
		Tx:         tx,
		Hash:       hash,
		ReceivedAt: p.seq,
		Fee:        fee,
		Size:       size,
		KeyImages:  keyImages,
	}
	p.seq++
	p.entries[hash] = entry
	for _, ki := range keyImages {
		p.byKeyImage[ki] = hash
	}
	return nil
}

// Remove drops hash from the pool, freeing its key images. Used when a
// transaction is mined, or when a reorg re-offer finds it no longer
// resolves.
func (p *Pool) Remove(hash ssixcore.Hash) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.removeLocked(hash)
}

func (p *Pool) removeLocked(hash ssixcore.Hash) {
	e, ok := p.entries[hash]
	if !ok {
		return
	}
	delete(p.entries, hash)
	for _, ki := range e.KeyImages {
		if p.byKeyImage[ki] == hash {
			delete(p.byKeyImage, ki)
		}
	}
}

// feeHeap is a max-heap over pool entries ordered by descending
// fee-per-byte, breaking ties by earliest ReceivedAt. TakeTxsForBlock
// builds one from a snapshot of the pool rather than maintaining a
// persistent heap across Remove/AddTx calls, since the domain shape
// ("pop highest fee-per-byte, skip conflicts, repeat") is only ever
// exercised at block-template time.
type feeHeap []*Entry

func (h feeHeap) Len() int { return len(h) }
func (h feeHeap) Less(i, j int) bool {
	fi, fj := h[i].feePerByte(), h[j].feePerByte()
	if fi != fj {
		return fi > fj
	}
	return h[i].ReceivedAt < h[j].ReceivedAt
}
func (h feeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *feeHeap) Push(x any)        { *h = append(*h, x.(*Entry)) }
func (h *feeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// TakeTxsForBlock selects transactions for a new block template: greedy
// by fee-per-byte descending, skipping any transaction whose key image
// conflicts with one already taken or whose size would push the total
// past maxCumulativeSize (a smaller one further down can still be taken),
// and stopping once maxCount transactions are selected. It does not remove the selected transactions from the pool —
// that happens once the block they went into is actually accepted.
func (p *Pool) TakeTxsForBlock(maxCumulativeSize, maxCount uint64) []*Entry {
	p.mu.RLock()
	h := make(feeHeap, 0, len(p.entries))
	for _, e := range p.entries {
		h = append(h, e)
	}
	p.mu.RUnlock()
	heap.Init(&h)

	var (
		selected   []*Entry
		usedImages = make(map[ssixcore.KeyImage]bool)
		totalSize  uint64
	)
	for h.Len() > 0 && uint64(len(selected)) < maxCount {
		e := heap.Pop(&h).(*Entry)
		if totalSize+e.Size > maxCumulativeSize {
			continue
		}
		conflict := false
		for _, ki := range e.KeyImages {
			if usedImages[ki] {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		for _, ki := range e.KeyImages {
			usedImages[ki] = true
		}
		totalSize += e.Size
		selected = append(selected, e)
	}
	return selected
}

// ReOffer re-submits a detached block's transactions to the pool after
// a reorg or rewind pops it. Any tx whose validate closure fails (its
// inputs no longer resolve, or one of its key images is now someone
// else's) is silently dropped.
func (p *Pool) ReOffer(txs []*ssixcore.Transaction, hashOf func(*ssixcore.Transaction) ssixcore.Hash, feeOf func(*ssixcore.Transaction) uint64, sizeOf func(*ssixcore.Transaction) uint64, validate func(*ssixcore.Transaction) error) {
	for _, tx := range txs {
		if tx.IsCoinbase() {
			continue
		}
		hash := hashOf(tx)
		_ = p.AddTx(tx, hash, feeOf(tx), sizeOf(tx), func() error {
			if validate != nil {
				return validate(tx)
			}
			return nil
		})
	}
}
