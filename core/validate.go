package core

import (
	"context"
	"fmt"
	"sync"

	ssixcore "github.com/cybersecuresix/ssixd"
	"github.com/cybersecuresix/ssixd/cache"
)

// unlockTimeHeightThreshold splits UnlockTime's two encodings: values
// below it are block heights, values at or above it are unix timestamps.
// CryptoNote's CRYPTONOTE_MAX_BLOCK_NUMBER.
const unlockTimeHeightThreshold = 500000000

// sigJob is one ring-signature verification handed to the worker pool.
type sigJob struct {
	prefixHash ssixcore.Hash
	keyImage   ssixcore.KeyImage
	ring       []ssixcore.PublicKey
	sigs       []ssixcore.Signature
}

// verifySignatureBatch checks every job concurrently, bounded by the
// façade's hardware-concurrency semaphore. Ring-signature verification
// is the one CPU-bound, parallelizable step of block acceptance;
// everything else runs on the caller's goroutine.
func (c *Core) verifySignatureBatch(jobs []sigJob) bool {
	if len(jobs) == 0 {
		return true
	}
	if len(jobs) == 1 {
		j := jobs[0]
		return c.oracle.VerifyRingSignature(j.prefixHash, j.keyImage, j.ring, j.sigs)
	}
	results := make([]bool, len(jobs))
	var wg sync.WaitGroup
	ctx := context.Background()
	for i := range jobs {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return false
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer c.sem.Release(1)
			j := jobs[i]
			results[i] = c.oracle.VerifyRingSignature(j.prefixHash, j.keyImage, j.ring, j.sigs)
		}(i)
	}
	wg.Wait()
	for _, ok := range results {
		if !ok {
			return false
		}
	}
	return true
}

// validateTxSet runs the contextual acceptance rules over txs against
// target's chain state as of the block (or pool tip) at height;
// timestamp anchors time-locked outputs (the candidate block's own
// timestamp in-block, the tip's for pool admission). The same rules
// serve both paths, so a pool transaction that validates is exactly one
// a block may carry. All-or-nothing: the first failure aborts with no
// partial effect, since nothing here mutates target.
func (c *Core) validateTxSet(target *cache.Cache, height, timestamp uint64, txs []*ssixcore.Transaction) error {
	seen := make(map[ssixcore.KeyImage]struct{})
	var jobs []sigJob

	for _, tx := range txs {
		if len(tx.Inputs) == 0 {
			return fmt.Errorf("%w: transaction has no inputs", ssixcore.ErrInputInvalid)
		}
		if len(tx.Signatures) != len(tx.Inputs) {
			return fmt.Errorf("%w: %d signature groups for %d inputs", ssixcore.ErrInvalidSignature, len(tx.Signatures), len(tx.Inputs))
		}
		for _, out := range tx.Outputs {
			if out.Amount == 0 {
				return fmt.Errorf("%w: zero-amount output", ssixcore.ErrNonCanonicalAmount)
			}
			if !c.currency.IsCanonicalAmount(out.Amount, height) {
				return fmt.Errorf("%w: %d", ssixcore.ErrNonCanonicalAmount, out.Amount)
			}
			if out.Target.Key != nil && !c.oracle.CheckKey(out.Target.Key.Key) {
				return fmt.Errorf("%w: output key is not a valid curve point", ssixcore.ErrInputInvalid)
			}
		}

		fee, err := tx.Fee()
		if err != nil {
			return err
		}
		blob, err := ssixcore.EncodeBinary(tx)
		if err != nil {
			return fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
		}
		reward := c.currency.Emission(height, target.TipGeneratedCoins())
		if minTotal := c.currency.MinFee(height, reward) * uint64(len(blob)); fee < minTotal {
			return fmt.Errorf("%w: fee %d below minimum %d", ssixcore.ErrFeeTooLow, fee, minTotal)
		}

		prefixHash, err := tx.TransactionPrefix.Hash(c.oracle.Hash)
		if err != nil {
			return fmt.Errorf("%w: %v", ssixcore.ErrMalformedBytes, err)
		}

		for i, in := range tx.Inputs {
			switch {
			case in.Coinbase != nil:
				return fmt.Errorf("%w: coinbase input outside the coinbase slot", ssixcore.ErrInputInvalid)

			case in.Key != nil:
				job, err := c.validateKeyInput(target, height, timestamp, prefixHash, in.Key, tx.Signatures[i], seen)
				if err != nil {
					return err
				}
				jobs = append(jobs, job)

			case in.Multisig != nil:
				if err := c.validateMultisigInput(target, in.Multisig, tx.Signatures[i]); err != nil {
					return err
				}

			default:
				return fmt.Errorf("%w: empty input union", ssixcore.ErrInputInvalid)
			}
		}
	}

	if !c.verifySignatureBatch(jobs) {
		return fmt.Errorf("%w: ring signature verification failed", ssixcore.ErrInvalidSignature)
	}
	return nil
}

// validateKeyInput resolves a Key input's decoy set against target,
// checks unlock constraints and key-image uniqueness, and returns the
// ring-signature job to batch. seen carries key images accepted earlier
// in the same block (or the same pool admission), so an intra-set
// duplicate is caught before the chain index is even consulted.
func (c *Core) validateKeyInput(target *cache.Cache, height, timestamp uint64, prefixHash ssixcore.Hash, in *ssixcore.KeyInput, sigs []ssixcore.Signature, seen map[ssixcore.KeyImage]struct{}) (sigJob, error) {
	if len(in.DecoyOffsets) == 0 {
		return sigJob{}, fmt.Errorf("%w: key input with empty decoy set", ssixcore.ErrInputInvalid)
	}
	abs := in.AbsoluteOffsets()
	for j := 1; j < len(abs); j++ {
		if abs[j] <= abs[j-1] {
			return sigJob{}, fmt.Errorf("%w: decoy offsets not strictly ascending", ssixcore.ErrInputInvalid)
		}
	}

	ring := make([]ssixcore.PublicKey, len(abs))
	for j, idx := range abs {
		ref, ok := target.GetOutput(in.Amount, idx)
		if !ok {
			return sigJob{}, fmt.Errorf("%w: no output at amount %d index %d", ssixcore.ErrInputInvalid, in.Amount, idx)
		}
		if ref.Coinbase {
			if height < ref.BlockIndex+c.currency.CoinbaseUnlockWindow {
				return sigJob{}, fmt.Errorf("%w: coinbase output at height %d still locked", ssixcore.ErrInputInvalid, ref.BlockIndex)
			}
		} else if ref.UnlockTime > 0 {
			if ref.UnlockTime < unlockTimeHeightThreshold {
				if ref.UnlockTime > height {
					return sigJob{}, fmt.Errorf("%w: output locked until height %d", ssixcore.ErrInputInvalid, ref.UnlockTime)
				}
			} else if ref.UnlockTime > timestamp {
				return sigJob{}, fmt.Errorf("%w: output locked until timestamp %d", ssixcore.ErrInputInvalid, ref.UnlockTime)
			}
		}
		ring[j] = ref.PubKey
	}

	if _, dup := seen[in.KeyImage]; dup {
		return sigJob{}, fmt.Errorf("%w: key image repeated within the set", ssixcore.ErrDoubleSpend)
	}
	if target.HasKeyImage(in.KeyImage) {
		return sigJob{}, fmt.Errorf("%w: key image already spent", ssixcore.ErrDoubleSpend)
	}
	seen[in.KeyImage] = struct{}{}

	if len(sigs) != len(ring) {
		return sigJob{}, fmt.Errorf("%w: %d signatures for ring of %d", ssixcore.ErrInvalidSignature, len(sigs), len(ring))
	}
	return sigJob{prefixHash: prefixHash, keyImage: in.KeyImage, ring: ring, sigs: sigs}, nil
}

// validateMultisigInput checks a multisig spend: the referenced output
// must exist and the signature set size must match the input's declared
// required count.
func (c *Core) validateMultisigInput(target *cache.Cache, in *ssixcore.MultisigInput, sigs []ssixcore.Signature) error {
	if _, ok := target.GetOutput(in.Amount, in.OutputIndex); !ok {
		return fmt.Errorf("%w: no multisig output at amount %d index %d", ssixcore.ErrInputInvalid, in.Amount, in.OutputIndex)
	}
	if uint32(len(sigs)) != in.SigCount {
		return fmt.Errorf("%w: %d signatures, multisig input requires %d", ssixcore.ErrInvalidSignature, len(sigs), in.SigCount)
	}
	return nil
}

// coinbaseReward checks the block's coinbase against the emission
// formula and the contained fees (the coinbase must claim exactly
// emission plus fees, invariants 3 and 5), and returns the emission —
// the amount added to the chain's generated-coins running total.
func (c *Core) coinbaseReward(target *cache.Cache, height uint64, block *ssixcore.Block, txs []*ssixcore.Transaction) (uint64, error) {
	cb := &block.CoinbaseTx
	if !cb.IsCoinbase() {
		return 0, fmt.Errorf("%w: block's coinbase slot holds a non-coinbase transaction", ssixcore.ErrInputInvalid)
	}
	if cb.Inputs[0].Coinbase.Height != height {
		return 0, fmt.Errorf("%w: coinbase claims height %d, block is at %d", ssixcore.ErrInputInvalid, cb.Inputs[0].Coinbase.Height, height)
	}

	emission := c.currency.Emission(height, target.TipGeneratedCoins())

	var fees uint64
	for _, tx := range txs {
		fee, err := tx.Fee()
		if err != nil {
			return 0, err
		}
		next := fees + fee
		if next < fees {
			return 0, ssixcore.ErrAmountOverflow
		}
		fees = next
	}

	var outSum uint64
	for _, out := range cb.Outputs {
		next := outSum + out.Amount
		if next < outSum {
			return 0, ssixcore.ErrAmountOverflow
		}
		outSum = next
	}

	want := emission + fees
	if want < emission {
		return 0, ssixcore.ErrAmountOverflow
	}
	if outSum != want {
		return 0, fmt.Errorf("%w: coinbase pays %d, emission+fees is %d", ssixcore.ErrInputInvalid, outSum, want)
	}
	return emission, nil
}
