package ssixcore

import "sort"

// Currency is the immutable set of consensus parameters a chain runs
// under: emission curve, block/tx size limits, fee formula, the
// decomposed-amount set, and fork heights. It is loaded once at startup
// (via Builder) and passed explicitly to every constructor that needs
// it; there is no process-wide mutable singleton.
type Currency struct {
	Name string

	// DifficultyTarget is the target seconds-per-block used by the PoW
	// difficulty retarget algorithm (owned by the crypto oracle / caller,
	// Currency only states the target).
	DifficultyTarget uint64

	// Emission curve, Karbo/CryptoNote "money supply" shape: each block's
	// reward is (moneySupply-alreadyGenerated) >> emissionSpeedFactor,
	// floored at TailEmissionReward once that shift would go lower.
	MoneySupply         uint64
	EmissionSpeedFactor uint
	TailEmissionReward  uint64

	// PrettyAmounts is the sorted, canonical decomposed-amount set. An
	// output amount is "canonical" iff it appears in this list — enforced
	// only once the chain height reaches CanonicalAmountHeight.
	PrettyAmounts         []uint64
	CanonicalAmountHeight uint64

	CoinbaseUnlockWindow uint64

	// Block/tx size limits. MaxBlockSizeInitial is the hard floor; actual
	// limits grow with the median of recent block sizes (owned by the
	// caller's median tracker) but never shrink below this floor.
	MaxBlockSizeInitial uint64
	MaxTxSizeLimitDivisor uint64 // effective max tx size = maxBlockSize / this

	// MinFeeBase is the minimum fee per byte at the currency's initial
	// reward; it scales down proportionally as the per-block reward
	// decays, following CryptoNote's fee-relative-to-reward rule.
	MinFeeBase uint64

	UpgradeHeights []UpgradeDetector

	Genesis *Block

	Testnet bool
}

// MaxBlockSize returns the hard floor block size limit at height; callers
// that track a running median of recent block sizes should take the max
// of that median-derived limit and this floor, per CryptoNote's
// grow-only block size rule.
func (c *Currency) MaxBlockSize(height uint64) uint64 {
	return c.MaxBlockSizeInitial
}

// MaxTxSize returns the largest a single transaction may be at height.
func (c *Currency) MaxTxSize(height uint64) uint64 {
	return c.MaxBlockSize(height) / c.MaxTxSizeLimitDivisor
}

// Emission returns the coinbase reward due at height h given the coins
// alreadyGenerated before it; the result never falls below
// TailEmissionReward.
func (c *Currency) Emission(h uint64, alreadyGenerated uint64) uint64 {
	if alreadyGenerated >= c.MoneySupply {
		return c.TailEmissionReward
	}
	reward := (c.MoneySupply - alreadyGenerated) >> c.EmissionSpeedFactor
	if reward < c.TailEmissionReward {
		return c.TailEmissionReward
	}
	return reward
}

// MinFee returns the minimum acceptable fee per byte at height, scaled
// down as the block reward decays (CryptoNote's fee-vs-reward rule): a
// fee floor frozen at genesis-era levels would eventually exceed what
// miners are paid to include a transaction.
func (c *Currency) MinFee(height uint64, currentReward uint64) uint64 {
	if currentReward == 0 {
		return c.TailEmissionReward
	}
	fee := c.MinFeeBase * currentReward / c.initialReward()
	if fee == 0 {
		return 1
	}
	return fee
}

func (c *Currency) initialReward() uint64 {
	return c.Emission(0, 0)
}

// IsCanonicalAmount reports whether amount is a member of the decomposed
// PrettyAmounts set, for heights at or past CanonicalAmountHeight (before
// that height, every positive amount is accepted).
func (c *Currency) IsCanonicalAmount(amount uint64, height uint64) bool {
	if height < c.CanonicalAmountHeight {
		return true
	}
	i := sort.Search(len(c.PrettyAmounts), func(i int) bool { return c.PrettyAmounts[i] >= amount })
	return i < len(c.PrettyAmounts) && c.PrettyAmounts[i] == amount
}

// CurrencyBuilder constructs a Currency. NewCurrencyBuilder returns one
// pre-loaded with SSIX's mainnet defaults; Testnet() switches the
// network-specific defaults to their testnet values before further
// overrides are applied.
type CurrencyBuilder struct {
	c Currency
}

// NewCurrencyBuilder returns a builder seeded with SSIX mainnet defaults.
func NewCurrencyBuilder() *CurrencyBuilder {
	b := &CurrencyBuilder{c: Currency{
		Name:                  "SSIX",
		DifficultyTarget:       120,
		MoneySupply:            1<<64 - 1,
		EmissionSpeedFactor:    20,
		TailEmissionReward:     100000000,
		CanonicalAmountHeight:  1,
		CoinbaseUnlockWindow:   60,
		MaxBlockSizeInitial:    512000,
		MaxTxSizeLimitDivisor:  2,
		MinFeeBase:             1000000,
	}}
	b.c.PrettyAmounts = decomposedAmounts()
	return b
}

// Testnet switches the builder to SSIX testnet: its own name, faster
// blocks, a shorter coinbase lock, canonical amounts enforced from height
// 0, and (when Build derives it) its own genesis. Emission, fee and size
// parameters and the PrettyAmounts table keep their mainnet values.
func (b *CurrencyBuilder) Testnet() *CurrencyBuilder {
	b.c.Name = "SSIX-testnet"
	b.c.Testnet = true
	b.c.DifficultyTarget = 15
	b.c.CanonicalAmountHeight = 0
	b.c.CoinbaseUnlockWindow = 10
	b.c.MaxBlockSizeInitial = 512000
	return b
}

func (b *CurrencyBuilder) MoneySupply(v uint64) *CurrencyBuilder         { b.c.MoneySupply = v; return b }
func (b *CurrencyBuilder) EmissionSpeedFactor(v uint) *CurrencyBuilder   { b.c.EmissionSpeedFactor = v; return b }
func (b *CurrencyBuilder) TailEmissionReward(v uint64) *CurrencyBuilder  { b.c.TailEmissionReward = v; return b }
func (b *CurrencyBuilder) DifficultyTarget(v uint64) *CurrencyBuilder    { b.c.DifficultyTarget = v; return b }
func (b *CurrencyBuilder) Genesis(block *Block) *CurrencyBuilder         { b.c.Genesis = block; return b }
func (b *CurrencyBuilder) UpgradeHeights(u []UpgradeDetector) *CurrencyBuilder {
	b.c.UpgradeHeights = u
	return b
}

// Build finalizes the Currency. When no explicit Genesis was supplied,
// one is derived from the finalized parameters so the height-0 coinbase
// always claims exactly Emission(0, 0).
func (b *CurrencyBuilder) Build() *Currency {
	c := b.c
	if c.Genesis == nil {
		if c.Testnet {
			c.Genesis = genesisBlock(1464595535, "SSIX-testnet", c.Emission(0, 0))
		} else {
			c.Genesis = genesisBlock(1464595534, "SSIX", c.Emission(0, 0))
		}
	}
	sort.Slice(c.PrettyAmounts, func(i, j int) bool { return c.PrettyAmounts[i] < c.PrettyAmounts[j] })
	return &c
}

// decomposedAmounts returns every amount of the form d*10^p that fits in a
// uint64, for a single digit d in [1,9] and power p in
// [0,maxDecimalPlaces] (the largest is 1*10^19), SSIX's canonical
// decomposed-amount set (CryptoNote-family chains reject ring members
// whose amount isn't expressible this way, once enforced).
func decomposedAmounts() []uint64 {
	const maxDecimalPlaces = 20
	var amounts []uint64
	pow := uint64(1)
	for p := 0; p <= maxDecimalPlaces; p++ {
		for d := uint64(1); d <= 9; d++ {
			v := d * pow
			if v < pow { // overflow
				return amounts
			}
			amounts = append(amounts, v)
		}
		next := pow * 10
		if next < pow {
			break
		}
		pow = next
	}
	return amounts
}

// genesisBlock builds the height-0 block: a lone coinbase claiming the
// initial emission, tagged in Extra so mainnet and testnet genesis
// hashes are disjoint.
func genesisBlock(timestamp uint64, tag string, reward uint64) *Block {
	return &Block{
		BlockHeader: BlockHeader{MajorVersion: 1, MinorVersion: 0, Timestamp: timestamp},
		CoinbaseTx: Transaction{
			TransactionPrefix: TransactionPrefix{
				Version: 1,
				Inputs:  InputList{{Coinbase: &CoinbaseInput{Height: 0}}},
				Outputs: OutputList{{Amount: reward, Target: OutputTarget{Key: &KeyTarget{}}}},
				Extra:   BinaryArray(tag),
			},
		},
	}
}

