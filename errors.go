package ssixcore

// ErrKind is a stable string tag identifying why a consensus operation
// was rejected. Callers compare with errors.Is against the sentinel
// values below, never against error message text.
type ErrKind string

func (k ErrKind) Error() string { return string(k) }

// Error kinds surfaced to callers, per the external interface contract.
// These are sentinel errors: wrap them with fmt.Errorf("...: %w", ErrX)
// to attach context while keeping errors.Is(err, ErrX) working.
const (
	ErrAlreadyHave            ErrKind = "AlreadyHave"
	ErrOrphanBlock            ErrKind = "OrphanBlock"
	ErrMalformedBytes         ErrKind = "MalformedBytes"
	ErrBadVersion             ErrKind = "BadVersion"
	ErrBadPoW                 ErrKind = "BadPoW"
	ErrBadDifficulty          ErrKind = "BadDifficulty"
	ErrInvalidSignature       ErrKind = "InvalidSignature"
	ErrDoubleSpend            ErrKind = "DoubleSpend"
	ErrInputInvalid           ErrKind = "InputInvalid"
	ErrAltBlockBehindCheckpoint ErrKind = "AltBlockBehindCheckpoint"
	ErrCheckpointMismatch     ErrKind = "CheckpointMismatch"
	ErrTxTooBig               ErrKind = "TxTooBig"
	ErrBlockTooBig            ErrKind = "BlockTooBig"
	ErrFeeTooLow              ErrKind = "FeeTooLow"
	ErrAmountOverflow         ErrKind = "AmountOverflow"
	ErrNonCanonicalAmount     ErrKind = "NonCanonicalAmount"
	ErrShutdown               ErrKind = "Shutdown"

	// ErrPoolDoubleSpend is the pool-specific flavor of ErrDoubleSpend:
	// the key image is already claimed by another pool transaction
	// rather than by a canonical block.
	ErrPoolDoubleSpend ErrKind = "PoolDoubleSpend"

	// ErrMissingOutput is returned by cache lookups when a referenced
	// (amount, globalIndex) pair does not exist anywhere in the chain.
	ErrMissingOutput ErrKind = "MissingOutput"
)
