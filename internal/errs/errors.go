package errs

import "errors"

// Common sentinel errors for cross-layer signaling.
var (
	ErrNotFound = errors.New("not_found")
	ErrConflict = errors.New("conflict")
	ErrInvalid  = errors.New("invalid")
	// ErrConsistency marks an impossible snapshot-store state. It is always a
	// bug, never user-caused; it is surfaced, logged, and only ever repaired
	// through the explicit rebuild path.
	ErrConsistency = errors.New("consistency_error")
	// ErrClaimed signals that another worker holds the per-account
	// recalculation token. Callers degrade to on-the-fly computation.
	ErrClaimed = errors.New("account_claimed")
)

// Validation sentinels. These reject a write before any side effect.
var (
	ErrInvalidAmount  = errors.New("amount must be > 0")
	ErrAmountTooLarge = errors.New("amount exceeds configured maximum")
	ErrSameAccount    = errors.New("debit and credit accounts must differ")
	ErrDateOutOfRange = errors.New("date outside accepted range")
	ErrDuplicateName  = errors.New("account name already exists in ledger")
	ErrRetracted      = errors.New("transaction is retracted")
)
