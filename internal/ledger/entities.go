package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/govalues/money"

	"github.com/centbook/centbook/internal/meta"
)

// Side represents the accounting position of a transaction leg.
type Side string

const (
	// SideDebit records a value on the debit side of an account.
	SideDebit Side = "debit"
	// SideCredit records a value on the credit side of an account.
	SideCredit Side = "credit"
)

// Category is the display classification of an account. It is presentation
// metadata only; balance arithmetic never consults it.
type Category string

const (
	CategoryAsset     Category = "asset"
	CategoryLiability Category = "liability"
	CategoryEquity    Category = "equity"
)

// Polarity is the behavioral rule that decides whether a debit or a credit
// increases an account's balance. It is derived from the category once at
// account creation and stored; downstream code dispatches through it and
// never looks at the category again.
type Polarity string

const (
	// PolarityAssetLike increases on debit, decreases on credit.
	PolarityAssetLike Polarity = "asset_like"
	// PolarityLiabilityLike increases on credit, decreases on debit.
	PolarityLiabilityLike Polarity = "liability_like"
)

// PolarityFor maps a display category to its fixed behavioral polarity.
func PolarityFor(c Category) (Polarity, bool) {
	switch c {
	case CategoryAsset:
		return PolarityAssetLike, true
	case CategoryLiability, CategoryEquity:
		return PolarityLiabilityLike, true
	default:
		return "", false
	}
}

// Apply returns the balance after posting amountMinor on the given side.
// This is the single place in the codebase where polarity arithmetic lives.
func (p Polarity) Apply(balanceMinor int64, side Side, amountMinor int64) int64 {
	increases := (p == PolarityAssetLike && side == SideDebit) ||
		(p == PolarityLiabilityLike && side == SideCredit)
	if increases {
		return balanceMinor + amountMinor
	}
	return balanceMinor - amountMinor
}

// Names of the three mandatory accounts every ledger is created with.
// They exist for the life of the ledger and cannot be renamed or removed.
const (
	NameIncome     = "Income"
	NameOffBudget  = "Off-budget"
	NameUnassigned = "Unassigned"
)

// SystemAccountNames returns the mandatory account names in creation order.
func SystemAccountNames() []string {
	return []string{NameIncome, NameOffBudget, NameUnassigned}
}

// Ledger is the top-level container: one owner, one currency, a set of accounts.
type Ledger struct {
	ID        uuid.UUID
	OwnerID   uuid.UUID
	Name      string
	Currency  string
	CreatedAt time.Time
}

// Account belongs to exactly one ledger and one owner. Slug is the
// public-facing identifier; ID is the storage key.
type Account struct {
	ID       uuid.UUID
	LedgerID uuid.UUID
	OwnerID  uuid.UUID
	Name     string
	Slug     string
	Category Category
	Polarity Polarity
	// System marks the mandatory accounts created with the ledger.
	System    bool
	CreatedAt time.Time
}

// Transaction is a balanced two-account movement. Amount is a positive
// integer in minor units; the same amount debits one account and credits
// the other. Seq is assigned by the store in creation order and breaks
// ties between transactions sharing a business date.
type Transaction struct {
	ID          uuid.UUID
	Code        string
	LedgerID    uuid.UUID
	OwnerID     uuid.UUID
	Date        time.Time
	Seq         int64
	AmountMinor int64
	DebitID     uuid.UUID
	CreditID    uuid.UUID
	Memo        string
	Metadata    meta.Metadata
	// Retracted excludes the transaction from balance computation while
	// keeping it visible for audit queries. Never hard-deleted.
	Retracted bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Touches reports whether the transaction moves the given account.
func (t Transaction) Touches(accountID uuid.UUID) bool {
	return t.DebitID == accountID || t.CreditID == accountID
}

// SideFor returns the side the transaction posts to the given account.
func (t Transaction) SideFor(accountID uuid.UUID) (Side, bool) {
	switch accountID {
	case t.DebitID:
		return SideDebit, true
	case t.CreditID:
		return SideCredit, true
	default:
		return "", false
	}
}

// Before orders transactions by (Date, Seq), the canonical running order.
func (t Transaction) Before(o Transaction) bool {
	if !t.Date.Equal(o.Date) {
		return t.Date.Before(o.Date)
	}
	return t.Seq < o.Seq
}

// Amount renders the minor-unit amount in the ledger currency.
func (t Transaction) Amount(currency string) (money.Amount, error) {
	return money.NewAmountFromMinorUnits(currency, t.AmountMinor)
}

// Snapshot is a cached running balance: the balance of AccountID immediately
// after TransactionID in (Date, Seq) order. It is authoritative only while
// Valid is true, and is always reconstructible from the transaction history.
type Snapshot struct {
	TransactionID uuid.UUID
	AccountID     uuid.UUID
	BalanceMinor  int64
	Valid         bool
	ComputedAt    time.Time
}

// RevisionKind distinguishes the two effects recorded per amendment.
type RevisionKind string

const (
	// RevisionWithdraw captures the state whose effect was removed.
	RevisionWithdraw RevisionKind = "withdraw"
	// RevisionApply captures the state whose effect now applies.
	RevisionApply RevisionKind = "apply"
)

// Revision is an append-only audit record of an amendment or retraction.
// Amending writes a withdraw/apply pair; retracting writes a single withdraw.
type Revision struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	Kind          RevisionKind
	Date          time.Time
	AmountMinor   int64
	DebitID       uuid.UUID
	CreditID      uuid.UUID
	RecordedAt    time.Time
}
