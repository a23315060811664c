// Package posting implements the transaction ledger: validated double-entry
// writes, in-place amendments with an append-only audit trail, and soft
// retraction. Every mutation commits the ledger row, its own snapshot pair,
// and the invalidation marks it causes as a single atomic unit.
package posting

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/meta"
	"github.com/centbook/centbook/internal/slug"
	"github.com/centbook/centbook/internal/storage"
)

// Resolver is the slice of the account registry the ledger needs: account
// resolution within a ledger and ledger lookup.
type Resolver interface {
	Resolve(ctx context.Context, ownerID, ledgerID uuid.UUID, ref string) (ledger.Account, error)
	Ledger(ctx context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error)
}

// Repo defines the read operations the service needs.
type Repo interface {
	TransactionByCode(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error)
	RevisionsByTransaction(ctx context.Context, txID uuid.UUID) ([]ledger.Revision, error)
}

// Store opens the transactional commit boundary for mutations.
type Store interface {
	Begin(ctx context.Context) (storage.Tx, error)
}

// Event describes a committed transaction lifecycle change.
type Event struct {
	Kind        string    `json:"kind"` // recorded | amended | retracted
	Code        string    `json:"code"`
	LedgerID    uuid.UUID `json:"ledger_id"`
	DebitID     uuid.UUID `json:"debit_id"`
	CreditID    uuid.UUID `json:"credit_id"`
	AmountMinor int64     `json:"amount_minor"`
	Date        time.Time `json:"date"`
	At          time.Time `json:"at"`
}

// Publisher receives lifecycle events after commit. Failures never fail the
// write; they are logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards events. Used when no broker is configured.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// Limits bounds accepted amounts and business dates.
type Limits struct {
	MaxAmountMinor int64
	EarliestDate   time.Time
	LatestDate     time.Time
}

// Changes carries the optional fields of an amendment; nil means unchanged.
type Changes struct {
	Date        *time.Time
	AmountMinor *int64
	DebitRef    *string
	CreditRef   *string
	Memo        *string
	Metadata    map[string]string
}

// Service exposes the transaction ledger operations.
type Service interface {
	Record(ctx context.Context, ownerID, ledgerID uuid.UUID, date time.Time, amountMinor int64, debitRef, creditRef, memo string, md map[string]string) (ledger.Transaction, error)
	Amend(ctx context.Context, ownerID uuid.UUID, code string, ch Changes) (ledger.Transaction, error)
	Retract(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error)
	Get(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error)
	Revisions(ctx context.Context, ownerID uuid.UUID, code string) ([]ledger.Revision, error)
}

type service struct {
	repo     Repo
	store    Store
	resolver Resolver
	pub      Publisher
	limits   Limits
	log      *slog.Logger
}

// New constructs the posting service. pub may be nil.
func New(repo Repo, store Store, resolver Resolver, pub Publisher, limits Limits, log *slog.Logger) Service {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &service{repo: repo, store: store, resolver: resolver, pub: pub, limits: limits, log: log}
}

func (s *service) validateAmount(amountMinor int64) error {
	if amountMinor <= 0 {
		return errs.ErrInvalidAmount
	}
	if s.limits.MaxAmountMinor > 0 && amountMinor > s.limits.MaxAmountMinor {
		return errs.ErrAmountTooLarge
	}
	return nil
}

func (s *service) validateDate(date time.Time) error {
	if date.Before(s.limits.EarliestDate) || date.After(s.limits.LatestDate) {
		return errs.ErrDateOutOfRange
	}
	return nil
}

// Record validates and commits a balanced two-account movement, eagerly
// writing the transaction's own two snapshot entries and marking any
// downstream snapshots stale when the insert lands mid-history.
func (s *service) Record(ctx context.Context, ownerID, ledgerID uuid.UUID, date time.Time, amountMinor int64, debitRef, creditRef, memo string, md map[string]string) (ledger.Transaction, error) {
	if ownerID == uuid.Nil || ledgerID == uuid.Nil {
		return ledger.Transaction{}, fmt.Errorf("%w: owner_id and ledger_id are required", errs.ErrInvalid)
	}
	if err := s.validateAmount(amountMinor); err != nil {
		return ledger.Transaction{}, err
	}
	if err := s.validateDate(date); err != nil {
		return ledger.Transaction{}, err
	}
	if _, err := s.resolver.Ledger(ctx, ownerID, ledgerID); err != nil {
		return ledger.Transaction{}, err
	}
	debit, err := s.resolver.Resolve(ctx, ownerID, ledgerID, debitRef)
	if err != nil {
		return ledger.Transaction{}, err
	}
	credit, err := s.resolver.Resolve(ctx, ownerID, ledgerID, creditRef)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if debit.ID == credit.ID {
		return ledger.Transaction{}, errs.ErrSameAccount
	}
	metadata := meta.New(md)
	if err := metadata.Validate(); err != nil {
		return ledger.Transaction{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
	}

	txn := ledger.Transaction{
		ID:          uuid.New(),
		Code:        slug.TransactionCode(),
		LedgerID:    ledgerID,
		OwnerID:     ownerID,
		Date:        date.UTC(),
		AmountMinor: amountMinor,
		DebitID:     debit.ID,
		CreditID:    credit.ID,
		Memo:        memo,
		Metadata:    metadata,
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize against recalculation of either leg before any snapshot read.
	if err := tx.LockAccounts(ctx, debit.ID, credit.ID); err != nil {
		return ledger.Transaction{}, err
	}
	txn, err = tx.InsertTransaction(ctx, txn)
	if err != nil {
		return ledger.Transaction{}, err
	}
	for _, leg := range []ledger.Account{debit, credit} {
		if err := s.eagerSnapshot(ctx, tx, txn, leg); err != nil {
			return ledger.Transaction{}, err
		}
		// Mid-history insert: everything strictly after this position is now
		// stale. Appending at the end marks nothing.
		if _, err := tx.InvalidateAfter(ctx, leg.ID, txn.Date, txn.Seq); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Transaction{}, err
	}
	s.publish(ctx, "recorded", txn)
	return txn, nil
}

// eagerSnapshot writes the transaction's own snapshot entry for one leg,
// seeded from the latest valid balance strictly before its position. The
// entry is written invalid when a stale range already precedes the position,
// preserving the suffix shape of invalid ranges.
func (s *service) eagerSnapshot(ctx context.Context, tx storage.Tx, txn ledger.Transaction, acc ledger.Account) error {
	side, _ := txn.SideFor(acc.ID)
	prev, _, err := tx.LatestValidBefore(ctx, acc.ID, txn.Date, txn.Seq)
	if err != nil {
		return err
	}
	stale, err := tx.HasStaleBefore(ctx, acc.ID, txn.Date, txn.Seq)
	if err != nil {
		return err
	}
	return tx.UpsertSnapshot(ctx, ledger.Snapshot{
		TransactionID: txn.ID,
		AccountID:     acc.ID,
		BalanceMinor:  acc.Polarity.Apply(prev, side, txn.AmountMinor),
		Valid:         !stale,
		ComputedAt:    time.Now().UTC(),
	})
}

// Amend re-validates and applies in-place changes as a withdraw/apply effect
// pair, then invalidates every touched account from the earliest affected
// date. Memo and metadata changes alone do not disturb balance history.
func (s *service) Amend(ctx context.Context, ownerID uuid.UUID, code string, ch Changes) (ledger.Transaction, error) {
	if ownerID == uuid.Nil || code == "" {
		return ledger.Transaction{}, errs.ErrInvalid
	}
	old, err := s.repo.TransactionByCode(ctx, ownerID, code)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if old.Retracted {
		return ledger.Transaction{}, errs.ErrRetracted
	}

	next := old
	if ch.Date != nil {
		next.Date = ch.Date.UTC()
		if err := s.validateDate(next.Date); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if ch.AmountMinor != nil {
		next.AmountMinor = *ch.AmountMinor
		if err := s.validateAmount(next.AmountMinor); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if ch.DebitRef != nil {
		a, err := s.resolver.Resolve(ctx, ownerID, old.LedgerID, *ch.DebitRef)
		if err != nil {
			return ledger.Transaction{}, err
		}
		next.DebitID = a.ID
	}
	if ch.CreditRef != nil {
		a, err := s.resolver.Resolve(ctx, ownerID, old.LedgerID, *ch.CreditRef)
		if err != nil {
			return ledger.Transaction{}, err
		}
		next.CreditID = a.ID
	}
	if next.DebitID == next.CreditID {
		return ledger.Transaction{}, errs.ErrSameAccount
	}
	if ch.Memo != nil {
		next.Memo = *ch.Memo
	}
	if ch.Metadata != nil {
		m := meta.New(ch.Metadata)
		if err := m.Validate(); err != nil {
			return ledger.Transaction{}, fmt.Errorf("%w: %v", errs.ErrInvalid, err)
		}
		next.Metadata = m
	}

	material := !next.Date.Equal(old.Date) || next.AmountMinor != old.AmountMinor ||
		next.DebitID != old.DebitID || next.CreditID != old.CreditID
	cosmetic := next.Memo != old.Memo || ch.Metadata != nil
	if !material && !cosmetic {
		return old, nil
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := tx.LockAccounts(ctx, uniqueIDs(old.DebitID, old.CreditID, next.DebitID, next.CreditID)...); err != nil {
		return ledger.Transaction{}, err
	}
	// Re-read inside the transaction so a concurrent amend cannot interleave.
	cur, err := tx.TransactionByCode(ctx, ownerID, code)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if cur.Retracted {
		return ledger.Transaction{}, errs.ErrRetracted
	}
	if !cur.UpdatedAt.Equal(old.UpdatedAt) {
		return ledger.Transaction{}, fmt.Errorf("%w: transaction changed concurrently", errs.ErrConflict)
	}

	if err := tx.UpdateTransaction(ctx, next); err != nil {
		return ledger.Transaction{}, err
	}
	if material {
		now := time.Now().UTC()
		withdraw := ledger.Revision{
			ID: uuid.New(), TransactionID: old.ID, Kind: ledger.RevisionWithdraw,
			Date: old.Date, AmountMinor: old.AmountMinor, DebitID: old.DebitID, CreditID: old.CreditID,
			RecordedAt: now,
		}
		apply := ledger.Revision{
			ID: uuid.New(), TransactionID: old.ID, Kind: ledger.RevisionApply,
			Date: next.Date, AmountMinor: next.AmountMinor, DebitID: next.DebitID, CreditID: next.CreditID,
			RecordedAt: now,
		}
		if err := tx.InsertRevision(ctx, withdraw); err != nil {
			return ledger.Transaction{}, err
		}
		if err := tx.InsertRevision(ctx, apply); err != nil {
			return ledger.Transaction{}, err
		}
		if err := tx.DeleteSnapshots(ctx, old.ID); err != nil {
			return ledger.Transaction{}, err
		}
		// Union of all touched accounts, from the earliest affected date.
		from := old.Date
		if next.Date.Before(from) {
			from = next.Date
		}
		for _, accountID := range uniqueIDs(old.DebitID, old.CreditID, next.DebitID, next.CreditID) {
			if _, err := tx.InvalidateFrom(ctx, accountID, from); err != nil {
				return ledger.Transaction{}, err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Transaction{}, err
	}
	if material {
		s.publish(ctx, "amended", next)
	}
	return next, nil
}

// Retract soft-deletes a transaction: it disappears from balance computation
// but stays visible to audit reads. Its own snapshot rows are removed so no
// valid entry can ever reference a retracted transaction.
func (s *service) Retract(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	if ownerID == uuid.Nil || code == "" {
		return ledger.Transaction{}, errs.ErrInvalid
	}
	tx, err := s.store.Begin(ctx)
	if err != nil {
		return ledger.Transaction{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	txn, err := tx.TransactionByCode(ctx, ownerID, code)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if txn.Retracted {
		return ledger.Transaction{}, errs.ErrRetracted
	}

	if err := tx.LockAccounts(ctx, txn.DebitID, txn.CreditID); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.DeleteSnapshots(ctx, txn.ID); err != nil {
		return ledger.Transaction{}, err
	}
	txn.Retracted = true
	if err := tx.UpdateTransaction(ctx, txn); err != nil {
		return ledger.Transaction{}, err
	}
	if err := tx.InsertRevision(ctx, ledger.Revision{
		ID: uuid.New(), TransactionID: txn.ID, Kind: ledger.RevisionWithdraw,
		Date: txn.Date, AmountMinor: txn.AmountMinor, DebitID: txn.DebitID, CreditID: txn.CreditID,
		RecordedAt: time.Now().UTC(),
	}); err != nil {
		return ledger.Transaction{}, err
	}
	for _, accountID := range uniqueIDs(txn.DebitID, txn.CreditID) {
		if _, err := tx.InvalidateFrom(ctx, accountID, txn.Date); err != nil {
			return ledger.Transaction{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ledger.Transaction{}, err
	}
	s.publish(ctx, "retracted", txn)
	return txn, nil
}

// Get returns a transaction by public code, retracted included.
func (s *service) Get(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	if ownerID == uuid.Nil || code == "" {
		return ledger.Transaction{}, errs.ErrInvalid
	}
	return s.repo.TransactionByCode(ctx, ownerID, code)
}

// Revisions returns the amendment audit trail, oldest first.
func (s *service) Revisions(ctx context.Context, ownerID uuid.UUID, code string) ([]ledger.Revision, error) {
	txn, err := s.Get(ctx, ownerID, code)
	if err != nil {
		return nil, err
	}
	return s.repo.RevisionsByTransaction(ctx, txn.ID)
}

func (s *service) publish(ctx context.Context, kind string, txn ledger.Transaction) {
	ev := Event{
		Kind: kind, Code: txn.Code, LedgerID: txn.LedgerID,
		DebitID: txn.DebitID, CreditID: txn.CreditID,
		AmountMinor: txn.AmountMinor, Date: txn.Date, At: time.Now().UTC(),
	}
	if err := s.pub.Publish(ctx, ev); err != nil && s.log != nil {
		s.log.Warn("event publish failed", "kind", kind, "code", txn.Code, "err", err)
	}
}

func uniqueIDs(ids ...uuid.UUID) []uuid.UUID {
	seen := make(map[uuid.UUID]struct{}, len(ids))
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
