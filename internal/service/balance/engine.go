// Package balance owns the derived snapshot state: the invalidation and
// recalculation engine that keeps cached running balances consistent with
// ledger history, and the query service that reads them. The snapshot store
// is a pure cache — everything here is reconstructible from transactions.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/storage"
)

// Store defines everything the engine and query service need from storage.
type Store interface {
	Account(ctx context.Context, accountID uuid.UUID) (ledger.Account, error)
	AccountByID(ctx context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error)
	AccountsByLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error)
	TransactionByID(ctx context.Context, txID uuid.UUID) (ledger.Transaction, error)
	TransactionsByAccount(ctx context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error)
	TransactionsPage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]ledger.Transaction, error)
	SnapshotGet(ctx context.Context, txID, accountID uuid.UUID) (ledger.Snapshot, bool, error)
	LatestSnapshot(ctx context.Context, accountID uuid.UUID) (ledger.Snapshot, bool, error)
	LatestValidBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error)
	CountInvalid(ctx context.Context, accountID uuid.UUID) (int, error)
	EarliestInvalid(ctx context.Context, accountID uuid.UUID) (time.Time, bool, error)
	AccountsWithInvalid(ctx context.Context, limit int) ([]uuid.UUID, error)
	InvalidateFrom(ctx context.Context, accountID uuid.UUID, from time.Time) (int64, error)
	// TryClaimAccount acquires the per-account mutual-exclusion token;
	// release must be called exactly once when ok is true.
	TryClaimAccount(ctx context.Context, accountID uuid.UUID) (release func(), ok bool, err error)
	Begin(ctx context.Context) (storage.Tx, error)
}

// Engine marks snapshot ranges stale and rebuilds them. Recalculation for a
// given account is serialized through the store's claim token; different
// accounts recalculate fully in parallel.
type Engine struct {
	store Store
	log   *slog.Logger
}

// NewEngine constructs the engine.
func NewEngine(store Store, log *slog.Logger) *Engine {
	return &Engine{store: store, log: log}
}

// Invalidate marks every snapshot for the account with transaction date >=
// from as invalid. Idempotent: re-invalidating an invalid range marks nothing.
func (e *Engine) Invalidate(ctx context.Context, accountID uuid.UUID, from time.Time) error {
	n, err := e.store.InvalidateFrom(ctx, accountID, from)
	if err != nil {
		return err
	}
	invalidationMarks.Add(float64(n))
	return nil
}

// Recalculate claims the account and replays its non-retracted history from
// `from` forward, upserting a valid snapshot per transaction. Returns
// errs.ErrClaimed without touching anything when another worker holds the
// account; callers degrade to on-the-fly computation.
func (e *Engine) Recalculate(ctx context.Context, accountID uuid.UUID, from time.Time) error {
	release, ok, err := e.store.TryClaimAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.ErrClaimed
	}
	defer release()
	return e.recalcClaimed(ctx, accountID, from)
}

// recalcClaimed does the replay. The caller must hold the account claim.
func (e *Engine) recalcClaimed(ctx context.Context, accountID uuid.UUID, from time.Time) error {
	acc, err := e.store.Account(ctx, accountID)
	if err != nil {
		return err
	}
	tx, err := e.store.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Seed from the latest valid balance strictly before the range; seq 0 is
	// below any assigned sequence, so only earlier dates qualify.
	bal, _, err := tx.LatestValidBefore(ctx, accountID, from, 0)
	if err != nil {
		return err
	}
	txs, err := tx.TransactionsByAccount(ctx, accountID, from, false)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range txs {
		side, ok := t.SideFor(accountID)
		if !ok {
			return fmt.Errorf("%w: transaction %s does not touch account %s", errs.ErrConsistency, t.ID, accountID)
		}
		bal = acc.Polarity.Apply(bal, side, t.AmountMinor)
		if err := tx.UpsertSnapshot(ctx, ledger.Snapshot{
			TransactionID: t.ID,
			AccountID:     accountID,
			BalanceMinor:  bal,
			Valid:         true,
			ComputedAt:    now,
		}); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	recalcTotal.Inc()
	recalcRows.Add(float64(len(txs)))
	e.log.Debug("recalculated account", "account_id", accountID, "from", from, "rows", len(txs))
	return nil
}

// Sweep selects up to batchSize accounts with any invalid entry and
// recalculates each from its earliest invalid date. Accounts claimed by a
// concurrent worker are skipped, never waited on. The sweep checks the
// context between accounts, so an interrupted run leaves already-processed
// accounts valid and the remainder correctly marked for the next pass.
func (e *Engine) Sweep(ctx context.Context, batchSize int) (int, error) {
	ids, err := e.store.AccountsWithInvalid(ctx, batchSize)
	if err != nil {
		return 0, err
	}
	processed := 0
	for _, accountID := range ids {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		release, ok, err := e.store.TryClaimAccount(ctx, accountID)
		if err != nil {
			return processed, err
		}
		if !ok {
			continue
		}
		from, has, err := e.store.EarliestInvalid(ctx, accountID)
		if err != nil {
			release()
			return processed, err
		}
		if !has {
			// Repaired between selection and claim.
			release()
			continue
		}
		err = e.recalcClaimed(ctx, accountID, from)
		release()
		if err != nil {
			return processed, err
		}
		processed++
		sweepAccounts.Inc()
	}
	return processed, nil
}

// RebuildAll forces a full recalculation of every account in a ledger. This
// is the data-repair escape hatch: it is the only path allowed to overwrite
// a snapshot store in an impossible state.
func (e *Engine) RebuildAll(ctx context.Context, ownerID, ledgerID uuid.UUID) error {
	accounts, err := e.store.AccountsByLedger(ctx, ownerID, ledgerID)
	if err != nil {
		return err
	}
	for _, acc := range accounts {
		release, ok, err := e.store.TryClaimAccount(ctx, acc.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: account %s", errs.ErrClaimed, acc.ID)
		}
		if err := e.Invalidate(ctx, acc.ID, time.Time{}); err != nil {
			release()
			return err
		}
		err = e.recalcClaimed(ctx, acc.ID, time.Time{})
		release()
		if err != nil {
			return err
		}
	}
	e.log.Info("ledger rebuilt", "ledger_id", ledgerID, "accounts", len(accounts))
	return nil
}
