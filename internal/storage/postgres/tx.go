package postgres

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
)

// mapPgErr converts constraint violations into domain sentinels. A unique
// violation on the accounts table means a duplicate slug within a ledger.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		if strings.HasPrefix(pgErr.ConstraintName, "accounts_") {
			return errs.ErrDuplicateName
		}
		return errs.ErrConflict
	}
	return err
}

// Tx wraps a pgx.Tx and implements the storage commit boundary. The ledger
// row, its snapshot upserts, and invalidation marks land atomically.
type Tx struct {
	tx pgx.Tx
}

func (t *Tx) Commit(ctx context.Context) error   { return t.tx.Commit(ctx) }
func (t *Tx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// LockAccounts takes transaction-scoped advisory locks on the same keys the
// claim token uses, in sorted order so concurrent writes cannot deadlock. A
// write touching an account blocks behind a recalculation holding its claim,
// and a claim attempt fails while such a write is in flight.
func (t *Tx) LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) error {
	ids := make([]uuid.UUID, len(accountIDs))
	copy(ids, accountIDs)
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	for _, id := range ids {
		if _, err := t.tx.Exec(ctx, `
			select pg_advisory_xact_lock(hashtextextended($1::text, 0))
		`, id); err != nil {
			return err
		}
	}
	return nil
}

// InsertTransaction persists a new row, assigning the next per-ledger Seq.
// The seq counter row is locked by the update, so creation order is total
// within a ledger.
func (t *Tx) InsertTransaction(ctx context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	err := t.tx.QueryRow(ctx, `
		update ledgers set next_seq = next_seq + 1 where id = $1 returning next_seq
	`, txn.LedgerID).Scan(&txn.Seq)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	now := time.Now().UTC()
	txn.CreatedAt = now
	txn.UpdatedAt = now
	if _, err := t.tx.Exec(ctx, `
		insert into transactions (id, code, ledger_id, owner_id, date, seq, amount_minor,
			debit_id, credit_id, memo, metadata, retracted, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, txn.ID, txn.Code, txn.LedgerID, txn.OwnerID, txn.Date, txn.Seq, txn.AmountMinor,
		txn.DebitID, txn.CreditID, txn.Memo, marshalMeta(txn.Metadata), txn.Retracted,
		txn.CreatedAt, txn.UpdatedAt); err != nil {
		return ledger.Transaction{}, mapPgErr(err)
	}
	return txn, nil
}

// UpdateTransaction rewrites the mutable fields of an existing row. Seq and
// code never change.
func (t *Tx) UpdateTransaction(ctx context.Context, txn ledger.Transaction) error {
	ct, err := t.tx.Exec(ctx, `
		update transactions
		set date=$1, amount_minor=$2, debit_id=$3, credit_id=$4, memo=$5,
			metadata=$6, retracted=$7, updated_at=$8
		where id=$9
	`, txn.Date, txn.AmountMinor, txn.DebitID, txn.CreditID, txn.Memo,
		marshalMeta(txn.Metadata), txn.Retracted, time.Now().UTC(), txn.ID)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// TransactionByCode reads a transaction inside the open transaction, so the
// concurrent-amend check observes committed state only.
func (t *Tx) TransactionByCode(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	return scanTransaction(t.tx.QueryRow(ctx, `
		select `+txCols+` from transactions where code = $1 and owner_id = $2 for update
	`, code, ownerID))
}

// TransactionsByAccount returns the account's transactions with date >= from
// in (date, seq) order.
func (t *Tx) TransactionsByAccount(ctx context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error) {
	rows, err := t.tx.Query(ctx, `
		select `+txCols+`
		from transactions
		where (debit_id = $1 or credit_id = $1) and date >= $2 and (retracted = false or $3)
		order by date asc, seq asc
	`, accountID, from, includeRetracted)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// InsertRevision appends an audit record.
func (t *Tx) InsertRevision(ctx context.Context, r ledger.Revision) error {
	_, err := t.tx.Exec(ctx, `
		insert into revisions (id, transaction_id, kind, date, amount_minor, debit_id, credit_id, recorded_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, r.ID, r.TransactionID, r.Kind, r.Date, r.AmountMinor, r.DebitID, r.CreditID, r.RecordedAt)
	return mapPgErr(err)
}

// UpsertSnapshot writes or replaces the cached balance for one leg.
func (t *Tx) UpsertSnapshot(ctx context.Context, sn ledger.Snapshot) error {
	_, err := t.tx.Exec(ctx, `
		insert into snapshots (transaction_id, account_id, balance_minor, valid, computed_at)
		values ($1,$2,$3,$4,$5)
		on conflict (transaction_id, account_id)
		do update set balance_minor = excluded.balance_minor,
			valid = excluded.valid, computed_at = excluded.computed_at
	`, sn.TransactionID, sn.AccountID, sn.BalanceMinor, sn.Valid, sn.ComputedAt)
	return err
}

// DeleteSnapshots removes both legs' snapshot rows for a transaction.
func (t *Tx) DeleteSnapshots(ctx context.Context, txID uuid.UUID) error {
	_, err := t.tx.Exec(ctx, `delete from snapshots where transaction_id = $1`, txID)
	return err
}

// InvalidateFrom marks snapshots with transaction date >= from as invalid.
func (t *Tx) InvalidateFrom(ctx context.Context, accountID uuid.UUID, from time.Time) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		update snapshots s set valid = false
		from transactions t
		where t.id = s.transaction_id and s.account_id = $1 and s.valid and t.date >= $2
	`, accountID, from)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// InvalidateAfter marks snapshots strictly after position (date, seq).
func (t *Tx) InvalidateAfter(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, error) {
	ct, err := t.tx.Exec(ctx, `
		update snapshots s set valid = false
		from transactions t
		where t.id = s.transaction_id and s.account_id = $1 and s.valid
		  and (t.date > $2 or (t.date = $2 and t.seq > $3))
	`, accountID, date, seq)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// LatestValidBefore returns the latest valid balance strictly before
// position (date, seq).
func (t *Tx) LatestValidBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error) {
	var bal int64
	err := t.tx.QueryRow(ctx, `
		select s.balance_minor
		from snapshots s
		join transactions t on t.id = s.transaction_id
		where s.account_id = $1 and s.valid and t.retracted = false
		  and (t.date < $2 or (t.date = $2 and t.seq < $3))
		order by t.date desc, t.seq desc
		limit 1
	`, accountID, date, seq).Scan(&bal)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return bal, true, nil
}

// HasStaleBefore reports whether any live transaction strictly before the
// position lacks a valid snapshot.
func (t *Tx) HasStaleBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (bool, error) {
	var stale bool
	err := t.tx.QueryRow(ctx, `
		select exists (
			select 1 from transactions t
			where (t.debit_id = $1 or t.credit_id = $1) and t.retracted = false
			  and (t.date < $2 or (t.date = $2 and t.seq < $3))
			  and not exists (
				select 1 from snapshots s
				where s.transaction_id = t.id and s.account_id = $1 and s.valid
			  )
		)
	`, accountID, date, seq).Scan(&stale)
	return stale, err
}
