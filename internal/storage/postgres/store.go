package postgres

// Package postgres provides the pgx-backed storage implementation. Migrations
// that create the expected schema live under db/migrations; this package maps
// domain entities to SQL rows and runs the necessary statements.

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/meta"
	"github.com/centbook/centbook/internal/storage"
)

// Store holds a pgx connection pool and implements the read/write interfaces
// used across the service layer. All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Open establishes a pgx pool using the provided connection string.
func Open(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ready pings the pool to verify connectivity.
func (s *Store) Ready(ctx context.Context) error { return s.pool.Ping(ctx) }

// --- Ledger lifecycle ---

// CreateLedger inserts a ledger and its mandatory accounts in one transaction.
func (s *Store) CreateLedger(ctx context.Context, l ledger.Ledger, accounts []ledger.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `
		insert into ledgers (id, owner_id, name, currency, next_seq, created_at)
		values ($1,$2,$3,$4,0,$5)
	`, l.ID, l.OwnerID, l.Name, l.Currency, l.CreatedAt); err != nil {
		return mapPgErr(err)
	}
	for _, a := range accounts {
		if err := insertAccount(ctx, tx, a); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// LedgerByID returns a ledger scoped to its owner.
func (s *Store) LedgerByID(ctx context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error) {
	var l ledger.Ledger
	err := s.pool.QueryRow(ctx, `
		select id, owner_id, name, currency, created_at
		from ledgers
		where id = $1 and owner_id = $2
	`, ledgerID, ownerID).Scan(&l.ID, &l.OwnerID, &l.Name, &l.Currency, &l.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Ledger{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Ledger{}, err
	}
	return l, nil
}

// --- Accounts ---

const accountCols = `id, ledger_id, owner_id, name, slug, category, polarity, system, created_at`

func scanAccount(row pgx.Row) (ledger.Account, error) {
	var a ledger.Account
	err := row.Scan(&a.ID, &a.LedgerID, &a.OwnerID, &a.Name, &a.Slug, &a.Category, &a.Polarity, &a.System, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return a, nil
}

func insertAccount(ctx context.Context, tx pgx.Tx, a ledger.Account) error {
	_, err := tx.Exec(ctx, `
		insert into accounts (id, ledger_id, owner_id, name, slug, category, polarity, system, created_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, a.ID, a.LedgerID, a.OwnerID, a.Name, a.Slug, a.Category, a.Polarity, a.System, a.CreatedAt)
	return mapPgErr(err)
}

// CreateAccount inserts an account row.
func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := insertAccount(ctx, tx, a); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// AccountsByLedger returns a ledger's accounts sorted by name.
func (s *Store) AccountsByLedger(ctx context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error) {
	if _, err := s.LedgerByID(ctx, ownerID, ledgerID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		select `+accountCols+`
		from accounts
		where ledger_id = $1 and owner_id = $2
		order by name
	`, ledgerID, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Account, 0)
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// AccountByID returns an owner's account by storage key.
func (s *Store) AccountByID(ctx context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		select `+accountCols+`
		from accounts
		where id = $1 and owner_id = $2
	`, accountID, ownerID))
}

// Account returns an account without owner scoping. Internal engine use only.
func (s *Store) Account(ctx context.Context, accountID uuid.UUID) (ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		select `+accountCols+`
		from accounts
		where id = $1
	`, accountID))
}

// AccountBySlug resolves an account by slug or case-insensitive name.
func (s *Store) AccountBySlug(ctx context.Context, ownerID, ledgerID uuid.UUID, slugOrName string) (ledger.Account, error) {
	return scanAccount(s.pool.QueryRow(ctx, `
		select `+accountCols+`
		from accounts
		where ledger_id = $1 and owner_id = $2 and (slug = $3 or lower(name) = lower($3))
	`, ledgerID, ownerID, slugOrName))
}

// --- Transactions (reads) ---

const txCols = `id, code, ledger_id, owner_id, date, seq, amount_minor, debit_id, credit_id, memo, metadata, retracted, created_at, updated_at`

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var t ledger.Transaction
	var mdBytes []byte
	err := row.Scan(&t.ID, &t.Code, &t.LedgerID, &t.OwnerID, &t.Date, &t.Seq, &t.AmountMinor,
		&t.DebitID, &t.CreditID, &t.Memo, &mdBytes, &t.Retracted, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(mdBytes) > 0 {
		var m meta.Metadata
		if err := m.UnmarshalJSON(mdBytes); err == nil {
			t.Metadata = m
		}
	}
	return t, nil
}

// TransactionByID returns a transaction without owner scoping. Internal use.
func (s *Store) TransactionByID(ctx context.Context, txID uuid.UUID) (ledger.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `
		select `+txCols+` from transactions where id = $1
	`, txID))
}

// TransactionByCode resolves a transaction by its public code.
func (s *Store) TransactionByCode(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	return scanTransaction(s.pool.QueryRow(ctx, `
		select `+txCols+` from transactions where code = $1 and owner_id = $2
	`, code, ownerID))
}

func collectTransactions(rows pgx.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()
	out := make([]ledger.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransactionsByAccount returns the account's transactions with date >= from
// in (date, seq) order. Retracted rows are excluded unless requested.
func (s *Store) TransactionsByAccount(ctx context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
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

// TransactionsPage returns the account's non-retracted transactions newest
// first, sliced by limit/offset.
func (s *Store) TransactionsPage(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		select `+txCols+`
		from transactions
		where (debit_id = $1 or credit_id = $1) and retracted = false
		order by date desc, seq desc
		limit $2 offset $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collectTransactions(rows)
}

// RevisionsByTransaction returns the audit trail, oldest first.
func (s *Store) RevisionsByTransaction(ctx context.Context, txID uuid.UUID) ([]ledger.Revision, error) {
	rows, err := s.pool.Query(ctx, `
		select id, transaction_id, kind, date, amount_minor, debit_id, credit_id, recorded_at
		from revisions
		where transaction_id = $1
		order by recorded_at asc, id asc
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]ledger.Revision, 0)
	for rows.Next() {
		var r ledger.Revision
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.Kind, &r.Date, &r.AmountMinor, &r.DebitID, &r.CreditID, &r.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Snapshot reads ---

// SnapshotGet returns the snapshot for a (transaction, account) pair.
func (s *Store) SnapshotGet(ctx context.Context, txID, accountID uuid.UUID) (ledger.Snapshot, bool, error) {
	var sn ledger.Snapshot
	err := s.pool.QueryRow(ctx, `
		select transaction_id, account_id, balance_minor, valid, computed_at
		from snapshots
		where transaction_id = $1 and account_id = $2
	`, txID, accountID).Scan(&sn.TransactionID, &sn.AccountID, &sn.BalanceMinor, &sn.Valid, &sn.ComputedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, err
	}
	return sn, true, nil
}

// LatestSnapshot returns the account's newest snapshot row. The newest live
// transaction lacking a snapshot row reports no snapshot, forcing the caller
// down the recalculation path. Retracted transactions should have no
// snapshot; when one exists anyway the row is surfaced rather than skipped so
// callers can flag it.
func (s *Store) LatestSnapshot(ctx context.Context, accountID uuid.UUID) (ledger.Snapshot, bool, error) {
	var (
		txID     *uuid.UUID
		balance  *int64
		valid    *bool
		computed *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		select s.transaction_id, s.balance_minor, s.valid, s.computed_at
		from transactions t
		left join snapshots s on s.transaction_id = t.id and s.account_id = $1
		where (t.debit_id = $1 or t.credit_id = $1)
		  and (t.retracted = false or s.transaction_id is not null)
		order by t.date desc, t.seq desc
		limit 1
	`, accountID).Scan(&txID, &balance, &valid, &computed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Snapshot{}, false, nil
	}
	if err != nil {
		return ledger.Snapshot{}, false, err
	}
	if txID == nil {
		return ledger.Snapshot{}, false, nil
	}
	return ledger.Snapshot{
		TransactionID: *txID,
		AccountID:     accountID,
		BalanceMinor:  *balance,
		Valid:         *valid,
		ComputedAt:    *computed,
	}, true, nil
}

// LatestValidBefore returns the latest valid balance strictly before
// position (date, seq); ok is false when no valid snapshot precedes it.
func (s *Store) LatestValidBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `
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

// CountInvalid counts live transactions whose snapshot is missing or invalid.
func (s *Store) CountInvalid(ctx context.Context, accountID uuid.UUID) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		select count(*)
		from transactions t
		where (t.debit_id = $1 or t.credit_id = $1) and t.retracted = false
		  and not exists (
			select 1 from snapshots s
			where s.transaction_id = t.id and s.account_id = $1 and s.valid
		  )
	`, accountID).Scan(&n)
	return n, err
}

// EarliestInvalid returns the date of the first live transaction whose
// snapshot is missing or invalid.
func (s *Store) EarliestInvalid(ctx context.Context, accountID uuid.UUID) (time.Time, bool, error) {
	var d time.Time
	err := s.pool.QueryRow(ctx, `
		select t.date
		from transactions t
		where (t.debit_id = $1 or t.credit_id = $1) and t.retracted = false
		  and not exists (
			select 1 from snapshots s
			where s.transaction_id = t.id and s.account_id = $1 and s.valid
		  )
		order by t.date asc, t.seq asc
		limit 1
	`, accountID).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return d, true, nil
}

// AccountsWithInvalid returns up to limit account IDs that currently have any
// missing or invalid snapshot. Selection order is stable by account ID.
func (s *Store) AccountsWithInvalid(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		select a.id
		from accounts a
		where exists (
			select 1 from transactions t
			where (t.debit_id = a.id or t.credit_id = a.id) and t.retracted = false
			  and not exists (
				select 1 from snapshots s
				where s.transaction_id = t.id and s.account_id = a.id and s.valid
			  )
		)
		order by a.id
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]uuid.UUID, 0, limit)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// InvalidateFrom marks the account's snapshots with transaction date >= from
// as invalid. Idempotent. Returns the number of rows newly marked.
func (s *Store) InvalidateFrom(ctx context.Context, accountID uuid.UUID, from time.Time) (int64, error) {
	ct, err := s.pool.Exec(ctx, `
		update snapshots s set valid = false
		from transactions t
		where t.id = s.transaction_id and s.account_id = $1 and s.valid and t.date >= $2
	`, accountID, from)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

// --- Per-account claim token ---

// TryClaimAccount acquires a session advisory lock for the account on a
// dedicated connection. The returned release func unlocks and returns the
// connection; it must be called exactly once when ok is true.
func (s *Store) TryClaimAccount(ctx context.Context, accountID uuid.UUID) (func(), bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	var got bool
	if err := conn.QueryRow(ctx, `
		select pg_try_advisory_lock(hashtextextended($1::text, 0))
	`, accountID).Scan(&got); err != nil {
		conn.Release()
		return nil, false, err
	}
	if !got {
		conn.Release()
		return nil, false, nil
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), `
			select pg_advisory_unlock(hashtextextended($1::text, 0))
		`, accountID)
		conn.Release()
	}
	return release, true, nil
}

// Begin opens the transactional commit boundary for multi-step mutations.
func (s *Store) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &Tx{tx: tx}, nil
}

func marshalMeta(m meta.Metadata) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return b
}
