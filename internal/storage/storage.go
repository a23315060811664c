// Package storage declares the transactional contract shared by the memory
// and postgres backends. Read-side interfaces live with their consumers; the
// commit boundary is declared here once so both backends can return it.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/ledger"
)

// Tx is one atomic, isolated multi-step mutation: a ledger write, its own
// snapshot upserts, and any invalidation marks commit or roll back together.
type Tx interface {
	// LockAccounts serializes this transaction against recalculation and
	// against other writes touching the given accounts. Locks are released
	// with the transaction. Must be called before any snapshot read or write.
	LockAccounts(ctx context.Context, accountIDs ...uuid.UUID) error
	// InsertTransaction persists a new row and assigns its per-ledger Seq.
	InsertTransaction(ctx context.Context, t ledger.Transaction) (ledger.Transaction, error)
	UpdateTransaction(ctx context.Context, t ledger.Transaction) error
	TransactionByCode(ctx context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error)
	TransactionsByAccount(ctx context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error)
	InsertRevision(ctx context.Context, r ledger.Revision) error

	UpsertSnapshot(ctx context.Context, sn ledger.Snapshot) error
	DeleteSnapshots(ctx context.Context, txID uuid.UUID) error
	// InvalidateFrom marks snapshots with transaction date >= from as invalid.
	InvalidateFrom(ctx context.Context, accountID uuid.UUID, from time.Time) (int64, error)
	// InvalidateAfter marks snapshots strictly after position (date, seq).
	InvalidateAfter(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, error)
	// LatestValidBefore returns the latest valid balance strictly before
	// position (date, seq); ok is false when none precedes it.
	LatestValidBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error)
	// HasStaleBefore reports whether any live transaction strictly before the
	// position lacks a valid snapshot.
	HasStaleBefore(ctx context.Context, accountID uuid.UUID, date time.Time, seq int64) (bool, error)

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
