package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
)

// HistoryRow pairs a transaction with the account's running balance
// immediately after it.
type HistoryRow struct {
	Transaction  ledger.Transaction
	BalanceMinor int64
}

// Query answers balance reads, preferring valid snapshots and degrading to
// bounded on-the-fly replay instead of waiting on any lock.
type Query struct {
	store  Store
	engine *Engine
	log    *slog.Logger
	// inlineThreshold is the largest invalid-entry count History repairs
	// synchronously before serving; above it single rows are replayed
	// without mutating the cache.
	inlineThreshold int
}

// NewQuery constructs the query service.
func NewQuery(store Store, engine *Engine, inlineThreshold int, log *slog.Logger) *Query {
	return &Query{store: store, engine: engine, inlineThreshold: inlineThreshold, log: log}
}

// CurrentBalance returns the account's balance after its newest live
// transaction. A fresh account with no history is a valid empty state (0).
// Worst-case synchronous cost is the account's own history length, never the
// whole ledger.
func (q *Query) CurrentBalance(ctx context.Context, ownerID, accountID uuid.UUID) (int64, error) {
	acc, err := q.store.AccountByID(ctx, ownerID, accountID)
	if err != nil {
		return 0, err
	}
	invalid, err := q.store.CountInvalid(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if invalid == 0 {
		return q.latestBalance(ctx, accountID)
	}
	from, _, err := q.store.EarliestInvalid(ctx, accountID)
	if err != nil {
		return 0, err
	}
	switch err := q.engine.Recalculate(ctx, accountID, from); {
	case err == nil:
		return q.latestBalance(ctx, accountID)
	case errors.Is(err, errs.ErrClaimed):
		// Another worker is rebuilding this account. Do not wait: replay
		// uncached from the last valid point.
		onTheFlyReads.Inc()
		return q.replayFrom(ctx, acc, from, uuid.Nil)
	default:
		return 0, err
	}
}

// latestBalance reads the newest snapshot, verifying it does not reference a
// retracted transaction — that state is impossible by construction and is
// surfaced as a consistency error, never silently patched.
func (q *Query) latestBalance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	sn, ok, err := q.store.LatestSnapshot(ctx, accountID)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	t, err := q.store.TransactionByID(ctx, sn.TransactionID)
	if err != nil {
		return 0, err
	}
	if t.Retracted {
		q.log.Error("snapshot references retracted transaction",
			"account_id", accountID, "transaction_id", sn.TransactionID)
		return 0, fmt.Errorf("%w: snapshot for retracted transaction %s", errs.ErrConsistency, sn.TransactionID)
	}
	return sn.BalanceMinor, nil
}

// replayFrom recomputes the balance without touching the cache: seed from
// the latest valid snapshot strictly before `from`, then apply every live
// transaction forward. When upTo is non-nil, replay stops after that
// transaction and returns its running balance.
func (q *Query) replayFrom(ctx context.Context, acc ledger.Account, from time.Time, upTo uuid.UUID) (int64, error) {
	bal, _, err := q.store.LatestValidBefore(ctx, acc.ID, from, 0)
	if err != nil {
		return 0, err
	}
	txs, err := q.store.TransactionsByAccount(ctx, acc.ID, from, false)
	if err != nil {
		return 0, err
	}
	for _, t := range txs {
		side, ok := t.SideFor(acc.ID)
		if !ok {
			return 0, fmt.Errorf("%w: transaction %s does not touch account %s", errs.ErrConsistency, t.ID, acc.ID)
		}
		bal = acc.Polarity.Apply(bal, side, t.AmountMinor)
		if upTo != uuid.Nil && t.ID == upTo {
			return bal, nil
		}
	}
	if upTo != uuid.Nil {
		return 0, fmt.Errorf("%w: transaction %s", errs.ErrNotFound, upTo)
	}
	return bal, nil
}

// History returns (transaction, running balance) pairs newest first,
// retracted excluded. Valid snapshots serve directly; a small stale range is
// repaired inline first, while a large one is served by per-row uncached
// replay so the read never blocks on a long recalculation.
func (q *Query) History(ctx context.Context, ownerID, accountID uuid.UUID, limit, offset int) ([]HistoryRow, error) {
	acc, err := q.store.AccountByID(ctx, ownerID, accountID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	invalid, err := q.store.CountInvalid(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if invalid > 0 && invalid <= q.inlineThreshold {
		from, _, err := q.store.EarliestInvalid(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if err := q.engine.Recalculate(ctx, accountID, from); err != nil && !errors.Is(err, errs.ErrClaimed) {
			return nil, err
		}
	}

	page, err := q.store.TransactionsPage(ctx, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	rows := make([]HistoryRow, 0, len(page))
	var staleFrom time.Time
	var staleKnown bool
	for _, t := range page {
		sn, ok, err := q.store.SnapshotGet(ctx, t.ID, accountID)
		if err != nil {
			return nil, err
		}
		if ok && sn.Valid {
			rows = append(rows, HistoryRow{Transaction: t, BalanceMinor: sn.BalanceMinor})
			continue
		}
		// Stale row: replay it uncached from the start of the invalid range.
		if !staleKnown {
			staleFrom, _, err = q.store.EarliestInvalid(ctx, accountID)
			if err != nil {
				return nil, err
			}
			staleKnown = true
		}
		onTheFlyReads.Inc()
		bal, err := q.replayFrom(ctx, acc, staleFrom, t.ID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, HistoryRow{Transaction: t, BalanceMinor: bal})
	}
	return rows, nil
}
