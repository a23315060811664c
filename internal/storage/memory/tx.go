package memory

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/storage"
)

// Tx scopes a multi-step mutation. It holds the store mutex from Begin until
// Commit or Rollback, which makes the whole unit atomic and isolated, and
// keeps an undo journal so Rollback restores the pre-Begin state.
type Tx struct {
	s    *Store
	undo []func()
	done bool
}

// Begin opens a transaction. The caller must Commit or Rollback.
func (s *Store) Begin(_ context.Context) (storage.Tx, error) {
	s.mu.Lock()
	return &Tx{s: s}, nil
}

// Commit makes the transaction's effects permanent.
func (t *Tx) Commit(_ context.Context) error {
	if t.done {
		return errs.ErrConflict
	}
	t.done = true
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

// Rollback restores the state captured in the undo journal. Safe to call
// after Commit (no-op), so it can be deferred.
func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.s.mu.Unlock()
	return nil
}

// LockAccounts is a no-op: Begin already holds the store mutex, so a memory
// transaction excludes every other write and recalculation.
func (t *Tx) LockAccounts(context.Context, ...uuid.UUID) error { return nil }

// InsertTransaction persists a new transaction, assigning its per-ledger Seq.
func (t *Tx) InsertTransaction(_ context.Context, txn ledger.Transaction) (ledger.Transaction, error) {
	s := t.s
	if _, ok := s.txByCode[txn.Code]; ok {
		return ledger.Transaction{}, errs.ErrConflict
	}
	s.ledgerSeq[txn.LedgerID]++
	txn.Seq = s.ledgerSeq[txn.LedgerID]
	now := time.Now().UTC()
	txn.CreatedAt = now
	txn.UpdatedAt = now

	cp := txn
	s.txs[txn.ID] = &cp
	s.txByCode[txn.Code] = txn.ID
	k := txKey{Date: txn.Date, Seq: txn.Seq, ID: txn.ID}
	s.insertOrderLocked(txn.DebitID, k)
	s.insertOrderLocked(txn.CreditID, k)

	t.undo = append(t.undo, func() {
		s.removeOrderLocked(txn.DebitID, txn.ID)
		s.removeOrderLocked(txn.CreditID, txn.ID)
		delete(s.txByCode, txn.Code)
		delete(s.txs, txn.ID)
		s.ledgerSeq[txn.LedgerID]--
	})
	return txn, nil
}

// UpdateTransaction replaces a transaction in place, reindexing both the old
// and new account positions when date or accounts changed.
func (t *Tx) UpdateTransaction(_ context.Context, txn ledger.Transaction) error {
	s := t.s
	old, ok := s.txs[txn.ID]
	if !ok {
		return errs.ErrNotFound
	}
	prev := *old
	txn.UpdatedAt = time.Now().UTC()

	s.removeOrderLocked(prev.DebitID, prev.ID)
	s.removeOrderLocked(prev.CreditID, prev.ID)
	cp := txn
	s.txs[txn.ID] = &cp
	k := txKey{Date: txn.Date, Seq: txn.Seq, ID: txn.ID}
	s.insertOrderLocked(txn.DebitID, k)
	s.insertOrderLocked(txn.CreditID, k)

	t.undo = append(t.undo, func() {
		s.removeOrderLocked(txn.DebitID, txn.ID)
		s.removeOrderLocked(txn.CreditID, txn.ID)
		restored := prev
		s.txs[prev.ID] = &restored
		pk := txKey{Date: prev.Date, Seq: prev.Seq, ID: prev.ID}
		s.insertOrderLocked(prev.DebitID, pk)
		s.insertOrderLocked(prev.CreditID, pk)
	})
	return nil
}

// TransactionByCode re-reads a transaction inside the transaction scope.
func (t *Tx) TransactionByCode(_ context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	return t.s.transactionByCodeLocked(ownerID, code)
}

// InsertRevision appends an audit record.
func (t *Tx) InsertRevision(_ context.Context, r ledger.Revision) error {
	s := t.s
	s.revs[r.TransactionID] = append(s.revs[r.TransactionID], r)
	txID := r.TransactionID
	t.undo = append(t.undo, func() {
		revs := s.revs[txID]
		s.revs[txID] = revs[:len(revs)-1]
	})
	return nil
}

// UpsertSnapshot writes a snapshot entry, replacing any prior row for the pair.
func (t *Tx) UpsertSnapshot(_ context.Context, sn ledger.Snapshot) error {
	s := t.s
	key := snapKey{TxID: sn.TransactionID, AccountID: sn.AccountID}
	prev, had := s.snaps[key]
	s.snaps[key] = sn
	t.undo = append(t.undo, func() {
		if had {
			s.snaps[key] = prev
		} else {
			delete(s.snaps, key)
		}
	})
	return nil
}

// DeleteSnapshots removes both snapshot rows of a transaction.
func (t *Tx) DeleteSnapshots(_ context.Context, txID uuid.UUID) error {
	s := t.s
	txn, ok := s.txs[txID]
	if !ok {
		return errs.ErrNotFound
	}
	for _, accountID := range []uuid.UUID{txn.DebitID, txn.CreditID} {
		key := snapKey{TxID: txID, AccountID: accountID}
		if prev, had := s.snaps[key]; had {
			delete(s.snaps, key)
			k, p := key, prev
			t.undo = append(t.undo, func() { s.snaps[k] = p })
		}
	}
	return nil
}

// InvalidateFrom marks the account's snapshots with date >= from as invalid.
func (t *Tx) InvalidateFrom(_ context.Context, accountID uuid.UUID, from time.Time) (int64, error) {
	return t.invalidate(accountID, func(k txKey) bool { return !k.Date.Before(from) }), nil
}

// InvalidateAfter marks the account's snapshots strictly after position
// (date, seq) as invalid. Used on mid-history inserts so the new row's own
// eager snapshot survives.
func (t *Tx) InvalidateAfter(_ context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, error) {
	return t.invalidate(accountID, func(k txKey) bool { return k.after(date, seq) }), nil
}

func (t *Tx) invalidate(accountID uuid.UUID, match func(txKey) bool) int64 {
	s := t.s
	var n int64
	for _, k := range s.orderByAccount[accountID] {
		if !match(k) {
			continue
		}
		key := snapKey{TxID: k.ID, AccountID: accountID}
		if sn, ok := s.snaps[key]; ok && sn.Valid {
			sn.Valid = false
			s.snaps[key] = sn
			n++
			kk := key
			t.undo = append(t.undo, func() {
				if cur, ok := s.snaps[kk]; ok {
					cur.Valid = true
					s.snaps[kk] = cur
				}
			})
		}
	}
	return n
}

// LatestValidBefore is the in-transaction variant of the store read.
func (t *Tx) LatestValidBefore(_ context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error) {
	bal, ok := t.s.latestValidBeforeLocked(accountID, date, seq)
	return bal, ok, nil
}

// HasStaleBefore reports whether any live transaction strictly before
// position (date, seq) lacks a valid snapshot. When true, an eager snapshot
// at that position cannot be trusted and must be written invalid.
func (t *Tx) HasStaleBefore(_ context.Context, accountID uuid.UUID, date time.Time, seq int64) (bool, error) {
	s := t.s
	for _, k := range s.orderByAccount[accountID] {
		if !k.before(date, seq) {
			continue
		}
		txn := s.txs[k.ID]
		if txn == nil || txn.Retracted {
			continue
		}
		if sn, ok := s.snaps[snapKey{TxID: k.ID, AccountID: accountID}]; !ok || !sn.Valid {
			return true, nil
		}
	}
	return false, nil
}

// TransactionsByAccount is the in-transaction variant of the store read.
func (t *Tx) TransactionsByAccount(_ context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error) {
	return t.s.transactionsByAccountLocked(accountID, from, includeRetracted), nil
}
