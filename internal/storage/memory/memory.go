package memory

// Package memory provides an in-memory implementation used for development
// and tests. It keeps code paths easy to follow while allowing a real DB to
// be plugged in behind the same interfaces.

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
)

// txKey orders transactions per account: asc by (Date, Seq).
type txKey struct {
	Date time.Time
	Seq  int64
	ID   uuid.UUID
}

func (k txKey) before(date time.Time, seq int64) bool {
	if !k.Date.Equal(date) {
		return k.Date.Before(date)
	}
	return k.Seq < seq
}

func (k txKey) after(date time.Time, seq int64) bool {
	if !k.Date.Equal(date) {
		return k.Date.After(date)
	}
	return k.Seq > seq
}

type snapKey struct {
	TxID      uuid.UUID
	AccountID uuid.UUID
}

// Store is an in-memory implementation of every repository and writer
// interface the services use. A single mutex guards all state; the Tx
// wrapper holds it for the duration of a multi-step mutation so the ledger
// row, its snapshot pair, and invalidation marks land as one atomic unit.
type Store struct {
	mu        sync.Mutex
	ledgers   map[uuid.UUID]ledger.Ledger
	accounts  map[uuid.UUID]ledger.Account
	txs       map[uuid.UUID]*ledger.Transaction
	txByCode  map[string]uuid.UUID
	ledgerSeq map[uuid.UUID]int64
	// orderByAccount is the per-account (Date, Seq) index, retracted included;
	// reads filter through the Retracted flag.
	orderByAccount map[uuid.UUID][]txKey
	snaps          map[snapKey]ledger.Snapshot
	revs           map[uuid.UUID][]ledger.Revision

	// claims is the per-account recalculation token set.
	claimMu sync.Mutex
	claims  map[uuid.UUID]struct{}
}

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		ledgers:        make(map[uuid.UUID]ledger.Ledger),
		accounts:       make(map[uuid.UUID]ledger.Account),
		txs:            make(map[uuid.UUID]*ledger.Transaction),
		txByCode:       make(map[string]uuid.UUID),
		ledgerSeq:      make(map[uuid.UUID]int64),
		orderByAccount: make(map[uuid.UUID][]txKey),
		snaps:          make(map[snapKey]ledger.Snapshot),
		revs:           make(map[uuid.UUID][]ledger.Revision),
		claims:         make(map[uuid.UUID]struct{}),
	}
}

// Ready reports the store as always available.
func (s *Store) Ready(ctx context.Context) error { return nil }

// --- Ledger lifecycle ---

// CreateLedger persists a ledger and its mandatory accounts atomically.
func (s *Store) CreateLedger(_ context.Context, l ledger.Ledger, accounts []ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledgers[l.ID]; ok {
		return errs.ErrConflict
	}
	s.ledgers[l.ID] = l
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return nil
}

// LedgerByID returns a ledger scoped to its owner.
func (s *Store) LedgerByID(_ context.Context, ownerID, ledgerID uuid.UUID) (ledger.Ledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ledgers[ledgerID]
	if !ok || l.OwnerID != ownerID {
		return ledger.Ledger{}, errs.ErrNotFound
	}
	return l, nil
}

// --- Accounts ---

// CreateAccount persists a new account. Slug and name are unique within a
// ledger, matching the constraint the postgres schema enforces.
func (s *Store) CreateAccount(_ context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ledgers[a.LedgerID]; !ok {
		return errs.ErrNotFound
	}
	for _, other := range s.accounts {
		if other.LedgerID == a.LedgerID && (other.Slug == a.Slug || strings.EqualFold(other.Name, a.Name)) {
			return errs.ErrDuplicateName
		}
	}
	s.accounts[a.ID] = a
	return nil
}

// AccountsByLedger returns a ledger's accounts sorted by name.
func (s *Store) AccountsByLedger(_ context.Context, ownerID, ledgerID uuid.UUID) ([]ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.ledgers[ledgerID]; !ok || l.OwnerID != ownerID {
		return nil, errs.ErrNotFound
	}
	out := make([]ledger.Account, 0)
	for _, a := range s.accounts {
		if a.LedgerID == ledgerID && a.OwnerID == ownerID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// AccountByID returns an owner's account by storage key.
func (s *Store) AccountByID(_ context.Context, ownerID, accountID uuid.UUID) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok || a.OwnerID != ownerID {
		return ledger.Account{}, errs.ErrNotFound
	}
	return a, nil
}

// Account returns an account without owner scoping. Internal engine use only.
func (s *Store) Account(_ context.Context, accountID uuid.UUID) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return ledger.Account{}, errs.ErrNotFound
	}
	return a, nil
}

// AccountBySlug resolves an account by its public slug within a ledger.
func (s *Store) AccountBySlug(_ context.Context, ownerID, ledgerID uuid.UUID, slugOrName string) (ledger.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.LedgerID != ledgerID || a.OwnerID != ownerID {
			continue
		}
		if a.Slug == slugOrName || strings.EqualFold(a.Name, slugOrName) {
			return a, nil
		}
	}
	return ledger.Account{}, errs.ErrNotFound
}

// --- Transactions (reads) ---

// TransactionByID returns a transaction without owner scoping. Internal use.
func (s *Store) TransactionByID(_ context.Context, txID uuid.UUID) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[txID]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return *t, nil
}

// TransactionByCode resolves a transaction by its public code.
func (s *Store) TransactionByCode(_ context.Context, ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionByCodeLocked(ownerID, code)
}

func (s *Store) transactionByCodeLocked(ownerID uuid.UUID, code string) (ledger.Transaction, error) {
	id, ok := s.txByCode[code]
	if !ok {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	t := s.txs[id]
	if t == nil || t.OwnerID != ownerID {
		return ledger.Transaction{}, errs.ErrNotFound
	}
	return *t, nil
}

// TransactionsByAccount returns the account's transactions with date >= from
// in (Date, Seq) order. Retracted rows are excluded unless requested.
func (s *Store) TransactionsByAccount(_ context.Context, accountID uuid.UUID, from time.Time, includeRetracted bool) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transactionsByAccountLocked(accountID, from, includeRetracted), nil
}

func (s *Store) transactionsByAccountLocked(accountID uuid.UUID, from time.Time, includeRetracted bool) []ledger.Transaction {
	keys := s.orderByAccount[accountID]
	start := sort.Search(len(keys), func(i int) bool { return !keys[i].Date.Before(from) })
	out := make([]ledger.Transaction, 0, len(keys)-start)
	for _, k := range keys[start:] {
		t := s.txs[k.ID]
		if t == nil {
			continue
		}
		if t.Retracted && !includeRetracted {
			continue
		}
		out = append(out, *t)
	}
	return out
}

// TransactionsPage returns the account's non-retracted transactions newest
// first, sliced by limit/offset.
func (s *Store) TransactionsPage(_ context.Context, accountID uuid.UUID, limit, offset int) ([]ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.orderByAccount[accountID]
	out := make([]ledger.Transaction, 0, limit)
	skipped := 0
	for i := len(keys) - 1; i >= 0; i-- {
		t := s.txs[keys[i].ID]
		if t == nil || t.Retracted {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, *t)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// RevisionsByTransaction returns the audit trail for a transaction, oldest first.
func (s *Store) RevisionsByTransaction(_ context.Context, txID uuid.UUID) ([]ledger.Revision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revs := s.revs[txID]
	out := make([]ledger.Revision, len(revs))
	copy(out, revs)
	return out, nil
}

// --- Snapshot reads ---

// SnapshotGet returns the snapshot for a (transaction, account) pair.
func (s *Store) SnapshotGet(_ context.Context, txID, accountID uuid.UUID) (ledger.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sn, ok := s.snaps[snapKey{TxID: txID, AccountID: accountID}]
	return sn, ok, nil
}

// LatestSnapshot returns the account's newest snapshot row, regardless of
// validity. Retracted transactions should have no snapshot; when one exists
// anyway the row is surfaced rather than skipped so callers can flag it.
func (s *Store) LatestSnapshot(_ context.Context, accountID uuid.UUID) (ledger.Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := s.orderByAccount[accountID]
	for i := len(keys) - 1; i >= 0; i-- {
		t := s.txs[keys[i].ID]
		if t == nil {
			continue
		}
		sn, ok := s.snaps[snapKey{TxID: t.ID, AccountID: accountID}]
		if t.Retracted {
			if ok {
				return sn, true, nil
			}
			continue
		}
		if ok {
			return sn, true, nil
		}
		// Newest live transaction has no snapshot: the suffix is stale and the
		// caller must recalculate, so report no snapshot.
		return ledger.Snapshot{}, false, nil
	}
	return ledger.Snapshot{}, false, nil
}

// LatestValidBefore returns the latest valid balance strictly before
// position (date, seq); ok is false when no valid snapshot precedes it.
func (s *Store) LatestValidBefore(_ context.Context, accountID uuid.UUID, date time.Time, seq int64) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.latestValidBeforeLocked(accountID, date, seq)
	return bal, ok, nil
}

func (s *Store) latestValidBeforeLocked(accountID uuid.UUID, date time.Time, seq int64) (int64, bool) {
	keys := s.orderByAccount[accountID]
	for i := len(keys) - 1; i >= 0; i-- {
		k := keys[i]
		if !k.before(date, seq) {
			continue
		}
		t := s.txs[k.ID]
		if t == nil || t.Retracted {
			continue
		}
		if sn, ok := s.snaps[snapKey{TxID: t.ID, AccountID: accountID}]; ok && sn.Valid {
			return sn.BalanceMinor, true
		}
	}
	return 0, false
}

// CountInvalid counts live transactions whose snapshot is missing or invalid.
func (s *Store) CountInvalid(_ context.Context, accountID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.countInvalidLocked(accountID), nil
}

func (s *Store) countInvalidLocked(accountID uuid.UUID) int {
	n := 0
	for _, k := range s.orderByAccount[accountID] {
		t := s.txs[k.ID]
		if t == nil || t.Retracted {
			continue
		}
		if sn, ok := s.snaps[snapKey{TxID: t.ID, AccountID: accountID}]; !ok || !sn.Valid {
			n++
		}
	}
	return n
}

// EarliestInvalid returns the date of the first live transaction whose
// snapshot is missing or invalid.
func (s *Store) EarliestInvalid(_ context.Context, accountID uuid.UUID) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.earliestInvalidLocked(accountID)
	return d, ok, nil
}

func (s *Store) earliestInvalidLocked(accountID uuid.UUID) (time.Time, bool) {
	for _, k := range s.orderByAccount[accountID] {
		t := s.txs[k.ID]
		if t == nil || t.Retracted {
			continue
		}
		if sn, ok := s.snaps[snapKey{TxID: t.ID, AccountID: accountID}]; !ok || !sn.Valid {
			return t.Date, true
		}
	}
	return time.Time{}, false
}

// AccountsWithInvalid returns up to limit account IDs that currently have any
// missing or invalid snapshot. Selection order is stable by account ID.
func (s *Store) AccountsWithInvalid(_ context.Context, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.orderByAccount))
	for id := range s.orderByAccount {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]uuid.UUID, 0, limit)
	for _, id := range ids {
		if s.countInvalidLocked(id) > 0 {
			out = append(out, id)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// InvalidateFrom marks the account's snapshots with transaction date >= from
// as invalid. Idempotent. Returns the number of rows newly marked.
func (s *Store) InvalidateFrom(_ context.Context, accountID uuid.UUID, from time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalidateFromLocked(accountID, from), nil
}

func (s *Store) invalidateFromLocked(accountID uuid.UUID, from time.Time) int64 {
	var n int64
	for _, k := range s.orderByAccount[accountID] {
		if k.Date.Before(from) {
			continue
		}
		key := snapKey{TxID: k.ID, AccountID: accountID}
		if sn, ok := s.snaps[key]; ok && sn.Valid {
			sn.Valid = false
			s.snaps[key] = sn
			n++
		}
	}
	return n
}

// --- Per-account claim token ---

// TryClaimAccount acquires the account's recalculation token. The returned
// release func must be called exactly once when ok is true.
func (s *Store) TryClaimAccount(_ context.Context, accountID uuid.UUID) (func(), bool, error) {
	s.claimMu.Lock()
	defer s.claimMu.Unlock()
	if _, held := s.claims[accountID]; held {
		return nil, false, nil
	}
	s.claims[accountID] = struct{}{}
	release := func() {
		s.claimMu.Lock()
		delete(s.claims, accountID)
		s.claimMu.Unlock()
	}
	return release, true, nil
}

// insertOrderLocked inserts k into the account's (Date, Seq) index.
func (s *Store) insertOrderLocked(accountID uuid.UUID, k txKey) {
	keys := s.orderByAccount[accountID]
	i := sort.Search(len(keys), func(i int) bool { return keys[i].after(k.Date, k.Seq) })
	keys = append(keys, txKey{})
	copy(keys[i+1:], keys[i:])
	keys[i] = k
	s.orderByAccount[accountID] = keys
}

// removeOrderLocked drops txID from the account's index.
func (s *Store) removeOrderLocked(accountID, txID uuid.UUID) {
	keys := s.orderByAccount[accountID]
	for i, k := range keys {
		if k.ID == txID {
			s.orderByAccount[accountID] = append(keys[:i], keys[i+1:]...)
			return
		}
	}
}
