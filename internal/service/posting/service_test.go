package posting

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/centbook/centbook/internal/errs"
	"github.com/centbook/centbook/internal/ledger"
	"github.com/centbook/centbook/internal/service/registry"
	"github.com/centbook/centbook/internal/slug"
	"github.com/centbook/centbook/internal/storage"
	"github.com/centbook/centbook/internal/storage/memory"
)

var (
	day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type capturePublisher struct {
	events []Event
}

func (c *capturePublisher) Publish(_ context.Context, ev Event) error {
	c.events = append(c.events, ev)
	return nil
}

func testLimits() Limits {
	return Limits{
		MaxAmountMinor: 1_000_000_000,
		EarliestDate:   time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		LatestDate:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func setup(t *testing.T) (Service, *memory.Store, *capturePublisher, uuid.UUID, ledger.Ledger) {
	t.Helper()
	store := memory.New()
	reg := registry.New(store, store)
	ownerID := uuid.New()
	ctx := context.Background()
	l, _, err := reg.CreateLedger(ctx, ownerID, "Household", "USD")
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	if _, err := reg.CreateAccount(ctx, ownerID, l.ID, "Checking", ledger.CategoryAsset); err != nil {
		t.Fatalf("create checking: %v", err)
	}
	if _, err := reg.CreateAccount(ctx, ownerID, l.ID, "Groceries", ledger.CategoryLiability); err != nil {
		t.Fatalf("create groceries: %v", err)
	}
	pub := &capturePublisher{}
	svc := New(store, store, reg, pub, testLimits(), testLogger())
	return svc, store, pub, ownerID, l
}

func TestRecord(t *testing.T) {
	svc, store, pub, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 100000, "checking", "income", "pay", map[string]string{"k": "v"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !slug.IsTransactionCode(txn.Code) {
		t.Fatalf("bad code %q", txn.Code)
	}
	if txn.Seq == 0 {
		t.Fatalf("seq not assigned")
	}
	// The eager snapshot pair exists and is valid.
	for _, accountID := range []uuid.UUID{txn.DebitID, txn.CreditID} {
		sn, ok, _ := store.SnapshotGet(ctx, txn.ID, accountID)
		if !ok || !sn.Valid || sn.BalanceMinor != 100000 {
			t.Fatalf("eager snapshot for %s: %+v ok=%v", accountID, sn, ok)
		}
	}
	if len(pub.events) != 1 || pub.events[0].Kind != "recorded" || pub.events[0].Code != txn.Code {
		t.Fatalf("events: %+v", pub.events)
	}
	got, err := svc.Get(ctx, ownerID, txn.Code)
	if err != nil || got.AmountMinor != 100000 {
		t.Fatalf("get: %v %+v", err, got)
	}
}

func TestRecordValidation(t *testing.T) {
	svc, _, _, ownerID, l := setup(t)
	ctx := context.Background()

	cases := []struct {
		name          string
		amount        int64
		date          time.Time
		debit, credit string
		want          error
	}{
		{"zero amount", 0, day1, "checking", "income", errs.ErrInvalidAmount},
		{"negative amount", -5, day1, "checking", "income", errs.ErrInvalidAmount},
		{"too large", 2_000_000_000, day1, "checking", "income", errs.ErrAmountTooLarge},
		{"same account", 100, day1, "checking", "checking", errs.ErrSameAccount},
		{"date too early", 100, time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC), "checking", "income", errs.ErrDateOutOfRange},
		{"date too late", 100, time.Date(2200, 1, 1, 0, 0, 0, 0, time.UTC), "checking", "income", errs.ErrDateOutOfRange},
		{"unknown account", 100, day1, "nope", "income", errs.ErrNotFound},
	}
	for _, c := range cases {
		if _, err := svc.Record(ctx, ownerID, l.ID, c.date, c.amount, c.debit, c.credit, "", nil); !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v, want %v", c.name, err, c.want)
		}
	}
}

func TestRejectedWriteLeavesNothing(t *testing.T) {
	svc, store, _, ownerID, l := setup(t)
	ctx := context.Background()

	if _, err := svc.Record(ctx, ownerID, l.ID, day1, 0, "checking", "income", "", nil); !errors.Is(err, errs.ErrInvalidAmount) {
		t.Fatalf("expected rejection: %v", err)
	}
	checking, err := store.AccountBySlug(ctx, ownerID, l.ID, "checking")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if txs, _ := store.TransactionsByAccount(ctx, checking.ID, time.Time{}, true); len(txs) != 0 {
		t.Fatalf("rejected write left %d rows", len(txs))
	}
}

func TestAmendMaterial(t *testing.T) {
	svc, _, pub, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 30000, "income", "groceries", "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	amount := int64(20000)
	next, err := svc.Amend(ctx, ownerID, txn.Code, Changes{AmountMinor: &amount})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if next.AmountMinor != 20000 {
		t.Fatalf("amount not applied: %d", next.AmountMinor)
	}
	revs, err := svc.Revisions(ctx, ownerID, txn.Code)
	if err != nil {
		t.Fatalf("revisions: %v", err)
	}
	if len(revs) != 2 || revs[0].Kind != ledger.RevisionWithdraw || revs[1].Kind != ledger.RevisionApply {
		t.Fatalf("revision pair wrong: %+v", revs)
	}
	if revs[0].AmountMinor != 30000 || revs[1].AmountMinor != 20000 {
		t.Fatalf("revision amounts: %d %d", revs[0].AmountMinor, revs[1].AmountMinor)
	}
	if pub.events[len(pub.events)-1].Kind != "amended" {
		t.Fatalf("missing amended event")
	}
}

func TestAmendCosmeticKeepsHistory(t *testing.T) {
	svc, store, pub, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 100, "checking", "income", "old", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	events := len(pub.events)
	memo := "new memo"
	next, err := svc.Amend(ctx, ownerID, txn.Code, Changes{Memo: &memo})
	if err != nil {
		t.Fatalf("amend: %v", err)
	}
	if next.Memo != "new memo" {
		t.Fatalf("memo not applied")
	}
	// Memo-only changes leave snapshots valid, write no revisions, and emit
	// no event.
	if sn, ok, _ := store.SnapshotGet(ctx, txn.ID, txn.DebitID); !ok || !sn.Valid {
		t.Fatalf("snapshot disturbed by cosmetic amend")
	}
	if revs, _ := svc.Revisions(ctx, ownerID, txn.Code); len(revs) != 0 {
		t.Fatalf("cosmetic amend wrote revisions")
	}
	if len(pub.events) != events {
		t.Fatalf("cosmetic amend published an event")
	}
}

func TestAmendNoop(t *testing.T) {
	svc, _, _, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 100, "checking", "income", "memo", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := svc.Amend(ctx, ownerID, txn.Code, Changes{})
	if err != nil {
		t.Fatalf("noop amend: %v", err)
	}
	if !got.UpdatedAt.Equal(txn.UpdatedAt) {
		t.Fatalf("noop amend touched the row")
	}
}

func TestAmendInvalidatesTouchedAccounts(t *testing.T) {
	svc, store, _, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 30000, "income", "groceries", "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	later, err := svc.Record(ctx, ownerID, l.ID, day2, 7500, "groceries", "checking", "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	amount := int64(20000)
	if _, err := svc.Amend(ctx, ownerID, txn.Code, Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	// The amended transaction's own snapshots are deleted, downstream marks
	// flipped invalid.
	if _, ok, _ := store.SnapshotGet(ctx, txn.ID, txn.CreditID); ok {
		t.Fatalf("amended snapshot not deleted")
	}
	if sn, ok, _ := store.SnapshotGet(ctx, later.ID, later.DebitID); ok && sn.Valid {
		t.Fatalf("downstream snapshot still valid")
	}
	if n, _ := store.CountInvalid(ctx, txn.CreditID); n == 0 {
		t.Fatalf("groceries has no invalid entries")
	}
}

func TestRetract(t *testing.T) {
	svc, store, pub, ownerID, l := setup(t)
	ctx := context.Background()

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 100, "checking", "income", "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	got, err := svc.Retract(ctx, ownerID, txn.Code)
	if err != nil {
		t.Fatalf("retract: %v", err)
	}
	if !got.Retracted {
		t.Fatalf("not marked retracted")
	}
	// Still visible for audit, excluded from balances, snapshots gone.
	if read, err := svc.Get(ctx, ownerID, txn.Code); err != nil || !read.Retracted {
		t.Fatalf("audit read: %v", err)
	}
	if _, ok, _ := store.SnapshotGet(ctx, txn.ID, txn.DebitID); ok {
		t.Fatalf("retracted snapshot survives")
	}
	if txs, _ := store.TransactionsByAccount(ctx, txn.DebitID, time.Time{}, false); len(txs) != 0 {
		t.Fatalf("retracted transaction still in balance reads")
	}
	if revs, _ := svc.Revisions(ctx, ownerID, txn.Code); len(revs) != 1 || revs[0].Kind != ledger.RevisionWithdraw {
		t.Fatalf("retraction audit record wrong: %+v", revs)
	}
	if pub.events[len(pub.events)-1].Kind != "retracted" {
		t.Fatalf("missing retracted event")
	}

	if _, err := svc.Retract(ctx, ownerID, txn.Code); !errors.Is(err, errs.ErrRetracted) {
		t.Fatalf("double retract: %v", err)
	}
	if _, err := svc.Amend(ctx, ownerID, txn.Code, Changes{AmountMinor: &txn.AmountMinor}); !errors.Is(err, errs.ErrRetracted) {
		t.Fatalf("amend after retract: %v", err)
	}
}

// lockRecordingStore captures the account sets each write serializes on.
type lockRecordingStore struct {
	*memory.Store
	locked [][]uuid.UUID
}

func (s *lockRecordingStore) Begin(ctx context.Context) (storage.Tx, error) {
	tx, err := s.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &lockRecordingTx{Tx: tx, rec: s}, nil
}

type lockRecordingTx struct {
	storage.Tx
	rec *lockRecordingStore
}

func (t *lockRecordingTx) LockAccounts(ctx context.Context, ids ...uuid.UUID) error {
	t.rec.locked = append(t.rec.locked, ids)
	return t.Tx.LockAccounts(ctx, ids...)
}

func containsAll(got []uuid.UUID, want ...uuid.UUID) bool {
	set := make(map[uuid.UUID]struct{}, len(got))
	for _, id := range got {
		set[id] = struct{}{}
	}
	for _, id := range want {
		if _, ok := set[id]; !ok {
			return false
		}
	}
	return true
}

func TestWritesLockTouchedAccounts(t *testing.T) {
	store := memory.New()
	rec := &lockRecordingStore{Store: store}
	reg := registry.New(store, store)
	ownerID := uuid.New()
	ctx := context.Background()
	l, _, err := reg.CreateLedger(ctx, ownerID, "Household", "USD")
	if err != nil {
		t.Fatalf("create ledger: %v", err)
	}
	checking, err := reg.CreateAccount(ctx, ownerID, l.ID, "Checking", ledger.CategoryAsset)
	if err != nil {
		t.Fatalf("create checking: %v", err)
	}
	groceries, err := reg.CreateAccount(ctx, ownerID, l.ID, "Groceries", ledger.CategoryLiability)
	if err != nil {
		t.Fatalf("create groceries: %v", err)
	}
	income, err := reg.Resolve(ctx, ownerID, l.ID, "income")
	if err != nil {
		t.Fatalf("resolve income: %v", err)
	}
	svc := New(store, rec, reg, nil, testLimits(), testLogger())

	txn, err := svc.Record(ctx, ownerID, l.ID, day1, 100, "checking", "income", "", nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(rec.locked) != 1 || len(rec.locked[0]) != 2 || !containsAll(rec.locked[0], checking.ID, income.ID) {
		t.Fatalf("record locks: %+v", rec.locked)
	}

	// Moving the credit leg locks the union of old and new accounts.
	newCredit := "groceries"
	if _, err := svc.Amend(ctx, ownerID, txn.Code, Changes{CreditRef: &newCredit}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	last := rec.locked[len(rec.locked)-1]
	if len(last) != 3 || !containsAll(last, checking.ID, income.ID, groceries.ID) {
		t.Fatalf("amend locks: %+v", last)
	}

	if _, err := svc.Retract(ctx, ownerID, txn.Code); err != nil {
		t.Fatalf("retract: %v", err)
	}
	last = rec.locked[len(rec.locked)-1]
	if len(last) != 2 || !containsAll(last, checking.ID, groceries.ID) {
		t.Fatalf("retract locks: %+v", last)
	}
}

func TestGetUnknownCode(t *testing.T) {
	svc, _, _, ownerID, _ := setup(t)
	if _, err := svc.Get(context.Background(), ownerID, "txn_missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("unknown code: %v", err)
	}
}
