package balance

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
	"github.com/centbook/centbook/internal/service/posting"
	"github.com/centbook/centbook/internal/service/registry"
	"github.com/centbook/centbook/internal/storage/memory"
)

var (
	day1 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	day2 = day1.AddDate(0, 0, 1)
	day3 = day1.AddDate(0, 0, 2)
	day5 = day1.AddDate(0, 0, 4)
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// fixture wires the full write and read path over the memory store.
type fixture struct {
	store   *memory.Store
	posting posting.Service
	engine  *Engine
	query   *Query
	ownerID uuid.UUID
	ledger  ledger.Ledger
	// accounts by slug
	checking, income, groceries ledger.Account
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
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
	limits := posting.Limits{
		MaxAmountMinor: 1_000_000_000,
		EarliestDate:   time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC),
		LatestDate:     time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	post := posting.New(store, store, reg, nil, limits, testLogger())
	engine := NewEngine(store, testLogger())
	query := NewQuery(store, engine, 64, testLogger())
	return &fixture{
		store: store, posting: post, engine: engine, query: query,
		ownerID: ownerID, ledger: l,
		checking: checking, income: income, groceries: groceries,
	}
}

func (f *fixture) record(t *testing.T, date time.Time, amount int64, debit, credit string) ledger.Transaction {
	t.Helper()
	txn, err := f.posting.Record(context.Background(), f.ownerID, f.ledger.ID, date, amount, debit, credit, "", nil)
	if err != nil {
		t.Fatalf("record %s->%s %d: %v", debit, credit, amount, err)
	}
	return txn
}

func (f *fixture) balance(t *testing.T, acc ledger.Account) int64 {
	t.Helper()
	bal, err := f.query.CurrentBalance(context.Background(), f.ownerID, acc.ID)
	if err != nil {
		t.Fatalf("balance %s: %v", acc.Slug, err)
	}
	return bal
}

func TestFundingAndSpending(t *testing.T) {
	f := newFixture(t)

	// Day 1: paycheck lands, part of it is budgeted to groceries.
	f.record(t, day1, 100000, "checking", "income")
	if got := f.balance(t, f.checking); got != 100000 {
		t.Fatalf("checking after paycheck: %d", got)
	}
	if got := f.balance(t, f.income); got != 100000 {
		t.Fatalf("income after paycheck: %d", got)
	}

	f.record(t, day1, 30000, "income", "groceries")
	if got := f.balance(t, f.income); got != 70000 {
		t.Fatalf("income after budgeting: %d", got)
	}
	if got := f.balance(t, f.groceries); got != 30000 {
		t.Fatalf("groceries after budgeting: %d", got)
	}

	// Day 2: spending draws down both the category and the account.
	f.record(t, day2, 7500, "groceries", "checking")
	if got := f.balance(t, f.checking); got != 92500 {
		t.Fatalf("checking after spend: %d", got)
	}
	if got := f.balance(t, f.groceries); got != 22500 {
		t.Fatalf("groceries after spend: %d", got)
	}

	rows, err := f.query.History(context.Background(), f.ownerID, f.checking.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].BalanceMinor != 92500 || rows[1].BalanceMinor != 100000 {
		t.Fatalf("checking history wrong: %+v", rows)
	}
}

func TestAmendCorrectsDownstream(t *testing.T) {
	f := newFixture(t)
	f.record(t, day1, 100000, "checking", "income")
	budget := f.record(t, day1, 30000, "income", "groceries")
	f.record(t, day2, 7500, "groceries", "checking")

	amount := int64(20000)
	if _, err := f.posting.Amend(context.Background(), f.ownerID, budget.Code, posting.Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	if got := f.balance(t, f.income); got != 80000 {
		t.Fatalf("income after amend: %d", got)
	}
	if got := f.balance(t, f.groceries); got != 12500 {
		t.Fatalf("groceries after amend: %d", got)
	}
	rows, err := f.query.History(context.Background(), f.ownerID, f.groceries.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].BalanceMinor != 12500 || rows[1].BalanceMinor != 20000 {
		t.Fatalf("groceries history after amend: %+v", rows)
	}
}

func TestRetractRestoresUpstream(t *testing.T) {
	f := newFixture(t)
	f.record(t, day1, 100000, "checking", "income")
	f.record(t, day1, 30000, "income", "groceries")
	spend := f.record(t, day2, 7500, "groceries", "checking")

	if _, err := f.posting.Retract(context.Background(), f.ownerID, spend.Code); err != nil {
		t.Fatalf("retract: %v", err)
	}
	if got := f.balance(t, f.checking); got != 100000 {
		t.Fatalf("checking after retract: %d", got)
	}
	if got := f.balance(t, f.groceries); got != 30000 {
		t.Fatalf("groceries after retract: %d", got)
	}
}

func TestEmptyAccountIsZero(t *testing.T) {
	f := newFixture(t)
	if got := f.balance(t, f.checking); got != 0 {
		t.Fatalf("fresh account: %d", got)
	}
}

func TestMidHistoryInsertInvalidatesSuffix(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	late := f.record(t, day3, 300, "checking", "income")
	if got := f.balance(t, f.checking); got != 300 {
		t.Fatalf("initial: %d", got)
	}
	// Insert before the existing row: its snapshot is now stale.
	f.record(t, day1, 100, "checking", "income")
	sn, ok, _ := f.store.SnapshotGet(ctx, late.ID, f.checking.ID)
	if !ok || sn.Valid {
		t.Fatalf("downstream snapshot should be invalid: %+v ok=%v", sn, ok)
	}
	if got := f.balance(t, f.checking); got != 400 {
		t.Fatalf("after mid-history insert: %d", got)
	}
	// The read repaired the cache.
	if n, _ := f.store.CountInvalid(ctx, f.checking.ID); n != 0 {
		t.Fatalf("cache not repaired: %d invalid", n)
	}
}

func TestInvalidateRecalculateRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, day1, 100, "checking", "income")
	f.record(t, day2, 200, "checking", "income")
	f.record(t, day3, 300, "checking", "income")
	before := f.balance(t, f.checking)

	if err := f.engine.Invalidate(ctx, f.checking.ID, day1); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if err := f.engine.Recalculate(ctx, f.checking.ID, day1); err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if after := f.balance(t, f.checking); after != before {
		t.Fatalf("round trip changed balance: %d -> %d", before, after)
	}
	if n, _ := f.store.CountInvalid(ctx, f.checking.ID); n != 0 {
		t.Fatalf("invalid entries remain: %d", n)
	}
}

func TestAmendDateAwayAndBack(t *testing.T) {
	f := newFixture(t)
	f.record(t, day1, 100, "checking", "income")
	moved := f.record(t, day2, 200, "checking", "income")
	f.record(t, day3, 300, "checking", "income")

	before := f.balance(t, f.checking)
	rowsBefore, err := f.query.History(context.Background(), f.ownerID, f.checking.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}

	d5, d2 := day5, day2
	if _, err := f.posting.Amend(context.Background(), f.ownerID, moved.Code, posting.Changes{Date: &d5}); err != nil {
		t.Fatalf("amend away: %v", err)
	}
	if _, err := f.posting.Amend(context.Background(), f.ownerID, moved.Code, posting.Changes{Date: &d2}); err != nil {
		t.Fatalf("amend back: %v", err)
	}

	if after := f.balance(t, f.checking); after != before {
		t.Fatalf("balance changed: %d -> %d", before, after)
	}
	rowsAfter, err := f.query.History(context.Background(), f.ownerID, f.checking.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rowsAfter) != len(rowsBefore) {
		t.Fatalf("history length changed")
	}
	for i := range rowsBefore {
		if rowsAfter[i].BalanceMinor != rowsBefore[i].BalanceMinor {
			t.Fatalf("row %d balance changed: %d -> %d", i, rowsBefore[i].BalanceMinor, rowsAfter[i].BalanceMinor)
		}
	}
}

func TestSweepRepairsInvalidAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	budget := f.record(t, day1, 30000, "income", "groceries")
	f.record(t, day2, 7500, "groceries", "checking")
	amount := int64(20000)
	if _, err := f.posting.Amend(ctx, f.ownerID, budget.Code, posting.Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}

	// Income and groceries both carry invalid entries now.
	processed, err := f.engine.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if processed == 0 {
		t.Fatalf("sweep processed nothing")
	}
	for _, acc := range []ledger.Account{f.income, f.groceries, f.checking} {
		if n, _ := f.store.CountInvalid(ctx, acc.ID); n != 0 {
			t.Fatalf("%s still has %d invalid entries after sweep", acc.Slug, n)
		}
	}
	// A second pass finds nothing to do.
	if processed, err = f.engine.Sweep(ctx, 10); err != nil || processed != 0 {
		t.Fatalf("idle sweep: processed=%d err=%v", processed, err)
	}
}

func TestSweepBatchBound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	budget := f.record(t, day1, 30000, "income", "groceries")
	amount := int64(20000)
	if _, err := f.posting.Amend(ctx, f.ownerID, budget.Code, posting.Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	// Two accounts invalid, batch of one: exactly one repaired per pass.
	if processed, err := f.engine.Sweep(ctx, 1); err != nil || processed != 1 {
		t.Fatalf("first pass: processed=%d err=%v", processed, err)
	}
	if processed, err := f.engine.Sweep(ctx, 1); err != nil || processed != 1 {
		t.Fatalf("second pass: processed=%d err=%v", processed, err)
	}
}

func TestSweepSkipsClaimedAccounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	budget := f.record(t, day1, 30000, "income", "groceries")
	amount := int64(20000)
	if _, err := f.posting.Amend(ctx, f.ownerID, budget.Code, posting.Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}
	release, ok, err := f.store.TryClaimAccount(ctx, f.groceries.ID)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	processed, err := f.engine.Sweep(ctx, 10)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n, _ := f.store.CountInvalid(ctx, f.groceries.ID); n == 0 {
		t.Fatalf("claimed account was swept")
	}
	release()
	if processed2, err := f.engine.Sweep(ctx, 10); err != nil || processed+processed2 < 2 {
		t.Fatalf("release then sweep: processed=%d err=%v", processed2, err)
	}
}

func TestReadDegradesWhileClaimed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	budget := f.record(t, day1, 30000, "income", "groceries")
	f.record(t, day2, 7500, "groceries", "checking")
	amount := int64(20000)
	if _, err := f.posting.Amend(ctx, f.ownerID, budget.Code, posting.Changes{AmountMinor: &amount}); err != nil {
		t.Fatalf("amend: %v", err)
	}

	// Hold the claim to simulate a concurrent recalculation.
	release, ok, err := f.store.TryClaimAccount(ctx, f.groceries.ID)
	if err != nil || !ok {
		t.Fatalf("claim: %v %v", ok, err)
	}
	defer release()

	bal, err := f.query.CurrentBalance(ctx, f.ownerID, f.groceries.ID)
	if err != nil {
		t.Fatalf("read while claimed: %v", err)
	}
	if bal != 12500 {
		t.Fatalf("on-the-fly balance: %d", bal)
	}
	// The cache stays untouched: the invalid entries are still there.
	if n, _ := f.store.CountInvalid(ctx, f.groceries.ID); n == 0 {
		t.Fatalf("degraded read mutated the cache")
	}
}

func TestRebuildAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.record(t, day1, 100000, "checking", "income")
	f.record(t, day1, 30000, "income", "groceries")
	f.record(t, day2, 7500, "groceries", "checking")
	checkingBefore := f.balance(t, f.checking)
	groceriesBefore := f.balance(t, f.groceries)

	if err := f.engine.RebuildAll(ctx, f.ownerID, f.ledger.ID); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if got := f.balance(t, f.checking); got != checkingBefore {
		t.Fatalf("checking after rebuild: %d want %d", got, checkingBefore)
	}
	if got := f.balance(t, f.groceries); got != groceriesBefore {
		t.Fatalf("groceries after rebuild: %d want %d", got, groceriesBefore)
	}
	for _, acc := range []ledger.Account{f.checking, f.income, f.groceries} {
		if n, _ := f.store.CountInvalid(ctx, acc.ID); n != 0 {
			t.Fatalf("%s invalid after rebuild: %d", acc.Slug, n)
		}
	}
}

func TestSnapshotForRetractedTransactionIsSurfaced(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	txn := f.record(t, day1, 100, "checking", "income")
	if got := f.balance(t, f.checking); got != 100 {
		t.Fatalf("balance: %d", got)
	}

	// Flip the row retracted behind the service's back, leaving its snapshot
	// pair in place. A snapshot referencing a retracted transaction is an
	// impossible state and must be reported, never served.
	cur, err := f.store.TransactionByID(ctx, txn.ID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	cur.Retracted = true
	tx, err := f.store.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := tx.UpdateTransaction(ctx, cur); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if _, err := f.query.CurrentBalance(ctx, f.ownerID, f.checking.ID); !errors.Is(err, errs.ErrConsistency) {
		t.Fatalf("want consistency error, got %v", err)
	}
}

func TestHistoryLargeStaleRangeServedOnTheFly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	// Threshold of zero forces the uncached per-row path for any stale range.
	q := NewQuery(f.store, f.engine, 0, testLogger())

	f.record(t, day1, 100, "checking", "income")
	f.record(t, day2, 200, "checking", "income")
	f.record(t, day3, 300, "checking", "income")
	f.balance(t, f.checking) // populate cache
	if err := f.engine.Invalidate(ctx, f.checking.ID, day2); err != nil {
		t.Fatalf("invalidate: %v", err)
	}

	rows, err := q.History(ctx, f.ownerID, f.checking.ID, 10, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 3 || rows[0].BalanceMinor != 600 || rows[1].BalanceMinor != 300 || rows[2].BalanceMinor != 100 {
		t.Fatalf("history rows: %+v", rows)
	}
	// The uncached path must not repair the marks.
	if n, _ := f.store.CountInvalid(ctx, f.checking.ID); n == 0 {
		t.Fatalf("on-the-fly history mutated the cache")
	}
}
