package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maktab/ledger-engine/ledger"
	"github.com/maktab/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newAccount(t *testing.T, s *sqlite.Store, id string, kind ledger.AccountKind) ledger.Account {
	t.Helper()
	acc := ledger.Account{
		ID:            ledger.AccountID(id),
		Kind:          kind,
		AllowNegative: ledger.DefaultAllowNegative(kind),
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, s.CreateAccount(context.Background(), acc))
	return acc
}

func completedEntry(accID string, id string, delta, prev int64, key string) ledger.LedgerEntry {
	return ledger.LedgerEntry{
		ID:              ledger.EntryID(id),
		AccountID:       ledger.AccountID(accID),
		Type:            ledger.EntrySalary,
		SignedAmount:    delta,
		PreviousBalance: prev,
		NewBalance:      prev + delta,
		Actor:           "test",
		IdempotencyKey:  key,
		Status:          ledger.StatusCompleted,
		CreatedAt:       time.Now().UTC(),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSQLite_AccountRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)

	got, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, ledger.KindStaffCompensation, got.Kind)
	assert.True(t, got.AllowNegative)
	assert.EqualValues(t, 0, got.Balance)
	assert.EqualValues(t, 0, got.Version)

	_, err = s.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestSQLite_ListAccountsByKind_ExcludesArchived(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	newAccount(t, s, "staff-1", ledger.KindStaffCompensation)
	newAccount(t, s, "staff-2", ledger.KindStaffCompensation)
	newAccount(t, s, "register-1", ledger.KindCashRegister)
	require.NoError(t, s.ArchiveAccount(ctx, "staff-2"))

	staff, err := s.ListAccountsByKind(ctx, ledger.KindStaffCompensation)
	require.NoError(t, err)
	require.Len(t, staff, 1)
	assert.EqualValues(t, "staff-1", staff[0].ID)

	registers, err := s.ListAccountsByKind(ctx, ledger.KindCashRegister)
	require.NoError(t, err)
	assert.Len(t, registers, 1)
}

func TestSQLite_ArchiveMissingAccount(t *testing.T) {
	s := newTestStore(t)
	assert.ErrorIs(t, s.ArchiveAccount(context.Background(), "missing"), ledger.ErrAccountNotFound)
}

// =============================================================================
// APPLY: CAS AND IDEMPOTENCY
// =============================================================================

func TestSQLite_ApplyEntry_UpdatesBalanceAndVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)

	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-1", 1000, 0, ""), 0))
	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-2", -400, 1000, ""), 1))

	acc, err := s.GetAccount(ctx, "acc-1")
	require.NoError(t, err)
	assert.EqualValues(t, 600, acc.Balance)
	assert.EqualValues(t, 2, acc.Version)
}

func TestSQLite_ApplyEntry_StaleVersionRollsBack(t *testing.T) {
	// GIVEN: an account at version 1
	// WHEN: applying with expectedVersion 0 (a concurrent writer won)
	// THEN: ErrConcurrentModification, and the losing entry is NOT kept
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)
	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-1", 1000, 0, ""), 0))

	err := s.ApplyEntry(ctx, completedEntry("acc-1", "e-stale", 500, 0, ""), 0)
	assert.ErrorIs(t, err, ledger.ErrConcurrentModification)

	acc, _ := s.GetAccount(ctx, "acc-1")
	assert.EqualValues(t, 1000, acc.Balance)
	assert.EqualValues(t, 1, acc.Version)

	entries, err := s.Entries(ctx, "acc-1")
	require.NoError(t, err)
	assert.Len(t, entries, 1) // the stale insert was rolled back
}

func TestSQLite_ApplyEntry_DuplicateIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)

	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-1", 1000, 0, "key-1"), 0))

	err := s.ApplyEntry(ctx, completedEntry("acc-1", "e-2", 1000, 1000, "key-1"), 1)
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	acc, _ := s.GetAccount(ctx, "acc-1")
	assert.EqualValues(t, 1000, acc.Balance)
}

func TestSQLite_IdempotencyKeysScopedPerAccount(t *testing.T) {
	// The partial unique index is (account_id, idempotency_key): the same
	// key on another account is a separate application.
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)
	newAccount(t, s, "acc-2", ledger.KindStaffCompensation)

	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-1", 1000, 0, "key-1"), 0))
	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-2", "e-2", 1000, 0, "key-1"), 0))
}

func TestSQLite_FailedEntriesDoNotBlockTheKey(t *testing.T) {
	// Only Completed entries occupy the idempotency index; a Failed audit
	// row with the same key must not prevent the eventual success.
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindCashRegister)

	failed := completedEntry("acc-1", "e-fail", 0, 0, "key-1")
	failed.Status = ledger.StatusFailed
	failed.SignedAmount = 0
	failed.NewBalance = failed.PreviousBalance
	require.NoError(t, s.RecordFailed(ctx, failed))

	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-ok", 1000, 0, "key-1"), 0))
}

func TestSQLite_FindByIdempotencyKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)
	require.NoError(t, s.ApplyEntry(ctx, completedEntry("acc-1", "e-1", 1000, 0, "key-1"), 0))

	found, err := s.FindByIdempotencyKey(ctx, "acc-1", "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.EqualValues(t, "e-1", found.ID)

	missing, err := s.FindByIdempotencyKey(ctx, "acc-1", "other")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// ENTRY QUERIES
// =============================================================================

func TestSQLite_EntriesInRange_Bounds(t *testing.T) {
	// since is inclusive, until is exclusive, zero bounds are open.
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	prev := int64(0)
	for i, id := range []string{"e-1", "e-2", "e-3"} {
		e := completedEntry("acc-1", id, 100, prev, "")
		e.CreatedAt = base.AddDate(0, 0, i)
		require.NoError(t, s.ApplyEntry(ctx, e, int64(i)))
		prev += 100
	}

	all, err := s.EntriesInRange(ctx, "acc-1", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	fromSecond, err := s.EntriesInRange(ctx, "acc-1", base.AddDate(0, 0, 1), time.Time{})
	require.NoError(t, err)
	assert.Len(t, fromSecond, 2)

	middle, err := s.EntriesInRange(ctx, "acc-1", base.AddDate(0, 0, 1), base.AddDate(0, 0, 2))
	require.NoError(t, err)
	require.Len(t, middle, 1)
	assert.EqualValues(t, "e-2", middle[0].ID)
}

func TestSQLite_EntryRoundTripPreservesFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	newAccount(t, s, "acc-1", ledger.KindStaffCompensation)

	e := completedEntry("acc-1", "e-1", 1000, 0, "key-1")
	e.Note = "march payroll"
	e.Reference = "payroll-2026-03"
	require.NoError(t, s.ApplyEntry(ctx, e, 0))

	entries, err := s.Entries(ctx, "acc-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	got := entries[0]
	assert.Equal(t, e.Note, got.Note)
	assert.Equal(t, e.Reference, got.Reference)
	assert.Equal(t, e.IdempotencyKey, got.IdempotencyKey)
	assert.Equal(t, ledger.Actor("test"), got.Actor)
}

// =============================================================================
// ACCRUAL RUNS
// =============================================================================

func TestSQLite_AccrualRunUpsertAndLookup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	date := ledger.NewDate(2026, time.March, 5)

	run := ledger.AccrualRun{
		ID:        "run-1",
		RunDate:   date,
		Status:    ledger.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	require.NoError(t, s.SaveRun(ctx, run))

	// Running runs don't satisfy the completed lookup.
	got, err := s.GetCompletedRun(ctx, date)
	require.NoError(t, err)
	assert.Nil(t, got)

	completed := time.Now().UTC()
	run.Status = ledger.RunCompleted
	run.AccountsProcessed = 7
	run.TotalAmount = 700_000
	run.CompletedAt = &completed
	require.NoError(t, s.SaveRun(ctx, run))

	got, err = s.GetCompletedRun(ctx, date)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 7, got.AccountsProcessed)
	assert.EqualValues(t, 700_000, got.TotalAmount)
	assert.Equal(t, date, got.RunDate)
	require.NotNil(t, got.CompletedAt)
}

func TestSQLite_ListRuns_MostRecentFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, time.March, 1, 6, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		run := ledger.AccrualRun{
			ID:        "run-" + string(rune('a'+i)),
			RunDate:   ledger.NewDate(2026, time.March, 1+i),
			Status:    ledger.RunCompleted,
			StartedAt: base.AddDate(0, 0, i),
		}
		require.NoError(t, s.SaveRun(ctx, run))
	}

	runs, err := s.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-c", runs[0].ID)
	assert.Equal(t, "run-a", runs[2].ID)
}

// =============================================================================
// END-TO-END THROUGH THE SERVICE
// =============================================================================

func TestSQLite_ServiceIntegration(t *testing.T) {
	// The full stack against real SQL: service protocol on the SQLite store.
	s := newTestStore(t)
	svc := ledger.NewService(s, nil)
	ctx := context.Background()

	acc, err := svc.CreateAccount(ctx, ledger.KindCashRegister, nil)
	require.NoError(t, err)

	_, err = svc.Apply(ctx, ledger.ApplyRequest{
		AccountID: acc.ID, Type: ledger.EntryIncome, Amount: 500_000, Actor: "cashier",
	})
	require.NoError(t, err)

	_, err = svc.Apply(ctx, ledger.ApplyRequest{
		AccountID: acc.ID, Type: ledger.EntryExpense, Amount: 600_000, Actor: "cashier",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	balance, err := svc.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 500_000, balance)

	entries, err := svc.ListEntries(ctx, acc.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.StatusCompleted, entries[0].Status)
	assert.Equal(t, ledger.StatusFailed, entries[1].Status)
}
