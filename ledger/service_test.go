package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/maktab/ledger-engine/ledger"
	"github.com/maktab/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService() (*ledger.Service, *store.Memory) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem, zap.NewNop())
	svc.Metrics = ledger.NewMetrics()
	return svc, mem
}

func mustCreate(t *testing.T, svc *ledger.Service, kind ledger.AccountKind) ledger.Account {
	t.Helper()
	acc, err := svc.CreateAccount(context.Background(), kind, nil)
	require.NoError(t, err)
	return acc
}

func apply(t *testing.T, svc *ledger.Service, id ledger.AccountID, typ ledger.EntryType, amount int64) ledger.LedgerEntry {
	t.Helper()
	entry, err := svc.Apply(context.Background(), ledger.ApplyRequest{
		AccountID: id,
		Type:      typ,
		Amount:    amount,
		Actor:     "test",
	})
	require.NoError(t, err)
	return entry
}

// =============================================================================
// ACCOUNT CREATION
// =============================================================================

func TestCreateAccount_Defaults(t *testing.T) {
	// GIVEN: a fresh service
	// WHEN: creating one account of each kind without an override
	// THEN: staff accounts may go negative, cash registers may not
	svc, _ := newTestService()

	staff := mustCreate(t, svc, ledger.KindStaffCompensation)
	register := mustCreate(t, svc, ledger.KindCashRegister)

	assert.True(t, staff.AllowNegative)
	assert.False(t, register.AllowNegative)
	assert.EqualValues(t, 0, staff.Balance)
	assert.EqualValues(t, 0, register.Balance)
}

func TestCreateAccount_OverridesDefault(t *testing.T) {
	svc, _ := newTestService()
	yes := true

	acc, err := svc.CreateAccount(context.Background(), ledger.KindCashRegister, &yes)
	require.NoError(t, err)
	assert.True(t, acc.AllowNegative)
}

func TestCreateAccount_UnknownKind(t *testing.T) {
	svc, _ := newTestService()

	_, err := svc.CreateAccount(context.Background(), ledger.AccountKind("petty_cash"), nil)
	assert.Error(t, err)
}

// =============================================================================
// SIGN CONVENTIONS AND THE PER-ENTRY INVARIANT
// =============================================================================

func TestApply_SignConventions(t *testing.T) {
	// GIVEN: a staff account
	// WHEN: applying one credit and one debit
	// THEN: the type determines the sign; the request amount is positive
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)

	salary := apply(t, svc, acc.ID, ledger.EntrySalary, 3_000_000)
	assert.EqualValues(t, 3_000_000, salary.SignedAmount)

	fine := apply(t, svc, acc.ID, ledger.EntryFine, 50_000)
	assert.EqualValues(t, -50_000, fine.SignedAmount)

	balance, err := svc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2_950_000, balance)
}

func TestApply_EntryInvariantHolds(t *testing.T) {
	// Every entry must satisfy NewBalance = PreviousBalance + SignedAmount,
	// and consecutive entries must chain.
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)

	apply(t, svc, acc.ID, ledger.EntrySalary, 1_000_000)
	apply(t, svc, acc.ID, ledger.EntryBonus, 200_000)
	apply(t, svc, acc.ID, ledger.EntryAdvance, 300_000)
	apply(t, svc, acc.ID, ledger.EntryDeduction, 100_000)

	entries, err := svc.ListEntries(context.Background(), acc.ID, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, entries, 4)

	var running int64
	for _, e := range entries {
		assert.Equal(t, e.PreviousBalance+e.SignedAmount, e.NewBalance)
		assert.Equal(t, running, e.PreviousBalance)
		running = e.NewBalance
	}

	balance, err := svc.GetBalance(context.Background(), acc.ID)
	require.NoError(t, err)
	assert.Equal(t, running, balance)
	assert.EqualValues(t, 800_000, balance)
}

func TestApply_CorrectionCarriesSignedAmount(t *testing.T) {
	// Correction types pass the caller's sign through unchanged.
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	apply(t, svc, acc.ID, ledger.EntrySalary, 500_000)

	entry, err := svc.Apply(context.Background(), ledger.ApplyRequest{
		AccountID: acc.ID,
		Type:      ledger.EntryAccrualCorrection,
		Amount:    -120_000,
		Actor:     ledger.System,
	})
	require.NoError(t, err)
	assert.EqualValues(t, -120_000, entry.SignedAmount)

	balance, _ := svc.GetBalance(context.Background(), acc.ID)
	assert.EqualValues(t, 380_000, balance)
}

// =============================================================================
// VALIDATION
// =============================================================================

func TestApply_RejectsInvalidInput(t *testing.T) {
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	ctx := context.Background()

	_, err := svc.Apply(ctx, ledger.ApplyRequest{AccountID: acc.ID, Type: "gift", Amount: 100})
	assert.ErrorIs(t, err, ledger.ErrInvalidEntryType)

	_, err = svc.Apply(ctx, ledger.ApplyRequest{AccountID: acc.ID, Type: ledger.EntrySalary, Amount: 0})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	// Negative amounts are only legal on correction types.
	_, err = svc.Apply(ctx, ledger.ApplyRequest{AccountID: acc.ID, Type: ledger.EntrySalary, Amount: -100})
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)

	_, err = svc.Apply(ctx, ledger.ApplyRequest{AccountID: "missing", Type: ledger.EntrySalary, Amount: 100})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	// Nothing was written anywhere.
	entries, _ := svc.ListEntries(ctx, acc.ID, time.Time{}, time.Time{})
	assert.Empty(t, entries)
}

func TestApply_ArchivedAccountRejected(t *testing.T) {
	svc, mem := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	require.NoError(t, mem.ArchiveAccount(context.Background(), acc.ID))

	_, err := svc.Apply(context.Background(), ledger.ApplyRequest{
		AccountID: acc.ID, Type: ledger.EntrySalary, Amount: 100, Actor: "test",
	})
	assert.ErrorIs(t, err, ledger.ErrAccountArchived)
}

// =============================================================================
// OVERDRAFT PROTECTION
// =============================================================================

func TestApply_OverdraftRejected_FailedEntryRecorded(t *testing.T) {
	// GIVEN: a cash register holding 500,000
	// WHEN: recording a 600,000 expense
	// THEN: the apply is rejected, the balance is untouched, and a Failed
	//       entry documents the attempt
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindCashRegister)
	apply(t, svc, acc.ID, ledger.EntryIncome, 500_000)

	_, err := svc.Apply(context.Background(), ledger.ApplyRequest{
		AccountID: acc.ID,
		Type:      ledger.EntryExpense,
		Amount:    600_000,
		Actor:     "test",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	var ife *ledger.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.EqualValues(t, 500_000, ife.Balance)
	assert.EqualValues(t, -600_000, ife.Requested)

	balance, _ := svc.GetBalance(context.Background(), acc.ID)
	assert.EqualValues(t, 500_000, balance)

	entries, _ := svc.ListEntries(context.Background(), acc.ID, time.Time{}, time.Time{})
	require.Len(t, entries, 2)
	failed := entries[1]
	assert.Equal(t, ledger.StatusFailed, failed.Status)
	assert.EqualValues(t, 0, failed.SignedAmount)
	assert.Equal(t, failed.PreviousBalance, failed.NewBalance)
}

func TestApply_StaffAccountMayGoNegative(t *testing.T) {
	// Staff compensation accounts allow debt states (advances).
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	apply(t, svc, acc.ID, ledger.EntrySalary, 100_000)

	entry := apply(t, svc, acc.ID, ledger.EntryAdvance, 400_000)
	assert.EqualValues(t, -300_000, entry.NewBalance)
}

func TestApply_ExactBalanceToZeroAllowed(t *testing.T) {
	// Spending exactly the full balance is not an overdraft.
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindCashRegister)
	apply(t, svc, acc.ID, ledger.EntryIncome, 250_000)

	entry := apply(t, svc, acc.ID, ledger.EntryExpense, 250_000)
	assert.EqualValues(t, 0, entry.NewBalance)
}

// =============================================================================
// IDEMPOTENCY
// =============================================================================

func TestApply_IdempotencyKeyCollapsesRetries(t *testing.T) {
	// GIVEN: an apply completed under key "pay-42"
	// WHEN: the same request is retried with the same key
	// THEN: the original entry comes back and the balance moves once
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	ctx := context.Background()

	req := ledger.ApplyRequest{
		AccountID:      acc.ID,
		Type:           ledger.EntrySalary,
		Amount:         1_000_000,
		Actor:          "test",
		IdempotencyKey: "pay-42",
	}

	first, err := svc.Apply(ctx, req)
	require.NoError(t, err)

	second, err := svc.Apply(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	balance, _ := svc.GetBalance(ctx, acc.ID)
	assert.EqualValues(t, 1_000_000, balance)

	entries, _ := svc.ListEntries(ctx, acc.ID, time.Time{}, time.Time{})
	assert.Len(t, entries, 1)
}

func TestApply_IdempotencyKeysScopedPerAccount(t *testing.T) {
	// The same key on two different accounts is two applications.
	svc, _ := newTestService()
	a := mustCreate(t, svc, ledger.KindStaffCompensation)
	b := mustCreate(t, svc, ledger.KindStaffCompensation)
	ctx := context.Background()

	_, err := svc.Apply(ctx, ledger.ApplyRequest{
		AccountID: a.ID, Type: ledger.EntrySalary, Amount: 100, Actor: "test",
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)
	_, err = svc.Apply(ctx, ledger.ApplyRequest{
		AccountID: b.ID, Type: ledger.EntrySalary, Amount: 100, Actor: "test",
		IdempotencyKey: "shared-key",
	})
	require.NoError(t, err)

	ba, _ := svc.GetBalance(ctx, a.ID)
	bb, _ := svc.GetBalance(ctx, b.ID)
	assert.EqualValues(t, 100, ba)
	assert.EqualValues(t, 100, bb)
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestApply_ConcurrentCreditsAllLand(t *testing.T) {
	// GIVEN: 100 goroutines crediting 10,000 each to one account
	// WHEN: they race the CAS on the account version
	// THEN: all 100 succeed and the final balance is exactly 1,000,000
	svc, _ := newTestService()
	svc.Retry = ledger.RetryConfig{
		MaxAttempts:    1000,
		InitialBackoff: 50 * time.Microsecond,
		MaxBackoff:     2 * time.Millisecond,
	}
	acc := mustCreate(t, svc, ledger.KindStaffCompensation)
	ctx := context.Background()

	const writers = 100
	var wg sync.WaitGroup
	errs := make(chan error, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Apply(ctx, ledger.ApplyRequest{
				AccountID: acc.ID,
				Type:      ledger.EntryIncome,
				Amount:    10_000,
				Actor:     "test",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}

	balance, err := svc.GetBalance(ctx, acc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1_000_000, balance)

	entries, _ := svc.ListEntries(ctx, acc.ID, time.Time{}, time.Time{})
	assert.Len(t, entries, writers)
}

func TestApply_IndependentAccountsDoNotContend(t *testing.T) {
	// Different accounts mutate in parallel with default (tight) retry
	// bounds; only same-account writers conflict.
	svc, _ := newTestService()
	ctx := context.Background()

	const accounts = 20
	ids := make([]ledger.AccountID, accounts)
	for i := range ids {
		ids[i] = mustCreate(t, svc, ledger.KindStaffCompensation).ID
	}

	var wg sync.WaitGroup
	errs := make(chan error, accounts)
	for _, id := range ids {
		wg.Add(1)
		go func(id ledger.AccountID) {
			defer wg.Done()
			_, err := svc.Apply(ctx, ledger.ApplyRequest{
				AccountID: id, Type: ledger.EntrySalary, Amount: 5_000, Actor: "test",
			})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	for _, id := range ids {
		b, _ := svc.GetBalance(ctx, id)
		assert.EqualValues(t, 5_000, b)
	}
}

// =============================================================================
// SUMMARY
// =============================================================================

func TestSummary_AggregatesCompletedOnly(t *testing.T) {
	svc, _ := newTestService()
	acc := mustCreate(t, svc, ledger.KindCashRegister)
	ctx := context.Background()

	apply(t, svc, acc.ID, ledger.EntryIncome, 800_000)
	apply(t, svc, acc.ID, ledger.EntryExpense, 300_000)
	apply(t, svc, acc.ID, ledger.EntryRefund, 50_000)

	// A rejected overdraft leaves a Failed entry that must not count.
	_, err := svc.Apply(ctx, ledger.ApplyRequest{
		AccountID: acc.ID, Type: ledger.EntryExpense, Amount: 900_000, Actor: "test",
	})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	sum, err := svc.Summary(ctx, acc.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 850_000, sum.TotalCredits)
	assert.EqualValues(t, 300_000, sum.TotalDebits)
	assert.EqualValues(t, 550_000, sum.Net)
	assert.EqualValues(t, 550_000, sum.Balance)
	assert.Equal(t, 3, sum.EntryCount)
}
