package ledger_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maktab/ledger-engine/ledger"
)

func TestEntryType_SignConvention(t *testing.T) {
	credits := []ledger.EntryType{
		ledger.EntrySalary, ledger.EntryBonus, ledger.EntryAccrual,
		ledger.EntryIncome, ledger.EntryPayment, ledger.EntryRefund,
	}
	debits := []ledger.EntryType{
		ledger.EntryDeduction, ledger.EntryAdvance, ledger.EntryFine,
		ledger.EntryExpense, ledger.EntryTransfer,
	}

	for _, typ := range credits {
		delta, err := typ.SignedAmount(100)
		require.NoError(t, err)
		assert.EqualValues(t, 100, delta, "credit type %s", typ)
	}
	for _, typ := range debits {
		delta, err := typ.SignedAmount(100)
		require.NoError(t, err)
		assert.EqualValues(t, -100, delta, "debit type %s", typ)
	}

	// Corrections pass the caller's sign through.
	for _, typ := range []ledger.EntryType{ledger.EntryAccrualCorrection, ledger.EntryReconciliationCorrection} {
		assert.True(t, typ.IsCorrection())
		delta, err := typ.SignedAmount(-250)
		require.NoError(t, err)
		assert.EqualValues(t, -250, delta)
	}

	_, err := ledger.EntryType("gift").SignedAmount(100)
	assert.ErrorIs(t, err, ledger.ErrInvalidEntryType)
	assert.False(t, ledger.EntryType("gift").Valid())
}

func TestDate_DaysInMonth(t *testing.T) {
	assert.Equal(t, 31, ledger.NewDate(2026, time.January, 1).DaysInMonth())
	assert.Equal(t, 28, ledger.NewDate(2026, time.February, 1).DaysInMonth())
	assert.Equal(t, 29, ledger.NewDate(2028, time.February, 1).DaysInMonth()) // leap year
	assert.Equal(t, 30, ledger.NewDate(2026, time.April, 1).DaysInMonth())
}

func TestDate_ParseAndString(t *testing.T) {
	d, err := ledger.ParseDate("2026-03-05")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewDate(2026, time.March, 5), d)
	assert.Equal(t, "2026-03-05", d.String())

	_, err = ledger.ParseDate("05.03.2026")
	assert.Error(t, err)
}

func TestDate_AddDaysCrossesMonths(t *testing.T) {
	d := ledger.NewDate(2026, time.January, 31)
	assert.Equal(t, ledger.NewDate(2026, time.February, 1), d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
}

func TestDefaultAllowNegative(t *testing.T) {
	assert.True(t, ledger.DefaultAllowNegative(ledger.KindStaffCompensation))
	assert.False(t, ledger.DefaultAllowNegative(ledger.KindCashRegister))
}
