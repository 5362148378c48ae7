/*
Package ledger provides the balance/ledger engine for staff compensation
and cash-register accounting.

PURPOSE:
  This package contains the account model, the append-only entry ledger,
  the balance service (the single write path for balances), the daily
  salary accrual runner, and the reconciliation engine.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: an entity with one authoritative balance (staff or cash register)
  - LedgerEntry: an immutable, signed record of one balance change
  - EntryType: the business meaning of an entry; determines the sign convention
  - AccrualRun: the record of one daily salary accrual batch
  - Date: a calendar day (accrual runs and idempotency keys are day-scoped)

DESIGN PRINCIPLES:
  1. Immutability: entries are never modified, only compensated
  2. Single write path: only the Service mutates Account.Balance
  3. Whole units: amounts are int64 so'm; there are no fractional units
  4. Auditability: every entry snapshots previous and new balance

SEE ALSO:
  - service.go: the transaction-application protocol
  - accrual.go: daily pro-rated salary accrual
  - reconcile.go: drift detection and correction
*/
package ledger

import (
	"time"
)

// =============================================================================
// ACCOUNT - Entity with a single authoritative balance
// =============================================================================

type AccountID string

type AccountKind string

const (
	// KindStaffCompensation is a staff member's compensation account.
	// May go negative (debt/advance states).
	KindStaffCompensation AccountKind = "staff_compensation"

	// KindCashRegister is a point-of-sale cash register account.
	// Must not be driven negative by expense-type entries.
	KindCashRegister AccountKind = "cash_register"
)

// Account holds the current balance and concurrency metadata.
// Balance and Version are written only by the Service; every other
// component treats them as read-only.
type Account struct {
	ID            AccountID
	Kind          AccountKind
	Balance       int64 // so'm, smallest (whole) currency unit
	AllowNegative bool
	Version       int64 // bumped on every balance mutation; CAS token
	Archived      bool  // soft-archive; accounts with history are never deleted
	CreatedAt     time.Time
}

// DefaultAllowNegative returns the conventional overdraft policy for a kind.
// This is a policy default, not a hardcoded rule: callers may override it
// per account at creation time.
func DefaultAllowNegative(kind AccountKind) bool {
	return kind == KindStaffCompensation
}

// =============================================================================
// ENTRY TYPES - Sign convention is fixed at creation time
// =============================================================================

type EntryType string

const (
	EntrySalary  EntryType = "salary"
	EntryBonus   EntryType = "bonus"
	EntryAccrual EntryType = "accrual"
	EntryIncome  EntryType = "income"
	EntryPayment EntryType = "payment"
	EntryRefund  EntryType = "refund"

	EntryDeduction EntryType = "deduction"
	EntryAdvance   EntryType = "advance"
	EntryFine      EntryType = "fine"
	EntryExpense   EntryType = "expense"
	EntryTransfer  EntryType = "transfer"

	// Correction types carry a caller-signed delta instead of a sign
	// derived from the type. Only the accrual runner and the reconciler
	// create these, with Actor = System.
	EntryAccrualCorrection        EntryType = "accrual_correction"
	EntryReconciliationCorrection EntryType = "reconciliation_correction"
)

var creditTypes = map[EntryType]bool{
	EntrySalary:  true,
	EntryBonus:   true,
	EntryAccrual: true,
	EntryIncome:  true,
	EntryPayment: true,
	EntryRefund:  true,
}

var debitTypes = map[EntryType]bool{
	EntryDeduction: true,
	EntryAdvance:   true,
	EntryFine:      true,
	EntryExpense:   true,
	EntryTransfer:  true,
}

// IsCorrection reports whether t carries a caller-signed delta.
func (t EntryType) IsCorrection() bool {
	return t == EntryAccrualCorrection || t == EntryReconciliationCorrection
}

// Valid reports whether t is a known entry type.
func (t EntryType) Valid() bool {
	return creditTypes[t] || debitTypes[t] || t.IsCorrection()
}

// SignedAmount converts a request amount into the applied delta.
// Credit types are positive, debit types negative; correction types
// pass the amount through unchanged (it is already signed).
func (t EntryType) SignedAmount(amount int64) (int64, error) {
	switch {
	case creditTypes[t]:
		return amount, nil
	case debitTypes[t]:
		return -amount, nil
	case t.IsCorrection():
		return amount, nil
	default:
		return 0, &InvalidEntryTypeError{Type: t}
	}
}

// =============================================================================
// LEDGER ENTRY - Immutable once created
// =============================================================================

type EntryID string

type EntryStatus string

const (
	// StatusCompleted entries changed the balance and count toward it.
	StatusCompleted EntryStatus = "completed"

	// StatusFailed entries never changed the balance. They are recorded
	// for audit (e.g. rejected overdrafts) and carry a zero delta.
	StatusFailed EntryStatus = "failed"
)

// Actor identifies who originated an entry. The engine trusts the
// identity context supplied by the caller and performs no authorization.
type Actor string

// System is the sentinel actor for scheduler- and reconciler-generated entries.
const System Actor = "system"

// LedgerEntry is one applied (or rejected) balance change.
//
// INVARIANT: NewBalance = PreviousBalance + SignedAmount, always.
// For Failed entries SignedAmount is zero and Previous == New.
type LedgerEntry struct {
	ID              EntryID
	AccountID       AccountID
	Type            EntryType
	SignedAmount    int64
	PreviousBalance int64
	NewBalance      int64
	Actor           Actor
	IdempotencyKey  string // optional; unique per account when present
	Status          EntryStatus
	Note            string // human-readable description
	Reference       string // optional external reference (payment id, invoice #)
	CreatedAt       time.Time
}

// =============================================================================
// ACCRUAL RUN - One daily batch of pro-rated salary credits
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// AccrualRun records one invocation of the daily accrual batch.
// At most one Completed run exists per RunDate; reruns for the same
// date are no-ops unless explicitly forced for backfill.
type AccrualRun struct {
	ID                string
	RunDate           Date
	Status            RunStatus
	AccountsProcessed int
	AccountsFailed    int
	TotalAmount       int64
	StartedAt         time.Time
	CompletedAt       *time.Time
}

// =============================================================================
// DATE - Calendar day
// =============================================================================

// Date is a calendar day in UTC. Accrual runs and their idempotency keys
// are keyed by Date, never by wall-clock instants.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func NewDate(year int, month time.Month, day int) Date {
	return Date{Year: year, Month: month, Day: day}
}

func DateOf(t time.Time) Date {
	t = t.UTC()
	return Date{Year: t.Year(), Month: t.Month(), Day: t.Day()}
}

func Today() Date { return DateOf(time.Now()) }

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// DaysInMonth returns the number of calendar days in d's month.
func (d Date) DaysInMonth() int {
	return time.Date(d.Year, d.Month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func (d Date) AddDays(n int) Date { return DateOf(d.Time().AddDate(0, 0, n)) }

func (d Date) Before(other Date) bool { return d.Time().Before(other.Time()) }
func (d Date) Equal(other Date) bool  { return d == other }
func (d Date) IsZero() bool           { return d == Date{} }

func (d Date) String() string { return d.Time().Format("2006-01-02") }

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}
