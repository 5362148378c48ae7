/*
accrual.go - Daily pro-rated salary accrual

PROTOCOL:
  Once per calendar day, every active monthly-salaried staff account is
  credited monthly_salary / days_in_month, truncating division, the same
  rounding for every account in the run so sums stay consistent.

GUARANTEES:
  (a) No account is credited twice for the same day even if the runner
      is invoked multiple times: the per-account idempotency key is
      accrual:{account_id}:{date}, and a Completed run for the date
      short-circuits the whole batch.
  (b) A failure on one account never blocks accrual for the rest of the
      organization: per-account failures are counted and the run
      continues (partial-failure semantics).
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SalariedAccount pairs a staff compensation account with its monthly
// salary figure, as supplied by the external configuration source.
type SalariedAccount struct {
	AccountID     AccountID
	MonthlySalary int64 // so'm per month
}

// SalarySource supplies salary configuration. The ledger does not own
// salary data; the platform's HR layer implements this.
type SalarySource interface {
	// ListActiveSalaried returns every active monthly-salaried staff
	// account eligible for accrual on the given date.
	ListActiveSalaried(ctx context.Context, date Date) ([]SalariedAccount, error)
}

// DailyAccrual returns the pro-rated daily amount for a monthly salary
// on the given date. Truncating division: a 3,100,000 salary in a
// 31-day month accrues exactly 100,000 per day.
func DailyAccrual(monthlySalary int64, date Date) int64 {
	if monthlySalary <= 0 {
		return 0
	}
	days := decimal.NewFromInt(int64(date.DaysInMonth()))
	return decimal.NewFromInt(monthlySalary).Div(days).IntPart()
}

// AccrualKey is the deterministic idempotency key for one account-day.
func AccrualKey(id AccountID, date Date) string {
	return fmt.Sprintf("accrual:%s:%s", id, date)
}

// StaticSalaries is a fixed SalarySource, used when salary configuration
// comes from a config file rather than a live HR system.
type StaticSalaries []SalariedAccount

func (s StaticSalaries) ListActiveSalaried(_ context.Context, _ Date) ([]SalariedAccount, error) {
	return s, nil
}

// =============================================================================
// RUNNER
// =============================================================================

// AccrualRunner applies one day's accrual to every eligible account.
// It is just a Balance Service caller and inherits its serialization
// guarantees; it introduces no shared state of its own.
type AccrualRunner struct {
	Service  *Service
	Salaries SalarySource
	Log      *zap.Logger
}

func NewAccrualRunner(svc *Service, salaries SalarySource, log *zap.Logger) *AccrualRunner {
	if log == nil {
		log = zap.NewNop()
	}
	return &AccrualRunner{Service: svc, Salaries: salaries, Log: log}
}

// Run executes the accrual batch for a date. If a Completed run already
// exists for the date, the existing run is returned unchanged (idempotent
// no-op) unless force is set for an explicit backfill.
func (r *AccrualRunner) Run(ctx context.Context, date Date, force bool) (AccrualRun, error) {
	if date.IsZero() {
		date = Today()
	}

	existing, err := r.Service.Store.GetCompletedRun(ctx, date)
	if err != nil {
		return AccrualRun{}, err
	}
	if existing != nil && !force {
		r.Log.Info("accrual already completed, skipping",
			zap.String("run_date", date.String()))
		return *existing, nil
	}

	accounts, err := r.Salaries.ListActiveSalaried(ctx, date)
	if err != nil {
		return AccrualRun{}, fmt.Errorf("listing salaried accounts: %w", err)
	}

	run := AccrualRun{
		ID:        uuid.NewString(),
		RunDate:   date,
		Status:    RunRunning,
		StartedAt: r.Service.now(),
	}
	if existing != nil {
		// Forced backfill updates the existing run record in place; the
		// store enforces at most one Completed run per date.
		run.ID = existing.ID
	}
	if err := r.Service.Store.SaveRun(ctx, run); err != nil {
		return AccrualRun{}, fmt.Errorf("saving run record: %w", err)
	}

	for _, sa := range accounts {
		amount := DailyAccrual(sa.MonthlySalary, date)
		if amount == 0 {
			continue
		}

		entry, err := r.Service.Apply(ctx, ApplyRequest{
			AccountID:      sa.AccountID,
			Type:           EntryAccrual,
			Amount:         amount,
			Actor:          System,
			IdempotencyKey: AccrualKey(sa.AccountID, date),
			Note:           fmt.Sprintf("daily salary accrual for %s", date),
		})
		if err != nil {
			// Partial failure: record it and keep going. A transient
			// conflict that exhausted retries here will be credited by
			// the next invocation thanks to the idempotency key.
			run.AccountsFailed++
			r.Log.Warn("accrual failed for account",
				zap.String("account_id", string(sa.AccountID)),
				zap.String("run_date", date.String()),
				zap.Error(err))
			continue
		}

		run.AccountsProcessed++
		run.TotalAmount += entry.SignedAmount
	}

	completed := r.Service.now()
	run.Status = RunCompleted
	run.CompletedAt = &completed
	if err := r.Service.Store.SaveRun(ctx, run); err != nil {
		return AccrualRun{}, fmt.Errorf("completing run record: %w", err)
	}

	r.Service.Metrics.observeAccrual("processed", run.AccountsProcessed)
	r.Service.Metrics.observeAccrual("failed", run.AccountsFailed)
	r.Log.Info("accrual run completed",
		zap.String("run_date", date.String()),
		zap.Int("processed", run.AccountsProcessed),
		zap.Int("failed", run.AccountsFailed),
		zap.Int64("total_amount", run.TotalAmount))

	return run, nil
}
