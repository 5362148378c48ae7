/*
reconcile.go - Drift detection and self-healing correction

This exists because the platform this engine replaced accumulated drift
from balance writes that bypassed the ledger (direct field mutations in
model hooks). Reconciliation replays the full history, compares against
the stored balance, and — when they diverge — appends exactly one
reconciliation_correction entry through the Balance Service. The stored
balance is never overwritten silently; every correction is itself an
auditable entry.

REPLAY SEMANTICS:
  The expected balance is the chain replay of Completed entries: each
  entry ends at its own NewBalance, so the expected value is the last
  Completed entry's NewBalance (0 for an empty history). A gap where an
  entry's PreviousBalance does not equal the running balance is evidence
  of a historical bypass write; gaps are reported as anomalies so the
  operator can investigate, while the correction re-anchors the stored
  balance to the chain. A second reconcile after a correction always
  reports consistent.
*/
package ledger

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ChainGap records a break in the previous/new balance chain.
type ChainGap struct {
	EntryID  EntryID
	Expected int64 // running balance before the entry
	Found    int64 // the entry's PreviousBalance snapshot
}

// Report is the outcome of reconciling one account.
type Report struct {
	AccountID       AccountID
	StoredBalance   int64
	ExpectedBalance int64
	Drift           int64 // stored - expected; zero means consistent
	Consistent      bool
	Gaps            []ChainGap
	CorrectionID    EntryID // set when a correction entry was applied
	EntriesReplayed int
}

// Reconciler recomputes balances from ledger history. It reads the
// stores but writes only corrective entries through the Service.
type Reconciler struct {
	Service *Service
	Log     *zap.Logger

	// MaxParallel bounds ReconcileAll fan-out. Accounts are independent,
	// so reconciling them concurrently is safe.
	MaxParallel int
}

func NewReconciler(svc *Service, log *zap.Logger) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{Service: svc, Log: log, MaxParallel: 4}
}

// Reconcile replays one account's history and corrects drift.
func (r *Reconciler) Reconcile(ctx context.Context, id AccountID) (Report, error) {
	acc, err := r.Service.Store.GetAccount(ctx, id)
	if err != nil {
		return Report{}, err
	}
	entries, err := r.Service.Store.Entries(ctx, id)
	if err != nil {
		return Report{}, err
	}

	report := Report{AccountID: id, StoredBalance: acc.Balance}

	var running int64
	for _, e := range entries {
		if e.Status != StatusCompleted {
			continue
		}
		report.EntriesReplayed++
		if e.PreviousBalance != running {
			report.Gaps = append(report.Gaps, ChainGap{
				EntryID:  e.ID,
				Expected: running,
				Found:    e.PreviousBalance,
			})
		}
		running = e.NewBalance
	}
	report.ExpectedBalance = running
	report.Drift = acc.Balance - running

	if report.Drift == 0 {
		report.Consistent = true
		return report, nil
	}

	r.Log.Warn("balance drift detected",
		zap.String("account_id", string(id)),
		zap.Int64("stored", acc.Balance),
		zap.Int64("expected", running),
		zap.Int64("drift", report.Drift),
		zap.Int("chain_gaps", len(report.Gaps)))

	// One compensating entry for the difference. Applying it moves the
	// stored balance to expected and ends the chain at the same value,
	// so the next reconcile is a no-op.
	entry, err := r.Service.Apply(ctx, ApplyRequest{
		AccountID: id,
		Type:      EntryReconciliationCorrection,
		Amount:    -report.Drift,
		Actor:     System,
		Note:      "reconciliation: correcting drift between stored balance and ledger history",
	})
	if err != nil {
		return report, err
	}
	report.CorrectionID = entry.ID

	return report, nil
}

// ReconcileAll reconciles every non-archived account of both kinds with
// bounded parallelism. Reports come back in no particular order.
func (r *Reconciler) ReconcileAll(ctx context.Context) ([]Report, error) {
	var all []Account
	for _, kind := range []AccountKind{KindStaffCompensation, KindCashRegister} {
		accounts, err := r.Service.Store.ListAccountsByKind(ctx, kind)
		if err != nil {
			return nil, err
		}
		all = append(all, accounts...)
	}

	reports := make([]Report, len(all))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxParallel())

	for i, acc := range all {
		i, acc := i, acc
		g.Go(func() error {
			report, err := r.Reconcile(ctx, acc.ID)
			if err != nil {
				return err
			}
			reports[i] = report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return reports, nil
}

func (r *Reconciler) maxParallel() int {
	if r.MaxParallel > 0 {
		return r.MaxParallel
	}
	return 1
}
