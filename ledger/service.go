/*
service.go - The Balance Service: the only write path for balances

PROTOCOL (atomic with respect to other calls on the same account):
  1. Idempotency: if a Completed entry with the request's key already
     exists for the account, return it unchanged. No new mutation.
  2. Read the account; compute the signed delta from the entry type.
  3. Overdraft check: a delta that would drive a non-overdraftable
     account negative is rejected with InsufficientFunds. A Failed entry
     is recorded for audit; the balance is untouched.
  4. Atomically append the entry and swap the balance, guarded by a
     compare-and-swap on Account.Version.
  5. On a version conflict, retry with bounded exponential backoff +
     jitter; contention is not a caller error. Exhausted retries surface
     as a retryable ConflictError.

Different accounts are fully independent and mutate in parallel; the
CAS on the account row is the only serialization point.

WHY NOT A SAVE-HOOK:
  The platform this engine replaced mutated balances inside ORM save
  hooks, which double-applied changes when a hook fired on update
  instead of logical creation. Here "first application" is decided by
  an explicit idempotency key, never inferred from row state.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// =============================================================================
// REQUESTS
// =============================================================================

// ApplyRequest describes one balance change to apply.
// Amount is positive for regular types (the type determines the sign);
// correction types carry a signed Amount as-is.
type ApplyRequest struct {
	AccountID      AccountID
	Type           EntryType
	Amount         int64
	Actor          Actor
	IdempotencyKey string
	Note           string
	Reference      string
}

// RetryConfig bounds the internal conflict-retry loop.
type RetryConfig struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration // ceiling for the doubled interval
}

// DefaultRetry suits in-process CAS contention: conflicts resolve in
// microseconds, so backoff starts small.
var DefaultRetry = RetryConfig{
	MaxAttempts:    5,
	InitialBackoff: 5 * time.Millisecond,
	MaxBackoff:     250 * time.Millisecond,
}

// =============================================================================
// SERVICE
// =============================================================================

// Service applies balance changes. It is safe for concurrent use.
type Service struct {
	Store   Store
	Log     *zap.Logger
	Metrics *Metrics
	Retry   RetryConfig

	now   func() time.Time
	newID func() EntryID
}

// NewService creates a Service with default retry bounds.
// Pass zap.NewNop() when logging is not wanted.
func NewService(store Store, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Store: store,
		Log:   log,
		Retry: DefaultRetry,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() EntryID { return EntryID(uuid.NewString()) },
	}
}

// CreateAccount provisions a new account with balance 0.
// allowNegative nil means "use the conventional default for the kind".
func (s *Service) CreateAccount(ctx context.Context, kind AccountKind, allowNegative *bool) (Account, error) {
	if kind != KindStaffCompensation && kind != KindCashRegister {
		return Account{}, errors.New("unknown account kind: " + string(kind))
	}

	neg := DefaultAllowNegative(kind)
	if allowNegative != nil {
		neg = *allowNegative
	}

	acc := Account{
		ID:            AccountID(uuid.NewString()),
		Kind:          kind,
		AllowNegative: neg,
		CreatedAt:     s.now(),
	}
	if err := s.Store.CreateAccount(ctx, acc); err != nil {
		return Account{}, err
	}

	s.Log.Info("account created",
		zap.String("account_id", string(acc.ID)),
		zap.String("kind", string(acc.Kind)),
		zap.Bool("allow_negative", acc.AllowNegative))
	return acc, nil
}

// Apply performs one balance change. See the protocol at the top of this file.
func (s *Service) Apply(ctx context.Context, req ApplyRequest) (LedgerEntry, error) {
	start := s.now()

	if !req.Type.Valid() {
		return LedgerEntry{}, &InvalidEntryTypeError{Type: req.Type}
	}
	if req.Amount == 0 || (!req.Type.IsCorrection() && req.Amount < 0) {
		return LedgerEntry{}, ErrInvalidAmount
	}

	delta, err := req.Type.SignedAmount(req.Amount)
	if err != nil {
		return LedgerEntry{}, err
	}

	// Idempotence guarantee: a key that has already been applied returns
	// the original entry. Checked before any mutation.
	if req.IdempotencyKey != "" {
		prior, err := s.Store.FindByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
		if err != nil {
			return LedgerEntry{}, err
		}
		if prior != nil {
			s.Metrics.observeApply(req.Type, "idempotent", 0)
			return *prior, nil
		}
	}

	for attempt := 1; ; attempt++ {
		acc, err := s.Store.GetAccount(ctx, req.AccountID)
		if err != nil {
			return LedgerEntry{}, err
		}
		if acc.Archived {
			return LedgerEntry{}, ErrAccountArchived
		}

		newBalance := acc.Balance + delta
		if newBalance < 0 && !acc.AllowNegative {
			s.recordRejection(ctx, acc, req, delta)
			s.Metrics.observeApply(req.Type, "insufficient_funds", 0)
			return LedgerEntry{}, &InsufficientFundsError{
				AccountID: acc.ID,
				Balance:   acc.Balance,
				Requested: delta,
			}
		}

		entry := LedgerEntry{
			ID:              s.newID(),
			AccountID:       acc.ID,
			Type:            req.Type,
			SignedAmount:    delta,
			PreviousBalance: acc.Balance,
			NewBalance:      newBalance,
			Actor:           req.Actor,
			IdempotencyKey:  req.IdempotencyKey,
			Status:          StatusCompleted,
			Note:            req.Note,
			Reference:       req.Reference,
			CreatedAt:       s.now(),
		}

		err = s.Store.ApplyEntry(ctx, entry, acc.Version)
		switch {
		case err == nil:
			s.Metrics.observeApply(req.Type, "completed", s.now().Sub(start).Seconds())
			s.Log.Debug("entry applied",
				zap.String("account_id", string(acc.ID)),
				zap.String("entry_id", string(entry.ID)),
				zap.String("type", string(req.Type)),
				zap.Int64("delta", delta),
				zap.Int64("balance", newBalance))
			return entry, nil

		case errors.Is(err, ErrDuplicateIdempotencyKey):
			// Lost a race with a concurrent writer using the same key.
			// The idempotence contract still holds: return the winner.
			prior, ferr := s.Store.FindByIdempotencyKey(ctx, req.AccountID, req.IdempotencyKey)
			if ferr != nil {
				return LedgerEntry{}, ferr
			}
			if prior == nil {
				return LedgerEntry{}, err
			}
			s.Metrics.observeApply(req.Type, "idempotent", 0)
			return *prior, nil

		case errors.Is(err, ErrConcurrentModification):
			s.Metrics.observeConflict()
			if attempt >= s.retryAttempts() {
				s.Log.Warn("apply retries exhausted",
					zap.String("account_id", string(acc.ID)),
					zap.Int("attempts", attempt))
				return LedgerEntry{}, &ConflictError{AccountID: acc.ID, Attempts: attempt}
			}
			s.Metrics.observeRetry()
			if err := s.backoff(ctx, attempt); err != nil {
				return LedgerEntry{}, err
			}

		default:
			return LedgerEntry{}, err
		}
	}
}

// GetBalance returns the current stored balance.
func (s *Service) GetBalance(ctx context.Context, id AccountID) (int64, error) {
	acc, err := s.Store.GetAccount(ctx, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

// ListEntries returns the account's entries in creation order.
// Zero since/until bounds are open.
func (s *Service) ListEntries(ctx context.Context, id AccountID, since, until time.Time) ([]LedgerEntry, error) {
	if _, err := s.Store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	if since.IsZero() && until.IsZero() {
		return s.Store.Entries(ctx, id)
	}
	return s.Store.EntriesInRange(ctx, id, since, until)
}

// BalanceSummary aggregates an account's completed history.
type BalanceSummary struct {
	AccountID    AccountID
	Balance      int64
	TotalCredits int64
	TotalDebits  int64 // positive magnitude
	Net          int64
	EntryCount   int
}

// Summary computes credit/debit totals for statements and statistics.
func (s *Service) Summary(ctx context.Context, id AccountID) (BalanceSummary, error) {
	acc, err := s.Store.GetAccount(ctx, id)
	if err != nil {
		return BalanceSummary{}, err
	}
	entries, err := s.Store.Entries(ctx, id)
	if err != nil {
		return BalanceSummary{}, err
	}

	sum := BalanceSummary{AccountID: id, Balance: acc.Balance}
	for _, e := range entries {
		if e.Status != StatusCompleted {
			continue
		}
		sum.EntryCount++
		if e.SignedAmount >= 0 {
			sum.TotalCredits += e.SignedAmount
		} else {
			sum.TotalDebits += -e.SignedAmount
		}
	}
	sum.Net = sum.TotalCredits - sum.TotalDebits
	return sum, nil
}

// recordRejection writes the Failed audit entry for an overdraft refusal.
// Failed entries carry a zero delta so the per-entry invariant holds.
func (s *Service) recordRejection(ctx context.Context, acc Account, req ApplyRequest, delta int64) {
	failed := LedgerEntry{
		ID:              s.newID(),
		AccountID:       acc.ID,
		Type:            req.Type,
		SignedAmount:    0,
		PreviousBalance: acc.Balance,
		NewBalance:      acc.Balance,
		Actor:           req.Actor,
		Status:          StatusFailed,
		Note:            fmt.Sprintf("rejected: insufficient funds (attempted delta %d)", delta),
		Reference:       req.Reference,
		CreatedAt:       s.now(),
	}
	if err := s.Store.RecordFailed(ctx, failed); err != nil {
		// The rejection itself already propagates to the caller; losing
		// the audit row is log-worthy but must not mask it.
		s.Log.Error("failed to record rejection",
			zap.String("account_id", string(acc.ID)), zap.Error(err))
	}
}

func (s *Service) retryAttempts() int {
	if s.Retry.MaxAttempts > 0 {
		return s.Retry.MaxAttempts
	}
	return DefaultRetry.MaxAttempts
}

// backoff sleeps for an exponentially growing interval with jitter.
// Respects context cancellation.
func (s *Service) backoff(ctx context.Context, attempt int) error {
	initial := s.Retry.InitialBackoff
	if initial <= 0 {
		initial = DefaultRetry.InitialBackoff
	}
	max := s.Retry.MaxBackoff
	if max <= 0 {
		max = DefaultRetry.MaxBackoff
	}

	wait := initial << (attempt - 1)
	if wait <= 0 || wait > max {
		// <= 0 catches shift overflow on deep retry loops
		wait = max
	}
	wait += time.Duration(rand.Int63n(int64(wait)/2 + 1))

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(wait):
		return nil
	}
}
