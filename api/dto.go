/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Request types carry go-playground/validator struct tags. Handlers run
  the validator before touching domain logic, so malformed input never
  reaches the service.
*/
package api

import (
	"time"

	"github.com/maktab/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest is the request to provision an account.
type CreateAccountRequest struct {
	Kind          string `json:"kind" validate:"required,oneof=staff_compensation cash_register"`
	AllowNegative *bool  `json:"allow_negative,omitempty"`
}

// ApplyEntryRequest is the request to apply one balance change.
// Amount is positive for regular types; correction types carry a signed
// amount as-is.
type ApplyEntryRequest struct {
	Type           string `json:"type" validate:"required"`
	Amount         int64  `json:"amount" validate:"required"`
	IdempotencyKey string `json:"idempotency_key,omitempty" validate:"omitempty,max=255"`
	Note           string `json:"note,omitempty" validate:"omitempty,max=1024"`
	Reference      string `json:"reference,omitempty" validate:"omitempty,max=255"`
}

// AccrualRunRequest triggers a daily accrual batch.
type AccrualRunRequest struct {
	Date  string `json:"date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Force bool   `json:"force,omitempty"`
}

// ReconcileRequest triggers reconciliation for one account or all.
type ReconcileRequest struct {
	AccountID string `json:"account_id,omitempty"`
	All       bool   `json:"all,omitempty"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID            string `json:"id"`
	Kind          string `json:"kind"`
	Balance       int64  `json:"balance"`
	AllowNegative bool   `json:"allow_negative"`
	Version       int64  `json:"version"`
	Archived      bool   `json:"archived"`
	CreatedAt     string `json:"created_at"`
}

// EntryDTO represents a ledger entry.
type EntryDTO struct {
	ID              string `json:"id"`
	AccountID       string `json:"account_id"`
	Type            string `json:"type"`
	SignedAmount    int64  `json:"signed_amount"`
	PreviousBalance int64  `json:"previous_balance"`
	NewBalance      int64  `json:"new_balance"`
	Actor           string `json:"actor"`
	IdempotencyKey  string `json:"idempotency_key,omitempty"`
	Status          string `json:"status"`
	Note            string `json:"note,omitempty"`
	Reference       string `json:"reference,omitempty"`
	CreatedAt       string `json:"created_at"`
}

// BalanceDTO is the current balance of an account.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
	AsOf      string `json:"as_of"`
}

// SummaryDTO aggregates an account's completed history.
type SummaryDTO struct {
	AccountID    string `json:"account_id"`
	Balance      int64  `json:"balance"`
	TotalCredits int64  `json:"total_credits"`
	TotalDebits  int64  `json:"total_debits"`
	Net          int64  `json:"net"`
	EntryCount   int    `json:"entry_count"`
}

// AccrualRunDTO is the record of one accrual batch.
type AccrualRunDTO struct {
	ID                string `json:"id"`
	RunDate           string `json:"run_date"`
	Status            string `json:"status"`
	AccountsProcessed int    `json:"accounts_processed"`
	AccountsFailed    int    `json:"accounts_failed"`
	TotalAmount       int64  `json:"total_amount"`
	StartedAt         string `json:"started_at"`
	CompletedAt       string `json:"completed_at,omitempty"`
}

// ChainGapDTO reports a break in the previous/new balance chain.
type ChainGapDTO struct {
	EntryID  string `json:"entry_id"`
	Expected int64  `json:"expected"`
	Found    int64  `json:"found"`
}

// ReconcileReportDTO is the outcome of reconciling one account.
type ReconcileReportDTO struct {
	AccountID       string        `json:"account_id"`
	StoredBalance   int64         `json:"stored_balance"`
	ExpectedBalance int64         `json:"expected_balance"`
	Drift           int64         `json:"drift"`
	Consistent      bool          `json:"consistent"`
	Gaps            []ChainGapDTO `json:"gaps,omitempty"`
	CorrectionID    string        `json:"correction_id,omitempty"`
	EntriesReplayed int           `json:"entries_replayed"`
}

// PendingDTO is the state of a queued apply request.
type PendingDTO struct {
	ID         string `json:"id"`
	AccountID  string `json:"account_id"`
	Type       string `json:"type"`
	Amount     int64  `json:"amount"`
	Status     string `json:"status"`
	EntryID    string `json:"entry_id,omitempty"`
	Error      string `json:"error,omitempty"`
	EnqueuedAt string `json:"enqueued_at"`
	FinishedAt string `json:"finished_at,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toAccountDTO(acc ledger.Account) AccountDTO {
	return AccountDTO{
		ID:            string(acc.ID),
		Kind:          string(acc.Kind),
		Balance:       acc.Balance,
		AllowNegative: acc.AllowNegative,
		Version:       acc.Version,
		Archived:      acc.Archived,
		CreatedAt:     acc.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e ledger.LedgerEntry) EntryDTO {
	return EntryDTO{
		ID:              string(e.ID),
		AccountID:       string(e.AccountID),
		Type:            string(e.Type),
		SignedAmount:    e.SignedAmount,
		PreviousBalance: e.PreviousBalance,
		NewBalance:      e.NewBalance,
		Actor:           string(e.Actor),
		IdempotencyKey:  e.IdempotencyKey,
		Status:          string(e.Status),
		Note:            e.Note,
		Reference:       e.Reference,
		CreatedAt:       e.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTOs(entries []ledger.LedgerEntry) []EntryDTO {
	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	return dtos
}

func toRunDTO(run ledger.AccrualRun) AccrualRunDTO {
	dto := AccrualRunDTO{
		ID:                run.ID,
		RunDate:           run.RunDate.String(),
		Status:            string(run.Status),
		AccountsProcessed: run.AccountsProcessed,
		AccountsFailed:    run.AccountsFailed,
		TotalAmount:       run.TotalAmount,
		StartedAt:         run.StartedAt.Format(time.RFC3339),
	}
	if run.CompletedAt != nil {
		dto.CompletedAt = run.CompletedAt.Format(time.RFC3339)
	}
	return dto
}

func toReportDTO(r ledger.Report) ReconcileReportDTO {
	dto := ReconcileReportDTO{
		AccountID:       string(r.AccountID),
		StoredBalance:   r.StoredBalance,
		ExpectedBalance: r.ExpectedBalance,
		Drift:           r.Drift,
		Consistent:      r.Consistent,
		CorrectionID:    string(r.CorrectionID),
		EntriesReplayed: r.EntriesReplayed,
	}
	for _, g := range r.Gaps {
		dto.Gaps = append(dto.Gaps, ChainGapDTO{
			EntryID:  string(g.EntryID),
			Expected: g.Expected,
			Found:    g.Found,
		})
	}
	return dto
}

func toPendingDTO(p ledger.PendingRequest) PendingDTO {
	dto := PendingDTO{
		ID:         string(p.ID),
		AccountID:  string(p.Request.AccountID),
		Type:       string(p.Request.Type),
		Amount:     p.Request.Amount,
		Status:     string(p.Status),
		EntryID:    string(p.EntryID),
		Error:      p.Err,
		EnqueuedAt: p.EnqueuedAt.Format(time.RFC3339),
	}
	if p.FinishedAt != nil {
		dto.FinishedAt = p.FinishedAt.Format(time.RFC3339)
	}
	return dto
}
