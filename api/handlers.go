/*
handlers.go - HTTP API handlers for the balance/ledger engine

PURPOSE:
  Exposes the ledger engine via REST API. Handles HTTP request/response,
  JSON serialization, input validation, and delegates to domain logic.

ENDPOINTS:
  Accounts:
    POST   /api/accounts                     Create account
    GET    /api/accounts?kind=...            List accounts by kind
    GET    /api/accounts/{id}                Get account
    DELETE /api/accounts/{id}                Soft-archive account
    GET    /api/accounts/{id}/balance        Current balance
    GET    /api/accounts/{id}/summary        Credit/debit summary
    GET    /api/accounts/{id}/entries        Entry history (since/until)
    POST   /api/accounts/{id}/entries        Apply an entry (synchronous)

  Queue:
    POST   /api/queue/entries                Queued apply (202 + pending id)
    GET    /api/queue/entries/{id}           Pending request state
    DELETE /api/queue/entries/{id}           Cancel before claim

  Accrual:
    POST   /api/accrual/run                  Trigger daily accrual batch
    GET    /api/accrual/runs                 Run history

  Reconciliation:
    POST   /api/reconciliation/run           Reconcile one account or all
    GET    /api/reconciliation/reports       Reports from the last run

REQUEST FLOW:
  1. Parse HTTP request
  2. Validate input (go-playground/validator)
  3. Call domain logic (service, runner, reconciler, queue)
  4. Serialize response
  5. Map domain errors to HTTP status

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, invalid input, business-rule rejections
  - 404: Account or pending request not found
  - 409: Contention exhausted, cancel after claim
  - 503: Queue at capacity
  - 500: Internal errors

IDENTITY:
  The engine trusts caller identity. The X-Actor header names the actor
  recorded on entries; absent, "api" is used.
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/maktab/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Service    *ledger.Service
	Runner     *ledger.AccrualRunner
	Reconciler *ledger.Reconciler
	Queue      *ledger.Queue
	Log        *zap.Logger

	validate *validator.Validate

	// Reports from the most recent reconciliation run, for the
	// /api/reconciliation/reports endpoint.
	mu          sync.Mutex
	lastReports []ledger.Report
}

// NewHandler creates a handler with all engine components wired in.
func NewHandler(svc *ledger.Service, runner *ledger.AccrualRunner, rec *ledger.Reconciler, queue *ledger.Queue, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		Service:    svc,
		Runner:     runner,
		Reconciler: rec,
		Queue:      queue,
		Log:        log,
		validate:   validator.New(),
	}
}

func actorFrom(r *http.Request) ledger.Actor {
	if a := r.Header.Get("X-Actor"); a != "" {
		return ledger.Actor(a)
	}
	return ledger.Actor("api")
}

// =============================================================================
// ACCOUNT HANDLERS
// =============================================================================

// CreateAccount provisions a new account with balance 0.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	acc, err := h.Service.CreateAccount(r.Context(), ledger.AccountKind(req.Kind), req.AllowNegative)
	if err != nil {
		h.writeDomainError(w, "Failed to create account", err)
		return
	}

	writeJSON(w, http.StatusCreated, toAccountDTO(acc))
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	acc, err := h.Service.Store.GetAccount(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get account", err)
		return
	}

	writeJSON(w, http.StatusOK, toAccountDTO(acc))
}

// ListAccounts returns non-archived accounts of a kind.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	kind := ledger.AccountKind(r.URL.Query().Get("kind"))
	if kind == "" {
		kind = ledger.KindStaffCompensation
	}

	accounts, err := h.Service.Store.ListAccountsByKind(r.Context(), kind)
	if err != nil {
		h.writeDomainError(w, "Failed to list accounts", err)
		return
	}

	dtos := make([]AccountDTO, len(accounts))
	for i, acc := range accounts {
		dtos[i] = toAccountDTO(acc)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ArchiveAccount soft-archives an account. History is preserved.
func (h *Handler) ArchiveAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	if err := h.Service.Store.ArchiveAccount(r.Context(), id); err != nil {
		h.writeDomainError(w, "Failed to archive account", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "archived"})
}

// =============================================================================
// BALANCE AND ENTRY HANDLERS
// =============================================================================

// GetBalance returns the current stored balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	balance, err := h.Service.GetBalance(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Balance:   balance,
		AsOf:      time.Now().UTC().Format(time.RFC3339),
	})
}

// GetSummary returns credit/debit totals for statements.
func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	sum, err := h.Service.Summary(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, "Failed to compute summary", err)
		return
	}

	writeJSON(w, http.StatusOK, SummaryDTO{
		AccountID:    string(sum.AccountID),
		Balance:      sum.Balance,
		TotalCredits: sum.TotalCredits,
		TotalDebits:  sum.TotalDebits,
		Net:          sum.Net,
		EntryCount:   sum.EntryCount,
	})
}

// ListEntries returns the account's entry history.
// Optional since/until query params (YYYY-MM-DD) bound the range;
// since is inclusive, until exclusive.
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var since, until time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := ledger.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid since date (use YYYY-MM-DD)", err)
			return
		}
		since = d.Time()
	}
	if s := r.URL.Query().Get("until"); s != "" {
		d, err := ledger.ParseDate(s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid until date (use YYYY-MM-DD)", err)
			return
		}
		until = d.Time()
	}

	entries, err := h.Service.ListEntries(r.Context(), id, since, until)
	if err != nil {
		h.writeDomainError(w, "Failed to list entries", err)
		return
	}

	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// ApplyEntry applies one balance change synchronously.
func (h *Handler) ApplyEntry(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req ApplyEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	entry, err := h.Service.Apply(r.Context(), ledger.ApplyRequest{
		AccountID:      id,
		Type:           ledger.EntryType(req.Type),
		Amount:         req.Amount,
		Actor:          actorFrom(r),
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
		Reference:      req.Reference,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to apply entry", err)
		return
	}

	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// =============================================================================
// QUEUE HANDLERS
// =============================================================================

// EnqueueEntry accepts an apply request for asynchronous processing.
type enqueueRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	ApplyEntryRequest
}

func (h *Handler) EnqueueEntry(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "Validation failed", err)
		return
	}

	id, err := h.Queue.Enqueue(ledger.ApplyRequest{
		AccountID:      ledger.AccountID(req.AccountID),
		Type:           ledger.EntryType(req.Type),
		Amount:         req.Amount,
		Actor:          actorFrom(r),
		IdempotencyKey: req.IdempotencyKey,
		Note:           req.Note,
		Reference:      req.Reference,
	})
	if err != nil {
		h.writeDomainError(w, "Failed to enqueue entry", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"pending_id": string(id),
		"status":     string(ledger.PendingQueued),
	})
}

// GetPending returns the state of a queued request.
func (h *Handler) GetPending(w http.ResponseWriter, r *http.Request) {
	id := ledger.PendingID(chi.URLParam(r, "id"))

	p, err := h.Queue.Get(id)
	if err != nil {
		h.writeDomainError(w, "Failed to get pending request", err)
		return
	}

	writeJSON(w, http.StatusOK, toPendingDTO(p))
}

// CancelPending cancels a queued request before a worker claims it.
func (h *Handler) CancelPending(w http.ResponseWriter, r *http.Request) {
	id := ledger.PendingID(chi.URLParam(r, "id"))

	if err := h.Queue.Cancel(id); err != nil {
		h.writeDomainError(w, "Failed to cancel pending request", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// =============================================================================
// ACCRUAL HANDLERS
// =============================================================================

// RunAccrual triggers the daily accrual batch for a date (default today).
func (h *Handler) RunAccrual(w http.ResponseWriter, r *http.Request) {
	var req AccrualRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		if err := h.validate.Struct(req); err != nil {
			writeError(w, http.StatusBadRequest, "Validation failed", err)
			return
		}
	}

	var date ledger.Date
	if req.Date != "" {
		date, _ = ledger.ParseDate(req.Date)
	}

	run, err := h.Runner.Run(r.Context(), date, req.Force)
	if err != nil {
		h.writeDomainError(w, "Accrual run failed", err)
		return
	}

	writeJSON(w, http.StatusOK, toRunDTO(run))
}

// ListAccrualRuns returns accrual run history, most recent first.
func (h *Handler) ListAccrualRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.Service.Store.ListRuns(r.Context())
	if err != nil {
		h.writeDomainError(w, "Failed to list accrual runs", err)
		return
	}

	dtos := make([]AccrualRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// RECONCILIATION HANDLERS
// =============================================================================

// RunReconciliation reconciles one account or every account.
func (h *Handler) RunReconciliation(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	var reports []ledger.Report
	var err error

	if req.AccountID != "" {
		var report ledger.Report
		report, err = h.Reconciler.Reconcile(r.Context(), ledger.AccountID(req.AccountID))
		reports = []ledger.Report{report}
	} else {
		reports, err = h.Reconciler.ReconcileAll(r.Context())
	}
	if err != nil {
		h.writeDomainError(w, "Reconciliation failed", err)
		return
	}

	h.mu.Lock()
	h.lastReports = reports
	h.mu.Unlock()

	dtos := make([]ReconcileReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListReconciliationReports returns the reports from the last run.
func (h *Handler) ListReconciliationReports(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	reports := h.lastReports
	h.mu.Unlock()

	dtos := make([]ReconcileReportDTO, len(reports))
	for i, rep := range reports {
		dtos[i] = toReportDTO(rep)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps engine errors onto HTTP status codes.
func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrQueueFull):
		writeError(w, http.StatusServiceUnavailable, message, err)
	case errors.Is(err, ledger.ErrAlreadyClaimed),
		errors.Is(err, ledger.ErrConcurrentModification):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		h.Log.Error("internal error", zap.String("message", message), zap.Error(err))
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
