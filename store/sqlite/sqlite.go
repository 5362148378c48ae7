/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Implements account, entry, and accrual-run persistence using SQLite.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements touch the entries table
  - Corrections are compensating entries only

KEY TABLES:
  accounts:     current balance + version (the CAS token)
  entries:      immutable ledger of all balance changes
  accrual_runs: one row per daily accrual batch

INDEXES:
  idx_entries_account_created:   statement queries (hot path)
  idx_unique_account_idem_key:   one Completed application per (account, key)
  idx_unique_completed_run_date: at most one Completed run per date

CONCURRENCY:
  The balance update is an optimistic compare-and-swap:

    UPDATE accounts SET balance = ?, version = version + 1
    WHERE id = ? AND version = ?

  executed in the same database transaction as the entry INSERT. Zero
  rows affected means a concurrent writer won; the whole transaction
  rolls back and ErrConcurrentModification is returned for the service
  to retry.

WAL MODE:
  Opened with WAL for better concurrency: readers don't block, single
  writer at a time, better crash recovery.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/maktab/ledger-engine/ledger"
)

// Store implements ledger.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a SQLite store at the given path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		balance INTEGER NOT NULL DEFAULT 0,
		allow_negative BOOLEAN NOT NULL DEFAULT FALSE,
		version INTEGER NOT NULL DEFAULT 0,
		archived BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_kind
		ON accounts(kind, archived);

	-- Entries (append-only ledger)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL REFERENCES accounts(id),
		entry_type TEXT NOT NULL,
		signed_amount INTEGER NOT NULL,
		previous_balance INTEGER NOT NULL,
		new_balance INTEGER NOT NULL,
		actor TEXT NOT NULL,
		idempotency_key TEXT,
		status TEXT NOT NULL,
		note TEXT,
		reference TEXT,
		created_at TEXT NOT NULL
	);

	-- Statement queries (hot path)
	CREATE INDEX IF NOT EXISTS idx_entries_account_created
		ON entries(account_id, created_at);

	-- CRITICAL: one Completed application per (account, idempotency key).
	-- Retried requests and scheduler reruns collapse onto this index.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_account_idem_key
		ON entries(account_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND status = 'completed';

	CREATE INDEX IF NOT EXISTS idx_entries_type
		ON entries(entry_type);

	-- Accrual runs
	CREATE TABLE IF NOT EXISTS accrual_runs (
		id TEXT PRIMARY KEY,
		run_date TEXT NOT NULL,
		status TEXT NOT NULL,
		accounts_processed INTEGER NOT NULL DEFAULT 0,
		accounts_failed INTEGER NOT NULL DEFAULT 0,
		total_amount INTEGER NOT NULL DEFAULT 0,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	-- At most one Completed run per calendar date
	CREATE UNIQUE INDEX IF NOT EXISTS idx_unique_completed_run_date
		ON accrual_runs(run_date)
		WHERE status = 'completed';
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, acc ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (id, kind, balance, allow_negative, version, archived, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		acc.ID, acc.Kind, acc.Balance, acc.AllowNegative, acc.Version, acc.Archived,
		acc.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var acc ledger.Account
	var createdAt string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, kind, balance, allow_negative, version, archived, created_at
		FROM accounts WHERE id = ?`, id,
	).Scan(&acc.ID, &acc.Kind, &acc.Balance, &acc.AllowNegative, &acc.Version, &acc.Archived, &createdAt)

	if err == sql.ErrNoRows {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}

	acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return acc, nil
}

func (s *Store) ListAccountsByKind(ctx context.Context, kind ledger.AccountKind) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, balance, allow_negative, version, archived, created_at
		FROM accounts
		WHERE kind = ? AND archived = FALSE
		ORDER BY created_at ASC`, kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var acc ledger.Account
		var createdAt string
		if err := rows.Scan(&acc.ID, &acc.Kind, &acc.Balance, &acc.AllowNegative,
			&acc.Version, &acc.Archived, &createdAt); err != nil {
			return nil, err
		}
		acc.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		accounts = append(accounts, acc)
	}
	return accounts, rows.Err()
}

func (s *Store) ArchiveAccount(ctx context.Context, id ledger.AccountID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE accounts SET archived = TRUE WHERE id = ?", id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ledger.ErrAccountNotFound
	}
	return nil
}

// =============================================================================
// ENTRIES (append-only)
// =============================================================================

// ApplyEntry inserts the entry and swaps the balance in one transaction.
// See the concurrency note in the package comment.
func (s *Store) ApplyEntry(ctx context.Context, e ledger.LedgerEntry, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertEntry(ctx, tx, e); err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append entry: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE accounts SET balance = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		e.NewBalance, e.AccountID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// A concurrent writer bumped the version first. Roll everything
		// back; the service re-reads and retries.
		return ledger.ErrConcurrentModification
	}

	return tx.Commit()
}

func (s *Store) RecordFailed(ctx context.Context, e ledger.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := insertEntry(ctx, s.db, e); err != nil {
		return fmt.Errorf("failed to record failed entry: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e ledger.LedgerEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO entries
		(id, account_id, entry_type, signed_amount, previous_balance, new_balance,
		 actor, idempotency_key, status, note, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.Type, e.SignedAmount, e.PreviousBalance, e.NewBalance,
		e.Actor, nullString(e.IdempotencyKey), e.Status, e.Note, e.Reference,
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, id ledger.AccountID, key string) (*ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := s.queryEntries(ctx, `
		SELECT id, account_id, entry_type, signed_amount, previous_balance, new_balance,
		       actor, idempotency_key, status, note, reference, created_at
		FROM entries
		WHERE account_id = ? AND idempotency_key = ? AND status = 'completed'
		LIMIT 1`, id, key)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

func (s *Store) Entries(ctx context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryEntries(ctx, `
		SELECT id, account_id, entry_type, signed_amount, previous_balance, new_balance,
		       actor, idempotency_key, status, note, reference, created_at
		FROM entries
		WHERE account_id = ?
		ORDER BY created_at ASC, rowid ASC`, id)
}

func (s *Store) EntriesInRange(ctx context.Context, id ledger.AccountID, since, until time.Time) ([]ledger.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, account_id, entry_type, signed_amount, previous_balance, new_balance,
		       actor, idempotency_key, status, note, reference, created_at
		FROM entries
		WHERE account_id = ?`
	args := []any{id}

	if !since.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	if !until.IsZero() {
		query += " AND created_at < ?"
		args = append(args, until.UTC().Format(time.RFC3339Nano))
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	return s.queryEntries(ctx, query, args...)
}

func (s *Store) queryEntries(ctx context.Context, query string, args ...any) ([]ledger.LedgerEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.LedgerEntry
	for rows.Next() {
		var e ledger.LedgerEntry
		var idemKey, note, reference sql.NullString
		var createdAt string

		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.SignedAmount,
			&e.PreviousBalance, &e.NewBalance, &e.Actor, &idemKey, &e.Status,
			&note, &reference, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}

		e.IdempotencyKey = idemKey.String
		e.Note = note.String
		e.Reference = reference.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// ACCRUAL RUNS
// =============================================================================

func (s *Store) SaveRun(ctx context.Context, run ledger.AccrualRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var completedAt *string
	if run.CompletedAt != nil {
		t := run.CompletedAt.UTC().Format(time.RFC3339Nano)
		completedAt = &t
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accrual_runs
		(id, run_date, status, accounts_processed, accounts_failed, total_amount, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			accounts_processed = excluded.accounts_processed,
			accounts_failed = excluded.accounts_failed,
			total_amount = excluded.total_amount,
			completed_at = excluded.completed_at`,
		run.ID, run.RunDate.String(), run.Status,
		run.AccountsProcessed, run.AccountsFailed, run.TotalAmount,
		run.StartedAt.UTC().Format(time.RFC3339Nano), completedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save accrual run: %w", err)
	}
	return nil
}

func (s *Store) GetCompletedRun(ctx context.Context, date ledger.Date) (*ledger.AccrualRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs, err := s.queryRuns(ctx, `
		SELECT id, run_date, status, accounts_processed, accounts_failed, total_amount, started_at, completed_at
		FROM accrual_runs
		WHERE run_date = ? AND status = 'completed'
		LIMIT 1`, date.String())
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, nil
	}
	return &runs[0], nil
}

func (s *Store) ListRuns(ctx context.Context) ([]ledger.AccrualRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryRuns(ctx, `
		SELECT id, run_date, status, accounts_processed, accounts_failed, total_amount, started_at, completed_at
		FROM accrual_runs
		ORDER BY started_at DESC`)
}

func (s *Store) queryRuns(ctx context.Context, query string, args ...any) ([]ledger.AccrualRun, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []ledger.AccrualRun
	for rows.Next() {
		var run ledger.AccrualRun
		var runDate, startedAt string
		var completedAt sql.NullString

		if err := rows.Scan(&run.ID, &runDate, &run.Status, &run.AccountsProcessed,
			&run.AccountsFailed, &run.TotalAmount, &startedAt, &completedAt); err != nil {
			return nil, err
		}

		run.RunDate, _ = ledger.ParseDate(runDate)
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
			run.CompletedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
