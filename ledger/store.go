/*
store.go - Persistence interface for accounts, entries, and accrual runs

APPEND-ONLY CONTRACT:
  The entry side of the Store is append-only:
  - ApplyEntry():   single atomic write (entry + balance CAS)
  - RecordFailed(): audit record for a rejected attempt
  - NO update or delete methods exist for entries

  Corrections are made via compensating entries, never edits.

ATOMICITY:
  ApplyEntry is the serialization point of the whole engine. It must, in
  one atomic unit: insert the Completed entry AND update the account row
  with a compare-and-swap on Version. If the version check fails, nothing
  is written and ErrConcurrentModification is returned; if the idempotency
  key already exists for the account, nothing is written and
  ErrDuplicateIdempotencyKey is returned.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite (same patterns apply to PostgreSQL)
  - ledger/store: in-memory, for tests and development
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence for the engine. The account row is the only
// shared mutable resource; entries and runs are append-only or upserted
// by their owners (the accrual runner owns run records).
type Store interface {
	// CreateAccount persists a new account with balance 0 and version 0.
	CreateAccount(ctx context.Context, acc Account) error

	// GetAccount returns an account or ErrAccountNotFound.
	GetAccount(ctx context.Context, id AccountID) (Account, error)

	// ListAccountsByKind returns all non-archived accounts of a kind.
	ListAccountsByKind(ctx context.Context, kind AccountKind) ([]Account, error)

	// ArchiveAccount soft-archives an account. History is preserved;
	// accounts referenced by entries are never deleted.
	ArchiveAccount(ctx context.Context, id AccountID) error

	// ApplyEntry atomically appends a Completed entry and swaps the
	// account balance iff the account version still equals
	// expectedVersion. See the ATOMICITY note above.
	ApplyEntry(ctx context.Context, e LedgerEntry, expectedVersion int64) error

	// RecordFailed appends a Failed entry. No balance change.
	RecordFailed(ctx context.Context, e LedgerEntry) error

	// FindByIdempotencyKey returns the Completed entry with the given key
	// for the account, or nil if none exists.
	FindByIdempotencyKey(ctx context.Context, id AccountID, key string) (*LedgerEntry, error)

	// Entries returns all entries for an account in creation order.
	Entries(ctx context.Context, id AccountID) ([]LedgerEntry, error)

	// EntriesInRange returns entries created in [since, until), creation
	// order. Zero bounds are open.
	EntriesInRange(ctx context.Context, id AccountID, since, until time.Time) ([]LedgerEntry, error)

	// SaveRun inserts or updates an accrual run record by ID.
	SaveRun(ctx context.Context, run AccrualRun) error

	// GetCompletedRun returns the Completed run for a date, or nil.
	GetCompletedRun(ctx context.Context, date Date) (*AccrualRun, error)

	// ListRuns returns accrual runs, most recent first.
	ListRuns(ctx context.Context) ([]AccrualRun, error)
}
