// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/maktab/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	accounts map[ledger.AccountID]ledger.Account
	entries  map[ledger.AccountID][]ledger.LedgerEntry
	keys     map[idemKey]ledger.EntryID
	runs     map[string]ledger.AccrualRun
}

type idemKey struct {
	AccountID ledger.AccountID
	Key       string
}

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[ledger.AccountID]ledger.Account),
		entries:  make(map[ledger.AccountID][]ledger.LedgerEntry),
		keys:     make(map[idemKey]ledger.EntryID),
		runs:     make(map[string]ledger.AccrualRun),
	}
}

func (m *Memory) CreateAccount(_ context.Context, acc ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[acc.ID] = acc
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return acc, nil
}

func (m *Memory) ListAccountsByKind(_ context.Context, kind ledger.AccountKind) ([]ledger.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.Account
	for _, acc := range m.accounts {
		if acc.Kind == kind && !acc.Archived {
			result = append(result, acc)
		}
	}
	return result, nil
}

func (m *Memory) ArchiveAccount(_ context.Context, id ledger.AccountID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[id]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	acc.Archived = true
	m.accounts[id] = acc
	return nil
}

// ApplyEntry appends a Completed entry and swaps the balance under one
// lock, mirroring the single database transaction of the SQLite store.
func (m *Memory) ApplyEntry(_ context.Context, e ledger.LedgerEntry, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, ok := m.accounts[e.AccountID]
	if !ok {
		return ledger.ErrAccountNotFound
	}
	if e.IdempotencyKey != "" {
		if _, exists := m.keys[idemKey{e.AccountID, e.IdempotencyKey}]; exists {
			return ledger.ErrDuplicateIdempotencyKey
		}
	}
	if acc.Version != expectedVersion {
		return ledger.ErrConcurrentModification
	}

	m.entries[e.AccountID] = append(m.entries[e.AccountID], e)
	if e.IdempotencyKey != "" {
		m.keys[idemKey{e.AccountID, e.IdempotencyKey}] = e.ID
	}

	acc.Balance = e.NewBalance
	acc.Version++
	m.accounts[e.AccountID] = acc
	return nil
}

func (m *Memory) RecordFailed(_ context.Context, e ledger.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[e.AccountID]; !ok {
		return ledger.ErrAccountNotFound
	}
	m.entries[e.AccountID] = append(m.entries[e.AccountID], e)
	return nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, id ledger.AccountID, key string) (*ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entryID, ok := m.keys[idemKey{id, key}]
	if !ok {
		return nil, nil
	}
	for _, e := range m.entries[id] {
		if e.ID == entryID {
			copied := e
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) Entries(_ context.Context, id ledger.AccountID) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.LedgerEntry, len(m.entries[id]))
	copy(result, m.entries[id])
	return result, nil
}

func (m *Memory) EntriesInRange(_ context.Context, id ledger.AccountID, since, until time.Time) ([]ledger.LedgerEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []ledger.LedgerEntry
	for _, e := range m.entries[id] {
		if !since.IsZero() && e.CreatedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !e.CreatedAt.Before(until) {
			continue
		}
		result = append(result, e)
	}
	return result, nil
}

func (m *Memory) SaveRun(_ context.Context, run ledger.AccrualRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = run
	return nil
}

func (m *Memory) GetCompletedRun(_ context.Context, date ledger.Date) (*ledger.AccrualRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, run := range m.runs {
		if run.RunDate == date && run.Status == ledger.RunCompleted {
			copied := run
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListRuns(_ context.Context) ([]ledger.AccrualRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]ledger.AccrualRun, 0, len(m.runs))
	for _, run := range m.runs {
		result = append(result, run)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	return result, nil
}

// SetBalanceUnsafe writes a balance directly, bypassing the ledger.
// It exists ONLY to simulate the drift bug class in reconciliation
// tests; production code must never call it.
func (m *Memory) SetBalanceUnsafe(id ledger.AccountID, balance int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc := m.accounts[id]
	acc.Balance = balance
	m.accounts[id] = acc
}
