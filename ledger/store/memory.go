// Package store provides an in-memory ledger.Store for tests and dev.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements ledger.Store and ledger.PointsStore. The mutex only
// guards map access; the version checks give the same optimistic-commit
// semantics the SQLite store has, so engine retry paths are exercised.
type Memory struct {
	mu           sync.Mutex
	accounts     map[ledger.ClientID]ledger.Account
	transactions map[ledger.ClientID][]ledger.Transaction
	byID         map[ledger.TransactionID]txRef
	idempotency  map[string]bool
	points       map[ledger.ClientID][]ledger.PointsEntry
}

type txRef struct {
	client ledger.ClientID
	index  int
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.ClientID]ledger.Account),
		transactions: make(map[ledger.ClientID][]ledger.Transaction),
		byID:         make(map[ledger.TransactionID]txRef),
		idempotency:  make(map[string]bool),
		points:       make(map[ledger.ClientID][]ledger.PointsEntry),
	}
}

var _ ledger.Store = (*Memory)(nil)
var _ ledger.PointsStore = (*Memory)(nil)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) SaveAccount(_ context.Context, acct ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.accounts[acct.ID]; ok {
		// Profile fields only; cache and counter stay owned by commits.
		existing.Name = acct.Name
		existing.Phone = acct.Phone
		existing.Email = acct.Email
		m.accounts[acct.ID] = existing
		return nil
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	m.accounts[acct.ID] = acct
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.ClientID) (ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.Account{}, ledger.ErrClientNotFound
	}
	return acct, nil
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	accounts := make([]ledger.Account, 0, len(m.accounts))
	for _, acct := range m.accounts {
		accounts = append(accounts, acct)
	}
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].Name < accounts[j].Name })
	return accounts, nil
}

// =============================================================================
// TRANSACTION LOG + BALANCE CACHE
// =============================================================================

func (m *Memory) Commit(_ context.Context, tx ledger.Transaction, newBalance decimal.Decimal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[tx.ClientID]
	if !ok {
		return ledger.ErrClientNotFound
	}
	if acct.BalanceVersion != expectedVersion {
		return ledger.ErrWriteConflict
	}
	if err := m.appendLocked(tx); err != nil {
		return err
	}
	acct.CurrentBalance = newBalance
	acct.BalanceVersion++
	acct.BalanceInitialized = true
	m.accounts[tx.ClientID] = acct
	return nil
}

func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return ledger.ErrDuplicateIdempotencyKey
	}
	txs := m.transactions[tx.ClientID]
	m.byID[tx.ID] = txRef{client: tx.ClientID, index: len(txs)}
	m.transactions[tx.ClientID] = append(txs, tx)
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Memory) InitBalance(_ context.Context, id ledger.ClientID, balance decimal.Decimal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return ledger.ErrClientNotFound
	}
	if acct.BalanceVersion != expectedVersion {
		return ledger.ErrWriteConflict
	}
	acct.CurrentBalance = balance
	acct.BalanceVersion++
	acct.BalanceInitialized = true
	m.accounts[id] = acct
	return nil
}

func (m *Memory) VoidCommit(_ context.Context, originalID ledger.TransactionID, voidedAt time.Time, reason string,
	comp ledger.Transaction, newBalance decimal.Decimal, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.byID[originalID]
	if !ok {
		return ledger.ErrTransactionNotFound
	}
	orig := m.transactions[ref.client][ref.index]
	if orig.VoidedAt != nil {
		return ledger.ErrTransactionVoided
	}

	acct, ok := m.accounts[orig.ClientID]
	if !ok {
		return ledger.ErrClientNotFound
	}
	if acct.BalanceVersion != expectedVersion {
		return ledger.ErrWriteConflict
	}
	if err := m.appendLocked(comp); err != nil {
		return err
	}

	at := voidedAt
	orig.VoidedAt = &at
	orig.VoidReason = reason
	m.transactions[ref.client][ref.index] = orig

	acct.CurrentBalance = newBalance
	acct.BalanceVersion++
	acct.BalanceInitialized = true
	m.accounts[orig.ClientID] = acct
	return nil
}

func (m *Memory) Load(_ context.Context, id ledger.ClientID) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]ledger.Transaction, len(m.transactions[id]))
	copy(result, m.transactions[id])
	sort.SliceStable(result, func(i, j int) bool { return result[i].Date.Before(result[j].Date) })
	return result, nil
}

func (m *Memory) History(_ context.Context, id ledger.ClientID, f ledger.HistoryFilter) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	txs := m.transactions[id]
	var result []ledger.Transaction
	for _, tx := range txs {
		if !f.From.IsZero() && tx.Date.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && tx.Date.After(f.To) {
			continue
		}
		if f.Type != "" && tx.Type != f.Type {
			continue
		}
		result = append(result, tx)
	}
	sort.SliceStable(result, func(i, j int) bool { return result[i].Date.After(result[j].Date) })
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[:f.Limit]
	}
	return result, nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ref, ok := m.byID[id]
	if !ok {
		return nil, nil
	}
	tx := m.transactions[ref.client][ref.index]
	return &tx, nil
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.idempotency[idempotencyKey], nil
}

// =============================================================================
// LOYALTY POINTS
// =============================================================================

func (m *Memory) GetPoints(_ context.Context, id ledger.ClientID) (int64, int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[id]
	if !ok {
		return 0, 0, ledger.ErrClientNotFound
	}
	return acct.LoyaltyPoints, acct.PointsVersion, nil
}

func (m *Memory) CommitPoints(_ context.Context, entry ledger.PointsEntry, newPoints int64, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[entry.ClientID]
	if !ok {
		return ledger.ErrClientNotFound
	}
	if acct.PointsVersion != expectedVersion {
		return ledger.ErrWriteConflict
	}
	m.points[entry.ClientID] = append(m.points[entry.ClientID], entry)
	acct.LoyaltyPoints = newPoints
	acct.PointsVersion++
	m.accounts[entry.ClientID] = acct
	return nil
}

func (m *Memory) PointsHistory(_ context.Context, id ledger.ClientID, limit int) ([]ledger.PointsEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.points[id]
	result := make([]ledger.PointsEntry, len(entries))
	copy(result, entries)
	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
