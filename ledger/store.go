/*
store.go - Persistence interface for the transaction log and balance cache

PURPOSE:
  Defines the interface between the engine and the database. The store
  owns the atomic read-modify-write primitive: correctness under
  concurrency comes from the store's versioned commit, not from any
  in-process lock shared by callers.

APPEND-ONLY CONTRACT:
  - Commit/Append are the only ways a transaction enters the log.
  - No update or delete of committed entries exists; VoidCommit may only
    stamp voided_at, and always appends the compensating entry in the same
    atomic unit.

OPTIMISTIC CONCURRENCY:
  The per-client balance cache carries a version. Commit compares the
  caller's expected version and fails with ErrWriteConflict if another
  writer got there first. Two clients never contend with each other.

IDEMPOTENCY:
  Transactions may carry an idempotency key, enforced unique by the store.
  A duplicate key fails the whole atomic unit with
  ErrDuplicateIdempotencyKey, so a retried commit cannot double-apply.

IMPLEMENTATIONS:
  - store/sqlite:     Production SQLite store
  - ledger/store:     In-memory store for tests and dev

SEE ALSO:
  - engine.go: The only caller of Commit/VoidCommit
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// STORE - Transaction log + balance cache
// =============================================================================

type Store interface {
	// SaveAccount creates or updates a client record. On update only
	// profile fields change: the balance cache and the points counter are
	// written exclusively through Commit/InitBalance/CommitPoints.
	SaveAccount(ctx context.Context, acct Account) error

	// GetAccount returns the client record, ErrClientNotFound if missing.
	GetAccount(ctx context.Context, id ClientID) (Account, error)

	// ListAccounts returns all client records ordered by name.
	ListAccounts(ctx context.Context) ([]Account, error)

	// Commit appends tx and writes newBalance into the client's cache in
	// one atomic unit. Fails with ErrWriteConflict if the balance version
	// is no longer expectedVersion, and with ErrDuplicateIdempotencyKey if
	// tx carries an already-used key. Partial writes are never observable.
	Commit(ctx context.Context, tx Transaction, newBalance decimal.Decimal, expectedVersion int64) error

	// Append adds a transaction without touching the balance cache. Used
	// for zero-impact audit entries (e.g. package consumption).
	Append(ctx context.Context, tx Transaction) error

	// InitBalance populates a never-initialized cache from a replay of the
	// log (self-healing read). Same conflict semantics as Commit.
	InitBalance(ctx context.Context, id ClientID, balance decimal.Decimal, expectedVersion int64) error

	// VoidCommit stamps voided_at on the original entry, appends the
	// compensating entry comp, and writes newBalance, all in one atomic
	// unit. Fails with ErrTransactionVoided if the original is already
	// voided, so a double void can never double-compensate.
	VoidCommit(ctx context.Context, originalID TransactionID, voidedAt time.Time, reason string,
		comp Transaction, newBalance decimal.Decimal, expectedVersion int64) error

	// Load returns the full log for a client, chronological, including
	// voided entries.
	Load(ctx context.Context, id ClientID) ([]Transaction, error)

	// History returns a filtered page, reverse-chronological. Zero side
	// effects; may be slightly stale relative to a concurrent commit.
	History(ctx context.Context, id ClientID, f HistoryFilter) ([]Transaction, error)

	// GetTransaction returns a single entry, nil if missing.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// Exists checks whether an idempotency key has been committed.
	Exists(ctx context.Context, idempotencyKey string) (bool, error)
}

// =============================================================================
// POINTS STORE - Loyalty counter on the client record + parallel log
// =============================================================================

// PointsStore persists the loyalty points counter and its transaction log.
// The counter lives on the client record (same row as the balance cache)
// but is versioned independently.
type PointsStore interface {
	// GetPoints returns the counter and its version. ErrClientNotFound if
	// the client does not exist.
	GetPoints(ctx context.Context, id ClientID) (points int64, version int64, err error)

	// CommitPoints appends entry to the loyalty log and writes newPoints
	// into the counter in one atomic unit, with the same version-check
	// semantics as Store.Commit.
	CommitPoints(ctx context.Context, entry PointsEntry, newPoints int64, expectedVersion int64) error

	// PointsHistory returns the loyalty log, reverse-chronological.
	PointsHistory(ctx context.Context, id ClientID, limit int) ([]PointsEntry, error)
}
