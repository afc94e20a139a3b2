/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.Store, ledger.PointsStore, prepaid.Store and
  giftcard.Store against one SQLite database. In production the same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

APPEND-ONLY ENFORCEMENT:
  The transactions table takes INSERTs only, plus exactly one UPDATE
  shape: stamping voided_at on a not-yet-voided row inside VoidCommit.
  There is no DELETE and no other UPDATE.

OPTIMISTIC CONCURRENCY:
  The balance cache, points counter, package values and gift card
  balances each carry a version column. Mutations run
  UPDATE ... WHERE version = ? and translate zero affected rows into
  ledger.ErrWriteConflict, which callers retry with backoff.

KEY TABLES:
  clients:              Profile + denormalized balance/points caches
  transactions:         Immutable cash ledger
  loyalty_transactions: Parallel loyalty points log
  packages:             Prepaid value buckets
  memberships:          Recurring-fee entitlements
  gift_cards:           Bearer value stores, usage in gift_card_usage

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store)

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface definitions
  - subledger.go: Package, membership and gift card persistence
  - ledger/store/memory.go: In-memory implementation for testing
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
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ ledger.Store = (*Store)(nil)
var _ ledger.PointsStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database (tests only).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases coherent and matches
	// SQLite's single-writer model.
	db.SetMaxOpenConns(1)

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
	-- Clients: profile plus denormalized balance and points caches
	CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		phone TEXT,
		email TEXT,
		current_balance TEXT NOT NULL DEFAULT '0',
		balance_version INTEGER NOT NULL DEFAULT 0,
		balance_init INTEGER NOT NULL DEFAULT 0,
		loyalty_points INTEGER NOT NULL DEFAULT 0,
		points_version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	-- Transactions: append-only cash ledger
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		date TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		debit TEXT NOT NULL,
		credit TEXT NOT NULL,
		balance_after TEXT NOT NULL,
		reference TEXT,
		payment_method TEXT,
		notes TEXT,
		idempotency_key TEXT UNIQUE,
		voided_at TEXT,
		void_reason TEXT,
		created_at TEXT NOT NULL
	);

	-- Balance replay and history paging (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_client_date
		ON transactions(client_id, date, created_at);
	CREATE INDEX IF NOT EXISTS idx_transactions_reference
		ON transactions(reference) WHERE reference IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_transactions_type
		ON transactions(tx_type);

	-- Loyalty points log, independent of the cash ledger
	CREATE TABLE IF NOT EXISTS loyalty_transactions (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		points INTEGER NOT NULL,
		balance_after INTEGER NOT NULL,
		description TEXT,
		reference TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_loyalty_client_created
		ON loyalty_transactions(client_id, created_at);

	-- Prepaid packages
	CREATE TABLE IF NOT EXISTS packages (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		name TEXT NOT NULL,
		original_value TEXT NOT NULL,
		remaining_value TEXT NOT NULL,
		status TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_packages_client
		ON packages(client_id);

	-- Memberships
	CREATE TABLE IF NOT EXISTS memberships (
		id TEXT PRIMARY KEY,
		client_id TEXT NOT NULL,
		membership_type TEXT NOT NULL,
		fee TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		cancelled_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_memberships_client
		ON memberships(client_id);

	-- Gift cards
	CREATE TABLE IF NOT EXISTS gift_cards (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		purchased_by TEXT NOT NULL,
		holder_id TEXT,
		original_amount TEXT NOT NULL,
		current_balance TEXT NOT NULL,
		status TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gift_cards_purchased_by
		ON gift_cards(purchased_by);
	CREATE INDEX IF NOT EXISTS idx_gift_cards_holder
		ON gift_cards(holder_id) WHERE holder_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS gift_card_usage (
		card_id TEXT NOT NULL,
		used_at TEXT NOT NULL,
		amount TEXT NOT NULL,
		transaction_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gift_card_usage_card
		ON gift_card_usage(card_id, used_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// ACCOUNTS (ledger.Store)
// =============================================================================

// SaveAccount inserts a client or updates its profile fields. Balance and
// points columns are only ever written by Commit, InitBalance and
// CommitPoints.
func (s *Store) SaveAccount(ctx context.Context, acct ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	createdAt := acct.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients
		(id, name, phone, email, current_balance, balance_version, balance_init,
		 loyalty_points, points_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			phone = excluded.phone,
			email = excluded.email
	`,
		acct.ID, acct.Name,
		nullString(acct.Phone), nullString(acct.Email),
		acct.CurrentBalance.String(),
		acct.BalanceVersion,
		boolToInt(acct.BalanceInitialized),
		acct.LoyaltyPoints,
		acct.PointsVersion,
		createdAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}
	return nil
}

const selectAccount = `
	SELECT id, name, phone, email, current_balance, balance_version, balance_init,
	       loyalty_points, points_version, created_at
	FROM clients
`

func (s *Store) GetAccount(ctx context.Context, id ledger.ClientID) (ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectAccount+" WHERE id = ?", id)
	return scanAccount(row)
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, selectAccount+" ORDER BY name, id")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct         ledger.Account
		phone, email sql.NullString
		balance      string
		balanceInit  int
		createdAt    string
	)

	err := row.Scan(&acct.ID, &acct.Name, &phone, &email, &balance,
		&acct.BalanceVersion, &balanceInit,
		&acct.LoyaltyPoints, &acct.PointsVersion, &createdAt)
	if err == sql.ErrNoRows {
		return ledger.Account{}, ledger.ErrClientNotFound
	}
	if err != nil {
		return ledger.Account{}, fmt.Errorf("failed to scan client: %w", err)
	}

	acct.Phone = phone.String
	acct.Email = email.String
	acct.CurrentBalance = mustDecimal(balance)
	acct.BalanceInitialized = balanceInit != 0
	acct.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return acct, nil
}

// =============================================================================
// TRANSACTION LOG + BALANCE CACHE (ledger.Store)
// =============================================================================

// Commit appends the transaction and advances the balance cache in one
// database transaction, guarded by the version check.
func (s *Store) Commit(ctx context.Context, tx ledger.Transaction, newBalance decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := casBalance(ctx, sqlTx, tx.ClientID, newBalance, expectedVersion); err != nil {
		return err
	}
	if err := insertTx(ctx, sqlTx, tx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Append adds a transaction without touching the balance cache.
func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTx(ctx, s.db, tx)
}

// InitBalance populates a never-initialized cache (self-healing read path).
func (s *Store) InitBalance(ctx context.Context, id ledger.ClientID, balance decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	if err := casBalance(ctx, sqlTx, id, balance, expectedVersion); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// VoidCommit stamps the original row, appends the compensating entry and
// updates the cache in one database transaction. The voided_at guard in
// the UPDATE makes a double void fail before anything else happens.
func (s *Store) VoidCommit(ctx context.Context, originalID ledger.TransactionID, voidedAt time.Time,
	reason string, comp ledger.Transaction, newBalance decimal.Decimal, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE transactions SET voided_at = ?, void_reason = ?
		WHERE id = ? AND voided_at IS NULL
	`, voidedAt.Format(time.RFC3339Nano), reason, originalID)
	if err != nil {
		return fmt.Errorf("failed to void transaction: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM transactions WHERE id = ?", originalID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrTransactionNotFound
		}
		return ledger.ErrTransactionVoided
	}

	if err := casBalance(ctx, sqlTx, comp.ClientID, newBalance, expectedVersion); err != nil {
		return err
	}
	if err := insertTx(ctx, sqlTx, comp); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// casBalance advances the cache iff the version still matches. Zero
// affected rows means either a missing client or a lost race; the two are
// distinguished so callers don't retry a 404.
func casBalance(ctx context.Context, sqlTx *sql.Tx, id ledger.ClientID,
	newBalance decimal.Decimal, expectedVersion int64) error {
	res, err := sqlTx.ExecContext(ctx, `
		UPDATE clients
		SET current_balance = ?, balance_version = balance_version + 1, balance_init = 1
		WHERE id = ? AND balance_version = ?
	`, newBalance.String(), id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update balance cache: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM clients WHERE id = ?", id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrClientNotFound
		}
		return ledger.ErrWriteConflict
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertTx(ctx context.Context, db execer, tx ledger.Transaction) error {
	var voidedAt any
	if tx.VoidedAt != nil {
		voidedAt = tx.VoidedAt.Format(time.RFC3339Nano)
	}

	_, err := db.ExecContext(ctx, `
		INSERT INTO transactions
		(id, client_id, date, tx_type, debit, credit, balance_after,
		 reference, payment_method, notes, idempotency_key, voided_at, void_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.ClientID,
		tx.Date.Format(time.RFC3339Nano),
		tx.Type,
		tx.Debit.String(), tx.Credit.String(), tx.BalanceAfter.String(),
		nullString(tx.Reference),
		nullString(string(tx.PaymentMethod)),
		nullString(tx.Notes),
		nullString(tx.IdempotencyKey),
		voidedAt,
		nullString(tx.VoidReason),
		tx.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

// Load returns the full log for a client in chronological order,
// voided entries included.
func (s *Store) Load(ctx context.Context, id ledger.ClientID) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.queryTransactions(ctx, selectTransactions+`
		WHERE client_id = ?
		ORDER BY date ASC, created_at ASC
	`, id)
}

// History returns a filtered page, reverse-chronological.
func (s *Store) History(ctx context.Context, id ledger.ClientID, f ledger.HistoryFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := selectTransactions + " WHERE client_id = ?"
	args := []any{id}

	if !f.From.IsZero() {
		query += " AND date >= ?"
		args = append(args, f.From.Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += " AND date <= ?"
		args = append(args, f.To.Format(time.RFC3339Nano))
	}
	if f.Type != "" {
		query += " AND tx_type = ?"
		args = append(args, f.Type)
	}
	query += " ORDER BY date DESC, created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	return s.queryTransactions(ctx, query, args...)
}

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	txs, err := s.queryTransactions(ctx, selectTransactions+" WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) Exists(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM transactions WHERE idempotency_key = ?",
		idempotencyKey,
	).Scan(&count)
	return count > 0, err
}

const selectTransactions = `
	SELECT id, client_id, date, tx_type, debit, credit, balance_after,
	       reference, payment_method, notes, idempotency_key, voided_at, void_reason, created_at
	FROM transactions
`

func (s *Store) queryTransactions(ctx context.Context, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var transactions []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx                    ledger.Transaction
		date, createdAt       string
		debit, credit, after  string
		reference, method     sql.NullString
		notes, idempotencyKey sql.NullString
		voidedAt, voidReason  sql.NullString
	)

	err := rows.Scan(&tx.ID, &tx.ClientID, &date, &tx.Type, &debit, &credit, &after,
		&reference, &method, &notes, &idempotencyKey, &voidedAt, &voidReason, &createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Date, _ = time.Parse(time.RFC3339Nano, date)
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	tx.Debit = mustDecimal(debit)
	tx.Credit = mustDecimal(credit)
	tx.BalanceAfter = mustDecimal(after)
	tx.Reference = reference.String
	tx.PaymentMethod = ledger.PaymentMethod(method.String)
	tx.Notes = notes.String
	tx.IdempotencyKey = idempotencyKey.String
	tx.VoidReason = voidReason.String
	if voidedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, voidedAt.String)
		tx.VoidedAt = &t
	}
	return tx, nil
}

// =============================================================================
// LOYALTY POINTS (ledger.PointsStore)
// =============================================================================

func (s *Store) GetPoints(ctx context.Context, id ledger.ClientID) (int64, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var points, version int64
	err := s.db.QueryRowContext(ctx,
		"SELECT loyalty_points, points_version FROM clients WHERE id = ?", id,
	).Scan(&points, &version)
	if err == sql.ErrNoRows {
		return 0, 0, ledger.ErrClientNotFound
	}
	if err != nil {
		return 0, 0, err
	}
	return points, version, nil
}

func (s *Store) CommitPoints(ctx context.Context, entry ledger.PointsEntry, newPoints int64, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE clients
		SET loyalty_points = ?, points_version = points_version + 1
		WHERE id = ? AND points_version = ?
	`, newPoints, entry.ClientID, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update loyalty points: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM clients WHERE id = ?", entry.ClientID).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrClientNotFound
		}
		return ledger.ErrWriteConflict
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions
		(id, client_id, entry_type, points, balance_after, description, reference, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID, entry.ClientID, entry.Type, entry.Points, entry.BalanceAfter,
		nullString(entry.Description), nullString(entry.Reference),
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to append loyalty entry: %w", err)
	}
	return sqlTx.Commit()
}

func (s *Store) PointsHistory(ctx context.Context, id ledger.ClientID, limit int) ([]ledger.PointsEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT id, client_id, entry_type, points, balance_after, description, reference, created_at
		FROM loyalty_transactions
		WHERE client_id = ?
		ORDER BY created_at DESC
	`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []ledger.PointsEntry
	for rows.Next() {
		var (
			e                      ledger.PointsEntry
			description, reference sql.NullString
			createdAt              string
		)
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Type, &e.Points, &e.BalanceAfter,
			&description, &reference, &createdAt); err != nil {
			return nil, err
		}
		e.Description = description.String
		e.Reference = reference.String
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
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

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
