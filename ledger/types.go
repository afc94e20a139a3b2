/*
Package ledger provides the client financial ledger and balance engine.

PURPOSE:
  This package contains the core types and algorithms for tracking a
  client's running account balance: an append-only transaction log as the
  source of truth, a cached balance on the client record for fast reads,
  and the engine that keeps the two in agreement under concurrent writes
  from multiple staff terminals.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable log entry recording a signed balance change
  - Account: The client record carrying the denormalized balance cache
  - Entry: Caller input for recording a new transaction
  - PointsEntry: An entry in the parallel loyalty points log

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never edited, only voided + compensated
  2. Precision: Uses decimal.Decimal to avoid floating-point money errors
  3. Single writer: Only the Engine writes CurrentBalance
  4. Auditability: Every entry carries reference, notes, and idempotency key

SIGN CONVENTION:
  A positive debit reduces the balance, a positive credit increases it.
  Balance is always sum(credit) - sum(debit) over non-voided entries.

SEE ALSO:
  - engine.go: The atomic read-modify-write commit path
  - store.go: Persistence interface with the versioned balance cache
  - errors.go: Error taxonomy
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string
type TransactionID string

func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }

// =============================================================================
// TRANSACTION - Immutable entry in the append-only log
// =============================================================================

type TransactionType string

const (
	TxSale       TransactionType = "sale"       // Service or product charged to the client
	TxPayment    TransactionType = "payment"    // Money received from the client
	TxRefund     TransactionType = "refund"     // Money returned to the client
	TxAdjustment TransactionType = "adjustment" // Manual correction or compensating entry
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxSale, TxPayment, TxRefund, TxAdjustment:
		return true
	}
	return false
}

type PaymentMethod string

const (
	PayCash     PaymentMethod = "cash"
	PayCard     PaymentMethod = "card"
	PayGiftCard PaymentMethod = "gift_card"
	PayPackage  PaymentMethod = "package"
)

// Transaction is a committed ledger entry. Immutable once written; the only
// sanctioned mutation is stamping VoidedAt, which always goes together with
// a compensating entry (see Engine.Void).
type Transaction struct {
	ID       TransactionID
	ClientID ClientID
	Date     time.Time
	Type     TransactionType

	// Exactly one of Debit/Credit is non-zero, except for adjustments
	// (which may use either) and zero-impact audit entries (both zero).
	Debit  decimal.Decimal
	Credit decimal.Decimal

	// Running balance computed at commit time.
	BalanceAfter decimal.Decimal

	// Optional id of the causing entity: package, gift card, visit.
	Reference     string
	PaymentMethod PaymentMethod
	Notes         string

	// Caller-supplied key for exactly-once semantics across retries.
	IdempotencyKey string

	VoidedAt   *time.Time
	VoidReason string

	CreatedAt time.Time
}

// Effect returns the signed balance impact of this entry.
func (t Transaction) Effect() decimal.Decimal { return t.Credit.Sub(t.Debit) }

// Voided reports whether this entry is excluded from balance computation.
func (t Transaction) Voided() bool { return t.VoidedAt != nil }

// SumBalance folds the non-voided entries into a balance. This is the
// authoritative computation that the cached balance must always agree with.
func SumBalance(txs []Transaction) decimal.Decimal {
	total := decimal.Zero
	for _, tx := range txs {
		if tx.Voided() {
			continue
		}
		total = total.Add(tx.Effect())
	}
	return total
}

// =============================================================================
// ENTRY - Caller input to RecordTransaction
// =============================================================================

type Entry struct {
	ClientID       ClientID
	Type           TransactionType
	Debit          decimal.Decimal
	Credit         decimal.Decimal
	Date           time.Time // zero means "now"
	Reference      string
	PaymentMethod  PaymentMethod
	Notes          string
	IdempotencyKey string
}

// =============================================================================
// ACCOUNT - Client record with the denormalized balance cache
// =============================================================================

// Account is the client record. CurrentBalance and LoyaltyPoints are
// denormalized projections owned exclusively by the Engine and the loyalty
// manager; everything else is profile data.
type Account struct {
	ID    ClientID
	Name  string
	Phone string
	Email string

	// Balance cache. Valid only when BalanceInitialized; a false value
	// triggers a self-healing recompute from the log on first use.
	CurrentBalance     decimal.Decimal
	BalanceVersion     int64
	BalanceInitialized bool

	// Loyalty points counter with its own version, so cash commits and
	// point commits do not contend with each other.
	LoyaltyPoints int64
	PointsVersion int64

	CreatedAt time.Time
}

// =============================================================================
// LOYALTY POINTS LOG - Parallel, non-monetary transaction log
// =============================================================================

type PointsEntryType string

const (
	PointsEarned     PointsEntryType = "earned"
	PointsRedeemed   PointsEntryType = "redeemed"
	PointsExpired    PointsEntryType = "expired"
	PointsBonus      PointsEntryType = "bonus"
	PointsAdjustment PointsEntryType = "adjustment"
)

// PointsEntry is an entry in the loyalty transaction log. The loyalty log
// and the cash ledger are independent and never cross-reconciled.
type PointsEntry struct {
	ID          string
	ClientID    ClientID
	Type        PointsEntryType
	Points      int64 // signed delta
	BalanceAfter int64
	Description string
	Reference   string
	CreatedAt   time.Time
}

// =============================================================================
// QUERIES AND REPORTS
// =============================================================================

// HistoryFilter selects a page of transaction history. Results are
// reverse-chronological; callers page by narrowing To to the date of the
// last entry seen.
type HistoryFilter struct {
	Limit int             // <= 0 means DefaultHistoryLimit
	From  time.Time       // zero means unbounded
	To    time.Time       // zero means unbounded
	Type  TransactionType // "" means all types
}

const DefaultHistoryLimit = 50

// ReconciliationReport compares the cached balance to a full replay of the
// non-voided log. Surfaced to operators; never auto-repaired.
type ReconciliationReport struct {
	ClientID         ClientID
	CachedBalance    decimal.Decimal
	ComputedBalance  decimal.Decimal
	Matches          bool
	TransactionCount int
	CheckedAt        time.Time
}
