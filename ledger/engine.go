/*
engine.go - The ledger engine: atomic commits against log + balance cache

PURPOSE:
  Owns the invariant "cached balance == sum of non-voided log entries".
  Every balance-affecting event in the system - visit charges, payments,
  package and membership sales, gift card sales, corrections - goes
  through RecordTransaction.

COMMIT PATH:
  1. Read the client's cached balance (or recompute from the log if the
     cache was never initialized - self-healing)
  2. newBalance = previous - debit + credit
  3. Append the transaction with BalanceAfter = newBalance
  4. Write newBalance into the cache
  Steps 3-4 happen in one atomic store commit guarded by the cache
  version. A concurrent commit for the same client fails the version
  check and is retried here with exponential backoff; commits for
  different clients never contend.

ORDERING:
  For a single client, committed transactions are totally ordered and
  each BalanceAfter reflects exactly that order. No cross-client ordering
  is guaranteed or needed.

CORRECTIONS:
  Committed entries are never edited or deleted. Void stamps the original
  and appends a compensating entry in the same atomic unit; both carry
  the void marker so a replay counts the reversal exactly once.

SEE ALSO:
  - store.go: The atomic primitives this engine drives
  - notifier.go: Balance fan-out after successful commits
*/
package ledger

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// RETRY POLICY
// =============================================================================

const (
	// DefaultMaxRetries bounds automatic retries on write conflicts before
	// the conflict is surfaced to the caller.
	DefaultMaxRetries = 5

	baseBackoff = 2 * time.Millisecond
	maxBackoff  = 100 * time.Millisecond
)

// Retry runs fn until it succeeds, fails with a non-retryable error, or
// attempts are exhausted. Between attempts it sleeps with doubling backoff
// plus jitter, honoring ctx cancellation.
func Retry(ctx context.Context, attempts int, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	backoff := baseBackoff
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); !IsRetryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}
		if backoff *= 2; backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine is the sole writer of the transaction log and the balance cache.
// Construct one per store; it carries no per-client state and is safe for
// concurrent use.
type Engine struct {
	Store      Store
	Notifier   *Notifier
	MaxRetries int

	// How many recent transactions accompany each notifier update.
	RecentWindow int
}

func NewEngine(store Store) *Engine {
	return &Engine{
		Store:        store,
		Notifier:     NewNotifier(),
		MaxRetries:   DefaultMaxRetries,
		RecentWindow: 5,
	}
}

// Account returns the client record. Used by sub-ledger managers to verify
// a client exists before creating correlated records.
func (en *Engine) Account(ctx context.Context, id ClientID) (Account, error) {
	return en.Store.GetAccount(ctx, id)
}

// =============================================================================
// RECORD TRANSACTION
// =============================================================================

// RecordTransaction validates and commits an entry, updating the cached
// balance in the same atomic unit. Returns the committed transaction with
// its BalanceAfter. Either both the log entry and the cache update are
// durable, or neither is.
func (en *Engine) RecordTransaction(ctx context.Context, e Entry) (Transaction, error) {
	return en.record(ctx, e, true)
}

// RecordAudit commits a zero-balance-impact entry without touching the
// cache. Used for informational entries such as prepaid package
// consumption, which moves package value but not cash balance.
func (en *Engine) RecordAudit(ctx context.Context, e Entry) (Transaction, error) {
	return en.record(ctx, e, false)
}

func (en *Engine) record(ctx context.Context, e Entry, updateCachedBalance bool) (Transaction, error) {
	if err := validateEntry(e); err != nil {
		return Transaction{}, err
	}

	if e.IdempotencyKey != "" {
		exists, err := en.Store.Exists(ctx, e.IdempotencyKey)
		if err != nil {
			return Transaction{}, err
		}
		if exists {
			return Transaction{}, ErrDuplicateIdempotencyKey
		}
	}

	var committed Transaction
	err := Retry(ctx, en.MaxRetries, func() error {
		acct, err := en.Store.GetAccount(ctx, e.ClientID)
		if err != nil {
			return err
		}

		previous, err := en.trustedBalance(ctx, acct)
		if err != nil {
			return err
		}

		newBalance := previous.Sub(e.Debit).Add(e.Credit)
		now := time.Now().UTC()
		date := e.Date
		if date.IsZero() {
			date = now
		}

		tx := Transaction{
			ID:             NewTransactionID(),
			ClientID:       e.ClientID,
			Date:           date,
			Type:           e.Type,
			Debit:          e.Debit,
			Credit:         e.Credit,
			BalanceAfter:   newBalance,
			Reference:      e.Reference,
			PaymentMethod:  e.PaymentMethod,
			Notes:          e.Notes,
			IdempotencyKey: e.IdempotencyKey,
			CreatedAt:      now,
		}

		if !updateCachedBalance {
			if err := en.Store.Append(ctx, tx); err != nil {
				return err
			}
		} else {
			if err := en.Store.Commit(ctx, tx, newBalance, acct.BalanceVersion); err != nil {
				return err
			}
		}
		committed = tx
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}

	if updateCachedBalance {
		en.notify(ctx, committed.ClientID, committed.BalanceAfter)
	}
	return committed, nil
}

func validateEntry(e Entry) error {
	if e.ClientID == "" {
		return fmt.Errorf("%w: missing client id", ErrInvalidEntry)
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEntry, e.Type)
	}
	if e.Debit.IsNegative() || e.Credit.IsNegative() {
		return fmt.Errorf("%w: debit and credit must be non-negative", ErrInvalidEntry)
	}
	if e.Type != TxAdjustment && !e.Debit.IsZero() && !e.Credit.IsZero() {
		return fmt.Errorf("%w: %s cannot carry both debit and credit", ErrInvalidEntry, e.Type)
	}
	return nil
}

// trustedBalance returns the cached balance, falling back to a full replay
// of the log when the cache was never initialized.
func (en *Engine) trustedBalance(ctx context.Context, acct Account) (decimal.Decimal, error) {
	if acct.BalanceInitialized {
		return acct.CurrentBalance, nil
	}
	txs, err := en.Store.Load(ctx, acct.ID)
	if err != nil {
		return decimal.Zero, err
	}
	return SumBalance(txs), nil
}

// =============================================================================
// READS
// =============================================================================

// GetBalance reads the cached balance. If the cache has never been
// initialized it recomputes from the log and lazily populates the cache.
func (en *Engine) GetBalance(ctx context.Context, id ClientID) (decimal.Decimal, error) {
	acct, err := en.Store.GetAccount(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if acct.BalanceInitialized {
		return acct.CurrentBalance, nil
	}

	txs, err := en.Store.Load(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	computed := SumBalance(txs)

	// Best effort: a concurrent commit may have healed the cache already,
	// in which case its value is at least as fresh as ours.
	if err := en.Store.InitBalance(ctx, id, computed, acct.BalanceVersion); err != nil && !IsRetryable(err) {
		return decimal.Zero, err
	}
	return computed, nil
}

// GetHistory returns a finite, reverse-chronological page of transactions.
// Callers page by moving the To bound past the last entry seen.
func (en *Engine) GetHistory(ctx context.Context, id ClientID, f HistoryFilter) ([]Transaction, error) {
	if _, err := en.Store.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	if f.Limit <= 0 {
		f.Limit = DefaultHistoryLimit
	}
	return en.Store.History(ctx, id, f)
}

// Reconcile replays the entire non-voided log and compares it to the cache.
// Diagnostic only: drift is reported, never repaired here.
func (en *Engine) Reconcile(ctx context.Context, id ClientID) (ReconciliationReport, error) {
	acct, err := en.Store.GetAccount(ctx, id)
	if err != nil {
		return ReconciliationReport{}, err
	}
	txs, err := en.Store.Load(ctx, id)
	if err != nil {
		return ReconciliationReport{}, err
	}
	computed := SumBalance(txs)
	return ReconciliationReport{
		ClientID:         id,
		CachedBalance:    acct.CurrentBalance,
		ComputedBalance:  computed,
		Matches:          acct.BalanceInitialized && acct.CurrentBalance.Equal(computed),
		TransactionCount: len(txs),
		CheckedAt:        time.Now().UTC(),
	}, nil
}

// =============================================================================
// VOID
// =============================================================================

// Void marks a transaction voided and appends a compensating entry with
// equal and opposite debit/credit in the same atomic unit. The original is
// never edited or deleted. Both the original and the compensating entry
// carry the void stamp, so a replay over non-voided entries moves by
// exactly the reversed effect. Voiding twice is rejected with
// ErrTransactionVoided and never double-compensates.
func (en *Engine) Void(ctx context.Context, id TransactionID, reason string) (Transaction, error) {
	var comp Transaction
	err := Retry(ctx, en.MaxRetries, func() error {
		orig, err := en.Store.GetTransaction(ctx, id)
		if err != nil {
			return err
		}
		if orig == nil {
			return ErrTransactionNotFound
		}
		if orig.Voided() {
			return ErrTransactionVoided
		}

		acct, err := en.Store.GetAccount(ctx, orig.ClientID)
		if err != nil {
			return err
		}
		previous, err := en.trustedBalance(ctx, acct)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newBalance := previous.Sub(orig.Effect())
		comp = Transaction{
			ID:           NewTransactionID(),
			ClientID:     orig.ClientID,
			Date:         now,
			Type:         TxAdjustment,
			Debit:        orig.Credit,
			Credit:       orig.Debit,
			BalanceAfter: newBalance,
			Reference:    string(orig.ID),
			Notes:        "void: " + reason,
			VoidedAt:     &now,
			VoidReason:   reason,
			CreatedAt:    now,
		}
		return en.Store.VoidCommit(ctx, orig.ID, now, reason, comp, newBalance, acct.BalanceVersion)
	})
	if err != nil {
		return Transaction{}, err
	}

	en.notify(ctx, comp.ClientID, comp.BalanceAfter)
	return comp, nil
}

// =============================================================================
// COLLABORATOR WRAPPERS
// =============================================================================

// ProcessPayment records a payment capture (cash/card entry).
func (en *Engine) ProcessPayment(ctx context.Context, id ClientID, amount decimal.Decimal,
	method PaymentMethod, reference, notes string) (Transaction, error) {
	if !amount.IsPositive() {
		return Transaction{}, fmt.Errorf("%w: payment amount must be positive", ErrInvalidEntry)
	}
	return en.RecordTransaction(ctx, Entry{
		ClientID:      id,
		Type:          TxPayment,
		Credit:        amount,
		PaymentMethod: method,
		Reference:     reference,
		Notes:         notes,
	})
}

// Adjustment is one item of a batch correction.
type Adjustment struct {
	ClientID       ClientID
	Amount         decimal.Decimal // signed: positive credits, negative debits
	Reason         string
	IdempotencyKey string
}

// AdjustmentResult reports the outcome of one batch item.
type AdjustmentResult struct {
	ClientID    ClientID
	Transaction *Transaction
	Err         error
}

// BatchAdjust applies administrative corrections. Each item is its own
// atomic unit: a failed item does not affect the others and no
// cross-client atomicity is promised.
func (en *Engine) BatchAdjust(ctx context.Context, adjs []Adjustment) []AdjustmentResult {
	results := make([]AdjustmentResult, len(adjs))
	for i, adj := range adjs {
		results[i].ClientID = adj.ClientID

		e := Entry{
			ClientID:       adj.ClientID,
			Type:           TxAdjustment,
			Notes:          adj.Reason,
			IdempotencyKey: adj.IdempotencyKey,
		}
		if adj.Amount.IsNegative() {
			e.Debit = adj.Amount.Neg()
		} else {
			e.Credit = adj.Amount
		}

		tx, err := en.RecordTransaction(ctx, e)
		if err != nil {
			results[i].Err = err
			continue
		}
		results[i].Transaction = &tx
	}
	return results
}

// =============================================================================
// NOTIFICATION
// =============================================================================

func (en *Engine) notify(ctx context.Context, id ClientID, balance decimal.Decimal) {
	if en.Notifier == nil || !en.Notifier.HasSubscribers(id) {
		return
	}
	recent, err := en.Store.History(ctx, id, HistoryFilter{Limit: en.RecentWindow})
	if err != nil {
		recent = nil
	}
	en.Notifier.Publish(BalanceUpdate{
		ClientID: id,
		Balance:  balance,
		Recent:   recent,
		At:       time.Now().UTC(),
	})
}
