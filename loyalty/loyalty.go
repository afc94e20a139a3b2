/*
Package loyalty manages the client loyalty points counter.

PURPOSE:
  Loyalty points are a separate, non-monetary bounded counter on the
  client record with their own transaction log. The counter must never go
  negative, even transiently: a redemption is checked against the current
  counter before any mutation occurs.

RELATION TO THE CASH LEDGER:
  None. The loyalty log and the cash ledger are independent and never
  cross-reconciled; earning points on a visit and charging the visit are
  two separate commits.

CONCURRENCY:
  Same discipline as the cash balance: the counter is versioned in the
  store, commits are atomic check-then-write, and version conflicts are
  retried with backoff.

SEE ALSO:
  - ledger: PointsStore interface and PointsEntry types
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/warp/ledger-engine/ledger"
)

// InsufficientPointsError reports a redemption exceeding the counter.
// Unwraps to ledger.ErrInsufficientPoints.
type InsufficientPointsError struct {
	ClientID  ledger.ClientID
	Available int64
	Requested int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient loyalty points: available %d, requested %d",
		e.Available, e.Requested)
}

func (e *InsufficientPointsError) Unwrap() error { return ledger.ErrInsufficientPoints }

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	Store      ledger.PointsStore
	MaxRetries int
}

func NewManager(store ledger.PointsStore) *Manager {
	return &Manager{Store: store, MaxRetries: ledger.DefaultMaxRetries}
}

// AddPoints credits earned points. Points must be positive.
func (m *Manager) AddPoints(ctx context.Context, clientID ledger.ClientID, points int64,
	description, reference string) (int64, error) {
	if points <= 0 {
		return 0, fmt.Errorf("%w: points must be positive", ledger.ErrInvalidEntry)
	}
	return m.commit(ctx, clientID, points, ledger.PointsEarned, description, reference)
}

// RedeemPoints debits points, rejecting with InsufficientPointsError before
// any mutation if the counter would go negative.
func (m *Manager) RedeemPoints(ctx context.Context, clientID ledger.ClientID, points int64,
	description string) (int64, error) {
	if points <= 0 {
		return 0, fmt.Errorf("%w: points must be positive", ledger.ErrInvalidEntry)
	}
	return m.commit(ctx, clientID, -points, ledger.PointsRedeemed, description, "")
}

// Adjust applies a signed correction of the given type (bonus, expired,
// adjustment). The non-negative invariant still holds.
func (m *Manager) Adjust(ctx context.Context, clientID ledger.ClientID, delta int64,
	typ ledger.PointsEntryType, description string) (int64, error) {
	if delta == 0 {
		return 0, fmt.Errorf("%w: zero-point adjustment", ledger.ErrInvalidEntry)
	}
	return m.commit(ctx, clientID, delta, typ, description, "")
}

func (m *Manager) commit(ctx context.Context, clientID ledger.ClientID, delta int64,
	typ ledger.PointsEntryType, description, reference string) (int64, error) {
	var balance int64
	err := ledger.Retry(ctx, m.MaxRetries, func() error {
		current, version, err := m.Store.GetPoints(ctx, clientID)
		if err != nil {
			return err
		}
		next := current + delta
		if next < 0 {
			return &InsufficientPointsError{
				ClientID:  clientID,
				Available: current,
				Requested: -delta,
			}
		}

		entry := ledger.PointsEntry{
			ID:           uuid.NewString(),
			ClientID:     clientID,
			Type:         typ,
			Points:       delta,
			BalanceAfter: next,
			Description:  description,
			Reference:    reference,
			CreatedAt:    time.Now().UTC(),
		}
		if err := m.Store.CommitPoints(ctx, entry, next, version); err != nil {
			return err
		}
		balance = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Balance returns the current counter.
func (m *Manager) Balance(ctx context.Context, clientID ledger.ClientID) (int64, error) {
	points, _, err := m.Store.GetPoints(ctx, clientID)
	return points, err
}

// History returns the loyalty log, reverse-chronological.
func (m *Manager) History(ctx context.Context, clientID ledger.ClientID, limit int) ([]ledger.PointsEntry, error) {
	if limit <= 0 {
		limit = ledger.DefaultHistoryLimit
	}
	return m.Store.PointsHistory(ctx, clientID, limit)
}
