/*
Package prepaid manages prepaid packages and membership subscriptions.

PURPOSE:
  Packages are prepaid buckets of value consumable against future services;
  memberships are recurring-fee entitlements billed once into the ledger at
  creation. Both own a bounded record of their own and route every
  balance-affecting event through the ledger engine so the two stay
  reconciled.

INVARIANTS:
  1. 0 <= RemainingValue <= OriginalValue, always
  2. Status is depleted exactly when RemainingValue is zero
  3. Purchase emits a sale transaction referencing the new record, with a
     deterministic idempotency key so a crash/retry cannot double-bill
  4. Consuming package value never moves the cash balance - it is prepaid
     value, not new debt - but it leaves a zero-impact audit entry

CONCURRENCY:
  Consumption is an atomic read-check-write against the package record
  using the store's version check, retried with the same backoff policy
  as the engine. The lower bound is enforced before any mutation.

SEE ALSO:
  - ledger: The engine these managers record sales through
  - giftcard: The same discipline for bearer-redeemable value
*/
package prepaid

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

// =============================================================================
// TYPES
// =============================================================================

type PackageID string
type PackageStatus string

const (
	PackageActive   PackageStatus = "active"
	PackageDepleted PackageStatus = "depleted"
)

type Package struct {
	ID             PackageID
	ClientID       ledger.ClientID
	Name           string
	OriginalValue  decimal.Decimal
	RemainingValue decimal.Decimal
	Status         PackageStatus
	Version        int64
	CreatedAt      time.Time
}

type MembershipID string
type MembershipStatus string

const (
	MembershipActive    MembershipStatus = "active"
	MembershipCancelled MembershipStatus = "cancelled"
)

type Membership struct {
	ID          MembershipID
	ClientID    ledger.ClientID
	Type        string
	Fee         decimal.Decimal
	Status      MembershipStatus
	CreatedAt   time.Time
	CancelledAt *time.Time
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	SavePackage(ctx context.Context, pkg Package) error
	GetPackage(ctx context.Context, id PackageID) (*Package, error)
	ListPackages(ctx context.Context, clientID ledger.ClientID) ([]Package, error)

	// UpdatePackageValue writes the new remaining value and status if the
	// version still matches; ledger.ErrWriteConflict otherwise.
	UpdatePackageValue(ctx context.Context, id PackageID, remaining decimal.Decimal,
		status PackageStatus, expectedVersion int64) error

	SaveMembership(ctx context.Context, m Membership) error
	GetMembership(ctx context.Context, id MembershipID) (*Membership, error)
	ListMemberships(ctx context.Context, clientID ledger.ClientID) ([]Membership, error)
	UpdateMembershipStatus(ctx context.Context, id MembershipID, status MembershipStatus, cancelledAt *time.Time) error
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientValueError reports a package consumption exceeding the
// remaining value. Unwraps to ledger.ErrInsufficientPackageValue.
type InsufficientValueError struct {
	PackageID PackageID
	Remaining decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientValueError) Error() string {
	return fmt.Sprintf("insufficient package value: remaining %s, requested %s",
		e.Remaining, e.Requested)
}

func (e *InsufficientValueError) Unwrap() error { return ledger.ErrInsufficientPackageValue }

// =============================================================================
// MANAGER
// =============================================================================

type Manager struct {
	Store  Store
	Engine *ledger.Engine
}

func NewManager(store Store, engine *ledger.Engine) *Manager {
	return &Manager{Store: store, Engine: engine}
}

// CreatePackage creates the package record and records a sale transaction
// for the original value through the engine. The two writes are causally
// linked by the transaction reference but are not one atomic unit: a crash
// between them is recoverable because the sale carries a deterministic
// idempotency key derived from the package id.
func (m *Manager) CreatePackage(ctx context.Context, clientID ledger.ClientID, name string,
	originalValue decimal.Decimal) (*Package, error) {
	if !originalValue.IsPositive() {
		return nil, fmt.Errorf("%w: package value must be positive", ledger.ErrInvalidEntry)
	}
	if _, err := m.Engine.Account(ctx, clientID); err != nil {
		return nil, err
	}

	pkg := Package{
		ID:             PackageID(uuid.NewString()),
		ClientID:       clientID,
		Name:           name,
		OriginalValue:  originalValue,
		RemainingValue: originalValue,
		Status:         PackageActive,
		CreatedAt:      time.Now().UTC(),
	}
	if err := m.Store.SavePackage(ctx, pkg); err != nil {
		return nil, err
	}

	_, err := m.Engine.RecordTransaction(ctx, ledger.Entry{
		ClientID:       clientID,
		Type:           ledger.TxSale,
		Debit:          originalValue,
		Reference:      string(pkg.ID),
		Notes:          "package purchase: " + name,
		IdempotencyKey: "package-sale-" + string(pkg.ID),
	})
	if err != nil && !ledger.IsClientError(err) {
		return nil, err
	}
	return &pkg, nil
}

// UsePackageValue atomically decrements the remaining value. Rejects with
// InsufficientValueError before any mutation when amount exceeds the
// remaining value; flips status to depleted at zero. Appends a zero-impact
// audit entry to the ledger - consumption of prepaid value does not move
// the cash balance.
func (m *Manager) UsePackageValue(ctx context.Context, id PackageID, amount decimal.Decimal,
	serviceReference string) (*Package, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidEntry)
	}

	var updated Package
	err := ledger.Retry(ctx, ledger.DefaultMaxRetries, func() error {
		pkg, err := m.Store.GetPackage(ctx, id)
		if err != nil {
			return err
		}
		if pkg == nil {
			return ledger.ErrPackageNotFound
		}
		if amount.GreaterThan(pkg.RemainingValue) {
			return &InsufficientValueError{
				PackageID: pkg.ID,
				Remaining: pkg.RemainingValue,
				Requested: amount,
			}
		}

		remaining := pkg.RemainingValue.Sub(amount)
		status := PackageActive
		if remaining.IsZero() {
			status = PackageDepleted
		}
		if err := m.Store.UpdatePackageValue(ctx, pkg.ID, remaining, status, pkg.Version); err != nil {
			return err
		}

		updated = *pkg
		updated.RemainingValue = remaining
		updated.Status = status
		updated.Version = pkg.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Audit trail only: both debit and credit are zero.
	_, auditErr := m.Engine.RecordAudit(ctx, ledger.Entry{
		ClientID:      updated.ClientID,
		Type:          ledger.TxAdjustment,
		Reference:     serviceReference,
		PaymentMethod: ledger.PayPackage,
		Notes:         fmt.Sprintf("package %s: used %s, remaining %s", updated.ID, amount, updated.RemainingValue),
	})
	if auditErr != nil {
		return &updated, auditErr
	}
	return &updated, nil
}

// GetPackage returns a package, ledger.ErrPackageNotFound if missing.
func (m *Manager) GetPackage(ctx context.Context, id PackageID) (*Package, error) {
	pkg, err := m.Store.GetPackage(ctx, id)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, ledger.ErrPackageNotFound
	}
	return pkg, nil
}

// ListPackages returns all packages for a client, newest first.
func (m *Manager) ListPackages(ctx context.Context, clientID ledger.ClientID) ([]Package, error) {
	return m.Store.ListPackages(ctx, clientID)
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

// Subscribe creates a membership and bills its fee into the ledger, using
// the same commit pattern as packages. One active membership per client is
// enforced softly: a concurrent pair of subscriptions may both land, in
// which case ActiveMembership treats the earliest as authoritative.
func (m *Manager) Subscribe(ctx context.Context, clientID ledger.ClientID, membershipType string,
	fee decimal.Decimal) (*Membership, error) {
	if !fee.IsPositive() {
		return nil, fmt.Errorf("%w: membership fee must be positive", ledger.ErrInvalidEntry)
	}
	if _, err := m.Engine.Account(ctx, clientID); err != nil {
		return nil, err
	}
	if active, err := m.ActiveMembership(ctx, clientID); err != nil {
		return nil, err
	} else if active != nil {
		return nil, ledger.ErrMembershipActive
	}

	mem := Membership{
		ID:        MembershipID(uuid.NewString()),
		ClientID:  clientID,
		Type:      membershipType,
		Fee:       fee,
		Status:    MembershipActive,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.Store.SaveMembership(ctx, mem); err != nil {
		return nil, err
	}

	_, err := m.Engine.RecordTransaction(ctx, ledger.Entry{
		ClientID:       clientID,
		Type:           ledger.TxSale,
		Debit:          fee,
		Reference:      string(mem.ID),
		Notes:          "membership subscription: " + membershipType,
		IdempotencyKey: "membership-sale-" + string(mem.ID),
	})
	if err != nil && !ledger.IsClientError(err) {
		return nil, err
	}
	return &mem, nil
}

// ActiveMembership returns the earliest active membership, nil when none.
func (m *Manager) ActiveMembership(ctx context.Context, clientID ledger.ClientID) (*Membership, error) {
	memberships, err := m.Store.ListMemberships(ctx, clientID)
	if err != nil {
		return nil, err
	}
	var active *Membership
	for i := range memberships {
		mem := memberships[i]
		if mem.Status != MembershipActive {
			continue
		}
		if active == nil || mem.CreatedAt.Before(active.CreatedAt) {
			active = &mem
		}
	}
	return active, nil
}

// Cancel marks a membership cancelled. Fees already billed stay in the
// ledger; reversing them is a Void on the sale transaction.
func (m *Manager) Cancel(ctx context.Context, id MembershipID) error {
	mem, err := m.Store.GetMembership(ctx, id)
	if err != nil {
		return err
	}
	if mem == nil {
		return ledger.ErrMembershipNotFound
	}
	if mem.Status == MembershipCancelled {
		return nil
	}
	now := time.Now().UTC()
	return m.Store.UpdateMembershipStatus(ctx, id, MembershipCancelled, &now)
}
