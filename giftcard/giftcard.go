/*
Package giftcard manages bearer-redeemable gift cards.

PURPOSE:
  A gift card is a bounded value store identified by a unique
  human-readable code. Issuing a card bills the purchaser through the
  ledger engine; redemptions decrement the card atomically and append to
  its usage history.

INVARIANTS:
  1. 0 <= CurrentBalance <= OriginalAmount, always
  2. Status flips to depleted exactly when the balance hits zero
  3. Expiry is checked at use time against ExpiryDate, inside the same
     atomic step as the decrement - not only inferred from status
  4. Codes are collision-checked against existing cards before insert

SEE ALSO:
  - code.go: Code generation
  - prepaid: The same atomic-decrement discipline for packages
*/
package giftcard

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

type CardID string
type Status string

const (
	StatusActive   Status = "active"
	StatusDepleted Status = "depleted"
	StatusExpired  Status = "expired"
)

const DefaultExpiryMonths = 12

// Usage is one redemption against a card.
type Usage struct {
	Date          time.Time
	Amount        decimal.Decimal
	TransactionID ledger.TransactionID
}

type Card struct {
	ID             CardID
	Code           string
	PurchasedBy    ledger.ClientID
	HolderID       ledger.ClientID // optional recipient; empty for bearer cards
	OriginalAmount decimal.Decimal
	CurrentBalance decimal.Decimal
	Status         Status
	ExpiresAt      time.Time
	Usage          []Usage
	Version        int64
	CreatedAt      time.Time
}

// Expired reports whether the card is past its expiry date at t.
func (c *Card) Expired(t time.Time) bool {
	return !c.ExpiresAt.IsZero() && t.After(c.ExpiresAt)
}

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	SaveCard(ctx context.Context, card Card) error
	GetCardByCode(ctx context.Context, code string) (*Card, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	ListCards(ctx context.Context, clientID ledger.ClientID) ([]Card, error)

	// UpdateCard writes balance and status, appending usage when non-nil,
	// if the version still matches; ledger.ErrWriteConflict otherwise.
	UpdateCard(ctx context.Context, id CardID, balance decimal.Decimal, status Status,
		usage *Usage, expectedVersion int64) error
}

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientBalanceError reports a redemption exceeding the card balance.
// Unwraps to ledger.ErrInsufficientGiftCardBalance.
type InsufficientBalanceError struct {
	Code      string
	Balance   decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient gift card balance: have %s, requested %s",
		e.Balance, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error { return ledger.ErrInsufficientGiftCardBalance }

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

// Issue creates a gift card with a fresh collision-checked code and bills
// the purchaser with a sale transaction referencing the card.
func (m *Manager) Issue(ctx context.Context, purchasedBy ledger.ClientID, amount decimal.Decimal,
	recipient ledger.ClientID, expiryMonths int) (*Card, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: gift card amount must be positive", ledger.ErrInvalidEntry)
	}
	if expiryMonths <= 0 {
		expiryMonths = DefaultExpiryMonths
	}
	if _, err := m.Engine.Account(ctx, purchasedBy); err != nil {
		return nil, err
	}

	code, err := m.uniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	card := Card{
		ID:             CardID(uuid.NewString()),
		Code:           code,
		PurchasedBy:    purchasedBy,
		HolderID:       recipient,
		OriginalAmount: amount,
		CurrentBalance: amount,
		Status:         StatusActive,
		ExpiresAt:      now.AddDate(0, expiryMonths, 0),
		CreatedAt:      now,
	}
	if err := m.Store.SaveCard(ctx, card); err != nil {
		return nil, err
	}

	_, err = m.Engine.RecordTransaction(ctx, ledger.Entry{
		ClientID:       purchasedBy,
		Type:           ledger.TxSale,
		Debit:          amount,
		Reference:      string(card.ID),
		Notes:          "gift card purchase: " + code,
		IdempotencyKey: "giftcard-sale-" + string(card.ID),
	})
	if err != nil && !ledger.IsClientError(err) {
		return nil, err
	}
	return &card, nil
}

// Redeem decrements an active card by amount, recording the redemption in
// the card's usage history under the funding transaction id. The expiry
// check runs inside the same atomic step as the decrement; an expired card
// is flipped to expired and the redemption rejected, regardless of the
// status stored before the call.
func (m *Manager) Redeem(ctx context.Context, code string, amount decimal.Decimal,
	transactionID ledger.TransactionID) (*Card, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ledger.ErrInvalidEntry)
	}

	var updated Card
	err := ledger.Retry(ctx, ledger.DefaultMaxRetries, func() error {
		card, err := m.Store.GetCardByCode(ctx, code)
		if err != nil {
			return err
		}
		if card == nil || card.Status != StatusActive {
			return ledger.ErrGiftCardNotFound
		}

		now := time.Now().UTC()
		if card.Expired(now) {
			if err := m.Store.UpdateCard(ctx, card.ID, card.CurrentBalance, StatusExpired, nil, card.Version); err != nil {
				return err
			}
			return ledger.ErrGiftCardExpired
		}
		if amount.GreaterThan(card.CurrentBalance) {
			return &InsufficientBalanceError{
				Code:      card.Code,
				Balance:   card.CurrentBalance,
				Requested: amount,
			}
		}

		balance := card.CurrentBalance.Sub(amount)
		status := StatusActive
		if balance.IsZero() {
			status = StatusDepleted
		}
		usage := Usage{Date: now, Amount: amount, TransactionID: transactionID}
		if err := m.Store.UpdateCard(ctx, card.ID, balance, status, &usage, card.Version); err != nil {
			return err
		}

		updated = *card
		updated.CurrentBalance = balance
		updated.Status = status
		updated.Usage = append(updated.Usage, usage)
		updated.Version = card.Version + 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Lookup returns a card by code regardless of status, nil-safe for the API.
func (m *Manager) Lookup(ctx context.Context, code string) (*Card, error) {
	card, err := m.Store.GetCardByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if card == nil {
		return nil, ledger.ErrGiftCardNotFound
	}
	return card, nil
}

// ListCards returns cards purchased by or held by a client.
func (m *Manager) ListCards(ctx context.Context, clientID ledger.ClientID) ([]Card, error) {
	return m.Store.ListCards(ctx, clientID)
}
