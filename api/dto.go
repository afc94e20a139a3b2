/*
dto.go - Request/response data structures for the HTTP API

PURPOSE:
  JSON shapes exposed over the wire, decoupled from the domain types.
  Money travels as decimal strings ("125.50"), never as floats: amounts
  are re-parsed with shopspring/decimal on the way in and rendered with
  String() on the way out, so nothing is rounded in transit.

SEE ALSO:
  - handlers.go: Where these are populated and parsed
*/
package api

import (
	"time"

	"github.com/warp/ledger-engine/giftcard"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/prepaid"
)

// =============================================================================
// CLIENTS
// =============================================================================

type ClientDTO struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Phone          string `json:"phone,omitempty"`
	Email          string `json:"email,omitempty"`
	CurrentBalance string `json:"current_balance"`
	LoyaltyPoints  int64  `json:"loyalty_points"`
	CreatedAt      string `json:"created_at"`
}

type CreateClientRequest struct {
	ID    string `json:"id,omitempty"` // server-generated when empty
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type BalanceDTO struct {
	ClientID string `json:"client_id"`
	Balance  string `json:"balance"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

type TransactionDTO struct {
	ID            string `json:"id"`
	ClientID      string `json:"client_id"`
	Date          string `json:"date"`
	Type          string `json:"type"`
	Debit         string `json:"debit"`
	Credit        string `json:"credit"`
	BalanceAfter  string `json:"balance_after"`
	Reference     string `json:"reference,omitempty"`
	PaymentMethod string `json:"payment_method,omitempty"`
	Notes         string `json:"notes,omitempty"`
	VoidedAt      string `json:"voided_at,omitempty"`
	VoidReason    string `json:"void_reason,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type RecordTransactionRequest struct {
	Type           string `json:"type"`
	Debit          string `json:"debit,omitempty"`
	Credit         string `json:"credit,omitempty"`
	Date           string `json:"date,omitempty"` // RFC3339, empty means now
	Reference      string `json:"reference,omitempty"`
	PaymentMethod  string `json:"payment_method,omitempty"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type PaymentRequest struct {
	Amount    string `json:"amount"`
	Method    string `json:"method"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

type VoidRequest struct {
	Reason string `json:"reason"`
}

type ReconciliationDTO struct {
	ClientID         string `json:"client_id"`
	CachedBalance    string `json:"cached_balance"`
	ComputedBalance  string `json:"computed_balance"`
	Matches          bool   `json:"matches"`
	TransactionCount int    `json:"transaction_count"`
	CheckedAt        string `json:"checked_at"`
}

type StatsDTO struct {
	ClientID       string            `json:"client_id"`
	TotalSpent     string            `json:"total_spent"`
	TotalPaid      string            `json:"total_paid"`
	TotalRefunded  string            `json:"total_refunded"`
	VisitCount     int               `json:"visit_count"`
	FirstVisit     string            `json:"first_visit,omitempty"`
	LastVisit      string            `json:"last_visit,omitempty"`
	VisitsPerMonth float64           `json:"visits_per_month"`
	TopReference   string            `json:"top_reference,omitempty"`
	MonthlySpend   map[string]string `json:"monthly_spend"`
}

// =============================================================================
// PACKAGES AND MEMBERSHIPS
// =============================================================================

type PackageDTO struct {
	ID             string `json:"id"`
	ClientID       string `json:"client_id"`
	Name           string `json:"name"`
	OriginalValue  string `json:"original_value"`
	RemainingValue string `json:"remaining_value"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

type CreatePackageRequest struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
	Value    string `json:"value"`
}

type UsePackageRequest struct {
	Amount           string `json:"amount"`
	ServiceReference string `json:"service_reference,omitempty"`
}

type MembershipDTO struct {
	ID          string `json:"id"`
	ClientID    string `json:"client_id"`
	Type        string `json:"type"`
	Fee         string `json:"fee"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	CancelledAt string `json:"cancelled_at,omitempty"`
}

type SubscribeRequest struct {
	ClientID string `json:"client_id"`
	Type     string `json:"type"`
	Fee      string `json:"fee"`
}

// =============================================================================
// GIFT CARDS
// =============================================================================

type GiftCardDTO struct {
	ID             string             `json:"id"`
	Code           string             `json:"code"`
	PurchasedBy    string             `json:"purchased_by"`
	HolderID       string             `json:"holder_id,omitempty"`
	OriginalAmount string             `json:"original_amount"`
	CurrentBalance string             `json:"current_balance"`
	Status         string             `json:"status"`
	ExpiresAt      string             `json:"expires_at"`
	Usage          []GiftCardUsageDTO `json:"usage,omitempty"`
	CreatedAt      string             `json:"created_at"`
}

type GiftCardUsageDTO struct {
	Date          string `json:"date"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id"`
}

type IssueGiftCardRequest struct {
	PurchasedBy  string `json:"purchased_by"`
	Amount       string `json:"amount"`
	Recipient    string `json:"recipient,omitempty"`
	ExpiryMonths int    `json:"expiry_months,omitempty"`
}

type RedeemGiftCardRequest struct {
	Code          string `json:"code"`
	Amount        string `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// =============================================================================
// LOYALTY
// =============================================================================

type LoyaltyDTO struct {
	ClientID string           `json:"client_id"`
	Points   int64            `json:"points"`
	History  []PointsEntryDTO `json:"history,omitempty"`
}

type PointsEntryDTO struct {
	ID           string `json:"id"`
	Type         string `json:"type"`
	Points       int64  `json:"points"`
	BalanceAfter int64  `json:"balance_after"`
	Description  string `json:"description,omitempty"`
	Reference    string `json:"reference,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type LoyaltyRequest struct {
	Points      int64  `json:"points"`
	Description string `json:"description,omitempty"`
	Reference   string `json:"reference,omitempty"`
}

// =============================================================================
// ADMIN
// =============================================================================

type AdjustmentItemDTO struct {
	ClientID       string `json:"client_id"`
	Amount         string `json:"amount"` // signed: positive credits, negative debits
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type BatchAdjustRequest struct {
	Adjustments []AdjustmentItemDTO `json:"adjustments"`
}

type AdjustmentResultDTO struct {
	ClientID    string          `json:"client_id"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toClientDTO(a ledger.Account) ClientDTO {
	return ClientDTO{
		ID:             string(a.ID),
		Name:           a.Name,
		Phone:          a.Phone,
		Email:          a.Email,
		CurrentBalance: a.CurrentBalance.String(),
		LoyaltyPoints:  a.LoyaltyPoints,
		CreatedAt:      a.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:            string(tx.ID),
		ClientID:      string(tx.ClientID),
		Date:          tx.Date.Format(time.RFC3339),
		Type:          string(tx.Type),
		Debit:         tx.Debit.String(),
		Credit:        tx.Credit.String(),
		BalanceAfter:  tx.BalanceAfter.String(),
		Reference:     tx.Reference,
		PaymentMethod: string(tx.PaymentMethod),
		Notes:         tx.Notes,
		VoidReason:    tx.VoidReason,
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
	if tx.VoidedAt != nil {
		dto.VoidedAt = tx.VoidedAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

func toPackageDTO(p prepaid.Package) PackageDTO {
	return PackageDTO{
		ID:             string(p.ID),
		ClientID:       string(p.ClientID),
		Name:           p.Name,
		OriginalValue:  p.OriginalValue.String(),
		RemainingValue: p.RemainingValue.String(),
		Status:         string(p.Status),
		CreatedAt:      p.CreatedAt.Format(time.RFC3339),
	}
}

func toMembershipDTO(m prepaid.Membership) MembershipDTO {
	dto := MembershipDTO{
		ID:        string(m.ID),
		ClientID:  string(m.ClientID),
		Type:      m.Type,
		Fee:       m.Fee.String(),
		Status:    string(m.Status),
		CreatedAt: m.CreatedAt.Format(time.RFC3339),
	}
	if m.CancelledAt != nil {
		dto.CancelledAt = m.CancelledAt.Format(time.RFC3339)
	}
	return dto
}

func toGiftCardDTO(c giftcard.Card) GiftCardDTO {
	dto := GiftCardDTO{
		ID:             string(c.ID),
		Code:           c.Code,
		PurchasedBy:    string(c.PurchasedBy),
		HolderID:       string(c.HolderID),
		OriginalAmount: c.OriginalAmount.String(),
		CurrentBalance: c.CurrentBalance.String(),
		Status:         string(c.Status),
		ExpiresAt:      c.ExpiresAt.Format(time.RFC3339),
		CreatedAt:      c.CreatedAt.Format(time.RFC3339),
	}
	for _, u := range c.Usage {
		dto.Usage = append(dto.Usage, GiftCardUsageDTO{
			Date:          u.Date.Format(time.RFC3339),
			Amount:        u.Amount.String(),
			TransactionID: string(u.TransactionID),
		})
	}
	return dto
}

func toPointsEntryDTO(e ledger.PointsEntry) PointsEntryDTO {
	return PointsEntryDTO{
		ID:           e.ID,
		Type:         string(e.Type),
		Points:       e.Points,
		BalanceAfter: e.BalanceAfter,
		Description:  e.Description,
		Reference:    e.Reference,
		CreatedAt:    e.CreatedAt.Format(time.RFC3339),
	}
}

func toStatsDTO(s ledger.ClientStats) StatsDTO {
	dto := StatsDTO{
		ClientID:       string(s.ClientID),
		TotalSpent:     s.TotalSpent.String(),
		TotalPaid:      s.TotalPaid.String(),
		TotalRefunded:  s.TotalRefunded.String(),
		VisitCount:     s.VisitCount,
		VisitsPerMonth: s.VisitsPerMonth,
		TopReference:   s.TopReference,
		MonthlySpend:   make(map[string]string, len(s.MonthlySpend)),
	}
	if s.FirstVisit != nil {
		dto.FirstVisit = s.FirstVisit.Format(time.RFC3339)
	}
	if s.LastVisit != nil {
		dto.LastVisit = s.LastVisit.Format(time.RFC3339)
	}
	for month, amount := range s.MonthlySpend {
		dto.MonthlySpend[month] = amount.String()
	}
	return dto
}
