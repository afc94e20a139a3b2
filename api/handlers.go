/*
handlers.go - HTTP API handlers for the client ledger system

PURPOSE:
  Exposes the ledger engine and the sub-ledger managers via REST API.
  Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Clients:
    GET    /api/clients                    List all clients
    POST   /api/clients                    Create client
    GET    /api/clients/{id}               Get client details
    GET    /api/clients/{id}/balance       Get current balance
    GET    /api/clients/{id}/transactions  Transaction history
    POST   /api/clients/{id}/transactions  Record a transaction
    POST   /api/clients/{id}/payments      Record a payment
    GET    /api/clients/{id}/reconcile     Cache vs log replay
    GET    /api/clients/{id}/stats         Spending statistics
    GET    /api/clients/{id}/stream        Balance updates (SSE)
    GET    /api/clients/{id}/loyalty       Points balance + history
    POST   /api/clients/{id}/loyalty/earn  Earn points
    POST   /api/clients/{id}/loyalty/redeem Redeem points

  Transactions:
    POST   /api/transactions/{id}/void     Void with compensation

  Packages and memberships:
    POST   /api/packages                   Sell a package
    GET    /api/packages/{id}              Get package
    POST   /api/packages/{id}/use          Consume package value
    GET    /api/clients/{id}/packages      List client packages
    POST   /api/memberships                Subscribe
    POST   /api/memberships/{id}/cancel    Cancel
    GET    /api/clients/{id}/memberships   List client memberships

  Gift cards:
    POST   /api/giftcards                  Issue a card
    GET    /api/giftcards/{code}           Look up by code
    POST   /api/giftcards/redeem           Redeem against a card
    GET    /api/clients/{id}/giftcards     List client cards

  Admin:
    POST   /api/admin/adjustments          Batch balance corrections

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation and business-rule errors ("insufficient X")
  - 404: Resource not found
  - 409: Conflict (write contention, duplicate idempotency key)
  - 500: Internal errors
  Mapping is centralized in writeDomainError via the ledger error
  taxonomy, so handlers never inspect error strings.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - stream.go: Server-sent-events balance stream
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/warp/ledger-engine/giftcard"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/loyalty"
	"github.com/warp/ledger-engine/prepaid"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store     ledger.Store
	Engine    *ledger.Engine
	Prepaid   *prepaid.Manager
	Loyalty   *loyalty.Manager
	GiftCards *giftcard.Manager
}

// NewHandler wires a handler over one engine and its sub-ledger managers.
func NewHandler(store ledger.Store, engine *ledger.Engine, pp *prepaid.Manager,
	lp *loyalty.Manager, gc *giftcard.Manager) *Handler {
	return &Handler{
		Store:     store,
		Engine:    engine,
		Prepaid:   pp,
		Loyalty:   lp,
		GiftCards: gc,
	}
}

// =============================================================================
// CLIENT HANDLERS
// =============================================================================

// ListClients returns all clients.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list clients", err)
		return
	}

	dtos := make([]ClientDTO, len(accounts))
	for i, a := range accounts {
		dtos[i] = toClientDTO(a)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetClient returns a single client.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	acct, err := h.Engine.Account(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get client", err)
		return
	}
	writeJSON(w, http.StatusOK, toClientDTO(acct))
}

// CreateClient creates a new client.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	var req CreateClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "Name is required", nil)
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	acct := ledger.Account{
		ID:        ledger.ClientID(req.ID),
		Name:      req.Name,
		Phone:     req.Phone,
		Email:     req.Email,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.SaveAccount(r.Context(), acct); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create client", err)
		return
	}
	writeJSON(w, http.StatusCreated, toClientDTO(acct))
}

// GetBalance returns the current balance for a client.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	balance, err := h.Engine.GetBalance(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{
		ClientID: string(id),
		Balance:  balance.String(),
	})
}

// =============================================================================
// TRANSACTION HANDLERS
// =============================================================================

// GetTransactions returns a page of transaction history.
// Query params: limit, from, to, type (RFC3339 dates).
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	var f ledger.HistoryFilter
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = limit
	}
	if v := r.URL.Query().Get("from"); v != "" {
		from, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from date (use RFC3339)", err)
			return
		}
		f.From = from
	}
	if v := r.URL.Query().Get("to"); v != "" {
		to, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to date (use RFC3339)", err)
			return
		}
		f.To = to
	}
	f.Type = ledger.TransactionType(r.URL.Query().Get("type"))

	txs, err := h.Engine.GetHistory(r.Context(), id, f)
	if err != nil {
		writeDomainError(w, "Failed to get transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// RecordTransaction records a new ledger entry for a client.
func (h *Handler) RecordTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	var req RecordTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	debit, err := parseAmount(req.Debit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid debit amount", err)
		return
	}
	credit, err := parseAmount(req.Credit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid credit amount", err)
		return
	}

	entry := ledger.Entry{
		ClientID:       id,
		Type:           ledger.TransactionType(req.Type),
		Debit:          debit,
		Credit:         credit,
		Reference:      req.Reference,
		PaymentMethod:  ledger.PaymentMethod(req.PaymentMethod),
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	}
	if req.Date != "" {
		date, err := time.Parse(time.RFC3339, req.Date)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid date (use RFC3339)", err)
			return
		}
		entry.Date = date
	}

	tx, err := h.Engine.RecordTransaction(r.Context(), entry)
	if err != nil {
		writeDomainError(w, "Failed to record transaction", err)
		return
	}
	transactionsRecorded.WithLabelValues(string(tx.Type)).Inc()
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// RecordPayment records a payment capture for a client.
func (h *Handler) RecordPayment(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	var req PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	tx, err := h.Engine.ProcessPayment(r.Context(), id, amount,
		ledger.PaymentMethod(req.Method), req.Reference, req.Notes)
	if err != nil {
		writeDomainError(w, "Failed to record payment", err)
		return
	}
	transactionsRecorded.WithLabelValues(string(tx.Type)).Inc()
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// VoidTransaction voids a committed transaction and returns the
// compensating entry.
func (h *Handler) VoidTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req VoidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "Reason is required", nil)
		return
	}

	comp, err := h.Engine.Void(r.Context(), id, req.Reason)
	if err != nil {
		writeDomainError(w, "Failed to void transaction", err)
		return
	}
	transactionsVoided.Inc()
	writeJSON(w, http.StatusOK, toTransactionDTO(comp))
}

// Reconcile compares the cached balance against a full log replay.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	report, err := h.Engine.Reconcile(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to reconcile", err)
		return
	}
	if !report.Matches {
		reconciliationDrift.Inc()
	}
	writeJSON(w, http.StatusOK, ReconciliationDTO{
		ClientID:         string(report.ClientID),
		CachedBalance:    report.CachedBalance.String(),
		ComputedBalance:  report.ComputedBalance.String(),
		Matches:          report.Matches,
		TransactionCount: report.TransactionCount,
		CheckedAt:        report.CheckedAt.Format(time.RFC3339),
	})
}

// GetStats returns spending statistics folded from the log.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	stats, err := h.Engine.Stats(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to compute stats", err)
		return
	}
	writeJSON(w, http.StatusOK, toStatsDTO(stats))
}

// =============================================================================
// PACKAGE HANDLERS
// =============================================================================

// CreatePackage sells a prepaid package to a client.
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	var req CreatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	value, err := parseAmount(req.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid value", err)
		return
	}

	pkg, err := h.Prepaid.CreatePackage(r.Context(), ledger.ClientID(req.ClientID), req.Name, value)
	if err != nil {
		writeDomainError(w, "Failed to create package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(*pkg))
}

// GetPackage returns a package by id.
func (h *Handler) GetPackage(w http.ResponseWriter, r *http.Request) {
	id := prepaid.PackageID(chi.URLParam(r, "id"))

	pkg, err := h.Prepaid.GetPackage(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get package", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// UsePackage consumes value from a package.
func (h *Handler) UsePackage(w http.ResponseWriter, r *http.Request) {
	id := prepaid.PackageID(chi.URLParam(r, "id"))

	var req UsePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	pkg, err := h.Prepaid.UsePackageValue(r.Context(), id, amount, req.ServiceReference)
	if err != nil {
		writeDomainError(w, "Failed to use package value", err)
		return
	}
	writeJSON(w, http.StatusOK, toPackageDTO(*pkg))
}

// ListPackages returns all packages for a client.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	packages, err := h.Prepaid.ListPackages(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list packages", err)
		return
	}
	dtos := make([]PackageDTO, len(packages))
	for i, p := range packages {
		dtos[i] = toPackageDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// MEMBERSHIP HANDLERS
// =============================================================================

// Subscribe creates a membership and bills its fee.
func (h *Handler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	fee, err := parseAmount(req.Fee)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid fee", err)
		return
	}

	mem, err := h.Prepaid.Subscribe(r.Context(), ledger.ClientID(req.ClientID), req.Type, fee)
	if err != nil {
		writeDomainError(w, "Failed to subscribe", err)
		return
	}
	writeJSON(w, http.StatusCreated, toMembershipDTO(*mem))
}

// CancelMembership marks a membership cancelled.
func (h *Handler) CancelMembership(w http.ResponseWriter, r *http.Request) {
	id := prepaid.MembershipID(chi.URLParam(r, "id"))

	if err := h.Prepaid.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, "Failed to cancel membership", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
}

// ListMemberships returns all memberships for a client.
func (h *Handler) ListMemberships(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	memberships, err := h.Prepaid.Store.ListMemberships(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list memberships", err)
		return
	}
	dtos := make([]MembershipDTO, len(memberships))
	for i, m := range memberships {
		dtos[i] = toMembershipDTO(m)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// GIFT CARD HANDLERS
// =============================================================================

// IssueGiftCard issues a card and bills the purchaser.
func (h *Handler) IssueGiftCard(w http.ResponseWriter, r *http.Request) {
	var req IssueGiftCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	card, err := h.GiftCards.Issue(r.Context(), ledger.ClientID(req.PurchasedBy), amount,
		ledger.ClientID(req.Recipient), req.ExpiryMonths)
	if err != nil {
		writeDomainError(w, "Failed to issue gift card", err)
		return
	}
	writeJSON(w, http.StatusCreated, toGiftCardDTO(*card))
}

// GetGiftCard looks up a card by code.
func (h *Handler) GetGiftCard(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")

	card, err := h.GiftCards.Lookup(r.Context(), code)
	if err != nil {
		writeDomainError(w, "Failed to look up gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(*card))
}

// RedeemGiftCard applies an amount against a card.
func (h *Handler) RedeemGiftCard(w http.ResponseWriter, r *http.Request) {
	var req RedeemGiftCardRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	card, err := h.GiftCards.Redeem(r.Context(), req.Code, amount,
		ledger.TransactionID(req.TransactionID))
	if err != nil {
		writeDomainError(w, "Failed to redeem gift card", err)
		return
	}
	writeJSON(w, http.StatusOK, toGiftCardDTO(*card))
}

// ListGiftCards returns cards purchased by or held by a client.
func (h *Handler) ListGiftCards(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	cards, err := h.GiftCards.ListCards(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list gift cards", err)
		return
	}
	dtos := make([]GiftCardDTO, len(cards))
	for i, c := range cards {
		dtos[i] = toGiftCardDTO(c)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// LOYALTY HANDLERS
// =============================================================================

// GetLoyalty returns the points balance and recent history.
func (h *Handler) GetLoyalty(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	points, err := h.Loyalty.Balance(r.Context(), id)
	if err != nil {
		writeDomainError(w, "Failed to get loyalty balance", err)
		return
	}
	history, err := h.Loyalty.History(r.Context(), id, 0)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to get loyalty history", err)
		return
	}

	dto := LoyaltyDTO{ClientID: string(id), Points: points}
	for _, e := range history {
		dto.History = append(dto.History, toPointsEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dto)
}

// EarnPoints credits loyalty points.
func (h *Handler) EarnPoints(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	var req LoyaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	balance, err := h.Loyalty.AddPoints(r.Context(), id, req.Points, req.Description, req.Reference)
	if err != nil {
		writeDomainError(w, "Failed to add points", err)
		return
	}
	writeJSON(w, http.StatusOK, LoyaltyDTO{ClientID: string(id), Points: balance})
}

// RedeemPoints debits loyalty points.
func (h *Handler) RedeemPoints(w http.ResponseWriter, r *http.Request) {
	id := ledger.ClientID(chi.URLParam(r, "id"))

	var req LoyaltyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	balance, err := h.Loyalty.RedeemPoints(r.Context(), id, req.Points, req.Description)
	if err != nil {
		writeDomainError(w, "Failed to redeem points", err)
		return
	}
	writeJSON(w, http.StatusOK, LoyaltyDTO{ClientID: string(id), Points: balance})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// BatchAdjust applies administrative corrections. Each item is its own
// atomic unit; a failed item is reported in place without affecting the
// rest.
func (h *Handler) BatchAdjust(w http.ResponseWriter, r *http.Request) {
	var req BatchAdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if len(req.Adjustments) == 0 {
		writeError(w, http.StatusBadRequest, "No adjustments given", nil)
		return
	}

	adjs := make([]ledger.Adjustment, len(req.Adjustments))
	for i, item := range req.Adjustments {
		amount, err := decimal.NewFromString(item.Amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid amount for "+item.ClientID, err)
			return
		}
		adjs[i] = ledger.Adjustment{
			ClientID:       ledger.ClientID(item.ClientID),
			Amount:         amount,
			Reason:         item.Reason,
			IdempotencyKey: item.IdempotencyKey,
		}
	}

	results := h.Engine.BatchAdjust(r.Context(), adjs)
	dtos := make([]AdjustmentResultDTO, len(results))
	for i, res := range results {
		dtos[i].ClientID = string(res.ClientID)
		if res.Err != nil {
			dtos[i].Error = res.Err.Error()
			continue
		}
		dto := toTransactionDTO(*res.Transaction)
		dtos[i].Transaction = &dto
		transactionsRecorded.WithLabelValues(string(res.Transaction.Type)).Inc()
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// HELPERS
// =============================================================================

// parseAmount parses a decimal string, treating "" as zero.
func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps ledger errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, ledger.ErrWriteConflict),
		errors.Is(err, ledger.ErrDuplicateIdempotencyKey):
		writeError(w, http.StatusConflict, message, err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	default:
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
