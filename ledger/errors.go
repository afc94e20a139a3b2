/*
errors.go - Centralized error taxonomy for the ledger engine

PURPOSE:
  All sentinel errors in one place. Sub-ledger packages wrap these with
  structured context (e.g. prepaid.InsufficientValueError) but callers can
  always classify with errors.Is against the sentinels here.

ERROR CATEGORIES:
  1. Not-found errors     - Missing client, transaction, card, ...
  2. Contention errors    - Transient, retried internally with backoff
  3. Business-rule errors - "Insufficient X", returned synchronously,
                            never retried, no partial effect occurred

SEE ALSO:
  - engine.go: Retry policy built on IsRetryable
  - store.go: Store implementations return these sentinels
*/
package ledger

import "errors"

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrClientNotFound is returned when a clientId references no account.
	ErrClientNotFound = errors.New("client not found")

	// ErrTransactionNotFound is returned when a transaction id is unknown.
	ErrTransactionNotFound = errors.New("transaction not found")

	// ErrWriteConflict is returned when the store's optimistic concurrency
	// check fails. Transient: the engine retries with backoff before
	// surfacing it.
	ErrWriteConflict = errors.New("ledger write conflict")

	// ErrTransactionVoided is returned when voiding an already-voided
	// transaction. Voiding twice never double-compensates.
	ErrTransactionVoided = errors.New("transaction already voided")

	// ErrDuplicateIdempotencyKey is returned when an entry with the same
	// idempotency key was already committed. Expected on retries; the
	// original commit stands.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrInvalidEntry is returned when an entry violates the debit/credit
	// rules before any write is attempted.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInsufficientPackageValue is returned when a package consumption
	// exceeds the remaining value.
	ErrInsufficientPackageValue = errors.New("insufficient package value")

	// ErrInsufficientPoints is returned when a redemption would make the
	// loyalty counter negative.
	ErrInsufficientPoints = errors.New("insufficient loyalty points")

	// ErrInsufficientGiftCardBalance is returned when a redemption exceeds
	// the card's current balance.
	ErrInsufficientGiftCardBalance = errors.New("insufficient gift card balance")

	// ErrGiftCardNotFound is returned for an unknown or inactive card code.
	ErrGiftCardNotFound = errors.New("gift card not found")

	// ErrGiftCardExpired is returned when a card is past its expiry date at
	// use time, regardless of its stored status.
	ErrGiftCardExpired = errors.New("gift card expired")

	// ErrPackageNotFound is returned when a package id is unknown.
	ErrPackageNotFound = errors.New("package not found")

	// ErrMembershipNotFound is returned when a membership id is unknown.
	ErrMembershipNotFound = errors.New("membership not found")

	// ErrMembershipActive is returned when subscribing a client that
	// already has an active membership.
	ErrMembershipActive = errors.New("client already has an active membership")
)

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrWriteConflict)
}

// IsClientError returns true if the error is a business-rule failure caused
// by the request itself. The caller must not assume any partial effect.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInsufficientPackageValue) ||
		errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInsufficientGiftCardBalance) ||
		errors.Is(err, ErrGiftCardExpired) ||
		errors.Is(err, ErrTransactionVoided) ||
		errors.Is(err, ErrMembershipActive) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrGiftCardNotFound) ||
		errors.Is(err, ErrPackageNotFound) ||
		errors.Is(err, ErrMembershipNotFound)
}
