/*
subledger.go - SQLite persistence for packages, memberships and gift cards

PURPOSE:
  Implements prepaid.Store and giftcard.Store on the same database handle
  as the cash ledger. Package values and gift card balances follow the
  same versioned-update discipline as the balance cache: a guarded UPDATE
  whose zero-affected-rows result maps to ledger.ErrWriteConflict.

SEE ALSO:
  - sqlite.go: Schema and the cash ledger implementation
  - prepaid/prepaid.go, giftcard/giftcard.go: Interface contracts
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/giftcard"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/prepaid"
)

var _ prepaid.Store = (*Store)(nil)
var _ giftcard.Store = (*Store)(nil)

// =============================================================================
// PACKAGES (prepaid.Store)
// =============================================================================

func (s *Store) SavePackage(ctx context.Context, pkg prepaid.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO packages
		(id, client_id, name, original_value, remaining_value, status, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		pkg.ID, pkg.ClientID, pkg.Name,
		pkg.OriginalValue.String(), pkg.RemainingValue.String(),
		pkg.Status, pkg.Version,
		pkg.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save package: %w", err)
	}
	return nil
}

const selectPackage = `
	SELECT id, client_id, name, original_value, remaining_value, status, version, created_at
	FROM packages
`

func (s *Store) GetPackage(ctx context.Context, id prepaid.PackageID) (*prepaid.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectPackage+" WHERE id = ?", id)
	pkg, err := scanPackage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &pkg, nil
}

func (s *Store) ListPackages(ctx context.Context, clientID ledger.ClientID) ([]prepaid.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectPackage+" WHERE client_id = ? ORDER BY created_at DESC", clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var packages []prepaid.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		packages = append(packages, pkg)
	}
	return packages, rows.Err()
}

func scanPackage(row rowScanner) (prepaid.Package, error) {
	var (
		pkg                 prepaid.Package
		original, remaining string
		createdAt           string
	)
	err := row.Scan(&pkg.ID, &pkg.ClientID, &pkg.Name, &original, &remaining,
		&pkg.Status, &pkg.Version, &createdAt)
	if err != nil {
		return pkg, err
	}
	pkg.OriginalValue = mustDecimal(original)
	pkg.RemainingValue = mustDecimal(remaining)
	pkg.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return pkg, nil
}

func (s *Store) UpdatePackageValue(ctx context.Context, id prepaid.PackageID, remaining decimal.Decimal,
	status prepaid.PackageStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE packages
		SET remaining_value = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, remaining.String(), status, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update package: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := s.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM packages WHERE id = ?", id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrPackageNotFound
		}
		return ledger.ErrWriteConflict
	}
	return nil
}

// =============================================================================
// MEMBERSHIPS (prepaid.Store)
// =============================================================================

func (s *Store) SaveMembership(ctx context.Context, m prepaid.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var cancelledAt any
	if m.CancelledAt != nil {
		cancelledAt = m.CancelledAt.Format(time.RFC3339Nano)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memberships
		(id, client_id, membership_type, fee, status, created_at, cancelled_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID, m.ClientID, m.Type, m.Fee.String(), m.Status,
		m.CreatedAt.Format(time.RFC3339Nano), cancelledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save membership: %w", err)
	}
	return nil
}

const selectMembership = `
	SELECT id, client_id, membership_type, fee, status, created_at, cancelled_at
	FROM memberships
`

func (s *Store) GetMembership(ctx context.Context, id prepaid.MembershipID) (*prepaid.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectMembership+" WHERE id = ?", id)
	m, err := scanMembership(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) ListMemberships(ctx context.Context, clientID ledger.ClientID) ([]prepaid.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectMembership+" WHERE client_id = ? ORDER BY created_at ASC", clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var memberships []prepaid.Membership
	for rows.Next() {
		m, err := scanMembership(rows)
		if err != nil {
			return nil, err
		}
		memberships = append(memberships, m)
	}
	return memberships, rows.Err()
}

func scanMembership(row rowScanner) (prepaid.Membership, error) {
	var (
		m           prepaid.Membership
		fee         string
		createdAt   string
		cancelledAt sql.NullString
	)
	err := row.Scan(&m.ID, &m.ClientID, &m.Type, &fee, &m.Status, &createdAt, &cancelledAt)
	if err != nil {
		return m, err
	}
	m.Fee = mustDecimal(fee)
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if cancelledAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, cancelledAt.String)
		m.CancelledAt = &t
	}
	return m, nil
}

func (s *Store) UpdateMembershipStatus(ctx context.Context, id prepaid.MembershipID,
	status prepaid.MembershipStatus, cancelledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stamp any
	if cancelledAt != nil {
		stamp = cancelledAt.Format(time.RFC3339Nano)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE memberships SET status = ?, cancelled_at = ? WHERE id = ?
	`, status, stamp, id)
	if err != nil {
		return fmt.Errorf("failed to update membership: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ledger.ErrMembershipNotFound
	}
	return nil
}

// =============================================================================
// GIFT CARDS (giftcard.Store)
// =============================================================================

func (s *Store) SaveCard(ctx context.Context, card giftcard.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO gift_cards
		(id, code, purchased_by, holder_id, original_amount, current_balance,
		 status, expires_at, version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		card.ID, card.Code, card.PurchasedBy,
		nullString(string(card.HolderID)),
		card.OriginalAmount.String(), card.CurrentBalance.String(),
		card.Status,
		card.ExpiresAt.Format(time.RFC3339Nano),
		card.Version,
		card.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save gift card: %w", err)
	}
	return nil
}

const selectCard = `
	SELECT id, code, purchased_by, holder_id, original_amount, current_balance,
	       status, expires_at, version, created_at
	FROM gift_cards
`

func (s *Store) GetCardByCode(ctx context.Context, code string) (*giftcard.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, selectCard+" WHERE code = ?", code)
	card, err := scanCard(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadUsage(ctx, &card); err != nil {
		return nil, err
	}
	return &card, nil
}

func (s *Store) CodeExists(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM gift_cards WHERE code = ?", code).Scan(&count)
	return count > 0, err
}

func (s *Store) ListCards(ctx context.Context, clientID ledger.ClientID) ([]giftcard.Card, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		selectCard+" WHERE purchased_by = ? OR holder_id = ? ORDER BY created_at DESC",
		clientID, clientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cards []giftcard.Card
	for rows.Next() {
		card, err := scanCard(rows)
		if err != nil {
			return nil, err
		}
		cards = append(cards, card)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range cards {
		if err := s.loadUsage(ctx, &cards[i]); err != nil {
			return nil, err
		}
	}
	return cards, nil
}

func scanCard(row rowScanner) (giftcard.Card, error) {
	var (
		card                 giftcard.Card
		holder               sql.NullString
		original, balance    string
		expiresAt, createdAt string
	)
	err := row.Scan(&card.ID, &card.Code, &card.PurchasedBy, &holder,
		&original, &balance, &card.Status, &expiresAt, &card.Version, &createdAt)
	if err != nil {
		return card, err
	}
	card.HolderID = ledger.ClientID(holder.String)
	card.OriginalAmount = mustDecimal(original)
	card.CurrentBalance = mustDecimal(balance)
	card.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	card.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return card, nil
}

func (s *Store) loadUsage(ctx context.Context, card *giftcard.Card) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT used_at, amount, transaction_id
		FROM gift_card_usage
		WHERE card_id = ?
		ORDER BY used_at ASC
	`, card.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			u      giftcard.Usage
			usedAt string
			amount string
		)
		if err := rows.Scan(&usedAt, &amount, &u.TransactionID); err != nil {
			return err
		}
		u.Date, _ = time.Parse(time.RFC3339Nano, usedAt)
		u.Amount = mustDecimal(amount)
		card.Usage = append(card.Usage, u)
	}
	return rows.Err()
}

func (s *Store) UpdateCard(ctx context.Context, id giftcard.CardID, balance decimal.Decimal,
	status giftcard.Status, usage *giftcard.Usage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer sqlTx.Rollback()

	res, err := sqlTx.ExecContext(ctx, `
		UPDATE gift_cards
		SET current_balance = ?, status = ?, version = version + 1
		WHERE id = ? AND version = ?
	`, balance.String(), status, id, expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update gift card: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var count int
		if err := sqlTx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM gift_cards WHERE id = ?", id).Scan(&count); err != nil {
			return err
		}
		if count == 0 {
			return ledger.ErrGiftCardNotFound
		}
		return ledger.ErrWriteConflict
	}

	if usage != nil {
		_, err = sqlTx.ExecContext(ctx, `
			INSERT INTO gift_card_usage (card_id, used_at, amount, transaction_id)
			VALUES (?, ?, ?, ?)
		`, id, usage.Date.Format(time.RFC3339Nano), usage.Amount.String(), usage.TransactionID)
		if err != nil {
			return fmt.Errorf("failed to record gift card usage: %w", err)
		}
	}
	return sqlTx.Commit()
}
