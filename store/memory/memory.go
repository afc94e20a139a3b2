// Package memory provides in-memory sub-ledger stores for tests and dev.
// The cash ledger's in-memory store lives in ledger/store; this package
// covers packages, memberships and gift cards with the same versioned
// update semantics as the SQLite store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/giftcard"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/prepaid"
)

type Store struct {
	mu          sync.Mutex
	packages    map[prepaid.PackageID]prepaid.Package
	memberships map[prepaid.MembershipID]prepaid.Membership
	cards       map[giftcard.CardID]giftcard.Card
	codes       map[string]giftcard.CardID
}

func New() *Store {
	return &Store{
		packages:    make(map[prepaid.PackageID]prepaid.Package),
		memberships: make(map[prepaid.MembershipID]prepaid.Membership),
		cards:       make(map[giftcard.CardID]giftcard.Card),
		codes:       make(map[string]giftcard.CardID),
	}
}

var _ prepaid.Store = (*Store)(nil)
var _ giftcard.Store = (*Store)(nil)

// =============================================================================
// PACKAGES
// =============================================================================

func (s *Store) SavePackage(_ context.Context, pkg prepaid.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.packages[pkg.ID] = pkg
	return nil
}

func (s *Store) GetPackage(_ context.Context, id prepaid.PackageID) (*prepaid.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, ok := s.packages[id]
	if !ok {
		return nil, nil
	}
	return &pkg, nil
}

func (s *Store) ListPackages(_ context.Context, clientID ledger.ClientID) ([]prepaid.Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []prepaid.Package
	for _, pkg := range s.packages {
		if pkg.ClientID == clientID {
			result = append(result, pkg)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) UpdatePackageValue(_ context.Context, id prepaid.PackageID, remaining decimal.Decimal,
	status prepaid.PackageStatus, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pkg, ok := s.packages[id]
	if !ok {
		return ledger.ErrPackageNotFound
	}
	if pkg.Version != expectedVersion {
		return ledger.ErrWriteConflict
	}
	pkg.RemainingValue = remaining
	pkg.Status = status
	pkg.Version++
	s.packages[id] = pkg
	return nil
}

// =============================================================================
// MEMBERSHIPS
// =============================================================================

func (s *Store) SaveMembership(_ context.Context, m prepaid.Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[m.ID] = m
	return nil
}

func (s *Store) GetMembership(_ context.Context, id prepaid.MembershipID) (*prepaid.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (s *Store) ListMemberships(_ context.Context, clientID ledger.ClientID) ([]prepaid.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []prepaid.Membership
	for _, m := range s.memberships {
		if m.ClientID == clientID {
			result = append(result, m)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) UpdateMembershipStatus(_ context.Context, id prepaid.MembershipID,
	status prepaid.MembershipStatus, cancelledAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.memberships[id]
	if !ok {
		return ledger.ErrMembershipNotFound
	}
	m.Status = status
	m.CancelledAt = cancelledAt
	s.memberships[id] = m
	return nil
}

// =============================================================================
// GIFT CARDS
// =============================================================================

func (s *Store) SaveCard(_ context.Context, card giftcard.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[card.ID] = card
	s.codes[card.Code] = card.ID
	return nil
}

func (s *Store) GetCardByCode(_ context.Context, code string) (*giftcard.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codes[code]
	if !ok {
		return nil, nil
	}
	card := s.cards[id]
	card.Usage = append([]giftcard.Usage(nil), card.Usage...)
	return &card, nil
}

func (s *Store) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[code]
	return ok, nil
}

func (s *Store) ListCards(_ context.Context, clientID ledger.ClientID) ([]giftcard.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []giftcard.Card
	for _, card := range s.cards {
		if card.PurchasedBy == clientID || card.HolderID == clientID {
			card.Usage = append([]giftcard.Usage(nil), card.Usage...)
			result = append(result, card)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (s *Store) UpdateCard(_ context.Context, id giftcard.CardID, balance decimal.Decimal,
	status giftcard.Status, usage *giftcard.Usage, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	card, ok := s.cards[id]
	if !ok {
		return ledger.ErrGiftCardNotFound
	}
	if card.Version != expectedVersion {
		return ledger.ErrWriteConflict
	}
	card.CurrentBalance = balance
	card.Status = status
	if usage != nil {
		card.Usage = append(append([]giftcard.Usage(nil), card.Usage...), *usage)
	}
	card.Version++
	s.cards[id] = card
	return nil
}
