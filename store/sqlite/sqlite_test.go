package sqlite_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/ledger-engine/giftcard"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/prepaid"
	"github.com/warp/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func seedClient(t *testing.T, s *sqlite.Store, id ledger.ClientID) {
	t.Helper()
	require.NoError(t, s.SaveAccount(context.Background(), ledger.Account{
		ID:        id,
		Name:      "Client " + string(id),
		CreatedAt: time.Now().UTC(),
	}))
}

func paymentTx(id ledger.ClientID, amount string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:           ledger.NewTransactionID(),
		ClientID:     id,
		Date:         at,
		Type:         ledger.TxPayment,
		Debit:        decimal.Zero,
		Credit:       dec(amount),
		BalanceAfter: dec(amount),
		CreatedAt:    at,
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestAccounts_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.GetAccount(ctx, "nobody")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)

	acct := ledger.Account{
		ID:        "alice",
		Name:      "Alice",
		Phone:     "555-0101",
		Email:     "alice@example.com",
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveAccount(ctx, acct))

	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Equal(t, "555-0101", got.Phone)
	assert.True(t, got.CurrentBalance.IsZero())
	assert.False(t, got.BalanceInitialized)

	accounts, err := store.ListAccounts(ctx)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestSaveAccount_UpdateTouchesProfileOnly(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	// Establish a non-zero cached balance
	require.NoError(t, store.Commit(ctx, paymentTx("alice", "75", time.Now().UTC()), dec("75"), 0))

	// Re-saving the account with zero balance fields must not clobber it
	require.NoError(t, store.SaveAccount(ctx, ledger.Account{
		ID:   "alice",
		Name: "Alice Renamed",
	}))

	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Renamed", got.Name)
	assert.True(t, got.CurrentBalance.Equal(dec("75")), "balance = %s", got.CurrentBalance)
	assert.True(t, got.BalanceInitialized)
	assert.Equal(t, int64(1), got.BalanceVersion)
}

// =============================================================================
// COMMITS AND THE VERSION CHECK
// =============================================================================

func TestCommit_VersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	require.NoError(t, store.Commit(ctx, paymentTx("alice", "10", time.Now().UTC()), dec("10"), 0))

	// Stale version fails without touching anything
	err := store.Commit(ctx, paymentTx("alice", "5", time.Now().UTC()), dec("15"), 0)
	require.ErrorIs(t, err, ledger.ErrWriteConflict)

	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.Equal(dec("10")))
	txs, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, txs, 1, "conflicted commit leaked a log entry")

	// The fresh version succeeds
	require.NoError(t, store.Commit(ctx, paymentTx("alice", "5", time.Now().UTC()), dec("15"), got.BalanceVersion))
}

func TestCommit_UnknownClient(t *testing.T) {
	store := newTestStore(t)
	err := store.Commit(context.Background(), paymentTx("ghost", "1", time.Now().UTC()), dec("1"), 0)
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
}

func TestCommit_DuplicateIdempotencyKeyRollsBack(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	tx := paymentTx("alice", "10", time.Now().UTC())
	tx.IdempotencyKey = "pay-1"
	require.NoError(t, store.Commit(ctx, tx, dec("10"), 0))

	exists, err := store.Exists(ctx, "pay-1")
	require.NoError(t, err)
	assert.True(t, exists)

	dup := paymentTx("alice", "10", time.Now().UTC())
	dup.IdempotencyKey = "pay-1"
	err = store.Commit(ctx, dup, dec("20"), 1)
	require.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)

	// The whole atomic unit rolled back: balance and version unchanged
	got, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.CurrentBalance.Equal(dec("10")))
	assert.Equal(t, int64(1), got.BalanceVersion)
}

func TestLoadAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	base := time.Date(2026, time.May, 1, 10, 0, 0, 0, time.UTC)
	version := int64(0)
	for i := 0; i < 4; i++ {
		tx := paymentTx("alice", "10", base.AddDate(0, 0, i))
		if i == 3 {
			tx.Type = ledger.TxSale
			tx.Debit, tx.Credit = dec("10"), decimal.Zero
		}
		require.NoError(t, store.Commit(ctx, tx, dec("10"), version))
		version++
	}

	// Load: chronological
	txs, err := store.Load(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, txs, 4)
	assert.True(t, txs[0].Date.Before(txs[3].Date))

	// History: reverse-chronological with filters
	page, err := store.History(ctx, "alice", ledger.HistoryFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].Date.After(page[1].Date))

	sales, err := store.History(ctx, "alice", ledger.HistoryFilter{Type: ledger.TxSale})
	require.NoError(t, err)
	assert.Len(t, sales, 1)

	window, err := store.History(ctx, "alice", ledger.HistoryFilter{
		From: base.AddDate(0, 0, 1),
		To:   base.AddDate(0, 0, 2),
	})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestGetTransaction(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	tx := paymentTx("alice", "10", time.Now().UTC())
	tx.Reference = "inv-1"
	tx.PaymentMethod = ledger.PayCard
	require.NoError(t, store.Commit(ctx, tx, dec("10"), 0))

	got, err := store.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "inv-1", got.Reference)
	assert.Equal(t, ledger.PayCard, got.PaymentMethod)
	assert.True(t, got.Credit.Equal(dec("10")))

	missing, err := store.GetTransaction(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

// =============================================================================
// VOID COMMIT
// =============================================================================

func TestVoidCommit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	orig := ledger.Transaction{
		ID:           ledger.NewTransactionID(),
		ClientID:     "alice",
		Date:         time.Now().UTC(),
		Type:         ledger.TxSale,
		Debit:        dec("80"),
		Credit:       decimal.Zero,
		BalanceAfter: dec("-80"),
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.Commit(ctx, orig, dec("-80"), 0))

	now := time.Now().UTC()
	comp := ledger.Transaction{
		ID:           ledger.NewTransactionID(),
		ClientID:     "alice",
		Date:         now,
		Type:         ledger.TxAdjustment,
		Debit:        decimal.Zero,
		Credit:       dec("80"),
		BalanceAfter: decimal.Zero,
		Reference:    string(orig.ID),
		VoidedAt:     &now,
		VoidReason:   "wrong client",
		CreatedAt:    now,
	}
	require.NoError(t, store.VoidCommit(ctx, orig.ID, now, "wrong client", comp, decimal.Zero, 1))

	stamped, err := store.GetTransaction(ctx, orig.ID)
	require.NoError(t, err)
	require.NotNil(t, stamped.VoidedAt)
	assert.Equal(t, "wrong client", stamped.VoidReason)

	acct, err := store.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, acct.CurrentBalance.IsZero())

	// Voiding the same entry again fails before anything else happens
	err = store.VoidCommit(ctx, orig.ID, now, "again", comp, dec("80"), 2)
	require.ErrorIs(t, err, ledger.ErrTransactionVoided)

	err = store.VoidCommit(ctx, "nope", now, "x", comp, decimal.Zero, 2)
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

// =============================================================================
// LOYALTY POINTS
// =============================================================================

func TestPoints_CommitAndHistory(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	points, version, err := store.GetPoints(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), points)
	assert.Equal(t, int64(0), version)

	entry := ledger.PointsEntry{
		ID:           uuid.NewString(),
		ClientID:     "alice",
		Type:         ledger.PointsEarned,
		Points:       50,
		BalanceAfter: 50,
		Description:  "visit",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, store.CommitPoints(ctx, entry, 50, 0))

	// Stale version is rejected
	err = store.CommitPoints(ctx, entry, 100, 0)
	require.ErrorIs(t, err, ledger.ErrWriteConflict)

	points, version, err = store.GetPoints(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(50), points)
	assert.Equal(t, int64(1), version)

	history, err := store.PointsHistory(ctx, "alice", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ledger.PointsEarned, history[0].Type)

	_, _, err = store.GetPoints(ctx, "ghost")
	assert.ErrorIs(t, err, ledger.ErrClientNotFound)
}

// =============================================================================
// SUB-LEDGER TABLES
// =============================================================================

func TestPackages_RoundTripAndVersionCheck(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	pkg := prepaid.Package{
		ID:             prepaid.PackageID(uuid.NewString()),
		ClientID:       "alice",
		Name:           "10x massage",
		OriginalValue:  dec("500"),
		RemainingValue: dec("500"),
		Status:         prepaid.PackageActive,
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SavePackage(ctx, pkg))

	got, err := store.GetPackage(ctx, pkg.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.RemainingValue.Equal(dec("500")))

	require.NoError(t, store.UpdatePackageValue(ctx, pkg.ID, dec("450"), prepaid.PackageActive, 0))
	err = store.UpdatePackageValue(ctx, pkg.ID, dec("400"), prepaid.PackageActive, 0)
	require.ErrorIs(t, err, ledger.ErrWriteConflict)

	err = store.UpdatePackageValue(ctx, "nope", dec("1"), prepaid.PackageActive, 0)
	assert.ErrorIs(t, err, ledger.ErrPackageNotFound)

	list, err := store.ListPackages(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].RemainingValue.Equal(dec("450")))
	assert.Equal(t, int64(1), list[0].Version)

	missing, err := store.GetPackage(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestMemberships_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mem := prepaid.Membership{
		ID:        prepaid.MembershipID(uuid.NewString()),
		ClientID:  "alice",
		Type:      "gold",
		Fee:       dec("79.99"),
		Status:    prepaid.MembershipActive,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, store.SaveMembership(ctx, mem))

	now := time.Now().UTC()
	require.NoError(t, store.UpdateMembershipStatus(ctx, mem.ID, prepaid.MembershipCancelled, &now))

	got, err := store.GetMembership(ctx, mem.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, prepaid.MembershipCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)

	err = store.UpdateMembershipStatus(ctx, "nope", prepaid.MembershipCancelled, nil)
	assert.ErrorIs(t, err, ledger.ErrMembershipNotFound)
}

func TestGiftCards_RoundTripWithUsage(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	card := giftcard.Card{
		ID:             giftcard.CardID(uuid.NewString()),
		Code:           "GC-ABCD-EFGH-JKLM",
		PurchasedBy:    "alice",
		HolderID:       "bob",
		OriginalAmount: dec("100"),
		CurrentBalance: dec("100"),
		Status:         giftcard.StatusActive,
		ExpiresAt:      time.Now().UTC().AddDate(1, 0, 0),
		CreatedAt:      time.Now().UTC(),
	}
	require.NoError(t, store.SaveCard(ctx, card))

	exists, err := store.CodeExists(ctx, card.Code)
	require.NoError(t, err)
	assert.True(t, exists)

	usage := giftcard.Usage{
		Date:          time.Now().UTC(),
		Amount:        dec("30"),
		TransactionID: ledger.NewTransactionID(),
	}
	require.NoError(t, store.UpdateCard(ctx, card.ID, dec("70"), giftcard.StatusActive, &usage, 0))

	got, err := store.GetCardByCode(ctx, card.Code)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.CurrentBalance.Equal(dec("70")))
	require.Len(t, got.Usage, 1)
	assert.True(t, got.Usage[0].Amount.Equal(dec("30")))

	// Stale version
	err = store.UpdateCard(ctx, card.ID, dec("50"), giftcard.StatusActive, nil, 0)
	require.ErrorIs(t, err, ledger.ErrWriteConflict)

	// Visible to purchaser and holder
	forAlice, err := store.ListCards(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, forAlice, 1)
	forBob, err := store.ListCards(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, forBob, 1)
}

// =============================================================================
// ENGINE OVER SQLITE (smoke)
// =============================================================================

func TestEngineOverSQLite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	seedClient(t, store, "alice")

	engine := ledger.NewEngine(store)

	sale, err := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice", Type: ledger.TxSale, Debit: dec("100"),
	})
	require.NoError(t, err)
	_, err = engine.ProcessPayment(ctx, "alice", dec("60"), ledger.PayCash, "", "")
	require.NoError(t, err)

	balance, err := engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, balance.Equal(dec("-40")), "balance = %s", balance)

	comp, err := engine.Void(ctx, sale.ID, "mischarge")
	require.NoError(t, err)
	assert.True(t, comp.Credit.Equal(dec("100")))

	report, err := engine.Reconcile(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, report.Matches, "cached %s computed %s", report.CachedBalance, report.ComputedBalance)
	assert.True(t, report.CachedBalance.Equal(dec("60")))
}
