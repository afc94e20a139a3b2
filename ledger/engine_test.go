package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
	"github.com/warp/ledger-engine/ledger/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestEngine(t *testing.T) (*ledger.Engine, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	return ledger.NewEngine(mem), mem
}

func seedClient(t *testing.T, s *store.Memory, id ledger.ClientID) {
	t.Helper()
	err := s.SaveAccount(context.Background(), ledger.Account{
		ID:        id,
		Name:      "Client " + string(id),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("failed to seed client: %v", err)
	}
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// =============================================================================
// RECORDING AND RUNNING BALANCE
// =============================================================================

func TestRecordTransaction_RunningBalance(t *testing.T) {
	// GIVEN: A client with an empty ledger
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	// WHEN: A 100.00 sale is charged and a 60.00 payment received
	sale, err := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice",
		Type:     ledger.TxSale,
		Debit:    dec("100.00"),
	})
	if err != nil {
		t.Fatalf("sale failed: %v", err)
	}
	payment, err := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice",
		Type:     ledger.TxPayment,
		Credit:   dec("60.00"),
	})
	if err != nil {
		t.Fatalf("payment failed: %v", err)
	}

	// THEN: Each entry carries the running balance at its point in the log
	if !sale.BalanceAfter.Equal(dec("-100")) {
		t.Errorf("sale BalanceAfter = %s, want -100", sale.BalanceAfter)
	}
	if !payment.BalanceAfter.Equal(dec("-40")) {
		t.Errorf("payment BalanceAfter = %s, want -40", payment.BalanceAfter)
	}

	// AND: The cached balance matches a full replay of the log
	balance, err := engine.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	txs, err := mem.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !balance.Equal(ledger.SumBalance(txs)) {
		t.Errorf("cache %s != replay %s", balance, ledger.SumBalance(txs))
	}
	if !balance.Equal(dec("-40")) {
		t.Errorf("balance = %s, want -40", balance)
	}
}

func TestRecordTransaction_Validation(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	cases := []struct {
		name  string
		entry ledger.Entry
	}{
		{"missing client", ledger.Entry{Type: ledger.TxSale, Debit: dec("1")}},
		{"unknown type", ledger.Entry{ClientID: "alice", Type: "loan", Debit: dec("1")}},
		{"negative debit", ledger.Entry{ClientID: "alice", Type: ledger.TxSale, Debit: dec("-5")}},
		{"negative credit", ledger.Entry{ClientID: "alice", Type: ledger.TxPayment, Credit: dec("-5")}},
		{"both sides on a sale", ledger.Entry{ClientID: "alice", Type: ledger.TxSale,
			Debit: dec("5"), Credit: dec("5")}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.RecordTransaction(ctx, tc.entry)
			if !errors.Is(err, ledger.ErrInvalidEntry) {
				t.Errorf("err = %v, want ErrInvalidEntry", err)
			}
		})
	}

	// Nothing reached the log
	txs, _ := mem.Load(ctx, "alice")
	if len(txs) != 0 {
		t.Errorf("rejected entries leaked into the log: %d entries", len(txs))
	}
}

func TestRecordTransaction_UnknownClient(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.RecordTransaction(context.Background(), ledger.Entry{
		ClientID: "ghost",
		Type:     ledger.TxSale,
		Debit:    dec("10"),
	})
	if !errors.Is(err, ledger.ErrClientNotFound) {
		t.Errorf("err = %v, want ErrClientNotFound", err)
	}
}

func TestRecordTransaction_IdempotencyKey(t *testing.T) {
	// GIVEN: A committed entry with an idempotency key
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	entry := ledger.Entry{
		ClientID:       "alice",
		Type:           ledger.TxSale,
		Debit:          dec("25"),
		IdempotencyKey: "visit-42",
	}
	if _, err := engine.RecordTransaction(ctx, entry); err != nil {
		t.Fatalf("first commit failed: %v", err)
	}

	// WHEN: The same entry is retried
	_, err := engine.RecordTransaction(ctx, entry)

	// THEN: The retry is rejected and the original commit stands alone
	if !errors.Is(err, ledger.ErrDuplicateIdempotencyKey) {
		t.Fatalf("err = %v, want ErrDuplicateIdempotencyKey", err)
	}
	txs, _ := mem.Load(ctx, "alice")
	if len(txs) != 1 {
		t.Errorf("log has %d entries, want 1", len(txs))
	}
	balance, _ := engine.GetBalance(ctx, "alice")
	if !balance.Equal(dec("-25")) {
		t.Errorf("balance = %s, want -25", balance)
	}
}

// =============================================================================
// SELF-HEALING BALANCE CACHE
// =============================================================================

func TestGetBalance_SelfHealsUninitializedCache(t *testing.T) {
	// GIVEN: A log written behind the cache's back (e.g. imported data)
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	for i, amount := range []string{"10", "20", "30"} {
		err := mem.Append(ctx, ledger.Transaction{
			ID:        ledger.NewTransactionID(),
			ClientID:  "alice",
			Date:      time.Now().UTC().Add(time.Duration(i) * time.Second),
			Type:      ledger.TxPayment,
			Credit:    dec(amount),
			CreatedAt: time.Now().UTC(),
		})
		if err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}

	// WHEN: The balance is read for the first time
	balance, err := engine.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}

	// THEN: It is recomputed from the log and the cache is initialized
	if !balance.Equal(dec("60")) {
		t.Errorf("balance = %s, want 60", balance)
	}
	acct, _ := mem.GetAccount(ctx, "alice")
	if !acct.BalanceInitialized {
		t.Error("cache not initialized after read")
	}
	if !acct.CurrentBalance.Equal(dec("60")) {
		t.Errorf("cached balance = %s, want 60", acct.CurrentBalance)
	}

	// AND: Subsequent commits build on the healed value
	tx, err := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice", Type: ledger.TxSale, Debit: dec("15"),
	})
	if err != nil {
		t.Fatalf("commit after heal failed: %v", err)
	}
	if !tx.BalanceAfter.Equal(dec("45")) {
		t.Errorf("BalanceAfter = %s, want 45", tx.BalanceAfter)
	}
}

// =============================================================================
// VOID WITH COMPENSATION
// =============================================================================

func TestVoid_RestoresBalanceAndKeepsLog(t *testing.T) {
	// GIVEN: A sale and a payment on the ledger
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	sale, _ := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice", Type: ledger.TxSale, Debit: dec("80"),
	})
	engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice", Type: ledger.TxPayment, Credit: dec("80"),
	})

	// WHEN: The sale is voided
	comp, err := engine.Void(ctx, sale.ID, "charged wrong client")
	if err != nil {
		t.Fatalf("Void failed: %v", err)
	}

	// THEN: The compensating entry reverses the sale exactly
	if !comp.Credit.Equal(dec("80")) || !comp.Debit.IsZero() {
		t.Errorf("compensating entry = debit %s credit %s, want credit 80", comp.Debit, comp.Credit)
	}
	if comp.Reference != string(sale.ID) {
		t.Errorf("compensating reference = %q, want original id", comp.Reference)
	}
	if !comp.Voided() {
		t.Error("compensating entry must carry the void stamp")
	}

	// AND: The original is stamped, never edited or removed
	orig, _ := mem.GetTransaction(ctx, sale.ID)
	if orig == nil || !orig.Voided() {
		t.Fatal("original not stamped voided")
	}
	if orig.VoidReason != "charged wrong client" {
		t.Errorf("void reason = %q", orig.VoidReason)
	}
	if !orig.Debit.Equal(dec("80")) {
		t.Error("original amounts were modified")
	}

	// AND: Cache and replay agree on the restored balance
	balance, _ := engine.GetBalance(ctx, "alice")
	if !balance.Equal(dec("80")) {
		t.Errorf("balance = %s, want 80 (payment only)", balance)
	}
	txs, _ := mem.Load(ctx, "alice")
	if len(txs) != 3 {
		t.Errorf("log has %d entries, want 3", len(txs))
	}
	if !ledger.SumBalance(txs).Equal(balance) {
		t.Errorf("replay %s != cache %s", ledger.SumBalance(txs), balance)
	}
}

func TestVoid_TwiceNeverDoubleCompensates(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	sale, _ := engine.RecordTransaction(ctx, ledger.Entry{
		ClientID: "alice", Type: ledger.TxSale, Debit: dec("50"),
	})
	if _, err := engine.Void(ctx, sale.ID, "first"); err != nil {
		t.Fatalf("first void failed: %v", err)
	}

	_, err := engine.Void(ctx, sale.ID, "second")
	if !errors.Is(err, ledger.ErrTransactionVoided) {
		t.Fatalf("err = %v, want ErrTransactionVoided", err)
	}

	balance, _ := engine.GetBalance(ctx, "alice")
	if !balance.IsZero() {
		t.Errorf("balance = %s, want 0", balance)
	}
	txs, _ := mem.Load(ctx, "alice")
	if len(txs) != 2 {
		t.Errorf("log has %d entries, want 2 (original + one compensation)", len(txs))
	}
}

func TestVoid_UnknownTransaction(t *testing.T) {
	engine, _ := newTestEngine(t)

	_, err := engine.Void(context.Background(), "nope", "reason")
	if !errors.Is(err, ledger.ErrTransactionNotFound) {
		t.Errorf("err = %v, want ErrTransactionNotFound", err)
	}
}

// =============================================================================
// RECONCILIATION
// =============================================================================

func TestReconcile_CleanLedgerMatches(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	engine.RecordTransaction(ctx, ledger.Entry{ClientID: "alice", Type: ledger.TxSale, Debit: dec("30")})
	engine.RecordTransaction(ctx, ledger.Entry{ClientID: "alice", Type: ledger.TxPayment, Credit: dec("30")})

	report, err := engine.Reconcile(ctx, "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !report.Matches {
		t.Errorf("Matches = false: cached %s computed %s", report.CachedBalance, report.ComputedBalance)
	}
	if report.TransactionCount != 2 {
		t.Errorf("TransactionCount = %d, want 2", report.TransactionCount)
	}
}

func TestReconcile_ReportsDriftWithoutRepair(t *testing.T) {
	// GIVEN: A ledger whose log was appended behind the cache's back
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	engine.RecordTransaction(ctx, ledger.Entry{ClientID: "alice", Type: ledger.TxPayment, Credit: dec("100")})
	err := mem.Append(ctx, ledger.Transaction{
		ID:        ledger.NewTransactionID(),
		ClientID:  "alice",
		Date:      time.Now().UTC(),
		Type:      ledger.TxPayment,
		Credit:    dec("5"),
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	// WHEN: Reconciliation runs
	report, err := engine.Reconcile(ctx, "alice")
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	// THEN: Drift is reported and the cache is left untouched
	if report.Matches {
		t.Error("Matches = true, want drift")
	}
	if !report.CachedBalance.Equal(dec("100")) || !report.ComputedBalance.Equal(dec("105")) {
		t.Errorf("cached %s computed %s, want 100 and 105", report.CachedBalance, report.ComputedBalance)
	}
	acct, _ := mem.GetAccount(ctx, "alice")
	if !acct.CurrentBalance.Equal(dec("100")) {
		t.Errorf("cache repaired to %s, reconciliation must not write", acct.CurrentBalance)
	}
}

// =============================================================================
// HISTORY
// =============================================================================

func TestGetHistory_FilterAndPaging(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	base := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		typ := ledger.TxSale
		entry := ledger.Entry{ClientID: "alice", Type: typ, Debit: dec("10"),
			Date: base.AddDate(0, 0, i)}
		if i%2 == 1 {
			entry.Type = ledger.TxPayment
			entry.Debit = decimal.Zero
			entry.Credit = dec("10")
		}
		if _, err := engine.RecordTransaction(ctx, entry); err != nil {
			t.Fatalf("seed %d failed: %v", i, err)
		}
	}

	// Newest first, bounded
	page, err := engine.GetHistory(ctx, "alice", ledger.HistoryFilter{Limit: 2})
	if err != nil {
		t.Fatalf("GetHistory failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page size = %d, want 2", len(page))
	}
	if !page[0].Date.After(page[1].Date) {
		t.Error("history not reverse-chronological")
	}

	// Type filter
	sales, err := engine.GetHistory(ctx, "alice", ledger.HistoryFilter{Type: ledger.TxSale, Limit: 10})
	if err != nil {
		t.Fatalf("GetHistory with type failed: %v", err)
	}
	if len(sales) != 3 {
		t.Errorf("sales = %d, want 3", len(sales))
	}

	// Date window
	window, err := engine.GetHistory(ctx, "alice", ledger.HistoryFilter{
		From:  base.AddDate(0, 0, 2),
		To:    base.AddDate(0, 0, 4),
		Limit: 10,
	})
	if err != nil {
		t.Fatalf("GetHistory with window failed: %v", err)
	}
	if len(window) != 3 {
		t.Errorf("window = %d, want 3", len(window))
	}

	// Unknown client
	if _, err := engine.GetHistory(ctx, "ghost", ledger.HistoryFilter{}); !errors.Is(err, ledger.ErrClientNotFound) {
		t.Errorf("err = %v, want ErrClientNotFound", err)
	}
}

// =============================================================================
// BATCH ADJUSTMENTS
// =============================================================================

func TestBatchAdjust_PerItemIsolation(t *testing.T) {
	// GIVEN: Two valid targets and one unknown client in one batch
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	seedClient(t, mem, "bob")
	ctx := context.Background()

	results := engine.BatchAdjust(ctx, []ledger.Adjustment{
		{ClientID: "alice", Amount: dec("10"), Reason: "goodwill credit"},
		{ClientID: "ghost", Amount: dec("10"), Reason: "goodwill credit"},
		{ClientID: "bob", Amount: dec("-4"), Reason: "billing correction"},
	})

	// THEN: The failure is isolated to its item
	if results[0].Err != nil || results[2].Err != nil {
		t.Fatalf("valid items failed: %v, %v", results[0].Err, results[2].Err)
	}
	if !errors.Is(results[1].Err, ledger.ErrClientNotFound) {
		t.Errorf("ghost err = %v, want ErrClientNotFound", results[1].Err)
	}

	aliceBalance, _ := engine.GetBalance(ctx, "alice")
	bobBalance, _ := engine.GetBalance(ctx, "bob")
	if !aliceBalance.Equal(dec("10")) {
		t.Errorf("alice balance = %s, want 10", aliceBalance)
	}
	if !bobBalance.Equal(dec("-4")) {
		t.Errorf("bob balance = %s, want -4", bobBalance)
	}
}

// =============================================================================
// PAYMENTS
// =============================================================================

func TestProcessPayment(t *testing.T) {
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	ctx := context.Background()

	tx, err := engine.ProcessPayment(ctx, "alice", dec("45.50"), ledger.PayCard, "inv-9", "")
	if err != nil {
		t.Fatalf("ProcessPayment failed: %v", err)
	}
	if tx.Type != ledger.TxPayment || !tx.Credit.Equal(dec("45.50")) {
		t.Errorf("unexpected payment entry: %+v", tx)
	}
	if tx.PaymentMethod != ledger.PayCard {
		t.Errorf("method = %s, want card", tx.PaymentMethod)
	}

	if _, err := engine.ProcessPayment(ctx, "alice", dec("0"), ledger.PayCash, "", ""); !errors.Is(err, ledger.ErrInvalidEntry) {
		t.Errorf("zero payment err = %v, want ErrInvalidEntry", err)
	}
	if _, err := engine.ProcessPayment(ctx, "alice", dec("-1"), ledger.PayCash, "", ""); !errors.Is(err, ledger.ErrInvalidEntry) {
		t.Errorf("negative payment err = %v, want ErrInvalidEntry", err)
	}
}

// =============================================================================
// CONCURRENCY
// =============================================================================

func TestConcurrentCommits_NoLostUpdates(t *testing.T) {
	// GIVEN: Many writers hammering the same client
	engine, mem := newTestEngine(t)
	seedClient(t, mem, "alice")
	// Adversarial contention: every commit races every other, so allow far
	// more retries than production needs.
	engine.MaxRetries = 64
	ctx := context.Background()

	const writers = 8
	const perWriter = 20

	var wg sync.WaitGroup
	errCh := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := engine.RecordTransaction(ctx, ledger.Entry{
					ClientID: "alice",
					Type:     ledger.TxPayment,
					Credit:   dec("1"),
					Notes:    fmt.Sprintf("w%d-%d", w, i),
				})
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent commit failed: %v", err)
	}

	// THEN: No update was lost
	balance, err := engine.GetBalance(ctx, "alice")
	if err != nil {
		t.Fatalf("GetBalance failed: %v", err)
	}
	want := decimal.NewFromInt(writers * perWriter)
	if !balance.Equal(want) {
		t.Fatalf("balance = %s, want %s", balance, want)
	}

	// AND: The log totally orders the commits: replaying it reproduces
	// every BalanceAfter exactly
	txs, err := mem.Load(ctx, "alice")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(txs) != writers*perWriter {
		t.Fatalf("log has %d entries, want %d", len(txs), writers*perWriter)
	}
	running := decimal.Zero
	for i, tx := range txs {
		running = running.Add(tx.Effect())
		if !tx.BalanceAfter.Equal(running) {
			t.Fatalf("entry %d BalanceAfter = %s, replay says %s", i, tx.BalanceAfter, running)
		}
	}
}

func TestCommit_WriteConflictSurfacesAfterRetries(t *testing.T) {
	// GIVEN: A store whose version check always fails
	mem := store.NewMemory()
	seedClient(t, mem, "alice")
	ctx := context.Background()

	err := mem.Commit(ctx, ledger.Transaction{
		ID:        ledger.NewTransactionID(),
		ClientID:  "alice",
		Date:      time.Now().UTC(),
		Type:      ledger.TxPayment,
		Credit:    dec("1"),
		CreatedAt: time.Now().UTC(),
	}, dec("1"), 99)

	// THEN: The stale version is rejected as a write conflict
	if !errors.Is(err, ledger.ErrWriteConflict) {
		t.Fatalf("err = %v, want ErrWriteConflict", err)
	}
	if !ledger.IsRetryable(err) {
		t.Error("write conflicts must be retryable")
	}
}
