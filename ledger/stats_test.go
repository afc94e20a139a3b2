package ledger_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/ledger-engine/ledger"
)

func statsTx(typ ledger.TransactionType, debit, credit string, date time.Time, ref string) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.NewTransactionID(),
		ClientID:  "alice",
		Date:      date,
		Type:      typ,
		Debit:     dec(debit),
		Credit:    dec(credit),
		Reference: ref,
		CreatedAt: date,
	}
}

func TestComputeStats(t *testing.T) {
	// GIVEN: Two visits a month apart, a payment, a refund, and a voided sale
	jan := time.Date(2026, time.January, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2026, time.February, 10, 0, 0, 0, 0, time.UTC)

	voided := statsTx(ledger.TxSale, "500", "0", jan, "massage")
	now := time.Now().UTC()
	voided.VoidedAt = &now

	txs := []ledger.Transaction{
		statsTx(ledger.TxSale, "100", "0", jan, "haircut"),
		statsTx(ledger.TxSale, "60", "0", feb, "haircut"),
		statsTx(ledger.TxPayment, "0", "120", feb, ""),
		statsTx(ledger.TxRefund, "0", "20", feb, ""),
		voided,
	}

	stats := ledger.ComputeStats("alice", txs)

	if !stats.TotalSpent.Equal(dec("160")) {
		t.Errorf("TotalSpent = %s, want 160 (voided sale excluded)", stats.TotalSpent)
	}
	if !stats.TotalPaid.Equal(dec("120")) {
		t.Errorf("TotalPaid = %s, want 120", stats.TotalPaid)
	}
	if !stats.TotalRefunded.Equal(dec("20")) {
		t.Errorf("TotalRefunded = %s, want 20", stats.TotalRefunded)
	}
	if stats.VisitCount != 2 {
		t.Errorf("VisitCount = %d, want 2", stats.VisitCount)
	}
	if stats.TopReference != "haircut" {
		t.Errorf("TopReference = %q, want haircut", stats.TopReference)
	}
	if stats.FirstVisit == nil || !stats.FirstVisit.Equal(jan) {
		t.Errorf("FirstVisit = %v, want %v", stats.FirstVisit, jan)
	}
	if stats.LastVisit == nil || !stats.LastVisit.Equal(feb) {
		t.Errorf("LastVisit = %v, want %v", stats.LastVisit, feb)
	}
	if stats.VisitsPerMonth <= 0 {
		t.Errorf("VisitsPerMonth = %f, want > 0", stats.VisitsPerMonth)
	}
	if !stats.MonthlySpend["2026-01"].Equal(dec("100")) {
		t.Errorf("January spend = %s, want 100", stats.MonthlySpend["2026-01"])
	}
	if !stats.MonthlySpend["2026-02"].Equal(dec("60")) {
		t.Errorf("February spend = %s, want 60", stats.MonthlySpend["2026-02"])
	}
}

func TestComputeStats_EmptyLog(t *testing.T) {
	stats := ledger.ComputeStats("alice", nil)
	if stats.VisitCount != 0 || stats.FirstVisit != nil {
		t.Errorf("empty log produced visits: %+v", stats)
	}
	if !stats.TotalSpent.Equal(decimal.Zero) {
		t.Errorf("TotalSpent = %s, want 0", stats.TotalSpent)
	}
}

func TestEngineStats_UnknownClient(t *testing.T) {
	engine, _ := newTestEngine(t)
	_, err := engine.Stats(context.Background(), "ghost")
	if !errors.Is(err, ledger.ErrClientNotFound) {
		t.Errorf("err = %v, want ErrClientNotFound", err)
	}
}
