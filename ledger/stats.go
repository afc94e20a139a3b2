/*
stats.go - Read-only spending statistics folded from the log

PURPOSE:
  The client-profile screens want account summaries: how much a client has
  spent, paid and been refunded, how often they visit and what they visit
  for. All of it is derived by folding the transaction log; nothing here
  writes anything.

NOTES:
  Voided entries are excluded, matching the balance invariant. Visit
  counting treats each non-voided sale with a reference as one visit,
  since the visit collaborator always passes the visit id as reference.
*/
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ClientStats summarizes a client's ledger activity.
type ClientStats struct {
	ClientID ClientID

	TotalSpent    decimal.Decimal // sum of sale debits
	TotalPaid     decimal.Decimal // sum of payment credits
	TotalRefunded decimal.Decimal // sum of refund credits

	VisitCount int
	FirstVisit *time.Time
	LastVisit  *time.Time

	// Average visits per month between first and last visit. Zero when
	// fewer than two visits exist.
	VisitsPerMonth float64

	// Most frequent sale reference (typically the favorite service id).
	TopReference string

	// Spend by calendar month, keyed "2006-01".
	MonthlySpend map[string]decimal.Decimal
}

// Stats folds the full log for a client into a ClientStats.
func (en *Engine) Stats(ctx context.Context, id ClientID) (ClientStats, error) {
	if _, err := en.Store.GetAccount(ctx, id); err != nil {
		return ClientStats{}, err
	}
	txs, err := en.Store.Load(ctx, id)
	if err != nil {
		return ClientStats{}, err
	}
	return ComputeStats(id, txs), nil
}

// ComputeStats is the pure fold, exported for reporting tools that already
// hold the transactions.
func ComputeStats(id ClientID, txs []Transaction) ClientStats {
	stats := ClientStats{
		ClientID:      id,
		TotalSpent:    decimal.Zero,
		TotalPaid:     decimal.Zero,
		TotalRefunded: decimal.Zero,
		MonthlySpend:  make(map[string]decimal.Decimal),
	}
	refCounts := make(map[string]int)

	for _, tx := range txs {
		if tx.Voided() {
			continue
		}
		switch tx.Type {
		case TxSale:
			stats.TotalSpent = stats.TotalSpent.Add(tx.Debit)
			if !tx.Debit.IsZero() {
				month := tx.Date.Format("2006-01")
				stats.MonthlySpend[month] = stats.MonthlySpend[month].Add(tx.Debit)
			}
			if tx.Reference != "" {
				refCounts[tx.Reference]++
				stats.VisitCount++
				d := tx.Date
				if stats.FirstVisit == nil || d.Before(*stats.FirstVisit) {
					first := d
					stats.FirstVisit = &first
				}
				if stats.LastVisit == nil || d.After(*stats.LastVisit) {
					last := d
					stats.LastVisit = &last
				}
			}
		case TxPayment:
			stats.TotalPaid = stats.TotalPaid.Add(tx.Credit)
		case TxRefund:
			stats.TotalRefunded = stats.TotalRefunded.Add(tx.Credit)
		}
	}

	best := 0
	for ref, count := range refCounts {
		if count > best || (count == best && ref < stats.TopReference) {
			best = count
			stats.TopReference = ref
		}
	}

	if stats.VisitCount > 1 && stats.FirstVisit != nil && stats.LastVisit != nil {
		months := stats.LastVisit.Sub(*stats.FirstVisit).Hours() / (24 * 30)
		if months > 0 {
			stats.VisitsPerMonth = float64(stats.VisitCount) / months
		}
	}
	return stats
}
