package funding

import (
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusTrivial         Status = "trivial"
	StatusUnfunded        Status = "unfunded"
	StatusPartiallyFunded Status = "partially_funded"
	StatusFullyFunded     Status = "fully_funded"
)

// StatusOf projects the funding state from a transaction's total and allocations.
func StatusOf(total decimal.Decimal, allocations []ledger.Allocation) Status {
	if total.IsZero() {
		return StatusTrivial
	}
	if len(allocations) == 0 {
		return StatusUnfunded
	}
	if SumUsed(allocations).GreaterThanOrEqual(total) {
		return StatusFullyFunded
	}
	return StatusPartiallyFunded
}

type LotUsage struct {
	LotID      uuid.UUID       `json:"lot_id"`
	LotCode    string          `json:"lot_code,omitempty"`
	AmountUsed decimal.Decimal `json:"amount_used"`
	RateUsed   decimal.Decimal `json:"rate_used"`
	Percentage decimal.Decimal `json:"percentage"`
}

type Summary struct {
	TransactionID     uuid.UUID       `json:"transaction_id"`
	Status            Status          `json:"status"`
	Total             decimal.Decimal `json:"total"`
	TotalFunded       decimal.Decimal `json:"total_funded"`
	FundingPercentage decimal.Decimal `json:"funding_percentage"`
	CostRate          decimal.Decimal `json:"cost_rate"`
	Lots              []LotUsage      `json:"lots"`
}

// Summarize builds the read-only funding view. lots is used only to resolve
// display codes and may be nil.
func Summarize(transactionID uuid.UUID, total decimal.Decimal, allocations []ledger.Allocation, lots []*ledger.Lot) Summary {
	codes := make(map[uuid.UUID]string, len(lots))
	for _, lot := range lots {
		codes[lot.ID] = lot.Code()
	}

	funded := SumUsed(allocations)
	usage := make([]LotUsage, 0, len(allocations))
	for _, a := range allocations {
		usage = append(usage, LotUsage{
			LotID:      a.LotID,
			LotCode:    codes[a.LotID],
			AmountUsed: a.AmountUsed,
			RateUsed:   a.RateUsed,
			Percentage: money.FundingPercentage(a.AmountUsed, total),
		})
	}

	return Summary{
		TransactionID:     transactionID,
		Status:            StatusOf(total, allocations),
		Total:             total,
		TotalFunded:       funded,
		FundingPercentage: money.FundingPercentage(funded, total),
		CostRate:          CostRate(allocations),
		Lots:              usage,
	}
}
