// Package funding allocates a transaction's required total against the funding
// lots of a bank, oldest lot first.
package funding

import (
	"errors"
	"fmt"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownLot        = errors.New("allocation references unknown lot")
)

// Request describes one allocation pass. Lots must already be write-locked by
// the caller's unit of work and include every lot referenced by Previous.
type Request struct {
	TransactionID uuid.UUID
	FundingBankID uuid.UUID
	Total         decimal.Decimal
	Lots          []*ledger.Lot
	Previous      []ledger.Allocation
}

type Result struct {
	Allocations []ledger.Allocation
	Released    []ledger.Allocation
	// Touched holds the lots whose available amount changed, FIFO ordered.
	Touched   []*ledger.Lot
	CostRate  decimal.Decimal
	Available decimal.Decimal
}

func (r *Result) Funded() decimal.Decimal {
	return SumUsed(r.Allocations)
}

type Engine struct {
	now func() time.Time
}

func NewEngine() *Engine {
	return &Engine{now: time.Now}
}

// Allocate releases the previous allocations, then walks the fundable lots of
// the funding bank consuming min(remaining, available) from each. It works on
// copies of the given lots, so a failed pass leaves them untouched.
func (e *Engine) Allocate(req Request) (*Result, error) {
	if req.Total.IsNegative() {
		return nil, fmt.Errorf("total must not be negative")
	}
	if req.FundingBankID == uuid.Nil && req.Total.IsPositive() {
		return nil, fmt.Errorf("funding bank required")
	}

	lots := make([]*ledger.Lot, 0, len(req.Lots))
	byID := make(map[uuid.UUID]*ledger.Lot, len(req.Lots))
	for _, lot := range req.Lots {
		c := lot.Clone()
		lots = append(lots, c)
		byID[c.ID] = c
	}
	touched := make(map[uuid.UUID]struct{})

	for _, prev := range req.Previous {
		lot, ok := byID[prev.LotID]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLot, prev.LotID)
		}
		if err := lot.Release(prev.AmountUsed); err != nil {
			return nil, fmt.Errorf("release allocation %s: %w", prev.ID, err)
		}
		touched[lot.ID] = struct{}{}
	}

	result := &Result{
		Released: req.Previous,
		CostRate: decimal.Zero,
	}

	fundable := ledger.Fundable(lots, req.FundingBankID)
	result.Available = ledger.TotalAvailable(fundable)

	if req.Total.IsPositive() {
		if result.Available.LessThan(req.Total) {
			return nil, fmt.Errorf("%w: available %s, required %s", ErrInsufficientFunds, result.Available, req.Total)
		}

		now := e.now().UTC()
		remaining := req.Total
		for _, lot := range fundable {
			if !remaining.IsPositive() {
				break
			}
			use := decimal.Min(remaining, lot.AvailableAmount)
			if !use.IsPositive() {
				continue
			}
			if err := lot.Consume(use); err != nil {
				return nil, err
			}
			result.Allocations = append(result.Allocations, ledger.Allocation{
				ID:            uuid.New(),
				TransactionID: req.TransactionID,
				LotID:         lot.ID,
				AmountUsed:    use,
				RateUsed:      lot.Rate,
				CreatedAt:     now,
			})
			touched[lot.ID] = struct{}{}
			remaining = remaining.Sub(use)
		}
		result.CostRate = CostRate(result.Allocations)
	}

	for _, lot := range lots {
		if _, ok := touched[lot.ID]; ok {
			result.Touched = append(result.Touched, lot)
		}
	}
	ledger.SortFIFO(result.Touched)
	return result, nil
}

// CostRate is the amount-weighted average of the allocations' rates.
func CostRate(allocations []ledger.Allocation) decimal.Decimal {
	parts := make([]money.Weighted, 0, len(allocations))
	for _, a := range allocations {
		parts = append(parts, money.Weighted{Amount: a.AmountUsed, Rate: a.RateUsed})
	}
	return money.WeightedRate(parts)
}

func SumUsed(allocations []ledger.Allocation) decimal.Decimal {
	sum := decimal.Zero
	for _, a := range allocations {
		sum = sum.Add(a.AmountUsed)
	}
	return sum
}
