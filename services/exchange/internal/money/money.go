// Package money derives the monetary figures of an exchange from its amount,
// rate and cost rate. All arithmetic is decimal; no binary floats are involved.
package money

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	// ProfitPlaces is the rounding applied to profit.
	ProfitPlaces = 2
	// RatePlaces is the precision kept for derived rates.
	RatePlaces = 10
)

var (
	ErrEmpty   = errors.New("empty amount")
	ErrInvalid = errors.New("invalid amount")
)

var hundred = decimal.NewFromInt(100)

// Figures are the derived money fields of a transaction.
type Figures struct {
	Total     decimal.Decimal
	CostTotal decimal.Decimal
	Profit    decimal.Decimal
}

// Compute returns total = amount*rate, cost_total = amount*cost_rate and
// profit = round((cost_total-total)/rate, 2). Profit is zero when rate is zero.
func Compute(amount, rate, costRate decimal.Decimal) Figures {
	total := amount.Mul(rate)
	costTotal := amount.Mul(costRate)

	profit := decimal.Zero
	if !rate.IsZero() {
		profit = costTotal.Sub(total).DivRound(rate, ProfitPlaces)
	}

	return Figures{
		Total:     total,
		CostTotal: costTotal,
		Profit:    profit,
	}
}

// ProfitMargin is profit per unit of amount, zero when rate or amount is zero.
func ProfitMargin(profit, amount, rate decimal.Decimal) decimal.Decimal {
	if rate.IsZero() || amount.IsZero() {
		return decimal.Zero
	}
	return profit.DivRound(amount, RatePlaces)
}

func RateSpread(rate, costRate decimal.Decimal) decimal.Decimal {
	return rate.Sub(costRate)
}

// ProfitPercentageOnTotal is profit as a percentage of total, rounded to 4 places.
func ProfitPercentageOnTotal(profit, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return profit.Mul(hundred).DivRound(total, 4)
}

// FundingPercentage is funded/total*100 rounded to 2 places. A zero total is 0%.
func FundingPercentage(funded, total decimal.Decimal) decimal.Decimal {
	if total.IsZero() {
		return decimal.Zero
	}
	return funded.Mul(hundred).DivRound(total, ProfitPlaces)
}

// Weighted is one (amount, rate) contribution to a weighted average rate.
type Weighted struct {
	Amount decimal.Decimal
	Rate   decimal.Decimal
}

// WeightedRate returns Σ(amount*rate)/Σ(amount), or zero for an empty or
// zero-weight set.
func WeightedRate(parts []Weighted) decimal.Decimal {
	weight := decimal.Zero
	sum := decimal.Zero
	for _, p := range parts {
		weight = weight.Add(p.Amount)
		sum = sum.Add(p.Amount.Mul(p.Rate))
	}
	if weight.IsZero() {
		return decimal.Zero
	}
	return sum.DivRound(weight, RatePlaces)
}

// thousandsGrouped matches "1.000" and "12.345.678" but not "0.125".
var thousandsGrouped = regexp.MustCompile(`^-?[1-9][0-9]{0,2}(\.[0-9]{3})+$`)

// ParseLocalized accepts canonical decimals ("1234.56") and the es-VE form
// with dot thousands and a comma decimal separator ("1.234,56"). Without a
// comma, dots that split the digits into groups of three ("1.000", "35.000")
// are thousands separators.
func ParseLocalized(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, " ", "")
	if s == "" {
		return decimal.Zero, ErrEmpty
	}

	switch {
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		if strings.Count(s, ",") > 1 {
			return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, raw)
		}
		s = strings.Replace(s, ",", ".", 1)
	case thousandsGrouped.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
	case strings.Count(s, ".") > 1:
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalid, raw)
	}
	return d, nil
}
