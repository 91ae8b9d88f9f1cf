package money

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestComputeReferenceExample(t *testing.T) {
	fig := Compute(d("1000"), d("35"), d("34"))

	if !fig.Total.Equal(d("35000")) {
		t.Fatalf("total = %s", fig.Total)
	}
	if !fig.CostTotal.Equal(d("34000")) {
		t.Fatalf("cost total = %s", fig.CostTotal)
	}
	if !fig.Profit.Equal(d("-28.57")) {
		t.Fatalf("profit = %s", fig.Profit)
	}
}

func TestComputeTotalIsExact(t *testing.T) {
	cases := []struct{ amount, rate, want string }{
		{"0.1", "0.2", "0.02"},
		{"123.456789", "36.5", "4506.1727985"},
		{"1", "0.0000000001", "0.0000000001"},
	}
	for _, tc := range cases {
		fig := Compute(d(tc.amount), d(tc.rate), d("1"))
		if !fig.Total.Equal(d(tc.want)) {
			t.Fatalf("%s*%s: got %s want %s", tc.amount, tc.rate, fig.Total, tc.want)
		}
	}
}

func TestComputeZeroRateHasZeroProfit(t *testing.T) {
	for _, cost := range []string{"0", "34", "-5"} {
		fig := Compute(d("1000"), decimal.Zero, d(cost))
		if !fig.Profit.IsZero() {
			t.Fatalf("cost %s: expected zero profit, got %s", cost, fig.Profit)
		}
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	a := Compute(d("777.77"), d("36.123"), d("35.9"))
	b := Compute(d("777.77"), d("36.123"), d("35.9"))
	if a.Total.String() != b.Total.String() || a.Profit.String() != b.Profit.String() {
		t.Fatalf("recompute differs: %+v vs %+v", a, b)
	}
}

func TestProfitMargin(t *testing.T) {
	if got := ProfitMargin(d("-28.57"), d("1000"), d("35")); !got.Equal(d("-0.02857")) {
		t.Fatalf("margin = %s", got)
	}
	if got := ProfitMargin(d("10"), d("1000"), decimal.Zero); !got.IsZero() {
		t.Fatalf("zero rate margin = %s", got)
	}
	if got := ProfitMargin(d("10"), decimal.Zero, d("35")); !got.IsZero() {
		t.Fatalf("zero amount margin = %s", got)
	}
}

func TestPercentages(t *testing.T) {
	if got := FundingPercentage(d("50"), d("150")); !got.Equal(d("33.33")) {
		t.Fatalf("funding pct = %s", got)
	}
	if got := FundingPercentage(d("50"), decimal.Zero); !got.IsZero() {
		t.Fatalf("zero total pct = %s", got)
	}
	if got := ProfitPercentageOnTotal(d("-28.57"), d("35000")); !got.Equal(d("-0.0816")) {
		t.Fatalf("profit pct = %s", got)
	}
	if got := RateSpread(d("35"), d("34.5")); !got.Equal(d("0.5")) {
		t.Fatalf("spread = %s", got)
	}
}

func TestWeightedRate(t *testing.T) {
	got := WeightedRate([]Weighted{
		{Amount: d("100"), Rate: d("34")},
		{Amount: d("50"), Rate: d("37")},
	})
	if !got.Equal(d("35")) {
		t.Fatalf("weighted = %s", got)
	}
	if got := WeightedRate(nil); !got.IsZero() {
		t.Fatalf("empty weighted = %s", got)
	}
	third := WeightedRate([]Weighted{
		{Amount: d("1"), Rate: d("1")},
		{Amount: d("2"), Rate: d("0")},
	})
	if !third.Equal(d("0.3333333333")) {
		t.Fatalf("rounded weighted = %s", third)
	}
}

func TestParseLocalized(t *testing.T) {
	cases := []struct{ in, want string }{
		{"1.234,56", "1234.56"},
		{"1234,5", "1234.5"},
		{"1234.56", "1234.56"},
		{" 35 ", "35"},
		{"1.234.567", "1234567"},
		{"-0,75", "-0.75"},
		{"1.000", "1000"},
		{"35.000", "35000"},
		{"-2.500", "-2500"},
		{"37.5", "37.5"},
		{"36.50", "36.5"},
		{"0.125", "0.125"},
		{"1234.567", "1234.567"},
	}
	for _, tc := range cases {
		got, err := ParseLocalized(tc.in)
		if err != nil {
			t.Fatalf("%q: unexpected error %v", tc.in, err)
		}
		if !got.Equal(d(tc.want)) {
			t.Fatalf("%q: got %s want %s", tc.in, got, tc.want)
		}
	}

	if _, err := ParseLocalized("  "); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	for _, bad := range []string{"1,2,3", "abc", "12a", "1.23.4"} {
		if _, err := ParseLocalized(bad); !errors.Is(err, ErrInvalid) {
			t.Fatalf("%q: expected ErrInvalid, got %v", bad, err)
		}
	}
}
