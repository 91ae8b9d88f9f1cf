package ledger

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func mustLot(t *testing.T, bank uuid.UUID, initial string, at time.Time) *Lot {
	t.Helper()
	lot, err := NewLot(bank, "VES", d(initial), d("36"), "", at)
	if err != nil {
		t.Fatalf("new lot: %v", err)
	}
	return lot
}

func TestNewLotValidates(t *testing.T) {
	if _, err := NewLot(uuid.Nil, "VES", d("1"), d("1"), "", time.Now()); err == nil {
		t.Fatalf("expected bank error")
	}
	if _, err := NewLot(uuid.New(), "VES", d("0"), d("1"), "", time.Now()); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive error, got %v", err)
	}
	if _, err := NewLot(uuid.New(), "VES", d("10"), d("-1"), "", time.Now()); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive rate error, got %v", err)
	}
}

func TestConsumeAndRelease(t *testing.T) {
	lot := mustLot(t, uuid.New(), "100", time.Now())

	if err := lot.Consume(d("60")); err != nil {
		t.Fatalf("consume: %v", err)
	}
	if !lot.AvailableAmount.Equal(d("40")) {
		t.Fatalf("available = %s", lot.AvailableAmount)
	}
	if err := lot.Consume(d("40.01")); !errors.Is(err, ErrInsufficientLotBalance) {
		t.Fatalf("expected ErrInsufficientLotBalance, got %v", err)
	}
	if !lot.AvailableAmount.Equal(d("40")) {
		t.Fatalf("failed consume mutated lot: %s", lot.AvailableAmount)
	}
	if err := lot.Release(d("60")); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := lot.Release(d("0.01")); !errors.Is(err, ErrDoubleRelease) {
		t.Fatalf("expected ErrDoubleRelease, got %v", err)
	}
	if !lot.AvailableAmount.Equal(d("100")) {
		t.Fatalf("available after release = %s", lot.AvailableAmount)
	}
	if err := lot.Consume(decimal.Zero); !errors.Is(err, ErrNonPositiveAmount) {
		t.Fatalf("expected non-positive error, got %v", err)
	}
}

func TestLotDerivedFields(t *testing.T) {
	lot := mustLot(t, uuid.New(), "300", time.Now())
	lot.Sequence = 7
	_ = lot.Consume(d("100"))

	if lot.Code() != "COM-007" {
		t.Fatalf("code = %s", lot.Code())
	}
	if !lot.UsedAmount().Equal(d("100")) {
		t.Fatalf("used = %s", lot.UsedAmount())
	}
	if !lot.PercentageUsed().Equal(d("33.33")) {
		t.Fatalf("pct = %s", lot.PercentageUsed())
	}
}

func TestFundableOrdersFIFOAndFilters(t *testing.T) {
	bank := uuid.New()
	other := uuid.New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	newest := mustLot(t, bank, "10", base.Add(2*time.Hour))
	oldest := mustLot(t, bank, "10", base)
	empty := mustLot(t, bank, "10", base.Add(-time.Hour))
	_ = empty.Consume(d("10"))
	foreign := mustLot(t, other, "10", base.Add(-2*time.Hour))

	tieA := mustLot(t, bank, "10", base.Add(time.Hour))
	tieB := mustLot(t, bank, "10", base.Add(time.Hour))
	tieA.ID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	tieB.ID = uuid.MustParse("00000000-0000-0000-0000-000000000002")

	got := Fundable([]*Lot{newest, tieB, foreign, oldest, empty, tieA}, bank)
	want := []*Lot{oldest, tieA, tieB, newest}
	if len(got) != len(want) {
		t.Fatalf("expected %d lots, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("position %d: got %s want %s", i, got[i].ID, want[i].ID)
		}
	}
	if !TotalAvailable(got).Equal(d("40")) {
		t.Fatalf("total available = %s", TotalAvailable(got))
	}
}

func TestConserved(t *testing.T) {
	lot := mustLot(t, uuid.New(), "100", time.Now())
	_ = lot.Consume(d("30"))
	allocs := []Allocation{{LotID: lot.ID, AmountUsed: d("30")}, {LotID: uuid.New(), AmountUsed: d("5")}}
	if !Conserved(lot, allocs) {
		t.Fatalf("expected conserved")
	}
	if Conserved(lot, allocs[1:]) {
		t.Fatalf("expected violation without matching allocation")
	}
}
