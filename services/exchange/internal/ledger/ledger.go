// Package ledger models the funding lots a bank deposits and the allocations
// that consume them.
package ledger

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientLotBalance = errors.New("insufficient lot balance")
	ErrDoubleRelease          = errors.New("release exceeds lot initial amount")
	ErrNonPositiveAmount      = errors.New("amount must be positive")
)

var hundred = decimal.NewFromInt(100)

// Lot is a funding deposit of a bank. AvailableAmount stays within
// [0, InitialAmount]; it only changes through Consume and Release.
type Lot struct {
	ID              uuid.UUID
	FundingBankID   uuid.UUID
	Currency        string
	InitialAmount   decimal.Decimal
	AvailableAmount decimal.Decimal
	Rate            decimal.Decimal
	Description     string
	Sequence        int64
	CreatedAt       time.Time
}

// Allocation records how much of a lot one transaction used.
type Allocation struct {
	ID            uuid.UUID
	TransactionID uuid.UUID
	LotID         uuid.UUID
	AmountUsed    decimal.Decimal
	RateUsed      decimal.Decimal
	CreatedAt     time.Time
}

// NewLot builds a fresh, fully available lot.
func NewLot(bankID uuid.UUID, currency string, initial, rate decimal.Decimal, description string, now time.Time) (*Lot, error) {
	if bankID == uuid.Nil {
		return nil, fmt.Errorf("funding bank required")
	}
	if !initial.IsPositive() {
		return nil, fmt.Errorf("initial amount: %w", ErrNonPositiveAmount)
	}
	if !rate.IsPositive() {
		return nil, fmt.Errorf("rate: %w", ErrNonPositiveAmount)
	}
	return &Lot{
		ID:              uuid.New(),
		FundingBankID:   bankID,
		Currency:        currency,
		InitialAmount:   initial,
		AvailableAmount: initial,
		Rate:            rate,
		Description:     description,
		CreatedAt:       now.UTC(),
	}, nil
}

func (l *Lot) Consume(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("consume lot %s: %w", l.ID, ErrNonPositiveAmount)
	}
	if amount.GreaterThan(l.AvailableAmount) {
		return fmt.Errorf("%w: lot %s has %s, requested %s", ErrInsufficientLotBalance, l.ID, l.AvailableAmount, amount)
	}
	l.AvailableAmount = l.AvailableAmount.Sub(amount)
	return nil
}

// Release returns capacity to the lot. Releasing past the initial amount means
// the same allocation was released twice, and is reported rather than clamped.
func (l *Lot) Release(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return fmt.Errorf("release lot %s: %w", l.ID, ErrNonPositiveAmount)
	}
	next := l.AvailableAmount.Add(amount)
	if next.GreaterThan(l.InitialAmount) {
		return fmt.Errorf("%w: lot %s initial %s, available would be %s", ErrDoubleRelease, l.ID, l.InitialAmount, next)
	}
	l.AvailableAmount = next
	return nil
}

func (l *Lot) UsedAmount() decimal.Decimal {
	return l.InitialAmount.Sub(l.AvailableAmount)
}

func (l *Lot) PercentageUsed() decimal.Decimal {
	if l.InitialAmount.IsZero() {
		return decimal.Zero
	}
	return l.UsedAmount().Mul(hundred).DivRound(l.InitialAmount, 2)
}

// Code is the operator-facing lot label.
func (l *Lot) Code() string {
	return fmt.Sprintf("COM-%03d", l.Sequence)
}

func (l *Lot) Fundable() bool {
	return l.AvailableAmount.IsPositive()
}

func (l *Lot) Clone() *Lot {
	c := *l
	return &c
}

// FIFOLess orders by creation time, then by id bytes.
func FIFOLess(a, b *Lot) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func SortFIFO(lots []*Lot) {
	sort.SliceStable(lots, func(i, j int) bool { return FIFOLess(lots[i], lots[j]) })
}

// Fundable returns the lots of bankID with spare capacity, oldest first.
func Fundable(lots []*Lot, bankID uuid.UUID) []*Lot {
	out := make([]*Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.FundingBankID == bankID && lot.Fundable() {
			out = append(out, lot)
		}
	}
	SortFIFO(out)
	return out
}

func TotalAvailable(lots []*Lot) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.AvailableAmount)
	}
	return total
}

// Conserved reports whether initial == available + Σ allocations for the lot.
func Conserved(lot *Lot, allocations []Allocation) bool {
	used := decimal.Zero
	for _, a := range allocations {
		if a.LotID == lot.ID {
			used = used.Add(a.AmountUsed)
		}
	}
	return lot.InitialAmount.Equal(lot.AvailableAmount.Add(used))
}
