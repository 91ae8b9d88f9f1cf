package storage

import (
	"context"
	"errors"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrInvalidCursor = errors.New("invalid cursor")
)

type Bank struct {
	ID        uuid.UUID
	Name      string
	Currency  string
	CreatedAt time.Time
}

type Customer struct {
	ID        uuid.UUID
	Name      string
	Phone     string
	CreatedAt time.Time
}

type Transaction struct {
	ID             uuid.UUID
	Amount         decimal.Decimal
	Rate           decimal.Decimal
	CostRate       decimal.Decimal
	Total          decimal.Decimal
	Profit         decimal.Decimal
	SourceCurrency string
	TargetCurrency string
	Sender         party.Ref
	Receiver       party.Ref
	CustomerID     *uuid.UUID
	FundingBankID  uuid.UUID
	CreatedBy      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TransactionFilter struct {
	From *time.Time
	To   *time.Time
	// Currency matches either side of the pair; SourceCurrency and
	// TargetCurrency match one side only.
	Currency       string
	SourceCurrency string
	TargetCurrency string
	// Profitable keeps profit > 0 when true and profit <= 0 when false.
	Profitable   *bool
	SenderKind   party.Kind
	ReceiverKind party.Kind
	CustomerID   *uuid.UUID
	BankID       *uuid.UUID
	Limit        int
	Cursor       string
}

type TransactionPage struct {
	Items      []Transaction
	NextCursor string
}

// PairStatistics aggregates transactions sharing a currency pair. TotalTotal
// sums the derived totals; AverageMargin averages profit/amount.
type PairStatistics struct {
	SourceCurrency string
	TargetCurrency string
	Count          int64
	TotalAmount    decimal.Decimal
	TotalTotal     decimal.Decimal
	TotalProfit    decimal.Decimal
	AverageRate    decimal.Decimal
	AverageMargin  decimal.Decimal
}

// DayStatistics counts the transactions created on one UTC calendar day.
type DayStatistics struct {
	Day         time.Time
	Count       int64
	TotalProfit decimal.Decimal
}

// Tx is the unit of work a transaction write runs in. Everything done through
// it commits or rolls back together.
type Tx interface {
	GetParty(ctx context.Context, ref party.Ref) (party.Party, error)
	LockTransaction(ctx context.Context, id uuid.UUID) (*Transaction, error)
	InsertTransaction(ctx context.Context, txn *Transaction) error
	UpdateTransaction(ctx context.Context, txn *Transaction) error
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	ListAllocations(ctx context.Context, transactionID uuid.UUID) ([]ledger.Allocation, error)
	ReplaceAllocations(ctx context.Context, transactionID uuid.UUID, allocations []ledger.Allocation) error
	// LockLots write-locks the fundable lots of bankID plus the lots named in
	// include, in FIFO order.
	LockLots(ctx context.Context, bankID uuid.UUID, include []uuid.UUID) ([]*ledger.Lot, error)
	SaveLots(ctx context.Context, lots []*ledger.Lot) error
	LockLot(ctx context.Context, id uuid.UUID) (*ledger.Lot, error)
	// DeleteLot removes the lot with its allocations and returns the ids of
	// the transactions that lost an allocation.
	DeleteLot(ctx context.Context, id uuid.UUID) ([]uuid.UUID, error)
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}
