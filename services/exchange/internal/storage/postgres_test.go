package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/testutil"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	pool := testutil.ExchangeDB(t, Migrate)
	return New(pool, nil), pool
}

func TestPostgresLotAllocationRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	bank := Bank{Name: "Banesco", Currency: "VES"}
	if err := store.CreateBank(ctx, &bank); err != nil {
		t.Fatalf("create bank: %v", err)
	}
	customer := Customer{Name: "Ana"}
	if err := store.CreateCustomer(ctx, &customer); err != nil {
		t.Fatalf("create customer: %v", err)
	}

	base := time.Now().UTC().Truncate(time.Microsecond)
	first, _ := ledger.NewLot(bank.ID, "VES", d("100"), d("34"), "first", base)
	second, _ := ledger.NewLot(bank.ID, "VES", d("100"), d("37"), "second", base.Add(time.Second))
	for _, lot := range []*ledger.Lot{second, first} {
		if err := store.InsertLot(ctx, lot); err != nil {
			t.Fatalf("insert lot: %v", err)
		}
	}

	txn := &Transaction{
		ID:             uuid.New(),
		Amount:         d("10"),
		Rate:           d("15"),
		CostRate:       d("0"),
		Total:          d("150"),
		Profit:         d("0"),
		SourceCurrency: "USD",
		TargetCurrency: "VES",
		Sender:         party.Ref{Kind: party.KindCustomer, ID: customer.ID},
		Receiver:       party.Ref{Kind: party.KindBank, ID: bank.ID},
		FundingBankID:  bank.ID,
		CreatedAt:      base,
		UpdatedAt:      base,
	}

	err := store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			return err
		}
		lots, err := tx.LockLots(ctx, bank.ID, nil)
		if err != nil {
			return err
		}
		if len(lots) != 2 || lots[0].ID != first.ID {
			t.Errorf("expected FIFO lock order, got %+v", lots)
		}
		_ = lots[0].Consume(d("100"))
		_ = lots[1].Consume(d("50"))
		allocs := []ledger.Allocation{
			{ID: uuid.New(), LotID: lots[0].ID, AmountUsed: d("100"), RateUsed: lots[0].Rate, CreatedAt: base},
			{ID: uuid.New(), LotID: lots[1].ID, AmountUsed: d("50"), RateUsed: lots[1].Rate, CreatedAt: base.Add(time.Millisecond)},
		}
		if err := tx.ReplaceAllocations(ctx, txn.ID, allocs); err != nil {
			return err
		}
		return tx.SaveLots(ctx, lots)
	})
	if err != nil {
		t.Fatalf("within tx: %v", err)
	}

	allocs, err := store.ListAllocations(ctx, txn.ID)
	if err != nil || len(allocs) != 2 {
		t.Fatalf("list allocations: %v %+v", err, allocs)
	}
	lots, err := store.ListLots(ctx, bank.ID, false)
	if err != nil {
		t.Fatalf("list lots: %v", err)
	}
	for _, lot := range lots {
		if !ledger.Conserved(lot, allocs) {
			t.Fatalf("lot %s not conserved", lot.Code())
		}
	}
	fundable, _ := store.ListLots(ctx, bank.ID, true)
	if len(fundable) != 1 || fundable[0].ID != second.ID {
		t.Fatalf("unexpected fundable lots %+v", fundable)
	}

	notProfitable := false
	page, err := store.ListTransactions(ctx, TransactionFilter{SourceCurrency: "usd", TargetCurrency: "VES", Profitable: &notProfitable})
	if err != nil || len(page.Items) != 1 {
		t.Fatalf("expected zero-profit transaction listed as not profitable: %v %+v", err, page.Items)
	}
	days, err := store.DailyStatistics(ctx, TransactionFilter{})
	if err != nil || len(days) != 1 || days[0].Count != 1 || !days[0].Day.Equal(dayOf(base)) {
		t.Fatalf("unexpected daily statistics: %v %+v", err, days)
	}

	var affected []uuid.UUID
	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		lot, err := tx.LockLot(ctx, first.ID)
		if err != nil {
			return err
		}
		if lot.FundingBankID != bank.ID {
			t.Errorf("locked lot of bank %s", lot.FundingBankID)
		}
		affected, err = tx.DeleteLot(ctx, first.ID)
		return err
	})
	if err != nil {
		t.Fatalf("delete lot: %v", err)
	}
	if len(affected) != 1 || affected[0] != txn.ID {
		t.Fatalf("expected %s affected, got %v", txn.ID, affected)
	}
	if allocs, _ := store.ListAllocations(ctx, txn.ID); len(allocs) != 1 || allocs[0].LotID != second.ID {
		t.Fatalf("expected only the second lot allocation, got %+v", allocs)
	}

	err = store.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		return tx.DeleteTransaction(ctx, txn.ID)
	})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetTransaction(ctx, txn.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if allocs, _ := store.ListAllocations(ctx, txn.ID); len(allocs) != 0 {
		t.Fatalf("allocations not cascaded: %+v", allocs)
	}
}

func TestPostgresDuplicateBank(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	if err := store.CreateBank(ctx, &Bank{Name: "Mercantil", Currency: "VES"}); err != nil {
		t.Fatalf("create bank: %v", err)
	}
	if err := store.CreateBank(ctx, &Bank{Name: "Mercantil", Currency: "VES"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}
