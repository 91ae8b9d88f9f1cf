package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/config"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	fundingBankID = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	payoutBankID  = uuid.MustParse("00000000-0000-0000-0000-0000000000b2")
	customerID    = uuid.MustParse("00000000-0000-0000-0000-0000000000c1")
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if !cfg.App.IsDev() {
		log.Fatalf("refusing to seed: env must be 'dev' or 'test' (got '%s')", cfg.App.Env)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}
	if err := storage.Migrate(ctx, pool); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedBanks(ctx, pool); err != nil {
		log.Fatalf("seed banks: %v", err)
	}
	fmt.Println("✓ Banks seeded")

	if err := seedCustomers(ctx, pool); err != nil {
		log.Fatalf("seed customers: %v", err)
	}
	fmt.Println("✓ Customers seeded")

	if err := seedLots(ctx, pool); err != nil {
		log.Fatalf("seed balance lots: %v", err)
	}
	fmt.Println("✓ Balance lots seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("  Funding bank (VES): %s\n", fundingBankID)
	fmt.Printf("  Payout bank (USD):  %s\n", payoutBankID)
	fmt.Printf("  Customer:           %s\n", customerID)
}

func seedBanks(ctx context.Context, pool *pgxpool.Pool) error {
	banks := []struct {
		id       uuid.UUID
		name     string
		currency string
	}{
		{fundingBankID, "Banco Funding", "VES"},
		{payoutBankID, "Payout USD", "USD"},
	}

	for _, bank := range banks {
		_, err := pool.Exec(ctx, `
			INSERT INTO banks (id, name, currency, created_at)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (id) DO UPDATE
			SET name = EXCLUDED.name,
			    currency = EXCLUDED.currency
		`, bank.id, bank.name, bank.currency, time.Now())
		if err != nil {
			return err
		}
	}
	return nil
}

func seedCustomers(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO customers (id, name, phone, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    phone = EXCLUDED.phone
	`, customerID, "Demo Customer", "+58 412 0000000", time.Now())
	return err
}

// seedLots inserts fixed lots only once so re-running never resets a
// balance that transactions have already drawn down.
func seedLots(ctx context.Context, pool *pgxpool.Pool) error {
	lots := []struct {
		id     uuid.UUID
		amount string
		rate   string
		desc   string
	}{
		{uuid.MustParse("00000000-0000-0000-0000-0000000001a1"), "10000", "35", "opening balance"},
		{uuid.MustParse("00000000-0000-0000-0000-0000000001a2"), "5000", "36", "top-up"},
	}

	base := time.Now().Add(-time.Hour)
	for i, lot := range lots {
		created := base.Add(time.Duration(i) * time.Minute)
		_, err := pool.Exec(ctx, `
			INSERT INTO balance_lots (id, funding_bank_id, currency, initial_amount, available_amount, rate, description, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4, $5, $6, $7, $7)
			ON CONFLICT (id) DO NOTHING
		`, lot.id, fundingBankID, "VES", lot.amount, lot.rate, lot.desc, created)
		if err != nil {
			return err
		}
	}
	return nil
}
