package testutil

import (
	"context"
	"net"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// exchangeTables lists every exchange table; TRUNCATE handles the foreign keys.
const exchangeTables = "lot_allocations, transactions, balance_lots, customers, banks"

// TestDatabaseURL is CURRENCY_TEST_DATABASE_URL when set, otherwise a URL
// assembled from the CURRENCY_DB_* variables the service itself reads.
func TestDatabaseURL() string {
	if raw := os.Getenv("CURRENCY_TEST_DATABASE_URL"); raw != "" {
		return raw
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(getEnv("CURRENCY_DB_USER", "currency"), getEnv("CURRENCY_DB_PASSWORD", "currency")),
		Host:     net.JoinHostPort(getEnv("CURRENCY_DB_HOST", "localhost"), getEnv("CURRENCY_DB_PORT", "5432")),
		Path:     "/" + getEnv("CURRENCY_DB_NAME", "currency_manager_test"),
		RawQuery: url.Values{"sslmode": {getEnv("CURRENCY_DB_SSLMODE", "disable")}}.Encode(),
	}
	return u.String()
}

// ExchangeDB connects to the integration database, applies migrate and empties
// the exchange tables. The test is skipped unless RUN_DB_INTEGRATION is set or
// when the database cannot be reached.
func ExchangeDB(t testing.TB, migrate func(context.Context, *pgxpool.Pool) error) *pgxpool.Pool {
	t.Helper()
	if os.Getenv("RUN_DB_INTEGRATION") == "" {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, TestDatabaseURL())
	if err != nil {
		t.Skipf("connect db: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("ping db: %v", err)
	}
	t.Cleanup(pool.Close)

	if migrate != nil {
		if err := migrate(ctx, pool); err != nil {
			t.Fatalf("migrate: %v", err)
		}
	}
	if _, err := pool.Exec(ctx, "TRUNCATE "+exchangeTables); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
