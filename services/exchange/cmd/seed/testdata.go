package main

import (
	"context"
	"errors"

	"github.com/1wilber/currency-manager/libs/logging"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var sampleTransactionID = uuid.MustParse("00000000-0000-0000-0000-0000000007a1")

// seedTestData books one funded transaction through the service so the lot
// allocations it produces match what the API would have written.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	logger := logging.Discard()
	svc := service.New(storage.New(pool, logger), service.Options{DefaultFundingBankID: fundingBankID}, logger, nil)

	amount := decimal.RequireFromString("100")
	rate := decimal.RequireFromString("37.5")
	id := sampleTransactionID

	_, err := svc.CreateTransaction(ctx, service.CreateTransactionInput{
		ID:             &id,
		Amount:         &amount,
		Rate:           &rate,
		TargetCurrency: "VES",
		Sender:         party.Ref{Kind: party.KindBank, ID: payoutBankID},
		Receiver:       party.Ref{Kind: party.KindCustomer, ID: customerID},
		CreatedBy:      "seed",
	})
	if errors.Is(err, service.ErrDuplicate) {
		return nil
	}
	return err
}
