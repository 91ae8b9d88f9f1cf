package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RecordBankBalance adds a funding lot to a bank. The lot takes the bank's
// currency and starts fully available.
func (s *Service) RecordBankBalance(ctx context.Context, in RecordBankBalanceInput) (*ledger.Lot, error) {
	if errs := in.validate(); len(errs) > 0 {
		return nil, errs
	}
	bank, err := s.bank(ctx, in.BankID)
	if err != nil {
		return nil, err
	}
	currency, _ := bank.Currency()

	lot, err := ledger.NewLot(in.BankID, currency, *in.InitialAmount, *in.Rate, strings.TrimSpace(in.Description), s.now())
	if err != nil {
		return nil, invalid("initial_amount", err.Error())
	}
	if err := s.store.InsertLot(ctx, lot); err != nil {
		s.logger.Error("record bank balance failed", "bank_id", in.BankID, "error", err)
		return nil, err
	}
	s.metrics.incLotsRecorded()
	s.logger.Info("bank balance recorded",
		"bank_id", in.BankID,
		"lot_id", lot.ID,
		"lot_code", lot.Code(),
		"amount", lot.InitialAmount.String(),
		"rate", lot.Rate.String(),
	)
	return lot, nil
}

func (s *Service) ListLots(ctx context.Context, bankID uuid.UUID, onlyFundable bool) ([]*ledger.Lot, error) {
	if _, err := s.bank(ctx, bankID); err != nil {
		return nil, err
	}
	return s.store.ListLots(ctx, bankID, onlyFundable)
}

// AvailableBalance is the amount a bank can still fund.
func (s *Service) AvailableBalance(ctx context.Context, bankID uuid.UUID) (decimal.Decimal, error) {
	lots, err := s.ListLots(ctx, bankID, true)
	if err != nil {
		return decimal.Zero, err
	}
	return ledger.TotalAvailable(lots), nil
}

// DeleteLot removes one of a bank's lots together with the allocations drawn
// from it. Cached summaries of the transactions that lost funding are dropped.
func (s *Service) DeleteLot(ctx context.Context, bankID, lotID uuid.UUID) error {
	var affected []uuid.UUID
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		lot, err := tx.LockLot(ctx, lotID)
		if err != nil {
			return err
		}
		if lot.FundingBankID != bankID {
			return fmt.Errorf("%w: lot %s", storage.ErrNotFound, lotID)
		}
		affected, err = tx.DeleteLot(ctx, lotID)
		return err
	})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrLotNotFound, lotID)
		}
		s.logger.Error("delete lot failed", "bank_id", bankID, "lot_id", lotID, "error", err)
		return err
	}
	for _, id := range affected {
		s.invalidateSummary(ctx, id)
	}
	s.logger.Warn("lot deleted with its allocations",
		"bank_id", bankID,
		"lot_id", lotID,
		"transactions_affected", len(affected),
	)
	return nil
}

func (s *Service) CreateBank(ctx context.Context, in CreateBankInput) (*storage.Bank, error) {
	if errs := in.validate(); len(errs) > 0 {
		return nil, errs
	}
	bank := &storage.Bank{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(in.Name),
		Currency:  normalizeCurrency(in.Currency),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateBank(ctx, bank); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: bank %q", ErrDuplicate, bank.Name)
		}
		s.logger.Error("create bank failed", "error", err)
		return nil, err
	}
	s.logger.Info("bank created", "bank_id", bank.ID, "currency", bank.Currency)
	return bank, nil
}

func (s *Service) CreateCustomer(ctx context.Context, in CreateCustomerInput) (*storage.Customer, error) {
	if errs := in.validate(); len(errs) > 0 {
		return nil, errs
	}
	customer := &storage.Customer{
		ID:        uuid.New(),
		Name:      strings.TrimSpace(in.Name),
		Phone:     strings.TrimSpace(in.Phone),
		CreatedAt: s.now(),
	}
	if err := s.store.CreateCustomer(ctx, customer); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			return nil, fmt.Errorf("%w: customer %q", ErrDuplicate, customer.Name)
		}
		s.logger.Error("create customer failed", "error", err)
		return nil, err
	}
	s.logger.Info("customer created", "customer_id", customer.ID)
	return customer, nil
}

// FundingSummary reports how a transaction is funded, lot by lot.
func (s *Service) FundingSummary(ctx context.Context, transactionID uuid.UUID) (*funding.Summary, error) {
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, transactionID)
		switch {
		case err != nil:
			s.metrics.incSummaryCache("error")
			s.logger.Warn("summary cache read failed", "transaction_id", transactionID, "error", err)
		case ok:
			s.metrics.incSummaryCache("hit")
			return cached, nil
		default:
			s.metrics.incSummaryCache("miss")
		}
	}

	txn, err := s.store.GetTransaction(ctx, transactionID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, transactionID)
		}
		return nil, err
	}
	allocations, err := s.store.ListAllocations(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	lots, err := s.store.GetLots(ctx, lotIDs(allocations))
	if err != nil {
		return nil, err
	}

	summary := funding.Summarize(txn.ID, txn.Total, allocations, lots)
	if s.cache != nil {
		if err := s.cache.Set(ctx, &summary); err != nil {
			s.logger.Warn("summary cache write failed", "transaction_id", transactionID, "error", err)
		}
	}
	return &summary, nil
}

func (s *Service) invalidateSummary(ctx context.Context, transactionID uuid.UUID) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, transactionID); err != nil {
		s.logger.Warn("summary cache invalidate failed", "transaction_id", transactionID, "error", err)
	}
}

func (s *Service) bank(ctx context.Context, id uuid.UUID) (party.Party, error) {
	p, err := s.store.GetParty(ctx, party.Ref{Kind: party.KindBank, ID: id})
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return party.Party{}, fmt.Errorf("%w: bank %s", ErrPartyNotFound, id)
		}
		return party.Party{}, err
	}
	return p, nil
}
