package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/1wilber/currency-manager/libs/trace"
	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/money"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// TransactionView is a stored transaction with its allocations and the
// figures derived from them.
type TransactionView struct {
	storage.Transaction
	Allocations      []ledger.Allocation
	Status           funding.Status
	CostTotal        decimal.Decimal
	ProfitMargin     decimal.Decimal
	RateSpread       decimal.Decimal
	ProfitPercentage decimal.Decimal
}

func newView(txn storage.Transaction, allocations []ledger.Allocation) *TransactionView {
	figures := money.Compute(txn.Amount, txn.Rate, txn.CostRate)
	return &TransactionView{
		Transaction:      txn,
		Allocations:      allocations,
		Status:           funding.StatusOf(txn.Total, allocations),
		CostTotal:        figures.CostTotal,
		ProfitMargin:     money.ProfitMargin(txn.Profit, txn.Amount, txn.Rate),
		RateSpread:       money.RateSpread(txn.Rate, txn.CostRate),
		ProfitPercentage: money.ProfitPercentageOnTotal(txn.Profit, txn.Total),
	}
}

func (s *Service) CreateTransaction(ctx context.Context, in CreateTransactionInput) (*TransactionView, error) {
	const op = "create"
	started := time.Now()
	if errs := in.validate(); len(errs) > 0 {
		return nil, s.writeFailed(op, started, errs)
	}

	now := s.now()
	id := uuid.New()
	pinned := in.ID != nil && *in.ID != uuid.Nil
	if pinned {
		id = *in.ID
	}
	txn := &storage.Transaction{
		ID:             id,
		Amount:         *in.Amount,
		Rate:           *in.Rate,
		SourceCurrency: normalizeCurrency(in.SourceCurrency),
		TargetCurrency: normalizeCurrency(in.TargetCurrency),
		Sender:         in.Sender,
		Receiver:       in.Receiver,
		CustomerID:     in.CustomerID,
		FundingBankID:  s.fundingBank(in.FundingBankID),
		CreatedBy:      in.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var allocations []ledger.Allocation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if pinned {
			if err := ensureNew(ctx, tx, txn.ID); err != nil {
				return err
			}
		}
		if err := s.resolveParties(ctx, tx, txn); err != nil {
			return err
		}
		res, err := s.fund(ctx, tx, txn, nil, in.CostRate)
		if err != nil {
			// A concurrent replay may have committed while the lots were
			// locked, draining them.
			if pinned && errors.Is(err, funding.ErrInsufficientFunds) {
				if dupErr := ensureNew(ctx, tx, txn.ID); dupErr != nil {
					return dupErr
				}
			}
			return err
		}
		if err := tx.InsertTransaction(ctx, txn); err != nil {
			if errors.Is(err, storage.ErrDuplicate) {
				return fmt.Errorf("%w: transaction %s", ErrDuplicate, txn.ID)
			}
			return err
		}
		if err := persistFunding(ctx, tx, txn.ID, res); err != nil {
			return err
		}
		allocations = res.Allocations
		return nil
	})
	if err != nil {
		return nil, s.writeFailed(op, started, err)
	}

	s.metrics.observeWrite(op, "success", started)
	s.metrics.incAllocations(len(allocations))
	s.logger.Info("transaction created",
		"transaction_id", txn.ID,
		"total", txn.Total.String(),
		"cost_rate", txn.CostRate.String(),
		"allocations", len(allocations),
	)
	s.publishFunded(ctx, *txn, allocations)
	return newView(*txn, allocations), nil
}

// UpdateTransaction applies the set fields and re-runs the whole pipeline:
// previous allocations are released before the new total is allocated.
func (s *Service) UpdateTransaction(ctx context.Context, in UpdateTransactionInput) (*TransactionView, error) {
	const op = "update"
	started := time.Now()
	if errs := in.validate(); len(errs) > 0 {
		return nil, s.writeFailed(op, started, errs)
	}

	var (
		txn         *storage.Transaction
		allocations []ledger.Allocation
	)
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockTransaction(ctx, tx, in.ID)
		if err != nil {
			return err
		}
		previous, err := tx.ListAllocations(ctx, current.ID)
		if err != nil {
			return err
		}
		applyUpdate(current, in)
		current.UpdatedAt = s.now()
		if !current.UpdatedAt.After(current.CreatedAt) {
			current.UpdatedAt = current.CreatedAt.Add(time.Microsecond)
		}

		if err := s.resolveParties(ctx, tx, current); err != nil {
			return err
		}
		res, err := s.fund(ctx, tx, current, previous, in.CostRate)
		if err != nil {
			return err
		}
		if err := tx.UpdateTransaction(ctx, current); err != nil {
			return err
		}
		if err := persistFunding(ctx, tx, current.ID, res); err != nil {
			return err
		}
		txn = current
		allocations = res.Allocations
		return nil
	})
	if err != nil {
		return nil, s.writeFailed(op, started, err)
	}

	s.metrics.observeWrite(op, "success", started)
	s.metrics.incAllocations(len(allocations))
	s.logger.Info("transaction updated",
		"transaction_id", txn.ID,
		"total", txn.Total.String(),
		"cost_rate", txn.CostRate.String(),
		"allocations", len(allocations),
	)
	s.invalidateSummary(ctx, txn.ID)
	s.publishFunded(ctx, *txn, allocations)
	return newView(*txn, allocations), nil
}

// DeleteTransaction gives every allocated amount back to its lot, then removes
// the transaction.
func (s *Service) DeleteTransaction(ctx context.Context, id uuid.UUID) error {
	const op = "delete"
	started := time.Now()

	var released []ledger.Allocation
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		current, err := lockTransaction(ctx, tx, id)
		if err != nil {
			return err
		}
		previous, err := tx.ListAllocations(ctx, current.ID)
		if err != nil {
			return err
		}
		lots, err := tx.LockLots(ctx, uuid.Nil, lotIDs(previous))
		if err != nil {
			return err
		}
		res, err := s.engine.Allocate(funding.Request{
			TransactionID: current.ID,
			Total:         decimal.Zero,
			Lots:          lots,
			Previous:      previous,
		})
		if err != nil {
			return err
		}
		if err := tx.SaveLots(ctx, res.Touched); err != nil {
			return err
		}
		if err := tx.DeleteTransaction(ctx, current.ID); err != nil {
			return err
		}
		released = res.Released
		return nil
	})
	if err != nil {
		return s.writeFailed(op, started, err)
	}

	s.metrics.observeWrite(op, "success", started)
	s.logger.Info("transaction deleted", "transaction_id", id, "released", len(released))
	s.invalidateSummary(ctx, id)
	s.publishDeleted(ctx, id, released)
	return nil
}

func (s *Service) GetTransaction(ctx context.Context, id uuid.UUID) (*TransactionView, error) {
	txn, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, err
	}
	allocations, err := s.store.ListAllocations(ctx, id)
	if err != nil {
		return nil, err
	}
	return newView(*txn, allocations), nil
}

func (s *Service) ListTransactions(ctx context.Context, filter storage.TransactionFilter) (storage.TransactionPage, error) {
	page, err := s.store.ListTransactions(ctx, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			return storage.TransactionPage{}, invalid("cursor", "is invalid")
		}
		return storage.TransactionPage{}, err
	}
	return page, nil
}

// Statistics totals the filtered transactions overall, per currency pair and
// per UTC day.
type Statistics struct {
	Count         int64
	TotalAmount   decimal.Decimal
	TotalTotal    decimal.Decimal
	TotalProfit   decimal.Decimal
	AverageRate   decimal.Decimal
	AverageMargin decimal.Decimal
	Pairs         []storage.PairStatistics
	Daily         []storage.DayStatistics
	// DailyAverage is the mean transaction count over the days that had any,
	// rounded to 2 places.
	DailyAverage decimal.Decimal
}

func (s *Service) Statistics(ctx context.Context, filter storage.TransactionFilter) (*Statistics, error) {
	pairs, err := s.store.TransactionStatistics(ctx, filter)
	if err != nil {
		return nil, err
	}
	daily, err := s.store.DailyStatistics(ctx, filter)
	if err != nil {
		return nil, err
	}
	stats := &Statistics{
		TotalAmount:   decimal.Zero,
		TotalTotal:    decimal.Zero,
		TotalProfit:   decimal.Zero,
		AverageRate:   decimal.Zero,
		AverageMargin: decimal.Zero,
		Pairs:         pairs,
		Daily:         daily,
		DailyAverage:  decimal.Zero,
	}
	if len(daily) > 0 {
		var count int64
		for _, day := range daily {
			count += day.Count
		}
		stats.DailyAverage = decimal.NewFromInt(count).DivRound(decimal.NewFromInt(int64(len(daily))), 2)
	}
	rateSum, marginSum := decimal.Zero, decimal.Zero
	for _, p := range pairs {
		n := decimal.NewFromInt(p.Count)
		stats.Count += p.Count
		stats.TotalAmount = stats.TotalAmount.Add(p.TotalAmount)
		stats.TotalTotal = stats.TotalTotal.Add(p.TotalTotal)
		stats.TotalProfit = stats.TotalProfit.Add(p.TotalProfit)
		rateSum = rateSum.Add(p.AverageRate.Mul(n))
		marginSum = marginSum.Add(p.AverageMargin.Mul(n))
	}
	if stats.Count > 0 {
		n := decimal.NewFromInt(stats.Count)
		stats.AverageRate = rateSum.DivRound(n, money.RatePlaces)
		stats.AverageMargin = marginSum.DivRound(n, money.RatePlaces)
	}
	return stats, nil
}

func (s *Service) fundingBank(requested *uuid.UUID) uuid.UUID {
	if requested != nil && *requested != uuid.Nil {
		return *requested
	}
	return s.opts.DefaultFundingBankID
}

// resolveParties checks both parties exist and fills currencies and the
// customer from them where the caller left them empty.
func (s *Service) resolveParties(ctx context.Context, tx storage.Tx, txn *storage.Transaction) error {
	sender, err := lookupParty(ctx, tx, "sender", txn.Sender)
	if err != nil {
		return err
	}
	receiver, err := lookupParty(ctx, tx, "receiver", txn.Receiver)
	if err != nil {
		return err
	}

	if txn.SourceCurrency == "" {
		txn.SourceCurrency, _ = sender.Currency()
	}
	if txn.TargetCurrency == "" {
		txn.TargetCurrency, _ = receiver.Currency()
	}
	var errs ValidationErrors
	if txn.SourceCurrency == "" {
		errs = append(errs, FieldError{Field: "source_currency", Message: "is required when the sender is not a bank"})
	}
	if txn.TargetCurrency == "" {
		errs = append(errs, FieldError{Field: "target_currency", Message: "is required when the receiver is not a bank"})
	}
	if len(errs) > 0 {
		return errs
	}
	if txn.SourceCurrency == txn.TargetCurrency {
		return fmt.Errorf("%w: %s", ErrInvalidCurrencyPair, txn.SourceCurrency)
	}

	if txn.CustomerID == nil && receiver.Kind == party.KindCustomer {
		id := receiver.ID
		txn.CustomerID = &id
	}
	if txn.CustomerID != nil {
		if _, err := lookupParty(ctx, tx, "customer_id", party.Ref{Kind: party.KindCustomer, ID: *txn.CustomerID}); err != nil {
			return err
		}
	}
	return nil
}

// fund locks the lots involved, allocates the transaction total and stores the
// resulting cost rate, total and profit on txn.
func (s *Service) fund(ctx context.Context, tx storage.Tx, txn *storage.Transaction, previous []ledger.Allocation, costRate *decimal.Decimal) (res *funding.Result, err error) {
	total := txn.Amount.Mul(txn.Rate)
	ctx, span := trace.Start(ctx, "exchange.fund",
		attribute.String("transaction.id", txn.ID.String()),
		attribute.String("funding.bank_id", txn.FundingBankID.String()),
		attribute.String("funding.total", total.String()),
		attribute.Int("funding.previous", len(previous)),
	)
	defer func() { trace.Finish(span, err) }()

	if total.IsPositive() {
		if txn.FundingBankID == uuid.Nil {
			return nil, invalid("funding_bank_id", "is required")
		}
		bank := party.Ref{Kind: party.KindBank, ID: txn.FundingBankID}
		if _, err = lookupParty(ctx, tx, "funding_bank_id", bank); err != nil {
			return nil, err
		}
	}

	lots, err := tx.LockLots(ctx, txn.FundingBankID, lotIDs(previous))
	if err != nil {
		return nil, err
	}
	res, err = s.engine.Allocate(funding.Request{
		TransactionID: txn.ID,
		FundingBankID: txn.FundingBankID,
		Total:         total,
		Lots:          lots,
		Previous:      previous,
	})
	if err != nil {
		return nil, err
	}
	if funded := res.Funded(); funded.LessThan(total) {
		return nil, fmt.Errorf("%w: allocations cover %s of %s", ErrInvariantViolation, funded, total)
	}
	span.SetAttributes(attribute.Int("funding.allocations", len(res.Allocations)))

	rate := txn.CostRate
	if costRate != nil {
		rate = *costRate
	}
	if len(res.Allocations) > 0 {
		rate = res.CostRate
	}
	figures := money.Compute(txn.Amount, txn.Rate, rate)
	txn.CostRate = rate
	txn.Total = figures.Total
	txn.Profit = figures.Profit
	return res, nil
}

func persistFunding(ctx context.Context, tx storage.Tx, transactionID uuid.UUID, res *funding.Result) error {
	if err := tx.SaveLots(ctx, res.Touched); err != nil {
		return err
	}
	return tx.ReplaceAllocations(ctx, transactionID, res.Allocations)
}

func applyUpdate(txn *storage.Transaction, in UpdateTransactionInput) {
	if in.Amount != nil {
		txn.Amount = *in.Amount
	}
	if in.Rate != nil {
		txn.Rate = *in.Rate
	}
	if in.Sender != nil && *in.Sender != txn.Sender {
		txn.Sender = *in.Sender
		txn.SourceCurrency = ""
	}
	if in.Receiver != nil && *in.Receiver != txn.Receiver {
		txn.Receiver = *in.Receiver
		txn.TargetCurrency = ""
		txn.CustomerID = nil
	}
	if in.SourceCurrency != nil {
		txn.SourceCurrency = normalizeCurrency(*in.SourceCurrency)
	}
	if in.TargetCurrency != nil {
		txn.TargetCurrency = normalizeCurrency(*in.TargetCurrency)
	}
	if in.CustomerID != nil {
		id := *in.CustomerID
		txn.CustomerID = &id
	}
	if in.FundingBankID != nil && *in.FundingBankID != uuid.Nil {
		txn.FundingBankID = *in.FundingBankID
	}
}

func lockTransaction(ctx context.Context, tx storage.Tx, id uuid.UUID) (*storage.Transaction, error) {
	txn, err := tx.LockTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, id)
		}
		return nil, err
	}
	return txn, nil
}

// ensureNew rejects a caller-chosen id that is already taken.
func ensureNew(ctx context.Context, tx storage.Tx, id uuid.UUID) error {
	_, err := tx.LockTransaction(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: transaction %s", ErrDuplicate, id)
	case errors.Is(err, storage.ErrNotFound):
		return nil
	default:
		return err
	}
}

func lookupParty(ctx context.Context, tx storage.Tx, field string, ref party.Ref) (party.Party, error) {
	p, err := tx.GetParty(ctx, ref)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return party.Party{}, fmt.Errorf("%w: %s %s", ErrPartyNotFound, field, ref)
		}
		return party.Party{}, err
	}
	return p, nil
}

func lotIDs(allocations []ledger.Allocation) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(allocations))
	seen := make(map[uuid.UUID]struct{}, len(allocations))
	for _, a := range allocations {
		if _, ok := seen[a.LotID]; ok {
			continue
		}
		seen[a.LotID] = struct{}{}
		ids = append(ids, a.LotID)
	}
	return ids
}

// writeFailed classifies a failed write for metrics and logs, and turns ledger
// bookkeeping errors into ErrInvariantViolation.
func (s *Service) writeFailed(op string, started time.Time, err error) error {
	switch {
	case errors.Is(err, ErrValidationFailed), errors.Is(err, ErrInvalidCurrencyPair):
		s.metrics.observeWrite(op, "invalid", started)
	case errors.Is(err, funding.ErrInsufficientFunds):
		s.metrics.observeWrite(op, "insufficient_funds", started)
		s.metrics.incInsufficientFunds()
		s.logger.Warn("transaction not funded", "op", op, "error", err)
	case errors.Is(err, ErrTransactionNotFound), errors.Is(err, ErrPartyNotFound):
		s.metrics.observeWrite(op, "not_found", started)
	case errors.Is(err, ErrDuplicate):
		s.metrics.observeWrite(op, "duplicate", started)
	case errors.Is(err, ErrInvariantViolation) || isInvariantError(err):
		s.metrics.observeWrite(op, "invariant_violation", started)
		s.metrics.incInvariant(invariantKind(err))
		s.logger.Error("ledger invariant violated", "op", op, "error", err)
		if !errors.Is(err, ErrInvariantViolation) {
			err = fmt.Errorf("%w: %w", ErrInvariantViolation, err)
		}
	default:
		s.metrics.observeWrite(op, "error", started)
		s.logger.Error("transaction write failed", "op", op, "error", err)
	}
	return err
}
