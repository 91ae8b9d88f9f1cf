package service

import (
	"context"
	"time"

	"github.com/1wilber/currency-manager/libs/kafka"
	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	EventTransactionFunded  = "transaction.funded"
	EventTransactionDeleted = "transaction.deleted"
	eventVersion            = 1
)

type AllocationEvent struct {
	LotID      uuid.UUID       `json:"lot_id"`
	AmountUsed decimal.Decimal `json:"amount_used"`
	RateUsed   decimal.Decimal `json:"rate_used"`
}

type TransactionFundedEvent struct {
	kafka.Envelope
	TransactionID  uuid.UUID         `json:"transaction_id"`
	Status         funding.Status    `json:"status"`
	Amount         decimal.Decimal   `json:"amount"`
	Rate           decimal.Decimal   `json:"rate"`
	CostRate       decimal.Decimal   `json:"cost_rate"`
	Total          decimal.Decimal   `json:"total"`
	Profit         decimal.Decimal   `json:"profit"`
	SourceCurrency string            `json:"source_currency"`
	TargetCurrency string            `json:"target_currency"`
	FundingBankID  uuid.UUID         `json:"funding_bank_id"`
	Allocations    []AllocationEvent `json:"allocations"`
}

type TransactionDeletedEvent struct {
	kafka.Envelope
	TransactionID uuid.UUID         `json:"transaction_id"`
	Released      []AllocationEvent `json:"released"`
}

type correlationKey struct{}

// WithCorrelationID tags events published while serving ctx.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

func correlationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

func allocationEvents(allocations []ledger.Allocation) []AllocationEvent {
	out := make([]AllocationEvent, 0, len(allocations))
	for _, a := range allocations {
		out = append(out, AllocationEvent{LotID: a.LotID, AmountUsed: a.AmountUsed, RateUsed: a.RateUsed})
	}
	return out
}

func (s *Service) publishFunded(ctx context.Context, txn storage.Transaction, allocations []ledger.Allocation) {
	topic := s.opts.Topics.Funded
	if s.publisher == nil || topic == "" {
		return
	}
	eventID := kafka.DeterministicEventID(EventTransactionFunded, txn.ID.String(), txn.UpdatedAt.Format(time.RFC3339Nano))
	env, err := kafka.NewEnvelopeWithID(eventID, EventTransactionFunded, eventVersion, correlationID(ctx))
	if err != nil {
		s.logger.Error("build funded event failed", "transaction_id", txn.ID, "error", err)
		return
	}
	event := TransactionFundedEvent{
		Envelope:       env,
		TransactionID:  txn.ID,
		Status:         funding.StatusOf(txn.Total, allocations),
		Amount:         txn.Amount,
		Rate:           txn.Rate,
		CostRate:       txn.CostRate,
		Total:          txn.Total,
		Profit:         txn.Profit,
		SourceCurrency: txn.SourceCurrency,
		TargetCurrency: txn.TargetCurrency,
		FundingBankID:  txn.FundingBankID,
		Allocations:    allocationEvents(allocations),
	}
	s.publish(ctx, topic, txn.ID, event)
}

func (s *Service) publishDeleted(ctx context.Context, transactionID uuid.UUID, released []ledger.Allocation) {
	topic := s.opts.Topics.Deleted
	if s.publisher == nil || topic == "" {
		return
	}
	eventID := kafka.DeterministicEventID(EventTransactionDeleted, transactionID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, EventTransactionDeleted, eventVersion, correlationID(ctx))
	if err != nil {
		s.logger.Error("build deleted event failed", "transaction_id", transactionID, "error", err)
		return
	}
	s.publish(ctx, topic, transactionID, TransactionDeletedEvent{
		Envelope:      env,
		TransactionID: transactionID,
		Released:      allocationEvents(released),
	})
}

// publish runs after commit; a failure is logged and never undoes the write.
func (s *Service) publish(ctx context.Context, topic string, key uuid.UUID, event any) {
	if _, _, err := s.publisher.PublishJSON(ctx, topic, key.String(), event); err != nil {
		s.logger.Error("event publish failed", "topic", topic, "transaction_id", key, "error", err)
	}
}
