// Package consumer turns imported transaction rows from Kafka into
// transactions, one unit of work per row.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/1wilber/currency-manager/libs/kafka"
	"github.com/1wilber/currency-manager/services/exchange/internal/money"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	importRowEventType      = "transactions.import.row"
	importRejectedEventType = "transactions.import.rejected"
)

type PartyRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type ImportRowEvent struct {
	kafka.Envelope
	BatchID        string   `json:"batch_id,omitempty"`
	RowNumber      int      `json:"row_number"`
	Amount         string   `json:"amount"`
	Rate           string   `json:"rate"`
	CostRate       string   `json:"cost_rate,omitempty"`
	SourceCurrency string   `json:"source_currency,omitempty"`
	TargetCurrency string   `json:"target_currency,omitempty"`
	Sender         PartyRef `json:"sender"`
	Receiver       PartyRef `json:"receiver"`
	CustomerID     string   `json:"customer_id,omitempty"`
	FundingBankID  string   `json:"funding_bank_id,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
}

type ImportRejectedEvent struct {
	kafka.Envelope
	SourceEventID string               `json:"source_event_id"`
	BatchID       string               `json:"batch_id,omitempty"`
	RowNumber     int                  `json:"row_number"`
	Reason        string               `json:"reason"`
	Message       string               `json:"message"`
	Fields        []service.FieldError `json:"fields,omitempty"`
}

type TransactionCreator interface {
	CreateTransaction(ctx context.Context, in service.CreateTransactionInput) (*service.TransactionView, error)
}

type ImportConsumer struct {
	service       TransactionCreator
	producer      kafka.Publisher
	rejectedTopic string
	logger        *slog.Logger
}

func NewImportConsumer(svc TransactionCreator, producer kafka.Publisher, rejectedTopic string, logger *slog.Logger) *ImportConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportConsumer{
		service:       svc,
		producer:      producer,
		rejectedTopic: rejectedTopic,
		logger:        logger,
	}
}

// HandleMessage creates one transaction per row. Rows the business rules
// reject are published to the rejected topic and count as handled; broken
// messages go straight to the DLQ; anything else is retried.
func (c *ImportConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil || len(msg.Value) == 0 {
		return kafka.DLQ(fmt.Errorf("empty kafka message"), "empty_message")
	}
	var event ImportRowEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(fmt.Errorf("decode %s: %w", importRowEventType, err), "decode_failed")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid_event")
	}

	in, fieldErrs := event.input()
	if len(fieldErrs) > 0 {
		return c.reject(ctx, event, "validation_failed", fieldErrs)
	}

	view, err := c.service.CreateTransaction(service.WithCorrelationID(ctx, correlationID(event)), in)
	switch {
	case err == nil:
		c.logger.Info("import row applied",
			"event_id", event.EventID,
			"row", event.RowNumber,
			"transaction_id", view.ID,
		)
		return nil
	case errors.Is(err, service.ErrDuplicate):
		c.logger.Info("import row already applied", "event_id", event.EventID, "row", event.RowNumber)
		return nil
	case errors.Is(err, service.ErrValidationFailed):
		return c.reject(ctx, event, "validation_failed", err)
	case errors.Is(err, service.ErrInvalidCurrencyPair):
		return c.reject(ctx, event, "invalid_currency_pair", err)
	case errors.Is(err, service.ErrInsufficientFunds):
		return c.reject(ctx, event, "insufficient_funds", err)
	case errors.Is(err, service.ErrPartyNotFound):
		return c.reject(ctx, event, "party_not_found", err)
	default:
		return fmt.Errorf("import row %d: %w", event.RowNumber, err)
	}
}

func (e *ImportRowEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if e.EventType != importRowEventType {
		return fmt.Errorf("unexpected event_type: %s", e.EventType)
	}
	if e.RowNumber <= 0 {
		return fmt.Errorf("row_number must be positive")
	}
	return nil
}

// input maps the row onto a create request. The transaction id derives from
// the event id so a redelivered row cannot be applied twice.
func (e *ImportRowEvent) input() (service.CreateTransactionInput, service.ValidationErrors) {
	var errs service.ValidationErrors
	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(importRowEventType+"|"+e.EventID))

	in := service.CreateTransactionInput{
		ID:             &id,
		Amount:         parseAmount(&errs, "amount", e.Amount),
		Rate:           parseAmount(&errs, "rate", e.Rate),
		CostRate:       parseAmount(&errs, "cost_rate", e.CostRate),
		SourceCurrency: e.SourceCurrency,
		TargetCurrency: e.TargetCurrency,
		Sender:         parseParty(&errs, "sender", e.Sender),
		Receiver:       parseParty(&errs, "receiver", e.Receiver),
		CustomerID:     parseUUID(&errs, "customer_id", e.CustomerID),
		FundingBankID:  parseUUID(&errs, "funding_bank_id", e.FundingBankID),
		CreatedBy:      strings.TrimSpace(e.CreatedBy),
	}
	if in.CreatedBy == "" {
		in.CreatedBy = "import"
	}
	return in, errs
}

func (c *ImportConsumer) reject(ctx context.Context, event ImportRowEvent, reason string, cause error) error {
	c.logger.Warn("import row rejected",
		"event_id", event.EventID,
		"row", event.RowNumber,
		"reason", reason,
		"error", cause,
	)
	if c.producer == nil || c.rejectedTopic == "" {
		return nil
	}

	eventID := kafka.DeterministicEventID(importRejectedEventType, event.EventID)
	env, err := kafka.NewEnvelopeWithID(eventID, importRejectedEventType, 1, correlationID(event))
	if err != nil {
		return err
	}
	payload := ImportRejectedEvent{
		Envelope:      env,
		SourceEventID: event.EventID,
		BatchID:       event.BatchID,
		RowNumber:     event.RowNumber,
		Reason:        reason,
		Message:       cause.Error(),
	}
	var verrs service.ValidationErrors
	if errors.As(cause, &verrs) {
		payload.Fields = verrs
	}
	if _, _, err := c.producer.PublishJSON(ctx, c.rejectedTopic, event.EventID, payload); err != nil {
		return fmt.Errorf("publish import rejection: %w", err)
	}
	return nil
}

func correlationID(event ImportRowEvent) string {
	if id := strings.TrimSpace(event.CorrelationID); id != "" {
		return id
	}
	if event.BatchID != "" {
		return event.BatchID
	}
	return event.EventID
}

func parseAmount(errs *service.ValidationErrors, field, raw string) *decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := money.ParseLocalized(raw)
	if err != nil {
		*errs = append(*errs, service.FieldError{Field: field, Message: "must be a number"})
		return nil
	}
	return &v
}

func parseUUID(errs *service.ValidationErrors, field, raw string) *uuid.UUID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		*errs = append(*errs, service.FieldError{Field: field, Message: "must be a uuid"})
		return nil
	}
	return &id
}

func parseParty(errs *service.ValidationErrors, field string, ref PartyRef) party.Ref {
	kind, err := party.ParseKind(ref.Kind)
	if err != nil {
		*errs = append(*errs, service.FieldError{Field: field + ".kind", Message: "must be bank or customer"})
	}
	id := parseUUID(errs, field+".id", ref.ID)
	if id == nil {
		if strings.TrimSpace(ref.ID) == "" {
			*errs = append(*errs, service.FieldError{Field: field + ".id", Message: "is required"})
		}
		return party.Ref{Kind: kind}
	}
	return party.Ref{Kind: kind, ID: *id}
}
