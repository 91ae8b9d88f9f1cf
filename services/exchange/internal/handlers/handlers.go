package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/1wilber/currency-manager/libs/auth"
	"github.com/1wilber/currency-manager/libs/httpmiddleware"
	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/money"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// AdminRole guards destructive ledger operations.
const AdminRole = "admin"

type ExchangeService interface {
	CreateTransaction(ctx context.Context, in service.CreateTransactionInput) (*service.TransactionView, error)
	UpdateTransaction(ctx context.Context, in service.UpdateTransactionInput) (*service.TransactionView, error)
	DeleteTransaction(ctx context.Context, id uuid.UUID) error
	GetTransaction(ctx context.Context, id uuid.UUID) (*service.TransactionView, error)
	ListTransactions(ctx context.Context, filter storage.TransactionFilter) (storage.TransactionPage, error)
	Statistics(ctx context.Context, filter storage.TransactionFilter) (*service.Statistics, error)
	FundingSummary(ctx context.Context, transactionID uuid.UUID) (*funding.Summary, error)
	RecordBankBalance(ctx context.Context, in service.RecordBankBalanceInput) (*ledger.Lot, error)
	ListLots(ctx context.Context, bankID uuid.UUID, onlyFundable bool) ([]*ledger.Lot, error)
	DeleteLot(ctx context.Context, bankID, lotID uuid.UUID) error
	CreateBank(ctx context.Context, in service.CreateBankInput) (*storage.Bank, error)
	CreateCustomer(ctx context.Context, in service.CreateCustomerInput) (*storage.Customer, error)
}

type Handler struct {
	Service ExchangeService
	Logger  *slog.Logger
}

type errorResponse struct {
	Code    string               `json:"code"`
	Message string               `json:"message"`
	Fields  []service.FieldError `json:"fields,omitempty"`
}

func New(svc ExchangeService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Service: svc, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))

	group.POST("/transactions", h.CreateTransaction)
	group.GET("/transactions", h.ListTransactions)
	group.GET("/transactions/statistics", h.Statistics)
	group.GET("/transactions/:id", h.GetTransaction)
	group.PATCH("/transactions/:id", h.UpdateTransaction)
	group.DELETE("/transactions/:id", h.DeleteTransaction)
	group.GET("/transactions/:id/funding", h.FundingSummary)

	group.POST("/banks", h.CreateBank)
	group.POST("/customers", h.CreateCustomer)
	group.POST("/banks/:id/balances", h.RecordBankBalance)
	group.GET("/banks/:id/balances", h.ListBalances)
	group.DELETE("/banks/:id/balances/:lot_id", auth.RequireRole(AdminRole), h.DeleteBalance)
}

// requestContext carries the request id into published events.
func requestContext(c *gin.Context) context.Context {
	return service.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFrom(c))
}

func (h *Handler) fail(c *gin.Context, op string, err error) {
	var verrs service.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", verrs)
	case errors.Is(err, service.ErrInvalidCurrencyPair):
		writeError(c, http.StatusBadRequest, "INVALID_CURRENCY_PAIR", "source and target currency must differ", nil)
	case errors.Is(err, service.ErrInvariantViolation):
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	case errors.Is(err, service.ErrInsufficientFunds):
		writeError(c, http.StatusUnprocessableEntity, "INSUFFICIENT_FUNDS", err.Error(), nil)
	case errors.Is(err, service.ErrTransactionNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "transaction not found", nil)
	case errors.Is(err, service.ErrPartyNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, service.ErrLotNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "lot not found", nil)
	case errors.Is(err, service.ErrDuplicate):
		writeError(c, http.StatusConflict, "CONFLICT", err.Error(), nil)
	default:
		h.Logger.Error(op+" failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func writeError(c *gin.Context, status int, code, message string, fields []service.FieldError) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Fields:  fields,
	})
}

func parseUUIDParam(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(c.Param(name)))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name, nil)
		return uuid.Nil, false
	}
	return id, true
}

// fieldParser collects field errors across one request body.
type fieldParser struct {
	errs service.ValidationErrors
}

func (p *fieldParser) amount(field, raw string) *decimal.Decimal {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	v, err := money.ParseLocalized(raw)
	if err != nil {
		p.errs = append(p.errs, service.FieldError{Field: field, Message: "must be a number"})
		return nil
	}
	return &v
}

func (p *fieldParser) optionalAmount(field string, raw *string) *decimal.Decimal {
	if raw == nil {
		return nil
	}
	if strings.TrimSpace(*raw) == "" {
		p.errs = append(p.errs, service.FieldError{Field: field, Message: "must not be empty"})
		return nil
	}
	return p.amount(field, *raw)
}

func (p *fieldParser) uuid(field, raw string) *uuid.UUID {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		p.errs = append(p.errs, service.FieldError{Field: field, Message: "must be a uuid"})
		return nil
	}
	return &id
}
