package service

import (
	"errors"
	"strings"

	"github.com/1wilber/currency-manager/services/exchange/internal/funding"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
)

var (
	ErrInsufficientFunds      = funding.ErrInsufficientFunds
	ErrInsufficientLotBalance = ledger.ErrInsufficientLotBalance
	ErrDoubleRelease          = ledger.ErrDoubleRelease

	ErrInvalidCurrencyPair = errors.New("source and target currency must differ")
	ErrValidationFailed    = errors.New("validation failed")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrPartyNotFound       = errors.New("party not found")
	ErrLotNotFound         = errors.New("lot not found")
	ErrDuplicate           = errors.New("already exists")
	// ErrInvariantViolation marks ledger bookkeeping that should be impossible.
	ErrInvariantViolation = errors.New("ledger invariant violated")
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors []FieldError

func (v ValidationErrors) Error() string {
	msgs := make([]string, 0, len(v))
	for _, f := range v {
		msgs = append(msgs, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

func (v ValidationErrors) Is(target error) bool {
	return target == ErrValidationFailed
}

func invalid(field, message string) ValidationErrors {
	return ValidationErrors{{Field: field, Message: message}}
}

func isInvariantError(err error) bool {
	return errors.Is(err, ledger.ErrInsufficientLotBalance) ||
		errors.Is(err, ledger.ErrDoubleRelease) ||
		errors.Is(err, ledger.ErrNonPositiveAmount) ||
		errors.Is(err, funding.ErrUnknownLot)
}

func invariantKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientLotBalance):
		return "lot_overdraw"
	case errors.Is(err, ledger.ErrDoubleRelease):
		return "double_release"
	case errors.Is(err, funding.ErrUnknownLot):
		return "unknown_lot"
	default:
		return "other"
	}
}
