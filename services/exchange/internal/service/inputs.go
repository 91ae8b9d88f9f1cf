package service

import (
	"strings"

	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateTransactionInput struct {
	// ID makes the create idempotent when set; a replay fails with ErrDuplicate.
	ID             *uuid.UUID
	Amount         *decimal.Decimal
	Rate           *decimal.Decimal
	CostRate       *decimal.Decimal
	SourceCurrency string
	TargetCurrency string
	Sender         party.Ref
	Receiver       party.Ref
	CustomerID     *uuid.UUID
	FundingBankID  *uuid.UUID
	CreatedBy      string
}

// UpdateTransactionInput changes only the fields that are set.
type UpdateTransactionInput struct {
	ID             uuid.UUID
	Amount         *decimal.Decimal
	Rate           *decimal.Decimal
	CostRate       *decimal.Decimal
	SourceCurrency *string
	TargetCurrency *string
	Sender         *party.Ref
	Receiver       *party.Ref
	CustomerID     *uuid.UUID
	FundingBankID  *uuid.UUID
}

type RecordBankBalanceInput struct {
	BankID        uuid.UUID
	InitialAmount *decimal.Decimal
	Rate          *decimal.Decimal
	Description   string
}

type CreateBankInput struct {
	Name     string
	Currency string
}

type CreateCustomerInput struct {
	Name  string
	Phone string
}

func (in CreateTransactionInput) validate() ValidationErrors {
	var errs ValidationErrors
	errs = append(errs, checkAmount("amount", in.Amount, true)...)
	errs = append(errs, checkRate("rate", in.Rate, true)...)
	errs = append(errs, checkRate("cost_rate", in.CostRate, false)...)
	errs = append(errs, checkRef("sender", in.Sender)...)
	errs = append(errs, checkRef("receiver", in.Receiver)...)
	errs = append(errs, checkCurrency("source_currency", in.SourceCurrency)...)
	errs = append(errs, checkCurrency("target_currency", in.TargetCurrency)...)
	return errs
}

func (in UpdateTransactionInput) validate() ValidationErrors {
	var errs ValidationErrors
	if in.ID == uuid.Nil {
		errs = append(errs, FieldError{Field: "id", Message: "is required"})
	}
	errs = append(errs, checkAmount("amount", in.Amount, false)...)
	errs = append(errs, checkRate("rate", in.Rate, false)...)
	errs = append(errs, checkRate("cost_rate", in.CostRate, false)...)
	if in.Sender != nil {
		errs = append(errs, checkRef("sender", *in.Sender)...)
	}
	if in.Receiver != nil {
		errs = append(errs, checkRef("receiver", *in.Receiver)...)
	}
	if in.SourceCurrency != nil {
		errs = append(errs, checkCurrency("source_currency", *in.SourceCurrency)...)
	}
	if in.TargetCurrency != nil {
		errs = append(errs, checkCurrency("target_currency", *in.TargetCurrency)...)
	}
	return errs
}

func (in RecordBankBalanceInput) validate() ValidationErrors {
	var errs ValidationErrors
	if in.BankID == uuid.Nil {
		errs = append(errs, FieldError{Field: "bank_id", Message: "is required"})
	}
	errs = append(errs, checkAmount("initial_amount", in.InitialAmount, true)...)
	errs = append(errs, checkRate("rate", in.Rate, true)...)
	return errs
}

func (in CreateBankInput) validate() ValidationErrors {
	var errs ValidationErrors
	if strings.TrimSpace(in.Name) == "" {
		errs = append(errs, FieldError{Field: "name", Message: "is required"})
	}
	if strings.TrimSpace(in.Currency) == "" {
		errs = append(errs, FieldError{Field: "currency", Message: "is required"})
	} else {
		errs = append(errs, checkCurrency("currency", in.Currency)...)
	}
	return errs
}

func (in CreateCustomerInput) validate() ValidationErrors {
	if strings.TrimSpace(in.Name) == "" {
		return invalid("name", "is required")
	}
	return nil
}

func checkAmount(field string, v *decimal.Decimal, required bool) ValidationErrors {
	if v == nil {
		if required {
			return invalid(field, "is required")
		}
		return nil
	}
	if !v.IsPositive() {
		return invalid(field, "must be greater than 0")
	}
	return nil
}

func checkRate(field string, v *decimal.Decimal, required bool) ValidationErrors {
	if v == nil {
		if required {
			return invalid(field, "is required")
		}
		return nil
	}
	if v.IsNegative() {
		return invalid(field, "must be greater than or equal to 0")
	}
	return nil
}

func checkRef(field string, ref party.Ref) ValidationErrors {
	if err := ref.Validate(); err != nil {
		return invalid(field, err.Error())
	}
	return nil
}

// checkCurrency accepts an empty code; the party's currency fills it later.
func checkCurrency(field, code string) ValidationErrors {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil
	}
	if len(code) != 3 {
		return invalid(field, "must be a 3-letter currency code")
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < 'a' || r > 'z') {
			return invalid(field, "must be a 3-letter currency code")
		}
	}
	return nil
}

func normalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
