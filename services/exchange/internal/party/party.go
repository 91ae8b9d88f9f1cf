// Package party defines the two kinds of counterparty a transaction can name.
package party

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type Kind string

const (
	KindBank     Kind = "bank"
	KindCustomer Kind = "customer"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(s))) {
	case KindBank:
		return KindBank, nil
	case KindCustomer:
		return KindCustomer, nil
	default:
		return "", fmt.Errorf("unknown party kind %q", s)
	}
}

// Ref points at a bank or a customer.
type Ref struct {
	Kind Kind      `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func (r Ref) IsZero() bool {
	return r.Kind == "" && r.ID == uuid.Nil
}

func (r Ref) Validate() error {
	if r.Kind != KindBank && r.Kind != KindCustomer {
		return fmt.Errorf("unknown party kind %q", r.Kind)
	}
	if r.ID == uuid.Nil {
		return fmt.Errorf("party id required")
	}
	return nil
}

func (r Ref) String() string {
	return string(r.Kind) + ":" + r.ID.String()
}

// Party is a resolved counterparty. Banks hold a single currency; customers
// hold none.
type Party struct {
	Ref
	Name     string
	currency string
	Phone    string
}

func NewBank(id uuid.UUID, name, currency string) Party {
	return Party{Ref: Ref{Kind: KindBank, ID: id}, Name: name, currency: strings.ToUpper(currency)}
}

func NewCustomer(id uuid.UUID, name, phone string) Party {
	return Party{Ref: Ref{Kind: KindCustomer, ID: id}, Name: name, Phone: phone}
}

func (p Party) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.Ref.String()
}

// Currency reports the party's currency when it has one.
func (p Party) Currency() (string, bool) {
	if p.Kind != KindBank || p.currency == "" {
		return "", false
	}
	return p.currency, true
}
