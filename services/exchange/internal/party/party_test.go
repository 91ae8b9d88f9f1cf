package party

import (
	"testing"

	"github.com/google/uuid"
)

func TestCurrencyCapability(t *testing.T) {
	bank := NewBank(uuid.New(), "Banesco", "ves")
	if cur, ok := bank.Currency(); !ok || cur != "VES" {
		t.Fatalf("bank currency = %q %v", cur, ok)
	}
	customer := NewCustomer(uuid.New(), "Ana", "+58")
	if _, ok := customer.Currency(); ok {
		t.Fatalf("customers carry no currency")
	}
	if customer.DisplayName() != "Ana" {
		t.Fatalf("display name = %s", customer.DisplayName())
	}
	anon := NewCustomer(uuid.New(), "", "")
	if anon.DisplayName() != anon.Ref.String() {
		t.Fatalf("fallback display name = %s", anon.DisplayName())
	}
}

func TestRefValidate(t *testing.T) {
	if err := (Ref{Kind: "vendor", ID: uuid.New()}).Validate(); err == nil {
		t.Fatalf("expected kind error")
	}
	if err := (Ref{Kind: KindBank}).Validate(); err == nil {
		t.Fatalf("expected id error")
	}
	if k, err := ParseKind(" Customer "); err != nil || k != KindCustomer {
		t.Fatalf("parse kind = %s %v", k, err)
	}
}
