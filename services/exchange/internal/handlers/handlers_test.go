package handlers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/1wilber/currency-manager/libs/httpmiddleware"
	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/1wilber/currency-manager/services/testutil"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

var secret = []byte("secret")

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newRouter(svc ExchangeService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	New(svc, discardLogger()).Register(router, secret)
	return router
}

func operatorToken(t *testing.T) string {
	t.Helper()
	token, err := testutil.GenerateJWT(testutil.OperatorSubject, secret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	return token
}

type api struct {
	t      *testing.T
	router *gin.Engine
	token  string
}

func (a api) do(method, path string, body any, status int, dst any) {
	a.t.Helper()
	resp := testutil.MakeAuthRequest(a.router, method, path, body, a.token)
	testutil.AssertHTTPStatus(a.t, resp, status)
	if dst != nil {
		testutil.DecodeJSON(a.t, resp, dst)
	}
}

func newAPI(t *testing.T) api {
	svc := service.New(storage.NewMemoryStore(), service.Options{}, discardLogger(), nil)
	return api{t: t, router: newRouter(svc), token: operatorToken(t)}
}

type created struct {
	ID string `json:"id"`
}

func (a api) seed() (ves, usd, customer string) {
	var bank, other, cust created
	a.do(http.MethodPost, "/banks", map[string]string{"name": "Banesco", "currency": "VES"}, http.StatusCreated, &bank)
	a.do(http.MethodPost, "/banks", map[string]string{"name": "Chase", "currency": "USD"}, http.StatusCreated, &other)
	a.do(http.MethodPost, "/customers", map[string]string{"name": "Maria"}, http.StatusCreated, &cust)
	return bank.ID, other.ID, cust.ID
}

func transactionBody(amount, rate, usd, customer, fundingBank string) map[string]any {
	return map[string]any{
		"amount":          amount,
		"rate":            rate,
		"target_currency": "VES",
		"sender":          map[string]string{"kind": "bank", "id": usd},
		"receiver":        map[string]string{"kind": "customer", "id": customer},
		"funding_bank_id": fundingBank,
	}
}

func TestRoutesRequireToken(t *testing.T) {
	router := newRouter(service.New(storage.NewMemoryStore(), service.Options{}, discardLogger(), nil))
	resp := testutil.MakeAPIRequest(router, http.MethodPost, "/transactions", map[string]string{"amount": "1"})
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeUnauthorized)
}

func TestTransactionLifecycle(t *testing.T) {
	a := newAPI(t)
	ves, usd, customer := a.seed()

	a.do(http.MethodPost, "/banks/"+ves+"/balances", map[string]string{"initial_amount": "100", "rate": "35"}, http.StatusCreated, nil)
	a.do(http.MethodPost, "/banks/"+ves+"/balances", map[string]string{"initial_amount": "100", "rate": "36"}, http.StatusCreated, nil)

	var txn transactionItem
	a.do(http.MethodPost, "/transactions", transactionBody("4", "37,5", usd, customer, ves), http.StatusCreated, &txn)
	if txn.Total != "150" || len(txn.Allocations) != 2 || txn.Status != "fully_funded" {
		t.Fatalf("unexpected transaction %+v", txn)
	}
	if txn.CreatedBy != testutil.OperatorSubject || txn.SourceCurrency != "USD" {
		t.Fatalf("expected operator and derived currency, got %q %q", txn.CreatedBy, txn.SourceCurrency)
	}

	var summary struct {
		Status string `json:"status"`
		Lots   []struct {
			LotCode string `json:"lot_code"`
		} `json:"lots"`
	}
	a.do(http.MethodGet, "/transactions/"+txn.ID+"/funding", nil, http.StatusOK, &summary)
	if summary.Status != "fully_funded" || len(summary.Lots) != 2 || summary.Lots[0].LotCode != "COM-001" {
		t.Fatalf("unexpected summary %+v", summary)
	}

	var updated transactionItem
	a.do(http.MethodPatch, "/transactions/"+txn.ID, map[string]string{"amount": "2"}, http.StatusOK, &updated)
	if updated.Total != "75" || len(updated.Allocations) != 1 {
		t.Fatalf("unexpected update %+v", updated)
	}

	var list listTransactionsResponse
	a.do(http.MethodGet, "/transactions?currency=usd&customer_id="+customer, nil, http.StatusOK, &list)
	if len(list.Transactions) != 1 || list.Transactions[0].ID != txn.ID {
		t.Fatalf("unexpected list %+v", list)
	}

	var stats statisticsResponse
	a.do(http.MethodGet, "/transactions/statistics", nil, http.StatusOK, &stats)
	if stats.Count != 1 || len(stats.Pairs) != 1 || stats.Pairs[0].TargetCurrency != "VES" {
		t.Fatalf("unexpected stats %+v", stats)
	}

	a.do(http.MethodDelete, "/transactions/"+txn.ID, nil, http.StatusNoContent, nil)

	var balances listBalancesResponse
	a.do(http.MethodGet, "/banks/"+ves+"/balances", nil, http.StatusOK, &balances)
	if balances.TotalAvailable != "200" || len(balances.Lots) != 2 {
		t.Fatalf("expected lots restored, got %+v", balances)
	}
	a.do(http.MethodGet, "/transactions/"+txn.ID, nil, http.StatusNotFound, nil)
}

func TestCreateTransactionInsufficientFunds(t *testing.T) {
	a := newAPI(t)
	ves, usd, customer := a.seed()
	a.do(http.MethodPost, "/banks/"+ves+"/balances", map[string]string{"initial_amount": "80", "rate": "35"}, http.StatusCreated, nil)

	resp := testutil.MakeAuthRequest(a.router, http.MethodPost, "/transactions", transactionBody("1", "100", usd, customer, ves), a.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInsufficientFunds)
}

func TestCreateTransactionInvalidFields(t *testing.T) {
	a := newAPI(t)
	body := transactionBody("abc", "1", "not-a-uuid", uuid.NewString(), "")
	resp := testutil.MakeAuthRequest(a.router, http.MethodPost, "/transactions", body, a.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)

	var decoded errorResponse
	testutil.DecodeJSON(t, resp, &decoded)
	if len(decoded.Fields) != 2 {
		t.Fatalf("expected amount and sender.id field errors, got %+v", decoded.Fields)
	}
}

func TestCreateTransactionSameCurrency(t *testing.T) {
	a := newAPI(t)
	ves, _, _ := a.seed()
	body := map[string]any{
		"amount":   "1",
		"rate":     "1",
		"sender":   map[string]string{"kind": "bank", "id": ves},
		"receiver": map[string]string{"kind": "bank", "id": ves},
	}
	resp := testutil.MakeAuthRequest(a.router, http.MethodPost, "/transactions", body, a.token)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidCurrencyPair)
}

func TestListTransactionsRejectsBadQuery(t *testing.T) {
	a := newAPI(t)
	for _, query := range []string{"limit=x", "from=yesterday", "sender_kind=robot", "bank_id=1", "cursor=bad", "profitable=maybe"} {
		resp := testutil.MakeAuthRequest(a.router, http.MethodGet, "/transactions?"+query, nil, a.token)
		testutil.AssertErrorCode(t, resp, testutil.ErrorCodeInvalidRequest)
	}
}

type fakeService struct {
	ExchangeService
	err         error
	deletedBank uuid.UUID
	deletedID   uuid.UUID
}

func (f *fakeService) UpdateTransaction(context.Context, service.UpdateTransactionInput) (*service.TransactionView, error) {
	return nil, f.err
}

func (f *fakeService) ListLots(context.Context, uuid.UUID, bool) ([]*ledger.Lot, error) {
	return nil, f.err
}

func (f *fakeService) DeleteLot(_ context.Context, bankID, lotID uuid.UUID) error {
	f.deletedBank = bankID
	f.deletedID = lotID
	return f.err
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{fmt.Errorf("%w: %w", service.ErrInvariantViolation, ledger.ErrDoubleRelease), testutil.ErrorCodeInternalError},
		{fmt.Errorf("%w: available 1, required 2", service.ErrInsufficientFunds), testutil.ErrorCodeInsufficientFunds},
		{fmt.Errorf("%w: x", service.ErrTransactionNotFound), testutil.ErrorCodeNotFound},
		{fmt.Errorf("%w: sender", service.ErrPartyNotFound), testutil.ErrorCodeNotFound},
		{service.ValidationErrors{{Field: "amount", Message: "is required"}}, testutil.ErrorCodeInvalidRequest},
		{fmt.Errorf("boom"), testutil.ErrorCodeInternalError},
	}
	token := operatorToken(t)
	for _, tc := range cases {
		router := newRouter(&fakeService{err: tc.err})
		resp := testutil.MakeAuthRequest(router, http.MethodPatch, "/transactions/"+uuid.NewString(), map[string]string{"rate": "1"}, token)
		testutil.AssertErrorCode(t, resp, tc.code)
	}
}

func TestErrorMappingHidesInternalDetail(t *testing.T) {
	router := newRouter(&fakeService{err: fmt.Errorf("%w: lot 42 overdrawn", service.ErrInvariantViolation)})
	resp := testutil.MakeAuthRequest(router, http.MethodGet, "/banks/"+uuid.NewString()+"/balances", nil, operatorToken(t))

	var decoded errorResponse
	testutil.DecodeJSON(t, resp, &decoded)
	if decoded.Message != "internal error" {
		t.Fatalf("expected generic message, got %q", decoded.Message)
	}
}

func TestDeleteBalanceRequiresAdmin(t *testing.T) {
	svc := &fakeService{}
	router := newRouter(svc)
	lotID := uuid.New()
	bankID := uuid.NewString()
	path := "/banks/" + bankID + "/balances/" + lotID.String()

	resp := testutil.MakeAuthRequest(router, http.MethodDelete, path, nil, operatorToken(t))
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeForbidden)
	if svc.deletedID != uuid.Nil {
		t.Fatalf("expected no delete without admin role")
	}

	admin, err := testutil.GenerateJWTWithRoles(testutil.OperatorSubject, []string{AdminRole}, secret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	resp = testutil.MakeAuthRequest(router, http.MethodDelete, path, nil, admin)
	testutil.AssertHTTPStatus(t, resp, http.StatusNoContent)
	if svc.deletedID != lotID || svc.deletedBank.String() != bankID {
		t.Fatalf("expected lot %s of bank %s deleted, got %s of %s", lotID, bankID, svc.deletedID, svc.deletedBank)
	}
}

func TestDeleteBalanceOfAnotherBankIsNotFound(t *testing.T) {
	a := newAPI(t)
	ves, usd, _ := a.seed()
	var lot lotItem
	a.do(http.MethodPost, "/banks/"+ves+"/balances", map[string]string{"initial_amount": "100", "rate": "35"}, http.StatusCreated, &lot)

	admin, err := testutil.GenerateJWTWithRoles(testutil.OperatorSubject, []string{AdminRole}, secret, time.Hour)
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	resp := testutil.MakeAuthRequest(a.router, http.MethodDelete, "/banks/"+usd+"/balances/"+lot.ID, nil, admin)
	testutil.AssertErrorCode(t, resp, testutil.ErrorCodeNotFound)

	var balances listBalancesResponse
	a.do(http.MethodGet, "/banks/"+ves+"/balances", nil, http.StatusOK, &balances)
	if len(balances.Lots) != 1 || balances.Lots[0].ID != lot.ID {
		t.Fatalf("expected lot kept, got %+v", balances)
	}

	resp = testutil.MakeAuthRequest(a.router, http.MethodDelete, "/banks/"+ves+"/balances/"+lot.ID, nil, admin)
	testutil.AssertHTTPStatus(t, resp, http.StatusNoContent)
}

func TestListTransactionsFiltersByPairSideAndProfit(t *testing.T) {
	a := newAPI(t)
	ves, usd, customer := a.seed()
	a.do(http.MethodPost, "/banks/"+ves+"/balances", map[string]string{"initial_amount": "1000", "rate": "35"}, http.StatusCreated, nil)

	var cheap, dear transactionItem
	a.do(http.MethodPost, "/transactions", transactionBody("1", "30", usd, customer, ves), http.StatusCreated, &cheap)
	a.do(http.MethodPost, "/transactions", transactionBody("1", "40", usd, customer, ves), http.StatusCreated, &dear)

	cases := []struct {
		query string
		want  []string
	}{
		{"profitable=true", []string{cheap.ID}},
		{"profitable=false", []string{dear.ID}},
		{"source_currency=usd", []string{dear.ID, cheap.ID}},
		{"target_currency=USD", nil},
		{"source_currency=USD&target_currency=VES&profitable=false", []string{dear.ID}},
	}
	for _, tc := range cases {
		t.Run(tc.query, func(t *testing.T) {
			var list listTransactionsResponse
			a.do(http.MethodGet, "/transactions?"+tc.query, nil, http.StatusOK, &list)
			if len(list.Transactions) != len(tc.want) {
				t.Fatalf("expected %d transactions, got %+v", len(tc.want), list.Transactions)
			}
			got := make(map[string]bool, len(list.Transactions))
			for _, txn := range list.Transactions {
				got[txn.ID] = true
			}
			for _, id := range tc.want {
				if !got[id] {
					t.Fatalf("expected %s in %+v", id, list.Transactions)
				}
			}
		})
	}

	var stats statisticsResponse
	a.do(http.MethodGet, "/transactions/statistics?profitable=true", nil, http.StatusOK, &stats)
	if stats.Count != 1 || stats.DailyAverage != "1.00" || len(stats.Days) != 1 || stats.Days[0].Count != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}
