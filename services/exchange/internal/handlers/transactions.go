package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/1wilber/currency-manager/libs/auth"
	"github.com/1wilber/currency-manager/services/exchange/internal/party"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/1wilber/currency-manager/services/exchange/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type partyRequest struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type createTransactionRequest struct {
	Amount         string       `json:"amount"`
	Rate           string       `json:"rate"`
	CostRate       string       `json:"cost_rate"`
	SourceCurrency string       `json:"source_currency"`
	TargetCurrency string       `json:"target_currency"`
	Sender         partyRequest `json:"sender"`
	Receiver       partyRequest `json:"receiver"`
	CustomerID     string       `json:"customer_id"`
	FundingBankID  string       `json:"funding_bank_id"`
}

type updateTransactionRequest struct {
	Amount         *string       `json:"amount"`
	Rate           *string       `json:"rate"`
	CostRate       *string       `json:"cost_rate"`
	SourceCurrency *string       `json:"source_currency"`
	TargetCurrency *string       `json:"target_currency"`
	Sender         *partyRequest `json:"sender"`
	Receiver       *partyRequest `json:"receiver"`
	CustomerID     *string       `json:"customer_id"`
	FundingBankID  *string       `json:"funding_bank_id"`
}

type partyItem struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

type allocationItem struct {
	ID         string `json:"id"`
	LotID      string `json:"lot_id"`
	AmountUsed string `json:"amount_used"`
	RateUsed   string `json:"rate_used"`
}

type transactionItem struct {
	ID               string           `json:"id"`
	Amount           string           `json:"amount"`
	Rate             string           `json:"rate"`
	CostRate         string           `json:"cost_rate"`
	Total            string           `json:"total"`
	Profit           string           `json:"profit"`
	CostTotal        string           `json:"cost_total,omitempty"`
	ProfitMargin     string           `json:"profit_margin,omitempty"`
	RateSpread       string           `json:"rate_spread,omitempty"`
	ProfitPercentage string           `json:"profit_percentage,omitempty"`
	SourceCurrency   string           `json:"source_currency"`
	TargetCurrency   string           `json:"target_currency"`
	Sender           partyItem        `json:"sender"`
	Receiver         partyItem        `json:"receiver"`
	CustomerID       *string          `json:"customer_id,omitempty"`
	FundingBankID    string           `json:"funding_bank_id,omitempty"`
	Status           string           `json:"status,omitempty"`
	CreatedBy        string           `json:"created_by,omitempty"`
	CreatedAt        string           `json:"created_at"`
	UpdatedAt        string           `json:"updated_at"`
	Allocations      []allocationItem `json:"allocations,omitempty"`
}

type listTransactionsResponse struct {
	Transactions []transactionItem `json:"transactions"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

type pairStatisticsItem struct {
	SourceCurrency string `json:"source_currency"`
	TargetCurrency string `json:"target_currency"`
	Count          int64  `json:"count"`
	TotalAmount    string `json:"total_amount"`
	TotalTotal     string `json:"total_total"`
	TotalProfit    string `json:"total_profit"`
	AverageRate    string `json:"average_rate"`
	AverageMargin  string `json:"average_profit_margin"`
}

type dayStatisticsItem struct {
	Day         string `json:"day"`
	Count       int64  `json:"count"`
	TotalProfit string `json:"total_profit"`
}

type statisticsResponse struct {
	Count         int64                `json:"count"`
	TotalAmount   string               `json:"total_amount"`
	TotalTotal    string               `json:"total_total"`
	TotalProfit   string               `json:"total_profit"`
	AverageRate   string               `json:"average_rate"`
	AverageMargin string               `json:"average_profit_margin"`
	DailyAverage  string               `json:"average_transactions_per_day"`
	Pairs         []pairStatisticsItem `json:"by_currency_pair"`
	Days          []dayStatisticsItem  `json:"by_day"`
}

func (h *Handler) CreateTransaction(c *gin.Context) {
	var req createTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	var p fieldParser
	in := service.CreateTransactionInput{
		Amount:         p.amount("amount", req.Amount),
		Rate:           p.amount("rate", req.Rate),
		CostRate:       p.amount("cost_rate", req.CostRate),
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
		Sender:         p.party("sender", req.Sender),
		Receiver:       p.party("receiver", req.Receiver),
		CustomerID:     p.uuid("customer_id", req.CustomerID),
		FundingBankID:  p.uuid("funding_bank_id", req.FundingBankID),
		CreatedBy:      auth.OperatorFrom(c),
	}
	if len(p.errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", p.errs)
		return
	}

	view, err := h.Service.CreateTransaction(requestContext(c), in)
	if err != nil {
		h.fail(c, "create transaction", err)
		return
	}
	c.JSON(http.StatusCreated, viewToItem(view))
}

func (h *Handler) UpdateTransaction(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req updateTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	var p fieldParser
	in := service.UpdateTransactionInput{
		ID:             id,
		Amount:         p.optionalAmount("amount", req.Amount),
		Rate:           p.optionalAmount("rate", req.Rate),
		CostRate:       p.optionalAmount("cost_rate", req.CostRate),
		SourceCurrency: req.SourceCurrency,
		TargetCurrency: req.TargetCurrency,
	}
	if req.Sender != nil {
		ref := p.party("sender", *req.Sender)
		in.Sender = &ref
	}
	if req.Receiver != nil {
		ref := p.party("receiver", *req.Receiver)
		in.Receiver = &ref
	}
	if req.CustomerID != nil {
		in.CustomerID = p.uuid("customer_id", *req.CustomerID)
	}
	if req.FundingBankID != nil {
		in.FundingBankID = p.uuid("funding_bank_id", *req.FundingBankID)
	}
	if len(p.errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", p.errs)
		return
	}

	view, err := h.Service.UpdateTransaction(requestContext(c), in)
	if err != nil {
		h.fail(c, "update transaction", err)
		return
	}
	c.JSON(http.StatusOK, viewToItem(view))
}

func (h *Handler) DeleteTransaction(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	if err := h.Service.DeleteTransaction(requestContext(c), id); err != nil {
		h.fail(c, "delete transaction", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) GetTransaction(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	view, err := h.Service.GetTransaction(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "get transaction", err)
		return
	}
	c.JSON(http.StatusOK, viewToItem(view))
}

func (h *Handler) ListTransactions(c *gin.Context) {
	filter, ok := parseFilter(c)
	if !ok {
		return
	}
	page, err := h.Service.ListTransactions(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "list transactions", err)
		return
	}

	items := make([]transactionItem, 0, len(page.Items))
	for _, txn := range page.Items {
		items = append(items, transactionToItem(txn))
	}
	c.JSON(http.StatusOK, listTransactionsResponse{Transactions: items, NextCursor: page.NextCursor})
}

func (h *Handler) Statistics(c *gin.Context) {
	filter, ok := parseFilter(c)
	if !ok {
		return
	}
	stats, err := h.Service.Statistics(c.Request.Context(), filter)
	if err != nil {
		h.fail(c, "transaction statistics", err)
		return
	}

	pairs := make([]pairStatisticsItem, 0, len(stats.Pairs))
	for _, p := range stats.Pairs {
		pairs = append(pairs, pairStatisticsItem{
			SourceCurrency: p.SourceCurrency,
			TargetCurrency: p.TargetCurrency,
			Count:          p.Count,
			TotalAmount:    p.TotalAmount.String(),
			TotalTotal:     p.TotalTotal.String(),
			TotalProfit:    p.TotalProfit.String(),
			AverageRate:    p.AverageRate.String(),
			AverageMargin:  p.AverageMargin.String(),
		})
	}
	days := make([]dayStatisticsItem, 0, len(stats.Daily))
	for _, day := range stats.Daily {
		days = append(days, dayStatisticsItem{
			Day:         day.Day.Format(time.DateOnly),
			Count:       day.Count,
			TotalProfit: day.TotalProfit.String(),
		})
	}
	c.JSON(http.StatusOK, statisticsResponse{
		Count:         stats.Count,
		TotalAmount:   stats.TotalAmount.String(),
		TotalTotal:    stats.TotalTotal.String(),
		TotalProfit:   stats.TotalProfit.String(),
		AverageRate:   stats.AverageRate.String(),
		AverageMargin: stats.AverageMargin.String(),
		DailyAverage:  stats.DailyAverage.StringFixed(2),
		Pairs:         pairs,
		Days:          days,
	})
}

func (h *Handler) FundingSummary(c *gin.Context) {
	id, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	summary, err := h.Service.FundingSummary(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "funding summary", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (p *fieldParser) party(field string, req partyRequest) party.Ref {
	kind, err := party.ParseKind(req.Kind)
	if err != nil {
		p.errs = append(p.errs, service.FieldError{Field: field + ".kind", Message: "must be bank or customer"})
	}
	id := p.uuid(field+".id", req.ID)
	if id == nil {
		if strings.TrimSpace(req.ID) == "" {
			p.errs = append(p.errs, service.FieldError{Field: field + ".id", Message: "is required"})
		}
		return party.Ref{Kind: kind}
	}
	return party.Ref{Kind: kind, ID: *id}
}

func parseFilter(c *gin.Context) (storage.TransactionFilter, bool) {
	filter := storage.TransactionFilter{
		Currency:       strings.ToUpper(strings.TrimSpace(c.Query("currency"))),
		SourceCurrency: strings.ToUpper(strings.TrimSpace(c.Query("source_currency"))),
		TargetCurrency: strings.ToUpper(strings.TrimSpace(c.Query("target_currency"))),
		Cursor:         strings.TrimSpace(c.Query("cursor")),
	}

	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return filter, false
		}
		filter.Limit = n
	}
	if raw := strings.TrimSpace(c.Query("profitable")); raw != "" {
		profitable, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid profitable", nil)
			return filter, false
		}
		filter.Profitable = &profitable
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name, nil)
			return filter, false
		}
		*dst = &parsed
	}
	for name, dst := range map[string]*party.Kind{"sender_kind": &filter.SenderKind, "receiver_kind": &filter.ReceiverKind} {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			continue
		}
		kind, err := party.ParseKind(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name, nil)
			return filter, false
		}
		*dst = kind
	}
	for name, dst := range map[string]**uuid.UUID{"customer_id": &filter.CustomerID, "bank_id": &filter.BankID} {
		raw := strings.TrimSpace(c.Query(name))
		if raw == "" {
			continue
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid "+name, nil)
			return filter, false
		}
		*dst = &id
	}
	return filter, true
}

func transactionToItem(txn storage.Transaction) transactionItem {
	item := transactionItem{
		ID:             txn.ID.String(),
		Amount:         txn.Amount.String(),
		Rate:           txn.Rate.String(),
		CostRate:       txn.CostRate.String(),
		Total:          txn.Total.String(),
		Profit:         txn.Profit.String(),
		SourceCurrency: txn.SourceCurrency,
		TargetCurrency: txn.TargetCurrency,
		Sender:         partyItem{Kind: string(txn.Sender.Kind), ID: txn.Sender.ID.String()},
		Receiver:       partyItem{Kind: string(txn.Receiver.Kind), ID: txn.Receiver.ID.String()},
		CreatedBy:      txn.CreatedBy,
		CreatedAt:      txn.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:      txn.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if txn.CustomerID != nil {
		id := txn.CustomerID.String()
		item.CustomerID = &id
	}
	if txn.FundingBankID != uuid.Nil {
		item.FundingBankID = txn.FundingBankID.String()
	}
	return item
}

func viewToItem(view *service.TransactionView) transactionItem {
	item := transactionToItem(view.Transaction)
	item.CostTotal = view.CostTotal.String()
	item.ProfitMargin = view.ProfitMargin.String()
	item.RateSpread = view.RateSpread.String()
	item.ProfitPercentage = view.ProfitPercentage.String()
	item.Status = string(view.Status)
	for _, a := range view.Allocations {
		item.Allocations = append(item.Allocations, allocationItem{
			ID:         a.ID.String(),
			LotID:      a.LotID.String(),
			AmountUsed: a.AmountUsed.String(),
			RateUsed:   a.RateUsed.String(),
		})
	}
	return item
}
