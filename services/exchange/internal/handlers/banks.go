package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/1wilber/currency-manager/services/exchange/internal/ledger"
	"github.com/1wilber/currency-manager/services/exchange/internal/service"
	"github.com/gin-gonic/gin"
)

type createBankRequest struct {
	Name     string `json:"name"`
	Currency string `json:"currency"`
}

type createCustomerRequest struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type recordBalanceRequest struct {
	InitialAmount string `json:"initial_amount"`
	Rate          string `json:"rate"`
	Description   string `json:"description"`
}

type lotItem struct {
	ID              string `json:"id"`
	Code            string `json:"code"`
	FundingBankID   string `json:"funding_bank_id"`
	Currency        string `json:"currency"`
	InitialAmount   string `json:"initial_amount"`
	AvailableAmount string `json:"available_amount"`
	UsedAmount      string `json:"used_amount"`
	PercentageUsed  string `json:"percentage_used"`
	Rate            string `json:"rate"`
	Description     string `json:"description,omitempty"`
	CreatedAt       string `json:"created_at"`
}

type listBalancesResponse struct {
	Lots           []lotItem `json:"lots"`
	TotalAvailable string    `json:"total_available"`
}

func (h *Handler) CreateBank(c *gin.Context) {
	var req createBankRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	bank, err := h.Service.CreateBank(c.Request.Context(), service.CreateBankInput{Name: req.Name, Currency: req.Currency})
	if err != nil {
		h.fail(c, "create bank", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         bank.ID.String(),
		"name":       bank.Name,
		"currency":   bank.Currency,
		"created_at": bank.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) CreateCustomer(c *gin.Context) {
	var req createCustomerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	customer, err := h.Service.CreateCustomer(c.Request.Context(), service.CreateCustomerInput{Name: req.Name, Phone: req.Phone})
	if err != nil {
		h.fail(c, "create customer", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         customer.ID.String(),
		"name":       customer.Name,
		"phone":      customer.Phone,
		"created_at": customer.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) RecordBankBalance(c *gin.Context) {
	bankID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	var req recordBalanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	var p fieldParser
	in := service.RecordBankBalanceInput{
		BankID:        bankID,
		InitialAmount: p.amount("initial_amount", req.InitialAmount),
		Rate:          p.amount("rate", req.Rate),
		Description:   req.Description,
	}
	if len(p.errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", p.errs)
		return
	}

	lot, err := h.Service.RecordBankBalance(c.Request.Context(), in)
	if err != nil {
		h.fail(c, "record bank balance", err)
		return
	}
	c.JSON(http.StatusCreated, lotToItem(lot))
}

func (h *Handler) ListBalances(c *gin.Context) {
	bankID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	onlyFundable := false
	if raw := strings.TrimSpace(c.Query("fundable")); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid fundable", nil)
			return
		}
		onlyFundable = v
	}

	lots, err := h.Service.ListLots(c.Request.Context(), bankID, onlyFundable)
	if err != nil {
		h.fail(c, "list balances", err)
		return
	}
	items := make([]lotItem, 0, len(lots))
	for _, lot := range lots {
		items = append(items, lotToItem(lot))
	}
	c.JSON(http.StatusOK, listBalancesResponse{
		Lots:           items,
		TotalAvailable: ledger.TotalAvailable(ledger.Fundable(lots, bankID)).String(),
	})
}

func (h *Handler) DeleteBalance(c *gin.Context) {
	bankID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	lotID, ok := parseUUIDParam(c, "lot_id")
	if !ok {
		return
	}
	if err := h.Service.DeleteLot(c.Request.Context(), bankID, lotID); err != nil {
		h.fail(c, "delete balance", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func lotToItem(lot *ledger.Lot) lotItem {
	return lotItem{
		ID:              lot.ID.String(),
		Code:            lot.Code(),
		FundingBankID:   lot.FundingBankID.String(),
		Currency:        lot.Currency,
		InitialAmount:   lot.InitialAmount.String(),
		AvailableAmount: lot.AvailableAmount.String(),
		UsedAmount:      lot.UsedAmount().String(),
		PercentageUsed:  lot.PercentageUsed().String(),
		Rate:            lot.Rate.String(),
		Description:     lot.Description,
		CreatedAt:       lot.CreatedAt.UTC().Format(time.RFC3339),
	}
}
