package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"galata/internal/order"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

type createOrderRequest struct {
	AccountID      string          `json:"account_id"`
	SubAccount     string          `json:"sub_account"`
	Symbol         string          `json:"symbol"`
	Side           string          `json:"side"`
	Kind           string          `json:"kind"`
	TimeInForce    string          `json:"time_in_force"`
	ExpiresAt      *time.Time      `json:"expires_at"`
	Quantity       decimal.Decimal `json:"quantity"`
	LimitPrice     decimal.Decimal `json:"limit_price"`
	StopPrice      decimal.Decimal `json:"stop_price"`
	IdempotencyKey string          `json:"idempotency_key"`
	ParentID       string          `json:"parent_id"`
}

type modifyOrderRequest struct {
	Price    *decimal.Decimal `json:"price"`
	Quantity *decimal.Decimal `json:"quantity"`
}

// handleCreateOrder registers a PENDING order. Nothing reaches the broker
// until the separate submit call, so a create is always local and cheap.
func (r *Router) handleCreateOrder(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	tif := strings.ToUpper(strings.TrimSpace(req.TimeInForce))
	if tif == "" {
		tif = string(order.TIFDay)
	}
	intent := order.Intent{
		AccountID:      strings.TrimSpace(req.AccountID),
		SubAccount:     strings.TrimSpace(req.SubAccount),
		Symbol:         strings.ToUpper(strings.TrimSpace(req.Symbol)),
		Side:           order.Side(strings.ToUpper(strings.TrimSpace(req.Side))),
		Kind:           order.Kind(strings.ToUpper(strings.TrimSpace(req.Kind))),
		TimeInForce:    order.TimeInForce(tif),
		ExpiresAt:      req.ExpiresAt,
		Quantity:       req.Quantity,
		LimitPrice:     req.LimitPrice,
		StopPrice:      req.StopPrice,
		IdempotencyKey: strings.TrimSpace(req.IdempotencyKey),
		ParentID:       strings.TrimSpace(req.ParentID),
		Source:         "api",
	}
	o, err := r.orders.Create(c.Request.Context(), intent)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, viewOrder(o))
}

// handleSubmitOrder places a PENDING order at the broker. A 200 means the
// broker acknowledged delivery, not that anything filled; fills land later
// through reconciliation. On a 504 the order stays PENDING and the same
// call may simply be repeated.
func (r *Router) handleSubmitOrder(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	o, err := r.orders.Submit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeOrderError(c, o, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(o))
}

func (r *Router) handleCancelOrder(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	o, err := r.orders.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeOrderError(c, o, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(o))
}

// handleModifyOrder amends price and/or quantity. Under the cancel/recreate
// strategy the response is a NEW order with a new id replacing the old one,
// so callers must always read the id off the response.
func (r *Router) handleModifyOrder(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	var req modifyOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if req.Price == nil && req.Quantity == nil {
		c.JSON(http.StatusBadRequest, apiError{Kind: "validation", Reason: "modify requires price or quantity"})
		return
	}
	o, err := r.orders.Modify(c.Request.Context(), c.Param("id"), req.Price, req.Quantity)
	if err != nil {
		writeOrderError(c, o, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(o))
}

func (r *Router) handleGetOrder(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	o, err := r.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOrder(o))
}

// handleListOrders returns the account's orders. ?active=1 narrows to
// orders currently live at the broker; otherwise the newest orders of any
// status come back, capped by ?limit.
func (r *Router) handleListOrders(c *gin.Context) {
	if r.orders == nil {
		writeUnavailable(c, "order service not configured")
		return
	}
	account := c.Param("account")
	if boolQuery(c, "active") {
		rows, err := r.orders.ListActive(c.Request.Context(), account)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"orders": viewOrders(rows)})
		return
	}
	limit := intQuery(c, "limit", defaultListLimit)
	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	rows, err := r.orders.ListRecent(c.Request.Context(), account, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": viewOrders(rows)})
}

func writeBindError(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, apiError{Kind: "validation", Reason: err.Error()})
}

func writeUnavailable(c *gin.Context, reason string) {
	c.JSON(http.StatusServiceUnavailable, apiError{Kind: "unavailable", Reason: reason})
}

func boolQuery(c *gin.Context, key string) bool {
	switch strings.ToLower(c.Query(key)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

func intQuery(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
