package httpapi

import (
	"time"

	"github.com/shopspring/decimal"

	"galata/internal/order"
)

// orderView is the wire shape of an order. Domain orders carry internal
// bookkeeping (locks, block flags, raw broker payloads) the API has no
// business exposing.
type orderView struct {
	ID             string            `json:"id"`
	IdempotencyKey string            `json:"idempotency_key"`
	BrokerID       string            `json:"broker_id,omitempty"`
	AccountID      string            `json:"account_id"`
	SubAccount     string            `json:"sub_account,omitempty"`
	Symbol         string            `json:"symbol"`
	Side           order.Side        `json:"side"`
	Kind           order.Kind        `json:"kind"`
	TimeInForce    order.TimeInForce `json:"time_in_force"`
	ExpiresAt      *time.Time        `json:"expires_at,omitempty"`
	Status         order.Status      `json:"status"`
	Quantity       decimal.Decimal   `json:"quantity"`
	LimitPrice     decimal.Decimal   `json:"limit_price"`
	StopPrice      decimal.Decimal   `json:"stop_price"`
	FilledQty      decimal.Decimal   `json:"filled_qty"`
	RemainingQty   decimal.Decimal   `json:"remaining_qty"`
	AvgFillPrice   decimal.Decimal   `json:"avg_fill_price"`
	ParentID       string            `json:"parent_id,omitempty"`
	ChildIDs       []string          `json:"child_ids,omitempty"`
	Source         string            `json:"source"`
	Reason         string            `json:"reason,omitempty"`
	SubmitAttempts int               `json:"submit_attempts"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	Version        int64             `json:"version"`
}

func viewOrder(o *order.Order) orderView {
	return orderView{
		ID:             o.ID,
		IdempotencyKey: o.IdempotencyKey,
		BrokerID:       o.BrokerID,
		AccountID:      o.AccountID,
		SubAccount:     o.SubAccount,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Kind:           o.Kind,
		TimeInForce:    o.TimeInForce,
		ExpiresAt:      o.ExpiresAt,
		Status:         o.Status,
		Quantity:       o.OriginalQty,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		FilledQty:      o.FilledQty,
		RemainingQty:   o.RemainingQty,
		AvgFillPrice:   o.AvgFillPrice,
		ParentID:       o.ParentID,
		ChildIDs:       o.ChildIDs,
		Source:         o.Source,
		Reason:         o.Reason,
		SubmitAttempts: o.SubmitAttempts,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
		Version:        o.Version,
	}
}

func viewOrders(rows []*order.Order) []orderView {
	out := make([]orderView, 0, len(rows))
	for _, o := range rows {
		out = append(out, viewOrder(o))
	}
	return out
}
