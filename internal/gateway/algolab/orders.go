package algolab

import (
	"context"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	priceTypeLimit  = "limit"
	priceTypeMarket = "piyasa"
)

// SendOrderParams is the wire-level instruction for one new order. Price is
// ignored for market orders; the venue expects an empty price string there.
type SendOrderParams struct {
	Symbol     string
	Direction  string // "BUY" or "SELL"
	PriceType  string // priceTypeLimit or priceTypeMarket
	Price      decimal.Decimal
	Lot        decimal.Decimal
	SubAccount string
	ClientRef  string
}

// SendOrder submits a new order and returns the broker order id. Only
// transport failures with a known-undelivered outcome are retried; a
// timeout is surfaced so the caller can reconcile instead of double
// submitting.
func (c *Client) SendOrder(ctx context.Context, userID string, p SendOrderParams) (*PlaceOutcome, error) {
	hash, err := c.hashFor(userID)
	if err != nil {
		return nil, err
	}
	price := ""
	if p.PriceType != priceTypeMarket {
		price = p.Price.String()
	}
	req := sendOrderRequest{
		Symbol:     strings.ToUpper(p.Symbol),
		Direction:  p.Direction,
		PriceType:  p.PriceType,
		Price:      price,
		Lot:        p.Lot.String(),
		SMS:        c.notifySMS,
		Email:      c.notifyEmail,
		SubAccount: p.SubAccount,
		ClientRef:  p.ClientRef,
	}
	content, raw, err := c.postRetry(ctx, epSendOrder, req, hash, false)
	if err != nil {
		return nil, err
	}
	brokerID := strings.TrimSpace(content.Get("orderId").String())
	if brokerID == "" {
		// Some gateways return the id as the bare content string.
		brokerID = strings.TrimSpace(content.String())
	}
	if brokerID == "" {
		return nil, fmt.Errorf("%s: accepted but no order id in response", epSendOrder)
	}
	return &PlaceOutcome{BrokerID: brokerID, Raw: raw}, nil
}

// ModifyOrder amends price and lot of a resting order in place. Never
// retried: repeating a delivered amend can double-apply against a moving
// book.
func (c *Client) ModifyOrder(ctx context.Context, userID, brokerID string, price, lot decimal.Decimal, subAccount string) ([]byte, error) {
	hash, err := c.hashFor(userID)
	if err != nil {
		return nil, err
	}
	req := modifyOrderRequest{
		ID:         brokerID,
		Price:      price.String(),
		Lot:        lot.String(),
		Viop:       false,
		SubAccount: subAccount,
	}
	_, raw, err := c.post(ctx, epModifyOrder, req, hash)
	return raw, err
}

// DeleteOrder cancels a resting order. Never retried for the same reason
// as ModifyOrder; cancel of an already-gone order comes back as a
// rejection the caller can inspect.
func (c *Client) DeleteOrder(ctx context.Context, userID, brokerID, subAccount string) error {
	hash, err := c.hashFor(userID)
	if err != nil {
		return err
	}
	_, _, err = c.post(ctx, epDeleteOrder, deleteOrderRequest{ID: brokerID, SubAccount: subAccount}, hash)
	return err
}

// TodaysTransactions lists the account's orders for the current session
// day, worked and done alike. The reconciler derives fills from the delta
// between order size and remaining size.
func (c *Client) TodaysTransactions(ctx context.Context, userID, subAccount string) ([]Transaction, error) {
	hash, err := c.hashFor(userID)
	if err != nil {
		return nil, err
	}
	content, _, err := c.postRetry(ctx, epTodaysTransaction, subAccountRequest{SubAccount: subAccount}, hash, true)
	if err != nil {
		return nil, err
	}
	rows := content.Array()
	out := make([]Transaction, 0, len(rows))
	for _, row := range rows {
		tx := parseTransaction(row)
		if tx.BrokerID == "" {
			continue
		}
		out = append(out, tx)
	}
	return out, nil
}
