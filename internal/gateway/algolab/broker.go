package algolab

import (
	"context"
	"fmt"

	"galata/internal/order"
	"galata/internal/pkg/brokererr"
)

// OrderGateway adapts the wire client to the order service's Broker port.
type OrderGateway struct {
	client *Client
}

// NewOrderGateway wraps an existing client; both share one limiter and
// breaker.
func NewOrderGateway(client *Client) *OrderGateway {
	return &OrderGateway{client: client}
}

var _ order.Broker = (*OrderGateway)(nil)

// priceTypeFor maps the local order kind onto the venue's two price types.
// Kinds that need a server-side trigger have no equivalent here and are
// refused before anything reaches the wire; the iceberg display and the
// bracket/OCO linkage live in the order service, so their resting legs go
// out as plain limit orders.
func priceTypeFor(kind order.Kind) (string, error) {
	switch kind {
	case order.KindMarket:
		return priceTypeMarket, nil
	case order.KindLimit, order.KindIceberg, order.KindBracket, order.KindOCO:
		return priceTypeLimit, nil
	default:
		return "", &brokererr.BrokerError{
			Endpoint: epSendOrder,
			Code:     brokererr.CodeRejected,
			Message:  fmt.Sprintf("order kind %s requires a trigger the venue does not support", kind),
		}
	}
}

func (g *OrderGateway) PlaceOrder(ctx context.Context, req order.PlaceRequest) (*order.PlaceResult, error) {
	priceType, err := priceTypeFor(req.Kind)
	if err != nil {
		return nil, err
	}
	outcome, err := g.client.SendOrder(ctx, req.AccountID, SendOrderParams{
		Symbol:     req.Symbol,
		Direction:  string(req.Side),
		PriceType:  priceType,
		Price:      req.LimitPrice,
		Lot:        req.Quantity,
		SubAccount: req.SubAccount,
		ClientRef:  req.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}
	return &order.PlaceResult{BrokerID: outcome.BrokerID, Raw: outcome.Raw}, nil
}

func (g *OrderGateway) CancelOrder(ctx context.Context, req order.CancelRequest) error {
	return g.client.DeleteOrder(ctx, req.AccountID, req.BrokerID, req.SubAccount)
}

func (g *OrderGateway) ModifyOrder(ctx context.Context, req order.ModifyRequest) (*order.ModifyResult, error) {
	raw, err := g.client.ModifyOrder(ctx, req.AccountID, req.BrokerID, req.LimitPrice, req.Quantity, req.SubAccount)
	if err != nil {
		return nil, err
	}
	// The venue amends in place and keeps the id.
	return &order.ModifyResult{BrokerID: req.BrokerID, Raw: raw}, nil
}
