// Package position keeps per-symbol inventory and P&L. Quantity is signed:
// positive is long, negative is short. All mutations for one
// (account, sub-account, symbol) key are serialized by the Engine.
package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the inventory state for one instrument under one sub-account.
type Position struct {
	AccountID  string
	SubAccount string
	Symbol     string

	// Quantity is the signed net quantity. AvgCost is the weighted average
	// entry price of the open side and is meaningless when Quantity is zero.
	Quantity decimal.Decimal
	AvgCost  decimal.Decimal

	// BlockedQty is quantity reserved by pending sell orders. It never
	// exceeds a long Quantity and never goes negative.
	BlockedQty decimal.Decimal

	// RealizedPnL accumulates over the life of the row and is never reset
	// by flat periods.
	RealizedPnL decimal.Decimal

	LastTradePrice decimal.Decimal
	LastTradeAt    time.Time

	LastMark   decimal.Decimal
	LastMarkAt time.Time
	// PrevClose is the last mark seen before the current UTC day, kept so
	// day change survives restarts. Zero until the first day roll.
	PrevClose decimal.Decimal

	UpdatedAt time.Time
	Version   int64
}

// Available is the quantity a sell order may still reserve:
// Quantity − BlockedQty, so available + blocked == quantity always holds.
// It goes negative when short selling drives blocks past the inventory.
func (p *Position) Available() decimal.Decimal {
	return p.Quantity.Sub(p.BlockedQty)
}

// IsFlat reports whether the net quantity is zero.
func (p *Position) IsFlat() bool { return p.Quantity.IsZero() }

// UnrealizedPnL values the open quantity against a mark price. Flat
// positions have no unrealized P&L regardless of the mark.
func (p *Position) UnrealizedPnL(mark decimal.Decimal) decimal.Decimal {
	if p.Quantity.IsZero() {
		return decimal.Zero
	}
	return mark.Sub(p.AvgCost).Mul(p.Quantity)
}

// applyExecution folds one confirmed fill into the position and returns the
// P&L realized by it. signedQty is positive for buys, negative for sells.
//
// Same-direction fills extend the position at a quantity-weighted average
// cost. Opposite-direction fills reduce it, realizing
// closed × (price − avgCost) × direction. A fill large enough to cross zero
// closes the whole position first and opens the residual at the execution
// price.
func (p *Position) applyExecution(signedQty, price decimal.Decimal, at time.Time) decimal.Decimal {
	realized := decimal.Zero

	switch {
	case p.Quantity.IsZero() || p.Quantity.Sign() == signedQty.Sign():
		// Opening or extending: new weighted average cost.
		newQty := p.Quantity.Add(signedQty)
		if newQty.IsZero() {
			p.AvgCost = decimal.Zero
		} else {
			notional := p.AvgCost.Mul(p.Quantity).Add(price.Mul(signedQty))
			p.AvgCost = notional.Div(newQty)
		}
		p.Quantity = newQty

	default:
		closed := decimal.Min(p.Quantity.Abs(), signedQty.Abs())
		direction := decimal.NewFromInt(int64(p.Quantity.Sign()))
		realized = price.Sub(p.AvgCost).Mul(closed).Mul(direction)
		p.RealizedPnL = p.RealizedPnL.Add(realized)

		newQty := p.Quantity.Add(signedQty)
		if newQty.IsZero() {
			p.Quantity = decimal.Zero
			p.AvgCost = decimal.Zero
		} else if newQty.Sign() == p.Quantity.Sign() {
			// Partial reduction keeps the original average cost.
			p.Quantity = newQty
		} else {
			// Crossed zero: residual opens a fresh position at the
			// execution price.
			p.Quantity = newQty
			p.AvgCost = price
		}
	}

	// A sell execution consumes the reservation its order placed. Broker-side
	// sells discovered by reconciliation carry no local reservation, hence
	// the floor at zero.
	if signedQty.Sign() < 0 {
		p.BlockedQty = p.BlockedQty.Sub(signedQty.Abs())
		if p.BlockedQty.Sign() < 0 {
			p.BlockedQty = decimal.Zero
		}
	}

	p.LastTradePrice = price
	if at.After(p.LastTradeAt) {
		p.LastTradeAt = at
	}
	p.UpdatedAt = at
	return realized
}

// Snapshot is the read model served over the API: the stored fields plus
// mark-dependent values computed at read time.
type Snapshot struct {
	AccountID    string          `json:"account_id"`
	SubAccount   string          `json:"sub_account"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	AvailableQty decimal.Decimal `json:"available_qty"`
	BlockedQty   decimal.Decimal `json:"blocked_qty"`
	AvgCost      decimal.Decimal `json:"avg_cost"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`

	LastTradePrice decimal.Decimal `json:"last_trade_price"`
	LastTradeAt    time.Time       `json:"last_trade_at"`

	Mark          decimal.Decimal `json:"mark"`
	MarkAt        time.Time       `json:"mark_at"`
	MarkStale     bool            `json:"mark_stale"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	// DayChange is (mark − previous close) × quantity, zero until a close
	// is known.
	DayChange decimal.Decimal `json:"day_change"`

	UpdatedAt time.Time `json:"updated_at"`
}

func (p *Position) snapshot(now time.Time, staleAfter time.Duration) Snapshot {
	s := Snapshot{
		AccountID:      p.AccountID,
		SubAccount:     p.SubAccount,
		Symbol:         p.Symbol,
		Quantity:       p.Quantity,
		AvailableQty:   p.Available(),
		BlockedQty:     p.BlockedQty,
		AvgCost:        p.AvgCost,
		RealizedPnL:    p.RealizedPnL,
		LastTradePrice: p.LastTradePrice,
		LastTradeAt:    p.LastTradeAt,
		Mark:           p.LastMark,
		MarkAt:         p.LastMarkAt,
		UpdatedAt:      p.UpdatedAt,
	}
	if p.LastMarkAt.IsZero() {
		s.MarkStale = true
		return s
	}
	s.MarkStale = staleAfter > 0 && now.Sub(p.LastMarkAt) > staleAfter
	s.MarketValue = p.LastMark.Mul(p.Quantity)
	s.UnrealizedPnL = p.UnrealizedPnL(p.LastMark)
	if !p.PrevClose.IsZero() {
		s.DayChange = p.LastMark.Sub(p.PrevClose).Mul(p.Quantity)
	}
	return s
}
