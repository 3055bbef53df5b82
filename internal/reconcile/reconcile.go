// Package reconcile periodically replays the broker's view of the world
// into the local engines. The poll is the source of truth for order
// outcomes: fills, broker-side cancels and orders placed through other
// channels all enter the state machine from here.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"galata/internal/gateway/algolab"
	"galata/internal/logger"
	"galata/internal/order"
	"galata/internal/pkg/brokererr"
)

// BrokerFeed is the slice of the gateway the reconciler polls.
type BrokerFeed interface {
	TodaysTransactions(ctx context.Context, userID, subAccount string) ([]algolab.Transaction, error)
	InstantPositions(ctx context.Context, userID, subAccount string) ([]algolab.PositionReport, error)
}

// Sessions names the users whose accounts are live enough to poll.
type Sessions interface {
	AuthenticatedUsers() []string
	SubAccounts(userID string) []string
}

// OrderSync is the broker-facing surface of the order service.
type OrderSync interface {
	GetByBrokerID(ctx context.Context, accountID, brokerID string) (*order.Order, error)
	RecordFill(ctx context.Context, orderID string, exec order.Execution) (bool, error)
	MarkAccepted(ctx context.Context, orderID string) error
	ApplyBrokerTerminal(ctx context.Context, orderID string, to order.Status, reason string) (*order.Order, error)
	FindAdoptable(ctx context.Context, accountID, subAccount, symbol string, side order.Side, qty decimal.Decimal) (*order.Order, error)
	AdoptBrokerOrder(ctx context.Context, orderID, brokerID string) (*order.Order, error)
	CreateShadow(ctx context.Context, intent order.Intent, brokerID string) (*order.Order, error)
	SweepPending(ctx context.Context, accountID string) error
	ExpireOverdue(ctx context.Context, accountID string) error
}

// Marker receives broker price observations as mark-to-market updates.
type Marker interface {
	MarkToMarket(ctx context.Context, accountID, subAccount, symbol string, mark decimal.Decimal, at time.Time) error
}

// Params collects the reconciler's dependencies.
type Params struct {
	Feed     BrokerFeed
	Sessions Sessions
	Orders   OrderSync
	Marks    Marker
	// CycleTimeout bounds one full pass over all users. Zero means 45s.
	CycleTimeout time.Duration
	NowFn        func() time.Time
}

// Reconciler drives one poll cycle at a time; the scheduler owns cadence.
type Reconciler struct {
	feed         BrokerFeed
	sessions     Sessions
	orders       OrderSync
	marks        Marker
	cycleTimeout time.Duration
	nowFn        func() time.Time
}

func New(p Params) *Reconciler {
	if p.CycleTimeout <= 0 {
		p.CycleTimeout = 45 * time.Second
	}
	if p.NowFn == nil {
		p.NowFn = time.Now
	}
	return &Reconciler{
		feed:         p.Feed,
		sessions:     p.Sessions,
		orders:       p.Orders,
		marks:        p.Marks,
		cycleTimeout: p.CycleTimeout,
		nowFn:        p.NowFn,
	}
}

// RunCycle polls every authenticated user once. A failing user or sub
// account is logged and skipped; the cycle always completes so one bad
// session cannot starve the others.
func (r *Reconciler) RunCycle(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, r.cycleTimeout)
	defer cancel()

	for _, userID := range r.sessions.AuthenticatedUsers() {
		if ctx.Err() != nil {
			return
		}
		r.reconcileUser(ctx, userID)
	}
}

func (r *Reconciler) reconcileUser(ctx context.Context, userID string) {
	subs := r.sessions.SubAccounts(userID)
	if len(subs) == 0 {
		// The account itself is the trading scope until sub accounts load.
		subs = []string{""}
	}
	for _, sub := range subs {
		if err := r.reconcileOrders(ctx, userID, sub); err != nil {
			logger.Warnf("reconcile %s/%s: order poll failed: %v", userID, sub, err)
			if errors.Is(err, brokererr.ErrCircuitOpen) {
				// The next sub account would hit the same wall.
				break
			}
			continue
		}
		if err := r.reconcileMarks(ctx, userID, sub); err != nil {
			logger.Warnf("reconcile %s/%s: position poll failed: %v", userID, sub, err)
		}
	}

	// Housekeeping runs even when a poll failed: expiries and stuck
	// PENDING orders are judged on local clocks, not broker data.
	if err := r.orders.SweepPending(ctx, userID); err != nil {
		logger.Warnf("reconcile %s: pending sweep failed: %v", userID, err)
	}
	if err := r.orders.ExpireOverdue(ctx, userID); err != nil {
		logger.Warnf("reconcile %s: expiry sweep failed: %v", userID, err)
	}
}

func (r *Reconciler) reconcileOrders(ctx context.Context, userID, subAccount string) error {
	txs, err := r.feed.TodaysTransactions(ctx, userID, subAccount)
	if err != nil {
		return err
	}
	for _, tx := range txs {
		if err := r.applyTransaction(ctx, userID, subAccount, tx); err != nil {
			logger.Warnf("reconcile %s/%s: broker order %s not applied: %v", userID, subAccount, tx.BrokerID, err)
		}
	}
	return nil
}

// applyTransaction folds one broker report row into the local order. The
// same row can arrive on every poll, so every step is idempotent.
func (r *Reconciler) applyTransaction(ctx context.Context, userID, subAccount string, tx algolab.Transaction) error {
	o, err := r.resolveOrder(ctx, userID, subAccount, tx)
	if err != nil {
		return err
	}
	if o == nil {
		return nil
	}
	if o.Status.IsTerminal() {
		return nil
	}

	if tx.FilledQty.GreaterThan(o.FilledQty) {
		if err := r.recordFillDelta(ctx, o, tx); err != nil {
			return err
		}
	}

	switch {
	case tx.Working():
		return r.orders.MarkAccepted(ctx, o.ID)
	case tx.Deleted():
		_, err := r.orders.ApplyBrokerTerminal(ctx, o.ID, order.StatusCancelled, "cancelled at broker")
		return err
	default:
		// DONE rows complete through their fills; nothing more to apply.
		return nil
	}
}

// resolveOrder maps the broker id to a local order, adopting an unresolved
// PENDING submit when one matches and shadowing the row otherwise.
func (r *Reconciler) resolveOrder(ctx context.Context, userID, subAccount string, tx algolab.Transaction) (*order.Order, error) {
	o, err := r.orders.GetByBrokerID(ctx, userID, tx.BrokerID)
	if err == nil {
		return o, nil
	}
	if !errors.Is(err, order.ErrOrderNotFound) {
		return nil, err
	}

	side, ok := order.ParseSide(tx.Side)
	if !ok {
		return nil, fmt.Errorf("report row %s has unusable side %q", tx.BrokerID, tx.Side)
	}

	if pending, err := r.orders.FindAdoptable(ctx, userID, subAccount, tx.Symbol, side, tx.OrderSize); err != nil {
		return nil, err
	} else if pending != nil {
		adopted, err := r.orders.AdoptBrokerOrder(ctx, pending.ID, tx.BrokerID)
		if err != nil {
			return nil, err
		}
		logger.Infof("reconcile %s: adopted broker order %s into %s after unresolved submit", userID, tx.BrokerID, adopted.ID)
		return adopted, nil
	}

	kind := order.KindLimit
	if tx.WaitingPrice.IsZero() {
		kind = order.KindMarket
	}
	shadow, err := r.orders.CreateShadow(ctx, order.Intent{
		AccountID:  userID,
		SubAccount: subAccount,
		Symbol:     tx.Symbol,
		Side:       side,
		Kind:       kind,
		Quantity:   tx.OrderSize,
		LimitPrice: tx.WaitingPrice,
	}, tx.BrokerID)
	if err != nil {
		return nil, err
	}
	return shadow, nil
}

// recordFillDelta converts cumulative report quantities into one execution.
// The synthetic id embeds the cumulative level, so replaying the same
// report is a dedup no-op while a higher level yields a fresh execution.
func (r *Reconciler) recordFillDelta(ctx context.Context, o *order.Order, tx algolab.Transaction) error {
	delta := tx.FilledQty.Sub(o.FilledQty)
	price := tx.Price
	if price.IsZero() {
		price = tx.WaitingPrice
	}
	if price.IsZero() {
		return fmt.Errorf("report row %s fills %s without a price", tx.BrokerID, delta)
	}
	execID := fmt.Sprintf("%s/cum-%s", tx.BrokerID, tx.FilledQty.String())
	inserted, err := r.orders.RecordFill(ctx, o.ID, order.Execution{
		BrokerExecID: execID,
		Quantity:     delta,
		Price:        price,
		ExecutedAt:   r.nowFn().UTC(),
		Raw:          tx.Raw,
	})
	if err != nil {
		return err
	}
	if inserted {
		logger.Infof("reconcile: order %s filled %s @ %s from broker report (cum %s)",
			o.ID, delta, price, tx.FilledQty)
	}
	return nil
}

func (r *Reconciler) reconcileMarks(ctx context.Context, userID, subAccount string) error {
	if r.marks == nil {
		return nil
	}
	reports, err := r.feed.InstantPositions(ctx, userID, subAccount)
	if err != nil {
		return err
	}
	now := r.nowFn().UTC()
	for _, rep := range reports {
		if rep.UnitPrice.IsZero() {
			continue
		}
		if err := r.marks.MarkToMarket(ctx, userID, subAccount, rep.Symbol, rep.UnitPrice, now); err != nil {
			logger.Warnf("reconcile %s/%s: mark %s failed: %v", userID, subAccount, rep.Symbol, err)
		}
	}
	return nil
}
