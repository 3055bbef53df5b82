package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/gateway/algolab"
	"galata/internal/order"
)

type fakeFeed struct {
	txs    []algolab.Transaction
	txErr  error
	pos    []algolab.PositionReport
	posErr error
}

func (f *fakeFeed) TodaysTransactions(ctx context.Context, userID, subAccount string) ([]algolab.Transaction, error) {
	return f.txs, f.txErr
}

func (f *fakeFeed) InstantPositions(ctx context.Context, userID, subAccount string) ([]algolab.PositionReport, error) {
	return f.pos, f.posErr
}

type fakeSessions struct {
	users []string
	subs  map[string][]string
}

func (f *fakeSessions) AuthenticatedUsers() []string { return f.users }
func (f *fakeSessions) SubAccounts(userID string) []string {
	return f.subs[userID]
}

type terminalCall struct {
	orderID string
	to      order.Status
	reason  string
}

type fakeOrders struct {
	byBroker  map[string]*order.Order
	adoptable *order.Order

	fills     []order.Execution
	fillOrder []string
	accepted  []string
	terminals []terminalCall
	adopted   []string
	shadows   []order.Intent
	swept     int
	expired   int
}

func (f *fakeOrders) GetByBrokerID(ctx context.Context, accountID, brokerID string) (*order.Order, error) {
	if o, ok := f.byBroker[brokerID]; ok {
		return o, nil
	}
	return nil, order.ErrOrderNotFound
}

func (f *fakeOrders) RecordFill(ctx context.Context, orderID string, exec order.Execution) (bool, error) {
	for _, prev := range f.fills {
		if prev.BrokerExecID == exec.BrokerExecID {
			return false, nil
		}
	}
	f.fills = append(f.fills, exec)
	f.fillOrder = append(f.fillOrder, orderID)
	return true, nil
}

func (f *fakeOrders) MarkAccepted(ctx context.Context, orderID string) error {
	f.accepted = append(f.accepted, orderID)
	return nil
}

func (f *fakeOrders) ApplyBrokerTerminal(ctx context.Context, orderID string, to order.Status, reason string) (*order.Order, error) {
	f.terminals = append(f.terminals, terminalCall{orderID, to, reason})
	return nil, nil
}

func (f *fakeOrders) FindAdoptable(ctx context.Context, accountID, subAccount, symbol string, side order.Side, qty decimal.Decimal) (*order.Order, error) {
	if f.adoptable != nil && f.adoptable.Symbol == symbol && f.adoptable.Side == side && f.adoptable.OriginalQty.Equal(qty) {
		return f.adoptable, nil
	}
	return nil, nil
}

func (f *fakeOrders) AdoptBrokerOrder(ctx context.Context, orderID, brokerID string) (*order.Order, error) {
	f.adopted = append(f.adopted, orderID)
	o := *f.adoptable
	o.BrokerID = brokerID
	o.Status = order.StatusSubmitted
	f.byBroker[brokerID] = &o
	return &o, nil
}

func (f *fakeOrders) CreateShadow(ctx context.Context, intent order.Intent, brokerID string) (*order.Order, error) {
	f.shadows = append(f.shadows, intent)
	o := &order.Order{
		ID:           "shadow-" + brokerID,
		BrokerID:     brokerID,
		AccountID:    intent.AccountID,
		SubAccount:   intent.SubAccount,
		Symbol:       intent.Symbol,
		Side:         intent.Side,
		Status:       order.StatusSubmitted,
		OriginalQty:  intent.Quantity,
		RemainingQty: intent.Quantity,
	}
	f.byBroker[brokerID] = o
	return o, nil
}

func (f *fakeOrders) SweepPending(ctx context.Context, accountID string) error {
	f.swept++
	return nil
}

func (f *fakeOrders) ExpireOverdue(ctx context.Context, accountID string) error {
	f.expired++
	return nil
}

type markCall struct {
	symbol string
	mark   decimal.Decimal
}

type fakeMarker struct {
	calls []markCall
}

func (f *fakeMarker) MarkToMarket(ctx context.Context, accountID, subAccount, symbol string, mark decimal.Decimal, at time.Time) error {
	f.calls = append(f.calls, markCall{symbol, mark})
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func knownOrder(filled string) *order.Order {
	return &order.Order{
		ID:           "ord-1",
		BrokerID:     "TX-1",
		AccountID:    "alice",
		SubAccount:   "100",
		Symbol:       "GARAN",
		Side:         order.SideBuy,
		Status:       order.StatusSubmitted,
		OriginalQty:  dec("100"),
		FilledQty:    dec(filled),
		RemainingQty: dec("100").Sub(dec(filled)),
	}
}

func newTestReconciler(feed *fakeFeed, orders *fakeOrders, marks *fakeMarker) *Reconciler {
	return New(Params{
		Feed:     feed,
		Sessions: &fakeSessions{users: []string{"alice"}, subs: map[string][]string{"alice": {"100"}}},
		Orders:   orders,
		Marks:    marks,
	})
}

func TestRunCycleRecordsFillDelta(t *testing.T) {
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-1",
		Symbol:       "GARAN",
		Side:         "BUY",
		OrderSize:    dec("100"),
		RemainingQty: dec("40"),
		FilledQty:    dec("60"),
		Price:        dec("27.45"),
		Status:       "WAITING",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{"TX-1": knownOrder("0")}}

	r := newTestReconciler(feed, orders, nil)
	r.RunCycle(context.Background())

	require.Len(t, orders.fills, 1)
	exec := orders.fills[0]
	assert.Equal(t, "TX-1/cum-60", exec.BrokerExecID)
	assert.True(t, exec.Quantity.Equal(dec("60")))
	assert.True(t, exec.Price.Equal(dec("27.45")))
	assert.Equal(t, []string{"ord-1"}, orders.accepted, "working rows confirm acceptance")
	assert.Equal(t, 1, orders.swept)
	assert.Equal(t, 1, orders.expired)
}

func TestRunCycleIsIdempotentAcrossPolls(t *testing.T) {
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-1",
		Symbol:       "GARAN",
		Side:         "BUY",
		OrderSize:    dec("100"),
		RemainingQty: dec("40"),
		FilledQty:    dec("60"),
		Price:        dec("27.45"),
		Status:       "WAITING",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{"TX-1": knownOrder("0")}}
	r := newTestReconciler(feed, orders, nil)

	r.RunCycle(context.Background())
	r.RunCycle(context.Background())
	require.Len(t, orders.fills, 1, "same cumulative level maps to the same execution id")

	// The next poll reports more filled: a second execution for the delta.
	orders.byBroker["TX-1"] = knownOrder("60")
	feed.txs[0].FilledQty = dec("100")
	feed.txs[0].RemainingQty = decimal.Zero
	feed.txs[0].Status = "DONE"
	r.RunCycle(context.Background())

	require.Len(t, orders.fills, 2)
	assert.Equal(t, "TX-1/cum-100", orders.fills[1].BrokerExecID)
	assert.True(t, orders.fills[1].Quantity.Equal(dec("40")))
}

func TestRunCycleAppliesBrokerCancel(t *testing.T) {
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-1",
		Symbol:       "GARAN",
		Side:         "BUY",
		OrderSize:    dec("100"),
		RemainingQty: dec("100"),
		Status:       "DELETED",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{"TX-1": knownOrder("0")}}

	newTestReconciler(feed, orders, nil).RunCycle(context.Background())

	require.Len(t, orders.terminals, 1)
	assert.Equal(t, order.StatusCancelled, orders.terminals[0].to)
	assert.Equal(t, "cancelled at broker", orders.terminals[0].reason)
	assert.Empty(t, orders.fills)
}

func TestRunCycleAdoptsUnresolvedSubmit(t *testing.T) {
	pending := &order.Order{
		ID:             "ord-pending",
		AccountID:      "alice",
		SubAccount:     "100",
		Symbol:         "THYAO",
		Side:           order.SideSell,
		Status:         order.StatusPending,
		OriginalQty:    dec("50"),
		RemainingQty:   dec("50"),
		SubmitAttempts: 1,
	}
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-9",
		Symbol:       "THYAO",
		Side:         "SELL",
		OrderSize:    dec("50"),
		RemainingQty: dec("50"),
		Status:       "WAITING",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{}, adoptable: pending}

	newTestReconciler(feed, orders, nil).RunCycle(context.Background())

	assert.Equal(t, []string{"ord-pending"}, orders.adopted)
	assert.Empty(t, orders.shadows, "an adoptable order wins over a shadow")
}

func TestRunCycleShadowsUnknownOrders(t *testing.T) {
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-7",
		Symbol:       "AKBNK",
		Side:         "Alış",
		OrderSize:    dec("200"),
		RemainingQty: dec("200"),
		Status:       "WAITING",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{}}

	newTestReconciler(feed, orders, nil).RunCycle(context.Background())

	require.Len(t, orders.shadows, 1)
	intent := orders.shadows[0]
	assert.Equal(t, "alice", intent.AccountID)
	assert.Equal(t, order.KindMarket, intent.Kind, "no waiting price means market")
}

func TestRunCycleShadowKindFromWaitingPrice(t *testing.T) {
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:     "TX-8",
		Symbol:       "AKBNK",
		Side:         "SELL",
		OrderSize:    dec("10"),
		RemainingQty: dec("10"),
		WaitingPrice: dec("55.20"),
		Status:       "WAITING",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{}}

	newTestReconciler(feed, orders, nil).RunCycle(context.Background())

	require.Len(t, orders.shadows, 1)
	assert.Equal(t, order.KindLimit, orders.shadows[0].Kind)
	assert.True(t, orders.shadows[0].LimitPrice.Equal(dec("55.20")))
}

func TestRunCycleMarksPositions(t *testing.T) {
	feed := &fakeFeed{pos: []algolab.PositionReport{
		{Symbol: "GARAN", Quantity: dec("1500"), UnitPrice: dec("27.10")},
		{Symbol: "NOPRICE", Quantity: dec("10")},
	}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{}}
	marks := &fakeMarker{}

	newTestReconciler(feed, orders, marks).RunCycle(context.Background())

	require.Len(t, marks.calls, 1, "rows without a price are skipped")
	assert.Equal(t, "GARAN", marks.calls[0].symbol)
	assert.True(t, marks.calls[0].mark.Equal(dec("27.10")))
}

func TestRunCycleSurvivesPollFailure(t *testing.T) {
	feed := &fakeFeed{txErr: assert.AnError}
	orders := &fakeOrders{byBroker: map[string]*order.Order{}}
	marks := &fakeMarker{}

	newTestReconciler(feed, orders, marks).RunCycle(context.Background())

	assert.Empty(t, marks.calls, "marks are skipped when the order poll failed")
	assert.Equal(t, 1, orders.swept, "housekeeping still runs on local clocks")
	assert.Equal(t, 1, orders.expired)
}

func TestRunCycleSkipsTerminalLocalOrders(t *testing.T) {
	done := knownOrder("100")
	done.Status = order.StatusFilled
	done.RemainingQty = decimal.Zero
	feed := &fakeFeed{txs: []algolab.Transaction{{
		BrokerID:  "TX-1",
		Symbol:    "GARAN",
		Side:      "BUY",
		OrderSize: dec("100"),
		FilledQty: dec("100"),
		Status:    "DONE",
	}}}
	orders := &fakeOrders{byBroker: map[string]*order.Order{"TX-1": done}}

	newTestReconciler(feed, orders, nil).RunCycle(context.Background())

	assert.Empty(t, orders.fills)
	assert.Empty(t, orders.accepted)
	assert.Empty(t, orders.terminals)
}
