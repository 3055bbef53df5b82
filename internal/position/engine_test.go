package position

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/events"
)

type memStore struct {
	mu   sync.Mutex
	rows map[string]*Position
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]*Position)}
}

func (m *memStore) key(accountID, subAccount, symbol string) string {
	return accountID + "/" + subAccount + "/" + symbol
}

func (m *memStore) GetPosition(_ context.Context, accountID, subAccount, symbol string) (*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.rows[m.key(accountID, subAccount, symbol)]
	if !ok {
		return nil, ErrPositionNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *memStore) SavePosition(_ context.Context, p *Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.rows[m.key(p.AccountID, p.SubAccount, p.Symbol)] = &cp
	return nil
}

func (m *memStore) ListPositions(_ context.Context, accountID string) ([]*Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Position
	for _, p := range m.rows {
		if p.AccountID == accountID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *captureBus) Publish(evt events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
}

func (c *captureBus) byType(t events.Type) []events.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []events.Event
	for _, e := range c.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestEngine(t *testing.T, allowShort bool) (*Engine, *memStore, *captureBus) {
	t.Helper()
	store := newMemStore()
	bus := &captureBus{}
	eng := NewEngine(EngineParams{
		Store:          store,
		Bus:            bus,
		AllowShort:     allowShort,
		MarkStaleAfter: 10 * time.Second,
	})
	return eng, store, bus
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestOnExecutionExtendsWithWeightedAverage(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("12"), now))

	snap, err := eng.Get(ctx, "acc", "", "GARAN")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.Equal(d("200")), "quantity = %s", snap.Quantity)
	assert.True(t, snap.AvgCost.Equal(d("11")), "avg cost = %s", snap.AvgCost)
	assert.True(t, snap.RealizedPnL.IsZero())
}

func TestOnExecutionReduceRealizesPnL(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("-40"), d("12"), now))

	snap, err := eng.Get(ctx, "acc", "", "GARAN")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.Equal(d("60")), "quantity = %s", snap.Quantity)
	assert.True(t, snap.AvgCost.Equal(d("10")), "reduction keeps original avg, got %s", snap.AvgCost)
	assert.True(t, snap.RealizedPnL.Equal(d("80")), "realized = %s", snap.RealizedPnL)
}

func TestOnExecutionReversalOpensResidualAtExecPrice(t *testing.T) {
	// Long 100 @ 10, sell 150 @ 12: close 100 realizing 200, open short 50 @ 12.
	eng, _, _ := newTestEngine(t, true)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "THYAO", d("100"), d("10"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "THYAO", d("-150"), d("12"), now))

	snap, err := eng.Get(ctx, "acc", "", "THYAO")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.Equal(d("-50")), "quantity = %s", snap.Quantity)
	assert.True(t, snap.AvgCost.Equal(d("12")), "residual opens at exec price, got %s", snap.AvgCost)
	assert.True(t, snap.RealizedPnL.Equal(d("200")), "realized = %s", snap.RealizedPnL)
}

func TestOnExecutionShortCoverRealizes(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "AKBNK", d("-200"), d("50"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "AKBNK", d("200"), d("45"), now))

	snap, err := eng.Get(ctx, "acc", "", "AKBNK")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.IsZero())
	// Short from 50 covered at 45: (45-50) * 200 * (-1) = +1000.
	assert.True(t, snap.RealizedPnL.Equal(d("1000")), "realized = %s", snap.RealizedPnL)
}

func TestBlockReleaseInvariant(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), now))

	t.Run("block within available", func(t *testing.T) {
		require.NoError(t, eng.Block(ctx, "acc", "", "GARAN", d("60")))
		snap, err := eng.Get(ctx, "acc", "", "GARAN")
		require.NoError(t, err)
		assert.True(t, snap.AvailableQty.Equal(d("40")))
		assert.True(t, snap.BlockedQty.Equal(d("60")))
		assert.True(t, snap.AvailableQty.Add(snap.BlockedQty).Equal(snap.Quantity))
	})

	t.Run("block beyond available fails and leaves state unchanged", func(t *testing.T) {
		err := eng.Block(ctx, "acc", "", "GARAN", d("50"))
		require.ErrorIs(t, err, ErrInsufficientAvailable)
		snap, gerr := eng.Get(ctx, "acc", "", "GARAN")
		require.NoError(t, gerr)
		assert.True(t, snap.BlockedQty.Equal(d("60")), "blocked unchanged, got %s", snap.BlockedQty)
	})

	t.Run("release beyond blocked fails", func(t *testing.T) {
		err := eng.Release(ctx, "acc", "", "GARAN", d("61"))
		require.ErrorIs(t, err, ErrInsufficientAvailable)
	})

	t.Run("release returns quantity", func(t *testing.T) {
		require.NoError(t, eng.Release(ctx, "acc", "", "GARAN", d("60")))
		snap, err := eng.Get(ctx, "acc", "", "GARAN")
		require.NoError(t, err)
		assert.True(t, snap.AvailableQty.Equal(d("100")))
		assert.True(t, snap.BlockedQty.IsZero())
	})
}

func TestBlockShortAllowedDrivesAvailableNegative(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	ctx := context.Background()

	require.NoError(t, eng.Block(ctx, "acc", "", "GARAN", d("100")))
	snap, err := eng.Get(ctx, "acc", "", "GARAN")
	require.NoError(t, err)
	assert.True(t, snap.AvailableQty.Equal(d("-100")))
	assert.True(t, snap.AvailableQty.Add(snap.BlockedQty).Equal(snap.Quantity))
}

func TestSellExecutionConsumesReservation(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), now))
	require.NoError(t, eng.Block(ctx, "acc", "", "GARAN", d("100")))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("-40"), d("11"), now))

	snap, err := eng.Get(ctx, "acc", "", "GARAN")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.Equal(d("60")))
	assert.True(t, snap.BlockedQty.Equal(d("60")), "fill consumed 40 of the reservation, got %s", snap.BlockedQty)
}

func TestMarkToMarket(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	base := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), base))

	t.Run("fresh mark computes unrealized", func(t *testing.T) {
		require.NoError(t, eng.MarkToMarket(ctx, "acc", "", "GARAN", d("12"), base))
		snap, err := eng.Get(ctx, "acc", "", "GARAN")
		require.NoError(t, err)
		assert.True(t, snap.UnrealizedPnL.Equal(d("200")), "unrealized = %s", snap.UnrealizedPnL)
		assert.True(t, snap.MarketValue.Equal(d("1200")))
	})

	t.Run("older mark is ignored", func(t *testing.T) {
		require.NoError(t, eng.MarkToMarket(ctx, "acc", "", "GARAN", d("9"), base.Add(-time.Minute)))
		snap, err := eng.Get(ctx, "acc", "", "GARAN")
		require.NoError(t, err)
		assert.True(t, snap.Mark.Equal(d("12")), "kept fresher mark, got %s", snap.Mark)
	})

	t.Run("no mark means stale snapshot", func(t *testing.T) {
		require.NoError(t, eng.OnExecution(ctx, "acc", "", "ISCTR", d("10"), d("5"), base))
		snap, err := eng.Get(ctx, "acc", "", "ISCTR")
		require.NoError(t, err)
		assert.True(t, snap.MarkStale)
		assert.True(t, snap.UnrealizedPnL.IsZero())
	})

	t.Run("mark for unknown symbol is a no-op", func(t *testing.T) {
		require.NoError(t, eng.MarkToMarket(ctx, "acc", "", "NOPE", d("1"), base))
	})
}

func TestOnExecutionPublishesPositionUpdated(t *testing.T) {
	eng, _, bus := newTestEngine(t, false)
	ctx := context.Background()

	require.NoError(t, eng.OnExecution(ctx, "acc", "sub1", "GARAN", d("100"), d("10"), time.Now()))

	evts := bus.byType(events.TypePositionUpdated)
	require.Len(t, evts, 1)
	payload, ok := evts[0].Payload.(events.PositionUpdated)
	require.True(t, ok)
	assert.Equal(t, "GARAN", payload.Symbol)
	assert.Equal(t, "sub1", payload.SubAccount)
	assert.Equal(t, "execution", payload.Reason)
	assert.Equal(t, "acc", evts[0].AccountID)
}

func TestConcurrentExecutionsSerializePerKey(t *testing.T) {
	eng, _, _ := newTestEngine(t, false)
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = eng.OnExecution(ctx, "acc", "", "GARAN", d("10"), d("10"), now)
		}()
	}
	wg.Wait()

	snap, err := eng.Get(ctx, "acc", "", "GARAN")
	require.NoError(t, err)
	assert.True(t, snap.Quantity.Equal(d("500")), "no lost updates, got %s", snap.Quantity)
}

func TestListSkipsFlatUntouchedRows(t *testing.T) {
	eng, _, _ := newTestEngine(t, true)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, eng.OnExecution(ctx, "acc", "", "GARAN", d("100"), d("10"), now))
	// Open and fully close: flat but with realized P&L, should still list.
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "THYAO", d("50"), d("20"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "THYAO", d("-50"), d("22"), now))
	// Open and close at the same price: flat, no P&L, hidden.
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "ISCTR", d("10"), d("5"), now))
	require.NoError(t, eng.OnExecution(ctx, "acc", "", "ISCTR", d("-10"), d("5"), now))

	snaps, err := eng.List(ctx, "acc")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, "GARAN", snaps[0].Symbol)
	assert.Equal(t, "THYAO", snaps[1].Symbol)
}
