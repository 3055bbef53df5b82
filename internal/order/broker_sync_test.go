package order

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/events"
	"galata/internal/pkg/brokererr"
)

func TestMarkAccepted(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	o, err := r.svc.Create(ctx, buyIntent("100"))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, o.ID)
	require.NoError(t, err)

	require.NoError(t, r.svc.MarkAccepted(ctx, o.ID))
	assert.Equal(t, StatusAccepted, r.stored(t, o.ID).Status)

	evt := r.bus.lastStatus(t)
	assert.Equal(t, string(StatusAccepted), evt.To)
	assert.Equal(t, "accepted by broker", evt.Reason)

	// Repeated broker reports are harmless.
	before := len(r.bus.byType(events.TypeOrderStatusChanged))
	require.NoError(t, r.svc.MarkAccepted(ctx, o.ID))
	assert.Equal(t, StatusAccepted, r.stored(t, o.ID).Status)
	assert.Len(t, r.bus.byType(events.TypeOrderStatusChanged), before)

	pending, err := r.svc.Create(ctx, buyIntent("50"))
	require.NoError(t, err)
	require.NoError(t, r.svc.MarkAccepted(ctx, pending.ID))
	assert.Equal(t, StatusPending, r.stored(t, pending.ID).Status, "only SUBMITTED moves")

	require.ErrorIs(t, r.svc.MarkAccepted(ctx, "missing"), ErrOrderNotFound)
}

func TestApplyBrokerTerminal(t *testing.T) {
	t.Run("out-of-band cancel releases the reservation", func(t *testing.T) {
		r := newRig(t)
		ctx := context.Background()
		o := seedOrder(t, r.store, sellIntent("100"), StatusAccepted, func(o *Order) {
			o.BrokerID = "BRK-9"
			o.BlockHeld = true
		})

		out, err := r.svc.ApplyBrokerTerminal(ctx, o.ID, StatusCancelled, "cancelled via mobile app")
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, out.Status)
		assert.Equal(t, "cancelled via mobile app", out.Reason)

		saved := r.stored(t, o.ID)
		assert.False(t, saved.BlockHeld)
		require.Len(t, r.book.releases, 1)
		assert.True(t, r.book.releases[0].qty.Equal(d("100")))
	})

	t.Run("only broker terminal statuses are accepted", func(t *testing.T) {
		r := newRig(t)
		o := seedOrder(t, r.store, buyIntent("100"), StatusAccepted, nil)
		for _, to := range []Status{StatusFilled, StatusAccepted, StatusError} {
			_, err := r.svc.ApplyBrokerTerminal(context.Background(), o.ID, to, "nope")
			require.ErrorIs(t, err, ErrIllegalTransition, "to=%s", to)
		}
	})

	t.Run("already terminal is a no-op", func(t *testing.T) {
		r := newRig(t)
		ctx := context.Background()
		o := seedOrder(t, r.store, buyIntent("100"), StatusFilled, nil)

		out, err := r.svc.ApplyBrokerTerminal(ctx, o.ID, StatusCancelled, "late report")
		require.NoError(t, err)
		assert.Equal(t, StatusFilled, out.Status)
		assert.Empty(t, r.bus.byType(events.TypeOrderStatusChanged))
	})
}

func TestAdoptBrokerOrder(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	o := seedOrder(t, r.store, sellIntent("100"), StatusPending, func(o *Order) {
		o.SubmitAttempts = 1
		o.LastSubmitAt = fixedNow
	})

	out, err := r.svc.AdoptBrokerOrder(ctx, o.ID, "BRK-77")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, out.Status)
	assert.Equal(t, "BRK-77", out.BrokerID)
	assert.Equal(t, "adopted from broker report", r.bus.lastStatus(t).Reason)

	// Same id again: nothing to do.
	before := len(r.bus.byType(events.TypeOrderStatusChanged))
	out, err = r.svc.AdoptBrokerOrder(ctx, o.ID, "BRK-77")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, out.Status)
	assert.Len(t, r.bus.byType(events.TypeOrderStatusChanged), before)

	// A different id cannot displace the one already attached.
	_, err = r.svc.AdoptBrokerOrder(ctx, o.ID, "BRK-88")
	require.ErrorIs(t, err, ErrIllegalTransition)

	stale := seedOrder(t, r.store, sellIntent("50"), StatusPending, func(o *Order) {
		o.BrokerID = "BRK-OLD"
	})
	_, err = r.svc.AdoptBrokerOrder(ctx, stale.ID, "BRK-NEW")
	require.Error(t, err)
}

func TestCreateShadow(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	intent := Intent{
		AccountID: "acct-1",
		Symbol:    "TUPRS",
		Side:      SideSell,
		Quantity:  d("200"),
	}

	o, err := r.svc.CreateShadow(ctx, intent, "BRK-EXT")
	require.NoError(t, err)
	assert.Equal(t, StatusSubmitted, o.Status)
	assert.Equal(t, "BRK-EXT", o.BrokerID)
	assert.Equal(t, SourceBroker, o.Source)
	assert.False(t, o.BlockHeld, "shadows never hold a reservation")
	assert.Empty(t, r.book.blocks)

	evt := r.bus.lastStatus(t)
	assert.Equal(t, string(StatusPending), evt.From)
	assert.Equal(t, "discovered at broker", evt.Reason)

	t.Run("repeat discovery returns the existing shadow", func(t *testing.T) {
		again, err := r.svc.CreateShadow(ctx, intent, "BRK-EXT")
		require.NoError(t, err)
		assert.Equal(t, o.ID, again.ID)
		assert.Len(t, r.store.orders, 1)
	})

	t.Run("broker id is mandatory", func(t *testing.T) {
		_, err := r.svc.CreateShadow(ctx, intent, "")
		require.True(t, IsValidation(err), "got %v", err)
	})

	t.Run("intent still gets sanity checks", func(t *testing.T) {
		bad := intent
		bad.Symbol = ""
		_, err := r.svc.CreateShadow(ctx, bad, "BRK-EXT2")
		require.True(t, IsValidation(err), "got %v", err)
	})
}

func TestFindAdoptable(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	attempted := func(o *Order) {
		o.SubmitAttempts = 1
		o.LastSubmitAt = fixedNow
	}
	candidate := seedOrder(t, r.store, sellIntent("100"), StatusPending, attempted)
	seedOrder(t, r.store, sellIntent("100"), StatusPending, nil) // never attempted
	seedOrder(t, r.store, sellIntent("50"), StatusPending, attempted)
	seedOrder(t, r.store, buyIntent("100"), StatusPending, attempted)
	seedOrder(t, r.store, sellIntent("100"), StatusSubmitted, func(o *Order) {
		attempted(o)
		o.BrokerID = "BRK-1"
	})

	found, err := r.svc.FindAdoptable(ctx, "acct-1", "", "TUPRS", SideSell, d("100"))
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, candidate.ID, found.ID)

	none, err := r.svc.FindAdoptable(ctx, "acct-1", "", "TUPRS", SideSell, d("999"))
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestSweepPendingFailsOverdueAttempts(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()
	uncertain := placeOut{err: &brokererr.NetworkError{Endpoint: "SendOrder", Timeout: true, Err: context.DeadlineExceeded}}
	r.broker.placeOuts = []placeOut{uncertain, uncertain}

	old, err := r.svc.Create(ctx, sellIntent("100"))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, old.ID)
	require.Error(t, err)

	parked, err := r.svc.Create(ctx, buyIntent("50"))
	require.NoError(t, err)

	r.clock.Advance(3 * time.Minute)
	fresh, err := r.svc.Create(ctx, sellIntent("70"))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, fresh.ID)
	require.Error(t, err)

	// Grace is five minutes: old is six minutes stale, fresh only three.
	r.clock.Advance(3 * time.Minute)
	require.NoError(t, r.svc.SweepPending(ctx, "acct-1"))

	swept := r.stored(t, old.ID)
	assert.Equal(t, StatusError, swept.Status)
	assert.Contains(t, swept.Reason, "grace window")
	assert.False(t, swept.BlockHeld)
	require.Len(t, r.book.releases, 1)
	assert.True(t, r.book.releases[0].qty.Equal(d("100")))

	assert.Equal(t, StatusPending, r.stored(t, parked.ID).Status, "parked intent is never swept")
	assert.Equal(t, StatusPending, r.stored(t, fresh.ID).Status)
}

func TestExpireOverdueGTDOrders(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	gtd := func(qty string, ttl time.Duration) Intent {
		i := sellIntent(qty)
		i.TimeInForce = TIFGTD
		expiry := fixedNow.Add(ttl)
		i.ExpiresAt = &expiry
		return i
	}

	due, err := r.svc.Create(ctx, gtd("100", time.Hour))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, due.ID)
	require.NoError(t, err)

	later, err := r.svc.Create(ctx, gtd("80", 10*time.Hour))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, later.ID)
	require.NoError(t, err)

	day, err := r.svc.Create(ctx, buyIntent("60"))
	require.NoError(t, err)
	_, err = r.svc.Submit(ctx, day.ID)
	require.NoError(t, err)

	r.clock.Advance(2 * time.Hour)
	require.NoError(t, r.svc.ExpireOverdue(ctx, "acct-1"))

	expired := r.stored(t, due.ID)
	assert.Equal(t, StatusExpired, expired.Status)
	assert.False(t, expired.BlockHeld, "expiry returns the reservation")

	assert.Equal(t, StatusSubmitted, r.stored(t, later.ID).Status)
	assert.Equal(t, StatusSubmitted, r.stored(t, day.ID).Status)
}

func TestGetByBrokerID(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	o := seedOrder(t, r.store, buyIntent("100"), StatusSubmitted, func(o *Order) {
		o.BrokerID = "BRK-42"
	})

	found, err := r.svc.GetByBrokerID(ctx, "acct-1", "BRK-42")
	require.NoError(t, err)
	assert.Equal(t, o.ID, found.ID)

	_, err = r.svc.GetByBrokerID(ctx, "acct-1", "BRK-0")
	require.ErrorIs(t, err, ErrOrderNotFound)
}
