package journal

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"galata/internal/events"
)

var fixedNow = time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

func newTestJournal(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func statusEvent(id, accountID string, at time.Time) events.Event {
	return events.Event{
		ID:        id,
		Type:      events.TypeOrderStatusChanged,
		At:        at,
		AccountID: accountID,
		Payload:   events.OrderStatusChanged{OrderID: "ord-" + id, From: "PENDING", To: "SUBMITTED"},
	}
}

func TestNewStoreRejectsEmptyPath(t *testing.T) {
	_, err := NewStore("   ")
	require.Error(t, err)
}

func TestAppendAndRecent(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, statusEvent("evt-1", "acct-1", fixedNow)))
	require.NoError(t, s.Append(ctx, statusEvent("evt-2", "acct-1", fixedNow.Add(time.Minute))))
	require.NoError(t, s.Append(ctx, events.Event{
		ID:        "evt-3",
		Type:      events.TypePositionUpdated,
		At:        fixedNow.Add(2 * time.Minute),
		AccountID: "acct-2",
		Payload:   events.PositionUpdated{Symbol: "TUPRS", Reason: "fill"},
	}))

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "evt-3", all[0].EventID, "newest first")
	assert.Equal(t, "evt-2", all[1].EventID)
	assert.Equal(t, "evt-1", all[2].EventID)
	assert.Equal(t, fixedNow.Add(2*time.Minute).UnixMilli(), all[0].Timestamp)

	byAccount, err := s.Recent(ctx, Query{AccountID: "acct-1"})
	require.NoError(t, err)
	require.Len(t, byAccount, 2)
	assert.Equal(t, "evt-2", byAccount[0].EventID)

	byType, err := s.Recent(ctx, Query{Type: string(events.TypePositionUpdated)})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	assert.Equal(t, "evt-3", byType[0].EventID)
	assert.Equal(t, "TUPRS", gjson.GetBytes(byType[0].Payload, "Symbol").String())

	both, err := s.Recent(ctx, Query{AccountID: "acct-1", Type: string(events.TypeOrderStatusChanged), Limit: 1})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, "evt-2", both[0].EventID)
	assert.Equal(t, "ord-evt-2", gjson.GetBytes(both[0].Payload, "OrderID").String())
}

func TestAppendIgnoresRedelivery(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	evt := statusEvent("evt-1", "acct-1", fixedNow)
	require.NoError(t, s.Append(ctx, evt))
	require.NoError(t, s.Append(ctx, evt))

	all, err := s.Recent(ctx, Query{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestRecentLimit(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("evt-%d", i)
		require.NoError(t, s.Append(ctx, statusEvent(id, "acct-1", fixedNow.Add(time.Duration(i)*time.Second))))
	}

	limited, err := s.Recent(ctx, Query{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "evt-4", limited[0].EventID)

	fallback, err := s.Recent(ctx, Query{Limit: -1})
	require.NoError(t, err)
	assert.Len(t, fallback, 5, "non-positive limit falls back to the default")
}

func TestAttachJournalsBusEvents(t *testing.T) {
	s := newTestJournal(t)

	bus := events.NewBus()
	s.Attach(bus)

	bus.Publish(statusEvent("evt-1", "acct-1", fixedNow))
	bus.Publish(statusEvent("evt-2", "acct-1", fixedNow.Add(time.Second)))
	// Close drains subscriber queues, so every publish is on disk after it
	// returns.
	bus.Close()

	all, err := s.Recent(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "evt-2", all[0].EventID)
}

func TestUseExternalDB(t *testing.T) {
	s := newTestJournal(t)
	ctx := context.Background()

	require.Error(t, s.UseExternalDB(nil))

	path := filepath.Join(t.TempDir(), "shared.db")
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	shared, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = shared.Close() })

	require.NoError(t, s.UseExternalDB(shared))
	require.NoError(t, s.Append(ctx, statusEvent("evt-1", "acct-1", fixedNow)))

	var n int
	require.NoError(t, shared.QueryRowContext(ctx, "SELECT COUNT(*) FROM event_journal").Scan(&n))
	assert.Equal(t, 1, n, "appends land on the adopted connection")

	// Close must not close a connection the store does not own.
	require.NoError(t, s.Close())
	require.NoError(t, shared.PingContext(ctx))
}
