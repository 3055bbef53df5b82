package notifier

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"galata/internal/events"
)

type captureSink struct {
	sent []string
}

func (c *captureSink) SendText(text string) error {
	c.sent = append(c.sent, text)
	return nil
}

func orderEvent(to string) events.Event {
	return events.Event{
		Type:      events.TypeOrderStatusChanged,
		AccountID: "alice",
		At:        time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Payload: events.OrderStatusChanged{
			OrderID:      "ord-1",
			BrokerID:     "TX-1",
			Symbol:       "GARAN",
			From:         "PARTIALLY_FILLED",
			To:           to,
			Reason:       "fill recorded",
			FilledQty:    decimal.NewFromInt(100),
			RemainingQty: decimal.Zero,
		},
	}
}

func TestRelayForwardsTerminalOrders(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink)

	relay.handle(orderEvent("FILLED"))
	require.Len(t, sink.sent, 1)
	assert.Contains(t, sink.sent[0], "Order GARAN: FILLED")
	assert.Contains(t, sink.sent[0], "Broker ref: TX-1")
	assert.Contains(t, sink.sent[0], "Time: 2025-06-02")
}

func TestRelaySkipsWorkingStatuses(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink)

	relay.handle(orderEvent("ACCEPTED"))
	relay.handle(orderEvent("PARTIALLY_FILLED"))
	assert.Empty(t, sink.sent, "only terminal outcomes are pushed")
}

func TestRelayForwardsSessionLost(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink)

	relay.handle(events.Event{
		Type:    events.TypeSessionLost,
		Payload: events.SessionLost{UserID: "alice", Reason: "keep-alive budget exhausted"},
	})
	require.Len(t, sink.sent, 1)
	assert.Contains(t, sink.sent[0], "Broker session lost: alice")
	assert.Contains(t, sink.sent[0], "keep-alive budget exhausted")
}

func TestRelayIgnoresOtherEvents(t *testing.T) {
	sink := &captureSink{}
	relay := NewRelay(sink)

	relay.handle(events.Event{Type: events.TypePositionUpdated, Payload: events.PositionUpdated{Symbol: "GARAN"}})
	assert.Empty(t, sink.sent)
}

func TestStructuredMessageRendering(t *testing.T) {
	msg := StructuredMessage{
		Icon:  "✅",
		Title: "Order GARAN: FILLED",
		Sections: []MessageSection{
			{Title: "Detail", Lines: []string{"one", "", "two"}},
			{Lines: nil},
		},
		Footer:    "with ``` fence",
		Timestamp: time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
	}
	body := msg.RenderMarkdown()
	assert.Contains(t, body, "✅ Order GARAN: FILLED")
	assert.Contains(t, body, "- one")
	assert.Contains(t, body, "- two")
	assert.Contains(t, body, "'''", "fences inside content are defused")
	assert.NotContains(t, body, "with ``` fence")
}
