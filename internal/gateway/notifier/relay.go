package notifier

import (
	"fmt"

	"galata/internal/events"
	"galata/internal/logger"
	"galata/internal/order"
)

// TextSink delivers one rendered message. Telegram implements it; tests
// swap in a capture.
type TextSink interface {
	SendText(text string) error
}

// Relay turns bus events into push notifications. Only events a human acts
// on are forwarded: terminal order outcomes and lost broker sessions. The
// journal keeps the full stream; this channel is for attention.
type Relay struct {
	sink TextSink
}

func NewRelay(sink TextSink) *Relay {
	return &Relay{sink: sink}
}

// Attach subscribes the relay to a bus. Delivery failures are logged and
// dropped; notifications never hold up the engines.
func (r *Relay) Attach(bus *events.Bus) {
	if r == nil || r.sink == nil || bus == nil {
		return
	}
	bus.Subscribe("notifier", 128, r.handle)
}

func (r *Relay) handle(evt events.Event) {
	msg, ok := r.render(evt)
	if !ok {
		return
	}
	if err := r.sink.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("notifier: dropping %s notification: %v", evt.Type, err)
	}
}

func (r *Relay) render(evt events.Event) (StructuredMessage, bool) {
	switch evt.Type {
	case events.TypeOrderStatusChanged:
		p, ok := evt.Payload.(events.OrderStatusChanged)
		if !ok || !order.Status(p.To).IsTerminal() {
			return StructuredMessage{}, false
		}
		return StructuredMessage{
			Icon:  statusIcon(order.Status(p.To)),
			Title: fmt.Sprintf("Order %s: %s", p.Symbol, p.To),
			Sections: []MessageSection{{
				Lines: []string{
					fmt.Sprintf("Account: %s", evt.AccountID),
					fmt.Sprintf("Order: %s", p.OrderID),
					brokerLine(p.BrokerID),
					fmt.Sprintf("Filled: %s (remaining %s)", p.FilledQty, p.RemainingQty),
					reasonLine(p.Reason),
				},
			}},
			Timestamp: evt.At,
		}, true
	case events.TypeSessionLost:
		p, ok := evt.Payload.(events.SessionLost)
		if !ok {
			return StructuredMessage{}, false
		}
		return StructuredMessage{
			Icon:  "🔌",
			Title: fmt.Sprintf("Broker session lost: %s", p.UserID),
			Sections: []MessageSection{{
				Lines: []string{
					reasonLine(p.Reason),
					"Submit a fresh login with OTP to resume trading.",
				},
			}},
			Timestamp: evt.At,
		}, true
	default:
		return StructuredMessage{}, false
	}
}

func statusIcon(s order.Status) string {
	switch s {
	case order.StatusFilled:
		return "✅"
	case order.StatusCancelled, order.StatusReplaced:
		return "🚫"
	case order.StatusExpired:
		return "⌛"
	default:
		return "❌"
	}
}

func brokerLine(brokerID string) string {
	if brokerID == "" {
		return ""
	}
	return fmt.Sprintf("Broker ref: %s", brokerID)
}

func reasonLine(reason string) string {
	if reason == "" {
		return ""
	}
	return fmt.Sprintf("Reason: %s", reason)
}
