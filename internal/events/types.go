package events

import (
	"time"

	"github.com/shopspring/decimal"
)

type Type string

const (
	TypeOrderStatusChanged Type = "order_status_changed"
	TypeExecutionRecorded  Type = "execution_recorded"
	TypePositionUpdated    Type = "position_updated"
	TypeSessionLost        Type = "session_lost"
)

// Event is the envelope published on the bus. Payload holds one of the
// typed payload structs below, keyed by Type.
type Event struct {
	ID        string
	Type      Type
	At        time.Time
	AccountID string
	Payload   any
}

type OrderStatusChanged struct {
	OrderID      string
	BrokerID     string
	Symbol       string
	From         string
	To           string
	Reason       string
	FilledQty    decimal.Decimal
	RemainingQty decimal.Decimal
}

type ExecutionRecorded struct {
	OrderID      string
	BrokerExecID string
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	ExecutedAt   time.Time
}

type PositionUpdated struct {
	Symbol      string
	SubAccount  string
	Quantity    decimal.Decimal
	AvgCost     decimal.Decimal
	RealizedPnL decimal.Decimal
	Reason      string
}

type SessionLost struct {
	UserID string
	Reason string
}
