package order

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order. PENDING is the only initial
// state; FILLED, CANCELLED, REPLACED, EXPIRED, REJECTED and ERROR are
// terminal and immutable.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusAccepted        Status = "ACCEPTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusReplaced        Status = "REPLACED"
	StatusExpired         Status = "EXPIRED"
	StatusRejected        Status = "REJECTED"
	StatusError           Status = "ERROR"
)

func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusReplaced, StatusExpired, StatusRejected, StatusError:
		return true
	}
	return false
}

// IsActive reports whether the order is live at the broker.
func (s Status) IsActive() bool {
	switch s {
	case StatusSubmitted, StatusAccepted, StatusPartiallyFilled:
		return true
	}
	return false
}

func (s Status) IsCancellable() bool { return s.IsActive() }
func (s Status) IsModifiable() bool  { return s.IsActive() }

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells, the direction a fill moves
// the position's signed quantity.
func (s Side) Sign() decimal.Decimal {
	if s == SideSell {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

func ParseSide(raw string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(raw))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	}
	return "", false
}

type Kind string

const (
	KindMarket       Kind = "MARKET"
	KindLimit        Kind = "LIMIT"
	KindStop         Kind = "STOP"
	KindStopLimit    Kind = "STOP_LIMIT"
	KindTrailingStop Kind = "TRAILING_STOP"
	KindIceberg      Kind = "ICEBERG"
	KindBracket      Kind = "BRACKET"
	KindOCO          Kind = "OCO"
)

func (k Kind) Valid() bool {
	switch k {
	case KindMarket, KindLimit, KindStop, KindStopLimit, KindTrailingStop, KindIceberg, KindBracket, KindOCO:
		return true
	}
	return false
}

// RequiresLimitPrice covers the limit family: the order carries a price
// the broker must honor.
func (k Kind) RequiresLimitPrice() bool {
	switch k {
	case KindLimit, KindStopLimit, KindIceberg, KindBracket, KindOCO:
		return true
	}
	return false
}

// RequiresStopPrice covers the stop family: the order carries a trigger.
func (k Kind) RequiresStopPrice() bool {
	switch k {
	case KindStop, KindStopLimit, KindTrailingStop:
		return true
	}
	return false
}

type TimeInForce string

const (
	TIFDay TimeInForce = "DAY"
	TIFGTC TimeInForce = "GTC"
	TIFGTD TimeInForce = "GTD"
)

func (t TimeInForce) Valid() bool {
	switch t {
	case TIFDay, TIFGTC, TIFGTD:
		return true
	}
	return false
}

type Execution struct {
	BrokerExecID string
	Symbol       string
	Side         string
	Quantity     decimal.Decimal
	Price        decimal.Decimal
	ExecutedAt   time.Time
	Raw          []byte
}

// Intent carries the immutable creation parameters of an order.
type Intent struct {
	AccountID      string
	SubAccount     string
	Symbol         string
	Side           Side
	Kind           Kind
	TimeInForce    TimeInForce
	ExpiresAt      *time.Time
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	IdempotencyKey string
	ParentID       string
	Source         string
}

// Order is one trading intent and its execution state. Intent fields are
// never mutated after creation; execution state changes only through the
// state machine methods in machine.go.
type Order struct {
	ID             string
	IdempotencyKey string
	BrokerID       string
	ExchangeID     string

	AccountID   string
	SubAccount  string
	Symbol      string
	Side        Side
	Kind        Kind
	TimeInForce TimeInForce
	ExpiresAt   *time.Time
	OriginalQty decimal.Decimal
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal

	Status        Status
	FilledQty     decimal.Decimal
	RemainingQty  decimal.Decimal
	AvgFillPrice  decimal.Decimal
	LastFillPrice decimal.Decimal
	LastFillAt    time.Time
	Executions    []Execution

	ParentID string
	ChildIDs []string
	// Source marks how the order entered the system: "api" for local
	// commands, "broker" for shadow orders materialized by reconciliation.
	Source string
	Reason string
	Raw    []byte

	// SubmitAttempts counts Submit calls, including re-submits after an
	// unknown outcome; the idempotency key keeps those safe broker-side.
	SubmitAttempts int
	LastSubmitAt   time.Time

	// BlockHeld is true while the position engine holds a sell reservation
	// placed for this order, so a re-submit after an unknown outcome never
	// blocks twice.
	BlockHeld bool

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}

// NewFromIntent builds a PENDING order. The caller validates the intent
// first (see Service.Create).
func NewFromIntent(intent Intent, now time.Time) *Order {
	key := strings.TrimSpace(intent.IdempotencyKey)
	if key == "" {
		key = uuid.NewString()
	}
	source := intent.Source
	if source == "" {
		source = SourceAPI
	}
	return &Order{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		AccountID:      intent.AccountID,
		SubAccount:     intent.SubAccount,
		Symbol:         strings.ToUpper(strings.TrimSpace(intent.Symbol)),
		Side:           intent.Side,
		Kind:           intent.Kind,
		TimeInForce:    intent.TimeInForce,
		ExpiresAt:      intent.ExpiresAt,
		OriginalQty:    intent.Quantity,
		LimitPrice:     intent.LimitPrice,
		StopPrice:      intent.StopPrice,
		Status:         StatusPending,
		RemainingQty:   intent.Quantity,
		ParentID:       intent.ParentID,
		Source:         source,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

const (
	SourceAPI    = "api"
	SourceBroker = "broker"
)

// HasExecution reports whether a fill with the given broker execution id
// was already applied.
func (o *Order) HasExecution(brokerExecID string) bool {
	for _, ex := range o.Executions {
		if ex.BrokerExecID == brokerExecID {
			return true
		}
	}
	return false
}
