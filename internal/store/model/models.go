package model

import (
	"gorm.io/datatypes"
)

// Decimal columns are stored as strings so SQLite never rounds money.

type OrderModel struct {
	ID             string `gorm:"column:id;primaryKey"`
	IdempotencyKey string `gorm:"column:idempotency_key;uniqueIndex"`
	BrokerID       string `gorm:"column:broker_id;index:idx_orders_broker"`
	ExchangeID     string `gorm:"column:exchange_id"`

	AccountID     string `gorm:"column:account_id;index:idx_orders_account_status,priority:1"`
	SubAccount    string `gorm:"column:sub_account"`
	Symbol        string `gorm:"column:symbol"`
	Side          string `gorm:"column:side"`
	Kind          string `gorm:"column:kind"`
	TimeInForce   string `gorm:"column:time_in_force"`
	ExpiresAtUnix *int64 `gorm:"column:expires_at"`

	OriginalQty string `gorm:"column:original_qty"`
	LimitPrice  string `gorm:"column:limit_price"`
	StopPrice   string `gorm:"column:stop_price"`

	Status         string `gorm:"column:status;index:idx_orders_account_status,priority:2"`
	FilledQty      string `gorm:"column:filled_qty"`
	RemainingQty   string `gorm:"column:remaining_qty"`
	AvgFillPrice   string `gorm:"column:avg_fill_price"`
	LastFillPrice  string `gorm:"column:last_fill_price"`
	LastFillAtUnix int64  `gorm:"column:last_fill_at"`

	ParentID string         `gorm:"column:parent_id;index:idx_orders_parent"`
	ChildIDs datatypes.JSON `gorm:"column:child_ids;type:TEXT"`
	Source   string         `gorm:"column:source"`
	Reason   string         `gorm:"column:reason"`
	RawData  datatypes.JSON `gorm:"column:raw_data;type:TEXT"`

	SubmitAttempts   int   `gorm:"column:submit_attempts"`
	LastSubmitAtUnix int64 `gorm:"column:last_submit_at"`
	BlockHeld        bool  `gorm:"column:block_held"`

	CreatedAtUnix int64 `gorm:"column:created_at"`
	UpdatedAtUnix int64 `gorm:"column:updated_at"`
	Version       int64 `gorm:"column:version"`
}

func (OrderModel) TableName() string { return "orders" }

type ExecutionModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID      string         `gorm:"column:account_id;uniqueIndex:idx_exec_dedup,priority:1"`
	BrokerExecID   string         `gorm:"column:broker_exec_id;uniqueIndex:idx_exec_dedup,priority:2"`
	OrderID        string         `gorm:"column:order_id;index:idx_exec_order"`
	Symbol         string         `gorm:"column:symbol"`
	Side           string         `gorm:"column:side"`
	Quantity       string         `gorm:"column:quantity"`
	Price          string         `gorm:"column:price"`
	ExecutedAtUnix int64          `gorm:"column:executed_at"`
	RawData        datatypes.JSON `gorm:"column:raw_data;type:TEXT"`
	CreatedAtUnix  int64          `gorm:"column:created_at"`
}

func (ExecutionModel) TableName() string { return "executions" }

type PositionModel struct {
	ID         int64  `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID  string `gorm:"column:account_id;uniqueIndex:idx_pos_key,priority:1"`
	SubAccount string `gorm:"column:sub_account;uniqueIndex:idx_pos_key,priority:2"`
	Symbol     string `gorm:"column:symbol;uniqueIndex:idx_pos_key,priority:3"`

	Quantity    string `gorm:"column:quantity"`
	AvgCost     string `gorm:"column:avg_cost"`
	BlockedQty  string `gorm:"column:blocked_qty"`
	RealizedPnL string `gorm:"column:realized_pnl"`

	LastTradePrice  string `gorm:"column:last_trade_price"`
	LastTradeAtUnix int64  `gorm:"column:last_trade_at"`

	LastMark       string `gorm:"column:last_mark"`
	LastMarkAtUnix int64  `gorm:"column:last_mark_at"`
	PrevClose      string `gorm:"column:prev_close"`

	UpdatedAtUnix int64 `gorm:"column:updated_at"`
	Version       int64 `gorm:"column:version"`
}

func (PositionModel) TableName() string { return "positions" }

// SessionModel keys on user_id so a completed login naturally supersedes
// the previous session row for the same user.
type SessionModel struct {
	UserID          string         `gorm:"column:user_id;primaryKey"`
	Token           string         `gorm:"column:token"`
	Hash            string         `gorm:"column:hash"`
	IssuedAtUnix    int64          `gorm:"column:issued_at"`
	ExpiresAtUnix   int64          `gorm:"column:expires_at"`
	RefreshedAtUnix int64          `gorm:"column:refreshed_at"`
	SubAccounts     datatypes.JSON `gorm:"column:sub_accounts;type:TEXT"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
	Version         int64          `gorm:"column:version"`
}

func (SessionModel) TableName() string { return "broker_sessions" }
