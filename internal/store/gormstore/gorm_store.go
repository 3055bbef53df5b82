// Package gormstore persists orders, executions, positions and broker
// sessions in SQLite through Gorm. It implements the store ports declared
// by the order, position and session packages.
package gormstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"galata/internal/order"
	"galata/internal/position"
	"galata/internal/session"
	storemodel "galata/internal/store/model"
)

type orderModel = storemodel.OrderModel
type executionModel = storemodel.ExecutionModel
type positionModel = storemodel.PositionModel
type sessionModel = storemodel.SessionModel

// ErrVersionConflict means a concurrent writer updated the row since it was
// read. Callers reload and retry; the per-key serialization in the engines
// makes this rare.
var ErrVersionConflict = errors.New("store: version conflict")

// GormStore is the SQLite-backed store shared by all engines.
type GormStore struct {
	db *gorm.DB
}

var (
	_ order.Store    = (*GormStore)(nil)
	_ position.Store = (*GormStore)(nil)
	_ session.Store  = (*GormStore)(nil)
)

// NewGormStore opens (creating if needed) the SQLite database at path and
// migrates the schema.
func NewGormStore(path string) (*GormStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("gorm store: db path is empty")
	}
	if err := ensureDir(path); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	models := []interface{}{
		&orderModel{},
		&executionModel{},
		&positionModel{},
		&sessionModel{},
	}
	if err := db.AutoMigrate(models...); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: allow a small amount of parallelism for concurrent HTTP
	// reads while keeping lock contention low.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &GormStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *GormStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SQLDB exposes the underlying *sql.DB for shared connections.
func (s *GormStore) SQLDB() (*sql.DB, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("gorm store not initialized")
	}
	return s.db.DB()
}

// --------------------------- Orders ---------------------------

// SaveOrder creates the row on first save and afterwards updates it with a
// compare-and-swap on version. o.Version is bumped on success.
func (s *GormStore) SaveOrder(ctx context.Context, o *order.Order) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("gorm store not initialized")
	}
	m := orderToModel(o)
	if o.Version == 0 {
		m.Version = 1
		if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
			return err
		}
		o.Version = 1
		return nil
	}
	m.Version = o.Version + 1
	res := s.db.WithContext(ctx).Model(&orderModel{}).
		Where("id = ? AND version = ?", o.ID, o.Version).
		Select("*").Omit("id", "created_at").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: order %s v%d", ErrVersionConflict, o.ID, o.Version)
	}
	o.Version++
	return nil
}

// GetOrder loads one order with its executions.
func (s *GormStore) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var m orderModel
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrOrderNotFound
		}
		return nil, err
	}
	o := modelToOrder(m)
	if err := s.loadExecutions(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// GetOrderByBrokerID resolves the broker's order number to the local row.
func (s *GormStore) GetOrderByBrokerID(ctx context.Context, accountID, brokerID string) (*order.Order, error) {
	var m orderModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND broker_id = ?", accountID, brokerID).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, order.ErrOrderNotFound
		}
		return nil, err
	}
	o := modelToOrder(m)
	if err := s.loadExecutions(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListNonTerminal returns every order still moving through the lifecycle,
// executions included, oldest first.
func (s *GormStore) ListNonTerminal(ctx context.Context, accountID string) ([]*order.Order, error) {
	statuses := []string{
		string(order.StatusPending),
		string(order.StatusSubmitted),
		string(order.StatusAccepted),
		string(order.StatusPartiallyFilled),
	}
	return s.listOrders(ctx, accountID, statuses, true)
}

// ListActive returns orders live at the broker (submitted and beyond,
// not yet terminal).
func (s *GormStore) ListActive(ctx context.Context, accountID string) ([]*order.Order, error) {
	statuses := []string{
		string(order.StatusSubmitted),
		string(order.StatusAccepted),
		string(order.StatusPartiallyFilled),
	}
	return s.listOrders(ctx, accountID, statuses, false)
}

// ListRecentOrders returns the newest orders of an account regardless of
// status, for the query API.
func (s *GormStore) ListRecentOrders(ctx context.Context, accountID string, limit int) ([]*order.Order, error) {
	if limit <= 0 {
		limit = 50
	}
	var models []orderModel
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*order.Order, 0, len(models))
	for _, m := range models {
		out = append(out, modelToOrder(m))
	}
	return out, nil
}

func (s *GormStore) listOrders(ctx context.Context, accountID string, statuses []string, withExecs bool) ([]*order.Order, error) {
	var models []orderModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND status IN ?", accountID, statuses).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*order.Order, 0, len(models))
	for _, m := range models {
		o := modelToOrder(m)
		if withExecs {
			if err := s.loadExecutions(ctx, o); err != nil {
				return nil, err
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *GormStore) loadExecutions(ctx context.Context, o *order.Order) error {
	var rows []executionModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", o.ID).
		Order("executed_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	o.Executions = make([]order.Execution, 0, len(rows))
	for _, r := range rows {
		o.Executions = append(o.Executions, modelToExecution(r))
	}
	return nil
}

// HasExecution answers the account-wide dedup question for one broker
// execution id.
func (s *GormStore) HasExecution(ctx context.Context, accountID, brokerExecID string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&executionModel{}).
		Where("account_id = ? AND broker_exec_id = ?", accountID, brokerExecID).
		Count(&n).Error
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertExecution appends one fill row. The unique (account_id,
// broker_exec_id) index turns replays into no-ops; inserted=false reports
// that the row already existed.
func (s *GormStore) InsertExecution(ctx context.Context, accountID, orderID string, exec order.Execution) (bool, error) {
	m := executionModel{
		AccountID:      accountID,
		BrokerExecID:   exec.BrokerExecID,
		OrderID:        orderID,
		Symbol:         exec.Symbol,
		Side:           exec.Side,
		Quantity:       exec.Quantity.String(),
		Price:          exec.Price.String(),
		ExecutedAtUnix: toMillis(exec.ExecutedAt),
		RawData:        jsonOrNull(exec.Raw),
		CreatedAtUnix:  toMillis(time.Now()),
	}
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "account_id"}, {Name: "broker_exec_id"}},
			DoNothing: true,
		}).
		Create(&m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// --------------------------- Positions ---------------------------

func (s *GormStore) GetPosition(ctx context.Context, accountID, subAccount, symbol string) (*position.Position, error) {
	var m positionModel
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND sub_account = ? AND symbol = ?", accountID, subAccount, symbol).
		First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, position.ErrPositionNotFound
		}
		return nil, err
	}
	return modelToPosition(m), nil
}

// SavePosition upserts on first write, then compare-and-swaps on version.
func (s *GormStore) SavePosition(ctx context.Context, p *position.Position) error {
	m := positionToModel(p)
	if p.Version == 0 {
		m.Version = 1
		err := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "account_id"}, {Name: "sub_account"}, {Name: "symbol"}},
				DoNothing: true,
			}).
			Create(&m).Error
		if err != nil {
			return err
		}
		p.Version = 1
		return nil
	}
	m.Version = p.Version + 1
	res := s.db.WithContext(ctx).Model(&positionModel{}).
		Where("account_id = ? AND sub_account = ? AND symbol = ? AND version = ?",
			p.AccountID, p.SubAccount, p.Symbol, p.Version).
		Select("*").Omit("id").
		Updates(m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: position %s/%s/%s v%d",
			ErrVersionConflict, p.AccountID, p.SubAccount, p.Symbol, p.Version)
	}
	p.Version++
	return nil
}

func (s *GormStore) ListPositions(ctx context.Context, accountID string) ([]*position.Position, error) {
	var models []positionModel
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("sub_account ASC, symbol ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]*position.Position, 0, len(models))
	for _, m := range models {
		out = append(out, modelToPosition(m))
	}
	return out, nil
}

// --------------------------- Sessions ---------------------------

func (s *GormStore) GetSession(ctx context.Context, userID string) (*session.Session, error) {
	var m sessionModel
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, session.ErrSessionNotFound
		}
		return nil, err
	}
	return modelToSession(m), nil
}

// SaveSession writes the single row for the user, superseding whatever
// session was stored before.
func (s *GormStore) SaveSession(ctx context.Context, sess *session.Session) error {
	m := sessionToModel(sess)
	m.Version = sess.Version + 1
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}},
			UpdateAll: true,
		}).
		Create(&m).Error
	if err != nil {
		return err
	}
	sess.Version = m.Version
	return nil
}

func (s *GormStore) DeleteSession(ctx context.Context, userID string) error {
	return s.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&sessionModel{}).Error
}

func (s *GormStore) ListSessions(ctx context.Context) ([]*session.Session, error) {
	var models []sessionModel
	if err := s.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]*session.Session, 0, len(models))
	for _, m := range models {
		out = append(out, modelToSession(m))
	}
	return out, nil
}

// --------------------------- Conversions ---------------------------

func orderToModel(o *order.Order) orderModel {
	var expires *int64
	if o.ExpiresAt != nil {
		v := toMillis(*o.ExpiresAt)
		expires = &v
	}
	return orderModel{
		ID:               o.ID,
		IdempotencyKey:   o.IdempotencyKey,
		BrokerID:         o.BrokerID,
		ExchangeID:       o.ExchangeID,
		AccountID:        o.AccountID,
		SubAccount:       o.SubAccount,
		Symbol:           o.Symbol,
		Side:             string(o.Side),
		Kind:             string(o.Kind),
		TimeInForce:      string(o.TimeInForce),
		ExpiresAtUnix:    expires,
		OriginalQty:      o.OriginalQty.String(),
		LimitPrice:       o.LimitPrice.String(),
		StopPrice:        o.StopPrice.String(),
		Status:           string(o.Status),
		FilledQty:        o.FilledQty.String(),
		RemainingQty:     o.RemainingQty.String(),
		AvgFillPrice:     o.AvgFillPrice.String(),
		LastFillPrice:    o.LastFillPrice.String(),
		LastFillAtUnix:   toMillis(o.LastFillAt),
		ParentID:         o.ParentID,
		ChildIDs:         jsonStrings(o.ChildIDs),
		Source:           o.Source,
		Reason:           o.Reason,
		RawData:          jsonOrNull(o.Raw),
		SubmitAttempts:   o.SubmitAttempts,
		LastSubmitAtUnix: toMillis(o.LastSubmitAt),
		BlockHeld:        o.BlockHeld,
		CreatedAtUnix:    toMillis(o.CreatedAt),
		UpdatedAtUnix:    toMillis(o.UpdatedAt),
		Version:          o.Version,
	}
}

func modelToOrder(m orderModel) *order.Order {
	var expires *time.Time
	if m.ExpiresAtUnix != nil {
		v := fromMillis(*m.ExpiresAtUnix)
		expires = &v
	}
	return &order.Order{
		ID:             m.ID,
		IdempotencyKey: m.IdempotencyKey,
		BrokerID:       m.BrokerID,
		ExchangeID:     m.ExchangeID,
		AccountID:      m.AccountID,
		SubAccount:     m.SubAccount,
		Symbol:         m.Symbol,
		Side:           order.Side(m.Side),
		Kind:           order.Kind(m.Kind),
		TimeInForce:    order.TimeInForce(m.TimeInForce),
		ExpiresAt:      expires,
		OriginalQty:    dec(m.OriginalQty),
		LimitPrice:     dec(m.LimitPrice),
		StopPrice:      dec(m.StopPrice),
		Status:         order.Status(m.Status),
		FilledQty:      dec(m.FilledQty),
		RemainingQty:   dec(m.RemainingQty),
		AvgFillPrice:   dec(m.AvgFillPrice),
		LastFillPrice:  dec(m.LastFillPrice),
		LastFillAt:     fromMillis(m.LastFillAtUnix),
		ParentID:       m.ParentID,
		ChildIDs:       stringsFromJSON(m.ChildIDs),
		Source:         m.Source,
		Reason:         m.Reason,
		Raw:            []byte(m.RawData),
		SubmitAttempts: m.SubmitAttempts,
		LastSubmitAt:   fromMillis(m.LastSubmitAtUnix),
		BlockHeld:      m.BlockHeld,
		CreatedAt:      fromMillis(m.CreatedAtUnix),
		UpdatedAt:      fromMillis(m.UpdatedAtUnix),
		Version:        m.Version,
	}
}

func modelToExecution(m executionModel) order.Execution {
	return order.Execution{
		BrokerExecID: m.BrokerExecID,
		Symbol:       m.Symbol,
		Side:         m.Side,
		Quantity:     dec(m.Quantity),
		Price:        dec(m.Price),
		ExecutedAt:   fromMillis(m.ExecutedAtUnix),
		Raw:          []byte(m.RawData),
	}
}

func positionToModel(p *position.Position) positionModel {
	return positionModel{
		AccountID:       p.AccountID,
		SubAccount:      p.SubAccount,
		Symbol:          p.Symbol,
		Quantity:        p.Quantity.String(),
		AvgCost:         p.AvgCost.String(),
		BlockedQty:      p.BlockedQty.String(),
		RealizedPnL:     p.RealizedPnL.String(),
		LastTradePrice:  p.LastTradePrice.String(),
		LastTradeAtUnix: toMillis(p.LastTradeAt),
		LastMark:        p.LastMark.String(),
		LastMarkAtUnix:  toMillis(p.LastMarkAt),
		PrevClose:       p.PrevClose.String(),
		UpdatedAtUnix:   toMillis(p.UpdatedAt),
		Version:         p.Version,
	}
}

func modelToPosition(m positionModel) *position.Position {
	return &position.Position{
		AccountID:      m.AccountID,
		SubAccount:     m.SubAccount,
		Symbol:         m.Symbol,
		Quantity:       dec(m.Quantity),
		AvgCost:        dec(m.AvgCost),
		BlockedQty:     dec(m.BlockedQty),
		RealizedPnL:    dec(m.RealizedPnL),
		LastTradePrice: dec(m.LastTradePrice),
		LastTradeAt:    fromMillis(m.LastTradeAtUnix),
		LastMark:       dec(m.LastMark),
		LastMarkAt:     fromMillis(m.LastMarkAtUnix),
		PrevClose:      dec(m.PrevClose),
		UpdatedAt:      fromMillis(m.UpdatedAtUnix),
		Version:        m.Version,
	}
}

func sessionToModel(s *session.Session) sessionModel {
	return sessionModel{
		UserID:          s.UserID,
		Token:           s.Token,
		Hash:            s.Hash,
		IssuedAtUnix:    toMillis(s.IssuedAt),
		ExpiresAtUnix:   toMillis(s.ExpiresAt),
		RefreshedAtUnix: toMillis(s.RefreshedAt),
		SubAccounts:     jsonStrings(s.SubAccounts),
		UpdatedAtUnix:   toMillis(time.Now()),
		Version:         s.Version,
	}
}

func modelToSession(m sessionModel) *session.Session {
	return &session.Session{
		UserID:      m.UserID,
		Token:       m.Token,
		Hash:        m.Hash,
		IssuedAt:    fromMillis(m.IssuedAtUnix),
		ExpiresAt:   fromMillis(m.ExpiresAtUnix),
		RefreshedAt: fromMillis(m.RefreshedAtUnix),
		SubAccounts: stringsFromJSON(m.SubAccounts),
		Version:     m.Version,
	}
}

// --------------------------- Helpers ---------------------------

func dec(s string) decimal.Decimal {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func jsonOrNull(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	return datatypes.JSON(raw)
}

func jsonStrings(in []string) datatypes.JSON {
	if len(in) == 0 {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}

func stringsFromJSON(raw datatypes.JSON) []string {
	if len(raw) == 0 {
		return nil
	}
	var out []string
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func ensureDir(path string) error {
	dir := filepath.Dir(strings.TrimSpace(path))
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
