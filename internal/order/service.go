package order

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"galata/internal/events"
	"galata/internal/logger"
	"galata/internal/pkg/brokererr"
)

// Store is the persistence the service needs. Implemented by gormstore.
type Store interface {
	SaveOrder(ctx context.Context, o *Order) error
	GetOrder(ctx context.Context, id string) (*Order, error)
	GetOrderByBrokerID(ctx context.Context, accountID, brokerID string) (*Order, error)
	ListNonTerminal(ctx context.Context, accountID string) ([]*Order, error)
	ListActive(ctx context.Context, accountID string) ([]*Order, error)
	ListRecentOrders(ctx context.Context, accountID string, limit int) ([]*Order, error)
	// HasExecution answers across all orders of the account, so an
	// execution can never be applied twice even through different local
	// order rows.
	HasExecution(ctx context.Context, accountID, brokerExecID string) (bool, error)
	InsertExecution(ctx context.Context, accountID, orderID string, exec Execution) (inserted bool, err error)
}

// Broker is the outbound port to the brokerage, satisfied by the gateway
// adapter. The gateway owns rate limiting, circuit breaking and retries.
type Broker interface {
	PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error)
	CancelOrder(ctx context.Context, req CancelRequest) error
	ModifyOrder(ctx context.Context, req ModifyRequest) (*ModifyResult, error)
}

type PlaceRequest struct {
	AccountID      string
	SubAccount     string
	Symbol         string
	Side           Side
	Kind           Kind
	TimeInForce    TimeInForce
	Quantity       decimal.Decimal
	LimitPrice     decimal.Decimal
	StopPrice      decimal.Decimal
	IdempotencyKey string
}

type PlaceResult struct {
	BrokerID   string
	ExchangeID string
	Raw        []byte
}

type CancelRequest struct {
	AccountID  string
	SubAccount string
	BrokerID   string
}

type ModifyRequest struct {
	AccountID   string
	SubAccount  string
	BrokerID    string
	Symbol      string
	Side        Side
	Quantity    decimal.Decimal
	LimitPrice  decimal.Decimal
	StopPrice   decimal.Decimal
	TimeInForce TimeInForce
}

type ModifyResult struct {
	BrokerID string
	Raw      []byte
}

// PositionBook is the slice of the position engine the order flow needs:
// blocking quantity for sells and forwarding confirmed executions.
type PositionBook interface {
	Block(ctx context.Context, accountID, subAccount, symbol string, qty decimal.Decimal) error
	Release(ctx context.Context, accountID, subAccount, symbol string, qty decimal.Decimal) error
	// OnExecution applies a confirmed fill; signedQty is positive for buys
	// and negative for sells.
	OnExecution(ctx context.Context, accountID, subAccount, symbol string, signedQty, price decimal.Decimal, at time.Time) error
}

// InstrumentGuard validates symbol-specific price/quantity constraints.
// A nil guard skips the check (the catalog is advisory).
type InstrumentGuard interface {
	CheckOrder(symbol string, price, qty decimal.Decimal) error
}

// ServiceParams collects the dependencies of the order service.
type ServiceParams struct {
	Store          Store
	Positions      PositionBook
	Broker         Broker
	Bus            events.Publisher
	Guard          InstrumentGuard
	ModifyStrategy string
	// PendingGrace bounds how long an unresolved submit attempt may sit in
	// PENDING before the sweep marks it ERROR and releases its block.
	PendingGrace time.Duration
	NowFn        func() time.Time
}

// Service drives the order state machine. All mutations of one order are
// serialized on a per-order lock; cross-order work (sibling cancellation)
// re-enters through the public methods.
type Service struct {
	store          Store
	positions      PositionBook
	broker         Broker
	bus            events.Publisher
	guard          InstrumentGuard
	modifyStrategy string
	pendingGrace   time.Duration
	nowFn          func() time.Time

	lockMu     sync.Mutex
	orderLocks map[string]*sync.Mutex

	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

func NewService(p ServiceParams) (*Service, error) {
	if p.Store == nil {
		return nil, fmt.Errorf("order service requires a store")
	}
	if p.Positions == nil {
		return nil, fmt.Errorf("order service requires a position book")
	}
	if p.Broker == nil {
		return nil, fmt.Errorf("order service requires a broker gateway")
	}
	if p.Bus == nil {
		return nil, fmt.Errorf("order service requires an event bus")
	}
	strategy := strings.ToLower(strings.TrimSpace(p.ModifyStrategy))
	if strategy == "" {
		strategy = "amend"
	}
	if strategy != "amend" && strategy != "cancel_recreate" {
		return nil, fmt.Errorf("unknown modify strategy %q", strategy)
	}
	grace := p.PendingGrace
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	nowFn := p.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Service{
		store:          p.Store,
		positions:      p.Positions,
		broker:         p.Broker,
		bus:            p.Bus,
		guard:          p.Guard,
		modifyStrategy: strategy,
		pendingGrace:   grace,
		nowFn:          nowFn,
		orderLocks:     make(map[string]*sync.Mutex),
		inFlight:       make(map[string]bool),
	}, nil
}

// Create validates the intent and persists a PENDING order. No broker call
// is made here.
func (s *Service) Create(ctx context.Context, intent Intent) (*Order, error) {
	now := s.nowFn().UTC()
	if err := validateIntent(intent, now); err != nil {
		return nil, err
	}
	if s.guard != nil {
		price := intent.LimitPrice
		if price.Sign() <= 0 {
			price = intent.StopPrice
		}
		if err := s.guard.CheckOrder(intent.Symbol, price, intent.Quantity); err != nil {
			return nil, err
		}
	}
	o := NewFromIntent(intent, now)
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persisting order: %w", err)
	}
	s.publishStatus(o, "", "created")
	return o, nil
}

// Submit places a PENDING order at the broker. Sell orders block their
// quantity on the position first. A timeout leaves the order PENDING with
// the block held; reconciliation or a caller retry resolves it.
func (s *Service) Submit(ctx context.Context, orderID string) (*Order, error) {
	if !s.beginSubmit(orderID) {
		return nil, ErrSubmitInFlight
	}
	defer s.endSubmit(orderID)

	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: submit only legal from PENDING, status=%s", ErrIllegalTransition, o.Status)
	}

	now := s.nowFn().UTC()
	freshBlock := false
	if o.Side == SideSell && !o.BlockHeld {
		if err := s.positions.Block(ctx, o.AccountID, o.SubAccount, o.Symbol, o.RemainingQty); err != nil {
			return nil, err
		}
		o.BlockHeld = true
		freshBlock = true
	}

	o.SubmitAttempts++
	o.LastSubmitAt = now
	o.UpdatedAt = now
	if err := s.store.SaveOrder(ctx, o); err != nil {
		if freshBlock {
			s.releaseQuietly(ctx, o, o.RemainingQty)
		}
		return nil, fmt.Errorf("persisting submit attempt: %w", err)
	}

	res, err := s.broker.PlaceOrder(ctx, PlaceRequest{
		AccountID:      o.AccountID,
		SubAccount:     o.SubAccount,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Kind:           o.Kind,
		TimeInForce:    o.TimeInForce,
		Quantity:       o.RemainingQty,
		LimitPrice:     o.LimitPrice,
		StopPrice:      o.StopPrice,
		IdempotencyKey: o.IdempotencyKey,
	})
	switch {
	case err == nil:
		from := o.Status
		if terr := o.TransitionTo(StatusSubmitted, "", s.nowFn().UTC()); terr != nil {
			return nil, terr
		}
		o.BrokerID = res.BrokerID
		o.ExchangeID = res.ExchangeID
		o.Raw = res.Raw
		if serr := s.store.SaveOrder(ctx, o); serr != nil {
			return nil, fmt.Errorf("persisting submitted order: %w", serr)
		}
		s.publishStatus(o, from, "submitted to broker")
		return o, nil

	case brokererr.IsRejection(err):
		from := o.Status
		if terr := o.TransitionTo(StatusRejected, err.Error(), s.nowFn().UTC()); terr != nil {
			return nil, terr
		}
		s.releaseBlock(ctx, o)
		if serr := s.store.SaveOrder(ctx, o); serr != nil {
			return nil, fmt.Errorf("persisting rejected order: %w", serr)
		}
		s.publishStatus(o, from, o.Reason)
		return o, err

	case brokererr.IsUncertain(err):
		// Outcome unknown: keep PENDING and keep the block. The idempotency
		// key makes a caller retry safe; the sweep reclaims the block if
		// nothing resolves within the grace window.
		return o, err

	default:
		// Hard transport or circuit failure: the call never took effect.
		if o.BlockHeld {
			s.releaseBlock(ctx, o)
			if serr := s.store.SaveOrder(ctx, o); serr != nil {
				logger.Errorf("order %s: persisting released block failed: %v", o.ID, serr)
			}
		}
		return o, err
	}
}

// Cancel asks the broker to cancel an active order. An "already filled"
// refusal leaves local state untouched; the next reconciliation pass
// records the fills.
func (s *Service) Cancel(ctx context.Context, orderID string) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !o.Status.IsCancellable() {
		return nil, fmt.Errorf("%w: status=%s", ErrNotCancellable, o.Status)
	}

	err = s.broker.CancelOrder(ctx, CancelRequest{
		AccountID:  o.AccountID,
		SubAccount: o.SubAccount,
		BrokerID:   o.BrokerID,
	})
	switch {
	case err == nil:
		from := o.Status
		if terr := o.TransitionTo(StatusCancelled, "cancelled by user", s.nowFn().UTC()); terr != nil {
			return nil, terr
		}
		s.releaseBlock(ctx, o)
		if serr := s.store.SaveOrder(ctx, o); serr != nil {
			return nil, fmt.Errorf("persisting cancelled order: %w", serr)
		}
		s.publishStatus(o, from, o.Reason)
		return o, nil

	case brokererr.RejectionCode(err) == brokererr.CodeAlreadyFilled:
		logger.Infof("order %s: broker reports already filled on cancel, deferring to reconciliation", o.ID)
		return o, err

	default:
		return o, err
	}
}

// Modify changes price and/or quantity of an active order using the
// configured strategy. With "amend" the broker updates the working order in
// place; with "cancel_recreate" the old order is cancelled and a linked
// replacement is created and submitted, and the returned order is the new
// one.
func (s *Service) Modify(ctx context.Context, orderID string, newPrice, newQty *decimal.Decimal) (*Order, error) {
	unlock := s.lockOrder(orderID)

	o, err := s.load(ctx, orderID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !o.Status.IsModifiable() {
		unlock()
		return nil, fmt.Errorf("%w: status=%s", ErrNotModifiable, o.Status)
	}
	if err := validateModify(o, newPrice, newQty); err != nil {
		unlock()
		return nil, err
	}

	if s.modifyStrategy == "amend" {
		defer unlock()
		return s.modifyAmend(ctx, o, newPrice, newQty)
	}
	// cancel_recreate re-enters Create/Submit, which take their own locks.
	unlock()
	return s.modifyRecreate(ctx, o.ID, newPrice, newQty)
}

func validateModify(o *Order, newPrice, newQty *decimal.Decimal) error {
	if newPrice == nil && newQty == nil {
		return validationErr("modify", "requires a new price or a new quantity")
	}
	changed := false
	if newPrice != nil {
		if newPrice.Sign() <= 0 {
			return validationErr("price", "must be > 0")
		}
		current := o.LimitPrice
		if !o.Kind.RequiresLimitPrice() {
			current = o.StopPrice
		}
		if !newPrice.Equal(current) {
			changed = true
		}
	}
	if newQty != nil {
		if newQty.Sign() <= 0 {
			return validationErr("quantity", "must be > 0")
		}
		if newQty.LessThanOrEqual(o.FilledQty) {
			return validationErr("quantity", fmt.Sprintf("must exceed filled quantity %s", o.FilledQty))
		}
		if !newQty.Equal(o.OriginalQty) {
			changed = true
		}
	}
	if !changed {
		return validationErr("modify", "new values equal current values")
	}
	return nil
}

func (s *Service) modifyAmend(ctx context.Context, o *Order, newPrice, newQty *decimal.Decimal) (*Order, error) {
	price := o.LimitPrice
	stop := o.StopPrice
	if newPrice != nil {
		if o.Kind.RequiresLimitPrice() {
			price = *newPrice
		} else {
			stop = *newPrice
		}
	}
	qty := o.OriginalQty
	if newQty != nil {
		qty = *newQty
	}
	newRemaining := qty.Sub(o.FilledQty)

	// For sells the block must cover the new remaining quantity before the
	// broker sees the amend. Shadow orders never blocked, so their amends
	// skip reservation accounting entirely.
	blockDelta := decimal.Zero
	if o.Side == SideSell && o.BlockHeld {
		blockDelta = newRemaining.Sub(o.RemainingQty)
		if blockDelta.Sign() > 0 {
			if err := s.positions.Block(ctx, o.AccountID, o.SubAccount, o.Symbol, blockDelta); err != nil {
				return nil, err
			}
		}
	}

	_, err := s.broker.ModifyOrder(ctx, ModifyRequest{
		AccountID:   o.AccountID,
		SubAccount:  o.SubAccount,
		BrokerID:    o.BrokerID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    newRemaining,
		LimitPrice:  price,
		StopPrice:   stop,
		TimeInForce: o.TimeInForce,
	})
	if err != nil {
		if blockDelta.Sign() > 0 && !brokererr.IsUncertain(err) {
			s.releaseQuietly(ctx, o, blockDelta)
		}
		return o, err
	}

	if blockDelta.Sign() < 0 {
		s.releaseQuietly(ctx, o, blockDelta.Neg())
	}
	o.LimitPrice = price
	o.StopPrice = stop
	o.OriginalQty = qty
	o.RemainingQty = newRemaining
	o.UpdatedAt = s.nowFn().UTC()
	if serr := s.store.SaveOrder(ctx, o); serr != nil {
		return nil, fmt.Errorf("persisting amended order: %w", serr)
	}
	s.publishStatus(o, o.Status, "amended in place")
	return o, nil
}

func (s *Service) modifyRecreate(ctx context.Context, oldID string, newPrice, newQty *decimal.Decimal) (*Order, error) {
	unlock := s.lockOrder(oldID)
	o, err := s.load(ctx, oldID)
	if err != nil {
		unlock()
		return nil, err
	}
	if !o.Status.IsModifiable() {
		unlock()
		return nil, fmt.Errorf("%w: status=%s", ErrNotModifiable, o.Status)
	}

	err = s.broker.CancelOrder(ctx, CancelRequest{
		AccountID:  o.AccountID,
		SubAccount: o.SubAccount,
		BrokerID:   o.BrokerID,
	})
	if err != nil {
		unlock()
		return o, err
	}
	from := o.Status
	if terr := o.TransitionTo(StatusCancelled, "cancelled for modify", s.nowFn().UTC()); terr != nil {
		unlock()
		return nil, terr
	}
	s.releaseBlock(ctx, o)

	price := o.LimitPrice
	stop := o.StopPrice
	if newPrice != nil {
		if o.Kind.RequiresLimitPrice() {
			price = *newPrice
		} else {
			stop = *newPrice
		}
	}
	qty := o.RemainingQty
	if newQty != nil {
		qty = newQty.Sub(o.FilledQty)
	}

	if serr := s.store.SaveOrder(ctx, o); serr != nil {
		unlock()
		return nil, fmt.Errorf("persisting cancelled order: %w", serr)
	}
	s.publishStatus(o, from, o.Reason)
	unlock()

	replacement, err := s.Create(ctx, Intent{
		AccountID:   o.AccountID,
		SubAccount:  o.SubAccount,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Kind:        o.Kind,
		TimeInForce: o.TimeInForce,
		ExpiresAt:   o.ExpiresAt,
		Quantity:    qty,
		LimitPrice:  price,
		StopPrice:   stop,
		ParentID:    o.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("creating replacement for %s: %w", o.ID, err)
	}
	s.linkChild(ctx, o.ID, replacement.ID)
	return s.Submit(ctx, replacement.ID)
}

// RecordFill applies one broker-reported execution. Idempotent on the
// broker execution id across all orders of the account, commutative in
// arrival order. Returns whether the fill changed state.
func (s *Service) RecordFill(ctx context.Context, orderID string, exec Execution) (bool, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return false, err
	}
	if o.HasExecution(exec.BrokerExecID) {
		return false, nil
	}
	if known, err := s.store.HasExecution(ctx, o.AccountID, exec.BrokerExecID); err != nil {
		return false, fmt.Errorf("checking execution %s: %w", exec.BrokerExecID, err)
	} else if known {
		logger.Warnf("order %s: execution %s already applied elsewhere, skipping", o.ID, exec.BrokerExecID)
		return false, nil
	}

	exec.Symbol = o.Symbol
	exec.Side = string(o.Side)
	from := o.Status
	applied, err := o.ApplyFill(exec, s.nowFn().UTC())
	if err != nil || !applied {
		return false, err
	}
	inserted, err := s.store.InsertExecution(ctx, o.AccountID, o.ID, exec)
	if err != nil {
		return false, fmt.Errorf("persisting execution %s: %w", exec.BrokerExecID, err)
	}
	if !inserted {
		// Lost a race with another writer; drop our in-memory mutation.
		return false, nil
	}
	if o.Status == StatusFilled {
		// Sell executions consumed the reservation inside the engine.
		o.BlockHeld = false
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return false, fmt.Errorf("persisting filled order: %w", err)
	}

	signedQty := exec.Quantity.Mul(o.Side.Sign())
	if err := s.positions.OnExecution(ctx, o.AccountID, o.SubAccount, o.Symbol, signedQty, exec.Price, exec.ExecutedAt); err != nil {
		return true, fmt.Errorf("applying execution %s to position: %w", exec.BrokerExecID, err)
	}

	s.bus.Publish(events.Event{
		Type:      events.TypeExecutionRecorded,
		AccountID: o.AccountID,
		Payload: events.ExecutionRecorded{
			OrderID:      o.ID,
			BrokerExecID: exec.BrokerExecID,
			Symbol:       o.Symbol,
			Side:         string(o.Side),
			Quantity:     exec.Quantity,
			Price:        exec.Price,
			ExecutedAt:   exec.ExecutedAt,
		},
	})
	s.publishStatus(o, from, "fill recorded")

	if o.Status == StatusFilled && o.ParentID != "" {
		s.cancelSiblings(ctx, o)
	}
	return true, nil
}

// cancelSiblings cancels the other active children of the order's parent.
// The linkage is advisory: failures are logged, never propagated.
func (s *Service) cancelSiblings(ctx context.Context, o *Order) {
	parent, err := s.store.GetOrder(ctx, o.ParentID)
	if err != nil || parent == nil {
		return
	}
	for _, childID := range parent.ChildIDs {
		if childID == o.ID {
			continue
		}
		child, err := s.store.GetOrder(ctx, childID)
		if err != nil || child == nil || !child.Status.IsCancellable() {
			continue
		}
		if _, err := s.Cancel(ctx, childID); err != nil {
			logger.Warnf("order %s: sibling cancel of %s failed: %v", o.ID, childID, err)
		}
	}
}

func (s *Service) linkChild(ctx context.Context, parentID, childID string) {
	unlock := s.lockOrder(parentID)
	defer unlock()
	parent, err := s.load(ctx, parentID)
	if err != nil {
		logger.Warnf("order %s: linking child %s failed: %v", parentID, childID, err)
		return
	}
	parent.ChildIDs = append(parent.ChildIDs, childID)
	parent.UpdatedAt = s.nowFn().UTC()
	if err := s.store.SaveOrder(ctx, parent); err != nil {
		logger.Warnf("order %s: persisting child link failed: %v", parentID, err)
	}
}

// Get returns one order by local id.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.load(ctx, orderID)
}

// ListActive returns the account's orders currently live at the broker.
func (s *Service) ListActive(ctx context.Context, accountID string) ([]*Order, error) {
	return s.store.ListActive(ctx, accountID)
}

// ListRecent returns the account's newest orders regardless of status.
func (s *Service) ListRecent(ctx context.Context, accountID string, limit int) ([]*Order, error) {
	return s.store.ListRecentOrders(ctx, accountID, limit)
}

func (s *Service) load(ctx context.Context, orderID string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) lockOrder(id string) func() {
	s.lockMu.Lock()
	m, ok := s.orderLocks[id]
	if !ok {
		m = &sync.Mutex{}
		s.orderLocks[id] = m
	}
	s.lockMu.Unlock()
	m.Lock()
	return m.Unlock
}

func (s *Service) beginSubmit(id string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[id] {
		return false
	}
	s.inFlight[id] = true
	return true
}

func (s *Service) endSubmit(id string) {
	s.inFlightMu.Lock()
	delete(s.inFlight, id)
	s.inFlightMu.Unlock()
}

func (s *Service) releaseQuietly(ctx context.Context, o *Order, qty decimal.Decimal) {
	if qty.Sign() <= 0 {
		return
	}
	if err := s.positions.Release(ctx, o.AccountID, o.SubAccount, o.Symbol, qty); err != nil {
		logger.Errorf("order %s: releasing %s %s failed: %v", o.ID, qty, o.Symbol, err)
	}
}

// releaseBlock returns the order's outstanding reservation and clears the
// flag. Safe to call when nothing is held.
func (s *Service) releaseBlock(ctx context.Context, o *Order) {
	if !o.BlockHeld {
		return
	}
	o.BlockHeld = false
	s.releaseQuietly(ctx, o, o.RemainingQty)
}

func (s *Service) publishStatus(o *Order, from Status, reason string) {
	s.bus.Publish(events.Event{
		Type:      events.TypeOrderStatusChanged,
		AccountID: o.AccountID,
		Payload: events.OrderStatusChanged{
			OrderID:      o.ID,
			BrokerID:     o.BrokerID,
			Symbol:       o.Symbol,
			From:         string(from),
			To:           string(o.Status),
			Reason:       reason,
			FilledQty:    o.FilledQty,
			RemainingQty: o.RemainingQty,
		},
	})
}
