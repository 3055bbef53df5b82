package position

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"galata/internal/events"
	"galata/internal/logger"
)

// Store is the persistence the engine needs. Implemented by gormstore.
type Store interface {
	// GetPosition returns ErrPositionNotFound when no row exists.
	GetPosition(ctx context.Context, accountID, subAccount, symbol string) (*Position, error)
	SavePosition(ctx context.Context, p *Position) error
	ListPositions(ctx context.Context, accountID string) ([]*Position, error)
}

// EngineParams collects the dependencies of the engine.
type EngineParams struct {
	Store Store
	Bus   events.Publisher
	// AllowShort lets Block drive available negative instead of failing.
	// Executions are broker facts and are applied regardless; only the
	// local reservation step is gated.
	AllowShort bool
	// MarkStaleAfter flags snapshots whose cached mark is older than this.
	MarkStaleAfter time.Duration
	NowFn          func() time.Time
}

// Engine serializes all mutations per (account, sub-account, symbol) key so
// concurrent executions never produce lost updates.
type Engine struct {
	store          Store
	bus            events.Publisher
	allowShort     bool
	markStaleAfter time.Duration
	nowFn          func() time.Time

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

func NewEngine(params EngineParams) *Engine {
	nowFn := params.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		store:          params.Store,
		bus:            params.Bus,
		allowShort:     params.AllowShort,
		markStaleAfter: params.MarkStaleAfter,
		nowFn:          nowFn,
		locks:          make(map[string]*sync.Mutex),
	}
}

func (e *Engine) keyLock(accountID, subAccount, symbol string) *sync.Mutex {
	key := accountID + "\x00" + subAccount + "\x00" + symbol
	e.lockMu.Lock()
	defer e.lockMu.Unlock()
	if mu, ok := e.locks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	e.locks[key] = mu
	return mu
}

// load returns the stored position or a fresh flat one. Callers hold the
// key lock.
func (e *Engine) load(ctx context.Context, accountID, subAccount, symbol string) (*Position, error) {
	p, err := e.store.GetPosition(ctx, accountID, subAccount, symbol)
	if err == nil {
		return p, nil
	}
	if errors.Is(err, ErrPositionNotFound) {
		return &Position{
			AccountID:  accountID,
			SubAccount: subAccount,
			Symbol:     symbol,
			UpdatedAt:  e.nowFn(),
		}, nil
	}
	return nil, err
}

// OnExecution applies one confirmed fill. signedQty is positive for buys,
// negative for sells. The caller (order service or reconciliation) already
// deduplicated by broker execution id, so every call here is a new fill.
func (e *Engine) OnExecution(ctx context.Context, accountID, subAccount, symbol string, signedQty, price decimal.Decimal, at time.Time) error {
	if signedQty.IsZero() {
		return nil
	}
	mu := e.keyLock(accountID, subAccount, symbol)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.load(ctx, accountID, subAccount, symbol)
	if err != nil {
		return err
	}
	realized := p.applyExecution(signedQty, price, at)
	if err := e.store.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("save position %s/%s: %w", accountID, symbol, err)
	}
	if !realized.IsZero() {
		logger.Infof("position %s %s realized %s (qty now %s @ %s)",
			accountID, symbol, realized.String(), p.Quantity.String(), p.AvgCost.String())
	}
	e.publish(p, "execution")
	return nil
}

// Block reserves quantity for a pending sell. With short selling disabled
// the reservation must fit inside Available; state is untouched on failure.
func (e *Engine) Block(ctx context.Context, accountID, subAccount, symbol string, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("block quantity must be positive, got %s", qty.String())
	}
	mu := e.keyLock(accountID, subAccount, symbol)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.load(ctx, accountID, subAccount, symbol)
	if err != nil {
		return err
	}
	if !e.allowShort && qty.GreaterThan(p.Available()) {
		return fmt.Errorf("%w: block %s > available %s for %s",
			ErrInsufficientAvailable, qty.String(), p.Available().String(), symbol)
	}
	p.BlockedQty = p.BlockedQty.Add(qty)
	p.UpdatedAt = e.nowFn()
	if err := e.store.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("save position %s/%s: %w", accountID, symbol, err)
	}
	e.publish(p, "block")
	return nil
}

// Release returns reserved quantity after a cancel, reject or expiry.
// Releasing more than is blocked is a caller bug and fails without change.
func (e *Engine) Release(ctx context.Context, accountID, subAccount, symbol string, qty decimal.Decimal) error {
	if qty.Sign() <= 0 {
		return fmt.Errorf("release quantity must be positive, got %s", qty.String())
	}
	mu := e.keyLock(accountID, subAccount, symbol)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.load(ctx, accountID, subAccount, symbol)
	if err != nil {
		return err
	}
	if qty.GreaterThan(p.BlockedQty) {
		return fmt.Errorf("%w: release %s > blocked %s for %s",
			ErrInsufficientAvailable, qty.String(), p.BlockedQty.String(), symbol)
	}
	p.BlockedQty = p.BlockedQty.Sub(qty)
	p.UpdatedAt = e.nowFn()
	if err := e.store.SavePosition(ctx, p); err != nil {
		return fmt.Errorf("save position %s/%s: %w", accountID, symbol, err)
	}
	e.publish(p, "release")
	return nil
}

// MarkToMarket caches the latest mark price for unrealized P&L. Marks are
// advisory: an older timestamp than the cached one is ignored, and no
// event is published since marks may arrive at arbitrary frequency.
func (e *Engine) MarkToMarket(ctx context.Context, accountID, subAccount, symbol string, mark decimal.Decimal, at time.Time) error {
	mu := e.keyLock(accountID, subAccount, symbol)
	mu.Lock()
	defer mu.Unlock()

	p, err := e.store.GetPosition(ctx, accountID, subAccount, symbol)
	if err != nil {
		if errors.Is(err, ErrPositionNotFound) {
			return nil
		}
		return err
	}
	if !p.LastMarkAt.IsZero() && at.Before(p.LastMarkAt) {
		return nil
	}
	// First mark of a new UTC day freezes yesterday's mark as the close
	// that day change measures against.
	if !p.LastMarkAt.IsZero() && !sameUTCDay(p.LastMarkAt, at) {
		p.PrevClose = p.LastMark
	}
	p.LastMark = mark
	p.LastMarkAt = at
	return e.store.SavePosition(ctx, p)
}

func sameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// Get returns the read model for one position.
func (e *Engine) Get(ctx context.Context, accountID, subAccount, symbol string) (Snapshot, error) {
	p, err := e.store.GetPosition(ctx, accountID, subAccount, symbol)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshot(e.nowFn(), e.markStaleAfter), nil
}

// List returns snapshots for every non-flat position of the account plus
// flat rows that still carry blocked quantity or realized P&L.
func (e *Engine) List(ctx context.Context, accountID string) ([]Snapshot, error) {
	rows, err := e.store.ListPositions(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := e.nowFn()
	out := make([]Snapshot, 0, len(rows))
	for _, p := range rows {
		if p.IsFlat() && p.BlockedQty.IsZero() && p.RealizedPnL.IsZero() {
			continue
		}
		out = append(out, p.snapshot(now, e.markStaleAfter))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SubAccount != out[j].SubAccount {
			return out[i].SubAccount < out[j].SubAccount
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

func (e *Engine) publish(p *Position, reason string) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		ID:        uuid.NewString(),
		Type:      events.TypePositionUpdated,
		At:        e.nowFn(),
		AccountID: p.AccountID,
		Payload: events.PositionUpdated{
			Symbol:      p.Symbol,
			SubAccount:  p.SubAccount,
			Quantity:    p.Quantity,
			AvgCost:     p.AvgCost,
			RealizedPnL: p.RealizedPnL,
			Reason:      reason,
		},
	})
}
