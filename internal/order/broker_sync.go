package order

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"galata/internal/logger"
)

// Broker-reported state enters the machine through the methods in this
// file. Callers are the reconciliation job and the push feed, never the
// API handlers.

// MarkAccepted moves a SUBMITTED order to ACCEPTED once the broker reports
// it as working. Every other status is left alone so repeated reports stay
// harmless.
func (s *Service) MarkAccepted(ctx context.Context, orderID string) error {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusSubmitted {
		return nil
	}
	from := o.Status
	if err := o.TransitionTo(StatusAccepted, "", s.nowFn().UTC()); err != nil {
		return err
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("persisting accepted order: %w", err)
	}
	s.publishStatus(o, from, "accepted by broker")
	return nil
}

// ApplyBrokerTerminal applies a terminal outcome the broker reported
// out-of-band: a cancel through another channel, an expiry, a replacement
// or a late rejection. Already-terminal orders are left untouched.
func (s *Service) ApplyBrokerTerminal(ctx context.Context, orderID string, to Status, reason string) (*Order, error) {
	switch to {
	case StatusCancelled, StatusExpired, StatusReplaced, StatusRejected:
	default:
		return nil, fmt.Errorf("%w: %s is not a broker-reported terminal status", ErrIllegalTransition, to)
	}

	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.IsTerminal() {
		return o, nil
	}
	from := o.Status
	if err := o.TransitionTo(to, reason, s.nowFn().UTC()); err != nil {
		return nil, err
	}
	s.releaseBlock(ctx, o)
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persisting %s order: %w", to, err)
	}
	s.publishStatus(o, from, reason)
	return o, nil
}

// AdoptBrokerOrder resolves a submit whose outcome was unknown: the caller
// matched a broker-side working order to this PENDING one, so it moves to
// SUBMITTED under the discovered broker id. No-op when the id is already
// attached.
func (s *Service) AdoptBrokerOrder(ctx context.Context, orderID, brokerID string) (*Order, error) {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.BrokerID == brokerID && brokerID != "" {
		return o, nil
	}
	if o.Status != StatusPending {
		return nil, fmt.Errorf("%w: adopt only legal from PENDING, status=%s", ErrIllegalTransition, o.Status)
	}
	if o.BrokerID != "" {
		return nil, fmt.Errorf("order %s already carries broker id %s", o.ID, o.BrokerID)
	}
	from := o.Status
	if err := o.TransitionTo(StatusSubmitted, "", s.nowFn().UTC()); err != nil {
		return nil, err
	}
	o.BrokerID = brokerID
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persisting adopted order: %w", err)
	}
	s.publishStatus(o, from, "adopted from broker report")
	return o, nil
}

// CreateShadow materializes an order that exists at the broker but was
// placed outside this system. It enters directly as SUBMITTED so the
// position book stays complete when its fills arrive. Shadows never hold a
// local reservation.
func (s *Service) CreateShadow(ctx context.Context, intent Intent, brokerID string) (*Order, error) {
	if brokerID == "" {
		return nil, validationErr("brokerId", "required for shadow orders")
	}
	if intent.Symbol == "" {
		return nil, validationErr("symbol", "required")
	}
	if intent.Side != SideBuy && intent.Side != SideSell {
		return nil, validationErr("side", "must be BUY or SELL")
	}
	if intent.Quantity.Sign() <= 0 {
		return nil, validationErr("quantity", "must be > 0")
	}
	existing, err := s.store.GetOrderByBrokerID(ctx, intent.AccountID, brokerID)
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := s.nowFn().UTC()
	intent.Source = SourceBroker
	o := NewFromIntent(intent, now)
	o.BrokerID = brokerID
	if err := o.TransitionTo(StatusSubmitted, "", now); err != nil {
		return nil, err
	}
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("persisting shadow order: %w", err)
	}
	s.publishStatus(o, StatusPending, "discovered at broker")
	logger.Infof("order %s: shadow for broker order %s (%s %s %s)",
		o.ID, brokerID, o.Side, o.OriginalQty, o.Symbol)
	return o, nil
}

// FindAdoptable returns the PENDING order that an unmatched broker report
// most plausibly belongs to: same book slot, same parameters, at least one
// submit attempt and no broker id yet. Nil when nothing qualifies.
func (s *Service) FindAdoptable(ctx context.Context, accountID, subAccount, symbol string, side Side, qty decimal.Decimal) (*Order, error) {
	rows, err := s.store.ListNonTerminal(ctx, accountID)
	if err != nil {
		return nil, err
	}
	for _, o := range rows {
		if o.Status != StatusPending || o.BrokerID != "" || o.SubmitAttempts == 0 {
			continue
		}
		if o.SubAccount != subAccount || o.Symbol != symbol || o.Side != side {
			continue
		}
		if !o.OriginalQty.Equal(qty) {
			continue
		}
		return o, nil
	}
	return nil, nil
}

// SweepPending marks PENDING orders whose last submit attempt is older than
// the grace window as ERROR and reclaims their reservation. Attempt-less
// orders are parked intent and never swept.
func (s *Service) SweepPending(ctx context.Context, accountID string) error {
	rows, err := s.store.ListNonTerminal(ctx, accountID)
	if err != nil {
		return err
	}
	now := s.nowFn().UTC()
	for _, row := range rows {
		if row.Status != StatusPending || row.SubmitAttempts == 0 {
			continue
		}
		if now.Sub(row.LastSubmitAt) < s.pendingGrace {
			continue
		}
		if err := s.failPending(ctx, row.ID, "submit outcome unresolved past grace window"); err != nil {
			logger.Warnf("order %s: pending sweep failed: %v", row.ID, err)
		}
	}
	return nil
}

func (s *Service) failPending(ctx context.Context, orderID, reason string) error {
	unlock := s.lockOrder(orderID)
	defer unlock()

	o, err := s.load(ctx, orderID)
	if err != nil {
		return err
	}
	if o.Status != StatusPending {
		return nil
	}
	from := o.Status
	if err := o.TransitionTo(StatusError, reason, s.nowFn().UTC()); err != nil {
		return err
	}
	s.releaseBlock(ctx, o)
	if err := s.store.SaveOrder(ctx, o); err != nil {
		return fmt.Errorf("persisting errored order: %w", err)
	}
	s.publishStatus(o, from, reason)
	return nil
}

// ExpireOverdue marks working GTD orders whose expiry has passed as EXPIRED
// when the broker feed stayed silent about them.
func (s *Service) ExpireOverdue(ctx context.Context, accountID string) error {
	rows, err := s.store.ListNonTerminal(ctx, accountID)
	if err != nil {
		return err
	}
	now := s.nowFn().UTC()
	for _, row := range rows {
		if row.TimeInForce != TIFGTD || row.ExpiresAt == nil || !row.Status.IsActive() {
			continue
		}
		if now.Before(*row.ExpiresAt) {
			continue
		}
		if _, err := s.ApplyBrokerTerminal(ctx, row.ID, StatusExpired, "GTD expiry passed"); err != nil {
			logger.Warnf("order %s: expiry sweep failed: %v", row.ID, err)
		}
	}
	return nil
}

// GetByBrokerID looks an order up by the id the broker assigned. Nil when
// unknown.
func (s *Service) GetByBrokerID(ctx context.Context, accountID, brokerID string) (*Order, error) {
	return s.store.GetOrderByBrokerID(ctx, accountID, brokerID)
}

// ListNonTerminal returns all orders of the account still in play,
// including parked PENDING ones.
func (s *Service) ListNonTerminal(ctx context.Context, accountID string) ([]*Order, error) {
	return s.store.ListNonTerminal(ctx, accountID)
}
