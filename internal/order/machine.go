package order

import (
	"fmt"
	"time"
)

// legalTransitions is the full status graph. A fill report may precede the
// broker's explicit accept, so SUBMITTED admits the fill states directly.
var legalTransitions = map[Status][]Status{
	StatusPending:         {StatusSubmitted, StatusRejected, StatusError},
	StatusSubmitted:       {StatusAccepted, StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusReplaced, StatusExpired, StatusRejected, StatusError},
	StatusAccepted:        {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusReplaced, StatusExpired, StatusError},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusReplaced, StatusExpired, StatusError},
}

func canTransition(from, to Status) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionTo moves the order to a new status, enforcing terminal
// immutability and the status graph. reason is recorded for terminal
// transitions so callers can see why an order ended.
func (o *Order) TransitionTo(to Status, reason string, now time.Time) error {
	if o.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is terminal, refusing %s", ErrTerminalState, o.Status, to)
	}
	if !canTransition(o.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, o.Status, to)
	}
	o.Status = to
	if reason != "" {
		o.Reason = reason
	}
	o.UpdatedAt = now
	return nil
}

// ApplyFill records one execution. It is idempotent on the broker execution
// id and commutative: re-applying the same set of fills in any order yields
// identical filled quantity, average price and status. Returns false when
// the execution was already known.
func (o *Order) ApplyFill(exec Execution, now time.Time) (bool, error) {
	if exec.BrokerExecID == "" {
		return false, fmt.Errorf("execution missing broker execution id")
	}
	if o.HasExecution(exec.BrokerExecID) {
		return false, nil
	}
	if o.Status.IsTerminal() {
		return false, fmt.Errorf("%w: fill %s arrived for %s order", ErrTerminalState, exec.BrokerExecID, o.Status)
	}
	if exec.Quantity.Sign() <= 0 {
		return false, fmt.Errorf("execution %s has non-positive quantity", exec.BrokerExecID)
	}
	if exec.Quantity.GreaterThan(o.RemainingQty) {
		return false, fmt.Errorf("%w: exec=%s qty=%s remaining=%s",
			ErrFillExceedsRemaining, exec.BrokerExecID, exec.Quantity, o.RemainingQty)
	}

	// Quantity-weighted mean keeps the average independent of arrival order.
	newFilled := o.FilledQty.Add(exec.Quantity)
	o.AvgFillPrice = o.AvgFillPrice.Mul(o.FilledQty).
		Add(exec.Price.Mul(exec.Quantity)).
		Div(newFilled)
	o.FilledQty = newFilled
	o.RemainingQty = o.OriginalQty.Sub(o.FilledQty)
	o.LastFillPrice = exec.Price
	o.LastFillAt = exec.ExecutedAt
	o.Executions = append(o.Executions, exec)

	next := StatusPartiallyFilled
	if o.RemainingQty.IsZero() {
		next = StatusFilled
	}
	if err := o.TransitionTo(next, "", now); err != nil {
		return false, err
	}
	return true, nil
}

// validateIntent applies the per-kind field rules before an order is built.
func validateIntent(intent Intent, now time.Time) error {
	if intent.AccountID == "" {
		return validationErr("accountId", "required")
	}
	if intent.Symbol == "" {
		return validationErr("symbol", "required")
	}
	if intent.Side != SideBuy && intent.Side != SideSell {
		return validationErr("side", "must be BUY or SELL")
	}
	if !intent.Kind.Valid() {
		return validationErr("kind", fmt.Sprintf("unknown order kind %q", intent.Kind))
	}
	if !intent.TimeInForce.Valid() {
		return validationErr("timeInForce", fmt.Sprintf("unknown time-in-force %q", intent.TimeInForce))
	}
	if intent.Quantity.Sign() <= 0 {
		return validationErr("quantity", "must be > 0")
	}
	if intent.Kind.RequiresLimitPrice() && intent.LimitPrice.Sign() <= 0 {
		return validationErr("limitPrice", fmt.Sprintf("%s orders require limitPrice > 0", intent.Kind))
	}
	if !intent.Kind.RequiresLimitPrice() && intent.LimitPrice.Sign() > 0 {
		return validationErr("limitPrice", fmt.Sprintf("%s orders must not carry a limit price", intent.Kind))
	}
	if intent.Kind.RequiresStopPrice() && intent.StopPrice.Sign() <= 0 {
		return validationErr("stopPrice", fmt.Sprintf("%s orders require stopPrice > 0", intent.Kind))
	}
	if intent.TimeInForce == TIFGTD {
		if intent.ExpiresAt == nil {
			return validationErr("expiresAt", "GTD orders require an expiry")
		}
		if !intent.ExpiresAt.After(now) {
			return validationErr("expiresAt", "GTD expiry must be in the future")
		}
	}
	if intent.TimeInForce != TIFGTD && intent.ExpiresAt != nil {
		return validationErr("expiresAt", "expiry is only valid with GTD")
	}
	return nil
}
