package circuit

import (
	"sync"
	"time"

	"galata/internal/logger"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreaker tracks the outcome of the last `window` calls in a ring
// buffer and opens when the failure ratio over a full window reaches
// `ratio`. While open it rejects calls until `cooldown` elapses, then
// half-opens and admits a single probe: probe success closes the breaker
// and clears the window, probe failure re-opens it.
type CircuitBreaker struct {
	mu            sync.Mutex
	state         State
	name          string
	window        []bool // true = failure
	idx           int
	filled        int
	ratio         float64
	cooldown      time.Duration
	openedAt      time.Time
	probeInFlight bool
	nowFn         func() time.Time
	onStateChange func(name string, from, to State)
}

func NewCircuitBreaker(name string, window int, ratio float64, cooldown time.Duration) *CircuitBreaker {
	if window < 2 {
		window = 2
	}
	if ratio <= 0 || ratio > 1 {
		ratio = 0.5
	}
	return &CircuitBreaker{
		name:     name,
		state:    StateClosed,
		window:   make([]bool, window),
		ratio:    ratio,
		cooldown: cooldown,
		nowFn:    time.Now,
	}
}

func (cb *CircuitBreaker) SetStateChangeHandler(handler func(name string, from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = handler
}

// SetNowFunc overrides the clock, for tests.
func (cb *CircuitBreaker) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	cb.mu.Lock()
	cb.nowFn = fn
	cb.mu.Unlock()
}

// Allow reports whether a call may proceed. In half-open state only one
// probe is admitted at a time; the caller must follow up with
// RecordSuccess or RecordFailure.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFn().Sub(cb.openedAt) >= cb.cooldown {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.reset()
		cb.transition(StateClosed)
		return
	}
	cb.record(false)
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.probeInFlight = false
		cb.openedAt = cb.nowFn()
		cb.transition(StateOpen)
		return
	}
	cb.record(true)
	if cb.state == StateClosed && cb.filled == len(cb.window) && cb.failureRatio() >= cb.ratio {
		cb.openedAt = cb.nowFn()
		cb.transition(StateOpen)
	}
}

// State returns the current state without admitting a call.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) record(failure bool) {
	cb.window[cb.idx] = failure
	cb.idx = (cb.idx + 1) % len(cb.window)
	if cb.filled < len(cb.window) {
		cb.filled++
	}
}

func (cb *CircuitBreaker) failureRatio() float64 {
	if cb.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < cb.filled; i++ {
		if cb.window[i] {
			failures++
		}
	}
	return float64(failures) / float64(cb.filled)
}

func (cb *CircuitBreaker) reset() {
	for i := range cb.window {
		cb.window[i] = false
	}
	cb.idx = 0
	cb.filled = 0
}

func (cb *CircuitBreaker) transition(to State) {
	from := cb.state
	cb.state = to
	if cb.onStateChange != nil {
		go cb.onStateChange(cb.name, from, to)
	} else {
		logger.Warnf("CircuitBreaker %s state change: %s -> %s (window=%d, ratio=%.2f, cooldown=%s)",
			cb.name, from, to, len(cb.window), cb.ratio, cb.cooldown)
	}
}
