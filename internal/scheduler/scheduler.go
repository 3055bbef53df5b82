package scheduler

import (
	"context"
	"time"

	"galata/internal/logger"
)

// IntervalScheduler runs a task on a fixed cadence until its context is
// cancelled. Kick() forces an early run without disturbing the cadence;
// kicks arriving while a run is pending coalesce into one.
type IntervalScheduler struct {
	Name           string
	Interval       time.Duration
	RunImmediately bool

	ctx    context.Context
	nowFn  func() time.Time
	kickCh chan struct{}
}

func NewIntervalScheduler(ctx context.Context, name string, interval time.Duration) *IntervalScheduler {
	if ctx == nil {
		ctx = context.Background()
	}
	return &IntervalScheduler{
		Name:     name,
		Interval: interval,
		ctx:      ctx,
		nowFn:    time.Now,
		kickCh:   make(chan struct{}, 1),
	}
}

// SetNowFunc overrides the clock, for tests.
func (s *IntervalScheduler) SetNowFunc(fn func() time.Time) {
	if fn != nil {
		s.nowFn = fn
	}
}

// Kick requests an immediate run. Safe from any goroutine; a kick while
// one is already queued is dropped.
func (s *IntervalScheduler) Kick() {
	if s == nil {
		return
	}
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

// Start blocks running the task loop; callers usually invoke it in a
// goroutine (or an errgroup member).
func (s *IntervalScheduler) Start(task func()) {
	if s == nil {
		return
	}
	if task == nil {
		logger.Warnf("IntervalScheduler[%s]: task is nil, exit", s.Name)
		return
	}
	if s.Interval <= 0 {
		logger.Warnf("IntervalScheduler[%s]: invalid interval=%s, exit", s.Name, s.Interval)
		return
	}
	if s.ctx == nil {
		s.ctx = context.Background()
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}

	logger.Infof("IntervalScheduler[%s]: started interval=%s run_immediately=%v",
		s.Name, s.Interval, s.RunImmediately)

	if s.RunImmediately {
		task()
	}

	timer := time.NewTimer(s.Interval)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			logger.Infof("IntervalScheduler[%s]: ctx done, exit", s.Name)
			return
		case <-timer.C:
			task()
			timer.Reset(s.Interval)
		case <-s.kickCh:
			task()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.Interval)
		}
	}
}
