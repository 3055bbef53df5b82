// Package app assembles the engines into one process: storage, broker
// gateway, session manager, order and position engines, the reconcile
// loop and the HTTP API.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"galata/internal/config"
	"galata/internal/events"
	"galata/internal/gateway/algolab"
	"galata/internal/logger"
	"galata/internal/reconcile"
	"galata/internal/scheduler"
	"galata/internal/session"
	httpapi "galata/internal/transport/http"
)

// App holds the built process. Construction wires everything; Run starts
// the long-lived loops and blocks until ctx cancels or one of them fails.
type App struct {
	cfg *config.Config

	bus        *events.Bus
	sessions   *session.Manager
	reconciler *reconcile.Reconciler
	server     *httpapi.Server
	stream     *algolab.Stream

	keepAliveEvery time.Duration
	reconcileEvery time.Duration

	closers []func()

	mu            sync.Mutex
	reconcileLoop *scheduler.IntervalScheduler
}

// NewApp builds the application from config. Nothing is started yet.
func NewApp(cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)
	return buildAppWithWire(context.Background(), cfg)
}

// Run starts the HTTP server, the session keep-alive loop, the reconcile
// loop and, when configured, the websocket feed.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.shutdown()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if a.keepAliveEvery > 0 {
		keepAlive := scheduler.NewIntervalScheduler(ctx, "session-keepalive", a.keepAliveEvery)
		group.Go(func() error {
			keepAlive.Start(func() {
				if err := a.sessions.KeepAliveSweep(ctx); err != nil {
					logger.Warnf("session keep-alive sweep: %v", err)
				}
			})
			return nil
		})
	}

	if a.reconciler != nil && a.reconcileEvery > 0 {
		loop := scheduler.NewIntervalScheduler(ctx, "reconcile", a.reconcileEvery)
		loop.RunImmediately = true
		a.mu.Lock()
		a.reconcileLoop = loop
		a.mu.Unlock()
		group.Go(func() error {
			loop.Start(func() { a.reconciler.RunCycle(ctx) })
			return nil
		})
	}

	if a.stream != nil {
		group.Go(func() error {
			// The feed is an optimization; losing it must not take the
			// process down. Run only returns once ctx ends.
			_ = a.stream.Run(ctx)
			return nil
		})
	}

	logger.Infof("galata up: http=%s keepalive=%s reconcile=%s stream=%v",
		a.server.Addr(), a.keepAliveEvery, a.reconcileEvery, a.stream != nil)
	return group.Wait()
}

// kickReconcile requests an immediate poll cycle. Safe before Run and
// when the loop is disabled.
func (a *App) kickReconcile() {
	a.mu.Lock()
	loop := a.reconcileLoop
	a.mu.Unlock()
	loop.Kick()
}

func (a *App) shutdown() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
