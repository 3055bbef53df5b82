package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"galata/internal/config"
	"galata/internal/events"
	"galata/internal/gateway/algolab"
	"galata/internal/gateway/notifier"
	"galata/internal/instrument"
	"galata/internal/logger"
	"galata/internal/order"
	"galata/internal/position"
	"galata/internal/reconcile"
	"galata/internal/session"
	"galata/internal/store/gormstore"
	"galata/internal/store/journal"
	httpapi "galata/internal/transport/http"
)

// AppBuilder constructs an App. The function fields exist so tests can
// swap a stage for a fake without touching the wiring of the rest.
type AppBuilder struct {
	cfg *config.Config

	storeFn   func(path string) (*gormstore.GormStore, error)
	journalFn func(path string) (*journal.Store, error)
	catalogFn func(cfg config.InstrumentsConfig) (*instrument.Catalog, error)
	clientFn  func(cfg config.BrokerConfig, creds algolab.CredentialSource) (*algolab.Client, error)
	serverFn  func(cfg httpapi.ServerConfig) (*httpapi.Server, error)
}

type AppBuilderOption func(*AppBuilder)

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:       cfg,
		storeFn:   gormstore.NewGormStore,
		journalFn: journal.NewStore,
		catalogFn: buildCatalog,
		clientFn:  algolab.NewClient,
		serverFn:  httpapi.NewServer,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func buildCatalog(cfg config.InstrumentsConfig) (*instrument.Catalog, error) {
	if cfg.Watch {
		return instrument.NewCatalog(cfg.CatalogPath)
	}
	return instrument.NewStaticCatalog(cfg.CatalogPath)
}

// credsRef defers credential lookups to the session manager, which is
// built after the broker client. The client only calls Snapshot at
// request time, so the late binding is safe.
type credsRef struct {
	m *session.Manager
}

func (c *credsRef) Snapshot(userID string) (session.Credentials, bool) {
	if c.m == nil {
		return session.Credentials{}, false
	}
	return c.m.Snapshot(userID)
}

// Build wires the full dependency graph and returns the App ready to Run.
func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := b.cfg
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	a := &App{cfg: cfg}

	store, err := b.storeFn(cfg.App.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	a.closers = append(a.closers, func() {
		if cerr := store.Close(); cerr != nil {
			logger.Warnf("closing store: %v", cerr)
		}
	})

	bus := events.NewBus()
	a.bus = bus
	a.closers = append(a.closers, bus.Close)

	jstore, err := b.journalFn(cfg.App.JournalPath)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	jstore.Attach(bus)
	a.closers = append(a.closers, func() {
		if cerr := jstore.Close(); cerr != nil {
			logger.Warnf("closing journal: %v", cerr)
		}
	})

	creds := &credsRef{}
	client, err := b.clientFn(cfg.Broker, creds)
	if err != nil {
		return nil, fmt.Errorf("building broker client: %w", err)
	}

	sessions := session.NewManager(session.ManagerParams{
		Store:       store,
		Client:      client,
		Bus:         bus,
		OTPTTL:      time.Duration(cfg.Session.OtpTTLSeconds) * time.Second,
		TokenTTL:    time.Duration(cfg.Session.TokenTTLHours) * time.Hour,
		RetryBudget: cfg.Session.KeepAliveRetryBudget,
	})
	creds.m = sessions
	a.sessions = sessions
	a.keepAliveEvery = time.Duration(cfg.Session.KeepAliveIntervalSeconds) * time.Second

	positions := position.NewEngine(position.EngineParams{
		Store:          store,
		Bus:            bus,
		AllowShort:     cfg.Trading.AllowShort,
		MarkStaleAfter: time.Duration(cfg.Trading.StaleMarkSeconds) * time.Second,
	})

	var guard order.InstrumentGuard
	var catalog *instrument.Catalog
	if strings.TrimSpace(cfg.Instruments.CatalogPath) != "" {
		catalog, err = b.catalogFn(cfg.Instruments)
		if err != nil {
			return nil, fmt.Errorf("loading instrument catalog: %w", err)
		}
		guard = catalog
	}

	orders, err := order.NewService(order.ServiceParams{
		Store:          store,
		Positions:      positions,
		Broker:         algolab.NewOrderGateway(client),
		Bus:            bus,
		Guard:          guard,
		ModifyStrategy: cfg.Trading.ModifyStrategy,
		PendingGrace:   time.Duration(cfg.Trading.PendingGraceSeconds) * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("building order service: %w", err)
	}

	if cfg.Reconcile.Enabled {
		a.reconciler = reconcile.New(reconcile.Params{
			Feed:     client,
			Sessions: sessions,
			Orders:   orders,
			Marks:    positions,
		})
		a.reconcileEvery = time.Duration(cfg.Reconcile.IntervalSeconds) * time.Second
	}

	if cfg.Notify.Telegram.Enabled {
		tg := notifier.NewTelegram(cfg.Notify.Telegram.BotToken, cfg.Notify.Telegram.ChatID)
		notifier.NewRelay(tg).Attach(bus)
	}

	user := cfg.Session.UserID
	if cfg.Broker.WSEnabled && strings.TrimSpace(cfg.Broker.WSURL) != "" {
		stream, serr := algolab.NewStream(algolab.StreamParams{
			Config:    cfg.Broker,
			UserID:    user,
			Creds:     sessions,
			SymbolsFn: watchedSymbols(user, positions, orders),
			OnTick:    markFromTick(user, positions),
			OnOrder: func(reason string) {
				logger.Debugf("[stream] %s, kicking reconcile", reason)
				a.kickReconcile()
			},
		})
		if serr != nil {
			return nil, fmt.Errorf("building broker stream: %w", serr)
		}
		a.stream = stream
	}

	if err := sessions.RestoreAll(ctx); err != nil {
		logger.Warnf("restoring persisted sessions: %v", err)
	}

	probes := []httpapi.HealthProbe{
		{Name: "breaker", Fn: func() any { return client.Breaker().State().String() }},
		{Name: "session", Fn: func() any { return sessions.Status(user) }},
	}
	if catalog != nil {
		probes = append(probes, httpapi.HealthProbe{Name: "catalog", Fn: func() any {
			return map[string]any{"symbols": len(catalog.Symbols()), "version": catalog.Version()}
		}})
	}
	if a.stream != nil {
		stream := a.stream
		probes = append(probes, httpapi.HealthProbe{Name: "stream", Fn: func() any { return stream.Stats() }})
	}

	server, err := b.serverFn(httpapi.ServerConfig{
		Addr:        cfg.App.HTTPAddr,
		Orders:      orders,
		Positions:   positions,
		Sessions:    sessions,
		DefaultUser: user,
		Health:      probes,
	})
	if err != nil {
		return nil, fmt.Errorf("building http server: %w", err)
	}
	a.server = server

	return a, nil
}

// watchedSymbols names what the stream should subscribe to: symbols with
// an open position or a live order. Empty means the stream subscribes to
// everything.
func watchedSymbols(user string, positions *position.Engine, orders *order.Service) func() []string {
	return func() []string {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		set := make(map[string]struct{})
		if rows, err := positions.List(ctx, user); err == nil {
			for _, p := range rows {
				set[strings.ToUpper(p.Symbol)] = struct{}{}
			}
		}
		if rows, err := orders.ListActive(ctx, user); err == nil {
			for _, o := range rows {
				set[strings.ToUpper(o.Symbol)] = struct{}{}
			}
		}
		out := make([]string, 0, len(set))
		for s := range set {
			out = append(out, s)
		}
		sort.Strings(out)
		return out
	}
}

// markFromTick feeds stream trades into the position engine as mark
// updates for every sub account holding the symbol.
func markFromTick(user string, positions *position.Engine) func(symbol string, price decimal.Decimal, at time.Time) {
	return func(symbol string, price decimal.Decimal, at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rows, err := positions.List(ctx, user)
		if err != nil {
			logger.Debugf("tick %s: listing positions: %v", symbol, err)
			return
		}
		for _, p := range rows {
			if !strings.EqualFold(p.Symbol, symbol) {
				continue
			}
			if err := positions.MarkToMarket(ctx, p.AccountID, p.SubAccount, p.Symbol, price, at); err != nil {
				logger.Debugf("tick %s: mark failed: %v", symbol, err)
			}
		}
	}
}
