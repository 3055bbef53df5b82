// Package httpapi is the HTTP face of galata: order and position queries,
// order commands, and the two-phase broker login. Command handlers are
// synchronous up to the broker's acknowledgement only; fills and terminal
// transitions arrive asynchronously through reconciliation, so callers
// poll the order resource or watch notifications for completion.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"galata/internal/logger"
)

// HealthProbe contributes one named section to the /healthz payload, for
// example the breaker state or websocket feed stats.
type HealthProbe struct {
	Name string
	Fn   func() any
}

// ServerConfig carries the API server's dependencies.
type ServerConfig struct {
	Addr        string
	Orders      OrderService
	Positions   PositionReader
	Sessions    SessionService
	DefaultUser string
	Health      []HealthProbe
}

// Server hosts the REST API.
type Server struct {
	addr   string
	router *gin.Engine
}

// NewServer builds the API server and mounts all routes.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Orders == nil && cfg.Positions == nil && cfg.Sessions == nil {
		return nil, errors.New("http server requires at least one backing service")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9980"
	}
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	api := NewRouter(cfg.Orders, cfg.Positions, cfg.Sessions, cfg.DefaultUser, cfg.Health)
	api.Register(engine.Group("/api/v1"))
	engine.GET("/healthz", api.handleHealthz)

	return &Server{addr: cfg.Addr, router: engine}, nil
}

// handleHealthz answers liveness plus whatever probes were wired in.
func (r *Router) handleHealthz(c *gin.Context) {
	payload := gin.H{"status": "ok"}
	for _, p := range r.health {
		if p.Name == "" || p.Fn == nil {
			continue
		}
		payload[p.Name] = p.Fn()
	}
	c.JSON(http.StatusOK, payload)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery
		c.Next()
		dur := time.Since(start)
		status := c.Writer.Status()
		fullPath := path
		if query != "" {
			fullPath = path + "?" + query
		}
		logger.Debugf("HTTP %s %s status=%d ip=%s dur=%s", method, fullPath, status, c.ClientIP(), dur)
	}
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	if s == nil {
		return ""
	}
	return s.addr
}

// Handler exposes the mounted routes, mainly for httptest.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.router
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return nil
	}
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
