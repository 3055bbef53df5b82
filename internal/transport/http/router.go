package httpapi

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"galata/internal/order"
	"galata/internal/position"
	"galata/internal/session"
)

// OrderService is the slice of the order service the API consumes.
type OrderService interface {
	Create(ctx context.Context, intent order.Intent) (*order.Order, error)
	Submit(ctx context.Context, orderID string) (*order.Order, error)
	Cancel(ctx context.Context, orderID string) (*order.Order, error)
	Modify(ctx context.Context, orderID string, newPrice, newQty *decimal.Decimal) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
	ListActive(ctx context.Context, accountID string) ([]*order.Order, error)
	ListRecent(ctx context.Context, accountID string, limit int) ([]*order.Order, error)
}

// PositionReader is the read side of the position engine.
type PositionReader interface {
	Get(ctx context.Context, accountID, subAccount, symbol string) (position.Snapshot, error)
	List(ctx context.Context, accountID string) ([]position.Snapshot, error)
}

// SessionService drives the two-phase broker login.
type SessionService interface {
	BeginLogin(ctx context.Context, userID, username, password string) (string, error)
	CompleteLogin(ctx context.Context, userID, otp string) error
	Logout(ctx context.Context, userID string) error
	Status(userID string) session.Status
}

// Router owns the /api/v1 handlers.
type Router struct {
	orders      OrderService
	positions   PositionReader
	sessions    SessionService
	defaultUser string
	health      []HealthProbe
}

// NewRouter wires the handlers to their backing services. Any service may
// be nil; its routes then answer 503.
func NewRouter(orders OrderService, positions PositionReader, sessions SessionService, defaultUser string, health []HealthProbe) *Router {
	return &Router{
		orders:      orders,
		positions:   positions,
		sessions:    sessions,
		defaultUser: defaultUser,
		health:      health,
	}
}

// Register mounts the API under the given group (normally /api/v1).
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.POST("/orders", r.handleCreateOrder)
	group.POST("/orders/:id/submit", r.handleSubmitOrder)
	group.POST("/orders/:id/cancel", r.handleCancelOrder)
	group.POST("/orders/:id/modify", r.handleModifyOrder)
	group.GET("/orders/:id", r.handleGetOrder)
	group.GET("/accounts/:account/orders", r.handleListOrders)
	group.GET("/accounts/:account/positions", r.handleListPositions)
	group.GET("/accounts/:account/positions/:symbol", r.handleGetPosition)

	group.POST("/auth/login", r.handleLogin)
	group.POST("/auth/otp", r.handleOTP)
	group.POST("/auth/logout", r.handleLogout)
	group.GET("/auth/session", r.handleSessionStatus)
}
