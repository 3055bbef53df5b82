package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type otpRequest struct {
	UserID string `json:"user_id"`
	OTP    string `json:"otp"`
}

type logoutRequest struct {
	UserID string `json:"user_id"`
}

// userKey resolves the session key for a request: explicit user_id first,
// then the configured default. One broker API key serves one account, so
// most deployments never send user_id at all.
func (r *Router) userKey(raw string) string {
	if key := strings.TrimSpace(raw); key != "" {
		return key
	}
	return r.defaultUser
}

// handleLogin starts phase one of the broker login. Success means the
// broker texted an OTP to the account holder; the session sits in
// AWAITING_OTP until the code arrives at the otp endpoint.
func (r *Router) handleLogin(c *gin.Context) {
	if r.sessions == nil {
		writeUnavailable(c, "session manager not configured")
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if strings.TrimSpace(req.Username) == "" || req.Password == "" {
		c.JSON(http.StatusBadRequest, apiError{Kind: "validation", Reason: "username and password are required"})
		return
	}
	key := r.userKey(req.UserID)
	if key == "" {
		key = strings.TrimSpace(req.Username)
	}
	if _, err := r.sessions.BeginLogin(c.Request.Context(), key, strings.TrimSpace(req.Username), req.Password); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.sessions.Status(key))
}

// handleOTP completes the login with the texted code. Only legal while the
// session is AWAITING_OTP and inside the validity window; after expiry the
// caller starts over at login.
func (r *Router) handleOTP(c *gin.Context) {
	if r.sessions == nil {
		writeUnavailable(c, "session manager not configured")
		return
	}
	var req otpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBindError(c, err)
		return
	}
	if strings.TrimSpace(req.OTP) == "" {
		c.JSON(http.StatusBadRequest, apiError{Kind: "validation", Reason: "otp is required"})
		return
	}
	key := r.userKey(req.UserID)
	if err := r.sessions.CompleteLogin(c.Request.Context(), key, strings.TrimSpace(req.OTP)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.sessions.Status(key))
}

func (r *Router) handleLogout(c *gin.Context) {
	if r.sessions == nil {
		writeUnavailable(c, "session manager not configured")
		return
	}
	var req logoutRequest
	// Body is optional; an empty logout targets the default user.
	_ = c.ShouldBindJSON(&req)
	key := r.userKey(req.UserID)
	if err := r.sessions.Logout(c.Request.Context(), key); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, r.sessions.Status(key))
}

func (r *Router) handleSessionStatus(c *gin.Context) {
	if r.sessions == nil {
		writeUnavailable(c, "session manager not configured")
		return
	}
	key := r.userKey(c.Query("user_id"))
	c.JSON(http.StatusOK, r.sessions.Status(key))
}
