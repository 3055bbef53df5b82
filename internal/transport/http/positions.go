package httpapi

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// handleListPositions returns every open position of the account plus flat
// rows that still hold blocked quantity or realized P&L.
func (r *Router) handleListPositions(c *gin.Context) {
	if r.positions == nil {
		writeUnavailable(c, "position engine not configured")
		return
	}
	rows, err := r.positions.List(c.Request.Context(), c.Param("account"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": rows})
}

// handleGetPosition returns one position. Sub accounts are addressed with
// ?sub=; without it the account-level book is meant.
func (r *Router) handleGetPosition(c *gin.Context) {
	if r.positions == nil {
		writeUnavailable(c, "position engine not configured")
		return
	}
	symbol := strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
	snap, err := r.positions.Get(c.Request.Context(), c.Param("account"), c.Query("sub"), symbol)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
