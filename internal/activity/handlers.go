package activity

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes the audit log to admins.
type Handler struct {
	log *Log
}

func NewHandler(l *Log) *Handler {
	return &Handler{log: l}
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.List)
}

// List handles GET /v1/admin/activity?tradeId=...|actorId=...
func (h *Handler) List(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		records []*Record
		err     error
	)
	switch {
	case c.Query("tradeId") != "":
		records, err = h.log.ListByTrade(ctx, c.Query("tradeId"))
	case c.Query("actorId") != "":
		limit, _ := strconv.Atoi(c.Query("limit"))
		records, err = h.log.ListByActor(ctx, c.Query("actorId"), limit)
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "tradeId or actorId query parameter required",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load activity",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": records, "count": len(records)})
}
