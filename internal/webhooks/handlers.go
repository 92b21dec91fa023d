package webhooks

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up routes for the authenticated user's webhooks.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks", h.CreateWebhook)
	r.GET("/me/webhooks", h.ListWebhooks)
	r.DELETE("/webhooks/:id", validation.IDParamMiddleware(idgen.PrefixWebhook), h.DeleteWebhook)
}

// CreateRequest registers an endpoint. Omitting events subscribes to all.
type CreateRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events"`
}

// CreateWebhook handles POST /v1/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	sub, err := h.manager.Subscribe(c.Request.Context(), auth.ActorID(c), req.URL, req.Events)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  sub.Secret,
		"usage": gin.H{
			"header":    HeaderSignature,
			"signature": "hex HMAC-SHA256 of \"<" + HeaderTimestamp + ">.<body>\" keyed by secret",
		},
	})
}

// ListWebhooks handles GET /v1/me/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.manager.List(c.Request.Context(), auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

// DeleteWebhook handles DELETE /v1/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	if err := h.manager.Unsubscribe(c.Request.Context(), auth.ActorID(c), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	case errors.Is(err, ErrInvalidURL):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
	case errors.Is(err, ErrInvalidEvents):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_events", "message": err.Error()})
	case errors.Is(err, ErrLimitReached):
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Webhook operation failed"})
	}
}
