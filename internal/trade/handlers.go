package trade

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/idgen"
	"github.com/mbd888/p2ptrade/internal/validation"
)

// Handler provides HTTP endpoints for trades.
type Handler struct {
	service *Service
}

// NewHandler creates a new trade handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/trades", h.ListMyTrades)

	trades := r.Group("/trades", validation.IDParamMiddleware(idgen.PrefixTrade))
	trades.POST("", h.CreateTrade)
	trades.GET("/:id", h.GetTrade)
	trades.POST("/:id/paid", h.MarkPaid)
	trades.POST("/:id/confirm", h.Confirm)
	trades.POST("/:id/cancel", h.Cancel)
	trades.POST("/:id/dispute", h.Dispute)
	trades.POST("/:id/messages", h.PostMessage)
}

// RegisterAdminRoutes sets up arbitration routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	trades := r.Group("/trades", validation.IDParamMiddleware(idgen.PrefixTrade))
	trades.GET("/disputes", h.ListDisputes)
	trades.GET("/:id", h.GetDetail)
	trades.POST("/:id/cancel", h.AdminCancel)
	trades.POST("/:id/resolve", h.AdminResolve)
	trades.POST("/:id/assign", h.Assign)
}

func actor(c *gin.Context) auth.Actor {
	a, _ := auth.GetActor(c)
	return a
}

func badRequest(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}

// CreateTrade handles POST /v1/trades
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.Create(c.Request.Context(), actor(c), req)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) && t != nil {
			c.JSON(http.StatusConflict, gin.H{
				"error":     "insufficient_funds",
				"message":   "Seller balance cannot cover the trade",
				"retryable": true,
				"trade":     t,
			})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"trade": t})
}

// GetTrade handles GET /v1/trades/:id
func (h *Handler) GetTrade(c *gin.Context) {
	ctx := c.Request.Context()
	t, err := h.service.Get(ctx, c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	timeline, err := h.service.Timeline(ctx, t.ID, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t, "timeline": timeline})
}

// ListMyTrades handles GET /v1/me/trades
func (h *Handler) ListMyTrades(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	trades, next, err := h.service.ListByUser(c.Request.Context(), auth.ActorID(c),
		Status(c.Query("status")), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"trades":     trades,
		"count":      len(trades),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) MarkPaid(c *gin.Context) { h.partyAction(c, h.service.MarkPaid) }
func (h *Handler) Confirm(c *gin.Context)  { h.partyAction(c, h.service.Confirm) }

// Cancel handles POST /v1/trades/:id/cancel. The reason is optional.
func (h *Handler) Cancel(c *gin.Context) {
	var req reasonRequest
	_ = c.ShouldBindJSON(&req)
	t, err := h.service.Cancel(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// Dispute handles POST /v1/trades/:id/dispute
func (h *Handler) Dispute(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.Dispute(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func (h *Handler) partyAction(c *gin.Context, fn func(context.Context, string, auth.Actor) (*Trade, error)) {
	t, err := fn(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

// PostMessage handles POST /v1/trades/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var msg Message
	if err := c.ShouldBindJSON(&msg); err != nil {
		badRequest(c)
		return
	}
	entry, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), actor(c), msg)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"entry": entry})
}

// ListDisputes handles GET /v1/admin/trades/disputes
func (h *Handler) ListDisputes(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			limit = parsed
		}
	}
	trades, err := h.service.ListDisputes(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

// GetDetail handles GET /v1/admin/trades/:id
func (h *Handler) GetDetail(c *gin.Context) {
	d, err := h.service.GetDetail(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// AdminCancel handles POST /v1/admin/trades/:id/cancel
func (h *Handler) AdminCancel(c *gin.Context) {
	var req reasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.AdminCancel(c.Request.Context(), c.Param("id"), req.Reason, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type resolveRequest struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

// AdminResolve handles POST /v1/admin/trades/:id/resolve
func (h *Handler) AdminResolve(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.AdminResolve(c.Request.Context(), c.Param("id"), req.Outcome, req.Reason, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

type assignRequest struct {
	AssigneeID string `json:"assigneeId"`
}

// Assign handles POST /v1/admin/trades/:id/assign
func (h *Handler) Assign(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c)
		return
	}
	t, err := h.service.Assign(c.Request.Context(), c.Param("id"), req.AssigneeID, actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trade": t})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	msg := "Internal error"
	retryable := false
	switch {
	case errors.Is(err, ErrTradeNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Trade not found"
	case errors.Is(err, ErrUnauthorized):
		status, code, msg = http.StatusForbidden, "forbidden", err.Error()
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrPaymentMethod),
		errors.Is(err, ErrReasonRequired), errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrInvalidOutcome), errors.Is(err, ErrAssigneeRequired),
		errors.Is(err, ErrInvalidCursor):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, ErrInvalidTransition):
		status, code, msg = http.StatusConflict, "invalid_transition", err.Error()
	case errors.Is(err, ErrOfferUnavailable):
		status, code, msg = http.StatusConflict, "offer_unavailable", err.Error()
	case errors.Is(err, ErrRequirementsNotMet):
		status, code, msg = http.StatusConflict, "requirements_not_met", err.Error()
	case errors.Is(err, ErrInsufficientFunds):
		status, code, msg, retryable = http.StatusConflict, "insufficient_funds", err.Error(), true
	case errors.Is(err, ErrConcurrentModification):
		status, code, msg, retryable = http.StatusServiceUnavailable, "conflict", "Trade was modified concurrently, retry", true
	case errors.Is(err, ErrHoldNotActive):
		status, code, msg = http.StatusConflict, "hold_not_active", err.Error()
	}
	body := gin.H{
		"error":   code,
		"message": msg,
	}
	if retryable {
		body["retryable"] = true
	}
	c.JSON(status, body)
}
