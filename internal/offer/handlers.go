package offer

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/auth"
)

// Handler provides HTTP endpoints for offers.
type Handler struct {
	service *Service
}

// NewHandler creates a new offer handler
func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterPublicRoutes sets up unauthenticated read routes.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.GET("/offers", h.ListOffers)
	r.GET("/offers/:id", h.GetOffer)
}

// RegisterRoutes sets up routes that require an authenticated user.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.CreateOffer)
	r.PATCH("/offers/:id", h.UpdateOffer)
	r.DELETE("/offers/:id", h.DeleteOffer)
	r.POST("/offers/:id/publish", h.PublishOffer)
	r.POST("/offers/:id/pause", h.PauseOffer)
	r.POST("/offers/:id/activate", h.ActivateOffer)
	r.POST("/offers/:id/close", h.CloseOffer)
	r.GET("/me/offers", h.ListMyOffers)
}

// RegisterAdminRoutes sets up offer review routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/offers/:id/approve", h.ApproveOffer)
	r.POST("/offers/:id/reject", h.RejectOffer)
}

// CreateOffer handles POST /v1/offers
func (h *Handler) CreateOffer(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Create(c.Request.Context(), auth.ActorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"offer": o})
}

// GetOffer handles GET /v1/offers/:id
func (h *Handler) GetOffer(c *gin.Context) {
	o, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ListOffers handles GET /v1/offers
func (h *Handler) ListOffers(c *gin.Context) {
	f := Filter{
		Type:          Type(c.Query("type")),
		Currency:      c.Query("currency"),
		PriceCurrency: c.Query("priceCurrency"),
		PaymentMethod: c.Query("paymentMethod"),
	}
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil {
			f.Limit = parsed
		}
	}
	offers, err := h.service.ListActive(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// ListMyOffers handles GET /v1/me/offers
func (h *Handler) ListMyOffers(c *gin.Context) {
	offers, err := h.service.ListByUser(c.Request.Context(), auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"offers": offers,
		"count":  len(offers),
	})
}

// UpdateOffer handles PATCH /v1/offers/:id
func (h *Handler) UpdateOffer(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.ActorID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// DeleteOffer handles DELETE /v1/offers/:id
func (h *Handler) DeleteOffer(c *gin.Context) {
	if err := h.service.Delete(c.Request.Context(), c.Param("id"), auth.ActorID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) PublishOffer(c *gin.Context)  { h.ownerAction(c, h.service.Publish) }
func (h *Handler) PauseOffer(c *gin.Context)    { h.ownerAction(c, h.service.Pause) }
func (h *Handler) ActivateOffer(c *gin.Context) { h.ownerAction(c, h.service.Activate) }
func (h *Handler) CloseOffer(c *gin.Context)    { h.ownerAction(c, h.service.Close) }

func (h *Handler) ownerAction(c *gin.Context, fn func(context.Context, string, string) (*Offer, error)) {
	o, err := fn(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

// ApproveOffer handles POST /v1/admin/offers/:id/approve
func (h *Handler) ApproveOffer(c *gin.Context) {
	o, err := h.service.Approve(c.Request.Context(), c.Param("id"), auth.ActorID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

type rejectRequest struct {
	Reason string `json:"reason"`
}

// RejectOffer handles POST /v1/admin/offers/:id/reject
func (h *Handler) RejectOffer(c *gin.Context) {
	var req rejectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	o, err := h.service.Reject(c.Request.Context(), c.Param("id"), auth.ActorID(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"offer": o})
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	msg := "Internal error"
	switch {
	case errors.Is(err, ErrOfferNotFound):
		status, code, msg = http.StatusNotFound, "not_found", "Offer not found"
	case errors.Is(err, ErrNotOwner):
		status, code, msg = http.StatusForbidden, "forbidden", "Not the offer owner"
	case errors.Is(err, ErrValidation):
		status, code, msg = http.StatusBadRequest, "validation_error", err.Error()
	case errors.Is(err, ErrPriceUnavailable):
		status, code, msg = http.StatusServiceUnavailable, "price_unavailable", err.Error()
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotEditable):
		status, code, msg = http.StatusConflict, "invalid_state", err.Error()
	case errors.Is(err, ErrTradesInFlight):
		status, code, msg = http.StatusConflict, "trades_in_flight", "Offer has trades in progress"
	case errors.Is(err, ErrConflict):
		status, code, msg = http.StatusConflict, "conflict", "Offer was modified concurrently, retry"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": msg,
	})
}
