package profile

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/auth"
)

// Handler provides HTTP endpoints for profiles.
type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

// RegisterRoutes sets up authenticated routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/me/profile", h.GetMine)
	r.GET("/profiles/:userId", h.GetProfile)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.PUT("/profiles/:userId", h.UpsertProfile)
}

// GetMine handles GET /v1/me/profile
func (h *Handler) GetMine(c *gin.Context) {
	h.respond(c, auth.ActorID(c))
}

// GetProfile handles GET /v1/profiles/:userId
func (h *Handler) GetProfile(c *gin.Context) {
	h.respond(c, c.Param("userId"))
}

func (h *Handler) respond(c *gin.Context, userID string) {
	p, err := h.service.Get(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": p})
}

// UpsertProfile handles PUT /v1/admin/profiles/:userId
func (h *Handler) UpsertProfile(c *gin.Context) {
	var req UpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	a, err := h.service.Upsert(c.Request.Context(), c.Param("userId"), req)
	if err != nil {
		if errors.Is(err, ErrInvalidProfile) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": err.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to update profile",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"profile": a})
}
