package ledger

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/p2ptrade/internal/auth"
	"github.com/mbd888/p2ptrade/internal/money"
	"github.com/mbd888/p2ptrade/internal/validation"
)

// Handler provides HTTP endpoints for balances and holds.
type Handler struct {
	manager *Manager
}

// NewHandler creates a new ledger handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes sets up authenticated user routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/balances", h.ListBalances)
	r.GET("/transactions", h.ListTransactions)
}

// RegisterAdminRoutes sets up admin-only routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.POST("/deposits", h.Deposit)
	r.GET("/holds/:id", h.GetHold)
	r.GET("/users/:userId/balances", h.ListUserBalances)
}

// ListBalances handles GET /v1/balances
func (h *Handler) ListBalances(c *gin.Context) {
	h.listBalances(c, auth.ActorID(c))
}

// ListUserBalances handles GET /v1/admin/users/:userId/balances
func (h *Handler) ListUserBalances(c *gin.Context) {
	h.listBalances(c, c.Param("userId"))
}

func (h *Handler) listBalances(c *gin.Context, userID string) {
	balances, err := h.manager.ListBalances(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load balances",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"balances": balances,
		"count":    len(balances),
	})
}

// ListTransactions handles GET /v1/transactions
func (h *Handler) ListTransactions(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}

	txs, err := h.manager.ListTransactions(c.Request.Context(), auth.ActorID(c), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load transactions",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

type depositRequest struct {
	UserID     string `json:"userId"`
	Currency   string `json:"currency"`
	WalletType string `json:"walletType"`
	Amount     string `json:"amount"`
	Reference  string `json:"reference"`
}

// Deposit handles POST /v1/admin/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req depositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	wallet := strings.ToUpper(req.WalletType)
	if errs := validation.Validate(
		validation.Required("userId", req.UserID),
		validation.Required("currency", req.Currency),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("walletType", wallet, string(WalletFiat), string(WalletSpot), string(WalletFunding)),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}
	if wallet == "" {
		wallet = string(WalletFunding)
	}
	amount, _ := money.ParsePositive(req.Amount)

	bal, err := h.manager.Deposit(c.Request.Context(), DepositRequest{
		UserID:     req.UserID,
		Currency:   strings.ToUpper(req.Currency),
		WalletType: WalletType(wallet),
		Amount:     amount,
		Reference:  req.Reference,
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateDeposit) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_deposit",
				"message": "Deposit reference already processed",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to record deposit",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"balance": bal})
}

// GetHold handles GET /v1/admin/holds/:id
func (h *Handler) GetHold(c *gin.Context) {
	hold, err := h.manager.GetHold(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrHoldNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Hold not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load hold",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hold": hold})
}
