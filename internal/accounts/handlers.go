package accounts

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/validation"
)

// KeyIssuer mints API keys for newly registered accounts.
type KeyIssuer interface {
	GenerateKey(ctx context.Context, accountID, name string) (string, *auth.APIKey, error)
}

// Handler provides HTTP endpoints for account operations.
type Handler struct {
	service *Service
	keys    KeyIssuer
}

// NewHandler creates a new account handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// SetKeyIssuer enables API key generation on registration.
func (h *Handler) SetKeyIssuer(ki KeyIssuer) {
	h.keys = ki
}

// RegisterRoutes sets up public account routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/accounts", h.Register)
	r.GET("/accounts/search", h.Search)
	r.GET("/accounts/:id", h.Get)
}

// RegisterRequest is the body of POST /v1/accounts.
type RegisterRequest struct {
	Email         string `json:"email"`
	DisplayName   string `json:"displayName"`
	WalletAddress string `json:"walletAddress"`
}

// Register handles POST /v1/accounts
func (h *Handler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	account, err := h.service.Register(c.Request.Context(), req.Email, req.DisplayName, req.WalletAddress)
	if err != nil {
		var ve *validation.ValidationError
		switch {
		case errors.As(err, &ve):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": ve.Error(),
			})
		case errors.Is(err, ErrEmailTaken), errors.Is(err, ErrAddressTaken):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "already_registered",
				"message": err.Error(),
			})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "registration_failed",
				"message": "Failed to register account",
			})
		}
		return
	}

	if h.keys == nil {
		c.JSON(http.StatusCreated, gin.H{"account": account})
		return
	}

	rawKey, keyInfo, err := h.keys.GenerateKey(c.Request.Context(), account.ID, "Primary key")
	if err != nil {
		// Account exists but has no key. Surface the problem rather than
		// silently returning an unusable account.
		c.JSON(http.StatusCreated, gin.H{
			"account": account,
			"warning": "Account registered but API key generation failed. Contact support.",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"account": account,
		"apiKey":  rawKey,
		"keyId":   keyInfo.ID,
		"warning": "Store this API key securely. It will not be shown again.",
		"usage":   "Include 'X-API-Key: <apiKey>' or 'Authorization: Bearer <apiKey>' header in requests.",
	})
}

// Get handles GET /v1/accounts/:id
func (h *Handler) Get(c *gin.Context) {
	account, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "lookup_failed",
			"message": "Failed to load account",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"account": account})
}

// Search handles GET /v1/accounts/search?q=
func (h *Handler) Search(c *gin.Context) {
	results, err := h.service.Search(c.Request.Context(), c.Query("q"))
	if err != nil {
		var ve *validation.ValidationError
		if errors.As(err, &ve) {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": ve.Error(),
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "search_failed",
			"message": "Failed to search accounts",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"accounts": results,
		"count":    len(results),
	})
}
