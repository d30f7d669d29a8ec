package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/clearhold/clearhold/internal/accounts"
	"github.com/clearhold/clearhold/internal/auth"
	"github.com/clearhold/clearhold/internal/chain"
	"github.com/clearhold/clearhold/internal/validation"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.Create)
	r.GET("/escrows", h.List)
	r.GET("/escrows/:escrowId", h.Get)
	r.POST("/escrows/:escrowId/release", h.Release)
	r.POST("/escrows/:escrowId/refund", h.Refund)
	r.POST("/escrows/:escrowId/dispute", h.Dispute)
	r.GET("/escrows/:escrowId/transactions", h.Transactions)
}

// Create handles POST /v1/escrows
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	escrow, err := h.service.Create(c.Request.Context(), auth.AccountID(c), req)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"escrow": escrow})
}

// Get handles GET /v1/escrows/:escrowId
func (h *Handler) Get(c *gin.Context) {
	escrowID, ok := escrowIDParam(c)
	if !ok {
		return
	}

	escrow, err := h.service.Get(c.Request.Context(), escrowID, auth.AccountID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// List handles GET /v1/escrows with an optional ?status= filter.
func (h *Handler) List(c *gin.Context) {
	escrows, err := h.service.ListForAccount(c.Request.Context(), auth.AccountID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	if status := strings.ToUpper(c.Query("status")); status != "" {
		filtered := escrows[:0]
		for _, e := range escrows {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}
		escrows = filtered
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows": escrows,
		"count":   len(escrows),
	})
}

// Release handles POST /v1/escrows/:escrowId/release
func (h *Handler) Release(c *gin.Context) {
	h.settle(c, h.service.Release)
}

// Refund handles POST /v1/escrows/:escrowId/refund
func (h *Handler) Refund(c *gin.Context) {
	h.settle(c, h.service.Refund)
}

func (h *Handler) settle(c *gin.Context, op func(ctx context.Context, escrowID uint64, caller string) (*ActionResult, error)) {
	escrowID, ok := escrowIDParam(c)
	if !ok {
		return
	}

	result, err := op(c.Request.Context(), escrowID, auth.AccountID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	status := http.StatusOK
	if result.Pending {
		// Broadcast but not yet confirmed; the record settles when the
		// event is observed.
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{
		"escrow":  result.Escrow,
		"txHash":  result.TxHash,
		"pending": result.Pending,
	})
}

// Dispute handles POST /v1/escrows/:escrowId/dispute
func (h *Handler) Dispute(c *gin.Context) {
	escrowID, ok := escrowIDParam(c)
	if !ok {
		return
	}

	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Dispute reason is required",
		})
		return
	}

	escrow, err := h.service.Dispute(c.Request.Context(), escrowID, auth.AccountID(c), req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"escrow": escrow})
}

// Transactions handles GET /v1/escrows/:escrowId/transactions
func (h *Handler) Transactions(c *gin.Context) {
	escrowID, ok := escrowIDParam(c)
	if !ok {
		return
	}

	txs, err := h.service.Transactions(c.Request.Context(), escrowID, auth.AccountID(c))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"transactions": txs,
		"count":        len(txs),
	})
}

func escrowIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("escrowId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Escrow ID must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

// respondError maps service errors onto the API's status contract.
func respondError(c *gin.Context, err error) {
	var ve *validation.ValidationError
	var ves validation.ValidationErrors
	var ce *chain.CallError

	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": ve.Error()})
	case errors.As(err, &ves):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": ves.Error(), "details": ves})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrSameParty), errors.Is(err, chain.ErrInvalidAddress):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})

	case errors.Is(err, ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Not authorized for this escrow operation"})

	case errors.Is(err, ErrEscrowNotFound), errors.Is(err, accounts.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})

	case errors.Is(err, ErrInvalidStatus), errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrStateConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "state_conflict", "message": err.Error()})

	case errors.Is(err, chain.ErrPendingConfirmation):
		c.JSON(http.StatusAccepted, gin.H{"error": "pending_confirmation", "message": "Transaction broadcast, confirmation pending"})

	case errors.As(err, &ce):
		c.JSON(http.StatusBadGateway, gin.H{"error": "blockchain_error", "kind": string(ce.Kind), "message": ce.Error()})
	case errors.Is(err, chain.ErrNotInitialized):
		c.JSON(http.StatusBadGateway, gin.H{"error": "blockchain_error", "message": "Ledger gateway unavailable"})

	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Operation failed"})
	}
}
