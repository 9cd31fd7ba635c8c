package purchases

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/pagination"
	"github.com/omnidepin/marketplace/internal/validation"
)

// Handler provides HTTP endpoints for purchases.
type Handler struct {
	service *Service
}

// NewHandler creates a new purchase handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up purchase routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/purchases", h.RecordPurchase)
	r.GET("/purchases/:id", h.GetPurchase)
	r.GET("/buyers/:address/purchases", validation.AddressParamMiddleware(), h.ListPurchases)
}

// RecordPurchase handles POST /v1/purchases
func (h *Handler) RecordPurchase(c *gin.Context) {
	var req RecordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := h.service.Record(c.Request.Context(), req)
	if err != nil {
		var verrs validation.ValidationErrors
		switch {
		case errors.As(err, &verrs):
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "validation_error",
				"message": verrs.Error(),
				"details": verrs,
			})
		case errors.Is(err, ErrDuplicateTransaction):
			c.JSON(http.StatusConflict, gin.H{
				"error":   "duplicate_transaction",
				"message": "Transaction already recorded",
			})
		default:
			logging.L(c.Request.Context()).Error("failed to record purchase", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{
				"error":   "internal_error",
				"message": "Failed to record purchase",
			})
		}
		return
	}

	c.JSON(http.StatusCreated, gin.H{"purchase": p})
}

// GetPurchase handles GET /v1/purchases/:id
func (h *Handler) GetPurchase(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrPurchaseNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Purchase not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"purchase": p})
}

// ListPurchases handles GET /v1/buyers/:address/purchases?limit=&cursor=
func (h *Handler) ListPurchases(c *gin.Context) {
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	page, err := h.service.ListByBuyer(c.Request.Context(), c.Param("address"), limit, c.Query("cursor"))
	if errors.Is(err, pagination.ErrInvalidCursor) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "Cursor is malformed",
		})
		return
	}
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list purchases", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list purchases",
		})
		return
	}

	c.JSON(http.StatusOK, page)
}
