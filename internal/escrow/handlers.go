package escrow

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/validation"
)

// Settlement is a confirmed trade tied to the listing it paid for.
type Settlement struct {
	ListingID       string
	Listing         json.RawMessage
	BuyerAddress    string
	SellerAddress   string
	PriceInEth      string
	TransactionHash string
	TradeID         string
}

// RecordFunc persists a settlement and returns the purchase id.
type RecordFunc func(ctx context.Context, s Settlement) (string, error)

// Handler provides HTTP endpoints for escrow trades.
type Handler struct {
	service *Service
	record  RecordFunc
}

// NewHandler creates a new escrow handler. record may be nil.
func NewHandler(service *Service, record RecordFunc) *Handler {
	return &Handler{service: service, record: record}
}

// RegisterRoutes sets up escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/trades", h.CreateTrade)
	r.GET("/trades/target", h.GetTarget)
}

// CreateTradeRequest is the body of POST /v1/trades. ListingID and Listing
// are optional; when present a confirmed trade is recorded as a purchase.
type CreateTradeRequest struct {
	TradeRequest
	ListingID string          `json:"listingId,omitempty"`
	Listing   json.RawMessage `json:"listing,omitempty"`
}

type createTradeResponse struct {
	TradeResult
	PurchaseID string `json:"purchaseId,omitempty"`
}

// statusFor maps a trade outcome to an HTTP status.
func statusFor(r TradeResult) int {
	if r.Success {
		return http.StatusOK
	}
	switch r.Kind {
	case KindInvalidAddress, KindInvalidAmount:
		return http.StatusBadRequest
	case KindRejected, KindWrongNetwork:
		return http.StatusConflict
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindProviderTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// CreateTrade handles POST /v1/trades. The request blocks until the
// transaction is mined or the client goes away.
func (h *Handler) CreateTrade(c *gin.Context) {
	var req CreateTradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	if errs := validation.Validate(
		validation.MaxLength("listingId", req.ListingID, 256),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	ctx := c.Request.Context()
	result := h.service.CreateTrade(ctx, req.TradeRequest)
	resp := createTradeResponse{TradeResult: result}

	if result.Success && h.record != nil && req.ListingID != "" {
		id, err := h.record(ctx, Settlement{
			ListingID:       validation.SanitizeString(req.ListingID, 256),
			Listing:         req.Listing,
			BuyerAddress:    result.BuyerAddress,
			SellerAddress:   req.SellerAddress,
			PriceInEth:      req.PriceInEth.String(),
			TransactionHash: result.TransactionHash,
			TradeID:         result.TradeID,
		})
		if err != nil {
			// The trade is on chain regardless; report it and log the gap.
			logging.L(ctx).Error("failed to record purchase",
				"tx_hash", result.TransactionHash, "listing_id", req.ListingID, "error", err)
		} else {
			resp.PurchaseID = id
		}
	}

	c.JSON(statusFor(result), resp)
}

// GetTarget handles GET /v1/trades/target
func (h *Handler) GetTarget(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chainId":         h.service.ChainID().Int64(),
		"contractAddress": h.service.ContractAddress().Hex(),
	})
}
