// Package purchases keeps the record of confirmed escrow trades, keyed by
// listing and buyer.
package purchases

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/omnidepin/marketplace/internal/logging"
	"github.com/omnidepin/marketplace/internal/metrics"
	"github.com/omnidepin/marketplace/internal/pagination"
	"github.com/omnidepin/marketplace/internal/validation"
)

var (
	ErrPurchaseNotFound     = errors.New("purchases: purchase not found")
	ErrDuplicateTransaction = errors.New("purchases: transaction already recorded")
)

// DefaultListLimit is the page size for buyer listings.
const DefaultListLimit = 24

// MaxListLimit caps the page size for buyer listings.
const MaxListLimit = 100

// Purchase is a confirmed trade for one listing.
type Purchase struct {
	ID              string          `json:"id"`
	ListingID       string          `json:"listingId"`
	BuyerAddress    string          `json:"buyerAddress"`
	SellerAddress   string          `json:"sellerAddress"`
	PriceInEth      string          `json:"priceInEth"`
	TransactionHash string          `json:"transactionHash"`
	TradeID         string          `json:"tradeId,omitempty"`
	Listing         json.RawMessage `json:"listing,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}

// RecordRequest describes a purchase to record.
type RecordRequest struct {
	ListingID       string          `json:"listingId"`
	BuyerAddress    string          `json:"buyerAddress"`
	SellerAddress   string          `json:"sellerAddress"`
	PriceInEth      string          `json:"priceInEth"`
	TransactionHash string          `json:"transactionHash"`
	TradeID         string          `json:"tradeId"`
	Listing         json.RawMessage `json:"listing"`
}

// Validate checks the request fields.
func (r RecordRequest) Validate() validation.ValidationErrors {
	return validation.Validate(
		validation.Required("listingId", r.ListingID),
		validation.MaxLength("listingId", r.ListingID, 256),
		validation.Required("buyerAddress", r.BuyerAddress),
		validation.ValidAddress("buyerAddress", r.BuyerAddress),
		validation.Required("sellerAddress", r.SellerAddress),
		validation.ValidAddress("sellerAddress", r.SellerAddress),
		validation.Required("priceInEth", r.PriceInEth),
		validation.MaxLength("priceInEth", r.PriceInEth, 78),
		validation.Required("transactionHash", r.TransactionHash),
		validation.ValidTxHash("transactionHash", r.TransactionHash),
		validation.MaxLength("tradeId", r.TradeID, 78),
	)
}

// Store persists purchases.
type Store interface {
	Create(ctx context.Context, p *Purchase) error
	Get(ctx context.Context, id string) (*Purchase, error)
	// ListByBuyer returns up to limit purchases newest first, starting
	// after cursor when it is non-nil.
	ListByBuyer(ctx context.Context, buyerAddr string, limit int, cursor *pagination.Cursor) ([]*Purchase, error)
}

// Page is one page of a buyer's purchases.
type Page struct {
	Purchases  []*Purchase `json:"purchases"`
	Count      int         `json:"count"`
	NextCursor string      `json:"nextCursor,omitempty"`
	HasMore    bool        `json:"hasMore"`
}

// Service records and lists purchases.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a purchase service.
func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Service{store: store, logger: logger, now: time.Now}
}

// Record validates and stores a purchase. Addresses and the transaction hash
// are stored lower-case.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*Purchase, error) {
	if errs := req.Validate(); len(errs) > 0 {
		return nil, errs
	}

	p := &Purchase{
		ID:              "pur_" + uuid.NewString(),
		ListingID:       validation.SanitizeString(req.ListingID, 256),
		BuyerAddress:    validation.SanitizeAddress(req.BuyerAddress),
		SellerAddress:   validation.SanitizeAddress(req.SellerAddress),
		PriceInEth:      strings.TrimSpace(req.PriceInEth),
		TransactionHash: strings.ToLower(req.TransactionHash),
		TradeID:         req.TradeID,
		Listing:         req.Listing,
		CreatedAt:       s.now().UTC(),
	}

	if err := s.store.Create(ctx, p); err != nil {
		result := "error"
		if errors.Is(err, ErrDuplicateTransaction) {
			result = "duplicate"
		}
		metrics.PurchasesRecordedTotal.WithLabelValues(result).Inc()
		return nil, err
	}

	metrics.PurchasesRecordedTotal.WithLabelValues("recorded").Inc()
	s.logger.Info("purchase recorded",
		"purchase_id", p.ID, "listing_id", p.ListingID, "tx_hash", p.TransactionHash,
		"request_id", logging.RequestID(ctx))
	return p, nil
}

// Get returns a purchase by id.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.Get(ctx, id)
}

// ListByBuyer returns one page of the buyer's purchases, newest first.
// cursor is the NextCursor of the previous page, or "" for the first.
func (s *Service) ListByBuyer(ctx context.Context, buyerAddr string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, err
	}

	list, err := s.store.ListByBuyer(ctx, validation.SanitizeAddress(buyerAddr), limit+1, after)
	if err != nil {
		return nil, err
	}
	list, next := pagination.Trim(list, limit, func(p *Purchase) (time.Time, string) {
		return p.CreatedAt, p.ID
	})
	if list == nil {
		list = []*Purchase{}
	}
	return &Page{Purchases: list, Count: len(list), NextCursor: next, HasMore: next != ""}, nil
}
