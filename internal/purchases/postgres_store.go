package purchases

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/omnidepin/marketplace/internal/pagination"
)

// uniqueViolation is the PostgreSQL error code for a unique constraint hit.
const uniqueViolation = "23505"

// PostgresStore persists purchases in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Create(ctx context.Context, pur *Purchase) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO purchases (
			id, listing_id, buyer_addr, seller_addr, price_eth,
			tx_hash, trade_id, listing, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pur.ID, pur.ListingID, pur.BuyerAddress, pur.SellerAddress, pur.PriceInEth,
		pur.TransactionHash, nullString(pur.TradeID), nullJSON(pur.Listing), pur.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateTransaction
	}
	return err
}

const purchaseColumns = `id, listing_id, buyer_addr, seller_addr, price_eth,
		       tx_hash, trade_id, listing, created_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Purchase, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)

	pur, err := scanPurchase(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPurchaseNotFound
	}
	return pur, err
}

func (p *PostgresStore) ListByBuyer(ctx context.Context, buyerAddr string, limit int, cursor *pagination.Cursor) ([]*Purchase, error) {
	query := `SELECT ` + purchaseColumns + ` FROM purchases WHERE buyer_addr = $1`
	args := []interface{}{buyerAddr, limit}
	if cursor != nil {
		query += ` AND (created_at, id) < ($3, $4)`
		args = append(args, cursor.CreatedAt, cursor.ID)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Purchase
	for rows.Next() {
		pur, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, pur)
	}
	return result, rows.Err()
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchase(s scanner) (*Purchase, error) {
	pur := &Purchase{}
	var (
		tradeID sql.NullString
		listing []byte
	)
	err := s.Scan(
		&pur.ID, &pur.ListingID, &pur.BuyerAddress, &pur.SellerAddress, &pur.PriceInEth,
		&pur.TransactionHash, &tradeID, &listing, &pur.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	pur.TradeID = tradeID.String
	if len(listing) > 0 {
		pur.Listing = listing
	}
	return pur, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullJSON(raw []byte) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
