package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested invoice does not exist.
	ErrNotFound = errors.New("invoice: not found")
	// ErrDuplicate signals a second invoice for the same vendor and number.
	ErrDuplicate = errors.New("invoice: duplicate vendor invoice number")
)

// Repository provides access to invoice rows.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// CreateParams enumerates the required fields to insert a new invoice.
type CreateParams struct {
	VendorID      string
	VendorName    string
	InvoiceNumber string
	Currency      string
	TotalAmount   string
	LineItems     []map[string]any
}

// GetByID fetches an invoice by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	const query = `
		SELECT id, vendor_id, vendor_name, invoice_number, currency, total_amount::text, status, line_items, created_at, updated_at
		FROM invoices
		WHERE id = $1
	`

	var (
		rec    Record
		amount string
		items  []byte
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.VendorID,
		&rec.VendorName,
		&rec.InvoiceNumber,
		&rec.Currency,
		&amount,
		&rec.Status,
		&items,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("invoice: query by id: %w", err)
	}

	if rec.TotalAmount, err = parseAmount(amount); err != nil {
		return Record{}, err
	}
	if len(items) > 0 {
		if err := json.Unmarshal(items, &rec.LineItems); err != nil {
			return Record{}, fmt.Errorf("invoice: decode line items: %w", err)
		}
	}
	return rec, nil
}

// Create inserts a new invoice row and returns it.
func (r *Repository) Create(ctx context.Context, params CreateParams) (Record, error) {
	if params.VendorID == "" || params.InvoiceNumber == "" {
		return Record{}, fmt.Errorf("invoice: vendor id and invoice number required")
	}
	currency := params.Currency
	if currency == "" {
		currency = "USD"
	}
	items, err := json.Marshal(params.LineItems)
	if err != nil {
		return Record{}, fmt.Errorf("invoice: marshal line items: %w", err)
	}

	const query = `
		INSERT INTO invoices (vendor_id, vendor_name, invoice_number, currency, total_amount, line_items)
		VALUES ($1, $2, $3, $4, $5::numeric, $6::jsonb)
		RETURNING id, status, created_at, updated_at
	`

	rec := Record{
		VendorID:      params.VendorID,
		VendorName:    params.VendorName,
		InvoiceNumber: params.InvoiceNumber,
		Currency:      currency,
		LineItems:     params.LineItems,
	}
	amount := params.TotalAmount
	if amount == "" {
		amount = "0"
	}
	if rec.TotalAmount, err = parseAmount(amount); err != nil {
		return Record{}, err
	}

	if err := r.pool.QueryRow(ctx, query,
		params.VendorID,
		params.VendorName,
		params.InvoiceNumber,
		currency,
		amount,
		items,
	).Scan(&rec.ID, &rec.Status, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("invoice: insert: %w", err)
	}
	return rec, nil
}
