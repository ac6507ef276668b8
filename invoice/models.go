package invoice

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record mirrors the invoices table columns the staging engine touches.
type Record struct {
	ID            string
	VendorID      string
	VendorName    string
	InvoiceNumber string
	Currency      string
	TotalAmount   decimal.Decimal
	Status        string
	LineItems     []map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Snapshot flattens the invoice into the generic payload shape the staging
// diff engine operates on. The returned map is freshly allocated on every
// call so callers may mutate it.
func (r Record) Snapshot() map[string]any {
	items := make([]any, 0, len(r.LineItems))
	for _, it := range r.LineItems {
		items = append(items, it)
	}
	return map[string]any{
		"vendor_id":      r.VendorID,
		"vendor_name":    r.VendorName,
		"invoice_number": r.InvoiceNumber,
		"currency":       r.Currency,
		"total_amount":   r.TotalAmount.String(),
		"line_items":     items,
	}
}
