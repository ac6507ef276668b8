package invoice

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestSnapshot_FlattensInvoiceFields(t *testing.T) {
	rec := Record{
		ID:            "i1",
		VendorID:      "v1",
		VendorName:    "Acme Supplies",
		InvoiceNumber: "INV-1001",
		Currency:      "USD",
		TotalAmount:   decimal.RequireFromString("1250.50"),
		LineItems:     []map[string]any{{"description": "widgets", "amount": "1250.50"}},
	}

	snap := rec.Snapshot()
	if snap["vendor_name"] != "Acme Supplies" || snap["invoice_number"] != "INV-1001" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap["total_amount"] != "1250.5" {
		t.Fatalf("unexpected amount: %v", snap["total_amount"])
	}
	items, ok := snap["line_items"].([]any)
	if !ok || len(items) != 1 {
		t.Fatalf("unexpected line items: %v", snap["line_items"])
	}
}

func TestSnapshot_ReturnsFreshMap(t *testing.T) {
	rec := Record{VendorName: "Acme"}

	first := rec.Snapshot()
	first["vendor_name"] = "tampered"

	if rec.Snapshot()["vendor_name"] != "Acme" {
		t.Fatalf("snapshot shares state across calls")
	}
}

func TestParseAmount(t *testing.T) {
	d, err := parseAmount("99.99")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !d.Equal(decimal.RequireFromString("99.99")) {
		t.Fatalf("unexpected value: %s", d)
	}

	if _, err := parseAmount("-1.00"); err == nil {
		t.Fatalf("expected error for negative amount")
	}
	if _, err := parseAmount("not-a-number"); err == nil {
		t.Fatalf("expected error for malformed amount")
	}
}
