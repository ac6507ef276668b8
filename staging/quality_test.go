package staging

import (
	"strings"
	"testing"
)

func TestPenaltyScorer_FullScoreForCompleteConsistentData(t *testing.T) {
	original := map[string]any{
		"vendor_name":    "Acme",
		"invoice_number": "INV-1",
		"total_amount":   "1250.00",
		"currency":       "USD",
	}
	score, findings := NewPenaltyScorer().Score(original, original)
	if score != 100 {
		t.Errorf("expected score 100, got %d", score)
	}
	if len(findings) != 0 {
		t.Errorf("expected no findings, got %v", findings)
	}
}

func TestPenaltyScorer_PenalizesMissingRequiredFields(t *testing.T) {
	original := map[string]any{
		"vendor_name":    "Acme",
		"invoice_number": "INV-1",
		"total_amount":   "1250.00",
		"currency":       "USD",
	}
	prepared := map[string]any{
		"vendor_name":  "Acme",
		"total_amount": "1250.00",
		"currency":     "USD",
	}

	score, findings := NewPenaltyScorer().Score(prepared, original)
	if score >= 100 {
		t.Errorf("expected penalized score, got %d", score)
	}
	if len(findings) != 1 || !strings.Contains(findings[0], "invoice_number") {
		t.Errorf("expected invoice_number finding, got %v", findings)
	}
}

func TestPenaltyScorer_NumericRepresentationsCountAsConsistent(t *testing.T) {
	original := map[string]any{
		"vendor_name":    "Acme",
		"invoice_number": "INV-1",
		"total_amount":   "1250.00",
		"currency":       "USD",
	}
	prepared := map[string]any{
		"vendor_name":    "Acme",
		"invoice_number": "INV-1",
		"total_amount":   1250.0,
		"currency":       "USD",
	}

	score, _ := NewPenaltyScorer().Score(prepared, original)
	if score != 100 {
		t.Errorf("expected numeric equivalence to keep score 100, got %d", score)
	}
}

func TestPenaltyScorer_InconsistencyWeighsScoreDown(t *testing.T) {
	original := map[string]any{
		"vendor_name":    "Acme",
		"invoice_number": "INV-1",
		"total_amount":   "1250.00",
		"currency":       "USD",
	}
	prepared := map[string]any{
		"vendor_name":    "Other Vendor",
		"invoice_number": "INV-9",
		"total_amount":   "9999.99",
		"currency":       "EUR",
	}

	score, _ := NewPenaltyScorer().Score(prepared, original)
	if score != 50 {
		t.Errorf("expected fully inconsistent data to halve the score, got %d", score)
	}
}

func TestValidateFormat_EmptyData(t *testing.T) {
	findings := ValidateFormat(FormatJSON, nil)
	if len(findings) != 1 {
		t.Fatalf("expected one finding for empty data, got %v", findings)
	}
}

func TestValidateFormat_CSVRequiresHeaders(t *testing.T) {
	if findings := ValidateFormat(FormatCSV, map[string]any{"rows": []any{}}); len(findings) == 0 {
		t.Errorf("expected finding for missing csv headers")
	}
	ok := map[string]any{"headers": []any{"vendor", "amount"}, "rows": []any{}}
	if findings := ValidateFormat(FormatCSV, ok); len(findings) != 0 {
		t.Errorf("expected no findings, got %v", findings)
	}
}

func TestValidateFormat_UnsupportedFormat(t *testing.T) {
	if findings := ValidateFormat(ExportFormat("xml"), map[string]any{"a": 1}); len(findings) == 0 {
		t.Errorf("expected finding for unsupported format")
	}
}
