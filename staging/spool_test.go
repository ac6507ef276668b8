package staging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestSpoolPoster_PostWritesJSONFile(t *testing.T) {
	p := NewSpoolPoster(t.TempDir())

	res, err := p.Post(context.Background(), map[string]any{"vendor_name": "Acme"}, "netsuite", FormatJSON, "EXT-1")
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if res.ExportJobID == "" {
		t.Fatalf("expected a job id")
	}

	raw, err := os.ReadFile(filepath.Join(p.Dir, "netsuite", "EXT-1.json"))
	if err != nil {
		t.Fatalf("read spooled file: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("decode spooled file: %v", err)
	}
	if got["vendor_name"] != "Acme" {
		t.Fatalf("unexpected file content: %+v", got)
	}
}

func TestSpoolPoster_PostWritesCSVRows(t *testing.T) {
	p := NewSpoolPoster(t.TempDir())

	data := map[string]any{
		"headers": []any{"vendor", "amount"},
		"rows":    []any{[]any{"Acme", "1250.00"}},
	}
	if _, err := p.Post(context.Background(), data, "sap", FormatCSV, "EXT-2"); err != nil {
		t.Fatalf("post: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(p.Dir, "sap", "EXT-2.csv"))
	if err != nil {
		t.Fatalf("read spooled file: %v", err)
	}
	want := "vendor,amount\nAcme,1250.00\n"
	if string(raw) != want {
		t.Fatalf("unexpected csv content: %q", raw)
	}
}

func TestSpoolPoster_RollbackRemovesFile(t *testing.T) {
	p := NewSpoolPoster(t.TempDir())

	if _, err := p.Post(context.Background(), map[string]any{"a": 1}, "netsuite", FormatJSON, "EXT-3"); err != nil {
		t.Fatalf("post: %v", err)
	}
	if err := p.Rollback(context.Background(), "netsuite", "EXT-3", "wrong period"); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if _, err := os.Stat(filepath.Join(p.Dir, "netsuite", "EXT-3.json")); !os.IsNotExist(err) {
		t.Fatalf("expected spooled file removed, stat err: %v", err)
	}
}

func TestSpoolPoster_RollbackUnknownReference(t *testing.T) {
	p := NewSpoolPoster(t.TempDir())

	if err := p.Rollback(context.Background(), "netsuite", "EXT-404", "cleanup"); err == nil {
		t.Fatalf("expected error for unknown reference")
	}
}
