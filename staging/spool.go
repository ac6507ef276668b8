package staging

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// SpoolPoster is a file-drop destination adapter: each post writes one export
// file into a per-destination directory and each rollback removes it. Real
// ERP connectors satisfy the same interfaces; this one backs local and
// pickup-folder style integrations.
type SpoolPoster struct {
	Dir string
}

func NewSpoolPoster(dir string) *SpoolPoster {
	return &SpoolPoster{Dir: dir}
}

func (p *SpoolPoster) Post(ctx context.Context, data map[string]any, destination string, format ExportFormat, externalReference string) (PostResult, error) {
	if err := ctx.Err(); err != nil {
		return PostResult{}, err
	}
	jobID := uuid.NewString()
	if externalReference == "" {
		externalReference = jobID
	}

	dir := filepath.Join(p.Dir, destination)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return PostResult{}, fmt.Errorf("staging: create spool dir: %w", err)
	}

	path := spoolPath(p.Dir, destination, externalReference, format)
	f, err := os.Create(path)
	if err != nil {
		return PostResult{}, fmt.Errorf("staging: create export file: %w", err)
	}
	defer f.Close()

	switch format {
	case FormatCSV:
		if err := writeCSV(f, data); err != nil {
			os.Remove(path)
			return PostResult{}, err
		}
	default:
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		if err := enc.Encode(data); err != nil {
			os.Remove(path)
			return PostResult{}, fmt.Errorf("staging: encode export: %w", err)
		}
	}
	if err := f.Sync(); err != nil {
		return PostResult{}, fmt.Errorf("staging: sync export file: %w", err)
	}
	return PostResult{PostedData: data, ExportJobID: jobID}, nil
}

func (p *SpoolPoster) Rollback(ctx context.Context, destination, externalReference, reason string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if externalReference == "" {
		return fmt.Errorf("staging: rollback without external reference")
	}
	for _, format := range []ExportFormat{FormatJSON, FormatCSV} {
		path := spoolPath(p.Dir, destination, externalReference, format)
		if err := os.Remove(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("staging: remove export file: %w", err)
		}
	}
	return fmt.Errorf("staging: no spooled file for reference %s", externalReference)
}

func spoolPath(base, destination, externalReference string, format ExportFormat) string {
	return filepath.Join(base, destination, externalReference+"."+string(format))
}

// writeCSV emits the headers row followed by the data rows. ValidateFormat
// has already guaranteed the headers field exists.
func writeCSV(f *os.File, data map[string]any) error {
	w := csv.NewWriter(f)
	headers := stringList(data["headers"])
	if err := w.Write(headers); err != nil {
		return fmt.Errorf("staging: write csv headers: %w", err)
	}
	if rows, ok := data["rows"].([]any); ok {
		for _, row := range rows {
			cells, ok := row.([]any)
			if !ok {
				continue
			}
			record := make([]string, 0, len(cells))
			for _, c := range cells {
				record = append(record, fmt.Sprintf("%v", c))
			}
			if err := w.Write(record); err != nil {
				return fmt.Errorf("staging: write csv row: %w", err)
			}
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("staging: flush csv: %w", err)
	}
	return nil
}

func stringList(v any) []string {
	switch x := v.(type) {
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			out = append(out, fmt.Sprintf("%v", item))
		}
		return out
	default:
		return nil
	}
}
