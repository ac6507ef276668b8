package staging

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/shopspring/decimal"
)

// Scorer grades prepared export data against the invoice's original snapshot
// and reports advisory findings for human reviewers. Pluggable so deployments
// can tune penalties without touching the workflow.
type Scorer interface {
	Score(prepared, original map[string]any) (int, []string)
}

// PenaltyScorer is the default scoring strategy: start from a full score,
// deduct a fixed penalty per missing required field, then weight the result
// by how consistent the prepared data is with the original snapshot.
type PenaltyScorer struct {
	RequiredFields []string
	MissingPenalty int
	BaseScore      int
}

// NewPenaltyScorer returns the scorer used when no custom strategy is wired.
func NewPenaltyScorer() *PenaltyScorer {
	return &PenaltyScorer{
		RequiredFields: []string{"vendor_name", "invoice_number", "total_amount", "currency"},
		MissingPenalty: 15,
		BaseScore:      100,
	}
}

func (p *PenaltyScorer) Score(prepared, original map[string]any) (int, []string) {
	score := p.BaseScore
	var findings []string
	for _, field := range p.RequiredFields {
		v, ok := prepared[field]
		if !ok || v == nil || v == "" {
			score -= p.MissingPenalty
			findings = append(findings, fmt.Sprintf("missing required field %s", field))
		}
	}
	if score < 0 {
		score = 0
	}

	consistency := consistencyRatio(prepared, original)
	score = int(float64(score) * (0.5 + 0.5*consistency))
	if score > p.BaseScore {
		score = p.BaseScore
	}
	return score, findings
}

// consistencyRatio is the fraction of original fields whose values survive
// unchanged in the prepared data. An empty original counts as consistent.
func consistencyRatio(prepared, original map[string]any) float64 {
	if len(original) == 0 {
		return 1
	}
	matched := 0
	for key, origVal := range original {
		prepVal, ok := prepared[key]
		if !ok {
			continue
		}
		if valuesEqual(origVal, prepVal) {
			matched++
		}
	}
	return float64(matched) / float64(len(original))
}

// valuesEqual compares two payload values, treating numeric representations
// ("100", 100, 100.0, decimal strings) as equal when they denote the same
// quantity.
func valuesEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	da, okA := toDecimal(a)
	db, okB := toDecimal(b)
	return okA && okB && da.Equal(db)
}

func toDecimal(v any) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case string:
		d, err := decimal.NewFromString(x)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		return d, err == nil
	default:
		return decimal.Decimal{}, false
	}
}

// ValidateFormat runs format-specific structural validation over export data
// and returns human-readable findings; an empty slice means the payload is
// structurally exportable.
func ValidateFormat(format ExportFormat, data map[string]any) []string {
	var findings []string
	if len(data) == 0 {
		return []string{"export data is empty"}
	}
	switch format {
	case FormatCSV:
		headers, ok := data["headers"]
		if !ok {
			findings = append(findings, "csv export requires a headers field")
			break
		}
		list, ok := headers.([]any)
		if !ok || len(list) == 0 {
			if strs, sok := headers.([]string); !sok || len(strs) == 0 {
				findings = append(findings, "csv headers must be a non-empty list")
			}
		}
	case FormatJSON:
		if _, err := json.Marshal(data); err != nil {
			findings = append(findings, fmt.Sprintf("json export is not serializable: %v", err))
		}
	default:
		findings = append(findings, fmt.Sprintf("unsupported export format %q", format))
	}
	return findings
}
