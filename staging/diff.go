package staging

import (
	"reflect"
	"sort"
)

// FieldChange records one field whose value differs between two snapshots.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from"`
	To    any    `json:"to"`
}

// Summary is the change-count rollup of a diff.
type Summary struct {
	Added    int `json:"added"`
	Removed  int `json:"removed"`
	Modified int `json:"modified"`
	Total    int `json:"total"`
}

// Report is a field-level diff between two dict-shaped snapshots. Nested maps
// are flattened into dotted paths.
type Report struct {
	Added    map[string]any    `json:"added"`
	Removed  map[string]any    `json:"removed"`
	Modified map[string]Change `json:"modified"`
}

// Change holds the before and after values of a modified field.
type Change struct {
	From any `json:"from"`
	To   any `json:"to"`
}

// Compare computes a pure, order-independent diff over the key sets of two
// snapshots. Map values are recursed into; everything else compares by deep
// equality.
func Compare(before, after map[string]any) Report {
	r := Report{
		Added:    make(map[string]any),
		Removed:  make(map[string]any),
		Modified: make(map[string]Change),
	}
	compareInto(&r, "", before, after)
	return r
}

func compareInto(r *Report, prefix string, before, after map[string]any) {
	for key, oldVal := range before {
		path := joinPath(prefix, key)
		newVal, ok := after[key]
		if !ok {
			r.Removed[path] = oldVal
			continue
		}
		oldMap, oldIsMap := oldVal.(map[string]any)
		newMap, newIsMap := newVal.(map[string]any)
		if oldIsMap && newIsMap {
			compareInto(r, path, oldMap, newMap)
			continue
		}
		if !reflect.DeepEqual(oldVal, newVal) {
			r.Modified[path] = Change{From: oldVal, To: newVal}
		}
	}
	for key, newVal := range after {
		if _, ok := before[key]; !ok {
			r.Added[joinPath(prefix, key)] = newVal
		}
	}
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Summary rolls the report up into counts.
func (r Report) Summary() Summary {
	return Summary{
		Added:    len(r.Added),
		Removed:  len(r.Removed),
		Modified: len(r.Modified),
		Total:    len(r.Added) + len(r.Removed) + len(r.Modified),
	}
}

// Empty reports whether the two snapshots were identical.
func (r Report) Empty() bool {
	return len(r.Added) == 0 && len(r.Removed) == 0 && len(r.Modified) == 0
}

// Changes flattens the report into a stable, sorted list for persistence.
func (r Report) Changes() []FieldChange {
	out := make([]FieldChange, 0, len(r.Added)+len(r.Removed)+len(r.Modified))
	for field, v := range r.Added {
		out = append(out, FieldChange{Field: field, To: v})
	}
	for field, v := range r.Removed {
		out = append(out, FieldChange{Field: field, From: v})
	}
	for field, c := range r.Modified {
		out = append(out, FieldChange{Field: field, From: c.From, To: c.To})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// ImpactOf grades a transition by how many fields it touched.
func ImpactOf(changedFields int) Impact {
	switch {
	case changedFields <= 2:
		return ImpactLow
	case changedFields <= 5:
		return ImpactMedium
	default:
		return ImpactHigh
	}
}
