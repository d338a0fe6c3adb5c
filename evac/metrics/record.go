// Package metrics is the pure, config-driven metrics engine over flat
// time-series samples {t, k, scope, v} and discrete events {t, type, id, attrs}.
// It has no dependencies on the rest of evac and never mutates its inputs.
package metrics

import (
	"encoding/json"
	"fmt"
	"os"
)

// Sample is one time-series record: metric K in Scope had value V at time T.
type Sample struct {
	T     float64 `json:"t"`
	K     string  `json:"k"`
	Scope string  `json:"scope"`
	V     float64 `json:"v"`
}

// Event is one discrete event record.
type Event struct {
	T     float64           `json:"t"`
	Type  string            `json:"type"`
	ID    string            `json:"id"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// ScopeAttr is the event attribute matched by scope filters and used for grouping.
const ScopeAttr = "scope"

// Records bundles the raw output of one simulation.
type Records struct {
	Samples []Sample `json:"samples"`
	Events  []Event  `json:"events"`
}

// LoadRecords reads a JSON records file ({"samples": [...], "events": [...]}).
func LoadRecords(path string) (*Records, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading records: %w", err)
	}
	var recs Records
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("parsing records: %w", err)
	}
	return &recs, nil
}
