// Package testutil provides shared test infrastructure for the evac packages.
// It holds golden dataset types and assertion helpers used across the
// evac/metrics and evac/worker test packages.
package testutil

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

// GoldenDataset represents the structure of testdata/metrics_golden.json.
type GoldenDataset struct {
	Series map[string][]GoldenSample `json:"series"`
	Tests  []GoldenTestCase          `json:"tests"`
}

// GoldenSample is one {t, k, scope, v} record of a golden series.
type GoldenSample struct {
	T     float64 `json:"t"`
	K     string  `json:"k"`
	Scope string  `json:"scope"`
	V     float64 `json:"v"`
}

// GoldenTestCase is one metric operation over a named series with its expected value.
// A nil Want means the operation must resolve to null.
type GoldenTestCase struct {
	Name      string   `json:"name"`
	Series    string   `json:"series"`
	Key       string   `json:"key"`
	Op        string   `json:"op"`
	Pct       *float64 `json:"pct"`
	Q         *float64 `json:"q"`
	Threshold *float64 `json:"threshold"`
	Want      *float64 `json:"want"`
}

// LoadGoldenDataset loads the golden dataset from the testdata directory.
// The path is resolved relative to this source file: evac/internal/testutil/ → testdata/.
func LoadGoldenDataset(t *testing.T) *GoldenDataset {
	t.Helper()

	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("Failed to get current file path")
	}
	path := filepath.Join(filepath.Dir(thisFile), "..", "..", "..", "testdata", "metrics_golden.json")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read golden dataset: %v", err)
	}

	var dataset GoldenDataset
	if err := json.Unmarshal(data, &dataset); err != nil {
		t.Fatalf("Failed to parse golden dataset: %v", err)
	}
	return &dataset
}

// AssertFloat64Equal compares two float64 values with relative tolerance.
func AssertFloat64Equal(t *testing.T, name string, want, got, relTol float64) {
	t.Helper()
	if want == 0 && got == 0 {
		return
	}
	diff := math.Abs(want - got)
	maxVal := math.Max(math.Abs(want), math.Abs(got))
	if diff/maxVal > relTol {
		t.Errorf("%s: got %v, want %v (diff=%v, relDiff=%v)", name, got, want, diff, diff/maxVal)
	}
}

// AssertOptionalFloat64Equal compares nullable values: both nil, or both set and equal within relTol.
func AssertOptionalFloat64Equal(t *testing.T, name string, want, got *float64, relTol float64) {
	t.Helper()
	switch {
	case want == nil && got == nil:
		return
	case want == nil:
		t.Errorf("%s: got %v, want null", name, *got)
	case got == nil:
		t.Errorf("%s: got null, want %v", name, *want)
	default:
		AssertFloat64Equal(t, name, *want, *got, relTol)
	}
}
