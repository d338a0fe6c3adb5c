package metrics

import (
	"math"
	"sort"
)

// percentile computes the p-th percentile (p in [0,100]) using linear
// interpolation between order statistics. Input must be sorted and non-empty.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	frac := rank - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// Gini computes the Gini coefficient of non-negative values.
// Returns 0 for empty input or when every value is zero.
func Gini(values []float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	sum := 0.0
	weighted := 0.0
	for i, v := range sorted {
		sum += v
		weighted += float64(i+1) * v
	}
	if sum == 0 {
		return 0
	}
	// G = (2 * sum(i * x_i)) / (n * sum(x)) - (n + 1) / n, with 1-based i over sorted x.
	return 2*weighted/(float64(n)*sum) - float64(n+1)/float64(n)
}

// roundTo rounds v to the given number of decimal digits.
func roundTo(v float64, digits int) float64 {
	scale := math.Pow(10, float64(digits))
	return math.Round(v*scale) / scale
}
