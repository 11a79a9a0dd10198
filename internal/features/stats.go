package features

import (
	"math"
	"sort"
)

// MADScale makes the median absolute deviation a consistent estimator of
// the standard deviation under normality.
const MADScale = 1.4826

// Median calculates the median of values.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sorted := sortedCopy(values)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// MAD calculates the scaled median absolute deviation.
// Formula: 1.4826 * median(|x - median(x)|)
func MAD(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Median(values)
	dev := make([]float64, len(values))
	for i, v := range values {
		dev[i] = math.Abs(v - m)
	}
	return MADScale * Median(dev)
}

// Percentile returns the p-th percentile (0..100) using linear
// interpolation between order statistics: rank = p/100 * (n-1).
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	return percentileSorted(sorted, p)
}

func percentileSorted(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// Quartiles returns the 25th and 75th percentiles and their difference.
func Quartiles(values []float64) (p25, p75, iqr float64) {
	if len(values) == 0 {
		return 0, 0, 0
	}
	sorted := sortedCopy(values)
	p25 = percentileSorted(sorted, 25)
	p75 = percentileSorted(sorted, 75)
	return p25, p75, p75 - p25
}

// Mean calculates the arithmetic mean.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// StdDev calculates the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := Mean(values)
	var ss float64
	for _, v := range values {
		d := v - m
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(values)))
}

// ShannonEntropy calculates the entropy of a histogram in bits.
// Formula: H = -sum (c_j/n) * log2(c_j/n) for non-zero bins
func ShannonEntropy(histogram []int) float64 {
	n := 0
	for _, count := range histogram {
		n += count
	}
	if n == 0 {
		return 0
	}

	entropy := 0.0
	nFloat := float64(n)
	for _, count := range histogram {
		if count > 0 {
			p := float64(count) / nFloat
			entropy -= p * math.Log2(p)
		}
	}
	return entropy
}

func sortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted
}
