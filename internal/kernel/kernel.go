// Package kernel holds the pure analytic functions evaluated by both the
// pull and push engines. Every kernel here is total over its input slice:
// it never panics and treats NaN as "undefined", never as an error.
package kernel

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Returns computes the log-return series for a contiguous price slice.
// The result has the same length as prices; element 0 is always NaN.
// Element i (i>0) is ln(prices[i]/prices[i-1]), or NaN if either price is
// NaN, zero, or negative. No annualization is applied.
func Returns(prices []float64) []float64 {
	out := make([]float64, len(prices))
	if len(out) == 0 {
		return out
	}
	out[0] = math.NaN()
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1], prices[i]
		if math.IsNaN(prev) || math.IsNaN(cur) || prev <= 0 || cur <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = math.Log(cur / prev)
	}
	return out
}

// Volatility computes a trailing population-standard-deviation series over
// returns. Element i is the population stddev of
// returns[max(0, i-window+1) .. i+1], ignoring NaNs in that window; if
// fewer than 2 non-NaN values are available the element is NaN. window
// must be >= 1.
func Volatility(returns []float64, window int) []float64 {
	out := make([]float64, len(returns))
	if window < 1 {
		window = 1
	}
	buf := make([]float64, 0, window)
	for i := range returns {
		lo := i - window + 1
		if lo < 0 {
			lo = 0
		}
		buf = buf[:0]
		for _, v := range returns[lo : i+1] {
			if !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) < 2 {
			out[i] = math.NaN()
			continue
		}
		out[i] = stat.PopStdDev(buf, nil)
	}
	return out
}
