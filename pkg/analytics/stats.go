package analytics

import (
	"math"
	"sort"
)

// Quantile returns the q-quantile of values with linear interpolation
// between closest ranks (h = (n-1)q). values need not be sorted.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	h := float64(len(sorted)-1) * q
	lo := math.Floor(h)
	hi := math.Ceil(h)
	if lo == hi {
		return sorted[int(lo)]
	}
	return sorted[int(lo)] + (h-lo)*(sorted[int(hi)]-sorted[int(lo)])
}

// RankFirst ranks values from 1 to n in ascending order; ties are ranked in
// order of appearance
func RankFirst(values []float64) []int {
	order := make([]int, len(values))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	ranks := make([]int, len(values))
	for r, i := range order {
		ranks[i] = r + 1
	}
	return ranks
}

// QuantileBins assigns each value to one of bins equal-frequency buckets,
// numbered from 1, by cutting its first-rank at the rank quantiles. Ranks
// are distinct, so buckets differ in size by at most one.
func QuantileBins(values []float64, bins int) []int {
	ranks := RankFirst(values)
	out := make([]int, len(values))
	if len(values) < 2 {
		for i := range out {
			out[i] = 1
		}
		return out
	}

	rankValues := make([]float64, len(ranks))
	for i, r := range ranks {
		rankValues[i] = float64(r)
	}
	edges := make([]float64, bins+1)
	for k := range edges {
		edges[k] = Quantile(rankValues, float64(k)/float64(bins))
	}

	for i, r := range rankValues {
		b := 1
		for b < bins && r > edges[b] {
			b++
		}
		out[i] = b
	}
	return out
}
