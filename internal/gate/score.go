package gate

import "slices"

// Weights of the final satisfaction score.
const (
	blindWeight   = 0.6
	holdoutWeight = 0.4
)

// DefaultBlindRuns is how many times L2 scores a change.
const DefaultBlindRuns = 3

// DefaultThreshold is the pass mark for L2 and L3 when none is given.
const DefaultThreshold = 0.7

// Median returns the median of scores without modifying them. For an even
// count it is the mean of the two central values; for none it is 0.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	sorted := slices.Clone(scores)
	slices.Sort(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// FinalSatisfaction weighs the blind median against the holdout pass rate.
func FinalSatisfaction(blindMedian, holdoutPassRate float64) float64 {
	return blindWeight*blindMedian + holdoutWeight*holdoutPassRate
}
