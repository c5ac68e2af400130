package consensus

import "math"

// mean returns the unweighted arithmetic mean
func mean(scores []float64) float64 {
	if len(scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

// stddev returns the population standard deviation
func stddev(scores []float64, m float64) float64 {
	if len(scores) < 2 {
		return 0
	}
	var sumSq float64
	for _, s := range scores {
		d := s - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(scores)))
}

// outlierFlags marks scores whose z-score exceeds the threshold. With zero
// dispersion nothing is an outlier.
func outlierFlags(scores []float64, zThreshold float64) []bool {
	flags := make([]bool, len(scores))
	m := mean(scores)
	sd := stddev(scores, m)
	if sd == 0 {
		return flags
	}
	for i, s := range scores {
		if math.Abs(s-m)/sd > zThreshold {
			flags[i] = true
		}
	}
	return flags
}

// weightedAverage computes sum(score*weight)/sum(weight). Callers apply a
// floor weight beforehand so the denominator can never be zero for a
// non-empty input.
func weightedAverage(scores, weights []float64) float64 {
	var num, den float64
	for i := range scores {
		num += scores[i] * weights[i]
		den += weights[i]
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// scoreRange returns min and max of a non-empty slice
func scoreRange(scores []float64) (float64, float64) {
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	return lo, hi
}
