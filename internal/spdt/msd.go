package spdt

import (
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"
)

// noise estimates the mean and standard deviation of x while ignoring short
// bright excursions: x is cut into blocks, each block gets its own mean and
// standard deviation, and the medians of those are returned. A trailing
// partial block is folded into the previous one. ok is false when x is too
// short or flat to normalise.
func noise(x []float64, block int) (mean, std float64, ok bool) {
	if len(x) < 2 {
		return 0, 0, false
	}
	if block < 2 || block > len(x) {
		block = len(x)
	}

	n := len(x) / block
	means := make([]float64, 0, n)
	stds := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		lo, hi := i*block, (i+1)*block
		if i == n-1 {
			hi = len(x)
		}
		m, s := stat.MeanStdDev(x[lo:hi], nil)
		means = append(means, m)
		stds = append(stds, s)
	}

	mean = median(means)
	std = median(stds)
	if std <= 0 || math.IsNaN(std) || math.IsNaN(mean) {
		return 0, 0, false
	}
	return mean, std, true
}

func median(x []float64) float64 {
	if len(x) == 1 {
		return x[0]
	}
	slices.Sort(x)
	return stat.Quantile(0.5, stat.Empirical, x, nil)
}
