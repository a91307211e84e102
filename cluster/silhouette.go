package cluster

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Silhouette returns the mean Euclidean silhouette coefficient of labels over
// the rows of x. Points in singleton clusters score 0.
func Silhouette(x *mat.Dense, labels []int) (float64, error) {
	n, _ := x.Dims()
	if len(labels) != n {
		return 0, fmt.Errorf("cluster: %d labels for %d points", len(labels), n)
	}
	k := 0
	for _, l := range labels {
		k = max(k, l+1)
	}
	if k < 2 || k >= n {
		return 0, fmt.Errorf("cluster: silhouette needs 2 ≤ clusters < points, got %d clusters for %d points", k, n)
	}
	sizes := make([]float64, k)
	for _, l := range labels {
		sizes[l]++
	}

	rows := make([][]float64, n)
	for i := range n {
		rows[i] = x.RawRowView(i)
	}
	sums := make([]float64, k)
	total := 0.0
	for i := range n {
		clear(sums)
		for j := range n {
			if i == j {
				continue
			}
			sums[labels[j]] += floats.Distance(rows[i], rows[j], 2)
		}
		own := labels[i]
		if sizes[own] <= 1 {
			continue
		}
		a := sums[own] / (sizes[own] - 1)
		b := -1.0
		for c := range k {
			if c == own || sizes[c] == 0 {
				continue
			}
			if m := sums[c] / sizes[c]; b < 0 || m < b {
				b = m
			}
		}
		if denom := max(a, b); denom > 0 {
			total += (b - a) / denom
		}
	}
	return total / float64(n), nil
}
