package cnmf

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// neighborCount is floor(size · rows / k).
func neighborCount(size float64, rows, k int) int {
	return int(size * float64(rows) / float64(k))
}

// pairwiseDistances returns the Euclidean distance matrix of the rows of x,
// expanded as ‖a‖² + ‖b‖² − 2a·b and clamped at zero. The diagonal is exactly
// zero.
func pairwiseDistances(x *mat.Dense) *mat.Dense {
	n, _ := x.Dims()
	sq := make([]float64, n)
	for i := range n {
		row := x.RawRowView(i)
		sq[i] = floats.Dot(row, row)
	}
	d := mat.NewDense(n, n, nil)
	d.Mul(x, x.T())
	for i := range n {
		row := d.RawRowView(i)
		for j := range n {
			if i == j {
				row[j] = 0
				continue
			}
			row[j] = math.Sqrt(math.Max(sq[i]+sq[j]-2*row[j], 0))
		}
	}
	return d
}

// localDensity returns, for every row of the unit-norm spectra x, the mean
// distance to its n nearest other rows. The n+1 smallest distances include
// the zero self distance and are summed before dividing by n.
func localDensity(x *mat.Dense, n int) ([]float64, error) {
	rows, _ := x.Dims()
	if n < 1 || n+1 > rows {
		return nil, fmt.Errorf("%w: %d neighbours for %d spectra; raise the local neighborhood size or the replicate count",
			ErrConfiguration, n, rows)
	}
	d := pairwiseDistances(x)
	out := make([]float64, rows)
	buf := make([]float64, rows)
	for i := range rows {
		copy(buf, d.RawRowView(i))
		slices.Sort(buf)
		out[i] = floats.Sum(buf[:n+1]) / float64(n)
	}
	return out, nil
}
