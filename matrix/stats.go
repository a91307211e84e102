package matrix

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ColumnMeanVar returns per-column mean and variance of m. ddof is the delta
// degrees of freedom: 0 for population variance, 1 for sample variance.
// Sparse inputs are visited through their stored entries only.
func ColumnMeanVar(m Matrix, ddof int) (mean, variance []float64) {
	r, c := m.Dims()
	mean = make([]float64, c)
	variance = make([]float64, c)
	if r == 0 {
		return mean, variance
	}
	n := float64(r)
	if s, ok := m.(*CSR); ok {
		nnz := make([]float64, c)
		for i := range r {
			s.DoRowNonZero(i, func(j int, v float64) {
				mean[j] += v
				nnz[j]++
			})
		}
		floats.Scale(1/n, mean)
		for i := range r {
			s.DoRowNonZero(i, func(j int, v float64) {
				d := v - mean[j]
				variance[j] += d * d
			})
		}
		for j := range c {
			variance[j] += (n - nnz[j]) * mean[j] * mean[j]
		}
	} else {
		row := make([]float64, c)
		for i := range r {
			mat.Row(row, i, m)
			floats.Add(mean, row)
		}
		floats.Scale(1/n, mean)
		for i := range r {
			mat.Row(row, i, m)
			for j, v := range row {
				d := v - mean[j]
				variance[j] += d * d
			}
		}
	}
	denom := n - float64(ddof)
	for j := range variance {
		if denom <= 0 {
			variance[j] = math.NaN()
			continue
		}
		variance[j] /= denom
	}
	return mean, variance
}

// ColumnSubset returns the columns cols of m, in that order.
func ColumnSubset(m Matrix, cols []int) Matrix {
	r, c := m.Dims()
	if s, ok := m.(*CSR); ok {
		pos := make(map[int][]int, len(cols))
		for k, j := range cols {
			pos[j] = append(pos[j], k)
		}
		out := &CSR{rows: r, cols: len(cols), indptr: make([]int, r+1)}
		for i := range r {
			var entries []csrEntry
			s.DoRowNonZero(i, func(j int, v float64) {
				for _, k := range pos[j] {
					entries = append(entries, csrEntry{col: k, val: v})
				}
			})
			sortEntries(entries)
			for _, e := range entries {
				out.indices = append(out.indices, e.col)
				out.data = append(out.data, e.val)
			}
			out.indptr[i+1] = len(out.data)
		}
		return out
	}
	if r == 0 || len(cols) == 0 {
		return Dense{Dense: &mat.Dense{}}
	}
	out := mat.NewDense(r, len(cols), nil)
	for k, j := range cols {
		if j < 0 || j >= c {
			panic(mat.ErrColAccess)
		}
		for i := range r {
			out.Set(i, k, m.At(i, j))
		}
	}
	return Dense{Dense: out}
}

// ScaleColumns divides every column j of m by div[j]. Columns with a zero
// divisor are left untouched.
func ScaleColumns(m Matrix, div []float64) (Matrix, error) {
	r, c := m.Dims()
	if len(div) != c {
		return nil, fmt.Errorf("%w: %d divisors for %d columns", ErrDimensionMismatch, len(div), c)
	}
	inv := make([]float64, c)
	for j, d := range div {
		inv[j] = 1
		if d != 0 && !math.IsNaN(d) {
			inv[j] = 1 / d
		}
	}
	if s, ok := m.(*CSR); ok {
		out := &CSR{
			rows:    s.rows,
			cols:    s.cols,
			indptr:  s.indptr,
			indices: s.indices,
			data:    make([]float64, len(s.data)),
		}
		for p, j := range s.indices {
			out.data[p] = s.data[p] * inv[j]
		}
		return out, nil
	}
	out := ToDense(m)
	for i := range r {
		floats.Mul(out.RawRowView(i), inv)
	}
	return Dense{Dense: out}, nil
}

// ScaleRows multiplies every row i of m by factor[i], keeping the backing
// kind of m.
func ScaleRows(m Matrix, factor []float64) (Matrix, error) {
	r, _ := m.Dims()
	if len(factor) != r {
		return nil, fmt.Errorf("%w: %d factors for %d rows", ErrDimensionMismatch, len(factor), r)
	}
	if s, ok := m.(*CSR); ok {
		out := &CSR{
			rows:    s.rows,
			cols:    s.cols,
			indptr:  s.indptr,
			indices: s.indices,
			data:    make([]float64, len(s.data)),
		}
		for i := range s.rows {
			for p := s.indptr[i]; p < s.indptr[i+1]; p++ {
				out.data[p] = s.data[p] * factor[i]
			}
		}
		return out, nil
	}
	out := ToDense(m)
	for i := range r {
		floats.Scale(factor[i], out.RawRowView(i))
	}
	return Dense{Dense: out}, nil
}

// NormalizeRowsL2 returns a copy of d whose rows have unit Euclidean norm.
// All-zero rows are copied unchanged.
func NormalizeRowsL2(d *mat.Dense) *mat.Dense {
	out := mat.DenseCopyOf(d)
	r, _ := out.Dims()
	for i := range r {
		row := out.RawRowView(i)
		if n := floats.Norm(row, 2); n > 0 {
			floats.Scale(1/n, row)
		}
	}
	return out
}

// NormalizeRowsSum returns a copy of d whose rows sum to total. All-zero rows
// are copied unchanged.
func NormalizeRowsSum(d *mat.Dense, total float64) *mat.Dense {
	out := mat.DenseCopyOf(d)
	r, _ := out.Dims()
	for i := range r {
		row := out.RawRowView(i)
		if s := floats.Sum(row); s != 0 {
			floats.Scale(total/s, row)
		}
	}
	return out
}

// SquaredError returns ‖x − u·s‖²_F, reconstructing x in row chunks so the
// full product is never held in memory.
func SquaredError(x Matrix, u, s *mat.Dense, chunk int) (float64, error) {
	xr, xc := x.Dims()
	ur, uc := u.Dims()
	sr, sc := s.Dims()
	if xr != ur || uc != sr || xc != sc {
		return 0, fmt.Errorf("%w: x %d×%d, usage %d×%d, spectra %d×%d",
			ErrDimensionMismatch, xr, xc, ur, uc, sr, sc)
	}
	if chunk <= 0 {
		chunk = xr
	}
	var total float64
	for i := 0; i < xr; i += chunk {
		j := min(i+chunk, xr)
		xb := Rows(x, i, j)
		var pred mat.Dense
		pred.Mul(u.Slice(i, j, 0, uc), s)
		xb.Sub(xb, &pred)
		f := mat.Norm(xb, 2)
		total += f * f
	}
	return total, nil
}

type csrEntry struct {
	col int
	val float64
}

func sortEntries(e []csrEntry) {
	slices.SortStableFunc(e, func(a, b csrEntry) int { return a.col - b.col })
}
