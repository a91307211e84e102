// Package matrix hides the dense/sparse split of expression matrices behind one
// small interface. The representation is chosen once at load time; callers only
// ever slice rows, sum rows and transpose.
package matrix

import (
	"fmt"
	"sort"

	"gonum.org/v1/gonum/mat"
)

// Matrix is a read-only samples × features matrix.
type Matrix interface {
	mat.Matrix
	// RowsTo copies rows [i, j) into dst, which must be (j-i) × cols.
	RowsTo(dst *mat.Dense, i, j int)
	// RowSums returns the sum of every row.
	RowSums() []float64
	// Transpose returns a materialized transpose with the same backing kind.
	Transpose() Matrix
	// Sparse reports whether the matrix is stored in compressed rows.
	Sparse() bool
}

// Dense adapts *mat.Dense to Matrix.
type Dense struct {
	*mat.Dense
}

// NewDense wraps d.
func NewDense(d *mat.Dense) Dense {
	return Dense{Dense: d}
}

func (d Dense) RowsTo(dst *mat.Dense, i, j int) {
	dst.Copy(d.Dense.Slice(i, j, 0, d.cols()))
}

func (d Dense) cols() int {
	_, c := d.Dims()
	return c
}

func (d Dense) RowSums() []float64 {
	r, _ := d.Dims()
	out := make([]float64, r)
	for i := range r {
		out[i] = mat.Sum(d.Dense.RowView(i))
	}
	return out
}

func (d Dense) Transpose() Matrix {
	return Dense{Dense: mat.DenseCopyOf(d.Dense.T())}
}

func (d Dense) Sparse() bool { return false }

// CSR is a compressed sparse row matrix.
type CSR struct {
	rows, cols int
	indptr     []int
	indices    []int
	data       []float64
}

// NewCSR validates and wraps a CSR layout. Column indices inside a row must be
// strictly increasing.
func NewCSR(rows, cols int, indptr, indices []int, data []float64) (*CSR, error) {
	if rows < 0 || cols < 0 || len(indptr) != rows+1 || len(indices) != len(data) {
		return nil, fmt.Errorf("%w: csr %d×%d with %d row pointers and %d/%d entries",
			ErrBadShape, rows, cols, len(indptr), len(indices), len(data))
	}
	if indptr[0] != 0 || indptr[rows] != len(data) {
		return nil, fmt.Errorf("%w: csr row pointers must span [0,%d]", ErrBadShape, len(data))
	}
	for i := range rows {
		if indptr[i+1] < indptr[i] {
			return nil, fmt.Errorf("%w: csr row pointers decrease at row %d", ErrBadShape, i)
		}
		prev := -1
		for p := indptr[i]; p < indptr[i+1]; p++ {
			c := indices[p]
			if c <= prev || c >= cols {
				return nil, fmt.Errorf("%w: csr column %d out of order at row %d", ErrBadShape, c, i)
			}
			prev = c
		}
	}
	return &CSR{rows: rows, cols: cols, indptr: indptr, indices: indices, data: data}, nil
}

// CSRFromDense compresses m, dropping exact zeros.
func CSRFromDense(m mat.Matrix) *CSR {
	r, c := m.Dims()
	s := &CSR{rows: r, cols: c, indptr: make([]int, r+1)}
	for i := range r {
		for j := range c {
			if v := m.At(i, j); v != 0 {
				s.indices = append(s.indices, j)
				s.data = append(s.data, v)
			}
		}
		s.indptr[i+1] = len(s.data)
	}
	return s
}

func (s *CSR) Dims() (int, int) { return s.rows, s.cols }

func (s *CSR) At(i, j int) float64 {
	if i < 0 || i >= s.rows || j < 0 || j >= s.cols {
		panic(mat.ErrIndexOutOfRange)
	}
	lo, hi := s.indptr[i], s.indptr[i+1]
	p := lo + sort.SearchInts(s.indices[lo:hi], j)
	if p < hi && s.indices[p] == j {
		return s.data[p]
	}
	return 0
}

func (s *CSR) T() mat.Matrix { return mat.Transpose{Matrix: s} }

func (s *CSR) Sparse() bool { return true }

// Raw exposes the backing slices. Callers must not modify them.
func (s *CSR) Raw() (indptr, indices []int, data []float64) {
	return s.indptr, s.indices, s.data
}

// NNZ returns the number of stored entries.
func (s *CSR) NNZ() int { return len(s.data) }

// DoRowNonZero calls fn for every stored entry of row i.
func (s *CSR) DoRowNonZero(i int, fn func(j int, v float64)) {
	for p := s.indptr[i]; p < s.indptr[i+1]; p++ {
		fn(s.indices[p], s.data[p])
	}
}

func (s *CSR) RowsTo(dst *mat.Dense, i, j int) {
	dst.Zero()
	for r := i; r < j; r++ {
		for p := s.indptr[r]; p < s.indptr[r+1]; p++ {
			dst.Set(r-i, s.indices[p], s.data[p])
		}
	}
}

func (s *CSR) RowSums() []float64 {
	out := make([]float64, s.rows)
	for i := range s.rows {
		for p := s.indptr[i]; p < s.indptr[i+1]; p++ {
			out[i] += s.data[p]
		}
	}
	return out
}

func (s *CSR) Transpose() Matrix {
	counts := make([]int, s.cols+1)
	for _, c := range s.indices {
		counts[c+1]++
	}
	for c := range s.cols {
		counts[c+1] += counts[c]
	}
	t := &CSR{
		rows:    s.cols,
		cols:    s.rows,
		indptr:  append([]int(nil), counts...),
		indices: make([]int, len(s.indices)),
		data:    make([]float64, len(s.data)),
	}
	next := counts[:s.cols]
	for i := range s.rows {
		for p := s.indptr[i]; p < s.indptr[i+1]; p++ {
			c := s.indices[p]
			q := next[c]
			t.indices[q] = i
			t.data[q] = s.data[p]
			next[c]++
		}
	}
	return t
}

// Rows returns rows [i, j) as a dense matrix.
func Rows(m Matrix, i, j int) *mat.Dense {
	_, c := m.Dims()
	if j-i <= 0 || c == 0 {
		return &mat.Dense{}
	}
	dst := mat.NewDense(j-i, c, nil)
	m.RowsTo(dst, i, j)
	return dst
}

// ToDense materializes m.
func ToDense(m Matrix) *mat.Dense {
	if d, ok := m.(Dense); ok {
		return mat.DenseCopyOf(d.Dense)
	}
	r, _ := m.Dims()
	return Rows(m, 0, r)
}
