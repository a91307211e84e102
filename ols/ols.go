// Package ols solves many ordinary least-squares problems that share one design
// matrix, streaming the targets in row batches.
package ols

import (
	"errors"
	"fmt"
	"math"

	"github.com/setanarut/cnmf/matrix"
	"gonum.org/v1/gonum/mat"
)

// ErrSolve is returned when the SVD of the normal equations fails.
var ErrSolve = errors.New("ols: least-squares solve failed")

// varianceFloor keeps constant target columns from dividing by zero.
const varianceFloor = 1e-12

type Options struct {
	BatchSize int `yaml:"batch_size"`
	// NormalizeY z-scores every target column with its global mean and
	// population standard deviation before fitting.
	NormalizeY bool `yaml:"normalize_y"`
}

func DefaultOptions() Options {
	return Options{BatchSize: 1024}
}

// Solve returns Beta (p × t) minimising ‖Y − X·Beta‖ for X (n × p) and
// Y (n × t). XᵗX and XᵗY are accumulated batch by batch; sparse Y is densified
// one batch at a time. The normal equations are solved by SVD, so a
// rank-deficient XᵗX yields the minimum-norm solution.
func Solve(x *mat.Dense, y matrix.Matrix, opt Options) (*mat.Dense, error) {
	n, p := x.Dims()
	ny, t := y.Dims()
	if n != ny {
		return nil, fmt.Errorf("%w: predictors have %d rows, targets %d", matrix.ErrDimensionMismatch, n, ny)
	}
	if n == 0 || p == 0 || t == 0 {
		return nil, fmt.Errorf("%w: empty regression %d×%d on %d targets", matrix.ErrBadShape, n, p, t)
	}
	batch := opt.BatchSize
	if batch <= 0 {
		batch = n
	}

	var mean, std []float64
	if opt.NormalizeY {
		var variance []float64
		mean, variance = matrix.ColumnMeanVar(y, 0)
		std = make([]float64, t)
		for j, v := range variance {
			std[j] = math.Sqrt(max(v, varianceFloor))
		}
	}

	xtx := mat.NewDense(p, p, nil)
	xty := mat.NewDense(p, t, nil)
	var partX, partY mat.Dense
	for start := 0; start < n; start += batch {
		end := min(start+batch, n)
		xb := x.Slice(start, end, 0, p)
		yb := matrix.Rows(y, start, end)
		if opt.NormalizeY {
			rows, _ := yb.Dims()
			for i := range rows {
				row := yb.RawRowView(i)
				for j := range row {
					row[j] = (row[j] - mean[j]) / std[j]
				}
			}
		}
		partX.Reset()
		partX.Mul(xb.T(), xb)
		xtx.Add(xtx, &partX)
		partY.Reset()
		partY.Mul(xb.T(), yb)
		xty.Add(xty, &partY)
	}
	return lstsq(xtx, xty)
}

// lstsq mirrors numpy.linalg.lstsq with the default rcond.
func lstsq(a, b *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSolve
	}
	r, c := a.Dims()
	rcond := float64(max(r, c)) * 0x1p-52
	rank := svd.Rank(rcond)
	_, t := b.Dims()
	if rank == 0 {
		return mat.NewDense(c, t, nil), nil
	}
	var beta mat.Dense
	svd.SolveTo(&beta, b, rank)
	return &beta, nil
}
