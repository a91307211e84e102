package ols

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/setanarut/cnmf/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func fixture(seed uint64, n, p, t int) (*mat.Dense, *mat.Dense) {
	rng := rand.New(rand.NewPCG(seed, seed+1))
	x := mat.NewDense(n, p, nil)
	y := mat.NewDense(n, t, nil)
	for i := range n {
		for j := range p {
			x.Set(i, j, rng.Float64())
		}
		for j := range t {
			if rng.Float64() < 0.4 {
				continue
			}
			y.Set(i, j, 10*rng.Float64())
		}
	}
	return x, y
}

func relClose(t *testing.T, want, got *mat.Dense, tol float64) {
	t.Helper()
	r, c := want.Dims()
	gr, gc := got.Dims()
	require.Equal(t, r, gr)
	require.Equal(t, c, gc)
	for i := range r {
		for j := range c {
			w, g := want.At(i, j), got.At(i, j)
			assert.LessOrEqual(t, math.Abs(w-g), tol*math.Max(1, math.Abs(w)), "(%d,%d)", i, j)
		}
	}
}

func TestSolveRecoversCoefficients(t *testing.T) {
	x, _ := fixture(1, 40, 3, 1)
	beta := mat.NewDense(3, 2, []float64{
		1, -2,
		0.5, 3,
		4, 0,
	})
	var y mat.Dense
	y.Mul(x, beta)

	got, err := Solve(x, matrix.NewDense(&y), DefaultOptions())
	require.NoError(t, err)
	relClose(t, beta, got, 1e-8)
}

func TestSolveBatchSizeInvariant(t *testing.T) {
	x, y := fixture(2, 25, 4, 6)
	for _, normalize := range []bool{false, true} {
		want, err := Solve(x, matrix.NewDense(y), Options{BatchSize: 25, NormalizeY: normalize})
		require.NoError(t, err)
		for batch := 1; batch <= 25; batch++ {
			got, err := Solve(x, matrix.NewDense(y), Options{BatchSize: batch, NormalizeY: normalize})
			require.NoError(t, err)
			relClose(t, want, got, 1e-6)
		}
	}
}

func TestSolveSparseMatchesDense(t *testing.T) {
	x, y := fixture(3, 30, 3, 5)
	opt := Options{BatchSize: 7, NormalizeY: true}
	dense, err := Solve(x, matrix.NewDense(y), opt)
	require.NoError(t, err)
	sparse, err := Solve(x, matrix.CSRFromDense(y), opt)
	require.NoError(t, err)
	relClose(t, dense, sparse, 1e-9)
}

func TestSolveConstantTargetColumn(t *testing.T) {
	x, y := fixture(4, 20, 2, 3)
	for i := range 20 {
		y.Set(i, 1, 5)
	}
	beta, err := Solve(x, matrix.NewDense(y), Options{BatchSize: 6, NormalizeY: true})
	require.NoError(t, err)
	for i := range 2 {
		assert.False(t, math.IsNaN(beta.At(i, 1)))
		assert.InDelta(t, 0, beta.At(i, 1), 1e-9)
	}
}

func TestSolveRankDeficient(t *testing.T) {
	x, y := fixture(5, 15, 2, 2)
	dup := mat.NewDense(15, 3, nil)
	for i := range 15 {
		dup.Set(i, 0, x.At(i, 0))
		dup.Set(i, 1, x.At(i, 1))
		dup.Set(i, 2, x.At(i, 1))
	}
	beta, err := Solve(dup, matrix.NewDense(y), DefaultOptions())
	require.NoError(t, err)
	for _, v := range beta.RawMatrix().Data {
		assert.False(t, math.IsNaN(v) || math.IsInf(v, 0))
	}
	// Minimum-norm solution splits weight evenly over duplicated predictors.
	for j := range 2 {
		assert.InDelta(t, beta.At(1, j), beta.At(2, j), 1e-8)
	}
}

func TestSolveRowMismatch(t *testing.T) {
	_, err := Solve(mat.NewDense(3, 2, nil), matrix.NewDense(mat.NewDense(4, 2, nil)), DefaultOptions())
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
}
