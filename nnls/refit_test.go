package nnls

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/setanarut/cnmf/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func randomNonNegative(rng *rand.Rand, r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(r, c, data)
}

func frobeniusError(x, h, w *mat.Dense) float64 {
	var pred mat.Dense
	pred.Mul(h, w)
	pred.Sub(x, &pred)
	return mat.Norm(&pred, 2)
}

func TestRefitNonNegative(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	for trial := range 5 {
		x := randomNonNegative(rng, 40, 12)
		w := randomNonNegative(rng, 4, 12)
		opt := DefaultOptions()
		opt.ChunkSize = 7
		opt.Seed = uint64(trial)
		if trial%2 == 1 {
			opt.L1 = 0.1
			opt.L2 = 0.05
		}
		r, err := New(opt)
		require.NoError(t, err)

		h, rep, err := r.Refit(matrix.NewDense(x), w, nil)
		require.NoError(t, err)
		assert.Equal(t, 6, rep.Chunks)
		rows, cols := h.Dims()
		require.Equal(t, 40, rows)
		require.Equal(t, 4, cols)
		for _, v := range h.RawMatrix().Data {
			require.False(t, math.IsNaN(v))
			require.GreaterOrEqual(t, v, 0.0)
		}
	}
}

func TestMultiplicativeUpdateMonotone(t *testing.T) {
	rng := rand.New(rand.NewPCG(11, 13))
	x := randomNonNegative(rng, 15, 9)
	w := randomNonNegative(rng, 3, 9)
	h := randomNonNegative(rng, 15, 3)

	var wwt, numer mat.Dense
	wwt.Mul(w, w.T())
	numer.Mul(x, w.T())

	next := mat.NewDense(15, 3, nil)
	prev := frobeniusError(x, h, w)
	for range 100 {
		muStep(next, h, &numer, &wwt, 0, 1e-16)
		h.Copy(next)
		cur := frobeniusError(x, h, w)
		require.LessOrEqual(t, cur, prev*(1+1e-12))
		prev = cur
	}
}

func TestRefitChunkSizeInvariant(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 9))
	x := randomNonNegative(rng, 23, 10)
	w := randomNonNegative(rng, 3, 10)
	hInit := randomNonNegative(rng, 23, 3)

	fit := func(chunk int) *mat.Dense {
		opt := DefaultOptions()
		opt.ChunkSize = chunk
		opt.Tolerance = 0
		opt.MaxIter = 50
		r, err := New(opt)
		require.NoError(t, err)
		h, rep, err := r.Refit(matrix.NewDense(x), w, hInit)
		require.NoError(t, err)
		assert.Equal(t, rep.Chunks, rep.Unconverged)
		return h
	}

	want := fit(23)
	for _, chunk := range []int{1, 4, 10, 100} {
		got := fit(chunk)
		assert.True(t, mat.EqualApprox(want, got, 1e-10), "chunk size %d", chunk)
	}
}

func TestRefitSparseMatchesDense(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	x := randomNonNegative(rng, 30, 8)
	x.Apply(func(_, _ int, v float64) float64 {
		if v < 0.5 {
			return 0
		}
		return v
	}, x)
	w := randomNonNegative(rng, 2, 8)

	r, err := New(DefaultOptions())
	require.NoError(t, err)
	hd, _, err := r.Refit(matrix.NewDense(x), w, nil)
	require.NoError(t, err)
	hs, _, err := r.Refit(matrix.CSRFromDense(x), w, nil)
	require.NoError(t, err)
	assert.True(t, mat.EqualApprox(hd, hs, 1e-12))
}

func TestRefitRecoversExactUsage(t *testing.T) {
	rng := rand.New(rand.NewPCG(21, 22))
	w := randomNonNegative(rng, 3, 20)
	hTrue := randomNonNegative(rng, 50, 3)
	var x mat.Dense
	x.Mul(hTrue, w)

	opt := DefaultOptions()
	opt.Tolerance = 1e-10
	opt.MaxIter = 5000
	r, err := New(opt)
	require.NoError(t, err)
	h, _, err := r.Refit(matrix.NewDense(&x), w, nil)
	require.NoError(t, err)

	rel := frobeniusError(&x, h, w) / mat.Norm(&x, 2)
	assert.Less(t, rel, 1e-2)
}

func TestRefitZeroDenominator(t *testing.T) {
	w := mat.NewDense(2, 3, []float64{
		1, 2, 3,
		0, 0, 0,
	})
	x := mat.NewDense(2, 3, []float64{
		2, 4, 6,
		1, 2, 3,
	})
	r, err := New(DefaultOptions())
	require.NoError(t, err)
	h, _, err := r.Refit(matrix.NewDense(x), w, nil)
	require.NoError(t, err)
	for i := range 2 {
		assert.Equal(t, 0.0, h.At(i, 1))
		assert.False(t, math.IsNaN(h.At(i, 0)))
	}
}

func TestRefitShapeMismatch(t *testing.T) {
	r, err := New(DefaultOptions())
	require.NoError(t, err)
	_, _, err = r.Refit(matrix.NewDense(mat.NewDense(2, 3, nil)), mat.NewDense(2, 4, nil), nil)
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)

	_, _, err = r.Refit(matrix.NewDense(mat.NewDense(2, 3, nil)), mat.NewDense(2, 3, nil), mat.NewDense(3, 2, nil))
	require.ErrorIs(t, err, matrix.ErrDimensionMismatch)
}

func TestNewRejectsBadOptions(t *testing.T) {
	opt := DefaultOptions()
	opt.Device = Accelerator
	_, err := New(opt)
	require.ErrorIs(t, err, ErrDeviceUnavailable)

	opt = DefaultOptions()
	opt.ChunkSize = 0
	_, err = New(opt)
	require.ErrorIs(t, err, ErrBadOption)

	_, err = ParseDevice("tpu")
	require.ErrorIs(t, err, ErrUnknownDevice)
	d, err := ParseDevice("CUDA")
	require.NoError(t, err)
	assert.Equal(t, Accelerator, d)
}

func TestParseLoss(t *testing.T) {
	cases := map[string]float64{
		"frobenius":        2,
		"kullback-leibler": 1,
		"itakura-saito":    0,
	}
	for name, beta := range cases {
		l, err := ParseLoss(name)
		require.NoError(t, err)
		assert.Equal(t, beta, l.Beta())
		assert.Equal(t, name, l.String())
	}
	_, err := ParseLoss("hinge")
	require.ErrorIs(t, err, ErrUnknownLoss)
}
