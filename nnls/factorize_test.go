package nnls

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestFactorizeReducesLoss(t *testing.T) {
	rng := rand.New(rand.NewPCG(5, 8))
	u := randomNonNegative(rng, 30, 2)
	s := randomNonNegative(rng, 2, 12)
	var x mat.Dense
	x.Mul(u, s)

	for _, loss := range []Loss{Frobenius, KullbackLeibler, ItakuraSaito} {
		opt := DefaultFactorizeOptions()
		opt.Loss = loss
		opt.MaxIter = 1
		_, _, first, err := Factorize(&x, 2, opt)
		require.NoError(t, err)

		opt.MaxIter = 300
		opt.Tolerance = 0
		usage, spectra, last, err := Factorize(&x, 2, opt)
		require.NoError(t, err)
		assert.Less(t, last, first, loss.String())

		for _, m := range []*mat.Dense{usage, spectra} {
			for _, v := range m.RawMatrix().Data {
				require.GreaterOrEqual(t, v, 0.0)
			}
		}
	}
}

func TestFactorizeDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 1))
	x := randomNonNegative(rng, 10, 6)
	opt := DefaultFactorizeOptions()
	opt.Seed = 42
	_, s1, _, err := Factorize(x, 3, opt)
	require.NoError(t, err)
	_, s2, _, err := Factorize(x, 3, opt)
	require.NoError(t, err)
	assert.True(t, mat.Equal(s1, s2))
}

func TestFactorizeRejectsRank(t *testing.T) {
	_, _, _, err := Factorize(mat.NewDense(3, 4, nil), 5, DefaultFactorizeOptions())
	require.ErrorIs(t, err, ErrBadOption)
}
