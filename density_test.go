package cnmf

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLocalDensityByHand(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{
		1, 0,
		0.6, 0.8,
		0, 1,
	})
	d, err := localDensity(x, 1)
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(0.8), d[0], 1e-12)
	assert.InDelta(t, math.Sqrt(0.4), d[1], 1e-12)
	assert.InDelta(t, math.Sqrt(0.4), d[2], 1e-12)

	d2, err := localDensity(x, 2)
	require.NoError(t, err)
	assert.InDelta(t, (math.Sqrt(0.8)+math.Sqrt2)/2, d2[0], 1e-12)

	again, err := localDensity(x, 1)
	require.NoError(t, err)
	assert.Equal(t, d, again)
}

func TestLocalDensityRejectsNeighbourCount(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 0, 0, 1, 1, 0})
	_, err := localDensity(x, 0)
	require.ErrorIs(t, err, ErrConfiguration)
	_, err = localDensity(x, 3)
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestNeighborCount(t *testing.T) {
	assert.Equal(t, 6, neighborCount(0.3, 60, 3))
	assert.Equal(t, 30, neighborCount(0.3, 1000, 10))
	assert.Equal(t, 0, neighborCount(0.3, 3, 3))
}

func TestPairwiseDistancesDiagonal(t *testing.T) {
	x := mat.NewDense(2, 3, []float64{1, 2, 3, 1, 2, 3})
	d := pairwiseDistances(x)
	assert.Equal(t, 0.0, d.At(0, 0))
	assert.Equal(t, 0.0, d.At(0, 1))
	assert.False(t, math.IsNaN(d.At(1, 0)))
}
