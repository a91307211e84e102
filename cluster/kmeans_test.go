package cluster

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func blobs(seed uint64, perCluster int, centers [][]float64, spread float64) (*mat.Dense, []int) {
	rng := rand.New(rand.NewPCG(seed, seed))
	dim := len(centers[0])
	n := perCluster * len(centers)
	x := mat.NewDense(n, dim, nil)
	truth := make([]int, n)
	for c, center := range centers {
		for p := range perCluster {
			i := c*perCluster + p
			truth[i] = c
			for j := range dim {
				x.Set(i, j, center[j]+spread*rng.NormFloat64())
			}
		}
	}
	return x, truth
}

func TestKMeansSeparatedBlobs(t *testing.T) {
	x, truth := blobs(1, 20, [][]float64{{0, 0}, {5, 5}, {-5, 5}}, 0.2)
	res, err := KMeans(x, 3, DefaultOptions())
	require.NoError(t, err)
	require.Len(t, res.Labels, 60)
	assert.Equal(t, []int{20, 20, 20}, res.Sizes())

	// Same truth group ⇒ same label, and vice versa.
	for i := range truth {
		for j := range truth {
			assert.Equal(t, truth[i] == truth[j], res.Labels[i] == res.Labels[j])
		}
	}
}

func TestKMeansDeterministic(t *testing.T) {
	x, _ := blobs(9, 15, [][]float64{{0, 1, 0}, {1, 0, 0}, {0, 0, 1}, {1, 1, 1}}, 0.4)
	first, err := KMeans(x, 4, DefaultOptions())
	require.NoError(t, err)
	for range 3 {
		again, err := KMeans(x, 4, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, first.Labels, again.Labels)
		assert.Equal(t, first.Inertia, again.Inertia)
	}
}

func TestKMeansTooFewPoints(t *testing.T) {
	_, err := KMeans(mat.NewDense(2, 2, []float64{0, 0, 1, 1}), 3, DefaultOptions())
	require.ErrorIs(t, err, ErrTooFewPoints)
}

func TestSilhouetteByHand(t *testing.T) {
	x := mat.NewDense(4, 1, []float64{0, 1, 10, 11})
	s, err := Silhouette(x, []int{0, 0, 1, 1})
	require.NoError(t, err)
	want := (8.5/9.5 + 9.5/10.5) / 2
	assert.InDelta(t, want, s, 1e-12)
}

func TestSilhouetteRejectsSingleCluster(t *testing.T) {
	_, err := Silhouette(mat.NewDense(3, 1, []float64{1, 2, 3}), []int{0, 0, 0})
	require.Error(t, err)
}
