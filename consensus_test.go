package cnmf

import (
	"bytes"
	"math"
	"os"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const (
	testCells = 60
	testGenes = 30
	trueK     = 3
)

func newTestRun(t *testing.T) *Run {
	t.Helper()
	r, err := NewRun(t.TempDir(), "test", DefaultOptions(), zerolog.Nop())
	require.NoError(t, err)
	return r
}

// factorized prepares synthetic data from trueK programs, runs nIter
// replicates for every k in ks and combines them.
func factorized(t *testing.T, ks []int, nIter int) (*Run, *utils.Synthetic) {
	t.Helper()
	r := newTestRun(t)
	syn := utils.NewSynthetic(testCells, testGenes, trueK, 0.5, 7)
	require.NoError(t, r.Prepare(PrepareInput{
		Counts:     syn.Table(),
		Components: ks,
		NIter:      nIter,
		Seed:       14,
		Params:     DefaultRunParams(),
	}))
	require.NoError(t, r.Factorize(0, 1, false))
	_, err := r.Combine(nil, FailFast)
	require.NoError(t, err)
	return r, syn
}

func loadBuilder(t *testing.T, r *Run, k int) *ConsensusBuilder {
	t.Helper()
	in, err := r.LoadInputs(true)
	require.NoError(t, err)
	merged, err := r.Store.Load(artifact.ForK(artifact.MergedSpectra, k))
	require.NoError(t, err)
	return r.NewConsensusBuilder(k, merged, in)
}

func TestConsensusRecoversPrograms(t *testing.T) {
	r, syn := factorized(t, []int{trueK}, 20)
	res, err := r.Consensus(trueK, 0.5)
	require.NoError(t, err)

	spectra := res.Spectra.Values
	rows, genes := spectra.Dims()
	require.Equal(t, trueK, rows)
	require.Equal(t, testGenes, genes)
	for i := range rows {
		assert.InDelta(t, 1, floats.Sum(spectra.RawRowView(i)), 1e-9)
		assert.GreaterOrEqual(t, floats.Min(spectra.RawRowView(i)), 0.0)
	}
	assert.Equal(t, []string{"1", "2", "3"}, res.Spectra.Index)

	// Factorization runs on unit-variance genes, so the programs it can
	// recover are the true basis divided by the gene standard deviations.
	_, variance := matrix.ColumnMeanVar(matrix.NewDense(syn.Counts), 1)
	for p := range trueK {
		truth := mat.Row(nil, p, syn.Basis)
		for g := range truth {
			truth[g] /= math.Sqrt(variance[g])
		}
		best := -1.0
		for i := range rows {
			best = math.Max(best, stat.Correlation(truth, spectra.RawRowView(i), nil))
		}
		assert.Greater(t, best, 0.95, "program %d", p)
	}

	usage := res.Usages.Values
	assert.GreaterOrEqual(t, mat.Min(usage), 0.0)
	ur, uc := usage.Dims()
	assert.Equal(t, testCells, ur)
	assert.Equal(t, trueK, uc)

	for _, slot := range []artifact.Slot{artifact.ConsensusSpectra, artifact.ConsensusUsages,
		artifact.GeneSpectraTPM, artifact.GeneSpectraScore, artifact.StarcatSpectra} {
		key := artifact.ForThreshold(slot, trueK, 0.5)
		assert.True(t, r.Store.Exists(key), "%s", key)
		_, err := os.Stat(r.Store.TextPath(key))
		assert.NoError(t, err, "%s", key)
	}
	assert.True(t, r.Store.Exists(artifact.ForK(artifact.LocalDensityCache, trueK)))
}

func TestConsensusThresholdAboveDensityMatchesUnfiltered(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)

	open := loadBuilder(t, r, trueK)
	_, err := open.Build(2.0)
	require.NoError(t, err)

	tight := loadBuilder(t, r, trueK)
	_, err = tight.Build(floats.Max(open.Density) + 1e-9)
	require.NoError(t, err)

	assert.Len(t, tight.Kept, len(open.Density))
	assert.Equal(t, open.Density, tight.Density)
	assert.Equal(t, open.Clustering.Labels, tight.Clustering.Labels)
	assert.True(t, mat.Equal(open.Median, tight.Median))

	stats := loadBuilder(t, r, trueK)
	_, err = stats.Stats()
	require.NoError(t, err)
	assert.Equal(t, open.Clustering.Labels, stats.Clustering.Labels)
}

func TestConsensusAllFilteredIsConfigurationError(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	cb := loadBuilder(t, r, trueK)
	require.NoError(t, cb.normalize())
	require.NoError(t, cb.density())

	_, err := loadBuilder(t, r, trueK).Build(floats.Min(cb.Density))
	require.ErrorIs(t, err, ErrConfiguration)
}

func TestConsensusThresholdAtMaxDensityDropsDensest(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	cb := loadBuilder(t, r, trueK)
	require.NoError(t, cb.normalize())
	require.NoError(t, cb.density())

	top := floats.Max(cb.Density)
	var atMax int
	for _, d := range cb.Density {
		if d == top {
			atMax++
		}
	}
	require.NoError(t, cb.filter(top))
	assert.Len(t, cb.Kept, len(cb.Density)-atMax)
	for _, i := range cb.Kept {
		assert.Less(t, cb.Density[i], top)
	}
}

func TestUnreadableDensityCacheIsRebuilt(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	var logs bytes.Buffer
	r.Log = zerolog.New(&logs)

	key := artifact.ForK(artifact.LocalDensityCache, trueK)
	require.NoError(t, r.Store.WriteFile(key, []byte("truncated")))

	cb := loadBuilder(t, r, trueK)
	require.NoError(t, cb.normalize())
	require.NoError(t, cb.density())
	assert.Contains(t, logs.String(), "density cache unreadable")
	assert.Contains(t, logs.String(), "malformed table")

	cached, err := r.Store.Load(key)
	require.NoError(t, err)
	assert.Equal(t, cb.Density, mat.Col(nil, 0, cached.Values))

	logs.Reset()
	again := loadBuilder(t, r, trueK)
	require.NoError(t, again.normalize())
	require.NoError(t, again.density())
	assert.Empty(t, logs.String())
	assert.Equal(t, cb.Density, again.Density)
}

func TestDensityFilterDeterministic(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	var kept [][]int
	for range 3 {
		cb := loadBuilder(t, r, trueK)
		require.NoError(t, cb.normalize())
		require.NoError(t, cb.density())
		threshold := floats.Sum(cb.Density) / float64(len(cb.Density))
		require.NoError(t, cb.filter(threshold))
		kept = append(kept, slices.Clone(cb.Kept))
	}
	assert.Equal(t, kept[0], kept[1])
	assert.Equal(t, kept[0], kept[2])
}

func TestConsensusClusteringDeterministic(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	a := loadBuilder(t, r, trueK)
	_, err := a.Stats()
	require.NoError(t, err)
	b := loadBuilder(t, r, trueK)
	_, err = b.Stats()
	require.NoError(t, err)
	assert.Equal(t, a.Clustering.Labels, b.Clustering.Labels)
}

func TestStatsOnlyPersistsNothing(t *testing.T) {
	r, _ := factorized(t, []int{trueK}, 8)
	s, err := loadBuilder(t, r, trueK).Stats()
	require.NoError(t, err)
	assert.Equal(t, trueK, s.K)
	assert.Equal(t, 2.0, s.DensityThreshold)
	assert.Greater(t, s.Silhouette, 0.5)
	assert.Greater(t, s.PredictionError, 0.0)

	assert.False(t, r.Store.Exists(artifact.ForK(artifact.LocalDensityCache, trueK)))
	assert.False(t, r.Store.Exists(artifact.ForThreshold(artifact.ConsensusSpectra, trueK, 2)))
}

func TestReorderByUsage(t *testing.T) {
	r := newTestRun(t)
	cb := r.NewConsensusBuilder(2, nil, nil)
	cb.Usage = mat.NewDense(3, 2, []float64{
		1, 3,
		0, 2,
		1, 1,
	})
	cb.Median = mat.NewDense(2, 2, []float64{0.9, 0.1, 0.2, 0.8})
	require.NoError(t, cb.reorder())

	assert.Equal(t, []float64{3, 2, 1}, mat.Col(nil, 0, cb.Usage))
	assert.Equal(t, []float64{0.2, 0.8}, cb.Median.RawRowView(0))
	assert.Equal(t, []float64{0.75, 1, 0.5}, mat.Col(nil, 0, cb.NormUsage))
	assert.Equal(t, []string{"1", "2"}, cb.Programs)
}

func TestMedianEvenAndOdd(t *testing.T) {
	assert.Equal(t, 2.0, median([]float64{3, 1, 2}))
	assert.Equal(t, 2.5, median([]float64{4, 1, 3, 2}))
}
