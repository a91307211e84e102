package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/setanarut/cnmf/matrix"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

func TestComputeTPM(t *testing.T) {
	counts := mat.NewDense(3, 2, []float64{1, 3, 0, 0, 5, 5})
	for _, m := range []matrix.Matrix{matrix.NewDense(counts), matrix.CSRFromDense(counts)} {
		tpm, err := ComputeTPM(m)
		require.NoError(t, err)
		sums := tpm.RowSums()
		assert.InDelta(t, TPMTotal, sums[0], 1e-6)
		assert.Equal(t, 0.0, sums[1])
		assert.InDelta(t, 250000, tpm.At(0, 0), 1e-6)
	}
}

func TestGenesRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "genes.txt")
	require.NoError(t, os.WriteFile(path, []byte(FormatGenes([]string{"A", "B", "C"})+"\n\n"), 0o644))
	genes, err := ReadGenes(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, genes)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o644))
	_, err = ReadGenes(path)
	require.ErrorIs(t, err, ErrEmptyGeneList)
}

func TestSyntheticShapes(t *testing.T) {
	s := NewSynthetic(30, 12, 3, 0.5, 4)
	r, c := s.Counts.Dims()
	assert.Equal(t, 30, r)
	assert.Equal(t, 12, c)
	for p := range 3 {
		assert.InDelta(t, 1, floats.Sum(s.Basis.RawRowView(p)), 1e-12)
	}
	assert.GreaterOrEqual(t, mat.Min(s.Counts), 0.0)

	path := filepath.Join(t.TempDir(), "counts.txt")
	require.NoError(t, SaveTable(s.Table(), path))
	back, err := ReadTable(path)
	require.NoError(t, err)
	assert.Equal(t, s.Genes, back.Columns)
	assert.True(t, mat.EqualApprox(s.Counts, back.Values, 1e-12))
}
