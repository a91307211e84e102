package cnmf

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/matrix"
	"gonum.org/v1/gonum/mat"
)

// BuildReference writes starCAT reference spectra for (k, threshold): the TPM
// spectra renormalized to targetSum, divided by the TPM gene standard
// deviations and restricted to the high-variance genes, rows labeled GEP<i>.
func (r *Run) BuildReference(k int, threshold, targetSum float64) (*artifact.Table, error) {
	spectra, err := r.Store.Load(artifact.ForThreshold(artifact.GeneSpectraTPM, k, threshold))
	if err != nil {
		return nil, classify(err)
	}
	stats, err := r.Store.Load(artifact.Global(artifact.TPMStats))
	if err != nil {
		return nil, classify(err)
	}
	std, err := tpmStd(stats, spectra.Columns)
	if err != nil {
		return nil, err
	}
	hvgs, err := r.highVarGenes()
	if err != nil {
		return nil, err
	}
	pos, err := spectra.ColumnPositions(hvgs)
	if err != nil {
		return nil, classify(err)
	}

	renorm := matrix.NormalizeRowsSum(spectra.Values, targetSum)
	varnorm, err := matrix.ScaleColumns(matrix.NewDense(renorm), std)
	if err != nil {
		return nil, classify(err)
	}
	ref := matrix.ToDense(matrix.ColumnSubset(varnorm, pos))

	index := make([]string, len(spectra.Index))
	for i, l := range spectra.Index {
		index[i] = "GEP" + l
	}
	t, err := artifact.NewTable(ref, index, slices.Clone(hvgs))
	if err != nil {
		return nil, classify(err)
	}
	if err := r.Store.SaveAndExport(artifact.ForThreshold(artifact.StarcatSpectra, k, threshold), t); err != nil {
		return nil, err
	}
	r.Log.Info().Int("k", k).Float64("density_threshold", threshold).Msg("starCAT reference written")
	return t, nil
}

// Results are the consensus outputs of one (k, threshold) ready for
// downstream analysis.
type Results struct {
	Usage        *artifact.Table // cells × k
	SpectraScore *artifact.Table // k × genes
	SpectraTPM   *artifact.Table // k × genes
	// TopGenes[p] ranks the genes of program p by descending z-score.
	TopGenes [][]string
}

// LoadResults reads the consensus of (k, threshold). normUsage rescales every
// cell's usage to sum to 1.
func (r *Run) LoadResults(k int, threshold float64, nTopGenes int, normUsage bool) (*Results, error) {
	load := func(s artifact.Slot) (*artifact.Table, error) {
		t, err := r.Store.Load(artifact.ForThreshold(s, k, threshold))
		return t, classify(err)
	}
	usage, err := load(artifact.ConsensusUsages)
	if err != nil {
		return nil, err
	}
	score, err := load(artifact.GeneSpectraScore)
	if err != nil {
		return nil, err
	}
	tpm, err := load(artifact.GeneSpectraTPM)
	if err != nil {
		return nil, err
	}
	if normUsage {
		usage = &artifact.Table{
			Index:   usage.Index,
			Columns: usage.Columns,
			Values:  matrix.NormalizeRowsSum(usage.Values, 1),
		}
	}
	return &Results{
		Usage:        usage,
		SpectraScore: score,
		SpectraTPM:   tpm,
		TopGenes:     topGenes(score, nTopGenes),
	}, nil
}

func topGenes(score *artifact.Table, n int) [][]string {
	programs, genes := score.Dims()
	n = min(max(n, 0), genes)
	out := make([][]string, programs)
	order := make([]int, genes)
	for p := range programs {
		row := score.Values.RawRowView(p)
		for j := range order {
			order[j] = j
		}
		slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(row[b], row[a]) })
		out[p] = make([]string, n)
		for i := range n {
			out[p][i] = score.Columns[order[i]]
		}
	}
	return out
}

// KSelectionStats reads the statistics written by the last rank sweep.
func (r *Run) KSelectionStats() ([]ConsensusStats, error) {
	t, err := r.Store.Load(artifact.Global(artifact.KSelectionStats))
	if err != nil {
		return nil, classify(err)
	}
	if _, c := t.Dims(); c != len(statsColumns) {
		return nil, fmt.Errorf("%w: k selection table has %d columns", ErrDataShape, c)
	}
	rows, _ := t.Dims()
	out := make([]ConsensusStats, rows)
	for i := range rows {
		v := mat.Row(nil, i, t.Values)
		out[i] = ConsensusStats{K: int(v[0]), DensityThreshold: v[1], Silhouette: v[2], PredictionError: v[3]}
	}
	return out, nil
}
