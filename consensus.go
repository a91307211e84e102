package cnmf

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/cluster"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/ols"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// statsOnlyThreshold is the threshold recorded for stats-only runs, which do
// not filter: unit vectors are at most 2 apart.
const statsOnlyThreshold = 2.0

// ConsensusStats summarises one rank for model selection.
type ConsensusStats struct {
	K                int     `yaml:"k"`
	DensityThreshold float64 `yaml:"local_density_threshold"`
	Silhouette       float64 `yaml:"silhouette"`
	PredictionError  float64 `yaml:"prediction_error"`
}

// Consensus holds the persisted outputs of a full consensus run.
type Consensus struct {
	K                int
	DensityThreshold float64
	// Spectra: k × high-variance genes, rows sum to 1.
	Spectra *artifact.Table
	// Usages: cells × k.
	Usages *artifact.Table
	// SpectraTPM: k × all genes in TPM units.
	SpectraTPM *artifact.Table
	// SpectraScore: k × all genes, z-score regression coefficients.
	SpectraScore *artifact.Table
	// Filtered is the number of replicate spectra dropped by density.
	Filtered int
}

// ConsensusBuilder runs the consensus stages for one rank. Every stage
// stores its output on the builder for the next one to read.
type ConsensusBuilder struct {
	run    *Run
	K      int
	Inputs *Inputs
	Merged *artifact.Table

	Normalized   *mat.Dense // merged spectra, rows at unit L2 norm
	Density      []float64
	Kept         []int // rows of Normalized that pass the density filter
	Clustering   cluster.Result
	Median       *mat.Dense // k × genes, rows sum to 1
	Usage        *mat.Dense // cells × k
	NormUsage    *mat.Dense // Usage with rows summing to 1
	Programs     []string
	SpectraTPM   *mat.Dense
	SpectraScore *mat.Dense
}

func (r *Run) NewConsensusBuilder(k int, merged *artifact.Table, in *Inputs) *ConsensusBuilder {
	return &ConsensusBuilder{run: r, K: k, Inputs: in, Merged: merged}
}

// Consensus loads the prepared inputs and merged spectra of rank k, builds
// and persists the consensus, and writes the starCAT reference when enabled.
func (r *Run) Consensus(k int, threshold float64) (*Consensus, error) {
	in, err := r.LoadInputs(true)
	if err != nil {
		return nil, err
	}
	merged, err := r.Store.Load(artifact.ForK(artifact.MergedSpectra, k))
	if err != nil {
		return nil, classify(err)
	}
	res, err := r.NewConsensusBuilder(k, merged, in).Build(threshold)
	if err != nil {
		return nil, err
	}
	if r.Options.BuildReference {
		if _, err := r.BuildReference(k, threshold, r.Options.TPMTargetSum); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// Build runs every stage and persists the consensus spectra, usages, TPM
// spectra and z-score spectra under (k, threshold).
func (cb *ConsensusBuilder) Build(threshold float64) (*Consensus, error) {
	if cb.Inputs.TPM == nil {
		return nil, fmt.Errorf("%w: consensus needs the tpm matrix", ErrResourceMissing)
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"normalize", cb.normalize},
		{"density", cb.density},
		{"filter", func() error { return cb.filter(threshold) }},
		{"cluster", cb.cluster},
		{"aggregate", cb.aggregate},
		{"refit_usage", cb.refitUsage},
		{"reorder", cb.reorder},
		{"tpm", cb.convertTPM},
		{"score", cb.score},
		{"final_refit", cb.finalRefit},
	}
	for _, s := range steps {
		if err := cb.stage(s.name, s.fn); err != nil {
			return nil, err
		}
	}
	res, err := cb.persist(threshold)
	if err != nil {
		return nil, err
	}
	cb.run.Log.Info().Int("k", cb.K).Float64("density_threshold", threshold).
		Int("filtered", res.Filtered).Int("kept", len(cb.Kept)).Msg("consensus written")
	return res, nil
}

// Stats clusters every replicate spectrum without density filtering, refits
// usage and returns the silhouette and prediction error. Nothing is persisted.
func (cb *ConsensusBuilder) Stats() (ConsensusStats, error) {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"normalize", cb.normalize},
		{"keep_all", cb.keepAll},
		{"cluster", cb.cluster},
		{"aggregate", cb.aggregate},
		{"refit_usage", cb.refitUsage},
	}
	for _, s := range steps {
		if err := cb.stage(s.name, s.fn); err != nil {
			return ConsensusStats{}, err
		}
	}
	x := cb.keptRows()
	sil, err := cluster.Silhouette(x, cb.Clustering.Labels)
	if err != nil {
		return ConsensusStats{}, fmt.Errorf("%w: silhouette at k=%d: %w", ErrDegenerateClustering, cb.K, err)
	}
	predErr, err := matrix.SquaredError(cb.Inputs.NormCounts.Matrix(), cb.Usage, cb.Median, cb.run.Options.Refit.ChunkSize)
	if err != nil {
		return ConsensusStats{}, classify(err)
	}
	stats := ConsensusStats{
		K:                cb.K,
		DensityThreshold: statsOnlyThreshold,
		Silhouette:       sil,
		PredictionError:  predErr,
	}
	k := strconv.Itoa(cb.K)
	cb.run.Metrics.Silhouette.WithLabelValues(k).Set(sil)
	cb.run.Metrics.PredictionError.WithLabelValues(k).Set(predErr)
	cb.run.Log.Info().Int("k", cb.K).Float64("silhouette", sil).Float64("prediction_error", predErr).Msg("consensus stats")
	return stats, nil
}

func (cb *ConsensusBuilder) stage(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	cb.run.Metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("consensus k=%d %s: %w", cb.K, name, err)
	}
	cb.run.Log.Debug().Int("k", cb.K).Str("stage", name).Dur("took", time.Since(start)).Msg("stage done")
	return nil
}

func (cb *ConsensusBuilder) normalize() error {
	if cb.Merged == nil {
		return fmt.Errorf("%w: merged spectra for k=%d", ErrResourceMissing, cb.K)
	}
	if !slices.Equal(cb.Merged.Columns, cb.Inputs.NormCounts.Columns) {
		return fmt.Errorf("%w: merged spectra and normalized counts cover different genes", ErrDataShape)
	}
	cb.Normalized = matrix.NormalizeRowsL2(cb.Merged.Values)
	return nil
}

// density loads the local density of rank k from the cache or computes and
// caches it. The cache is keyed by k alone since density does not depend on
// the threshold.
func (cb *ConsensusBuilder) density() error {
	key := artifact.ForK(artifact.LocalDensityCache, cb.K)
	rows, _ := cb.Normalized.Dims()
	cached, err := cb.run.Store.Load(key)
	switch {
	case err == nil && slices.Equal(cached.Index, cb.Merged.Index):
		cb.Density = mat.Col(nil, 0, cached.Matrix())
		cb.run.Metrics.DensityCacheHits.Inc()
		return nil
	case err == nil:
		cb.run.Log.Warn().Int("k", cb.K).Msg("density cache does not match merged spectra, recomputing")
	case !errors.Is(err, artifact.ErrMissing):
		cb.run.Log.Warn().Err(err).Int("k", cb.K).Msg("density cache unreadable, recomputing")
	}
	cb.run.Metrics.DensityCacheMisses.Inc()

	n := neighborCount(cb.run.Options.LocalNeighborhoodSize, rows, cb.K)
	d, err := localDensity(cb.Normalized, n)
	if err != nil {
		return err
	}
	t, err := artifact.NewTable(mat.NewDense(rows, 1, slices.Clone(d)), cb.Merged.Index, []string{"local_density"})
	if err != nil {
		return classify(err)
	}
	if err := cb.run.Store.Save(key, t); err != nil {
		return err
	}
	cb.Density = d
	return nil
}

func (cb *ConsensusBuilder) filter(threshold float64) error {
	cb.Kept = cb.Kept[:0]
	for i, d := range cb.Density {
		if d < threshold {
			cb.Kept = append(cb.Kept, i)
		}
	}
	dropped := len(cb.Density) - len(cb.Kept)
	cb.run.Metrics.FilteredSpectra.WithLabelValues(strconv.Itoa(cb.K)).Set(float64(dropped))
	if len(cb.Kept) == 0 {
		return fmt.Errorf("%w: zero spectra remain after density filtering at %v; increase the density threshold",
			ErrConfiguration, threshold)
	}
	return nil
}

func (cb *ConsensusBuilder) keepAll() error {
	rows, _ := cb.Normalized.Dims()
	cb.Kept = make([]int, rows)
	for i := range cb.Kept {
		cb.Kept[i] = i
	}
	return nil
}

func (cb *ConsensusBuilder) keptRows() *mat.Dense {
	_, c := cb.Normalized.Dims()
	x := mat.NewDense(len(cb.Kept), c, nil)
	for i, r := range cb.Kept {
		x.SetRow(i, cb.Normalized.RawRowView(r))
	}
	return x
}

func (cb *ConsensusBuilder) cluster() error {
	res, err := cluster.KMeans(cb.keptRows(), cb.K, cb.run.Options.Cluster)
	if err != nil {
		return classify(err)
	}
	cb.Clustering = res
	return nil
}

// aggregate takes the element-wise median of every cluster's members and
// rescales each median row to sum to 1.
func (cb *ConsensusBuilder) aggregate() error {
	_, genes := cb.Normalized.Dims()
	members := make([][]int, cb.K)
	for i, l := range cb.Clustering.Labels {
		members[l] = append(members[l], cb.Kept[i])
	}
	med := mat.NewDense(cb.K, genes, nil)
	for c, rows := range members {
		if len(rows) == 0 {
			return fmt.Errorf("%w: cluster %d is empty", ErrDegenerateClustering, c)
		}
		col := make([]float64, len(rows))
		out := med.RawRowView(c)
		for j := range genes {
			for p, r := range rows {
				col[p] = cb.Normalized.At(r, j)
			}
			out[j] = median(col)
		}
	}
	cb.Median = matrix.NormalizeRowsSum(med, 1)
	return nil
}

// median sorts v in place.
func median(v []float64) float64 {
	slices.Sort(v)
	n := len(v)
	if n%2 == 1 {
		return v[n/2]
	}
	return (v[n/2-1] + v[n/2]) / 2
}

func (cb *ConsensusBuilder) refitUsage() error {
	u, err := cb.run.refit("usage", cb.Inputs.NormCounts.Matrix(), cb.Median)
	if err != nil {
		return err
	}
	cb.Usage = u
	return nil
}

// reorder sorts programs by their summed share of cell usage, largest first,
// and labels them 1..k.
func (cb *ConsensusBuilder) reorder() error {
	norm := matrix.NormalizeRowsSum(cb.Usage, 1)
	totals := make([]float64, cb.K)
	for j := range cb.K {
		totals[j] = floats.Sum(mat.Col(nil, j, norm))
	}
	order := make([]int, cb.K)
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int { return cmp.Compare(totals[b], totals[a]) })

	cb.Usage = permuteCols(cb.Usage, order)
	cb.NormUsage = permuteCols(norm, order)
	cb.Median = permuteRows(cb.Median, order)
	cb.Programs = programLabels("", cb.K)
	return nil
}

func permuteCols(m *mat.Dense, order []int) *mat.Dense {
	r, _ := m.Dims()
	out := mat.NewDense(r, len(order), nil)
	for j, src := range order {
		out.SetCol(j, mat.Col(nil, src, m))
	}
	return out
}

func permuteRows(m *mat.Dense, order []int) *mat.Dense {
	_, c := m.Dims()
	out := mat.NewDense(len(order), c, nil)
	for i, src := range order {
		out.SetRow(i, m.RawRowView(src))
	}
	return out
}

// convertTPM refits spectra against the TPM matrix with the normalized usage
// held fixed.
func (cb *ConsensusBuilder) convertTPM() error {
	tpm := cb.Inputs.TPM
	if n, _ := tpm.Dims(); n != len(cb.Inputs.NormCounts.Index) {
		return fmt.Errorf("%w: tpm has %d cells, normalized counts %d", ErrDataShape, n, len(cb.Inputs.NormCounts.Index))
	}
	s, err := cb.run.refitSpectra("spectra_tpm", tpm.Matrix(), cb.NormUsage)
	if err != nil {
		return err
	}
	if cb.run.Options.NormalizeTPMSpectra {
		s = matrix.NormalizeRowsSum(s, cb.run.Options.TPMTargetSum)
	}
	cb.SpectraTPM = s
	return nil
}

// score regresses the z-scored TPM matrix on the usages.
func (cb *ConsensusBuilder) score() error {
	opt := cb.run.Options.OLS
	opt.NormalizeY = true
	beta, err := ols.Solve(cb.Usage, cb.Inputs.TPM.Matrix(), opt)
	if err != nil {
		return classify(err)
	}
	cb.SpectraScore = beta
	return nil
}

// finalRefit refits usage on the high-variance genes of the TPM matrix scaled
// to unit sample variance, against the TPM spectra divided by the TPM gene
// standard deviations.
func (cb *ConsensusBuilder) finalRefit() error {
	if !cb.run.Options.RefitUsage {
		return nil
	}
	pos, err := cb.Inputs.TPM.ColumnPositions(cb.Inputs.HighVarGenes)
	if err != nil {
		return classify(err)
	}
	normTPM := matrix.ColumnSubset(cb.Inputs.TPM.Matrix(), pos)
	_, variance := matrix.ColumnMeanVar(normTPM, 1)
	std := make([]float64, len(variance))
	for j, v := range variance {
		std[j] = math.Sqrt(v)
	}
	if normTPM, err = matrix.ScaleColumns(normTPM, std); err != nil {
		return classify(err)
	}

	geneStd := make([]float64, len(pos))
	for i, p := range pos {
		geneStd[i] = cb.Inputs.TPMStd[p]
	}
	spectra := matrix.ColumnSubset(matrix.NewDense(cb.SpectraTPM), pos)
	if spectra, err = matrix.ScaleColumns(spectra, geneStd); err != nil {
		return classify(err)
	}
	u, err := cb.run.refit("usage_tpm", normTPM, matrix.ToDense(spectra))
	if err != nil {
		return err
	}
	cb.Usage = u
	return nil
}

func (cb *ConsensusBuilder) persist(threshold float64) (*Consensus, error) {
	in := cb.Inputs
	res := &Consensus{K: cb.K, DensityThreshold: threshold, Filtered: len(cb.Density) - len(cb.Kept)}
	tables := []struct {
		slot artifact.Slot
		dst  **artifact.Table
		vals *mat.Dense
		idx  []string
		cols []string
	}{
		{artifact.ConsensusSpectra, &res.Spectra, cb.Median, cb.Programs, in.NormCounts.Columns},
		{artifact.ConsensusUsages, &res.Usages, cb.Usage, in.NormCounts.Index, cb.Programs},
		{artifact.GeneSpectraTPM, &res.SpectraTPM, cb.SpectraTPM, cb.Programs, in.TPM.Columns},
		{artifact.GeneSpectraScore, &res.SpectraScore, cb.SpectraScore, cb.Programs, in.TPM.Columns},
	}
	for _, t := range tables {
		tb, err := artifact.NewTable(t.vals, t.idx, t.cols)
		if err != nil {
			return nil, classify(fmt.Errorf("%s: %w", t.slot, err))
		}
		if err := cb.run.Store.SaveAndExport(artifact.ForThreshold(t.slot, cb.K, threshold), tb); err != nil {
			return nil, err
		}
		*t.dst = tb
	}
	return res, nil
}
