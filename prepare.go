package cnmf

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/nnls"
	"github.com/setanarut/cnmf/shard"
	"github.com/setanarut/cnmf/utils"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

const (
	tpmMeanColumn = "__mean"
	tpmStdColumn  = "__std"
)

// ReplicateParam is one factorization job.
type ReplicateParam struct {
	K         int    `yaml:"n_components"`
	Iter      int    `yaml:"iter"`
	Seed      uint64 `yaml:"nmf_seed"`
	Completed bool   `yaml:"completed"`
}

// RunParams are the factorization settings shared by every replicate.
type RunParams struct {
	Loss         nnls.Loss   `yaml:"beta_loss"`
	AlphaUsage   float64     `yaml:"alpha_usage"`
	AlphaSpectra float64     `yaml:"alpha_spectra"`
	Tolerance    float64     `yaml:"tol"`
	MaxIter      int         `yaml:"max_iter"`
	Device       nnls.Device `yaml:"device"`
}

func DefaultRunParams() RunParams {
	f := nnls.DefaultFactorizeOptions()
	return RunParams{
		Loss:      nnls.Frobenius,
		Tolerance: f.Tolerance,
		MaxIter:   f.MaxIter,
		Device:    nnls.CPU,
	}
}

type replicateFile struct {
	Replicates []ReplicateParam `yaml:"replicates"`
}

// GeneSelector picks high-variance genes from a TPM matrix when no list is
// given to Prepare.
type GeneSelector interface {
	Select(tpm matrix.Matrix, genes []string) ([]string, error)
}

// PrepareInput describes one Prepare call.
type PrepareInput struct {
	Counts *artifact.Table
	// TPM is computed from Counts when nil.
	TPM          *artifact.Table
	HighVarGenes []string
	// Selector is consulted when HighVarGenes is empty. With neither, every
	// gene is used.
	Selector   GeneSelector
	Components []int
	NIter      int
	Seed       uint64
	Params     RunParams
	// Sparse stores the prepared matrices in compressed rows.
	Sparse bool
}

// Prepare writes everything the factorization workers need: TPM and its gene
// statistics, variance-normalized counts over the high-variance genes, the
// gene list and the replicate parameters.
func (r *Run) Prepare(in PrepareInput) error {
	if in.Counts == nil || len(in.Components) == 0 || in.NIter <= 0 {
		return fmt.Errorf("%w: prepare needs counts, components and a positive iteration count", ErrConfiguration)
	}
	if _, err := nnls.New(nnls.Options{ChunkSize: 1, MaxIter: 1, Device: in.Params.Device}); err != nil {
		return classify(err)
	}
	counts := in.Counts.Matrix()
	if in.Sparse && !counts.Sparse() {
		counts = matrix.CSRFromDense(counts)
	}

	tpmTable := in.TPM
	if tpmTable == nil {
		tpm, err := utils.ComputeTPM(counts)
		if err != nil {
			return classify(err)
		}
		if tpmTable, err = artifact.FromMatrix(tpm, in.Counts.Index, in.Counts.Columns); err != nil {
			return classify(err)
		}
	}
	if in.Sparse {
		tpmTable = tpmTable.Compressed()
	}
	if len(tpmTable.Index) != len(in.Counts.Index) {
		return fmt.Errorf("%w: counts have %d cells, tpm %d", ErrDataShape, len(in.Counts.Index), len(tpmTable.Index))
	}
	tpm := tpmTable.Matrix()

	mean, variance := matrix.ColumnMeanVar(tpm, 0)
	stats := mat.NewDense(len(mean), 2, nil)
	for j := range mean {
		stats.Set(j, 0, mean[j])
		stats.Set(j, 1, math.Sqrt(variance[j]))
	}
	statsTable, err := artifact.NewTable(stats, tpmTable.Columns, []string{tpmMeanColumn, tpmStdColumn})
	if err != nil {
		return classify(err)
	}

	genes := in.HighVarGenes
	if len(genes) == 0 && in.Selector != nil {
		if genes, err = in.Selector.Select(tpm, tpmTable.Columns); err != nil {
			return fmt.Errorf("select genes: %w", err)
		}
	}
	if len(genes) == 0 {
		r.Log.Warn().Int("genes", len(in.Counts.Columns)).Msg("no high-variance gene list, factorizing every gene")
		genes = in.Counts.Columns
	}
	if _, err := tpmTable.ColumnPositions(genes); err != nil {
		return classify(fmt.Errorf("high-variance genes in tpm: %w", err))
	}
	norm, err := normalizeCounts(counts, in.Counts, genes)
	if err != nil {
		return err
	}

	if err := r.Store.Save(artifact.Global(artifact.TPM), tpmTable); err != nil {
		return err
	}
	if err := r.Store.Save(artifact.Global(artifact.TPMStats), statsTable); err != nil {
		return err
	}
	if err := r.Store.Save(artifact.Global(artifact.NormalizedCounts), norm); err != nil {
		return err
	}
	if err := r.Store.WriteFile(artifact.Global(artifact.GenesList), []byte(utils.FormatGenes(genes))); err != nil {
		return err
	}

	params := r.replicateParams(in.Components, in.NIter, in.Seed)
	if err := r.saveParams(params, in.Params); err != nil {
		return err
	}
	r.Log.Info().Int("cells", len(norm.Index)).Int("genes", len(genes)).
		Ints("components", in.Components).Int("replicates", len(params)).Msg("prepared")
	return nil
}

// normalizeCounts subsets counts to genes and scales every gene to unit
// sample variance without centering. Cells with no counts left are an error.
func normalizeCounts(counts matrix.Matrix, labels *artifact.Table, genes []string) (*artifact.Table, error) {
	pos, err := labels.ColumnPositions(genes)
	if err != nil {
		return nil, classify(fmt.Errorf("high-variance genes in counts: %w", err))
	}
	sub := matrix.ColumnSubset(counts, pos)
	_, variance := matrix.ColumnMeanVar(sub, 1)
	std := make([]float64, len(variance))
	for j, v := range variance {
		std[j] = math.Sqrt(v)
	}
	scaled, err := matrix.ScaleColumns(sub, std)
	if err != nil {
		return nil, classify(err)
	}
	var zero []string
	for i, s := range scaled.RowSums() {
		if s == 0 {
			zero = append(zero, labels.Index[i])
		}
	}
	if len(zero) > 0 {
		return nil, fmt.Errorf("%w: %d cells have zero counts of the high-variance genes, e.g. %v; filter them or change the gene list",
			ErrConfiguration, len(zero), zero[:min(4, len(zero))])
	}
	t, err := artifact.FromMatrix(scaled, labels.Index, slices.Clone(genes))
	return t, classify(err)
}

// replicateParams lays out len(ks)·nIter jobs with seeds drawn from seed.
// Jobs whose spectra already exist are marked completed.
func (r *Run) replicateParams(ks []int, nIter int, seed uint64) []ReplicateParam {
	ks = slices.Clone(ks)
	slices.Sort(ks)
	ks = slices.Compact(ks)

	rng := rand.New(rand.NewPCG(seed, seed))
	out := make([]ReplicateParam, 0, len(ks)*nIter)
	for _, k := range ks {
		for it := range nIter {
			out = append(out, ReplicateParam{
				K:         k,
				Iter:      it,
				Seed:      1 + rng.Uint64N(math.MaxInt32-1),
				Completed: r.Store.Exists(artifact.ForIter(artifact.IterSpectra, k, it)),
			})
		}
	}
	if done := completed(out); done > 0 {
		r.Log.Warn().Int("completed", done).
			Msg("replicates already appear completed; use a new run name or output directory if unexpected")
	}
	return out
}

func completed(params []ReplicateParam) int {
	n := 0
	for _, p := range params {
		if p.Completed {
			n++
		}
	}
	return n
}

func (r *Run) saveParams(params []ReplicateParam, run RunParams) error {
	rep, err := yaml.Marshal(replicateFile{Replicates: params})
	if err != nil {
		return err
	}
	if err := r.Store.WriteFile(artifact.Global(artifact.ReplicateParams), rep); err != nil {
		return err
	}
	data, err := yaml.Marshal(run)
	if err != nil {
		return err
	}
	return r.Store.WriteFile(artifact.Global(artifact.RunParams), data)
}

// LoadParams reads the replicate and run parameters written by Prepare.
func (r *Run) LoadParams() ([]ReplicateParam, RunParams, error) {
	run := DefaultRunParams()
	data, err := r.Store.ReadFile(artifact.Global(artifact.ReplicateParams))
	if err != nil {
		return nil, run, classify(err)
	}
	var rep replicateFile
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, run, fmt.Errorf("replicate parameters: %w", err)
	}
	if data, err = r.Store.ReadFile(artifact.Global(artifact.RunParams)); err != nil {
		return nil, run, classify(err)
	}
	if err := yaml.Unmarshal(data, &run); err != nil {
		return nil, run, classify(fmt.Errorf("run parameters: %w", err))
	}
	return rep.Replicates, run, nil
}

// UpdateReplicateParams refreshes the completed flags from the spectra on
// disk and returns the number of incomplete replicates.
func (r *Run) UpdateReplicateParams() (int, error) {
	params, run, err := r.LoadParams()
	if err != nil {
		return 0, err
	}
	for i := range params {
		params[i].Completed = r.Store.Exists(artifact.ForIter(artifact.IterSpectra, params[i].K, params[i].Iter))
	}
	remaining := len(params) - completed(params)
	r.Log.Info().Int("incomplete", remaining).Msg("replicate ledger updated")
	return remaining, r.saveParams(params, run)
}

// Components returns the distinct ranks of the replicate parameters in
// ascending order.
func (r *Run) Components() ([]int, error) {
	params, _, err := r.LoadParams()
	if err != nil {
		return nil, err
	}
	ks := make([]int, 0, len(params))
	for _, p := range params {
		ks = append(ks, p.K)
	}
	slices.Sort(ks)
	return slices.Compact(ks), nil
}

// Factorize runs the replicates owned by worker of total workers and writes
// their spectra. With skipCompleted, jobs marked completed in the ledger are
// left out before sharding, matching a resumed run's partition.
func (r *Run) Factorize(worker, total int, skipCompleted bool) error {
	if total <= 0 || worker < 0 || worker >= total {
		return classify(fmt.Errorf("%w: worker %d of %d", shard.ErrWorker, worker, total))
	}
	params, run, err := r.LoadParams()
	if err != nil {
		return err
	}
	in, err := r.LoadInputs(false)
	if err != nil {
		return err
	}
	// The reference factorizer works on dense data.
	x := matrix.ToDense(in.NormCounts.Matrix())

	var pending []int
	for i, p := range params {
		if skipCompleted && p.Completed {
			r.Metrics.ReplicatesSkipped.Inc()
			continue
		}
		pending = append(pending, i)
	}
	log := r.Log.With().Int("worker", worker).Logger()
	for pos, idx := range pending {
		if !shard.Owns(pos, worker, total) {
			continue
		}
		p := params[idx]
		log.Info().Int("task", idx).Int("k", p.K).Int("iter", p.Iter).Msg("starting task")
		opt := nnls.FactorizeOptions{
			Loss:         run.Loss,
			MaxIter:      run.MaxIter,
			Tolerance:    run.Tolerance,
			AlphaUsage:   run.AlphaUsage,
			AlphaSpectra: run.AlphaSpectra,
			Seed:         p.Seed,
		}
		_, spectra, _, err := nnls.Factorize(x, p.K, opt)
		if err != nil {
			return classify(fmt.Errorf("factorize k=%d iter=%d: %w", p.K, p.Iter, err))
		}
		t, err := artifact.NewTable(spectra, programLabels("", p.K), in.NormCounts.Columns)
		if err != nil {
			return classify(err)
		}
		if err := r.Store.Save(artifact.ForIter(artifact.IterSpectra, p.K, p.Iter), t); err != nil {
			return err
		}
		r.Metrics.ReplicatesWritten.Inc()
	}
	return nil
}

// CombineResult is the outcome of merging the replicates of one rank.
type CombineResult struct {
	K      int
	Merged *artifact.Table // nil when no replicate was found
	// Missing lists the replicate keys skipped under SkipMissing.
	Missing []artifact.Key
}

// Combine merges the replicate spectra of every k in ks, or of every rank in
// the ledger when ks is empty.
func (r *Run) Combine(ks []int, policy MissingPolicy) ([]CombineResult, error) {
	if len(ks) == 0 {
		var err error
		if ks, err = r.Components(); err != nil {
			return nil, err
		}
	}
	out := make([]CombineResult, 0, len(ks))
	for _, k := range ks {
		res, err := r.CombineK(k, policy)
		if err != nil {
			return out, err
		}
		out = append(out, res)
	}
	return out, nil
}

// CombineK stacks the replicate spectra of rank k in iteration order, rows
// labeled iter<i>_topic<j>, and saves the merged set.
func (r *Run) CombineK(k int, policy MissingPolicy) (CombineResult, error) {
	res := CombineResult{K: k}
	params, _, err := r.LoadParams()
	if err != nil {
		return res, err
	}
	var subset []ReplicateParam
	for _, p := range params {
		if p.K == k {
			subset = append(subset, p)
		}
	}
	slices.SortStableFunc(subset, func(a, b ReplicateParam) int { return a.Iter - b.Iter })
	r.Log.Info().Int("k", k).Int("replicates", len(subset)).Msg("combining factorizations")

	var (
		index   []string
		columns []string
		rows    []float64
	)
	for _, p := range subset {
		key := artifact.ForIter(artifact.IterSpectra, k, p.Iter)
		t, err := r.Store.Load(key)
		if errors.Is(err, artifact.ErrMissing) {
			if policy == FailFast {
				return res, fmt.Errorf("%w: %w; combine with the skip policy to override", ErrResourceMissing, err)
			}
			r.Log.Warn().Str("file", r.Store.Path(key)).Msg("missing replicate, skipping")
			r.Metrics.ReplicatesMissing.Inc()
			res.Missing = append(res.Missing, key)
			continue
		}
		if err != nil {
			return res, err
		}
		if columns == nil {
			columns = t.Columns
		} else if !slices.Equal(columns, t.Columns) {
			return res, fmt.Errorf("%w: replicate %s has different genes", ErrDataShape, key)
		}
		n, _ := t.Dims()
		if n != k {
			return res, fmt.Errorf("%w: replicate %s has %d programs, want %d", ErrDataShape, key, n, k)
		}
		index = append(index, programLabels(fmt.Sprintf("iter%d_topic", p.Iter), k)...)
		rows = append(rows, t.Values.RawMatrix().Data...)
	}
	if len(index) == 0 {
		r.Log.Warn().Int("k", k).Msg("no spectra found")
		return res, nil
	}
	merged, err := artifact.NewTable(mat.NewDense(len(index), len(columns), rows), index, columns)
	if err != nil {
		return res, classify(err)
	}
	if err := r.Store.Save(artifact.ForK(artifact.MergedSpectra, k), merged); err != nil {
		return res, err
	}
	res.Merged = merged
	return res, nil
}

// programLabels returns prefix1 … prefixK.
func programLabels(prefix string, k int) []string {
	out := make([]string, k)
	for i := range k {
		out[i] = fmt.Sprintf("%s%d", prefix, i+1)
	}
	return out
}
