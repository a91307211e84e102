package cnmf

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/metrics"
	"github.com/setanarut/cnmf/nnls"
	"github.com/setanarut/cnmf/utils"
	"gonum.org/v1/gonum/mat"
)

// Run is the context shared by every stage of one named analysis: where its
// artifacts live, how it logs and which collectors it updates.
type Run struct {
	Store   *artifact.Store
	Options Options
	Log     zerolog.Logger
	Metrics *metrics.Registry

	refitter *nnls.Refitter
}

// DefaultName returns a run name made of the date and six random hex digits.
func DefaultName(now time.Time) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return now.Format("2006_01_02") + "_" + id[:6]
}

// NewRun opens (creating if needed) the run directory dir/name. An empty
// name gets DefaultName.
func NewRun(dir, name string, opt Options, log zerolog.Logger) (*Run, error) {
	if err := opt.Validate(); err != nil {
		return nil, err
	}
	if name == "" {
		name = DefaultName(time.Now())
	}
	refitter, err := nnls.New(opt.Refit)
	if err != nil {
		return nil, classify(err)
	}
	store, err := artifact.Open(dir, name)
	if err != nil {
		return nil, err
	}
	return &Run{
		Store:    store,
		Options:  opt,
		Log:      log.With().Str("run", name).Logger(),
		Metrics:  metrics.New(),
		refitter: refitter,
	}, nil
}

func (r *Run) Name() string { return r.Store.Name }

// refit wraps the NNLS refitter with metrics and error classification.
func (r *Run) refit(target string, x matrix.Matrix, w *mat.Dense) (*mat.Dense, error) {
	h, rep, err := r.refitter.Refit(x, w, nil)
	if err != nil {
		return nil, classify(fmt.Errorf("refit %s: %w", target, err))
	}
	r.Metrics.ObserveRefit(target, rep.Chunks, rep.Iterations, rep.Unconverged)
	if rep.Unconverged > 0 {
		r.Log.Debug().Str("target", target).Int("chunks", rep.Chunks).
			Int("unconverged", rep.Unconverged).Msg("refit hit iteration budget")
	}
	return h, nil
}

// refitSpectra holds usage fixed and solves for spectra: the transpose of
// refitting usage for Xᵗ against usageᵗ.
func (r *Run) refitSpectra(target string, x matrix.Matrix, usage *mat.Dense) (*mat.Dense, error) {
	h, err := r.refit(target, x.Transpose(), mat.DenseCopyOf(usage.T()))
	if err != nil {
		return nil, err
	}
	return mat.DenseCopyOf(h.T()), nil
}

// Inputs are the matrices written by Prepare.
type Inputs struct {
	// Normalized counts: cells × high-variance genes, unit variance columns.
	NormCounts *artifact.Table
	// TPM: cells × all genes. Nil when loaded for stats only.
	TPM *artifact.Table
	// TPM gene standard deviations, aligned with TPM.Columns.
	TPMStd []float64
	// High-variance genes in factorization order.
	HighVarGenes []string
}

// LoadInputs reads the prepared matrices. withTPM also loads the TPM matrix
// and its gene statistics, which only full consensus runs need.
func (r *Run) LoadInputs(withTPM bool) (*Inputs, error) {
	in := &Inputs{}
	var err error
	if in.NormCounts, err = r.Store.Load(artifact.Global(artifact.NormalizedCounts)); err != nil {
		return nil, classify(err)
	}
	if in.HighVarGenes, err = r.highVarGenes(); err != nil {
		return nil, err
	}
	if !withTPM {
		return in, nil
	}
	if in.TPM, err = r.Store.Load(artifact.Global(artifact.TPM)); err != nil {
		return nil, classify(err)
	}
	stats, err := r.Store.Load(artifact.Global(artifact.TPMStats))
	if err != nil {
		return nil, classify(err)
	}
	if in.TPMStd, err = tpmStd(stats, in.TPM.Columns); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *Run) highVarGenes() ([]string, error) {
	data, err := r.Store.ReadFile(artifact.Global(artifact.GenesList))
	if err != nil {
		return nil, classify(err)
	}
	return utils.ParseGenes(string(data)), nil
}

// tpmStd returns the __std column of the TPM statistics in genes order.
func tpmStd(stats *artifact.Table, genes []string) ([]float64, error) {
	if !slices.Equal(stats.Index, genes) {
		pos, err := stats.RowPositions(genes)
		if err != nil {
			return nil, classify(fmt.Errorf("tpm stats: %w", err))
		}
		col, err := stats.Column(tpmStdColumn)
		if err != nil {
			return nil, classify(err)
		}
		out := make([]float64, len(pos))
		for i, p := range pos {
			out[i] = col[p]
		}
		return out, nil
	}
	col, err := stats.Column(tpmStdColumn)
	return col, classify(err)
}
