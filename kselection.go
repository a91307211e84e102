package cnmf

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/setanarut/cnmf/artifact"
	"gonum.org/v1/gonum/mat"
	"golang.org/x/sync/errgroup"
)

var statsColumns = []string{"k", "local_density_threshold", "silhouette", "prediction_error"}

// KSelectionEvaluator sweeps candidate ranks in stats-only mode.
type KSelectionEvaluator struct {
	run *Run
	// Concurrency bounds the ranks evaluated at once.
	Concurrency int

	stats []ConsensusStats
}

func (r *Run) NewKSelectionEvaluator() *KSelectionEvaluator {
	return &KSelectionEvaluator{run: r, Concurrency: max(r.Options.Concurrency, 1)}
}

// Evaluate computes ConsensusStats for every k in ks, or every rank in the
// replicate ledger when ks is empty, sorted by k. The table is persisted for
// plotting elsewhere.
func (e *KSelectionEvaluator) Evaluate(ks []int) ([]ConsensusStats, error) {
	r := e.run
	if len(ks) == 0 {
		var err error
		if ks, err = r.Components(); err != nil {
			return nil, err
		}
	} else {
		ks = slices.Clone(ks)
		slices.Sort(ks)
		ks = slices.Compact(ks)
	}
	in, err := r.LoadInputs(false)
	if err != nil {
		return nil, err
	}

	stats := make([]ConsensusStats, len(ks))
	var g errgroup.Group
	g.SetLimit(max(e.Concurrency, 1))
	for i, k := range ks {
		g.Go(func() error {
			merged, err := r.Store.Load(artifact.ForK(artifact.MergedSpectra, k))
			if err != nil {
				return classify(err)
			}
			s, err := r.NewConsensusBuilder(k, merged, in).Stats()
			if err != nil {
				return err
			}
			stats[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	slices.SortStableFunc(stats, func(a, b ConsensusStats) int { return cmp.Compare(a.K, b.K) })

	if err := e.persist(stats); err != nil {
		return nil, err
	}
	e.stats = stats
	r.Log.Info().Ints("components", ks).Msg("k selection stats written")
	return stats, nil
}

// Stats returns the result of the last Evaluate call.
func (e *KSelectionEvaluator) Stats() []ConsensusStats {
	return slices.Clone(e.stats)
}

func (e *KSelectionEvaluator) persist(stats []ConsensusStats) error {
	if len(stats) == 0 {
		return nil
	}
	vals := mat.NewDense(len(stats), len(statsColumns), nil)
	index := make([]string, len(stats))
	for i, s := range stats {
		vals.SetRow(i, []float64{float64(s.K), s.DensityThreshold, s.Silhouette, s.PredictionError})
		index[i] = strconv.Itoa(i)
	}
	t, err := artifact.NewTable(vals, index, statsColumns)
	if err != nil {
		return classify(err)
	}
	return e.run.Store.SaveAndExport(artifact.Global(artifact.KSelectionStats), t)
}
