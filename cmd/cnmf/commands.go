package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/setanarut/cnmf"
	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/nnls"
	"github.com/setanarut/cnmf/utils"
	"github.com/spf13/cobra"
)

var (
	countsPath   string
	tpmPath      string
	genesPath    string
	components   []int
	nIter        int
	seed         uint64
	betaLoss     string
	alphaUsage   float64
	alphaSpectra float64
	maxNMFIter   int
	device       string
	sparse       bool

	workerIndex   int
	totalWorkers  int
	skipCompleted bool

	skipMissing bool

	k                int
	densityThreshold float64
	nTopGenes        int
	normUsage        bool
)

var prepareCmd = &cobra.Command{
	Use:   "prepare",
	Short: "Normalize counts and write the replicate ledger",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		counts, err := utils.ReadTable(countsPath)
		if err != nil {
			return err
		}
		in := cnmf.PrepareInput{
			Counts:     counts,
			Components: components,
			NIter:      nIter,
			Seed:       seed,
			Sparse:     sparse,
			Params:     cnmf.DefaultRunParams(),
		}
		if tpmPath != "" {
			if in.TPM, err = utils.ReadTable(tpmPath); err != nil {
				return err
			}
		}
		if genesPath != "" {
			if in.HighVarGenes, err = utils.ReadGenes(genesPath); err != nil {
				return err
			}
		}
		if in.Params.Loss, err = nnls.ParseLoss(betaLoss); err != nil {
			return fmt.Errorf("%w: %w", cnmf.ErrConfiguration, err)
		}
		if in.Params.Device, err = nnls.ParseDevice(device); err != nil {
			return fmt.Errorf("%w: %w", cnmf.ErrConfiguration, err)
		}
		in.Params.AlphaUsage = alphaUsage
		in.Params.AlphaSpectra = alphaSpectra
		in.Params.MaxIter = maxNMFIter
		if err := r.Prepare(in); err != nil {
			return err
		}
		return finish(r)
	},
}

var factorizeCmd = &cobra.Command{
	Use:   "factorize",
	Short: "Run the replicate factorizations owned by one worker",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		if skipCompleted {
			if _, err := r.UpdateReplicateParams(); err != nil {
				return err
			}
		}
		if err := r.Factorize(workerIndex, totalWorkers, skipCompleted); err != nil {
			return err
		}
		return finish(r)
	},
}

var combineCmd = &cobra.Command{
	Use:   "combine",
	Short: "Merge replicate spectra per rank",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		policy := r.Options.MissingPolicy
		if skipMissing {
			policy = cnmf.SkipMissing
		}
		results, err := r.Combine(components, policy)
		if err != nil {
			return err
		}
		for _, res := range results {
			if len(res.Missing) > 0 {
				log.Warn().Int("k", res.K).Int("missing", len(res.Missing)).Msg("combined with missing replicates")
			}
		}
		return finish(r)
	},
}

var consensusCmd = &cobra.Command{
	Use:   "consensus",
	Short: "Build consensus spectra and usages for one rank",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		threshold := r.Options.DensityThreshold
		if cmd.Flags().Changed("local-density-threshold") {
			threshold = densityThreshold
		}
		res, err := r.Consensus(k, threshold)
		if err != nil {
			return err
		}
		log.Info().Int("k", res.K).Int("filtered", res.Filtered).
			Str("spectra", r.Store.TextPath(artifact.ForThreshold(artifact.ConsensusSpectra, k, threshold))).
			Msg("consensus done")
		return finish(r)
	},
}

var kSelectionCmd = &cobra.Command{
	Use:   "k-selection",
	Short: "Compute stability and error for every rank",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		stats, err := r.NewKSelectionEvaluator().Evaluate(components)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "k\tsilhouette\tprediction_error")
		for _, s := range stats {
			fmt.Fprintf(w, "%d\t%.4f\t%.6g\n", s.K, s.Silhouette, s.PredictionError)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		return finish(r)
	},
}

var loadResultsCmd = &cobra.Command{
	Use:   "load-results",
	Short: "Print the top marker genes of every program",
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := openRun()
		if err != nil {
			return err
		}
		res, err := r.LoadResults(k, densityThreshold, nTopGenes, normUsage)
		if err != nil {
			return err
		}
		for p, genes := range res.TopGenes {
			fmt.Printf("%s\t%s\n", res.SpectraScore.Index[p], strings.Join(genes, ","))
		}
		return finish(r)
	},
}

func init() {
	f := prepareCmd.Flags()
	f.StringVar(&countsPath, "counts", "", "tab-separated cells × genes counts")
	f.StringVar(&tpmPath, "tpm", "", "tab-separated TPM matrix (computed from counts if empty)")
	f.StringVar(&genesPath, "genes-file", "", "newline separated high-variance genes")
	f.IntSliceVarP(&components, "components", "k", nil, "ranks to factorize")
	f.IntVar(&nIter, "n-iter", 100, "replicates per rank")
	f.Uint64Var(&seed, "seed", 1, "seed for replicate seeds")
	f.StringVar(&betaLoss, "beta-loss", "frobenius", "frobenius, kullback-leibler or itakura-saito")
	f.Float64Var(&alphaUsage, "alpha-usage", 0, "L2 penalty on usages")
	f.Float64Var(&alphaSpectra, "alpha-spectra", 0, "L2 penalty on spectra")
	f.IntVar(&maxNMFIter, "max-nmf-iter", 1000, "iteration budget per factorization")
	f.StringVar(&device, "device", "cpu", "compute device")
	f.BoolVar(&sparse, "sparse", false, "store prepared matrices in compressed rows")
	_ = prepareCmd.MarkFlagRequired("counts")
	_ = prepareCmd.MarkFlagRequired("components")

	f = factorizeCmd.Flags()
	f.IntVar(&workerIndex, "worker-index", 0, "index of this worker")
	f.IntVar(&totalWorkers, "total-workers", 1, "number of workers sharing the jobs")
	f.BoolVar(&skipCompleted, "skip-completed-runs", false, "skip replicates whose spectra exist")

	f = combineCmd.Flags()
	f.IntSliceVarP(&components, "components", "k", nil, "ranks to combine (default: all)")
	f.BoolVar(&skipMissing, "skip-missing-files", false, "skip absent replicates instead of failing")

	f = consensusCmd.Flags()
	f.IntVarP(&k, "components", "k", 0, "rank")
	f.Float64Var(&densityThreshold, "local-density-threshold", 0.5, "drop spectra at or above this local density")
	_ = consensusCmd.MarkFlagRequired("components")

	f = kSelectionCmd.Flags()
	f.IntSliceVarP(&components, "components", "k", nil, "ranks to evaluate (default: all)")

	f = loadResultsCmd.Flags()
	f.IntVarP(&k, "components", "k", 0, "rank")
	f.Float64Var(&densityThreshold, "local-density-threshold", 0.5, "density threshold used by consensus")
	f.IntVar(&nTopGenes, "n-top-genes", 100, "marker genes per program")
	f.BoolVar(&normUsage, "norm-usage", true, "rescale usages to sum to 1")
	_ = loadResultsCmd.MarkFlagRequired("components")
}
