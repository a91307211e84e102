package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/setanarut/cnmf"
	"github.com/spf13/cobra"
)

var (
	outputDir   string
	runName     string
	configPath  string
	metricsFile string
	logLevel    string
	jsonLogs    bool
)

// rootCmd is the base command of the consensus NMF CLI.
var rootCmd = &cobra.Command{
	Use:   "cnmf",
	Short: "Consensus non-negative matrix factorization of single-cell expression",
	Long: `cnmf factorizes a cells × genes counts matrix many times at each candidate
rank and combines the replicates into consensus gene expression programs.

Typical run:
  cnmf prepare --counts counts.txt -k 5,6,7 --n-iter 100 --name run1
  cnmf factorize --name run1 --worker-index 0 --total-workers 1
  cnmf combine --name run1
  cnmf k-selection --name run1
  cnmf consensus --name run1 -k 6 --local-density-threshold 0.1`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setupLogging()
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&outputDir, "output-dir", ".", "directory holding the run directory")
	pf.StringVar(&runName, "name", "", "run name (default: date plus random suffix)")
	pf.StringVar(&configPath, "config", "", "YAML options file")
	pf.StringVar(&metricsFile, "metrics-file", "", "write Prometheus metrics here on exit")
	pf.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.BoolVar(&jsonLogs, "json-logs", false, "log JSON instead of console output")

	rootCmd.AddCommand(prepareCmd, factorizeCmd, combineCmd, consensusCmd, kSelectionCmd, loadResultsCmd)
}

func setupLogging() error {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339
	if !jsonLogs {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return nil
}

// openRun builds the run context from the persistent flags.
func openRun() (*cnmf.Run, error) {
	opt := cnmf.DefaultOptions()
	if configPath != "" {
		var err error
		if opt, err = cnmf.LoadOptions(configPath); err != nil {
			return nil, err
		}
	}
	return cnmf.NewRun(outputDir, runName, opt, log.Logger)
}

// finish writes the metrics textfile when requested.
func finish(r *cnmf.Run) error {
	if metricsFile == "" {
		return nil
	}
	return r.Metrics.WriteTextfile(metricsFile)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("cnmf failed")
		os.Exit(1)
	}
}
