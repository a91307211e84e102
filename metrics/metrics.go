// Package metrics holds the Prometheus collectors of one pipeline run.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry groups the collectors a run updates. Each run owns its registry so
// parallel runs in one process do not share counters.
type Registry struct {
	reg *prometheus.Registry

	RefitChunks      *prometheus.CounterVec
	RefitIterations  *prometheus.CounterVec
	RefitUnconverged *prometheus.CounterVec

	DensityCacheHits   prometheus.Counter
	DensityCacheMisses prometheus.Counter
	FilteredSpectra    *prometheus.GaugeVec

	StageDuration *prometheus.HistogramVec

	Silhouette      *prometheus.GaugeVec
	PredictionError *prometheus.GaugeVec

	ReplicatesWritten prometheus.Counter
	ReplicatesSkipped prometheus.Counter
	ReplicatesMissing prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		RefitChunks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cnmf_refit_chunks_total",
			Help: "Row chunks solved by the NNLS refitter",
		}, []string{"target"}),
		RefitIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cnmf_refit_iterations_total",
			Help: "Multiplicative update iterations summed over chunks",
		}, []string{"target"}),
		RefitUnconverged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cnmf_refit_unconverged_chunks_total",
			Help: "Chunks that exhausted the iteration budget",
		}, []string{"target"}),

		DensityCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnmf_density_cache_hits_total",
			Help: "Local density loads served from the per-k cache",
		}),
		DensityCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnmf_density_cache_misses_total",
			Help: "Local density computations",
		}),
		FilteredSpectra: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cnmf_filtered_spectra",
			Help: "Replicate spectra dropped by density filtering",
		}, []string{"k"}),

		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cnmf_stage_duration_seconds",
			Help:    "Duration of each consensus stage in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"stage"}),

		Silhouette: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cnmf_silhouette",
			Help: "Silhouette score of the consensus clustering",
		}, []string{"k"}),
		PredictionError: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cnmf_prediction_error",
			Help: "Squared Frobenius reconstruction error of normalized counts",
		}, []string{"k"}),

		ReplicatesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnmf_replicates_written_total",
			Help: "Replicate factorizations completed",
		}),
		ReplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnmf_replicates_skipped_total",
			Help: "Replicate factorizations skipped because output existed",
		}),
		ReplicatesMissing: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cnmf_replicates_missing_total",
			Help: "Replicate spectra absent when combining",
		}),
	}
	r.reg.MustRegister(
		r.RefitChunks, r.RefitIterations, r.RefitUnconverged,
		r.DensityCacheHits, r.DensityCacheMisses, r.FilteredSpectra,
		r.StageDuration, r.Silhouette, r.PredictionError,
		r.ReplicatesWritten, r.ReplicatesSkipped, r.ReplicatesMissing,
	)
	return r
}

// Gatherer exposes the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// ObserveRefit records one refit report under target ("usage", "spectra_tpm", ...).
func (r *Registry) ObserveRefit(target string, chunks, iterations, unconverged int) {
	r.RefitChunks.WithLabelValues(target).Add(float64(chunks))
	r.RefitIterations.WithLabelValues(target).Add(float64(iterations))
	r.RefitUnconverged.WithLabelValues(target).Add(float64(unconverged))
}

// WriteTextfile dumps the registry in the node-exporter textfile format.
func (r *Registry) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.reg)
}
