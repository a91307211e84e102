// Package cnmf builds consensus gene expression programs from many
// non-negative factorization replicates of a cells × genes matrix.
package cnmf

import (
	"fmt"
	"os"

	"github.com/setanarut/cnmf/cluster"
	"github.com/setanarut/cnmf/nnls"
	"github.com/setanarut/cnmf/ols"
	"gopkg.in/yaml.v3"
)

// MissingPolicy decides what Combine does with an absent replicate file.
type MissingPolicy int

const (
	// FailFast returns ErrResourceMissing on the first absent file.
	FailFast MissingPolicy = iota
	// SkipMissing logs a warning and merges the replicates that exist.
	SkipMissing
)

func (p MissingPolicy) String() string {
	if p == SkipMissing {
		return "skip"
	}
	return "fail-fast"
}

func ParseMissingPolicy(s string) (MissingPolicy, error) {
	switch s {
	case "", "fail-fast", "fail":
		return FailFast, nil
	case "skip", "skip-missing":
		return SkipMissing, nil
	}
	return 0, fmt.Errorf("%w: unknown missing-file policy %q", ErrConfiguration, s)
}

func (p MissingPolicy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *MissingPolicy) UnmarshalText(b []byte) error {
	v, err := ParseMissingPolicy(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

type Options struct {
	// Spectra whose local density is at or above this value are dropped
	// before clustering. 2.0 or more keeps every spectrum since unit vectors
	// are never further apart than 2.
	DensityThreshold float64 `yaml:"density_threshold"`
	// Fraction of replicates per program used as the neighbour count of the
	// local density: n = floor(LocalNeighborhoodSize · rows / k).
	LocalNeighborhoodSize float64 `yaml:"local_neighborhood_size"`
	// Renormalize every TPM spectrum to TPMTargetSum before the final usage
	// refit.
	NormalizeTPMSpectra bool    `yaml:"normalize_tpm_spectra"`
	TPMTargetSum        float64 `yaml:"tpm_target_sum"`
	// Refit usages one last time on variance-scaled high-variance-gene TPM.
	RefitUsage bool `yaml:"refit_usage"`
	// Write starCAT reference spectra after every consensus.
	BuildReference bool `yaml:"build_reference"`

	Refit   nnls.Options    `yaml:"refit"`
	OLS     ols.Options     `yaml:"ols"`
	Cluster cluster.Options `yaml:"cluster"`

	MissingPolicy MissingPolicy `yaml:"missing_policy"`
	// Ranks evaluated at once by KSelection. Values below 1 mean one.
	Concurrency int `yaml:"concurrency"`
}

func DefaultOptions() Options {
	return Options{
		DensityThreshold:      0.5,
		LocalNeighborhoodSize: 0.30,
		TPMTargetSum:          1e6,
		RefitUsage:            true,
		BuildReference:        true,
		Refit:                 nnls.DefaultOptions(),
		OLS:                   ols.DefaultOptions(),
		Cluster:               cluster.DefaultOptions(),
		MissingPolicy:         FailFast,
		Concurrency:           1,
	}
}

// LoadOptions overlays the YAML file at path on DefaultOptions.
func LoadOptions(path string) (Options, error) {
	opt := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opt, err
	}
	if err := yaml.Unmarshal(data, &opt); err != nil {
		return opt, fmt.Errorf("%w: options %s: %w", ErrConfiguration, path, err)
	}
	return opt, opt.Validate()
}

// Validate checks the values the pipeline cannot recover from.
func (o Options) Validate() error {
	if o.LocalNeighborhoodSize <= 0 || o.LocalNeighborhoodSize > 1 {
		return fmt.Errorf("%w: local neighborhood size %v outside (0, 1]", ErrConfiguration, o.LocalNeighborhoodSize)
	}
	if o.DensityThreshold <= 0 {
		return fmt.Errorf("%w: density threshold %v must be positive", ErrConfiguration, o.DensityThreshold)
	}
	if o.NormalizeTPMSpectra && o.TPMTargetSum <= 0 {
		return fmt.Errorf("%w: tpm target sum %v must be positive", ErrConfiguration, o.TPMTargetSum)
	}
	if _, err := nnls.New(o.Refit); err != nil {
		return classify(err)
	}
	return nil
}
