package cnmf

import (
	"errors"
	"fmt"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/cluster"
	"github.com/setanarut/cnmf/matrix"
	"github.com/setanarut/cnmf/nnls"
	"github.com/setanarut/cnmf/shard"
)

var (
	// ErrConfiguration means the caller has to change a parameter: no spectra
	// survive density filtering, or the loss or device is invalid.
	ErrConfiguration = errors.New("cnmf: configuration error")
	// ErrDataShape flags paired matrices whose rows or labels disagree.
	ErrDataShape = errors.New("cnmf: data shape mismatch")
	// ErrResourceMissing is returned when an expected artifact is absent.
	ErrResourceMissing = errors.New("cnmf: resource missing")
	// ErrDegenerateClustering is returned when k-means cannot fill k clusters.
	ErrDegenerateClustering = errors.New("cnmf: degenerate clustering")
)

// classify tags a leaf package error with the matching sentinel above.
// Errors that already carry one are returned unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range []error{ErrConfiguration, ErrDataShape, ErrResourceMissing, ErrDegenerateClustering} {
		if errors.Is(err, s) {
			return err
		}
	}
	var kind error
	switch {
	case errors.Is(err, nnls.ErrUnknownDevice),
		errors.Is(err, nnls.ErrDeviceUnavailable),
		errors.Is(err, nnls.ErrUnknownLoss),
		errors.Is(err, nnls.ErrBadOption),
		errors.Is(err, cluster.ErrTooFewPoints),
		errors.Is(err, shard.ErrWorker):
		kind = ErrConfiguration
	case errors.Is(err, matrix.ErrDimensionMismatch),
		errors.Is(err, matrix.ErrBadShape),
		errors.Is(err, artifact.ErrLabels),
		errors.Is(err, artifact.ErrUnknownLabel):
		kind = ErrDataShape
	case errors.Is(err, artifact.ErrMissing):
		kind = ErrResourceMissing
	case errors.Is(err, cluster.ErrEmptyCluster):
		kind = ErrDegenerateClustering
	default:
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}
