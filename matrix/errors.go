package matrix

import "errors"

var (
	// ErrDimensionMismatch indicates paired operands whose shapes do not line up,
	// e.g. predictors and targets with different row counts.
	ErrDimensionMismatch = errors.New("matrix: dimension mismatch")
	// ErrBadShape indicates a malformed sparse layout or a non-positive shape.
	ErrBadShape = errors.New("matrix: invalid shape")
)
