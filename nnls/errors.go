package nnls

import "errors"

var (
	// ErrUnknownDevice is returned by ParseDevice for unrecognised names.
	ErrUnknownDevice = errors.New("nnls: unknown compute device")
	// ErrDeviceUnavailable is returned when the selected device has no backend
	// in this build.
	ErrDeviceUnavailable = errors.New("nnls: compute device unavailable")
	// ErrUnknownLoss is returned by ParseLoss for unrecognised loss names.
	ErrUnknownLoss = errors.New("nnls: unknown beta loss")
	// ErrBadOption flags a non-positive chunk size, iteration budget or rank.
	ErrBadOption = errors.New("nnls: invalid option")
)
