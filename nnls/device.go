package nnls

import (
	"fmt"
	"strings"
)

// Device selects where multiplicative updates run.
type Device int

const (
	CPU Device = iota
	Accelerator
)

func (d Device) String() string {
	switch d {
	case Accelerator:
		return "accelerator"
	default:
		return "cpu"
	}
}

// ParseDevice maps "cpu" and "gpu"/"cuda"/"accelerator" onto a Device.
func ParseDevice(s string) (Device, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "cpu":
		return CPU, nil
	case "gpu", "cuda", "accelerator":
		return Accelerator, nil
	}
	return CPU, fmt.Errorf("%w: %q", ErrUnknownDevice, s)
}

// Available reports whether d has a backend in this build. Only the CPU path
// is compiled in.
func (d Device) Available() bool {
	return d == CPU
}

func (d Device) check() error {
	if d != CPU && d != Accelerator {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, int(d))
	}
	if !d.Available() {
		return fmt.Errorf("%w: %s", ErrDeviceUnavailable, d)
	}
	return nil
}

func (d Device) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Device) UnmarshalText(b []byte) error {
	v, err := ParseDevice(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}
