package nnls

import (
	"fmt"
	"strings"
)

// Loss is the beta-divergence minimised by a factorization.
type Loss int

const (
	Frobenius Loss = iota
	KullbackLeibler
	ItakuraSaito
)

func (l Loss) String() string {
	switch l {
	case KullbackLeibler:
		return "kullback-leibler"
	case ItakuraSaito:
		return "itakura-saito"
	default:
		return "frobenius"
	}
}

// Beta returns the beta of the divergence: 2, 1 or 0.
func (l Loss) Beta() float64 {
	switch l {
	case KullbackLeibler:
		return 1
	case ItakuraSaito:
		return 0
	default:
		return 2
	}
}

func ParseLoss(s string) (Loss, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "frobenius":
		return Frobenius, nil
	case "kullback-leibler":
		return KullbackLeibler, nil
	case "itakura-saito":
		return ItakuraSaito, nil
	}
	return Frobenius, fmt.Errorf("%w: %q", ErrUnknownLoss, s)
}

func (l Loss) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Loss) UnmarshalText(b []byte) error {
	v, err := ParseLoss(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
