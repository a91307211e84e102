// Package shard assigns replicate factorization jobs to workers.
package shard

import (
	"errors"
	"fmt"
)

// ErrWorker is returned for a worker index outside [0, total).
var ErrWorker = errors.New("shard: worker index out of range")

// Owns reports whether job i belongs to worker w of total workers:
// (i - w) mod total == 0. The assignment is fixed so a rerun with the same
// worker count resumes exactly the jobs it left unfinished.
func Owns(i, w, total int) bool {
	if total <= 0 || w < 0 || w >= total || i < 0 {
		return false
	}
	return (i-w)%total == 0
}

// Jobs returns the indices in [0, n) owned by worker w.
func Jobs(n, w, total int) ([]int, error) {
	if total <= 0 || w < 0 || w >= total {
		return nil, fmt.Errorf("%w: worker %d of %d", ErrWorker, w, total)
	}
	out := make([]int, 0, n/total+1)
	for i := w; i < n; i += total {
		out = append(out, i)
	}
	return out, nil
}
