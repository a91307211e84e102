// Package nnls refits one side of a non-negative factorization X ≈ H·W while
// the other side is held fixed, using chunked multiplicative updates.
package nnls

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/setanarut/cnmf/matrix"
	"gonum.org/v1/gonum/mat"
)

type Options struct {
	// Rows per chunk. Chunking only bounds peak memory; chunks are independent.
	ChunkSize int `yaml:"chunk_size"`
	// Multiplicative update budget per chunk. Running out is not an error.
	MaxIter int `yaml:"max_iter"`
	// Relative Frobenius change of a chunk below which updates stop.
	Tolerance float64 `yaml:"tolerance"`
	// L1 penalty on H, subtracted from the update numerator.
	L1 float64 `yaml:"l1"`
	// L2 penalty on H, added to the update denominator.
	L2 float64 `yaml:"l2"`
	// Denominators below Epsilon zero the update ratio instead of dividing.
	Epsilon float64 `yaml:"epsilon"`
	// Seed for the random H used when no initial H is given.
	Seed   uint64 `yaml:"seed"`
	Device Device `yaml:"device"`
}

func DefaultOptions() Options {
	return Options{
		ChunkSize: 5000,
		MaxIter:   200,
		Tolerance: 0.05,
		Epsilon:   1e-16,
		Seed:      1,
		Device:    CPU,
	}
}

// Report summarises a Refit call.
type Report struct {
	Chunks      int
	Iterations  int // summed over chunks
	Unconverged int // chunks that exhausted MaxIter
}

// Refitter solves min ‖X − H·W‖ over H ≥ 0 for a fixed basis W.
type Refitter struct {
	opt Options
}

// New validates opt and the selected device.
func New(opt Options) (*Refitter, error) {
	if opt.ChunkSize <= 0 || opt.MaxIter <= 0 {
		return nil, fmt.Errorf("%w: chunk size %d, max iter %d", ErrBadOption, opt.ChunkSize, opt.MaxIter)
	}
	if opt.L1 < 0 || opt.L2 < 0 || opt.Tolerance < 0 || opt.Epsilon < 0 {
		return nil, fmt.Errorf("%w: negative tolerance, epsilon or penalty", ErrBadOption)
	}
	if err := opt.Device.check(); err != nil {
		return nil, err
	}
	return &Refitter{opt: opt}, nil
}

func (r *Refitter) Options() Options { return r.opt }

// Refit returns H (n × k) for X (n × f) against the fixed basis W (k × f).
// hInit, when non-nil, must be n × k; negative entries are clamped to zero.
func (r *Refitter) Refit(x matrix.Matrix, w *mat.Dense, hInit *mat.Dense) (*mat.Dense, Report, error) {
	var rep Report
	n, f := x.Dims()
	k, wf := w.Dims()
	if f != wf {
		return nil, rep, fmt.Errorf("%w: data has %d features, basis has %d", matrix.ErrDimensionMismatch, f, wf)
	}
	h, err := r.initH(n, k, hInit)
	if err != nil {
		return nil, rep, err
	}
	if n == 0 {
		return h, rep, nil
	}

	var wwt mat.Dense
	wwt.Mul(w, w.T())

	chunk := r.opt.ChunkSize
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		xb := matrix.Rows(x, start, end)

		numer := mat.NewDense(end-start, k, nil)
		numer.Mul(xb, w.T())
		if r.opt.L1 > 0 {
			numer.Apply(func(_, _ int, v float64) float64 {
				return math.Max(v-r.opt.L1, 0)
			}, numer)
		}

		hb := mat.DenseCopyOf(h.Slice(start, end, 0, k))
		iters, converged := r.solveChunk(hb, numer, &wwt)
		h.Slice(start, end, 0, k).(*mat.Dense).Copy(hb)

		rep.Chunks++
		rep.Iterations += iters
		if !converged {
			rep.Unconverged++
		}
	}
	return h, rep, nil
}

func (r *Refitter) initH(n, k int, hInit *mat.Dense) (*mat.Dense, error) {
	if n == 0 || k == 0 {
		return &mat.Dense{}, nil
	}
	if hInit != nil {
		hr, hc := hInit.Dims()
		if hr != n || hc != k {
			return nil, fmt.Errorf("%w: initial H is %d×%d, want %d×%d", matrix.ErrDimensionMismatch, hr, hc, n, k)
		}
		h := mat.DenseCopyOf(hInit)
		h.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, h)
		return h, nil
	}
	rng := rand.New(rand.NewPCG(r.opt.Seed, r.opt.Seed^0x9e3779b97f4a7c15))
	data := make([]float64, n*k)
	for i := range data {
		data[i] = rng.Float64()
	}
	return mat.NewDense(n, k, data), nil
}

// solveChunk runs multiplicative updates on h in place.
func (r *Refitter) solveChunk(h, numer, wwt *mat.Dense) (int, bool) {
	rows, k := h.Dims()
	next := mat.NewDense(rows, k, nil)
	diff := mat.NewDense(rows, k, nil)
	for it := 1; it <= r.opt.MaxIter; it++ {
		muStep(next, h, numer, wwt, r.opt.L2, r.opt.Epsilon)
		diff.Sub(next, h)
		rel := mat.Norm(diff, 2) / (mat.Norm(h, 2) + r.opt.Epsilon)
		h.Copy(next)
		if rel < r.opt.Tolerance {
			return it, true
		}
	}
	return r.opt.MaxIter, false
}

// muStep writes h · numer / (h·WWᵗ + l2·h) into dst. Ratios whose
// denominator falls below eps are zero.
func muStep(dst, h, numer, wwt *mat.Dense, l2, eps float64) {
	dst.Mul(h, wwt)
	rows, k := h.Dims()
	for i := range rows {
		drow := dst.RawRowView(i)
		hrow := h.RawRowView(i)
		nrow := numer.RawRowView(i)
		for j := range k {
			denom := drow[j]
			if l2 > 0 {
				denom += l2 * hrow[j]
			}
			if denom < eps {
				drow[j] = 0
				continue
			}
			drow[j] = hrow[j] * (nrow[j] / denom)
		}
	}
}
