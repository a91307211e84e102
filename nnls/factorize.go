package nnls

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// FactorizeOptions configure the reference factorizer used to produce
// replicate spectra.
type FactorizeOptions struct {
	Loss    Loss
	MaxIter int
	// Relative loss decrease, checked every 10 iterations, below which the
	// factorization stops.
	Tolerance float64
	// L2 penalties on the usage and spectra factors.
	AlphaUsage   float64
	AlphaSpectra float64
	Seed         uint64
}

func DefaultFactorizeOptions() FactorizeOptions {
	return FactorizeOptions{
		Loss:      Frobenius,
		MaxIter:   1000,
		Tolerance: 1e-4,
		Seed:      1,
	}
}

// Factorize computes X ≈ usage·spectra with usage (n × k) and spectra (k × f)
// non-negative, by beta-divergence multiplicative updates from a seeded random
// start. The returned loss is the final divergence.
func Factorize(x *mat.Dense, k int, opt FactorizeOptions) (usage, spectra *mat.Dense, loss float64, err error) {
	n, f := x.Dims()
	if k <= 0 || k > min(n, f) {
		return nil, nil, 0, fmt.Errorf("%w: rank %d for a %d×%d matrix", ErrBadOption, k, n, f)
	}
	if opt.MaxIter <= 0 {
		return nil, nil, 0, fmt.Errorf("%w: max iter %d", ErrBadOption, opt.MaxIter)
	}
	beta := opt.Loss.Beta()
	const eps = 1e-16

	rng := rand.New(rand.NewPCG(opt.Seed, opt.Seed^0xda942042e4dd58b5))
	scale := math.Sqrt(mat.Sum(x) / float64(n*f) / float64(k))
	usage = mat.NewDense(n, k, nil)
	spectra = mat.NewDense(k, f, nil)
	for _, m := range []*mat.Dense{usage, spectra} {
		raw := m.RawMatrix().Data
		for i := range raw {
			raw[i] = scale * math.Abs(rng.NormFloat64())
		}
	}

	var (
		wh          mat.Dense
		a, b        mat.Dense
		numU, denU  mat.Dense
		numS, denS  mat.Dense
		initialLoss = divergence(x, usage, spectra, &wh, beta, eps)
		prevLoss    = initialLoss
	)
	loss = initialLoss
	for it := 1; it <= opt.MaxIter; it++ {
		// spectra update
		wh.Mul(usage, spectra)
		betaTerms(&a, &b, x, &wh, beta, eps)
		numS.Mul(usage.T(), &a)
		denS.Mul(usage.T(), &b)
		applyUpdate(spectra, &numS, &denS, opt.AlphaSpectra, eps)

		// usage update
		wh.Mul(usage, spectra)
		betaTerms(&a, &b, x, &wh, beta, eps)
		numU.Mul(&a, spectra.T())
		denU.Mul(&b, spectra.T())
		applyUpdate(usage, &numU, &denU, opt.AlphaUsage, eps)

		if it%10 == 0 || it == opt.MaxIter {
			loss = divergence(x, usage, spectra, &wh, beta, eps)
			if initialLoss > 0 && (prevLoss-loss)/initialLoss < opt.Tolerance {
				break
			}
			prevLoss = loss
		}
	}
	return usage, spectra, loss, nil
}

// betaTerms sets a = WH^(β−2) ⊙ X and b = WH^(β−1).
func betaTerms(a, b, x, wh *mat.Dense, beta, eps float64) {
	if beta == 2 {
		a.CloneFrom(x)
		b.CloneFrom(wh)
		return
	}
	a.Apply(func(i, j int, v float64) float64 {
		return x.At(i, j) * math.Pow(math.Max(v, eps), beta-2)
	}, wh)
	b.Apply(func(_, _ int, v float64) float64 {
		return math.Pow(math.Max(v, eps), beta-1)
	}, wh)
}

func applyUpdate(m, num, den *mat.Dense, alpha, eps float64) {
	r, c := m.Dims()
	for i := range r {
		mrow := m.RawRowView(i)
		nrow := num.RawRowView(i)
		drow := den.RawRowView(i)
		for j := range c {
			d := drow[j] + alpha*mrow[j]
			if d < eps {
				mrow[j] = 0
				continue
			}
			mrow[j] *= nrow[j] / d
		}
	}
}

func divergence(x, u, s, wh *mat.Dense, beta, eps float64) float64 {
	wh.Mul(u, s)
	r, c := x.Dims()
	var sum float64
	for i := range r {
		xrow := x.RawRowView(i)
		prow := wh.RawRowView(i)
		for j := range c {
			xv, pv := xrow[j], math.Max(prow[j], eps)
			switch beta {
			case 2:
				d := xv - prow[j]
				sum += 0.5 * d * d
			case 1:
				if xv > 0 {
					sum += xv * math.Log(xv/pv)
				}
				sum += pv - xv
			default:
				q := math.Max(xv, eps) / pv
				sum += q - math.Log(q) - 1
			}
		}
	}
	return sum
}
