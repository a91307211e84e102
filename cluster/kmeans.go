// Package cluster groups replicate programs with a seeded, multi-restart
// k-means over muesli/clusters observations.
package cluster

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/muesli/clusters"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

var (
	// ErrTooFewPoints is returned when fewer points than clusters are given.
	ErrTooFewPoints = errors.New("cluster: fewer points than clusters")
	// ErrEmptyCluster is returned when every restart ends with an empty
	// cluster.
	ErrEmptyCluster = errors.New("cluster: k-means produced an empty cluster")
)

type Options struct {
	// NInit is the number of k-means++ restarts; the lowest inertia wins.
	NInit   int `yaml:"n_init"`
	MaxIter int `yaml:"max_iter"`
	// Tolerance on the summed squared center shift that ends a restart.
	Tolerance float64 `yaml:"tolerance"`
	Seed      uint64  `yaml:"seed"`
}

func DefaultOptions() Options {
	return Options{NInit: 10, MaxIter: 300, Tolerance: 1e-4, Seed: 1}
}

// Result of a KMeans call.
type Result struct {
	Labels  []int // cluster index per input row, 0..k-1
	Centers *mat.Dense
	Inertia float64
}

// Sizes returns the number of points in each cluster.
func (r Result) Sizes() []int {
	k, _ := r.Centers.Dims()
	out := make([]int, k)
	for _, l := range r.Labels {
		out[l]++
	}
	return out
}

// KMeans clusters the rows of x into k groups. Identical input and seed give
// identical labels.
func KMeans(x *mat.Dense, k int, opt Options) (Result, error) {
	n, _ := x.Dims()
	if k <= 0 || n < k {
		return Result{}, fmt.Errorf("%w: %d points, k=%d", ErrTooFewPoints, n, k)
	}
	nInit := max(opt.NInit, 1)
	obs := observations(x)
	rng := rand.New(rand.NewPCG(opt.Seed, opt.Seed^0x6a09e667f3bcc909))

	var (
		best     Result
		found    bool
		lastErr  error
		tol      = opt.Tolerance * meanVariance(x)
		maxIters = max(opt.MaxIter, 1)
	)
	for range nInit {
		cc := seedCenters(obs, k, rng)
		res, err := lloyd(obs, cc, maxIters, tol)
		if err != nil {
			lastErr = err
			continue
		}
		if !found || res.Inertia < best.Inertia {
			best, found = res, true
		}
	}
	if !found {
		return Result{}, lastErr
	}
	return best, nil
}

func observations(x *mat.Dense) clusters.Observations {
	n, _ := x.Dims()
	obs := make(clusters.Observations, n)
	for i := range n {
		obs[i] = clusters.Coordinates(mat.Row(nil, i, x))
	}
	return obs
}

// seedCenters picks k centers with k-means++.
func seedCenters(obs clusters.Observations, k int, rng *rand.Rand) clusters.Clusters {
	n := len(obs)
	cc := make(clusters.Clusters, 0, k)
	first := obs[rng.IntN(n)].Coordinates()
	cc = append(cc, clusters.Cluster{Center: append(clusters.Coordinates(nil), first...)})

	d2 := make([]float64, n)
	for i, o := range obs {
		d2[i] = sqDist(o.Coordinates(), first)
	}
	for len(cc) < k {
		total := floats.Sum(d2)
		pick := n - 1
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, d := range d2 {
				acc += d
				if acc >= target {
					pick = i
					break
				}
			}
		} else {
			pick = rng.IntN(n)
		}
		c := obs[pick].Coordinates()
		cc = append(cc, clusters.Cluster{Center: append(clusters.Coordinates(nil), c...)})
		for i, o := range obs {
			d2[i] = math.Min(d2[i], sqDist(o.Coordinates(), c))
		}
	}
	return cc
}

func lloyd(obs clusters.Observations, cc clusters.Clusters, maxIter int, tol float64) (Result, error) {
	labels := make([]int, len(obs))
	prev := make([]clusters.Coordinates, len(cc))
	for range maxIter {
		cc.Reset()
		for p, o := range obs {
			ci := cc.Nearest(o)
			cc[ci].Append(o)
			labels[p] = ci
		}
		shift := 0.0
		for ci := range cc {
			prev[ci] = cc[ci].Center
			cc[ci].Recenter()
			shift += sqDist(prev[ci], cc[ci].Center)
		}
		if shift <= tol {
			break
		}
	}

	// Final assignment against the settled centers.
	cc.Reset()
	inertia := 0.0
	for p, o := range obs {
		ci := cc.Nearest(o)
		cc[ci].Append(o)
		labels[p] = ci
		inertia += sqDist(o.Coordinates(), cc[ci].Center)
	}
	for ci := range cc {
		if len(cc[ci].Observations) == 0 {
			return Result{}, fmt.Errorf("%w: cluster %d", ErrEmptyCluster, ci)
		}
	}

	dim := len(cc[0].Center)
	centers := mat.NewDense(len(cc), dim, nil)
	for ci := range cc {
		centers.SetRow(ci, cc[ci].Center)
	}
	return Result{Labels: labels, Centers: centers, Inertia: inertia}, nil
}

func meanVariance(x *mat.Dense) float64 {
	n, c := x.Dims()
	if n == 0 || c == 0 {
		return 0
	}
	col := make([]float64, n)
	total := 0.0
	for j := range c {
		mat.Col(col, j, x)
		m := floats.Sum(col) / float64(n)
		for _, v := range col {
			total += (v - m) * (v - m)
		}
	}
	return total / float64(n*c)
}

func sqDist(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return d * d
}
