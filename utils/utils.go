// Package utils holds file helpers and synthetic data for driving the
// consensus pipeline outside of tests.
package utils

import (
	"bufio"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/setanarut/cnmf/artifact"
	"github.com/setanarut/cnmf/matrix"
	"gonum.org/v1/gonum/mat"
)

// TPMTotal is the row total of a transcripts-per-million matrix.
const TPMTotal = 1e6

// ErrEmptyGeneList is returned when a gene list file has no entries.
var ErrEmptyGeneList = errors.New("utils: empty gene list")

// ReadTable loads a tab-separated cells × genes matrix with a header row.
func ReadTable(path string) (*artifact.Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	t, err := artifact.ReadTSV(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return t, nil
}

func SaveTable(t *artifact.Table, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := artifact.WriteTSV(w, t); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// ReadGenes reads a newline separated gene list. Blank lines are ignored.
func ReadGenes(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	genes := ParseGenes(string(data))
	if len(genes) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyGeneList, path)
	}
	return genes, nil
}

func ParseGenes(s string) []string {
	var genes []string
	for line := range strings.SplitSeq(s, "\n") {
		if g := strings.TrimSpace(line); g != "" {
			genes = append(genes, g)
		}
	}
	return genes
}

func FormatGenes(genes []string) string {
	return strings.Join(genes, "\n")
}

// ComputeTPM rescales every row of counts to sum to TPMTotal. Empty rows stay
// zero.
func ComputeTPM(counts matrix.Matrix) (matrix.Matrix, error) {
	sums := counts.RowSums()
	for i, s := range sums {
		if s != 0 {
			sums[i] = TPMTotal / s
		}
	}
	return matrix.ScaleRows(counts, sums)
}

// Synthetic is a counts matrix generated from known programs.
type Synthetic struct {
	Counts *mat.Dense // cells × genes
	Basis  *mat.Dense // programs × genes, rows sum to 1
	Usage  *mat.Dense // cells × programs
	Cells  []string
	Genes  []string
}

// NewSynthetic draws cells from k programs with disjoint marker genes over a
// shared low background. Every cell leans on one program; noise adds
// |N(0, noise)| to every count.
func NewSynthetic(cells, genes, k int, noise float64, seed uint64) *Synthetic {
	rng := rand.New(rand.NewPCG(seed, seed+1))

	basis := mat.NewDense(k, genes, nil)
	for p := range k {
		row := basis.RawRowView(p)
		for g := range genes {
			row[g] = 0.02 * rng.Float64()
			if g%k == p {
				row[g] += 1 + rng.Float64()
			}
		}
	}
	basis = matrix.NormalizeRowsSum(basis, 1)

	usage := mat.NewDense(cells, k, nil)
	for c := range cells {
		row := usage.RawRowView(c)
		for p := range k {
			row[p] = 0.15 * rng.Float64()
		}
		row[c%k] = 1
		lib := 500 + 1000*rng.Float64()
		for p := range row {
			row[p] *= lib
		}
	}

	counts := mat.NewDense(cells, genes, nil)
	counts.Mul(usage, basis)
	if noise > 0 {
		counts.Apply(func(_, _ int, v float64) float64 {
			n := rng.NormFloat64() * noise
			if n < 0 {
				n = -n
			}
			return v + n
		}, counts)
	}

	s := &Synthetic{Counts: counts, Basis: basis, Usage: usage}
	for c := range cells {
		s.Cells = append(s.Cells, fmt.Sprintf("cell%d", c+1))
	}
	for g := range genes {
		s.Genes = append(s.Genes, fmt.Sprintf("gene%d", g+1))
	}
	return s
}

// Table wraps the counts with cell and gene labels.
func (s *Synthetic) Table() *artifact.Table {
	t, err := artifact.NewTable(s.Counts, s.Cells, s.Genes)
	if err != nil {
		panic(err)
	}
	return t
}
