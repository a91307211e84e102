// Package artifact persists labeled matrices in named, keyed slots of a run
// directory.
package artifact

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/setanarut/cnmf/matrix"
	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"
)

var (
	// ErrLabels is returned when labels do not match the matrix shape.
	ErrLabels = errors.New("artifact: labels do not match matrix shape")
	// ErrFormat is returned for undecodable table files.
	ErrFormat = errors.New("artifact: malformed table")
	// ErrUnknownLabel is returned when a requested row or column is absent.
	ErrUnknownLabel = errors.New("artifact: unknown label")
)

// Table is a matrix with row and column labels. Exactly one of Values and CSR
// holds the data.
type Table struct {
	Index   []string
	Columns []string
	Values  *mat.Dense
	// CSR holds tables kept in compressed rows; Values is nil then.
	CSR *matrix.CSR
}

// NewTable checks that labels fit values.
func NewTable(values *mat.Dense, index, columns []string) (*Table, error) {
	r, c := 0, 0
	if values != nil && !values.IsEmpty() {
		r, c = values.Dims()
	}
	if err := checkLabels(r, c, index, columns); err != nil {
		return nil, err
	}
	if values == nil {
		values = &mat.Dense{}
	}
	return &Table{Index: index, Columns: columns, Values: values}, nil
}

// NewSparseTable checks that labels fit values and keeps them compressed.
func NewSparseTable(values *matrix.CSR, index, columns []string) (*Table, error) {
	r, c := values.Dims()
	if err := checkLabels(r, c, index, columns); err != nil {
		return nil, err
	}
	return &Table{Index: index, Columns: columns, CSR: values}, nil
}

// FromMatrix wraps m without changing its representation.
func FromMatrix(m matrix.Matrix, index, columns []string) (*Table, error) {
	switch v := m.(type) {
	case *matrix.CSR:
		return NewSparseTable(v, index, columns)
	case matrix.Dense:
		return NewTable(v.Dense, index, columns)
	}
	return NewTable(matrix.ToDense(m), index, columns)
}

func checkLabels(r, c int, index, columns []string) error {
	if len(index) != r || len(columns) != c {
		return fmt.Errorf("%w: %d×%d values, %d row and %d column labels",
			ErrLabels, r, c, len(index), len(columns))
	}
	return nil
}

func (t *Table) Dims() (int, int) {
	return len(t.Index), len(t.Columns)
}

// Sparse reports whether t is stored in compressed rows.
func (t *Table) Sparse() bool { return t.CSR != nil }

// Matrix returns the values behind the Matrix abstraction. It never copies.
func (t *Table) Matrix() matrix.Matrix {
	if t.CSR != nil {
		return t.CSR
	}
	return matrix.NewDense(t.Values)
}

// Compressed returns t stored in compressed rows.
func (t *Table) Compressed() *Table {
	if t.CSR != nil {
		return t
	}
	return &Table{Index: t.Index, Columns: t.Columns, CSR: matrix.CSRFromDense(t.Values)}
}

// ColumnPositions returns the position of every name in t.Columns.
func (t *Table) ColumnPositions(names []string) ([]int, error) {
	return positions(t.Columns, names)
}

// RowPositions returns the position of every name in t.Index.
func (t *Table) RowPositions(names []string) ([]int, error) {
	return positions(t.Index, names)
}

func positions(labels, names []string) ([]int, error) {
	at := make(map[string]int, len(labels))
	for i, l := range labels {
		if _, dup := at[l]; !dup {
			at[l] = i
		}
	}
	out := make([]int, len(names))
	for i, n := range names {
		p, ok := at[n]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownLabel, n)
		}
		out[i] = p
	}
	return out, nil
}

var magic = [8]byte{'C', 'N', 'M', 'F', 'T', 'B', 'L', '1'}

const formatCSR = "csr"

type header struct {
	Index   []string `yaml:"index"`
	Columns []string `yaml:"columns"`
	Format  string   `yaml:"format,omitempty"`
	NNZ     int      `yaml:"nnz,omitempty"`
}

// MarshalBinary encodes t as magic, a length-prefixed YAML label header and
// the values: the gonum binary form for dense tables, or little-endian row
// pointers, column indices and data for compressed ones.
func (t *Table) MarshalBinary() ([]byte, error) {
	h := header{Index: t.Index, Columns: t.Columns}
	if t.CSR != nil {
		h.Format = formatCSR
		h.NNZ = t.CSR.NNZ()
	}
	hdr, err := yaml.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("encode table header: %w", err)
	}
	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.LittleEndian, uint64(len(hdr)))
	buf.Write(hdr)
	r, c := t.Dims()
	switch {
	case t.CSR != nil:
		indptr, indices, data := t.CSR.Raw()
		_ = binary.Write(&buf, binary.LittleEndian, toInt64(indptr))
		_ = binary.Write(&buf, binary.LittleEndian, toInt64(indices))
		_ = binary.Write(&buf, binary.LittleEndian, data)
	case r > 0 && c > 0:
		vals, err := t.Values.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("encode table values: %w", err)
		}
		buf.Write(vals)
	}
	return buf.Bytes(), nil
}

func (t *Table) UnmarshalBinary(data []byte) error {
	if len(data) < len(magic)+8 || !bytes.Equal(data[:len(magic)], magic[:]) {
		return fmt.Errorf("%w: bad magic", ErrFormat)
	}
	data = data[len(magic):]
	n := binary.LittleEndian.Uint64(data[:8])
	data = data[8:]
	if uint64(len(data)) < n {
		return fmt.Errorf("%w: truncated header", ErrFormat)
	}
	var h header
	if err := yaml.Unmarshal(data[:n], &h); err != nil {
		return fmt.Errorf("%w: %v", ErrFormat, err)
	}
	data = data[n:]

	var nt *Table
	var err error
	switch h.Format {
	case formatCSR:
		nt, err = decodeCSR(data, h)
	case "":
		values := &mat.Dense{}
		if len(h.Index) > 0 && len(h.Columns) > 0 {
			if err := values.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("%w: %v", ErrFormat, err)
			}
		}
		nt, err = NewTable(values, h.Index, h.Columns)
	default:
		return fmt.Errorf("%w: unknown format %q", ErrFormat, h.Format)
	}
	if err != nil {
		return err
	}
	*t = *nt
	return nil
}

func decodeCSR(data []byte, h header) (*Table, error) {
	rows, cols := len(h.Index), len(h.Columns)
	if h.NNZ < 0 || len(data) != 8*(rows+1+2*h.NNZ) {
		return nil, fmt.Errorf("%w: compressed payload is %d bytes for %d rows and %d entries", ErrFormat, len(data), rows, h.NNZ)
	}
	r := bytes.NewReader(data)
	indptr := make([]int64, rows+1)
	indices := make([]int64, h.NNZ)
	vals := make([]float64, h.NNZ)
	for _, dst := range []any{indptr, indices, vals} {
		if err := binary.Read(r, binary.LittleEndian, dst); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrFormat, err)
		}
	}
	csr, err := matrix.NewCSR(rows, cols, fromInt64(indptr), fromInt64(indices), vals)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	return NewSparseTable(csr, h.Index, h.Columns)
}

func toInt64(v []int) []int64 {
	out := make([]int64, len(v))
	for i, x := range v {
		out[i] = int64(x)
	}
	return out
}

func fromInt64(v []int64) []int {
	out := make([]int, len(v))
	for i, x := range v {
		out[i] = int(x)
	}
	return out
}

// Column returns a copy of the named column.
func (t *Table) Column(name string) ([]float64, error) {
	p, err := t.ColumnPositions([]string{name})
	if err != nil {
		return nil, err
	}
	return mat.Col(nil, p[0], t.Matrix()), nil
}
