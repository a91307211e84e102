package artifact

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"gonum.org/v1/gonum/mat"
)

// WriteTSV writes t with a header row of column labels and the row label in
// the first field of every line.
func WriteTSV(w io.Writer, t *Table) error {
	cw := csv.NewWriter(w)
	cw.Comma = '\t'
	rec := make([]string, 0, len(t.Columns)+1)
	rec = append(rec, "")
	rec = append(rec, t.Columns...)
	if err := cw.Write(rec); err != nil {
		return err
	}
	m := t.Matrix()
	for i, name := range t.Index {
		rec = rec[:0]
		rec = append(rec, name)
		for j := range t.Columns {
			rec = append(rec, strconv.FormatFloat(m.At(i, j), 'g', -1, 64))
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadTSV parses the layout written by WriteTSV.
func ReadTSV(r io.Reader) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.ReuseRecord = false
	head, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if len(head) < 2 {
		return nil, fmt.Errorf("%w: header has no columns", ErrFormat)
	}
	columns := head[1:]
	var (
		index []string
		data  []float64
	)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrFormat, line, err)
		}
		index = append(index, rec[0])
		for j, field := range rec[1:] {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: line %d column %q: %v", ErrFormat, line, columns[j], err)
			}
			data = append(data, v)
		}
	}
	if len(index) == 0 {
		return NewTable(nil, nil, columns[:0])
	}
	return NewTable(mat.NewDense(len(index), len(columns), data), index, columns)
}
