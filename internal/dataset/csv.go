package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// CSVOptions selects the label and feature columns of a labelled CSV.
// A negative LabelColumnIndex means the last column.
type CSVOptions struct {
	HasHeader            bool
	LabelColumnName      string
	LabelColumnIndex     int
	FeatureColumnIndexes []int
	// Scale divides every feature; zero means 1.
	Scale float64
}

// ReadCSV reads one sample per row. Empty feature cells are missing (NaN).
func ReadCSV(in io.Reader, opts CSVOptions) (*Set, error) {
	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1

	labelIdx := opts.LabelColumnIndex
	featureIdx := append([]int(nil), opts.FeatureColumnIndexes...)
	row := 0
	if opts.HasHeader {
		header, err := reader.Read()
		if err == io.EOF {
			return nil, ErrEmptySet
		}
		if err != nil {
			return nil, fmt.Errorf("read csv header: %w", err)
		}
		row++
		if strings.TrimSpace(opts.LabelColumnName) != "" {
			idx, err := columnIndexByName(header, opts.LabelColumnName)
			if err != nil {
				return nil, err
			}
			labelIdx = idx
		}
	}
	scale := opts.Scale
	if scale == 0 {
		scale = 1
	}

	var (
		columns [][]float64
		labels  []int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", row, err)
		}
		row++
		if blankRecord(record) {
			continue
		}

		li := labelIdx
		if li < 0 {
			li = len(record) - 1
		}
		if li >= len(record) {
			return nil, fmt.Errorf("%w: row %d missing label column %d", ErrBadFormat, row, li)
		}
		if len(featureIdx) == 0 {
			featureIdx = defaultFeatureIndexes(len(record), li)
		}
		label, err := parseLabelInt(record[li], row)
		if err != nil {
			return nil, err
		}

		values := make([]float64, len(featureIdx))
		for i, idx := range featureIdx {
			if idx < 0 || idx >= len(record) {
				return nil, fmt.Errorf("%w: row %d missing feature column %d", ErrBadFormat, row, idx)
			}
			raw := strings.TrimSpace(record[idx])
			if raw == "" {
				values[i] = math.NaN()
				continue
			}
			v, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: row %d column %d: %v", ErrBadFormat, row, idx, err)
			}
			values[i] = v / scale
		}
		columns = append(columns, values)
		labels = append(labels, label)
	}
	if len(columns) == 0 || len(featureIdx) == 0 {
		return nil, ErrEmptySet
	}

	features := mat.NewDense(len(featureIdx), len(columns), nil)
	for j, values := range columns {
		features.SetCol(j, values)
	}
	return newSet("csv", features, labels)
}

func parseLabelInt(raw string, row int) (int, error) {
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: label row %d: %v", ErrBadFormat, row, err)
	}
	return int(math.Round(value)), nil
}

func defaultFeatureIndexes(recordLen, labelIdx int) []int {
	out := make([]int, 0, recordLen)
	for idx := 0; idx < recordLen; idx++ {
		if idx == labelIdx {
			continue
		}
		out = append(out, idx)
	}
	return out
}

func columnIndexByName(header []string, name string) (int, error) {
	want := strings.TrimSpace(strings.ToLower(name))
	for i, field := range header {
		if strings.ToLower(strings.TrimSpace(field)) == want {
			return i, nil
		}
	}
	return -1, fmt.Errorf("csv column not found: %s", name)
}

func blankRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}
