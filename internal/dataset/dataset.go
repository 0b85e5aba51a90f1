// Package dataset supplies feature-major batches for training: columns are
// samples, rows are features, as the eca runtime expects.
package dataset

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var (
	ErrEmptySet    = errors.New("dataset is empty")
	ErrInvalidSize = errors.New("invalid dataset size")
	ErrBadFormat   = errors.New("malformed dataset file")
)

// Set is a labelled dataset in feature-major layout.
type Set struct {
	Name     string
	Features *mat.Dense
	Labels   []int
	Classes  int
}

func newSet(name string, features *mat.Dense, labels []int) (*Set, error) {
	_, k := features.Dims()
	if k != len(labels) {
		return nil, fmt.Errorf("%w: %d samples, %d labels", ErrInvalidSize, k, len(labels))
	}
	classes := 0
	for i, label := range labels {
		if label < 0 {
			return nil, fmt.Errorf("%w: sample %d has negative label %d", ErrBadFormat, i, label)
		}
		if label+1 > classes {
			classes = label + 1
		}
	}
	return &Set{Name: name, Features: features, Labels: labels, Classes: classes}, nil
}

// Len is the number of samples.
func (s *Set) Len() int {
	return len(s.Labels)
}

// Inputs is the number of features per sample.
func (s *Set) Inputs() int {
	r, _ := s.Features.Dims()
	return r
}

// OneHot returns the classes × samples target matrix.
func (s *Set) OneHot() *mat.Dense {
	y := mat.NewDense(s.Classes, s.Len(), nil)
	for j, label := range s.Labels {
		y.Set(label, j, 1)
	}
	return y
}

// Slice returns samples [from, to) sharing the feature storage.
func (s *Set) Slice(from, to int) (*Set, error) {
	if from < 0 || to > s.Len() || from >= to {
		return nil, fmt.Errorf("%w: slice [%d, %d) of %d samples", ErrInvalidSize, from, to, s.Len())
	}
	r := s.Inputs()
	return &Set{
		Name:     s.Name,
		Features: s.Features.Slice(0, r, from, to).(*mat.Dense),
		Labels:   s.Labels[from:to],
		Classes:  s.Classes,
	}, nil
}

// Batch returns the i-th batch of size samples, wrapping around the end of
// the set so every batch has the same width.
func (s *Set) Batch(i, size int) (*Set, error) {
	n := s.Len()
	if n == 0 {
		return nil, ErrEmptySet
	}
	if size <= 0 || size > n {
		return nil, fmt.Errorf("%w: batch of %d from %d samples", ErrInvalidSize, size, n)
	}
	start := (i * size) % n
	if start+size <= n {
		return s.Slice(start, start+size)
	}

	r := s.Inputs()
	features := mat.NewDense(r, size, nil)
	labels := make([]int, size)
	for j := 0; j < size; j++ {
		src := (start + j) % n
		for f := 0; f < r; f++ {
			features.Set(f, j, s.Features.At(f, src))
		}
		labels[j] = s.Labels[src]
	}
	return &Set{Name: s.Name, Features: features, Labels: labels, Classes: s.Classes}, nil
}

// ByClass returns a copy of the samples labelled class. The result may be
// empty.
func (s *Set) ByClass(class int) *Set {
	var cols []int
	for j, label := range s.Labels {
		if label == class {
			cols = append(cols, j)
		}
	}
	out := &Set{Name: s.Name, Labels: make([]int, len(cols)), Classes: s.Classes}
	if len(cols) == 0 {
		return out
	}
	r := s.Inputs()
	out.Features = mat.NewDense(r, len(cols), nil)
	for j, src := range cols {
		for f := 0; f < r; f++ {
			out.Features.Set(f, j, s.Features.At(f, src))
		}
		out.Labels[j] = class
	}
	return out
}

// Split partitions a set into consecutive train, validation and test parts.
type Split struct {
	Train      *Set
	Validation *Set
	Test       *Set
}

// SplitSet takes the first train samples for training, the next validation
// samples for validation, and the rest for testing. A zero-sized part is
// left nil.
func SplitSet(s *Set, train, validation int) (Split, error) {
	if train <= 0 || validation < 0 || train+validation > s.Len() {
		return Split{}, fmt.Errorf("%w: split %d/%d of %d samples", ErrInvalidSize, train, validation, s.Len())
	}
	var (
		out Split
		err error
	)
	if out.Train, err = s.Slice(0, train); err != nil {
		return Split{}, err
	}
	if validation > 0 {
		if out.Validation, err = s.Slice(train, train+validation); err != nil {
			return Split{}, err
		}
	}
	if train+validation < s.Len() {
		if out.Test, err = s.Slice(train+validation, s.Len()); err != nil {
			return Split{}, err
		}
	}
	return out, nil
}

// Missing returns an r × c matrix with every entry marked missing.
func Missing(r, c int) *mat.Dense {
	m := mat.NewDense(r, c, nil)
	raw := m.RawMatrix()
	for i := range raw.Data {
		raw.Data[i] = math.NaN()
	}
	return m
}

// Stack places y under u, giving the input of the unsupervised variant that
// learns targets as extra features. A nil y stacks missing rows.
func Stack(u, y *mat.Dense, yRows int) *mat.Dense {
	ru, k := u.Dims()
	if y == nil {
		y = Missing(yRows, k)
	}
	ry, _ := y.Dims()
	out := mat.NewDense(ru+ry, k, nil)
	out.Slice(0, ru, 0, k).(*mat.Dense).Copy(u)
	out.Slice(ru, ru+ry, 0, k).(*mat.Dense).Copy(y)
	return out
}

// Tail returns a copy of the last rows of m.
func Tail(m *mat.Dense, rows int) *mat.Dense {
	r, c := m.Dims()
	return mat.DenseCopyOf(m.Slice(r-rows, r, 0, c))
}
