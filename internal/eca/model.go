package eca

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

const trainingLabel = "training"

// ModelOptions tune how a Model relaxes its contexts.
type ModelOptions struct {
	MinTau     float64
	DeltaLimit float64
	Limits     Limits
}

func (o ModelOptions) withDefaults() ModelOptions {
	if o.DeltaLimit <= 0 {
		o.DeltaLimit = DefaultDeltaLimit
	}
	if o.Limits.Timeout <= 0 {
		o.Limits.Timeout = DefaultConvergeTimeout
	}
	if o.Limits.MaxIterations <= 0 {
		o.Limits.MaxIterations = DefaultConvergeIterations
	}
	return o
}

// Model wraps a Network with labelled runtime contexts, so training and
// evaluation batches keep their own state while sharing learned weights.
type Model struct {
	net      *Network
	opts     ModelOptions
	contexts map[string]*Signals
}

func NewModel(cfg Config, opts ModelOptions) (*Model, error) {
	net, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return &Model{
		net:      net,
		opts:     opts.withDefaults(),
		contexts: make(map[string]*Signals),
	}, nil
}

func (m *Model) Network() *Network {
	return m.net
}

// Context returns the runtime context for label, recreating it when the
// batch size changes.
func (m *Model) Context(label string, k int) (*Signals, error) {
	if s, ok := m.contexts[label]; ok && s.K() == k {
		return s, nil
	}
	s, err := m.net.NewSignals(k)
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", label, err)
	}
	s.SetLimits(m.opts.Limits)
	m.contexts[label] = s
	return s, nil
}

// Training returns the training context, nil before the first Update.
func (m *Model) Training() *Signals {
	return m.contexts[trainingLabel]
}

// Update relaxes the training context on (u, y) and adapts every layer
// once. It returns the adaptation delta.
func (m *Model) Update(u, y *mat.Dense, stiffness float64) (float64, error) {
	s, err := m.converge(trainingLabel, u, y)
	if err != nil {
		return 0, err
	}
	return s.AdaptLayers(stiffness)
}

// EstimateY relaxes the labelled context and returns the Y estimate.
func (m *Model) EstimateY(u, y *mat.Dense, label string) (*mat.Dense, error) {
	if m.net.y == none {
		return nil, fmt.Errorf("%w: network has no Y chain", ErrDimensionMismatch)
	}
	s, err := m.converge(label, u, y)
	if err != nil {
		return nil, err
	}
	return s.YEstimate(), nil
}

// EstimateU relaxes the labelled context and returns the U estimate.
func (m *Model) EstimateU(u, y *mat.Dense, label string) (*mat.Dense, error) {
	s, err := m.converge(label, u, y)
	if err != nil {
		return nil, err
	}
	return s.UEstimate(), nil
}

// ReconstErrU returns the per-sample mean squared reconstruction error of
// u over its observed entries.
func (m *Model) ReconstErrU(u, y *mat.Dense, label string) ([]float64, error) {
	if u == nil {
		return nil, fmt.Errorf("%w: u is required", ErrBatchMismatch)
	}
	est, err := m.EstimateU(u, y, label)
	if err != nil {
		return nil, err
	}
	r, c := est.Dims()
	out := make([]float64, c)
	for j := 0; j < c; j++ {
		sum, n := 0.0, 0
		for i := 0; i < r; i++ {
			v := u.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			d := est.At(i, j) - v
			sum += d * d
			n++
		}
		if n > 0 {
			out[j] = sum / float64(n)
		}
	}
	return out, nil
}

func (m *Model) converge(label string, u, y *mat.Dense) (*Signals, error) {
	k, err := batchSize(u, y)
	if err != nil {
		return nil, err
	}
	s, err := m.Context(label, k)
	if err != nil {
		return nil, err
	}
	return s.Converge(u, y, m.opts.MinTau, m.opts.DeltaLimit)
}

func batchSize(u, y *mat.Dense) (int, error) {
	switch {
	case u != nil && y != nil:
		_, ku := u.Dims()
		_, ky := y.Dims()
		if ku != ky {
			return 0, fmt.Errorf("%w: u has %d samples, y has %d", ErrBatchMismatch, ku, ky)
		}
		return ku, nil
	case u != nil:
		_, k := u.Dims()
		return k, nil
	case y != nil:
		_, k := y.Dims()
		return k, nil
	default:
		return 0, fmt.Errorf("%w: no input given", ErrBatchMismatch)
	}
}
