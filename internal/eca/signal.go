package eca

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

const signalSeed = 0

// Signal is the state matrix (n × k) of one chain position.
type Signal struct {
	Name  string
	N     int
	K     int
	Value *mat.Dense

	modulation []float64
}

func newSignal(name string, n, k int) *Signal {
	rng := rand.New(rand.NewSource(signalSeed))
	value := mat.NewDense(n, k, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < k; j++ {
			value.Set(i, j, rng.Float64())
		}
	}
	return &Signal{Name: name, N: n, K: k, Value: value}
}

// SetModulation attaches a per-sample weight applied to the state before
// adaptation. It can be set once.
func (s *Signal) SetModulation(mod []float64) error {
	if s.modulation != nil {
		return fmt.Errorf("%w: %s", ErrModulationSet, s.Name)
	}
	if len(mod) != s.K {
		return fmt.Errorf("%w: modulation for %s has %d samples, want %d", ErrBatchMismatch, s.Name, len(mod), s.K)
	}
	s.modulation = append([]float64(nil), mod...)
	return nil
}

func (s *Signal) Modulation() []float64 {
	return s.modulation
}

// Variance is the average over features of the log variance across samples.
func (s *Signal) Variance() float64 {
	row := make([]float64, s.K)
	sum := 0.0
	for i := 0; i < s.N; i++ {
		mat.Row(row, i, s.Value)
		sum += math.Log(stat.PopVariance(row, nil))
	}
	return sum / float64(s.N)
}

// Energy is the mean square of each feature across samples.
func (s *Signal) Energy() []float64 {
	out := make([]float64, s.N)
	for i := range out {
		row := s.Value.RawRowView(i)
		sq := 0.0
		for _, v := range row {
			sq += v * v
		}
		out[i] = sq / float64(s.K)
	}
	return out
}

// AvgLevel is the norm of the per-feature sample means.
func (s *Signal) AvgLevel() float64 {
	means := make([]float64, s.N)
	for i := range means {
		means[i] = stat.Mean(s.Value.RawRowView(i), nil)
	}
	return floats.Norm(means, 2)
}
