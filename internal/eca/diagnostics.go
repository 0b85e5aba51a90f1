package eca

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Variance returns the average log variance of every signal.
func (s *Signals) Variance() map[string]float64 {
	out := make(map[string]float64, len(s.signals))
	for name, sig := range s.signals {
		out[name] = sig.Variance()
	}
	return out
}

// Energy returns the average energy of every signal.
func (s *Signals) Energy() map[string]float64 {
	out := make(map[string]float64, len(s.signals))
	for name, sig := range s.signals {
		energy := sig.Energy()
		sum := 0.0
		for _, e := range energy {
			sum += e
		}
		out[name] = sum / float64(len(energy))
	}
	return out
}

// AvgLevels returns the norm of the mean state of every signal.
func (s *Signals) AvgLevels() map[string]float64 {
	out := make(map[string]float64, len(s.signals))
	for name, sig := range s.signals {
		out[name] = sig.AvgLevel()
	}
	return out
}

// PhiNorms returns the weight column norms of every trainable node.
func (s *Signals) PhiNorms() map[string][]float64 {
	return s.net.PhiNorms()
}

// FirstPhi returns the weights of the lowest U-chain layer.
func (s *Signals) FirstPhi() *mat.Dense {
	return s.net.FirstPhi()
}

// UEstimate is the top-down prediction of the U input.
func (s *Signals) UEstimate() *mat.Dense {
	return s.estimateOf(s.net.u)
}

// YEstimate is the top-down prediction of the Y input, nil without a Y chain.
func (s *Signals) YEstimate() *mat.Dense {
	if s.net.y == none {
		return nil
	}
	return s.estimateOf(s.net.y)
}

// XEstimate returns a copy of the topmost state on the U chain.
func (s *Signals) XEstimate() *mat.Dense {
	idx := s.net.u
	for s.net.nodes[idx].Next != none {
		idx = s.net.nodes[idx].Next
	}
	return mat.DenseCopyOf(s.signalFor(idx).Value)
}

// UErr is the mean squared error between the U estimate and u, skipping
// missing entries.
func (s *Signals) UErr(u *mat.Dense) float64 {
	est := s.UEstimate()
	r, c := est.Dims()
	sum, n := 0.0, 0
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := u.At(i, j)
			if math.IsNaN(v) {
				continue
			}
			d := est.At(i, j) - v
			sum += d * d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func (s *Signals) estimateOf(idx int) *mat.Dense {
	for _, plan := range s.prop {
		if plan.node == idx {
			dst := mat.NewDense(s.net.nodes[idx].N, s.k, nil)
			plan.estimate(dst)
			return dst
		}
	}
	return nil
}
