package eca

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"eca/internal/nn"
)

const (
	lerpEpsilon = 1e-5
	tauScale    = 20.0
	tauMin      = 5.0
	tauMax      = 100.0
)

// LerpOptions tunes the adaptive interpolation.
type LerpOptions struct {
	// MinTau is added to the clamped time constant.
	MinTau float64
	// Weights optionally scales the blend coefficient per sample (column).
	// It is the diagonal of a modulation matrix; entries are clamped to [0, 1].
	Weights []float64
}

// Lerp blends old toward target with a magnitude-aware exponential step.
//
// Each row gets its own time constant: the signed change in mean energy
// relative to the old row's energy, scaled by 20 and clamped to [5, 100],
// plus opts.MinTau. Rows that shrink or barely change are tracked at the
// full rate 1/5; rows gaining energy are smoothed over up to 100 steps. It
// returns the blended matrix, the per-row time constants and the per-row
// relative change, which is negative for shrinking rows.
func Lerp(old, target mat.Matrix, opts LerpOptions) (*mat.Dense, []float64, []float64) {
	r, c := old.Dims()
	dst := mat.NewDense(r, c, nil)
	tau, rel := LerpInto(dst, old, target, opts)
	return dst, tau, rel
}

// LerpInto is Lerp writing into dst, which must be r×c and may alias old.
func LerpInto(dst *mat.Dense, old, target mat.Matrix, opts LerpOptions) ([]float64, []float64) {
	r, c := old.Dims()
	if tr, tc := target.Dims(); tr != r || tc != c {
		panic(mat.ErrShape)
	}
	if dr, dc := dst.Dims(); dr != r || dc != c {
		panic(mat.ErrShape)
	}
	if opts.Weights != nil && len(opts.Weights) != c {
		panic(mat.ErrShape)
	}

	tau := make([]float64, r)
	rel := make([]float64, r)
	oldRow := make([]float64, c)
	newRow := make([]float64, c)
	for i := 0; i < r; i++ {
		mat.Row(oldRow, i, old)
		mat.Row(newRow, i, target)
		rel[i] = relativeChange(oldRow, newRow)
		tau[i] = timeConstant(rel[i], opts.MinTau)
		for j := 0; j < c; j++ {
			lambda := 1 / tau[i]
			if opts.Weights != nil {
				lambda *= nn.Sat(opts.Weights[j], 1, 0)
			}
			dst.Set(i, j, (1-lambda)*oldRow[j]+lambda*newRow[j])
		}
	}
	return tau, rel
}

// LerpScalar is the scalar form of Lerp.
func LerpScalar(old, target, minTau float64) (value, tau, rel float64) {
	rel = relativeChange([]float64{old}, []float64{target})
	tau = timeConstant(rel, minTau)
	lambda := 1 / tau
	return (1-lambda)*old + lambda*target, tau, rel
}

// relativeChange is (mean(target²) - mean(old²)) / (mean(old²) + eps).
func relativeChange(old, target []float64) float64 {
	var diff, base float64
	for j := range old {
		diff += target[j]*target[j] - old[j]*old[j]
		base += old[j] * old[j]
	}
	n := float64(len(old))
	return (diff / n) / (base/n + lerpEpsilon)
}

func timeConstant(rel, minTau float64) float64 {
	if math.IsNaN(rel) {
		return tauMax + minTau
	}
	return nn.Sat(tauScale*rel, tauMax, tauMin) + minTau
}
