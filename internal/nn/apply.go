package nn

import "gonum.org/v1/gonum/mat"

// Apply writes fn applied to every element of src into dst. dst may alias src.
func Apply(dst *mat.Dense, src mat.Matrix, fn TransformFunc) {
	dst.Apply(func(_, _ int, v float64) float64 { return fn(v) }, src)
}

// Sat clamps value to [min, max].
func Sat(value, max, min float64) float64 {
	if value > max {
		return max
	}
	if value < min {
		return min
	}
	return value
}
