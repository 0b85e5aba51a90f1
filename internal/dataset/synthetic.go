package dataset

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// SyntheticOptions describes a Gaussian-cluster classification set.
type SyntheticOptions struct {
	Classes  int
	Features int
	Samples  int
	// Spread is the per-feature standard deviation around each centre.
	Spread float64
	Seed   int64
}

// Synthetic draws one random centre in [0, 1]^Features per class and
// samples around it. Labels cycle through the classes so every batch is
// balanced.
func Synthetic(opts SyntheticOptions) (*Set, error) {
	if opts.Classes <= 0 || opts.Features <= 0 || opts.Samples <= 0 {
		return nil, fmt.Errorf("%w: synthetic %d classes, %d features, %d samples", ErrInvalidSize, opts.Classes, opts.Features, opts.Samples)
	}
	if opts.Spread < 0 {
		return nil, fmt.Errorf("%w: negative spread %f", ErrInvalidSize, opts.Spread)
	}
	rng := rand.New(rand.NewSource(opts.Seed))

	centres := mat.NewDense(opts.Features, opts.Classes, nil)
	for i := 0; i < opts.Features; i++ {
		for c := 0; c < opts.Classes; c++ {
			centres.Set(i, c, rng.Float64())
		}
	}

	features := mat.NewDense(opts.Features, opts.Samples, nil)
	labels := make([]int, opts.Samples)
	for j := 0; j < opts.Samples; j++ {
		class := j % opts.Classes
		labels[j] = class
		for i := 0; i < opts.Features; i++ {
			features.Set(i, j, centres.At(i, class)+rng.NormFloat64()*opts.Spread)
		}
	}
	set, err := newSet("synthetic", features, labels)
	if err != nil {
		return nil, err
	}
	set.Classes = opts.Classes
	return set, nil
}
