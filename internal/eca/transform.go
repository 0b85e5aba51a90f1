package eca

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"eca/internal/nn"
)

// Nonlinearity selects an elementwise transform. Custom transforms are
// looked up by name in the nn registry.
type Nonlinearity struct {
	Name string `json:"name"`
}

var (
	Identity  = Nonlinearity{Name: nn.Identity}
	Rectifier = Nonlinearity{Name: nn.Rectifier}
	Tanh      = Nonlinearity{Name: nn.Tanh}
)

// Custom selects a transform registered with nn.RegisterTransform.
func Custom(name string) Nonlinearity {
	return Nonlinearity{Name: name}
}

func (n Nonlinearity) String() string {
	if n.Name == "" {
		return nn.Identity
	}
	return n.Name
}

// resolve returns nil for identity so callers can skip the pass.
func (n Nonlinearity) resolve() (nn.TransformFunc, error) {
	if n.Name == "" || n.Name == nn.Identity {
		return nil, nil
	}
	fn, err := nn.GetTransform(n.Name)
	if err != nil {
		return nil, fmt.Errorf("nonlinearity: %w", err)
	}
	return fn, nil
}

// Merge selects how a node combines its feedforward value with the
// top-down estimate.
type Merge int

const (
	// MergeDefault resolves to MergeResidual on plain layers and to
	// MergeDifference on the primary side of a fusion.
	MergeDefault Merge = iota
	// MergeResidual is feedforward minus estimate.
	MergeResidual
	// MergeDifference is nonlin(feedforward - estimate); the fusion default.
	MergeDifference
	// MergeSum is nonlin(feedforward + estimate).
	MergeSum
	// MergeFeedforward is nonlin(feedforward), ignoring the estimate.
	MergeFeedforward
)

func (m Merge) String() string {
	switch m {
	case MergeDefault:
		return "default"
	case MergeResidual:
		return "residual"
	case MergeDifference:
		return "difference"
	case MergeSum:
		return "sum"
	case MergeFeedforward:
		return "feedforward"
	default:
		return fmt.Sprintf("merge(%d)", int(m))
	}
}

// ParseMerge maps a configuration name to a Merge.
func ParseMerge(name string) (Merge, error) {
	switch name {
	case "", "default":
		return MergeDefault, nil
	case "residual":
		return MergeResidual, nil
	case "difference":
		return MergeDifference, nil
	case "sum":
		return MergeSum, nil
	case "feedforward":
		return MergeFeedforward, nil
	default:
		return 0, fmt.Errorf("%w: unknown merge %q", ErrInvalidConfig, name)
	}
}

// merge writes the combined value into dst. fn may be nil (identity).
func (m Merge) merge(dst *mat.Dense, feedforward, estimate mat.Matrix, fn nn.TransformFunc) {
	switch m {
	case MergeDifference:
		dst.Sub(feedforward, estimate)
	case MergeSum:
		dst.Add(feedforward, estimate)
	case MergeFeedforward:
		dst.Copy(feedforward)
	default:
		dst.Sub(feedforward, estimate)
		return
	}
	if fn != nil {
		nn.Apply(dst, dst, fn)
	}
}
