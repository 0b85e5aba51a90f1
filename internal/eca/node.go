package eca

import (
	"fmt"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

const none = -1

// Kind tags the role a node plays in a chain.
type Kind int

const (
	// KindInput is a boundary node with identity behaviour and no weights.
	KindInput Kind = iota
	// KindStandard is a trainable layer fed by its predecessor.
	KindStandard
	// KindFusionPrimary is the u-side of a fusion: it owns the shared
	// signal update and uses the secondary's feedforward as its estimate.
	KindFusionPrimary
	// KindFusionSecondary is the y-side of a fusion: its propagation is a
	// no-op, it still adapts its own weights.
	KindFusionSecondary
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindStandard:
		return "standard"
	case KindFusionPrimary:
		return "fusion-primary"
	case KindFusionSecondary:
		return "fusion-secondary"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Trainable reports whether nodes of this kind own learned parameters.
func (k Kind) Trainable() bool {
	return k != KindInput
}

// Params holds the learned state of a trainable node.
type Params struct {
	// Phi maps the node's state down to its predecessor (M×N).
	Phi *mat.Dense
	// EXU is the moving cross-moment estimate (N×M).
	EXU *mat.Dense
	// EXX is the moving auto-moment estimate (N×N).
	EXX *mat.Dense
	// Q is the diagonal regularizer derived from EXX (N×N).
	Q *mat.Dense
}

func newParams(n, m int, seed int64) *Params {
	rng := rand.New(rand.NewSource(seed))
	exu := mat.NewDense(n, m, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < m; j++ {
			exu.Set(i, j, rng.Float64()-0.5)
		}
	}
	phi := mat.DenseCopyOf(exu.T())
	return &Params{
		Phi: phi,
		EXU: exu,
		EXX: identity(n),
		Q:   identity(n),
	}
}

func identity(n int) *mat.Dense {
	m := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// Node is one chain position in a Network registry. Prev and Next are
// indices into the same registry, -1 when absent.
type Node struct {
	Name      string
	Kind      Kind
	N         int
	M         int
	Prev      int
	Next      int
	SignalKey string
	// Fusion indexes Network fusions for fusion sides, -1 otherwise.
	Fusion int

	// Nonlinearity applies to the feedforward path.
	Nonlinearity Nonlinearity
	// EstimateNonlinearity applies to the top-down estimate.
	EstimateNonlinearity Nonlinearity
	Merge                Merge
	// MergeNonlinearity applies to the merged value (fusion primary only).
	MergeNonlinearity Nonlinearity
	MinTau            float64
	Stiffness         float64

	Params *Params
}

func (n Node) String() string {
	switch n.Kind {
	case KindInput:
		return fmt.Sprintf("Input %3s (%d)", n.Name, n.N)
	case KindFusionPrimary, KindFusionSecondary:
		return fmt.Sprintf("Layer %3s (%d) %.2f, %.2f, %s [%s of %s, merge=%s]",
			n.Name, n.N, n.Stiffness, n.MinTau, n.Nonlinearity, n.Kind, n.SignalKey, n.Merge)
	default:
		return fmt.Sprintf("Layer %3s (%d) %.2f, %.2f, %s", n.Name, n.N, n.Stiffness, n.MinTau, n.Nonlinearity)
	}
}

// Fusion joins two chains into one shared signal.
type Fusion struct {
	Name      string
	N         int
	Primary   int
	Secondary int
}
