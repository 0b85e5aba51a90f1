package eca

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func newTestModel(t *testing.T, outputs int) *Model {
	t.Helper()
	m, err := NewModel(Config{Inputs: 4, Outputs: outputs, Layers: Widths(5, 3), Nonlinearity: Rectifier, Seed: 2}, ModelOptions{})
	if err != nil {
		t.Fatalf("new model: %v", err)
	}
	return m
}

func TestModelOptionsDefaults(t *testing.T) {
	opts := ModelOptions{}.withDefaults()
	if opts.DeltaLimit != DefaultDeltaLimit || opts.Limits != DefaultLimits() {
		t.Fatalf("unexpected defaults: %+v", opts)
	}
	custom := ModelOptions{MinTau: 2, DeltaLimit: 0.1, Limits: Limits{MaxIterations: 7}}.withDefaults()
	if custom.MinTau != 2 || custom.DeltaLimit != 0.1 || custom.Limits.MaxIterations != 7 || custom.Limits.Timeout != DefaultConvergeTimeout {
		t.Fatalf("unexpected merged options: %+v", custom)
	}
}

func TestNewModelRejectsInvalidConfig(t *testing.T) {
	if _, err := NewModel(Config{}, ModelOptions{}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestModelContextReusesAndRebuilds(t *testing.T) {
	m := newTestModel(t, 2)
	a, err := m.Context("eval", 4)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	b, err := m.Context("eval", 4)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if a != b {
		t.Fatal("expected the context to be reused for the same batch size")
	}
	c, err := m.Context("eval", 6)
	if err != nil {
		t.Fatalf("context: %v", err)
	}
	if c == a || c.K() != 6 {
		t.Fatal("expected a new context for a new batch size")
	}
	if _, err := m.Context("eval", 0); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch, got: %v", err)
	}
}

func TestModelUpdateTrainsSharedWeights(t *testing.T) {
	m := newTestModel(t, 2)
	if m.Training() != nil {
		t.Fatal("expected no training context before the first update")
	}
	u := randomDense(4, 6, 1, 1)
	y := randomDense(2, 6, 2, 1)
	before := m.Network().FirstPhi()

	d, err := m.Update(u, y, 1e-3)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if math.IsNaN(d) || d < 0 {
		t.Fatalf("unexpected delta: %f", d)
	}
	if m.Training() == nil || !m.Training().AdaptCompiled() {
		t.Fatal("expected a bound training context")
	}
	if mat.Equal(before, m.Network().FirstPhi()) {
		t.Fatal("expected the update to move the weights")
	}

	eval, err := m.EstimateY(u, nil, "eval")
	if err != nil {
		t.Fatalf("estimate y: %v", err)
	}
	if r, c := eval.Dims(); r != 2 || c != 6 {
		t.Fatalf("unexpected estimate dims: %dx%d", r, c)
	}
	if ctx, _ := m.Context("eval", 6); ctx.AdaptCompiled() {
		t.Fatal("expected evaluation contexts to stay unbound for adaptation")
	}
}

func TestModelRejectsBadBatches(t *testing.T) {
	m := newTestModel(t, 2)
	if _, err := m.Update(nil, nil, 1e-3); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch for empty batch, got: %v", err)
	}
	if _, err := m.Update(randomDense(4, 3, 1, 1), randomDense(2, 4, 1, 1), 1e-3); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch for ragged batch, got: %v", err)
	}
	if _, err := m.Update(randomDense(4, 3, 1, 1), nil, 0); !errors.Is(err, ErrInvalidStiffness) {
		t.Fatalf("expected ErrInvalidStiffness, got: %v", err)
	}
	if _, err := m.ReconstErrU(nil, nil, "eval"); !errors.Is(err, ErrBatchMismatch) {
		t.Fatalf("expected ErrBatchMismatch without u, got: %v", err)
	}

	plain := newTestModel(t, 0)
	if _, err := plain.EstimateY(randomDense(4, 3, 1, 1), nil, "eval"); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch without Y chain, got: %v", err)
	}
}

func TestModelReconstErrU(t *testing.T) {
	m := newTestModel(t, 0)
	u := randomDense(4, 5, 3, 1)
	u.Set(2, 1, math.NaN())

	errs, err := m.ReconstErrU(u, nil, "eval")
	if err != nil {
		t.Fatalf("reconstruction error: %v", err)
	}
	if len(errs) != 5 {
		t.Fatalf("expected one error per sample, got %d", len(errs))
	}
	for j, e := range errs {
		if math.IsNaN(e) || e < 0 {
			t.Fatalf("sample %d: unexpected error %f", j, e)
		}
	}

	est, err := m.EstimateU(u, nil, "eval")
	if err != nil {
		t.Fatalf("estimate u: %v", err)
	}
	if r, c := est.Dims(); r != 4 || c != 5 {
		t.Fatalf("unexpected estimate dims: %dx%d", r, c)
	}
}
