package eca

import (
	"bytes"
	"errors"
	"log"
	"math"
	"strings"
	"testing"

	"eca/internal/nn"
)

func TestNewBuildsFusedTopology(t *testing.T) {
	var buf bytes.Buffer
	net, err := New(Config{
		Inputs:       5,
		Outputs:      3,
		Layers:       Widths(6, 4),
		Nonlinearity: Rectifier,
		Logger:       log.New(&buf, "", 0),
	})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}

	nodes := net.Nodes()
	wantNames := []string{"U", "X1", "X2u", "Y", "X2y"}
	wantKinds := []Kind{KindInput, KindStandard, KindFusionPrimary, KindInput, KindFusionSecondary}
	if len(nodes) != len(wantNames) {
		t.Fatalf("unexpected node count: got=%d want=%d", len(nodes), len(wantNames))
	}
	for i, node := range nodes {
		if node.Name != wantNames[i] || node.Kind != wantKinds[i] {
			t.Fatalf("node %d: got=%s/%s want=%s/%s", i, node.Name, node.Kind, wantNames[i], wantKinds[i])
		}
	}

	x1, _ := net.Node("X1")
	if x1.N != 6 || x1.M != 5 || x1.Nonlinearity != Rectifier || x1.Merge != MergeResidual {
		t.Fatalf("unexpected X1: %+v", x1)
	}
	u, _ := net.Node("X2u")
	y, _ := net.Node("X2y")
	if u.SignalKey != "X2" || y.SignalKey != "X2" {
		t.Fatalf("expected shared signal key, got u=%s y=%s", u.SignalKey, y.SignalKey)
	}
	if u.M != 6 || y.M != 3 || u.N != 4 || y.N != 4 {
		t.Fatalf("unexpected fusion dims: u=%dx%d y=%dx%d", u.N, u.M, y.N, y.M)
	}
	if u.Merge != MergeDifference || u.MergeNonlinearity != Rectifier || u.Nonlinearity.String() != nn.Identity {
		t.Fatalf("unexpected fusion primary config: %+v", u)
	}
	if r, c := u.Params.Phi.Dims(); r != 6 || c != 4 {
		t.Fatalf("unexpected phi dims: %dx%d", r, c)
	}
	if r, c := y.Params.Phi.Dims(); r != 3 || c != 4 {
		t.Fatalf("unexpected phi dims: %dx%d", r, c)
	}

	fusions := net.Fusions()
	if len(fusions) != 1 || fusions[0].Name != "X2" {
		t.Fatalf("unexpected fusions: %+v", fusions)
	}
	if net.Inputs() != 5 || net.Outputs() != 3 {
		t.Fatalf("unexpected boundary widths: in=%d out=%d", net.Inputs(), net.Outputs())
	}

	logged := buf.String()
	for _, want := range []string{"Input   U (5)", "Layer  X1 (6)", "X2u", "Input   Y (3)", "X2y"} {
		if !strings.Contains(logged, want) {
			t.Fatalf("expected topology log to contain %q, got:\n%s", want, logged)
		}
	}
}

func TestFusionSidesIgnoreTopLayerTuning(t *testing.T) {
	net, err := New(Config{
		Inputs:  3,
		Outputs: 2,
		Layers: []LayerSpec{
			{Width: 4, MinTau: 2, Stiffness: 3},
			{Width: 3, MinTau: 5, Stiffness: 7, Merge: MergeSum, EstimateNonlinearity: Tanh},
		},
	})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}

	x1, _ := net.Node("X1")
	if x1.MinTau != 2 || x1.Stiffness != 3 {
		t.Fatalf("expected X1 to keep its tuning: min_tau=%f stiffness=%f", x1.MinTau, x1.Stiffness)
	}
	for _, name := range []string{"X2u", "X2y"} {
		side, _ := net.Node(name)
		if side.N != 3 || side.MinTau != 0 || side.Stiffness != 1 || side.EstimateNonlinearity.String() != nn.Identity {
			t.Fatalf("unexpected %s tuning: %+v", name, side)
		}
	}
	u, _ := net.Node("X2u")
	if u.Merge != MergeSum {
		t.Fatalf("expected the top merge on the u-side, got %s", u.Merge)
	}
}

func TestNewLinksChainsBottomUp(t *testing.T) {
	net, err := New(Config{Inputs: 3, Layers: Widths(4, 2)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	nodes := net.Nodes()
	if len(nodes) != 3 {
		t.Fatalf("unexpected nodes: %+v", nodes)
	}
	for i := 1; i < len(nodes); i++ {
		prev, _ := net.Node(nodes[i-1].Name)
		if net.nodes[prev.Next].Name != nodes[i].Name {
			t.Fatalf("%s is not followed by %s", prev.Name, nodes[i].Name)
		}
		if net.nodes[nodes[i].Prev].Name != prev.Name {
			t.Fatalf("%s does not point back to %s", nodes[i].Name, prev.Name)
		}
	}
	if nodes[len(nodes)-1].Next != none {
		t.Fatal("expected top layer without successor")
	}
	if net.Outputs() != 0 || len(net.Fusions()) != 0 {
		t.Fatal("expected no Y chain without outputs")
	}
}

func TestNewSimple(t *testing.T) {
	net, err := NewSimple(4, 3)
	if err != nil {
		t.Fatalf("new simple: %v", err)
	}
	x, ok := net.Node("X1")
	if !ok {
		t.Fatal("expected layer X1")
	}
	if x.Nonlinearity != Rectifier || x.MinTau != 1 || x.Stiffness != 1 {
		t.Fatalf("unexpected simple layer: %+v", x)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no-inputs", cfg: Config{Layers: Widths(2)}},
		{name: "negative-outputs", cfg: Config{Inputs: 2, Outputs: -1, Layers: Widths(2)}},
		{name: "no-layers", cfg: Config{Inputs: 2}},
		{name: "zero-width", cfg: Config{Inputs: 2, Layers: Widths(0)}},
		{name: "negative-min-tau", cfg: Config{Inputs: 2, Layers: []LayerSpec{{Width: 2, MinTau: -1}}}},
		{name: "negative-stiffness", cfg: Config{Inputs: 2, Layers: []LayerSpec{{Width: 2, Stiffness: -1}}}},
		{name: "bad-merge", cfg: Config{Inputs: 2, Layers: []LayerSpec{{Width: 2, Merge: Merge(42)}}}},
		{name: "unknown-nonlinearity", cfg: Config{Inputs: 2, Layers: Widths(2), Nonlinearity: Custom("nope")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.cfg); !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got: %v", err)
			}
		})
	}
}

func TestNewAcceptsRegisteredCustomNonlinearity(t *testing.T) {
	name := "eca-test-softsign"
	if _, err := nn.GetTransform(name); err != nil {
		nn.MustRegisterTransform(name, func(x float64) float64 { return x / (1 + math.Abs(x)) })
	}
	net, err := New(Config{Inputs: 2, Layers: Widths(2), Nonlinearity: Custom(name)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if _, err := net.NewSignals(3); err != nil {
		t.Fatalf("new signals: %v", err)
	}
}

func TestAttachRejectsSecondSuccessor(t *testing.T) {
	net, err := New(Config{Inputs: 3, Layers: Widths(2)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	idx, err := net.register(Node{Name: "Z", Kind: KindStandard, N: 2, M: 3})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := net.attach(idx, net.u); !errors.Is(err, ErrSuccessorExists) {
		t.Fatalf("expected ErrSuccessorExists, got: %v", err)
	}
	x1, _ := net.Node("X1")
	if net.nodes[net.u].Next != net.index["X1"] || x1.Prev != net.u {
		t.Fatal("expected existing links to be untouched")
	}
}

func TestAttachRejectsDimensionMismatch(t *testing.T) {
	net, err := New(Config{Inputs: 3, Layers: Widths(2)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	top := net.index["X1"]
	idx, err := net.register(Node{Name: "Z", Kind: KindStandard, N: 2, M: 5})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := net.attach(idx, top); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got: %v", err)
	}
	if net.nodes[top].Next != none {
		t.Fatal("expected failed attach to leave the chain unchanged")
	}
}

func TestRegisterRejectsDuplicateName(t *testing.T) {
	net, err := New(Config{Inputs: 3, Layers: Widths(2)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if _, err := net.register(Node{Name: "X1", Kind: KindStandard, N: 2, M: 2}); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestPhiNormsSkipInputs(t *testing.T) {
	net, err := New(Config{Inputs: 4, Outputs: 2, Layers: Widths(3, 3)})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	norms := net.PhiNorms()
	for _, name := range []string{"X1", "X2u", "X2y"} {
		if len(norms[name]) != 3 {
			t.Fatalf("expected 3 column norms for %s, got %v", name, norms[name])
		}
	}
	if _, ok := norms["U"]; ok {
		t.Fatal("expected inputs to be skipped")
	}
	if r, c := net.FirstPhi().Dims(); r != 4 || c != 3 {
		t.Fatalf("unexpected first phi dims: %dx%d", r, c)
	}
}
