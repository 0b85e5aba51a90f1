package eca

import (
	"fmt"
	"io"
	"log"
	"math"

	"gonum.org/v1/gonum/mat"
)

const (
	defaultStiffnessScale = 1.0
	defaultSimpleMinTau   = 1.0
)

// LayerSpec configures one trainable layer.
type LayerSpec struct {
	Width int `json:"width"`
	// MinTau is the adaptation time-constant floor.
	MinTau float64 `json:"min_tau"`
	// Stiffness scales the caller's stiffness into the auto-moment floor.
	// Zero means 1.
	Stiffness float64 `json:"stiffness"`
	// Merge overrides how feedforward and estimate combine.
	Merge Merge `json:"merge"`
	// EstimateNonlinearity is applied to the estimate from the layer above.
	EstimateNonlinearity Nonlinearity `json:"estimate_nonlinearity"`
}

// Config describes an ECA network: an input chain U feeding a stack of
// layers and, when Outputs > 0, a target chain Y fused with the top layer.
type Config struct {
	Layers       []LayerSpec  `json:"layers"`
	Inputs       int          `json:"inputs"`
	Outputs      int          `json:"outputs"`
	Nonlinearity Nonlinearity `json:"nonlinearity"`
	Seed         int64        `json:"seed"`

	Logger *log.Logger `json:"-"`
}

// Widths is a convenience for layers that only need a width.
func Widths(widths ...int) []LayerSpec {
	specs := make([]LayerSpec, len(widths))
	for i, w := range widths {
		specs[i] = LayerSpec{Width: w}
	}
	return specs
}

func (c Config) Validate() error {
	if c.Inputs <= 0 {
		return fmt.Errorf("%w: inputs must be > 0", ErrInvalidConfig)
	}
	if c.Outputs < 0 {
		return fmt.Errorf("%w: outputs must be >= 0", ErrInvalidConfig)
	}
	if len(c.Layers) == 0 {
		return fmt.Errorf("%w: at least one layer is required", ErrInvalidConfig)
	}
	for i, l := range c.Layers {
		if l.Width <= 0 {
			return fmt.Errorf("%w: layer %d width must be > 0", ErrInvalidConfig, i)
		}
		if l.MinTau < 0 || math.IsNaN(l.MinTau) {
			return fmt.Errorf("%w: layer %d min_tau must be >= 0", ErrInvalidConfig, i)
		}
		if l.Stiffness < 0 || math.IsNaN(l.Stiffness) {
			return fmt.Errorf("%w: layer %d stiffness must be >= 0", ErrInvalidConfig, i)
		}
		if l.Merge < MergeDefault || l.Merge > MergeFeedforward {
			return fmt.Errorf("%w: layer %d merge %s", ErrInvalidConfig, i, l.Merge)
		}
		if _, err := l.EstimateNonlinearity.resolve(); err != nil {
			return fmt.Errorf("%w: layer %d: %v", ErrInvalidConfig, i, err)
		}
	}
	if _, err := c.Nonlinearity.resolve(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Network is the topology registry: nodes in insertion order with
// adjacency indices, the fusions joining chains, and the boundary nodes.
type Network struct {
	nodes       []Node
	index       map[string]int
	fusions     []Fusion
	fusionIndex map[string]int
	u           int
	y           int
	order       []int
	seed        int64
	logger      *log.Logger
}

func newNetwork(seed int64, logger *log.Logger) *Network {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Network{
		index:       make(map[string]int),
		fusionIndex: make(map[string]int),
		u:           none,
		y:           none,
		seed:        seed,
		logger:      logger,
	}
}

// New builds the network described by cfg.
func New(cfg Config) (*Network, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	net := newNetwork(cfg.Seed, cfg.Logger)
	u, err := net.addInput("U", cfg.Inputs)
	if err != nil {
		return nil, err
	}
	net.u = u

	stack := cfg.Layers
	if cfg.Outputs > 0 {
		stack = stack[:len(stack)-1]
	}
	prev := u
	for i, spec := range stack {
		prev, err = net.addLayer(fmt.Sprintf("X%d", i+1), KindStandard, prev, spec, cfg.Nonlinearity)
		if err != nil {
			return nil, err
		}
	}

	if cfg.Outputs > 0 {
		y, err := net.addInput("Y", cfg.Outputs)
		if err != nil {
			return nil, err
		}
		net.y = y
		top := cfg.Layers[len(cfg.Layers)-1]
		if err := net.addFusion(fmt.Sprintf("X%d", len(cfg.Layers)), prev, y, top, cfg.Nonlinearity); err != nil {
			return nil, err
		}
	}

	if err := net.finalize(); err != nil {
		return nil, err
	}
	return net, nil
}

// NewSimple builds the one-loop network U -> X with a rectifier.
func NewSimple(nInput, nLayer int) (*Network, error) {
	return New(Config{
		Inputs:       nInput,
		Layers:       []LayerSpec{{Width: nLayer, MinTau: defaultSimpleMinTau}},
		Nonlinearity: Rectifier,
	})
}

func (net *Network) register(node Node) (int, error) {
	if node.Name == "" {
		return none, fmt.Errorf("%w: node name is required", ErrInvalidConfig)
	}
	if _, exists := net.index[node.Name]; exists {
		return none, fmt.Errorf("%w: duplicate node %s", ErrInvalidConfig, node.Name)
	}
	if node.SignalKey == "" {
		node.SignalKey = node.Name
	}
	node.Prev, node.Next, node.Fusion = none, none, none
	idx := len(net.nodes)
	net.nodes = append(net.nodes, node)
	net.index[node.Name] = idx
	return idx, nil
}

func (net *Network) addInput(name string, n int) (int, error) {
	return net.register(Node{Name: name, Kind: KindInput, N: n, M: n})
}

func (net *Network) addLayer(name string, kind Kind, prev int, spec LayerSpec, nonlin Nonlinearity) (int, error) {
	if prev < 0 || prev >= len(net.nodes) {
		return none, fmt.Errorf("%w: layer %s has no predecessor", ErrInvalidConfig, name)
	}
	stiffness := spec.Stiffness
	if stiffness == 0 {
		stiffness = defaultStiffnessScale
	}
	merge := spec.Merge
	if merge == MergeDefault {
		merge = MergeResidual
	}
	m := net.nodes[prev].N
	idx, err := net.register(Node{
		Name:                 name,
		Kind:                 kind,
		N:                    spec.Width,
		M:                    m,
		Nonlinearity:         nonlin,
		EstimateNonlinearity: spec.EstimateNonlinearity,
		Merge:                merge,
		MinTau:               spec.MinTau,
		Stiffness:            stiffness,
		Params:               newParams(spec.Width, m, net.seed),
	})
	if err != nil {
		return none, err
	}
	if err := net.attach(idx, prev); err != nil {
		return none, err
	}
	return idx, nil
}

// attach links idx above prev. prev must not have a successor yet.
func (net *Network) attach(idx, prev int) error {
	if net.nodes[prev].Next != none {
		return fmt.Errorf("%w: %s above %s (already followed by %s)",
			ErrSuccessorExists, net.nodes[idx].Name, net.nodes[prev].Name, net.nodes[net.nodes[prev].Next].Name)
	}
	if net.nodes[idx].M != net.nodes[prev].N {
		return fmt.Errorf("%w: %s expects %d inputs, %s provides %d",
			ErrDimensionMismatch, net.nodes[idx].Name, net.nodes[idx].M, net.nodes[prev].Name, net.nodes[prev].N)
	}
	net.nodes[prev].Next = idx
	net.nodes[idx].Prev = prev
	return nil
}

// addFusion creates the u-side above prevU and the y-side above prevY,
// both writing the signal keyed by name. Only the width and merge of spec
// apply: both sides adapt with MinTau 0 and stiffness scale 1.
func (net *Network) addFusion(name string, prevU, prevY int, spec LayerSpec, nonlin Nonlinearity) error {
	if _, exists := net.fusionIndex[name]; exists {
		return fmt.Errorf("%w: duplicate fusion %s", ErrInvalidConfig, name)
	}
	merge := spec.Merge
	if merge == MergeDefault {
		merge = MergeDifference
	}
	side := LayerSpec{Width: spec.Width, Merge: MergeResidual}

	primary, err := net.addLayer(name+"u", KindFusionPrimary, prevU, side, Identity)
	if err != nil {
		return err
	}
	secondary, err := net.addLayer(name+"y", KindFusionSecondary, prevY, side, Identity)
	if err != nil {
		return err
	}

	fusion := len(net.fusions)
	net.fusions = append(net.fusions, Fusion{Name: name, N: spec.Width, Primary: primary, Secondary: secondary})
	net.fusionIndex[name] = fusion
	for _, idx := range []int{primary, secondary} {
		net.nodes[idx].SignalKey = name
		net.nodes[idx].Fusion = fusion
	}
	net.nodes[primary].Merge = merge
	net.nodes[primary].MergeNonlinearity = nonlin
	return nil
}

// finalize fixes the sweep order and logs the realized topology.
func (net *Network) finalize() error {
	if net.u == none {
		return fmt.Errorf("%w: network has no input chain", ErrInvalidConfig)
	}
	net.order = net.order[:0]
	for _, start := range []int{net.u, net.y} {
		seen := 0
		for idx := start; idx != none; idx = net.nodes[idx].Next {
			if seen > len(net.nodes) {
				return fmt.Errorf("%w: chain from %s does not terminate", ErrInvalidConfig, net.nodes[start].Name)
			}
			net.order = append(net.order, idx)
			seen++
		}
	}
	for _, idx := range net.order {
		net.logger.Println(net.nodes[idx].String())
	}
	return nil
}

// Nodes returns the nodes in sweep order: the U chain bottom-up, then Y.
func (net *Network) Nodes() []Node {
	out := make([]Node, 0, len(net.order))
	for _, idx := range net.order {
		out = append(out, net.nodes[idx])
	}
	return out
}

// Node looks up a chain node by name.
func (net *Network) Node(name string) (Node, bool) {
	idx, ok := net.index[name]
	if !ok {
		return Node{}, false
	}
	return net.nodes[idx], true
}

// Fusions returns the fusions joining the chains.
func (net *Network) Fusions() []Fusion {
	return append([]Fusion(nil), net.fusions...)
}

func (net *Network) Inputs() int {
	return net.nodes[net.u].N
}

// Outputs is the width of the Y chain input, 0 when there is none.
func (net *Network) Outputs() int {
	if net.y == none {
		return 0
	}
	return net.nodes[net.y].N
}

// FirstPhi returns a copy of the weights of the lowest layer on the U chain.
func (net *Network) FirstPhi() *mat.Dense {
	next := net.nodes[net.u].Next
	if next == none {
		return nil
	}
	return mat.DenseCopyOf(net.nodes[next].Params.Phi)
}

// PhiNorms returns the column norms of every trainable node's weights.
func (net *Network) PhiNorms() map[string][]float64 {
	out := make(map[string][]float64)
	for _, idx := range net.order {
		node := net.nodes[idx]
		if !node.Kind.Trainable() {
			continue
		}
		norms := make([]float64, node.N)
		for j := range norms {
			norms[j] = mat.Norm(node.Params.Phi.ColView(j), 2)
		}
		out[node.Name] = norms
	}
	return out
}
