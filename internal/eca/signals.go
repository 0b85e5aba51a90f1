package eca

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"

	"eca/internal/nn"
)

const (
	DefaultConvergeTimeout    = 20 * time.Second
	DefaultConvergeIterations = 200
	DefaultDeltaLimit         = 1e-3
)

// Limits bound the convergence loop.
type Limits struct {
	Timeout       time.Duration
	MaxIterations int
}

func DefaultLimits() Limits {
	return Limits{Timeout: DefaultConvergeTimeout, MaxIterations: DefaultConvergeIterations}
}

type boundary int

const (
	boundaryNone boundary = iota
	boundaryU
	boundaryY
)

// propPlan is the bound propagation step of one node for a batch size.
type propPlan struct {
	node     int
	kind     Kind
	boundary boundary
	x        *Signal

	// feedforward: phiᵀ · prev, or the boundary input.
	phi  *mat.Dense
	prev *Signal
	ffFn nn.TransformFunc

	// estimate: estPhi · estSrc, or estPhiᵀ · estSrc when estTransposed.
	estPhi        *mat.Dense
	estSrc        *Signal
	estTransposed bool
	estFn         nn.TransformFunc

	merge   Merge
	mergeFn nn.TransformFunc

	ff     *mat.Dense
	est    *mat.Dense
	merged *mat.Dense
}

// adaptPlan is the bound adaptation step of one trainable node.
type adaptPlan struct {
	node      int
	x         *Signal
	prev      *Signal
	params    *Params
	minTau    float64
	stiffness float64

	modulated *mat.Dense
	cross     *mat.Dense
	auto      *mat.Dense
}

// Signals is the runtime context for one batch size: the per-position
// state plus the propagation plan bound to it. Adaptation plans are bound
// on first use. A Signals value is not safe for concurrent use.
type Signals struct {
	net     *Network
	k       int
	signals map[string]*Signal
	keys    []string
	prop    []*propPlan
	adapt   []*adaptPlan

	limits     Limits
	now        func() time.Time
	delta      float64
	iterations int
}

// NewSignals instantiates state for batch size k and binds the
// propagation plan of every node.
func (net *Network) NewSignals(k int) (*Signals, error) {
	if k <= 0 {
		return nil, fmt.Errorf("%w: batch size must be > 0, got %d", ErrBatchMismatch, k)
	}
	s := &Signals{
		net:     net,
		k:       k,
		signals: make(map[string]*Signal),
		limits:  DefaultLimits(),
		now:     time.Now,
		delta:   math.Inf(1),
	}
	net.logger.Printf("creating signals with k=%d", k)

	for _, idx := range net.order {
		s.signalFor(idx)
	}
	for _, idx := range net.order {
		plan, err := s.bindPropagation(idx)
		if err != nil {
			return nil, err
		}
		s.prop = append(s.prop, plan)
	}
	return s, nil
}

func (s *Signals) signalFor(idx int) *Signal {
	node := s.net.nodes[idx]
	sig, ok := s.signals[node.SignalKey]
	if !ok {
		sig = newSignal(node.SignalKey, node.N, s.k)
		s.signals[node.SignalKey] = sig
		s.keys = append(s.keys, node.SignalKey)
	}
	return sig
}

func (s *Signals) bindPropagation(idx int) (*propPlan, error) {
	node := s.net.nodes[idx]
	plan := &propPlan{
		node:  idx,
		kind:  node.Kind,
		x:     s.signalFor(idx),
		merge: node.Merge,
	}
	if node.Kind == KindFusionSecondary {
		return plan, nil
	}

	var err error
	if plan.ffFn, err = node.Nonlinearity.resolve(); err != nil {
		return nil, fmt.Errorf("node %s: %w", node.Name, err)
	}
	if plan.estFn, err = node.EstimateNonlinearity.resolve(); err != nil {
		return nil, fmt.Errorf("node %s: %w", node.Name, err)
	}
	if plan.mergeFn, err = node.MergeNonlinearity.resolve(); err != nil {
		return nil, fmt.Errorf("node %s: %w", node.Name, err)
	}

	switch idx {
	case s.net.u:
		plan.boundary = boundaryU
	case s.net.y:
		plan.boundary = boundaryY
	default:
		plan.phi = node.Params.Phi
		plan.prev = s.signalFor(node.Prev)
	}

	switch node.Kind {
	case KindFusionPrimary:
		partner := s.net.nodes[s.net.fusions[node.Fusion].Secondary]
		plan.estPhi = partner.Params.Phi
		plan.estSrc = s.signalFor(partner.Prev)
		plan.estTransposed = true
	default:
		if node.Next != none {
			next := s.net.nodes[node.Next]
			plan.estPhi = next.Params.Phi
			plan.estSrc = s.signalFor(node.Next)
		}
	}

	plan.ff = mat.NewDense(node.N, s.k, nil)
	plan.est = mat.NewDense(node.N, s.k, nil)
	plan.merged = mat.NewDense(node.N, s.k, nil)
	return plan, nil
}

func (s *Signals) bindAdaptation() error {
	plans := make([]*adaptPlan, 0, len(s.net.order))
	for _, idx := range s.net.order {
		node := s.net.nodes[idx]
		if !node.Kind.Trainable() {
			continue
		}
		x := s.signalFor(idx)
		prev := s.signalFor(node.Prev)
		if prev.K != x.K {
			return fmt.Errorf("%w: %s has k=%d, %s has k=%d", ErrBatchMismatch, node.Name, x.K, prev.Name, prev.K)
		}
		if prev.N != node.M {
			return fmt.Errorf("%w: input of %s is %d, want %d", ErrDimensionMismatch, node.Name, prev.N, node.M)
		}
		if x.N != node.N {
			return fmt.Errorf("%w: output of %s is %d, want %d", ErrDimensionMismatch, node.Name, x.N, node.N)
		}
		plans = append(plans, &adaptPlan{
			node:      idx,
			x:         x,
			prev:      prev,
			params:    node.Params,
			minTau:    node.MinTau,
			stiffness: node.Stiffness,
			modulated: mat.NewDense(node.N, s.k, nil),
			cross:     mat.NewDense(node.N, node.M, nil),
			auto:      mat.NewDense(node.N, node.N, nil),
		})
	}
	s.adapt = plans
	return nil
}

// SetLimits replaces the convergence budget.
func (s *Signals) SetLimits(limits Limits) {
	s.limits = limits
}

func (s *Signals) K() int {
	return s.k
}

// AdaptCompiled reports whether the adaptation plans have been bound.
func (s *Signals) AdaptCompiled() bool {
	return s.adapt != nil
}

// Delta is the worst-case relative change of the last Converge call.
func (s *Signals) Delta() float64 {
	return s.delta
}

// Iterations is the number of sweeps run by the last Converge call.
func (s *Signals) Iterations() int {
	return s.iterations
}

// Signal returns the state keyed by name.
func (s *Signals) Signal(name string) (*Signal, bool) {
	sig, ok := s.signals[name]
	return sig, ok
}

// Names returns the signal keys in creation order.
func (s *Signals) Names() []string {
	return append([]string(nil), s.keys...)
}

func (s *Signals) checkInput(m *mat.Dense, idx int, label string) error {
	if m == nil {
		return nil
	}
	if idx == none {
		return fmt.Errorf("%w: %s given but network has no %s chain", ErrDimensionMismatch, label, label)
	}
	r, c := m.Dims()
	if c != s.k {
		return fmt.Errorf("%w: %s has %d samples, want %d", ErrBatchMismatch, label, c, s.k)
	}
	if n := s.net.nodes[idx].N; r != n {
		return fmt.Errorf("%w: %s has %d rows, want %d", ErrDimensionMismatch, label, r, n)
	}
	return nil
}

// Propagate runs one relaxation sweep over every node in order and returns
// the worst-case relative change. A nil u or y is treated as entirely
// missing; NaN entries mark individual missing values.
func (s *Signals) Propagate(u, y *mat.Dense, minTau float64) (float64, error) {
	if err := s.checkInput(u, s.net.u, "u"); err != nil {
		return 0, err
	}
	if err := s.checkInput(y, s.net.y, "y"); err != nil {
		return 0, err
	}
	return s.sweep(u, y, minTau), nil
}

func (s *Signals) sweep(u, y *mat.Dense, minTau float64) float64 {
	// Shrinking nodes report negative deltas; the sweep never goes below 0.
	d := 0.0
	for _, plan := range s.prop {
		var input *mat.Dense
		switch plan.boundary {
		case boundaryU:
			input = u
		case boundaryY:
			input = y
		}
		d = math.Max(d, plan.run(input, minTau))
	}
	return d
}

// Converge repeats Propagate until the delta drops to deltaLimit, the wall
// clock budget runs out, or the iteration cap is hit. It does not report
// which; compare Delta against deltaLimit.
func (s *Signals) Converge(u, y *mat.Dense, minTau, deltaLimit float64) (*Signals, error) {
	if err := s.checkInput(u, s.net.u, "u"); err != nil {
		return s, err
	}
	if err := s.checkInput(y, s.net.y, "y"); err != nil {
		return s, err
	}

	deadline := s.now().Add(s.limits.Timeout)
	d, i := math.Inf(1), 0
	for d > deltaLimit && s.now().Before(deadline) && i < s.limits.MaxIterations {
		d = s.sweep(u, y, minTau)
		i++
	}
	s.delta, s.iterations = d, i
	return s, nil
}

// AdaptLayers runs one adaptation sweep over every trainable node using the
// current state, and returns the worst-case moment change.
func (s *Signals) AdaptLayers(stiffness float64) (float64, error) {
	if err := s.prepareAdapt(stiffness); err != nil {
		return 0, err
	}
	d := 0.0
	for _, plan := range s.adapt {
		d = math.Max(d, plan.run(stiffness))
	}
	return d, nil
}

// AdaptNode adapts a single node. Fusions must be adapted through their
// sides.
func (s *Signals) AdaptNode(name string, stiffness float64) (float64, error) {
	if _, ok := s.net.fusionIndex[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrFusionAdapt, name)
	}
	idx, ok := s.net.index[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	if err := s.prepareAdapt(stiffness); err != nil {
		return 0, err
	}
	for _, plan := range s.adapt {
		if plan.node == idx {
			return plan.run(stiffness), nil
		}
	}
	return 0, nil
}

func (s *Signals) prepareAdapt(stiffness float64) error {
	if !(stiffness > 0) || math.IsInf(stiffness, 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidStiffness, stiffness)
	}
	if s.adapt == nil {
		return s.bindAdaptation()
	}
	return nil
}

func (p *propPlan) estimate(dst *mat.Dense) {
	if p.estPhi == nil {
		dst.Zero()
		return
	}
	if p.estTransposed {
		dst.Mul(p.estPhi.T(), p.estSrc.Value)
	} else {
		dst.Mul(p.estPhi, p.estSrc.Value)
	}
	if p.estFn != nil {
		nn.Apply(dst, dst, p.estFn)
	}
}

func (p *propPlan) run(input *mat.Dense, minTau float64) float64 {
	if p.kind == KindFusionSecondary {
		return 0
	}
	p.estimate(p.est)

	var missing []bool
	switch {
	case p.boundary == boundaryNone:
		p.ff.Mul(p.phi.T(), p.prev.Value)
	case input == nil:
		p.ff.Zero()
		missing = allMissing(p.x.N * p.x.K)
	default:
		missing = copyMasked(p.ff, input)
	}
	if p.ffFn != nil {
		nn.Apply(p.ff, p.ff, p.ffFn)
	}

	p.merge.merge(p.merged, p.ff, p.est, p.mergeFn)
	if missing != nil {
		raw := p.merged.RawMatrix()
		for i := 0; i < raw.Rows; i++ {
			for j := 0; j < raw.Cols; j++ {
				if missing[i*raw.Cols+j] {
					raw.Data[i*raw.Stride+j] = 0
				}
			}
		}
	}

	_, rel := LerpInto(p.x.Value, p.x.Value, p.merged, LerpOptions{MinTau: minTau})
	return maxOf(rel)
}

// copyMasked copies src into dst with NaN replaced by zero. It returns the
// missing mask in row-major order, or nil when nothing is missing.
func copyMasked(dst, src *mat.Dense) []bool {
	r, c := src.Dims()
	var missing []bool
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			v := src.At(i, j)
			if math.IsNaN(v) {
				if missing == nil {
					missing = make([]bool, r*c)
				}
				missing[i*c+j] = true
				v = 0
			}
			dst.Set(i, j, v)
		}
	}
	return missing
}

func allMissing(n int) []bool {
	missing := make([]bool, n)
	for i := range missing {
		missing[i] = true
	}
	return missing
}

func (p *adaptPlan) run(stiffness float64) float64 {
	x := p.x.Value
	if mod := p.x.modulation; mod != nil {
		p.modulated.Apply(func(_, j int, v float64) float64 { return v * mod[j] }, x)
		x = p.modulated
	}
	k := float64(p.x.K)

	p.cross.Mul(x, p.prev.Value.T())
	p.cross.Scale(1/k, p.cross)
	p.auto.Mul(x, x.T())
	p.auto.Scale(1/k, p.auto)

	opts := LerpOptions{MinTau: p.minTau}
	_, d1 := LerpInto(p.params.EXU, p.params.EXU, p.cross, opts)
	_, d2 := LerpInto(p.params.EXX, p.params.EXX, p.auto, opts)

	floor := stiffness * p.stiffness
	n, m := p.params.EXU.Dims()
	for i := 0; i < n; i++ {
		q := 1 / math.Max(floor, p.params.EXX.At(i, i))
		p.params.Q.Set(i, i, q)
		for j := 0; j < m; j++ {
			p.params.Phi.Set(j, i, q*p.params.EXU.At(i, j))
		}
	}
	return math.Max(maxOf(d1), maxOf(d2))
}

func maxOf(values []float64) float64 {
	out := math.Inf(-1)
	for _, v := range values {
		out = math.Max(out, v)
	}
	return out
}
