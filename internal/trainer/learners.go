package trainer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"eca/internal/dataset"
	"eca/internal/eca"
	"eca/internal/model"
)

type step struct {
	adaptDelta    float64
	convergeDelta float64
	iterations    int
	reconstErr    float64
	variance      map[string]float64
	energy        map[string]float64
	phiNorms      map[string][]float64
}

// learner is one training mode. classify returns a classes × samples score
// matrix whose column argmax is the predicted class.
type learner interface {
	update(batch *dataset.Set, stiffness float64) (step, error)
	classify(batch *dataset.Set, label string) (mat.Matrix, error)
}

type singleModel interface {
	model() *eca.Model
}

func newLearner(cfg Config, train *dataset.Set) (learner, error) {
	inputs, classes := train.Inputs(), train.Classes
	netCfg := cfg.Network
	if netCfg.Logger == nil {
		netCfg.Logger = cfg.Logger
	}

	switch cfg.Mode {
	case model.ModeSupervised:
		netCfg.Inputs, netCfg.Outputs = inputs, classes
		m, err := eca.NewModel(netCfg, cfg.Model)
		if err != nil {
			return nil, err
		}
		return &supervised{m: m}, nil
	case model.ModeUnsupervised:
		netCfg.Inputs, netCfg.Outputs = inputs+classes, 0
		m, err := eca.NewModel(netCfg, cfg.Model)
		if err != nil {
			return nil, err
		}
		return &unsupervised{m: m, classes: classes}, nil
	case model.ModeMultiModel:
		return newMultiModel(cfg, netCfg, train)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMode, cfg.Mode)
	}
}

func stepOf(s *eca.Signals, u *mat.Dense, adaptDelta float64) step {
	return step{
		adaptDelta:    adaptDelta,
		convergeDelta: s.Delta(),
		iterations:    s.Iterations(),
		reconstErr:    s.UErr(u),
		variance:      s.Variance(),
		energy:        s.Energy(),
		phiNorms:      s.PhiNorms(),
	}
}

// supervised learns u -> y with a fused target chain and classifies from
// the Y estimate.
type supervised struct {
	m *eca.Model
}

func (l *supervised) model() *eca.Model { return l.m }

func (l *supervised) update(batch *dataset.Set, stiffness float64) (step, error) {
	delta, err := l.m.Update(batch.Features, batch.OneHot(), stiffness)
	if err != nil {
		return step{}, err
	}
	return stepOf(l.m.Training(), batch.Features, delta), nil
}

func (l *supervised) classify(batch *dataset.Set, label string) (mat.Matrix, error) {
	return l.m.EstimateY(batch.Features, nil, label)
}

// unsupervised learns targets as extra input rows and classifies by
// reconstructing them from missing values.
type unsupervised struct {
	m       *eca.Model
	classes int
}

func (l *unsupervised) model() *eca.Model { return l.m }

func (l *unsupervised) update(batch *dataset.Set, stiffness float64) (step, error) {
	u := dataset.Stack(batch.Features, batch.OneHot(), l.classes)
	delta, err := l.m.Update(u, nil, stiffness)
	if err != nil {
		return step{}, err
	}
	return stepOf(l.m.Training(), u, delta), nil
}

func (l *unsupervised) classify(batch *dataset.Set, label string) (mat.Matrix, error) {
	u := dataset.Stack(batch.Features, nil, l.classes)
	est, err := l.m.EstimateU(u, nil, label)
	if err != nil {
		return nil, err
	}
	return dataset.Tail(est, l.classes), nil
}

// multiModel trains one unsupervised model per class on that class's
// samples and classifies by the smallest reconstruction error.
type multiModel struct {
	models    []*eca.Model
	perClass  []*dataset.Set
	batchSize int
	cycle     int
}

func newMultiModel(cfg Config, netCfg eca.Config, train *dataset.Set) (*multiModel, error) {
	netCfg.Inputs, netCfg.Outputs = train.Inputs(), 0
	l := &multiModel{
		models:    make([]*eca.Model, train.Classes),
		perClass:  make([]*dataset.Set, train.Classes),
		batchSize: cfg.BatchSize,
	}
	seed := netCfg.Seed
	for c := 0; c < train.Classes; c++ {
		l.perClass[c] = train.ByClass(c)
		if l.perClass[c].Len() == 0 {
			continue
		}
		netCfg.Seed = seed + int64(c)
		m, err := eca.NewModel(netCfg, cfg.Model)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		l.models[c] = m
	}
	return l, nil
}

// update ignores the mixed batch and draws a batch from every class so
// each model keeps a fixed batch width.
func (l *multiModel) update(_ *dataset.Set, stiffness float64) (step, error) {
	out := step{
		variance: make(map[string]float64),
		energy:   make(map[string]float64),
		phiNorms: make(map[string][]float64),
	}
	trained := 0
	for c, m := range l.models {
		if m == nil {
			continue
		}
		set := l.perClass[c]
		size := l.batchSize
		if size > set.Len() {
			size = set.Len()
		}
		batch, err := set.Batch(l.cycle, size)
		if err != nil {
			return step{}, fmt.Errorf("class %d: %w", c, err)
		}
		delta, err := m.Update(batch.Features, nil, stiffness)
		if err != nil {
			return step{}, fmt.Errorf("class %d: %w", c, err)
		}

		s := stepOf(m.Training(), batch.Features, delta)
		out.adaptDelta = math.Max(out.adaptDelta, s.adaptDelta)
		out.convergeDelta = math.Max(out.convergeDelta, s.convergeDelta)
		out.iterations += s.iterations
		out.reconstErr += s.reconstErr
		prefix := fmt.Sprintf("class%d/", c)
		for name, v := range s.variance {
			out.variance[prefix+name] = v
		}
		for name, v := range s.energy {
			out.energy[prefix+name] = v
		}
		for name, v := range s.phiNorms {
			out.phiNorms[prefix+name] = v
		}
		trained++
	}
	if trained > 0 {
		out.reconstErr /= float64(trained)
	}
	l.cycle++
	return out, nil
}

func (l *multiModel) classify(batch *dataset.Set, label string) (mat.Matrix, error) {
	scores := mat.NewDense(len(l.models), batch.Len(), nil)
	for c, m := range l.models {
		if m == nil {
			for j := 0; j < batch.Len(); j++ {
				scores.Set(c, j, math.Inf(-1))
			}
			continue
		}
		errs, err := m.ReconstErrU(batch.Features, nil, label)
		if err != nil {
			return nil, fmt.Errorf("class %d: %w", c, err)
		}
		for j, e := range errs {
			scores.Set(c, j, -e)
		}
	}
	return scores, nil
}
