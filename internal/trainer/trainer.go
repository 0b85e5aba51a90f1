// Package trainer drives ECA models through training cycles: each cycle
// converges and adapts on one batch, then optionally evaluates.
package trainer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"eca/internal/dataset"
	"eca/internal/eca"
	"eca/internal/model"
	"eca/internal/stats"
)

const (
	defaultBatchSize      = 32
	defaultCycles         = 100
	defaultEvalEvery      = 10
	defaultStiffnessStart = 1.0
	defaultStiffnessEnd   = 0.01
	defaultStiffnessAlpha = 0.95

	// notEvaluated marks accuracy columns of cycles that skipped evaluation.
	notEvaluated = -1.0

	evalLabel      = "eval"
	trainEvalLabel = "train-eval"
)

var (
	ErrUnknownMode = errors.New("unknown training mode")
	ErrNoData      = errors.New("training data is required")
)

// Schedule decays the stiffness towards End: s <- Alpha*s + (1-Alpha)*End.
type Schedule struct {
	Start float64
	End   float64
	Alpha float64
}

func (s Schedule) Next(current float64) float64 {
	return s.Alpha*current + (1-s.Alpha)*s.End
}

// Config describes one training run. Inputs and Outputs of Network are
// derived from the data and the mode.
type Config struct {
	Mode      string
	Network   eca.Config
	Model     eca.ModelOptions
	BatchSize int
	// EvalSize caps the evaluation batch; zero uses the whole eval set.
	EvalSize int
	Cycles   int
	// EvalEvery evaluates every n cycles and on the last one. Negative
	// disables evaluation.
	EvalEvery int
	Stiffness Schedule

	Logger *log.Logger
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = model.ModeSupervised
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Cycles <= 0 {
		c.Cycles = defaultCycles
	}
	if c.EvalEvery == 0 {
		c.EvalEvery = defaultEvalEvery
	}
	if c.Stiffness.Start <= 0 {
		c.Stiffness.Start = defaultStiffnessStart
	}
	if c.Stiffness.End <= 0 {
		c.Stiffness.End = defaultStiffnessEnd
	}
	if c.Stiffness.Alpha <= 0 || c.Stiffness.Alpha >= 1 {
		c.Stiffness.Alpha = defaultStiffnessAlpha
	}
	if c.Logger == nil {
		c.Logger = log.New(io.Discard, "", 0)
	}
	return c
}

// Observer is called after every cycle with its diagnostics.
type Observer func(model.CycleDiagnostics)

// Result is the outcome of a run. Completed is false when the context was
// cancelled before the last cycle.
type Result struct {
	History       []model.CycleDiagnostics
	FinalAccuracy float64
	BestAccuracy  float64
	Completed     bool
	// Model holds the supervised or unsupervised model, nil in multi mode.
	Model *eca.Model
}

// Run trains on train and evaluates on eval, which may be nil. Cancelling
// ctx stops the run between cycles and returns what was recorded so far
// together with ctx.Err().
func Run(ctx context.Context, cfg Config, train, eval *dataset.Set, observe Observer) (Result, error) {
	cfg = cfg.withDefaults()
	if train == nil || train.Len() == 0 {
		return Result{}, ErrNoData
	}
	if cfg.BatchSize > train.Len() {
		cfg.BatchSize = train.Len()
	}

	l, err := newLearner(cfg, train)
	if err != nil {
		return Result{}, err
	}

	var evalBatch *dataset.Set
	if eval != nil && eval.Len() > 0 && cfg.EvalEvery > 0 {
		size := eval.Len()
		if cfg.EvalSize > 0 && cfg.EvalSize < size {
			size = cfg.EvalSize
		}
		if evalBatch, err = eval.Slice(0, size); err != nil {
			return Result{}, err
		}
	}

	result := Result{
		History:       make([]model.CycleDiagnostics, 0, cfg.Cycles),
		FinalAccuracy: notEvaluated,
		BestAccuracy:  notEvaluated,
	}
	if sm, ok := l.(singleModel); ok {
		result.Model = sm.model()
	}

	stiffness := cfg.Stiffness.Start
	for cycle := 0; cycle < cfg.Cycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		started := time.Now()

		batch, err := train.Batch(cycle, cfg.BatchSize)
		if err != nil {
			return result, err
		}
		step, err := l.update(batch, stiffness)
		if err != nil {
			return result, fmt.Errorf("cycle %d: %w", cycle, err)
		}

		diag := model.CycleDiagnostics{
			Cycle:         cycle,
			Stiffness:     stiffness,
			AdaptDelta:    step.adaptDelta,
			ConvergeDelta: step.convergeDelta,
			Iterations:    step.iterations,
			TrainAccuracy: notEvaluated,
			EvalAccuracy:  notEvaluated,
			ReconstErr:    step.reconstErr,
			Variance:      step.variance,
			Energy:        step.energy,
			PhiNorms:      stats.SummarizePhiNorms(step.phiNorms),
		}
		if evalBatch != nil && (cycle%cfg.EvalEvery == 0 || cycle == cfg.Cycles-1) {
			if diag.TrainAccuracy, err = accuracy(l, batch, trainEvalLabel); err != nil {
				return result, fmt.Errorf("cycle %d: %w", cycle, err)
			}
			if diag.EvalAccuracy, err = accuracy(l, evalBatch, evalLabel); err != nil {
				return result, fmt.Errorf("cycle %d: %w", cycle, err)
			}
			result.FinalAccuracy = diag.EvalAccuracy
			if diag.EvalAccuracy > result.BestAccuracy {
				result.BestAccuracy = diag.EvalAccuracy
			}
		}
		diag.Elapsed = time.Since(started)
		diag = sanitize(diag)

		cfg.Logger.Printf("cycle=%d stiffness=%.4g adapt_delta=%.4g converge_delta=%.4g iterations=%d reconst_err=%.4g eval_accuracy=%.4f",
			cycle, diag.Stiffness, diag.AdaptDelta, diag.ConvergeDelta, diag.Iterations, diag.ReconstErr, diag.EvalAccuracy)
		result.History = append(result.History, diag)
		if observe != nil {
			observe(diag)
		}
		stiffness = cfg.Stiffness.Next(stiffness)
	}
	result.Completed = true
	return result, nil
}

func accuracy(l learner, batch *dataset.Set, label string) (float64, error) {
	scores, err := l.classify(batch, label)
	if err != nil {
		return 0, err
	}
	return stats.Accuracy(scores, batch.OneHot()), nil
}

// sanitize replaces values JSON cannot carry. An unbounded converge delta
// means no sweep ran.
func sanitize(d model.CycleDiagnostics) model.CycleDiagnostics {
	d.AdaptDelta = finiteOr(d.AdaptDelta, 0)
	d.ConvergeDelta = finiteOr(d.ConvergeDelta, notEvaluated)
	d.ReconstErr = finiteOr(d.ReconstErr, notEvaluated)
	d.Variance = finiteMap(d.Variance)
	d.Energy = finiteMap(d.Energy)
	for i := range d.PhiNorms {
		d.PhiNorms[i].Mean = finiteOr(d.PhiNorms[i].Mean, 0)
	}
	return d
}

func finiteOr(v, fallback float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fallback
	}
	return v
}

// finiteMap drops entries that are not finite.
func finiteMap(m map[string]float64) map[string]float64 {
	for k, v := range m {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			delete(m, k)
		}
	}
	return m
}
