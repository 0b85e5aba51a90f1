package trainer

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"eca/internal/dataset"
	"eca/internal/eca"
	"eca/internal/model"
)

func clusters(t *testing.T) (*dataset.Set, *dataset.Set) {
	t.Helper()
	set, err := dataset.Synthetic(dataset.SyntheticOptions{Classes: 3, Features: 4, Samples: 24, Spread: 0.05, Seed: 1})
	if err != nil {
		t.Fatalf("synthetic: %v", err)
	}
	split, err := dataset.SplitSet(set, 18, 6)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	return split.Train, split.Validation
}

func testConfig(mode string) Config {
	return Config{
		Mode:      mode,
		Network:   eca.Config{Layers: eca.Widths(4), Nonlinearity: eca.Rectifier, Seed: 3},
		Model:     eca.ModelOptions{Limits: eca.Limits{MaxIterations: 40, Timeout: time.Second}},
		BatchSize: 6,
		Cycles:    5,
		EvalEvery: 2,
		Stiffness: Schedule{Start: 1, End: 0.5, Alpha: 0.5},
	}
}

func TestScheduleDecaysTowardsEnd(t *testing.T) {
	s := Schedule{Start: 1, End: 0.2, Alpha: 0.5}
	got := s.Start
	for i := 0; i < 40; i++ {
		got = s.Next(got)
	}
	if math.Abs(got-0.2) > 1e-9 {
		t.Fatalf("unexpected stiffness after decay: got=%f want=0.2", got)
	}
	if first := s.Next(1); first != 0.6 {
		t.Fatalf("unexpected first step: got=%f want=0.6", first)
	}
}

func TestRunRecordsEveryCycle(t *testing.T) {
	for _, mode := range []string{model.ModeSupervised, model.ModeUnsupervised, model.ModeMultiModel} {
		t.Run(mode, func(t *testing.T) {
			train, eval := clusters(t)
			var observed []int
			result, err := Run(context.Background(), testConfig(mode), train, eval, func(d model.CycleDiagnostics) {
				observed = append(observed, d.Cycle)
			})
			if err != nil {
				t.Fatalf("run: %v", err)
			}
			if !result.Completed {
				t.Fatal("expected completed run")
			}
			if len(result.History) != 5 || len(observed) != 5 {
				t.Fatalf("unexpected history length: history=%d observed=%d", len(result.History), len(observed))
			}

			wantStiffness := []float64{1, 0.75, 0.625, 0.5625, 0.53125}
			for i, d := range result.History {
				if d.Cycle != i || observed[i] != i {
					t.Fatalf("unexpected cycle order at %d: %d", i, d.Cycle)
				}
				if math.Abs(d.Stiffness-wantStiffness[i]) > 1e-12 {
					t.Fatalf("cycle %d stiffness: got=%f want=%f", i, d.Stiffness, wantStiffness[i])
				}
				evaluated := i%2 == 0 || i == 4
				if evaluated {
					if d.EvalAccuracy < 0 || d.EvalAccuracy > 1 || d.TrainAccuracy < 0 || d.TrainAccuracy > 1 {
						t.Fatalf("cycle %d accuracy out of range: train=%f eval=%f", i, d.TrainAccuracy, d.EvalAccuracy)
					}
				} else if d.EvalAccuracy != notEvaluated || d.TrainAccuracy != notEvaluated {
					t.Fatalf("cycle %d should not be evaluated: train=%f eval=%f", i, d.TrainAccuracy, d.EvalAccuracy)
				}
				if d.Iterations <= 0 {
					t.Fatalf("cycle %d ran no sweeps", i)
				}
				if d.ReconstErr < 0 || math.IsNaN(d.ReconstErr) {
					t.Fatalf("cycle %d reconstruction error: %f", i, d.ReconstErr)
				}
				if len(d.PhiNorms) == 0 {
					t.Fatalf("cycle %d has no weight norm summary", i)
				}
			}
			if result.FinalAccuracy != result.History[4].EvalAccuracy {
				t.Fatalf("unexpected final accuracy: got=%f want=%f", result.FinalAccuracy, result.History[4].EvalAccuracy)
			}
			if result.BestAccuracy < result.FinalAccuracy {
				t.Fatalf("best accuracy below final: best=%f final=%f", result.BestAccuracy, result.FinalAccuracy)
			}
			if (mode == model.ModeMultiModel) != (result.Model == nil) {
				t.Fatalf("unexpected model for mode %s: %v", mode, result.Model)
			}
		})
	}
}

func TestRunWithoutEvalSet(t *testing.T) {
	train, _ := clusters(t)
	result, err := Run(context.Background(), testConfig(model.ModeSupervised), train, nil, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, d := range result.History {
		if d.EvalAccuracy != notEvaluated {
			t.Fatalf("cycle %d evaluated without eval set", d.Cycle)
		}
	}
	if result.FinalAccuracy != notEvaluated || result.BestAccuracy != notEvaluated {
		t.Fatalf("unexpected accuracy: final=%f best=%f", result.FinalAccuracy, result.BestAccuracy)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	train, eval := clusters(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	result, err := Run(ctx, testConfig(model.ModeSupervised), train, eval, func(d model.CycleDiagnostics) {
		if d.Cycle == 1 {
			cancel()
		}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got: %v", err)
	}
	if result.Completed {
		t.Fatal("cancelled run must not be completed")
	}
	if len(result.History) != 2 {
		t.Fatalf("unexpected history length: got=%d want=2", len(result.History))
	}
}

func TestRunRejectsBadInput(t *testing.T) {
	train, _ := clusters(t)
	if _, err := Run(context.Background(), testConfig("bogus"), train, nil, nil); !errors.Is(err, ErrUnknownMode) {
		t.Fatalf("expected ErrUnknownMode, got: %v", err)
	}
	if _, err := Run(context.Background(), testConfig(model.ModeSupervised), nil, nil, nil); !errors.Is(err, ErrNoData) {
		t.Fatalf("expected ErrNoData, got: %v", err)
	}
	cfg := testConfig(model.ModeSupervised)
	cfg.Network.Layers = nil
	if _, err := Run(context.Background(), cfg, train, nil, nil); !errors.Is(err, eca.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got: %v", err)
	}
}

func TestMultiModelPrefixesDiagnosticsAndSkipsEmptyClasses(t *testing.T) {
	// Class 1 has no samples.
	train, err := dataset.ReadCSV(strings.NewReader(strings.Join([]string{
		"0.1,0.2,0.1,0",
		"0.2,0.1,0.1,0",
		"0.9,0.8,0.9,2",
		"0.8,0.9,0.8,2",
	}, "\n")), dataset.CSVOptions{LabelColumnIndex: -1})
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	cfg := testConfig(model.ModeMultiModel)
	cfg.Network.Layers = eca.Widths(2)
	cfg.EvalEvery = 1
	cfg.Cycles = 2

	result, err := Run(context.Background(), cfg, train, train, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	last := result.History[len(result.History)-1]
	for name := range last.Energy {
		if !strings.HasPrefix(name, "class0/") && !strings.HasPrefix(name, "class2/") {
			t.Fatalf("unexpected energy key: %s", name)
		}
	}
	for _, norms := range last.PhiNorms {
		if strings.HasPrefix(norms.Layer, "class1/") {
			t.Fatalf("empty class was trained: %s", norms.Layer)
		}
	}
	if last.EvalAccuracy < 0 || last.EvalAccuracy > 1 {
		t.Fatalf("accuracy out of range: %f", last.EvalAccuracy)
	}
}

func TestSanitizeReplacesNonFiniteValues(t *testing.T) {
	d := sanitize(model.CycleDiagnostics{
		AdaptDelta:    math.NaN(),
		ConvergeDelta: math.Inf(1),
		ReconstErr:    0.5,
		Variance:      map[string]float64{"a": math.Inf(-1), "b": 1},
		PhiNorms:      []model.PhiNormSummary{{Layer: "L1", Mean: math.NaN()}},
	})
	if d.AdaptDelta != 0 || d.ConvergeDelta != notEvaluated || d.ReconstErr != 0.5 {
		t.Fatalf("unexpected scalars: %+v", d)
	}
	if _, ok := d.Variance["a"]; ok || d.Variance["b"] != 1 {
		t.Fatalf("unexpected variance: %v", d.Variance)
	}
	if d.PhiNorms[0].Mean != 0 {
		t.Fatalf("unexpected phi mean: %f", d.PhiNorms[0].Mean)
	}
}
