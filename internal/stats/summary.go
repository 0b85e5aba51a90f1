package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"eca/internal/model"
)

const (
	phiLargeAbove = 1.1
	phiUnitTol    = 0.1
	phiZeroTol    = 0.5
)

// SummarizePhiNorms buckets each layer's weight column norms into large
// (> 1.1), unit (within 0.1 of 1) and zero (within 0.5 of 0) counts, plus
// their mean. The result is ordered by layer name.
func SummarizePhiNorms(norms map[string][]float64) []model.PhiNormSummary {
	layers := make([]string, 0, len(norms))
	for layer := range norms {
		layers = append(layers, layer)
	}
	sort.Strings(layers)

	out := make([]model.PhiNormSummary, 0, len(layers))
	for _, layer := range layers {
		values := norms[layer]
		summary := model.PhiNormSummary{Layer: layer}
		for _, v := range values {
			if v > phiLargeAbove {
				summary.Large++
			}
			if math.Abs(v-1) <= phiUnitTol {
				summary.Unit++
			}
			if math.Abs(v) <= phiZeroTol {
				summary.Zero++
			}
		}
		if len(values) > 0 {
			summary.Mean = stat.Mean(values, nil)
		}
		out = append(out, summary)
	}
	return out
}

// HistorySummary condenses a run's cycle history.
type HistorySummary struct {
	Cycles          int     `json:"cycles"`
	FinalAccuracy   float64 `json:"final_accuracy"`
	BestAccuracy    float64 `json:"best_accuracy"`
	BestCycle       int     `json:"best_cycle"`
	MeanIterations  float64 `json:"mean_iterations"`
	StdIterations   float64 `json:"std_iterations"`
	FinalAdaptDelta float64 `json:"final_adapt_delta"`
	FinalStiffness  float64 `json:"final_stiffness"`
}

// SummarizeHistory reports accuracy from the evaluation column of the
// cycles that were evaluated (EvalAccuracy >= 0).
func SummarizeHistory(history []model.CycleDiagnostics) HistorySummary {
	summary := HistorySummary{Cycles: len(history)}
	if len(history) == 0 {
		return summary
	}

	iterations := make([]float64, len(history))
	var accuracy []float64
	var cycles []int
	for i, cycle := range history {
		iterations[i] = float64(cycle.Iterations)
		if cycle.EvalAccuracy >= 0 {
			accuracy = append(accuracy, cycle.EvalAccuracy)
			cycles = append(cycles, cycle.Cycle)
		}
	}
	summary.MeanIterations, summary.StdIterations = stat.MeanStdDev(iterations, nil)
	if len(iterations) < 2 {
		summary.StdIterations = 0
	}
	if len(accuracy) > 0 {
		best := floats.MaxIdx(accuracy)
		summary.BestAccuracy = accuracy[best]
		summary.BestCycle = cycles[best]
		summary.FinalAccuracy = accuracy[len(accuracy)-1]
	}

	last := history[len(history)-1]
	summary.FinalAdaptDelta = last.AdaptDelta
	summary.FinalStiffness = last.Stiffness
	return summary
}

// Accuracy is the fraction of samples (columns) whose argmax row matches
// between estimate and target. Target columns with no observed entry are
// skipped.
func Accuracy(estimate, target mat.Matrix) float64 {
	_, k := estimate.Dims()
	hits, total := 0, 0
	for j := 0; j < k; j++ {
		want := argmaxColumn(target, j)
		if want < 0 {
			continue
		}
		total++
		if argmaxColumn(estimate, j) == want {
			hits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}

func argmaxColumn(m mat.Matrix, j int) int {
	r, _ := m.Dims()
	best, idx := math.Inf(-1), -1
	for i := 0; i < r; i++ {
		if v := m.At(i, j); !math.IsNaN(v) && v > best {
			best, idx = v, i
		}
	}
	return idx
}
