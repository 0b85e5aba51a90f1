package storage

import (
	"context"

	"eca/internal/model"
)

// Store persists training run summaries and their per-cycle diagnostics.
type Store interface {
	Init(ctx context.Context) error
	SaveRun(ctx context.Context, run model.RunRecord) error
	GetRun(ctx context.Context, id string) (model.RunRecord, bool, error)
	ListRuns(ctx context.Context) ([]model.RunRecord, error)
	SaveCycleHistory(ctx context.Context, runID string, history []model.CycleDiagnostics) error
	GetCycleHistory(ctx context.Context, runID string) ([]model.CycleDiagnostics, bool, error)
	DeleteRun(ctx context.Context, id string) error
}
