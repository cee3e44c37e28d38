package ports

import (
	"context"

	"gocohort/domain/core"
	"gocohort/domain/inference"
	"gocohort/domain/weighting"
)

// ArtifactStore persists the versioned outputs of one pipeline run: weight
// sets keyed by (estimand, stopping rule, truncation), balance tables, fitted
// models, contrasts, and sensitivity statistics. Artifacts are append-only;
// a revised stopping-rule choice creates a new artifact rather than
// overwriting an old one.
type ArtifactStore interface {
	SaveWeightSet(ctx context.Context, ws *weighting.WeightSet) error
	GetWeightSet(ctx context.Context, runID core.RunID, key string) (*weighting.WeightSet, error)
	ListWeightSets(ctx context.Context, runID core.RunID) ([]weighting.WeightSet, error)

	SaveBalanceTable(ctx context.Context, runID core.RunID, table *weighting.BalanceTable) error
	ListBalanceTables(ctx context.Context, runID core.RunID) ([]weighting.BalanceTable, error)

	SaveModelFit(ctx context.Context, fit *inference.ModelFit) error
	ListModelFits(ctx context.Context, runID core.RunID) ([]inference.ModelFit, error)

	SaveContrast(ctx context.Context, runID core.RunID, c *inference.Contrast) error
	ListContrasts(ctx context.Context, runID core.RunID) ([]inference.Contrast, error)

	SaveSensitivity(ctx context.Context, runID core.RunID, s *inference.SensitivityResult) error
	ListSensitivity(ctx context.Context, runID core.RunID) ([]inference.SensitivityResult, error)

	Close() error
}
