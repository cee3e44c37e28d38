package ports

import (
	"context"

	"gocohort/domain/cohort"
)

// CohortReader loads the raw cohort table into analysis-ready records.
// Implementations decide the missingness sentinel mapping exactly once;
// downstream stages see explicit cohort.Value missing flags only.
type CohortReader interface {
	Read(ctx context.Context) (*cohort.Cohort, error)
}
