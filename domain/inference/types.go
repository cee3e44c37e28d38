package inference

import (
	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
)

// CategoryMeans holds the survey-weighted mean of one factor score per
// exposure category, with the replicate covariance across categories
type CategoryMeans struct {
	Outcome factors.DomainLabel `json:"outcome"`
	// Means[k] is the weighted mean for category index k
	Means []float64 `json:"means"`
	// Covariance[j][k] is the replicate covariance between category means
	Covariance [][]float64 `json:"covariance"`
	WeightKey  string      `json:"weight_key"`
}

// Contrast is one pairwise difference of weighted category means with a
// replicate-based standard error. Antisymmetric: swapping A and B negates
// Estimate and the interval.
type Contrast struct {
	Outcome   factors.DomainLabel     `json:"outcome"`
	CategoryA cohort.ExposureCategory `json:"category_a"`
	CategoryB cohort.ExposureCategory `json:"category_b"`
	Estimate  float64                 `json:"estimate"`
	SE        float64                 `json:"se"`
	CILower   float64                 `json:"ci_lower"`
	CIUpper   float64                 `json:"ci_upper"`
	WeightKey string                  `json:"weight_key"`
}

// Term is one coefficient of a fitted weighted linear model
type Term struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	SE       float64 `json:"se"`
	CILower  float64 `json:"ci_lower"`
	CIUpper  float64 `json:"ci_upper"`
}

// ModelFit is a survey-weighted regression of one factor score on exposure
// category, with ExposureNone as the reference level. Adjusted fits also
// include covariates left imbalanced after weighting.
type ModelFit struct {
	ID       core.ArtifactID     `json:"id"`
	RunID    core.RunID          `json:"run_id"`
	Outcome  factors.DomainLabel `json:"outcome"`
	Adjusted bool                `json:"adjusted"`
	// AdjustedFor lists the residual-imbalance covariates in the design
	AdjustedFor []core.VariableKey `json:"adjusted_for,omitempty"`
	Terms       []Term             `json:"terms"`
	WeightKey   string             `json:"weight_key"`
	Replicates  int                `json:"replicates"`
	SampleSize  int                `json:"sample_size"`
	RSquared    float64            `json:"r_squared"`
	CreatedAt   core.Timestamp     `json:"created_at"`
}

// CategoryTerm returns the fitted term for one non-reference category
func (f *ModelFit) CategoryTerm(c cohort.ExposureCategory) (Term, bool) {
	for _, t := range f.Terms {
		if t.Name == c.String() {
			return t, true
		}
	}
	return Term{}, false
}

// SensitivityResult quantifies how strong an unmeasured confounder would
// have to be, relative to a named benchmark covariate group, to nullify one
// treatment contrast. Computed per contrast; not symmetric across contrasts.
type SensitivityResult struct {
	Outcome   factors.DomainLabel     `json:"outcome"`
	Treatment cohort.ExposureCategory `json:"treatment"`
	// PartialR2 of the treatment indicator given the covariates
	PartialR2 float64 `json:"partial_r2"`
	// PartialF2 is Cohen's partial f^2 of the treatment indicator
	PartialF2 float64 `json:"partial_f2"`
	// RobustnessValue is the partial R2 an unmeasured confounder needs with
	// both treatment and outcome to drive the estimate to zero
	RobustnessValue float64 `json:"robustness_value"`
	// Benchmark group statistics
	Benchmark          []core.VariableKey `json:"benchmark"`
	BenchmarkPartialR2 float64            `json:"benchmark_partial_r2"`
	// BoundMultiplier k means the bound below assumes a confounder k times
	// as strong as the benchmark group
	BoundMultiplier float64 `json:"bound_multiplier"`
	// AdjustedEstimateBound is the treatment estimate after removing the
	// worst-case bias of such a confounder
	AdjustedEstimateBound float64 `json:"adjusted_estimate_bound"`
}
