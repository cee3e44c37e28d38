package weighting

import (
	"encoding/json"
	"fmt"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
)

// Estimand is the weighting target
type Estimand string

const (
	// EstimandATE weights every subject by the inverse probability of its
	// own exposure category
	EstimandATE Estimand = "ATE"
	// EstimandATT is accepted for validation but not implemented; the study
	// design is ATE and silently producing ATT weights would be wrong
	EstimandATT Estimand = "ATT"
)

// Validate checks the estimand is one of the defined targets
func (e Estimand) Validate() error {
	switch e {
	case EstimandATE, EstimandATT:
		return nil
	}
	return fmt.Errorf("unknown estimand %q", e)
}

// StopRule names a boosting stopping criterion: a summary of covariate
// balance over all pairwise category comparisons, minimized over the
// iteration grid
type StopRule string

const (
	StopESMean StopRule = "es.mean"
	StopESMax  StopRule = "es.max"
	StopKSMean StopRule = "ks.mean"
	StopKSMax  StopRule = "ks.max"
)

// AllStopRules lists every candidate stopping rule
func AllStopRules() []StopRule {
	return []StopRule{StopESMean, StopESMax, StopKSMean, StopKSMax}
}

// Validate checks the rule is defined
func (r StopRule) Validate() error {
	for _, known := range AllStopRules() {
		if r == known {
			return nil
		}
	}
	return fmt.Errorf("unknown stopping rule %q", r)
}

// PropensitySet is the fitted propensity surface under one stopping rule
type PropensitySet struct {
	Rule      StopRule         `json:"rule"`
	Iteration int              `json:"iteration"` // boosting iteration the rule selected
	Subjects  []core.SubjectID `json:"subjects"`
	// Probs[i][k] is subject i's probability of exposure category k; each
	// row sums to 1 with every entry strictly inside (0,1)
	Probs [][]float64 `json:"probs"`
	// Criterion is the rule's balance summary at the selected iteration
	Criterion float64 `json:"criterion"`
}

// Validate enforces the probability-vector invariants, surfacing degenerate
// estimates instead of clipping them
func (p *PropensitySet) Validate(eps, tol float64) error {
	if len(p.Probs) != len(p.Subjects) {
		return fmt.Errorf("propensity rows (%d) do not match subjects (%d)",
			len(p.Probs), len(p.Subjects))
	}
	for i, row := range p.Probs {
		sum := 0.0
		for _, v := range row {
			if v <= eps || v >= 1-eps {
				return core.NewDegeneratePropensityError(p.Subjects[i], v)
			}
			sum += v
		}
		if sum < 1-tol || sum > 1+tol {
			return fmt.Errorf("%w: subject %s probabilities sum to %g",
				core.ErrDegeneratePropensity, p.Subjects[i], sum)
		}
	}
	return nil
}

// BalanceRecord is one covariate's balance for one pair of exposure
// categories under one stopping rule, before and after weighting
type BalanceRecord struct {
	Covariate     core.VariableKey        `json:"covariate"`
	Level         cohort.Label            `json:"level,omitempty"` // set for categorical covariate indicator
	CategoryA     cohort.ExposureCategory `json:"category_a"`
	CategoryB     cohort.ExposureCategory `json:"category_b"`
	Rule          StopRule                `json:"rule"`
	UnweightedSMD float64                 `json:"unweighted_smd"`
	WeightedSMD   float64                 `json:"weighted_smd"`
	UnweightedKS  float64                 `json:"unweighted_ks"`
	WeightedKS    float64                 `json:"weighted_ks"`
}

// BalanceTable aggregates balance records for one stopping rule
type BalanceTable struct {
	Rule    StopRule        `json:"rule"`
	Records []BalanceRecord `json:"records"`
	// EffectiveSampleSize of the weighted sample, Kish approximation
	EffectiveSampleSize float64 `json:"effective_sample_size"`
}

// MaxWeightedSMD returns the largest absolute post-weighting standardized
// difference in the table
func (t *BalanceTable) MaxWeightedSMD() float64 {
	max := 0.0
	for _, r := range t.Records {
		v := r.WeightedSMD
		if v < 0 {
			v = -v
		}
		if v > max {
			max = v
		}
	}
	return max
}

// ImbalancedCovariates returns covariates whose absolute post-weighting SMD
// exceeds the threshold in any pairwise comparison, deduplicated in first-seen
// order. These are candidates for residual adjustment in the outcome model.
func (t *BalanceTable) ImbalancedCovariates(threshold float64) []core.VariableKey {
	var out []core.VariableKey
	seen := make(map[core.VariableKey]bool)
	for _, r := range t.Records {
		v := r.WeightedSMD
		if v < 0 {
			v = -v
		}
		if v > threshold && !seen[r.Covariate] {
			seen[r.Covariate] = true
			out = append(out, r.Covariate)
		}
	}
	return out
}

// WeightSet is one immutable, versioned weighting artifact. A new stopping
// rule or truncation choice produces a new artifact; nothing is overwritten
// in place, so every candidate weighting stays inspectable and comparable.
type WeightSet struct {
	ID        core.ArtifactID  `json:"id"`
	RunID     core.RunID       `json:"run_id"`
	Estimand  Estimand         `json:"estimand"`
	Rule      StopRule         `json:"rule"`
	Truncated bool             `json:"truncated"`
	Subjects  []core.SubjectID `json:"subjects"`
	Values    []float64        `json:"values"`
	CreatedAt core.Timestamp   `json:"created_at"`
}

// Key identifies the weighting variant independent of run
func (w *WeightSet) Key() string {
	suffix := "raw"
	if w.Truncated {
		suffix = "trunc99"
	}
	return fmt.Sprintf("%s/%s/%s", w.Estimand, w.Rule, suffix)
}

// Fingerprint hashes the weight vector for determinism checks
func (w *WeightSet) Fingerprint() core.Hash {
	payload, _ := json.Marshal(struct {
		Estimand  Estimand  `json:"estimand"`
		Rule      StopRule  `json:"rule"`
		Truncated bool      `json:"truncated"`
		Values    []float64 `json:"values"`
	}{w.Estimand, w.Rule, w.Truncated, w.Values})
	return core.NewHash(payload)
}

// EffectiveSampleSize is the Kish approximation (sum w)^2 / sum w^2
func EffectiveSampleSize(weights []float64) float64 {
	var sum, sumSq float64
	for _, w := range weights {
		sum += w
		sumSq += w * w
	}
	if sumSq == 0 {
		return 0
	}
	return sum * sum / sumSq
}
