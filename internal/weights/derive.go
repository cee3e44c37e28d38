package weights

import (
	"fmt"

	"github.com/montanaflynn/stats"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/weighting"
	"gocohort/internal/errors"
)

// Deriver converts propensity estimates and base sampling weights into
// inverse-probability-of-treatment weight sets. Every derivation yields two
// immutable artifacts: the rescaled raw vector and a truncated variant
// clamped at the configured percentile. Downstream analyses run under both
// and compare; nothing merges them.
type Deriver struct {
	truncatePercentile float64
}

// NewDeriver creates a deriver with the study's truncation percentile
// (conventionally the 99th)
func NewDeriver(truncatePercentile float64) (*Deriver, error) {
	if truncatePercentile <= 0 || truncatePercentile >= 100 {
		return nil, errors.ConfigInvalid(
			fmt.Sprintf("truncation percentile must be in (0,100), got %g", truncatePercentile))
	}
	return &Deriver{truncatePercentile: truncatePercentile}, nil
}

// Derive computes w = baseWeight / p(own category) for the ATE estimand,
// rescales the vector to mean exactly 1, and produces the truncated variant.
// The percentile threshold is computed over the untruncated, already-rescaled
// vector.
func (d *Deriver) Derive(runID core.RunID, c *cohort.Cohort, ps *weighting.PropensitySet, estimand weighting.Estimand) (raw, truncated *weighting.WeightSet, err error) {
	if estimand != weighting.EstimandATE {
		return nil, nil, errors.ConfigInvalid(
			fmt.Sprintf("estimand %s is not implemented; weights are derived for ATE", estimand))
	}
	if len(ps.Subjects) != c.Size() {
		return nil, nil, errors.ValidationError(fmt.Sprintf(
			"propensity set covers %d subjects, cohort has %d", len(ps.Subjects), c.Size()))
	}
	catIdx, err := c.CategoryIndices()
	if err != nil {
		return nil, nil, err
	}

	values := make([]float64, c.Size())
	for i, s := range c.Subjects {
		p := ps.Probs[i][catIdx[i]]
		if p <= 0 || p >= 1 {
			return nil, nil, core.NewDegeneratePropensityError(s.ID, p)
		}
		values[i] = s.BaseWeight / p
	}
	rescaleToMeanOne(values)

	now := core.Now()
	raw = &weighting.WeightSet{
		ID:        core.ArtifactID(core.NewID()),
		RunID:     runID,
		Estimand:  estimand,
		Rule:      ps.Rule,
		Truncated: false,
		Subjects:  append([]core.SubjectID(nil), ps.Subjects...),
		Values:    values,
		CreatedAt: now,
	}

	threshold, err := stats.Percentile(stats.Float64Data(values), d.truncatePercentile)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to compute truncation percentile")
	}
	clamped := make([]float64, len(values))
	for i, v := range values {
		if v > threshold {
			clamped[i] = threshold
		} else {
			clamped[i] = v
		}
	}
	truncated = &weighting.WeightSet{
		ID:        core.ArtifactID(core.NewID()),
		RunID:     runID,
		Estimand:  estimand,
		Rule:      ps.Rule,
		Truncated: true,
		Subjects:  append([]core.SubjectID(nil), ps.Subjects...),
		Values:    clamped,
		CreatedAt: now,
	}
	return raw, truncated, nil
}

// rescaleToMeanOne normalizes the vector so its mean is exactly 1
func rescaleToMeanOne(w []float64) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	mean := sum / float64(len(w))
	for i := range w {
		w[i] /= mean
	}
}
