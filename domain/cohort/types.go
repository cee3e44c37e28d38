package cohort

import (
	"fmt"

	"gocohort/domain/core"
)

// ExposureCategory is the ordered four-level breastfeeding duration category.
// Levels are a deterministic, monotonic binning of duration in months with
// half-open intervals covering [0, inf).
type ExposureCategory string

const (
	ExposureNone           ExposureCategory = "None"
	ExposureOneToSix       ExposureCategory = "OnetoSix"
	ExposureSevenToTwelve  ExposureCategory = "SeventoTwelve"
	ExposureMoreThanTwelve ExposureCategory = "MorethanTwelve"
)

// Categories lists all exposure levels in increasing duration order.
// ExposureNone is the reference level for every regression contrast.
func Categories() []ExposureCategory {
	return []ExposureCategory{
		ExposureNone,
		ExposureOneToSix,
		ExposureSevenToTwelve,
		ExposureMoreThanTwelve,
	}
}

// NumCategories is the fixed number of exposure levels
const NumCategories = 4

// Index returns the ordinal position of the category, or -1 if unknown
func (c ExposureCategory) Index() int {
	switch c {
	case ExposureNone:
		return 0
	case ExposureOneToSix:
		return 1
	case ExposureSevenToTwelve:
		return 2
	case ExposureMoreThanTwelve:
		return 3
	}
	return -1
}

// String returns the string representation
func (c ExposureCategory) String() string {
	return string(c)
}

// ParseExposureCategory validates a string against the four defined levels
func ParseExposureCategory(s string) (ExposureCategory, error) {
	c := ExposureCategory(s)
	if c.Index() < 0 {
		return "", fmt.Errorf("%w: %q", core.ErrUnknownExposureLevel, s)
	}
	return c, nil
}

// exposureBreaks are the left-inclusive breakpoints in months: {0, 1, 7, 13, inf}
var exposureBreaks = []float64{0, 1, 7, 13}

// BinExposure maps a continuous duration in months to its exposure category.
// Intervals are [0,1) -> None, [1,7) -> OnetoSix, [7,13) -> SeventoTwelve,
// [13,inf) -> MorethanTwelve. Negative durations are an error.
func BinExposure(months float64) (ExposureCategory, error) {
	if months < 0 {
		return "", fmt.Errorf("exposure duration must be non-negative, got %g", months)
	}
	cats := Categories()
	for i := len(exposureBreaks) - 1; i >= 0; i-- {
		if months >= exposureBreaks[i] {
			return cats[i], nil
		}
	}
	// Unreachable given months >= 0
	return "", fmt.Errorf("exposure duration %g fell outside all bins", months)
}

// Value is an optional numeric observation. Missingness is decided once at
// ingestion from the source's documented sentinel and carried explicitly;
// downstream stages never re-derive it from magic values.
type Value struct {
	Float   float64
	Missing bool
}

// Some wraps an observed numeric value
func Some(v float64) Value {
	return Value{Float: v}
}

// None returns a missing value
func None() Value {
	return Value{Missing: true}
}

// IsMissing reports whether the value is missing
func (v Value) IsMissing() bool {
	return v.Missing
}

// MustFloat returns the observed value, panicking on missing. Callers are
// expected to have validated completeness at a stage boundary first.
func (v Value) MustFloat() float64 {
	if v.Missing {
		panic("MustFloat called on missing value")
	}
	return v.Float
}

// Label is a categorical covariate level. LabelUnmapped marks source labels
// absent from an explicit recoding; it is an observed category in its own
// right (e.g. "refused to answer"), never a missing-data marker.
type Label string

// LabelUnmapped is the distinct level for labels outside a recoding map
const LabelUnmapped Label = "Unmapped"

// CovariateKind distinguishes how a covariate enters balance and adjustment
type CovariateKind string

const (
	CovariateContinuous  CovariateKind = "continuous"
	CovariateCategorical CovariateKind = "categorical"
)

// Covariate names one adjustment variable and its kind
type Covariate struct {
	Key  core.VariableKey `json:"key"`
	Kind CovariateKind    `json:"kind"`
}

// Subject is one analysis-ready cohort record: exactly one per child
type Subject struct {
	ID             core.SubjectID              `json:"id"`
	ExposureMonths Value                       `json:"exposure_months"`
	Category       ExposureCategory            `json:"category,omitempty"`
	Scores         map[core.VariableKey]Value  `json:"scores"`
	Numeric        map[core.VariableKey]Value  `json:"numeric"`
	Labels         map[core.VariableKey]Label  `json:"labels"`
	BaseWeight     float64                     `json:"base_weight"`
}

// Cohort is the loaded analysis sample
type Cohort struct {
	Subjects []Subject
}

// NewCohort validates the one-record-per-subject invariant
func NewCohort(subjects []Subject) (*Cohort, error) {
	seen := make(map[core.SubjectID]bool, len(subjects))
	for _, s := range subjects {
		if s.ID.String() == "" {
			return nil, fmt.Errorf("subject with empty ID")
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate subject record: %s", s.ID)
		}
		seen[s.ID] = true
	}
	return &Cohort{Subjects: subjects}, nil
}

// Size returns the number of subjects
func (c *Cohort) Size() int {
	return len(c.Subjects)
}

// SubjectIDs returns IDs in cohort order
func (c *Cohort) SubjectIDs() []core.SubjectID {
	ids := make([]core.SubjectID, len(c.Subjects))
	for i, s := range c.Subjects {
		ids[i] = s.ID
	}
	return ids
}

// BaseWeights returns the sampling weights in cohort order
func (c *Cohort) BaseWeights() []float64 {
	w := make([]float64, len(c.Subjects))
	for i, s := range c.Subjects {
		w[i] = s.BaseWeight
	}
	return w
}

// CategoryIndices returns each subject's exposure category index in cohort
// order, erroring on any record outside the four defined levels.
func (c *Cohort) CategoryIndices() ([]int, error) {
	idx := make([]int, len(c.Subjects))
	for i, s := range c.Subjects {
		k := s.Category.Index()
		if k < 0 {
			return nil, fmt.Errorf("%w: subject %s has category %q",
				core.ErrUnknownExposureLevel, s.ID, s.Category)
		}
		idx[i] = k
	}
	return idx, nil
}
