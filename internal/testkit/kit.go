package testkit

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/internal/config"
	"gocohort/ports"
)

// CohortConfig configures the synthetic cohort generator
type CohortConfig struct {
	Subjects int     `json:"subjects"`
	Seed     int64   `json:"seed"`
	// ConfounderEffect is how strongly maternal education drives both
	// exposure duration and cognitive outcomes
	ConfounderEffect float64 `json:"confounder_effect"`
	// TreatmentEffect is the true effect of 12 months of exposure on the
	// general-ability latent, in SD units
	TreatmentEffect float64 `json:"treatment_effect"`
	// MissingScoreRate injects missing test scores to exercise the
	// complete-case exclusion policy
	MissingScoreRate float64 `json:"missing_score_rate"`
}

// DefaultCohortConfig returns sensible defaults for synthetic cohorts
func DefaultCohortConfig() CohortConfig {
	return CohortConfig{
		Subjects:         480,
		Seed:             42,
		ConfounderEffect: 0.5,
		TreatmentEffect:  0.2,
	}
}

// educationLevels are the synthetic confounder's categories, lowest first
var educationLevels = []cohort.Label{"LessThanHS", "HighSchool", "SomeCollege", "CollegeGrad"}

// CohortGenerator generates synthetic cohorts with a known confounding
// structure: maternal education raises both breastfeeding duration and every
// cognitive latent, so unweighted exposure contrasts are biased upward by
// construction.
type CohortGenerator struct {
	config CohortConfig
	rng    *rand.Rand
}

// NewCohortGenerator creates a generator with the given configuration
func NewCohortGenerator(config CohortConfig) *CohortGenerator {
	return &CohortGenerator{
		config: config,
		rng:    rand.New(rand.NewSource(config.Seed)),
	}
}

// Generate produces one synthetic cohort
func (g *CohortGenerator) Generate() (*cohort.Cohort, error) {
	subjects := make([]cohort.Subject, 0, g.config.Subjects)
	for i := 0; i < g.config.Subjects; i++ {
		subjects = append(subjects, g.generateSubject(i))
	}
	return cohort.NewCohort(subjects)
}

func (g *CohortGenerator) generateSubject(i int) cohort.Subject {
	// Confounder: education level index 0..3
	educ := g.rng.Intn(len(educationLevels))
	conf := g.config.ConfounderEffect * float64(educ)

	// Exposure: zero-inflated, shifted upward by education
	months := 0.0
	pNone := 0.35 - 0.06*float64(educ)
	if g.rng.Float64() >= pNone {
		months = math.Max(0.5, 4+3.5*float64(educ)+g.rng.NormFloat64()*6)
	}

	// Latent domains share the confounder and, for general ability, the
	// true treatment effect
	general := conf + g.config.TreatmentEffect*months/12 + g.rng.NormFloat64()
	memory := 0.6*conf + g.rng.NormFloat64()
	executive := 0.5*conf + g.rng.NormFloat64()

	scores := make(map[core.VariableKey]cohort.Value)
	put := func(key string, latent, loading float64) {
		v := loading*latent + g.rng.NormFloat64()*0.6
		if g.config.MissingScoreRate > 0 && g.rng.Float64() < g.config.MissingScoreRate {
			scores[core.VariableKey(key)] = cohort.None()
			return
		}
		scores[core.VariableKey(key)] = cohort.Some(10 + 3*v)
	}

	// General-ability battery
	put("vocab", general, 0.9)
	put("matrices", general, 0.85)
	put("reading", general, 0.8)
	put("math", general, 0.8)
	put("processing_speed", general, 0.7)
	// Memory battery; word recall is five repeated trials
	for t := 1; t <= 5; t++ {
		put(fmt.Sprintf("recall_t%d", t), memory, 0.85)
	}
	put("recall_delayed", memory, 0.8)
	put("digit_span", memory, 0.7)
	// Executive battery
	put("trails", executive, 0.85)
	put("fluency", executive, 0.75)
	put("inhibition", executive, 0.7)

	smoked := cohort.Label("No")
	if g.rng.Float64() < 0.35-0.07*float64(educ) {
		smoked = "Yes"
	}

	return cohort.Subject{
		ID:             core.SubjectID(fmt.Sprintf("child_%04d", i+1)),
		ExposureMonths: cohort.Some(months),
		Scores:         scores,
		Numeric: map[core.VariableKey]cohort.Value{
			"maternal_age": cohort.Some(24 + 1.5*float64(educ) + g.rng.NormFloat64()*4),
			"birth_weight": cohort.Some(3250 + 60*float64(educ) + g.rng.NormFloat64()*420),
		},
		Labels: map[core.VariableKey]cohort.Label{
			"maternal_education": educationLevels[educ],
			"smoked_pregnancy":   smoked,
		},
		BaseWeight: math.Exp(g.rng.NormFloat64() * 0.3),
	}
}

// Study returns the study definition matching the generated columns
func Study() *config.Study {
	s := &config.Study{
		IDVar:       "child_id",
		ExposureVar: "bf_months",
		WeightVar:   "sample_weight",
		Tests: []string{
			"vocab", "matrices", "reading", "math", "processing_speed",
			"word_recall", "recall_delayed", "digit_span",
			"trails", "fluency", "inhibition",
		},
		TrialGroups: map[string][]string{
			"word_recall": {"recall_t1", "recall_t2", "recall_t3", "recall_t4", "recall_t5"},
		},
		Covariates: []config.CovariateSpec{
			{Key: "maternal_education", Kind: "categorical"},
			{Key: "smoked_pregnancy", Kind: "categorical"},
			{Key: "maternal_age", Kind: "continuous"},
			{Key: "birth_weight", Kind: "continuous"},
		},
		ComponentDomains: []string{"general_ability", "memory", "executive_function"},
		MarkerTests: map[string][]string{
			"general_ability":    {"vocab", "matrices"},
			"memory":             {"word_recall", "recall_delayed"},
			"executive_function": {"trails", "fluency"},
		},
		BenchmarkCovariates: []string{"maternal_education"},
	}
	s.Estimand = "ATE"
	s.SelectedStopRule = "es.mean"
	s.TruncatePercentile = 99
	s.ImbalanceThreshold = 0.10
	s.BoundMultiplier = 1
	s.ContrastsOfInterest = []string{"OnetoSix", "SeventoTwelve", "MorethanTwelve"}
	if err := s.Validate(); err != nil {
		panic("testkit study definition invalid: " + err.Error())
	}
	return s
}

// InMemoryReader serves a pre-built cohort through the CohortReader port
type InMemoryReader struct {
	Cohort *cohort.Cohort
}

// Read returns the held cohort
func (r *InMemoryReader) Read(ctx context.Context) (*cohort.Cohort, error) {
	return r.Cohort, nil
}

var _ ports.CohortReader = (*InMemoryReader)(nil)
