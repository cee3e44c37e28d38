package survey

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
)

func TestBuildAdjustment_DropsReferenceLevel(t *testing.T) {
	subjects := []cohort.Subject{
		{ID: "s1", Labels: map[core.VariableKey]cohort.Label{"educ": "CollegeGrad"},
			Numeric: map[core.VariableKey]cohort.Value{"age": cohort.Some(31)}},
		{ID: "s2", Labels: map[core.VariableKey]cohort.Label{"educ": "HighSchool"},
			Numeric: map[core.VariableKey]cohort.Value{"age": cohort.Some(24)}},
		{ID: "s3", Labels: map[core.VariableKey]cohort.Label{"educ": "LessThanHS"},
			Numeric: map[core.VariableKey]cohort.Value{"age": cohort.Some(22)}},
	}
	c, err := cohort.NewCohort(subjects)
	require.NoError(t, err)
	covs := []cohort.Covariate{
		{Key: "educ", Kind: cohort.CovariateCategorical},
		{Key: "age", Kind: cohort.CovariateContinuous},
	}

	cols, err := BuildAdjustment(c, covs, []core.VariableKey{"educ", "age"})
	require.NoError(t, err)

	// Three observed levels, alphabetically first is the reference
	require.Len(t, cols, 3)
	assert.Equal(t, "educ=HighSchool", cols[0].Name)
	assert.Equal(t, "educ=LessThanHS", cols[1].Name)
	assert.Equal(t, "age", cols[2].Name)
	assert.Equal(t, []float64{0, 1, 0}, cols[0].Values)
	assert.Equal(t, []float64{31, 24, 22}, cols[2].Values)
}

func TestBuildAdjustment_UnknownKeyFails(t *testing.T) {
	c, err := cohort.NewCohort([]cohort.Subject{{ID: "s1"}})
	require.NoError(t, err)

	_, err = BuildAdjustment(c, nil, []core.VariableKey{"nope"})
	assert.Error(t, err)
}

func TestBuildAdjustment_MissingValueFails(t *testing.T) {
	subjects := []cohort.Subject{
		{ID: "s1", Numeric: map[core.VariableKey]cohort.Value{"age": cohort.Some(31)}},
		{ID: "s2", Numeric: map[core.VariableKey]cohort.Value{"age": cohort.None()}},
	}
	c, err := cohort.NewCohort(subjects)
	require.NoError(t, err)
	covs := []cohort.Covariate{{Key: "age", Kind: cohort.CovariateContinuous}}

	_, err = BuildAdjustment(c, covs, []core.VariableKey{"age"})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrMissingValue)
}

// linearFixture generates outcome = 0.5 + effects[cat] + 0.3*x + noise with
// unit weights, so WLS should recover the category coefficients.
func linearFixture(t *testing.T, n int) (*Design, []int, []float64, []AdjustmentColumn) {
	t.Helper()
	rng := rand.New(rand.NewSource(23))
	effects := []float64{0, 0.4, 0.8, 1.2}

	ws := testWeightSet(n, 23)
	for i := range ws.Values {
		ws.Values[i] = 1
	}
	d, err := NewDesign(context.Background(), ws, 60, 23)
	require.NoError(t, err)

	catIdx := make([]int, n)
	x := make([]float64, n)
	outcome := make([]float64, n)
	for i := range catIdx {
		catIdx[i] = rng.Intn(cohort.NumCategories)
		x[i] = rng.NormFloat64()
		outcome[i] = 0.5 + effects[catIdx[i]] + 0.3*x[i] + rng.NormFloat64()*0.05
	}
	return d, catIdx, outcome, []AdjustmentColumn{{Name: "x", Values: x}}
}

func TestFitWLS_RecoversCoefficients(t *testing.T) {
	d, catIdx, outcome, adj := linearFixture(t, 400)

	fit, err := FitWLS(d, "run_1", catIdx, outcome, adj, "general_ability", []core.VariableKey{"x"})
	require.NoError(t, err)

	assert.True(t, fit.Adjusted)
	assert.Equal(t, 400, fit.SampleSize)
	assert.Equal(t, 60, fit.Replicates)
	assert.Greater(t, fit.RSquared, 0.9)
	// Intercept + 3 category terms + x
	require.Len(t, fit.Terms, 5)

	wantByName := map[string]float64{
		"Intercept": 0.5,
		"x":         0.3,
	}
	for cat, want := range map[cohort.ExposureCategory]float64{
		cohort.ExposureOneToSix:       0.4,
		cohort.ExposureSevenToTwelve:  0.8,
		cohort.ExposureMoreThanTwelve: 1.2,
	} {
		term, ok := fit.CategoryTerm(cat)
		require.True(t, ok, "missing category term %s", cat)
		assert.InDelta(t, want, term.Estimate, 0.05)
		assert.Greater(t, term.SE, 0.0)
	}
	for _, term := range fit.Terms {
		if want, ok := wantByName[term.Name]; ok {
			assert.InDelta(t, want, term.Estimate, 0.05)
		}
		assert.LessOrEqual(t, term.CILower, term.Estimate)
		assert.GreaterOrEqual(t, term.CIUpper, term.Estimate)
	}
}

func TestFitWLS_AdjustmentChangesConfoundedCoefficient(t *testing.T) {
	// Confound x with category so dropping it biases the category terms
	n := 400
	rng := rand.New(rand.NewSource(31))

	ws := testWeightSet(n, 31)
	for i := range ws.Values {
		ws.Values[i] = 1
	}
	d, err := NewDesign(context.Background(), ws, 40, 31)
	require.NoError(t, err)

	catIdx := make([]int, n)
	x := make([]float64, n)
	outcome := make([]float64, n)
	for i := range catIdx {
		catIdx[i] = rng.Intn(cohort.NumCategories)
		x[i] = float64(catIdx[i]) + rng.NormFloat64()*0.5
		outcome[i] = 0.2*float64(catIdx[i]) + 0.6*x[i] + rng.NormFloat64()*0.05
	}
	adj := []AdjustmentColumn{{Name: "x", Values: x}}

	unadjusted, err := FitWLS(d, "run_1", catIdx, outcome, nil, "memory", nil)
	require.NoError(t, err)
	adjusted, err := FitWLS(d, "run_1", catIdx, outcome, adj, "memory", []core.VariableKey{"x"})
	require.NoError(t, err)

	ua, ok := unadjusted.CategoryTerm(cohort.ExposureMoreThanTwelve)
	require.True(t, ok)
	aa, ok := adjusted.CategoryTerm(cohort.ExposureMoreThanTwelve)
	require.True(t, ok)

	// Unadjusted absorbs the 0.6*x path; adjusted isolates the 0.2 direct path
	assert.InDelta(t, 3*0.8, ua.Estimate, 0.15)
	assert.InDelta(t, 3*0.2, aa.Estimate, 0.15)
	assert.False(t, unadjusted.Adjusted)
	assert.True(t, adjusted.Adjusted)
}

func TestFitWLS_TooFewSubjectsFails(t *testing.T) {
	ws := testWeightSet(4, 5)
	d, err := NewDesign(context.Background(), ws, 10, 5)
	require.NoError(t, err)

	catIdx := []int{0, 1, 2, 3}
	outcome := []float64{1, 2, 3, 4}

	_, err = FitWLS(d, "run_1", catIdx, outcome, nil, "memory", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
}
