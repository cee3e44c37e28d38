package survey

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/cohort"
)

// balancedFixture builds a design over n subjects cycling through the four
// exposure categories, with an outcome whose weighted category means are
// known exactly under unit weights.
func balancedFixture(t *testing.T, n, replicates int) (*Design, []int, []float64) {
	t.Helper()
	require.Zero(t, n%cohort.NumCategories)

	ws := testWeightSet(n, 17)
	for i := range ws.Values {
		ws.Values[i] = 1
	}
	d, err := NewDesign(context.Background(), ws, replicates, 17)
	require.NoError(t, err)

	catIdx := make([]int, n)
	outcome := make([]float64, n)
	for i := range catIdx {
		catIdx[i] = i % cohort.NumCategories
		// category k has mean k with a deterministic wobble
		outcome[i] = float64(catIdx[i]) + 0.01*float64(i%7-3)
	}
	return d, catIdx, outcome
}

func TestCategoryMeans_PointEstimates(t *testing.T) {
	d, catIdx, outcome := balancedFixture(t, 200, 40)

	means, err := CategoryMeans(d, catIdx, outcome, "general_ability")
	require.NoError(t, err)

	require.Len(t, means.Means, cohort.NumCategories)
	for k, m := range means.Means {
		assert.InDelta(t, float64(k), m, 0.05)
	}
	require.Len(t, means.Covariance, cohort.NumCategories)
	for a := range means.Covariance {
		assert.GreaterOrEqual(t, means.Covariance[a][a], 0.0)
		for b := range means.Covariance[a] {
			assert.InDelta(t, means.Covariance[a][b], means.Covariance[b][a], 1e-12,
				"replicate covariance must be symmetric")
		}
	}
}

func TestContrast_Antisymmetric(t *testing.T) {
	d, catIdx, outcome := balancedFixture(t, 200, 40)

	ab, err := Contrast(d, catIdx, outcome, "memory", cohort.ExposureMoreThanTwelve, cohort.ExposureNone)
	require.NoError(t, err)
	ba, err := Contrast(d, catIdx, outcome, "memory", cohort.ExposureNone, cohort.ExposureMoreThanTwelve)
	require.NoError(t, err)

	assert.InDelta(t, -ab.Estimate, ba.Estimate, 1e-12)
	assert.InDelta(t, ab.SE, ba.SE, 1e-12)
	assert.InDelta(t, -ab.CIUpper, ba.CILower, 1e-12)
	assert.InDelta(t, -ab.CILower, ba.CIUpper, 1e-12)
}

func TestAllContrasts_SixHigherVersusLower(t *testing.T) {
	d, catIdx, outcome := balancedFixture(t, 200, 40)

	contrasts, err := AllContrasts(d, catIdx, outcome, "executive_function")
	require.NoError(t, err)
	require.Len(t, contrasts, 6)

	cats := cohort.Categories()
	for _, c := range contrasts {
		// A is always the longer-duration category
		assert.Greater(t, c.CategoryA.Index(), c.CategoryB.Index())
		// outcome rises with category index by construction
		assert.Greater(t, c.Estimate, 0.0)
		assert.LessOrEqual(t, c.CILower, c.Estimate)
		assert.GreaterOrEqual(t, c.CIUpper, c.Estimate)
		assert.Contains(t, cats, c.CategoryA)
	}
}

func TestCategoryMeans_EmptyCategoryFails(t *testing.T) {
	d, catIdx, outcome := balancedFixture(t, 200, 10)
	for i := range catIdx {
		if catIdx[i] == 3 {
			catIdx[i] = 2
		}
	}

	_, err := CategoryMeans(d, catIdx, outcome, "memory")
	assert.Error(t, err)
}

func TestCategoryMeans_LengthMismatchFails(t *testing.T) {
	d, catIdx, outcome := balancedFixture(t, 200, 10)

	_, err := CategoryMeans(d, catIdx[:100], outcome, "memory")
	assert.Error(t, err)
	_, err = CategoryMeans(d, catIdx, outcome[:100], "memory")
	assert.Error(t, err)
}
