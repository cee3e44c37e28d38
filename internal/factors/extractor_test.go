package factors

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"gocohort/domain/cohort"
	domain "gocohort/domain/factors"
	"gocohort/internal/testkit"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	study := testkit.Study()
	e, err := NewExtractor(study.TestKeys(), study.TrialGroups, study.DomainMapping())
	require.NoError(t, err)
	return e
}

func TestExtract_ScoresEverySubjectWithCompleteBattery(t *testing.T) {
	gen := testkit.NewCohortGenerator(testkit.DefaultCohortConfig())
	c, err := gen.Generate()
	require.NoError(t, err)

	e := newTestExtractor(t)
	loadings, scores, err := e.Extract(c)
	require.NoError(t, err)

	assert.Len(t, scores.Domains, domain.NumDomains)
	assert.Empty(t, scores.Excluded)
	assert.Len(t, scores.Subjects, c.Size())
	assert.Len(t, scores.Scores, c.Size())
	assert.Len(t, loadings.Tests, 11)
}

func TestExtract_ExcludesIncompleteBatteries(t *testing.T) {
	cfg := testkit.DefaultCohortConfig()
	cfg.MissingScoreRate = 0.05
	c, err := testkit.NewCohortGenerator(cfg).Generate()
	require.NoError(t, err)

	e := newTestExtractor(t)
	_, scores, err := e.Extract(c)
	require.NoError(t, err)

	assert.NotEmpty(t, scores.Excluded, "missing scores should exclude subjects")
	assert.Equal(t, c.Size(), len(scores.Subjects)+len(scores.Excluded))

	// Excluded subjects carry no score row
	included := make(map[string]bool, len(scores.Subjects))
	for _, id := range scores.Subjects {
		included[id.String()] = true
	}
	for _, id := range scores.Excluded {
		assert.False(t, included[id.String()], "subject %s both scored and excluded", id)
	}
}

func TestExtract_Deterministic(t *testing.T) {
	c, err := testkit.NewCohortGenerator(testkit.DefaultCohortConfig()).Generate()
	require.NoError(t, err)

	e := newTestExtractor(t)
	l1, s1, err := e.Extract(c)
	require.NoError(t, err)
	l2, s2, err := e.Extract(c)
	require.NoError(t, err)

	assert.Equal(t, l1.Matrix, l2.Matrix)
	assert.Equal(t, s1.Scores, s2.Scores)
}

func TestExtract_ScoresArePopulationCentered(t *testing.T) {
	c, err := testkit.NewCohortGenerator(testkit.DefaultCohortConfig()).Generate()
	require.NoError(t, err)

	e := newTestExtractor(t)
	_, scores, err := e.Extract(c)
	require.NoError(t, err)

	for k, d := range scores.Domains {
		sum := 0.0
		for i := range scores.Scores {
			sum += scores.Scores[i][k]
		}
		assert.InDelta(t, 0, sum/float64(len(scores.Scores)), 1e-9,
			"domain %s scores should be centered", d)
	}
}

func TestExtract_MarkerTestsLoadOnAssignedDomains(t *testing.T) {
	c, err := testkit.NewCohortGenerator(testkit.DefaultCohortConfig()).Generate()
	require.NoError(t, err)

	study := testkit.Study()
	mapping := study.DomainMapping()
	e := newTestExtractor(t)
	loadings, _, err := e.Extract(c)
	require.NoError(t, err)

	colOf := make(map[domain.DomainLabel]int)
	for k, d := range loadings.Domains {
		colOf[d] = k
	}
	rowOf := make(map[string]int)
	for i, test := range loadings.Tests {
		rowOf[test.String()] = i
	}

	for d, markers := range mapping.MarkerTests {
		for _, marker := range markers {
			row := loadings.Matrix[rowOf[marker.String()]]
			best, bestAbs := 0, 0.0
			for k, v := range row {
				if a := math.Abs(v); a > bestAbs {
					best, bestAbs = k, a
				}
			}
			assert.Equal(t, colOf[d], best,
				"marker %s should load dominantly on %s", marker, d)
		}
	}
}

func TestExtract_VarianceExplainedDescending(t *testing.T) {
	c, err := testkit.NewCohortGenerator(testkit.DefaultCohortConfig()).Generate()
	require.NoError(t, err)

	e := newTestExtractor(t)
	loadings, _, err := e.Extract(c)
	require.NoError(t, err)

	require.Len(t, loadings.VarianceExplained, domain.NumDomains)
	for k, v := range loadings.VarianceExplained {
		assert.Greater(t, v, 0.0)
		if k > 0 {
			assert.GreaterOrEqual(t, loadings.VarianceExplained[k-1], v)
		}
	}
}

func TestExtract_ZeroVarianceMeasureFails(t *testing.T) {
	c, err := testkit.NewCohortGenerator(testkit.DefaultCohortConfig()).Generate()
	require.NoError(t, err)
	for i := range c.Subjects {
		c.Subjects[i].Scores["vocab"] = cohort.Some(7)
	}

	e := newTestExtractor(t)
	_, _, err = e.Extract(c)
	assert.Error(t, err)
}

func TestVarimax_PreservesFrobeniusNorm(t *testing.T) {
	// Rotation must not change the total squared loading mass
	l := mat.NewDense(6, 2, []float64{
		0.8, 0.3,
		0.7, 0.4,
		0.75, 0.35,
		0.3, 0.8,
		0.35, 0.7,
		0.4, 0.75,
	})
	before := mat.Norm(l, 2)

	rotated, err := varimax(l)
	require.NoError(t, err)

	assert.InDelta(t, before, mat.Norm(rotated, 2), 1e-8)
}

func TestVarimax_SharpensSimpleStructure(t *testing.T) {
	// A 45-degree rotation of a perfectly simple structure; varimax should
	// concentrate each row back onto one column
	s := math.Sqrt(2) / 2
	l := mat.NewDense(4, 2, []float64{
		0.9 * s, 0.9 * s,
		0.8 * s, 0.8 * s,
		0.9 * s, -0.9 * s,
		0.8 * s, -0.8 * s,
	})

	rotated, err := varimax(l)
	require.NoError(t, err)

	rows, cols := rotated.Dims()
	for i := 0; i < rows; i++ {
		var hi, lo float64
		for k := 0; k < cols; k++ {
			a := math.Abs(rotated.At(i, k))
			if a > hi {
				lo, hi = hi, a
			} else if a > lo {
				lo = a
			}
		}
		assert.Greater(t, hi, 0.7, "row %d should keep one dominant loading", i)
		assert.Less(t, lo, 0.2, "row %d cross-loading should be near zero", i)
	}
}
