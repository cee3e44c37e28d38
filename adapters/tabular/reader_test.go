package tabular

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/cohort"
	"gocohort/internal/config"
)

func minimalStudy(t *testing.T) *config.Study {
	t.Helper()
	s := &config.Study{
		IDVar:       "child_id",
		ExposureVar: "bf_months",
		WeightVar:   "sample_weight",
		Tests:       []string{"vocab", "recall"},
		TrialGroups: map[string][]string{"recall": {"recall_t1", "recall_t2"}},
		Covariates: []config.CovariateSpec{
			{Key: "maternal_education", Kind: "categorical"},
			{Key: "maternal_age", Kind: "continuous"},
		},
		ComponentDomains: []string{"general_ability", "memory", "executive_function"},
		MarkerTests: map[string][]string{
			"general_ability":    {"vocab"},
			"memory":             {"recall"},
			"executive_function": {"vocab"},
		},
		Estimand:           "ATE",
		SelectedStopRule:   "es.mean",
		TruncatePercentile: 99,
		ImbalanceThreshold: 0.10,
		BoundMultiplier:    1,
	}
	return s
}

func writeCSV(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cohort.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

const header = "child_id,bf_months,sample_weight,vocab,recall_t1,recall_t2,maternal_education,maternal_age"

func TestRead_ParsesTypedSubjects(t *testing.T) {
	path := writeCSV(t,
		header,
		"c1,9.5,1.2,14,8,9,HighSchool,27.5",
		"c2,0,0.8,11,6,NA,refused,NA",
	)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	c, err := r.Read(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, c.Size())

	s1 := c.Subjects[0]
	assert.Equal(t, "c1", s1.ID.String())
	assert.InDelta(t, 9.5, s1.ExposureMonths.MustFloat(), 1e-12)
	assert.InDelta(t, 1.2, s1.BaseWeight, 1e-12)
	assert.InDelta(t, 14, s1.Scores["vocab"].MustFloat(), 1e-12)
	assert.Equal(t, cohort.Label("HighSchool"), s1.Labels["maternal_education"])
	assert.InDelta(t, 27.5, s1.Numeric["maternal_age"].MustFloat(), 1e-12)

	s2 := c.Subjects[1]
	// Sentinel cells are explicit missing values
	assert.True(t, s2.Scores["recall_t2"].IsMissing())
	assert.True(t, s2.Numeric["maternal_age"].IsMissing())
	// "refused" is an observed categorical level, not missingness
	assert.Equal(t, cohort.Label("refused"), s2.Labels["maternal_education"])
}

func TestRead_NonNumericCellFails(t *testing.T) {
	path := writeCSV(t,
		header,
		"c1,about nine,1.2,14,8,9,HighSchool,27.5",
	)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bf_months")
}

func TestRead_MissingBaseWeightFails(t *testing.T) {
	path := writeCSV(t,
		header,
		"c1,9.5,NA,14,8,9,HighSchool,27.5",
	)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	assert.Error(t, err)
}

func TestRead_MissingColumnFails(t *testing.T) {
	path := writeCSV(t,
		"child_id,bf_months,sample_weight,vocab,recall_t1,maternal_education,maternal_age",
		"c1,9.5,1.2,14,8,HighSchool,27.5",
	)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recall_t2")
}

func TestRead_DuplicateSubjectFails(t *testing.T) {
	path := writeCSV(t,
		header,
		"c1,9.5,1.2,14,8,9,HighSchool,27.5",
		"c1,3,1.0,12,7,8,CollegeGrad,31",
	)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	assert.Error(t, err)
}

func TestRead_FileNotFound(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "absent.csv"), "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	assert.Error(t, err)
}

func TestRead_EmptyTableFails(t *testing.T) {
	path := writeCSV(t, header)
	r := NewReader(path, "", "NA", minimalStudy(t), nil)

	_, err := r.Read(context.Background())
	assert.Error(t, err)
}
