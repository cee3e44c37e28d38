package prep

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
)

func makeSubject(id string, months float64) cohort.Subject {
	return cohort.Subject{
		ID:             core.SubjectID(id),
		ExposureMonths: cohort.Some(months),
		BaseWeight:     1.0,
	}
}

func TestPrepare_ExposureBinning(t *testing.T) {
	// Durations at and around every breakpoint
	cases := map[float64]cohort.ExposureCategory{
		0:    cohort.ExposureNone,
		0.9:  cohort.ExposureNone,
		1:    cohort.ExposureOneToSix,
		3:    cohort.ExposureOneToSix,
		6.99: cohort.ExposureOneToSix,
		7:    cohort.ExposureSevenToTwelve,
		9:    cohort.ExposureSevenToTwelve,
		12.5: cohort.ExposureSevenToTwelve,
		13:   cohort.ExposureMoreThanTwelve,
		15:   cohort.ExposureMoreThanTwelve,
		48:   cohort.ExposureMoreThanTwelve,
	}

	var subjects []cohort.Subject
	var want []cohort.ExposureCategory
	i := 0
	for months, expected := range cases {
		subjects = append(subjects, makeSubject(string(rune('a'+i)), months))
		want = append(want, expected)
		i++
	}

	c, err := cohort.NewCohort(subjects)
	require.NoError(t, err)

	prepared, err := NewPreparer(nil).Prepare(c)
	require.NoError(t, err)

	for i, s := range prepared.Subjects {
		assert.Equal(t, want[i], s.Category,
			"duration %g months", s.ExposureMonths.Float)
	}
}

func TestPrepare_BinsPartitionDomain(t *testing.T) {
	// Every non-negative duration lands in exactly one bin
	for months := 0.0; months < 30; months += 0.25 {
		cat, err := cohort.BinExposure(months)
		require.NoError(t, err, "duration %g", months)
		require.GreaterOrEqual(t, cat.Index(), 0, "duration %g", months)
	}

	_, err := cohort.BinExposure(-1)
	assert.Error(t, err, "negative duration must be rejected")
}

func TestPrepare_RecodeUnmappedLabel(t *testing.T) {
	s := makeSubject("x", 3)
	s.Labels = map[core.VariableKey]cohort.Label{
		"maternal_education": "some college",
		"smoked_pregnancy":   "refused",
		"region":             "northeast",
	}
	c, err := cohort.NewCohort([]cohort.Subject{s})
	require.NoError(t, err)

	p := NewPreparer(map[string]map[string]string{
		"maternal_education": {"some college": "SomeCollege", "college grad": "CollegeGrad"},
		"smoked_pregnancy":   {"yes": "Yes", "no": "No"},
	})
	prepared, err := p.Prepare(c)
	require.NoError(t, err)

	got := prepared.Subjects[0].Labels
	assert.Equal(t, cohort.Label("SomeCollege"), got["maternal_education"])
	// "refused" is not in the mapping: it becomes the distinct Unmapped
	// level, not a missing marker
	assert.Equal(t, cohort.LabelUnmapped, got["smoked_pregnancy"])
	// Covariates without a recoding pass through unchanged
	assert.Equal(t, cohort.Label("northeast"), got["region"])
}

func TestPrepare_MissingExposureFails(t *testing.T) {
	s := makeSubject("x", 0)
	s.ExposureMonths = cohort.None()
	c, err := cohort.NewCohort([]cohort.Subject{s})
	require.NoError(t, err)

	_, err = NewPreparer(nil).Prepare(c)
	assert.Error(t, err)
}

func TestPrepare_NonPositiveWeightFails(t *testing.T) {
	s := makeSubject("x", 5)
	s.BaseWeight = 0
	c, err := cohort.NewCohort([]cohort.Subject{s})
	require.NoError(t, err)

	_, err = NewPreparer(nil).Prepare(c)
	assert.Error(t, err)
}

func TestNewCohort_RejectsDuplicateSubjects(t *testing.T) {
	_, err := cohort.NewCohort([]cohort.Subject{makeSubject("dup", 1), makeSubject("dup", 2)})
	assert.Error(t, err)
}
