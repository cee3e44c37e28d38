package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gocohort/domain/core"
	"gocohort/domain/factors"
)

const studyYAML = `
id_var: child_id
exposure_var: bf_months
weight_var: sample_weight
tests: [vocab, matrices, word_recall]
trial_groups:
  word_recall: [recall_t1, recall_t2, recall_t3]
covariates:
  - {key: maternal_education, kind: categorical}
  - {key: maternal_age, kind: continuous}
recodings:
  maternal_education:
    "1": LessThanHS
    "2": HighSchool
component_domains: [general_ability, memory, executive_function]
marker_tests:
  general_ability: [vocab, matrices]
  memory: [word_recall]
  executive_function: [matrices]
benchmark_covariates: [maternal_education]
`

func writeStudy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "study.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadStudy_AppliesDefaults(t *testing.T) {
	s, err := LoadStudy(writeStudy(t, studyYAML))
	require.NoError(t, err)

	assert.Equal(t, "ATE", s.Estimand)
	assert.Equal(t, "es.mean", s.SelectedStopRule)
	assert.Equal(t, 99.0, s.TruncatePercentile)
	assert.Equal(t, 0.10, s.ImbalanceThreshold)
	assert.Equal(t, 1.0, s.BoundMultiplier)
	// Every non-reference category defaults to a contrast of interest
	assert.Equal(t, []string{"OnetoSix", "SeventoTwelve", "MorethanTwelve"}, s.ContrastsOfInterest)
}

func TestLoadStudy_DomainAccessors(t *testing.T) {
	s, err := LoadStudy(writeStudy(t, studyYAML))
	require.NoError(t, err)

	mapping := s.DomainMapping()
	require.NoError(t, mapping.Validate())
	assert.Contains(t, mapping.MarkerTests[factors.DomainLabel("memory")], core.VariableKey("word_recall"))

	keys := s.TestKeys()
	assert.Equal(t, []core.VariableKey{"vocab", "matrices", "word_recall"}, keys)

	covs := s.CovariateList()
	require.Len(t, covs, 2)
	assert.Equal(t, core.VariableKey("maternal_education"), covs[0].Key)

	assert.Equal(t, []core.VariableKey{"maternal_education"}, s.BenchmarkKeys())
}

func TestLoadStudy_RejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"missing roles":     "tests: [vocab]\n",
		"no covariates":     "id_var: a\nexposure_var: b\nweight_var: c\ntests: [vocab]\ncomponent_domains: [general_ability, memory, executive_function]\n",
		"bad kind":          studyYAML + "\n" + "extra: 1", // placeholder, replaced below
		"bad stopping rule": studyYAML + "selected_stop_rule: es.median\n",
		"bad estimand":      studyYAML + "estimand: ATO\n",
		"bad percentile":    studyYAML + "truncate_percentile: 120\n",
	}
	cases["bad kind"] = `
id_var: child_id
exposure_var: bf_months
weight_var: sample_weight
tests: [vocab, matrices, word_recall]
covariates:
  - {key: maternal_age, kind: ordinal}
component_domains: [general_ability, memory, executive_function]
marker_tests:
  general_ability: [vocab]
  memory: [word_recall]
  executive_function: [matrices]
`

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadStudy(writeStudy(t, content))
			assert.Error(t, err)
		})
	}
}

func TestLoadStudy_MissingFile(t *testing.T) {
	_, err := LoadStudy(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
