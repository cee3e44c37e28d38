package config

import (
	"os"

	"gopkg.in/yaml.v3"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
	"gocohort/domain/weighting"
	"gocohort/internal/errors"
)

// Study is the externally supplied study definition: every analyst decision
// the pipeline must not make on its own. Variable selection, recodings, the
// component-to-domain mapping, the stopping-rule choice, and the sensitivity
// benchmark all live here so they stay traceable and swappable between runs.
type Study struct {
	// Column roles
	IDVar       string `yaml:"id_var"`
	ExposureVar string `yaml:"exposure_var"` // duration in months
	WeightVar   string `yaml:"weight_var"`   // base sampling weight

	// Test battery. TrialGroups consolidates repeated-trial scores into one
	// measure (their arithmetic mean) before extraction; Tests lists the
	// final measure keys entering the decomposition.
	Tests       []string            `yaml:"tests"`
	TrialGroups map[string][]string `yaml:"trial_groups,omitempty"`

	// Covariates entering the propensity model: confounders and precision
	// variables, mediators and colliders excluded. An enumerated list, never
	// inferred.
	Covariates []CovariateSpec `yaml:"covariates"`
	// Recodings maps source labels to analysis labels per categorical
	// covariate; labels absent from a map become the Unmapped level.
	Recodings map[string]map[string]string `yaml:"recodings,omitempty"`

	// Factor extraction decisions
	ComponentDomains []string            `yaml:"component_domains"`
	MarkerTests      map[string][]string `yaml:"marker_tests"`

	// Weighting decisions
	Estimand           string  `yaml:"estimand"`
	SelectedStopRule   string  `yaml:"selected_stop_rule"`
	TruncatePercentile float64 `yaml:"truncate_percentile"`
	ImbalanceThreshold float64 `yaml:"imbalance_threshold"`

	// Sensitivity decisions
	BenchmarkCovariates []string `yaml:"benchmark_covariates"`
	ContrastsOfInterest []string `yaml:"contrasts_of_interest"`
	BoundMultiplier     float64  `yaml:"bound_multiplier"`
}

// CovariateSpec names one covariate and how it enters balance computations
type CovariateSpec struct {
	Key  string `yaml:"key"`
	Kind string `yaml:"kind"` // "continuous" or "categorical"
}

// LoadStudy reads and validates a YAML study definition
func LoadStudy(path string) (*Study, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read study file %s", path)
	}
	var s Study
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, errors.Wrap(err, "failed to parse study file")
	}
	s.applyDefaults()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Study) applyDefaults() {
	if s.Estimand == "" {
		s.Estimand = string(weighting.EstimandATE)
	}
	if s.SelectedStopRule == "" {
		s.SelectedStopRule = string(weighting.StopESMean)
	}
	if s.TruncatePercentile == 0 {
		s.TruncatePercentile = 99
	}
	if s.ImbalanceThreshold == 0 {
		s.ImbalanceThreshold = 0.10
	}
	if s.BoundMultiplier == 0 {
		s.BoundMultiplier = 1
	}
	if len(s.ContrastsOfInterest) == 0 {
		for _, c := range cohort.Categories()[1:] {
			s.ContrastsOfInterest = append(s.ContrastsOfInterest, c.String())
		}
	}
}

// Validate checks the study definition for structural errors
func (s *Study) Validate() error {
	if s.IDVar == "" || s.ExposureVar == "" || s.WeightVar == "" {
		return errors.ConfigInvalid("id_var, exposure_var and weight_var are required")
	}
	if len(s.Tests) == 0 {
		return errors.ConfigInvalid("study defines no test measures")
	}
	if len(s.Covariates) == 0 {
		return errors.ConfigInvalid("study defines no covariates")
	}
	for _, c := range s.Covariates {
		switch cohort.CovariateKind(c.Kind) {
		case cohort.CovariateContinuous, cohort.CovariateCategorical:
		default:
			return errors.ConfigInvalid("covariate " + c.Key + " has unknown kind " + c.Kind)
		}
	}
	if err := weighting.Estimand(s.Estimand).Validate(); err != nil {
		return errors.Wrap(err, "invalid estimand")
	}
	if err := weighting.StopRule(s.SelectedStopRule).Validate(); err != nil {
		return errors.Wrap(err, "invalid selected stopping rule")
	}
	if s.TruncatePercentile <= 0 || s.TruncatePercentile >= 100 {
		return errors.ConfigInvalid("truncate_percentile must be in (0,100)")
	}
	if s.ImbalanceThreshold <= 0 {
		return errors.ConfigInvalid("imbalance_threshold must be positive")
	}
	if err := s.DomainMapping().Validate(); err != nil {
		return errors.Wrap(err, "invalid component-to-domain mapping")
	}
	for _, c := range s.ContrastsOfInterest {
		if _, err := cohort.ParseExposureCategory(c); err != nil {
			return errors.Wrap(err, "invalid contrast of interest")
		}
	}
	return nil
}

// DomainMapping converts the study's mapping section to the domain type
func (s *Study) DomainMapping() factors.DomainMapping {
	m := factors.DomainMapping{
		MarkerTests: make(map[factors.DomainLabel][]core.VariableKey),
	}
	for _, d := range s.ComponentDomains {
		m.ComponentDomains = append(m.ComponentDomains, factors.DomainLabel(d))
	}
	for d, tests := range s.MarkerTests {
		keys := make([]core.VariableKey, len(tests))
		for i, t := range tests {
			keys[i] = core.VariableKey(t)
		}
		m.MarkerTests[factors.DomainLabel(d)] = keys
	}
	return m
}

// CovariateList converts covariate specs to the domain type
func (s *Study) CovariateList() []cohort.Covariate {
	out := make([]cohort.Covariate, len(s.Covariates))
	for i, c := range s.Covariates {
		out[i] = cohort.Covariate{
			Key:  core.VariableKey(c.Key),
			Kind: cohort.CovariateKind(c.Kind),
		}
	}
	return out
}

// TestKeys converts the test list to variable keys
func (s *Study) TestKeys() []core.VariableKey {
	out := make([]core.VariableKey, len(s.Tests))
	for i, t := range s.Tests {
		out[i] = core.VariableKey(t)
	}
	return out
}

// BenchmarkKeys converts the benchmark covariate names to variable keys
func (s *Study) BenchmarkKeys() []core.VariableKey {
	out := make([]core.VariableKey, len(s.BenchmarkCovariates))
	for i, b := range s.BenchmarkCovariates {
		out[i] = core.VariableKey(b)
	}
	return out
}
