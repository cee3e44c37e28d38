package factors

import (
	"fmt"

	"gocohort/domain/core"
)

// DomainLabel names one latent cognitive domain
type DomainLabel string

const (
	DomainGeneralAbility    DomainLabel = "general_ability"
	DomainMemory            DomainLabel = "memory"
	DomainExecutiveFunction DomainLabel = "executive_function"
)

// NumDomains is the fixed a-priori extraction count
const NumDomains = 3

// DomainMapping assigns rotated components to domain labels. The assignment
// is an analyst decision per run, verified against the loading pattern: for
// each domain the configured marker tests must carry that component's
// dominant loadings, otherwise extraction fails rather than silently
// relabeling.
type DomainMapping struct {
	// ComponentDomains[k] is the domain label for rotated component k
	ComponentDomains []DomainLabel `json:"component_domains"`
	// MarkerTests names, per domain, at least one test expected to load
	// most heavily on that domain's component
	MarkerTests map[DomainLabel][]core.VariableKey `json:"marker_tests"`
}

// Validate checks structural consistency of the mapping
func (m DomainMapping) Validate() error {
	if len(m.ComponentDomains) != NumDomains {
		return fmt.Errorf("domain mapping must assign exactly %d components, got %d",
			NumDomains, len(m.ComponentDomains))
	}
	seen := make(map[DomainLabel]bool, NumDomains)
	for _, d := range m.ComponentDomains {
		if seen[d] {
			return fmt.Errorf("domain %q assigned to more than one component", d)
		}
		seen[d] = true
		if len(m.MarkerTests[d]) == 0 {
			return fmt.Errorf("domain %q has no marker tests", d)
		}
	}
	return nil
}

// Loadings is the frozen tests-by-domains rotated loading matrix. It is
// estimated once per run and reused identically for every subject scored.
type Loadings struct {
	Tests   []core.VariableKey `json:"tests"`
	Domains []DomainLabel      `json:"domains"`
	// Matrix[i][k] is the loading of test i on domain k
	Matrix [][]float64 `json:"matrix"`
	// VarianceExplained[k] is the proportion of total variance carried
	// by rotated component k
	VarianceExplained []float64 `json:"variance_explained"`
}

// ScoreSet holds one factor score per scored subject per domain. Subjects
// excluded for incomplete test batteries appear in Excluded, not in Scores.
type ScoreSet struct {
	Domains  []DomainLabel `json:"domains"`
	Subjects []core.SubjectID `json:"subjects"`
	// Scores[i][k] is subject i's score on domain k, population-centered
	Scores   [][]float64      `json:"scores"`
	Excluded []core.SubjectID `json:"excluded"`
}

// Column returns all subjects' scores for one domain
func (s *ScoreSet) Column(domain DomainLabel) ([]float64, error) {
	for k, d := range s.Domains {
		if d == domain {
			col := make([]float64, len(s.Scores))
			for i := range s.Scores {
				col[i] = s.Scores[i][k]
			}
			return col, nil
		}
	}
	return nil, fmt.Errorf("%w: factor domain %q", core.ErrVariableNotFound, domain)
}
