package prep

import (
	"fmt"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/internal/errors"
)

// Preparer turns raw cohort records into analysis-ready ones: it derives the
// ordered exposure category from continuous duration and applies the explicit
// covariate recodings. It never drops rows; row filtering is an upstream,
// already-applied step.
type Preparer struct {
	// recodings maps covariate -> source label -> analysis label. Labels
	// absent from a covariate's map become cohort.LabelUnmapped, a distinct
	// observed level (e.g. "refused to answer"), not a missing marker.
	recodings map[core.VariableKey]map[cohort.Label]cohort.Label
}

// NewPreparer creates a preparer with the study's recoding maps
func NewPreparer(recodings map[string]map[string]string) *Preparer {
	conv := make(map[core.VariableKey]map[cohort.Label]cohort.Label, len(recodings))
	for covariate, mapping := range recodings {
		m := make(map[cohort.Label]cohort.Label, len(mapping))
		for from, to := range mapping {
			m[cohort.Label(from)] = cohort.Label(to)
		}
		conv[core.VariableKey(covariate)] = m
	}
	return &Preparer{recodings: conv}
}

// Prepare derives exposure categories and recoded covariates for every
// subject, returning a new cohort. A missing exposure duration or a
// non-positive base weight is a hard error: those decisions belong upstream.
func (p *Preparer) Prepare(c *cohort.Cohort) (*cohort.Cohort, error) {
	prepared := make([]cohort.Subject, len(c.Subjects))
	for i, s := range c.Subjects {
		if s.ExposureMonths.IsMissing() {
			return nil, errors.WithCode(errors.CodeMissingData,
				fmt.Errorf("subject %s has no exposure duration", s.ID))
		}
		if s.BaseWeight <= 0 {
			return nil, errors.ValidationError(
				fmt.Sprintf("subject %s has non-positive base weight %g", s.ID, s.BaseWeight))
		}

		category, err := cohort.BinExposure(s.ExposureMonths.Float)
		if err != nil {
			return nil, errors.Wrapf(err, "subject %s", s.ID)
		}

		out := s
		out.Category = category
		out.Labels = p.recodeLabels(s.Labels)
		prepared[i] = out
	}
	return cohort.NewCohort(prepared)
}

// recodeLabels applies the explicit mappings, leaving covariates without a
// recoding untouched
func (p *Preparer) recodeLabels(labels map[core.VariableKey]cohort.Label) map[core.VariableKey]cohort.Label {
	if len(labels) == 0 {
		return labels
	}
	out := make(map[core.VariableKey]cohort.Label, len(labels))
	for key, label := range labels {
		mapping, hasRecoding := p.recodings[key]
		if !hasRecoding {
			out[key] = label
			continue
		}
		if mapped, ok := mapping[label]; ok {
			out[key] = mapped
		} else {
			out[key] = cohort.LabelUnmapped
		}
	}
	return out
}
