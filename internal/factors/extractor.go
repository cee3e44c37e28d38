package factors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
	"gocohort/internal/errors"
)

// Extractor reduces the cognitive test battery to a small number of rotated
// orthogonal domain scores. The extraction count is fixed a priori at
// factors.NumDomains; eigenvalue inspection happened once at study design
// time and is not re-automated here.
//
// Loadings are estimated on the analysis sample itself, the same sample that
// is scored and carried into inference. That is a known limitation of the
// study inherited deliberately; a held-out split would change the reported
// results.
type Extractor struct {
	tests       []core.VariableKey
	trialGroups map[core.VariableKey][]core.VariableKey
	mapping     factors.DomainMapping
}

// NewExtractor creates an extractor for the study's test battery. trialGroups
// consolidates repeated-trial scores into their arithmetic mean under the
// group's key before decomposition.
func NewExtractor(tests []core.VariableKey, trialGroups map[string][]string, mapping factors.DomainMapping) (*Extractor, error) {
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	groups := make(map[core.VariableKey][]core.VariableKey, len(trialGroups))
	for key, trials := range trialGroups {
		ts := make([]core.VariableKey, len(trials))
		for i, tr := range trials {
			ts[i] = core.VariableKey(tr)
		}
		groups[core.VariableKey(key)] = ts
	}
	return &Extractor{tests: tests, trialGroups: groups, mapping: mapping}, nil
}

// Extract standardizes the complete-case test matrix, decomposes it with a
// deterministic SVD, rotates the retained components with varimax, and scores
// every complete case. Subjects with any missing measure are excluded and
// reported, never imputed.
func (e *Extractor) Extract(c *cohort.Cohort) (*factors.Loadings, *factors.ScoreSet, error) {
	included, excluded, matrix := e.completeCases(c)
	n, p := len(included), len(e.tests)
	if n < p+1 {
		return nil, nil, errors.WithCode(errors.CodeValidationError,
			fmt.Errorf("%w: %d complete cases for %d measures", core.ErrInsufficientData, n, p))
	}

	// Standardize each measure
	z := mat.NewDense(n, p, nil)
	col := make([]float64, n)
	for j := 0; j < p; j++ {
		for i := 0; i < n; i++ {
			col[i] = matrix[i][j]
		}
		mean, sd := stat.MeanStdDev(col, nil)
		if sd == 0 {
			return nil, nil, errors.ValidationError(
				fmt.Sprintf("test measure %s has zero variance", e.tests[j]))
		}
		for i := 0; i < n; i++ {
			z.Set(i, j, (col[i]-mean)/sd)
		}
	}

	// Principal components via SVD of the standardized matrix
	var svd mat.SVD
	if ok := svd.Factorize(z, mat.SVDThin); !ok {
		return nil, nil, errors.New(errors.CodeNonConvergence, "principal component decomposition failed")
	}
	var v mat.Dense
	svd.VTo(&v)
	singular := svd.Values(nil)

	// Unrotated loadings for the retained components: eigenvector columns
	// scaled to correlations between measures and components
	k := factors.NumDomains
	unrotated := mat.NewDense(p, k, nil)
	for j := 0; j < k; j++ {
		scale := singular[j] / math.Sqrt(float64(n-1))
		for i := 0; i < p; i++ {
			unrotated.Set(i, j, v.At(i, j)*scale)
		}
	}

	rotated, err := varimax(unrotated)
	if err != nil {
		return nil, nil, err
	}

	loadings := e.buildLoadings(rotated, p, k)
	if err := e.verifyMapping(loadings); err != nil {
		return nil, nil, err
	}

	scores, err := scoreSubjects(z, rotated)
	if err != nil {
		return nil, nil, err
	}

	set := &factors.ScoreSet{
		Domains:  loadings.Domains,
		Subjects: included,
		Scores:   scores,
		Excluded: excluded,
	}
	return loadings, set, nil
}

// completeCases consolidates trial groups and splits subjects into those with
// a full battery and those excluded for any missing measure
func (e *Extractor) completeCases(c *cohort.Cohort) (included []core.SubjectID, excluded []core.SubjectID, matrix [][]float64) {
	for _, s := range c.Subjects {
		row := make([]float64, len(e.tests))
		complete := true
		for j, test := range e.tests {
			v, ok := e.measure(s, test)
			if !ok {
				complete = false
				break
			}
			row[j] = v
		}
		if complete {
			included = append(included, s.ID)
			matrix = append(matrix, row)
		} else {
			excluded = append(excluded, s.ID)
		}
	}
	return included, excluded, matrix
}

// measure resolves one test value, consolidating repeated trials into their
// arithmetic mean. A group with any missing trial counts as missing.
func (e *Extractor) measure(s cohort.Subject, test core.VariableKey) (float64, bool) {
	if trials, grouped := e.trialGroups[test]; grouped {
		sum := 0.0
		for _, trial := range trials {
			v, ok := s.Scores[trial]
			if !ok || v.IsMissing() {
				return 0, false
			}
			sum += v.Float
		}
		return sum / float64(len(trials)), true
	}
	v, ok := s.Scores[test]
	if !ok || v.IsMissing() {
		return 0, false
	}
	return v.Float, true
}

func (e *Extractor) buildLoadings(rotated *mat.Dense, p, k int) *factors.Loadings {
	l := &factors.Loadings{
		Tests:             append([]core.VariableKey(nil), e.tests...),
		Domains:           append([]factors.DomainLabel(nil), e.mapping.ComponentDomains...),
		Matrix:            make([][]float64, p),
		VarianceExplained: make([]float64, k),
	}
	for i := 0; i < p; i++ {
		l.Matrix[i] = make([]float64, k)
		for j := 0; j < k; j++ {
			l.Matrix[i][j] = rotated.At(i, j)
		}
	}
	for j := 0; j < k; j++ {
		ss := 0.0
		for i := 0; i < p; i++ {
			ss += l.Matrix[i][j] * l.Matrix[i][j]
		}
		l.VarianceExplained[j] = ss / float64(p)
	}
	return l
}

// verifyMapping checks the analyst's component-to-domain assignment against
// the realized loading pattern: each domain's marker tests must load most
// heavily on the component assigned to that domain. A mismatch means the
// mapping must be re-inspected, not silently relabeled.
func (e *Extractor) verifyMapping(l *factors.Loadings) error {
	testIndex := make(map[core.VariableKey]int, len(l.Tests))
	for i, t := range l.Tests {
		testIndex[t] = i
	}
	for comp, domain := range e.mapping.ComponentDomains {
		for _, marker := range e.mapping.MarkerTests[domain] {
			i, ok := testIndex[marker]
			if !ok {
				return errors.ConfigInvalid(
					fmt.Sprintf("marker test %s for domain %s is not in the battery", marker, domain))
			}
			dominant := 0
			for j := 1; j < len(l.Matrix[i]); j++ {
				if math.Abs(l.Matrix[i][j]) > math.Abs(l.Matrix[i][dominant]) {
					dominant = j
				}
			}
			if dominant != comp {
				return errors.ValidationError(fmt.Sprintf(
					"marker test %s loads dominantly on component %d, but domain %s is mapped to component %d; re-verify the component-to-domain mapping",
					marker, dominant, domain, comp))
			}
		}
	}
	return nil
}

// scoreSubjects computes regression-method component scores, Z L (L'L)^-1,
// re-centered so each domain's population mean is exactly zero
func scoreSubjects(z, rotated *mat.Dense) ([][]float64, error) {
	n, _ := z.Dims()
	_, k := rotated.Dims()

	var ltl mat.Dense
	ltl.Mul(rotated.T(), rotated)
	var inv mat.Dense
	if err := inv.Inverse(&ltl); err != nil {
		return nil, errors.New(errors.CodeNonConvergence, "singular loading cross-product in scoring")
	}
	var weights mat.Dense
	weights.Mul(rotated, &inv)
	var raw mat.Dense
	raw.Mul(z, &weights)

	scores := make([][]float64, n)
	for j := 0; j < k; j++ {
		mean := 0.0
		for i := 0; i < n; i++ {
			mean += raw.At(i, j)
		}
		mean /= float64(n)
		for i := 0; i < n; i++ {
			if scores[i] == nil {
				scores[i] = make([]float64, k)
			}
			scores[i][j] = raw.At(i, j) - mean
		}
	}
	return scores, nil
}
