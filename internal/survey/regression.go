package survey

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
	"gocohort/domain/inference"
	"gocohort/internal/errors"
)

// AdjustmentColumn is one covariate column of the adjusted outcome design
type AdjustmentColumn struct {
	Name   string
	Values []float64
}

// BuildAdjustment expands the named residual-imbalance covariates into
// regression columns: continuous covariates enter as-is, categorical ones as
// indicators for every level except the first (the reference). Missing
// values are a hard error.
func BuildAdjustment(c *cohort.Cohort, covariates []cohort.Covariate, keys []core.VariableKey) ([]AdjustmentColumn, error) {
	kindOf := make(map[core.VariableKey]cohort.CovariateKind, len(covariates))
	for _, cov := range covariates {
		kindOf[cov.Key] = cov.Kind
	}

	var out []AdjustmentColumn
	for _, key := range keys {
		kind, ok := kindOf[key]
		if !ok {
			return nil, errors.ConfigInvalid(fmt.Sprintf("adjustment covariate %s is not in the study covariate list", key))
		}
		switch kind {
		case cohort.CovariateContinuous:
			vals := make([]float64, c.Size())
			for i, s := range c.Subjects {
				v, present := s.Numeric[key]
				if !present || v.IsMissing() {
					return nil, errors.WithCode(errors.CodeMissingData, core.NewMissingValueError(s.ID, key))
				}
				vals[i] = v.Float
			}
			out = append(out, AdjustmentColumn{Name: key.String(), Values: vals})

		case cohort.CovariateCategorical:
			levels := make(map[cohort.Label]bool)
			for i, s := range c.Subjects {
				label, present := s.Labels[key]
				if !present {
					return nil, errors.WithCode(errors.CodeMissingData, core.NewMissingValueError(c.Subjects[i].ID, key))
				}
				levels[label] = true
			}
			ordered := make([]cohort.Label, 0, len(levels))
			for l := range levels {
				ordered = append(ordered, l)
			}
			sort.Slice(ordered, func(a, b int) bool { return ordered[a] < ordered[b] })
			// First level is the reference
			for _, level := range ordered[1:] {
				vals := make([]float64, c.Size())
				for i, s := range c.Subjects {
					if s.Labels[key] == level {
						vals[i] = 1
					}
				}
				out = append(out, AdjustmentColumn{
					Name:   fmt.Sprintf("%s=%s", key, level),
					Values: vals,
				})
			}
		}
	}
	return out, nil
}

// FitWLS fits a survey-weighted linear model of the outcome on exposure
// category (reference level None), optionally adjusted for residual-imbalance
// covariates. Standard errors come from refitting under every replicate
// weight vector; intervals are 95% Wald.
func FitWLS(d *Design, runID core.RunID, catIdx []int, outcome []float64, adj []AdjustmentColumn, domain factors.DomainLabel, adjustedFor []core.VariableKey) (*inference.ModelFit, error) {
	n := d.Size()
	if len(outcome) != n || len(catIdx) != n {
		return nil, errors.ValidationError("outcome and categories must match the design")
	}

	names, x := designMatrix(catIdx, adj, n)
	p := len(names)
	if n <= p {
		return nil, errors.WithCode(errors.CodeValidationError,
			fmt.Errorf("%w: %d subjects for %d regression terms", core.ErrInsufficientData, n, p))
	}

	beta, err := solveWLS(x, outcome, d.Weights, n, p)
	if err != nil {
		return nil, err
	}

	// Replicate refits for variance estimation
	repBetas := make([][]float64, 0, len(d.Replicates))
	for r, w := range d.Replicates {
		rb, err := solveWLS(x, outcome, w, n, p)
		if err != nil {
			return nil, errors.Wrapf(err, "replicate %d refit failed", r)
		}
		repBetas = append(repBetas, rb)
	}
	ses := replicateSE(repBetas, p)

	terms := make([]inference.Term, p)
	for j := 0; j < p; j++ {
		terms[j] = inference.Term{
			Name:     names[j],
			Estimate: beta[j],
			SE:       ses[j],
			CILower:  beta[j] - z975*ses[j],
			CIUpper:  beta[j] + z975*ses[j],
		}
	}

	return &inference.ModelFit{
		ID:          core.ArtifactID(core.NewID()),
		RunID:       runID,
		Outcome:     domain,
		Adjusted:    len(adj) > 0,
		AdjustedFor: adjustedFor,
		Terms:       terms,
		WeightKey:   d.WeightKey,
		Replicates:  len(d.Replicates),
		SampleSize:  n,
		RSquared:    weightedR2(x, outcome, d.Weights, beta, n, p),
		CreatedAt:   core.Now(),
	}, nil
}

// designMatrix builds the flat row-major design: intercept, three category
// indicators with None as reference, then adjustment columns
func designMatrix(catIdx []int, adj []AdjustmentColumn, n int) ([]string, []float64) {
	nonRef := cohort.Categories()[1:]
	p := 1 + len(nonRef) + len(adj)
	names := make([]string, 0, p)
	names = append(names, "Intercept")
	for _, c := range nonRef {
		names = append(names, c.String())
	}
	for _, a := range adj {
		names = append(names, a.Name)
	}

	x := make([]float64, n*p)
	for i := 0; i < n; i++ {
		row := x[i*p : (i+1)*p]
		row[0] = 1
		for j, c := range nonRef {
			if catIdx[i] == c.Index() {
				row[1+j] = 1
			}
		}
		for j, a := range adj {
			row[1+len(nonRef)+j] = a.Values[i]
		}
	}
	return names, x
}

// solveWLS solves the weighted least squares problem by QR on the
// square-root-weight scaled system
func solveWLS(x, y, w []float64, n, p int) ([]float64, error) {
	xw := mat.NewDense(n, p, nil)
	yw := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(w[i])
		for j := 0; j < p; j++ {
			xw.Set(i, j, sw*x[i*p+j])
		}
		yw.SetVec(i, sw*y[i])
	}

	var qr mat.QR
	qr.Factorize(xw)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, yw); err != nil {
		return nil, errors.WithCode(errors.CodeNonConvergence,
			errors.Wrap(err, "weighted least squares solve failed (singular design)"))
	}
	beta := make([]float64, p)
	for j := 0; j < p; j++ {
		beta[j] = sol.AtVec(j)
	}
	return beta, nil
}

func replicateSE(repBetas [][]float64, p int) []float64 {
	ses := make([]float64, p)
	r := float64(len(repBetas))
	if r < 2 {
		return ses
	}
	for j := 0; j < p; j++ {
		mean := 0.0
		for _, b := range repBetas {
			mean += b[j] / r
		}
		ss := 0.0
		for _, b := range repBetas {
			d := b[j] - mean
			ss += d * d
		}
		ses[j] = math.Sqrt(ss / (r - 1))
	}
	return ses
}

func weightedR2(x, y, w []float64, beta []float64, n, p int) float64 {
	var wsum, ymean float64
	for i := 0; i < n; i++ {
		ymean += w[i] * y[i]
		wsum += w[i]
	}
	if wsum == 0 {
		return 0
	}
	ymean /= wsum

	var rss, tss float64
	for i := 0; i < n; i++ {
		pred := 0.0
		for j := 0; j < p; j++ {
			pred += x[i*p+j] * beta[j]
		}
		rss += w[i] * (y[i] - pred) * (y[i] - pred)
		tss += w[i] * (y[i] - ymean) * (y[i] - ymean)
	}
	if tss == 0 {
		return 0
	}
	return 1 - rss/tss
}
