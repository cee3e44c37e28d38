package sensitivity

import (
	"fmt"
	"math"
	"strings"

	"gonum.org/v1/gonum/mat"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
	"gocohort/domain/inference"
	"gocohort/internal/errors"
	"gocohort/internal/survey"
)

// Analyzer quantifies, for one treatment contrast, how strong an unmeasured
// confounder would have to be, relative to a named benchmark covariate
// group, to reduce the estimated effect to zero. Each contrast is analyzed
// independently; the statistics are not symmetric across contrasts.
type Analyzer struct {
	benchmark  []core.VariableKey
	multiplier float64
}

// NewAnalyzer creates an analyzer with the study's benchmark covariate group
// and bound multiplier (k times the benchmark's strength)
func NewAnalyzer(benchmark []core.VariableKey, multiplier float64) (*Analyzer, error) {
	if len(benchmark) == 0 {
		return nil, errors.ConfigInvalid("sensitivity benchmark covariate group is empty")
	}
	if multiplier <= 0 {
		return nil, errors.ConfigInvalid("bound multiplier must be positive")
	}
	return &Analyzer{benchmark: benchmark, multiplier: multiplier}, nil
}

// Analyze fits an ordinary (or simply-weighted) linear model of the outcome
// on exposure-category indicators and the covariate set, then computes
// partial-R2 bias-factor statistics for the chosen treatment contrast.
// weights may be nil for an unweighted fit.
func (a *Analyzer) Analyze(outcome []float64, catIdx []int, adjust []survey.AdjustmentColumn, weights []float64, domain factors.DomainLabel, treatment cohort.ExposureCategory) (*inference.SensitivityResult, error) {
	if treatment.Index() <= 0 {
		return nil, errors.ValidationError(fmt.Sprintf(
			"treatment contrast must be a non-reference category, got %q", treatment))
	}
	n := len(outcome)
	if weights == nil {
		weights = make([]float64, n)
		for i := range weights {
			weights[i] = 1
		}
	}

	full, err := fitOLS(outcome, catIdx, adjust, weights)
	if err != nil {
		return nil, err
	}
	tIdx := full.termIndex(treatment.String())
	if tIdx < 0 {
		return nil, errors.ValidationError(fmt.Sprintf("no term for category %s", treatment))
	}

	dof := float64(n - full.p)
	if dof <= 0 {
		return nil, errors.WithCode(errors.CodeValidationError, core.ErrInsufficientData)
	}
	tStat := full.beta[tIdx] / full.se[tIdx]
	partialR2 := tStat * tStat / (tStat*tStat + dof)
	partialF2 := tStat * tStat / dof

	// Robustness value: the partial R2 an unmeasured confounder needs with
	// both treatment and outcome to drive the estimate to zero
	f := math.Abs(tStat) / math.Sqrt(dof)
	f2 := f * f
	rv := 0.5 * (math.Sqrt(f2*f2+4*f2) - f2)

	// Benchmark strength: partial R2 of the benchmark covariate group from
	// the R2 drop when the group is removed
	restricted, err := fitOLS(outcome, catIdx, dropBenchmark(adjust, a.benchmark), weights)
	if err != nil {
		return nil, err
	}
	benchR2 := 0.0
	if restricted.r2 < 1 {
		benchR2 = (full.r2 - restricted.r2) / (1 - restricted.r2)
	}
	if benchR2 < 0 {
		benchR2 = 0
	}

	// Worst-case bias of a confounder k times as strong as the benchmark on
	// both partial-R2 axes
	r2dz := clampR2(a.multiplier * benchR2)
	r2yz := clampR2(a.multiplier * benchR2)
	bias := full.se[tIdx] * math.Sqrt(dof) * math.Sqrt(r2yz*r2dz/(1-r2dz))
	adjusted := full.beta[tIdx]
	if adjusted >= 0 {
		adjusted -= bias
	} else {
		adjusted += bias
	}

	return &inference.SensitivityResult{
		Outcome:               domain,
		Treatment:             treatment,
		PartialR2:             partialR2,
		PartialF2:             partialF2,
		RobustnessValue:       rv,
		Benchmark:             a.benchmark,
		BenchmarkPartialR2:    benchR2,
		BoundMultiplier:       a.multiplier,
		AdjustedEstimateBound: adjusted,
	}, nil
}

func clampR2(v float64) float64 {
	if v >= 0.99 {
		return 0.99
	}
	return v
}

// dropBenchmark removes the benchmark group's columns (a continuous column
// named "key" or categorical indicators named "key=level")
func dropBenchmark(adjust []survey.AdjustmentColumn, benchmark []core.VariableKey) []survey.AdjustmentColumn {
	isBench := func(name string) bool {
		for _, b := range benchmark {
			if name == b.String() || strings.HasPrefix(name, b.String()+"=") {
				return true
			}
		}
		return false
	}
	var out []survey.AdjustmentColumn
	for _, col := range adjust {
		if !isBench(col.Name) {
			out = append(out, col)
		}
	}
	return out
}

// olsFit is a classical linear model fit with model-based standard errors
type olsFit struct {
	names []string
	beta  []float64
	se    []float64
	r2    float64
	p     int
}

func (f *olsFit) termIndex(name string) int {
	for j, n := range f.names {
		if n == name {
			return j
		}
	}
	return -1
}

// fitOLS fits outcome ~ category indicators + adjustment columns with
// optional case weights and classical covariance from the Gram inverse
func fitOLS(outcome []float64, catIdx []int, adjust []survey.AdjustmentColumn, weights []float64) (*olsFit, error) {
	n := len(outcome)
	nonRef := cohort.Categories()[1:]
	p := 1 + len(nonRef) + len(adjust)
	if n <= p {
		return nil, errors.WithCode(errors.CodeValidationError,
			fmt.Errorf("%w: %d observations for %d terms", core.ErrInsufficientData, n, p))
	}

	names := make([]string, 0, p)
	names = append(names, "Intercept")
	for _, c := range nonRef {
		names = append(names, c.String())
	}
	for _, a := range adjust {
		names = append(names, a.Name)
	}

	xw := mat.NewDense(n, p, nil)
	yw := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		sw := math.Sqrt(weights[i])
		xw.Set(i, 0, sw)
		for j, c := range nonRef {
			if catIdx[i] == c.Index() {
				xw.Set(i, 1+j, sw)
			}
		}
		for j, a := range adjust {
			xw.Set(i, 1+len(nonRef)+j, sw*a.Values[i])
		}
		yw.SetVec(i, sw*outcome[i])
	}

	var gram mat.Dense
	gram.Mul(xw.T(), xw)
	var gramInv mat.Dense
	if err := gramInv.Inverse(&gram); err != nil {
		return nil, errors.WithCode(errors.CodeNonConvergence,
			errors.Wrap(err, "singular design in sensitivity fit"))
	}
	var xty mat.VecDense
	xty.MulVec(xw.T(), yw)
	var betaV mat.VecDense
	betaV.MulVec(&gramInv, &xty)

	beta := make([]float64, p)
	for j := 0; j < p; j++ {
		beta[j] = betaV.AtVec(j)
	}

	// Residual variance and coefficient SEs
	var rss, tss, wsum, ymean float64
	for i := 0; i < n; i++ {
		ymean += weights[i] * outcome[i]
		wsum += weights[i]
	}
	ymean /= wsum
	for i := 0; i < n; i++ {
		pred := 0.0
		for j := 0; j < p; j++ {
			pred += xw.At(i, j) * beta[j]
		}
		resid := yw.AtVec(i) - pred
		rss += resid * resid
		dev := outcome[i] - ymean
		tss += weights[i] * dev * dev
	}
	sigma2 := rss / float64(n-p)
	se := make([]float64, p)
	for j := 0; j < p; j++ {
		se[j] = math.Sqrt(sigma2 * gramInv.At(j, j))
	}

	r2 := 0.0
	if tss > 0 {
		r2 = 1 - rss/tss
	}
	return &olsFit{names: names, beta: beta, se: se, r2: r2, p: p}, nil
}
