package survey

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"gocohort/domain/cohort"
	"gocohort/domain/factors"
	"gocohort/domain/inference"
	"gocohort/internal/errors"
)

// z975 is the 0.975 standard normal quantile used for 95% Wald intervals
var z975 = distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.975)

// CategoryMeans computes the survey-weighted mean of one outcome per
// exposure category, with the replicate covariance across categories
func CategoryMeans(d *Design, catIdx []int, outcome []float64, domain factors.DomainLabel) (*inference.CategoryMeans, error) {
	if len(outcome) != d.Size() || len(catIdx) != d.Size() {
		return nil, errors.ValidationError(fmt.Sprintf(
			"outcome (%d) and categories (%d) must match the design (%d)",
			len(outcome), len(catIdx), d.Size()))
	}

	point, err := groupMeans(outcome, catIdx, d.Weights)
	if err != nil {
		return nil, err
	}

	reps := make([][]float64, len(d.Replicates))
	for r, w := range d.Replicates {
		m, err := groupMeans(outcome, catIdx, w)
		if err != nil {
			return nil, errors.Wrapf(err, "replicate %d", r)
		}
		reps[r] = m
	}

	k := cohort.NumCategories
	cov := make([][]float64, k)
	for a := 0; a < k; a++ {
		cov[a] = make([]float64, k)
	}
	rcount := float64(len(reps))
	if rcount > 1 {
		repMean := make([]float64, k)
		for _, m := range reps {
			for j := range m {
				repMean[j] += m[j] / rcount
			}
		}
		for _, m := range reps {
			for a := 0; a < k; a++ {
				for b := 0; b < k; b++ {
					cov[a][b] += (m[a] - repMean[a]) * (m[b] - repMean[b]) / (rcount - 1)
				}
			}
		}
	}

	return &inference.CategoryMeans{
		Outcome:    domain,
		Means:      point,
		Covariance: cov,
		WeightKey:  d.WeightKey,
	}, nil
}

// Contrast computes one pairwise difference of weighted category means with a
// replicate-based standard error. contrast(A,B) = -contrast(B,A).
func Contrast(d *Design, catIdx []int, outcome []float64, domain factors.DomainLabel, a, b cohort.ExposureCategory) (*inference.Contrast, error) {
	ai, bi := a.Index(), b.Index()
	if ai < 0 || bi < 0 {
		return nil, errors.ValidationError(fmt.Sprintf("unknown contrast categories %s, %s", a, b))
	}

	point, err := groupMeans(outcome, catIdx, d.Weights)
	if err != nil {
		return nil, err
	}
	est := point[ai] - point[bi]

	var sum, sumSq float64
	count := 0.0
	for r, w := range d.Replicates {
		m, err := groupMeans(outcome, catIdx, w)
		if err != nil {
			return nil, errors.Wrapf(err, "replicate %d", r)
		}
		diff := m[ai] - m[bi]
		sum += diff
		sumSq += diff * diff
		count++
	}
	se := 0.0
	if count > 1 {
		mean := sum / count
		se = math.Sqrt((sumSq - count*mean*mean) / (count - 1))
	}

	return &inference.Contrast{
		Outcome:   domain,
		CategoryA: a,
		CategoryB: b,
		Estimate:  est,
		SE:        se,
		CILower:   est - z975*se,
		CIUpper:   est + z975*se,
		WeightKey: d.WeightKey,
	}, nil
}

// AllContrasts emits the six pairwise differences between the four exposure
// categories
func AllContrasts(d *Design, catIdx []int, outcome []float64, domain factors.DomainLabel) ([]inference.Contrast, error) {
	cats := cohort.Categories()
	var out []inference.Contrast
	for a := 0; a < len(cats); a++ {
		for b := a + 1; b < len(cats); b++ {
			c, err := Contrast(d, catIdx, outcome, domain, cats[b], cats[a])
			if err != nil {
				return nil, err
			}
			out = append(out, *c)
		}
	}
	return out, nil
}

// groupMeans computes the weighted outcome mean per exposure category,
// erroring on a category with no weight
func groupMeans(outcome []float64, catIdx []int, w []float64) ([]float64, error) {
	sums := make([]float64, cohort.NumCategories)
	wsums := make([]float64, cohort.NumCategories)
	for i := range outcome {
		sums[catIdx[i]] += w[i] * outcome[i]
		wsums[catIdx[i]] += w[i]
	}
	means := make([]float64, cohort.NumCategories)
	for k := range means {
		if wsums[k] == 0 {
			return nil, errors.ValidationError(fmt.Sprintf(
				"exposure category %s carries no weight", cohort.Categories()[k]))
		}
		means[k] = sums[k] / wsums[k]
	}
	return means, nil
}
