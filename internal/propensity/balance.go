package propensity

import (
	"fmt"
	"math"
	"sort"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/weighting"
	"gocohort/internal/errors"
)

// CovariateColumn is one numeric column of the propensity design: a
// continuous covariate as-is, or one indicator per observed level of a
// categorical covariate (the Unmapped level included, it is an observed
// category).
type CovariateColumn struct {
	Key    core.VariableKey
	Level  cohort.Label // set for categorical indicators
	Values []float64
}

// BuildCovariateColumns expands the study covariates into numeric columns in
// cohort order. Missing continuous covariate values are a hard error: the
// propensity model takes complete covariate data by design.
func BuildCovariateColumns(c *cohort.Cohort, covariates []cohort.Covariate) ([]CovariateColumn, error) {
	n := c.Size()
	var columns []CovariateColumn
	for _, cov := range covariates {
		switch cov.Kind {
		case cohort.CovariateContinuous:
			vals := make([]float64, n)
			for i, s := range c.Subjects {
				v, ok := s.Numeric[cov.Key]
				if !ok || v.IsMissing() {
					return nil, errors.WithCode(errors.CodeMissingData,
						core.NewMissingValueError(s.ID, cov.Key))
				}
				vals[i] = v.Float
			}
			columns = append(columns, CovariateColumn{Key: cov.Key, Values: vals})

		case cohort.CovariateCategorical:
			levels := make(map[cohort.Label]bool)
			for i, s := range c.Subjects {
				label, ok := s.Labels[cov.Key]
				if !ok {
					return nil, errors.WithCode(errors.CodeMissingData,
						core.NewMissingValueError(c.Subjects[i].ID, cov.Key))
				}
				levels[label] = true
			}
			ordered := make([]cohort.Label, 0, len(levels))
			for l := range levels {
				ordered = append(ordered, l)
			}
			sort.Slice(ordered, func(a, b int) bool { return ordered[a] < ordered[b] })
			for _, level := range ordered {
				vals := make([]float64, n)
				for i, s := range c.Subjects {
					if s.Labels[cov.Key] == level {
						vals[i] = 1
					}
				}
				columns = append(columns, CovariateColumn{Key: cov.Key, Level: level, Values: vals})
			}

		default:
			return nil, errors.ConfigInvalid(fmt.Sprintf("covariate %s has unknown kind %q", cov.Key, cov.Kind))
		}
	}
	return columns, nil
}

// categoryPairs enumerates the six unordered pairs of exposure categories
func categoryPairs() [][2]cohort.ExposureCategory {
	cats := cohort.Categories()
	var pairs [][2]cohort.ExposureCategory
	for a := 0; a < len(cats); a++ {
		for b := a + 1; b < len(cats); b++ {
			pairs = append(pairs, [2]cohort.ExposureCategory{cats[a], cats[b]})
		}
	}
	return pairs
}

// ComputeBalance builds the full balance table for one candidate weighting:
// per covariate column, per pairwise category comparison, the standardized
// mean difference and KS statistic before and after weighting.
func ComputeBalance(columns []CovariateColumn, catIdx []int, weights []float64, rule weighting.StopRule) *weighting.BalanceTable {
	unit := make([]float64, len(catIdx))
	for i := range unit {
		unit[i] = 1
	}

	table := &weighting.BalanceTable{
		Rule:                rule,
		EffectiveSampleSize: weighting.EffectiveSampleSize(weights),
	}
	for _, pair := range categoryPairs() {
		a, b := pair[0].Index(), pair[1].Index()
		for _, col := range columns {
			rec := weighting.BalanceRecord{
				Covariate:     col.Key,
				Level:         col.Level,
				CategoryA:     pair[0],
				CategoryB:     pair[1],
				Rule:          rule,
				UnweightedSMD: standardizedDifference(col.Values, catIdx, unit, a, b),
				WeightedSMD:   standardizedDifference(col.Values, catIdx, weights, a, b),
				UnweightedKS:  ksStatistic(col.Values, catIdx, unit, a, b),
				WeightedKS:    ksStatistic(col.Values, catIdx, weights, a, b),
			}
			table.Records = append(table.Records, rec)
		}
	}
	return table
}

// Summarize reduces a balance table to the scalar its stopping rule
// minimizes: the mean or maximum of pairwise |SMD| or KS values.
func Summarize(table *weighting.BalanceTable, rule weighting.StopRule) float64 {
	var sum, max float64
	n := 0
	for _, r := range table.Records {
		var v float64
		switch rule {
		case weighting.StopESMean, weighting.StopESMax:
			v = math.Abs(r.WeightedSMD)
		case weighting.StopKSMean, weighting.StopKSMax:
			v = r.WeightedKS
		}
		sum += v
		if v > max {
			max = v
		}
		n++
	}
	if n == 0 {
		return 0
	}
	switch rule {
	case weighting.StopESMean, weighting.StopKSMean:
		return sum / float64(n)
	default:
		return max
	}
}

// standardizedDifference is the weighted mean difference between two
// category groups divided by the pooled unweighted standard deviation, so
// that weighting moves the numerator but the scale stays fixed.
func standardizedDifference(x []float64, catIdx []int, w []float64, a, b int) float64 {
	meanA, okA := weightedGroupMean(x, catIdx, w, a)
	meanB, okB := weightedGroupMean(x, catIdx, w, b)
	if !okA || !okB {
		return 0
	}
	sd := pooledSD(x, catIdx, a, b)
	if sd == 0 {
		return 0
	}
	return (meanA - meanB) / sd
}

func weightedGroupMean(x []float64, catIdx []int, w []float64, group int) (float64, bool) {
	var sum, wsum float64
	for i := range x {
		if catIdx[i] == group {
			sum += w[i] * x[i]
			wsum += w[i]
		}
	}
	if wsum == 0 {
		return 0, false
	}
	return sum / wsum, true
}

func pooledSD(x []float64, catIdx []int, a, b int) float64 {
	var varA, varB float64
	var nA, nB int
	meanA, meanB := 0.0, 0.0
	for i := range x {
		switch catIdx[i] {
		case a:
			meanA += x[i]
			nA++
		case b:
			meanB += x[i]
			nB++
		}
	}
	if nA < 2 || nB < 2 {
		return 0
	}
	meanA /= float64(nA)
	meanB /= float64(nB)
	for i := range x {
		switch catIdx[i] {
		case a:
			d := x[i] - meanA
			varA += d * d
		case b:
			d := x[i] - meanB
			varB += d * d
		}
	}
	varA /= float64(nA - 1)
	varB /= float64(nB - 1)
	return math.Sqrt((varA + varB) / 2)
}

// ksStatistic is the supremum distance between the weighted empirical CDFs
// of the two category groups
func ksStatistic(x []float64, catIdx []int, w []float64, a, b int) float64 {
	type point struct {
		value  float64
		weight float64
		group  int
	}
	var pts []point
	var totalA, totalB float64
	for i := range x {
		switch catIdx[i] {
		case a:
			pts = append(pts, point{x[i], w[i], a})
			totalA += w[i]
		case b:
			pts = append(pts, point{x[i], w[i], b})
			totalB += w[i]
		}
	}
	if totalA == 0 || totalB == 0 {
		return 0
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].value < pts[j].value })

	var cdfA, cdfB, max float64
	for i := 0; i < len(pts); {
		j := i
		for j < len(pts) && pts[j].value == pts[i].value {
			if pts[j].group == a {
				cdfA += pts[j].weight / totalA
			} else {
				cdfB += pts[j].weight / totalB
			}
			j++
		}
		if d := math.Abs(cdfA - cdfB); d > max {
			max = d
		}
		i = j
	}
	return max
}
