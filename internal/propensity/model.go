package propensity

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"golang.org/x/sync/errgroup"

	"gocohort/domain/cohort"
	"gocohort/domain/weighting"
	"gocohort/internal"
	"gocohort/internal/errors"
)

// Config holds the boosting hyperparameters. The ensemble is deliberately
// large; the stopping rules, not the tree count, decide how much of it is
// used.
type Config struct {
	Trees     int     // ensemble size
	Depth     int     // interaction depth per tree
	Shrinkage float64 // learning rate
	Subsample float64 // bag fraction of subjects per iteration
	MinNode   int     // minimum subjects per leaf
	EvalEvery int     // balance evaluation grid step
	Seed      int64
	Epsilon   float64 // degeneracy bound on fitted probabilities
}

// DefaultConfig returns the study defaults for a given seed
func DefaultConfig(seed int64) Config {
	return Config{
		Trees:     20000,
		Depth:     3,
		Shrinkage: 0.01,
		Subsample: 0.5,
		MinNode:   10,
		EvalEvery: 100,
		Seed:      seed,
		Epsilon:   1e-6,
	}
}

// Validate checks the hyperparameters
func (c Config) Validate() error {
	if c.Trees <= 0 || c.Depth <= 0 || c.MinNode <= 0 || c.EvalEvery <= 0 {
		return errors.ConfigInvalid("tree count, depth, min node and eval step must be positive")
	}
	if c.Shrinkage <= 0 || c.Shrinkage >= 1 {
		return errors.ConfigInvalid("shrinkage must be in (0,1)")
	}
	if c.Subsample <= 0 || c.Subsample > 1 {
		return errors.ConfigInvalid("subsample fraction must be in (0,1]")
	}
	return nil
}

// Result is the fitted output for one candidate stopping rule
type Result struct {
	Propensities *weighting.PropensitySet
	Balance      *weighting.BalanceTable
}

// Model estimates P(exposure category | covariates) for the four-level
// exposure with multinomial gradient boosting, tuned against covariate
// balance rather than a fixed iteration count. It returns one result per
// candidate stopping rule; choosing among them is the analyst's call and
// happens outside this package.
type Model struct {
	cfg Config
	log *internal.Logger
}

// NewModel creates a propensity model with the given hyperparameters
func NewModel(cfg Config, logger *internal.Logger) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = internal.DefaultLogger
	}
	return &Model{cfg: cfg, log: logger}, nil
}

// Fit runs the boosting loop and snapshots, per stopping rule, the iteration
// minimizing that rule's balance summary over all pairwise category
// comparisons. Only the ATE estimand is implemented; ATT is refused loudly
// because the study design is ATE and silently producing ATT weights would
// be wrong.
func (m *Model) Fit(ctx context.Context, c *cohort.Cohort, covariates []cohort.Covariate, estimand weighting.Estimand, rules []weighting.StopRule) (map[weighting.StopRule]*Result, error) {
	if err := estimand.Validate(); err != nil {
		return nil, err
	}
	if estimand != weighting.EstimandATE {
		return nil, errors.ConfigInvalid(fmt.Sprintf("estimand %s is not implemented; this study weights for ATE", estimand))
	}
	if len(rules) == 0 {
		rules = weighting.AllStopRules()
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}

	columns, err := BuildCovariateColumns(c, covariates)
	if err != nil {
		return nil, err
	}
	colValues := make([][]float64, len(columns))
	for j, col := range columns {
		colValues[j] = col.Values
	}
	catIdx, err := c.CategoryIndices()
	if err != nil {
		return nil, err
	}
	caseWeights := c.BaseWeights()

	n := c.Size()
	k := cohort.NumCategories
	if n < 4*m.cfg.MinNode {
		return nil, errors.ValidationError(fmt.Sprintf("cohort of %d subjects is too small to boost", n))
	}

	state := newBoostState(n, k, catIdx, caseWeights)
	rng := rand.New(rand.NewSource(m.cfg.Seed))
	bagSize := int(math.Ceil(m.cfg.Subsample * float64(n)))

	best := make(map[weighting.StopRule]*snapshot, len(rules))

	m.log.Info("propensity boosting: %d subjects, %d design columns, %d trees, depth %d",
		n, len(columns), m.cfg.Trees, m.cfg.Depth)

	for iter := 1; iter <= m.cfg.Trees; iter++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "boosting cancelled")
		}

		state.updateProbs()
		bag := sampleBag(rng, n, bagSize)

		if err := m.growIteration(ctx, state, colValues, bag); err != nil {
			return nil, err
		}

		if iter%m.cfg.EvalEvery == 0 || iter == m.cfg.Trees {
			state.updateProbs()
			m.evaluate(state, columns, catIdx, rules, iter, best)
		}
	}

	results := make(map[weighting.StopRule]*Result, len(rules))
	for _, rule := range rules {
		snap := best[rule]
		if snap == nil {
			return nil, errors.New(errors.CodeNonConvergence,
				fmt.Sprintf("no balance evaluation recorded for rule %s", rule))
		}
		set := &weighting.PropensitySet{
			Rule:      rule,
			Iteration: snap.iteration,
			Subjects:  c.SubjectIDs(),
			Probs:     snap.probs,
			Criterion: snap.criterion,
		}
		if err := set.Validate(m.cfg.Epsilon, 1e-9); err != nil {
			return nil, err
		}
		results[rule] = &Result{Propensities: set, Balance: snap.balance}
		m.log.Info("rule %s selects iteration %d (criterion %.4f, ESS %.1f)",
			rule, snap.iteration, snap.criterion, snap.balance.EffectiveSampleSize)
	}
	return results, nil
}

// growIteration fits one gradient tree per exposure category; the four fits
// are independent given the current probabilities, so they run concurrently
func (m *Model) growIteration(ctx context.Context, st *boostState, colValues [][]float64, bag []int) error {
	g, _ := errgroup.WithContext(ctx)
	params := treeParams{maxDepth: m.cfg.Depth, minNode: m.cfg.MinNode}
	scale := m.cfg.Shrinkage * float64(st.k-1) / float64(st.k)

	for class := 0; class < st.k; class++ {
		class := class
		g.Go(func() error {
			grad := make([]float64, st.n)
			hess := make([]float64, st.n)
			for i := 0; i < st.n; i++ {
				p := st.probs[i][class]
				y := 0.0
				if st.catIdx[i] == class {
					y = 1
				}
				grad[i] = y - p
				hess[i] = p * (1 - p)
			}
			tree := fitTree(colValues, grad, hess, st.caseWeights, bag, params)
			for i := 0; i < st.n; i++ {
				st.scores[class][i] += scale * tree.predict(colValues, i)
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate derives candidate ATE weights from the current probabilities and
// updates each rule's best snapshot
func (m *Model) evaluate(st *boostState, columns []CovariateColumn, catIdx []int, rules []weighting.StopRule, iter int, best map[weighting.StopRule]*snapshot) {
	weights := make([]float64, st.n)
	for i := 0; i < st.n; i++ {
		weights[i] = st.caseWeights[i] / st.probs[i][catIdx[i]]
	}
	rescaleToMeanOne(weights)

	// One table serves every rule; only the summary differs
	table := ComputeBalance(columns, catIdx, weights, "")
	for _, rule := range rules {
		criterion := Summarize(table, rule)
		cur := best[rule]
		if cur == nil || criterion < cur.criterion {
			best[rule] = &snapshot{
				iteration: iter,
				criterion: criterion,
				probs:     st.copyProbs(),
				balance:   retag(table, rule),
			}
		}
	}
	m.log.Debug("iteration %d: es.mean=%.4f ks.max=%.4f",
		iter, Summarize(table, weighting.StopESMean), Summarize(table, weighting.StopKSMax))
}

type snapshot struct {
	iteration int
	criterion float64
	probs     [][]float64
	balance   *weighting.BalanceTable
}

// boostState carries the additive scores and derived probabilities
type boostState struct {
	n, k        int
	catIdx      []int
	caseWeights []float64
	scores      [][]float64 // scores[class][subject]
	probs       [][]float64 // probs[subject][class]
}

func newBoostState(n, k int, catIdx []int, caseWeights []float64) *boostState {
	st := &boostState{
		n:           n,
		k:           k,
		catIdx:      catIdx,
		caseWeights: caseWeights,
		scores:      make([][]float64, k),
		probs:       make([][]float64, n),
	}
	// Initialize scores at the weighted log priors
	counts := make([]float64, k)
	total := 0.0
	for i := 0; i < n; i++ {
		counts[catIdx[i]] += caseWeights[i]
		total += caseWeights[i]
	}
	for class := 0; class < k; class++ {
		st.scores[class] = make([]float64, n)
		prior := math.Log(counts[class] / total)
		for i := 0; i < n; i++ {
			st.scores[class][i] = prior
		}
	}
	for i := 0; i < n; i++ {
		st.probs[i] = make([]float64, k)
	}
	return st
}

// updateProbs recomputes softmax probabilities from the additive scores
func (st *boostState) updateProbs() {
	for i := 0; i < st.n; i++ {
		max := st.scores[0][i]
		for class := 1; class < st.k; class++ {
			if st.scores[class][i] > max {
				max = st.scores[class][i]
			}
		}
		sum := 0.0
		for class := 0; class < st.k; class++ {
			e := math.Exp(st.scores[class][i] - max)
			st.probs[i][class] = e
			sum += e
		}
		for class := 0; class < st.k; class++ {
			st.probs[i][class] /= sum
		}
	}
}

func (st *boostState) copyProbs() [][]float64 {
	out := make([][]float64, st.n)
	for i := range st.probs {
		out[i] = append([]float64(nil), st.probs[i]...)
	}
	return out
}

func sampleBag(rng *rand.Rand, n, size int) []int {
	if size >= n {
		bag := make([]int, n)
		for i := range bag {
			bag[i] = i
		}
		return bag
	}
	bag := append([]int(nil), rng.Perm(n)[:size]...)
	sort.Ints(bag)
	return bag
}

func rescaleToMeanOne(w []float64) {
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	if sum == 0 {
		return
	}
	mean := sum / float64(len(w))
	for i := range w {
		w[i] /= mean
	}
}

func retag(table *weighting.BalanceTable, rule weighting.StopRule) *weighting.BalanceTable {
	out := &weighting.BalanceTable{
		Rule:                rule,
		Records:             make([]weighting.BalanceRecord, len(table.Records)),
		EffectiveSampleSize: table.EffectiveSampleSize,
	}
	copy(out.Records, table.Records)
	for i := range out.Records {
		out.Records[i].Rule = rule
	}
	return out
}
