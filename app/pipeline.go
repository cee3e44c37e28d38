package app

import (
	"context"
	"fmt"
	"time"

	"gocohort/domain/cohort"
	"gocohort/domain/core"
	"gocohort/domain/factors"
	"gocohort/domain/inference"
	"gocohort/domain/weighting"
	"gocohort/internal"
	"gocohort/internal/config"
	"gocohort/internal/errors"
	factoreng "gocohort/internal/factors"
	"gocohort/internal/prep"
	"gocohort/internal/propensity"
	"gocohort/internal/sensitivity"
	"gocohort/internal/survey"
	"gocohort/internal/weights"
	"gocohort/ports"
)

// Pipeline runs one complete analysis: cohort preparation, factor score
// extraction, propensity estimation under every candidate stopping rule,
// weight derivation, survey-weighted inference, and sensitivity analysis.
// Every artifact is persisted through the store before the run returns.
type Pipeline struct {
	reader ports.CohortReader
	store  ports.ArtifactStore
	study  *config.Study
	run    config.RunConfig
	log    *internal.Logger
}

// NewPipeline creates a pipeline over the given ports
func NewPipeline(reader ports.CohortReader, store ports.ArtifactStore, study *config.Study, run config.RunConfig, logger *internal.Logger) *Pipeline {
	return &Pipeline{
		reader: reader,
		store:  store,
		study:  study,
		run:    run,
		log:    logger,
	}
}

// RunResult collects the in-memory outputs of one run; the same artifacts
// are also persisted in the store under RunID.
type RunResult struct {
	RunID       core.RunID
	Loadings    *factors.Loadings
	Scores      *factors.ScoreSet
	Balance     map[weighting.StopRule]*weighting.BalanceTable
	WeightSets  []*weighting.WeightSet
	Means       []*inference.CategoryMeans
	Contrasts   []inference.Contrast
	Fits        []*inference.ModelFit
	Sensitivity []*inference.SensitivityResult
}

// Run executes the full pipeline. Stages fail loudly: missing data,
// degenerate propensities or a mapping mismatch abort the run rather than
// degrade it.
func (p *Pipeline) Run(ctx context.Context) (*RunResult, error) {
	runID := core.RunID(core.NewID())
	started := time.Now()
	p.log.Info("starting run %s", runID)

	// Stage 1: ingest and prepare the cohort.
	raw, err := p.reader.Read(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "cohort ingestion failed")
	}
	preparer := prep.NewPreparer(p.study.Recodings)
	prepared, err := preparer.Prepare(raw)
	if err != nil {
		return nil, errors.Wrap(err, "cohort preparation failed")
	}
	p.log.Info("prepared %d subjects", prepared.Size())

	// Stage 2: rotated principal-component scores for the three domains.
	extractor, err := factoreng.NewExtractor(p.study.TestKeys(), p.study.TrialGroups, p.study.DomainMapping())
	if err != nil {
		return nil, err
	}
	loadings, scores, err := extractor.Extract(prepared)
	if err != nil {
		return nil, errors.Wrap(err, "factor extraction failed")
	}
	if len(scores.Excluded) > 0 {
		p.log.Warn("excluded %d subjects with incomplete test batteries", len(scores.Excluded))
	}

	// Downstream stages run on the scored subjects only, in score order.
	analysis, err := subsetByIDs(prepared, scores.Subjects)
	if err != nil {
		return nil, err
	}
	catIdx, err := analysis.CategoryIndices()
	if err != nil {
		return nil, err
	}
	p.log.Info("analysis sample: %d scored subjects", analysis.Size())

	// Stage 3: multinomial boosting tuned by every candidate stopping rule.
	modelCfg := propensity.DefaultConfig(p.run.Seed)
	modelCfg.Trees = p.run.Trees
	modelCfg.Depth = p.run.Depth
	modelCfg.Shrinkage = p.run.Shrinkage
	model, err := propensity.NewModel(modelCfg, p.log)
	if err != nil {
		return nil, err
	}
	estimand := weighting.Estimand(p.study.Estimand)
	covariates := p.study.CovariateList()
	fitted, err := model.Fit(ctx, analysis, covariates, estimand, weighting.AllStopRules())
	if err != nil {
		return nil, errors.Wrap(err, "propensity estimation failed")
	}

	result := &RunResult{
		RunID:    runID,
		Loadings: loadings,
		Scores:   scores,
		Balance:  make(map[weighting.StopRule]*weighting.BalanceTable),
	}

	// Stage 4: derive and persist weight artifacts for every rule, so the
	// stopping-rule choice stays revisable without refitting.
	deriver, err := weights.NewDeriver(p.study.TruncatePercentile)
	if err != nil {
		return nil, err
	}
	selected := weighting.StopRule(p.study.SelectedStopRule)
	variants := make(map[string]*weighting.WeightSet)
	for _, rule := range weighting.AllStopRules() {
		fit, ok := fitted[rule]
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("no propensity result for rule %s", rule))
		}
		result.Balance[rule] = fit.Balance
		if err := p.store.SaveBalanceTable(ctx, runID, fit.Balance); err != nil {
			return nil, err
		}
		rawWS, truncWS, err := deriver.Derive(runID, analysis, fit.Propensities, estimand)
		if err != nil {
			return nil, errors.Wrap(err, "weight derivation failed for rule "+string(rule))
		}
		for _, ws := range []*weighting.WeightSet{rawWS, truncWS} {
			if err := p.store.SaveWeightSet(ctx, ws); err != nil {
				return nil, err
			}
			result.WeightSets = append(result.WeightSets, ws)
			variants[ws.Key()] = ws
			p.log.Info("weight set %s: ESS %.1f of %d", ws.Key(),
				weighting.EffectiveSampleSize(ws.Values), analysis.Size())
		}
	}

	// Stage 5: survey-weighted inference under the selected rule, raw and
	// truncated variants side by side.
	imbalanced := result.Balance[selected].ImbalancedCovariates(p.study.ImbalanceThreshold)
	if len(imbalanced) > 0 {
		p.log.Warn("residual imbalance above %.2f on %d covariates under %s",
			p.study.ImbalanceThreshold, len(imbalanced), selected)
	}
	adjustment, err := survey.BuildAdjustment(analysis, covariates, imbalanced)
	if err != nil {
		return nil, err
	}
	for _, truncated := range []bool{false, true} {
		ws := variants[weightKey(estimand, selected, truncated)]
		if ws == nil {
			return nil, errors.Internal("selected weight variant missing")
		}
		design, err := survey.NewDesign(ctx, ws, p.run.Replicates, p.run.Seed)
		if err != nil {
			return nil, errors.Wrap(err, "replicate design construction failed")
		}
		if err := p.infer(ctx, runID, design, scores, catIdx, adjustment, imbalanced, result); err != nil {
			return nil, err
		}
	}

	// Stage 6: sensitivity of each contrast of interest to unmeasured
	// confounding, benchmarked against the named covariates.
	if err := p.sensitivity(ctx, runID, analysis, scores, catIdx, covariates, result); err != nil {
		return nil, err
	}

	p.log.Info("run %s complete in %s", runID, time.Since(started).Round(time.Millisecond))
	return result, nil
}

// infer computes category means, all pairwise contrasts and the weighted
// regressions for one weighting variant, persisting as it goes.
func (p *Pipeline) infer(ctx context.Context, runID core.RunID, d *survey.Design, scores *factors.ScoreSet, catIdx []int, adjustment []survey.AdjustmentColumn, imbalanced []core.VariableKey, result *RunResult) error {
	for _, domain := range scores.Domains {
		outcome, err := scores.Column(domain)
		if err != nil {
			return err
		}
		means, err := survey.CategoryMeans(d, catIdx, outcome, domain)
		if err != nil {
			return errors.Wrap(err, "category means failed for "+string(domain))
		}
		result.Means = append(result.Means, means)

		contrasts, err := survey.AllContrasts(d, catIdx, outcome, domain)
		if err != nil {
			return err
		}
		for i := range contrasts {
			if err := p.store.SaveContrast(ctx, runID, &contrasts[i]); err != nil {
				return err
			}
		}
		result.Contrasts = append(result.Contrasts, contrasts...)

		unadjusted, err := survey.FitWLS(d, runID, catIdx, outcome, nil, domain, nil)
		if err != nil {
			return errors.Wrap(err, "unadjusted model failed for "+string(domain))
		}
		fits := []*inference.ModelFit{unadjusted}
		if len(adjustment) > 0 {
			adjusted, err := survey.FitWLS(d, runID, catIdx, outcome, adjustment, domain, imbalanced)
			if err != nil {
				return errors.Wrap(err, "adjusted model failed for "+string(domain))
			}
			fits = append(fits, adjusted)
		}
		for _, fit := range fits {
			if err := p.store.SaveModelFit(ctx, fit); err != nil {
				return err
			}
			result.Fits = append(result.Fits, fit)
		}
	}
	return nil
}

// sensitivity runs the partial-R2 analysis for every contrast of interest
// on every domain score, on the unweighted analysis sample.
func (p *Pipeline) sensitivity(ctx context.Context, runID core.RunID, analysis *cohort.Cohort, scores *factors.ScoreSet, catIdx []int, covariates []cohort.Covariate, result *RunResult) error {
	analyzer, err := sensitivity.NewAnalyzer(p.study.BenchmarkKeys(), p.study.BoundMultiplier)
	if err != nil {
		return err
	}
	keys := make([]core.VariableKey, 0, len(covariates))
	for _, c := range covariates {
		keys = append(keys, c.Key)
	}
	adjust, err := survey.BuildAdjustment(analysis, covariates, keys)
	if err != nil {
		return err
	}
	for _, raw := range p.study.ContrastsOfInterest {
		treatment, err := cohort.ParseExposureCategory(raw)
		if err != nil {
			return err
		}
		for _, domain := range scores.Domains {
			outcome, err := scores.Column(domain)
			if err != nil {
				return err
			}
			s, err := analyzer.Analyze(outcome, catIdx, adjust, nil, domain, treatment)
			if err != nil {
				return errors.Wrap(err, "sensitivity analysis failed for "+string(domain))
			}
			if err := p.store.SaveSensitivity(ctx, runID, s); err != nil {
				return err
			}
			result.Sensitivity = append(result.Sensitivity, s)
		}
	}
	return nil
}

// subsetByIDs restricts the cohort to the given subjects, preserving the
// order of ids. Every id must be present.
func subsetByIDs(c *cohort.Cohort, ids []core.SubjectID) (*cohort.Cohort, error) {
	byID := make(map[core.SubjectID]cohort.Subject, c.Size())
	for _, s := range c.Subjects {
		byID[s.ID] = s
	}
	subjects := make([]cohort.Subject, 0, len(ids))
	for _, id := range ids {
		s, ok := byID[id]
		if !ok {
			return nil, errors.Internal(fmt.Sprintf("scored subject %s not in cohort", id))
		}
		subjects = append(subjects, s)
	}
	return cohort.NewCohort(subjects)
}

func weightKey(estimand weighting.Estimand, rule weighting.StopRule, truncated bool) string {
	ws := weighting.WeightSet{Estimand: estimand, Rule: rule, Truncated: truncated}
	return ws.Key()
}
