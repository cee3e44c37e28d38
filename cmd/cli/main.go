package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gocohort/adapters/sqlite"
	"gocohort/adapters/tabular"
	"gocohort/app"
	"gocohort/domain/core"
	"gocohort/domain/weighting"
	"gocohort/internal"
	"gocohort/internal/config"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// .env is optional; environment variables win either way
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "gocohort",
		Short: "Propensity-weighted cohort analysis of exposure duration and cognitive outcomes",
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newWeightsCmd(),
		newBalanceCmd(),
		newReportCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRunCmd() *cobra.Command {
	var seed int64
	var replicates int
	var trees int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute the full analysis pipeline and persist artifacts",
		Long: `Execute every stage on the configured cohort file: preparation,
factor extraction, propensity estimation under all four stopping rules,
weight derivation, weighted inference and sensitivity analysis.

Input and study configuration come from the environment (COHORT_FILE,
STUDY_FILE, ARTIFACT_DB, ...); flags override the run parameters.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("seed") {
				cfg.Run.Seed = seed
			}
			if cmd.Flags().Changed("replicates") {
				cfg.Run.Replicates = replicates
			}
			if cmd.Flags().Changed("trees") {
				cfg.Run.Trees = trees
			}
			return runPipeline(cmd.Context(), cfg)
		},
	}

	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed for boosting and replicate weights")
	cmd.Flags().IntVar(&replicates, "replicates", 1000, "Bootstrap replicate count")
	cmd.Flags().IntVar(&trees, "trees", 20000, "Boosting ensemble size")

	return cmd
}

func runPipeline(ctx context.Context, cfg *config.Config) error {
	logger := internal.NewDefaultLogger()

	study, err := config.LoadStudy(cfg.Input.StudyFile)
	if err != nil {
		return err
	}
	reader := tabular.NewReader(cfg.Input.CohortFile, cfg.Input.Sheet, cfg.Input.MissingSentinel, study, logger)
	store, err := sqlite.NewStore(cfg.Artifacts.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	pipeline := app.NewPipeline(reader, store, study, cfg.Run, logger)
	result, err := pipeline.Run(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Run %s\n\n", result.RunID)
	fmt.Println("Rotated loadings (variance explained):")
	for k, d := range result.Loadings.Domains {
		fmt.Printf("  %-20s %.3f\n", d, result.Loadings.VarianceExplained[k])
	}
	fmt.Printf("\nScored subjects: %d (excluded %d)\n\n", len(result.Scores.Subjects), len(result.Scores.Excluded))

	fmt.Println("Balance by stopping rule (max weighted SMD):")
	for _, rule := range weighting.AllStopRules() {
		if table, ok := result.Balance[rule]; ok {
			fmt.Printf("  %-8s %.4f\n", rule, table.MaxWeightedSMD())
		}
	}

	fmt.Printf("\nPersisted %d weight sets, %d model fits, %d contrasts, %d sensitivity results\n",
		len(result.WeightSets), len(result.Fits), len(result.Contrasts), len(result.Sensitivity))
	return nil
}

func newWeightsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "weights [run-id]",
		Short: "List persisted weight sets for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *sqlite.Store) error {
				sets, err := store.ListWeightSets(cmd.Context(), core.RunID(args[0]))
				if err != nil {
					return err
				}
				for i := range sets {
					ws := &sets[i]
					fmt.Printf("%-24s ESS %8.1f  fingerprint %s  created %s\n",
						ws.Key(), weighting.EffectiveSampleSize(ws.Values),
						ws.Fingerprint().Short(), ws.CreatedAt.Time().Format(time.RFC3339))
				}
				return nil
			})
		},
	}
}

func newBalanceCmd() *cobra.Command {
	var threshold float64

	cmd := &cobra.Command{
		Use:   "balance [run-id]",
		Short: "Show post-weighting covariate balance per stopping rule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *sqlite.Store) error {
				tables, err := store.ListBalanceTables(cmd.Context(), core.RunID(args[0]))
				if err != nil {
					return err
				}
				for i := range tables {
					t := &tables[i]
					fmt.Printf("%s: max weighted SMD %.4f\n", t.Rule, t.MaxWeightedSMD())
					for _, key := range t.ImbalancedCovariates(threshold) {
						fmt.Printf("  imbalanced: %s\n", key)
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0.10, "SMD threshold for flagging residual imbalance")

	return cmd
}

func newReportCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "report [run-id]",
		Short: "Print fitted models, contrasts and sensitivity for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(store *sqlite.Store) error {
				return printReport(cmd.Context(), store, core.RunID(args[0]), asJSON)
			})
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Emit the raw artifacts as JSON")

	return cmd
}

func printReport(ctx context.Context, store *sqlite.Store, runID core.RunID, asJSON bool) error {
	fits, err := store.ListModelFits(ctx, runID)
	if err != nil {
		return err
	}
	contrasts, err := store.ListContrasts(ctx, runID)
	if err != nil {
		return err
	}
	sens, err := store.ListSensitivity(ctx, runID)
	if err != nil {
		return err
	}

	if asJSON {
		payload := map[string]interface{}{
			"run_id":      runID,
			"model_fits":  fits,
			"contrasts":   contrasts,
			"sensitivity": sens,
		}
		out, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("Pairwise contrasts:")
	for _, c := range contrasts {
		fmt.Printf("  %-20s %-14s vs %-14s %8.4f (SE %.4f) [%.4f, %.4f] %s\n",
			c.Outcome, c.CategoryA, c.CategoryB, c.Estimate, c.SE, c.CILower, c.CIUpper, c.WeightKey)
	}

	fmt.Println("\nRegression fits:")
	for i := range fits {
		f := &fits[i]
		kind := "unadjusted"
		if f.Adjusted {
			kind = "adjusted"
		}
		fmt.Printf("  %s %s (%s, n=%d, R2=%.3f)\n", f.Outcome, kind, f.WeightKey, f.SampleSize, f.RSquared)
		for _, t := range f.Terms {
			fmt.Printf("    %-28s %8.4f (SE %.4f) [%.4f, %.4f]\n",
				t.Name, t.Estimate, t.SE, t.CILower, t.CIUpper)
		}
	}

	fmt.Println("\nSensitivity to unmeasured confounding:")
	for i := range sens {
		s := &sens[i]
		fmt.Printf("  %-20s %-14s partial R2 %.4f  RV %.4f  benchmark R2 %.4f  bound %8.4f\n",
			s.Outcome, s.Treatment, s.PartialR2, s.RobustnessValue, s.BenchmarkPartialR2, s.AdjustedEstimateBound)
	}
	return nil
}

func withStore(fn func(*sqlite.Store) error) error {
	store, err := sqlite.NewStore(config.ArtifactDB())
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}
