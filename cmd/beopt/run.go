package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/qsimlab/beopt/internal/config"
	"github.com/qsimlab/beopt/internal/optimization"
	"github.com/qsimlab/beopt/internal/scratch"
	"github.com/qsimlab/beopt/internal/store"
)

var (
	runMethod      string
	runTrustRegion bool
	runWorkers     int
	runThreads     int
	runMaxSteps    int
	runTolerance   float64
	runScratchRoot string
	runTracePath   string
)

var runCmd = &cobra.Command{
	Use:   "run <spec.toml>",
	Short: "Run one optimization locally",
	Long: `Runs the bootstrap embedding optimization described by a TOML spec
and prints the iteration report to stdout. Flags override the matching
spec fields.`,
	Args: cobra.ExactArgs(1),
	RunE: runOptimization,
}

func init() {
	runCmd.Flags().StringVar(&runMethod, "method", "", "Optimization method override")
	runCmd.Flags().BoolVar(&runTrustRegion, "trust-region",
		config.GetEnvAsBool("BE_TRUST_REGION", false), "Clamp step lengths with a trust region")
	runCmd.Flags().IntVar(&runWorkers, "workers",
		config.GetEnvAsInt("BE_WORKERS", 0), "Concurrent fragment solves")
	runCmd.Flags().IntVar(&runThreads, "threads",
		config.GetEnvAsInt("BE_THREADS", 0), "Threads per fragment solve")
	runCmd.Flags().IntVar(&runMaxSteps, "max-steps", 0, "Optimization step budget")
	runCmd.Flags().Float64Var(&runTolerance, "tolerance", 0, "Convergence tolerance on the residual norm")
	runCmd.Flags().StringVar(&runScratchRoot, "scratch",
		config.GetEnv("BEOPT_SCRATCH_ROOT", ""), "Scratch root for external solver runs")
	runCmd.Flags().StringVar(&runTracePath, "trace", "", "Write per-iteration steps to a JSONL file")
	rootCmd.AddCommand(runCmd)
}

func runOptimization(cmd *cobra.Command, args []string) error {
	spec, err := config.LoadSpec(args[0])
	if err != nil {
		return err
	}
	applyOverrides(cmd, spec)
	if err := spec.Validate(); err != nil {
		return err
	}

	logger.Info("Starting run", map[string]interface{}{
		"spec":    args[0],
		"solver":  spec.Solver,
		"method":  spec.Method,
		"workers": spec.Workers,
	})

	start := time.Now()
	res, err := executeSpec(spec)
	if err != nil {
		return err
	}

	if runTracePath != "" {
		if err := writeTrace(runTracePath, res); err != nil {
			return err
		}
	}

	printSummary(spec, res, time.Since(start))
	return nil
}

func applyOverrides(cmd *cobra.Command, spec *config.RunSpec) {
	if cmd.Flags().Changed("method") {
		spec.Method = runMethod
	}
	if cmd.Flags().Changed("trust-region") || runTrustRegion {
		spec.TrustRegion = runTrustRegion
	}
	if runWorkers > 0 {
		spec.Workers = runWorkers
	}
	if runThreads > 0 {
		spec.Threads = runThreads
	}
	if runMaxSteps > 0 {
		spec.MaxSteps = runMaxSteps
	}
	if runTolerance > 0 {
		spec.Tolerance = runTolerance
	}
}

// executeSpec runs the optimization, giving external solver runs a scratch
// tree that is released on success and kept on failure.
func executeSpec(spec *config.RunSpec) (*optimization.Result, error) {
	build := func(scratchRoot string) (*optimization.Result, error) {
		run, err := optimization.BuildRun(optimization.RunParams{
			Spec:        spec,
			ScratchRoot: scratchRoot,
			Output:      os.Stdout,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		return run.Execute()
	}

	if spec.Command == "" {
		return build("")
	}

	dir, err := scratch.FromEnvironment(runScratchRoot)
	if err != nil {
		return nil, err
	}
	logger.Info("Using scratch directory", map[string]interface{}{
		"path": dir.Path(),
	})

	var res *optimization.Result
	err = dir.Do(func(d *scratch.Dir) error {
		var err error
		res, err = build(d.Path())
		return err
	})
	if err != nil {
		logger.Warn("Keeping scratch directory for inspection", map[string]interface{}{
			"path": dir.Path(),
		})
		return nil, err
	}
	return res, nil
}

func writeTrace(path string, res *optimization.Result) error {
	tw, err := store.NewTraceWriter(path)
	if err != nil {
		return err
	}
	for _, step := range res.History {
		if err := tw.Write(step); err != nil {
			tw.Close()
			return err
		}
	}
	return tw.Close()
}

func printSummary(spec *config.RunSpec, res *optimization.Result, elapsed time.Duration) {
	status := "exhausted its step budget"
	if res.Converged {
		status = "converged"
	}
	fmt.Printf("Optimization %s after %d steps, %d evaluations (%s)\n",
		status, res.Steps, res.Evaluations, elapsed.Round(time.Millisecond))
	fmt.Printf("Final error        : %12.4e\n", res.Error)
	fmt.Printf("Total energy       : %12.8f\n", res.Energy)
	if spec.EbeHF != 0 {
		fmt.Printf("Correlation energy : %12.8f\n", res.Energy-spec.EbeHF)
	}
}
