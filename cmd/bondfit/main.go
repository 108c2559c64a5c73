package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/bondfit/internal/config"
)

var version = "dev"

var (
	dataDir    string
	plotDir    string
	traceDir   string
	noPlots    bool
	noTrace    bool
	jsonOut    bool
	logLevel   string
	logFormat  string
	components []string
	fit        config.Fit
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	fit = cfg.Fit

	rootCmd := &cobra.Command{
		Use:           "bondfit",
		Short:         "fit harmonic bond parameters to reference forces",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", cfg.Data.Dir, "dataset directory")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (json, text)")

	fitCmd := &cobra.Command{
		Use:   "fit [molecule]",
		Short: "fit the bond parameters of a molecule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFit(cmd, cfg, args[0])
		},
	}
	addFitFlags(fitCmd)
	fitCmd.Flags().StringVar(&plotDir, "plots", cfg.Diagnostics.PlotDir, "directory for figures")
	fitCmd.Flags().StringVar(&traceDir, "traces", cfg.Diagnostics.TraceDir, "directory for loss traces")
	fitCmd.Flags().BoolVar(&noPlots, "no-plots", cfg.Diagnostics.DisablePlots, "do not write figures")
	fitCmd.Flags().BoolVar(&noTrace, "no-trace", cfg.Diagnostics.DisableTraces, "do not write the loss trace")
	fitCmd.Flags().BoolVar(&jsonOut, "json", false, "print the result as JSON")

	inspectCmd := &cobra.Command{
		Use:   "inspect [molecule]",
		Short: "show bond classes, reference values and the initial loss",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0])
		},
	}
	addFitFlags(inspectCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "list molecules in the dataset directory",
		RunE:  runList,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "bondfit", version)
		},
	}

	rootCmd.AddCommand(fitCmd, inspectCmd, listCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func addFitFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Float64Var(&fit.NoiseMagnitude, "noise", fit.NoiseMagnitude, "relative noise on the reference starting values")
	f.Float64Var(&fit.Temperature, "temperature", fit.Temperature, "Metropolis temperature")
	f.Float64Var(&fit.StepSize, "step", fit.StepSize, "initial perturbation step")
	f.BoolVar(&fit.RelativeStep, "relative-step", fit.RelativeStep, "scale the step by each parameter's magnitude")
	f.IntVar(&fit.AdaptInterval, "adapt-interval", fit.AdaptInterval, "hops between step-size updates (0 keeps it fixed)")
	f.IntVar(&fit.Hops, "hops", fit.Hops, "basin-hopping rounds after the first minimization")
	f.Float64Var(&fit.StopThreshold, "threshold", fit.StopThreshold, "stop as soon as the loss is at or below this value")
	f.IntVar(&fit.MaxIterations, "max-iter", fit.MaxIterations, "iteration limit of each local minimization")
	f.StringVar(&fit.Loss, "loss", fit.Loss, "loss metric (rmse, std)")
	f.Int64Var(&fit.Seed, "seed", fit.Seed, "random seed")
	f.StringSliceVar(&components, "components", fit.Components, "reference force blocks in the target")
	f.BoolVarP(&verbose, "verbose", "v", false, "log every hop")
}
