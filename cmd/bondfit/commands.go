package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strings"
	"text/tabwriter"

	"github.com/guptarohit/asciigraph"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/copyleftdev/bondfit/internal/config"
	"github.com/copyleftdev/bondfit/internal/dataset"
	"github.com/copyleftdev/bondfit/internal/diagnostics"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/logging"
)

var verbose bool

func newZapLogger() (*zap.Logger, error) {
	l, err := logging.NewLogger(&logging.Config{Level: logLevel, Format: logFormat, Output: "stderr"})
	if err != nil {
		return nil, err
	}
	return logging.NewZapLogger(l), nil
}

func fitOptions() (fitting.Options, error) {
	f := fit
	f.Components = components
	if err := f.Validate(); err != nil {
		return fitting.Options{}, err
	}
	opts, err := f.Options()
	if err != nil {
		return fitting.Options{}, err
	}
	opts.Verbose = verbose
	return opts, nil
}

func loadInput(src dataset.Source, id string, opts fitting.Options) (fitting.Input, error) {
	m, err := src.Load(id)
	if err != nil {
		return fitting.Input{}, err
	}
	ref, err := src.Reference(id)
	if err != nil {
		return fitting.Input{}, err
	}
	targets, err := src.TargetForces(id, opts.Components)
	if err != nil {
		return fitting.Input{}, err
	}
	return fitting.Input{Molecule: m, Reference: ref, Targets: targets}, nil
}

func runFit(cmd *cobra.Command, cfg *config.Config, id string) error {
	opts, err := fitOptions()
	if err != nil {
		return err
	}
	logger, err := newZapLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	in, err := loadInput(dataset.NewFileSource(dataDir), id, opts)
	if err != nil {
		return err
	}

	var uploader diagnostics.Uploader
	if cfg.Artifacts.Enabled {
		store, err := diagnostics.NewObjectStore(cfg.Artifacts.ObjectStore(), logger)
		if err != nil {
			return err
		}
		uploader = store
	}

	fopts := []fitting.Option{fitting.WithLogger(logger)}
	if !noPlots {
		popts := []diagnostics.PlotOption{diagnostics.WithPlotLogger(logger)}
		if uploader != nil {
			popts = append(popts, diagnostics.WithUploader(uploader))
		}
		fopts = append(fopts, fitting.WithReporter(diagnostics.NewPlotReporter(plotDir, popts...)))
	}
	if !noTrace {
		fopts = append(fopts, fitting.WithReporter(diagnostics.NewTraceReporter(traceDir, cfg.Diagnostics.TraceParams, uploader)))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	res, err := fitting.NewFitter(opts, fopts...).Run(ctx, in)
	if res == nil {
		return err
	}
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "fit interrupted:", err)
	}

	out := cmd.OutOrStdout()
	if jsonOut {
		return printJSON(out, res)
	}
	printResult(out, res)
	return nil
}

type resultJSON struct {
	Molecule    string                    `json:"molecule"`
	Interaction forcefield.Interaction    `json:"interaction"`
	Method      string                    `json:"method"`
	Metric      string                    `json:"metric"`
	InitialLoss float64                   `json:"initial_loss"`
	Loss        float64                   `json:"loss"`
	StopReason  string                    `json:"stop_reason"`
	Hops        int                       `json:"hops"`
	Classes     []fitting.ClassParameters `json:"classes"`
	Residuals   *diagnostics.Summary      `json:"residuals,omitempty"`
}

func printJSON(w io.Writer, res *fitting.Result) error {
	r := resultJSON{
		Molecule:    res.MoleculeID,
		Interaction: res.Interaction,
		Method:      res.Method,
		Metric:      res.Metric,
		InitialLoss: res.InitialLoss,
		Loss:        res.Loss,
		Hops:        len(res.Hops),
		Classes:     res.Classes(),
	}
	if res.Optimization != nil {
		r.StopReason = string(res.Optimization.StopReason)
	}
	if s, err := diagnostics.Summarize(res.Predicted, res.Target); err == nil {
		r.Residuals = &s
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func printResult(w io.Writer, res *fitting.Result) {
	fmt.Fprintf(w, "%s: %s force regression (%s, %s)\n\n", res.MoleculeID, res.Interaction, res.Method, res.Metric)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "class\tbonds\tk\tr0")
	for _, c := range res.Classes() {
		pairs := make([]string, len(c.Pairs))
		for i, p := range c.Pairs {
			pairs[i] = p.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%.6g\t%.6g\n", c.Class, strings.Join(pairs, " "), c.ForceConstant, c.Length)
	}
	tw.Flush()

	fmt.Fprintf(w, "\nloss: %.6g -> %.6g", res.InitialLoss, res.Loss)
	if res.Optimization != nil {
		fmt.Fprintf(w, " (%s after %d hops)", res.Optimization.StopReason, res.Optimization.Iterations)
	}
	fmt.Fprintln(w)
	if s, err := diagnostics.Summarize(res.Predicted, res.Target); err == nil {
		fmt.Fprintln(w, "residuals:", s)
	}
	fmt.Fprintf(w, "duration: %s\n\n", res.Duration.Round(1e6))

	if chart := convergenceChart(res.LossTrajectory()); chart != "" {
		fmt.Fprintln(w, chart)
	}
}

// convergenceChart renders log10 of the running-minimum loss.
func convergenceChart(losses []float64) string {
	data := make([]float64, 0, len(losses))
	for _, v := range losses {
		if v > 0 && !math.IsInf(v, 0) {
			data = append(data, math.Log10(v))
		}
	}
	if len(data) < 2 {
		return ""
	}
	return asciigraph.Plot(data,
		asciigraph.Height(10),
		asciigraph.Width(70),
		asciigraph.Caption("log10 running-min loss per iterate"),
	)
}

func runInspect(cmd *cobra.Command, id string) error {
	opts, err := fitOptions()
	if err != nil {
		return err
	}
	src := dataset.NewFileSource(dataDir)
	in, err := loadInput(src, id, opts)
	if err != nil {
		return err
	}

	logger, err := newZapLogger()
	if err != nil {
		return err
	}
	p, err := fitting.NewFitter(opts, fitting.WithLogger(logger)).Prepare(in)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d atoms, %d bonds, %d conformers, %d bond classes\n\n",
		p.Molecule.ID, p.Molecule.Topology.NumAtoms, len(p.Reduction.Pairs), len(p.Molecule.Conformers), p.Reduction.NumClasses)

	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "class\tbond\tk_ref\tr0_ref")
	for c := 0; c < p.Reduction.NumClasses; c++ {
		for _, pair := range p.Reduction.Members(c) {
			bp, _ := in.Reference.Lookup(pair)
			fmt.Fprintf(tw, "%d\t%s\t%.6g\t%.6g\n", c, pair, bp.ForceConstant, bp.Length)
		}
	}
	tw.Flush()

	fmt.Fprintf(out, "\ninitial %s loss: %.6g\n", p.Problem.Metric().Name(), p.Problem.Func(p.Initial))
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	ids, err := dataset.NewFileSource(dataDir).List()
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Fprintln(cmd.OutOrStdout(), id)
	}
	return nil
}
