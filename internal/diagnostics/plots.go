// Package diagnostics renders and persists the artifacts of a finished fit:
// residual and convergence plots, JSONL loss traces, summary statistics and
// optional uploads to an object store.
package diagnostics

import (
	"context"
	"fmt"
	"image/color"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/fitting"
	"github.com/copyleftdev/bondfit/internal/forcefield"
)

// Uploader persists a produced artifact somewhere other than the local
// filesystem. name is the slash-separated artifact name, unique per run.
type Uploader interface {
	Upload(ctx context.Context, localPath, name string) error
}

// runDir is the directory the artifacts of a run are written to. Runs
// without an id share dir.
func runDir(dir, runID string) (string, error) {
	if runID == "" {
		return dir, nil
	}
	if runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`) {
		return "", errors.Input("run id %q is not a valid path segment", runID).WithComponent("diagnostics")
	}
	return filepath.Join(dir, runID), nil
}

// artifactName is the upload name of a file written for a run.
func artifactName(runID, localPath string) string {
	return path.Join(runID, filepath.Base(localPath))
}

// PlotReporter writes the residual and loss-trajectory figures of a fit as
// PNG files under Dir.
type PlotReporter struct {
	Dir    string
	Width  vg.Length
	Height vg.Length

	uploader Uploader
	logger   *zap.Logger
}

var _ fitting.Reporter = (*PlotReporter)(nil)

// PlotOption configures a PlotReporter.
type PlotOption func(*PlotReporter)

// WithUploader uploads every written figure.
func WithUploader(u Uploader) PlotOption {
	return func(r *PlotReporter) {
		r.uploader = u
	}
}

// WithPlotLogger sets the logger.
func WithPlotLogger(l *zap.Logger) PlotOption {
	return func(r *PlotReporter) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewPlotReporter creates a reporter writing into dir.
func NewPlotReporter(dir string, opts ...PlotOption) *PlotReporter {
	r := &PlotReporter{
		Dir:    dir,
		Width:  6 * vg.Inch,
		Height: 6 * vg.Inch,
		logger: zap.NewNop(),
	}
	for _, o := range opts {
		o(r)
	}
	r.logger = r.logger.Named("plots")
	return r
}

// ResidualsPath returns where the residual figure of a fit is written.
func (r *PlotReporter) ResidualsPath(id string, interaction forcefield.Interaction) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%s_%s_residuals.png", id, interaction))
}

// LossTrajectoryPath returns where the convergence figure of a fit is
// written.
func (r *PlotReporter) LossTrajectoryPath(id string, interaction forcefield.Interaction) string {
	return filepath.Join(r.Dir, fmt.Sprintf("%s_%s_loss_traj.png", id, interaction))
}

// Report implements fitting.Reporter.
// Figures of a fit with a run id go to a subdirectory named after it.
func (r *PlotReporter) Report(ctx context.Context, res *fitting.Result) error {
	dir, err := runDir(r.Dir, res.RunID)
	if err != nil {
		return err
	}
	run := *r
	run.Dir = dir

	residuals, err := run.Residuals(res.Predicted, res.Target, res.MoleculeID, res.Interaction)
	if err != nil {
		return err
	}
	traj, err := run.LossTrajectory(res.LossTrajectory(), res.MoleculeID, res.Interaction, res.Method)
	if err != nil {
		return err
	}

	if r.uploader == nil {
		return nil
	}
	for _, p := range []string{residuals, traj} {
		if err := r.uploader.Upload(ctx, p, artifactName(res.RunID, p)); err != nil {
			return errors.Wrap(err, "cannot upload figure").WithMolecule(res.MoleculeID).WithComponent("diagnostics")
		}
	}
	return nil
}

// Residuals plots every predicted force component against its target with
// a y=x guide and returns the written path.
func (r *PlotReporter) Residuals(pred, target *mat.Dense, id string, interaction forcefield.Interaction) (string, error) {
	const op = "Residuals"

	pr, pc := pred.Dims()
	tr, tc := target.Dims()
	if pr != tr || pc != tc {
		return "", errors.Input("predicted forces are %dx%d, target forces are %dx%d", pr, pc, tr, tc).
			WithMolecule(id).WithComponent("diagnostics").WithOperation(op)
	}

	pts := make(plotter.XYs, 0, pr*pc)
	lo, hi := math.Inf(1), math.Inf(-1)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			x, y := target.At(i, j), pred.At(i, j)
			if !finite(x) || !finite(y) {
				continue
			}
			pts = append(pts, plotter.XY{X: x, Y: y})
			lo = math.Min(lo, math.Min(x, y))
			hi = math.Max(hi, math.Max(x, y))
		}
	}
	if len(pts) == 0 {
		return "", errors.Input("no finite force components to plot").
			WithMolecule(id).WithComponent("diagnostics").WithOperation(op)
	}
	if lo == hi {
		lo, hi = lo-1, hi+1
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %s force regression", id, interaction)
	p.X.Label.Text = "Target force"
	p.Y.Label.Text = "Predicted force"
	p.X.Min, p.X.Max = lo, hi
	p.Y.Min, p.Y.Max = lo, hi
	p.Add(plotter.NewGrid())

	guide := plotter.NewFunction(func(x float64) float64 { return x })
	guide.Color = color.Gray{Y: 128}
	guide.Dashes = []vg.Length{vg.Points(4), vg.Points(4)}

	s, err := plotter.NewScatter(pts)
	if err != nil {
		return "", errors.Wrap(err, "cannot build residual scatter").WithMolecule(id).WithComponent("diagnostics")
	}
	s.GlyphStyle.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}
	s.GlyphStyle.Radius = vg.Points(1.5)

	p.Add(guide, s)
	p.Legend.Add("y = x", guide)
	p.Legend.Add(string(interaction), s)
	p.Legend.Top = true
	p.Legend.Left = true

	path := r.ResidualsPath(id, interaction)
	if err := r.save(p, path); err != nil {
		return "", errors.Wrap(err, "cannot write residual plot").WithMolecule(id).WithOperation(op)
	}
	return path, nil
}

// LossTrajectory plots the running minimum of the loss against the iterate
// index on log-log axes and returns the written path. Non-positive losses
// cannot be drawn on a log axis and are skipped.
func (r *PlotReporter) LossTrajectory(losses []float64, id string, interaction forcefield.Interaction, method string) (string, error) {
	const op = "LossTrajectory"

	pts := make(plotter.XYs, 0, len(losses))
	for i, v := range losses {
		if !finite(v) || v <= 0 {
			continue
		}
		pts = append(pts, plotter.XY{X: float64(i + 1), Y: v})
	}
	if len(pts) == 0 {
		return "", errors.Input("loss trajectory has no positive values").
			WithMolecule(id).WithComponent("diagnostics").WithOperation(op)
	}

	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s: %s loss trajectory (%s)", id, interaction, method)
	p.X.Label.Text = "Iterate"
	p.Y.Label.Text = "Loss"
	p.X.Scale = plot.LogScale{}
	p.Y.Scale = plot.LogScale{}
	p.X.Tick.Marker = plot.LogTicks{Prec: -1}
	p.Y.Tick.Marker = plot.LogTicks{Prec: 2}
	p.Add(plotter.NewGrid())

	if len(pts) == 1 {
		// A single point has no extent; widen the axes around it.
		p.X.Min, p.X.Max = pts[0].X/2, pts[0].X*2
		p.Y.Min, p.Y.Max = pts[0].Y/2, pts[0].Y*2
	}

	l, err := plotter.NewLine(pts)
	if err != nil {
		return "", errors.Wrap(err, "cannot build loss line").WithMolecule(id).WithComponent("diagnostics")
	}
	l.Color = color.RGBA{R: 214, G: 39, B: 40, A: 255}
	l.Width = vg.Points(1.5)
	p.Add(l)

	path := r.LossTrajectoryPath(id, interaction)
	if err := r.save(p, path); err != nil {
		return "", errors.Wrap(err, "cannot write loss plot").WithMolecule(id).WithOperation(op)
	}
	return path, nil
}

func (r *PlotReporter) save(p *plot.Plot, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := p.Save(r.Width, r.Height, path); err != nil {
		return err
	}
	r.logger.Debug("wrote figure", zap.String("path", path))
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
