package fitting

import (
	"context"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/loss"
	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/optimization"
	"github.com/copyleftdev/bondfit/internal/optimization/basinhopping"
	"github.com/copyleftdev/bondfit/internal/symmetry"
)

// MethodBasinHopping is the method label used in reports.
const MethodBasinHopping = "basinhopping"

// Options control a fit.
type Options struct {
	// NoiseMagnitude perturbs the reference starting values by a factor in
	// [1-m, 1+m].
	NoiseMagnitude float64
	Temperature    float64
	StepSize       float64
	RelativeStep   bool
	AdaptInterval  int
	// Hops is the number of global rounds after the first minimization.
	Hops          int
	StopThreshold float64
	// MaxIterations bounds each local minimization.
	MaxIterations int
	// Loss names the metric, see loss.Parse.
	Loss string
	// Seed drives both the initial noise and the global search.
	Seed       int64
	Components molecule.Components
	Verbose    bool
}

// DefaultOptions returns the options of a standard bond fit.
func DefaultOptions() Options {
	return Options{
		NoiseMagnitude: 1.0,
		Temperature:    1.0,
		StepSize:       0.5,
		AdaptInterval:  50,
		Hops:           100,
		StopThreshold:  1e-3,
		MaxIterations:  basinhopping.DefaultLocalIterations,
		Loss:           "rmse",
		Seed:           1234,
		Components:     molecule.BondsOnly,
	}
}

// Input is everything a fit reads. None of it is modified.
type Input struct {
	Molecule  *molecule.Molecule
	Reference forcefield.ReferenceProvider
	Targets   molecule.Trajectory
}

// Reporter consumes finished fits, e.g. to render diagnostics.
type Reporter interface {
	Report(ctx context.Context, res *Result) error
}

// Fitter runs bond-parameter fits.
type Fitter struct {
	opts      Options
	runID     string
	logger    *zap.Logger
	reporters []Reporter
}

// Option configures a Fitter.
type Option func(*Fitter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fitter) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithReporter adds a reporter called after every successful fit.
func WithReporter(r Reporter) Option {
	return func(f *Fitter) {
		f.reporters = append(f.reporters, r)
	}
}

// WithRunID tags the result so reporters can keep the artifacts of
// concurrent fits of the same molecule apart. The id is used as a single
// path segment.
func WithRunID(id string) Option {
	return func(f *Fitter) {
		f.runID = id
	}
}

// NewFitter creates a Fitter.
func NewFitter(opts Options, options ...Option) *Fitter {
	f := &Fitter{opts: opts, logger: zap.NewNop()}
	for _, o := range options {
		o(f)
	}
	f.logger = f.logger.Named("fitting")
	return f
}

// Prepared is a fit after symmetry reduction and initialization, before
// optimization.
type Prepared struct {
	Molecule  *molecule.Molecule
	Reduction *symmetry.Reduction
	Model     *forcefield.HarmonicBonds
	Problem   *Problem
	Initial   []float64
	Unpack    forcefield.UnpackFunc

	rng *rand.Rand
}

// Prepare validates the input, reduces the topology, builds the initial
// parameter vector and the loss.
func (f *Fitter) Prepare(in Input) (*Prepared, error) {
	const op = "Prepare"

	m := in.Molecule
	if m == nil {
		return nil, errors.Input("molecule is nil").WithComponent("fitting").WithOperation(op)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	if in.Reference == nil {
		return nil, errors.Input("no reference parameters").WithMolecule(m.ID).WithComponent("fitting").WithOperation(op)
	}

	red, err := symmetry.Reduce(m.Topology)
	if err != nil {
		return nil, errors.Wrap(err, "symmetry reduction failed").WithMolecule(m.ID)
	}

	rng := rand.New(rand.NewSource(f.opts.Seed))
	init := &forcefield.Initializer{
		NoiseMagnitude: f.opts.NoiseMagnitude,
		Rand:           rng,
		MoleculeID:     m.ID,
	}
	params, unpack, err := init.Initialize(red, in.Reference)
	if err != nil {
		return nil, err
	}

	metric, err := loss.Parse(f.opts.Loss)
	if err != nil {
		return nil, errors.Wrap(err, "invalid options").WithMolecule(m.ID)
	}
	model := forcefield.NewHarmonicBonds(red, m.Topology.NumAtoms)
	problem, err := NewProblem(model, m.Conformers, in.Targets, metric)
	if err != nil {
		return nil, errors.Wrap(err, "cannot build loss").WithMolecule(m.ID)
	}

	f.logger.Info("prepared fit",
		zap.String("molecule", m.ID),
		zap.Int("atoms", m.Topology.NumAtoms),
		zap.Int("bonds", len(red.Pairs)),
		zap.Int("classes", red.NumClasses),
		zap.Int("conformers", len(m.Conformers)),
		zap.String("loss", metric.Name()),
	)

	return &Prepared{
		Molecule:  m,
		Reduction: red,
		Model:     model,
		Problem:   problem,
		Initial:   params,
		Unpack:    unpack,
		rng:       rng,
	}, nil
}

// Run fits the bond parameters of one molecule. Errors abort the fit with
// no partial result, except cancellation, which returns the best point so
// far together with the context error.
func (f *Fitter) Run(ctx context.Context, in Input) (*Result, error) {
	start := time.Now()

	p, err := f.Prepare(in)
	if err != nil {
		return nil, err
	}
	id := p.Molecule.ID

	initialLoss, err := f.timeInitialEvaluation(p)
	if err != nil {
		return nil, errors.Wrap(err, "invalid starting point").WithMolecule(id)
	}

	hopper := basinhopping.New(basinhopping.Config{
		Temperature:     f.opts.Temperature,
		StepSize:        f.opts.StepSize,
		RelativeStep:    f.opts.RelativeStep,
		AdaptInterval:   f.opts.AdaptInterval,
		StopThreshold:   f.opts.StopThreshold,
		LocalIterations: f.opts.MaxIterations,
	}, basinhopping.WithLogger(f.logger.With(zap.String("molecule", id))))

	opt, optErr := hopper.Optimize(ctx, optimization.OptimizerConfig{
		Objective:     p.Problem,
		InitialPoint:  p.Initial,
		MaxIterations: f.opts.Hops,
		RandomSeed:    p.rng.Int63() + 1,
		Verbose:       f.opts.Verbose,
	})
	if opt == nil {
		return nil, errors.Wrap(optErr, "optimization failed").WithMolecule(id)
	}

	res, err := f.buildResult(p, opt, hopper.State(), initialLoss)
	if err != nil {
		return nil, err
	}
	res.Duration = time.Since(start)

	f.logger.Info("fit finished",
		zap.String("molecule", id),
		zap.Float64("initial_loss", initialLoss),
		zap.Float64("loss", res.Loss),
		zap.String("stop_reason", string(opt.StopReason)),
		zap.Int("hops", opt.Iterations),
		zap.Duration("duration", res.Duration),
	)

	if optErr != nil {
		return res, optErr
	}

	for _, r := range f.reporters {
		if err := r.Report(ctx, res); err != nil {
			return res, errors.Wrap(err, "reporting failed").WithMolecule(id)
		}
	}
	return res, nil
}

// timeInitialEvaluation checks the loss at the starting point and logs how
// long the first and a repeated gradient evaluation take.
func (f *Fitter) timeInitialEvaluation(p *Prepared) (float64, error) {
	if err := p.Problem.CheckFinite(p.Initial); err != nil {
		return 0, err
	}
	initial := p.Problem.Func(p.Initial)

	grad := make([]float64, len(p.Initial))
	t0 := time.Now()
	p.Problem.Grad(grad, p.Initial)
	first := time.Since(t0)
	t0 = time.Now()
	p.Problem.Grad(grad, p.Initial)
	second := time.Since(t0)

	f.logger.Info("initial evaluation",
		zap.String("molecule", p.Molecule.ID),
		zap.Float64("loss", initial),
		zap.Duration("first_gradient", first),
		zap.Duration("second_gradient", second),
	)
	return initial, nil
}

func (f *Fitter) buildResult(p *Prepared, opt *optimization.OptimizationResult, state *basinhopping.State, initialLoss float64) (*Result, error) {
	params := opt.Final.Parameters
	if len(params) != p.Reduction.NumParams() {
		return nil, errors.Numerical("optimizer returned %d parameters, want %d", len(params), p.Reduction.NumParams()).
			WithMolecule(p.Molecule.ID).WithComponent("fitting")
	}
	segs, err := p.Unpack(params)
	if err != nil {
		return nil, errors.Wrap(err, "cannot unpack parameters").WithMolecule(p.Molecule.ID)
	}

	target := p.Problem.Targets()

	res := &Result{
		MoleculeID:   p.Molecule.ID,
		RunID:        f.runID,
		Interaction:  forcefield.Bond,
		Method:       MethodBasinHopping,
		Metric:       p.Problem.Metric().Name(),
		Params:       params,
		Segments:     segs,
		InitialLoss:  initialLoss,
		Loss:         opt.Final.Value,
		Reduction:    p.Reduction,
		Optimization: opt,
		Predicted:    ForceMatrix(p.Problem.Predict(params)),
		Target:       mat.NewDense(len(target)/3, 3, target),
	}
	if state != nil {
		res.Hops = state.Hops
	}
	return res, nil
}
