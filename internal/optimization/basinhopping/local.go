package basinhopping

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"go.uber.org/zap"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/optimization"
)

// DefaultLocalIterations bounds the major iterations of one local
// minimization.
const DefaultLocalIterations = 500

// LocalMinimizer runs BFGS from a starting point and records every major
// iterate into the run's State.
type LocalMinimizer struct {
	// MaxIterations bounds major iterations; zero means
	// DefaultLocalIterations.
	MaxIterations int

	logger *zap.Logger
}

// LocalResult is the candidate produced by one local minimization. A
// minimization that stops on its iteration budget, or with a method failure
// after it has moved, still yields a candidate.
type LocalResult struct {
	X          []float64
	F          float64
	Status     optimize.Status
	Iterations int
	FuncEvals  int
	GradEvals  int
	// Err is the non-fatal error reported by the minimizer, if any.
	Err error
}

// Converged reports whether the minimizer stopped on a convergence test.
func (r *LocalResult) Converged() bool {
	switch r.Status {
	case optimize.Success, optimize.GradientThreshold, optimize.FunctionConvergence, optimize.StepConvergence, optimize.MethodConverge:
		return r.Err == nil
	}
	return false
}

// iterateRecorder is an optimize.Recorder appending major iterates to a State.
type iterateRecorder struct {
	state *State
	n     int
}

func (r *iterateRecorder) Init() error { return nil }

func (r *iterateRecorder) Record(loc *optimize.Location, op optimize.Operation, _ *optimize.Stats) error {
	if op&optimize.MajorIteration == 0 {
		return nil
	}
	r.state.record(loc.X, loc.F)
	r.n++
	return nil
}

// Minimize minimizes obj starting from x0. Only an inconsistent problem
// setup is returned as an error.
func (lm *LocalMinimizer) Minimize(obj optimization.Objective, x0 []float64, state *State) (*LocalResult, error) {
	maxIter := lm.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultLocalIterations
	}
	logger := lm.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	rec := &iterateRecorder{state: state}
	problem := optimize.Problem{
		Func: obj.Func,
		Grad: obj.Grad,
	}
	settings := &optimize.Settings{
		MajorIterations: maxIter,
		Recorder:        rec,
	}

	res, err := optimize.Minimize(problem, x0, settings, &optimize.BFGS{})
	if res == nil {
		return nil, errors.Wrap(err, "local minimization could not start").
			WithComponent("basinhopping").WithOperation("Minimize")
	}

	out := &LocalResult{
		Status:     res.Status,
		Iterations: res.Stats.MajorIterations,
		FuncEvals:  res.Stats.FuncEvaluations,
		GradEvals:  res.Stats.GradEvaluations,
		Err:        err,
	}
	if res.Stats.MajorIterations == 0 {
		// The minimizer stopped at the starting location without taking a
		// major iteration, so res.Location was never filled in.
		out.X = append([]float64(nil), x0...)
		out.F = obj.Func(out.X)
	} else {
		out.X = append([]float64(nil), res.X...)
		out.F = res.F
	}

	// The terminating iteration is not passed to the recorder.
	if last := state.lastIterate(); rec.n == 0 || last == nil || !floats.Equal(last, out.X) {
		state.record(out.X, out.F)
	}

	if err != nil {
		logger.Debug("local minimization ended with error",
			zap.String("status", res.Status.String()),
			zap.Int("iterations", out.Iterations),
			zap.Error(err),
		)
	}
	return out, nil
}
