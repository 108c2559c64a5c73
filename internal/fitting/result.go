package fitting

import (
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/optimization"
	"github.com/copyleftdev/bondfit/internal/optimization/basinhopping"
	"github.com/copyleftdev/bondfit/internal/symmetry"
)

// ClassParameters are the fitted values of one bond class.
type ClassParameters struct {
	Class         int             `json:"class"`
	Pairs         []molecule.Pair `json:"pairs"`
	ForceConstant float64         `json:"force_constant"`
	Length        float64         `json:"length"`
}

// Result is the outcome of one fit.
type Result struct {
	MoleculeID string
	// RunID is empty unless the fit was started WithRunID.
	RunID string
	// Interaction is the fitted force-field term.
	Interaction forcefield.Interaction
	// Method names the optimizer for reports.
	Method string
	Metric string

	Params      []float64
	Segments    forcefield.Segments
	InitialLoss float64
	Loss        float64

	Reduction    *symmetry.Reduction
	Optimization *optimization.OptimizationResult
	Hops         []basinhopping.Hop

	// Predicted and Target are (frames*atoms) x 3 force matrices at the
	// returned parameters.
	Predicted *mat.Dense
	Target    *mat.Dense

	Duration time.Duration
}

// Classes returns the fitted parameters grouped by bond class.
func (r *Result) Classes() []ClassParameters {
	k, r0 := forcefield.Split(r.Params)
	out := make([]ClassParameters, r.Reduction.NumClasses)
	for c := range out {
		out[c] = ClassParameters{
			Class:         c,
			Pairs:         r.Reduction.Members(c),
			ForceConstant: k[c],
			Length:        r0[c],
		}
	}
	return out
}

// LossTrajectory returns the running minimum of the loss over every
// recorded iterate.
func (r *Result) LossTrajectory() []float64 {
	if r.Optimization == nil {
		return nil
	}
	return r.Optimization.RunningMin
}

// ForceMatrix lays a trajectory out as a matrix with one row per atom per
// frame and the x, y, z components as columns.
func ForceMatrix(tr molecule.Trajectory) *mat.Dense {
	rows := tr.NumComponents() / 3
	if rows == 0 {
		return &mat.Dense{}
	}
	return mat.NewDense(rows, 3, tr.Flatten(nil))
}
