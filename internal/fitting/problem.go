// Package fitting connects the force model, the loss metric and the global
// optimizer into a bond-parameter fit for one molecule.
package fitting

import (
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/loss"
	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/optimization"
)

// Problem is the loss of a parameter vector: the metric between the forces
// the model predicts over the conformer trajectory and the target forces.
// It implements optimization.Objective with exact gradients.
//
// Problem caches the prediction for the last parameter vector it saw, so
// the Func and Grad calls a minimizer makes at one point share the force
// evaluation. It is not safe for concurrent use.
type Problem struct {
	model      *forcefield.HarmonicBonds
	conformers molecule.Trajectory
	target     []float64
	metric     loss.Metric

	// memoized prediction
	lastParams []float64
	pred       molecule.Trajectory
	predFlat   []float64
	value      float64
	valid      bool

	dpred []float64
}

var _ optimization.Objective = (*Problem)(nil)

// NewProblem builds the loss over conformers against targets, which must
// have one force per atom for every conformer.
func NewProblem(model *forcefield.HarmonicBonds, conformers, targets molecule.Trajectory, metric loss.Metric) (*Problem, error) {
	const op = "NewProblem"

	if len(conformers) == 0 {
		return nil, errors.Input("no conformers").WithComponent("fitting").WithOperation(op)
	}
	if err := conformers.CheckShape(len(conformers), model.NumAtoms()); err != nil {
		return nil, errors.Wrap(err, "conformers do not match the topology").WithComponent("fitting").WithOperation(op)
	}
	if err := targets.CheckShape(len(conformers), model.NumAtoms()); err != nil {
		return nil, errors.Wrap(err, "target forces do not align with the conformers").WithComponent("fitting").WithOperation(op)
	}
	if metric == nil {
		metric = loss.NewRMSE()
	}

	n := conformers.NumComponents()
	return &Problem{
		model:      model,
		conformers: conformers,
		target:     targets.Flatten(nil),
		metric:     metric,
		predFlat:   make([]float64, n),
		dpred:      make([]float64, n),
	}, nil
}

// NumParams returns the parameter vector length the problem expects.
func (p *Problem) NumParams() int {
	return p.model.NumParams()
}

// Metric returns the loss metric.
func (p *Problem) Metric() loss.Metric {
	return p.metric
}

// Func returns the loss at params.
func (p *Problem) Func(params []float64) float64 {
	p.evaluate(params)
	return p.value
}

// Grad writes dLoss/dparams into grad. The metric's gradient with respect
// to the predicted forces is pulled back through the force model's exact
// parameter Jacobian.
func (p *Problem) Grad(grad, params []float64) {
	p.evaluate(params)
	for i := range grad {
		grad[i] = 0
	}
	p.metric.Gradient(p.dpred, p.predFlat, p.target)

	offset := 0
	upstream := make(molecule.Frame, p.model.NumAtoms())
	for _, frame := range p.conformers {
		for a := range upstream {
			upstream[a].X = p.dpred[offset]
			upstream[a].Y = p.dpred[offset+1]
			upstream[a].Z = p.dpred[offset+2]
			offset += 3
		}
		p.model.ForceJacobianT(frame, params, upstream, grad)
	}
}

// Predict returns the forces the model predicts at params for every
// conformer. The result is owned by the caller.
func (p *Problem) Predict(params []float64) molecule.Trajectory {
	return p.model.TrajectoryForces(p.conformers, params, nil)
}

// Targets returns a copy of the flattened target forces.
func (p *Problem) Targets() []float64 {
	return append([]float64(nil), p.target...)
}

// CheckFinite returns a NumericalError when the loss at params is NaN or
// infinite.
func (p *Problem) CheckFinite(params []float64) error {
	v := p.Func(params)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return errors.Numerical("loss is not finite (%v) at the initial parameters", v).
			WithComponent("fitting").WithOperation("CheckFinite")
	}
	return nil
}

func (p *Problem) evaluate(params []float64) {
	if p.valid && floats.Equal(params, p.lastParams) {
		return
	}
	p.pred = p.model.TrajectoryForces(p.conformers, params, p.pred)
	p.predFlat = p.pred.Flatten(p.predFlat)
	p.value = p.metric.Eval(p.predFlat, p.target)
	p.lastParams = append(p.lastParams[:0], params...)
	p.valid = true
}
