package optimization

import "sync/atomic"

// FuncObjective adapts a pair of functions to Objective.
type FuncObjective struct {
	F func(x []float64) float64
	G func(grad, x []float64)
}

// Func calls F.
func (o FuncObjective) Func(x []float64) float64 { return o.F(x) }

// Grad calls G.
func (o FuncObjective) Grad(grad, x []float64) { o.G(grad, x) }

// CountingObjective wraps an Objective and counts its evaluations.
type CountingObjective struct {
	Objective Objective

	funcCalls atomic.Int64
	gradCalls atomic.Int64
}

// Func evaluates the wrapped objective.
func (c *CountingObjective) Func(x []float64) float64 {
	c.funcCalls.Add(1)
	return c.Objective.Func(x)
}

// Grad evaluates the wrapped gradient.
func (c *CountingObjective) Grad(grad, x []float64) {
	c.gradCalls.Add(1)
	c.Objective.Grad(grad, x)
}

// Counts returns the number of Func and Grad calls so far.
func (c *CountingObjective) Counts() (funcCalls, gradCalls int64) {
	return c.funcCalls.Load(), c.gradCalls.Load()
}
