package optimization

import (
	"context"
)

// Optimizer defines the interface for optimization algorithms
type Optimizer interface {
	// Optimize runs the optimization process
	Optimize(ctx context.Context, config OptimizerConfig) (*OptimizationResult, error)

	// GetBestSolution returns the best solution found so far
	GetBestSolution() *Solution

	// GetHistory returns the history of recorded iterates
	GetHistory() []Evaluation

	// Stop gracefully stops the optimization process
	Stop()
}

// Objective is a differentiable scalar function of a parameter vector.
type Objective interface {
	// Func returns the objective value at x.
	Func(x []float64) float64

	// Grad writes the gradient at x into grad.
	Grad(grad, x []float64)
}

// OptimizerConfig contains configuration for the optimizer
type OptimizerConfig struct {
	// Objective function to minimize
	Objective Objective

	// Starting point. It is not modified.
	InitialPoint []float64

	// Maximum number of global iterations
	MaxIterations int

	// Random seed for reproducibility
	RandomSeed int64

	// Verbose logging
	Verbose bool
}

// Solution represents a solution in the optimization space
type Solution struct {
	Parameters []float64
	Value      float64
}

// Evaluation represents a single recorded iterate
type Evaluation struct {
	Iteration int
	Solution  *Solution
	Error     error
}

// StopReason describes why an optimization run ended.
type StopReason string

const (
	// StopThresholdReached means a candidate met the loss threshold.
	StopThresholdReached StopReason = "threshold"
	// StopIterationsExhausted means every configured iteration ran.
	StopIterationsExhausted StopReason = "iterations"
	// StopCancelled means the context was cancelled or Stop was called.
	StopCancelled StopReason = "cancelled"
)

// OptimizationResult contains the result of an optimization run
type OptimizationResult struct {
	// Final is the returned point: the early-stop candidate when the
	// threshold was reached, otherwise the best point seen.
	Final *Solution
	// BestSolution is the lowest-loss point seen during the run.
	BestSolution *Solution
	// History holds every recorded iterate in order.
	History []Evaluation
	// RunningMin[i] is the minimum loss over History[:i+1].
	RunningMin []float64
	// Iterations is the number of global iterations performed.
	Iterations int
	// Converged is true when the run stopped on the loss threshold.
	Converged  bool
	StopReason StopReason
}
