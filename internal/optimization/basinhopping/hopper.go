// Package basinhopping implements a basin-hopping global minimizer: random
// perturbation of the accepted point, local BFGS minimization and
// Metropolis acceptance, with a hard early stop on a loss threshold.
package basinhopping

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/optimization"
	"github.com/copyleftdev/bondfit/internal/optimization/acceptance"
)

// Config holds the basin-hopping settings.
type Config struct {
	// Temperature of the Metropolis criterion.
	Temperature float64
	// StepSize is the initial half-width of the uniform perturbation.
	StepSize float64
	// RelativeStep scales the step by each coordinate's magnitude.
	RelativeStep bool
	// AdaptInterval is the number of hops between step-size updates. Zero
	// keeps the step fixed.
	AdaptInterval int
	// StopThreshold ends the run as soon as a candidate's loss is at or
	// below it.
	StopThreshold float64
	// LocalIterations bounds each local minimization.
	LocalIterations int
}

// DefaultConfig returns the settings used when none are given.
func DefaultConfig() Config {
	return Config{
		Temperature:     1.0,
		StepSize:        0.5,
		AdaptInterval:   50,
		StopThreshold:   1e-3,
		LocalIterations: DefaultLocalIterations,
	}
}

// validate rejects settings the Metropolis criterion or the displacement
// cannot run with. NaN fails every comparison.
func (c Config) validate() *errors.Error {
	switch {
	case !(c.Temperature >= 0) || math.IsInf(c.Temperature, 1):
		return errors.Input("temperature must be finite and non-negative, got %v", c.Temperature)
	case !(c.StepSize > 0) || math.IsInf(c.StepSize, 1):
		return errors.Input("step size must be finite and positive, got %v", c.StepSize)
	case c.AdaptInterval < 0:
		return errors.Input("adapt interval must be non-negative, got %d", c.AdaptInterval)
	case math.IsNaN(c.StopThreshold):
		return errors.Input("stop threshold is NaN")
	}
	return nil
}

// Option configures a Hopper.
type Option func(*Hopper)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Hopper) {
		if l != nil {
			h.logger = l
		}
	}
}

// Hopper is a basin-hopping optimizer. It implements optimization.Optimizer.
// A Hopper runs one optimization at a time. Stop may be called from any
// goroutine; State, GetBestSolution and GetHistory read the run's state and
// are only meaningful once Optimize has returned.
type Hopper struct {
	cfg    Config
	logger *zap.Logger

	state *State

	mu     sync.Mutex
	cancel context.CancelFunc
}

var _ optimization.Optimizer = (*Hopper)(nil)

// New creates a Hopper.
func New(cfg Config, opts ...Option) *Hopper {
	h := &Hopper{
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("basinhopping")
	return h
}

// Optimize runs the global search. config.MaxIterations is the number of
// hops after the initial local minimization.
//
// The only fatal numerical condition is a non-finite loss at the initial
// point. Later non-finite candidates are rejected.
func (h *Hopper) Optimize(ctx context.Context, config optimization.OptimizerConfig) (*optimization.OptimizationResult, error) {
	const op = "Optimize"

	if config.Objective == nil {
		return nil, errors.Input("objective is nil").WithComponent("basinhopping").WithOperation(op)
	}
	if len(config.InitialPoint) == 0 {
		return nil, errors.Input("initial point is empty").WithComponent("basinhopping").WithOperation(op)
	}
	if err := h.cfg.validate(); err != nil {
		return nil, err.WithComponent("basinhopping").WithOperation(op)
	}

	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()
	defer cancel()

	seed := config.RandomSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))

	obj := config.Objective
	n := len(config.InitialPoint)
	x0 := append([]float64(nil), config.InitialPoint...)

	f0 := obj.Func(x0)
	if math.IsNaN(f0) || math.IsInf(f0, 0) {
		return nil, errors.Numerical("loss is not finite (%v) at the initial parameters", f0).
			WithComponent("basinhopping").WithOperation(op)
	}

	state := newState()
	h.mu.Lock()
	h.state = state
	h.mu.Unlock()
	local := &LocalMinimizer{MaxIterations: h.cfg.LocalIterations, logger: h.logger}
	accept := acceptance.NewMetropolis(h.cfg.Temperature, rng)
	step := &adaptiveStep{
		Displacement: NewDisplacement(h.cfg.StepSize, h.cfg.RelativeStep, rng),
		interval:     h.cfg.AdaptInterval,
	}

	h.logger.Info("starting basin hopping",
		zap.Int("parameters", n),
		zap.Int("hops", config.MaxIterations),
		zap.Float64("initial_loss", f0),
		zap.Float64("temperature", h.cfg.Temperature),
		zap.Float64("step_size", h.cfg.StepSize),
		zap.Float64("stop_threshold", h.cfg.StopThreshold),
	)

	// Hop 0: minimize from the initial point.
	cand, err := local.Minimize(obj, x0, state)
	if err != nil {
		return nil, err
	}
	loss := obj.Func(cand.X)
	state.accept(cand.X, loss)
	state.offerBest(cand.X, loss)
	state.Hops = append(state.Hops, Hop{
		Index:      0,
		Loss:       loss,
		Accepted:   true,
		Status:     cand.Status.String(),
		Iterations: cand.Iterations,
	})
	if h.reached(loss) {
		return h.result(state, cand.X, loss, 0, optimization.StopThresholdReached), nil
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		// Fall back to the finite initial point.
		state.accept(x0, f0)
		state.offerBest(x0, f0)
	}

	trial := make([]float64, n)
	for i := 1; i <= config.MaxIterations; i++ {
		select {
		case <-ctx.Done():
			h.logger.Info("basin hopping cancelled", zap.Int("hop", i))
			return h.result(state, state.Best, state.BestLoss, i-1, optimization.StopCancelled), ctx.Err()
		default:
		}

		stepSize := step.StepSize
		trial = step.Perturb(trial, state.Current)

		cand, err := local.Minimize(obj, trial, state)
		if err != nil {
			return nil, err
		}
		loss := obj.Func(cand.X)
		ok := accept.Accept(loss, state.CurrentLoss)
		if ok {
			state.accept(cand.X, loss)
		}
		state.offerBest(cand.X, loss)
		state.Hops = append(state.Hops, Hop{
			Index:      i,
			Loss:       loss,
			Accepted:   ok,
			Status:     cand.Status.String(),
			Iterations: cand.Iterations,
			StepSize:   stepSize,
		})

		if config.Verbose {
			h.logger.Info("hop",
				zap.Int("hop", i),
				zap.Float64("loss", loss),
				zap.Bool("accepted", ok),
				zap.Float64("current", state.CurrentLoss),
				zap.Float64("best", state.BestLoss),
				zap.String("local_status", cand.Status.String()),
			)
		}

		if h.reached(loss) {
			h.logger.Info("stop threshold reached",
				zap.Int("hop", i),
				zap.Float64("loss", loss),
			)
			return h.result(state, cand.X, loss, i, optimization.StopThresholdReached), nil
		}

		if step.report(ok) {
			h.logger.Debug("adjusted step size", zap.Float64("step_size", step.StepSize))
		}
	}

	return h.result(state, state.Best, state.BestLoss, config.MaxIterations, optimization.StopIterationsExhausted), nil
}

func (h *Hopper) reached(loss float64) bool {
	return loss <= h.cfg.StopThreshold
}

func (h *Hopper) result(s *State, x []float64, loss float64, hops int, reason optimization.StopReason) *optimization.OptimizationResult {
	res := &optimization.OptimizationResult{
		Final:      &optimization.Solution{Parameters: append([]float64(nil), x...), Value: loss},
		History:    s.History(),
		RunningMin: append([]float64(nil), s.RunningMin...),
		Iterations: hops,
		Converged:  reason == optimization.StopThresholdReached,
		StopReason: reason,
	}
	if s.Best != nil {
		res.BestSolution = &optimization.Solution{Parameters: append([]float64(nil), s.Best...), Value: s.BestLoss}
	}
	h.logger.Info("basin hopping finished",
		zap.String("reason", string(reason)),
		zap.Int("hops", hops),
		zap.Float64("loss", loss),
		zap.Int("iterates", len(s.Iterates)),
	)
	return res
}

// State returns the state of the last run.
func (h *Hopper) State() *State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// GetBestSolution returns the best solution of the last run.
func (h *Hopper) GetBestSolution() *optimization.Solution {
	s := h.State()
	if s == nil || s.Best == nil {
		return nil
	}
	return &optimization.Solution{
		Parameters: append([]float64(nil), s.Best...),
		Value:      s.BestLoss,
	}
}

// GetHistory returns every recorded iterate of the last run.
func (h *Hopper) GetHistory() []optimization.Evaluation {
	s := h.State()
	if s == nil {
		return nil
	}
	return s.History()
}

// Stop cancels a running optimization. It is safe to call from another
// goroutine.
func (h *Hopper) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
	}
}
