package basinhopping

import (
	"math"

	"github.com/copyleftdev/bondfit/internal/optimization"
)

// Hop summarizes one local minimization of a run. Hop 0 is the minimization
// from the initial point.
type Hop struct {
	Index int
	// Loss is the loss re-evaluated at the candidate.
	Loss     float64
	Accepted bool
	// Status is the local minimizer's termination status.
	Status     string
	Iterations int
	// StepSize is the perturbation step used to reach the starting point.
	StepSize float64
}

// State is the optimization state of one run. It is created by
// Hopper.Optimize, appended to by the local minimizer's recorder and
// returned with the result. Nothing else writes to it.
type State struct {
	// Current is the accepted point the next perturbation starts from.
	Current     []float64
	CurrentLoss float64

	// Best is the lowest-loss candidate seen.
	Best     []float64
	BestLoss float64

	// Iterates holds a copy of every recorded local-minimizer iterate.
	Iterates [][]float64
	// Losses[i] is the loss at Iterates[i].
	Losses []float64
	// RunningMin[i] is min(Losses[:i+1]); it never increases.
	RunningMin []float64

	Hops []Hop
}

func newState() *State {
	return &State{
		CurrentLoss: math.Inf(1),
		BestLoss:    math.Inf(1),
	}
}

// record appends an iterate.
func (s *State) record(x []float64, loss float64) {
	s.Iterates = append(s.Iterates, append([]float64(nil), x...))
	s.Losses = append(s.Losses, loss)

	m := loss
	if n := len(s.RunningMin); n > 0 && !(s.RunningMin[n-1] > loss) {
		// NaN losses leave the running minimum unchanged.
		m = s.RunningMin[n-1]
	}
	s.RunningMin = append(s.RunningMin, m)
}

// lastIterate returns the most recently recorded iterate, or nil.
func (s *State) lastIterate() []float64 {
	if len(s.Iterates) == 0 {
		return nil
	}
	return s.Iterates[len(s.Iterates)-1]
}

func (s *State) accept(x []float64, loss float64) {
	s.Current = append(s.Current[:0], x...)
	s.CurrentLoss = loss
}

func (s *State) offerBest(x []float64, loss float64) {
	if loss < s.BestLoss {
		s.Best = append(s.Best[:0], x...)
		s.BestLoss = loss
	}
}

// History converts the recorded iterates to evaluations.
func (s *State) History() []optimization.Evaluation {
	h := make([]optimization.Evaluation, len(s.Iterates))
	for i, x := range s.Iterates {
		h[i] = optimization.Evaluation{
			Iteration: i,
			Solution:  &optimization.Solution{Parameters: x, Value: s.Losses[i]},
		}
	}
	return h
}
