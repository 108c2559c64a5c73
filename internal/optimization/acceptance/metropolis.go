// Package acceptance decides whether a global-search candidate replaces the
// current point.
package acceptance

import (
	"fmt"
	"math"
	"math/rand"
)

// Metropolis implements the Metropolis criterion at a fixed temperature.
// Lower losses are always accepted; a loss increase d is accepted with
// probability exp(-d/T).
type Metropolis struct {
	// Temperature T; zero accepts only non-increasing losses
	temperature float64
	// Source of the acceptance draws
	rng *rand.Rand
}

// NewMetropolis creates a Metropolis criterion drawing from rng.
func NewMetropolis(temperature float64, rng *rand.Rand) *Metropolis {
	if temperature < 0 || math.IsNaN(temperature) {
		panic(fmt.Sprintf("temperature must be non-negative, got %v", temperature))
	}
	if rng == nil {
		panic("acceptance: nil random source")
	}
	return &Metropolis{
		temperature: temperature,
		rng:         rng,
	}
}

// Probability returns the probability of moving from a point with loss
// current to one with loss candidate.
func (m *Metropolis) Probability(candidate, current float64) float64 {
	switch {
	case math.IsNaN(candidate) || math.IsInf(candidate, 1):
		return 0
	case candidate <= current || math.IsNaN(current) || math.IsInf(current, 1):
		return 1
	case m.temperature == 0:
		return 0
	}
	return math.Exp(-(candidate - current) / m.temperature)
}

// Accept reports whether candidate should replace current. A random draw is
// consumed only when the outcome is not certain.
func (m *Metropolis) Accept(candidate, current float64) bool {
	p := m.Probability(candidate, current)
	switch p {
	case 0:
		return false
	case 1:
		return true
	}
	return m.rng.Float64() < p
}

// SetTemperature changes the temperature.
func (m *Metropolis) SetTemperature(t float64) {
	m.temperature = t
}

// Temperature returns the current temperature.
func (m *Metropolis) Temperature() float64 {
	return m.temperature
}
