package basinhopping

import (
	"math"
	"math/rand"
)

const (
	adaptTargetRate = 0.5
	adaptFactor     = 0.9
)

// Displacement draws the random step that moves the accepted point into a
// new basin. Each coordinate is shifted by a value drawn uniformly from
// [-s, s]. With Relative set, s is scaled by the coordinate's magnitude so
// force constants and lengths of very different size move proportionally.
type Displacement struct {
	StepSize float64
	Relative bool

	rng *rand.Rand
}

// NewDisplacement returns a displacement drawing from rng.
func NewDisplacement(stepSize float64, relative bool, rng *rand.Rand) *Displacement {
	return &Displacement{StepSize: stepSize, Relative: relative, rng: rng}
}

// Perturb writes the displaced copy of x into dst and returns it.
func (d *Displacement) Perturb(dst, x []float64) []float64 {
	if cap(dst) < len(x) {
		dst = make([]float64, len(x))
	}
	dst = dst[:len(x)]
	for i, v := range x {
		s := d.StepSize
		if d.Relative && v != 0 {
			s *= math.Abs(v)
		}
		dst[i] = v + s*(2*d.rng.Float64()-1)
	}
	return dst
}

// adaptiveStep tunes a Displacement toward a fixed acceptance rate. Every
// interval hops the step grows when more than half of all hops so far were
// accepted and shrinks otherwise.
type adaptiveStep struct {
	*Displacement
	interval int

	nstep   int
	naccept int
}

// report records the outcome of one hop and reports whether the step size
// was changed.
func (a *adaptiveStep) report(accepted bool) bool {
	a.nstep++
	if accepted {
		a.naccept++
	}
	if a.interval <= 0 || a.nstep%a.interval != 0 {
		return false
	}
	if float64(a.naccept)/float64(a.nstep) > adaptTargetRate {
		a.StepSize /= adaptFactor
	} else {
		a.StepSize *= adaptFactor
	}
	return true
}
