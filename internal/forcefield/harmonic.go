package forcefield

import (
	"gonum.org/v1/gonum/num/dual"
	"gonum.org/v1/gonum/num/hyperdual"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/symmetry"
)

// HarmonicBonds evaluates the harmonic bond potential
//
//	U = sum over bonds of 0.5 * k_c * (r - r0_c)^2
//
// where c is the symmetry class of the bond. Forces and parameter
// sensitivities are obtained by automatic differentiation of each bond's
// energy: dual numbers for the position gradient and hyperdual numbers for
// the mixed position/parameter derivatives.
//
// HarmonicBonds holds no mutable state and is safe for concurrent use.
type HarmonicBonds struct {
	pairs      []molecule.Pair
	classes    []int
	numClasses int
	numAtoms   int
}

// NewHarmonicBonds returns the potential for the bonds of red acting on
// numAtoms atoms.
func NewHarmonicBonds(red *symmetry.Reduction, numAtoms int) *HarmonicBonds {
	return &HarmonicBonds{
		pairs:      red.Pairs,
		classes:    red.Classes,
		numClasses: red.NumClasses,
		numAtoms:   numAtoms,
	}
}

// NumParams returns the expected parameter vector length.
func (h *HarmonicBonds) NumParams() int {
	return 2 * h.numClasses
}

// NumAtoms returns the number of atoms the potential acts on.
func (h *HarmonicBonds) NumAtoms() int {
	return h.numAtoms
}

// Energy returns the total bond energy of frame.
func (h *HarmonicBonds) Energy(frame molecule.Frame, params []float64) float64 {
	k, r0 := Split(params)
	var u float64
	for i, p := range h.pairs {
		c := h.classes[i]
		s := r3.Norm(r3.Sub(frame[p.A], frame[p.B])) - r0[c]
		u += 0.5 * k[c] * s * s
	}
	return u
}

// Forces writes -dU/dx for every atom of frame into dst and returns it. dst
// is allocated when it does not have NumAtoms entries.
func (h *HarmonicBonds) Forces(frame molecule.Frame, params []float64, dst molecule.Frame) molecule.Frame {
	if len(dst) != h.numAtoms {
		dst = make(molecule.Frame, h.numAtoms)
	} else {
		for i := range dst {
			dst[i] = r3.Vec{}
		}
	}

	k, r0 := Split(params)
	var x [6]dual.Number
	for i, p := range h.pairs {
		c := h.classes[i]
		kc := dual.Number{Real: k[c]}
		r0c := dual.Number{Real: r0[c]}
		coords := bondCoords(frame, p)
		for j := range x {
			x[j] = dual.Number{Real: coords[j]}
		}
		var g [6]float64
		for j := range x {
			x[j].Emag = 1
			g[j] = bondEnergyDual(&x, kc, r0c).Emag
			x[j].Emag = 0
		}
		dst[p.A] = r3.Sub(dst[p.A], r3.Vec{X: g[0], Y: g[1], Z: g[2]})
		dst[p.B] = r3.Sub(dst[p.B], r3.Vec{X: g[3], Y: g[4], Z: g[5]})
	}
	return dst
}

// TrajectoryForces evaluates Forces for every frame of traj. dst is reused
// when it has the same shape as traj.
func (h *HarmonicBonds) TrajectoryForces(traj molecule.Trajectory, params []float64, dst molecule.Trajectory) molecule.Trajectory {
	if len(dst) != len(traj) {
		dst = make(molecule.Trajectory, len(traj))
	}
	for i, f := range traj {
		dst[i] = h.Forces(f, params, dst[i])
	}
	return dst
}

// ForceJacobianT accumulates the vector-Jacobian product
//
//	grad[p] += sum over atoms a of upstream[a] . dF_a/dparams[p]
//
// for the forces of frame. upstream typically holds the derivative of a
// loss with respect to the predicted forces.
func (h *HarmonicBonds) ForceJacobianT(frame molecule.Frame, params []float64, upstream molecule.Frame, grad []float64) {
	k, r0 := Split(params)
	n := h.numClasses

	var x [6]hyperdual.Number
	for i, p := range h.pairs {
		c := h.classes[i]
		coords := bondCoords(frame, p)
		w := [6]float64{
			upstream[p.A].X, upstream[p.A].Y, upstream[p.A].Z,
			upstream[p.B].X, upstream[p.B].Y, upstream[p.B].Z,
		}

		var gk, gr0 float64
		for j := range x {
			if w[j] == 0 {
				continue
			}
			for m := range x {
				x[m] = hyperdual.Number{Real: coords[m]}
			}
			x[j].E1mag = 1

			// d2U/dx_j dk
			u := bondEnergyHyperdual(&x, hyperdual.Number{Real: k[c], E2mag: 1}, hyperdual.Number{Real: r0[c]})
			gk -= w[j] * u.E1E2mag

			// d2U/dx_j dr0
			u = bondEnergyHyperdual(&x, hyperdual.Number{Real: k[c]}, hyperdual.Number{Real: r0[c], E2mag: 1})
			gr0 -= w[j] * u.E1E2mag
		}
		grad[c] += gk
		grad[c+n] += gr0
	}
}

func bondCoords(frame molecule.Frame, p molecule.Pair) [6]float64 {
	a, b := frame[p.A], frame[p.B]
	return [6]float64{a.X, a.Y, a.Z, b.X, b.Y, b.Z}
}

func bondEnergyDual(x *[6]dual.Number, k, r0 dual.Number) dual.Number {
	dx := dual.Sub(x[0], x[3])
	dy := dual.Sub(x[1], x[4])
	dz := dual.Sub(x[2], x[5])
	r := dual.Sqrt(dual.Add(dual.Add(dual.Mul(dx, dx), dual.Mul(dy, dy)), dual.Mul(dz, dz)))
	s := dual.Sub(r, r0)
	return dual.Mul(dual.Scale(0.5, k), dual.Mul(s, s))
}

func bondEnergyHyperdual(x *[6]hyperdual.Number, k, r0 hyperdual.Number) hyperdual.Number {
	dx := hyperdual.Sub(x[0], x[3])
	dy := hyperdual.Sub(x[1], x[4])
	dz := hyperdual.Sub(x[2], x[5])
	r := hyperdual.Sqrt(hyperdual.Add(hyperdual.Add(hyperdual.Mul(dx, dx), hyperdual.Mul(dy, dy)), hyperdual.Mul(dz, dz)))
	s := hyperdual.Sub(r, r0)
	return hyperdual.Mul(hyperdual.Scale(0.5, k), hyperdual.Mul(s, s))
}
