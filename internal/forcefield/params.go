// Package forcefield implements the bond parameterization and the harmonic
// bond potential that predicts forces from atomic positions.
//
// A parameter vector has length 2*n for n bond classes: entries [0, n) are
// force constants and entries [n, 2n) are equilibrium lengths, both indexed
// by class id.
package forcefield

import (
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/symmetry"
)

// BondParameters are the reference values of one bond, in the units of the
// reference source (kJ/mol/nm^2 and nm for the bundled datasets).
type BondParameters struct {
	ForceConstant float64
	Length        float64
}

// ReferenceProvider exposes reference bond parameters keyed by atom pair.
type ReferenceProvider interface {
	// Pairs lists every bond the source has parameters for, in any
	// orientation.
	Pairs() []molecule.Pair
	// Lookup returns the parameters of a canonical pair.
	Lookup(p molecule.Pair) (BondParameters, bool)
}

// Interaction names a force-field term.
type Interaction string

const (
	Bond    Interaction = "bond"
	Angle   Interaction = "angle"
	Torsion Interaction = "torsion"
)

// Segment is the slice of a parameter vector that belongs to one
// interaction type.
type Segment struct {
	Interaction Interaction
	// Values aliases the parameter vector. It is empty for interactions
	// that are not implemented.
	Values []float64
	// Implemented is false for reserved interaction types.
	Implemented bool
}

// Segments splits a parameter vector by interaction type. Only bonds are
// fit; angle and torsion slots are reserved and always empty.
type Segments struct {
	Bonds    Segment
	Angles   Segment
	Torsions Segment
}

// UnpackFunc splits a flat parameter vector into its segments.
type UnpackFunc func(params []float64) (Segments, error)

// Unpack is the UnpackFunc for bond-only parameter vectors.
func Unpack(params []float64) (Segments, error) {
	if len(params)%2 != 0 {
		return Segments{}, errors.Input("parameter vector has odd length %d", len(params)).
			WithComponent("forcefield").WithOperation("Unpack")
	}
	return Segments{
		Bonds:    Segment{Interaction: Bond, Values: params, Implemented: true},
		Angles:   Segment{Interaction: Angle},
		Torsions: Segment{Interaction: Torsion},
	}, nil
}

// Split returns the force-constant and equilibrium-length halves of a bond
// parameter vector. Both halves alias params.
func Split(params []float64) (k, r0 []float64) {
	n := len(params) / 2
	return params[:n], params[n:]
}

// Initializer builds the starting parameter vector for a fit.
type Initializer struct {
	// NoiseMagnitude m scales each reference value by a factor drawn
	// uniformly from [1-m, 1+m]. Zero reproduces the reference exactly.
	NoiseMagnitude float64
	// Rand is the noise source. It must be non-nil when NoiseMagnitude > 0.
	Rand *rand.Rand
	// MoleculeID is reported in errors.
	MoleculeID string
}

// Initialize checks that ref covers exactly the bonds of red and returns a
// parameter vector of length red.NumParams() seeded from ref, along with the
// function that unpacks such vectors.
func (in *Initializer) Initialize(red *symmetry.Reduction, ref ReferenceProvider) ([]float64, UnpackFunc, error) {
	const op = "Initialize"

	if err := in.checkCoverage(red, ref); err != nil {
		return nil, nil, err
	}
	if !(in.NoiseMagnitude >= 0) || math.IsInf(in.NoiseMagnitude, 1) {
		return nil, nil, errors.Input("noise magnitude must be finite and non-negative, got %v", in.NoiseMagnitude).
			WithComponent("forcefield").WithOperation(op)
	}
	if in.NoiseMagnitude != 0 && in.Rand == nil {
		return nil, nil, errors.Input("noise magnitude %g requires a random source", in.NoiseMagnitude).
			WithComponent("forcefield").WithOperation(op)
	}

	n := red.NumClasses
	params := make([]float64, red.NumParams())
	for class, idx := range red.Representatives() {
		pair := red.Pairs[idx]
		bp, ok := ref.Lookup(pair)
		if !ok {
			return nil, nil, errors.Consistency("reference source lists %s but has no parameters for it", pair).
				WithMolecule(in.MoleculeID).WithComponent("forcefield").WithOperation(op)
		}
		params[class] = bp.ForceConstant * in.noiseFactor()
		params[class+n] = bp.Length * in.noiseFactor()
	}

	return params, Unpack, nil
}

func (in *Initializer) noiseFactor() float64 {
	if in.NoiseMagnitude == 0 {
		return 1
	}
	return 1 + in.NoiseMagnitude*(2*in.Rand.Float64()-1)
}

// checkCoverage compares the canonical pair sets of the reduction and the
// reference source.
func (in *Initializer) checkCoverage(red *symmetry.Reduction, ref ReferenceProvider) error {
	refSet := make(map[molecule.Pair]struct{})
	for _, p := range ref.Pairs() {
		refSet[molecule.Canonicalize(p)] = struct{}{}
	}

	var missing, extra []molecule.Pair
	for _, p := range red.Pairs {
		if _, ok := refSet[p]; !ok {
			missing = append(missing, p)
		}
	}
	for p := range refSet {
		if !red.Has(p) {
			extra = append(extra, p)
		}
	}
	if len(missing) == 0 && len(extra) == 0 {
		return nil
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing from reference: "+formatPairs(missing))
	}
	if len(extra) > 0 {
		parts = append(parts, "not bonded in topology: "+formatPairs(extra))
	}
	return errors.Consistency("reference bond set differs from topology bond set (%s)", strings.Join(parts, "; ")).
		WithMolecule(in.MoleculeID).WithComponent("forcefield").WithOperation("Initialize")
}

func formatPairs(ps []molecule.Pair) string {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].A != ps[j].A {
			return ps[i].A < ps[j].A
		}
		return ps[i].B < ps[j].B
	})
	s := make([]string, len(ps))
	for i, p := range ps {
		s[i] = p.String()
	}
	return fmt.Sprintf("[%s]", strings.Join(s, " "))
}
