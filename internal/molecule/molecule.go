// Package molecule holds the read-only inputs of a fit: the bonded topology,
// the conformer trajectory and the reference force arrays.
package molecule

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/bondfit/internal/errors"
)

// Pair is a bonded atom pair.
type Pair struct {
	A, B int
}

// Canonicalize returns p with the smaller atom index first.
func Canonicalize(p Pair) Pair {
	if p.A > p.B {
		return Pair{A: p.B, B: p.A}
	}
	return p
}

// IsCanonical reports whether p is already in canonical orientation.
func (p Pair) IsCanonical() bool {
	return p.A <= p.B
}

func (p Pair) String() string {
	return fmt.Sprintf("(%d, %d)", p.A, p.B)
}

// Topology is the bonded graph of a molecule. Atoms are the implicit
// indices 0..NumAtoms-1.
type Topology struct {
	// NumAtoms is the number of atoms.
	NumAtoms int
	// Elements holds the atomic number of each atom. It may be nil, in which
	// case all atoms are treated as the same element.
	Elements []int
	// Bonds lists the bonded pairs in iteration order.
	Bonds []Pair
}

// Validate checks the structural invariants of the topology.
func (t *Topology) Validate() error {
	if t == nil {
		return errors.Topology("topology is nil")
	}
	if t.NumAtoms <= 0 {
		return errors.Topology("topology has no atoms")
	}
	if t.Elements != nil && len(t.Elements) != t.NumAtoms {
		return errors.Topology("topology has %d elements for %d atoms", len(t.Elements), t.NumAtoms)
	}
	if len(t.Bonds) == 0 {
		return errors.Topology("topology contains no bonds")
	}

	seen := make(map[Pair]struct{}, len(t.Bonds))
	for _, b := range t.Bonds {
		if b.A < 0 || b.B < 0 || b.A >= t.NumAtoms || b.B >= t.NumAtoms {
			return errors.Topology("bond %s references an atom outside [0, %d)", b, t.NumAtoms)
		}
		if b.A == b.B {
			return errors.Topology("bond %s is a self bond", b)
		}
		c := Canonicalize(b)
		if _, dup := seen[c]; dup {
			return errors.Topology("bond %s is listed more than once", c)
		}
		seen[c] = struct{}{}
	}
	return nil
}

// Frame is one snapshot of per-atom 3D vectors: positions for conformers,
// forces for targets and predictions.
type Frame []r3.Vec

// Trajectory is an ordered sequence of frames.
type Trajectory []Frame

// NumComponents returns the number of scalar components across all frames.
func (tr Trajectory) NumComponents() int {
	n := 0
	for _, f := range tr {
		n += 3 * len(f)
	}
	return n
}

// Flatten writes every x, y, z component of tr into dst in frame-major,
// atom-major order and returns it. dst is grown if it is too short.
func (tr Trajectory) Flatten(dst []float64) []float64 {
	n := tr.NumComponents()
	if cap(dst) < n {
		dst = make([]float64, n)
	}
	dst = dst[:n]
	i := 0
	for _, f := range tr {
		for _, v := range f {
			dst[i], dst[i+1], dst[i+2] = v.X, v.Y, v.Z
			i += 3
		}
	}
	return dst
}

// CheckShape verifies that tr has numFrames frames of numAtoms atoms each.
func (tr Trajectory) CheckShape(numFrames, numAtoms int) error {
	if len(tr) != numFrames {
		return errors.Input("trajectory has %d frames, want %d", len(tr), numFrames)
	}
	for i, f := range tr {
		if len(f) != numAtoms {
			return errors.Input("frame %d has %d atoms, want %d", i, len(f), numAtoms)
		}
	}
	return nil
}

// Components selects which interaction blocks of the reference forces make
// up a fitting target.
type Components struct {
	Bonds     bool
	Angles    bool
	Torsions  bool
	Nonbonded bool
}

// BondsOnly is the component set used for bond-parameter fits.
var BondsOnly = Components{Bonds: true}

// Names lists the selected component names in a fixed order.
func (c Components) Names() []string {
	var names []string
	if c.Bonds {
		names = append(names, "bonds")
	}
	if c.Angles {
		names = append(names, "angles")
	}
	if c.Torsions {
		names = append(names, "torsions")
	}
	if c.Nonbonded {
		names = append(names, "nonbonded")
	}
	return names
}

// Molecule bundles the inputs a source hands over for one molecule.
type Molecule struct {
	ID         string
	Topology   *Topology
	Conformers Trajectory
}

// Validate checks the topology and that every conformer matches its atom
// count.
func (m *Molecule) Validate() error {
	if err := m.Topology.Validate(); err != nil {
		return errors.Wrap(err, "invalid topology").WithMolecule(m.ID)
	}
	if len(m.Conformers) == 0 {
		return errors.Input("molecule has no conformers").WithMolecule(m.ID)
	}
	if err := m.Conformers.CheckShape(len(m.Conformers), m.Topology.NumAtoms); err != nil {
		return errors.Wrap(err, "invalid conformers").WithMolecule(m.ID)
	}
	return nil
}
