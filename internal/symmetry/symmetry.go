// Package symmetry groups the bonds of a topology into equivalence classes
// so that symmetry-related bonds share one fitted parameter.
package symmetry

import (
	"slices"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// Reduction maps every bond of a topology onto a shared-parameter class.
type Reduction struct {
	// Pairs are the canonical bonded pairs in topology iteration order.
	Pairs []molecule.Pair
	// Classes holds the class id of Pairs[i]. Ids are contiguous from 0 and
	// assigned in order of first appearance.
	Classes []int
	// NumClasses is the number of distinct class ids.
	NumClasses int
	// AtomColors holds the refined symmetry color of each atom. Colors are
	// ranks of sorted refinement signatures, so they do not depend on how
	// atoms are numbered.
	AtomColors []int

	index map[molecule.Pair]int
}

// Reduce computes the canonical pairs and bond equivalence classes of top.
func Reduce(top *molecule.Topology) (*Reduction, error) {
	if err := top.Validate(); err != nil {
		return nil, errors.Wrap(err, "cannot reduce topology").WithComponent("symmetry").WithOperation("Reduce")
	}

	colors := refineColors(top)

	r := &Reduction{
		Pairs:      make([]molecule.Pair, len(top.Bonds)),
		Classes:    make([]int, len(top.Bonds)),
		AtomColors: colors,
		index:      make(map[molecule.Pair]int, len(top.Bonds)),
	}

	classByKey := make(map[[2]int]int)
	for i, b := range top.Bonds {
		p := molecule.Canonicalize(b)
		key := [2]int{colors[p.A], colors[p.B]}
		if key[0] > key[1] {
			key[0], key[1] = key[1], key[0]
		}
		id, ok := classByKey[key]
		if !ok {
			id = len(classByKey)
			classByKey[key] = id
		}
		r.Pairs[i] = p
		r.Classes[i] = id
		r.index[p] = i
	}
	r.NumClasses = len(classByKey)

	return r, nil
}

// refineColors partitions atoms by iterated neighborhood refinement. The
// initial partition groups atoms by element; each round splits classes by
// the multiset of neighbor colors until the partition stops changing.
func refineColors(top *molecule.Topology) []int {
	n := top.NumAtoms
	neighbors := make([][]int, n)
	for _, b := range top.Bonds {
		neighbors[b.A] = append(neighbors[b.A], b.B)
		neighbors[b.B] = append(neighbors[b.B], b.A)
	}

	sigs := make([][]int, n)
	for i := range sigs {
		if top.Elements != nil {
			sigs[i] = []int{top.Elements[i]}
		} else {
			sigs[i] = []int{0}
		}
	}
	colors, count := rankSignatures(sigs)

	for round := 0; round < n; round++ {
		for i := 0; i < n; i++ {
			sig := make([]int, 0, len(neighbors[i])+1)
			for _, j := range neighbors[i] {
				sig = append(sig, colors[j])
			}
			slices.Sort(sig)
			sigs[i] = append([]int{colors[i]}, sig...)
		}
		next, nextCount := rankSignatures(sigs)
		colors = next
		if nextCount == count {
			break
		}
		count = nextCount
	}

	return colors
}

// rankSignatures assigns each signature the rank of its value among the
// sorted distinct signatures.
func rankSignatures(sigs [][]int) ([]int, int) {
	distinct := make([][]int, len(sigs))
	copy(distinct, sigs)
	slices.SortFunc(distinct, slices.Compare[[]int])
	distinct = slices.CompactFunc(distinct, func(a, b []int) bool { return slices.Equal(a, b) })

	colors := make([]int, len(sigs))
	for i, s := range sigs {
		idx, _ := slices.BinarySearchFunc(distinct, s, slices.Compare[[]int])
		colors[i] = idx
	}
	return colors, len(distinct)
}

// ClassOf returns the class id of the bond p, in either orientation.
func (r *Reduction) ClassOf(p molecule.Pair) (int, error) {
	i, ok := r.index[molecule.Canonicalize(p)]
	if !ok {
		return 0, errors.Topology("pair %s is not bonded", p).WithComponent("symmetry").WithOperation("ClassOf")
	}
	return r.Classes[i], nil
}

// Has reports whether p is a bond of the reduced topology.
func (r *Reduction) Has(p molecule.Pair) bool {
	_, ok := r.index[molecule.Canonicalize(p)]
	return ok
}

// Members returns the canonical pairs belonging to class.
func (r *Reduction) Members(class int) []molecule.Pair {
	var out []molecule.Pair
	for i, c := range r.Classes {
		if c == class {
			out = append(out, r.Pairs[i])
		}
	}
	return out
}

// Representatives returns, for each class, the index into Pairs of its first
// member.
func (r *Reduction) Representatives() []int {
	reps := make([]int, r.NumClasses)
	for i := range reps {
		reps[i] = -1
	}
	for i, c := range r.Classes {
		if reps[c] < 0 {
			reps[c] = i
		}
	}
	return reps
}

// NumParams returns the length of the parameter vector for this reduction.
func (r *Reduction) NumParams() int {
	return 2 * r.NumClasses
}
