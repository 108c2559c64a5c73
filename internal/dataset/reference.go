package dataset

import (
	"sort"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// ReferenceTable is an in-memory ReferenceProvider keyed by canonical pair.
type ReferenceTable struct {
	params map[molecule.Pair]forcefield.BondParameters
}

var _ forcefield.ReferenceProvider = (*ReferenceTable)(nil)

// NewReferenceTable indexes entries. A bond listed twice, in either
// orientation, is an InputError.
func NewReferenceTable(entries []ReferenceEntry) (*ReferenceTable, error) {
	t := &ReferenceTable{params: make(map[molecule.Pair]forcefield.BondParameters, len(entries))}
	for _, e := range entries {
		p := molecule.Canonicalize(molecule.Pair{A: e.Pair[0], B: e.Pair[1]})
		if _, dup := t.params[p]; dup {
			return nil, errors.Input("bond %s has more than one reference entry", p).
				WithComponent("dataset").WithOperation("NewReferenceTable")
		}
		t.params[p] = forcefield.BondParameters{ForceConstant: e.ForceConstant, Length: e.Length}
	}
	return t, nil
}

// Pairs returns the canonical pairs in sorted order.
func (t *ReferenceTable) Pairs() []molecule.Pair {
	out := make([]molecule.Pair, 0, len(t.params))
	for p := range t.params {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Lookup implements forcefield.ReferenceProvider.
func (t *ReferenceTable) Lookup(p molecule.Pair) (forcefield.BondParameters, bool) {
	bp, ok := t.params[molecule.Canonicalize(p)]
	return bp, ok
}

// Entries returns the table in serializable form.
func (t *ReferenceTable) Entries() []ReferenceEntry {
	pairs := t.Pairs()
	out := make([]ReferenceEntry, len(pairs))
	for i, p := range pairs {
		bp := t.params[p]
		out[i] = ReferenceEntry{Pair: [2]int{p.A, p.B}, ForceConstant: bp.ForceConstant, Length: bp.Length}
	}
	return out
}
