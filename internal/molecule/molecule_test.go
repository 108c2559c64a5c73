package molecule

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/bondfit/internal/errors"
)

func TestCanonicalize(t *testing.T) {
	pairs := []Pair{{0, 1}, {1, 0}, {7, 3}, {3, 7}, {5, 5}}
	for _, p := range pairs {
		t.Run(p.String(), func(t *testing.T) {
			c := Canonicalize(p)
			assert.True(t, c.IsCanonical())
			assert.Equal(t, c, Canonicalize(c), "canonicalization must be idempotent")
			assert.Equal(t, c, Canonicalize(Pair{A: p.B, B: p.A}), "orientation must not matter")
		})
	}
}

func TestTopologyValidate(t *testing.T) {
	tests := []struct {
		name    string
		top     *Topology
		wantErr bool
	}{
		{"valid", &Topology{NumAtoms: 3, Bonds: []Pair{{0, 1}, {2, 1}}}, false},
		{"nil", nil, true},
		{"no atoms", &Topology{Bonds: []Pair{{0, 1}}}, true},
		{"no bonds", &Topology{NumAtoms: 2}, true},
		{"out of range", &Topology{NumAtoms: 2, Bonds: []Pair{{0, 2}}}, true},
		{"negative", &Topology{NumAtoms: 2, Bonds: []Pair{{-1, 0}}}, true},
		{"self bond", &Topology{NumAtoms: 2, Bonds: []Pair{{1, 1}}}, true},
		{"duplicate reversed", &Topology{NumAtoms: 2, Bonds: []Pair{{0, 1}, {1, 0}}}, true},
		{"element count", &Topology{NumAtoms: 2, Elements: []int{6}, Bonds: []Pair{{0, 1}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.top.Validate()
			if !tt.wantErr {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindTopology))
		})
	}
}

func TestTrajectoryFlatten(t *testing.T) {
	tr := Trajectory{
		{{X: 1, Y: 2, Z: 3}, {X: 4, Y: 5, Z: 6}},
		{{X: 7, Y: 8, Z: 9}, {X: 10, Y: 11, Z: 12}},
	}

	assert.Equal(t, 12, tr.NumComponents())
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, tr.Flatten(nil))

	buf := make([]float64, 0, 32)
	out := tr.Flatten(buf)
	assert.Len(t, out, 12)
}

func TestTrajectoryCheckShape(t *testing.T) {
	tr := Trajectory{make(Frame, 3), make(Frame, 2)}

	err := tr.CheckShape(2, 3)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInput))

	assert.Error(t, tr.CheckShape(3, 3))
	assert.NoError(t, Trajectory{make(Frame, 3)}.CheckShape(1, 3))
}

func TestMoleculeValidate(t *testing.T) {
	m := &Molecule{
		ID:       "h2",
		Topology: &Topology{NumAtoms: 2, Bonds: []Pair{{0, 1}}},
		Conformers: Trajectory{
			{r3.Vec{}, r3.Vec{X: 0.1}},
			{r3.Vec{}},
		},
	}

	err := m.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "molecule=h2")

	m.Conformers = m.Conformers[:1]
	assert.NoError(t, m.Validate())
}

func TestComponentsNames(t *testing.T) {
	assert.Equal(t, []string{"bonds"}, BondsOnly.Names())
	assert.Equal(t, []string{"bonds", "torsions", "nonbonded"}, Components{Bonds: true, Torsions: true, Nonbonded: true}.Names())
	assert.Empty(t, Components{}.Names())
}
