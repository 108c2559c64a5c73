package dataset

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

const waterYAML = `id: water
elements: [8, 1, 1]
bonds: [[0, 1], [2, 0]]
reference:
  - {pair: [0, 1], k: 462750.4, length: 0.09572}
  - {pair: [0, 2], k: 462750.4, length: 0.09572}
conformers:
  - [[0, 0, 0], [0.0957, 0, 0], [-0.024, 0.0927, 0]]
  - [[0, 0, 0], [0.0960, 0, 0], [-0.024, 0.0930, 0]]
targets:
  bonds:
    - [[1, 2, 0], [-1, 0, 0], [0, -2, 0]]
    - [[0.5, 0, 0], [-0.5, 0, 0], [0, 0, 0]]
  angles:
    - [[1, 0, 0], [0, 0, 0], [-1, 0, 0]]
    - [[0, 1, 0], [0, -1, 0], [0, 0, 0]]
`

func writeDataset(t *testing.T, name, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
	return dir
}

func TestFileSourceLoad(t *testing.T) {
	src := NewFileSource(writeDataset(t, "water", waterYAML))

	m, err := src.Load("water")
	require.NoError(t, err)
	assert.Equal(t, "water", m.ID)
	assert.Equal(t, 3, m.Topology.NumAtoms)
	assert.Equal(t, []molecule.Pair{{A: 0, B: 1}, {A: 2, B: 0}}, m.Topology.Bonds)
	require.Len(t, m.Conformers, 2)
	assert.Equal(t, 0.0927, m.Conformers[0][2].Y)

	ids, err := src.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"water"}, ids)
}

func TestFileSourceReference(t *testing.T) {
	src := NewFileSource(writeDataset(t, "water", waterYAML))

	ref, err := src.Reference("water")
	require.NoError(t, err)
	assert.Equal(t, []molecule.Pair{{A: 0, B: 1}, {A: 0, B: 2}}, ref.Pairs())

	bp, ok := ref.Lookup(molecule.Pair{A: 2, B: 0})
	require.True(t, ok)
	assert.Equal(t, 0.09572, bp.Length)

	_, ok = ref.Lookup(molecule.Pair{A: 1, B: 2})
	assert.False(t, ok)
}

func TestFileSourceTargetForces(t *testing.T) {
	src := NewFileSource(writeDataset(t, "water", waterYAML))

	tests := []struct {
		name    string
		comps   molecule.Components
		wantX0  float64
		wantErr bool
	}{
		{"bonds only", molecule.BondsOnly, 1, false},
		{"bonds and angles", molecule.Components{Bonds: true, Angles: true}, 2, false},
		{"missing block", molecule.Components{Bonds: true, Torsions: true}, 0, true},
		{"nothing selected", molecule.Components{}, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := src.TargetForces("water", tt.comps)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindInput))
				return
			}
			require.NoError(t, err)
			require.NoError(t, tr.CheckShape(2, 3))
			assert.Equal(t, tt.wantX0, tr[0][0].X)
		})
	}
}

func TestFileSourceTargetsDoNotAlias(t *testing.T) {
	src := NewFileSource(writeDataset(t, "water", waterYAML))

	a, err := src.TargetForces("water", molecule.BondsOnly)
	require.NoError(t, err)
	a[0][0].X = 100

	b, err := src.TargetForces("water", molecule.BondsOnly)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b[0][0].X)
}

func TestFileSourceErrors(t *testing.T) {
	tests := []struct {
		name string
		id   string
		body string
		kind errors.Kind
	}{
		{"missing file", "absent", "", errors.KindNotFound},
		{"path traversal", "../water", "", errors.KindInput},
		{"bad yaml", "broken", "bonds: [[0, 1]\n", errors.KindInput},
		{"duplicate reference", "dup", `bonds: [[0, 1]]
reference:
  - {pair: [0, 1], k: 1, length: 1}
  - {pair: [1, 0], k: 2, length: 1}
conformers: [[[0, 0, 0], [1, 0, 0]]]
`, errors.KindInput},
		{"self bond", "selfbond", `bonds: [[0, 0]]
conformers: [[[0, 0, 0], [1, 0, 0]]]
`, errors.KindTopology},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.body != "" {
				require.NoError(t, os.WriteFile(filepath.Join(dir, tt.id+".yaml"), []byte(tt.body), 0o644))
			}
			src := NewFileSource(dir)

			_, errLoad := src.Load(tt.id)
			_, errRef := src.Reference(tt.id)
			err := errLoad
			if err == nil {
				err = errRef
			}
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)
		})
	}
}

func TestWriteFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := NewFileSource(writeDataset(t, "water", waterYAML))
	orig, err := src.File("water")
	require.NoError(t, err)

	path := filepath.Join(dir, "copy.yaml")
	require.NoError(t, WriteFile(path, orig))

	back, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, orig, back)
}
