// Package dataset loads molecules, reference bond parameters and reference
// forces from files on disk.
package dataset

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gonum.org/v1/gonum/spatial/r3"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/bondfit/internal/errors"
	"github.com/copyleftdev/bondfit/internal/forcefield"
	"github.com/copyleftdev/bondfit/internal/molecule"
)

// Source provides the inputs of a fit by molecule id.
type Source interface {
	// Load returns the topology and conformers of a molecule.
	Load(id string) (*molecule.Molecule, error)
	// Reference returns the reference bond parameters of a molecule.
	Reference(id string) (forcefield.ReferenceProvider, error)
	// TargetForces returns the sum of the requested force components,
	// aligned one-to-one with the conformers returned by Load.
	TargetForces(id string, comps molecule.Components) (molecule.Trajectory, error)
}

// Vec is a 3D vector serialized as [x, y, z].
type Vec [3]float64

// ReferenceEntry is one bond of the reference force field.
type ReferenceEntry struct {
	Pair          [2]int  `yaml:"pair"`
	ForceConstant float64 `yaml:"k"`
	Length        float64 `yaml:"length"`
}

// Targets holds the per-component reference forces. Each block has one
// frame per conformer.
type Targets struct {
	Bonds     [][]Vec `yaml:"bonds,omitempty"`
	Angles    [][]Vec `yaml:"angles,omitempty"`
	Torsions  [][]Vec `yaml:"torsions,omitempty"`
	Nonbonded [][]Vec `yaml:"nonbonded,omitempty"`
}

// File is the on-disk form of one molecule.
type File struct {
	ID         string           `yaml:"id"`
	Elements   []int            `yaml:"elements,omitempty"`
	Bonds      [][2]int         `yaml:"bonds"`
	Reference  []ReferenceEntry `yaml:"reference"`
	Conformers [][]Vec          `yaml:"conformers"`
	Targets    Targets          `yaml:"targets"`
}

// NumAtoms returns the atom count implied by the file.
func (f *File) NumAtoms() int {
	if len(f.Elements) > 0 {
		return len(f.Elements)
	}
	if len(f.Conformers) > 0 {
		return len(f.Conformers[0])
	}
	return 0
}

// Molecule converts the file to a validated molecule.
func (f *File) Molecule() (*molecule.Molecule, error) {
	top := &molecule.Topology{
		NumAtoms: f.NumAtoms(),
		Elements: f.Elements,
		Bonds:    make([]molecule.Pair, len(f.Bonds)),
	}
	for i, b := range f.Bonds {
		top.Bonds[i] = molecule.Pair{A: b[0], B: b[1]}
	}
	m := &molecule.Molecule{
		ID:         f.ID,
		Topology:   top,
		Conformers: toTrajectory(f.Conformers),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// TargetForces sums the requested blocks.
func (f *File) TargetForces(comps molecule.Components) (molecule.Trajectory, error) {
	blocks := []struct {
		name   string
		want   bool
		frames [][]Vec
	}{
		{"bonds", comps.Bonds, f.Targets.Bonds},
		{"angles", comps.Angles, f.Targets.Angles},
		{"torsions", comps.Torsions, f.Targets.Torsions},
		{"nonbonded", comps.Nonbonded, f.Targets.Nonbonded},
	}

	var out molecule.Trajectory
	for _, b := range blocks {
		if !b.want {
			continue
		}
		if b.frames == nil {
			return nil, errors.Input("target component %q is not available", b.name).
				WithMolecule(f.ID).WithComponent("dataset").WithOperation("TargetForces")
		}
		tr := toTrajectory(b.frames)
		if err := tr.CheckShape(len(f.Conformers), f.NumAtoms()); err != nil {
			return nil, errors.Wrapf(err, "target component %q does not align with the conformers", b.name).
				WithMolecule(f.ID).WithComponent("dataset")
		}
		if out == nil {
			out = tr
			continue
		}
		for i := range out {
			for a := range out[i] {
				out[i][a] = r3.Add(out[i][a], tr[i][a])
			}
		}
	}
	if out == nil {
		return nil, errors.Input("no target components requested").
			WithMolecule(f.ID).WithComponent("dataset").WithOperation("TargetForces")
	}
	return out, nil
}

func toTrajectory(frames [][]Vec) molecule.Trajectory {
	tr := make(molecule.Trajectory, len(frames))
	for i, fr := range frames {
		tr[i] = make(molecule.Frame, len(fr))
		for a, v := range fr {
			tr[i][a] = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		}
	}
	return tr
}

// FromTrajectory converts a trajectory to its serialized form.
func FromTrajectory(tr molecule.Trajectory) [][]Vec {
	out := make([][]Vec, len(tr))
	for i, fr := range tr {
		out[i] = make([]Vec, len(fr))
		for a, v := range fr {
			out[i][a] = Vec{v.X, v.Y, v.Z}
		}
	}
	return out
}

// FileSource reads <Dir>/<id>.yaml files. Parsed files are cached.
type FileSource struct {
	Dir string

	mu    sync.Mutex
	cache map[string]*File
}

var _ Source = (*FileSource)(nil)

// NewFileSource returns a source reading from dir.
func NewFileSource(dir string) *FileSource {
	return &FileSource{Dir: dir, cache: make(map[string]*File)}
}

// File returns the parsed file of a molecule.
func (s *FileSource) File(id string) (*File, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, errors.Input("invalid molecule id %q", id).WithComponent("dataset").WithOperation("File")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cache == nil {
		s.cache = make(map[string]*File)
	}
	if f, ok := s.cache[id]; ok {
		return f, nil
	}

	f, err := ReadFile(filepath.Join(s.Dir, id+".yaml"))
	if err != nil {
		return nil, err
	}
	if f.ID == "" {
		f.ID = id
	}
	s.cache[id] = f
	return f, nil
}

// List returns the ids of every molecule file in the directory.
func (s *FileSource) List() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.Dir, "*.yaml"))
	if err != nil {
		return nil, errors.Wrap(err, "cannot list datasets").WithComponent("dataset")
	}
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = strings.TrimSuffix(filepath.Base(m), ".yaml")
	}
	return ids, nil
}

// Load implements Source.
func (s *FileSource) Load(id string) (*molecule.Molecule, error) {
	f, err := s.File(id)
	if err != nil {
		return nil, err
	}
	return f.Molecule()
}

// Reference implements Source.
func (s *FileSource) Reference(id string) (forcefield.ReferenceProvider, error) {
	f, err := s.File(id)
	if err != nil {
		return nil, err
	}
	t, err := NewReferenceTable(f.Reference)
	if err != nil {
		return nil, errors.Wrap(err, "invalid reference parameters").WithMolecule(f.ID)
	}
	return t, nil
}

// TargetForces implements Source.
func (s *FileSource) TargetForces(id string, comps molecule.Components) (molecule.Trajectory, error) {
	f, err := s.File(id)
	if err != nil {
		return nil, err
	}
	return f.TargetForces(comps)
}

// ReadFile parses one molecule file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.NotFound("dataset %s does not exist", path).WithComponent("dataset").WithOperation("ReadFile")
		}
		return nil, errors.Wrap(err, "cannot read dataset").WithComponent("dataset").WithOperation("ReadFile")
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, errors.Input("cannot parse %s: %v", path, err).WithComponent("dataset").WithOperation("ReadFile")
	}
	return &f, nil
}

// WriteFile serializes f to path.
func WriteFile(path string, f *File) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "cannot encode dataset").WithComponent("dataset").WithOperation("WriteFile")
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrap(err, "cannot write dataset").WithComponent("dataset").WithOperation("WriteFile")
	}
	return nil
}
