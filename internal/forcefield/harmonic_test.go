package forcefield

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/copyleftdev/bondfit/internal/molecule"
	"github.com/copyleftdev/bondfit/internal/symmetry"
)

func diatomic(t *testing.T) *HarmonicBonds {
	t.Helper()
	red, err := symmetry.Reduce(&molecule.Topology{NumAtoms: 2, Bonds: []molecule.Pair{{A: 0, B: 1}}})
	require.NoError(t, err)
	return NewHarmonicBonds(red, 2)
}

func TestHarmonicDiatomic(t *testing.T) {
	h := diatomic(t)
	params := []float64{300, 0.1}
	frame := molecule.Frame{{}, {X: 0.12}}

	assert.InDelta(t, 0.06, h.Energy(frame, params), 1e-12)

	f := h.Forces(frame, params, nil)
	require.Len(t, f, 2)
	assert.InDelta(t, 6.0, r3.Norm(f[0]), 1e-9)
	assert.InDelta(t, 6.0, r3.Norm(f[1]), 1e-9)

	// A stretched bond pulls the atoms toward each other along the axis.
	assert.InDelta(t, 6.0, f[0].X, 1e-9)
	assert.InDelta(t, -6.0, f[1].X, 1e-9)
	assert.InDelta(t, 0, f[0].Y, 1e-12)
	assert.InDelta(t, 0, f[0].Z, 1e-12)
}

func TestHarmonicDiatomicOffAxis(t *testing.T) {
	h := diatomic(t)
	params := []float64{300, 0.1}
	axis := r3.Unit(r3.Vec{X: 1, Y: -2, Z: 0.5})
	frame := molecule.Frame{{X: 1, Y: 1, Z: 1}, r3.Add(r3.Vec{X: 1, Y: 1, Z: 1}, r3.Scale(0.12, axis))}

	f := h.Forces(frame, params, nil)
	want := r3.Scale(6.0, axis)
	assert.InDelta(t, want.X, f[0].X, 1e-9)
	assert.InDelta(t, want.Y, f[0].Y, 1e-9)
	assert.InDelta(t, want.Z, f[0].Z, 1e-9)
}

// triangle returns three atoms, all pairwise bonded, at equilibrium for
// lengths 0.1 (class of C-C) and 0.1 (class of C-H).
func triangle(t *testing.T) (*HarmonicBonds, molecule.Frame) {
	t.Helper()
	red, err := symmetry.Reduce(&molecule.Topology{
		NumAtoms: 3,
		Elements: []int{6, 6, 1},
		Bonds:    []molecule.Pair{{A: 0, B: 1}, {A: 1, B: 2}, {A: 0, B: 2}},
	})
	require.NoError(t, err)
	side := 0.1
	frame := molecule.Frame{
		{},
		{X: side},
		{X: side / 2, Y: side * math.Sqrt(3) / 2},
	}
	return NewHarmonicBonds(red, 3), frame
}

func TestHarmonicZeroDisplacement(t *testing.T) {
	h, frame := triangle(t)
	require.Equal(t, 4, h.NumParams())
	params := []float64{250000, 300000, 0.1, 0.1}

	assert.InDelta(t, 0, h.Energy(frame, params), 1e-12)
	for i, f := range h.Forces(frame, params, nil) {
		assert.InDelta(t, 0, r3.Norm(f), 1e-9, "atom %d", i)
	}
}

func randomFrame(rng *rand.Rand, n int) molecule.Frame {
	f := make(molecule.Frame, n)
	for i := range f {
		f[i] = r3.Vec{X: 0.1 * float64(i), Y: 0.05 * rng.NormFloat64(), Z: 0.05 * rng.NormFloat64()}
	}
	return f
}

func TestForcesMatchEnergyGradient(t *testing.T) {
	h, _ := triangle(t)
	rng := rand.New(rand.NewSource(7))
	frame := randomFrame(rng, 3)
	params := []float64{250000, 300000, 0.11, 0.09}

	forces := h.Forces(frame, params, nil)

	const eps = 1e-7
	for a := range frame {
		for axis := 0; axis < 3; axis++ {
			plus := append(molecule.Frame(nil), frame...)
			minus := append(molecule.Frame(nil), frame...)
			plus[a] = r3.Add(plus[a], unitAxis(axis, eps))
			minus[a] = r3.Sub(minus[a], unitAxis(axis, eps))
			numeric := -(h.Energy(plus, params) - h.Energy(minus, params)) / (2 * eps)
			assert.InDelta(t, numeric, component(forces[a], axis), 1e-3*math.Max(1, math.Abs(numeric)),
				"atom %d axis %d", a, axis)
		}
	}
}

func TestForcesSumToZero(t *testing.T) {
	h, _ := triangle(t)
	frame := randomFrame(rand.New(rand.NewSource(3)), 3)
	params := []float64{250000, 300000, 0.11, 0.09}

	var total r3.Vec
	for _, f := range h.Forces(frame, params, nil) {
		total = r3.Add(total, f)
	}
	assert.InDelta(t, 0, r3.Norm(total), 1e-8)
}

func TestForcesReuseBuffer(t *testing.T) {
	h := diatomic(t)
	frame := molecule.Frame{{}, {X: 0.12}}
	buf := molecule.Frame{{X: 99}, {Y: 99}}

	out := h.Forces(frame, []float64{300, 0.1}, buf)
	assert.InDelta(t, 6.0, out[0].X, 1e-9)
	assert.InDelta(t, 0, out[1].Y, 1e-12)
}

func TestForceJacobianT(t *testing.T) {
	h, _ := triangle(t)
	rng := rand.New(rand.NewSource(11))
	frame := randomFrame(rng, 3)
	params := []float64{250000, 300000, 0.11, 0.09}
	upstream := molecule.Frame{
		{X: 0.3, Y: -1.2, Z: 0.7},
		{X: -0.4, Y: 0.1, Z: 0.9},
		{X: 1.1, Y: 0.5, Z: -0.2},
	}

	grad := make([]float64, len(params))
	h.ForceJacobianT(frame, params, upstream, grad)

	dot := func(p []float64) float64 {
		var s float64
		for a, f := range h.Forces(frame, p, nil) {
			s += r3.Dot(f, upstream[a])
		}
		return s
	}
	for i := range params {
		step := 1e-6 * math.Max(1, math.Abs(params[i]))
		plus := append([]float64(nil), params...)
		minus := append([]float64(nil), params...)
		plus[i] += step
		minus[i] -= step
		numeric := (dot(plus) - dot(minus)) / (2 * step)
		assert.InDelta(t, numeric, grad[i], 1e-4*math.Max(1, math.Abs(numeric)), "param %d", i)
	}
}

func TestTrajectoryForces(t *testing.T) {
	h := diatomic(t)
	traj := molecule.Trajectory{
		{{}, {X: 0.12}},
		{{}, {X: 0.08}},
	}
	out := h.TrajectoryForces(traj, []float64{300, 0.1}, nil)
	require.Len(t, out, 2)
	assert.InDelta(t, 6.0, out[0][0].X, 1e-9)
	assert.InDelta(t, -6.0, out[1][0].X, 1e-9)
}

func unitAxis(axis int, s float64) r3.Vec {
	switch axis {
	case 0:
		return r3.Vec{X: s}
	case 1:
		return r3.Vec{Y: s}
	default:
		return r3.Vec{Z: s}
	}
}

func component(v r3.Vec, axis int) float64 {
	switch axis {
	case 0:
		return v.X
	case 1:
		return v.Y
	default:
		return v.Z
	}
}

func BenchmarkForces(b *testing.B) {
	red, err := symmetry.Reduce(&molecule.Topology{
		NumAtoms: 8,
		Elements: []int{6, 6, 1, 1, 1, 1, 1, 1},
		Bonds:    []molecule.Pair{{A: 0, B: 1}, {A: 0, B: 2}, {A: 0, B: 3}, {A: 0, B: 4}, {A: 1, B: 5}, {A: 1, B: 6}, {A: 1, B: 7}},
	})
	if err != nil {
		b.Fatal(err)
	}
	h := NewHarmonicBonds(red, 8)
	frame := randomFrame(rand.New(rand.NewSource(1)), 8)
	params := []float64{250000, 280000, 0.153, 0.109}
	dst := make(molecule.Frame, 8)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dst = h.Forces(frame, params, dst)
	}
}
