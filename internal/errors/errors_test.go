package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{
			name: "message only",
			err:  New("boom"),
			want: "boom",
		},
		{
			name: "kind and molecule",
			err:  Consistency("reference covers 1 of 2 bonds").WithMolecule("ethane"),
			want: "consistency error [molecule=ethane]: reference covers 1 of 2 bonds",
		},
		{
			name: "component and operation",
			err:  Topology("no bonds").WithComponent("symmetry").WithOperation("Reduce"),
			want: "topology error: no bonds (component=symmetry, operation=Reduce)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrapKeepsKind(t *testing.T) {
	inner := Numerical("loss is NaN").WithMolecule("methanol")
	outer := Wrap(inner, "initial evaluation")

	require.NotNil(t, outer)
	assert.Equal(t, KindNumerical, outer.Kind)
	assert.Equal(t, "methanol", outer.Molecule)
	assert.True(t, IsKind(outer, KindNumerical))
	assert.False(t, IsKind(outer, KindTopology))
	assert.Same(t, inner, Unwrap(outer))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "ignored"))
	assert.Nil(t, Wrapf(nil, "ignored %d", 1))
}

func TestKindThroughStdlibWrapping(t *testing.T) {
	err := fmt.Errorf("loading: %w", Topology("bond (3, 3) is a self bond"))

	assert.True(t, IsKind(err, KindTopology))
	assert.Equal(t, KindTopology, KindOf(err))

	var target *Error
	require.True(t, As(err, &target))
	assert.Equal(t, "bond (3, 3) is a self bond", target.Message)
}

func TestIs(t *testing.T) {
	sentinel := stderrors.New("sentinel")
	err := Wrap(sentinel, "context")

	assert.True(t, Is(err, sentinel))
	assert.False(t, Is(err, stderrors.New("sentinel")))
}

func TestStackCaptured(t *testing.T) {
	err := Input("frame %d has %d atoms", 2, 4)
	assert.NotEmpty(t, err.StackTrace())
	assert.Equal(t, KindInput, err.Kind)
}
