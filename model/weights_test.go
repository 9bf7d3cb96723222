package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	w := WeightMap{"layer0": {1, 2, 3}}

	clone := w.Clone()
	clone["layer0"][0] = 99

	require.Equal(t, float32(1), w["layer0"][0])
}

func TestComputeApplyDeltaRoundTrip(t *testing.T) {
	before := WeightMap{
		"dense.weight": {1, 2, 4},
		"dense.bias":   {0.5},
	}
	after := WeightMap{
		"dense.weight": {2, 1, 8},
		"dense.bias":   {1.5},
	}

	delta, err := ComputeDelta(before, after)
	require.NoError(t, err)
	require.Equal(t, WeightDelta{
		"dense.weight": {1, -1, 4},
		"dense.bias":   {1},
	}, delta)

	updated, err := before.ApplyDelta(delta)
	require.NoError(t, err)
	require.Equal(t, after, updated)

	// Operands stay untouched.
	require.Equal(t, float32(1), before["dense.weight"][0])
}

func TestComputeDeltaNamesOffendingTensor(t *testing.T) {
	before := WeightMap{"a": {1}, "b": {2}}

	_, err := ComputeDelta(before, WeightMap{"a": {1}})
	require.ErrorIs(t, err, ErrTensorMissing)
	require.ErrorContains(t, err, `"b"`)

	_, err = ComputeDelta(before, WeightMap{"a": {1}, "b": {2, 3}})
	require.ErrorIs(t, err, ErrShapeMismatch)
	require.ErrorContains(t, err, `"b"`)

	_, err = ComputeDelta(before, WeightMap{"a": {1}, "b": {2}, "c": {3}})
	require.ErrorIs(t, err, ErrTensorMissing)
	require.ErrorContains(t, err, `"c"`)
}

func TestL2NormFlattensAllTensors(t *testing.T) {
	require.Equal(t, 5.0, WeightMap{"a": {3, 4}}.L2Norm())
	require.Equal(t, 3.0, WeightMap{"a": {1, 2}, "b": {2}}.L2Norm())
	require.Equal(t, 0.0, WeightMap{"a": {0, 0}}.L2Norm())
	require.Equal(t, 0.0, WeightMap{}.L2Norm())
}

func TestAddSub(t *testing.T) {
	a := WeightMap{"w": {1, 2}}
	b := WeightMap{"w": {10, 20}}

	sum, err := a.Add(b)
	require.NoError(t, err)
	require.Equal(t, WeightMap{"w": {11, 22}}, sum)

	diff, err := b.Sub(a)
	require.NoError(t, err)
	require.Equal(t, WeightMap{"w": {9, 18}}, diff)

	_, err = a.Add(WeightMap{"v": {1, 2}})
	require.ErrorIs(t, err, ErrTensorMissing)
}

func TestDeltaArithmetic(t *testing.T) {
	d := WeightDelta{"w": {2, -4}}

	scaled := d.Scale(0.5)
	require.Equal(t, WeightDelta{"w": {1, -2}}, scaled)

	sum, err := d.Add(WeightDelta{"w": {1, 1}})
	require.NoError(t, err)
	require.Equal(t, WeightDelta{"w": {3, -3}}, sum)

	diff, err := d.Sub(WeightDelta{"w": {2, -4}})
	require.NoError(t, err)
	require.Equal(t, WeightDelta{"w": {0, 0}}, diff)

	zero := ZeroDelta(d)
	require.Equal(t, WeightDelta{"w": {0, 0}}, zero)
}

func TestSortedNamesAndNumParams(t *testing.T) {
	w := WeightMap{"b": {1}, "a": {1, 2}, "c": {}}

	require.Equal(t, []string{"a", "b", "c"}, w.SortedNames())
	require.Equal(t, 3, w.NumParams())
}
