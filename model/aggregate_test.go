package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFedAvgWeightsBySampleCount(t *testing.T) {
	updates := []ClientUpdate{
		{Delta: WeightDelta{"w": {4}}, SampleCount: 1},
		{Delta: WeightDelta{"w": {8}}, SampleCount: 3},
	}

	avg, err := FedAvg(updates)
	require.NoError(t, err)
	// (4*1 + 8*3) / 4 = 7
	require.Equal(t, WeightDelta{"w": {7}}, avg)
}

func TestFedAvgSingleClient(t *testing.T) {
	d := WeightDelta{"w": {1, -2, 3}}

	avg, err := FedAvg([]ClientUpdate{{Delta: d, SampleCount: 42}})
	require.NoError(t, err)
	require.Equal(t, d, avg)
}

func TestFedAvgValidation(t *testing.T) {
	_, err := FedAvg(nil)
	require.Error(t, err)

	_, err = FedAvg([]ClientUpdate{{Delta: WeightDelta{"w": {1}}, SampleCount: 0}})
	require.ErrorContains(t, err, "sample count")

	_, err = FedAvg([]ClientUpdate{
		{Delta: WeightDelta{"w": {1}}, SampleCount: 1},
		{Delta: WeightDelta{"v": {1}}, SampleCount: 1},
	})
	require.ErrorIs(t, err, ErrTensorMissing)
}

func TestSumDeltas(t *testing.T) {
	sum, err := SumDeltas([]WeightDelta{
		{"w": {1, 1}},
		{"w": {2, -1}},
		{"w": {3, 0}},
	})
	require.NoError(t, err)
	require.Equal(t, WeightDelta{"w": {6, 0}}, sum)

	_, err = SumDeltas(nil)
	require.Error(t, err)

	_, err = SumDeltas([]WeightDelta{{"w": {1}}, {"w": {1, 2}}})
	require.ErrorIs(t, err, ErrShapeMismatch)
}
