package privacy

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/octomil/secagg/model"
)

func TestQuantizeRoundTripWithinOneScale(t *testing.T) {
	delta := model.WeightDelta{
		"w": {0.0125, -3.7, 2.25, 9.99, -10},
		"b": {0.001, -0.002},
	}

	for _, bits := range []int{8, 16} {
		t.Run(map[int]string{8: "8bit", 16: "16bit"}[bits], func(t *testing.T) {
			q, err := Quantize(delta, bits)
			require.NoError(t, err)
			require.Equal(t, bits, q.Bits)

			decoded, err := Dequantize[model.WeightDelta](q)
			require.NoError(t, err)

			for name, values := range delta {
				scale := float64(q.Tensors[name].Scale)
				for i, v := range values {
					err := math.Abs(float64(v) - float64(decoded[name][i]))
					require.LessOrEqual(t, err, scale,
						"tensor %q element %d: error %v exceeds scale %v", name, i, err, scale)
				}
			}
		})
	}
}

func TestQuantizeScaleIsSymmetricMinMax(t *testing.T) {
	delta := model.WeightDelta{"w": {-12.7, 6.35}}

	q, err := Quantize(delta, 8)
	require.NoError(t, err)

	// scale = max|x| / 127, zero point is always zero.
	require.InDelta(t, 12.7/127, float64(q.Tensors["w"].Scale), 1e-6)
	require.Equal(t, int32(-127), q.Tensors["w"].Values[0])
}

func TestQuantizeAllZeroTensor(t *testing.T) {
	q, err := Quantize(model.WeightDelta{"w": {0, 0, 0}}, 16)
	require.NoError(t, err)

	// Zero tensors encode with scale 1 so dequantization is exact.
	require.Equal(t, float32(1), q.Tensors["w"].Scale)

	decoded, err := Dequantize[model.WeightDelta](q)
	require.NoError(t, err)
	require.Equal(t, model.WeightDelta{"w": {0, 0, 0}}, decoded)
}

func TestQuantizeRejectsUnsupportedWidths(t *testing.T) {
	for _, bits := range []int{0, 1, 4, 12, 32, -8} {
		_, err := Quantize(model.WeightDelta{"w": {1}}, bits)
		require.Error(t, err, "bits=%d", bits)
	}

	_, err := Dequantize[model.WeightDelta](&model.QuantizedWeightMap{Bits: 12})
	require.Error(t, err)
	_, err = Dequantize[model.WeightDelta](nil)
	require.Error(t, err)
}

func TestQuantizePreservesLayout(t *testing.T) {
	m := model.WeightMap{"a": {1, 2, 3}, "b": {4}}

	q, err := Quantize(m, 8)
	require.NoError(t, err)
	require.Equal(t, 4, q.NumParams())

	decoded, err := Dequantize[model.WeightMap](q)
	require.NoError(t, err)
	require.Equal(t, m.SortedNames(), decoded.SortedNames())
	require.Len(t, decoded["a"], 3)
	require.Len(t, decoded["b"], 1)
}
