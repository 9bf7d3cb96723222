package privacy

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/octomil/secagg/model"
)

func TestClipReturnsInputWhenWithinBound(t *testing.T) {
	delta := model.WeightDelta{"w": {3, 4}} // norm 5

	clipped, err := Clip(delta, 5)
	require.NoError(t, err)

	// Within-bound clipping hands back the input itself.
	clipped["w"][0] = 42
	require.Equal(t, float32(42), delta["w"][0])
}

func TestClipScalesToBound(t *testing.T) {
	delta := model.WeightDelta{"w": {3, 4}} // norm 5

	clipped, err := Clip(delta, 1)
	require.NoError(t, err)

	require.InDelta(t, 0.6, clipped["w"][0], 1e-6)
	require.InDelta(t, 0.8, clipped["w"][1], 1e-6)
	require.InDelta(t, 1.0, clipped.L2Norm(), 1e-6)

	// The input stays untouched.
	require.Equal(t, float32(3), delta["w"][0])
}

func TestClipNormSpansTensors(t *testing.T) {
	// Norm is computed over all tensors flattened, not per tensor.
	delta := model.WeightDelta{"a": {3}, "b": {4}} // global norm 5

	clipped, err := Clip(delta, 1)
	require.NoError(t, err)
	require.InDelta(t, 1.0, clipped.L2Norm(), 1e-6)
}

func TestClipValidatesBound(t *testing.T) {
	_, err := Clip(model.WeightDelta{"w": {1}}, 0)
	require.Error(t, err)
	_, err = Clip(model.WeightDelta{"w": {1}}, -1)
	require.Error(t, err)
	_, err = Clip(model.WeightDelta{"w": {1}}, math.NaN())
	require.Error(t, err)
}

func TestBudgetValidate(t *testing.T) {
	tests := []struct {
		name    string
		budget  Budget
		wantErr string
	}{
		{"valid", Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: 2}, ""},
		{"zero sensitivity ok", Budget{Epsilon: 1, Delta: 1e-5}, ""},
		{"zero epsilon", Budget{Delta: 1e-5, Sensitivity: 1}, "epsilon"},
		{"negative epsilon", Budget{Epsilon: -1, Delta: 1e-5}, "epsilon"},
		{"nan epsilon", Budget{Epsilon: math.NaN(), Delta: 1e-5}, "epsilon"},
		{"zero delta", Budget{Epsilon: 1, Sensitivity: 1}, "delta"},
		{"negative sensitivity", Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: -1}, "sensitivity"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.budget.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestNoiseSigmaFormula(t *testing.T) {
	b := Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: 2}
	expected := 2 * math.Sqrt(2*math.Log(1.25/1e-5)) / 1
	require.InDelta(t, expected, NoiseSigma(b), 1e-12)

	// Sigma scales inversely with epsilon and linearly with sensitivity.
	require.InDelta(t, expected/2, NoiseSigma(Budget{Epsilon: 2, Delta: 1e-5, Sensitivity: 2}), 1e-12)
	require.InDelta(t, expected*3, NoiseSigma(Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: 6}), 1e-12)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("reader touched") }

func TestNoiseValidatesBudgetBeforeDrawingRandomness(t *testing.T) {
	delta := model.WeightDelta{"w": {1}}

	_, err := addGaussianNoiseFrom(failingReader{}, delta, Budget{Epsilon: 0, Delta: 1e-5})
	require.ErrorContains(t, err, "epsilon")
}

func TestGaussianSampleRejectsZeroFirstDraw(t *testing.T) {
	// Eight zero bytes force u1 = 0, which must be redrawn before the
	// logarithm is taken.
	data := make([]byte, 24)
	data[8] = 0x80  // second u1 draw = 0.5
	data[16] = 0x40 // u2 = 0.25

	z, err := gaussianSample(bytes.NewReader(data))
	require.NoError(t, err)
	require.False(t, math.IsNaN(z))
	require.False(t, math.IsInf(z, 0))
}

func TestGaussianNoiseDistribution(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping statistical test in short mode")
	}

	budget := Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: 1}
	sigma := NoiseSigma(budget)

	const n = 20000
	delta := model.WeightDelta{"w": make([]float32, n)}

	noisy, err := AddGaussianNoise(delta, budget)
	require.NoError(t, err)

	samples := make([]float64, n)
	for i, v := range noisy["w"] {
		samples[i] = float64(v)
	}

	mean := stat.Mean(samples, nil)
	stddev := stat.StdDev(samples, nil)

	require.InDelta(t, 0, mean, 0.05*sigma, "noise mean too far from zero")
	require.InDelta(t, sigma, stddev, 0.05*sigma, "noise stddev off calibration")
}

func TestFilterPipeline(t *testing.T) {
	filter, err := NewFilter(1, Budget{Epsilon: 1, Delta: 1e-5, Sensitivity: 0.1})
	require.NoError(t, err)

	delta := model.WeightDelta{"w": {30, 40}} // norm 50, clipped to 1

	protected, err := filter.Apply(delta)
	require.NoError(t, err)
	require.NotEqual(t, delta, protected)
	require.Equal(t, delta.SortedNames(), protected.SortedNames())

	// Clipped norm is 1 and sigma is small, so the protected norm stays
	// well below the raw input's.
	require.Less(t, protected.L2Norm(), 10.0)
}

func TestNewFilterValidation(t *testing.T) {
	_, err := NewFilter(0, Budget{Epsilon: 1, Delta: 1e-5})
	require.Error(t, err)

	_, err = NewFilter(1, Budget{Epsilon: 0, Delta: 1e-5})
	require.Error(t, err)
}
