package protocol

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
)

func validConfig() *SecAggConfig {
	return &SecAggConfig{
		NumClients:       3,
		Threshold:        2,
		MaxWeightNorm:    10,
		QuantizationBits: 0,
		RoundDuration:    time.Minute,
		TensorSchema:     map[string]int{"dense/kernel": 8, "dense/bias": 2},
	}
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, validConfig().Validate())

	cases := []struct {
		name   string
		mutate func(*SecAggConfig)
		errMsg string
	}{
		{"too few clients", func(c *SecAggConfig) { c.NumClients = 1 }, "num_clients"},
		{"threshold zero", func(c *SecAggConfig) { c.Threshold = 0 }, "threshold"},
		{"threshold above peer count", func(c *SecAggConfig) { c.Threshold = 3 }, "threshold"},
		{"zero norm", func(c *SecAggConfig) { c.MaxWeightNorm = 0 }, "max_weight_norm"},
		{"nan norm", func(c *SecAggConfig) { c.MaxWeightNorm = math.NaN() }, "max_weight_norm"},
		{"bad privacy budget", func(c *SecAggConfig) { c.Privacy = &privacy.Budget{Epsilon: -1, Delta: 1e-5} }, "privacy budget"},
		{"odd quantization width", func(c *SecAggConfig) { c.QuantizationBits = 12 }, "quantization width"},
		{"zero duration", func(c *SecAggConfig) { c.RoundDuration = 0 }, "round_duration"},
		{"empty schema", func(c *SecAggConfig) { c.TensorSchema = nil }, "tensor_schema"},
		{"zero dimension", func(c *SecAggConfig) { c.TensorSchema["dense/bias"] = 0 }, "dimension"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			config := validConfig()
			tc.mutate(config)
			require.ErrorContains(t, config.Validate(), tc.errMsg)
		})
	}
}

func TestConfigNumParamsAndNames(t *testing.T) {
	config := validConfig()
	require.Equal(t, 10, config.NumParams())
	require.Equal(t, []string{"dense/bias", "dense/kernel"}, config.SortedTensorNames())
}

func TestConfigCheckTensors(t *testing.T) {
	config := validConfig()

	require.NoError(t, config.CheckTensors(map[string][]float32{
		"dense/kernel": make([]float32, 8),
		"dense/bias":   make([]float32, 2),
	}))

	require.ErrorContains(t, config.CheckTensors(map[string][]float32{
		"dense/kernel": make([]float32, 8),
		"dense/bias":   make([]float32, 2),
		"ghost":        make([]float32, 1),
	}), "not in schema")

	require.ErrorIs(t, config.CheckTensors(map[string][]float32{
		"dense/kernel": make([]float32, 8),
	}), model.ErrTensorMissing)

	require.ErrorIs(t, config.CheckTensors(map[string][]float32{
		"dense/kernel": make([]float32, 8),
		"dense/bias":   make([]float32, 1),
	}), model.ErrShapeMismatch)
}
