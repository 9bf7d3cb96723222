package protocol

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
)

// SecAggConfig provides configuration parameters shared by all participants
// of a secure aggregation deployment.
type SecAggConfig struct {
	// NumClients is the number of clients expected to start each round.
	NumClients int `json:"num_clients" yaml:"num_clients"`

	// Threshold is the number of seed shares required to recover a dropped
	// client's key, and the minimum number of survivors for a round to
	// complete.
	Threshold int `json:"threshold" yaml:"threshold"`

	// MaxWeightNorm bounds the L2 norm of a client's delta before masking.
	MaxWeightNorm float64 `json:"max_weight_norm" yaml:"max_weight_norm"`

	// Privacy is the per-update differential privacy budget. Nil disables
	// noise; clipping still applies.
	Privacy *privacy.Budget `json:"privacy,omitempty" yaml:"privacy,omitempty"`

	// QuantizationBits selects the wire width of masked updates. Zero sends
	// raw float tensors; 8 and 16 send quantized ones.
	QuantizationBits int `json:"quantization_bits" yaml:"quantization_bits"`

	// RoundDuration is the wall-clock length of a full four-phase round.
	RoundDuration time.Duration `json:"round_duration,string" yaml:"round_duration"`

	// TensorSchema maps tensor names to element counts. All participants
	// must agree on it for masks to line up.
	TensorSchema map[string]int `json:"tensor_schema" yaml:"tensor_schema"`
}

// Validate checks the configuration before any round state is created.
func (c *SecAggConfig) Validate() error {
	if c.NumClients < 2 {
		return fmt.Errorf("num_clients must be at least 2, got %d", c.NumClients)
	}
	// A client's key scalar is shared among the other NumClients-1 clients.
	if c.Threshold < 1 || c.Threshold > c.NumClients-1 {
		return fmt.Errorf("threshold must be within [1, %d], got %d", c.NumClients-1, c.Threshold)
	}
	if !(c.MaxWeightNorm > 0) {
		return fmt.Errorf("max_weight_norm must be positive, got %v", c.MaxWeightNorm)
	}
	if c.Privacy != nil {
		if err := c.Privacy.Validate(); err != nil {
			return fmt.Errorf("privacy budget: %w", err)
		}
	}
	switch c.QuantizationBits {
	case 0, 8, 16:
	default:
		return fmt.Errorf("unsupported quantization width %d", c.QuantizationBits)
	}
	if c.RoundDuration <= 0 {
		return errors.New("round_duration must be positive")
	}
	if len(c.TensorSchema) == 0 {
		return errors.New("tensor_schema must not be empty")
	}
	for name, dim := range c.TensorSchema {
		if dim <= 0 {
			return fmt.Errorf("tensor %q: dimension must be positive, got %d", name, dim)
		}
	}
	return nil
}

// NumParams returns the total element count across the schema.
func (c *SecAggConfig) NumParams() int {
	total := 0
	for _, dim := range c.TensorSchema {
		total += dim
	}
	return total
}

// SortedTensorNames returns the schema's tensor names in mask layout order.
func (c *SecAggConfig) SortedTensorNames() []string {
	return slices.Sorted(maps.Keys(c.TensorSchema))
}

// CheckTensors validates a tensor map against the schema: exactly the
// schema's names with exactly the schema's lengths.
func (c *SecAggConfig) CheckTensors(tensors map[string][]float32) error {
	for name := range tensors {
		if _, ok := c.TensorSchema[name]; !ok {
			return fmt.Errorf("tensor %q: not in schema", name)
		}
	}
	for name, dim := range c.TensorSchema {
		values, ok := tensors[name]
		if !ok {
			return fmt.Errorf("tensor %q: %w from update", name, model.ErrTensorMissing)
		}
		if len(values) != dim {
			return fmt.Errorf("tensor %q: %w: %d vs %d", name, model.ErrShapeMismatch, len(values), dim)
		}
	}
	return nil
}
