// Package privacy implements the local differential privacy pipeline applied
// to update deltas before they enter secure aggregation: norm clipping,
// calibrated Gaussian noise, and fixed-point quantization for transport.
package privacy

import (
	"fmt"
	"math"
)

// Budget is a (epsilon, delta)-differential-privacy budget together with the
// query sensitivity the noise is calibrated against. Delta here is the DP
// failure probability, unrelated to weight deltas.
type Budget struct {
	Epsilon     float64 `json:"epsilon" yaml:"epsilon"`
	Delta       float64 `json:"delta" yaml:"delta"`
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
}

// Validate checks the budget parameters. Negated comparisons also reject NaN.
func (b Budget) Validate() error {
	if !(b.Epsilon > 0) {
		return fmt.Errorf("epsilon must be positive, got %v", b.Epsilon)
	}
	if !(b.Delta > 0) {
		return fmt.Errorf("delta must be positive, got %v", b.Delta)
	}
	if !(b.Sensitivity >= 0) {
		return fmt.Errorf("sensitivity must be non-negative, got %v", b.Sensitivity)
	}
	return nil
}

// NoiseSigma returns the Gaussian mechanism's standard deviation for this
// budget: sensitivity * sqrt(2 ln(1.25/delta)) / epsilon.
func NoiseSigma(b Budget) float64 {
	return b.Sensitivity * math.Sqrt(2*math.Log(1.25/b.Delta)) / b.Epsilon
}
