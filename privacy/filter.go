package privacy

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/octomil/secagg/model"
)

// Clip bounds the global L2 norm of a delta. When the norm over all tensors
// flattened is already within maxNorm the input is returned as-is, so callers
// can detect the no-op case by identity. Otherwise every element is scaled by
// maxNorm/norm and a fresh delta is returned.
func Clip(delta model.WeightDelta, maxNorm float64) (model.WeightDelta, error) {
	if !(maxNorm > 0) {
		return nil, fmt.Errorf("clip norm must be positive, got %v", maxNorm)
	}

	norm := delta.L2Norm()
	if norm <= maxNorm {
		return delta, nil
	}

	return delta.Scale(float32(maxNorm / norm)), nil
}

// AddGaussianNoise perturbs every element with independent Gaussian noise
// calibrated to the budget. The budget is validated before any randomness is
// consumed. Returns a fresh delta.
func AddGaussianNoise(delta model.WeightDelta, budget Budget) (model.WeightDelta, error) {
	return addGaussianNoiseFrom(rand.Reader, delta, budget)
}

func addGaussianNoiseFrom(r io.Reader, delta model.WeightDelta, budget Budget) (model.WeightDelta, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}

	sigma := NoiseSigma(budget)
	out := make(model.WeightDelta, len(delta))
	for _, name := range delta.SortedNames() {
		values := delta[name]
		noisy := make([]float32, len(values))
		for i, v := range values {
			z, err := gaussianSample(r)
			if err != nil {
				return nil, err
			}
			noisy[i] = float32(float64(v) + sigma*z)
		}
		out[name] = noisy
	}
	return out, nil
}

// gaussianSample draws one standard normal deviate via the Box-Muller
// transform. The first uniform feeds a logarithm, so zero draws are rejected
// and redrawn.
func gaussianSample(r io.Reader) (float64, error) {
	var u1 float64
	for {
		u, err := uniform01(r)
		if err != nil {
			return 0, err
		}
		if u > 0 {
			u1 = u
			break
		}
	}

	u2, err := uniform01(r)
	if err != nil {
		return 0, err
	}

	return math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2), nil
}

// uniform01 draws a uniform float64 in [0, 1) with 53 bits of precision.
func uniform01(r io.Reader) (float64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, fmt.Errorf("read random bytes: %w", err)
	}
	return float64(binary.BigEndian.Uint64(b[:])>>11) / (1 << 53), nil
}

// Filter bundles the client-side privacy pipeline: clip the delta to a norm
// bound, then add Gaussian noise calibrated to the budget.
type Filter struct {
	MaxNorm float64
	Budget  Budget
}

// NewFilter validates the configuration up front so a misconfigured filter
// fails at construction rather than mid-round.
func NewFilter(maxNorm float64, budget Budget) (*Filter, error) {
	if !(maxNorm > 0) {
		return nil, fmt.Errorf("clip norm must be positive, got %v", maxNorm)
	}
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	return &Filter{MaxNorm: maxNorm, Budget: budget}, nil
}

// Apply runs clip then noise and returns the protected delta.
func (f *Filter) Apply(delta model.WeightDelta) (model.WeightDelta, error) {
	clipped, err := Clip(delta, f.MaxNorm)
	if err != nil {
		return nil, err
	}
	return AddGaussianNoise(clipped, f.Budget)
}
