package model

import (
	"errors"
	"fmt"
)

// ClientUpdate pairs one client's delta with the number of training samples
// behind it.
type ClientUpdate struct {
	Delta       WeightDelta
	SampleCount int
}

// FedAvg computes the sample-weighted average of client deltas: each delta
// contributes proportionally to its sample count. All deltas must share the
// same tensor layout. Accumulation runs in float64.
func FedAvg(updates []ClientUpdate) (WeightDelta, error) {
	if len(updates) == 0 {
		return nil, errors.New("no updates to average")
	}

	totalSamples := 0
	for i, u := range updates {
		if u.SampleCount <= 0 {
			return nil, fmt.Errorf("update %d: sample count must be positive, got %d", i, u.SampleCount)
		}
		totalSamples += u.SampleCount
	}

	first := updates[0].Delta
	sums := make(map[string][]float64, len(first))
	for name, values := range first {
		sums[name] = make([]float64, len(values))
	}

	for i, u := range updates {
		if _, err := alignedNames(first, u.Delta); err != nil {
			return nil, fmt.Errorf("update %d: %w", i, err)
		}
		weight := float64(u.SampleCount)
		for name, values := range u.Delta {
			acc := sums[name]
			for j, v := range values {
				acc[j] += float64(v) * weight
			}
		}
	}

	out := make(WeightDelta, len(sums))
	for name, acc := range sums {
		avg := make([]float32, len(acc))
		for j, v := range acc {
			avg[j] = float32(v / float64(totalSamples))
		}
		out[name] = avg
	}
	return out, nil
}

// SumDeltas returns the elementwise sum of all deltas. Used by the
// coordinator where per-client weighting has already been applied.
func SumDeltas(deltas []WeightDelta) (WeightDelta, error) {
	if len(deltas) == 0 {
		return nil, errors.New("no deltas to sum")
	}

	sum := deltas[0].Clone()
	for i, d := range deltas[1:] {
		next, err := sum.Add(d)
		if err != nil {
			return nil, fmt.Errorf("delta %d: %w", i+1, err)
		}
		sum = next
	}
	return sum, nil
}
