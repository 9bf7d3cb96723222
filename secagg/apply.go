package secagg

import (
	"fmt"
	"maps"
	"slices"

	"github.com/octomil/secagg/model"
)

// MaskUpdate adds per-tensor masks to a delta and returns a fresh map.
// Delta tensors without a mask are copied through, never aliased. A mask
// naming a tensor the delta lacks, or one whose length differs from the
// delta's, fails with the tensor named.
func MaskUpdate(delta model.WeightDelta, masks map[string][]float32) (model.WeightDelta, error) {
	return applyMasks(delta, masks, 1)
}

// Unmask subtracts per-tensor masks from a masked sum, inverting MaskUpdate
// up to float rounding.
func Unmask(masked model.WeightDelta, masks map[string][]float32) (model.WeightDelta, error) {
	return applyMasks(masked, masks, -1)
}

func applyMasks(delta model.WeightDelta, masks map[string][]float32, sign float32) (model.WeightDelta, error) {
	for _, name := range slices.Sorted(maps.Keys(masks)) {
		if _, ok := delta[name]; !ok {
			return nil, fmt.Errorf("mask tensor %q: %w from delta", name, model.ErrTensorMissing)
		}
	}

	out := make(model.WeightDelta, len(delta))
	for name, values := range delta {
		combined := make([]float32, len(values))
		copy(combined, values)
		if mask, ok := masks[name]; ok {
			if len(mask) != len(values) {
				return nil, fmt.Errorf("tensor %q: %w: %d vs %d", name, model.ErrShapeMismatch, len(mask), len(values))
			}
			for i := range combined {
				combined[i] += sign * mask[i]
			}
		}
		out[name] = combined
	}
	return out, nil
}

// SplitMask slices a flat combined mask into per-tensor segments following
// the schema's sorted tensor order. The flat length must equal the schema's
// total element count; segments are copied, not aliased into the input.
func SplitMask(flat []float32, schema map[string]int) (map[string][]float32, error) {
	total := 0
	for name, dim := range schema {
		if dim <= 0 {
			return nil, fmt.Errorf("tensor %q: dimension must be positive, got %d", name, dim)
		}
		total += dim
	}
	if len(flat) != total {
		return nil, fmt.Errorf("flat mask has %d elements, schema needs %d", len(flat), total)
	}

	masks := make(map[string][]float32, len(schema))
	off := 0
	for _, name := range slices.Sorted(maps.Keys(schema)) {
		dim := schema[name]
		segment := make([]float32, dim)
		copy(segment, flat[off:off+dim])
		masks[name] = segment
		off += dim
	}
	return masks, nil
}
