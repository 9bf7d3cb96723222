package privacy

import (
	"fmt"
	"math"

	"github.com/octomil/secagg/model"
)

// Quantize encodes float32 tensors into symmetric fixed-point form for
// transport. Each tensor gets its own scale, max|x| / maxRepresentable, with
// a zero point of zero; an all-zero tensor encodes with scale 1. Only 8 and
// 16 bit widths are supported and the width is checked before any work.
func Quantize[M ~map[string][]float32](m M, bits int) (*model.QuantizedWeightMap, error) {
	if bits != 8 && bits != 16 {
		return nil, fmt.Errorf("unsupported bit width %d, want 8 or 16", bits)
	}
	maxRepresentable := float64(int32(1)<<(bits-1) - 1)

	out := &model.QuantizedWeightMap{
		Bits:    bits,
		Tensors: make(map[string]model.QuantizedTensor, len(m)),
	}
	for name, values := range m {
		maxAbs := 0.0
		for _, v := range values {
			if a := math.Abs(float64(v)); a > maxAbs {
				maxAbs = a
			}
		}

		scale := 1.0
		if maxAbs > 0 {
			scale = maxAbs / maxRepresentable
		}

		quantized := make([]int32, len(values))
		for i, v := range values {
			q := math.Round(float64(v) / scale)
			if q > maxRepresentable {
				q = maxRepresentable
			} else if q < -maxRepresentable {
				q = -maxRepresentable
			}
			quantized[i] = int32(q)
		}
		out.Tensors[name] = model.QuantizedTensor{Values: quantized, Scale: float32(scale)}
	}
	return out, nil
}

// Dequantize decodes a quantized map back into float32 tensors. The type
// parameter selects the result type, model.WeightMap or model.WeightDelta.
func Dequantize[M ~map[string][]float32](q *model.QuantizedWeightMap) (M, error) {
	if q == nil {
		return nil, fmt.Errorf("nil quantized map")
	}
	if q.Bits != 8 && q.Bits != 16 {
		return nil, fmt.Errorf("unsupported bit width %d, want 8 or 16", q.Bits)
	}

	out := make(M, len(q.Tensors))
	for name, tensor := range q.Tensors {
		values := make([]float32, len(tensor.Values))
		for i, v := range tensor.Values {
			values[i] = float32(v) * tensor.Scale
		}
		out[name] = values
	}
	return out, nil
}
