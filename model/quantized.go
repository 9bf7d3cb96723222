package model

// QuantizedTensor is one tensor in symmetric fixed-point form. Values are
// rounded multiples of Scale; with a zero point of zero, dequantization is
// just value * Scale.
type QuantizedTensor struct {
	Values []int32 `json:"values"`
	Scale  float32 `json:"scale"`
}

// QuantizedWeightMap carries quantized tensors together with the bit width
// they were encoded at. Bits is 8 or 16; each tensor keeps its own scale.
type QuantizedWeightMap struct {
	Bits    int                        `json:"bits"`
	Tensors map[string]QuantizedTensor `json:"tensors"`
}

// NumParams returns the total element count across all tensors.
func (q *QuantizedWeightMap) NumParams() int {
	n := 0
	for _, t := range q.Tensors {
		n += len(t.Values)
	}
	return n
}
