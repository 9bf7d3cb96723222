// Package model defines the tensor containers exchanged during federated
// training rounds: named weight maps, update deltas, and their quantized
// transport form.
//
// Every operation that combines two maps requires identical tensor names and
// lengths on both sides and reports the first offending tensor by name.
// Operations never modify their operands; they return fresh maps.
package model

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
)

// WeightMap holds model parameters as named float32 tensors. Tensor shape is
// flattened; only the element count is tracked.
type WeightMap map[string][]float32

// ErrTensorMissing signals an operand lacking a tensor the other one has.
var ErrTensorMissing = errors.New("tensor missing")

// ErrShapeMismatch signals two same-named tensors of different lengths.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Clone returns a deep copy.
func (w WeightMap) Clone() WeightMap {
	out := make(WeightMap, len(w))
	for name, values := range w {
		out[name] = slices.Clone(values)
	}
	return out
}

// NumParams returns the total element count across all tensors.
func (w WeightMap) NumParams() int {
	n := 0
	for _, values := range w {
		n += len(values)
	}
	return n
}

// SortedNames returns the tensor names in lexicographic order. Masking and
// wire encoding iterate tensors in this order so all participants agree on
// the layout.
func (w WeightMap) SortedNames() []string {
	return sortedNames(w)
}

// L2Norm returns the Euclidean norm over all tensors flattened into one
// vector. Accumulation runs in float64 over sorted tensor names, so the
// result is independent of map iteration order.
func (w WeightMap) L2Norm() float64 {
	return l2Norm(w)
}

// Add returns the elementwise sum of two weight maps.
func (w WeightMap) Add(other WeightMap) (WeightMap, error) {
	names, err := alignedNames(w, other)
	if err != nil {
		return nil, err
	}

	out := make(WeightMap, len(w))
	for _, name := range names {
		a, b := w[name], other[name]
		sum := make([]float32, len(a))
		for i := range a {
			sum[i] = a[i] + b[i]
		}
		out[name] = sum
	}
	return out, nil
}

// Sub returns the elementwise difference w - other.
func (w WeightMap) Sub(other WeightMap) (WeightMap, error) {
	names, err := alignedNames(w, other)
	if err != nil {
		return nil, err
	}

	out := make(WeightMap, len(w))
	for _, name := range names {
		a, b := w[name], other[name]
		diff := make([]float32, len(a))
		for i := range a {
			diff[i] = a[i] - b[i]
		}
		out[name] = diff
	}
	return out, nil
}

func sortedNames(m map[string][]float32) []string {
	return slices.Sorted(maps.Keys(m))
}

func l2Norm(m map[string][]float32) float64 {
	sumSquares := 0.0
	for _, name := range sortedNames(m) {
		for _, v := range m[name] {
			sumSquares += float64(v) * float64(v)
		}
	}
	return math.Sqrt(sumSquares)
}

// alignedNames verifies both maps carry exactly the same tensors with equal
// lengths and returns the sorted tensor names.
func alignedNames(a, b map[string][]float32) ([]string, error) {
	for name := range b {
		if _, ok := a[name]; !ok {
			return nil, fmt.Errorf("tensor %q: %w from left operand", name, ErrTensorMissing)
		}
	}

	names := sortedNames(a)
	for _, name := range names {
		bv, ok := b[name]
		if !ok {
			return nil, fmt.Errorf("tensor %q: %w from right operand", name, ErrTensorMissing)
		}
		if len(a[name]) != len(bv) {
			return nil, fmt.Errorf("tensor %q: %w: %d vs %d", name, ErrShapeMismatch, len(a[name]), len(bv))
		}
	}
	return names, nil
}
