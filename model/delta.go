package model

import "slices"

// WeightDelta is the difference between two weight maps, after minus before.
// Deltas are value-like: once computed they are never modified in place.
type WeightDelta map[string][]float32

// ComputeDelta returns after - before. Both maps must carry exactly the same
// tensors with equal lengths.
func ComputeDelta(before, after WeightMap) (WeightDelta, error) {
	names, err := alignedNames(before, after)
	if err != nil {
		return nil, err
	}

	delta := make(WeightDelta, len(before))
	for _, name := range names {
		b, a := before[name], after[name]
		d := make([]float32, len(b))
		for i := range b {
			d[i] = a[i] - b[i]
		}
		delta[name] = d
	}
	return delta, nil
}

// ApplyDelta returns a new weight map with the delta added onto w.
func (w WeightMap) ApplyDelta(delta WeightDelta) (WeightMap, error) {
	names, err := alignedNames(w, delta)
	if err != nil {
		return nil, err
	}

	out := make(WeightMap, len(w))
	for _, name := range names {
		base, d := w[name], delta[name]
		updated := make([]float32, len(base))
		for i := range base {
			updated[i] = base[i] + d[i]
		}
		out[name] = updated
	}
	return out, nil
}

// Clone returns a deep copy.
func (d WeightDelta) Clone() WeightDelta {
	out := make(WeightDelta, len(d))
	for name, values := range d {
		out[name] = slices.Clone(values)
	}
	return out
}

// NumParams returns the total element count across all tensors.
func (d WeightDelta) NumParams() int {
	n := 0
	for _, values := range d {
		n += len(values)
	}
	return n
}

// SortedNames returns the tensor names in lexicographic order.
func (d WeightDelta) SortedNames() []string {
	return sortedNames(d)
}

// L2Norm returns the Euclidean norm over all tensors flattened into one vector.
func (d WeightDelta) L2Norm() float64 {
	return l2Norm(d)
}

// Scale returns the delta with every element multiplied by factor.
func (d WeightDelta) Scale(factor float32) WeightDelta {
	out := make(WeightDelta, len(d))
	for name, values := range d {
		scaled := make([]float32, len(values))
		for i, v := range values {
			scaled[i] = v * factor
		}
		out[name] = scaled
	}
	return out
}

// Add returns the elementwise sum of two deltas.
func (d WeightDelta) Add(other WeightDelta) (WeightDelta, error) {
	names, err := alignedNames(d, other)
	if err != nil {
		return nil, err
	}

	out := make(WeightDelta, len(d))
	for _, name := range names {
		a, b := d[name], other[name]
		sum := make([]float32, len(a))
		for i := range a {
			sum[i] = a[i] + b[i]
		}
		out[name] = sum
	}
	return out, nil
}

// Sub returns the elementwise difference d - other.
func (d WeightDelta) Sub(other WeightDelta) (WeightDelta, error) {
	names, err := alignedNames(d, other)
	if err != nil {
		return nil, err
	}

	out := make(WeightDelta, len(d))
	for _, name := range names {
		a, b := d[name], other[name]
		diff := make([]float32, len(a))
		for i := range a {
			diff[i] = a[i] - b[i]
		}
		out[name] = diff
	}
	return out, nil
}

// ZeroDelta returns a delta with the same tensor layout as the template and
// every element zero.
func ZeroDelta(template WeightDelta) WeightDelta {
	out := make(WeightDelta, len(template))
	for name, values := range template {
		out[name] = make([]float32, len(values))
	}
	return out
}
