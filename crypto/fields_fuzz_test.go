package crypto

import (
	"testing"
)

func FuzzFieldAdd(f *testing.F) {
	// Add seed corpus
	f.Add(uint32(0), uint32(0))
	f.Add(uint32(1), uint32(1))
	f.Add(FieldOrder-1, FieldOrder-1)
	f.Add(uint32(1<<30), uint32(1<<30))

	f.Fuzz(func(t *testing.T, a, b uint32) {
		a %= FieldOrder
		b %= FieldOrder

		result := FieldAdd(a, b)

		// Invariant 1: Result is in range [0, FieldOrder)
		if result >= FieldOrder {
			t.Errorf("result >= FieldOrder: %d", result)
		}

		// Invariant 2: Result equals (a + b) mod FieldOrder
		expected := uint32((uint64(a) + uint64(b)) % uint64(FieldOrder))
		if result != expected {
			t.Errorf("incorrect result: got %d, want %d", result, expected)
		}

		// Invariant 3: Commutativity
		if FieldAdd(b, a) != result {
			t.Errorf("commutativity failed: %d + %d", a, b)
		}
	})
}

func FuzzFieldSub(f *testing.F) {
	// Add seed corpus
	f.Add(uint32(0), uint32(0))
	f.Add(uint32(1), uint32(2)) // Underflow case
	f.Add(FieldOrder-1, uint32(1))

	f.Fuzz(func(t *testing.T, a, b uint32) {
		a %= FieldOrder
		b %= FieldOrder

		result := FieldSub(a, b)

		// Invariant 1: Result is in range [0, FieldOrder)
		if result >= FieldOrder {
			t.Errorf("result >= FieldOrder: %d", result)
		}

		// Invariant 2: (a - b) + b = a
		if roundTrip := FieldAdd(result, b); roundTrip != a {
			t.Errorf("inverse property failed: (%d - %d) + %d = %d, want %d", a, b, b, roundTrip, a)
		}
	})
}

func FuzzFieldMul(f *testing.F) {
	// Add seed corpus
	f.Add(uint32(0), uint32(0))
	f.Add(uint32(1), FieldOrder-1)
	f.Add(FieldOrder-1, FieldOrder-1)
	f.Add(uint32(65537), uint32(40503))

	f.Fuzz(func(t *testing.T, a, b uint32) {
		a %= FieldOrder
		b %= FieldOrder

		result := FieldMul(a, b)

		// Invariant 1: Result is in range [0, FieldOrder)
		if result >= FieldOrder {
			t.Errorf("result >= FieldOrder: %d", result)
		}

		// Invariant 2: Folding reduction matches plain modular reduction
		expected := uint32((uint64(a) * uint64(b)) % uint64(FieldOrder))
		if result != expected {
			t.Errorf("incorrect result: got %d, want %d (a=%d, b=%d)", result, expected, a, b)
		}

		// Invariant 3: Commutativity
		if FieldMul(b, a) != result {
			t.Errorf("commutativity failed: %d * %d", a, b)
		}
	})
}

func FuzzFieldInverse(f *testing.F) {
	// Add seed corpus
	f.Add(uint32(1))
	f.Add(uint32(2))
	f.Add(FieldOrder - 1)
	f.Add(uint32(123456789))

	f.Fuzz(func(t *testing.T, a uint32) {
		a %= FieldOrder
		if a == 0 {
			if _, err := FieldInverse(0); err == nil {
				t.Error("inverse of zero should fail")
			}
			return
		}

		inv, err := FieldInverse(a)
		if err != nil {
			t.Fatalf("inverse failed for %d: %v", a, err)
		}

		// Invariant: a * a^-1 = 1
		if prod := FieldMul(a, inv); prod != 1 {
			t.Errorf("a * a^-1 = %d, want 1 (a=%d, inv=%d)", prod, a, inv)
		}
	})
}
