package crypto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// FieldOrder is the Mersenne prime 2^31 - 1. All secret sharing arithmetic
// runs over GF(FieldOrder), so every element fits a uint32 and every product
// of two elements fits a uint64.
const FieldOrder uint32 = 1<<31 - 1

// fieldReduce reduces x modulo 2^31 - 1. Since 2^31 = 1 (mod p) the high
// bits fold into the low bits; two folds bring any 64-bit product into
// [0, 2^31] and one conditional subtraction finishes.
func fieldReduce(x uint64) uint32 {
	x = (x >> 31) + (x & uint64(FieldOrder))
	x = (x >> 31) + (x & uint64(FieldOrder))
	if x >= uint64(FieldOrder) {
		x -= uint64(FieldOrder)
	}
	return uint32(x)
}

// FieldAdd returns (a + b) mod FieldOrder.
func FieldAdd(a, b uint32) uint32 {
	return fieldReduce(uint64(a) + uint64(b))
}

// FieldSub returns (a - b) mod FieldOrder, normalized into [0, FieldOrder).
func FieldSub(a, b uint32) uint32 {
	return fieldReduce(uint64(a) + uint64(FieldOrder) - uint64(b))
}

// FieldMul returns (a * b) mod FieldOrder. The product is widened to uint64
// before reduction.
func FieldMul(a, b uint32) uint32 {
	return fieldReduce(uint64(a) * uint64(b))
}

// FieldExp returns base^exp mod FieldOrder by square and multiply.
func FieldExp(base, exp uint32) uint32 {
	result := uint32(1)
	for ; exp > 0; exp >>= 1 {
		if exp&1 == 1 {
			result = FieldMul(result, base)
		}
		base = FieldMul(base, base)
	}
	return result
}

// FieldInverse returns the multiplicative inverse of a via Fermat's little
// theorem: a^(p-2) mod p. The zero element has no inverse.
func FieldInverse(a uint32) (uint32, error) {
	if a == 0 {
		return 0, errors.New("no inverse for the zero element")
	}
	return FieldExp(a, FieldOrder-2), nil
}

// RandomFieldElement draws a uniform element of [0, FieldOrder) from r using
// rejection sampling over 31-bit values.
func RandomFieldElement(r io.Reader) (uint32, error) {
	b := make([]byte, 4)
	for {
		if _, err := io.ReadFull(r, b); err != nil {
			return 0, fmt.Errorf("read random element: %w", err)
		}
		v := binary.BigEndian.Uint32(b) >> 1
		if v < FieldOrder {
			return v, nil
		}
	}
}
