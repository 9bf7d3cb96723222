package secagg

import "encoding/binary"

// MaskStream maps expanded mask bytes onto float32 values in [-1, 1). Every
// four bytes become one value: little-endian uint32, reinterpreted as int32,
// divided by 2^31. Both ends of a pair apply this map to identical bytes, so
// the resulting values cancel exactly.
func MaskStream(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		u := binary.LittleEndian.Uint32(raw[i*4:])
		out[i] = float32(int32(u)) / (1 << 31)
	}
	return out
}
