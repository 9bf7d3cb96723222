package secagg

import (
	"encoding/binary"
	"fmt"

	"github.com/octomil/secagg/crypto"
)

// A P-256 scalar is 32 bytes, shared limb-wise as 16 big-endian uint16
// values. Every limb is far below the field order, so each one fits a single
// field element.
const (
	scalarSize  = 32
	scalarLimbs = scalarSize / 2
)

// ScalarShare is one participant's share of another participant's 32-byte
// exchange key scalar. X is the Shamir evaluation index, shared by all
// limbs; Limbs holds one share value per 16-bit limb of the scalar.
type ScalarShare struct {
	X     uint32   `json:"x"`
	Limbs []uint32 `json:"limbs"`
}

// SplitScalar threshold-shares a 32-byte key scalar. Each of the 16 limbs is
// split independently with the same (threshold, numShares) parameters, and
// share i collects the i-th evaluation of every limb polynomial.
func SplitScalar(scalar []byte, threshold, numShares int) ([]ScalarShare, error) {
	if len(scalar) != scalarSize {
		return nil, fmt.Errorf("scalar must be %d bytes, got %d", scalarSize, len(scalar))
	}

	bundles := make([]ScalarShare, numShares)
	for i := range bundles {
		bundles[i] = ScalarShare{X: uint32(i + 1), Limbs: make([]uint32, scalarLimbs)}
	}

	for limb := 0; limb < scalarLimbs; limb++ {
		secret := uint32(binary.BigEndian.Uint16(scalar[2*limb:]))
		shares, err := crypto.SplitSecret(secret, threshold, numShares)
		if err != nil {
			return nil, fmt.Errorf("split limb %d: %w", limb, err)
		}
		for i, s := range shares {
			bundles[i].Limbs[limb] = s.Y
		}
	}
	return bundles, nil
}

// ReconstructScalar rebuilds a key scalar from the first threshold shares.
// Limb values that interpolate outside the 16-bit range indicate corrupted
// or mismatched shares and fail reconstruction.
func ReconstructScalar(shares []ScalarShare, threshold int) ([]byte, error) {
	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: got %d, need %d", crypto.ErrInsufficientShares, len(shares), threshold)
	}
	for i, s := range shares {
		if len(s.Limbs) != scalarLimbs {
			return nil, fmt.Errorf("share %d: want %d limbs, got %d", i, scalarLimbs, len(s.Limbs))
		}
	}

	scalar := make([]byte, scalarSize)
	limbShares := make([]crypto.Share, len(shares))
	for limb := 0; limb < scalarLimbs; limb++ {
		for i, s := range shares {
			limbShares[i] = crypto.Share{X: s.X, Y: s.Limbs[limb]}
		}
		value, err := crypto.ReconstructSecret(limbShares, threshold)
		if err != nil {
			return nil, fmt.Errorf("reconstruct limb %d: %w", limb, err)
		}
		if value > 0xFFFF {
			return nil, fmt.Errorf("limb %d out of range: %d", limb, value)
		}
		binary.BigEndian.PutUint16(scalar[2*limb:], uint16(value))
	}
	return scalar, nil
}
