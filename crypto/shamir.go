package crypto

import (
	"crypto/rand"
	"errors"
	"fmt"
)

// Share is a single evaluation point of a secret sharing polynomial.
// X is the evaluation index in [1, numShares] and Y the polynomial value.
type Share struct {
	X uint32 `json:"x"`
	Y uint32 `json:"y"`
}

// ErrInsufficientShares signals a reconstruction attempt with fewer shares
// than the threshold.
var ErrInsufficientShares = errors.New("insufficient shares")

// SplitSecret splits a field element into numShares shares of which any
// threshold suffice to reconstruct it. The secret becomes the constant term
// of a random polynomial of degree threshold-1 and share i is its evaluation
// at x = i+1. Configuration is validated before any randomness is consumed.
// A threshold of 1 is allowed and makes every share equal the secret.
func SplitSecret(secret uint32, threshold, numShares int) ([]Share, error) {
	if secret >= FieldOrder {
		return nil, fmt.Errorf("secret %d outside field", secret)
	}
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if numShares < threshold {
		return nil, fmt.Errorf("threshold %d exceeds share count %d", threshold, numShares)
	}

	coefficients := make([]uint32, threshold)
	coefficients[0] = secret
	for i := 1; i < threshold; i++ {
		c, err := RandomFieldElement(rand.Reader)
		if err != nil {
			return nil, err
		}
		coefficients[i] = c
	}

	shares := make([]Share, numShares)
	for i := range shares {
		x := uint32(i + 1)
		shares[i] = Share{X: x, Y: evalPolynomial(coefficients, x)}
	}
	return shares, nil
}

// evalPolynomial evaluates c[0] + c[1]*x + ... + c[t-1]*x^(t-1) over the
// field by Horner's rule.
func evalPolynomial(coefficients []uint32, x uint32) uint32 {
	sum := uint32(0)
	for i := len(coefficients) - 1; i > 0; i-- {
		sum = FieldMul(FieldAdd(sum, coefficients[i]), x)
	}
	return FieldAdd(sum, coefficients[0])
}

// ReconstructSecret recovers the secret from the first threshold shares by
// Lagrange interpolation at x = 0. Shares beyond the first threshold are
// ignored.
func ReconstructSecret(shares []Share, threshold int) (uint32, error) {
	if threshold < 1 {
		return 0, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	if len(shares) < threshold {
		return 0, fmt.Errorf("%w: got %d, need %d", ErrInsufficientShares, len(shares), threshold)
	}

	shares = shares[:threshold]
	for i, s := range shares {
		if s.X == 0 || s.X >= FieldOrder {
			return 0, fmt.Errorf("share %d: invalid index %d", i, s.X)
		}
		if s.Y >= FieldOrder {
			return 0, fmt.Errorf("share %d: value outside field", i)
		}
		for j := 0; j < i; j++ {
			if shares[j].X == s.X {
				return 0, fmt.Errorf("duplicate share index %d", s.X)
			}
		}
	}

	// sum_i y_i * prod_{j != i} x_j / (x_j - x_i)
	secret := uint32(0)
	for i := range shares {
		num, den := uint32(1), uint32(1)
		for j := range shares {
			if i == j {
				continue
			}
			num = FieldMul(num, shares[j].X)
			den = FieldMul(den, FieldSub(shares[j].X, shares[i].X))
		}
		inv, err := FieldInverse(den)
		if err != nil {
			return 0, err
		}
		secret = FieldAdd(secret, FieldMul(shares[i].Y, FieldMul(num, inv)))
	}
	return secret, nil
}
