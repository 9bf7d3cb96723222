package crypto

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitReconstructRoundTrip(t *testing.T) {
	secret := uint32(123456789)

	shares, err := SplitSecret(secret, 3, 5)
	require.NoError(t, err)
	require.Len(t, shares, 5)

	for i, s := range shares {
		require.Equal(t, uint32(i+1), s.X)
		require.Less(t, s.Y, FieldOrder)
	}

	recovered, err := ReconstructSecret(shares, 3)
	require.NoError(t, err)
	require.Equal(t, secret, recovered)
}

func TestReconstructFromAnySubset(t *testing.T) {
	secret := uint32(987654321)

	shares, err := SplitSecret(secret, 2, 5)
	require.NoError(t, err)

	// Any two distinct shares interpolate back to the secret, regardless
	// of order.
	subsets := [][]Share{
		{shares[0], shares[1]},
		{shares[4], shares[2]},
		{shares[3], shares[0]},
		{shares[2], shares[1], shares[4]},
	}
	for _, subset := range subsets {
		recovered, err := ReconstructSecret(subset, 2)
		require.NoError(t, err)
		require.Equal(t, secret, recovered)
	}
}

func TestReconstructUsesFirstThresholdShares(t *testing.T) {
	secret := uint32(42)

	shares, err := SplitSecret(secret, 2, 4)
	require.NoError(t, err)

	// Corrupting a share beyond the first two must not affect the result.
	shares[3].Y = FieldAdd(shares[3].Y, 1)
	recovered, err := ReconstructSecret(shares, 2)
	require.NoError(t, err)
	require.Equal(t, secret, recovered)
}

func TestThresholdOne(t *testing.T) {
	secret := uint32(77)

	shares, err := SplitSecret(secret, 1, 3)
	require.NoError(t, err)

	// A degree-zero polynomial makes every share carry the secret.
	for _, s := range shares {
		require.Equal(t, secret, s.Y)
	}

	recovered, err := ReconstructSecret(shares[:1], 1)
	require.NoError(t, err)
	require.Equal(t, secret, recovered)
}

func TestReconstructInsufficientShares(t *testing.T) {
	shares, err := SplitSecret(5, 3, 5)
	require.NoError(t, err)

	_, err = ReconstructSecret(shares[:2], 3)
	require.ErrorIs(t, err, ErrInsufficientShares)
	require.ErrorContains(t, err, "got 2, need 3")
}

func TestSplitValidatesConfiguration(t *testing.T) {
	tests := []struct {
		name      string
		secret    uint32
		threshold int
		numShares int
	}{
		{"secret outside field", FieldOrder, 2, 3},
		{"zero threshold", 5, 0, 3},
		{"negative threshold", 5, -1, 3},
		{"threshold exceeds shares", 5, 4, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := SplitSecret(tt.secret, tt.threshold, tt.numShares)
			require.Error(t, err)
		})
	}
}

func TestReconstructRejectsMalformedShares(t *testing.T) {
	_, err := ReconstructSecret([]Share{{X: 1, Y: 5}, {X: 1, Y: 9}}, 2)
	require.ErrorContains(t, err, "duplicate share index")

	_, err = ReconstructSecret([]Share{{X: 0, Y: 5}, {X: 2, Y: 9}}, 2)
	require.ErrorContains(t, err, "invalid index")

	_, err = ReconstructSecret([]Share{{X: 1, Y: FieldOrder}, {X: 2, Y: 9}}, 2)
	require.ErrorContains(t, err, "value outside field")
}

func TestSharesLookRandom(t *testing.T) {
	// With threshold > 1 two splits of the same secret should produce
	// different share values.
	shares1, err := SplitSecret(1000, 3, 3)
	require.NoError(t, err)
	shares2, err := SplitSecret(1000, 3, 3)
	require.NoError(t, err)

	same := true
	for i := range shares1 {
		if shares1[i].Y != shares2[i].Y {
			same = false
		}
	}
	require.False(t, same, "two independent splits produced identical shares")
}

func TestRandomFieldElementRange(t *testing.T) {
	for i := 0; i < 100; i++ {
		v, err := RandomFieldElement(rand.Reader)
		require.NoError(t, err)
		require.Less(t, v, FieldOrder)
	}
}

func TestRandomFieldElementRejection(t *testing.T) {
	// A reader that first produces the rejected 31-bit value 2^31-1 and then
	// a valid element. The first draw must be discarded.
	r := bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF, 0x00, 0x00, 0x00, 0x07})
	v, err := RandomFieldElement(r)
	require.NoError(t, err)
	require.Equal(t, uint32(3), v)
}
