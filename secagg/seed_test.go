package secagg

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/octomil/secagg/crypto"
)

func TestScalarShareRoundTrip(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	scalar := key.Bytes()

	shares, err := SplitScalar(scalar, 3, 5)
	require.NoError(t, err)
	require.Len(t, shares, 5)
	for i, s := range shares {
		require.Equal(t, uint32(i+1), s.X)
		require.Len(t, s.Limbs, 16)
	}

	recovered, err := ReconstructScalar(shares[:3], 3)
	require.NoError(t, err)
	require.Equal(t, scalar, recovered)

	// Any three shares reconstruct, not just the first three.
	recovered, err = ReconstructScalar(shares[2:], 3)
	require.NoError(t, err)
	require.Equal(t, scalar, recovered)
}

func TestReconstructedScalarDerivesSameSecrets(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	peer, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)

	shares, err := SplitScalar(key.Bytes(), 2, 4)
	require.NoError(t, err)
	scalar, err := ReconstructScalar(shares[1:3], 2)
	require.NoError(t, err)

	rebuilt, err := crypto.ParseExchangePrivateKey(scalar)
	require.NoError(t, err)
	require.True(t, rebuilt.Equal(key))

	want, err := crypto.DeriveSharedSecret(key, peer.PublicKey())
	require.NoError(t, err)
	got, err := crypto.DeriveSharedSecret(rebuilt, peer.PublicKey())
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestSplitScalarValidation(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	scalar := key.Bytes()

	_, err = SplitScalar(scalar[:16], 2, 3)
	require.ErrorContains(t, err, "32 bytes")

	_, err = SplitScalar(scalar, 0, 3)
	require.Error(t, err)

	_, err = SplitScalar(scalar, 4, 3)
	require.Error(t, err)
}

func TestReconstructScalarInsufficientShares(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	shares, err := SplitScalar(key.Bytes(), 3, 3)
	require.NoError(t, err)

	_, err = ReconstructScalar(shares[:2], 3)
	require.ErrorIs(t, err, crypto.ErrInsufficientShares)
	require.ErrorContains(t, err, "got 2, need 3")
}

func TestReconstructScalarRejectsMalformedShares(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	shares, err := SplitScalar(key.Bytes(), 2, 2)
	require.NoError(t, err)

	truncated := []ScalarShare{shares[0], {X: shares[1].X, Limbs: shares[1].Limbs[:8]}}
	_, err = ReconstructScalar(truncated, 2)
	require.ErrorContains(t, err, "limbs")
}

func TestCorruptedShareChangesReconstruction(t *testing.T) {
	key, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)
	shares, err := SplitScalar(key.Bytes(), 2, 2)
	require.NoError(t, err)

	corrupted := []ScalarShare{
		{X: shares[0].X, Limbs: append([]uint32(nil), shares[0].Limbs...)},
		shares[1],
	}
	corrupted[0].Limbs[3] = crypto.FieldAdd(corrupted[0].Limbs[3], 1)

	got, err := ReconstructScalar(corrupted, 2)
	if err == nil {
		require.NotEqual(t, key.Bytes(), got)
	}
}
