package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testSecret(b byte) SharedSecret {
	var s SharedSecret
	for i := range s {
		s[i] = b
	}
	return s
}

func TestExpandMaskDeterministic(t *testing.T) {
	secret := testSecret(0x42)

	mask1, err := ExpandMask(secret, 128)
	require.NoError(t, err)
	mask2, err := ExpandMask(secret, 128)
	require.NoError(t, err)

	require.Len(t, mask1, 128)
	require.Equal(t, mask1, mask2)
}

func TestExpandMaskDistinctSecrets(t *testing.T) {
	mask1, err := ExpandMask(testSecret(0x01), 64)
	require.NoError(t, err)
	mask2, err := ExpandMask(testSecret(0x02), 64)
	require.NoError(t, err)

	require.NotEqual(t, mask1, mask2)
}

func TestExpandMaskPrefixProperty(t *testing.T) {
	secret := testSecret(0x07)

	short, err := ExpandMask(secret, 100)
	require.NoError(t, err)
	long, err := ExpandMask(secret, maxMaskBlock+500)
	require.NoError(t, err)

	// A longer mask always begins with the bytes of a shorter one.
	require.True(t, bytes.Equal(short, long[:100]))
}

func TestExpandMaskTiling(t *testing.T) {
	secret := testSecret(0x99)

	const n = maxMaskBlock + 1000
	mask, err := ExpandMask(secret, n)
	require.NoError(t, err)
	require.Len(t, mask, n)

	// Bytes beyond one HKDF expansion repeat the first block.
	for i := maxMaskBlock; i < n; i++ {
		require.Equal(t, mask[i-maxMaskBlock], mask[i], "tile mismatch at offset %d", i)
	}
}

func TestExpandMaskLengthValidation(t *testing.T) {
	_, err := ExpandMask(testSecret(0x01), 0)
	require.Error(t, err)
	_, err = ExpandMask(testSecret(0x01), -5)
	require.Error(t, err)
}
