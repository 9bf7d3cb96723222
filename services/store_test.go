package services

import (
	"context"
	"testing"

	"github.com/octomil/secagg/testutil"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_Services(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	signed, _ := createSignedRegistration(t, ClientService, "http://localhost:9000")
	require.NoError(t, store.SaveService(ctx, signed))

	loaded, err := store.LoadAllServices(ctx)
	require.NoError(t, err)
	require.Len(t, loaded[ClientService], 1)
	require.Contains(t, loaded[ClientService], signed.Object.PublicKey)

	require.NoError(t, store.DeleteService(ctx, signed.Object.PublicKey))

	loaded, err = store.LoadAllServices(ctx)
	require.NoError(t, err)
	require.Len(t, loaded[ClientService], 0)
}

func TestInMemoryStore_RoundResults(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	_, err := store.LoadRoundResult(ctx, 1)
	require.ErrorIs(t, err, ErrNoRoundResult)

	_, err = store.LatestRoundResult(ctx)
	require.ErrorIs(t, err, ErrNoRoundResult)

	first := testutil.GenerateTestSignedRoundResult(testutil.WithRoundNumber(1))
	require.NoError(t, store.SaveRoundResult(ctx, first))

	second := testutil.GenerateTestSignedRoundResult(testutil.WithRoundNumber(2))
	require.NoError(t, store.SaveRoundResult(ctx, second))

	loaded, err := store.LoadRoundResult(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, first.Object.RoundID, loaded.Object.RoundID)

	latest, err := store.LatestRoundResult(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, latest.Object.RoundNumber)
}

func TestInMemoryStore_FirstResultWins(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	first := testutil.GenerateTestSignedRoundResult(testutil.WithRoundNumber(5))
	require.NoError(t, store.SaveRoundResult(ctx, first))

	// A second finalization of the same round is ignored.
	duplicate := testutil.GenerateTestSignedRoundResult(testutil.WithRoundNumber(5))
	require.NoError(t, store.SaveRoundResult(ctx, duplicate))

	loaded, err := store.LoadRoundResult(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, first.Object.RoundID, loaded.Object.RoundID)
}
