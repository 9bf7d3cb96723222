package protocol

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRoundAdvanceWalksPhases(t *testing.T) {
	round := Round{1, KeyAdvertisementPhase}

	round = round.Advance()
	require.Equal(t, Round{1, ShareDistributionPhase}, round)
	round = round.Advance()
	require.Equal(t, Round{1, MaskedSubmissionPhase}, round)
	round = round.Advance()
	require.Equal(t, Round{1, UnmaskingPhase}, round)
	round = round.Advance()
	require.Equal(t, Round{2, KeyAdvertisementPhase}, round)
}

func TestRoundIsAfter(t *testing.T) {
	require.True(t, Round{2, KeyAdvertisementPhase}.IsAfter(Round{1, UnmaskingPhase}))
	require.True(t, Round{1, MaskedSubmissionPhase}.IsAfter(Round{1, ShareDistributionPhase}))
	require.False(t, Round{1, ShareDistributionPhase}.IsAfter(Round{1, ShareDistributionPhase}))
	require.False(t, Round{1, UnmaskingPhase}.IsAfter(Round{2, KeyAdvertisementPhase}))
}

func TestRoundPhaseStrings(t *testing.T) {
	require.Equal(t, "key-advertisement", KeyAdvertisementPhase.String())
	require.Equal(t, "share-distribution", ShareDistributionPhase.String())
	require.Equal(t, "masked-submission", MaskedSubmissionPhase.String())
	require.Equal(t, "unmasking", UnmaskingPhase.String())
}

func TestRoundTimeRoundTrip(t *testing.T) {
	duration := 20 * time.Second

	for _, round := range []Round{
		{1, KeyAdvertisementPhase},
		{7, MaskedSubmissionPhase},
		{123456, UnmaskingPhase},
	} {
		require.Equal(t, round, RoundForTime(TimeForRound(round, duration), duration))
	}
}

func TestLocalRoundSchedulerSubscription(t *testing.T) {
	scheduler := NewLocalRoundScheduler(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := scheduler.SubscribeToRounds(ctx)
	require.Equal(t, Round{0, KeyAdvertisementPhase}, <-ch)

	scheduler.AdvanceToRound(Round{1, ShareDistributionPhase})

	for _, want := range []Round{
		{0, ShareDistributionPhase},
		{0, MaskedSubmissionPhase},
		{0, UnmaskingPhase},
		{1, KeyAdvertisementPhase},
		{1, ShareDistributionPhase},
	} {
		require.Equal(t, want, <-ch)
	}
	require.Equal(t, Round{1, ShareDistributionPhase}, scheduler.CurrentRound())
}

func TestLocalRoundSchedulerDropsCanceledSubscribers(t *testing.T) {
	scheduler := NewLocalRoundScheduler(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	ch := scheduler.SubscribeToRounds(ctx)
	require.Equal(t, Round{0, KeyAdvertisementPhase}, <-ch)

	cancel()

	// Removal races with delivery while the channel has buffer room, so
	// advance past the buffer size to guarantee the subscriber is dropped.
	scheduler.AdvanceToRound(Round{3, KeyAdvertisementPhase})

	for range ch {
		// Drain rounds delivered before the cancellation was noticed.
	}

	scheduler.mu.RLock()
	subscribers := len(scheduler.subscribers)
	scheduler.mu.RUnlock()
	require.Zero(t, subscribers)
}
