package secagg

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/octomil/secagg/crypto"
)

// CoordinatorView collects the seed shares survivors hand in for dropped
// participants and reconstructs key scalars once the configured threshold is
// met. The threshold is fixed at construction for the whole round.
type CoordinatorView struct {
	threshold int

	mu     sync.Mutex
	shares map[string][]ScalarShare
}

// NewCoordinatorView creates a view with the given reconstruction threshold.
func NewCoordinatorView(threshold int) (*CoordinatorView, error) {
	if threshold < 1 {
		return nil, fmt.Errorf("threshold must be at least 1, got %d", threshold)
	}
	return &CoordinatorView{
		threshold: threshold,
		shares:    make(map[string][]ScalarShare),
	}, nil
}

// Threshold returns the fixed reconstruction threshold.
func (v *CoordinatorView) Threshold() int {
	return v.threshold
}

// AddShare records one share of a participant's key scalar. Shares with an
// evaluation index already recorded for that participant are ignored.
func (v *CoordinatorView) AddShare(participantID string, share ScalarShare) {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, existing := range v.shares[participantID] {
		if existing.X == share.X {
			return
		}
	}
	v.shares[participantID] = append(v.shares[participantID], share)
}

// ShareCount returns how many distinct shares are held for a participant.
func (v *CoordinatorView) ShareCount(participantID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.shares[participantID])
}

// Participants returns the IDs shares have been collected for, sorted.
func (v *CoordinatorView) Participants() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return slices.Sorted(maps.Keys(v.shares))
}

// ReconstructScalar rebuilds a participant's key scalar from the collected
// shares. The share count is checked against the threshold before any field
// arithmetic runs, and only the first threshold shares are used.
func (v *CoordinatorView) ReconstructScalar(participantID string) ([]byte, error) {
	v.mu.Lock()
	collected := slices.Clone(v.shares[participantID])
	v.mu.Unlock()

	if len(collected) < v.threshold {
		return nil, fmt.Errorf("%w for %s: got %d, need %d",
			crypto.ErrInsufficientShares, participantID, len(collected), v.threshold)
	}
	return ReconstructScalar(collected, v.threshold)
}
