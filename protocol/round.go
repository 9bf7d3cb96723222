package protocol

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// RoundPhase identifies one of the four phases of a secure aggregation
// round.
type RoundPhase int

const (
	KeyAdvertisementPhase RoundPhase = iota
	ShareDistributionPhase
	MaskedSubmissionPhase
	UnmaskingPhase
)

func (p RoundPhase) String() string {
	switch p {
	case KeyAdvertisementPhase:
		return "key-advertisement"
	case ShareDistributionPhase:
		return "share-distribution"
	case MaskedSubmissionPhase:
		return "masked-submission"
	case UnmaskingPhase:
		return "unmasking"
	default:
		return "unknown"
	}
}

type Round struct {
	Number int
	Phase  RoundPhase
}

func (r Round) IsAfter(r2 Round) bool {
	return r.Number > r2.Number || (r.Number == r2.Number && r.Phase > r2.Phase)
}

func (r Round) Advance() Round {
	if r.Phase == UnmaskingPhase {
		return Round{r.Number + 1, KeyAdvertisementPhase}
	}
	return Round{r.Number, r.Phase + 1}
}

// RoundScheduler manages protocol round transitions.
type RoundScheduler interface {
	// CurrentRound returns the current protocol round.
	CurrentRound() Round

	// SubscribeToRounds receives round transition notifications.
	SubscribeToRounds(ctx context.Context) <-chan Round

	// Start begins round progression.
	Start(ctx context.Context)

	// AdvanceToRound manually advances to a specific round (for testing).
	AdvanceToRound(round Round)
}

type Subscriber struct {
	ctx context.Context
	ch  chan Round
}

// LocalRoundScheduler advances rounds on wall-clock quarters, one phase per
// quarter of the round duration.
type LocalRoundScheduler struct {
	mu            sync.RWMutex
	currentRound  Round
	roundDuration time.Duration
	subscribers   []Subscriber
	started       *atomic.Bool
}

// NewLocalRoundScheduler creates a time-based round scheduler.
func NewLocalRoundScheduler(roundDuration time.Duration) *LocalRoundScheduler {
	return &LocalRoundScheduler{
		currentRound:  Round{0, KeyAdvertisementPhase},
		roundDuration: roundDuration,
		subscribers:   make([]Subscriber, 0),
		started:       &atomic.Bool{},
	}
}

// CurrentRound returns the current protocol round.
func (c *LocalRoundScheduler) CurrentRound() Round {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentRound
}

// SubscribeToRounds receives round transition notifications.
func (c *LocalRoundScheduler) SubscribeToRounds(ctx context.Context) <-chan Round {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan Round, 10)
	c.subscribers = append(c.subscribers, Subscriber{ctx, ch})

	// Send current round immediately
	current := c.currentRound
	go func() {
		ch <- current
	}()

	return ch
}

func RoundForTime(instant time.Time, roundDuration time.Duration) Round {
	nTicks := instant.UnixMilli() / (roundDuration.Milliseconds() / 4)
	return Round{int(nTicks / 4), RoundPhase(nTicks % 4)}
}

func TimeForRound(round Round, roundDuration time.Duration) time.Time {
	startTime := time.Unix(0, 0)
	return startTime.Add(time.Duration(round.Number) * roundDuration).Add(time.Duration(round.Phase) * roundDuration / 4)
}

// Start begins round progression.
func (c *LocalRoundScheduler) Start(ctx context.Context) {
	if c.started.Swap(true) {
		return
	}

	c.mu.Lock()
	c.currentRound = RoundForTime(time.Now(), c.roundDuration)
	c.mu.Unlock()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Until(TimeForRound(c.CurrentRound().Advance(), c.roundDuration))):
				c.advanceRound()
			}
		}
	}()
}

// AdvanceToRound manually advances to a specific round.
// Only used in tests.
func (c *LocalRoundScheduler) AdvanceToRound(round Round) {
	for round.IsAfter(c.CurrentRound()) {
		c.advanceRound()
	}
}

// advanceRound moves to the next round and notifies subscribers.
func (c *LocalRoundScheduler) advanceRound() {
	c.mu.Lock()
	c.currentRound = c.currentRound.Advance()
	newRound := c.currentRound

	// Notify subscribers
	toRemove := []int{}
	for i, sub := range c.subscribers {
		select {
		case <-sub.ctx.Done():
			close(sub.ch)
			toRemove = append(toRemove, i)
		case sub.ch <- newRound:
		default:
			// Skip if channel is full
		}
	}

	// Not critical to optimize this
	slices.Reverse(toRemove)
	for _, i := range toRemove {
		c.subscribers = slices.Delete(c.subscribers, i, i+1)
	}

	c.mu.Unlock()
}
