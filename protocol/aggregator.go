package protocol

import (
	"errors"
	"fmt"
	"sync"

	"github.com/octomil/secagg/crypto"
)

// AggregatorService combines masked updates near the clients to reduce
// bandwidth to the coordinator. Masked updates can be summed anywhere:
// pairwise masks cancel no matter where the addition happens. The aggregator
// verifies client signatures and authorization; session tokens are checked
// by the coordinator, which instead authorizes the aggregator itself.
type AggregatorService struct {
	config     *SecAggConfig
	signingKey crypto.PrivateKey

	clientsMutex      sync.Mutex
	authorizedClients map[ParticipantID]bool

	roundMutex   sync.Mutex
	currentRound int
	roundData    *AggregatorRoundData
}

// AggregatorRoundData holds per-round aggregation state.
type AggregatorRoundData struct {
	Round int
	Seen  map[ParticipantID]bool
	Sum   *AggregatedUpdate
}

// NewAggregatorService creates an aggregator service.
func NewAggregatorService(config *SecAggConfig, signingKey crypto.PrivateKey) (*AggregatorService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &AggregatorService{
		config:            config,
		signingKey:        signingKey,
		authorizedClients: make(map[ParticipantID]bool),
		roundData:         nil,
	}, nil
}

// AdvanceToRound transitions the aggregator to a new protocol round.
func (a *AggregatorService) AdvanceToRound(round Round) {
	a.roundMutex.Lock()
	defer a.roundMutex.Unlock()

	if a.currentRound >= round.Number {
		return
	}

	a.currentRound = round.Number
	a.roundData = &AggregatorRoundData{
		Round: a.currentRound,
		Seen:  make(map[ParticipantID]bool),
		Sum:   nil,
	}
}

// RegisterClient authorizes a client to submit updates.
func (a *AggregatorService) RegisterClient(pubkey crypto.PublicKey) error {
	a.clientsMutex.Lock()
	defer a.clientsMutex.Unlock()

	a.authorizedClients[pubkey.String()] = true
	return nil
}

// DeregisterClient removes a client's authorization.
func (a *AggregatorService) DeregisterClient(pubkey crypto.PublicKey) error {
	a.clientsMutex.Lock()
	defer a.clientsMutex.Unlock()

	delete(a.authorizedClients, pubkey.String())
	return nil
}

// VerifiedUpdate pairs a masked update with its verified signer.
type VerifiedUpdate struct {
	Update *MaskedUpdate
	Signer crypto.PublicKey
}

// VerifyMaskedUpdates checks the signatures of a batch of submissions.
func VerifyMaskedUpdates(msgs []*Signed[MaskedUpdate]) ([]VerifiedUpdate, error) {
	verified := make([]VerifiedUpdate, 0, len(msgs))
	for _, msg := range msgs {
		update, signerKey, err := msg.Recover()
		if err != nil {
			return nil, err
		}
		verified = append(verified, VerifiedUpdate{Update: update, Signer: signerKey})
	}
	return verified, nil
}

// ProcessMaskedUpdates verifies and folds signed client updates.
func (a *AggregatorService) ProcessMaskedUpdates(msgs []*Signed[MaskedUpdate]) (*AggregatedUpdate, error) {
	verified, err := VerifyMaskedUpdates(msgs)
	if err != nil {
		return nil, err
	}
	return a.ProcessVerifiedUpdates(verified)
}

// ProcessVerifiedUpdates folds pre-verified client updates into the round
// sum.
func (a *AggregatorService) ProcessVerifiedUpdates(verified []VerifiedUpdate) (*AggregatedUpdate, error) {
	a.roundMutex.Lock()
	defer a.roundMutex.Unlock()

	if a.roundData == nil {
		return nil, errors.New("no active round")
	}

	a.clientsMutex.Lock()
	defer a.clientsMutex.Unlock()

	for _, v := range verified {
		clientID := v.Signer.String()

		if v.Update.RoundNumber != a.currentRound {
			return nil, errors.New("update for incorrect round")
		}
		if !a.authorizedClients[clientID] {
			return nil, fmt.Errorf("client %s not authorized", clientID)
		}
		if a.roundData.Seen[clientID] {
			return nil, fmt.Errorf("duplicate submission from %s", clientID)
		}
		if v.Update.SampleCount <= 0 {
			return nil, fmt.Errorf("sample count must be positive, got %d", v.Update.SampleCount)
		}

		tensors, err := v.Update.DecodeTensors(a.config)
		if err != nil {
			return nil, fmt.Errorf("update from %s: %w", clientID, err)
		}

		if a.roundData.Sum == nil {
			a.roundData.Sum = &AggregatedUpdate{}
		}
		if _, err := a.roundData.Sum.UnionInplace(&AggregatedUpdate{
			RoundNumber:  v.Update.RoundNumber,
			Participants: []ParticipantID{clientID},
			TotalSamples: v.Update.SampleCount,
			Tensors:      tensors,
		}); err != nil {
			return nil, err
		}
		a.roundData.Seen[clientID] = true
	}

	return a.roundData.Sum, nil
}

// CurrentAggregate returns the current round's combined update.
func (a *AggregatorService) CurrentAggregate() *AggregatedUpdate {
	a.roundMutex.Lock()
	defer a.roundMutex.Unlock()

	if a.roundData != nil {
		return a.roundData.Sum
	}
	return nil
}

// SignedAggregate returns the combined update signed for submission to the
// coordinator.
func (a *AggregatorService) SignedAggregate() (*Signed[AggregatedUpdate], error) {
	a.roundMutex.Lock()
	defer a.roundMutex.Unlock()

	if a.roundData == nil || a.roundData.Sum == nil {
		return nil, errors.New("no updates aggregated this round")
	}
	return NewSigned(a.signingKey, a.roundData.Sum)
}
