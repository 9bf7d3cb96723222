package protocol

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/secagg"
)

// CoordinatorService runs the server side of a secure aggregation round. It
// collects key advertisements, relays encrypted seed shares, folds masked
// updates into a running sum, and recovers the masks of dropped clients from
// survivor shares. It never sees an individual unmasked update.
type CoordinatorService struct {
	config      *SecAggConfig
	signingKey  crypto.PrivateKey
	exchangeKey *ecdh.PrivateKey

	secretsMutex        sync.Mutex
	registrationSecrets map[ParticipantID]crypto.SharedSecret

	aggregatorsMutex      sync.Mutex
	authorizedAggregators map[ParticipantID]bool

	roundMutex   sync.Mutex
	currentRound int
	roundData    *CoordinatorRoundData
}

// CoordinatorRoundData holds per-round state across the four phases.
type CoordinatorRoundData struct {
	Round          int
	Advertisements map[ParticipantID]*Signed[KeyAdvertisement]
	RoundKeys      map[ParticipantID]*ecdh.PublicKey
	Envelopes      map[ParticipantID][]*Signed[SeedShareEnvelope]
	Submitted      map[ParticipantID]bool
	Sum            *AggregatedUpdate
	Unmasking      *secagg.CoordinatorView
	Result         *Signed[RoundResult]
}

// NewCoordinatorService creates a coordinator. The exchange key is the
// long-lived registration key clients derive their registration secret
// against; it is the same key advertised in the coordinator's registration.
func NewCoordinatorService(config *SecAggConfig, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey) (*CoordinatorService, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &CoordinatorService{
		config:                config,
		signingKey:            signingKey,
		exchangeKey:           exchangeKey,
		registrationSecrets:   make(map[ParticipantID]crypto.SharedSecret),
		authorizedAggregators: make(map[ParticipantID]bool),
		roundData:             nil,
	}, nil
}

// ExchangePublicKey returns the coordinator's registration key. Clients
// derive their registration secret against it.
func (s *CoordinatorService) ExchangePublicKey() *ecdh.PublicKey {
	return s.exchangeKey.PublicKey()
}

// RegisterParticipant establishes a registration secret with a client via
// ECDH. The client derives the same secret from ExchangePublicKey and uses
// it for per-round session tokens.
func (s *CoordinatorService) RegisterParticipant(clientPubkey crypto.PublicKey, clientExchangeKey *ecdh.PublicKey) error {
	s.secretsMutex.Lock()
	defer s.secretsMutex.Unlock()

	secret, err := crypto.DeriveSharedSecret(s.exchangeKey, clientExchangeKey)
	if err != nil {
		return err
	}

	s.registrationSecrets[clientPubkey.String()] = secret
	return nil
}

// DeregisterParticipant removes a client's registration secret.
func (s *CoordinatorService) DeregisterParticipant(clientPubkey crypto.PublicKey) error {
	s.secretsMutex.Lock()
	defer s.secretsMutex.Unlock()

	delete(s.registrationSecrets, clientPubkey.String())
	return nil
}

// AuthorizeAggregator allows an aggregator to submit combined updates.
func (s *CoordinatorService) AuthorizeAggregator(pubkey crypto.PublicKey) error {
	s.aggregatorsMutex.Lock()
	defer s.aggregatorsMutex.Unlock()

	s.authorizedAggregators[pubkey.String()] = true
	return nil
}

// DeauthorizeAggregator revokes an aggregator's authorization.
func (s *CoordinatorService) DeauthorizeAggregator(pubkey crypto.PublicKey) error {
	s.aggregatorsMutex.Lock()
	defer s.aggregatorsMutex.Unlock()

	delete(s.authorizedAggregators, pubkey.String())
	return nil
}

// AdvanceToRound transitions the coordinator to a new protocol round.
func (s *CoordinatorService) AdvanceToRound(round Round) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.currentRound >= round.Number {
		return
	}

	s.currentRound = round.Number
	s.roundData = &CoordinatorRoundData{
		Round:          s.currentRound,
		Advertisements: make(map[ParticipantID]*Signed[KeyAdvertisement]),
		RoundKeys:      make(map[ParticipantID]*ecdh.PublicKey),
		Envelopes:      make(map[ParticipantID][]*Signed[SeedShareEnvelope]),
		Submitted:      make(map[ParticipantID]bool),
	}
}

// CurrentRound returns the coordinator's current round number.
func (s *CoordinatorService) CurrentRound() int {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()
	return s.currentRound
}

// ProcessKeyAdvertisement records a registered client's round exchange key.
func (s *CoordinatorService) ProcessKeyAdvertisement(signed *Signed[KeyAdvertisement]) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return errors.New("no active round")
	}

	adv, signerKey, err := signed.Recover()
	if err != nil {
		return err
	}
	clientID := signerKey.String()

	s.secretsMutex.Lock()
	_, registered := s.registrationSecrets[clientID]
	s.secretsMutex.Unlock()
	if !registered {
		return fmt.Errorf("participant %s not registered", clientID)
	}

	if adv.RoundNumber != s.currentRound {
		return errors.New("advertisement for incorrect round")
	}
	if _, ok := s.roundData.Advertisements[clientID]; ok {
		return fmt.Errorf("duplicate advertisement from %s", clientID)
	}
	if len(s.roundData.Advertisements) >= s.config.NumClients {
		return fmt.Errorf("round already has %d advertisements", s.config.NumClients)
	}

	roundKey, err := crypto.ParseExchangePublicKey(adv.ExchangeKey)
	if err != nil {
		return fmt.Errorf("advertisement from %s: %w", clientID, err)
	}

	s.roundData.Advertisements[clientID] = signed
	s.roundData.RoundKeys[clientID] = roundKey
	return nil
}

// KeyAdvertisements returns the round's advertisements ordered by
// participant ID. Clients fetch these after the advertisement phase closes
// so everyone pairs against the same set.
func (s *CoordinatorService) KeyAdvertisements() []*Signed[KeyAdvertisement] {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return nil
	}

	advertisements := make([]*Signed[KeyAdvertisement], 0, len(s.roundData.Advertisements))
	for _, clientID := range slices.Sorted(maps.Keys(s.roundData.Advertisements)) {
		advertisements = append(advertisements, s.roundData.Advertisements[clientID])
	}
	return advertisements
}

// ProcessSeedShareEnvelope accepts an encrypted seed share for relay. Sender
// and recipient must both have advertised keys this round; the payload stays
// opaque to the coordinator.
func (s *CoordinatorService) ProcessSeedShareEnvelope(signed *Signed[SeedShareEnvelope]) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return errors.New("no active round")
	}

	env, signerKey, err := signed.Recover()
	if err != nil {
		return err
	}

	if env.From != signerKey.String() {
		return fmt.Errorf("envelope claims sender %s but is signed by %s", env.From, signerKey.String())
	}
	if env.RoundNumber != s.currentRound {
		return errors.New("envelope for incorrect round")
	}
	if _, ok := s.roundData.RoundKeys[env.From]; !ok {
		return fmt.Errorf("sender %s has not advertised a key", env.From)
	}
	if _, ok := s.roundData.RoundKeys[env.To]; !ok {
		return fmt.Errorf("recipient %s has not advertised a key", env.To)
	}

	for _, existing := range s.roundData.Envelopes[env.To] {
		if existing.UnsafeObject().From == env.From {
			return fmt.Errorf("duplicate envelope from %s to %s", env.From, env.To)
		}
	}

	s.roundData.Envelopes[env.To] = append(s.roundData.Envelopes[env.To], signed)
	return nil
}

// EnvelopesFor returns the envelopes addressed to a client.
func (s *CoordinatorService) EnvelopesFor(clientID ParticipantID) []*Signed[SeedShareEnvelope] {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return nil
	}
	return slices.Clone(s.roundData.Envelopes[clientID])
}

// ProcessMaskedUpdate verifies a client's submission and folds it into the
// round sum. The session token proves registration; each client submits at
// most once per round.
func (s *CoordinatorService) ProcessMaskedUpdate(signed *Signed[MaskedUpdate]) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return errors.New("no active round")
	}

	update, signerKey, err := signed.Recover()
	if err != nil {
		return err
	}
	clientID := signerKey.String()

	if update.RoundNumber != s.currentRound {
		return errors.New("update for incorrect round")
	}
	if _, ok := s.roundData.RoundKeys[clientID]; !ok {
		return fmt.Errorf("participant %s has not advertised a key", clientID)
	}
	if s.roundData.Submitted[clientID] {
		return fmt.Errorf("duplicate submission from %s", clientID)
	}
	if update.SampleCount <= 0 {
		return fmt.Errorf("sample count must be positive, got %d", update.SampleCount)
	}

	s.secretsMutex.Lock()
	secret, registered := s.registrationSecrets[clientID]
	s.secretsMutex.Unlock()
	if !registered || !VerifyRoundToken(secret, s.currentRound, update.SessionToken) {
		return fmt.Errorf("invalid session token from %s", clientID)
	}

	tensors, err := update.DecodeTensors(s.config)
	if err != nil {
		return fmt.Errorf("update from %s: %w", clientID, err)
	}

	return s.foldLocked(&AggregatedUpdate{
		RoundNumber:  update.RoundNumber,
		Participants: []ParticipantID{clientID},
		TotalSamples: update.SampleCount,
		Tensors:      tensors,
	})
}

// ProcessAggregatedUpdate folds a pre-combined update from an authorized
// aggregator into the round sum. The coordinator trusts the aggregator to
// have verified its clients' signatures; every named participant must have
// advertised a key and not already be counted.
func (s *CoordinatorService) ProcessAggregatedUpdate(signed *Signed[AggregatedUpdate]) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return errors.New("no active round")
	}

	aggregate, signerKey, err := signed.Recover()
	if err != nil {
		return err
	}

	s.aggregatorsMutex.Lock()
	authorized := s.authorizedAggregators[signerKey.String()]
	s.aggregatorsMutex.Unlock()
	if !authorized {
		return fmt.Errorf("aggregator %s not authorized", signerKey.String())
	}

	if aggregate.RoundNumber != s.currentRound {
		return errors.New("aggregate for incorrect round")
	}
	if len(aggregate.Participants) == 0 {
		return errors.New("aggregate without participants")
	}
	if aggregate.TotalSamples < len(aggregate.Participants) {
		return fmt.Errorf("aggregate of %d participants claims %d samples", len(aggregate.Participants), aggregate.TotalSamples)
	}
	inBatch := make(map[ParticipantID]bool, len(aggregate.Participants))
	for _, clientID := range aggregate.Participants {
		if _, ok := s.roundData.RoundKeys[clientID]; !ok {
			return fmt.Errorf("participant %s has not advertised a key", clientID)
		}
		if s.roundData.Submitted[clientID] || inBatch[clientID] {
			return fmt.Errorf("duplicate submission from %s", clientID)
		}
		inBatch[clientID] = true
	}
	if err := s.config.CheckTensors(aggregate.Tensors); err != nil {
		return err
	}

	return s.foldLocked(&AggregatedUpdate{
		RoundNumber:  aggregate.RoundNumber,
		Participants: slices.Clone(aggregate.Participants),
		TotalSamples: aggregate.TotalSamples,
		Tensors:      aggregate.Tensors,
	})
}

// foldLocked merges an update into the round sum and marks its participants
// as submitted. Callers hold roundMutex.
func (s *CoordinatorService) foldLocked(update *AggregatedUpdate) error {
	if s.roundData.Sum == nil {
		s.roundData.Sum = &AggregatedUpdate{}
	}
	if _, err := s.roundData.Sum.UnionInplace(update); err != nil {
		return err
	}

	for _, clientID := range update.Participants {
		s.roundData.Submitted[clientID] = true
	}
	return nil
}

// Dropped returns the participants that advertised a key but never
// submitted, in lexicographic order.
func (s *CoordinatorService) Dropped() []ParticipantID {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return nil
	}
	return s.droppedLocked()
}

func (s *CoordinatorService) droppedLocked() []ParticipantID {
	dropped := []ParticipantID{}
	for clientID := range s.roundData.RoundKeys {
		if !s.roundData.Submitted[clientID] {
			dropped = append(dropped, clientID)
		}
	}
	slices.Sort(dropped)
	return dropped
}

// ProcessUnmaskingShare collects a survivor's seed shares for dropped
// participants. Only clients whose update made the sum may contribute, and
// only shares for actually dropped participants are accepted.
func (s *CoordinatorService) ProcessUnmaskingShare(signed *Signed[UnmaskingShare]) error {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return errors.New("no active round")
	}

	msg, signerKey, err := signed.Recover()
	if err != nil {
		return err
	}
	survivorID := signerKey.String()

	if msg.RoundNumber != s.currentRound {
		return errors.New("unmasking share for incorrect round")
	}
	if !s.roundData.Submitted[survivorID] {
		return fmt.Errorf("participant %s is not a survivor of this round", survivorID)
	}

	if s.roundData.Unmasking == nil {
		view, err := secagg.NewCoordinatorView(s.config.Threshold)
		if err != nil {
			return err
		}
		s.roundData.Unmasking = view
	}

	for droppedID, share := range msg.Shares {
		if _, ok := s.roundData.RoundKeys[droppedID]; !ok {
			return fmt.Errorf("participant %s has not advertised a key", droppedID)
		}
		if s.roundData.Submitted[droppedID] {
			return fmt.Errorf("participant %s is not dropped", droppedID)
		}
		s.roundData.Unmasking.AddShare(droppedID, share)
	}
	return nil
}

// FinalizeRound repairs the sum for dropped participants and returns the
// signed round result. The result is the sample-weighted average of survivor
// updates. Finalizing twice returns the cached result.
func (s *CoordinatorService) FinalizeRound() (*Signed[RoundResult], error) {
	s.roundMutex.Lock()
	defer s.roundMutex.Unlock()

	if s.roundData == nil {
		return nil, errors.New("no active round")
	}
	if s.roundData.Result != nil {
		return s.roundData.Result, nil
	}

	survivors := slices.Sorted(maps.Keys(s.roundData.Submitted))
	if len(survivors) < s.config.Threshold {
		return nil, fmt.Errorf("round aborted: %d survivors, need at least %d", len(survivors), s.config.Threshold)
	}

	// Repairs accumulate on a local copy so a failed recovery leaves the sum
	// untouched for the next attempt.
	repaired := s.roundData.Sum.Tensors
	dropped := s.droppedLocked()
	for _, droppedID := range dropped {
		masks, err := s.recoverDroppedLocked(droppedID)
		if err != nil {
			return nil, fmt.Errorf("recover masks of %s: %w", droppedID, err)
		}
		repaired, err = secagg.MaskUpdate(repaired, masks)
		if err != nil {
			return nil, err
		}
	}
	s.roundData.Sum.Tensors = repaired

	average := s.roundData.Sum.Tensors.Scale(1 / float32(s.roundData.Sum.TotalSamples))

	result := &RoundResult{
		RoundID:      uuid.New(),
		RoundNumber:  s.currentRound,
		Participants: survivors,
		Dropped:      dropped,
		TotalSamples: s.roundData.Sum.TotalSamples,
		Average:      average,
	}

	signed, err := NewSigned(s.signingKey, result)
	if err != nil {
		return nil, err
	}
	s.roundData.Result = signed
	return signed, nil
}

// recoverDroppedLocked rebuilds a dropped participant's stranded masks from
// survivor shares. The reconstructed key must match the participant's
// advertisement, which catches corrupted and forged shares before they can
// skew the aggregate. Callers hold roundMutex.
func (s *CoordinatorService) recoverDroppedLocked(droppedID ParticipantID) (map[string][]float32, error) {
	if s.roundData.Unmasking == nil {
		return nil, fmt.Errorf("no unmasking shares received for %s", droppedID)
	}

	scalar, err := s.roundData.Unmasking.ReconstructScalar(droppedID)
	if err != nil {
		return nil, err
	}
	roundKey, err := crypto.ParseExchangePrivateKey(scalar)
	if err != nil {
		return nil, err
	}
	if !roundKey.PublicKey().Equal(s.roundData.RoundKeys[droppedID]) {
		return nil, fmt.Errorf("reconstructed key for %s does not match its advertisement", droppedID)
	}

	survivorKeys := make(map[ParticipantID]*ecdh.PublicKey)
	for clientID, key := range s.roundData.RoundKeys {
		if s.roundData.Submitted[clientID] {
			survivorKeys[clientID] = key
		}
	}

	flat, err := secagg.RecoverMask(roundKey, droppedID, survivorKeys, s.config.NumParams())
	if err != nil {
		return nil, err
	}
	return secagg.SplitMask(flat, s.config.TensorSchema)
}
