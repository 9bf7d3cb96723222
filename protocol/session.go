package protocol

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"sync"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
	"github.com/octomil/secagg/secagg"
)

var errRoundNotStarted = errors.New("round not started")

// ClientSession drives one client through the four phases of a round: it
// advertises a fresh exchange key, distributes encrypted seed shares,
// produces the masked update, and answers unmasking requests for dropped
// peers. Sessions are safe for concurrent use.
type ClientSession struct {
	config             *SecAggConfig
	signingKey         crypto.PrivateKey
	selfID             ParticipantID
	registrationSecret crypto.SharedSecret
	filter             *privacy.Filter

	mu         sync.Mutex
	round      int
	roundKey   *ecdh.PrivateKey
	masker     *secagg.PairwiseMasker
	peerKeys   map[ParticipantID]*ecdh.PublicKey
	peerShares map[ParticipantID]secagg.ScalarShare
}

// NewClientSession creates a session for the client identified by signingKey.
// The registration secret must come from a prior RegisterParticipant exchange
// with the coordinator.
func NewClientSession(config *SecAggConfig, signingKey crypto.PrivateKey, registrationSecret crypto.SharedSecret) (*ClientSession, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	pubkey, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}

	var filter *privacy.Filter
	if config.Privacy != nil {
		filter, err = privacy.NewFilter(config.MaxWeightNorm, *config.Privacy)
		if err != nil {
			return nil, err
		}
	}

	return &ClientSession{
		config:             config,
		signingKey:         signingKey,
		selfID:             pubkey.String(),
		registrationSecret: registrationSecret,
		filter:             filter,
	}, nil
}

// ID returns the client's participant ID.
func (s *ClientSession) ID() ParticipantID {
	return s.selfID
}

// CurrentRound returns the round the session last started, zero before any.
func (s *ClientSession) CurrentRound() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.round
}

// StartRound resets the session for a new round and returns the signed key
// advertisement to publish. All state from earlier rounds is discarded.
func (s *ClientSession) StartRound(round int) (*Signed[KeyAdvertisement], error) {
	if round < 1 {
		return nil, fmt.Errorf("round number must be at least 1, got %d", round)
	}

	key, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}

	masker := secagg.NewPairwiseMasker(s.selfID)
	masker.SetKeyPair(key)

	s.mu.Lock()
	s.round = round
	s.roundKey = key
	s.masker = masker
	s.peerKeys = make(map[ParticipantID]*ecdh.PublicKey)
	s.peerShares = make(map[ParticipantID]secagg.ScalarShare)
	s.mu.Unlock()

	return NewSigned(s.signingKey, &KeyAdvertisement{
		RoundNumber: round,
		ExchangeKey: key.PublicKey().Bytes(),
	})
}

// ReceiveKeyAdvertisements verifies the round's advertisements and derives a
// pair secret with every peer. The client's own advertisement is skipped.
// Fails when fewer peers advertised than the threshold requires, since the
// key scalar could then not be shared recoverably.
func (s *ClientSession) ReceiveKeyAdvertisements(advertisements []*Signed[KeyAdvertisement]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return errRoundNotStarted
	}

	for _, signed := range advertisements {
		adv, signerKey, err := signed.Recover()
		if err != nil {
			return err
		}

		peerID := signerKey.String()
		if peerID == s.selfID {
			continue
		}
		if adv.RoundNumber != s.round {
			return fmt.Errorf("advertisement from %s is for round %d, current round is %d", peerID, adv.RoundNumber, s.round)
		}

		peerKey, err := crypto.ParseExchangePublicKey(adv.ExchangeKey)
		if err != nil {
			return fmt.Errorf("advertisement from %s: %w", peerID, err)
		}
		if err := s.masker.AddPeer(peerID, peerKey); err != nil {
			return err
		}
		s.peerKeys[peerID] = peerKey
	}

	if len(s.peerKeys) < s.config.Threshold {
		return fmt.Errorf("%d peers advertised keys, need at least %d", len(s.peerKeys), s.config.Threshold)
	}
	return nil
}

// SeedShareEnvelopes splits the round key scalar into one share per peer and
// returns the encrypted envelopes to relay. Each payload is encrypted to the
// recipient's round exchange key, so the relaying coordinator learns nothing
// about the scalar.
func (s *ClientSession) SeedShareEnvelopes() ([]*Signed[SeedShareEnvelope], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return nil, errRoundNotStarted
	}

	peers := s.masker.Peers()
	if len(peers) < s.config.Threshold {
		return nil, fmt.Errorf("%d peers paired, need at least %d to share the key scalar", len(peers), s.config.Threshold)
	}

	scalar, err := s.masker.KeyScalar()
	if err != nil {
		return nil, err
	}
	shares, err := secagg.SplitScalar(scalar, s.config.Threshold, len(peers))
	if err != nil {
		return nil, err
	}

	envelopes := make([]*Signed[SeedShareEnvelope], 0, len(peers))
	for i, peerID := range peers {
		payload, err := SerializeMessage(&shares[i])
		if err != nil {
			return nil, err
		}
		encrypted, err := crypto.Encrypt(s.peerKeys[peerID], payload)
		if err != nil {
			return nil, fmt.Errorf("encrypt share for %s: %w", peerID, err)
		}

		signed, err := NewSigned(s.signingKey, &SeedShareEnvelope{
			RoundNumber: s.round,
			From:        s.selfID,
			To:          peerID,
			Payload:     encrypted,
		})
		if err != nil {
			return nil, err
		}
		envelopes = append(envelopes, signed)
	}
	return envelopes, nil
}

// ReceiveSeedShareEnvelopes decrypts and stores the seed shares addressed to
// this client. The sender claimed in the envelope must match the signer, and
// must be a peer that advertised a key this round.
func (s *ClientSession) ReceiveSeedShareEnvelopes(envelopes []*Signed[SeedShareEnvelope]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return errRoundNotStarted
	}

	for _, signed := range envelopes {
		env, signerKey, err := signed.Recover()
		if err != nil {
			return err
		}

		if env.From != signerKey.String() {
			return fmt.Errorf("envelope claims sender %s but is signed by %s", env.From, signerKey.String())
		}
		if env.To != s.selfID {
			return fmt.Errorf("envelope addressed to %s, not to %s", env.To, s.selfID)
		}
		if env.RoundNumber != s.round {
			return fmt.Errorf("envelope from %s is for round %d, current round is %d", env.From, env.RoundNumber, s.round)
		}
		if _, ok := s.peerKeys[env.From]; !ok {
			return fmt.Errorf("envelope from unknown peer %s", env.From)
		}

		payload, err := crypto.Decrypt(s.roundKey, env.Payload)
		if err != nil {
			return fmt.Errorf("decrypt share from %s: %w", env.From, err)
		}
		share, err := UnmarshalMessage[secagg.ScalarShare](payload)
		if err != nil {
			return fmt.Errorf("decode share from %s: %w", env.From, err)
		}
		s.peerShares[env.From] = *share
	}
	return nil
}

// MaskedUpdateForRound clips the delta, weighs it by sample count, adds the
// round's pairwise masks and returns the signed submission. When the config
// carries a privacy budget, Gaussian noise is added before masking.
func (s *ClientSession) MaskedUpdateForRound(delta model.WeightDelta, sampleCount int) (*Signed[MaskedUpdate], error) {
	if sampleCount <= 0 {
		return nil, fmt.Errorf("sample count must be positive, got %d", sampleCount)
	}
	if err := s.config.CheckTensors(delta); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return nil, errRoundNotStarted
	}

	var filtered model.WeightDelta
	var err error
	if s.filter != nil {
		filtered, err = s.filter.Apply(delta)
	} else {
		filtered, err = privacy.Clip(delta, s.config.MaxWeightNorm)
	}
	if err != nil {
		return nil, err
	}

	// Weigh before masking so the coordinator can divide the unmasked sum
	// by the total sample count.
	weighted := filtered.Scale(float32(sampleCount))

	flat, err := s.masker.CombinedMask(s.config.NumParams())
	if err != nil {
		return nil, err
	}
	masks, err := secagg.SplitMask(flat, s.config.TensorSchema)
	if err != nil {
		return nil, err
	}
	masked, err := secagg.MaskUpdate(weighted, masks)
	if err != nil {
		return nil, err
	}

	token, err := RoundToken(s.registrationSecret, s.round)
	if err != nil {
		return nil, err
	}

	update := &MaskedUpdate{
		RoundNumber:  s.round,
		SessionToken: token,
		SampleCount:  sampleCount,
	}
	if s.config.QuantizationBits == 0 {
		update.Tensors = masked
	} else {
		update.Quantized, err = privacy.Quantize(masked, s.config.QuantizationBits)
		if err != nil {
			return nil, err
		}
	}

	return NewSigned(s.signingKey, update)
}

// UnmaskingSharesFor returns the client's stored seed shares for the dropped
// participants. The client refuses when honoring the request would leave
// fewer survivors than the threshold, which is the guard against a
// coordinator unmasking a live client by declaring it dropped.
func (s *ClientSession) UnmaskingSharesFor(dropped []ParticipantID) (*Signed[UnmaskingShare], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return nil, errRoundNotStarted
	}

	droppedSet := make(map[ParticipantID]bool, len(dropped))
	for _, droppedID := range dropped {
		if droppedID == s.selfID {
			return nil, errors.New("refusing to unmask: listed as dropped myself")
		}
		if _, ok := s.peerKeys[droppedID]; !ok {
			return nil, fmt.Errorf("unknown dropped participant %s", droppedID)
		}
		droppedSet[droppedID] = true
	}

	survivors := len(s.peerKeys) + 1 - len(droppedSet)
	if survivors < s.config.Threshold {
		return nil, fmt.Errorf("refusing to unmask: %d survivors left, need at least %d", survivors, s.config.Threshold)
	}

	shares := make(map[ParticipantID]secagg.ScalarShare, len(droppedSet))
	for droppedID := range droppedSet {
		share, ok := s.peerShares[droppedID]
		if !ok {
			// The dropped peer vanished before sending us a share.
			continue
		}
		shares[droppedID] = share
	}

	return NewSigned(s.signingKey, &UnmaskingShare{
		RoundNumber: s.round,
		Shares:      shares,
	})
}

// Peers returns the IDs of peers paired this round, in lexicographic order.
func (s *ClientSession) Peers() []ParticipantID {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.masker == nil {
		return nil
	}
	return s.masker.Peers()
}
