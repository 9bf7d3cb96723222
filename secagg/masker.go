package secagg

import (
	"crypto/ecdh"
	"errors"
	"fmt"
	"maps"
	"slices"

	"github.com/octomil/secagg/crypto"
)

// ErrNoKeyPair signals a key agreement attempt before GenerateKeyPair.
var ErrNoKeyPair = errors.New("no exchange key generated for this round")

// PairwiseMasker holds one participant's masking state for a single round:
// its ephemeral exchange key and the pair secrets derived with each peer.
// A masker is single-round; create a fresh one when the round advances.
type PairwiseMasker struct {
	selfID  string
	key     *ecdh.PrivateKey
	secrets map[string]crypto.SharedSecret
}

// NewPairwiseMasker creates a masker for the participant with the given ID.
// IDs are compared lexicographically to pick mask signs, so all participants
// must use the same ID scheme.
func NewPairwiseMasker(selfID string) *PairwiseMasker {
	return &PairwiseMasker{
		selfID:  selfID,
		secrets: make(map[string]crypto.SharedSecret),
	}
}

// GenerateKeyPair creates the round's exchange key and returns the public
// half for advertisement to peers.
func (m *PairwiseMasker) GenerateKeyPair() (*ecdh.PublicKey, error) {
	key, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, err
	}
	m.key = key
	return key.PublicKey(), nil
}

// SetKeyPair installs an existing exchange key instead of generating one.
// Dropout recovery uses this with a reconstructed key.
func (m *PairwiseMasker) SetKeyPair(key *ecdh.PrivateKey) {
	m.key = key
}

// KeyScalar returns the private scalar bytes of the round key for threshold
// sharing. Fails before GenerateKeyPair.
func (m *PairwiseMasker) KeyScalar() ([]byte, error) {
	if m.key == nil {
		return nil, ErrNoKeyPair
	}
	return m.key.Bytes(), nil
}

// AddPeer derives and stores the pair secret with a peer. Deriving before
// GenerateKeyPair returns ErrNoKeyPair; a participant cannot pair with
// itself.
func (m *PairwiseMasker) AddPeer(peerID string, peerKey *ecdh.PublicKey) error {
	if m.key == nil {
		return ErrNoKeyPair
	}
	if peerID == m.selfID {
		return fmt.Errorf("participant %s cannot pair with itself", m.selfID)
	}

	secret, err := crypto.DeriveSharedSecret(m.key, peerKey)
	if err != nil {
		return fmt.Errorf("derive pair secret with %s: %w", peerID, err)
	}
	m.secrets[peerID] = secret
	return nil
}

// RemovePeer drops a peer's pair secret.
func (m *PairwiseMasker) RemovePeer(peerID string) {
	delete(m.secrets, peerID)
}

// PairSecret returns the derived secret for a peer, if present.
func (m *PairwiseMasker) PairSecret(peerID string) (crypto.SharedSecret, bool) {
	s, ok := m.secrets[peerID]
	return s, ok
}

// Peers returns the paired peer IDs in lexicographic order.
func (m *PairwiseMasker) Peers() []string {
	return slices.Sorted(maps.Keys(m.secrets))
}

// CombinedMask returns the participant's net mask over n elements: the sum
// of all pair masks, each signed by ID order. See CombineMasks.
func (m *PairwiseMasker) CombinedMask(n int) ([]float32, error) {
	return CombineMasks(m.secrets, m.selfID, n)
}

// CombineMasks sums the signed pair masks of a participant over n elements.
// For each pair the lexicographically lower ID adds the expanded mask and
// the higher ID subtracts it, so the masks of any surviving pair cancel when
// all masked updates are summed.
func CombineMasks(secrets map[string]crypto.SharedSecret, selfID string, n int) ([]float32, error) {
	if n <= 0 {
		return nil, fmt.Errorf("mask length must be positive, got %d", n)
	}

	total := make([]float32, n)
	for _, peerID := range slices.Sorted(maps.Keys(secrets)) {
		raw, err := crypto.ExpandMask(secrets[peerID], 4*n)
		if err != nil {
			return nil, fmt.Errorf("expand mask for pair %s: %w", peerID, err)
		}
		stream := MaskStream(raw)

		if selfID < peerID {
			for i := range total {
				total[i] += stream[i]
			}
		} else {
			for i := range total {
				total[i] -= stream[i]
			}
		}
	}
	return total, nil
}

// RecoverMask rebuilds the combined mask a dropped participant held against
// the given survivors. Adding the result to the aggregate cancels the
// survivors' stranded masks toward that participant.
func RecoverMask(droppedKey *ecdh.PrivateKey, droppedID string, survivors map[string]*ecdh.PublicKey, n int) ([]float32, error) {
	secrets := make(map[string]crypto.SharedSecret, len(survivors))
	for peerID, peerKey := range survivors {
		if peerID == droppedID {
			continue
		}
		secret, err := crypto.DeriveSharedSecret(droppedKey, peerKey)
		if err != nil {
			return nil, fmt.Errorf("re-derive pair secret with %s: %w", peerID, err)
		}
		secrets[peerID] = secret
	}
	return CombineMasks(secrets, droppedID, n)
}
