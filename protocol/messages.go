package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
	"github.com/octomil/secagg/secagg"
)

// ParticipantID names a client within a round. It is the hex encoding of the
// client's signing public key.
type ParticipantID = string

// Signed wraps a message with Ed25519 signature for authentication.
type Signed[T any] struct {
	PublicKey crypto.PublicKey `json:"public_key"`
	Signature crypto.Signature `json:"signature"`
	Object    *T               `json:"object"`
}

// NewSigned creates an authenticated message by signing the serialized object and public key.
func NewSigned[T any](privkey crypto.PrivateKey, obj *T) (*Signed[T], error) {
	pubkey, err := privkey.PublicKey()
	if err != nil {
		return nil, err
	}

	serializedData, err := SerializeMessage(obj)
	if err != nil {
		return nil, err
	}

	signature, err := crypto.Sign(privkey, append(serializedData, pubkey...))
	if err != nil {
		return nil, err
	}

	return &Signed[T]{
		PublicKey: pubkey,
		Signature: signature,
		Object:    obj,
	}, nil
}

// UnsafeObject returns the wrapped object without verifying the signature.
func (s *Signed[T]) UnsafeObject() *T {
	return s.Object
}

// Recover verifies the signature and returns the authenticated object with signer's public key.
func (s *Signed[T]) Recover() (*T, crypto.PublicKey, error) {
	serializedData, err := SerializeMessage(s.Object)
	if err != nil {
		return nil, nil, err
	}

	ok := s.Signature.Verify(s.PublicKey, append(serializedData, s.PublicKey...))
	if !ok {
		return nil, nil, errors.New("signature not valid")
	}

	return s.Object, s.PublicKey, nil
}

// KeyAdvertisement announces a client's fresh round exchange key. Peers use
// it to derive pairwise mask secrets and to encrypt seed shares back to the
// advertiser.
type KeyAdvertisement struct {
	RoundNumber int
	ExchangeKey []byte // Uncompressed P-256 point
}

// SeedShareEnvelope carries one encrypted seed share between two clients.
// The coordinator relays envelopes by address without being able to open
// them; only the recipient's round exchange key decrypts the payload.
type SeedShareEnvelope struct {
	RoundNumber int
	From        ParticipantID
	To          ParticipantID
	Payload     *crypto.EncryptedMessage
}

// MaskedUpdate is a client's masked, sample-weighted model delta. Exactly one
// of Tensors and Quantized is set, matching the deployment's quantization
// width.
type MaskedUpdate struct {
	RoundNumber  int
	SessionToken string
	SampleCount  int
	Tensors      model.WeightDelta
	Quantized    *model.QuantizedWeightMap
}

// DecodeTensors returns the update's tensors as floats, dequantizing when the
// deployment uses a quantized wire format. The result is a copy validated
// against the tensor schema.
func (m *MaskedUpdate) DecodeTensors(config *SecAggConfig) (model.WeightDelta, error) {
	var tensors model.WeightDelta
	if config.QuantizationBits == 0 {
		if m.Quantized != nil {
			return nil, errors.New("unexpected quantized tensors")
		}
		tensors = m.Tensors.Clone()
	} else {
		if m.Quantized == nil {
			return nil, errors.New("missing quantized tensors")
		}
		if m.Quantized.Bits != config.QuantizationBits {
			return nil, fmt.Errorf("quantized at %d bits, deployment uses %d", m.Quantized.Bits, config.QuantizationBits)
		}

		var err error
		tensors, err = privacy.Dequantize[model.WeightDelta](m.Quantized)
		if err != nil {
			return nil, err
		}
	}

	if err := config.CheckTensors(tensors); err != nil {
		return nil, err
	}
	return tensors, nil
}

// AggregatedUpdate contains combined masked updates from multiple clients.
type AggregatedUpdate struct {
	RoundNumber  int
	Participants []ParticipantID
	TotalSamples int
	Tensors      model.WeightDelta
}

// UnionInplace adds another aggregate's tensors to this one in-place.
// Pairwise masks cancel as submissions accumulate.
func (m *AggregatedUpdate) UnionInplace(o *AggregatedUpdate) (*AggregatedUpdate, error) {
	if m.RoundNumber == 0 {
		m.RoundNumber = o.RoundNumber
	} else if m.RoundNumber != o.RoundNumber {
		return nil, errors.New("mismatching rounds")
	}

	if m.Tensors == nil {
		m.Tensors = o.Tensors.Clone()
	} else {
		summed, err := m.Tensors.Add(o.Tensors)
		if err != nil {
			return nil, err
		}
		m.Tensors = summed
	}

	m.Participants = append(m.Participants, o.Participants...)
	m.TotalSamples += o.TotalSamples

	return m, nil
}

// UnmaskingShare carries a survivor's seed shares for dropped clients, keyed
// by the dropped client's ID.
type UnmaskingShare struct {
	RoundNumber int
	Shares      map[ParticipantID]secagg.ScalarShare
}

// RoundResult is the coordinator's signed outcome of a completed round.
type RoundResult struct {
	RoundID      uuid.UUID
	RoundNumber  int
	Participants []ParticipantID // Clients whose updates made the aggregate
	Dropped      []ParticipantID // Advertised clients that never submitted
	TotalSamples int
	Average      model.WeightDelta
}

// UnmarshalMessage deserializes a message from JSON.
func UnmarshalMessage[T any](data []byte) (*T, error) {
	var msg T
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeMessage deserializes a message from a JSON reader.
func DecodeMessage[T any](reader io.Reader) (*T, error) {
	var msg T
	err := json.NewDecoder(reader).Decode(&msg)
	return &msg, err
}

// SerializeMessage serializes a message to JSON.
func SerializeMessage[T any](msg *T) ([]byte, error) {
	return json.Marshal(msg)
}
