package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
)

func TestSignedRoundTrip(t *testing.T) {
	_, signingKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(signingKey, &KeyAdvertisement{RoundNumber: 3, ExchangeKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	serialized, err := SerializeMessage(signed)
	require.NoError(t, err)
	parsed, err := UnmarshalMessage[Signed[KeyAdvertisement]](serialized)
	require.NoError(t, err)

	adv, signerKey, err := parsed.Recover()
	require.NoError(t, err)
	require.Equal(t, 3, adv.RoundNumber)

	expected, err := signingKey.PublicKey()
	require.NoError(t, err)
	require.Equal(t, expected.String(), signerKey.String())
}

func TestSignedRejectsTampering(t *testing.T) {
	_, signingKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(signingKey, &KeyAdvertisement{RoundNumber: 3, ExchangeKey: []byte{1, 2, 3}})
	require.NoError(t, err)

	signed.Object.RoundNumber = 4
	_, _, err = signed.Recover()
	require.ErrorContains(t, err, "signature not valid")
}

func TestSignedRejectsSwappedSigner(t *testing.T) {
	_, keyA, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	pubB, _, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	signed, err := NewSigned(keyA, &KeyAdvertisement{RoundNumber: 1})
	require.NoError(t, err)
	signed.PublicKey = pubB

	_, _, err = signed.Recover()
	require.ErrorContains(t, err, "signature not valid")
}

func TestAggregatedUpdateUnion(t *testing.T) {
	sum := &AggregatedUpdate{}

	_, err := sum.UnionInplace(&AggregatedUpdate{
		RoundNumber:  2,
		Participants: []ParticipantID{"alice"},
		TotalSamples: 10,
		Tensors:      model.WeightDelta{"w": {1, 2}},
	})
	require.NoError(t, err)

	_, err = sum.UnionInplace(&AggregatedUpdate{
		RoundNumber:  2,
		Participants: []ParticipantID{"bob"},
		TotalSamples: 30,
		Tensors:      model.WeightDelta{"w": {3, 4}},
	})
	require.NoError(t, err)

	require.Equal(t, 2, sum.RoundNumber)
	require.ElementsMatch(t, []ParticipantID{"alice", "bob"}, sum.Participants)
	require.Equal(t, 40, sum.TotalSamples)
	require.InDeltaSlice(t, []float32{4, 6}, sum.Tensors["w"], 1e-6)

	_, err = sum.UnionInplace(&AggregatedUpdate{RoundNumber: 3, Tensors: model.WeightDelta{"w": {0, 0}}})
	require.ErrorContains(t, err, "mismatching rounds")
}

func TestAggregatedUpdateUnionCopiesFirstTensors(t *testing.T) {
	first := &AggregatedUpdate{RoundNumber: 1, Tensors: model.WeightDelta{"w": {1}}}

	sum := &AggregatedUpdate{}
	_, err := sum.UnionInplace(first)
	require.NoError(t, err)

	sum.Tensors["w"][0] = 99
	require.Equal(t, float32(1), first.Tensors["w"][0])
}

func TestMaskedUpdateDecodeTensors(t *testing.T) {
	config := validConfig()
	delta := model.WeightDelta{
		"dense/kernel": {0.1, -0.2, 0.3, -0.4, 0.5, -0.6, 0.7, -0.8},
		"dense/bias":   {0.5, -0.5},
	}

	update := &MaskedUpdate{RoundNumber: 1, Tensors: delta}
	decoded, err := update.DecodeTensors(config)
	require.NoError(t, err)
	require.Equal(t, delta, decoded)

	decoded["dense/bias"][0] = 42
	require.Equal(t, float32(0.5), delta["dense/bias"][0])

	quantized16, err := privacy.Quantize(delta, 16)
	require.NoError(t, err)
	_, err = (&MaskedUpdate{RoundNumber: 1, Tensors: delta, Quantized: quantized16}).DecodeTensors(config)
	require.ErrorContains(t, err, "unexpected quantized")

	config16 := validConfig()
	config16.QuantizationBits = 16

	_, err = (&MaskedUpdate{RoundNumber: 1}).DecodeTensors(config16)
	require.ErrorContains(t, err, "missing quantized")

	quantized8, err := privacy.Quantize(delta, 8)
	require.NoError(t, err)
	_, err = (&MaskedUpdate{RoundNumber: 1, Quantized: quantized8}).DecodeTensors(config16)
	require.ErrorContains(t, err, "quantized at 8 bits")

	decoded16, err := (&MaskedUpdate{RoundNumber: 1, Quantized: quantized16}).DecodeTensors(config16)
	require.NoError(t, err)
	for name := range delta {
		require.InDeltaSlice(t, delta[name], decoded16[name], 1e-3)
	}
}

func TestMaskedUpdateDecodeChecksSchema(t *testing.T) {
	config := validConfig()

	update := &MaskedUpdate{RoundNumber: 1, Tensors: model.WeightDelta{
		"dense/kernel": make([]float32, 8),
		"dense/bias":   make([]float32, 7),
	}}
	_, err := update.DecodeTensors(config)
	require.ErrorIs(t, err, model.ErrShapeMismatch)
}

func TestRoundTokenDeterministicPerRound(t *testing.T) {
	secret, err := crypto.NewSharedSecretFromBytes(bytes.Repeat([]byte{7}, crypto.SharedSecretSize))
	require.NoError(t, err)

	token, err := RoundToken(secret, 5)
	require.NoError(t, err)
	again, err := RoundToken(secret, 5)
	require.NoError(t, err)
	require.Equal(t, token, again)
	require.Len(t, token, 2*roundTokenSize)

	other, err := RoundToken(secret, 6)
	require.NoError(t, err)
	require.NotEqual(t, token, other)

	require.True(t, VerifyRoundToken(secret, 5, token))
	require.False(t, VerifyRoundToken(secret, 6, token))

	otherSecret, err := crypto.NewSharedSecretFromBytes(bytes.Repeat([]byte{8}, crypto.SharedSecretSize))
	require.NoError(t, err)
	require.False(t, VerifyRoundToken(otherSecret, 5, token))
}
