package testutil

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
	mathrand "math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/privacy"
	"github.com/octomil/secagg/protocol"
)

// =====================================
// Configuration Generators
// =====================================

// TestConfigOption is a function that modifies a SecAggConfig
type TestConfigOption func(*protocol.SecAggConfig)

// WithNumClients sets the number of clients expected per round
func WithNumClients(clients int) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.NumClients = clients
	}
}

// WithThreshold sets the seed share recovery threshold
func WithThreshold(threshold int) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.Threshold = threshold
	}
}

// WithMaxWeightNorm sets the clipping bound for client deltas
func WithMaxWeightNorm(norm float64) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.MaxWeightNorm = norm
	}
}

// WithQuantizationBits sets the wire width of masked updates
func WithQuantizationBits(bits int) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.QuantizationBits = bits
	}
}

// WithRoundDuration sets the round duration
func WithRoundDuration(duration time.Duration) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.RoundDuration = duration
	}
}

// WithTensorSchema sets the tensor schema all participants agree on
func WithTensorSchema(schema map[string]int) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.TensorSchema = schema
	}
}

// WithPrivacyBudget sets the per-update differential privacy budget
func WithPrivacyBudget(budget *privacy.Budget) TestConfigOption {
	return func(cfg *protocol.SecAggConfig) {
		cfg.Privacy = budget
	}
}

// NewTestConfig creates a new deployment configuration with default values
// that can be customized using options
func NewTestConfig(options ...TestConfigOption) *protocol.SecAggConfig {
	// Create default test configuration
	cfg := &protocol.SecAggConfig{
		NumClients:    4,
		Threshold:     2,
		MaxWeightNorm: 100,
		RoundDuration: time.Second,
		TensorSchema:  map[string]int{"dense/kernel": 8},
	}

	// Apply all provided options
	for _, option := range options {
		option(cfg)
	}

	return cfg
}

// =====================================
// Crypto Generators
// =====================================

// GenerateRandomBytes generates a slice of random bytes with the specified length
func GenerateRandomBytes(length int) ([]byte, error) {
	bytes := make([]byte, length)
	_, err := rand.Read(bytes)
	if err != nil {
		return nil, err
	}
	return bytes, nil
}

// GenerateTestKeyPair generates a test signing key pair for testing
func GenerateTestKeyPair() (crypto.PublicKey, crypto.PrivateKey, error) {
	return crypto.GenerateKeyPair()
}

// GenerateTestPublicKeys generates a slice of public keys for testing
func GenerateTestPublicKeys(count int) ([]crypto.PublicKey, error) {
	keys := make([]crypto.PublicKey, count)
	for i := 0; i < count; i++ {
		pubKey, _, err := GenerateTestKeyPair()
		if err != nil {
			return nil, err
		}
		keys[i] = pubKey
	}
	return keys, nil
}

// GenerateTestExchangeKeys generates a slice of P-256 key exchange keys for testing
func GenerateTestExchangeKeys(count int) ([]*ecdh.PrivateKey, error) {
	keys := make([]*ecdh.PrivateKey, count)
	for i := 0; i < count; i++ {
		key, err := crypto.GenerateExchangeKey()
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}
	return keys, nil
}

// GenerateTestParticipants generates deterministic participant IDs for testing
func GenerateTestParticipants(count int) []protocol.ParticipantID {
	ids := make([]protocol.ParticipantID, count)
	for i := 0; i < count; i++ {
		ids[i] = protocol.ParticipantID(fmt.Sprintf("participant-%d", i))
	}
	return ids
}

// =====================================
// Delta and Update Generators
// =====================================

// ConstantDelta builds a delta matching the schema with every element set to value
func ConstantDelta(schema map[string]int, value float32) model.WeightDelta {
	delta := make(model.WeightDelta, len(schema))
	for name, size := range schema {
		tensor := make([]float32, size)
		for i := range tensor {
			tensor[i] = value
		}
		delta[name] = tensor
	}
	return delta
}

// RandomDelta builds a delta matching the schema with uniform values in [-scale, scale)
func RandomDelta(schema map[string]int, scale float32) model.WeightDelta {
	delta := make(model.WeightDelta, len(schema))
	for name, size := range schema {
		tensor := make([]float32, size)
		for i := range tensor {
			tensor[i] = (mathrand.Float32()*2 - 1) * scale
		}
		delta[name] = tensor
	}
	return delta
}

// DeltaFromValues builds a single tensor delta from explicit values
func DeltaFromValues(name string, values ...float32) model.WeightDelta {
	tensor := make([]float32, len(values))
	copy(tensor, values)
	return model.WeightDelta{name: tensor}
}

// GenerateTestUpdates builds count client updates sharing the same delta and sample count
func GenerateTestUpdates(count int, delta model.WeightDelta, samples int) []model.ClientUpdate {
	updates := make([]model.ClientUpdate, count)
	for i := 0; i < count; i++ {
		updates[i] = model.ClientUpdate{
			Delta:       delta.Clone(),
			SampleCount: samples,
		}
	}
	return updates
}

// =====================================
// Round Result Generators
// =====================================

// RoundResultOption is a function that modifies a RoundResult
type RoundResultOption func(*protocol.RoundResult)

// WithRoundNumber sets the round number for a result
func WithRoundNumber(round int) RoundResultOption {
	return func(result *protocol.RoundResult) {
		result.RoundNumber = round
	}
}

// WithParticipants sets the participant list for a result
func WithParticipants(ids ...protocol.ParticipantID) RoundResultOption {
	return func(result *protocol.RoundResult) {
		result.Participants = ids
	}
}

// WithDropped sets the dropped client list for a result
func WithDropped(ids ...protocol.ParticipantID) RoundResultOption {
	return func(result *protocol.RoundResult) {
		result.Dropped = ids
	}
}

// WithTotalSamples sets the total sample count for a result
func WithTotalSamples(samples int) RoundResultOption {
	return func(result *protocol.RoundResult) {
		result.TotalSamples = samples
	}
}

// WithAverage sets the averaged delta for a result
func WithAverage(average model.WeightDelta) RoundResultOption {
	return func(result *protocol.RoundResult) {
		result.Average = average
	}
}

// GenerateTestRoundResult generates a round result with specified options
func GenerateTestRoundResult(options ...RoundResultOption) *protocol.RoundResult {
	result := &protocol.RoundResult{
		RoundID:      uuid.New(),
		RoundNumber:  1,
		Participants: GenerateTestParticipants(2),
		TotalSamples: 20,
		Average:      DeltaFromValues("dense/kernel", 0.5, -0.5),
	}

	// Apply all provided options
	for _, option := range options {
		option(result)
	}

	return result
}

// GenerateTestSignedRoundResult creates a signed round result for testing
func GenerateTestSignedRoundResult(options ...RoundResultOption) *protocol.Signed[protocol.RoundResult] {
	// Generate test key pair for signing
	_, privateKey, _ := GenerateTestKeyPair()

	result := GenerateTestRoundResult(options...)

	// Sign the result
	signed, _ := protocol.NewSigned(privateKey, result)
	return signed
}
