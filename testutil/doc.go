/*
Package testutil provides testing utilities for the secure aggregation protocol implementation.

This package contains test data generators designed to simplify writing tests
for the aggregation protocol components. It supports unit testing and
integration testing of the protocol stack by providing consistent,
customizable test fixtures.

# Overview

Testing the aggregation protocol requires generating various types of test
data, from deployment configurations to cryptographic keys, weight deltas, and
signed round results. This package provides utilities for these needs,
allowing test writers to focus on test logic rather than test data generation.

# Key Components

## Configuration Generators

Functions for creating customizable SecAggConfig instances:

	// Create default test config
	config := testutil.NewTestConfig()

	// Create custom config with specific options
	customConfig := testutil.NewTestConfig(
	    testutil.WithNumClients(10),
	    testutil.WithThreshold(6),
	    testutil.WithRoundDuration(2*time.Second),
	)

## Cryptographic Generators

Utilities for generating keys and other cryptographic primitives:

	// Generate random bytes
	randomBytes, _ := testutil.GenerateRandomBytes(32)

	// Generate signing key pairs
	pubKey, privKey, _ := testutil.GenerateTestKeyPair()

	// Generate multiple key exchange keys
	exchangeKeys, _ := testutil.GenerateTestExchangeKeys(10)

## Delta and Update Generators

Functions for creating weight deltas and client updates:

	// Single tensor delta from explicit values
	delta := testutil.DeltaFromValues("dense/kernel", 1.0, 0.0, -1.0, 2.0)

	// Delta matching a schema with every element equal
	flat := testutil.ConstantDelta(config.TensorSchema, 0.5)

	// Several updates sharing a delta
	updates := testutil.GenerateTestUpdates(5, delta, 20)

## Round Result Generators

Functions for creating signed round results:

	// Signed result for a specific round
	signed := testutil.GenerateTestSignedRoundResult(
	    testutil.WithRoundNumber(7),
	    testutil.WithTotalSamples(40),
	)

# Usage Example

	func TestResultStorage(t *testing.T) {
	    store := services.NewInMemoryStore()

	    signed := testutil.GenerateTestSignedRoundResult(testutil.WithRoundNumber(1))
	    require.NoError(t, store.SaveRoundResult(context.Background(), signed))

	    loaded, err := store.LoadRoundResult(context.Background(), 1)
	    require.NoError(t, err)
	    require.Equal(t, signed.Signature, loaded.Signature)
	}

This package is intended for testing purposes only and should not be used in
production code.
*/
package testutil
