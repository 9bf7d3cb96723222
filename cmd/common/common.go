// Package common provides shared utilities for the service binaries.
//
// This package contains helper functions used across the standalone service
// binaries (registry, coordinator, aggregator, client) to reduce code
// duplication:
//
//   - YAML configuration loading with flag overrides
//   - Key loading and generation for Ed25519 signing and ECDH exchange keys
//   - Deployment configuration fetching from the registry
//   - TEE provider and measurement source factory functions
package common

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/services"
	"github.com/octomil/secagg/tdx"
)

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return crypto.NewPrivateKeyFromBytes(keyBytes), nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}

// LoadOrGenerateExchangeKey loads an ECDH P-256 private key from a hex string,
// or generates a new key if hexKey is empty.
func LoadOrGenerateExchangeKey(hexKey string) (*ecdh.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		return ecdh.P256().NewPrivateKey(keyBytes)
	}
	return ecdh.P256().GenerateKey(rand.Reader)
}

// FetchDeploymentConfig retrieves the deployment configuration from a
// registry's /config endpoint.
func FetchDeploymentConfig(registryURL string) (*protocol.SecAggConfig, error) {
	resp, err := http.Get(registryURL + "/config")
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registry returned status %d", resp.StatusCode)
	}

	config, err := protocol.DecodeMessage[protocol.SecAggConfig](resp.Body)
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return config, nil
}

// NewAttestationProvider creates a TEE provider based on configuration.
// Returns TDXProvider or RemoteDCAPProvider when UseTDX is set, otherwise
// DummyProvider for testing.
func NewAttestationProvider(cfg AttestationConfig) services.TEEProvider {
	if cfg.UseTDX {
		if cfg.TDXRemoteURL != "" {
			return &tdx.RemoteDCAPProvider{URL: cfg.TDXRemoteURL, Timeout: 30 * time.Second}
		}
		return &tdx.TDXProvider{}
	}
	return &tdx.DummyProvider{}
}

// NewMeasurementSource creates a measurement source from a URL.
// Returns nil if measurementsURL is empty, indicating no measurement
// verification should be performed.
func NewMeasurementSource(measurementsURL string) services.MeasurementSource {
	if measurementsURL != "" {
		return services.NewRemoteMeasurementSource(measurementsURL)
	}
	return nil
}

// ToServiceType validates and converts a service type string.
func ToServiceType(s string) (services.ServiceType, error) {
	serviceType := services.ServiceType(s)
	if !serviceType.Valid() {
		return "", fmt.Errorf("unknown service type %q (want client, aggregator, or coordinator)", s)
	}
	return serviceType, nil
}
