package services

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
)

// TEEProvider abstracts attestation generation and verification.
type TEEProvider interface {
	AttestationType() string
	Attest(reportData [64]byte) ([]byte, error)
	Verify(attestationReport []byte, expectedReportData [64]byte) (map[int][]byte, error)
}

// Measurements maps register indices to measurement values extracted from a
// verified attestation.
type Measurements map[int][]byte

// reportDataForService computes the attestation report data binding a
// service's exchange key, endpoint, and signing key. The quote therefore
// proves the keys were generated inside the attested environment.
func reportDataForService(svc *RegisteredService) [64]byte {
	hash := sha256.New()
	hash.Write([]byte(svc.ExchangeKey))
	hash.Write([]byte(svc.HTTPEndpoint))
	pubKey, _ := crypto.NewPublicKeyFromString(svc.PublicKey)
	hash.Write(pubKey.Bytes())

	var reportData [64]byte
	copy(reportData[:], hash.Sum(nil))
	return reportData
}

// AttestRegistration generates attestation evidence binding the registration
// data, and returns the registration with the evidence attached. A nil
// provider leaves the registration unattested.
func AttestRegistration(provider TEEProvider, svc *RegisteredService) (*RegisteredService, error) {
	if provider == nil {
		return svc, nil
	}

	attestation, err := provider.Attest(reportDataForService(svc))
	if err != nil {
		return nil, fmt.Errorf("could not attest registration: %w", err)
	}

	attested := *svc
	attested.Attestation = attestation
	return &attested, nil
}

// VerifyRegisteredService checks a signed registration end to end: the
// signature must come from the claimed public key, the attestation must bind
// the registration data, and the measurements must match an allowed build.
// A nil provider skips the attestation checks; a nil source skips the
// measurement allowlist.
func VerifyRegisteredService(source MeasurementSource, provider TEEProvider, signed *protocol.Signed[RegisteredService]) (Measurements, error) {
	svc, signer, err := signed.Recover()
	if err != nil {
		return nil, err
	}
	if signer.String() != svc.PublicKey {
		return nil, errors.New("signer does not match claimed public key")
	}
	if !svc.ServiceType.Valid() {
		return nil, fmt.Errorf("unknown service type %q", svc.ServiceType)
	}

	if provider == nil {
		return nil, nil
	}
	if len(svc.Attestation) == 0 {
		return nil, errors.New("no attestation data")
	}

	measurements, err := provider.Verify(svc.Attestation, reportDataForService(svc))
	if err != nil {
		return nil, fmt.Errorf("could not verify attestation: %w", err)
	}

	if source != nil {
		allowed, err := source.GetAllowedMeasurements()
		if err != nil {
			return nil, fmt.Errorf("could not fetch allowed measurements: %w", err)
		}
		if _, err := VerifyMeasurementsMatch(allowed, measurements); err != nil {
			return nil, fmt.Errorf("attestation is not allowed: %w", err)
		}
	}

	return measurements, nil
}
