package services

import (
	"crypto/ecdh"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
)

// ServiceConfig contains configuration shared by all HTTP services.
type ServiceConfig struct {
	Deployment                *protocol.SecAggConfig
	AttestationProvider       TEEProvider
	AllowedMeasurementsSource MeasurementSource
	HTTPAddr                  string
	ServiceType               ServiceType
	RegistryURL               string
	// AdminToken authenticates with registry admin endpoints (user:pass).
	AdminToken string
	Log        *slog.Logger
}

func (c *ServiceConfig) logger() *slog.Logger {
	if c.Log != nil {
		return c.Log
	}
	return slog.Default()
}

// ServiceType identifies the role a service plays in a deployment.
type ServiceType string

const (
	ClientService      ServiceType = "client"
	AggregatorService  ServiceType = "aggregator"
	CoordinatorService ServiceType = "coordinator"
)

// Valid returns true if the service type is recognized.
func (t ServiceType) Valid() bool {
	switch t {
	case ClientService, AggregatorService, CoordinatorService:
		return true
	}
	return false
}

// RegisteredService contains all registration data for a service instance.
// It travels inside a Signed envelope so the registry and peers can verify
// both the signature and the attestation binding.
type RegisteredService struct {
	ServiceType  ServiceType `json:"service_type"`
	HTTPEndpoint string      `json:"http_endpoint"`
	PublicKey    string      `json:"public_key"`
	ExchangeKey  string      `json:"exchange_key"`
	Attestation  []byte      `json:"attestation,omitempty"`
}

// ParsePublicKey returns the parsed signing public key.
func (s *RegisteredService) ParsePublicKey() (crypto.PublicKey, error) {
	return crypto.NewPublicKeyFromString(s.PublicKey)
}

// ParseExchangeKey parses a hex-encoded P-256 public key.
func ParseExchangeKey(exchangeKey string) (*ecdh.PublicKey, error) {
	keyBytes, err := hex.DecodeString(exchangeKey)
	if err != nil {
		return nil, fmt.Errorf("invalid exchange key hex: %w", err)
	}
	return ecdh.P256().NewPublicKey(keyBytes)
}

// ServiceEndpoint is a discovered peer whose registration has been verified.
// Keys are parsed once at verification time.
type ServiceEndpoint struct {
	ServiceType  ServiceType
	HTTPEndpoint string
	PublicKey    crypto.PublicKey
	ExchangeKey  *ecdh.PublicKey
}

// ServiceDirectory caches verified peer endpoints, keyed by signing public
// key.
type ServiceDirectory struct {
	Coordinators map[string]*ServiceEndpoint
	Aggregators  map[string]*ServiceEndpoint
	Clients      map[string]*ServiceEndpoint
}

// NewServiceDirectory creates an empty endpoint cache.
func NewServiceDirectory() *ServiceDirectory {
	return &ServiceDirectory{
		Coordinators: make(map[string]*ServiceEndpoint),
		Aggregators:  make(map[string]*ServiceEndpoint),
		Clients:      make(map[string]*ServiceEndpoint),
	}
}

// ServiceListResponse contains all registered services by type. Entries keep
// their signatures so consumers can re-verify registrations end to end.
type ServiceListResponse struct {
	Coordinators []*protocol.Signed[RegisteredService] `json:"coordinators"`
	Aggregators  []*protocol.Signed[RegisteredService] `json:"aggregators"`
	Clients      []*protocol.Signed[RegisteredService] `json:"clients"`
}

// ServiceRegistrationResponse confirms registry registration.
type ServiceRegistrationResponse struct {
	Success   bool   `json:"success"`
	PublicKey string `json:"public_key,omitempty"`
	Message   string `json:"message,omitempty"`
}

// SeedShareBatch wraps a client's encrypted seed shares for relay through the
// coordinator.
type SeedShareBatch struct {
	Envelopes []*protocol.Signed[protocol.SeedShareEnvelope] `json:"envelopes"`
}

// AdvertisementList carries the closed advertisement set for a round.
type AdvertisementList struct {
	RoundNumber    int                                           `json:"round_number"`
	Advertisements []*protocol.Signed[protocol.KeyAdvertisement] `json:"advertisements"`
}

// DroppedList names the participants that advertised keys but never
// submitted a masked update this round.
type DroppedList struct {
	RoundNumber int                      `json:"round_number"`
	Dropped     []protocol.ParticipantID `json:"dropped"`
}

// RoundResultEnvelope wraps a signed round result for transport.
type RoundResultEnvelope struct {
	Result *protocol.Signed[protocol.RoundResult] `json:"result"`
}
