package services

import (
	"context"
	"crypto/ecdh"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
)

// discoveryHandler processes discovered services during the discovery loop.
type discoveryHandler interface {
	onCoordinatorDiscovered(*protocol.Signed[RegisteredService]) error
	onAggregatorDiscovered(*protocol.Signed[RegisteredService]) error
	onClientDiscovered(*protocol.Signed[RegisteredService]) error
	selfPublicKey() string
}

// baseService contains common fields and methods for all HTTP services.
type baseService struct {
	config       *ServiceConfig
	scheduler    *protocol.LocalRoundScheduler
	directory    *ServiceDirectory
	httpClient   *http.Client
	registration *protocol.Signed[RegisteredService]
	signingKey   crypto.PrivateKey
	exchangeKey  *ecdh.PrivateKey

	mu             sync.RWMutex
	currentRound   protocol.Round
	discoveryReqCh chan struct{}
}

func newBaseService(config *ServiceConfig, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey) (*baseService, error) {
	pubKey, err := signingKey.PublicKey()
	if err != nil {
		return nil, err
	}

	svc := &RegisteredService{
		ServiceType:  config.ServiceType,
		HTTPEndpoint: fmt.Sprintf("http://%s", config.HTTPAddr),
		PublicKey:    pubKey.String(),
		ExchangeKey:  hex.EncodeToString(exchangeKey.PublicKey().Bytes()),
	}

	attested, err := AttestRegistration(config.AttestationProvider, svc)
	if err != nil {
		return nil, err
	}

	registration, err := protocol.NewSigned(signingKey, attested)
	if err != nil {
		return nil, fmt.Errorf("could not sign registration: %w", err)
	}

	return &baseService{
		config:         config,
		scheduler:      protocol.NewLocalRoundScheduler(config.Deployment.RoundDuration),
		directory:      NewServiceDirectory(),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		registration:   registration,
		signingKey:     signingKey,
		exchangeKey:    exchangeKey,
		discoveryReqCh: make(chan struct{}, 1),
	}, nil
}

func (b *baseService) publicKey() crypto.PublicKey {
	pubKey, _ := b.signingKey.PublicKey()
	return pubKey
}

func (b *baseService) round() protocol.Round {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.currentRound
}

func (b *baseService) setRound(round protocol.Round) {
	b.mu.Lock()
	b.currentRound = round
	b.mu.Unlock()
}

// sendRegistrationDirectly registers with a single peer, bypassing the
// registry. The coordinator accepts these from clients it has not seen.
func (b *baseService) sendRegistrationDirectly(endpoint string) error {
	return b.postJSON(endpoint+"/register", b.registration, nil)
}

// registerWithRegistry registers this service with the central registry.
// Coordinators and aggregators use the authenticated admin endpoint.
func (b *baseService) registerWithRegistry() error {
	if b.config.RegistryURL == "" {
		return nil
	}

	body, err := json.Marshal(b.registration)
	if err != nil {
		return err
	}

	var url string
	if b.config.ServiceType == ClientService {
		url = fmt.Sprintf("%s/register/%s", b.config.RegistryURL, b.config.ServiceType)
	} else {
		url = fmt.Sprintf("%s/admin/register/%s", b.config.RegistryURL, b.config.ServiceType)
	}

	httpReq, err := http.NewRequest(http.MethodPost, url, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	if b.config.ServiceType != ClientService && b.config.AdminToken != "" {
		user, pass := parseAdminToken(b.config.AdminToken)
		httpReq.SetBasicAuth(user, pass)
	}

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration failed (%d): %s", resp.StatusCode, readBodyForError(resp))
	}
	return nil
}

func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

// Note: this really should be async (sse/ws)
func (b *baseService) runDiscoveryLoop(ctx context.Context, handler discoveryHandler) {
	b.discoverServices(handler)

	discoveryTickerDuration := 10 * time.Minute

	ticker := time.NewTicker(discoveryTickerDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.discoverServices(handler)
		case <-b.discoveryReqCh:
			ticker.Reset(discoveryTickerDuration)
			b.discoverServices(handler)

			// drain
			select {
			case <-b.discoveryReqCh:
			default:
			}
		}
	}
}

func (b *baseService) requestDiscovery() {
	select {
	case b.discoveryReqCh <- struct{}{}:
	default:
	}
}

func (b *baseService) discoverServices(handler discoveryHandler) {
	if b.config.RegistryURL == "" {
		return
	}

	resp, err := b.httpClient.Get(b.config.RegistryURL + "/services")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	var list ServiceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	selfPubKey := handler.selfPublicKey()

	for _, svc := range list.Coordinators {
		if svc.Object == nil || svc.Object.PublicKey == selfPubKey {
			continue
		}
		if _, exists := b.directory.Coordinators[svc.Object.PublicKey]; !exists {
			if err := handler.onCoordinatorDiscovered(svc); err != nil {
				b.config.logger().Warn("Skipping discovered coordinator", "err", err, "pubkey", svc.Object.PublicKey)
				continue
			}
		}
	}

	for _, svc := range list.Aggregators {
		if svc.Object == nil || svc.Object.PublicKey == selfPubKey {
			continue
		}
		if _, exists := b.directory.Aggregators[svc.Object.PublicKey]; !exists {
			if err := handler.onAggregatorDiscovered(svc); err != nil {
				b.config.logger().Warn("Skipping discovered aggregator", "err", err, "pubkey", svc.Object.PublicKey)
				continue
			}
		}
	}

	for _, svc := range list.Clients {
		if svc.Object == nil || svc.Object.PublicKey == selfPubKey {
			continue
		}
		if _, exists := b.directory.Clients[svc.Object.PublicKey]; !exists {
			if err := handler.onClientDiscovered(svc); err != nil {
				b.config.logger().Warn("Skipping discovered client", "err", err, "pubkey", svc.Object.PublicKey)
				continue
			}
		}
	}
}

// handleRegister accepts a registration POSTed directly to this service.
// Clients are verified and stored on the spot; coordinator and aggregator
// registrations only nudge a registry refresh, the registry stays the
// authority for those.
func (b *baseService) handleRegister(w http.ResponseWriter, r *http.Request, handler discoveryHandler) {
	var signedReq protocol.Signed[RegisteredService]
	if err := json.NewDecoder(r.Body).Decode(&signedReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if signedReq.Object == nil {
		http.Error(w, "empty registration", http.StatusBadRequest)
		return
	}

	rr, signer, err := signedReq.Recover()
	if err != nil {
		http.Error(w, fmt.Errorf("could not recover registration signature: %w", err).Error(), http.StatusForbidden)
		return
	}

	if signer.String() != rr.PublicKey {
		http.Error(w, "signer does not match pubkey", http.StatusForbidden)
		return
	}

	if signer.String() == handler.selfPublicKey() {
		http.Error(w, "self-registration is not allowed", http.StatusForbidden)
		return
	}

	b.mu.Lock()
	switch rr.ServiceType {
	case ClientService:
		if _, exists := b.directory.Clients[rr.PublicKey]; !exists {
			err = handler.onClientDiscovered(&signedReq)
		}
	case AggregatorService, CoordinatorService:
		b.requestDiscovery()
	}
	b.mu.Unlock()

	if err != nil {
		http.Error(w, fmt.Errorf("could not register service: %w", err).Error(), http.StatusForbidden)
		return
	}

	json.NewEncoder(w).Encode(&ServiceRegistrationResponse{Success: true, PublicKey: rr.PublicKey})
}

// verifyAndStore verifies a signed registration and caches the parsed
// endpoint. Callers hold b.mu.
func (b *baseService) verifyAndStore(signed *protocol.Signed[RegisteredService], into map[string]*ServiceEndpoint) (*ServiceEndpoint, error) {
	if _, err := VerifyRegisteredService(b.config.AllowedMeasurementsSource, b.config.AttestationProvider, signed); err != nil {
		return nil, fmt.Errorf("attestation verification failed: %w", err)
	}

	svc := signed.Object
	pubKey, err := svc.ParsePublicKey()
	if err != nil {
		return nil, err
	}
	exchangeKey, err := ParseExchangeKey(svc.ExchangeKey)
	if err != nil {
		return nil, err
	}

	endpoint := &ServiceEndpoint{
		ServiceType:  svc.ServiceType,
		HTTPEndpoint: svc.HTTPEndpoint,
		PublicKey:    pubKey,
		ExchangeKey:  exchangeKey,
	}
	into[svc.PublicKey] = endpoint
	return endpoint, nil
}

func (b *baseService) verifyAndStoreCoordinator(signed *protocol.Signed[RegisteredService]) (*ServiceEndpoint, error) {
	return b.verifyAndStore(signed, b.directory.Coordinators)
}

func (b *baseService) verifyAndStoreAggregator(signed *protocol.Signed[RegisteredService]) (*ServiceEndpoint, error) {
	return b.verifyAndStore(signed, b.directory.Aggregators)
}

func (b *baseService) verifyAndStoreClient(signed *protocol.Signed[RegisteredService]) (*ServiceEndpoint, error) {
	return b.verifyAndStore(signed, b.directory.Clients)
}
