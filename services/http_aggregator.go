package services

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/metrics"
	"github.com/octomil/secagg/protocol"
)

// HTTPAggregator wraps the protocol AggregatorService with HTTP endpoints
// and registry integration. It combines client submissions during the
// masked submission phase and pushes the combined update to the coordinator
// at the unmasking boundary.
type HTTPAggregator struct {
	*baseService
	service *protocol.AggregatorService
}

// NewHTTPAggregator creates an aggregator service.
func NewHTTPAggregator(config *ServiceConfig, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey) (*HTTPAggregator, error) {
	config.ServiceType = AggregatorService
	base, err := newBaseService(config, signingKey, exchangeKey)
	if err != nil {
		return nil, err
	}

	service, err := protocol.NewAggregatorService(config.Deployment, signingKey)
	if err != nil {
		return nil, err
	}

	return &HTTPAggregator{
		baseService: base,
		service:     service,
	}, nil
}

// RegisterRoutes registers HTTP routes for the aggregator.
func (a *HTTPAggregator) RegisterRoutes(r chi.Router) {
	r.Get("/registration-data", a.handleRegistrationData)
	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		a.baseService.handleRegister(w, req, a)
	})
	r.Post("/submit", a.handleSubmit)
	r.Get("/aggregate", a.handleGetAggregate)
}

// Start registers with the central registry and begins service operations.
func (a *HTTPAggregator) Start(ctx context.Context) error {
	if err := a.registerWithRegistry(); err != nil {
		return fmt.Errorf("registry registration failed: %w", err)
	}

	a.scheduler.Start(ctx)
	go a.handleRoundTransitions(ctx)
	go a.runDiscoveryLoop(ctx, a)

	return nil
}

// PublicKey returns the aggregator's signing public key.
func (a *HTTPAggregator) PublicKey() crypto.PublicKey {
	return a.publicKey()
}

func (a *HTTPAggregator) selfPublicKey() string {
	return a.publicKey().String()
}

func (a *HTTPAggregator) onCoordinatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := a.verifyAndStoreCoordinator(signed)
	if err != nil {
		return err
	}
	// Nudge the coordinator to look us up in the registry and authorize us.
	return a.sendRegistrationDirectly(endpoint.HTTPEndpoint)
}

func (a *HTTPAggregator) onAggregatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	_, err := a.verifyAndStoreAggregator(signed)
	return err
}

func (a *HTTPAggregator) onClientDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := a.verifyAndStoreClient(signed)
	if err != nil {
		return err
	}
	return a.service.RegisterClient(endpoint.PublicKey)
}

func (a *HTTPAggregator) handleRoundTransitions(ctx context.Context) {
	roundChan := a.scheduler.SubscribeToRounds(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case round := <-roundChan:
			a.setRound(round)

			switch round.Phase {
			case protocol.KeyAdvertisementPhase:
				a.service.AdvanceToRound(round)
			case protocol.UnmaskingPhase:
				a.pushAggregate()
			}
		}
	}
}

// pushAggregate submits the round's combined update to the coordinator.
func (a *HTTPAggregator) pushAggregate() {
	signed, err := a.service.SignedAggregate()
	if err != nil {
		a.config.logger().Debug("Nothing to push this round", "err", err)
		return
	}

	a.mu.RLock()
	coordinators := make([]*ServiceEndpoint, 0, len(a.directory.Coordinators))
	for _, coordinator := range a.directory.Coordinators {
		coordinators = append(coordinators, coordinator)
	}
	a.mu.RUnlock()

	if len(coordinators) == 0 {
		a.config.logger().Warn("No coordinator known, dropping aggregate", "round", signed.UnsafeObject().RoundNumber)
		return
	}

	if err := a.postJSONRetry(coordinators[0].HTTPEndpoint+"/aggregate", signed, nil, 3); err != nil {
		a.config.logger().Warn("Could not push aggregate", "err", err)
	}
}

func (a *HTTPAggregator) handleRegistrationData(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(a.registration)
}

func (a *HTTPAggregator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var signed protocol.Signed[protocol.MaskedUpdate]
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if a.round().Phase != protocol.MaskedSubmissionPhase {
		http.Error(w, "not in the masked submission phase", http.StatusBadRequest)
		return
	}

	if _, err := a.service.ProcessMaskedUpdates([]*protocol.Signed[protocol.MaskedUpdate]{&signed}); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	metrics.IncMaskedUpdates()
	w.WriteHeader(http.StatusOK)
}

func (a *HTTPAggregator) handleGetAggregate(w http.ResponseWriter, r *http.Request) {
	aggregate := a.service.CurrentAggregate()
	if aggregate == nil {
		http.Error(w, "no updates aggregated this round", http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(aggregate)
}
