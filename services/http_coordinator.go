package services

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/metrics"
	"github.com/octomil/secagg/protocol"
)

// RoundResultCallback is invoked when a round result is finalized.
type RoundResultCallback func(*protocol.RoundResult)

// HTTPCoordinator wraps the protocol CoordinatorService with HTTP endpoints,
// registry integration, and round scheduling. It closes each protocol phase
// at the wall-clock boundary, finalizes rounds once survivor shares allow
// mask recovery, and pushes signed results to registered clients.
type HTTPCoordinator struct {
	*baseService
	service *protocol.CoordinatorService
	store   ResultStore

	// results outlives the protocol service's per-round state so historical
	// rounds stay servable.
	results             map[int]*protocol.Signed[protocol.RoundResult]
	unmaskStart         time.Time
	roundResultCallback RoundResultCallback
}

// NewHTTPCoordinator creates a coordinator service. The exchange key doubles
// as the registration key clients derive their registration secret against.
// The store is optional; with one, finalized results survive restarts.
func NewHTTPCoordinator(config *ServiceConfig, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey, store ResultStore) (*HTTPCoordinator, error) {
	config.ServiceType = CoordinatorService
	base, err := newBaseService(config, signingKey, exchangeKey)
	if err != nil {
		return nil, err
	}

	service, err := protocol.NewCoordinatorService(config.Deployment, signingKey, exchangeKey)
	if err != nil {
		return nil, err
	}

	return &HTTPCoordinator{
		baseService: base,
		service:     service,
		store:       store,
		results:     make(map[int]*protocol.Signed[protocol.RoundResult]),
	}, nil
}

// SetRoundResultCallback sets a callback invoked when rounds complete.
func (s *HTTPCoordinator) SetRoundResultCallback(cb RoundResultCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundResultCallback = cb
}

// RegisterRoutes registers HTTP routes for the coordinator.
func (s *HTTPCoordinator) RegisterRoutes(r chi.Router) {
	r.Get("/registration-data", s.handleRegistrationData)
	r.Get("/config", s.handleGetConfig)
	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		s.baseService.handleRegister(w, req, s)
	})
	r.Post("/advertise-key", s.handleAdvertiseKey)
	r.Get("/advertisements", s.handleGetAdvertisements)
	r.Post("/seed-shares", s.handleSeedShares)
	r.Get("/seed-shares/{participant}", s.handleGetSeedShares)
	r.Post("/submit", s.handleSubmit)
	r.Post("/aggregate", s.handleAggregate)
	r.Get("/dropped", s.handleGetDropped)
	r.Post("/unmasking-shares", s.handleUnmaskingShares)
	r.Get("/result/{round}", s.handleGetResult)
}

// Start registers with the central registry and begins round scheduling.
func (s *HTTPCoordinator) Start(ctx context.Context) error {
	if err := s.registerWithRegistry(); err != nil {
		return fmt.Errorf("registry registration failed: %w", err)
	}

	s.scheduler.Start(ctx)
	go s.handleRoundTransitions(ctx)
	go s.runDiscoveryLoop(ctx, s)

	return nil
}

// PublicKey returns the coordinator's signing public key.
func (s *HTTPCoordinator) PublicKey() crypto.PublicKey {
	return s.publicKey()
}

// Result returns the signed result of a finalized round, if present.
func (s *HTTPCoordinator) Result(roundNumber int) (*protocol.Signed[protocol.RoundResult], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	signed, ok := s.results[roundNumber]
	return signed, ok
}

func (s *HTTPCoordinator) selfPublicKey() string {
	return s.publicKey().String()
}

func (s *HTTPCoordinator) onCoordinatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	_, err := s.verifyAndStoreCoordinator(signed)
	return err
}

func (s *HTTPCoordinator) onAggregatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := s.verifyAndStoreAggregator(signed)
	if err != nil {
		return err
	}
	return s.service.AuthorizeAggregator(endpoint.PublicKey)
}

func (s *HTTPCoordinator) onClientDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := s.verifyAndStoreClient(signed)
	if err != nil {
		return err
	}
	return s.service.RegisterParticipant(endpoint.PublicKey, endpoint.ExchangeKey)
}

func (s *HTTPCoordinator) handleRoundTransitions(ctx context.Context) {
	roundChan := s.scheduler.SubscribeToRounds(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case round := <-roundChan:
			s.setRound(round)

			switch round.Phase {
			case protocol.KeyAdvertisementPhase:
				s.noteAbortedRound()
				s.service.AdvanceToRound(round)
				s.config.logger().Info("Starting round", "round", round.Number)
			case protocol.UnmaskingPhase:
				s.mu.Lock()
				s.unmaskStart = time.Now()
				s.mu.Unlock()
				s.tryFinalize()
			}
		}
	}
}

// noteAbortedRound checks whether the round that just ended saw activity but
// never finalized. Runs before AdvanceToRound wipes the round state.
func (s *HTTPCoordinator) noteAbortedRound() {
	finished := s.service.CurrentRound()
	if len(s.service.KeyAdvertisements()) == 0 {
		return
	}

	s.mu.RLock()
	_, done := s.results[finished]
	s.mu.RUnlock()

	if !done {
		metrics.IncRoundsAborted()
		s.config.logger().Warn("Round aborted without a result", "round", finished)
	}
}

// tryFinalize attempts to finalize the current round. It fails quietly while
// unmasking shares are still insufficient; every accepted share triggers
// another attempt.
func (s *HTTPCoordinator) tryFinalize() {
	if s.round().Phase != protocol.UnmaskingPhase {
		return
	}

	signed, err := s.service.FinalizeRound()
	if err != nil {
		s.config.logger().Debug("Round not finalizable yet", "err", err)
		return
	}
	result := signed.UnsafeObject()

	s.mu.Lock()
	if _, exists := s.results[result.RoundNumber]; exists {
		s.mu.Unlock()
		return
	}
	s.results[result.RoundNumber] = signed
	unmaskStart := s.unmaskStart
	cb := s.roundResultCallback
	s.mu.Unlock()

	metrics.IncRoundsCompleted()
	for range result.Dropped {
		metrics.IncDropoutRecoveries()
	}
	if !unmaskStart.IsZero() {
		metrics.ObserveUnmaskDuration(time.Since(unmaskStart).Seconds())
	}

	if s.store != nil {
		if err := s.store.SaveRoundResult(context.Background(), signed); err != nil {
			s.config.logger().Error("Could not persist round result", "err", err, "round", result.RoundNumber)
		}
	}

	s.config.logger().Info("Round finalized",
		"round", result.RoundNumber,
		"participants", len(result.Participants),
		"dropped", len(result.Dropped),
		"total_samples", result.TotalSamples,
	)

	if cb != nil {
		go cb(result)
	}
	go s.shareResult(signed)
}

// shareResult pushes a finalized result to every registered client.
func (s *HTTPCoordinator) shareResult(signed *protocol.Signed[protocol.RoundResult]) {
	s.mu.RLock()
	clients := make([]*ServiceEndpoint, 0, len(s.directory.Clients))
	for _, c := range s.directory.Clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	for _, client := range clients {
		if err := s.postJSON(client.HTTPEndpoint+"/round-result", &RoundResultEnvelope{Result: signed}, nil); err != nil {
			s.config.logger().Debug("Could not push result to client", "err", err, "client", client.PublicKey.String())
		}
	}
}

func (s *HTTPCoordinator) handleRegistrationData(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.registration)
}

func (s *HTTPCoordinator) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(s.config.Deployment)
}

func (s *HTTPCoordinator) handleAdvertiseKey(w http.ResponseWriter, r *http.Request) {
	var signed protocol.Signed[protocol.KeyAdvertisement]
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.round().Phase != protocol.KeyAdvertisementPhase {
		http.Error(w, "not in the key advertisement phase", http.StatusBadRequest)
		return
	}

	if err := s.service.ProcessKeyAdvertisement(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}

func (s *HTTPCoordinator) handleGetAdvertisements(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(&AdvertisementList{
		RoundNumber:    s.service.CurrentRound(),
		Advertisements: s.service.KeyAdvertisements(),
	})
}

func (s *HTTPCoordinator) handleSeedShares(w http.ResponseWriter, r *http.Request) {
	var batch SeedShareBatch
	if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.round().Phase != protocol.ShareDistributionPhase {
		http.Error(w, "not in the share distribution phase", http.StatusBadRequest)
		return
	}

	for _, envelope := range batch.Envelopes {
		if err := s.service.ProcessSeedShareEnvelope(envelope); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		metrics.IncSeedSharesRelayed()
	}

	w.WriteHeader(http.StatusOK)
}

func (s *HTTPCoordinator) handleGetSeedShares(w http.ResponseWriter, r *http.Request) {
	participant := chi.URLParam(r, "participant")
	json.NewEncoder(w).Encode(&SeedShareBatch{
		Envelopes: s.service.EnvelopesFor(participant),
	})
}

func (s *HTTPCoordinator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var signed protocol.Signed[protocol.MaskedUpdate]
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.round().Phase != protocol.MaskedSubmissionPhase {
		http.Error(w, "not in the masked submission phase", http.StatusBadRequest)
		return
	}

	if err := s.service.ProcessMaskedUpdate(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	metrics.IncMaskedUpdates()
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPCoordinator) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var signed protocol.Signed[protocol.AggregatedUpdate]
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Aggregators combine during the submission phase and push at the
	// unmasking boundary, so both phases are acceptable here.
	phase := s.round().Phase
	if phase != protocol.MaskedSubmissionPhase && phase != protocol.UnmaskingPhase {
		http.Error(w, "aggregate submitted too late", http.StatusBadRequest)
		return
	}

	if err := s.service.ProcessAggregatedUpdate(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.tryFinalize()
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPCoordinator) handleGetDropped(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(&DroppedList{
		RoundNumber: s.service.CurrentRound(),
		Dropped:     s.service.Dropped(),
	})
}

func (s *HTTPCoordinator) handleUnmaskingShares(w http.ResponseWriter, r *http.Request) {
	var signed protocol.Signed[protocol.UnmaskingShare]
	if err := json.NewDecoder(r.Body).Decode(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.round().Phase != protocol.UnmaskingPhase {
		http.Error(w, "not in the unmasking phase", http.StatusBadRequest)
		return
	}

	if err := s.service.ProcessUnmaskingShare(&signed); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.tryFinalize()
	w.WriteHeader(http.StatusOK)
}

func (s *HTTPCoordinator) handleGetResult(w http.ResponseWriter, r *http.Request) {
	roundNumber, err := strconv.Atoi(chi.URLParam(r, "round"))
	if err != nil {
		http.Error(w, "invalid round number", http.StatusBadRequest)
		return
	}

	s.mu.RLock()
	signed := s.results[roundNumber]
	s.mu.RUnlock()

	if signed == nil && s.store != nil {
		stored, err := s.store.LoadRoundResult(r.Context(), roundNumber)
		if err == nil {
			signed = stored
		}
	}

	if signed == nil {
		http.Error(w, "result not available", http.StatusNotFound)
		return
	}

	json.NewEncoder(w).Encode(&RoundResultEnvelope{Result: signed})
}
