package services

import (
	"context"
	"crypto/ecdh"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/protocol"
)

// Trainer produces the local model delta a client contributes each round.
type Trainer interface {
	TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error)
}

// HTTPClient drives a protocol ClientSession against a discovered
// coordinator. Each wall-clock phase triggers the matching session step:
// advertise a round key, distribute seed shares, train and submit the masked
// update, answer unmasking requests for dropped peers.
type HTTPClient struct {
	*baseService
	trainer Trainer

	session        *protocol.ClientSession
	coordinator    *ServiceEndpoint
	lastResult     *protocol.RoundResult
	resultCallback RoundResultCallback
}

// NewHTTPClient creates a client service. The session against the
// coordinator is established on discovery, when the coordinator's
// registration key becomes known.
func NewHTTPClient(config *ServiceConfig, signingKey crypto.PrivateKey, exchangeKey *ecdh.PrivateKey, trainer Trainer) (*HTTPClient, error) {
	config.ServiceType = ClientService
	base, err := newBaseService(config, signingKey, exchangeKey)
	if err != nil {
		return nil, err
	}

	return &HTTPClient{
		baseService: base,
		trainer:     trainer,
	}, nil
}

// RegisterRoutes registers HTTP routes for the client.
func (c *HTTPClient) RegisterRoutes(r chi.Router) {
	r.Post("/round-result", c.handleRoundResult)
	r.Get("/round", c.handleGetRound)
}

// Start registers with the central registry and begins service operations.
func (c *HTTPClient) Start(ctx context.Context) error {
	if err := c.registerWithRegistry(); err != nil {
		return fmt.Errorf("registry registration failed: %w", err)
	}

	c.scheduler.Start(ctx)
	go c.handleRoundTransitions(ctx)
	go c.runDiscoveryLoop(ctx, c)

	return nil
}

// SetResultCallback sets a callback invoked on verified round results.
func (c *HTTPClient) SetResultCallback(cb RoundResultCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resultCallback = cb
}

// LastResult returns the most recent verified round result, nil before any.
func (c *HTTPClient) LastResult() *protocol.RoundResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastResult
}

// ParticipantID returns the client's protocol participant ID.
func (c *HTTPClient) ParticipantID() protocol.ParticipantID {
	return c.publicKey().String()
}

// PublicKey returns the client's signing public key.
func (c *HTTPClient) PublicKey() crypto.PublicKey {
	return c.publicKey()
}

func (c *HTTPClient) selfPublicKey() string {
	return c.publicKey().String()
}

// onCoordinatorDiscovered establishes the client's session: it derives the
// registration secret against the coordinator's registration key and
// registers directly so the coordinator derives the same secret.
func (c *HTTPClient) onCoordinatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := c.verifyAndStoreCoordinator(signed)
	if err != nil {
		return err
	}

	if c.session != nil {
		return nil
	}

	secret, err := crypto.DeriveSharedSecret(c.exchangeKey, endpoint.ExchangeKey)
	if err != nil {
		return fmt.Errorf("derive registration secret: %w", err)
	}

	session, err := protocol.NewClientSession(c.config.Deployment, c.signingKey, secret)
	if err != nil {
		return err
	}

	c.session = session
	c.coordinator = endpoint

	if err := c.sendRegistrationDirectly(endpoint.HTTPEndpoint); err != nil {
		return fmt.Errorf("register with coordinator: %w", err)
	}

	c.config.logger().Info("Paired with coordinator", "coordinator", endpoint.PublicKey.String())
	return nil
}

func (c *HTTPClient) onAggregatorDiscovered(signed *protocol.Signed[RegisteredService]) error {
	endpoint, err := c.verifyAndStoreAggregator(signed)
	if err != nil {
		return err
	}
	// Introduce ourselves so the aggregator accepts our submissions without
	// waiting for its next registry pass.
	return c.sendRegistrationDirectly(endpoint.HTTPEndpoint)
}

func (c *HTTPClient) onClientDiscovered(signed *protocol.Signed[RegisteredService]) error {
	return nil
}

func (c *HTTPClient) handleRoundTransitions(ctx context.Context) {
	roundChan := c.scheduler.SubscribeToRounds(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case round := <-roundChan:
			c.setRound(round)
			if err := c.actOnPhase(ctx, round); err != nil {
				c.config.logger().Warn("Skipping phase", "round", round.Number, "phase", round.Phase.String(), "err", err)
			}
		}
	}
}

func (c *HTTPClient) actOnPhase(ctx context.Context, round protocol.Round) error {
	session, coordinator := c.sessionAndCoordinator()
	if session == nil {
		// Not paired yet; the next discovery pass will fix that.
		c.requestDiscovery()
		return nil
	}

	switch round.Phase {
	case protocol.KeyAdvertisementPhase:
		return c.advertiseKey(session, coordinator, round)
	case protocol.ShareDistributionPhase:
		return c.distributeShares(session, coordinator, round)
	case protocol.MaskedSubmissionPhase:
		return c.submitMaskedUpdate(ctx, session, coordinator, round)
	case protocol.UnmaskingPhase:
		return c.answerUnmasking(session, coordinator, round)
	}
	return nil
}

func (c *HTTPClient) sessionAndCoordinator() (*protocol.ClientSession, *ServiceEndpoint) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.coordinator
}

func (c *HTTPClient) advertiseKey(session *protocol.ClientSession, coordinator *ServiceEndpoint, round protocol.Round) error {
	adv, err := session.StartRound(round.Number)
	if err != nil {
		return err
	}
	return c.postJSONRetry(coordinator.HTTPEndpoint+"/advertise-key", adv, nil, 3)
}

func (c *HTTPClient) distributeShares(session *protocol.ClientSession, coordinator *ServiceEndpoint, round protocol.Round) error {
	if session.CurrentRound() != round.Number {
		return nil // joined mid-round, sit this one out
	}

	var list AdvertisementList
	if err := c.getJSON(coordinator.HTTPEndpoint+"/advertisements", &list); err != nil {
		return err
	}
	if list.RoundNumber != round.Number {
		return fmt.Errorf("coordinator is on round %d, expected %d", list.RoundNumber, round.Number)
	}

	if err := session.ReceiveKeyAdvertisements(list.Advertisements); err != nil {
		return err
	}

	envelopes, err := session.SeedShareEnvelopes()
	if err != nil {
		return err
	}
	return c.postJSONRetry(coordinator.HTTPEndpoint+"/seed-shares", &SeedShareBatch{Envelopes: envelopes}, nil, 3)
}

func (c *HTTPClient) submitMaskedUpdate(ctx context.Context, session *protocol.ClientSession, coordinator *ServiceEndpoint, round protocol.Round) error {
	if session.CurrentRound() != round.Number {
		return nil
	}

	var batch SeedShareBatch
	if err := c.getJSON(coordinator.HTTPEndpoint+"/seed-shares/"+session.ID(), &batch); err != nil {
		return err
	}
	if err := session.ReceiveSeedShareEnvelopes(batch.Envelopes); err != nil {
		return err
	}

	update, err := c.trainer.TrainRound(ctx, round.Number)
	if err != nil {
		return fmt.Errorf("training failed: %w", err)
	}

	signed, err := session.MaskedUpdateForRound(update.Delta, update.SampleCount)
	if err != nil {
		return err
	}

	// Submit through an aggregator when one is known, directly otherwise.
	c.mu.RLock()
	aggregators := make([]*ServiceEndpoint, 0, len(c.directory.Aggregators))
	for _, agg := range c.directory.Aggregators {
		aggregators = append(aggregators, agg)
	}
	c.mu.RUnlock()

	if len(aggregators) > 0 {
		agg := aggregators[rand.Int()%len(aggregators)]
		return c.postJSONRetry(agg.HTTPEndpoint+"/submit", signed, nil, 3)
	}
	return c.postJSONRetry(coordinator.HTTPEndpoint+"/submit", signed, nil, 3)
}

func (c *HTTPClient) answerUnmasking(session *protocol.ClientSession, coordinator *ServiceEndpoint, round protocol.Round) error {
	if session.CurrentRound() != round.Number {
		return nil
	}

	// Give aggregators a moment to push their combined updates, otherwise
	// their clients would still read as dropped.
	time.Sleep(c.config.Deployment.RoundDuration / 16)

	var dropped DroppedList
	if err := c.getJSON(coordinator.HTTPEndpoint+"/dropped", &dropped); err != nil {
		return err
	}
	if dropped.RoundNumber != round.Number || len(dropped.Dropped) == 0 {
		return nil
	}

	shares, err := session.UnmaskingSharesFor(dropped.Dropped)
	if err != nil {
		return err
	}
	return c.postJSONRetry(coordinator.HTTPEndpoint+"/unmasking-shares", shares, nil, 3)
}

// handleRoundResult accepts a result pushed by the coordinator. Results from
// unknown coordinators are rejected.
func (c *HTTPClient) handleRoundResult(w http.ResponseWriter, r *http.Request) {
	var envelope RoundResultEnvelope
	if err := json.NewDecoder(r.Body).Decode(&envelope); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if envelope.Result == nil {
		http.Error(w, "missing result", http.StatusBadRequest)
		return
	}

	result, signer, err := envelope.Result.Recover()
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid signature: %v", err), http.StatusBadRequest)
		return
	}

	c.mu.Lock()
	if _, exists := c.directory.Coordinators[signer.String()]; !exists {
		c.mu.Unlock()
		http.Error(w, "coordinator not registered or not attested", http.StatusForbidden)
		return
	}
	c.lastResult = result
	cb := c.resultCallback
	c.mu.Unlock()

	c.config.logger().Info("Received round result",
		"round", result.RoundNumber,
		"participants", len(result.Participants),
		"total_samples", result.TotalSamples,
	)

	if cb != nil {
		go cb(result)
	}

	w.WriteHeader(http.StatusOK)
}

func (c *HTTPClient) handleGetRound(w http.ResponseWriter, r *http.Request) {
	round := c.round()

	c.mu.RLock()
	paired := c.session != nil
	c.mu.RUnlock()

	json.NewEncoder(w).Encode(map[string]any{
		"round":  round.Number,
		"phase":  round.Phase.String(),
		"paired": paired,
	})
}
