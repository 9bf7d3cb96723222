package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/tdx"
	"github.com/octomil/secagg/testutil"
	"github.com/stretchr/testify/require"
)

// fetchServices retrieves the service list from the registry via HTTP.
func fetchServices(registryURL string) (*ServiceListResponse, error) {
	resp, err := http.Get(registryURL + "/services")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var list ServiceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, err
	}
	return &list, nil
}

// staticTrainer always contributes the same delta.
type staticTrainer struct {
	delta   model.WeightDelta
	samples int
}

func (s *staticTrainer) TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error) {
	return &model.ClientUpdate{Delta: s.delta.Clone(), SampleCount: s.samples}, nil
}

// failingTrainer never produces an update, so its client advertises and
// distributes shares but drops out before submission.
type failingTrainer struct{}

func (f *failingTrainer) TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error) {
	return nil, errors.New("no training data")
}

func e2eDeploymentConfig(numClients int) *protocol.SecAggConfig {
	return testutil.NewTestConfig(
		testutil.WithNumClients(numClients),
		testutil.WithRoundDuration(2*time.Second),
		testutil.WithTensorSchema(map[string]int{"dense/kernel": 4}),
	)
}

type testService struct {
	ts          *httptest.Server
	coordinator *HTTPCoordinator
	aggregator  *HTTPAggregator
	client      *HTTPClient
}

func startE2ERegistry(t *testing.T, deployment *protocol.SecAggConfig, attestProvider TEEProvider, measureSource MeasurementSource, adminToken string) (*Registry, *httptest.Server) {
	t.Helper()

	registryConfig := &RegistryConfig{
		AttestationProvider:       attestProvider,
		AllowedMeasurementsSource: measureSource,
		AdminToken:                adminToken,
	}
	registry, err := NewRegistry(registryConfig, deployment)
	require.NoError(t, err)

	r := chi.NewRouter()
	registry.RegisterPublicRoutes(r)
	registry.RegisterAdminRoutes(r)

	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	return registry, ts
}

func e2eServiceConfig(t *testing.T, deployment *protocol.SecAggConfig, attestProvider TEEProvider, measureSource MeasurementSource, registryURL, adminToken string) (*ServiceConfig, chi.Router, *httptest.Server) {
	t.Helper()

	// Create the httptest server first to learn the address the service
	// will advertise.
	r := chi.NewRouter()
	ts := httptest.NewServer(r)
	t.Cleanup(ts.Close)

	config := &ServiceConfig{
		Deployment:                deployment,
		AttestationProvider:       attestProvider,
		AllowedMeasurementsSource: measureSource,
		HTTPAddr:                  ts.URL[7:], // strip "http://"
		RegistryURL:               registryURL,
		AdminToken:                adminToken,
	}

	return config, r, ts
}

func startTestCoordinator(t *testing.T, ctx context.Context, deployment *protocol.SecAggConfig, attestProvider TEEProvider, measureSource MeasurementSource, registryURL, adminToken string) *testService {
	t.Helper()

	_, privKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	exchangeKey, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)

	config, r, ts := e2eServiceConfig(t, deployment, attestProvider, measureSource, registryURL, adminToken)

	coordinator, err := NewHTTPCoordinator(config, privKey, exchangeKey, nil)
	require.NoError(t, err)

	coordinator.RegisterRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, coordinator.Start(ctx))

	return &testService{ts: ts, coordinator: coordinator}
}

func startTestAggregator(t *testing.T, ctx context.Context, deployment *protocol.SecAggConfig, attestProvider TEEProvider, measureSource MeasurementSource, registryURL, adminToken string) *testService {
	t.Helper()

	_, privKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	exchangeKey, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)

	config, r, ts := e2eServiceConfig(t, deployment, attestProvider, measureSource, registryURL, adminToken)

	agg, err := NewHTTPAggregator(config, privKey, exchangeKey)
	require.NoError(t, err)

	agg.RegisterRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, agg.Start(ctx))

	return &testService{ts: ts, aggregator: agg}
}

func startTestClient(t *testing.T, ctx context.Context, deployment *protocol.SecAggConfig, attestProvider TEEProvider, measureSource MeasurementSource, registryURL string, trainer Trainer) *testService {
	t.Helper()

	_, privKey, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	exchangeKey, err := crypto.GenerateExchangeKey()
	require.NoError(t, err)

	config, r, ts := e2eServiceConfig(t, deployment, attestProvider, measureSource, registryURL, "")

	client, err := NewHTTPClient(config, privKey, exchangeKey, trainer)
	require.NoError(t, err)

	client.RegisterRoutes(r)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	require.NoError(t, client.Start(ctx))

	return &testService{ts: ts, client: client}
}

// TestE2E_FullRound deploys a registry, a coordinator, and three clients,
// then waits for a wall-clock round to finalize and checks the federated
// average against the trainers' known contributions.
func TestE2E_FullRound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment := e2eDeploymentConfig(3)
	attestProvider := &tdx.DummyProvider{}
	measureSource := DemoMeasurementSource()
	adminToken := "admin:test"

	_, registryServer := startE2ERegistry(t, deployment, attestProvider, measureSource, adminToken)

	coordinator := startTestCoordinator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)

	trainers := []Trainer{
		&staticTrainer{delta: model.WeightDelta{"dense/kernel": {1, 0, -1, 2}}, samples: 10},
		&staticTrainer{delta: model.WeightDelta{"dense/kernel": {3, 2, 1, 0}}, samples: 10},
		&staticTrainer{delta: model.WeightDelta{"dense/kernel": {2, 4, 6, 8}}, samples: 20},
	}

	var clients []*testService
	for _, trainer := range trainers {
		clients = append(clients, startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, trainer))
	}

	// Wait for every client to receive and verify a result covering all
	// three participants. Early rounds may complete with fewer if a phase
	// boundary fell between client starts.
	var result *protocol.RoundResult
	require.Eventually(t, func() bool {
		for _, c := range clients {
			last := c.client.LastResult()
			if last == nil || len(last.Participants) != 3 {
				return false
			}
		}
		result = clients[0].client.LastResult()
		return true
	}, 30*time.Second, 100*time.Millisecond, "all clients should see a full-round result")

	require.Empty(t, result.Dropped)
	require.Equal(t, 40, result.TotalSamples)

	// Weighted average: (10*[1,0,-1,2] + 10*[3,2,1,0] + 20*[2,4,6,8]) / 40
	require.InDeltaSlice(t, []float32{2.0, 2.5, 3.0, 4.5}, result.Average["dense/kernel"], 1e-3)

	// The coordinator serves the same result over HTTP
	resp, err := http.Get(coordinator.ts.URL + "/result/" + strconv.Itoa(result.RoundNumber))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var envelope RoundResultEnvelope
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&envelope))
	require.Equal(t, result.RoundID, envelope.Result.Object.RoundID)
}

// TestE2E_DropoutRecovery runs a deployment where one client always fails
// training. The client advertises and distributes shares, then never
// submits, so every round exercises dropout recovery.
func TestE2E_DropoutRecovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment := e2eDeploymentConfig(3)
	attestProvider := &tdx.DummyProvider{}
	measureSource := DemoMeasurementSource()
	adminToken := "admin:test"

	_, registryServer := startE2ERegistry(t, deployment, attestProvider, measureSource, adminToken)
	startTestCoordinator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)

	survivor1 := startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL,
		&staticTrainer{delta: model.WeightDelta{"dense/kernel": {1, 1, 1, 1}}, samples: 10})
	survivor2 := startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL,
		&staticTrainer{delta: model.WeightDelta{"dense/kernel": {3, 3, 3, 3}}, samples: 30})
	dropout := startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL,
		&failingTrainer{})

	var result *protocol.RoundResult
	require.Eventually(t, func() bool {
		last := survivor1.client.LastResult()
		if last == nil || len(last.Dropped) != 1 {
			return false
		}
		result = last
		return true
	}, 30*time.Second, 100*time.Millisecond, "a round with a recovered dropout should finalize")

	require.Equal(t, []protocol.ParticipantID{dropout.client.ParticipantID()}, result.Dropped)
	require.Len(t, result.Participants, 2)
	require.Contains(t, result.Participants, survivor1.client.ParticipantID())
	require.Contains(t, result.Participants, survivor2.client.ParticipantID())
	require.Equal(t, 40, result.TotalSamples)

	// Weighted average of the two survivors: (10*1 + 30*3) / 40
	require.InDeltaSlice(t, []float32{2.5, 2.5, 2.5, 2.5}, result.Average["dense/kernel"], 1e-3)
}

// TestE2E_AggregatorTier routes submissions through an aggregator instead of
// the coordinator and verifies the combined update still unmasks correctly.
func TestE2E_AggregatorTier(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment := e2eDeploymentConfig(3)
	attestProvider := &tdx.DummyProvider{}
	measureSource := DemoMeasurementSource()
	adminToken := "admin:test"

	_, registryServer := startE2ERegistry(t, deployment, attestProvider, measureSource, adminToken)
	startTestCoordinator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)
	startTestAggregator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)

	var clients []*testService
	for i := 0; i < 3; i++ {
		trainer := &staticTrainer{delta: model.WeightDelta{"dense/kernel": {2, 2, 2, 2}}, samples: 10}
		clients = append(clients, startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, trainer))
	}

	// Clients only submit through the aggregator once they discovered it
	require.Eventually(t, func() bool {
		list, err := fetchServices(registryServer.URL)
		if err != nil {
			return false
		}
		return len(list.Aggregators) == 1 && len(list.Clients) == 3
	}, 5*time.Second, 50*time.Millisecond)

	var result *protocol.RoundResult
	require.Eventually(t, func() bool {
		last := clients[0].client.LastResult()
		if last == nil || len(last.Participants) != 3 {
			return false
		}
		result = last
		return true
	}, 30*time.Second, 100*time.Millisecond, "a round submitted through the aggregator should finalize")

	require.Empty(t, result.Dropped)
	require.Equal(t, 30, result.TotalSamples)
	require.InDeltaSlice(t, []float32{2, 2, 2, 2}, result.Average["dense/kernel"], 1e-3)
}

// TestE2E_ServiceDiscovery verifies that all services register and discover each other.
func TestE2E_ServiceDiscovery(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment := e2eDeploymentConfig(2)
	attestProvider := &tdx.DummyProvider{}
	measureSource := DemoMeasurementSource()
	adminToken := "admin:test"

	_, registryServer := startE2ERegistry(t, deployment, attestProvider, measureSource, adminToken)

	startTestCoordinator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)
	startTestAggregator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)
	trainer := &staticTrainer{delta: model.WeightDelta{"dense/kernel": {1, 1, 1, 1}}, samples: 10}
	startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, trainer)

	// Verify discovery
	require.Eventually(t, func() bool {
		list, err := fetchServices(registryServer.URL)
		if err != nil {
			return false
		}
		return len(list.Coordinators) == 1 && len(list.Aggregators) == 1 && len(list.Clients) == 1
	}, 5*time.Second, 50*time.Millisecond)

	// Verify via HTTP endpoint
	resp, err := http.Get(registryServer.URL + "/services")
	require.NoError(t, err)
	defer resp.Body.Close()

	var serviceList ServiceListResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&serviceList))
	require.Len(t, serviceList.Coordinators, 1)
	require.Len(t, serviceList.Aggregators, 1)
	require.Len(t, serviceList.Clients, 1)
}

// TestE2E_HealthEndpoints verifies health endpoints respond correctly.
func TestE2E_HealthEndpoints(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping E2E test in short mode")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deployment := e2eDeploymentConfig(2)
	attestProvider := &tdx.DummyProvider{}
	measureSource := DemoMeasurementSource()
	adminToken := "admin:test"

	_, registryServer := startE2ERegistry(t, deployment, attestProvider, measureSource, adminToken)

	coordinator := startTestCoordinator(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, adminToken)
	trainer := &staticTrainer{delta: model.WeightDelta{"dense/kernel": {1, 1, 1, 1}}, samples: 10}
	client := startTestClient(t, ctx, deployment, attestProvider, measureSource, registryServer.URL, trainer)

	for _, url := range []string{
		registryServer.URL + "/health",
		coordinator.ts.URL + "/health",
		client.ts.URL + "/health",
	} {
		resp, err := http.Get(url)
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("health check failed for %s", url))
	}
}
