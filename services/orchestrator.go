package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octomil/secagg/crypto"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/tdx"
)

// OrchestratorConfig describes a local deployment: one registry, one
// coordinator, and the configured number of aggregators and clients, all in
// the same process on consecutive ports.
type OrchestratorConfig struct {
	Deployment     *protocol.SecAggConfig
	NumAggregators int

	BasePort   int
	AdminToken string

	UseTDX          bool
	RemoteTDXURL    string
	MeasurementsURL string

	// Trainers supplies one trainer per client, Deployment.NumClients total.
	Trainers []Trainer

	// Store persists coordinator round results. Optional.
	Store ResultStore

	Log *slog.Logger
}

// DeployedService is one running service instance with its keys.
type DeployedService struct {
	ServiceType ServiceType
	HTTPAddr    string
	HTTPServer  *http.Server

	SigningKey  crypto.PrivateKey
	PublicKey   crypto.PublicKey

	Client      *HTTPClient
	Aggregator  *HTTPAggregator
	Coordinator *HTTPCoordinator
}

// Orchestrator deploys a full secure aggregation stack in-process. It exists
// for demos and integration tests; production deployments run one service
// per machine with the same building blocks.
type Orchestrator struct {
	config              *OrchestratorConfig
	log                 *slog.Logger
	attestationProvider TEEProvider
	measurementSource   MeasurementSource

	registry       *Registry
	registryServer *http.Server
	registryURL    string

	coordinator *DeployedService
	aggregators []*DeployedService
	clients     []*DeployedService

	resultsMu sync.RWMutex
	results   []*protocol.RoundResult

	ctx    context.Context
	cancel context.CancelFunc
}

// NewOrchestrator creates a deployment orchestrator.
func NewOrchestrator(config *OrchestratorConfig) (*Orchestrator, error) {
	if err := config.Deployment.Validate(); err != nil {
		return nil, err
	}
	if len(config.Trainers) != config.Deployment.NumClients {
		return nil, fmt.Errorf("%d trainers for %d clients", len(config.Trainers), config.Deployment.NumClients)
	}

	log := config.Log
	if log == nil {
		log = slog.Default()
	}

	var attestationProvider TEEProvider
	if config.UseTDX {
		if config.RemoteTDXURL != "" {
			attestationProvider = &tdx.RemoteDCAPProvider{
				URL:     config.RemoteTDXURL,
				Timeout: 30 * time.Second,
			}
		} else {
			attestationProvider = &tdx.TDXProvider{}
		}
	} else {
		attestationProvider = &tdx.DummyProvider{}
	}

	var measurementSource MeasurementSource
	if config.MeasurementsURL != "" {
		measurementSource = NewRemoteMeasurementSource(config.MeasurementsURL)
	} else {
		measurementSource = DemoMeasurementSource()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		config:              config,
		log:                 log,
		attestationProvider: attestationProvider,
		measurementSource:   measurementSource,
		ctx:                 ctx,
		cancel:              cancel,
	}, nil
}

// Deploy starts the registry and all services.
func (o *Orchestrator) Deploy() error {
	if err := o.deployRegistry(); err != nil {
		return fmt.Errorf("deploy registry: %w", err)
	}

	port := o.config.BasePort
	coordinator, err := o.deployService(CoordinatorService, port, nil)
	if err != nil {
		return fmt.Errorf("deploy coordinator: %w", err)
	}
	o.coordinator = coordinator
	port++

	for i := 0; i < o.config.NumAggregators; i++ {
		aggregator, err := o.deployService(AggregatorService, port, nil)
		if err != nil {
			return fmt.Errorf("deploy aggregator %d: %w", i, err)
		}
		o.aggregators = append(o.aggregators, aggregator)
		port++
	}

	for i := 0; i < o.config.Deployment.NumClients; i++ {
		client, err := o.deployService(ClientService, port, o.config.Trainers[i])
		if err != nil {
			return fmt.Errorf("deploy client %d: %w", i, err)
		}
		o.clients = append(o.clients, client)
		port++
	}

	o.log.Info("Deployment complete",
		"clients", len(o.clients),
		"aggregators", len(o.aggregators),
		"registry", o.registryURL,
	)
	return nil
}

func (o *Orchestrator) deployRegistry() error {
	registryAddr := fmt.Sprintf("localhost:%d", o.config.BasePort-1)
	o.registryURL = fmt.Sprintf("http://%s", registryAddr)

	registry, err := NewRegistry(&RegistryConfig{
		AllowedMeasurementsSource: o.measurementSource,
		AttestationProvider:       o.attestationProvider,
		AdminToken:                o.config.AdminToken,
	}, o.config.Deployment)
	if err != nil {
		return err
	}
	o.registry = registry

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	registry.RegisterPublicRoutes(r)
	registry.RegisterAdminRoutes(r)

	o.registryServer = &http.Server{Addr: registryAddr, Handler: r}
	go func() {
		if err := o.registryServer.ListenAndServe(); err != http.ErrServerClosed {
			o.log.Error("Registry server failed", "err", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	return nil
}

func (o *Orchestrator) deployService(serviceType ServiceType, port int, trainer Trainer) (*DeployedService, error) {
	pubKey, privKey, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate keys: %w", err)
	}
	exchangeKey, err := crypto.GenerateExchangeKey()
	if err != nil {
		return nil, fmt.Errorf("generate exchange key: %w", err)
	}

	addr := fmt.Sprintf("localhost:%d", port)
	config := &ServiceConfig{
		Deployment:                o.config.Deployment,
		AttestationProvider:       o.attestationProvider,
		AllowedMeasurementsSource: o.measurementSource,
		HTTPAddr:                  addr,
		ServiceType:               serviceType,
		RegistryURL:               o.registryURL,
		AdminToken:                o.config.AdminToken,
		Log:                       o.log.With("service", string(serviceType), "addr", addr),
	}

	service := &DeployedService{
		ServiceType: serviceType,
		HTTPAddr:    fmt.Sprintf("http://%s", addr),
		SigningKey:  privKey,
		PublicKey:   pubKey,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	var start func(context.Context) error
	switch serviceType {
	case ClientService:
		client, err := NewHTTPClient(config, privKey, exchangeKey, trainer)
		if err != nil {
			return nil, fmt.Errorf("create client: %w", err)
		}
		client.RegisterRoutes(r)
		service.Client = client
		start = client.Start

	case AggregatorService:
		aggregator, err := NewHTTPAggregator(config, privKey, exchangeKey)
		if err != nil {
			return nil, fmt.Errorf("create aggregator: %w", err)
		}
		aggregator.RegisterRoutes(r)
		service.Aggregator = aggregator
		start = aggregator.Start

	case CoordinatorService:
		coordinator, err := NewHTTPCoordinator(config, privKey, exchangeKey, o.config.Store)
		if err != nil {
			return nil, fmt.Errorf("create coordinator: %w", err)
		}
		coordinator.SetRoundResultCallback(o.recordResult)
		coordinator.RegisterRoutes(r)
		service.Coordinator = coordinator
		start = coordinator.Start
	}

	service.HTTPServer = &http.Server{Addr: addr, Handler: r}
	go func() {
		if err := service.HTTPServer.ListenAndServe(); err != http.ErrServerClosed {
			o.log.Error("Service server failed", "service", string(serviceType), "addr", addr, "err", err)
		}
	}()

	time.Sleep(50 * time.Millisecond)

	if err := start(o.ctx); err != nil {
		return nil, err
	}
	return service, nil
}

func (o *Orchestrator) recordResult(result *protocol.RoundResult) {
	o.resultsMu.Lock()
	o.results = append(o.results, result)
	o.resultsMu.Unlock()

	o.log.Info("Round completed",
		"round", result.RoundNumber,
		"participants", len(result.Participants),
		"dropped", len(result.Dropped),
	)
}

// Coordinator returns the deployed coordinator.
func (o *Orchestrator) Coordinator() *DeployedService {
	return o.coordinator
}

// Clients returns the deployed clients.
func (o *Orchestrator) Clients() []*DeployedService {
	return o.clients
}

// RoundResults returns the results finalized since deployment, oldest first.
func (o *Orchestrator) RoundResults() []*protocol.RoundResult {
	o.resultsMu.RLock()
	defer o.resultsMu.RUnlock()
	out := make([]*protocol.RoundResult, len(o.results))
	copy(out, o.results)
	return out
}

// LatestResult returns the most recent round result, nil before the first.
func (o *Orchestrator) LatestResult() *protocol.RoundResult {
	o.resultsMu.RLock()
	defer o.resultsMu.RUnlock()
	if len(o.results) == 0 {
		return nil
	}
	return o.results[len(o.results)-1]
}

// Shutdown stops all services and the registry.
func (o *Orchestrator) Shutdown() error {
	o.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	all := make([]*DeployedService, 0, 1+len(o.aggregators)+len(o.clients))
	if o.coordinator != nil {
		all = append(all, o.coordinator)
	}
	all = append(all, o.aggregators...)
	all = append(all, o.clients...)

	for _, svc := range all {
		svc.HTTPServer.Shutdown(ctx)
	}
	if o.registryServer != nil {
		o.registryServer.Shutdown(ctx)
	}
	return nil
}
