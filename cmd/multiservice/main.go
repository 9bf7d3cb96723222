// Command multiservice runs a secure aggregation service (client, coordinator,
// or aggregator).
//
// The service type is determined by the --service-type flag or the service_type
// field in the configuration file. This unified command enables building a single
// binary for TEE VM images.
//
// # Configuration File
//
// Create a YAML file with service settings:
//
//	service_type: "coordinator"  # client, coordinator, or aggregator
//	http_addr: ":8081"
//	registry_url: "http://localhost:8080"
//	admin_token: "admin:secret"
//	keys:
//	  signing_key: ""     # Hex-encoded, generates if empty
//	  exchange_key: ""    # Hex-encoded, generates if empty
//	attestation:
//	  use_tdx: false
//	  tdx_remote_url: ""
//	  measurements_url: ""
//	postgres:
//	  host: ""            # Coordinator only: round result persistence
//
// # HTTP Configuration Mode
//
// Use --wait-config to start an HTTP server that waits for configuration:
//
//	go run ./cmd/multiservice --wait-config --addr=:8080
//
// Then POST configuration to start the service:
//
//	curl -X POST http://localhost:8080/config -d @config.yaml
//
// # Service Types
//
// client: Contributes masked, privacy-filtered weight deltas each round.
// Self-registers via the registry's public endpoint.
//
// coordinator: Runs the round clock, relays seed shares, recovers dropped
// clients' masks, and publishes averaged results. Requires admin
// authentication for registry registration.
//
// aggregator: Sums masked client updates before forwarding to the
// coordinator. Requires admin authentication for registration.
//
// # Usage
//
//	go run ./cmd/multiservice --config=service.yaml
//	go run ./cmd/multiservice --service-type=coordinator --registry=http://localhost:8080
//	go run ./cmd/multiservice --wait-config --addr=:8080
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	mathrand "math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octomil/secagg/cmd/common"
	"github.com/octomil/secagg/model"
	"github.com/octomil/secagg/services"
	"gopkg.in/yaml.v3"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		waitConfig      = flag.Bool("wait-config", false, "Wait for config via HTTP POST to /config")
		serviceType     = flag.String("service-type", "", "Service type: client, coordinator, or aggregator")
		addr            = flag.String("addr", ":8080", "HTTP listen address")
		registryURL     = flag.String("registry", "", "Registry URL for service discovery")
		adminToken      = flag.String("admin-token", "", "Admin token for registry (user:pass)")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		useTDX          = flag.Bool("tdx", false, "Use real TDX attestation")
		remoteTDXURL    = flag.String("tdx-url", "", "Remote TDX attestation service URL")
		signingKeyHex   = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		exchangeKeyHex  = flag.String("exchange-key", "", "ECDH P-256 exchange key (hex, generates if empty)")
	)
	flag.Parse()

	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	var cfg *common.Config
	var err error

	if *waitConfig {
		cfg, err = waitForConfig(ctx, *addr)
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("Shutdown during config wait")
				return
			}
			fmt.Printf("Error waiting for config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg, err = loadConfiguration(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	}

	applyFlagOverrides(cfg, *serviceType, *addr, *registryURL, *adminToken,
		*measurementsURL, *useTDX, *remoteTDXURL, *signingKeyHex, *exchangeKeyHex,
		isFlagSet("addr"))

	if err := validateConfig(cfg); err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	if err := run(ctx, cfg); err != nil {
		if ctx.Err() != nil {
			return
		}
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func waitForConfig(ctx context.Context, addr string) (*common.Config, error) {
	configCh := make(chan *common.Config, 1)
	errCh := make(chan error, 1)

	var configOnce sync.Once

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("waiting"))
	})

	r.Post("/config", func(w http.ResponseWriter, r *http.Request) {
		configOnce.Do(func() {
			cfg, err := parseConfigFromRequest(r)
			if err != nil {
				errCh <- err
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			configCh <- cfg
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("configuration accepted"))
		})
	})

	server := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		fmt.Printf("Waiting for configuration on %s (POST /config)\n", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- fmt.Errorf("config server: %w", err)
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case cfg := <-configCh:
		fmt.Println("Configuration received, starting service...")
		return cfg, nil
	}
}

func parseConfigFromRequest(r *http.Request) (*common.Config, error) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}

	cfg := common.DefaultConfig()
	if err := yaml.Unmarshal(body, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return cfg, nil
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, serviceType, addr, registryURL, adminToken,
	measurementsURL string, useTDX bool, remoteTDXURL string,
	signingKeyHex, exchangeKeyHex string, addrExplicit bool) {

	if serviceType != "" {
		cfg.ServiceType = serviceType
	}
	if addrExplicit {
		cfg.HTTPAddr = addr
	} else if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = addr
	}
	if registryURL != "" {
		cfg.RegistryURL = registryURL
	}
	if adminToken != "" {
		cfg.AdminToken = adminToken
	}
	if measurementsURL != "" {
		cfg.Attestation.MeasurementsURL = measurementsURL
	}
	if useTDX {
		cfg.Attestation.UseTDX = true
	}
	if remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = remoteTDXURL
	}
	if signingKeyHex != "" {
		cfg.Keys.SigningKey = signingKeyHex
	}
	if exchangeKeyHex != "" {
		cfg.Keys.ExchangeKey = exchangeKeyHex
	}
}

func validateConfig(cfg *common.Config) error {
	if _, err := common.ToServiceType(cfg.ServiceType); err != nil {
		return err
	}
	if cfg.RegistryURL == "" {
		return fmt.Errorf("registry_url is required (via --registry or config file)")
	}
	return nil
}

// trainer for the client service type: synthetic random deltas in place of a
// real training loop.
type syntheticTrainer struct {
	schema map[string]int
}

func (t *syntheticTrainer) TrainRound(ctx context.Context, round int) (*model.ClientUpdate, error) {
	delta := make(model.WeightDelta, len(t.schema))
	for name, size := range t.schema {
		tensor := make([]float32, size)
		for i := range tensor {
			tensor[i] = float32(mathrand.Float64()*0.2 - 0.1)
		}
		delta[name] = tensor
	}
	return &model.ClientUpdate{Delta: delta, SampleCount: 10}, nil
}

func run(ctx context.Context, cfg *common.Config) error {
	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}

	exchangeKey, err := common.LoadOrGenerateExchangeKey(cfg.Keys.ExchangeKey)
	if err != nil {
		return fmt.Errorf("exchange key: %w", err)
	}

	pubKey, _ := signingKey.PublicKey()
	fmt.Printf("%s public key: %s\n", cfg.ServiceType, pubKey.String())
	fmt.Printf("Exchange public key: %s\n", hex.EncodeToString(exchangeKey.PublicKey().Bytes()))

	deployment, err := common.FetchDeploymentConfig(cfg.RegistryURL)
	if err != nil {
		return fmt.Errorf("fetch config: %w", err)
	}

	svcType, _ := common.ToServiceType(cfg.ServiceType)
	svcConfig := &services.ServiceConfig{
		Deployment:                deployment,
		AttestationProvider:       common.NewAttestationProvider(cfg.Attestation),
		AllowedMeasurementsSource: common.NewMeasurementSource(cfg.Attestation.MeasurementsURL),
		HTTPAddr:                  cfg.HTTPAddr,
		ServiceType:               svcType,
		RegistryURL:               cfg.RegistryURL,
		AdminToken:                cfg.AdminToken,
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	var starter func(context.Context) error

	switch svcType {
	case services.ClientService:
		trainer := &syntheticTrainer{schema: deployment.TensorSchema}
		client, err := services.NewHTTPClient(svcConfig, signingKey, exchangeKey, trainer)
		if err != nil {
			return fmt.Errorf("create client: %w", err)
		}
		client.RegisterRoutes(r)
		starter = client.Start

	case services.AggregatorService:
		aggregator, err := services.NewHTTPAggregator(svcConfig, signingKey, exchangeKey)
		if err != nil {
			return fmt.Errorf("create aggregator: %w", err)
		}
		aggregator.RegisterRoutes(r)
		starter = aggregator.Start

	case services.CoordinatorService:
		store, err := common.NewStore(&cfg.Postgres)
		if err != nil {
			return fmt.Errorf("postgres store: %w", err)
		}
		var resultStore services.ResultStore
		if store != nil {
			defer store.Close()
			resultStore = store
		}

		coordinator, err := services.NewHTTPCoordinator(svcConfig, signingKey, exchangeKey, resultStore)
		if err != nil {
			return fmt.Errorf("create coordinator: %w", err)
		}
		coordinator.RegisterRoutes(r)
		starter = coordinator.Start
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		fmt.Printf("%s listening on %s\n", cfg.ServiceType, cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("HTTP server error: %v\n", err)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := starter(ctx); err != nil {
		return fmt.Errorf("start service: %w", err)
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	fmt.Printf("Shutting down %s...\n", cfg.ServiceType)
	return httpServer.Shutdown(shutdownCtx)
}
