// Command coordinator runs a standalone secure aggregation coordinator.
//
// The coordinator drives each round: it collects key advertisements, relays
// encrypted seed shares between clients, accepts masked updates, and when
// clients drop out it gathers unmasking shares from the survivors to
// reconstruct the missing masks. Finalized rounds are published as signed
// averaged deltas.
//
// # Registration
//
// Coordinators expose a GET /registration-data endpoint that returns signed
// and attested registration data. An administrator fetches this data and
// forwards it to the registry's admin endpoint. With --admin-token set the
// coordinator registers itself through that endpoint directly.
//
// # Round Results
//
// Finalized results are served at GET /result/{round} and pushed to every
// registered client. When Postgres is configured in the config file, results
// survive restarts.
//
// # Usage
//
//	go run ./cmd/coordinator --registry=http://localhost:8080 --admin-token=admin:secret
//	go run ./cmd/coordinator --config=coordinator.yaml
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octomil/secagg/cmd/common"
	"github.com/octomil/secagg/services"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		addr            = flag.String("addr", ":8081", "HTTP listen address")
		registryURL     = flag.String("registry", "", "Registry URL for service discovery")
		adminToken      = flag.String("admin-token", "", "Admin token for registry (user:pass)")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		useTDX          = flag.Bool("tdx", false, "Use real TDX attestation")
		remoteTDXURL    = flag.String("tdx-url", "", "Remote TDX attestation service URL")
		signingKeyHex   = flag.String("signing-key", "", "Ed25519 signing key (hex, generates if empty)")
		exchangeKeyHex  = flag.String("exchange-key", "", "ECDH P-256 exchange key (hex, generates if empty)")
	)
	flag.Parse()

	var cfg *common.Config
	var err error

	if *configPath != "" {
		cfg, err = common.LoadConfig(*configPath)
		if err != nil {
			fmt.Printf("Error loading config: %v\n", err)
			os.Exit(1)
		}
	} else {
		cfg = common.DefaultConfig()
	}

	// Command-line flags override config file
	if *addr != ":8081" || cfg.HTTPAddr == "" {
		cfg.HTTPAddr = *addr
	}
	if *registryURL != "" {
		cfg.RegistryURL = *registryURL
	}
	if *adminToken != "" {
		cfg.AdminToken = *adminToken
	}
	if *measurementsURL != "" {
		cfg.Attestation.MeasurementsURL = *measurementsURL
	}
	if *useTDX {
		cfg.Attestation.UseTDX = true
	}
	if *remoteTDXURL != "" {
		cfg.Attestation.TDXRemoteURL = *remoteTDXURL
	}
	if *signingKeyHex != "" {
		cfg.Keys.SigningKey = *signingKeyHex
	}
	if *exchangeKeyHex != "" {
		cfg.Keys.ExchangeKey = *exchangeKeyHex
	}

	if cfg.RegistryURL == "" {
		fmt.Println("Error: registry_url is required (via --registry or config file)")
		os.Exit(1)
	}

	signingKey, err := common.LoadOrGenerateSigningKey(cfg.Keys.SigningKey)
	if err != nil {
		fmt.Printf("Signing key error: %v\n", err)
		os.Exit(1)
	}

	exchangeKey, err := common.LoadOrGenerateExchangeKey(cfg.Keys.ExchangeKey)
	if err != nil {
		fmt.Printf("Exchange key error: %v\n", err)
		os.Exit(1)
	}

	pubKey, _ := signingKey.PublicKey()
	fmt.Printf("Coordinator public key: %s\n", pubKey.String())
	fmt.Printf("Registration key: %s\n", hex.EncodeToString(exchangeKey.PublicKey().Bytes()))

	deployment, err := common.FetchDeploymentConfig(cfg.RegistryURL)
	if err != nil {
		fmt.Printf("Error fetching config: %v\n", err)
		os.Exit(1)
	}

	store, err := common.NewStore(&cfg.Postgres)
	if err != nil {
		fmt.Printf("Postgres store error: %v\n", err)
		os.Exit(1)
	}

	svcConfig := &services.ServiceConfig{
		Deployment:                deployment,
		AttestationProvider:       common.NewAttestationProvider(cfg.Attestation),
		AllowedMeasurementsSource: common.NewMeasurementSource(cfg.Attestation.MeasurementsURL),
		HTTPAddr:                  cfg.HTTPAddr,
		ServiceType:               services.CoordinatorService,
		RegistryURL:               cfg.RegistryURL,
		AdminToken:                cfg.AdminToken,
	}

	var resultStore services.ResultStore
	if store != nil {
		defer store.Close()
		resultStore = store
		fmt.Printf("Round result persistence enabled (%s)\n", cfg.Postgres.Host)
	}

	coordinator, err := services.NewHTTPCoordinator(svcConfig, signingKey, exchangeKey, resultStore)
	if err != nil {
		fmt.Printf("Create coordinator error: %v\n", err)
		os.Exit(1)
	}

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	coordinator.RegisterRoutes(r)

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		fmt.Printf("Coordinator listening on %s (round duration %s, %d clients, threshold %d)\n",
			cfg.HTTPAddr, deployment.RoundDuration, deployment.NumClients, deployment.Threshold)
		fmt.Println("Registration data available at GET /registration-data")
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Printf("Server error: %v\n", err)
			os.Exit(1)
		}
	}()

	time.Sleep(100 * time.Millisecond)
	if err := coordinator.Start(ctx); err != nil {
		fmt.Printf("Start error: %v\n", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	fmt.Println("Shutting down coordinator...")
	cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		fmt.Printf("Shutdown error: %v\n", err)
	}
}
