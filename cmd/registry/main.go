// Command registry runs a standalone service registry.
//
// The registry provides centralized service discovery for secure aggregation
// deployments and distributes the shared deployment configuration.
//
// # Configuration File
//
// Create a YAML file with registry settings:
//
//	http_addr: ":8080"
//	metrics_addr: ":9090"
//	admin_token: "admin:secret"
//	attestation:
//	  use_tdx: false
//	  measurements_url: ""
//	deployment:
//	  num_clients: 4
//	  threshold: 2
//	  max_weight_norm: 100
//	  round_duration: 10s
//	  tensor_schema:
//	    dense/kernel: 64
//	    dense/bias: 8
//
// # Endpoints
//
// Public (no auth):
//   - POST /register/client - Client self-registration
//   - GET /services - List all services
//   - GET /services/{type} - List services by type
//   - GET /config - Deployment configuration
//   - GET /health - Health check
//
// Admin (basic auth):
//   - POST /admin/register/{type} - Register coordinator or aggregator
//   - DELETE /admin/unregister/{key} - Remove a service
//
// # Usage
//
//	go run ./cmd/registry --config=registry.yaml
//	go run ./cmd/registry --addr=:8080 --admin-token="admin:secret"
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/octomil/secagg/api/httpserver"
	"github.com/octomil/secagg/cmd/common"
	"github.com/octomil/secagg/services"
)

func main() {
	var (
		configPath      = flag.String("config", "", "Path to YAML config file")
		addr            = flag.String("addr", "", "HTTP listen address")
		metricsAddr     = flag.String("metrics-addr", "", "Metrics listen address (empty disables)")
		adminToken      = flag.String("admin-token", "", "Basic auth token for admin operations (user:pass)")
		measurementsURL = flag.String("measurements-url", "", "URL for allowed measurements")
		useTDX          = flag.Bool("tdx", false, "Use real TDX attestation verification")
		remoteTDXURL    = flag.String("tdx-url", "", "Remote TDX verification service URL")
		roundDuration   = flag.Duration("round", 0, "Round duration")
		numClients      = flag.Int("clients", 0, "Number of clients expected per round")
		threshold       = flag.Int("threshold", 0, "Seed share recovery threshold")
		logJSON         = flag.Bool("log-json", false, "Log in JSON format")
	)
	flag.Parse()

	// isFlagSet checks if a flag was explicitly provided on command line
	isFlagSet := func(name string) bool {
		found := false
		flag.Visit(func(f *flag.Flag) {
			if f.Name == name {
				found = true
			}
		})
		return found
	}

	cfg, err := loadConfiguration(*configPath)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	applyFlagOverrides(cfg, *addr, *metricsAddr, *adminToken, *measurementsURL,
		*useTDX, *remoteTDXURL, *roundDuration, *numClients, *threshold,
		isFlagSet("addr"))

	if err := run(cfg, *logJSON); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfiguration(configPath string) (*common.Config, error) {
	if configPath != "" {
		return common.LoadConfig(configPath)
	}
	return common.DefaultConfig(), nil
}

func applyFlagOverrides(cfg *common.Config, addr, metricsAddr, adminToken, measurementsURL string,
	useTDX bool, remoteTDXURL string, roundDuration time.Duration,
	numClients, threshold int, addrExplicit bool) {

	if addrExplicit || cfg.HTTPAddr == "" {
		cfg.HTTPAddr = addr
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
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
	if roundDuration != 0 {
		cfg.Deployment.RoundDuration = roundDuration.String()
	}
	if numClients != 0 {
		cfg.Deployment.NumClients = numClients
	}
	if threshold != 0 {
		cfg.Deployment.Threshold = threshold
	}
}

func newLogger(logJSON bool) *slog.Logger {
	if logJSON {
		return slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}

func run(cfg *common.Config, logJSON bool) error {
	log := newLogger(logJSON)

	deployment, err := cfg.Deployment.ToSecAggConfig()
	if err != nil {
		return fmt.Errorf("deployment config: %w", err)
	}

	registryConfig := &services.RegistryConfig{
		AttestationProvider:       common.NewAttestationProvider(cfg.Attestation),
		AllowedMeasurementsSource: common.NewMeasurementSource(cfg.Attestation.MeasurementsURL),
		AdminToken:                cfg.AdminToken,
	}

	store, err := common.NewStore(&cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres store: %w", err)
	}
	if store != nil {
		defer store.Close()
		registryConfig.Store = store
		log.Info("Registration persistence enabled", "host", cfg.Postgres.Host)
	}

	registry, err := services.NewRegistry(registryConfig, deployment)
	if err != nil {
		return fmt.Errorf("create registry: %w", err)
	}

	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
		ListenAddr:               cfg.HTTPAddr,
		MetricsAddr:              cfg.MetricsAddr,
		Log:                      log,
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              15 * time.Second,
		WriteTimeout:             15 * time.Second,
	}, registry)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	srv.RunInBackground()
	log.Info("Registry listening", "addr", cfg.HTTPAddr,
		"roundDuration", deployment.RoundDuration, "numClients", deployment.NumClients)
	if cfg.AdminToken == "" {
		log.Warn("No admin token configured, admin routes reject all requests")
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info("Shutting down registry")
	srv.Shutdown()
	return nil
}
