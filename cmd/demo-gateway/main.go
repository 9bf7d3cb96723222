package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/octomil/secagg/protocol"
	"github.com/octomil/secagg/services"
	"github.com/octomil/secagg/tdx"
)

func main() {
	var (
		addr             = flag.String("addr", ":8888", "HTTP listen address")
		registryURL      = flag.String("registry", "http://localhost:8080", "Registry URL")
		staticDir        = flag.String("static", "", "Directory for static files")
		skipVerification = flag.Bool("skip-verification", false, "Skip attestation verification")
		measurementsURL  = flag.String("measurements-url", "", "URL for allowed TEE measurements")
	)
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		<-sigChan
		cancel()
	}()

	gateway := NewGateway(&GatewayConfig{
		RegistryURL:      *registryURL,
		SkipVerification: *skipVerification,
		MeasurementsURL:  *measurementsURL,
		StaticDir:        *staticDir,
	})

	go gateway.Start(ctx)

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	gateway.RegisterRoutes(r)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // Longer for SSE
	}

	go func() {
		fmt.Printf("Demo gateway listening on %s\n", *addr)
		fmt.Printf("Dashboard: http://localhost%s\n", *addr)
		fmt.Printf("SSE stream: curl -N http://localhost%s/events\n", *addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "HTTP server error: %v\n", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	fmt.Println("Gateway shutdown complete")
}

// GatewayConfig configures the demo gateway.
type GatewayConfig struct {
	RegistryURL      string
	SkipVerification bool
	MeasurementsURL  string
	StaticDir        string
}

// Gateway serves the demo API and website.
type Gateway struct {
	config     *GatewayConfig
	httpClient *http.Client

	mu            sync.RWMutex
	deployment    *protocol.SecAggConfig
	services      *services.ServiceListResponse
	serviceHealth map[string]bool
	rounds        map[int]*RoundDetail
	latestRound   int

	subscribersMu sync.RWMutex
	subscribers   map[chan *RoundEvent]struct{}
}

// NewGateway creates a demo gateway.
func NewGateway(config *GatewayConfig) *Gateway {
	return &Gateway{
		config:        config,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		serviceHealth: make(map[string]bool),
		rounds:        make(map[int]*RoundDetail),
		subscribers:   make(map[chan *RoundEvent]struct{}),
	}
}

// RegisterRoutes registers all HTTP routes.
func (g *Gateway) RegisterRoutes(r chi.Router) {
	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Get("/config", g.handleConfig)
		r.Get("/services", g.handleServices)
		r.Get("/round", g.handleCurrentRound)
		r.Get("/rounds/{number}", g.handleRoundDetail)
	})

	// SSE stream
	r.Get("/events", g.handleSSE)

	// Health check
	r.Get("/health", g.handleHealth)

	// Static files - serve from directory
	g.registerStaticRoutes(r)
}

func (g *Gateway) registerStaticRoutes(r chi.Router) {
	if g.config.StaticDir != "" {
		// Serve from filesystem with SPA fallback
		fileServer := http.FileServer(http.Dir(g.config.StaticDir))
		r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			path := g.config.StaticDir + req.URL.Path
			if _, err := os.Stat(path); os.IsNotExist(err) && req.URL.Path != "/" {
				// SPA fallback - serve index.html for unknown paths
				http.ServeFile(w, req, g.config.StaticDir+"/index.html")
				return
			}
			fileServer.ServeHTTP(w, req)
		}))
	} else {
		r.Get("/", g.handleEmbeddedIndex)
		r.Get("/favicon.svg", g.handleFavicon)
	}
}

func (g *Gateway) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Write([]byte(`<svg xmlns="http://www.w3.org/2000/svg" viewBox="0 0 100 100"><defs><linearGradient id="g" x1="0%" y1="0%" x2="100%" y2="100%"><stop offset="0%" style="stop-color:#06b6d4"/><stop offset="100%" style="stop-color:#3b82f6"/></linearGradient></defs><rect width="100" height="100" rx="20" fill="url(#g)"/><path d="M50 20L30 50L50 80L70 50Z" fill="white" opacity="0.9"/><circle cx="50" cy="50" r="12" fill="white"/></svg>`))
}

// Start begins background polling for registry and round data.
func (g *Gateway) Start(ctx context.Context) {
	// Initial delay for services to start
	time.Sleep(500 * time.Millisecond)

	configTicker := time.NewTicker(30 * time.Second)
	defer configTicker.Stop()

	// Fetch initial config
	g.refreshConfig()
	g.refreshServices()

	g.mu.RLock()
	pollInterval := 2 * time.Second
	if g.deployment != nil {
		pollInterval = g.deployment.RoundDuration / 4
	}
	g.mu.RUnlock()

	roundTicker := time.NewTicker(pollInterval)
	defer roundTicker.Stop()

	healthTicker := time.NewTicker(15 * time.Second)
	defer healthTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-configTicker.C:
			g.refreshConfig()
			g.refreshServices()
		case <-roundTicker.C:
			g.pollRounds()
		case <-healthTicker.C:
			g.checkServiceHealth()
		}
	}
}

func (g *Gateway) refreshConfig() {
	resp, err := g.httpClient.Get(g.config.RegistryURL + "/config")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	config, err := protocol.DecodeMessage[protocol.SecAggConfig](resp.Body)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.deployment = config
	g.mu.Unlock()
}

func (g *Gateway) refreshServices() {
	resp, err := g.httpClient.Get(g.config.RegistryURL + "/services")
	if err != nil {
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return
	}

	var list services.ServiceListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return
	}

	// Verify attestations if configured
	if !g.config.SkipVerification {
		list.Coordinators = g.verifyServices(list.Coordinators)
		list.Aggregators = g.verifyServices(list.Aggregators)
	}

	g.mu.Lock()
	g.services = &list
	g.mu.Unlock()

	// Update health for new services
	g.checkServiceHealth()
}

func (g *Gateway) verifyServices(signed []*protocol.Signed[services.RegisteredService]) []*protocol.Signed[services.RegisteredService] {
	var measurementSource services.MeasurementSource
	if g.config.MeasurementsURL != "" {
		measurementSource = services.NewRemoteMeasurementSource(g.config.MeasurementsURL)
	} else {
		measurementSource = services.DemoMeasurementSource()
	}
	provider := &tdx.DummyProvider{}

	verified := make([]*protocol.Signed[services.RegisteredService], 0, len(signed))
	for _, svc := range signed {
		if _, err := services.VerifyRegisteredService(measurementSource, provider, svc); err != nil {
			continue
		}
		verified = append(verified, svc)
	}
	return verified
}

func (g *Gateway) checkServiceHealth() {
	g.mu.RLock()
	svcList := g.services
	g.mu.RUnlock()

	if svcList == nil {
		return
	}

	health := make(map[string]bool)

	checkHealth := func(endpoint string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		req, _ := http.NewRequestWithContext(ctx, "GET", endpoint+"/health", nil)
		resp, err := g.httpClient.Do(req)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}

	for _, svc := range svcList.Coordinators {
		health[svc.Object.PublicKey] = checkHealth(svc.Object.HTTPEndpoint)
	}
	for _, svc := range svcList.Aggregators {
		health[svc.Object.PublicKey] = checkHealth(svc.Object.HTTPEndpoint)
	}
	for _, svc := range svcList.Clients {
		health[svc.Object.PublicKey] = checkHealth(svc.Object.HTTPEndpoint)
	}

	g.mu.Lock()
	g.serviceHealth = health
	g.mu.Unlock()
}

func (g *Gateway) pollRounds() {
	g.mu.RLock()
	svcList := g.services
	deployment := g.deployment
	latestRound := g.latestRound
	g.mu.RUnlock()

	if svcList == nil || len(svcList.Coordinators) == 0 || deployment == nil {
		return
	}

	// Results appear once the round after them has begun; look back a few
	// rounds on startup, then only at rounds newer than the last one seen.
	current := protocol.RoundForTime(time.Now(), deployment.RoundDuration)
	first := current.Number - 3
	if latestRound >= first {
		first = latestRound + 1
	}

	for round := first; round < current.Number; round++ {
		result := g.fetchResult(svcList.Coordinators, round)
		if result == nil {
			continue
		}

		detail := describeRound(result)

		g.mu.Lock()
		g.rounds[round] = detail
		if round > g.latestRound {
			g.latestRound = round
		}

		// Keep only last 100 rounds
		if len(g.rounds) > 100 {
			minRound := g.latestRound - 100
			for r := range g.rounds {
				if r < minRound {
					delete(g.rounds, r)
				}
			}
		}
		g.mu.Unlock()

		// Notify subscribers
		g.broadcast(&RoundEvent{
			Round:        detail.Number,
			Timestamp:    detail.Timestamp,
			Participants: detail.Participants,
			Dropped:      detail.Dropped,
			TotalSamples: detail.TotalSamples,
			UpdateNorm:   detail.UpdateNorm,
		})

		fmt.Printf("Round %d: %d participants, %d dropped, norm %.4f\n",
			detail.Number, detail.Participants, detail.Dropped, detail.UpdateNorm)
	}
}

func (g *Gateway) fetchResult(coordinators []*protocol.Signed[services.RegisteredService], roundNumber int) *protocol.RoundResult {
	for _, coord := range coordinators {
		url := fmt.Sprintf("%s/result/%d", coord.Object.HTTPEndpoint, roundNumber)
		resp, err := g.httpClient.Get(url)
		if err != nil {
			continue
		}

		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			continue
		}

		var envelope services.RoundResultEnvelope
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			resp.Body.Close()
			continue
		}
		resp.Body.Close()

		if envelope.Result == nil {
			continue
		}

		result, signer, err := envelope.Result.Recover()
		if err != nil || signer.String() != coord.Object.PublicKey {
			continue
		}

		return result
	}
	return nil
}

func describeRound(result *protocol.RoundResult) *RoundDetail {
	detail := &RoundDetail{
		Number:       result.RoundNumber,
		Timestamp:    time.Now().Format(time.RFC3339),
		Participants: len(result.Participants),
		Dropped:      len(result.Dropped),
		TotalSamples: result.TotalSamples,
		UpdateNorm:   result.Average.L2Norm(),
		Tensors:      []TensorOutput{},
	}

	for _, name := range result.Average.SortedNames() {
		values := result.Average[name]
		sample := values
		if len(sample) > 8 {
			sample = sample[:8]
		}
		detail.Tensors = append(detail.Tensors, TensorOutput{
			Name:   name,
			Size:   len(values),
			Sample: sample,
		})
	}

	return detail
}

func (g *Gateway) broadcast(event *RoundEvent) {
	g.subscribersMu.RLock()
	defer g.subscribersMu.RUnlock()

	for ch := range g.subscribers {
		select {
		case ch <- event:
		default:
			// Drop if subscriber is slow
		}
	}
}
