// Package httpserver provides a reusable HTTP server for hosting the
// aggregation services in production.
//
// The httpserver package implements a base HTTP server with standard health
// endpoints, graceful shutdown, metrics, and flexible routing. The services
// package's coordinator, aggregator, client, and registry all implement
// RouteRegistrar, so any of them can be hosted behind a BaseServer and pick
// up the same operational surface.
//
// # Key Components
//
//   - BaseServer: Core HTTP server with health checks, metrics, and lifecycle management
//   - RouteRegistrar: Interface for components to register their routes with the server
//
// # Server Lifecycle
//
//  1. Initialization: Configure server with HTTP settings and route registrars
//  2. Startup: Run HTTP and metrics servers in background goroutines
//  3. Operation: Handle requests with proper logging and monitoring
//  4. Readiness Control: Support drain/undrain operations for load balancers
//  5. Graceful Shutdown: Wait for in-flight requests to complete
//
// # Health and Diagnostics
//
// All servers built with BaseServer automatically include:
//
//   - Liveness Check: Simple endpoint to verify server is running (/livez)
//   - Readiness Check: Endpoint indicating if server is ready to accept requests (/readyz)
//   - Drain Control: Endpoints to prepare for graceful shutdown (/drain, /undrain)
//   - Metrics: Optional Prometheus-compatible metrics endpoint
//   - Profiling: Optional pprof debugging endpoints when enabled
//
// # Usage Example
//
//	coordinator, err := services.NewHTTPCoordinator(serviceConfig, signingKey, exchangeKey, store)
//	if err != nil {
//	    return err
//	}
//
//	srv, err := httpserver.New(&httpserver.HTTPServerConfig{
//	    ListenAddr:  "0.0.0.0:8080",
//	    MetricsAddr: "0.0.0.0:9090",
//	    Log:         log,
//	}, coordinator)
//	if err != nil {
//	    return err
//	}
//
//	srv.RunInBackground()
//	defer srv.Shutdown()
//
//	if err := coordinator.Start(ctx); err != nil {
//	    return err
//	}
package httpserver
