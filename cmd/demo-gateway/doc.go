// Package main implements the secure aggregation demo gateway.
//
// The demo gateway provides a unified HTTP server that:
//   - Serves the demo dashboard website
//   - Exposes a REST API for deployment state and configuration
//   - Streams finalized round results via Server-Sent Events
//
// # Architecture
//
// The gateway connects to the central registry to discover services and fetch
// the deployment configuration. It polls the coordinator for newly finalized
// rounds, verifies the signatures against the coordinator's registered key,
// and fans the summaries out to dashboard subscribers.
//
// The gateway never sees client deltas: it only consumes the averaged results
// the coordinator publishes, which is the same view any registered client
// gets.
//
// # API Endpoints
//
//	GET  /api/config      Deployment configuration (round duration, threshold, etc.)
//	GET  /api/services    All registered services with health/attestation status
//	GET  /api/round       Current round number, phase, and timing
//	GET  /api/rounds/:n   Finalized round summary with tensor previews
//
// # Streaming
//
//	GET  /events          SSE stream of round completion events
//
// Event format:
//
//	event: round
//	data: {"round":42,"timestamp":"...","participants":4,"dropped":1,...}
//
// # Static Files
//
// If --static is provided, serves files from that directory with SPA fallback.
// Otherwise an embedded minimal dashboard is served at /.
//
// # Usage
//
//	go run ./cmd/demo-gateway --registry=http://localhost:8080 --static=./web/dist
//
//	# Skip attestation verification (insecure)
//	go run ./cmd/demo-gateway --registry=http://localhost:8080 --skip-verification
package main
