// Package cmd provides CLI commands for secure aggregation services.
//
// # Commands
//
// demo-gateway: Serves the demo website and API for visualizing a secure
// aggregation deployment. Connects to the registry, verifies coordinator
// attestations, and streams averaged round results.
//
//	go run ./cmd/demo-gateway --registry=http://localhost:8080
//	go run ./cmd/demo-gateway --registry=http://localhost:8080 --static=./web/dist
//
// multiservice: Unified command that runs client, coordinator, or aggregator
// based on configuration. Suitable for building a single TEE VM image.
//
//	go run ./cmd/multiservice --service-type=coordinator --registry=http://localhost:8080
//	go run ./cmd/multiservice --config=config.yaml
//
// registry: Central service discovery and configuration distribution.
//
//	go run ./cmd/registry --addr=:8080 --admin-token=admin:secret
//
// demo-cli: CLI for running and inspecting a secure aggregation deployment.
//
//	go run ./cmd/demo-cli demo --clients 4 --threshold 2 --drop 1
//	go run ./cmd/demo-cli monitor -r http://localhost:8080 --follow
//
// # HTTP Configuration Mode
//
// The multiservice command supports waiting for configuration via HTTP POST,
// useful for TEE deployments where configuration is provided after boot:
//
//	# Start service in wait mode
//	go run ./cmd/multiservice --wait-config --addr=:8080
//
//	# Submit configuration to start the service
//	curl -X POST http://localhost:8080/config -d @config.yaml
//
// # Configuration
//
// All commands support YAML configuration files via the --config flag.
// Command-line flags override config file values.
//
// Example config for the unified service command:
//
//	service_type: "coordinator"
//	http_addr: ":8081"
//	registry_url: "http://localhost:8080"
//	admin_token: "admin:secret"
//	keys:
//	  signing_key: ""
//	  exchange_key: ""
//	attestation:
//	  use_tdx: false
//	  tdx_remote_url: ""
//	  measurements_url: ""
//	postgres:
//	  host: ""
//
// # Demo Website
//
// The demo-gateway command serves a web dashboard that visualizes:
//   - Network topology (coordinators, aggregators, clients)
//   - Round phase progression (key advertisement, share distribution,
//     masked submission, unmasking)
//   - Averaged round results as they are published
//   - Deployment configuration, including the privacy budget
//
// The dashboard connects via Server-Sent Events for real-time updates.
// Static files can be served from a directory (--static) or the gateway
// serves an embedded minimal dashboard.
package cmd
