/*
# Secure Aggregation Services Package

The services package provides HTTP-based implementations of the secure
aggregation protocol components for real-world deployment.

## Overview

This package wraps the core protocol implementations with HTTP APIs,
enabling:
- RESTful communication between components
- Central service discovery with attested registrations
- Easy deployment and testing
- Flexible network topologies

## Components

### HTTP Services

1. **HTTPCoordinator** (`http_coordinator.go`)
  - Wraps `protocol.CoordinatorService`
  - Closes protocol phases on the shared wall clock and finalizes rounds
  - Endpoints:
  - `POST /register` - Direct registration from clients and aggregators
  - `POST /advertise-key` - Receive round key advertisements
  - `GET /advertisements` - Serve the closed advertisement set
  - `POST /seed-shares` - Relay encrypted seed shares
  - `GET /seed-shares/{participant}` - Serve a client's envelopes
  - `POST /submit` - Receive masked updates
  - `POST /aggregate` - Receive pre-combined updates from aggregators
  - `GET /dropped` - List participants that dropped this round
  - `POST /unmasking-shares` - Collect survivor shares for recovery
  - `GET /result/{round}` - Serve finalized round results

2. **HTTPClient** (`http_client.go`)
  - Wraps `protocol.ClientSession`
  - Trains via the configured Trainer and follows the phase schedule
  - Endpoints:
  - `POST /round-result` - Receive pushed round results
  - `GET /round` - Report round and pairing status

3. **HTTPAggregator** (`http_aggregator.go`)
  - Wraps `protocol.AggregatorService`
  - Combines masked updates near the clients to cut coordinator bandwidth
  - Endpoints:
  - `POST /register` - Direct registration from clients
  - `POST /submit` - Receive masked updates
  - `GET /aggregate` - Serve the running combined update

### Registry

The `Registry` (`registry.go`) tracks a deployment's services and serves the
shared deployment configuration. Clients self-register through the public
endpoint; coordinators and aggregators require the authenticated admin
endpoint. Registrations are signed and, when a TEE provider is configured,
attested against an allowed-measurements source.

### Orchestrator

The `Orchestrator` (`orchestrator.go`) manages an in-process deployment
lifecycle: one registry, one coordinator, and the configured numbers of
aggregators and clients on consecutive ports.

## Usage

### Basic Deployment

```go
import "github.com/octomil/secagg/services"

	config := &services.OrchestratorConfig{
	    Deployment:     deploymentConfig, // *protocol.SecAggConfig
	    NumAggregators: 1,
	    BasePort:       8000,
	    AdminToken:     "admin:secret",
	    Trainers:       trainers,
	}

orchestrator, err := services.NewOrchestrator(config)

	if err := orchestrator.Deploy(); err != nil {
	    log.Fatal(err)
	}

defer orchestrator.Shutdown()
```

### Manual Service Creation

```go
	config := &services.ServiceConfig{
	    Deployment:  deploymentConfig,
	    HTTPAddr:    "localhost:8001",
	    RegistryURL: "http://localhost:7999",
	}

client, err := services.NewHTTPClient(config, signingKey, exchangeKey, trainer)

router := chi.NewRouter()
client.RegisterRoutes(router)
http.ListenAndServe(config.HTTPAddr, router)
```

## Round Flow

1. **Key advertisement**: every client starts the round with a fresh
   exchange key and posts its signed advertisement to the coordinator.

2. **Share distribution**: clients fetch the closed advertisement set, pair
   with every peer, split their key scalar, and relay encrypted shares
   through the coordinator.

3. **Masked submission**: clients collect their envelopes, train, and submit
   masked updates either directly or through an aggregator.

4. **Unmasking**: the coordinator names the dropped participants, survivors
   answer with seed shares, and the coordinator repairs and finalizes the
   round. Signed results are pushed to clients.

## Security Notes

- Ed25519 signatures on every protocol message
- ECDH P-256 for registration and round keys
- Shamir sharing of round key scalars for dropout recovery
- TDX attestation binding keys to the registered endpoint
*/
package services
