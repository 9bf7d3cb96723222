package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/octomil/secagg/metrics"
	"github.com/octomil/secagg/protocol"
)

// RegistryConfig configures registration verification and persistence.
type RegistryConfig struct {
	AllowedMeasurementsSource MeasurementSource
	AttestationProvider       TEEProvider

	// AdminToken is the user:pass credential for the admin routes. An empty
	// token locks the admin routes entirely.
	AdminToken string

	// Store persists registrations across restarts. Optional.
	Store RegistryStore
}

// Registry manages service registration and discovery for a deployment, and
// serves the shared deployment configuration. Clients register through the
// public endpoint; coordinators and aggregators are registered by an
// operator through the admin endpoint.
type Registry struct {
	config     *RegistryConfig
	deployment *protocol.SecAggConfig

	mu       sync.RWMutex
	services map[ServiceType]map[string]*protocol.Signed[RegisteredService]
}

// NewRegistry creates a registry with the given configuration, reloading any
// persisted registrations from the store.
func NewRegistry(config *RegistryConfig, deployment *protocol.SecAggConfig) (*Registry, error) {
	r := &Registry{
		config:     config,
		deployment: deployment,
		services: map[ServiceType]map[string]*protocol.Signed[RegisteredService]{
			CoordinatorService: make(map[string]*protocol.Signed[RegisteredService]),
			AggregatorService:  make(map[string]*protocol.Signed[RegisteredService]),
			ClientService:      make(map[string]*protocol.Signed[RegisteredService]),
		},
	}

	if config.Store != nil {
		stored, err := config.Store.LoadAllServices(context.Background())
		if err != nil {
			return nil, fmt.Errorf("could not load persisted services: %w", err)
		}
		for serviceType, services := range stored {
			for pubKey, signed := range services {
				r.services[serviceType][pubKey] = signed
			}
		}
	}

	return r, nil
}

// RegisterRoutes registers the public and admin route sets together. It
// satisfies httpserver.RouteRegistrar for standalone deployments; embedders
// that split the surfaces across listeners call the two sets directly.
func (r *Registry) RegisterRoutes(router chi.Router) {
	r.RegisterPublicRoutes(router)
	r.RegisterAdminRoutes(router)
}

func (r *Registry) RegisterAdminRoutes(router chi.Router) {
	creds := map[string]string{}
	if r.config.AdminToken != "" {
		user, pass := parseAdminToken(r.config.AdminToken)
		creds[user] = pass
	}

	router.Route("/admin", func(admin chi.Router) {
		admin.Use(middleware.BasicAuth("registry admin", creds))
		admin.Post("/register/{service_type}", func(w http.ResponseWriter, req *http.Request) {
			r.handleRegister(w, req, true)
		})
		admin.Delete("/unregister/{public_key}", r.handleUnregister)
	})
}

func (r *Registry) RegisterPublicRoutes(router chi.Router) {
	router.Post("/register/{service_type}", func(w http.ResponseWriter, req *http.Request) {
		r.handleRegister(w, req, false)
	})
	router.Get("/services", r.handleGetServices)
	router.Get("/services/{type}", r.handleGetServicesByType)
	router.Get("/config", r.handleGetConfig)
	router.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request, admin bool) {
	serviceType := ServiceType(chi.URLParam(req, "service_type"))
	if !serviceType.Valid() {
		http.Error(w, "invalid service type", http.StatusBadRequest)
		return
	}

	// Coordinators and aggregators hold the deployment together; only an
	// operator may introduce them.
	if !admin && serviceType != ClientService {
		http.Error(w, fmt.Sprintf("%s registration requires the admin endpoint", serviceType), http.StatusForbidden)
		return
	}

	var signedReq protocol.Signed[RegisteredService]
	if err := json.NewDecoder(req.Body).Decode(&signedReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if signedReq.Object == nil {
		http.Error(w, "empty registration", http.StatusBadRequest)
		return
	}

	if signedReq.Object.ServiceType != serviceType {
		http.Error(w, fmt.Sprintf("service type mismatch: URL says %s, body says %s", serviceType, signedReq.Object.ServiceType), http.StatusBadRequest)
		return
	}

	if _, err := VerifyRegisteredService(r.config.AllowedMeasurementsSource, r.config.AttestationProvider, &signedReq); err != nil {
		http.Error(w, fmt.Sprintf("registration verification failed: %v", err), http.StatusForbidden)
		return
	}

	if r.config.Store != nil {
		if err := r.config.Store.SaveService(req.Context(), &signedReq); err != nil {
			http.Error(w, fmt.Sprintf("could not persist registration: %v", err), http.StatusInternalServerError)
			return
		}
	}

	r.mu.Lock()
	r.services[serviceType][signedReq.Object.PublicKey] = &signedReq
	r.mu.Unlock()

	metrics.IncRegistrations()

	json.NewEncoder(w).Encode(&ServiceRegistrationResponse{
		Success:   true,
		PublicKey: signedReq.Object.PublicKey,
	})
}

func (r *Registry) handleUnregister(w http.ResponseWriter, req *http.Request) {
	publicKey := chi.URLParam(req, "public_key")

	r.mu.Lock()
	for _, typeMap := range r.services {
		delete(typeMap, publicKey)
	}
	r.mu.Unlock()

	if r.config.Store != nil {
		if err := r.config.Store.DeleteService(req.Context(), publicKey); err != nil {
			http.Error(w, fmt.Sprintf("could not delete persisted registration: %v", err), http.StatusInternalServerError)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Registry) handleGetServices(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	resp := &ServiceListResponse{
		Coordinators: r.collectServices(CoordinatorService),
		Aggregators:  r.collectServices(AggregatorService),
		Clients:      r.collectServices(ClientService),
	}
	r.mu.RUnlock()

	json.NewEncoder(w).Encode(resp)
}

func (r *Registry) handleGetServicesByType(w http.ResponseWriter, req *http.Request) {
	svcType := ServiceType(chi.URLParam(req, "type"))
	if !svcType.Valid() {
		http.Error(w, "invalid service type", http.StatusBadRequest)
		return
	}

	r.mu.RLock()
	services := r.collectServices(svcType)
	r.mu.RUnlock()

	json.NewEncoder(w).Encode(services)
}

func (r *Registry) handleGetConfig(w http.ResponseWriter, req *http.Request) {
	json.NewEncoder(w).Encode(r.deployment)
}

func (r *Registry) collectServices(serviceType ServiceType) []*protocol.Signed[RegisteredService] {
	typeMap := r.services[serviceType]
	result := make([]*protocol.Signed[RegisteredService], 0, len(typeMap))
	for _, svc := range typeMap {
		result = append(result, svc)
	}
	return result
}
