// Package metrics exposes Prometheus-style counters for the aggregation
// services and serves them over a dedicated listener.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	vm "github.com/VictoriaMetrics/metrics"
)

// MetricsServer serves the Prometheus exposition endpoint on its own address
// so operational scrapes never compete with protocol traffic.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server listening on addr. The name identifies this
// process in the shared exposition, which matters for multiservice deployments
// where several roles run in one binary.
func New(name, addr string) (*MetricsServer, error) {
	vm.GetOrCreateGauge(fmt.Sprintf(`up{package=%q}`, name), func() float64 { return 1 })

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		vm.WritePrometheus(w, true)
	})

	return &MetricsServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving the exposition endpoint.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
