package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/octomil/secagg/protocol"
)

// ConfigResponse contains deployment configuration for the API.
type ConfigResponse struct {
	RoundDuration    string  `json:"round_duration"`
	NumClients       int     `json:"num_clients"`
	Threshold        int     `json:"threshold"`
	MaxWeightNorm    float64 `json:"max_weight_norm"`
	QuantizationBits int     `json:"quantization_bits"`
	NumParams        int     `json:"num_params"`
	Epsilon          float64 `json:"epsilon,omitempty"`
	Delta            float64 `json:"delta,omitempty"`
}

// ServicesResponse contains all registered services with status.
type ServicesResponse struct {
	Coordinators []ServiceInfo `json:"coordinators"`
	Aggregators  []ServiceInfo `json:"aggregators"`
	Clients      []ServiceInfo `json:"clients"`
}

// ServiceInfo describes a registered service.
type ServiceInfo struct {
	PublicKey    string `json:"public_key"`
	ExchangeKey  string `json:"exchange_key"`
	HTTPEndpoint string `json:"http_endpoint"`
	Healthy      bool   `json:"healthy"`
	Attested     bool   `json:"attested"`
}

// RoundResponse describes the current round state.
type RoundResponse struct {
	Number      int     `json:"number"`
	Phase       string  `json:"phase"`
	PhaseIndex  int     `json:"phase_index"`
	Progress    float64 `json:"progress"`
	NextPhaseAt string  `json:"next_phase_at"`
}

// RoundDetail contains a completed round's aggregate.
type RoundDetail struct {
	Number       int            `json:"number"`
	Timestamp    string         `json:"timestamp"`
	Participants int            `json:"participants"`
	Dropped      int            `json:"dropped"`
	TotalSamples int            `json:"total_samples"`
	UpdateNorm   float64        `json:"update_norm"`
	Tensors      []TensorOutput `json:"tensors"`
}

// TensorOutput describes one tensor of the averaged update.
type TensorOutput struct {
	Name   string    `json:"name"`
	Size   int       `json:"size"`
	Sample []float32 `json:"sample"`
}

// RoundEvent is sent via SSE when a round completes.
type RoundEvent struct {
	Round        int     `json:"round"`
	Timestamp    string  `json:"timestamp"`
	Participants int     `json:"participants"`
	Dropped      int     `json:"dropped"`
	TotalSamples int     `json:"total_samples"`
	UpdateNorm   float64 `json:"update_norm"`
}

// HealthResponse describes gateway health.
type HealthResponse struct {
	Status          string `json:"status"`
	Connected       bool   `json:"connected"`
	NumCoordinators int    `json:"num_coordinators"`
	LatestRound     int    `json:"latest_round"`
}

func (g *Gateway) handleConfig(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	config := g.deployment
	g.mu.RUnlock()

	if config == nil {
		http.Error(w, "configuration not available", http.StatusServiceUnavailable)
		return
	}

	resp := ConfigResponse{
		RoundDuration:    config.RoundDuration.String(),
		NumClients:       config.NumClients,
		Threshold:        config.Threshold,
		MaxWeightNorm:    config.MaxWeightNorm,
		QuantizationBits: config.QuantizationBits,
		NumParams:        config.NumParams(),
	}
	if config.Privacy != nil {
		resp.Epsilon = config.Privacy.Epsilon
		resp.Delta = config.Privacy.Delta
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleServices(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	svcList := g.services
	health := g.serviceHealth
	g.mu.RUnlock()

	if svcList == nil {
		http.Error(w, "services not available", http.StatusServiceUnavailable)
		return
	}

	resp := ServicesResponse{
		Coordinators: make([]ServiceInfo, 0, len(svcList.Coordinators)),
		Aggregators:  make([]ServiceInfo, 0, len(svcList.Aggregators)),
		Clients:      make([]ServiceInfo, 0, len(svcList.Clients)),
	}

	for _, svc := range svcList.Coordinators {
		resp.Coordinators = append(resp.Coordinators, ServiceInfo{
			PublicKey:    svc.Object.PublicKey,
			ExchangeKey:  svc.Object.ExchangeKey,
			HTTPEndpoint: svc.Object.HTTPEndpoint,
			Healthy:      health[svc.Object.PublicKey],
			Attested:     len(svc.Object.Attestation) > 0,
		})
	}

	for _, svc := range svcList.Aggregators {
		resp.Aggregators = append(resp.Aggregators, ServiceInfo{
			PublicKey:    svc.Object.PublicKey,
			ExchangeKey:  svc.Object.ExchangeKey,
			HTTPEndpoint: svc.Object.HTTPEndpoint,
			Healthy:      health[svc.Object.PublicKey],
			Attested:     len(svc.Object.Attestation) > 0,
		})
	}

	for _, svc := range svcList.Clients {
		resp.Clients = append(resp.Clients, ServiceInfo{
			PublicKey:    svc.Object.PublicKey,
			ExchangeKey:  svc.Object.ExchangeKey,
			HTTPEndpoint: svc.Object.HTTPEndpoint,
			Healthy:      health[svc.Object.PublicKey],
			Attested:     len(svc.Object.Attestation) > 0,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	config := g.deployment
	g.mu.RUnlock()

	if config == nil {
		http.Error(w, "configuration not available", http.StatusServiceUnavailable)
		return
	}

	round := protocol.RoundForTime(time.Now(), config.RoundDuration)

	nextPhase := round.Advance()
	nextPhaseTime := protocol.TimeForRound(nextPhase, config.RoundDuration)

	// Calculate progress within current phase
	phaseDuration := config.RoundDuration / 4
	phaseStart := protocol.TimeForRound(round, config.RoundDuration)
	elapsed := time.Since(phaseStart)
	progress := float64(elapsed) / float64(phaseDuration)
	if progress > 1 {
		progress = 1
	}

	resp := RoundResponse{
		Number:      round.Number,
		Phase:       round.Phase.String(),
		PhaseIndex:  int(round.Phase),
		Progress:    progress,
		NextPhaseAt: nextPhaseTime.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleRoundDetail(w http.ResponseWriter, r *http.Request) {
	numberStr := chi.URLParam(r, "number")
	number, err := strconv.Atoi(numberStr)
	if err != nil {
		http.Error(w, "invalid round number", http.StatusBadRequest)
		return
	}

	g.mu.RLock()
	detail := g.rounds[number]
	g.mu.RUnlock()

	if detail == nil {
		http.Error(w, "round not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(detail)
}

func (g *Gateway) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	eventCh := make(chan *RoundEvent, 10)

	g.subscribersMu.Lock()
	g.subscribers[eventCh] = struct{}{}
	g.subscribersMu.Unlock()

	defer func() {
		g.subscribersMu.Lock()
		delete(g.subscribers, eventCh)
		g.subscribersMu.Unlock()
		close(eventCh)
	}()

	// Send latest round immediately if available
	g.mu.RLock()
	if g.latestRound > 0 {
		if detail := g.rounds[g.latestRound]; detail != nil {
			event := &RoundEvent{
				Round:        detail.Number,
				Timestamp:    detail.Timestamp,
				Participants: detail.Participants,
				Dropped:      detail.Dropped,
				TotalSamples: detail.TotalSamples,
				UpdateNorm:   detail.UpdateNorm,
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "event: round\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
	g.mu.RUnlock()

	// Stream events
	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-eventCh:
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: round\ndata: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.mu.RLock()
	connected := g.deployment != nil
	numCoordinators := 0
	if g.services != nil {
		numCoordinators = len(g.services.Coordinators)
	}
	latestRound := g.latestRound
	g.mu.RUnlock()

	status := "ok"
	if !connected {
		status = "connecting"
	}

	resp := HealthResponse{
		Status:          status,
		Connected:       connected,
		NumCoordinators: numCoordinators,
		LatestRound:     latestRound,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (g *Gateway) handleEmbeddedIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(embeddedIndexHTML))
}

// embeddedIndexHTML is a minimal fallback page when no static dir is provided.
const embeddedIndexHTML = `<!DOCTYPE html>
<html>
<head>
    <title>SecAgg Demo</title>
    <meta charset="utf-8">
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
        * { box-sizing: border-box; margin: 0; padding: 0; }
        body { font-family: system-ui, sans-serif; background: #0f172a; color: #e2e8f0; min-height: 100vh; }
        .container { max-width: 1200px; margin: 0 auto; padding: 2rem; }
        h1 { font-size: 2rem; margin-bottom: 0.5rem; }
        .subtitle { color: #64748b; margin-bottom: 2rem; }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(300px, 1fr)); gap: 1.5rem; }
        .card { background: #1e293b; border-radius: 0.75rem; padding: 1.5rem; border: 1px solid #334155; }
        .card h2 { font-size: 1rem; color: #94a3b8; margin-bottom: 1rem; }
        .rounds { max-height: 400px; overflow-y: auto; }
        .round { background: #0f172a; padding: 1rem; border-radius: 0.5rem; margin-bottom: 0.5rem; font-size: 0.875rem; }
        .round-meta { color: #64748b; font-size: 0.75rem; margin-top: 0.5rem; }
        .phase { display: flex; gap: 0.5rem; margin-bottom: 1rem; }
        .phase-item { flex: 1; text-align: center; padding: 0.75rem; background: #334155; border-radius: 0.5rem; font-size: 0.875rem; }
        .phase-item.active { background: #06b6d4; color: #0f172a; }
        .services { display: flex; flex-direction: column; gap: 0.5rem; }
        .service { display: flex; justify-content: space-between; align-items: center; padding: 0.5rem; background: #0f172a; border-radius: 0.25rem; font-size: 0.875rem; }
        .config { display: flex; flex-direction: column; gap: 0.5rem; font-size: 0.875rem; }
        .config-row { display: flex; justify-content: space-between; padding: 0.5rem; background: #0f172a; border-radius: 0.25rem; }
        .config-row span:last-child { color: #22d3ee; font-weight: 600; }
    </style>
</head>
<body>
    <div class="container">
        <h1>&#128272; SecAgg Demo</h1>
        <p class="subtitle">Secure Aggregation for Federated Learning</p>

        <div class="card" style="margin-bottom: 1.5rem;">
            <h2>Round <span id="round-number">-</span></h2>
            <div class="phase" id="phase-indicator">
                <div class="phase-item" data-phase="0">Keys</div>
                <div class="phase-item" data-phase="1">Shares</div>
                <div class="phase-item" data-phase="2">Submit</div>
                <div class="phase-item" data-phase="3">Unmask</div>
            </div>
        </div>

        <div class="grid">
            <div class="card">
                <h2>Network Status</h2>
                <div id="services" class="services">
                    <p style="color: #64748b;">Loading...</p>
                </div>
            </div>

            <div class="card">
                <h2>Round Results</h2>
                <div id="rounds" class="rounds">
                    <p style="color: #64748b;">Waiting for results...</p>
                </div>
            </div>

            <div class="card">
                <h2>Deployment</h2>
                <div id="config" class="config">
                    <p style="color: #64748b;">Loading...</p>
                </div>
            </div>
        </div>
    </div>

    <script>
        const API = '';
        let eventSource;

        async function fetchServices() {
            try {
                const resp = await fetch(API + '/api/services');
                const data = await resp.json();
                const container = document.getElementById('services');

                let html = '';
                const groups = [
                    { name: 'Coordinators', items: data.coordinators || [] },
                    { name: 'Aggregators', items: data.aggregators || [] },
                    { name: 'Clients', items: data.clients || [] }
                ];

                groups.forEach(group => {
                    if (group.items.length > 0) {
                        const healthy = group.items.filter(s => s.healthy).length;
                        html += '<div class="service"><span>' + group.name + '</span><span>' + healthy + '/' + group.items.length + ' online</span></div>';
                    }
                });

                container.innerHTML = html || '<p style="color: #64748b;">No services registered</p>';
            } catch (e) {
                console.error('Failed to fetch services:', e);
            }
        }

        async function fetchConfig() {
            try {
                const resp = await fetch(API + '/api/config');
                const data = await resp.json();
                const container = document.getElementById('config');

                const rows = [
                    ['Round duration', data.round_duration],
                    ['Clients per round', data.num_clients],
                    ['Recovery threshold', data.threshold],
                    ['Max update norm', data.max_weight_norm],
                    ['Model parameters', data.num_params],
                    ['Quantization', data.quantization_bits ? data.quantization_bits + '-bit' : 'none'],
                    ['Privacy', data.epsilon ? '(' + data.epsilon + ', ' + data.delta + ')-DP' : 'clipping only']
                ];

                container.innerHTML = rows.map(r =>
                    '<div class="config-row"><span>' + r[0] + '</span><span>' + r[1] + '</span></div>'
                ).join('');
            } catch (e) {
                console.error('Failed to fetch config:', e);
            }
        }

        async function fetchRound() {
            try {
                const resp = await fetch(API + '/api/round');
                const data = await resp.json();

                document.getElementById('round-number').textContent = data.number;

                document.querySelectorAll('.phase-item').forEach(el => {
                    el.classList.toggle('active', parseInt(el.dataset.phase) === data.phase_index);
                });
            } catch (e) {
                console.error('Failed to fetch round:', e);
            }
        }

        function connectSSE() {
            eventSource = new EventSource(API + '/events');

            eventSource.addEventListener('round', (e) => {
                const data = JSON.parse(e.data);
                displayRound(data);
            });

            eventSource.onerror = () => {
                eventSource.close();
                setTimeout(connectSSE, 3000);
            };
        }

        function displayRound(data) {
            const container = document.getElementById('rounds');

            if (container.firstElementChild && container.firstElementChild.tagName === 'P') {
                container.innerHTML = '';
            }

            const html = '<div class="round">Round ' + data.round + ': averaged ' + data.participants +
                    ' updates (' + data.dropped + ' dropped)' +
                    '<div class="round-meta">' + data.total_samples + ' samples &bull; update norm ' +
                    data.update_norm.toFixed(4) + '</div></div>';
            container.innerHTML = html + container.innerHTML;

            // Keep only last 20 rounds
            while (container.children.length > 20) {
                container.removeChild(container.lastChild);
            }
        }

        // Initialize
        fetchServices();
        fetchConfig();
        fetchRound();
        connectSSE();
        setInterval(fetchServices, 30000);
        setInterval(fetchConfig, 30000);
        setInterval(fetchRound, 1000);
    </script>
</body>
</html>`
