package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"statemux/internal/domain"
	"statemux/internal/usecase/mux"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Instance      string         `json:"instance"`
	Version       string         `json:"version,omitempty"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Mux           mux.Status     `json:"mux"`
	Breaker       string         `json:"breaker,omitempty"`
	Overlays      *int           `json:"overlays,omitempty"`
	Clients       int            `json:"clients"`
	Switches      SwitchCounters `json:"switches"`
}

// SwitchCounters summarises switch outcomes since the gateway started.
type SwitchCounters struct {
	Total     int64 `json:"total"`
	Failed    int64 `json:"failed"`
	Unchanged int64 `json:"unchanged"`
	LastMs    int64 `json:"last_duration_ms"`
}

// Metrics tracks counters for the status API and Prometheus metrics.
type Metrics struct {
	SwitchesTotal  atomic.Int64
	FailuresTotal  atomic.Int64
	UnchangedTotal atomic.Int64
	LastDuration   atomic.Int64 // milliseconds of the last applied switch

	mu     sync.Mutex
	unsubs []func()
}

// NewMetrics returns zeroed counters.
func NewMetrics() *Metrics { return &Metrics{} }

// Observe counts switch events published on bus.
func (m *Metrics) Observe(bus domain.EventBus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubs = append(m.unsubs,
		bus.Subscribe(domain.EventStateSwitched, func(_ context.Context, e domain.Event) {
			m.SwitchesTotal.Add(1)
			var p domain.SwitchEvent
			if json.Unmarshal(e.Payload, &p) == nil {
				m.LastDuration.Store(p.DurationMs)
			}
		}),
		bus.Subscribe(domain.EventStateSwitchFailed, func(_ context.Context, _ domain.Event) {
			m.FailuresTotal.Add(1)
		}),
		bus.Subscribe(domain.EventStateUnchanged, func(_ context.Context, _ domain.Event) {
			m.UnchangedTotal.Add(1)
		}),
	)
}

// Stop unsubscribes from the bus.
func (m *Metrics) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.unsubs {
		u()
	}
	m.unsubs = nil
}

func (m *Metrics) counters() SwitchCounters {
	return SwitchCounters{
		Total:     m.SwitchesTotal.Load(),
		Failed:    m.FailuresTotal.Load(),
		Unchanged: m.UnchangedTotal.Load(),
		LastMs:    m.LastDuration.Load(),
	}
}

// ClientCount returns the number of connected WebSocket clients.
func (s *Server) ClientCount() int {
	n := 0
	s.clients.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func buildStatus(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) StatusResponse {
	resp := StatusResponse{
		Instance:      deps.Instance,
		Version:       deps.Version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		Mux:           deps.Mux.Status(),
		Clients:       s.ClientCount(),
		Switches:      metrics.counters(),
	}
	if deps.BreakerState != nil {
		resp.Breaker = deps.BreakerState()
	}
	if deps.Overlays != nil {
		n := deps.Overlays()
		resp.Overlays = &n
	}
	return resp
}

// statusHandler returns an HTTP handler for GET /api/v1/status.
func statusHandler(s *Server, deps HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		writeJSON(w, http.StatusOK, buildStatus(s, deps, startTime, metrics))
	}
}

func statusRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Mux.Status())
	}
}
