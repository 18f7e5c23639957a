package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"statemux/internal/adapter/attr"
	"statemux/internal/domain"
	"statemux/internal/usecase/mux"
)

// Mux is the multiplexer surface the gateway serves.
type Mux interface {
	attr.Mux
	Status() mux.Status
}

// HandlerDeps holds dependencies needed by the HTTP and RPC handlers.
type HandlerDeps struct {
	Mux     Mux
	Journal domain.SwitchJournal // can be nil (history disabled)
	Bus     domain.EventBus      // can be nil (no metric counters)
	Logger  *slog.Logger

	// BreakerState reports the engine circuit breaker state. Can be nil.
	BreakerState func() string
	// Overlays counts the overlays the engine holds applied. Can be nil.
	Overlays func() int
	// Instance names this multiplexer in status responses.
	Instance string
	Version  string
}

// requirePerm wraps an RPCHandler with role enforcement.
func requirePerm(perm domain.Permission, handler RPCHandler) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		if !client.Can(perm) {
			return nil, fmt.Errorf("%s: %w", perm, domain.ErrPermissionDenied)
		}
		return handler(ctx, client, payload)
	}
}

// requestToken extracts the credential from the token query parameter or
// an Authorization: Bearer header.
func requestToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return token
	}
	return ""
}

// authorize wraps an HTTP handler with authentication and a permission
// check, and puts the client roles on the request context.
func (s *Server) authorize(perm domain.Permission, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client, err := s.auth.Authenticate(requestToken(r))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if !client.Can(perm) {
			writeError(w, http.StatusForbidden, fmt.Errorf("%s: %w", perm, domain.ErrPermissionDenied))
			return
		}
		next(w, r.WithContext(domain.ContextWithRoles(r.Context(), client.Roles)))
	}
}

// RegisterRESTHandlers registers the attribute, JSON and metrics routes.
func RegisterRESTHandlers(s *Server, deps HandlerDeps) *Metrics {
	startTime := time.Now()
	metrics := NewMetrics()
	if deps.Bus != nil {
		metrics.Observe(deps.Bus)
	}
	attrs := attr.New(deps.Mux)

	read := domain.PermStateRead
	s.RegisterHTTPRoute("/sys/state", func(w http.ResponseWriter, r *http.Request) {
		perm := read
		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			perm = domain.PermStateSwitch
		}
		s.authorize(perm, sysStateHandler(attrs))(w, r)
	})
	s.RegisterHTTPRoute("/sys/available_states", s.authorize(read, sysAvailableStatesHandler(attrs)))

	s.RegisterHTTPRoute("/api/v1/state", func(w http.ResponseWriter, r *http.Request) {
		perm := read
		if r.Method == http.MethodPut || r.Method == http.MethodPost {
			perm = domain.PermStateSwitch
		}
		s.authorize(perm, stateHandler(deps))(w, r)
	})
	s.RegisterHTTPRoute("/api/v1/states", s.authorize(read, statesHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/history", s.authorize(domain.PermHistoryRead, historyHandler(deps)))
	s.RegisterHTTPRoute("/api/v1/status", s.authorize(read, statusHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/metrics", s.authorize(read, metricsHandler(s, deps, startTime, metrics)))
	s.RegisterHTTPRoute("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "ok")
	})

	return metrics
}

// RegisterDefaultHandlers registers the built-in RPC methods.
func RegisterDefaultHandlers(s *Server, deps HandlerDeps) {
	rpc := func(method string, perm domain.Permission, h RPCHandler) {
		s.RegisterHandler(method, requirePerm(perm, h))
	}

	rpc("mux.state", domain.PermStateRead, stateRPC(deps))
	rpc("mux.states", domain.PermStateRead, statesRPC(deps))
	rpc("mux.switch", domain.PermStateSwitch, switchRPC(deps))
	rpc("mux.history", domain.PermHistoryRead, historyRPC(deps))
	rpc("mux.status", domain.PermStateRead, statusRPC(deps))
}
