package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"statemux/internal/domain"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
)

// StateResponse is the body of GET and PUT /api/v1/state.
type StateResponse struct {
	State  string `json:"state"`
	Active bool   `json:"active"`
}

// StatesResponse is the body of GET /api/v1/states.
type StatesResponse struct {
	States  []string `json:"states"`
	Current string   `json:"current,omitempty"`
}

// SwitchRequest is the body of PUT /api/v1/state and the mux.switch payload.
type SwitchRequest struct {
	State string `json:"state"`
}

// HistoryRequest is the mux.history payload.
type HistoryRequest struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryResponse is the body of GET /api/v1/history.
type HistoryResponse struct {
	Records []domain.SwitchRecord `json:"records"`
}

func currentState(m Mux) StateResponse {
	name, ok := m.CurrentState()
	return StateResponse{State: name, Active: ok}
}

func listStates(m Mux) StatesResponse {
	name, _ := m.CurrentState()
	return StatesResponse{States: m.ListStates(), Current: name}
}

func doSwitch(ctx context.Context, m Mux, req SwitchRequest) (StateResponse, error) {
	if req.State == "" {
		return StateResponse{}, fmt.Errorf("state is required: %w", domain.ErrRPCInvalidPayload)
	}
	if err := m.SwitchTo(ctx, req.State); err != nil {
		return currentState(m), err
	}
	return currentState(m), nil
}

func history(ctx context.Context, j domain.SwitchJournal, limit int) (HistoryResponse, error) {
	if j == nil {
		return HistoryResponse{}, fmt.Errorf("journal: %w", domain.ErrDisabled)
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	recs, err := j.Recent(ctx, limit)
	if err != nil {
		return HistoryResponse{}, err
	}
	if recs == nil {
		recs = []domain.SwitchRecord{}
	}
	return HistoryResponse{Records: recs}, nil
}

// --- HTTP ---

func stateHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, currentState(deps.Mux))
		case http.MethodPut, http.MethodPost:
			var req SwitchRequest
			if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, fmt.Errorf("decode body: %w", domain.ErrRPCInvalidPayload))
				return
			}
			if deps.Logger != nil {
				deps.Logger.Info("switch requested over http", "state", req.State,
					"roles", domain.RolesFromContext(r.Context()))
			}
			resp, err := doSwitch(r.Context(), deps.Mux, req)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			w.Header().Set("Allow", "GET, PUT, POST")
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
		}
	}
}

func statesHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		writeJSON(w, http.StatusOK, listStates(deps.Mux))
	}
}

func historyHandler(deps HandlerDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
			return
		}
		limit := 0
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				writeError(w, http.StatusBadRequest, fmt.Errorf("limit %q: %w", v, domain.ErrInvalidInput))
				return
			}
			limit = n
		}
		resp, err := history(r.Context(), deps.Journal, limit)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// --- RPC ---

func stateRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(currentState(deps.Mux))
	}
}

func statesRPC(deps HandlerDeps) RPCHandler {
	return func(_ context.Context, _ *ClientInfo, _ json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(listStates(deps.Mux))
	}
}

func switchRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, client *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req SwitchRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode payload: %w", domain.ErrRPCInvalidPayload)
		}
		resp, err := doSwitch(ctx, deps.Mux, req)
		if err != nil {
			return nil, err
		}
		if deps.Logger != nil {
			deps.Logger.Info("switch requested over rpc", "client", client.Name, "state", req.State)
		}
		return json.Marshal(resp)
	}
}

func historyRPC(deps HandlerDeps) RPCHandler {
	return func(ctx context.Context, _ *ClientInfo, payload json.RawMessage) (json.RawMessage, error) {
		var req HistoryRequest
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &req); err != nil {
				return nil, fmt.Errorf("decode payload: %w", domain.ErrRPCInvalidPayload)
			}
		}
		resp, err := history(ctx, deps.Journal, req.Limit)
		if err != nil {
			return nil, err
		}
		return json.Marshal(resp)
	}
}
