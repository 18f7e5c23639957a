package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"statemux/internal/domain"
)

// errorResponse is the JSON body of every non-2xx API response.
type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusOf maps a domain error onto an HTTP status. The breaker check comes
// before the overlay check since an open breaker surfaces as an overlay
// failure that also wraps ErrEngineOpen.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrEngineOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrOverlayFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrUnknownState), errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrRPCInvalidPayload):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrClosed), errors.Is(err, domain.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrRateLimit):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrDisabled):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error(), Code: string(domain.ErrorCodeOf(err))})
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusOf(err), err)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
