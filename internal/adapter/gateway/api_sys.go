package gateway

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"statemux/internal/adapter/attr"
)

// sysStateHandler serves the state attribute: GET shows it, PUT or POST
// stores the body as the target name.
func sysStateHandler(attrs *attr.Attributes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet, http.MethodHead:
			writeText(w, http.StatusOK, attrs.ShowState())
		case http.MethodPut, http.MethodPost:
			buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, attr.PageSize))
			if err != nil {
				var tooLarge *http.MaxBytesError
				if errors.As(err, &tooLarge) {
					writeText(w, http.StatusRequestEntityTooLarge, "value too large\n")
					return
				}
				writeText(w, http.StatusBadRequest, err.Error()+"\n")
				return
			}
			n, err := attrs.StoreState(r.Context(), buf)
			if err != nil {
				writeText(w, statusOf(err), err.Error()+"\n")
				return
			}
			writeText(w, http.StatusOK, strconv.Itoa(n)+"\n")
		default:
			w.Header().Set("Allow", "GET, PUT, POST")
			writeText(w, http.StatusMethodNotAllowed, "method not allowed\n")
		}
	}
}

func sysAvailableStatesHandler(attrs *attr.Attributes) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET")
			writeText(w, http.StatusMethodNotAllowed, "method not allowed\n")
			return
		}
		writeText(w, http.StatusOK, attrs.ShowAvailableStates())
	}
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, body)
}
