package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"courierlive/internal/state"
	"courierlive/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeStateError maps state machine and store errors onto problem responses.
func writeStateError(w http.ResponseWriter, err error, instance string) {
	switch {
	case errors.Is(err, state.ErrNotFound), errors.Is(err, store.ErrNotFound):
		writeProblem(w, http.StatusNotFound, "Not Found", err.Error(), instance)
	case errors.Is(err, state.ErrInvalidTransition):
		writeProblem(w, http.StatusConflict, "Invalid transition", err.Error(), instance)
	case errors.Is(err, state.ErrConflictingInTransit):
		writeProblem(w, http.StatusConflict, "Another delivery is in transit", err.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, "Internal error", err.Error(), instance)
	}
}
