// Package api exposes the HTTP surface of the crysense server: the live
// streaming session endpoints, one-shot cry analysis, manual care logging,
// feedback, and read endpoints for events and context.
//
// Every JSON response carries a top-level "ok" field; failures additionally
// carry "error" with a human-readable message.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorResponse is the body of every failed request.
type errorResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// respondJSON encodes v with the given status code.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}

// respondError writes an ok:false envelope with the given message.
func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, errorResponse{OK: false, Error: msg})
}
