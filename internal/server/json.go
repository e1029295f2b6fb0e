package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/BadgerOps/localconsole/internal/backup"
	"github.com/BadgerOps/localconsole/internal/endpoint"
	"github.com/BadgerOps/localconsole/internal/reconcile"
	"github.com/BadgerOps/localconsole/internal/snapshot"
	"github.com/BadgerOps/localconsole/internal/store"
)

// maxRequestBody bounds JSON request bodies; imports have their own limit
const maxRequestBody = 1 << 20

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// errorResponse is the body of every failed request that maps to a known
// error kind
type errorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
	Field string `json:"field,omitempty"`
}

// writeError maps the package error taxonomy onto status codes
func writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	var fe *snapshot.FormatError
	var be *backup.FormatError
	switch {
	case errors.As(err, &fe):
		code, resp.Kind, resp.Field = http.StatusBadRequest, "format", fe.Field
	case errors.As(err, &be):
		code, resp.Kind, resp.Field = http.StatusBadRequest, "format", be.Field
	case errors.Is(err, store.ErrNotFound):
		code, resp.Kind = http.StatusNotFound, "not_found"
	case errors.Is(err, endpoint.ErrNotConfigured):
		code, resp.Kind = http.StatusNotFound, "not_configured"
	case errors.Is(err, backup.ErrBusy):
		code, resp.Kind = http.StatusConflict, "busy"
	case errors.Is(err, reconcile.ErrPassInProgress):
		code, resp.Kind = http.StatusConflict, "in_progress"
	case errors.Is(err, reconcile.ErrOffline):
		code, resp.Kind = http.StatusServiceUnavailable, "offline"
	case errors.Is(err, backup.ErrSerialization):
		resp.Kind = "serialization"
	}

	writeJSON(w, code, resp)
}

func requireService(w http.ResponseWriter, ok bool, name string) bool {
	if !ok {
		jsonError(w, http.StatusServiceUnavailable, fmt.Sprintf("%s is disabled", name))
	}
	return ok
}
