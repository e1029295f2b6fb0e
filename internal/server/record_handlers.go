package server

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/BadgerOps/localconsole/internal/store"
)

type recordJSON struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func toRecordJSON(rec store.Record) recordJSON {
	return recordJSON{Table: rec.Table, ID: rec.ID, Data: rec.Data, UpdatedAt: rec.UpdatedAt}
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.svc.Store.ListTables(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if tables == nil {
		tables = []string{}
	}
	writeJSON(w, http.StatusOK, tables)
}

func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	records, err := s.svc.Store.ListRecords(r.Context(), r.PathValue("table"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]recordJSON, 0, len(records))
	for _, rec := range records {
		out = append(out, toRecordJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Store.GetRecord(r.Context(), r.PathValue("table"), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(*rec))
}

// handlePutRecord stores the request body as the record's data
func (s *Server) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		jsonError(w, http.StatusRequestEntityTooLarge, err.Error())
		return
	}

	rec, err := s.svc.Store.PutRecord(r.Context(), r.PathValue("table"), r.PathValue("id"), body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toRecordJSON(*rec))
}

func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store.DeleteRecord(r.Context(), r.PathValue("table"), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
