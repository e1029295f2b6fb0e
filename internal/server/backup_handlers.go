package server

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/BadgerOps/localconsole/internal/backup"
	"github.com/BadgerOps/localconsole/internal/store"
)

type backupJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	Type       string    `json:"type"`
	BackupType string    `json:"backup_type"`
	ProfileID  *string   `json:"profile_id,omitempty"`
	Size       int64     `json:"size"`
}

func toBackupJSON(h store.BackupHistory) backupJSON {
	return backupJSON{
		ID:         h.ID,
		Name:       h.Name,
		CreatedAt:  h.CreatedAt,
		Type:       h.Type,
		BackupType: h.BackupType,
		ProfileID:  h.ProfileID,
		Size:       h.Size,
	}
}

type createBackupRequest struct {
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	Tables    []string `json:"tables"`
	ProfileID string   `json:"profile_id"`
}

// handleListBackups returns history newest first
func (s *Server) handleListBackups(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Backups.GetBackupHistory()
	if err != nil {
		writeError(w, err)
		return
	}
	sort.SliceStable(history, func(i, j int) bool { return history[i].CreatedAt.After(history[j].CreatedAt) })

	out := make([]backupJSON, 0, len(history))
	for _, h := range history {
		out = append(out, toBackupJSON(h))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req createBackupRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	h, err := s.svc.Backups.CreateBackup(r.Context(), backup.CreateOptions{
		Name:      req.Name,
		Type:      req.Type,
		Tables:    req.Tables,
		ProfileID: req.ProfileID,
		Trigger:   store.HistoryTypeManual,
		Persist:   true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBackupJSON(*h))
}

func (s *Server) handleDownloadBackup(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h, err := s.svc.Store.GetBackupHistory(id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", backup.FileName(h)))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(h.Blob)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(h.Blob); err != nil {
		s.logger.Warn("backup download interrupted", "id", id, "error", err)
	}
}

func (s *Server) handleExportBackup(w http.ResponseWriter, r *http.Request) {
	dir := s.config.Backup.ExportDir
	if dir == "" {
		jsonError(w, http.StatusServiceUnavailable, "backup.export_dir is not configured")
		return
	}
	path, err := s.svc.Backups.ExportToDir(r.Context(), r.PathValue("id"), dir)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"path": path})
}

func (s *Server) handleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Backups.RestoreFromHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Backups.DeleteBackup(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleImport replaces the dataset with the snapshot in the request body
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Backups.ImportDatabase(r.Context(), r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	summary, err := s.svc.Backups.VerifyFile(r.Body)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// ============================================================================
// Profiles
// ============================================================================

type profileJSON struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	IsEnabled       bool       `json:"is_enabled"`
	Frequency       string     `json:"frequency"`
	IntervalMinutes int        `json:"interval_minutes,omitempty"`
	TimeOfDay       string     `json:"time_of_day,omitempty"`
	BackupType      string     `json:"backup_type"`
	Tables          []string   `json:"tables"`
	RetentionCount  int        `json:"retention_count"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type profileRequest struct {
	Name            string   `json:"name"`
	IsEnabled       *bool    `json:"is_enabled"`
	Frequency       string   `json:"frequency"`
	IntervalMinutes int      `json:"interval_minutes"`
	TimeOfDay       string   `json:"time_of_day"`
	BackupType      string   `json:"backup_type"`
	Tables          []string `json:"tables"`
	RetentionCount  int      `json:"retention_count"`
}

func toProfileJSON(p store.BackupProfile) profileJSON {
	return profileJSON{
		ID:              p.ID,
		Name:            p.Name,
		IsEnabled:       p.IsEnabled,
		Frequency:       p.Frequency,
		IntervalMinutes: p.IntervalMinutes,
		TimeOfDay:       p.TimeOfDay,
		BackupType:      p.BackupType,
		Tables:          p.Tables,
		RetentionCount:  p.RetentionCount,
		LastRunAt:       p.LastRunAt,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       p.UpdatedAt,
	}
}

func (req profileRequest) apply(p *store.BackupProfile) {
	p.Name = req.Name
	p.IsEnabled = true
	if req.IsEnabled != nil {
		p.IsEnabled = *req.IsEnabled
	}
	p.Frequency = req.Frequency
	p.IntervalMinutes = req.IntervalMinutes
	p.TimeOfDay = req.TimeOfDay
	p.BackupType = req.BackupType
	p.Tables = req.Tables
	p.RetentionCount = req.RetentionCount
}

func (s *Server) handleListProfiles(w http.ResponseWriter, r *http.Request) {
	profiles, err := s.svc.Backups.ListProfiles()
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]profileJSON, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, toProfileJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	p, err := s.svc.Backups.GetProfile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileJSON(*p))
}

func (s *Server) handleCreateProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := &store.BackupProfile{}
	req.apply(p)
	if err := s.svc.Backups.AddProfile(p); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toProfileJSON(*p))
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	existing, err := s.svc.Backups.GetProfile(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.apply(existing)
	if err := s.svc.Backups.UpdateProfile(existing); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toProfileJSON(*existing))
}

func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Backups.DeleteProfile(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunProfile runs a profile now, exactly as the scheduler would
func (s *Server) handleRunProfile(w http.ResponseWriter, r *http.Request) {
	h, err := s.svc.Backups.RunProfile(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBackupJSON(*h))
}

func (s *Server) handleSchedule(w http.ResponseWriter, r *http.Request) {
	if !requireService(w, s.svc.Scheduler != nil, "scheduler") {
		return
	}
	writeJSON(w, http.StatusOK, s.svc.Scheduler.Jobs())
}
