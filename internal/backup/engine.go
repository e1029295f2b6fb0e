// Package backup creates snapshots of the local dataset, keeps their
// history, and restores the dataset from history or an imported file.
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BadgerOps/localconsole/internal/metrics"
	"github.com/BadgerOps/localconsole/internal/safety"
	"github.com/BadgerOps/localconsole/internal/snapshot"
	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"
)

// DefaultMaxImportSize bounds ImportDatabase and VerifyFile reads
const DefaultMaxImportSize = 256 * humanize.MByte

// Options configures an Engine.
type Options struct {
	Compress      bool
	MaxImportSize int64
}

// CreateOptions describes one backup.
type CreateOptions struct {
	Name      string
	Type      string   // FULL or DIFFERENTIAL
	Tables    []string // empty uses the profile's tables, or every table
	ProfileID string   // baseline source for DIFFERENTIAL; empty for ad-hoc backups
	Trigger   string   // AUTO or MANUAL, MANUAL when empty
	Persist   bool     // append a history record
}

// Engine owns snapshot creation and the destructive replace paths. At most
// one create, restore or import runs at a time; a concurrent request gets
// ErrBusy.
type Engine struct {
	store         *store.Store
	compress      bool
	maxImportSize int64
	logger        *slog.Logger

	// exclusive is held for the whole of every create, restore and import
	exclusive *semaphore.Weighted

	listenerMu sync.Mutex
	onProfiles []func()
}

// NewEngine creates a backup engine over the given store
func NewEngine(s *store.Store, opts Options, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxImportSize <= 0 {
		opts.MaxImportSize = DefaultMaxImportSize
	}
	return &Engine{
		store:         s,
		compress:      opts.Compress,
		maxImportSize: opts.MaxImportSize,
		logger:        logger,
		exclusive:     semaphore.NewWeighted(1),
	}
}

// OnProfilesChanged registers fn to be called after any profile is added,
// updated or deleted
func (e *Engine) OnProfilesChanged(fn func()) {
	e.listenerMu.Lock()
	defer e.listenerMu.Unlock()
	e.onProfiles = append(e.onProfiles, fn)
}

func (e *Engine) profilesChanged() {
	e.listenerMu.Lock()
	fns := make([]func(), len(e.onProfiles))
	copy(fns, e.onProfiles)
	e.listenerMu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

func (e *Engine) acquire(op string) (func(), error) {
	if !e.exclusive.TryAcquire(1) {
		metrics.BackupsTotal.WithLabelValues(op, "busy").Inc()
		e.logger.Warn("backup engine busy, rejecting request", "operation", op)
		return nil, ErrBusy
	}
	return func() { e.exclusive.Release(1) }, nil
}

func (e *Engine) record(op string, err error) {
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.BackupsTotal.WithLabelValues(op, status).Inc()
}

// ============================================================================
// Create
// ============================================================================

// CreateBackup serializes the addressed tables in one consistent read. A
// DIFFERENTIAL request without a profile baseline is produced as FULL. The
// returned history carries the blob whether or not it was persisted.
func (e *Engine) CreateBackup(ctx context.Context, opts CreateOptions) (*store.BackupHistory, error) {
	release, err := e.acquire("create")
	if err != nil {
		return nil, err
	}
	defer release()

	h, _, err := e.create(ctx, opts)
	e.record("create", err)
	return h, err
}

func (e *Engine) create(ctx context.Context, opts CreateOptions) (*store.BackupHistory, *snapshot.Document, error) {
	startTime := time.Now()

	backupType := strings.ToUpper(opts.Type)
	if backupType == "" {
		backupType = store.BackupTypeFull
	}
	if backupType != store.BackupTypeFull && backupType != store.BackupTypeDifferential {
		return nil, nil, &FormatError{Field: "type", Reason: fmt.Sprintf("unknown backup type %q", opts.Type)}
	}

	trigger := strings.ToUpper(opts.Trigger)
	if trigger == "" {
		trigger = store.HistoryTypeManual
	}

	tables := opts.Tables
	var since *time.Time
	var profileID *string

	if opts.ProfileID != "" {
		p, err := e.store.GetBackupProfile(opts.ProfileID)
		if err != nil {
			return nil, nil, err
		}
		if len(tables) == 0 {
			tables = p.Tables
		}
		since = p.LastRunAt
		id := p.ID
		profileID = &id
	}

	if since != nil {
		replacedAt, err := e.store.DatasetReplacedAt()
		if err != nil {
			return nil, nil, &SerializationError{Op: "reading replace marker", Err: err}
		}
		if replacedAt != nil && !since.After(*replacedAt) {
			e.logger.Info("dataset replaced since the last profile run, baseline discarded", "profile", opts.ProfileID, "replaced_at", *replacedAt)
			since = nil
		}
	}

	if backupType == store.BackupTypeDifferential && since == nil {
		e.logger.Info("no baseline for differential backup, taking a full one", "profile", opts.ProfileID)
		backupType = store.BackupTypeFull
	}
	if backupType == store.BackupTypeFull {
		since = nil
	}

	if len(tables) == 0 {
		tables = []string{store.AllTables}
	}
	allTables := false
	for _, t := range tables {
		if t == store.AllTables {
			allTables = true
		}
	}

	ds, err := e.store.ReadDataset(ctx, tables, since)
	if err != nil {
		return nil, nil, &SerializationError{Op: "reading dataset", Err: err}
	}

	doc := snapshot.New(ds, backupType, since, allTables)
	blob, err := snapshot.Marshal(doc, e.compress)
	if err != nil {
		return nil, nil, &SerializationError{Op: "encoding snapshot", Err: err}
	}

	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = fmt.Sprintf("%s-%s-%s", strings.ToLower(trigger), strings.ToLower(backupType), ds.TakenAt.Format("20060102-150405"))
	}

	h := &store.BackupHistory{
		Name:       name,
		CreatedAt:  time.Now().UTC(),
		Type:       trigger,
		BackupType: backupType,
		ProfileID:  profileID,
		Size:       int64(len(blob)),
		Blob:       blob,
	}

	if opts.Persist {
		if err := e.store.CreateBackupHistory(h); err != nil {
			return nil, nil, fmt.Errorf("failed to record backup history: %w", err)
		}
	}

	metrics.BackupBytes.Observe(float64(h.Size))
	summary := snapshot.Summarize(doc)
	e.logger.Info("backup created",
		"id", h.ID,
		"name", h.Name,
		"type", h.BackupType,
		"trigger", h.Type,
		"tables", len(summary.Tables),
		"records", summary.Records,
		"size", humanize.Bytes(uint64(h.Size)),
		"persisted", opts.Persist,
		"duration", time.Since(startTime),
	)

	return h, doc, nil
}

// RunProfile is a scheduled run: an AUTO backup for the profile, after which
// LastRunAt moves to the snapshot time and retention is applied
func (e *Engine) RunProfile(ctx context.Context, id string) (*store.BackupHistory, error) {
	release, err := e.acquire("scheduled")
	if err != nil {
		return nil, err
	}
	defer release()

	p, err := e.store.GetBackupProfile(id)
	if err != nil {
		e.record("scheduled", err)
		return nil, err
	}

	h, doc, err := e.create(ctx, CreateOptions{
		Name:      fmt.Sprintf("%s %s", p.Name, time.Now().UTC().Format("2006-01-02 15:04")),
		Type:      p.BackupType,
		Tables:    p.Tables,
		ProfileID: p.ID,
		Trigger:   store.HistoryTypeAuto,
		Persist:   true,
	})
	e.record("scheduled", err)
	if err != nil {
		e.logger.Error("scheduled backup failed", "profile", p.Name, "id", p.ID, "error", err)
		return nil, err
	}

	if err := e.store.MarkProfileRun(p.ID, doc.CreatedAt); err != nil {
		return h, fmt.Errorf("backup %s created but profile run not recorded: %w", h.ID, err)
	}

	if err := e.applyRetention(p); err != nil {
		e.logger.Warn("retention pass incomplete", "profile", p.Name, "error", err)
	}

	return h, nil
}

// ============================================================================
// Restore / Import
// ============================================================================

// RestoreFromHistory replaces the dataset with a history record's snapshot.
// The replace is all-or-nothing.
func (e *Engine) RestoreFromHistory(ctx context.Context, id string) (*snapshot.Summary, error) {
	release, err := e.acquire("restore")
	if err != nil {
		return nil, err
	}
	defer release()

	summary, err := e.restore(ctx, id)
	e.record("restore", err)
	return summary, err
}

func (e *Engine) restore(ctx context.Context, id string) (*snapshot.Summary, error) {
	h, err := e.store.GetBackupHistory(id)
	if err != nil {
		return nil, err
	}

	doc, err := snapshot.Unmarshal(h.Blob)
	if err != nil {
		return nil, fmt.Errorf("backup %s is unreadable: %w", id, err)
	}

	if err := e.apply(ctx, doc); err != nil {
		return nil, err
	}

	summary := snapshot.Summarize(doc)
	e.logger.Info("dataset restored from history", "id", id, "name", h.Name, "type", doc.Type, "records", summary.Records)
	return summary, nil
}

// ImportDatabase validates an externally supplied snapshot and replaces the
// dataset with it. A malformed file is rejected with a FormatError before
// anything is touched.
func (e *Engine) ImportDatabase(ctx context.Context, r io.Reader) (*snapshot.Summary, error) {
	release, err := e.acquire("import")
	if err != nil {
		return nil, err
	}
	defer release()

	summary, err := e.importDocument(ctx, r)
	e.record("import", err)
	return summary, err
}

func (e *Engine) importDocument(ctx context.Context, r io.Reader) (*snapshot.Summary, error) {
	doc, err := e.readDocument(r)
	if err != nil {
		return nil, err
	}

	if err := e.apply(ctx, doc); err != nil {
		return nil, err
	}

	summary := snapshot.Summarize(doc)
	e.logger.Info("dataset imported", "type", doc.Type, "tables", len(summary.Tables), "records", summary.Records)
	return summary, nil
}

// VerifyFile checks that r holds a valid snapshot without importing it
func (e *Engine) VerifyFile(r io.Reader) (*snapshot.Summary, error) {
	doc, err := e.readDocument(r)
	if err != nil {
		return nil, err
	}
	return snapshot.Summarize(doc), nil
}

func (e *Engine) readDocument(r io.Reader) (*snapshot.Document, error) {
	data, err := safety.ReadLimited(r, e.maxImportSize)
	if err != nil {
		if errors.Is(err, safety.ErrTooLarge) {
			return nil, &snapshot.FormatError{Reason: fmt.Sprintf("file is larger than %s", humanize.Bytes(uint64(e.maxImportSize)))}
		}
		return nil, fmt.Errorf("reading import file: %w", err)
	}
	return snapshot.Unmarshal(data)
}

// apply runs the destructive replace. FULL snapshots replace their tables
// (every table for an all-tables snapshot); DIFFERENTIAL snapshots are laid
// over the current rows and remove the rows they list as deleted.
func (e *Engine) apply(ctx context.Context, doc *snapshot.Document) error {
	full := doc.Type == store.BackupTypeFull
	req := store.ReplaceRequest{
		Tables:    doc.Tables,
		AllTables: full && doc.AllTables,
		Merge:     !full,
	}
	if !full {
		req.Deleted = doc.Deleted
	}
	err := e.store.ReplaceDataset(ctx, req)
	if err != nil {
		return fmt.Errorf("dataset left unchanged: %w", err)
	}
	return nil
}

// ============================================================================
// History
// ============================================================================

// GetBackupHistory returns every history record without blobs. Callers sort.
func (e *Engine) GetBackupHistory() ([]store.BackupHistory, error) {
	return e.store.ListBackupHistory("")
}

// ProfileHistory returns the history records of one profile, oldest first
func (e *Engine) ProfileHistory(profileID string) ([]store.BackupHistory, error) {
	return e.store.ListBackupHistory(profileID)
}

// DeleteBackup irreversibly deletes a history record
func (e *Engine) DeleteBackup(id string) error {
	if err := e.store.DeleteBackupHistory(id); err != nil {
		return err
	}
	e.logger.Info("backup deleted", "id", id)
	return nil
}

// ExportHistory writes a history record's blob to w
func (e *Engine) ExportHistory(ctx context.Context, id string, w io.Writer) (*store.BackupHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := e.store.GetBackupHistory(id)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(h.Blob); err != nil {
		return nil, fmt.Errorf("writing backup %s: %w", id, err)
	}
	return h, nil
}

// ExportToDir writes a history record's blob to a file under dir and returns
// the file's path. The file appears complete or not at all.
func (e *Engine) ExportToDir(ctx context.Context, id, dir string) (string, error) {
	h, err := e.store.GetBackupHistory(id)
	if err != nil {
		return "", err
	}

	dest, err := safety.JoinUnder(dir, FileName(h))
	if err != nil {
		return "", fmt.Errorf("export path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("creating export directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".export-*")
	if err != nil {
		return "", fmt.Errorf("creating export file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := e.ExportHistory(ctx, id, tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing export file: %w", err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("finalizing export file: %w", err)
	}

	e.logger.Info("backup exported", "id", id, "path", dest, "size", humanize.Bytes(uint64(h.Size)))
	return dest, nil
}

// FileName suggests a download file name for a history record
func FileName(h *store.BackupHistory) string {
	ext := ".json"
	if snapshotCompressed(h.Blob) {
		ext = ".json.zst"
	}
	return fmt.Sprintf("localconsole-%s-%s%s", strings.ToLower(h.BackupType), h.CreatedAt.UTC().Format("20060102-150405"), ext)
}

func snapshotCompressed(blob []byte) bool {
	return len(blob) >= 4 && blob[0] == 0x28 && blob[1] == 0xb5 && blob[2] == 0x2f && blob[3] == 0xfd
}
