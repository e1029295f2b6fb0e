package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned (wrapped) when a looked-up entity does not exist
var ErrNotFound = errors.New("not found")

// Store provides SQLite-backed persistence
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a new Store, opening the SQLite database and running migrations
func New(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection serializes writers and makes a dataset replace
	// exclusive for its whole transaction. It also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure database: %w", err)
	}

	s := &Store{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Store initialized successfully", "path", dbPath)
	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Stats returns connection pool statistics
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func now() time.Time {
	return time.Now().UTC()
}

// ============================================================================
// APIConfiguration Operations
// ============================================================================

// SetAPIConfiguration inserts or replaces the base URL for a service key
func (s *Store) SetAPIConfiguration(serviceName, baseURL string) error {
	const query = `
		INSERT INTO api_configurations (service_name, base_url, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(service_name) DO UPDATE SET
			base_url = excluded.base_url, updated_at = excluded.updated_at
	`

	if _, err := s.db.Exec(query, serviceName, baseURL, now()); err != nil {
		return fmt.Errorf("failed to set api configuration: %w", err)
	}
	return nil
}

// GetAPIConfiguration retrieves the stored configuration for a service key
func (s *Store) GetAPIConfiguration(serviceName string) (*APIConfiguration, error) {
	const query = `
		SELECT service_name, base_url, updated_at
		FROM api_configurations WHERE service_name = ?
	`

	ac := &APIConfiguration{}
	err := s.db.QueryRow(query, serviceName).Scan(&ac.ServiceName, &ac.BaseURL, &ac.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("api configuration %s: %w", serviceName, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query api configuration: %w", err)
	}

	return ac, nil
}

// ListAPIConfigurations retrieves all stored configurations ordered by service name
func (s *Store) ListAPIConfigurations() ([]APIConfiguration, error) {
	const query = `
		SELECT service_name, base_url, updated_at
		FROM api_configurations ORDER BY service_name
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to query api configurations: %w", err)
	}
	defer rows.Close()

	var configs []APIConfiguration
	for rows.Next() {
		ac := APIConfiguration{}
		if err := rows.Scan(&ac.ServiceName, &ac.BaseURL, &ac.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan api configuration: %w", err)
		}
		configs = append(configs, ac)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating api configurations: %w", err)
	}

	return configs, nil
}

// DeleteAPIConfiguration removes the stored configuration for a service key
func (s *Store) DeleteAPIConfiguration(serviceName string) error {
	result, err := s.db.Exec("DELETE FROM api_configurations WHERE service_name = ?", serviceName)
	if err != nil {
		return fmt.Errorf("failed to delete api configuration: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("api configuration %s", serviceName))
}

// ============================================================================
// Setting Operations
// ============================================================================

// SetSetting stores a key/value setting
func (s *Store) SetSetting(key, value string) error {
	const query = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	if _, err := s.db.Exec(query, key, value, now()); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// GetSetting retrieves a setting value
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("setting %s: %w", key, ErrNotFound)
		}
		return "", fmt.Errorf("failed to query setting: %w", err)
	}
	return value, nil
}

// ============================================================================
// BackupProfile Operations
// ============================================================================

const profileColumns = `
	id, name, is_enabled, frequency, interval_minutes, time_of_day,
	backup_type, tables_json, retention_count, last_run_at, created_at, updated_at
`

// CreateBackupProfile inserts a new BackupProfile, assigning its ID and timestamps
func (s *Store) CreateBackupProfile(p *BackupProfile) error {
	tablesJSON, err := json.Marshal(p.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode profile tables: %w", err)
	}

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	ts := now()
	p.CreatedAt = ts
	p.UpdatedAt = ts

	const query = `
		INSERT INTO backup_profiles (` + profileColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(
		query,
		p.ID, p.Name, p.IsEnabled, p.Frequency, p.IntervalMinutes, p.TimeOfDay,
		p.BackupType, string(tablesJSON), p.RetentionCount, nullTime(p.LastRunAt),
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backup profile: %w", err)
	}

	return nil
}

// UpdateBackupProfile replaces the editable fields of a BackupProfile.
// LastRunAt is not touched; see MarkProfileRun.
func (s *Store) UpdateBackupProfile(p *BackupProfile) error {
	tablesJSON, err := json.Marshal(p.Tables)
	if err != nil {
		return fmt.Errorf("failed to encode profile tables: %w", err)
	}

	p.UpdatedAt = now()

	const query = `
		UPDATE backup_profiles SET
			name = ?, is_enabled = ?, frequency = ?, interval_minutes = ?,
			time_of_day = ?, backup_type = ?, tables_json = ?, retention_count = ?,
			updated_at = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		p.Name, p.IsEnabled, p.Frequency, p.IntervalMinutes,
		p.TimeOfDay, p.BackupType, string(tablesJSON), p.RetentionCount,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update backup profile: %w", err)
	}

	return expectAffected(result, fmt.Sprintf("backup profile %s", p.ID))
}

// MarkProfileRun records a successful scheduled run
func (s *Store) MarkProfileRun(id string, at time.Time) error {
	result, err := s.db.Exec("UPDATE backup_profiles SET last_run_at = ? WHERE id = ?", at.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark profile run: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("backup profile %s", id))
}

// GetBackupProfile retrieves a BackupProfile by ID
func (s *Store) GetBackupProfile(id string) (*BackupProfile, error) {
	row := s.db.QueryRow("SELECT "+profileColumns+" FROM backup_profiles WHERE id = ?", id)

	p, err := scanProfile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup profile %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query backup profile: %w", err)
	}
	return p, nil
}

// ListBackupProfiles retrieves all BackupProfiles ordered by name
func (s *Store) ListBackupProfiles() ([]BackupProfile, error) {
	rows, err := s.db.Query("SELECT " + profileColumns + " FROM backup_profiles ORDER BY name, id")
	if err != nil {
		return nil, fmt.Errorf("failed to query backup profiles: %w", err)
	}
	defer rows.Close()

	var profiles []BackupProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan backup profile: %w", err)
		}
		profiles = append(profiles, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup profiles: %w", err)
	}

	return profiles, nil
}

// DeleteBackupProfile deletes a BackupProfile. History rows that reference it are kept.
func (s *Store) DeleteBackupProfile(id string) error {
	result, err := s.db.Exec("DELETE FROM backup_profiles WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete backup profile: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("backup profile %s", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*BackupProfile, error) {
	p := &BackupProfile{}
	var tablesJSON string
	var lastRun sql.NullTime

	err := row.Scan(
		&p.ID, &p.Name, &p.IsEnabled, &p.Frequency, &p.IntervalMinutes, &p.TimeOfDay,
		&p.BackupType, &tablesJSON, &p.RetentionCount, &lastRun, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(tablesJSON), &p.Tables); err != nil {
		return nil, fmt.Errorf("decoding tables for profile %s: %w", p.ID, err)
	}
	if lastRun.Valid {
		t := lastRun.Time.UTC()
		p.LastRunAt = &t
	}
	return p, nil
}

// ============================================================================
// BackupHistory Operations
// ============================================================================

// CreateBackupHistory inserts a new, immutable BackupHistory record
func (s *Store) CreateBackupHistory(h *BackupHistory) error {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.CreatedAt.IsZero() {
		h.CreatedAt = now()
	}
	h.Size = int64(len(h.Blob))

	const query = `
		INSERT INTO backup_history (id, name, created_at, type, backup_type, profile_id, size, blob)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(
		query,
		h.ID, h.Name, h.CreatedAt.UTC(), h.Type, h.BackupType, nullString(h.ProfileID), h.Size, h.Blob,
	)
	if err != nil {
		return fmt.Errorf("failed to insert backup history: %w", err)
	}
	return nil
}

// GetBackupHistory retrieves a BackupHistory record including its blob
func (s *Store) GetBackupHistory(id string) (*BackupHistory, error) {
	const query = `
		SELECT id, name, created_at, type, backup_type, profile_id, size, blob
		FROM backup_history WHERE id = ?
	`

	h := &BackupHistory{}
	var profileID sql.NullString
	err := s.db.QueryRow(query, id).Scan(
		&h.ID, &h.Name, &h.CreatedAt, &h.Type, &h.BackupType, &profileID, &h.Size, &h.Blob,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("backup history %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query backup history: %w", err)
	}
	if profileID.Valid {
		h.ProfileID = &profileID.String
	}
	return h, nil
}

// ListBackupHistory retrieves all history records without their blobs.
// When profileID is non-empty only that profile's records are returned.
func (s *Store) ListBackupHistory(profileID string) ([]BackupHistory, error) {
	query := `
		SELECT id, name, created_at, type, backup_type, profile_id, size
		FROM backup_history
	`
	var args []interface{}

	if profileID != "" {
		query += " WHERE profile_id = ?"
		args = append(args, profileID)
	}

	query += " ORDER BY created_at, id"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backup history: %w", err)
	}
	defer rows.Close()

	var history []BackupHistory
	for rows.Next() {
		h := BackupHistory{}
		var pid sql.NullString
		if err := rows.Scan(&h.ID, &h.Name, &h.CreatedAt, &h.Type, &h.BackupType, &pid, &h.Size); err != nil {
			return nil, fmt.Errorf("failed to scan backup history: %w", err)
		}
		if pid.Valid {
			v := pid.String
			h.ProfileID = &v
		}
		history = append(history, h)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating backup history: %w", err)
	}

	return history, nil
}

// DeleteBackupHistory irreversibly deletes a BackupHistory record
func (s *Store) DeleteBackupHistory(id string) error {
	result, err := s.db.Exec("DELETE FROM backup_history WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete backup history: %w", err)
	}
	return expectAffected(result, fmt.Sprintf("backup history %s", id))
}

// ============================================================================
// SyncRun Operations
// ============================================================================

// CreateSyncRun inserts a new SyncRun and sets its ID
func (s *Store) CreateSyncRun(run *SyncRun) error {
	const query = `
		INSERT INTO sync_runs (endpoint, mode, start_time, end_time, status, error_message)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.Exec(
		query,
		run.Endpoint, run.Mode, run.StartTime.UTC(), nullTime(nonZero(run.EndTime)),
		run.Status, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync run: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	run.ID = id
	return nil
}

// UpdateSyncRun updates an existing SyncRun by ID
func (s *Store) UpdateSyncRun(run *SyncRun) error {
	const query = `
		UPDATE sync_runs SET
			endpoint = ?, mode = ?, start_time = ?, end_time = ?, status = ?, error_message = ?
		WHERE id = ?
	`

	result, err := s.db.Exec(
		query,
		run.Endpoint, run.Mode, run.StartTime.UTC(), nullTime(nonZero(run.EndTime)),
		run.Status, run.ErrorMessage, run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update sync run: %w", err)
	}

	return expectAffected(result, fmt.Sprintf("sync run %d", run.ID))
}

// ListSyncRuns retrieves the most recent SyncRuns, newest first
func (s *Store) ListSyncRuns(limit int) ([]SyncRun, error) {
	query := `
		SELECT id, endpoint, mode, start_time, end_time, status, error_message
		FROM sync_runs ORDER BY start_time DESC, id DESC
	`
	var args []interface{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		run := SyncRun{}
		var end sql.NullTime
		if err := rows.Scan(&run.ID, &run.Endpoint, &run.Mode, &run.StartTime, &end, &run.Status, &run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("failed to scan sync run: %w", err)
		}
		if end.Valid {
			run.EndTime = end.Time
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sync runs: %w", err)
	}

	return runs, nil
}

// ============================================================================
// Helpers
// ============================================================================

func expectAffected(result sql.Result, what string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
