package store

import (
	"encoding/json"
	"time"
)

// Backup frequencies
const (
	FrequencyInterval = "INTERVAL"
	FrequencyDaily    = "DAILY"
)

// Backup types
const (
	BackupTypeFull         = "FULL"
	BackupTypeDifferential = "DIFFERENTIAL"
)

// History types
const (
	HistoryTypeAuto   = "AUTO"
	HistoryTypeManual = "MANUAL"
)

// AllTables is the sentinel table selector meaning "every table in the dataset"
const AllTables = "*"

// APIConfiguration is a locally stored base URL for a logical service key
type APIConfiguration struct {
	ServiceName string
	BaseURL     string
	UpdatedAt   time.Time
}

// Record is one row of the backed-up dataset. UpdatedAt is stamped on every
// write and is what differential backups compare against.
type Record struct {
	Table     string          `json:"-"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// BackupProfile is a named, schedulable backup policy
type BackupProfile struct {
	ID              string
	Name            string
	IsEnabled       bool
	Frequency       string // "INTERVAL" or "DAILY"
	IntervalMinutes int    // only meaningful for INTERVAL
	TimeOfDay       string // "HH:MM", only meaningful for DAILY
	BackupType      string // "FULL" or "DIFFERENTIAL"
	Tables          []string
	RetentionCount  int // max AUTO history entries kept, 0 keeps all
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BackupHistory is an immutable record of a completed snapshot
type BackupHistory struct {
	ID         string
	Name       string
	CreatedAt  time.Time
	Type       string // "AUTO" or "MANUAL"
	BackupType string // the type actually produced, after any FULL fallback
	ProfileID  *string
	Size       int64
	Blob       []byte // empty when loaded by ListBackupHistory
}

// SyncRun records a reconciliation pass
type SyncRun struct {
	ID           int64
	Endpoint     string
	Mode         string
	StartTime    time.Time
	EndTime      time.Time
	Status       string // "running", "completed", "failed"
	ErrorMessage string
}
