package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Endpoints    map[string]string  `yaml:"endpoints"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Health       HealthConfig       `yaml:"health"`
	Backup       BackupConfig       `yaml:"backup"`
	Sync         SyncConfig         `yaml:"sync"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"`
	DBPath  string `yaml:"db_path"`
}

// ConnectivityConfig holds the connectivity controller and reachability watcher settings
type ConnectivityConfig struct {
	DefaultMode   string        `yaml:"default_mode"`
	ProbeAddress  string        `yaml:"probe_address"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// HealthConfig lists the remote services the health monitor probes
type HealthConfig struct {
	Services []string      `yaml:"services"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// BackupConfig holds backup engine settings
type BackupConfig struct {
	Compression      string `yaml:"compression"`
	MaxImportSize    string `yaml:"max_import_size"`
	ExportDir        string `yaml:"export_dir"`
	SchedulerEnabled bool   `yaml:"scheduler_enabled"`
}

// SyncConfig holds the sync coordinator settings
type SyncConfig struct {
	Enabled     bool                     `yaml:"enabled"`
	EndpointKey string                   `yaml:"endpoint_key"`
	Intervals   map[string]time.Duration `yaml:"intervals"`
}

// DefaultEndpoints is the build-time endpoint table. The local
// api_configurations table takes precedence over it at resolution time.
var DefaultEndpoints = map[string]string{
	"api":  "http://127.0.0.1:3000",
	"auth": "http://127.0.0.1:3001",
	"sync": "http://127.0.0.1:3002",
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	endpoints := make(map[string]string, len(DefaultEndpoints))
	for k, v := range DefaultEndpoints {
		endpoints[k] = v
	}

	return &Config{
		Server: ServerConfig{
			Listen:  "127.0.0.1:8080",
			DataDir: "/var/lib/localconsole",
			DBPath:  "",
		},
		Endpoints: endpoints,
		Connectivity: ConnectivityConfig{
			DefaultMode:   "OFFLINE_FIRST",
			ProbeAddress:  "1.1.1.1:443",
			ProbeInterval: 15 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Health: HealthConfig{
			Services: []string{"api", "auth", "sync"},
			Interval: 30 * time.Second,
			Timeout:  5 * time.Second,
		},
		Backup: BackupConfig{
			Compression:      "zstd",
			MaxImportSize:    "256MB",
			ExportDir:        "",
			SchedulerEnabled: true,
		},
		Sync: SyncConfig{
			Enabled:     true,
			EndpointKey: "sync",
			Intervals: map[string]time.Duration{
				"ONLINE_FIRST":  time.Minute,
				"SYNC":          30 * time.Second,
				"HYBRID":        5 * time.Minute,
				"OFFLINE_FIRST": 15 * time.Minute,
			},
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}

	return cfg, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"localconsole.yaml",
		"/etc/localconsole/localconsole.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "localconsole", "localconsole.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// Validate checks values that cannot be caught by YAML decoding alone
func (c *Config) Validate() error {
	switch strings.ToLower(c.Backup.Compression) {
	case "", "none", "zstd":
	default:
		return fmt.Errorf("backup.compression must be none or zstd, got %q", c.Backup.Compression)
	}
	if _, err := c.Backup.MaxImportBytes(); err != nil {
		return err
	}
	for mode, d := range c.Sync.Intervals {
		if d <= 0 {
			return fmt.Errorf("sync.intervals.%s must be positive", mode)
		}
	}
	return nil
}

// DatabasePath returns the SQLite path, defaulting to a file under the data directory
func (c *Config) DatabasePath() string {
	if c.Server.DBPath != "" {
		return c.Server.DBPath
	}
	return filepath.Join(c.Server.DataDir, "localconsole.db")
}

// EndpointKeys returns the statically configured endpoint keys in sorted order
func (c *Config) EndpointKeys() []string {
	keys := make([]string, 0, len(c.Endpoints))
	for k := range c.Endpoints {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MaxImportBytes parses MaxImportSize ("256MB", "1GiB", ...) into bytes
func (b BackupConfig) MaxImportBytes() (int64, error) {
	if b.MaxImportSize == "" {
		return 256 * humanize.MByte, nil
	}
	n, err := humanize.ParseBytes(b.MaxImportSize)
	if err != nil {
		return 0, fmt.Errorf("invalid backup.max_import_size %q: %w", b.MaxImportSize, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("backup.max_import_size must be positive")
	}
	return int64(n), nil
}

// CompressionEnabled reports whether snapshot blobs should be zstd-compressed
func (b BackupConfig) CompressionEnabled() bool {
	return strings.EqualFold(b.Compression, "zstd")
}

// IntervalFor returns the reconciliation interval for a connectivity mode.
// Unknown modes fall back to the longest configured interval.
func (s SyncConfig) IntervalFor(mode string) time.Duration {
	if d, ok := s.Intervals[mode]; ok && d > 0 {
		return d
	}
	var longest time.Duration
	for _, d := range s.Intervals {
		if d > longest {
			longest = d
		}
	}
	if longest == 0 {
		longest = 15 * time.Minute
	}
	return longest
}
