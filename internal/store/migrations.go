package store

import (
	"fmt"
)

// migrate runs all pending migrations
func (s *Store) migrate() error {
	createMigrationsTableSQL := `
		CREATE TABLE IF NOT EXISTS migrations (
			id INTEGER PRIMARY KEY,
			version INTEGER NOT NULL UNIQUE,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.db.Exec(createMigrationsTableSQL); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var currentVersion int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&currentVersion)
	if err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	s.logger.Debug("Current schema version", "version", currentVersion)

	migrations := []struct {
		version int
		sql     string
	}{
		{
			version: 1,
			sql: `
				CREATE TABLE api_configurations (
					service_name TEXT PRIMARY KEY,
					base_url TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE settings (
					key TEXT PRIMARY KEY,
					value TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE records (
					table_name TEXT NOT NULL,
					record_id TEXT NOT NULL,
					data TEXT NOT NULL,
					updated_at INTEGER NOT NULL,
					PRIMARY KEY(table_name, record_id)
				);

				CREATE INDEX idx_records_updated ON records(table_name, updated_at);
			`,
		},
		{
			version: 2,
			sql: `
				CREATE TABLE backup_profiles (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					is_enabled BOOLEAN DEFAULT 1,
					frequency TEXT NOT NULL,
					interval_minutes INTEGER DEFAULT 0,
					time_of_day TEXT DEFAULT '',
					backup_type TEXT NOT NULL,
					tables_json TEXT NOT NULL,
					retention_count INTEGER DEFAULT 0,
					last_run_at DATETIME,
					created_at DATETIME NOT NULL,
					updated_at DATETIME NOT NULL
				);

				CREATE TABLE backup_history (
					id TEXT PRIMARY KEY,
					name TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					type TEXT NOT NULL,
					backup_type TEXT NOT NULL,
					profile_id TEXT,
					size INTEGER NOT NULL,
					blob BLOB NOT NULL
				);

				CREATE INDEX idx_backup_history_profile ON backup_history(profile_id, created_at);
			`,
		},
		{
			version: 3,
			sql: `
				CREATE TABLE sync_runs (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					endpoint TEXT NOT NULL,
					mode TEXT NOT NULL,
					start_time DATETIME NOT NULL,
					end_time DATETIME,
					status TEXT DEFAULT 'running',
					error_message TEXT DEFAULT ''
				);
			`,
		},
		{
			version: 4,
			sql: `
				CREATE TABLE record_tombstones (
					table_name TEXT NOT NULL,
					record_id TEXT NOT NULL,
					deleted_at INTEGER NOT NULL,
					PRIMARY KEY(table_name, record_id)
				);

				CREATE INDEX idx_tombstones_deleted ON record_tombstones(table_name, deleted_at);
			`,
		},
	}

	for _, mig := range migrations {
		if mig.version > currentVersion {
			s.logger.Info("Running migration", "version", mig.version)

			if err := s.runMigration(mig.version, mig.sql); err != nil {
				return fmt.Errorf("failed to run migration %d: %w", mig.version, err)
			}

			s.logger.Info("Migration completed", "version", mig.version)
		}
	}

	return nil
}

// runMigration executes a migration and records it
func (s *Store) runMigration(version int, sql string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	insertSQL := "INSERT INTO migrations (version) VALUES (?)"
	if _, err := tx.Exec(insertSQL, version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration transaction: %w", err)
	}

	return nil
}
