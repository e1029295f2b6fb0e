package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"
)

var tableNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

// ValidTableName reports whether name can be used as a dataset table name
func ValidTableName(name string) bool {
	return tableNameRe.MatchString(name)
}

// SettingDatasetReplacedAt records when a restore or import last replaced
// dataset rows. Change tracking from before that instant is void.
const SettingDatasetReplacedAt = "dataset.replaced_at"

// DatasetSnapshot is a consistent read of some or all dataset tables.
// Deleted is only filled for reads with a since time and lists the ids
// deleted after it, per table.
type DatasetSnapshot struct {
	TakenAt time.Time
	Tables  map[string][]Record
	Deleted map[string][]string
}

// ReplaceRequest describes a dataset replacement
type ReplaceRequest struct {
	Tables map[string][]Record
	// AllTables clears every table first, not only the ones present in Tables
	AllTables bool
	// Merge upserts rows instead of clearing the covered tables
	Merge bool
	// Deleted lists ids to remove; only used with Merge
	Deleted map[string][]string
}

// ============================================================================
// Record Operations
// ============================================================================

// PutRecord inserts or replaces a record and stamps its modification time
func (s *Store) PutRecord(ctx context.Context, table, id string, data json.RawMessage) (*Record, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	if id == "" {
		return nil, fmt.Errorf("record id is required")
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return nil, fmt.Errorf("record data is not valid JSON: %w", err)
	}

	rec := &Record{Table: table, ID: id, Data: compact.Bytes(), UpdatedAt: now()}

	const query = `
		INSERT INTO records (table_name, record_id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			data = excluded.data, updated_at = excluded.updated_at
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, query, table, id, string(rec.Data), rec.UpdatedAt.UnixNano()); err != nil {
		return nil, fmt.Errorf("failed to put record: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM record_tombstones WHERE table_name = ? AND record_id = ?", table, id); err != nil {
		return nil, fmt.Errorf("failed to clear tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit record: %w", err)
	}
	return rec, nil
}

// GetRecord retrieves a single record
func (s *Store) GetRecord(ctx context.Context, table, id string) (*Record, error) {
	const query = `
		SELECT table_name, record_id, data, updated_at
		FROM records WHERE table_name = ? AND record_id = ?
	`

	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, table, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("record %s/%s: %w", table, id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query record: %w", err)
	}
	return rec, nil
}

// DeleteRecord deletes a single record and leaves a tombstone so that
// differential backups carry the deletion
func (s *Store) DeleteRecord(ctx context.Context, table, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, "DELETE FROM records WHERE table_name = ? AND record_id = ?", table, id)
	if err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	if err := expectAffected(result, fmt.Sprintf("record %s/%s", table, id)); err != nil {
		return err
	}

	const tombstone = `
		INSERT INTO record_tombstones (table_name, record_id, deleted_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET deleted_at = excluded.deleted_at
	`
	if _, err := tx.ExecContext(ctx, tombstone, table, id, now().UnixNano()); err != nil {
		return fmt.Errorf("failed to record tombstone: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit delete: %w", err)
	}
	return nil
}

// ListRecords retrieves every record of a table ordered by id
func (s *Store) ListRecords(ctx context.Context, table string) ([]Record, error) {
	const query = `
		SELECT table_name, record_id, data, updated_at
		FROM records WHERE table_name = ? ORDER BY record_id
	`

	rows, err := s.db.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	return collectRecords(rows)
}

// ListTables returns the names of all non-empty dataset tables
func (s *Store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT table_name FROM records ORDER BY table_name")
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	return collectNames(rows)
}

// ============================================================================
// Dataset Snapshot / Replace
// ============================================================================

// ReadDataset reads the requested tables inside one transaction so the result
// is consistent. A nil tables slice, or one containing AllTables, selects every
// table. When since is non-nil only rows modified after it are returned, along
// with the ids deleted after it.
func (s *Store) ReadDataset(ctx context.Context, tables []string, since *time.Time) (*DatasetSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin read transaction: %w", err)
	}
	defer tx.Rollback()

	snap := &DatasetSnapshot{
		TakenAt: now(),
		Tables:  make(map[string][]Record),
	}

	if selectsAll(tables) {
		listQuery := "SELECT DISTINCT table_name FROM records ORDER BY table_name"
		if since != nil {
			listQuery = "SELECT table_name FROM records UNION SELECT table_name FROM record_tombstones ORDER BY 1"
		}
		rows, err := tx.QueryContext(ctx, listQuery)
		if err != nil {
			return nil, fmt.Errorf("failed to query tables: %w", err)
		}
		tables, err = collectNames(rows)
		if err != nil {
			return nil, err
		}
	}

	query := `
		SELECT table_name, record_id, data, updated_at
		FROM records WHERE table_name = ?
	`
	if since != nil {
		query += " AND updated_at > ?"
	}
	query += " ORDER BY record_id"

	for _, table := range tables {
		args := []interface{}{table}
		if since != nil {
			args = append(args, since.UnixNano())
		}

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to read table %s: %w", table, err)
		}
		records, err := collectRecords(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to read table %s: %w", table, err)
		}
		if records == nil {
			records = []Record{}
		}
		snap.Tables[table] = records
	}

	if since != nil {
		snap.Deleted = make(map[string][]string)
		const deletedQuery = `
			SELECT record_id FROM record_tombstones
			WHERE table_name = ? AND deleted_at > ? ORDER BY record_id
		`
		for _, table := range tables {
			rows, err := tx.QueryContext(ctx, deletedQuery, table, since.UnixNano())
			if err != nil {
				return nil, fmt.Errorf("failed to read deletions of %s: %w", table, err)
			}
			ids, err := collectNames(rows)
			if err != nil {
				return nil, fmt.Errorf("failed to read deletions of %s: %w", table, err)
			}
			if len(ids) > 0 {
				snap.Deleted[table] = ids
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to finish read transaction: %w", err)
	}

	return snap, nil
}

// ReplaceDataset applies a snapshot inside one transaction. Either every row
// lands or, on any error, the transaction is rolled back and the dataset is
// left exactly as it was. The store's single connection keeps readers out
// until the transaction ends. Rows keep the snapshot's updated_at; the
// replace time is stored under SettingDatasetReplacedAt instead.
func (s *Store) ReplaceDataset(ctx context.Context, req ReplaceRequest) error {
	names := make([]string, 0, len(req.Tables))
	for name := range req.Tables {
		if !ValidTableName(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for name := range req.Deleted {
		if !ValidTableName(name) {
			return fmt.Errorf("invalid table name %q", name)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin replace transaction: %w", err)
	}
	defer tx.Rollback()

	if !req.Merge {
		if req.AllTables {
			for _, q := range []string{"DELETE FROM records", "DELETE FROM record_tombstones"} {
				if _, err := tx.ExecContext(ctx, q); err != nil {
					return fmt.Errorf("failed to clear dataset: %w", err)
				}
			}
		} else {
			for _, name := range names {
				for _, q := range []string{
					"DELETE FROM records WHERE table_name = ?",
					"DELETE FROM record_tombstones WHERE table_name = ?",
				} {
					if _, err := tx.ExecContext(ctx, q, name); err != nil {
						return fmt.Errorf("failed to clear table %s: %w", name, err)
					}
				}
			}
		}
	}

	removed := 0
	if req.Merge {
		for name, ids := range req.Deleted {
			for _, id := range ids {
				result, err := tx.ExecContext(ctx, "DELETE FROM records WHERE table_name = ? AND record_id = ?", name, id)
				if err != nil {
					return fmt.Errorf("failed to delete %s/%s: %w", name, id, err)
				}
				if n, err := result.RowsAffected(); err == nil {
					removed += int(n)
				}
			}
		}
	}

	insert := "INSERT INTO records (table_name, record_id, data, updated_at) VALUES (?, ?, ?, ?)"
	if req.Merge {
		insert += ` ON CONFLICT(table_name, record_id) DO UPDATE SET
			data = excluded.data, updated_at = excluded.updated_at`
	}

	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	rows := 0
	var compact bytes.Buffer
	for _, name := range names {
		for _, rec := range req.Tables[name] {
			compact.Reset()
			if err := json.Compact(&compact, rec.Data); err != nil {
				return fmt.Errorf("record %s/%s is not valid JSON: %w", name, rec.ID, err)
			}
			if _, err := stmt.ExecContext(ctx, name, rec.ID, compact.String(), rec.UpdatedAt.UnixNano()); err != nil {
				return fmt.Errorf("failed to write %s/%s: %w", name, rec.ID, err)
			}
			rows++
		}
	}

	const marker = `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	replacedAt := now()
	if _, err := tx.ExecContext(ctx, marker, SettingDatasetReplacedAt, replacedAt.Format(time.RFC3339Nano), replacedAt); err != nil {
		return fmt.Errorf("failed to record replace time: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit replace transaction: %w", err)
	}

	s.logger.Info("dataset replaced", "tables", len(names), "rows", rows, "removed", removed, "merge", req.Merge, "all_tables", req.AllTables)
	return nil
}

// DatasetReplacedAt returns the time of the last ReplaceDataset, or nil if the
// dataset was never replaced
func (s *Store) DatasetReplacedAt() (*time.Time, error) {
	value, err := s.GetSetting(SettingDatasetReplacedAt)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s setting %q: %w", SettingDatasetReplacedAt, value, err)
	}
	return &t, nil
}

func selectsAll(tables []string) bool {
	if tables == nil {
		return true
	}
	for _, t := range tables {
		if t == AllTables {
			return true
		}
	}
	return false
}

func scanRecord(row rowScanner) (*Record, error) {
	rec := &Record{}
	var data string
	var updated int64
	if err := row.Scan(&rec.Table, &rec.ID, &data, &updated); err != nil {
		return nil, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, *rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

func collectNames(rows *sql.Rows) ([]string, error) {
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating table names: %w", err)
	}
	return names, nil
}
