// Package snapshot encodes and decodes the self-describing document that
// backups, restores and imports exchange.
package snapshot

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/BadgerOps/localconsole/internal/store"
	"github.com/klauspost/compress/zstd"
)

const (
	// FormatName identifies a localconsole snapshot document
	FormatName = "localconsole-snapshot"
	// Version is the document version written by Encode
	Version = 1
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// Document is one serialized snapshot. Tables maps table name to its rows
// ordered by record id. Deleted only appears in DIFFERENTIAL documents.
type Document struct {
	Format    string                    `json:"format"`
	Version   int                       `json:"version"`
	CreatedAt time.Time                 `json:"created_at"`
	Type      string                    `json:"type"`
	Since     *time.Time                `json:"since,omitempty"`
	AllTables bool                      `json:"all_tables,omitempty"`
	Tables    map[string][]store.Record `json:"tables"`
	Deleted   map[string][]string       `json:"deleted,omitempty"`
}

// New builds a Document from a dataset read. since is nil for FULL snapshots.
func New(ds *store.DatasetSnapshot, backupType string, since *time.Time, allTables bool) *Document {
	tables := ds.Tables
	if tables == nil {
		tables = map[string][]store.Record{}
	}
	return &Document{
		Format:    FormatName,
		Version:   Version,
		CreatedAt: ds.TakenAt,
		Type:      backupType,
		Since:     since,
		AllTables: allTables,
		Tables:    tables,
		Deleted:   ds.Deleted,
	}
}

// Encode writes doc as JSON, zstd-compressed when compress is set
func Encode(w io.Writer, doc *Document, compress bool) error {
	if !compress {
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			return fmt.Errorf("encoding snapshot: %w", err)
		}
		return nil
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	if err := json.NewEncoder(zw).Encode(doc); err != nil {
		_ = zw.Close()
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("closing zstd writer: %w", err)
	}
	return nil
}

// Marshal is Encode into a byte slice
func Marshal(doc *Document, compress bool) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, doc, compress); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode reads a document, transparently decompressing zstd input, and
// validates it. Every failure is a *FormatError.
func Decode(r io.Reader) (*Document, error) {
	br := bufio.NewReader(r)

	var src io.Reader = br
	head, _ := br.Peek(len(zstdMagic))
	if bytes.Equal(head, zstdMagic) {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, &FormatError{Reason: "unreadable zstd stream", Err: err}
		}
		defer zr.Close()
		src = zr
	}

	dec := json.NewDecoder(src)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, &FormatError{Reason: "not a snapshot document", Err: err}
	}
	if dec.More() {
		return nil, &FormatError{Reason: "trailing data after document"}
	}

	if err := Validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// Unmarshal is Decode over a byte slice
func Unmarshal(data []byte) (*Document, error) {
	return Decode(bytes.NewReader(data))
}

// Validate checks that doc has the shape Encode produces. It also fills in
// each record's Table from the key it is listed under.
func Validate(doc *Document) error {
	if doc.Format != FormatName {
		return &FormatError{Field: "format", Reason: fmt.Sprintf("expected %q, got %q", FormatName, doc.Format)}
	}
	if doc.Version < 1 || doc.Version > Version {
		return &FormatError{Field: "version", Reason: fmt.Sprintf("unsupported version %d", doc.Version)}
	}
	if doc.CreatedAt.IsZero() {
		return &FormatError{Field: "created_at", Reason: "missing"}
	}

	switch doc.Type {
	case store.BackupTypeFull:
	case store.BackupTypeDifferential:
		if doc.Since == nil {
			return &FormatError{Field: "since", Reason: "required for DIFFERENTIAL snapshots"}
		}
	default:
		return &FormatError{Field: "type", Reason: fmt.Sprintf("unknown backup type %q", doc.Type)}
	}

	if doc.Tables == nil {
		return &FormatError{Field: "tables", Reason: "missing"}
	}

	for name, rows := range doc.Tables {
		if !store.ValidTableName(name) {
			return &FormatError{Field: "tables", Reason: fmt.Sprintf("invalid table name %q", name)}
		}
		for i := range rows {
			rec := &rows[i]
			if rec.ID == "" {
				return &FormatError{Field: fmt.Sprintf("tables.%s[%d].id", name, i), Reason: "missing"}
			}
			if len(rec.Data) == 0 {
				return &FormatError{Field: fmt.Sprintf("tables.%s[%d].data", name, i), Reason: "missing"}
			}
			if rec.UpdatedAt.IsZero() {
				return &FormatError{Field: fmt.Sprintf("tables.%s[%d].updated_at", name, i), Reason: "missing"}
			}
			rec.Table = name
		}
	}

	if len(doc.Deleted) > 0 && doc.Type != store.BackupTypeDifferential {
		return &FormatError{Field: "deleted", Reason: "only allowed in DIFFERENTIAL snapshots"}
	}
	for name, ids := range doc.Deleted {
		if !store.ValidTableName(name) {
			return &FormatError{Field: "deleted", Reason: fmt.Sprintf("invalid table name %q", name)}
		}
		for i, id := range ids {
			if id == "" {
				return &FormatError{Field: fmt.Sprintf("deleted.%s[%d]", name, i), Reason: "missing"}
			}
		}
	}

	return nil
}

// Summary describes a document without its rows
type Summary struct {
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"created_at"`
	Since     *time.Time     `json:"since,omitempty"`
	Tables    map[string]int `json:"tables"`
	Records   int            `json:"records"`
	Deleted   int            `json:"deleted,omitempty"`
}

// Summarize counts the rows of each table
func Summarize(doc *Document) *Summary {
	s := &Summary{
		Type:      doc.Type,
		CreatedAt: doc.CreatedAt,
		Since:     doc.Since,
		Tables:    make(map[string]int, len(doc.Tables)),
	}
	for name, rows := range doc.Tables {
		s.Tables[name] = len(rows)
		s.Records += len(rows)
	}
	for _, ids := range doc.Deleted {
		s.Deleted += len(ids)
	}
	return s
}

// TableNames returns the document's table names, sorted
func (d *Document) TableNames() []string {
	names := make([]string, 0, len(d.Tables))
	for name := range d.Tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrFormat is matched by every *FormatError
var ErrFormat = errors.New("malformed input")

// FormatError reports a malformed snapshot document or profile definition.
// Field names the offending field when known.
type FormatError struct {
	Field  string
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := "format error"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FormatError) Unwrap() error { return e.Err }

func (e *FormatError) Is(target error) bool { return target == ErrFormat }
