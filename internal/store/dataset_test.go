package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func putRecords(t *testing.T, s *Store, table string, kv map[string]string) {
	t.Helper()
	for id, data := range kv {
		if _, err := s.PutRecord(context.Background(), table, id, json.RawMessage(data)); err != nil {
			t.Fatalf("PutRecord(%s/%s) failed: %v", table, id, err)
		}
	}
}

func TestValidTableName(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"customers", true},
		{"order_items", true},
		{"v2.events", true},
		{"*", false},
		{"", false},
		{"_hidden", false},
		{"has space", false},
	}

	for _, tt := range tests {
		if got := ValidTableName(tt.name); got != tt.want {
			t.Errorf("ValidTableName(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestPutRecordCompactsAndStamps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	before := time.Now().UTC()
	rec, err := s.PutRecord(ctx, "customers", "c1", json.RawMessage(`{ "name" : "Ada",  "tier": 1 }`))
	if err != nil {
		t.Fatalf("PutRecord() failed: %v", err)
	}
	if rec.UpdatedAt.Before(before) {
		t.Errorf("UpdatedAt = %v, want >= %v", rec.UpdatedAt, before)
	}

	got, err := s.GetRecord(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if string(got.Data) != `{"name":"Ada","tier":1}` {
		t.Errorf("Data = %s", got.Data)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Errorf("stored UpdatedAt = %v, want %v", got.UpdatedAt, rec.UpdatedAt)
	}
}

func TestPutRecordRejectsBadInput(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.PutRecord(ctx, "customers", "c1", json.RawMessage(`{not json`)); err == nil {
		t.Error("PutRecord() accepted invalid JSON")
	}
	if _, err := s.PutRecord(ctx, "*", "c1", json.RawMessage(`{}`)); err == nil {
		t.Error("PutRecord() accepted reserved table name")
	}
	if _, err := s.PutRecord(ctx, "customers", "", json.RawMessage(`{}`)); err == nil {
		t.Error("PutRecord() accepted empty id")
	}
}

func TestRecordListAndDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c2": `{}`, "c1": `{}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{"total":3}`})

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables() failed: %v", err)
	}
	if len(tables) != 2 || tables[0] != "customers" || tables[1] != "orders" {
		t.Errorf("ListTables() = %v", tables)
	}

	recs, err := s.ListRecords(ctx, "customers")
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c1" || recs[0].Table != "customers" {
		t.Errorf("ListRecords() = %+v", recs)
	}

	if err := s.DeleteRecord(ctx, "customers", "c1"); err != nil {
		t.Fatalf("DeleteRecord() failed: %v", err)
	}
	if _, err := s.GetRecord(ctx, "customers", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRecord() after delete error = %v, want ErrNotFound", err)
	}
	if err := s.DeleteRecord(ctx, "customers", "c1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second DeleteRecord() error = %v, want ErrNotFound", err)
	}
}

func TestReadDatasetAllTables(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{"a":1}`, "c2": `{"a":2}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{"b":1}`})

	for _, sel := range [][]string{nil, {AllTables}} {
		snap, err := s.ReadDataset(ctx, sel, nil)
		if err != nil {
			t.Fatalf("ReadDataset(%v) failed: %v", sel, err)
		}
		if len(snap.Tables) != 2 {
			t.Errorf("ReadDataset(%v) tables = %d, want 2", sel, len(snap.Tables))
		}
		if len(snap.Tables["customers"]) != 2 || len(snap.Tables["orders"]) != 1 {
			t.Errorf("ReadDataset(%v) = %+v", sel, snap.Tables)
		}
		if snap.TakenAt.IsZero() {
			t.Error("TakenAt not set")
		}
	}
}

func TestReadDatasetNamedTablesIncludesEmpty(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{}`})

	snap, err := s.ReadDataset(ctx, []string{"customers", "invoices"}, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}
	if _, ok := snap.Tables["orders"]; ok {
		t.Error("unrequested table included")
	}
	inv, ok := snap.Tables["invoices"]
	if !ok || inv == nil || len(inv) != 0 {
		t.Errorf("empty requested table = %#v, want empty non-nil slice", inv)
	}
}

func TestReadDatasetSince(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"old": `{}`})

	mark, err := s.ReadDataset(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}
	since := mark.TakenAt

	// updated_at has nanosecond resolution, make sure the next write is strictly later
	time.Sleep(2 * time.Millisecond)
	putRecords(t, s, "customers", map[string]string{"new": `{}`})

	snap, err := s.ReadDataset(ctx, []string{"customers"}, &since)
	if err != nil {
		t.Fatalf("ReadDataset(since) failed: %v", err)
	}
	recs := snap.Tables["customers"]
	if len(recs) != 1 || recs[0].ID != "new" {
		t.Errorf("ReadDataset(since) = %+v, want only 'new'", recs)
	}
}

func TestReplaceDatasetFull(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{}`, "c2": `{}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{}`})

	ts := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	err := s.ReplaceDataset(ctx, ReplaceRequest{
		Tables: map[string][]Record{
			"customers": {{ID: "c9", Data: json.RawMessage(`{"n":9}`), UpdatedAt: ts}},
		},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset() failed: %v", err)
	}

	recs, err := s.ListRecords(ctx, "customers")
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "c9" || !recs[0].UpdatedAt.Equal(ts) {
		t.Errorf("customers after replace = %+v", recs)
	}

	// orders was not covered and must be untouched
	orders, err := s.ListRecords(ctx, "orders")
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(orders) != 1 {
		t.Errorf("orders after scoped replace = %+v", orders)
	}
}

func TestReplaceDatasetAllTablesClearsEverything(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{}`})

	err := s.ReplaceDataset(ctx, ReplaceRequest{
		AllTables: true,
		Tables: map[string][]Record{
			"customers": {{ID: "c2", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()}},
		},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset() failed: %v", err)
	}

	tables, err := s.ListTables(ctx)
	if err != nil {
		t.Fatalf("ListTables() failed: %v", err)
	}
	if len(tables) != 1 || tables[0] != "customers" {
		t.Errorf("ListTables() = %v, want [customers]", tables)
	}
}

func TestReplaceDatasetMerge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{"v":1}`, "c2": `{"v":1}`})

	err := s.ReplaceDataset(ctx, ReplaceRequest{
		Merge: true,
		Tables: map[string][]Record{
			"customers": {
				{ID: "c2", Data: json.RawMessage(`{"v":2}`), UpdatedAt: time.Now()},
				{ID: "c3", Data: json.RawMessage(`{"v":2}`), UpdatedAt: time.Now()},
			},
		},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset(merge) failed: %v", err)
	}

	recs, err := s.ListRecords(ctx, "customers")
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len(records) = %d, want 3", len(recs))
	}
	if string(recs[0].Data) != `{"v":1}` || string(recs[1].Data) != `{"v":2}` {
		t.Errorf("merge result = %+v", recs)
	}
}

func TestReplaceDatasetRollsBackOnFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{"keep":true}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{"keep":true}`})

	before, err := s.ReadDataset(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}

	// Duplicate ids violate the primary key half way through the insert
	err = s.ReplaceDataset(ctx, ReplaceRequest{
		AllTables: true,
		Tables: map[string][]Record{
			"customers": {
				{ID: "dup", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()},
				{ID: "dup", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()},
			},
		},
	})
	if err == nil {
		t.Fatal("ReplaceDataset() succeeded, want constraint error")
	}

	after, err := s.ReadDataset(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}

	b, _ := json.Marshal(before.Tables)
	a, _ := json.Marshal(after.Tables)
	if string(a) != string(b) {
		t.Errorf("dataset changed after failed replace:\nbefore %s\nafter  %s", b, a)
	}
}

func TestReplaceDatasetRejectsBadTableName(t *testing.T) {
	s := newTestStore(t)

	err := s.ReplaceDataset(context.Background(), ReplaceRequest{
		Tables: map[string][]Record{"bad name": nil},
	})
	if err == nil {
		t.Error("ReplaceDataset() accepted invalid table name")
	}
}

func TestReplaceDatasetCompactsData(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, merge := range []bool{false, true} {
		err := s.ReplaceDataset(ctx, ReplaceRequest{
			Merge: merge,
			Tables: map[string][]Record{
				"customers": {{ID: "c1", Data: json.RawMessage("{\n  \"name\" : \"Ada\",\n  \"tier\": 1\n}"), UpdatedAt: time.Now()}},
			},
		})
		if err != nil {
			t.Fatalf("ReplaceDataset(merge=%v) failed: %v", merge, err)
		}

		rec, err := s.GetRecord(ctx, "customers", "c1")
		if err != nil {
			t.Fatalf("GetRecord() failed: %v", err)
		}
		if string(rec.Data) != `{"name":"Ada","tier":1}` {
			t.Errorf("merge=%v stored %s, want compact JSON", merge, rec.Data)
		}
	}
}

func TestReplaceDatasetRecordsReplaceTime(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	at, err := s.DatasetReplacedAt()
	if err != nil || at != nil {
		t.Fatalf("DatasetReplacedAt() on a fresh store = %v, %v", at, err)
	}

	start := time.Now().UTC()
	err = s.ReplaceDataset(ctx, ReplaceRequest{
		Tables: map[string][]Record{"customers": {{ID: "c1", Data: json.RawMessage(`{}`), UpdatedAt: start.Add(-time.Hour)}}},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset() failed: %v", err)
	}

	at, err = s.DatasetReplacedAt()
	if err != nil || at == nil {
		t.Fatalf("DatasetReplacedAt() = %v, %v", at, err)
	}
	if at.Before(start) {
		t.Errorf("replace time %v is before the replace started at %v", at, start)
	}

	// Rows keep the snapshot's own modification time
	rec, err := s.GetRecord(ctx, "customers", "c1")
	if err != nil {
		t.Fatalf("GetRecord() failed: %v", err)
	}
	if !rec.UpdatedAt.Before(start) {
		t.Errorf("UpdatedAt = %v, want the snapshot time", rec.UpdatedAt)
	}
}

func TestDeleteLeavesTombstoneForSinceReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{}`, "c2": `{}`, "c3": `{}`})
	putRecords(t, s, "orders", map[string]string{"o1": `{}`})

	mark, err := s.ReadDataset(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}
	since := mark.TakenAt
	time.Sleep(2 * time.Millisecond)

	for _, id := range []string{"c2", "c3"} {
		if err := s.DeleteRecord(ctx, "customers", id); err != nil {
			t.Fatalf("DeleteRecord(%s) failed: %v", id, err)
		}
	}
	if err := s.DeleteRecord(ctx, "orders", "o1"); err != nil {
		t.Fatalf("DeleteRecord(o1) failed: %v", err)
	}
	// Re-creating a row cancels its tombstone
	putRecords(t, s, "customers", map[string]string{"c3": `{"back":true}`})

	snap, err := s.ReadDataset(ctx, nil, &since)
	if err != nil {
		t.Fatalf("ReadDataset(since) failed: %v", err)
	}
	if got := snap.Deleted["customers"]; len(got) != 1 || got[0] != "c2" {
		t.Errorf("Deleted[customers] = %v, want [c2]", got)
	}
	// orders has no rows left but its deletion is still reported
	if got := snap.Deleted["orders"]; len(got) != 1 || got[0] != "o1" {
		t.Errorf("Deleted[orders] = %v, want [o1]", got)
	}
	if recs := snap.Tables["customers"]; len(recs) != 1 || recs[0].ID != "c3" {
		t.Errorf("changed customers = %+v, want only c3", recs)
	}

	full, err := s.ReadDataset(ctx, nil, nil)
	if err != nil {
		t.Fatalf("ReadDataset() failed: %v", err)
	}
	if full.Deleted != nil {
		t.Errorf("full read reported deletions: %v", full.Deleted)
	}
}

func TestReplaceDatasetMergeAppliesDeletions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	putRecords(t, s, "customers", map[string]string{"c1": `{}`, "c2": `{}`})

	err := s.ReplaceDataset(ctx, ReplaceRequest{
		Merge:   true,
		Tables:  map[string][]Record{"customers": {{ID: "c3", Data: json.RawMessage(`{}`), UpdatedAt: time.Now()}}},
		Deleted: map[string][]string{"customers": {"c1", "missing"}},
	})
	if err != nil {
		t.Fatalf("ReplaceDataset() failed: %v", err)
	}

	recs, err := s.ListRecords(ctx, "customers")
	if err != nil {
		t.Fatalf("ListRecords() failed: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "c2" || recs[1].ID != "c3" {
		t.Errorf("records = %+v, want c2 and c3", recs)
	}
}
